package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"order-router-go/infrastructure/logger"
	"order-router-go/venue"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env     string        `yaml:"env"`
	Logging logger.Config `yaml:"logging"`
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Queue   QueueConfig   `yaml:"queue"`
	Router  RouterConfig  `yaml:"router"`
	Monitor MonitorConfig `yaml:"monitor"`
	Alert   AlertConfig   `yaml:"alert"`
	// Pairs 允许下单的交易对。
	Pairs []string `yaml:"pairs"`
	// Venues 模拟场所参数，至少一个。
	Venues []venue.SimConfig `yaml:"venues"`
}

// ServerConfig HTTP 监听（/ws 推送与 /metrics）。
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// HealthInterval 场所探活周期。
	HealthInterval time.Duration `yaml:"health_interval"`
}

// StoreConfig 订单持久化。
type StoreConfig struct {
	// Backend memory 或 postgres。
	Backend string `yaml:"backend"`
	// DSN postgres 连接串，可用 ROUTER_PG_DSN 覆盖。
	DSN string `yaml:"dsn"`
}

// QueueConfig 执行队列。
type QueueConfig struct {
	// Backend memory 或 redis。
	Backend string `yaml:"backend"`
	// RedisAddr redis 地址，可用 ROUTER_REDIS_ADDR 覆盖。
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	// Capacity 待处理任务上限（内存后端）。
	Capacity      int           `yaml:"capacity"`
	Concurrency   int           `yaml:"concurrency"`
	RatePerMinute int           `yaml:"rate_per_minute"`
	Retries       int           `yaml:"retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// RouterConfig 报价路由。
type RouterConfig struct {
	QuoteTimeout  time.Duration `yaml:"quote_timeout"`
	QuoteAttempts int           `yaml:"quote_attempts"`
	QuoteBackoff  time.Duration `yaml:"quote_backoff"`
}

// MonitorConfig 限价单监控。
type MonitorConfig struct {
	CheckInterval  time.Duration `yaml:"check_interval"`
	ExpiryInterval time.Duration `yaml:"expiry_interval"`
	// TriggerBand 目标价上方允许触发的相对带宽，默认 0.001。
	TriggerBand float64 `yaml:"trigger_band"`
}

// AlertConfig 告警。
type AlertConfig struct {
	// ThrottleInterval 同一告警的最小间隔。
	ThrottleInterval time.Duration `yaml:"throttle_interval"`
	// WebhookURL 非空时告警同时 POST 到该地址。
	WebhookURL string `yaml:"webhook_url"`
}

// Default 返回可直接运行的内存后端配置，测试与本地开发用。
func Default() AppConfig {
	return AppConfig{
		Env:     "dev",
		Logging: logger.DefaultConfig(),
		Server: ServerConfig{
			ListenAddr:     ":8080",
			HealthInterval: 30 * time.Second,
		},
		Store: StoreConfig{Backend: "memory"},
		Queue: QueueConfig{
			Backend:       "memory",
			Capacity:      1024,
			Concurrency:   10,
			RatePerMinute: 100,
			Retries:       3,
			RetryDelay:    time.Second,
		},
		Router: RouterConfig{
			QuoteTimeout:  5 * time.Second,
			QuoteAttempts: 3,
			QuoteBackoff:  200 * time.Millisecond,
		},
		Monitor: MonitorConfig{
			CheckInterval:  10 * time.Second,
			ExpiryInterval: 60 * time.Second,
			TriggerBand:    0.001,
		},
		Alert: AlertConfig{ThrottleInterval: time.Minute},
		Pairs: []string{"SOL/USDC"},
	}
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("ROUTER_PG_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("ROUTER_REDIS_ADDR"); v != "" {
		cfg.Queue.RedisAddr = v
	}
	if v := os.Getenv("ROUTER_REDIS_PASSWORD"); v != "" {
		cfg.Queue.RedisPassword = v
	}
	return cfg, Validate(cfg)
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}

	switch cfg.Store.Backend {
	case "memory":
	case "postgres":
		if cfg.Store.DSN == "" {
			return errors.New("store.dsn is required for postgres backend (or ROUTER_PG_DSN)")
		}
	default:
		return fmt.Errorf("store.backend must be memory or postgres, got %q", cfg.Store.Backend)
	}

	switch cfg.Queue.Backend {
	case "memory":
	case "redis":
		if cfg.Queue.RedisAddr == "" {
			return errors.New("queue.redis_addr is required for redis backend (or ROUTER_REDIS_ADDR)")
		}
	default:
		return fmt.Errorf("queue.backend must be memory or redis, got %q", cfg.Queue.Backend)
	}
	if cfg.Queue.Concurrency < 0 || cfg.Queue.RatePerMinute < 0 || cfg.Queue.Retries < 0 {
		return errors.New("queue limits must be >= 0")
	}

	if cfg.Router.QuoteAttempts < 1 {
		return errors.New("router.quote_attempts must be >= 1")
	}
	if cfg.Monitor.TriggerBand < 0 || cfg.Monitor.TriggerBand > 0.1 {
		return fmt.Errorf("monitor.trigger_band must be within [0, 0.1], got %v", cfg.Monitor.TriggerBand)
	}

	if len(cfg.Pairs) == 0 {
		return errors.New("pairs config is required")
	}
	if len(cfg.Venues) == 0 {
		return errors.New("at least one venue is required")
	}
	seen := map[string]bool{}
	for _, vc := range cfg.Venues {
		if vc.Name == "" {
			return errors.New("venue name is required")
		}
		if seen[vc.Name] {
			return fmt.Errorf("duplicate venue %q", vc.Name)
		}
		seen[vc.Name] = true
		if vc.FeeRate < 0 || vc.FeeRate >= 1 {
			return fmt.Errorf("venue %s fee_rate must be within [0, 1)", vc.Name)
		}
		if vc.QuoteFailRate < 0 || vc.QuoteFailRate >= 1 {
			return fmt.Errorf("venue %s quote_fail_rate must be within [0, 1)", vc.Name)
		}
		for _, pair := range cfg.Pairs {
			if _, ok := vc.BasePrices[pair]; !ok {
				return fmt.Errorf("venue %s missing base price for pair %s", vc.Name, pair)
			}
		}
	}
	return nil
}
