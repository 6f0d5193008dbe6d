// Package container 依赖注入容器：按配置组装存储、场所、队列、推送与
// 监控，并统一管理启停顺序。
package container

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"order-router-go/config"
	"order-router-go/fanout"
	"order-router-go/infrastructure/alert"
	"order-router-go/infrastructure/logger"
	"order-router-go/internal/engine"
	"order-router-go/internal/monitor"
	"order-router-go/metrics"
	"order-router-go/queue"
	"order-router-go/store"
	"order-router-go/venue"
)

// Container 依赖注入容器，管理所有组件的生命周期。
type Container struct {
	cfg        config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	metrics *metrics.Collector
	alerts  *alert.Manager

	// 核心服务
	store      store.OrderStore
	registry   *venue.Registry
	router     *venue.Router
	queue      queue.ExecutionQueue
	hub        *fanout.Hub
	controller *engine.Controller
	monitor    *monitor.PriceMonitor

	// 配置热更新
	watcher *config.Watcher

	httpServer *http.Server
	lifecycle  *LifecycleManager
}

// New 加载配置并创建容器。
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return &Container{
		cfg:        cfg,
		configPath: configPath,
		lifecycle:  NewLifecycleManager(),
	}, nil
}

// NewWithConfig 直接注入配置，测试用。
func NewWithConfig(cfg config.AppConfig) (*Container, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return &Container{
		cfg:       cfg,
		lifecycle: NewLifecycleManager(),
	}, nil
}

// Build 构建所有组件。
func (c *Container) Build(ctx context.Context) error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildStorage(ctx); err != nil {
		return fmt.Errorf("build storage failed: %w", err)
	}
	if err := c.buildVenues(); err != nil {
		return fmt.Errorf("build venues failed: %w", err)
	}
	if err := c.buildServices(); err != nil {
		return fmt.Errorf("build services failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully")
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	c.metrics = metrics.New(metrics.DefaultConfig())
	channels := []alert.Channel{alert.NewZapChannel("log", c.logger)}
	if c.cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel("webhook", c.cfg.Alert.WebhookURL))
	}
	c.alerts = alert.NewManager(channels, c.cfg.Alert.ThrottleInterval)

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildStorage(ctx context.Context) error {
	switch c.cfg.Store.Backend {
	case "postgres":
		st, err := store.NewPostgresStore(ctx, c.cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		c.store = st
	default:
		c.store = store.NewMemoryStore(func(event string, fields map[string]interface{}) {
			c.logger.WithFields(fields).Debug(event)
		})
	}

	onDead := func(dl queue.DeadLetter) {
		c.alerts.Critical("order execution dead-lettered", map[string]interface{}{
			"order_id":   dl.OrderID,
			"attempts":   dl.Attempts,
			"last_error": dl.LastError,
		})
	}

	switch c.cfg.Queue.Backend {
	case "redis":
		q, err := queue.NewRedisQueue(ctx, queue.RedisConfig{
			Addr:     c.cfg.Queue.RedisAddr,
			Password: c.cfg.Queue.RedisPassword,
			DB:       c.cfg.Queue.RedisDB,
		}, c.logger, c.metrics, onDead)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		c.queue = q
	default:
		c.queue = queue.NewMemoryQueue(c.cfg.Queue.Capacity, c.logger, c.metrics, onDead)
	}

	c.logger.Info("storage built")
	return nil
}

func (c *Container) buildVenues() error {
	c.registry = venue.NewRegistry()
	for _, vc := range c.cfg.Venues {
		if err := c.registry.Register(venue.NewSimVenue(vc)); err != nil {
			return err
		}
	}

	c.router = venue.NewRouter(c.registry, venue.RouterConfig{
		QuoteTimeout: c.cfg.Router.QuoteTimeout,
		Retry: venue.RetryPolicy{
			MaxAttempts: c.cfg.Router.QuoteAttempts,
			BaseDelay:   c.cfg.Router.QuoteBackoff,
		},
	}, c.logger, c.metrics)

	c.logger.Info("venues built", zap.Int("venues", c.registry.Len()))
	return nil
}

func (c *Container) buildServices() error {
	c.hub = fanout.NewHub(c.logger, c.metrics)

	c.controller = engine.New(c.store, c.router, c.hub, engine.Config{
		SupportedPairs: c.cfg.Pairs,
	}, c.logger, c.metrics)

	c.monitor = monitor.New(c.store, c.router, c.queue, c.hub, monitor.Config{
		CheckInterval:  c.cfg.Monitor.CheckInterval,
		ExpiryInterval: c.cfg.Monitor.ExpiryInterval,
		TriggerBand:    c.cfg.Monitor.TriggerBand,
	}, c.logger, c.metrics)

	c.logger.Info("core services built")
	return nil
}

func (c *Container) registerLifecycleComponents() {
	// 推送 hub 先起后停，保证最后的状态推送能送达
	c.lifecycle.Register(&funcComponent{
		name:  "fanout_hub",
		start: c.hub.Start,
		stop:  c.hub.Stop,
	})

	// 队列消费：把投递交给控制器管线
	c.lifecycle.Register(&funcComponent{
		name: "execution_queue",
		start: func(ctx context.Context) error {
			return c.queue.Consume(ctx, c.controller.ProcessOrder, queue.Options{
				Concurrency:   c.cfg.Queue.Concurrency,
				RatePerMinute: c.cfg.Queue.RatePerMinute,
				Retries:       c.cfg.Queue.Retries,
				RetryDelay:    c.cfg.Queue.RetryDelay,
			})
		},
		stop: c.queue.Close,
	})

	c.lifecycle.Register(&funcComponent{
		name: "price_monitor",
		start: func(ctx context.Context) error {
			c.monitor.Start(ctx)
			return nil
		},
		stop: func() error {
			c.monitor.Stop()
			return nil
		},
	})

	c.lifecycle.Register(&httpServerComponent{
		name:    "http_server",
		handler: c.buildMux(),
		addr:    c.cfg.Server.ListenAddr,
		logger:  c.logger,
		server:  &c.httpServer,
	})

	c.lifecycle.Register(newHealthChecker(c.router, c.alerts, c.logger, c.cfg.Server.HealthInterval))

	if c.configPath != "" {
		c.lifecycle.Register(&funcComponent{
			name: "config_watcher",
			start: func(ctx context.Context) error {
				w, err := config.NewWatcher(c.configPath, config.DefaultWatcherConfig(), c.applyConfig, func(err error) {
					c.logger.LogError(err, map[string]interface{}{"component": "config_watcher"})
				})
				if err != nil {
					return err
				}
				c.watcher = w
				return w.Start(ctx)
			},
			stop: func() error {
				if c.watcher == nil {
					return nil
				}
				return c.watcher.Stop()
			},
		})
	}
}

// applyConfig 应用热更新：只动运行时可调项，结构性配置要重启。
func (c *Container) applyConfig(cfg config.AppConfig) {
	c.monitor.UpdateTunables(monitor.Config{
		CheckInterval:  cfg.Monitor.CheckInterval,
		ExpiryInterval: cfg.Monitor.ExpiryInterval,
		TriggerBand:    cfg.Monitor.TriggerBand,
	})
	if rl, ok := c.queue.(interface{ SetRatePerMinute(int) }); ok {
		rl.SetRatePerMinute(cfg.Queue.RatePerMinute)
	}
	c.logger.Info("config reloaded",
		zap.Duration("check_interval", cfg.Monitor.CheckInterval),
		zap.Float64("trigger_band", cfg.Monitor.TriggerBand),
		zap.Int("rate_per_minute", cfg.Queue.RatePerMinute),
	)
}

func (c *Container) buildMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.metrics.Handler())
	mux.HandleFunc("/ws", c.hub.Handler())
	(&api{c: c}).register(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := c.lifecycle.CheckHealth(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// Start 按注册顺序启动所有组件。
func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止所有组件并关闭存储。
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}

	if c.store != nil {
		if cerr := c.store.Close(); cerr != nil {
			c.logger.LogError(cerr, map[string]interface{}{"action": "close_store"})
			if err == nil {
				err = cerr
			}
		}
	}
	if c.logger != nil {
		c.logger.Close()
	}
	return err
}

// HealthCheck 检查所有组件健康状态。
func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Controller 返回订单生命周期控制器。
func (c *Container) Controller() *engine.Controller { return c.controller }

// Queue 返回执行队列。
func (c *Container) Queue() queue.ExecutionQueue { return c.queue }

// Monitor 返回价格监控。
func (c *Container) Monitor() *monitor.PriceMonitor { return c.monitor }

// Hub 返回推送 hub。
func (c *Container) Hub() *fanout.Hub { return c.hub }

// healthChecker 周期探活场所，健康翻转时告警。
type healthChecker struct {
	router   *venue.Router
	alerts   *alert.Manager
	logger   *logger.Logger
	interval time.Duration

	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	lastState map[string]bool
}

func newHealthChecker(r *venue.Router, a *alert.Manager, log *logger.Logger, interval time.Duration) *healthChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &healthChecker{
		router:    r,
		alerts:    a,
		logger:    log,
		interval:  interval,
		lastState: make(map[string]bool),
	}
}

func (h *healthChecker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	h.started = true

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				h.sweep(runCtx)
			}
		}
	}()
	return nil
}

func (h *healthChecker) sweep(ctx context.Context) {
	snapshot := h.router.HealthSnapshot(ctx)
	for name, healthy := range snapshot {
		prev, seen := h.lastState[name]
		h.lastState[name] = healthy
		if !seen || prev == healthy {
			continue
		}
		if healthy {
			h.alerts.Warning("venue recovered", map[string]interface{}{"venue": name})
		} else {
			h.alerts.Error("venue unhealthy", map[string]interface{}{"venue": name})
		}
		h.logger.LogVenue("health_flip", name, map[string]interface{}{"healthy": healthy})
	}
}

func (h *healthChecker) Stop() error {
	if !h.started {
		return nil
	}
	h.cancel()
	<-h.done
	h.started = false
	return nil
}

func (h *healthChecker) Health() error {
	if !h.started {
		return fmt.Errorf("health checker not started")
	}
	return nil
}
