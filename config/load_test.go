package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
env: test
server:
  listen_addr: ":9090"
store:
  backend: memory
queue:
  backend: memory
  concurrency: 4
  rate_per_minute: 50
monitor:
  check_interval: 5s
  trigger_band: 0.002
pairs:
  - SOL/USDC
  - ETH/USDC
venues:
  - name: alpha
    fee_rate: 0.003
    base_prices:
      SOL/USDC: 100
      ETH/USDC: 2500
  - name: beta
    fee_rate: 0.001
    base_prices:
      SOL/USDC: 100.2
      ETH/USDC: 2498
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Env)
	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 4, cfg.Queue.Concurrency)
	assert.Equal(t, 50, cfg.Queue.RatePerMinute)
	assert.Equal(t, 5*time.Second, cfg.Monitor.CheckInterval)
	assert.Equal(t, 0.002, cfg.Monitor.TriggerBand)
	assert.Len(t, cfg.Venues, 2)

	// 未设置的字段保留默认值
	assert.Equal(t, 3, cfg.Queue.Retries)
	assert.Equal(t, 60*time.Second, cfg.Monitor.ExpiryInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	base := func() AppConfig {
		cfg, err := Load(writeConfig(t, sampleYAML))
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"postgres without dsn", func(c *AppConfig) { c.Store.Backend = "postgres"; c.Store.DSN = "" }},
		{"unknown store backend", func(c *AppConfig) { c.Store.Backend = "sqlite" }},
		{"redis without addr", func(c *AppConfig) { c.Queue.Backend = "redis"; c.Queue.RedisAddr = "" }},
		{"no pairs", func(c *AppConfig) { c.Pairs = nil }},
		{"no venues", func(c *AppConfig) { c.Venues = nil }},
		{"duplicate venue", func(c *AppConfig) { c.Venues = append(c.Venues, c.Venues[0]) }},
		{"venue missing pair price", func(c *AppConfig) { delete(c.Venues[0].BasePrices, "ETH/USDC") }},
		{"negative trigger band", func(c *AppConfig) { c.Monitor.TriggerBand = -0.1 }},
		{"excessive fee rate", func(c *AppConfig) { c.Venues[0].FeeRate = 1.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("ROUTER_PG_DSN", "postgres://router:secret@db:5432/orders")
	t.Setenv("ROUTER_REDIS_ADDR", "redis-prod:6379")

	cfg, err := LoadWithEnvOverrides(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "postgres://router:secret@db:5432/orders", cfg.Store.DSN)
	assert.Equal(t, "redis-prod:6379", cfg.Queue.RedisAddr)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, sampleYAML)

	updates := make(chan AppConfig, 4)
	w, err := NewWatcher(path, WatcherConfig{Cooldown: 0}, func(cfg AppConfig) {
		updates <- cfg
	}, nil)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte(`
env: reloaded
server:
  listen_addr: ":9090"
pairs: [SOL/USDC]
venues:
  - name: alpha
    base_prices:
      SOL/USDC: 100
`), 0644))

	select {
	case cfg := <-updates:
		assert.Equal(t, "reloaded", cfg.Env)
	case <-time.After(3 * time.Second):
		t.Fatal("expected reload callback")
	}
}

func TestWatcherRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, sampleYAML)

	updates := make(chan AppConfig, 4)
	errs := make(chan error, 4)
	w, err := NewWatcher(path, WatcherConfig{Cooldown: 0}, func(cfg AppConfig) {
		updates <- cfg
	}, func(err error) {
		errs <- err
	})
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, os.WriteFile(path, []byte("env: broken\npairs: []\n"), 0644))

	select {
	case <-updates:
		t.Fatal("invalid config must not trigger update")
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("expected error callback")
	}
}
