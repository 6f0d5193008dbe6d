package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig 热更新参数。
type WatcherConfig struct {
	// Cooldown 两次重载之间的最小间隔，编辑器保存常触发多个事件。
	Cooldown time.Duration
}

// DefaultWatcherConfig 默认热更新参数。
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{Cooldown: 2 * time.Second}
}

// Watcher 基于 fsnotify 监听配置文件变化，解析并校验通过后回调。
// 解析失败的配置绝不回调，旧配置继续生效。
type Watcher struct {
	path     string
	cfg      WatcherConfig
	watcher  *fsnotify.Watcher
	onUpdate func(AppConfig)
	onError  func(error)

	mu         sync.Mutex
	lastReload time.Time
	stopChan   chan struct{}
	doneChan   chan struct{}
}

// NewWatcher 创建配置监听器。onError 可为 nil。
func NewWatcher(path string, cfg WatcherConfig, onUpdate func(AppConfig), onError func(error)) (*Watcher, error) {
	if onUpdate == nil {
		return nil, fmt.Errorf("onUpdate callback is required")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		path:     path,
		cfg:      cfg,
		watcher:  fw,
		onUpdate: onUpdate,
		onError:  onError,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// Start 开始监听，非阻塞。
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.path); err != nil {
		return fmt.Errorf("watch config file: %w", err)
	}
	go w.loop(ctx)
	return nil
}

// Stop 停止监听并关闭底层 watcher。
func (w *Watcher) Stop() error {
	select {
	case <-w.stopChan:
	default:
		close(w.stopChan)
	}
	select {
	case <-w.doneChan:
	case <-time.After(time.Second):
	}
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneChan)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// 部分编辑器用 rename+create 原子替换文件
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	if w.cfg.Cooldown > 0 && time.Since(w.lastReload) < w.cfg.Cooldown {
		w.mu.Unlock()
		return
	}
	w.lastReload = time.Now()
	w.mu.Unlock()

	cfg, err := LoadWithEnvOverrides(w.path)
	if err != nil {
		w.reportError(fmt.Errorf("config reload rejected: %w", err))
		return
	}
	w.onUpdate(cfg)
}

func (w *Watcher) reportError(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}

// LastReloadTime 最近一次成功触发重载的时间。
func (w *Watcher) LastReloadTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastReload
}
