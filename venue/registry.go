package venue

import (
	"context"
	"fmt"
	"sync"
)

// Registry 场所注册表。路由器只遍历注册表，新增场所不改路由控制流。
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	names    []string // 注册顺序
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register 注册场所，名字重复报错。
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("venue %s already registered", name)
	}
	r.adapters[name] = a
	r.names = append(r.names, name)
	return nil
}

// Get 按名取场所。
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// All 按注册顺序返回所有场所。
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.adapters[name])
	}
	return out
}

// Names 按注册顺序返回场所名。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Len 场所数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}

// HealthSnapshot 并发探活所有场所。
func (r *Registry) HealthSnapshot(ctx context.Context) map[string]bool {
	adapters := r.All()
	out := make(map[string]bool, len(adapters))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, a := range adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			healthy := a.CheckHealth(ctx)
			mu.Lock()
			out[a.Name()] = healthy
			mu.Unlock()
		}(a)
	}
	wg.Wait()
	return out
}
