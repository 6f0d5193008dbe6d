package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"order-router-go/order"
)

// EventSink 可选的事件回调，容器用它接结构化日志。
type EventSink func(event string, fields map[string]interface{})

// MemoryStore 进程内订单存储。读写都做深拷贝，调用方拿不到共享指针。
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*order.Order
	sink   EventSink
	now    func() time.Time
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore(sink EventSink) *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*order.Order),
		sink:   sink,
		now:    time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	s.orders[o.ID] = o.Clone()
	s.logEvent("order_created", map[string]interface{}{
		"order_id": o.ID,
		"type":     string(o.Type),
		"pair":     o.Pair,
		"status":   string(o.Status),
	})
	return nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, st order.Status, message string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := validateTransition(o.Status, st); err != nil {
		return nil, err
	}
	o.AppendStatus(st, message, s.now())
	s.logEvent("status_update", map[string]interface{}{
		"order_id": id,
		"status":   string(st),
	})
	return o.Clone(), nil
}

func (s *MemoryStore) UpdateStatusIf(ctx context.Context, id string, from, to order.Status, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return false, ErrNotFound
	}
	if o.Status != from {
		return false, nil
	}
	if err := validateTransition(from, to); err != nil {
		return false, err
	}
	o.AppendStatus(to, message, s.now())
	s.logEvent("status_cas", map[string]interface{}{
		"order_id": id,
		"from":     string(from),
		"to":       string(to),
	})
	return true, nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, id string, upd ExecutionUpdate) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := validateTransition(o.Status, upd.Status); err != nil {
		return nil, err
	}
	if upd.VenueUsed != "" {
		o.VenueUsed = upd.VenueUsed
	}
	if upd.ExecutionPrice != 0 {
		o.ExecutionPrice = upd.ExecutionPrice
	}
	if upd.TxHash != "" {
		o.TxHash = upd.TxHash
	}
	if upd.Error != "" {
		o.Error = upd.Error
	}
	o.AppendStatus(upd.Status, upd.Message, s.now())
	return o.Clone(), nil
}

func (s *MemoryStore) FindByStatus(ctx context.Context, st order.Status) ([]*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*order.Order
	for _, o := range s.orders {
		if o.Status == st {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) FindActiveLimitOrders(ctx context.Context) ([]*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*order.Order
	for _, o := range s.orders {
		if o.Type == order.TypeLimit && o.Status == order.StatusWaitingForPrice {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) FindExpiredLimitOrders(ctx context.Context, now time.Time) ([]*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*order.Order
	for _, o := range s.orders {
		if o.Type == order.TypeLimit && o.Status == order.StatusWaitingForPrice &&
			o.ExpiresAt != nil && o.ExpiresAt.Before(now) {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) logEvent(event string, fields map[string]interface{}) {
	if s == nil || s.sink == nil {
		return
	}
	s.sink(event, fields)
}
