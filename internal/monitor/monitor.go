// Package monitor 限价单价格监控：周期性询价，达到目标价时把
// WAITING_FOR_PRICE 订单原子地促发为 PENDING 并入队执行。
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-router-go/fanout"
	"order-router-go/infrastructure/logger"
	"order-router-go/metrics"
	"order-router-go/order"
	"order-router-go/queue"
	"order-router-go/store"
	"order-router-go/venue"
)

// Broadcaster 状态推送出口，由 fanout.Hub 实现。
type Broadcaster interface {
	Broadcast(orderID string, upd fanout.Update)
}

// Config 监控参数。
type Config struct {
	// CheckInterval 主巡检周期（询价 + 过期），默认 10s。
	CheckInterval time.Duration
	// ExpiryInterval 独立过期扫描周期，默认 60s。主巡检被慢询价
	// 拖住时它保证过期仍按时发生。
	ExpiryInterval time.Duration
	// TriggerBand 目标价之上允许触发的相对带宽，默认 0.001（0.1%）。
	// 现价越过 target*(1+band) 视为错过本次窗口，等价格回落。
	TriggerBand float64
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	if c.ExpiryInterval <= 0 {
		c.ExpiryInterval = 60 * time.Second
	}
	if c.TriggerBand <= 0 {
		c.TriggerBand = 0.001
	}
	return c
}

// Status 监控的运行时快照，给运维接口用。
type Status struct {
	Running       bool      `json:"running"`
	WatchedOrders int       `json:"watchedOrders"`
	LastTickAt    time.Time `json:"lastTickAt"`
	LastTickTook  string    `json:"lastTickTook"`
	Promotions    uint64    `json:"promotions"`
	Expirations   uint64    `json:"expirations"`
}

// PriceMonitor 限价单监控循环。
type PriceMonitor struct {
	store   store.OrderStore
	router  *venue.Router
	queue   queue.ExecutionQueue
	hub     Broadcaster
	cfg     Config
	logger  *logger.Logger
	metrics *metrics.Collector

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	watched     int
	lastTickAt  time.Time
	lastTook    time.Duration
	promotions  uint64
	expirations uint64
}

// New 创建监控器。
func New(st store.OrderStore, router *venue.Router, q queue.ExecutionQueue, hub Broadcaster, cfg Config, log *logger.Logger, m *metrics.Collector) *PriceMonitor {
	if log == nil {
		log = logger.NewNop()
	}
	return &PriceMonitor{
		store:   st,
		router:  router,
		queue:   q,
		hub:     hub,
		cfg:     cfg.withDefaults(),
		logger:  log,
		metrics: m,
	}
}

// Start 启动主巡检与独立过期扫描两个循环，重复调用无效果。
func (m *PriceMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(2)
	go m.tickLoop(runCtx)
	go m.expiryLoop(runCtx)

	m.logger.Info("price monitor started",
		zap.Duration("check_interval", m.cfg.CheckInterval),
		zap.Duration("expiry_interval", m.cfg.ExpiryInterval),
	)
}

// Stop 停止循环并等待进行中的巡检结束。
func (m *PriceMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info("price monitor stopped")
}

// GetStatus 运行时快照。
func (m *PriceMonitor) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Running:       m.running,
		WatchedOrders: m.watched,
		LastTickAt:    m.lastTickAt,
		LastTickTook:  m.lastTook.String(),
		Promotions:    m.promotions,
		Expirations:   m.expirations,
	}
}

// UpdateTunables 热更新巡检参数，下一轮生效。
func (m *PriceMonitor) UpdateTunables(cfg Config) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	m.cfg.CheckInterval = cfg.CheckInterval
	m.cfg.ExpiryInterval = cfg.ExpiryInterval
	m.cfg.TriggerBand = cfg.TriggerBand
	m.mu.Unlock()
}

func (m *PriceMonitor) checkInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.CheckInterval
}

func (m *PriceMonitor) expiryInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.ExpiryInterval
}

func (m *PriceMonitor) triggerBand() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.TriggerBand
}

// 每轮重读周期，支持热更新
func (m *PriceMonitor) tickLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		timer := time.NewTimer(m.checkInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.RunTickOnce(ctx)
		}
	}
}

func (m *PriceMonitor) expiryLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		timer := time.NewTimer(m.expiryInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.ExpireOnce(ctx)
		}
	}
}

// RunTickOnce 执行一轮完整巡检：先过期扫描，再对剩余等待单询价促发。
// 拆出来方便测试与运维手动触发。
func (m *PriceMonitor) RunTickOnce(ctx context.Context) {
	start := time.Now()
	m.metrics.RecordMonitorTick()

	m.ExpireOnce(ctx)

	waiting, err := m.store.FindActiveLimitOrders(ctx)
	if err != nil {
		m.logger.LogError(err, map[string]interface{}{"action": "list_waiting_orders"})
		return
	}

	var wg sync.WaitGroup
	for _, o := range waiting {
		wg.Add(1)
		go func(o *order.Order) {
			defer wg.Done()
			m.checkOrder(ctx, o)
		}(o)
	}
	wg.Wait()

	m.mu.Lock()
	m.watched = len(waiting)
	m.lastTickAt = start
	m.lastTook = time.Since(start)
	m.mu.Unlock()
}

// ExpireOnce 把所有已过 expiresAt 的等待单终局化为 EXPIRED。
func (m *PriceMonitor) ExpireOnce(ctx context.Context) {
	expired, err := m.store.FindExpiredLimitOrders(ctx, time.Now())
	if err != nil {
		m.logger.LogError(err, map[string]interface{}{"action": "list_expired_orders"})
		return
	}
	for _, o := range expired {
		// 条件更新：与撤单/促发竞争时输掉就放手
		ok, err := m.store.UpdateStatusIf(ctx, o.ID, order.StatusWaitingForPrice, order.StatusExpired, "limit order expired")
		if err != nil {
			m.logger.LogError(err, map[string]interface{}{"action": "expire_order", "order_id": o.ID})
			continue
		}
		if !ok {
			continue
		}
		m.metrics.RecordExpiration()
		m.mu.Lock()
		m.expirations++
		m.mu.Unlock()
		m.broadcast(ctx, o.ID, nil)
		m.logger.LogOrder("order_expired", o.ID, map[string]interface{}{"expires_at": o.ExpiresAt})
	}
}

// checkOrder 询价单个等待单，价格达标则促发入队。
func (m *PriceMonitor) checkOrder(ctx context.Context, o *order.Order) {
	decision, err := m.router.GetBestQuote(ctx, o.Pair, decimal.NewFromFloat(o.Amount))
	if err != nil {
		// 所有场所都没报价，这一轮跳过，下轮再看
		m.logger.LogOrder("price_check_skipped", o.ID, map[string]interface{}{
			"pair":  o.Pair,
			"error": err.Error(),
		})
		return
	}

	if !m.shouldTrigger(decision.Best.Price, o.LimitPrice) {
		return
	}

	// 赢下 WAITING -> PENDING 的只有一个：过期、撤单或并发巡检都可能抢先
	msg := fmt.Sprintf("target price reached on %s: %s >= %v", decision.Venue, decision.Best.Price, o.LimitPrice)
	ok, err := m.store.UpdateStatusIf(ctx, o.ID, order.StatusWaitingForPrice, order.StatusPending, msg)
	if err != nil {
		m.logger.LogError(err, map[string]interface{}{"action": "promote_order", "order_id": o.ID})
		return
	}
	if !ok {
		return
	}

	m.metrics.RecordPromotion()
	m.mu.Lock()
	m.promotions++
	m.mu.Unlock()
	m.broadcast(ctx, o.ID, map[string]interface{}{
		"venue":        decision.Venue,
		"currentPrice": decision.Best.Price.String(),
		"limitPrice":   o.LimitPrice,
	})
	m.logger.LogOrder("order_promoted", o.ID, map[string]interface{}{
		"pair":  o.Pair,
		"price": decision.Best.Price.String(),
	})

	if err := m.queue.Enqueue(ctx, o.ID); err != nil {
		// 订单已是 PENDING，入队失败只能告警重试；幂等入队保证
		// 下次补投不会产生重复任务
		m.logger.LogError(err, map[string]interface{}{"action": "enqueue_promoted", "order_id": o.ID})
	}
}

// shouldTrigger 现价 >= 目标价且超出不多于 TriggerBand 时触发。
// 价格冲过带宽视为错过，不追高，等回落到带内再触发。
func (m *PriceMonitor) shouldTrigger(current decimal.Decimal, limitPrice float64) bool {
	target := decimal.NewFromFloat(limitPrice)
	if !target.IsPositive() {
		return false
	}
	if current.LessThan(target) {
		return false
	}
	overshoot := current.Sub(target).Div(target)
	return !overshoot.GreaterThan(decimal.NewFromFloat(m.triggerBand()))
}

func (m *PriceMonitor) broadcast(ctx context.Context, orderID string, metadata map[string]interface{}) {
	if m.hub == nil {
		return
	}
	o, err := m.store.FindByID(ctx, orderID)
	if err != nil {
		return
	}
	m.hub.Broadcast(orderID, fanout.Update{
		OrderID:   orderID,
		Status:    o.Status,
		Timestamp: o.UpdatedAt,
		Metadata:  metadata,
	})
}
