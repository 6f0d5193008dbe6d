// Package engine 订单生命周期控制器：唯一的管线驱动者。
// 业务失败在这里终局化成 FAILED 订单，绝不向队列抛出——
// 整条管线重试可能对已部分成交的 swap 造成重复提交。
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"order-router-go/fanout"
	"order-router-go/infrastructure/logger"
	"order-router-go/metrics"
	"order-router-go/order"
	"order-router-go/store"
	"order-router-go/venue"
)

// maxExpiry 限价单最长有效期。
const maxExpiry = 30 * 24 * time.Hour

// defaultExpiry 未指定 expiresAt 时的默认有效期。
const defaultExpiry = 24 * time.Hour

// Broadcaster 状态推送出口，由 fanout.Hub 实现。
type Broadcaster interface {
	Broadcast(orderID string, upd fanout.Update)
}

// Config 控制器配置。
type Config struct {
	// SupportedPairs 允许交易的 pair 集合。
	SupportedPairs []string
}

// CreateRequest 创建订单请求，请求层负责传输格式，这里只管语义校验。
type CreateRequest struct {
	Type       order.Type
	Pair       string
	Amount     float64
	Slippage   float64
	LimitPrice float64
	ExpiresAt  *time.Time
}

// CancelResult 撤单结果。拒绝不是错误：一旦进入 BUILDING/SUBMITTED，
// swap 可能已在途，结果里说明原因。
type CancelResult struct {
	Cancelled bool
	Status    order.Status
	Reason    string
	Order     *order.Order
}

// Controller 订单生命周期控制器。
type Controller struct {
	store   store.OrderStore
	router  *venue.Router
	hub     Broadcaster
	sm      *order.StateMachine
	logger  *logger.Logger
	metrics *metrics.Collector
	pairs   map[string]bool
	now     func() time.Time
}

// New 创建控制器。
func New(st store.OrderStore, router *venue.Router, hub Broadcaster, cfg Config, log *logger.Logger, m *metrics.Collector) *Controller {
	if log == nil {
		log = logger.NewNop()
	}
	pairs := make(map[string]bool, len(cfg.SupportedPairs))
	for _, p := range cfg.SupportedPairs {
		pairs[p] = true
	}
	return &Controller{
		store:   st,
		router:  router,
		hub:     hub,
		sm:      order.NewStateMachine(),
		logger:  log,
		metrics: m,
		pairs:   pairs,
		now:     time.Now,
	}
}

// CreateOrder 校验并持久化新订单。市价单由调用方负责入队，
// 限价单由价格监控接手，这里没有入队副作用。
func (c *Controller) CreateOrder(ctx context.Context, req CreateRequest) (*order.Order, error) {
	if err := c.validateCreate(req); err != nil {
		return nil, err
	}

	now := c.now()
	o := &order.Order{
		ID:        order.NewID(),
		Type:      req.Type,
		Pair:      req.Pair,
		Amount:    req.Amount,
		Slippage:  req.Slippage,
		CreatedAt: now,
	}

	initial := order.StatusPending
	if req.Type == order.TypeLimit {
		initial = order.StatusWaitingForPrice
		o.LimitPrice = req.LimitPrice
		if req.ExpiresAt != nil {
			exp := *req.ExpiresAt
			o.ExpiresAt = &exp
		} else {
			exp := now.Add(defaultExpiry)
			o.ExpiresAt = &exp
		}
	}
	o.AppendStatus(initial, "order created", now)

	if err := c.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}

	c.metrics.RecordOrderCreated(string(o.Type))
	c.logger.LogOrder("order_created", o.ID, map[string]interface{}{
		"type":   string(o.Type),
		"pair":   o.Pair,
		"amount": o.Amount,
		"status": string(initial),
	})
	return o, nil
}

func (c *Controller) validateCreate(req CreateRequest) error {
	switch req.Type {
	case order.TypeMarket, order.TypeLimit, order.TypeSniper:
	default:
		return order.NewValidationError("type", fmt.Sprintf("unknown order type %q", req.Type))
	}
	if !c.pairs[req.Pair] {
		return order.NewValidationError("pair", fmt.Sprintf("%q is not a supported pair", req.Pair))
	}
	if req.Amount <= 0 {
		return order.NewValidationError("amount", "must be greater than zero")
	}
	if req.Slippage < 0 || req.Slippage > 1 {
		return order.NewValidationError("slippage", "must be within [0, 1]")
	}

	if req.Type == order.TypeLimit {
		if req.LimitPrice <= 0 {
			return order.NewValidationError("limitPrice", "limit orders require a positive limit price")
		}
		if req.ExpiresAt != nil {
			now := c.now()
			if !req.ExpiresAt.After(now) {
				return order.NewValidationError("expiresAt", "must be in the future")
			}
			if req.ExpiresAt.After(now.Add(maxExpiry)) {
				return order.NewValidationError("expiresAt", "must be at most 30 days out")
			}
		}
		return nil
	}

	// 非限价单不允许携带限价字段
	if req.LimitPrice != 0 {
		return order.NewValidationError("limitPrice", fmt.Sprintf("%s orders must not carry a limit price", req.Type))
	}
	if req.ExpiresAt != nil {
		return order.NewValidationError("expiresAt", fmt.Sprintf("%s orders must not carry an expiry", req.Type))
	}
	return nil
}

// GetOrder 读取当前订单状态，推送错过时客户端同步兜底读这里。
func (c *Controller) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	return c.store.FindByID(ctx, orderID)
}

// ProcessOrder 每次队列投递调用一次，驱动整条管线。
// 返回错误仅限订单加载失败（让队列重试）；其余一切失败都收敛为
// FAILED 订单 + 推送。
func (c *Controller) ProcessOrder(ctx context.Context, orderID string) (err error) {
	start := c.now()
	defer func() {
		c.metrics.RecordPipelineDuration(time.Since(start).Seconds())
		if r := recover(); r != nil {
			// 防御：任何意外都不向队列逃逸成重试整条管线
			c.failOrder(ctx, orderID, fmt.Sprintf("pipeline panic: %v", r))
			err = nil
		}
	}()

	o, err := c.store.FindByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order %s: %w", orderID, err)
	}

	switch {
	case o.Status == order.StatusPending:
		// 正常入口
	case c.sm.IsActiveState(o.Status):
		// 上一轮管线中断后重投：不能重启（swap 可能已部分执行）
		c.failOrder(ctx, orderID, fmt.Sprintf("pipeline interrupted at %s; not restarted to avoid double execution", o.Status))
		return nil
	default:
		// 已被别处处理（撤单、过期、重复投递），静默忽略
		return nil
	}

	// PENDING -> ROUTING：条件更新抢占管线。输了说明撤单等已抢先
	// 终局化，按“别处已处理”静默退出，终态订单绝不复活。
	claimed, claimErr := c.store.UpdateStatusIf(ctx, o.ID, order.StatusPending, order.StatusRouting, "fetching quotes from all venues")
	if claimErr != nil {
		// 抢占前没有任何副作用，存储故障交给队列重试
		return fmt.Errorf("claim order %s: %w", orderID, claimErr)
	}
	if !claimed {
		return nil
	}
	c.metrics.RecordTransition(string(order.StatusRouting), false)
	if routing, lerr := c.store.FindByID(ctx, o.ID); lerr == nil {
		c.broadcast(routing, nil)
	}

	decision, routeErr := c.router.GetBestQuote(ctx, o.Pair, decimal.NewFromFloat(o.Amount))
	if routeErr != nil {
		c.failOrder(ctx, o.ID, fmt.Sprintf("routing failed: %v", routeErr))
		return nil
	}

	// ROUTING -> BUILDING，记录选中的场所与报价
	price, _ := decision.Best.Price.Float64()
	upd, updErr := c.store.UpdateExecution(ctx, o.ID, store.ExecutionUpdate{
		Status:         order.StatusBuilding,
		Message:        decision.Reason,
		VenueUsed:      decision.Venue,
		ExecutionPrice: price,
	})
	if updErr != nil {
		c.failOrder(ctx, o.ID, fmt.Sprintf("persist BUILDING failed: %v", updErr))
		return nil
	}
	c.metrics.RecordTransition(string(order.StatusBuilding), false)
	c.broadcast(upd, map[string]interface{}{
		"venue":  decision.Venue,
		"price":  decision.Best.Price.String(),
		"reason": decision.Reason,
	})

	res, execErr := c.router.ExecuteSwap(ctx, decision.Venue, venue.SwapRequest{
		Pair:          o.Pair,
		AmountIn:      decimal.NewFromFloat(o.Amount),
		ExpectedPrice: decision.Best.Price,
		Slippage:      o.Slippage,
		ClientRef:     o.ID,
	})
	if execErr != nil {
		c.failOrder(ctx, o.ID, fmt.Sprintf("swap rejected: %v", execErr))
		return nil
	}
	if !res.Success {
		c.failOrder(ctx, o.ID, fmt.Sprintf("swap failed on %s: %s", decision.Venue, res.Err))
		return nil
	}

	// BUILDING -> SUBMITTED
	if !c.transition(ctx, o.ID, order.StatusSubmitted, fmt.Sprintf("swap submitted to %s", decision.Venue), map[string]interface{}{
		"venue":   decision.Venue,
		"tx_hash": res.TxHash,
	}) {
		return nil
	}

	// SUBMITTED -> CONFIRMED，带最终执行细节
	executedPrice, _ := res.ExecutedPrice.Float64()
	confirmed, confErr := c.store.UpdateExecution(ctx, o.ID, store.ExecutionUpdate{
		Status:         order.StatusConfirmed,
		Message:        "swap confirmed",
		VenueUsed:      res.Venue,
		ExecutionPrice: executedPrice,
		TxHash:         res.TxHash,
	})
	if confErr != nil {
		c.failOrder(ctx, o.ID, fmt.Sprintf("persist CONFIRMED failed: %v", confErr))
		return nil
	}
	c.metrics.RecordTransition(string(order.StatusConfirmed), true)
	c.broadcast(confirmed, map[string]interface{}{
		"venue":          res.Venue,
		"executed_price": res.ExecutedPrice.String(),
		"tx_hash":        res.TxHash,
	})
	c.logger.LogOrder("order_confirmed", o.ID, map[string]interface{}{
		"venue":   res.Venue,
		"tx_hash": res.TxHash,
	})
	return nil
}

// CancelOrder 仅 PENDING / WAITING_FOR_PRICE 可撤。拒绝以结果表达而非错误。
func (c *Controller) CancelOrder(ctx context.Context, orderID string) (*CancelResult, error) {
	o, err := c.store.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if !c.sm.CanCancel(o.Status) {
		return &CancelResult{
			Cancelled: false,
			Status:    o.Status,
			Reason:    fmt.Sprintf("order is %s; a swap may already be in flight", o.Status),
			Order:     o,
		}, nil
	}

	// 条件更新：与促发/过期竞争时只有一方赢
	ok, err := c.store.UpdateStatusIf(ctx, orderID, o.Status, order.StatusCancelled, "cancelled by user")
	if err != nil {
		return nil, err
	}
	if !ok {
		current, ferr := c.store.FindByID(ctx, orderID)
		if ferr != nil {
			return nil, ferr
		}
		return &CancelResult{
			Cancelled: false,
			Status:    current.Status,
			Reason:    fmt.Sprintf("order moved to %s before the cancel was applied", current.Status),
			Order:     current,
		}, nil
	}

	cancelled, err := c.store.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordTransition(string(order.StatusCancelled), true)
	c.broadcast(cancelled, nil)
	c.logger.LogOrder("order_cancelled", orderID, nil)
	return &CancelResult{Cancelled: true, Status: order.StatusCancelled, Order: cancelled}, nil
}

// transition 推进一步并广播；失败时把订单终局化为 FAILED。
func (c *Controller) transition(ctx context.Context, orderID string, to order.Status, message string, metadata map[string]interface{}) bool {
	upd, err := c.store.UpdateStatus(ctx, orderID, to, message)
	if err != nil {
		c.failOrder(ctx, orderID, fmt.Sprintf("persist %s failed: %v", to, err))
		return false
	}
	c.metrics.RecordTransition(string(to), order.IsTerminal(to))
	c.broadcast(upd, metadata)
	return true
}

// failOrder 业务失败的唯一出口：FAILED + 推送，不向上抛。
func (c *Controller) failOrder(ctx context.Context, orderID, reason string) {
	upd, err := c.store.UpdateExecution(ctx, orderID, store.ExecutionUpdate{
		Status:  order.StatusFailed,
		Message: reason,
		Error:   reason,
	})
	if err != nil {
		// 连 FAILED 都写不进去，只能记日志，留给人工
		c.logger.LogError(err, map[string]interface{}{
			"action":   "mark_failed",
			"order_id": orderID,
			"reason":   reason,
		})
		return
	}
	c.metrics.RecordTransition(string(order.StatusFailed), true)
	c.broadcast(upd, map[string]interface{}{"error": reason})
	c.logger.LogOrder("order_failed", orderID, map[string]interface{}{"reason": reason})
}

func (c *Controller) broadcast(o *order.Order, metadata map[string]interface{}) {
	if c.hub == nil || o == nil {
		return
	}
	c.hub.Broadcast(o.ID, fanout.Update{
		OrderID:   o.ID,
		Status:    o.Status,
		Timestamp: o.UpdatedAt,
		Metadata:  metadata,
	})
}
