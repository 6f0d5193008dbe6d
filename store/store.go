package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-router-go/order"
)

// ErrNotFound 订单不存在。
var ErrNotFound = errors.New("order not found")

// ErrIllegalTransition 非法状态转换。终态订单只读，保留审计，
// 任何写路径都不能复活它。
var ErrIllegalTransition = errors.New("illegal status transition")

var transitions = order.NewStateMachine()

// validateTransition 所有状态写入的统一闸口。
func validateTransition(from, to order.Status) error {
	if err := transitions.ValidateTransition(from, to); err != nil {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// ExecutionUpdate 管线推进时写入的执行细节，零值字段不覆盖。
type ExecutionUpdate struct {
	Status         order.Status
	Message        string
	VenueUsed      string
	ExecutionPrice float64
	TxHash         string
	Error          string
}

// OrderStore 订单的持久化接口。状态更新必须原子追加 status_history。
type OrderStore interface {
	Create(ctx context.Context, o *order.Order) error
	FindByID(ctx context.Context, id string) (*order.Order, error)

	// UpdateStatus 追加一条历史并更新当前状态，返回更新后的订单。
	UpdateStatus(ctx context.Context, id string, st order.Status, message string) (*order.Order, error)

	// UpdateStatusIf 条件更新：仅当现状态等于 from 时改为 to，恰有一个
	// 调用方成功。价格监控的促发路径靠它闭合读-改-写竞态。
	UpdateStatusIf(ctx context.Context, id string, from, to order.Status, message string) (bool, error)

	// UpdateExecution 更新状态的同时写入成交场所/价格/交易哈希等执行细节。
	UpdateExecution(ctx context.Context, id string, upd ExecutionUpdate) (*order.Order, error)

	FindByStatus(ctx context.Context, st order.Status) ([]*order.Order, error)

	// FindActiveLimitOrders 所有 WAITING_FOR_PRICE 的限价单。
	FindActiveLimitOrders(ctx context.Context) ([]*order.Order, error)

	// FindExpiredLimitOrders 所有已过 expiresAt 的 WAITING_FOR_PRICE 限价单。
	FindExpiredLimitOrders(ctx context.Context, now time.Time) ([]*order.Order, error)

	Close() error
}
