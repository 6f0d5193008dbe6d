package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrQueueClosed 队列已关闭。
	ErrQueueClosed = errors.New("execution queue closed")
	// ErrQueueFull 队列已满，入队被拒绝（背压）。
	ErrQueueFull = errors.New("execution queue full")
	// ErrAlreadyConsuming Consume 只允许调用一次。
	ErrAlreadyConsuming = errors.New("queue already has a consumer")
)

// Handler worker 对每次投递调用一次。返回错误视为基础设施故障，
// 队列按配置重试；业务失败应已在 handler 内部终局化。
type Handler func(ctx context.Context, orderID string) error

// Options 消费参数。
type Options struct {
	// Concurrency worker 数量，默认 10。
	Concurrency int
	// RatePerMinute 全局投递速率上限（任务/分钟），默认 100。
	RatePerMinute int
	// Retries 单个任务的最大投递次数（含首次），默认 3。
	Retries int
	// RetryDelay 首次重试等待，之后逐次翻倍，默认 1s。
	RetryDelay time.Duration
}

// withDefaults 填充默认值。
func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 10
	}
	if o.RatePerMinute <= 0 {
		o.RatePerMinute = 100
	}
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	return o
}

// DeadLetter 重试耗尽后滞留的任务，等人工处理，绝不静默丢弃。
type DeadLetter struct {
	OrderID   string    `json:"order_id"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// DeadLetterHook 死信回调，容器用它接告警。
type DeadLetterHook func(dl DeadLetter)

// ExecutionQueue 持久化的至少一次投递通道，按订单 ID 幂等入队：
// 同一 ID 未处理完之前重复入队不会产生第二个任务。
type ExecutionQueue interface {
	Enqueue(ctx context.Context, orderID string) error
	Consume(ctx context.Context, h Handler, opts Options) error
	DeadLetters(ctx context.Context) ([]DeadLetter, error)
	Len(ctx context.Context) (int, error)
	Close() error
}
