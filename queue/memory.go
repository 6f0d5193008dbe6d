package queue

import (
	"context"
	"sync"
	"time"

	"order-router-go/infrastructure/logger"
	"order-router-go/metrics"
)

// MemoryQueue 进程内执行队列。有界 channel 提供背压，pending 集合
// 保证按订单 ID 的幂等入队。
type MemoryQueue struct {
	mu        sync.Mutex
	jobs      chan string
	pending   map[string]bool
	dead      []DeadLetter
	closed    bool
	consuming bool

	logger  *logger.Logger
	metrics *metrics.Collector
	onDead  DeadLetterHook
	limiter *TokenBucketLimiter

	wg sync.WaitGroup
}

// NewMemoryQueue 创建内存队列，capacity 为积压上限。
func NewMemoryQueue(capacity int, log *logger.Logger, m *metrics.Collector, onDead DeadLetterHook) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &MemoryQueue{
		jobs:    make(chan string, capacity),
		pending: make(map[string]bool),
		logger:  log,
		metrics: m,
		onDead:  onDead,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, orderID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.pending[orderID] {
		// 幂等：同一订单已有在途任务
		return nil
	}
	select {
	case q.jobs <- orderID:
		q.pending[orderID] = true
		q.metrics.SetQueueDepth(len(q.jobs))
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, h Handler, opts Options) error {
	opts = opts.withDefaults()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.consuming {
		q.mu.Unlock()
		return ErrAlreadyConsuming
	}
	q.consuming = true
	q.mu.Unlock()

	limiter := NewPerMinuteLimiter(opts.RatePerMinute)
	q.mu.Lock()
	q.limiter = limiter
	q.mu.Unlock()
	for i := 0; i < opts.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(ctx, h, opts, limiter)
	}
	return nil
}

// SetRatePerMinute 热更新投递速率，未开始消费时无效果。
func (q *MemoryQueue) SetRatePerMinute(n int) {
	q.mu.Lock()
	limiter := q.limiter
	q.mu.Unlock()
	if limiter != nil && n > 0 {
		limiter.SetRate(float64(n) / 60.0)
	}
}

func (q *MemoryQueue) worker(ctx context.Context, h Handler, opts Options, limiter RateLimiter) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case orderID, ok := <-q.jobs:
			if !ok {
				return
			}
			q.metrics.SetQueueDepth(len(q.jobs))
			if err := limiter.Wait(ctx); err != nil {
				// 关停中；任务留在 pending，由上层决定重启后如何补偿
				return
			}
			q.runJob(ctx, h, opts, orderID)
		}
	}
}

// runJob 每次投递调用 handler 恰好一次；handler 报错按指数退避重试，
// 耗尽后进死信。
func (q *MemoryQueue) runJob(ctx context.Context, h Handler, opts Options, orderID string) {
	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		lastErr = h(ctx, orderID)
		if lastErr == nil {
			q.finish(orderID)
			q.metrics.RecordJob("success")
			return
		}
		q.logger.LogOrder("job_attempt_failed", orderID, map[string]interface{}{
			"attempt": attempt,
			"error":   lastErr.Error(),
		})
		if attempt == opts.Retries {
			break
		}
		q.metrics.RecordQueueRetry()
		delay := opts.RetryDelay * time.Duration(1<<(attempt-1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	dl := DeadLetter{
		OrderID:   orderID,
		Attempts:  opts.Retries,
		LastError: lastErr.Error(),
		FailedAt:  time.Now(),
	}
	q.mu.Lock()
	q.dead = append(q.dead, dl)
	delete(q.pending, orderID)
	q.mu.Unlock()

	q.metrics.RecordJob("dead_letter")
	q.metrics.RecordDeadLetter()
	q.logger.LogOrder("job_dead_lettered", orderID, map[string]interface{}{
		"attempts": dl.Attempts,
		"error":    dl.LastError,
	})
	if q.onDead != nil {
		q.onDead(dl)
	}
}

func (q *MemoryQueue) finish(orderID string) {
	q.mu.Lock()
	delete(q.pending, orderID)
	q.mu.Unlock()
}

func (q *MemoryQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out, nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	return len(q.jobs), nil
}

// Close 停止接收新任务并等 worker 退出。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}
