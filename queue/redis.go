package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"order-router-go/infrastructure/logger"
	"order-router-go/metrics"
)

// RedisConfig Redis 队列配置。
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix 键前缀，默认 "execq"。
	Prefix string `yaml:"prefix"`
}

// RedisQueue 基于 Redis 的持久化执行队列：list 作任务通道、set 作
// 幂等键、另一个 list 收死信。进程重启后积压任务仍在。
type RedisQueue struct {
	rdb    *redis.Client
	prefix string

	logger  *logger.Logger
	metrics *metrics.Collector
	onDead  DeadLetterHook
	limiter *TokenBucketLimiter

	mu        sync.Mutex
	consuming bool
	closed    bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewRedisQueue 连接 Redis 并校验可达。
func NewRedisQueue(ctx context.Context, cfg RedisConfig, log *logger.Logger, m *metrics.Collector, onDead DeadLetterHook) (*RedisQueue, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "execq"
	}
	if log == nil {
		log = logger.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisQueue{
		rdb:     rdb,
		prefix:  cfg.Prefix,
		logger:  log,
		metrics: m,
		onDead:  onDead,
	}, nil
}

func (q *RedisQueue) jobsKey() string    { return q.prefix + ":jobs" }
func (q *RedisQueue) pendingKey() string { return q.prefix + ":pending" }
func (q *RedisQueue) deadKey() string    { return q.prefix + ":dead" }

func (q *RedisQueue) Enqueue(ctx context.Context, orderID string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}

	// SADD 返回 0 说明该订单已有在途任务，幂等跳过
	added, err := q.rdb.SAdd(ctx, q.pendingKey(), orderID).Result()
	if err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}
	if added == 0 {
		return nil
	}
	if err := q.rdb.LPush(ctx, q.jobsKey(), orderID).Err(); err != nil {
		// 回滚幂等标记，否则该订单永远进不了队列
		q.rdb.SRem(ctx, q.pendingKey(), orderID)
		return fmt.Errorf("push job: %w", err)
	}
	if depth, err := q.rdb.LLen(ctx, q.jobsKey()).Result(); err == nil {
		q.metrics.SetQueueDepth(int(depth))
	}
	return nil
}

func (q *RedisQueue) Consume(ctx context.Context, h Handler, opts Options) error {
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
	wctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.mu.Unlock()

	limiter := NewPerMinuteLimiter(opts.RatePerMinute)
	q.mu.Lock()
	q.limiter = limiter
	q.mu.Unlock()
	for i := 0; i < opts.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(wctx, h, opts, limiter)
	}
	return nil
}

// SetRatePerMinute 热更新投递速率，未开始消费时无效果。
func (q *RedisQueue) SetRatePerMinute(n int) {
	q.mu.Lock()
	limiter := q.limiter
	q.mu.Unlock()
	if limiter != nil && n > 0 {
		limiter.SetRate(float64(n) / 60.0)
	}
}

func (q *RedisQueue) worker(ctx context.Context, h Handler, opts Options, limiter RateLimiter) {
	defer q.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := q.rdb.BRPop(ctx, time.Second, q.jobsKey()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // 超时，无任务
			}
			if ctx.Err() != nil {
				return
			}
			q.logger.LogError(err, map[string]interface{}{"action": "brpop"})
			time.Sleep(time.Second)
			continue
		}
		if len(res) != 2 {
			continue
		}
		orderID := res[1]
		if err := limiter.Wait(ctx); err != nil {
			// 关停中：任务放回队列，幂等标记还在
			q.rdb.LPush(context.Background(), q.jobsKey(), orderID)
			return
		}
		q.runJob(ctx, h, opts, orderID)
	}
}

func (q *RedisQueue) runJob(ctx context.Context, h Handler, opts Options, orderID string) {
	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		lastErr = h(ctx, orderID)
		if lastErr == nil {
			q.rdb.SRem(context.Background(), q.pendingKey(), orderID)
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
	payload, err := json.Marshal(dl)
	if err == nil {
		// 死信落 Redis，进程重启后还查得到
		if err := q.rdb.LPush(context.Background(), q.deadKey(), payload).Err(); err != nil {
			q.logger.LogError(err, map[string]interface{}{"action": "push_dead_letter", "order_id": orderID})
		}
	}
	q.rdb.SRem(context.Background(), q.pendingKey(), orderID)

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

func (q *RedisQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	items, err := q.rdb.LRange(ctx, q.deadKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(items))
	for _, item := range items {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.LLen(ctx, q.jobsKey()).Result()
	return int(n), err
}

// Close 停 worker 并断开连接；Redis 里的积压与幂等标记保留。
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()

	q.wg.Wait()
	return q.rdb.Close()
}
