package venue

import (
	"context"
	"time"
)

// RetryPolicy 报价阶段的重试参数：指数退避，每次翻倍，封顶 MaxDelay。
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy 默认 3 次，200ms 起步，封顶 5s。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Backoff 第 attempt 次失败后的等待时长（attempt 从 0 起）。
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	ceiling := p.MaxDelay
	if ceiling <= 0 {
		ceiling = 5 * time.Second
	}
	if attempt < 0 {
		return base
	}
	if attempt > 30 {
		return ceiling
	}
	d := base * time.Duration(1<<attempt)
	if d > ceiling {
		return ceiling
	}
	return d
}

// Do 执行 fn，瞬时错误按退避重试；校验/不存在/余额不足直接放弃。
// 只用于幂等操作（报价）。
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff(i)):
		}
	}
	return lastErr
}
