package queue

import (
	"context"
	"sync"
	"time"
)

// RateLimiter 控制投递速率，与场所级重试策略相互独立。
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// TokenBucketLimiter 是一个简单的令牌桶实现。
type TokenBucketLimiter struct {
	rate   float64 // 每秒补充令牌数
	burst  int
	tokens float64
	last   time.Time
	mu     sync.Mutex
}

// NewTokenBucketLimiter 按每秒速率创建令牌桶。
func NewTokenBucketLimiter(rate float64, burst int) *TokenBucketLimiter {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucketLimiter{
		rate:   rate,
		burst:  burst,
		tokens: float64(burst),
		last:   time.Now(),
	}
}

// NewPerMinuteLimiter 按每分钟速率创建令牌桶。
func NewPerMinuteLimiter(ratePerMinute int) *TokenBucketLimiter {
	if ratePerMinute <= 0 {
		ratePerMinute = 60
	}
	return NewTokenBucketLimiter(float64(ratePerMinute)/60.0, 1)
}

// SetRate 热更新补充速率，已积累的令牌保留。
func (l *TokenBucketLimiter) SetRate(rate float64) {
	if rate <= 0 {
		return
	}
	l.mu.Lock()
	l.rate = rate
	l.mu.Unlock()
}

// Wait 取一个令牌，必要时等待；ctx 取消立即返回。
// 锁内先预留令牌（tokens 允许为负），欠账决定各自的等待时长，
// 并发等待者不会共用同一个令牌。
func (l *TokenBucketLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(l.last).Seconds()
	l.last = now
	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
	l.tokens -= 1
	deficit := -l.tokens
	rate := l.rate
	l.mu.Unlock()

	if deficit <= 0 {
		return nil
	}
	sleep := time.Duration(deficit / rate * float64(time.Second))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(sleep):
		return nil
	}
}
