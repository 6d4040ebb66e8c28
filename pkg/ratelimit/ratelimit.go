package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter 速率限制器接口
type Limiter interface {
	Wait(ctx context.Context) error
	Allow() bool
}

// TokenBucket 令牌桶：容量 capacity，每 interval 补充一个令牌
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int
	tokens     int
	interval   time.Duration
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket perMinute 为每分钟允许的请求数；burst 为桶容量
func NewTokenBucket(perMinute, burst int) *TokenBucket {
	if perMinute <= 0 {
		perMinute = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucket{
		capacity:   burst,
		tokens:     burst,
		interval:   time.Minute / time.Duration(perMinute),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

func (tb *TokenBucket) refillLocked() {
	now := tb.now()
	n := int(now.Sub(tb.lastRefill) / tb.interval)
	if n <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+n)
	tb.lastRefill = tb.lastRefill.Add(time.Duration(n) * tb.interval)
	if tb.tokens == tb.capacity {
		tb.lastRefill = now
	}
}

func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Wait 阻塞直到拿到令牌或 ctx 结束
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if tb.Allow() {
			return nil
		}
		tb.mu.Lock()
		wait := tb.interval - tb.now().Sub(tb.lastRefill)
		tb.mu.Unlock()
		if wait <= 0 {
			wait = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
