package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tb := NewTokenBucket(30, 2) // 每 2 秒一个令牌
	tb.now = func() time.Time { return now }
	tb.lastRefill = now

	if !tb.Allow() || !tb.Allow() {
		t.Fatalf("burst of 2 should be allowed")
	}
	if tb.Allow() {
		t.Fatalf("bucket should be empty")
	}

	now = now.Add(time.Second)
	if tb.Allow() {
		t.Fatalf("no token should be refilled after 1s")
	}
	now = now.Add(time.Second)
	if !tb.Allow() {
		t.Fatalf("one token should be refilled after 2s")
	}

	now = now.Add(time.Hour)
	for i := 0; i < 2; i++ {
		if !tb.Allow() {
			t.Fatalf("refill must cap at capacity, attempt %d", i)
		}
	}
	if tb.Allow() {
		t.Fatalf("refill exceeded capacity")
	}
}

func TestTokenBucket_WaitHonoursContext(t *testing.T) {
	tb := NewTokenBucket(1, 1)
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tb.Wait(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}
