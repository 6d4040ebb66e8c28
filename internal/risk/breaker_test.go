package risk

import (
	"errors"
	"testing"
	"time"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxConsecutiveFailures: 3})
	b.OnFailure()
	b.OnFailure()
	b.OnSuccess() // 成功清零
	b.OnFailure()
	b.OnFailure()
	if err := b.Allow(); err != nil {
		t.Fatalf("should still be closed: %v", err)
	}
	b.OnFailure()
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected open, got %v", err)
	}
	b.Resume()
	if err := b.Allow(); err != nil || b.Open() {
		t.Fatalf("resume should close the breaker")
	}
}

func TestBreaker_CooldownHalfOpen(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker(BreakerConfig{MaxConsecutiveFailures: 2, Cooldown: time.Minute})
	b.now = func() time.Time { return now }

	b.OnFailure()
	b.OnFailure()
	if b.Allow() == nil {
		t.Fatalf("expected open")
	}
	now = now.Add(59 * time.Second)
	if b.Allow() == nil {
		t.Fatalf("still cooling down")
	}
	now = now.Add(time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("cooldown elapsed, got %v", err)
	}
	// 半开状态下一次失败就重新熔断
	b.OnFailure()
	if b.Allow() == nil {
		t.Fatalf("half-open failure should reopen")
	}
}

func TestBreaker_DisabledAndNil(t *testing.T) {
	b := NewBreaker(BreakerConfig{})
	for i := 0; i < 100; i++ {
		b.OnFailure()
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("zero threshold disables the breaker: %v", err)
	}
	var nb *Breaker
	nb.OnFailure()
	if nb.Allow() != nil || nb.Open() {
		t.Fatalf("nil breaker always allows")
	}
}

func TestBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker(BreakerConfig{MaxConsecutiveFailures: 2, Cooldown: time.Minute})
	b.now = func() time.Time { return now }

	b.Halt()
	now = now.Add(time.Minute)
	if err := b.Allow(); err != nil || !b.HalfOpen() {
		t.Fatalf("first call after cooldown should start a probe, err=%v", err)
	}
	if !errors.Is(b.Allow(), ErrBreakerOpen) {
		t.Fatalf("second call must wait for the probe result")
	}

	// 试探没有结果：下一次 Allow 立即重新试探
	b.Rearm()
	if b.HalfOpen() || !b.Open() {
		t.Fatalf("rearm should go back to open")
	}
	if err := b.Allow(); err != nil || !b.HalfOpen() {
		t.Fatalf("rearmed breaker should admit a new probe without waiting, err=%v", err)
	}

	b.OnSuccess()
	if b.Open() || b.HalfOpen() {
		t.Fatalf("probe success should close the breaker")
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("closed breaker should allow: %v", err)
	}
}
