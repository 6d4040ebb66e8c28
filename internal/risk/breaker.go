package risk

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBreakerOpen 连续结算失败过多，暂停派发
var ErrBreakerOpen = fmt.Errorf("settlement breaker open")

// BreakerConfig 阈值 <= 0 表示关闭
type BreakerConfig struct {
	MaxConsecutiveFailures int64
	// Cooldown 熔断后进入半开的等待时间；0 表示只能手动 Resume
	Cooldown time.Duration
}

type breakerState int32

const (
	stateClosed breakerState = iota
	stateOpen
	// stateHalfOpen 冷却结束，已放行一笔试探结算，结果出来前拒绝其他派发
	stateHalfOpen
)

// Breaker 结算熔断器：连续中止达到阈值后暂停派发，冷却结束后只放行一笔试探。
// 闭合状态走原子变量，调度节拍上调用没有锁竞争。
type Breaker struct {
	maxFailures int64
	cooldown    time.Duration

	state    atomic.Int32
	failures atomic.Int64

	mu       sync.Mutex
	openedAt time.Time

	now func() time.Time
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		maxFailures: cfg.MaxConsecutiveFailures,
		cooldown:    cfg.Cooldown,
		now:         time.Now,
	}
}

// Allow 返回 nil 表示可以继续派发。冷却结束后第一次调用把熔断器切到半开，
// 调用方应当只派发一笔结算，并用 HalfOpen 判断。
func (b *Breaker) Allow() error {
	if b == nil || breakerState(b.state.Load()) == stateClosed {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch breakerState(b.state.Load()) {
	case stateClosed:
		return nil
	case stateOpen:
		if b.cooldown > 0 && !b.now().Before(b.openedAt.Add(b.cooldown)) {
			b.state.Store(int32(stateHalfOpen))
			return nil
		}
	}
	return ErrBreakerOpen
}

// HalfOpen 是否有一笔试探结算在进行中
func (b *Breaker) HalfOpen() bool {
	return b != nil && breakerState(b.state.Load()) == stateHalfOpen
}

func (b *Breaker) OnSuccess() {
	if b == nil {
		return
	}
	b.failures.Store(0)
	if breakerState(b.state.Load()) == stateHalfOpen {
		b.mu.Lock()
		b.state.CompareAndSwap(int32(stateHalfOpen), int32(stateClosed))
		b.mu.Unlock()
	}
}

func (b *Breaker) OnFailure() {
	if b == nil {
		return
	}
	n := b.failures.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	switch breakerState(b.state.Load()) {
	case stateHalfOpen:
		b.trip()
	case stateClosed:
		if b.maxFailures > 0 && n >= b.maxFailures {
			b.trip()
		}
	}
}

// Rearm 试探结算没有得出结果（订单已不在 executing、被取消或没派发出去）：
// 回到可试探的 open 状态，下一次 Allow 立即再放行一笔
func (b *Breaker) Rearm() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if breakerState(b.state.Load()) == stateHalfOpen {
		b.openedAt = b.now().Add(-b.cooldown)
		b.state.Store(int32(stateOpen))
	}
}

// Halt 手动熔断
func (b *Breaker) Halt() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if breakerState(b.state.Load()) != stateOpen {
		b.trip()
	}
}

// Resume 手动恢复，同时清空失败计数
func (b *Breaker) Resume() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Store(int32(stateClosed))
	b.failures.Store(0)
}

// Open 熔断或半开试探中都算打开
func (b *Breaker) Open() bool {
	return b != nil && breakerState(b.state.Load()) != stateClosed
}

// trip 调用方持有 mu
func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.state.Store(int32(stateOpen))
}
