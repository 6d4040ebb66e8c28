package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadoworders/keeper/internal/domain"
	"github.com/shadoworders/keeper/internal/orders"
	"github.com/shadoworders/keeper/internal/risk"
	"github.com/shadoworders/keeper/pkg/persistence"
)

func TestLeaseGuard_DuplicateAndRelease(t *testing.T) {
	g := NewLeaseGuard(time.Minute, 4)

	l, err := g.TryAcquire(OrderKey("o-1"))
	require.NoError(t, err)
	assert.True(t, g.Held("order:o-1"))

	_, err = g.TryAcquire(OrderKey("o-1"))
	assert.True(t, errors.Is(err, ErrDuplicateInFlight))

	// 不同 key 互不影响
	other, err := g.TryAcquire(ChainKey(1))
	require.NoError(t, err)
	assert.Equal(t, "chain:1", other.Key())

	l.Release()
	l.Release()
	assert.False(t, g.Held(OrderKey("o-1")))
	_, err = g.TryAcquire(OrderKey("o-1"))
	assert.NoError(t, err)

	_, err = g.TryAcquire("")
	assert.Error(t, err)
}

func TestLeaseGuard_ExpiredLeaseCannotReleaseNewHolder(t *testing.T) {
	g := NewLeaseGuard(time.Minute, 1)
	now := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return now }

	stale, err := g.TryAcquire(OrderKey("o-1"))
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	assert.False(t, g.Held(OrderKey("o-1")))

	fresh, err := g.TryAcquire(OrderKey("o-1"))
	require.NoError(t, err)

	stale.Release()
	assert.True(t, g.Held(OrderKey("o-1")))

	fresh.Release()
	assert.False(t, g.Held(OrderKey("o-1")))
}

// stubExecutor 按预设返回结果，记录调用次数
type stubExecutor struct {
	calls atomic.Int32
	err   error
	gate  chan struct{}
}

func (s *stubExecutor) Execute(_ context.Context, req Request) (*Result, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return nil, s.err
	}
	return &Result{Success: true, SwapTxRef: "0xswap", InputToken: req.FromToken}, nil
}

func newExecutingOrder(t *testing.T, tr *orders.Tracker, id string, ticks int) *domain.Order {
	t.Helper()
	_, _, err := tr.AddOrder(domain.Order{
		OrderID:    id,
		Owner:      userAddr.Hex(),
		FromToken:  "mUSDC",
		ToToken:    "mWETH",
		Amount:     "100",
		StartPrice: 100,
		LimitPrice: 90,
	})
	require.NoError(t, err)
	for i := 1; i < ticks; i++ {
		_, err := tr.Advance(id, 99, false)
		require.NoError(t, err)
	}
	_, err = tr.Advance(id, 90, true)
	require.NoError(t, err)
	o, ok := tr.Get(id)
	require.True(t, ok)
	require.True(t, o.IsExecuting())
	return o
}

func newTracker(t *testing.T) *orders.Tracker {
	t.Helper()
	return orders.NewTracker(persistence.NewJSONFileService(t.TempDir()).NewStore(orders.StorageKey))
}

func TestRunner_SuccessMarksExecuted(t *testing.T) {
	tr := newTracker(t)
	o := newExecutingOrder(t, tr, "o-1", 1)
	r := NewRunner(&stubExecutor{}, tr)

	res, err := r.Settle(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, "0xswap", res.SwapTxRef)

	got, _ := tr.Get("o-1")
	assert.Equal(t, domain.OrderStatusExecuted, got.Status)
	assert.Equal(t, "0xswap", got.ExecutionTxRef)
	assert.NotNil(t, got.ExecutedAt)
}

func TestRunner_AbortRollsBackWithBackoff(t *testing.T) {
	tr := newTracker(t)
	o := newExecutingOrder(t, tr, "o-1", 5)
	exec := &stubExecutor{err: &StepError{Step: "pull", Err: errors.New("insufficient allowance")}}
	r := NewRunner(exec, tr)

	_, err := r.Settle(context.Background(), o)
	require.Error(t, err)

	got, _ := tr.Get("o-1")
	assert.Equal(t, domain.OrderStatusPending, got.Status)
	assert.Equal(t, 2, got.TickCount)
	assert.Equal(t, "pull: insufficient allowance", got.LastError)
	assert.Equal(t, 1, got.FailCount)

	// 快照过期：订单已经不在 executing，不再结算
	_, err = r.Settle(context.Background(), o)
	assert.True(t, errors.Is(err, ErrNotExecuting))
	assert.Equal(t, int32(1), exec.calls.Load())
}

func TestRunner_RequestFromOrder(t *testing.T) {
	id := uint64(12)
	o := &domain.Order{OrderID: "12", OnChainOrderID: &id, Owner: userAddr.Hex(), FromToken: "mWBTC", ToToken: "mWETH", Amount: "0.5"}
	req := RequestFromOrder(o)
	require.NotNil(t, req.OnChainOrderID)
	assert.Equal(t, uint64(12), *req.OnChainOrderID)
	assert.Equal(t, "0.5", req.Amount)
	assert.Equal(t, "12", req.SettlementKey())

	// 请求持有自己的副本
	id = 99
	assert.Equal(t, uint64(12), *req.OnChainOrderID)
}

func TestDispatcher_SimultaneousTriggersSettleOnce(t *testing.T) {
	tr := newTracker(t)
	o := newExecutingOrder(t, tr, "o-1", 1)
	exec := &stubExecutor{gate: make(chan struct{})}
	guard := NewLeaseGuard(time.Minute, 0)
	d := NewDispatcher(guard, NewRunner(exec, tr), 2, 8)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(ctx, []*domain.Order{o})
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return exec.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, guard.Held(OrderKey("o-1")))

	close(exec.gate)
	require.Eventually(t, func() bool { return !guard.Held(OrderKey("o-1")) }, time.Second, 5*time.Millisecond)

	got, _ := tr.Get("o-1")
	assert.Equal(t, domain.OrderStatusExecuted, got.Status)

	// 已执行的订单再次派发不会重复结算
	d.Dispatch(ctx, []*domain.Order{o})
	require.Eventually(t, func() bool { return !guard.Held(OrderKey("o-1")) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), exec.calls.Load())

	cancel()
	d.Wait()
}

func TestDispatcher_FullQueueReleasesLease(t *testing.T) {
	guard := NewLeaseGuard(time.Minute, 0)
	d := NewDispatcher(guard, nil, 1, 1)
	// 不启动 worker：第一个占满队列，第二个应当立即释放租约
	d.Dispatch(context.Background(), []*domain.Order{{OrderID: "a"}, {OrderID: "b"}})
	assert.True(t, guard.Held(OrderKey("a")))
	assert.False(t, guard.Held(OrderKey("b")))

	d.drain()
	assert.False(t, guard.Held(OrderKey("a")))
}

func TestDispatcher_BreakerPausesAfterAborts(t *testing.T) {
	tr := newTracker(t)
	exec := &stubExecutor{err: &StepError{Step: "swap", Err: errors.New("execution reverted")}}
	guard := NewLeaseGuard(time.Minute, 0)
	breaker := risk.NewBreaker(risk.BreakerConfig{MaxConsecutiveFailures: 2})
	d := NewDispatcher(guard, NewRunner(exec, tr), 1, 8).WithBreaker(breaker)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		d.Wait()
	}()
	d.Start(ctx)

	for i, id := range []string{"o-1", "o-2"} {
		o := newExecutingOrder(t, tr, id, 1)
		d.Dispatch(ctx, []*domain.Order{o})
		want := int32(i + 1)
		require.Eventually(t, func() bool { return exec.calls.Load() == want && !guard.Held(OrderKey(id)) }, time.Second, 5*time.Millisecond)
	}
	require.Eventually(t, breaker.Open, time.Second, 5*time.Millisecond)

	// 熔断期间不派发，订单保持 executing
	o3 := newExecutingOrder(t, tr, "o-3", 1)
	d.Dispatch(ctx, []*domain.Order{o3})
	assert.False(t, guard.Held(OrderKey("o-3")))
	assert.Equal(t, int32(2), exec.calls.Load())
	got, _ := tr.Get("o-3")
	assert.True(t, got.IsExecuting())

	breaker.Resume()
	exec.err = nil
	d.Dispatch(ctx, []*domain.Order{o3})
	require.Eventually(t, func() bool {
		got, _ := tr.Get("o-3")
		return got.Status == domain.OrderStatusExecuted
	}, time.Second, 5*time.Millisecond)
}

type gatedSettler struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
}

func (s *gatedSettler) Settle(context.Context, *domain.Order) (*Result, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	return &Result{Success: true}, s.err
}

func TestLeaseGuard_TryAcquireAllIsAllOrNothing(t *testing.T) {
	g := NewLeaseGuard(time.Minute, 4)
	held, err := g.TryAcquire(ChainKey(5))
	require.NoError(t, err)

	id := uint64(5)
	_, err = g.TryAcquireAll(SettlementKeys("o-5", &id)...)
	assert.True(t, errors.Is(err, ErrDuplicateInFlight))
	assert.False(t, g.Held(OrderKey("o-5")), "partial acquisition must be rolled back")

	held.Release()
	set, err := g.TryAcquireAll(SettlementKeys("o-5", &id)...)
	require.NoError(t, err)
	assert.True(t, g.Held(OrderKey("o-5")))
	assert.True(t, g.Held(ChainKey(5)))
	set.Release()
	assert.False(t, g.Held(OrderKey("o-5")))
	assert.False(t, g.Held(ChainKey(5)))

	_, err = g.TryAcquireAll()
	assert.Error(t, err)
}

func TestDispatcher_OnChainOrderHoldsChainKey(t *testing.T) {
	guard := NewLeaseGuard(time.Minute, 0)
	settler := &gatedSettler{gate: make(chan struct{})}
	d := NewDispatcher(guard, settler, 1, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		d.Wait()
	}()
	d.Start(ctx)

	id := uint64(0)
	d.Dispatch(ctx, []*domain.Order{{OrderID: "tracked-0", OnChainOrderID: &id}})
	require.Eventually(t, func() bool { return settler.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// 流水线进行中，轮询器对同一链上订单拿不到租约
	_, err := guard.TryAcquire(ChainKey(0))
	assert.True(t, errors.Is(err, ErrDuplicateInFlight))

	close(settler.gate)
	require.Eventually(t, func() bool {
		return !guard.Held(OrderKey("tracked-0")) && !guard.Held(ChainKey(0))
	}, time.Second, 5*time.Millisecond)

	// 反过来：轮询器持有链上 id 时，调度器跳过该订单
	poll, err := guard.TryAcquire(ChainKey(0))
	require.NoError(t, err)
	d.Dispatch(ctx, []*domain.Order{{OrderID: "tracked-0", OnChainOrderID: &id}})
	assert.False(t, guard.Held(OrderKey("tracked-0")))
	assert.Equal(t, int32(1), settler.calls.Load())
	poll.Release()
}

func TestDispatcher_HalfOpenSendsSingleSettlement(t *testing.T) {
	guard := NewLeaseGuard(time.Minute, 0)
	settler := &gatedSettler{gate: make(chan struct{})}
	breaker := risk.NewBreaker(risk.BreakerConfig{MaxConsecutiveFailures: 1, Cooldown: 10 * time.Millisecond})
	d := NewDispatcher(guard, settler, 2, 8).WithBreaker(breaker)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		d.Wait()
	}()
	d.Start(ctx)

	breaker.Halt()
	time.Sleep(20 * time.Millisecond)

	batch := []*domain.Order{{OrderID: "a"}, {OrderID: "b"}, {OrderID: "c"}}
	d.Dispatch(ctx, batch)
	require.Eventually(t, func() bool { return settler.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, breaker.HalfOpen())
	assert.True(t, guard.Held(OrderKey("a")))
	assert.False(t, guard.Held(OrderKey("b")))
	assert.False(t, guard.Held(OrderKey("c")))

	// 试探结果出来之前，后续节拍不派发
	d.Dispatch(ctx, batch[1:])
	assert.False(t, guard.Held(OrderKey("b")))
	assert.Equal(t, int32(1), settler.calls.Load())

	close(settler.gate)
	require.Eventually(t, func() bool { return !breaker.Open() }, time.Second, 5*time.Millisecond)

	d.Dispatch(ctx, batch[1:])
	require.Eventually(t, func() bool { return settler.calls.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_HalfOpenProbeFailureReopens(t *testing.T) {
	guard := NewLeaseGuard(time.Minute, 0)
	settler := &gatedSettler{err: errors.New("swap: execution reverted")}
	breaker := risk.NewBreaker(risk.BreakerConfig{MaxConsecutiveFailures: 3, Cooldown: 10 * time.Millisecond})
	d := NewDispatcher(guard, settler, 2, 8).WithBreaker(breaker)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		d.Wait()
	}()
	d.Start(ctx)

	breaker.Halt()
	time.Sleep(20 * time.Millisecond)
	d.Dispatch(ctx, []*domain.Order{{OrderID: "a"}, {OrderID: "b"}})
	require.Eventually(t, func() bool {
		return settler.calls.Load() == 1 && !breaker.HalfOpen() && !guard.Held(OrderKey("a"))
	}, time.Second, 5*time.Millisecond)
	assert.True(t, breaker.Open())
	assert.ErrorIs(t, breaker.Allow(), risk.ErrBreakerOpen)
	assert.Equal(t, int32(1), settler.calls.Load())
}
