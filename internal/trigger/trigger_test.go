package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadoworders/keeper/internal/domain"
	"github.com/shadoworders/keeper/internal/orders"
	"github.com/shadoworders/keeper/pkg/persistence"
)

func newTracker(t *testing.T) *orders.Tracker {
	t.Helper()
	return orders.NewTracker(persistence.NewJSONFileService(t.TempDir()).NewStore(orders.StorageKey))
}

func add(t *testing.T, tr *orders.Tracker, id, from, to string, start, limit float64) {
	t.Helper()
	_, added, err := tr.AddOrder(domain.Order{
		OrderID: id, FromToken: from, ToToken: to, Amount: "1",
		StartPrice: start, LimitPrice: limit,
	})
	require.NoError(t, err)
	require.True(t, added)
}

func TestModelEvaluator_ConvergesWithinMaxTicks(t *testing.T) {
	m := &ModelEvaluator{Policy: DefaultPolicy()}
	o := domain.Order{StartPrice: 100, LimitPrice: 90, CurrentObservedPrice: 100, Status: domain.OrderStatusPending}

	prev := o.CurrentObservedPrice
	for i := 1; i <= m.Policy.MaxTicks; i++ {
		obs := m.Step(o)
		if obs.Reached {
			assert.LessOrEqual(t, i, m.Policy.MaxTicks)
			return
		}
		if obs.Price > prev || obs.Price < o.LimitPrice {
			t.Fatalf("tick %d: price %.6f not monotone toward 90 (prev %.6f)", i, obs.Price, prev)
		}
		prev = obs.Price
		o.CurrentObservedPrice = obs.Price
		o.TickCount = i
	}
	t.Fatalf("order did not trigger within %d ticks", m.Policy.MaxTicks)
}

func TestModelEvaluator_NeverOvershoots(t *testing.T) {
	m := &ModelEvaluator{Policy: DefaultPolicy(), Noise: func() float64 { return 0.49 }}
	m.Policy.MoveRate = 1.0 // 一步到位，再加上正向噪声

	rising := m.Step(domain.Order{StartPrice: 10, LimitPrice: 20, CurrentObservedPrice: 10})
	assert.Equal(t, 20.0, rising.Price)
	assert.True(t, rising.Reached)

	m.Noise = func() float64 { return -0.49 }
	falling := m.Step(domain.Order{StartPrice: 100, LimitPrice: 90, CurrentObservedPrice: 100})
	assert.Equal(t, 90.0, falling.Price)
}

func TestPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.WithinTolerance(90.4, 90))
	assert.False(t, p.WithinTolerance(90.5, 90))
	assert.False(t, p.ForcedByTicks(14))
	assert.True(t, p.ForcedByTicks(15))

	p.MaxTicks = 0
	assert.False(t, p.ForcedByTicks(1000))
}

type fakeSource struct {
	mu    sync.Mutex
	rates map[string]float64
	calls map[string]int
}

func (f *fakeSource) PairRate(_ context.Context, from, to string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[from+"/"+to]++
	r, ok := f.rates[from+"/"+to]
	if !ok {
		return 0, errors.New("no price")
	}
	return r, nil
}

func TestOracleEvaluator_DirectComparison(t *testing.T) {
	src := &fakeSource{rates: map[string]float64{"mWETH/mUSDC": 3100}}
	e := NewOracleEvaluator(DefaultPolicy(), src)

	cases := []struct {
		name  string
		start float64
		limit float64
		want  bool
	}{
		{"rising crossed", 3000, 3050, true},
		{"rising below", 3000, 3500, false},
		{"falling crossed", 3500, 3200, true},
		{"falling above", 3500, 2000, false},
	}
	for _, c := range cases {
		obs := e.observe(domain.Order{StartPrice: c.start, LimitPrice: c.limit}, 3100)
		if obs.Reached != c.want {
			t.Fatalf("%s: reached=%v want %v", c.name, obs.Reached, c.want)
		}
	}
}

func TestOracleEvaluator_FetchOncePerPairAndSkipOnError(t *testing.T) {
	src := &fakeSource{rates: map[string]float64{"mWETH/mUSDC": 3100}}
	e := NewOracleEvaluator(DefaultPolicy(), src)

	pending := []*domain.Order{
		{OrderID: "a", FromToken: "mWETH", ToToken: "mUSDC"},
		{OrderID: "b", FromToken: "mWETH", ToToken: "mUSDC"},
		{OrderID: "c", FromToken: "mWBTC", ToToken: "mUSDC"},
	}
	obs, err := e.Prepare(context.Background(), pending)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls["mWETH/mUSDC"])
	assert.Equal(t, 1, src.calls["mWBTC/mUSDC"])

	assert.False(t, obs(*pending[0]).Skip)
	assert.True(t, obs(*pending[2]).Skip)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	seen [][]string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, executing []*domain.Order) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for _, o := range executing {
		ids = append(ids, o.OrderID)
	}
	d.seen = append(d.seen, ids)
}

func TestScheduler_SinglePassTriggersAndDispatches(t *testing.T) {
	tr := newTracker(t)
	add(t, tr, "near", "mUSDC", "mWETH", 100, 90)
	add(t, tr, "far", "mUSDC", "mWETH", 100, 10)

	m := &ModelEvaluator{Policy: DefaultPolicy()}
	m.Policy.MoveRate = 1.0
	d := &recordingDispatcher{}
	s := NewScheduler(tr, m, d, 0)

	s.RunOnce(context.Background())

	near, _ := tr.Get("near")
	far, _ := tr.Get("far")
	assert.Equal(t, domain.OrderStatusExecuting, near.Status)
	assert.Equal(t, domain.OrderStatusExecuting, far.Status)
	require.Len(t, d.seen, 1)
	assert.ElementsMatch(t, []string{"near", "far"}, d.seen[0])

	// 下一拍不再推进 executing 订单，但仍会再次派发（由租约去重）
	s.RunOnce(context.Background())
	near2, _ := tr.Get("near")
	assert.Equal(t, near.TickCount, near2.TickCount)
	assert.Len(t, d.seen, 2)
}

func TestScheduler_ModelReachesWithinMaxTicks(t *testing.T) {
	tr := newTracker(t)
	add(t, tr, "o", "mUSDC", "mWETH", 100, 90)
	s := NewScheduler(tr, &ModelEvaluator{Policy: DefaultPolicy()}, nil, 0)

	for i := 0; i < DefaultPolicy().MaxTicks; i++ {
		s.RunOnce(context.Background())
	}
	o, _ := tr.Get("o")
	assert.Equal(t, domain.OrderStatusExecuting, o.Status)
	assert.Equal(t, 90.0, o.CurrentObservedPrice)
	assert.LessOrEqual(t, o.TickCount, DefaultPolicy().MaxTicks)
}
