package orders

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shadoworders/keeper/internal/domain"
	"github.com/shadoworders/keeper/internal/metrics"
	"github.com/shadoworders/keeper/pkg/logger"
	"github.com/shadoworders/keeper/pkg/persistence"
)

// StorageKey 整个订单集合存在这一个 key 下，每次变更整体覆盖
const StorageKey = "shadow-orders-tracked"

// FailureBackoffTicks 失败回滚时 tickCount 回退的步数，避免下一拍立刻再次触发
const FailureBackoffTicks = 3

var (
	ErrUnknownOrder = errors.New("unknown order")
	ErrInvalidOrder = errors.New("invalid order")
)

// EventType 订单事件类型
type EventType string

const (
	EventAdded     EventType = "added"
	EventAdvanced  EventType = "advanced"
	EventTriggered EventType = "triggered"
	EventExecuted  EventType = "executed"
	EventFailed    EventType = "failed"
	EventCleared   EventType = "cleared"
)

type Event struct {
	Type  EventType     `json:"type"`
	Order *domain.Order `json:"order,omitempty"`
}

// Tracker 订单状态机：唯一可以修改订单状态的地方。
// 所有变更在锁内完成，并同步写穿到持久化存储；写失败则回滚内存状态。
type Tracker struct {
	mu     sync.Mutex
	orders []*domain.Order
	index  map[string]*domain.Order
	store  persistence.Store
	now    func() time.Time

	subMu sync.Mutex
	subs  []chan Event
}

func NewTracker(store persistence.Store) *Tracker {
	return &Tracker{
		index: make(map[string]*domain.Order),
		store: store,
		now:   time.Now,
	}
}

// Load 进程启动时恢复状态。数据损坏时按空集合处理。
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var saved []*domain.Order
	if err := t.store.Load(&saved); err != nil {
		if errors.Is(err, persistence.ErrNotExists) {
			return nil
		}
		logger.WithField("component", "orders").Warnf("订单状态损坏，按空集合处理: %v", err)
		return nil
	}
	t.orders = t.orders[:0]
	t.index = make(map[string]*domain.Order, len(saved))
	for _, o := range saved {
		if o == nil || o.OrderID == "" {
			continue
		}
		if _, dup := t.index[o.OrderID]; dup {
			continue
		}
		t.orders = append(t.orders, o)
		t.index[o.OrderID] = o
	}
	logger.WithField("component", "orders").Infof("已加载 %d 个订单", len(t.orders))
	return nil
}

// persistLocked 整体覆盖写。调用方持有 t.mu。
func (t *Tracker) persistLocked() error {
	if err := t.store.Save(t.orders); err != nil {
		metrics.PersistErrors.Add(1)
		return fmt.Errorf("persist orders: %w", err)
	}
	return nil
}

// mutate 在锁内对单个订单做变更；fn 返回 false 表示不变更（no-op）。
// 持久化失败时恢复到变更前的快照。
func (t *Tracker) mutate(orderID string, fn func(o *domain.Order) bool) (*domain.Order, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.index[orderID]
	if !ok {
		return nil, false, ErrUnknownOrder
	}
	before := *o
	if !fn(o) {
		return nil, false, nil
	}
	if err := t.persistLocked(); err != nil {
		*o = before
		return nil, false, err
	}
	return o.Clone(), true, nil
}

// AddOrder 新建订单：强制 pending / tickCount=0 / currentObservedPrice=startPrice。
// 相同 orderId 已存在时为 no-op（重试幂等）。orderId 为空时生成本地占位 id。
func (t *Tracker) AddOrder(candidate domain.Order) (*domain.Order, bool, error) {
	o := candidate.Clone()
	o.OrderID = strings.TrimSpace(o.OrderID)
	if o.OrderID == "" {
		o.OrderID = "local-" + uuid.NewString()
	}
	if o.FromToken == "" || o.ToToken == "" {
		return nil, false, fmt.Errorf("%w: fromToken and toToken are required", ErrInvalidOrder)
	}
	if o.LimitPrice <= 0 || o.StartPrice <= 0 {
		return nil, false, fmt.Errorf("%w: limitPrice and startPrice must be positive", ErrInvalidOrder)
	}
	o.Status = domain.OrderStatusPending
	o.TickCount = 0
	o.CurrentObservedPrice = o.StartPrice
	o.ExecutionTxRef = ""
	o.ExecutedAt = nil
	o.LastError = ""
	o.FailCount = 0
	if o.CreatedAt.IsZero() {
		o.CreatedAt = t.now()
	}

	t.mu.Lock()
	if existing, ok := t.index[o.OrderID]; ok {
		snap := existing.Clone()
		t.mu.Unlock()
		return snap, false, nil
	}
	t.orders = append(t.orders, o)
	t.index[o.OrderID] = o
	if err := t.persistLocked(); err != nil {
		t.orders = t.orders[:len(t.orders)-1]
		delete(t.index, o.OrderID)
		t.mu.Unlock()
		return nil, false, err
	}
	snap := o.Clone()
	t.mu.Unlock()

	logger.WithField("component", "orders").Infof("新订单 %s: %s %s -> %s limit=%.6f start=%.6f",
		snap.OrderID, snap.Amount, snap.FromToken, snap.ToToken, snap.LimitPrice, snap.StartPrice)
	t.publish(Event{Type: EventAdded, Order: snap})
	return snap, true, nil
}

// Advance 更新 pending 订单的观测价与 tick；reached 时迁移到 executing。非 pending 为 no-op。
func (t *Tracker) Advance(orderID string, observed float64, reached bool) (bool, error) {
	snap, changed, err := t.mutate(orderID, func(o *domain.Order) bool {
		if !o.IsPending() {
			return false
		}
		applyAdvance(o, observed, reached)
		return true
	})
	if err != nil || !changed {
		return false, err
	}
	t.publishAdvance(snap)
	return true, nil
}

func applyAdvance(o *domain.Order, observed float64, reached bool) {
	o.TickCount++
	if reached {
		o.CurrentObservedPrice = o.LimitPrice
		o.Status = domain.OrderStatusExecuting
		return
	}
	o.CurrentObservedPrice = observed
}

// Observation 一次评估的结果
type Observation struct {
	Price   float64
	Reached bool
	Skip    bool // 本拍没有可用价格：不计 tick、不变更
}

// Tick 评估器的一次完整扫描：在同一把锁内对所有 pending 订单调用 fn，最后只持久化一次。
// 返回本次迁移到 executing 的订单快照。
func (t *Tracker) Tick(fn func(o domain.Order) Observation) ([]*domain.Order, error) {
	t.mu.Lock()

	type saved struct {
		o      *domain.Order
		before domain.Order
	}
	var (
		touched   []saved
		triggered []*domain.Order
		advanced  []*domain.Order
	)
	for _, o := range t.orders {
		if !o.IsPending() {
			continue
		}
		obs := fn(*o)
		if obs.Skip {
			continue
		}
		touched = append(touched, saved{o: o, before: *o})
		applyAdvance(o, obs.Price, obs.Reached)
		if o.IsExecuting() {
			triggered = append(triggered, o.Clone())
		} else {
			advanced = append(advanced, o.Clone())
		}
	}
	if len(touched) == 0 {
		t.mu.Unlock()
		return nil, nil
	}
	if err := t.persistLocked(); err != nil {
		for _, s := range touched {
			*s.o = s.before
		}
		t.mu.Unlock()
		return nil, err
	}
	t.mu.Unlock()

	for _, o := range advanced {
		t.publish(Event{Type: EventAdvanced, Order: o})
	}
	for _, o := range triggered {
		logger.WithField("component", "orders").Infof("🎯 订单 %s 在第 %d 拍到达目标价", o.OrderID, o.TickCount)
		metrics.OrdersTriggered.Add(1)
		t.publish(Event{Type: EventTriggered, Order: o})
	}
	return triggered, nil
}

// MarkExecuted executing -> executed。订单不在 executing 时为 no-op（防止重复/过期回调）。
func (t *Tracker) MarkExecuted(orderID, executionTxRef string) (bool, error) {
	snap, changed, err := t.mutate(orderID, func(o *domain.Order) bool {
		if !o.IsExecuting() {
			return false
		}
		now := t.now()
		o.Status = domain.OrderStatusExecuted
		o.ExecutionTxRef = executionTxRef
		o.ExecutedAt = &now
		o.LastError = ""
		return true
	})
	if err != nil || !changed {
		return false, err
	}
	logger.WithField("component", "orders").Infof("✅ 订单已执行: %s tx=%s", orderID, executionTxRef)
	metrics.OrdersExecuted.Add(1)
	t.publish(Event{Type: EventExecuted, Order: snap})
	return true, nil
}

// MarkFailed executing -> pending，并把 tickCount 回退 FailureBackoffTicks（不低于 0）
func (t *Tracker) MarkFailed(orderID, reason string) (bool, error) {
	snap, changed, err := t.mutate(orderID, func(o *domain.Order) bool {
		if !o.IsExecuting() {
			return false
		}
		o.Status = domain.OrderStatusPending
		o.TickCount -= FailureBackoffTicks
		if o.TickCount < 0 {
			o.TickCount = 0
		}
		o.LastError = reason
		o.FailCount++
		return true
	})
	if err != nil || !changed {
		return false, err
	}
	logger.WithField("component", "orders").Warnf("❌ 订单结算失败，回到 pending 等待重试: %s reason=%s", orderID, reason)
	metrics.OrdersFailed.Add(1)
	t.publish(Event{Type: EventFailed, Order: snap})
	return true, nil
}

// Clear 清空所有订单（仅限用户显式操作）
func (t *Tracker) Clear() error {
	t.mu.Lock()
	prevOrders, prevIndex := t.orders, t.index
	t.orders = nil
	t.index = make(map[string]*domain.Order)
	if err := t.store.Delete(); err != nil {
		t.orders, t.index = prevOrders, prevIndex
		t.mu.Unlock()
		return fmt.Errorf("clear orders: %w", err)
	}
	t.mu.Unlock()
	t.publish(Event{Type: EventCleared})
	return nil
}

func (t *Tracker) Get(orderID string) (*domain.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.index[orderID]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// List 按创建顺序返回快照
func (t *Tracker) List() []*domain.Order {
	return t.ListByStatus("")
}

// ListByStatus status 为空时返回全部
func (t *Tracker) ListByStatus(status domain.OrderStatus) []*domain.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*domain.Order, 0, len(t.orders))
	for _, o := range t.orders {
		if status == "" || o.Status == status {
			out = append(out, o.Clone())
		}
	}
	return out
}

func (t *Tracker) Executing() []*domain.Order {
	return t.ListByStatus(domain.OrderStatusExecuting)
}

// Subscribe 订阅订单事件。慢消费者会丢事件，不会阻塞状态机。
func (t *Tracker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	t.subMu.Lock()
	t.subs = append(t.subs, ch)
	t.subMu.Unlock()

	cancel := func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		for i, c := range t.subs {
			if c == ch {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (t *Tracker) publish(ev Event) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (t *Tracker) publishAdvance(o *domain.Order) {
	if o.IsExecuting() {
		logger.WithField("component", "orders").Infof("🎯 订单 %s 在第 %d 拍到达目标价", o.OrderID, o.TickCount)
		metrics.OrdersTriggered.Add(1)
		t.publish(Event{Type: EventTriggered, Order: o})
		return
	}
	t.publish(Event{Type: EventAdvanced, Order: o})
}
