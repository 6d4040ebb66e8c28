package domain

import (
	"math"
	"time"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"   // 等待价格触发
	OrderStatusExecuting OrderStatus = "executing" // 已触发，keeper 结算中
	OrderStatusExecuted  OrderStatus = "executed"  // 已结算（终态）
	// OrderStatusFailed 只用于展示：失败的订单在存储里会回到 pending，并等待重试。
	OrderStatusFailed OrderStatus = "failed"
)

// TriggerDirection 触发方向
type TriggerDirection int

const (
	DirectionRising  TriggerDirection = 1  // 目标价高于起始价：observed >= limit 时触发
	DirectionFalling TriggerDirection = -1 // 目标价低于起始价：observed <= limit 时触发
)

// Order 被跟踪的隐私限价单。
// 链上的 limitPrice/amount/direction 都是加密的，这里保存的是本地明文副本，
// 只用于触发模拟和展示，不会上链。
type Order struct {
	OrderID              string      `json:"orderId"`                  // 链上 id 或本地占位 id（创建后不再变化）
	OnChainOrderID       *uint64     `json:"onChainOrderId,omitempty"` // 链上订单 id（可选）
	Owner                string      `json:"owner"`                    // 用户地址：pull 的来源，forward 的目标
	FromToken            string      `json:"fromToken"`
	ToToken              string      `json:"toToken"`
	Amount               string      `json:"amount"` // 人类可读单位，例如 "100.5"
	LimitPrice           float64     `json:"limitPrice"`
	StartPrice           float64     `json:"startPrice"`
	CurrentObservedPrice float64     `json:"currentObservedPrice"`
	Status               OrderStatus `json:"status"`
	TickCount            int         `json:"tickCount"`
	CreationTxRef        string      `json:"creationTxRef,omitempty"`
	ExecutionTxRef       string      `json:"executionTxRef,omitempty"`
	CreatedAt            time.Time   `json:"createdAt"`
	ExecutedAt           *time.Time  `json:"executedAt,omitempty"`
	LastError            string      `json:"lastError,omitempty"` // 最近一次结算失败的简短原因
	FailCount            int         `json:"failCount,omitempty"`
}

// Direction 根据起始价与目标价判断触发方向
func (o *Order) Direction() TriggerDirection {
	if o.StartPrice > o.LimitPrice {
		return DirectionFalling
	}
	return DirectionRising
}

func (o *Order) IsPending() bool {
	return o.Status == OrderStatusPending
}

func (o *Order) IsExecuting() bool {
	return o.Status == OrderStatusExecuting
}

// IsFinalStatus executed 是唯一的终态
func (o *Order) IsFinalStatus() bool {
	return o.Status == OrderStatusExecuted
}

// DisplayStatus 返回给 UI 的状态：失败后回到 pending 的订单显示为 failed（会自动重试）
func (o *Order) DisplayStatus() OrderStatus {
	if o.Status == OrderStatusPending && o.LastError != "" {
		return OrderStatusFailed
	}
	return o.Status
}

// Progress 当前观测价从起始价走向目标价的进度（0~1），仅用于展示
func (o *Order) Progress() float64 {
	total := math.Abs(o.LimitPrice - o.StartPrice)
	if total == 0 {
		return 1
	}
	p := math.Abs(o.CurrentObservedPrice-o.StartPrice) / total
	if p > 1 {
		return 1
	}
	return p
}

// Clone 深拷贝（指针字段单独复制），对外返回快照时使用
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if o.OnChainOrderID != nil {
		id := *o.OnChainOrderID
		c.OnChainOrderID = &id
	}
	if o.ExecutedAt != nil {
		t := *o.ExecutedAt
		c.ExecutedAt = &t
	}
	return &c
}

// CanTransition 状态机合法迁移：
// pending -> executing, executing -> executed, executing -> pending
func CanTransition(from, to OrderStatus) bool {
	switch from {
	case OrderStatusPending:
		return to == OrderStatusExecuting
	case OrderStatusExecuting:
		return to == OrderStatusExecuted || to == OrderStatusPending
	default:
		return false
	}
}
