package trigger

import (
	"context"
	"math"

	"github.com/shadoworders/keeper/internal/domain"
	"github.com/shadoworders/keeper/internal/orders"
)

// Policy 触发判定的共享阈值策略
type Policy struct {
	MoveRate    float64 // 模型模式：每拍向目标价靠近剩余距离的比例
	NoiseFactor float64 // 模型模式：噪声幅度（相对 step）
	Tolerance   float64 // 相对容差：|price-limit| <= |limit|*Tolerance 视为到达
	MaxTicks    int     // tick 上限，到达即强制触发；<=0 表示不强制
}

func DefaultPolicy() Policy {
	return Policy{
		MoveRate:    0.12,
		NoiseFactor: 0.2,
		Tolerance:   0.005,
		MaxTicks:    15,
	}
}

// WithinTolerance 价格是否已落在目标价的容差内
func (p Policy) WithinTolerance(price, limit float64) bool {
	return math.Abs(price-limit) <= math.Abs(limit)*p.Tolerance
}

// ForcedByTicks tickCount 是本次观测计入之后的值
func (p Policy) ForcedByTicks(tickCount int) bool {
	return p.MaxTicks > 0 && tickCount >= p.MaxTicks
}

// Observer 对单个 pending 订单给出本拍观测结果。在 Tracker 锁内调用，不能做 IO。
type Observer func(o domain.Order) orders.Observation

// Evaluator 触发评估器。Prepare 在锁外执行（可以访问网络），返回本拍使用的 Observer。
type Evaluator interface {
	Name() string
	Prepare(ctx context.Context, pending []*domain.Order) (Observer, error)
}
