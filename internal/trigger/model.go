package trigger

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shadoworders/keeper/internal/domain"
	"github.com/shadoworders/keeper/internal/orders"
)

// ModelEvaluator 没有实时价格源时使用：每拍让观测价向目标价靠近剩余距离的 MoveRate，
// 叠加少量噪声，且不会越过目标价。
type ModelEvaluator struct {
	Policy Policy
	// Noise 返回 [-0.5, 0.5) 内的均匀随机数；nil 表示无噪声
	Noise func() float64
}

func NewModelEvaluator(p Policy) *ModelEvaluator {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var mu sync.Mutex
	return &ModelEvaluator{
		Policy: p,
		Noise: func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return rng.Float64() - 0.5
		},
	}
}

func (m *ModelEvaluator) Name() string { return "model" }

func (m *ModelEvaluator) Prepare(_ context.Context, _ []*domain.Order) (Observer, error) {
	return m.Step, nil
}

// Step 计算单个订单的下一拍观测值
func (m *ModelEvaluator) Step(o domain.Order) orders.Observation {
	tick := o.TickCount + 1
	dir := float64(o.Direction())
	step := math.Abs(o.CurrentObservedPrice-o.LimitPrice) * m.Policy.MoveRate

	price := o.CurrentObservedPrice + step*dir
	if m.Noise != nil {
		price += m.Noise() * step * m.Policy.NoiseFactor
	}

	// 不越过目标价
	if o.Direction() == domain.DirectionFalling {
		price = math.Max(price, o.LimitPrice)
	} else {
		price = math.Min(price, o.LimitPrice)
	}

	reached := m.Policy.WithinTolerance(price, o.LimitPrice) || m.Policy.ForcedByTicks(tick)
	return orders.Observation{Price: price, Reached: reached}
}
