package trigger

import (
	"context"

	"github.com/shadoworders/keeper/internal/domain"
	"github.com/shadoworders/keeper/internal/metrics"
	"github.com/shadoworders/keeper/internal/orders"
	"github.com/shadoworders/keeper/pkg/logger"
)

// PriceSource 外部价格源：返回 1 单位 from 可兑换的 to 数量
type PriceSource interface {
	PairRate(ctx context.Context, from, to string) (float64, error)
}

// OracleEvaluator 用真实价格代替模拟价格，触发条件是直接比较：
// 上行目标 observed >= limit，下行目标 observed <= limit。
type OracleEvaluator struct {
	Policy Policy
	Source PriceSource
}

func NewOracleEvaluator(p Policy, src PriceSource) *OracleEvaluator {
	return &OracleEvaluator{Policy: p, Source: src}
}

func (e *OracleEvaluator) Name() string { return "oracle" }

type pair struct{ from, to string }

// Prepare 每个交易对每拍只取一次价；取价失败的交易对本拍跳过（不计 tick）
func (e *OracleEvaluator) Prepare(ctx context.Context, pending []*domain.Order) (Observer, error) {
	rates := make(map[pair]float64)
	failed := make(map[pair]bool)
	for _, o := range pending {
		k := pair{o.FromToken, o.ToToken}
		if _, ok := rates[k]; ok || failed[k] {
			continue
		}
		rate, err := e.Source.PairRate(ctx, k.from, k.to)
		if err != nil || rate <= 0 {
			failed[k] = true
			metrics.OracleErrors.Add(1)
			logger.WithField("component", "trigger").Warnf("[oracle] 获取 %s/%s 价格失败，本拍跳过: %v", k.from, k.to, err)
			continue
		}
		rates[k] = rate
	}

	return func(o domain.Order) orders.Observation {
		rate, ok := rates[pair{o.FromToken, o.ToToken}]
		if !ok {
			return orders.Observation{Skip: true}
		}
		return e.observe(o, rate)
	}, nil
}

func (e *OracleEvaluator) observe(o domain.Order, price float64) orders.Observation {
	var crossed bool
	if o.Direction() == domain.DirectionRising {
		crossed = price >= o.LimitPrice
	} else {
		crossed = price <= o.LimitPrice
	}
	reached := crossed ||
		e.Policy.WithinTolerance(price, o.LimitPrice) ||
		e.Policy.ForcedByTicks(o.TickCount+1)
	return orders.Observation{Price: price, Reached: reached}
}
