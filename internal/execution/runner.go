package execution

import (
	"context"
	"errors"

	"github.com/shadoworders/keeper/internal/domain"
	"github.com/shadoworders/keeper/internal/metrics"
	"github.com/shadoworders/keeper/internal/orders"
	"github.com/shadoworders/keeper/pkg/logger"
)

// Executor 结算流水线
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Runner 把流水线结果回写到订单状态机：成功 -> executed，中止 -> 回到 pending（带回退）
type Runner struct {
	exec    Executor
	tracker *orders.Tracker
}

func NewRunner(exec Executor, tracker *orders.Tracker) *Runner {
	return &Runner{exec: exec, tracker: tracker}
}

// RequestFromOrder 由被跟踪的订单构造结算请求
func RequestFromOrder(o *domain.Order) Request {
	req := Request{
		OrderID:     o.OrderID,
		FromToken:   o.FromToken,
		ToToken:     o.ToToken,
		Amount:      o.Amount,
		UserAddress: o.Owner,
	}
	if o.OnChainOrderID != nil {
		id := *o.OnChainOrderID
		req.OnChainOrderID = &id
	}
	return req
}

// ErrNotExecuting 订单已不在 executing（派发快照过期），本次不结算
var ErrNotExecuting = errors.New("order is not executing")

// Settle 调用方必须已持有该订单的租约。持有租约后重新读取订单状态：
// 只有租约持有者能让订单离开 executing，所以这里的检查不会过期。
func (r *Runner) Settle(ctx context.Context, snapshot *domain.Order) (*Result, error) {
	o, ok := r.tracker.Get(snapshot.OrderID)
	if !ok || !o.IsExecuting() {
		return nil, ErrNotExecuting
	}
	log := logger.WithFields(map[string]interface{}{"component": "runner", "order": o.OrderID})
	res, err := r.exec.Execute(ctx, RequestFromOrder(o))
	if err != nil {
		metrics.PipelineAborts.Add(1)
		reason := ShortReason(err)
		log.Errorf("结算中止: %s", reason)
		if _, mErr := r.tracker.MarkFailed(o.OrderID, reason); mErr != nil {
			log.Errorf("回滚订单状态失败: %v", mErr)
		}
		return nil, err
	}
	if _, mErr := r.tracker.MarkExecuted(o.OrderID, res.SwapTxRef); mErr != nil {
		// 结算已经完成并写入日志；下次派发会直接拿到已记录的结果再标记
		log.Errorf("标记订单已执行失败: %v", mErr)
	}
	return res, nil
}
