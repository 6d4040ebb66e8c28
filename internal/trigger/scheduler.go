package trigger

import (
	"context"
	"time"

	"github.com/shadoworders/keeper/internal/domain"
	"github.com/shadoworders/keeper/internal/orders"
	"github.com/shadoworders/keeper/pkg/logger"
)

const DefaultInterval = 2 * time.Second

// Dispatcher 接收本拍处于 executing 的订单，交给结算流水线
type Dispatcher interface {
	Dispatch(ctx context.Context, executing []*domain.Order)
}

// Scheduler 固定节拍的单次扫描：每拍对全部 pending 订单做一次评估，
// 然后把 executing 集合交给 Dispatcher。没有每个订单各自的定时器。
type Scheduler struct {
	tracker    *orders.Tracker
	evaluator  Evaluator
	dispatcher Dispatcher
	interval   time.Duration
}

func NewScheduler(tracker *orders.Tracker, ev Evaluator, d Dispatcher, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{tracker: tracker, evaluator: ev, dispatcher: d, interval: interval}
}

// Run 阻塞直到 ctx 取消
func (s *Scheduler) Run(ctx context.Context) {
	log := logger.WithField("component", "trigger")
	log.Infof("[scheduler] 启动: evaluator=%s interval=%s", s.evaluator.Name(), s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// 启动时先派发一次：重启前遗留在 executing 的订单需要继续结算
	s.dispatch(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Infof("[scheduler] 已停止")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce 执行一拍。导出供测试与手动触发使用。
func (s *Scheduler) RunOnce(ctx context.Context) {
	pending := s.tracker.ListByStatus(domain.OrderStatusPending)
	if len(pending) > 0 {
		s.evaluate(ctx, pending)
	}
	s.dispatch(ctx)
}

func (s *Scheduler) evaluate(ctx context.Context, pending []*domain.Order) {
	log := logger.WithField("component", "trigger")
	obs, err := s.evaluator.Prepare(ctx, pending)
	if err != nil {
		log.Warnf("[scheduler] 评估准备失败，本拍跳过: %v", err)
		return
	}
	if _, err := s.tracker.Tick(obs); err != nil {
		log.Errorf("[scheduler] 写入评估结果失败: %v", err)
	}
}

func (s *Scheduler) dispatch(ctx context.Context) {
	if s.dispatcher == nil {
		return
	}
	if executing := s.tracker.Executing(); len(executing) > 0 {
		s.dispatcher.Dispatch(ctx, executing)
	}
}
