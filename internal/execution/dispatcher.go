package execution

import (
	"context"
	"errors"
	"sync"

	"github.com/shadoworders/keeper/internal/domain"
	"github.com/shadoworders/keeper/internal/risk"
	"github.com/shadoworders/keeper/pkg/logger"
)

// Settler 执行单个订单的结算并回写状态
type Settler interface {
	Settle(ctx context.Context, o *domain.Order) (*Result, error)
}

type dispatchJob struct {
	order *domain.Order
	lease LeaseSet
	probe bool
}

// Dispatcher 接收调度器每拍给出的 executing 订单：先拿租约，拿到才入队。
// 租约在结算到达终态（成功或中止）后释放。Workers 默认 1，所有结算串行执行。
type Dispatcher struct {
	guard   *LeaseGuard
	settler Settler
	workers int
	queue   chan dispatchJob
	wg      sync.WaitGroup
	breaker *risk.Breaker // 可选
}

func NewDispatcher(guard *LeaseGuard, settler Settler, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Dispatcher{
		guard:   guard,
		settler: settler,
		workers: workers,
		queue:   make(chan dispatchJob, queueSize),
	}
}

// WithBreaker 连续结算中止过多时暂停派发；订单保持 executing，恢复后继续
func (d *Dispatcher) WithBreaker(b *risk.Breaker) *Dispatcher {
	d.breaker = b
	return d
}

func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Wait 等待所有 worker 退出（ctx 取消后）
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch 已在处理中的订单直接跳过；队列满时释放租约，下一拍再试
func (d *Dispatcher) Dispatch(ctx context.Context, executing []*domain.Order) {
	log := logger.WithField("component", "dispatcher")
	if len(executing) == 0 {
		return
	}
	if err := d.breaker.Allow(); err != nil {
		log.Warnf("结算熔断中，本拍跳过 %d 个订单", len(executing))
		return
	}
	// 半开：本拍只放一个订单试探，结果出来前其余订单保持 executing
	probe := d.breaker.HalfOpen()
	for _, o := range executing {
		lease, err := d.guard.TryAcquireAll(SettlementKeys(o.OrderID, o.OnChainOrderID)...)
		if err != nil {
			if !errors.Is(err, ErrDuplicateInFlight) {
				log.Warnf("获取租约失败 order=%s: %v", o.OrderID, err)
			}
			continue
		}
		select {
		case d.queue <- dispatchJob{order: o, lease: lease, probe: probe}:
			log.Debugf("订单 %s 已进入结算队列", o.OrderID)
			if probe {
				log.Infof("熔断半开，订单 %s 作为试探结算", o.OrderID)
				return
			}
		case <-ctx.Done():
			lease.Release()
			if probe {
				d.breaker.Rearm()
			}
			return
		default:
			lease.Release()
			log.Warnf("结算队列已满，订单 %s 下一拍再派发", o.OrderID)
		}
	}
	if probe {
		// 没有订单能作为试探派发出去，下一拍重新试探
		d.breaker.Rearm()
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case job := <-d.queue:
			d.run(ctx, job)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, job dispatchJob) {
	defer job.lease.Release()
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("component", "dispatcher").Errorf("结算 panic order=%s: %v", job.order.OrderID, r)
			d.breaker.OnFailure()
		}
	}()
	_, err := d.settler.Settle(ctx, job.order)
	switch {
	case err == nil:
		d.breaker.OnSuccess()
	case errors.Is(err, ErrNotExecuting), ctx.Err() != nil:
		if job.probe {
			d.breaker.Rearm()
		}
	default:
		d.breaker.OnFailure()
	}
}

// drain 退出时释放尚未执行的任务的租约
func (d *Dispatcher) drain() {
	for {
		select {
		case job := <-d.queue:
			job.lease.Release()
			if job.probe {
				d.breaker.Rearm()
			}
		default:
			return
		}
	}
}
