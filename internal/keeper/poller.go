package keeper

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/shadoworders/keeper/internal/chain"
	"github.com/shadoworders/keeper/internal/domain"
	"github.com/shadoworders/keeper/internal/execution"
	"github.com/shadoworders/keeper/internal/metrics"
	"github.com/shadoworders/keeper/pkg/logger"
)

const (
	// DefaultInterval Base 出块时间
	DefaultInterval = 12 * time.Second
	// DefaultDemoPrice 没有可用报价时的参考价
	DefaultDemoPrice = 3000.0

	lastBlockKey = "poller.last_block"
)

// Registry 轮询器用到的注册合约能力
type Registry interface {
	NextOrderID(ctx context.Context) (uint64, error)
	Order(ctx context.Context, id uint64) (*chain.RegistryOrder, error)
	CheckExecutable(ctx context.Context, id uint64, price *big.Int) (bool, error)
	ExecuteOrder(ctx context.Context, id uint64, price *big.Int) (*types.Receipt, error)
	SubscribeOrderCreated(ctx context.Context, sink chan<- types.Log) (ethereum.Subscription, error)
	FilterOrderCreated(ctx context.Context, fromBlock, toBlock uint64) ([]chain.OrderCreated, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// PriceSource 参考价来源
type PriceSource interface {
	PairRate(ctx context.Context, from, to string) (float64, error)
}

// StateStore 保存事件轮询进度（journal 的 keeper_state 表）
type StateStore interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
}

type Config struct {
	Interval     time.Duration
	DemoPrice    float64
	CheckTimeout time.Duration
}

// Poller 维护链上活跃订单集合，按固定节拍逐个检查谓词并执行
type Poller struct {
	cfg      Config
	registry Registry
	pools    *domain.PoolSet
	prices   PriceSource // 可选
	guard    *execution.LeaseGuard
	state    StateStore // 可选

	mu        sync.Mutex
	active    map[uint64]common.Hash // orderId -> poolId
	lastBlock uint64
	polling   bool // 订阅不可用，改为每拍 FilterLogs
}

func NewPoller(cfg Config, registry Registry, pools *domain.PoolSet, prices PriceSource, guard *execution.LeaseGuard, state StateStore) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.DemoPrice <= 0 {
		cfg.DemoPrice = DefaultDemoPrice
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 2 * time.Minute
	}
	return &Poller{
		cfg:      cfg,
		registry: registry,
		pools:    pools,
		prices:   prices,
		guard:    guard,
		state:    state,
		active:   make(map[uint64]common.Hash),
	}
}

// Run 启动：加载已有订单、开始监听新订单，然后按节拍检查，直到 ctx 取消
func (p *Poller) Run(ctx context.Context) {
	log := logger.WithField("component", "keeper")
	log.Infof("[poller] 启动: interval=%s demoPrice=%v", p.cfg.Interval, p.cfg.DemoPrice)

	if err := p.Seed(ctx); err != nil {
		log.Errorf("[poller] 加载已有订单失败: %v", err)
	}
	p.Watch(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Infof("[poller] 已停止")
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// Seed 遍历 [0, nextOrderId) 把 isActive 的订单加入集合
func (p *Poller) Seed(ctx context.Context) error {
	log := logger.WithField("component", "keeper")
	head, err := p.registry.BlockNumber(ctx)
	if err != nil {
		return err
	}
	next, err := p.registry.NextOrderID(ctx)
	if err != nil {
		return err
	}
	log.Infof("[poller] 加载订单 0..%d", next)
	for i := uint64(0); i < next; i++ {
		o, err := p.registry.Order(ctx, i)
		if err != nil {
			log.Warnf("[poller] 读取订单 #%d 失败: %v", i, err)
			continue
		}
		if o.IsActive {
			p.add(i, o.PoolID)
		}
	}

	if stored := p.loadLastBlock(ctx); stored > head {
		head = stored
	}
	p.mu.Lock()
	p.lastBlock = head
	n := len(p.active)
	p.mu.Unlock()
	log.Infof("[poller] ✅ 已加载 %d 个活跃订单", n)
	return nil
}

// Watch 订阅 OrderCreated；订阅失败或中断后改为在每拍轮询日志
func (p *Poller) Watch(ctx context.Context) {
	log := logger.WithField("component", "keeper")
	sink := make(chan types.Log, 64)
	sub, err := p.registry.SubscribeOrderCreated(ctx, sink)
	if err != nil {
		log.Warnf("[poller] 无法订阅 OrderCreated，改为轮询: %v", err)
		p.setPolling(true)
		return
	}
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				log.Warnf("[poller] 订阅中断，改为轮询: %v", err)
				p.setPolling(true)
				return
			case l := <-sink:
				ev, err := chain.ParseOrderCreated(l)
				if err != nil {
					continue
				}
				p.onCreated(ctx, ev)
			}
		}
	}()
}

func (p *Poller) setPolling(v bool) {
	p.mu.Lock()
	p.polling = v
	p.mu.Unlock()
}

func (p *Poller) onCreated(ctx context.Context, ev chain.OrderCreated) {
	logger.WithField("component", "keeper").Infof("[poller] 📝 新订单 #%d owner=%s pool=%s", ev.OrderID, ev.Owner.Hex(), ev.PoolID.Hex())
	p.add(ev.OrderID, ev.PoolID)
	if ev.BlockNumber > 0 {
		p.mu.Lock()
		advanced := ev.BlockNumber > p.lastBlock
		if advanced {
			p.lastBlock = ev.BlockNumber
		}
		p.mu.Unlock()
		if advanced {
			p.saveLastBlock(ctx, ev.BlockNumber)
		}
	}
}

// pollEvents 订阅不可用时从上次的区块继续查 OrderCreated
func (p *Poller) pollEvents(ctx context.Context) {
	log := logger.WithField("component", "keeper")
	head, err := p.registry.BlockNumber(ctx)
	if err != nil {
		log.Warnf("[poller] 查询区块高度失败: %v", err)
		return
	}
	p.mu.Lock()
	from := p.lastBlock + 1
	p.mu.Unlock()
	if head < from {
		return
	}
	events, err := p.registry.FilterOrderCreated(ctx, from, head)
	if err != nil {
		log.Warnf("[poller] 查询 OrderCreated 失败 [%d,%d]: %v", from, head, err)
		return
	}
	for _, ev := range events {
		p.add(ev.OrderID, ev.PoolID)
	}
	p.mu.Lock()
	p.lastBlock = head
	p.mu.Unlock()
	p.saveLastBlock(ctx, head)
}

func (p *Poller) loadLastBlock(ctx context.Context) uint64 {
	if p.state == nil {
		return 0
	}
	v, ok, err := p.state.GetState(ctx, lastBlockKey)
	if err != nil || !ok {
		return 0
	}
	n, _ := strconv.ParseUint(v, 10, 64)
	return n
}

func (p *Poller) saveLastBlock(ctx context.Context, n uint64) {
	if p.state == nil {
		return
	}
	if err := p.state.SetState(ctx, lastBlockKey, strconv.FormatUint(n, 10)); err != nil {
		logger.WithField("component", "keeper").Warnf("[poller] 保存区块进度失败: %v", err)
	}
}

func (p *Poller) add(id uint64, poolID common.Hash) {
	p.mu.Lock()
	p.active[id] = poolID
	metrics.PollerActive.Set(int64(len(p.active)))
	p.mu.Unlock()
}

func (p *Poller) remove(id uint64) {
	p.mu.Lock()
	delete(p.active, id)
	metrics.PollerActive.Set(int64(len(p.active)))
	p.mu.Unlock()
}

// Active 当前活跃订单 id（升序）
func (p *Poller) Active() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]uint64, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RunOnce 一个节拍：必要时补查事件，然后逐个检查活跃订单
func (p *Poller) RunOnce(ctx context.Context) {
	p.mu.Lock()
	polling := p.polling
	p.mu.Unlock()
	if polling {
		p.pollEvents(ctx)
	}

	ids := p.Active()
	if len(ids) == 0 {
		return
	}
	logger.WithField("component", "keeper").Debugf("[poller] 🔍 检查 %d 个订单", len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		p.checkAndExecute(ctx, id)
	}
}

func (p *Poller) checkAndExecute(ctx context.Context, id uint64) {
	log := logger.WithFields(map[string]interface{}{"component": "keeper", "order": id})
	lease, err := p.guard.TryAcquire(execution.ChainKey(id))
	if err != nil {
		if errors.Is(err, execution.ErrDuplicateInFlight) {
			metrics.DedupRejected.Add(1)
		}
		return
	}
	defer lease.Release()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.CheckTimeout)
	defer cancel()

	p.mu.Lock()
	poolID, ok := p.active[id]
	p.mu.Unlock()
	if !ok {
		return
	}

	metrics.PollerChecks.Add(1)
	price := p.ReferencePrice(ctx, poolID)
	executable, err := p.registry.CheckExecutable(ctx, id, price)
	if err != nil {
		p.handleError(id, err)
		return
	}
	if !executable {
		return
	}

	log.Infof("[poller] 🎯 订单 #%d 可执行，参考价 %s", id, decimal.NewFromBigInt(price, -18).String())
	receipt, err := p.registry.ExecuteOrder(ctx, id, price)
	if err != nil {
		p.handleError(id, err)
		return
	}
	p.remove(id)
	metrics.PollerExecutions.Add(1)
	log.Infof("[poller] ✅ 订单 #%d 已执行 tx=%s gasUsed=%d", id, receipt.TxHash.Hex(), receipt.GasUsed)
}

func (p *Poller) handleError(id uint64, err error) {
	log := logger.WithField("component", "keeper")
	switch chain.ClassifyRegistryError(err) {
	case chain.ReasonNotExecutable:
		// 条件未满足，正常情况
	case chain.ReasonNotActive:
		p.remove(id)
		log.Infof("[poller] ℹ️ 订单 #%d 已不再活跃", id)
	default:
		metrics.PollerErrors.Add(1)
		log.Errorf("[poller] ❌ 订单 #%d: %v", id, err)
	}
}

// ReferencePrice 由 poolId 找到配置的交易对，取两边中价值较高的代币以另一边计价，放大 1e18。
// 未知池子或报价失败时使用 DemoPrice。
func (p *Poller) ReferencePrice(ctx context.Context, poolID common.Hash) *big.Int {
	rate := p.cfg.DemoPrice
	if p.prices != nil && p.pools != nil {
		if t0, t1, ok := p.pools.PairByPoolID(poolID); ok {
			r, err := p.prices.PairRate(ctx, t0, t1)
			switch {
			case err != nil:
				metrics.OracleErrors.Add(1)
				logger.WithField("component", "keeper").Warnf("[poller] 获取 %s/%s 报价失败，使用默认参考价: %v", t0, t1, err)
			case r > 0:
				if r < 1 {
					r = 1 / r
				}
				rate = r
			}
		}
	}
	return ScalePrice(rate)
}

// ScalePrice 浮点价格 -> 18 位精度整数
func ScalePrice(v float64) *big.Int {
	return decimal.NewFromFloat(v).Shift(18).Truncate(0).BigInt()
}
