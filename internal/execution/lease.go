package execution

import (
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDuplicateInFlight 同一 key 已有未过期的租约：同一订单不允许两条结算同时进行
var ErrDuplicateInFlight = errors.New("duplicate in-flight")

var errEmptyLeaseKey = errors.New("lease key is empty")

// DefaultLeaseTTL 必须大于一次完整结算（所有步骤超时之和），否则租约会在结算中途过期
const DefaultLeaseTTL = 10 * time.Minute

// LeaseGuard 订单级别的 in-flight 租约。
// 获取后只在终态（成功或中止）时释放；进程内崩溃的结算依靠 TTL 过期回收。
type LeaseGuard struct {
	ttl    time.Duration
	now    func() time.Time
	gen    atomic.Uint64
	shards []leaseShard
}

type leaseShard struct {
	mu sync.Mutex
	m  map[string]leaseEntry
}

type leaseEntry struct {
	gen       uint64
	expiresAt time.Time
}

// Lease 持有中的租约
type Lease struct {
	guard *LeaseGuard
	key   string
	gen   uint64
	once  sync.Once
}

func NewLeaseGuard(ttl time.Duration, shardCount int) *LeaseGuard {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if shardCount <= 0 {
		shardCount = 16
	}
	shards := make([]leaseShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[string]leaseEntry)
	}
	return &LeaseGuard{ttl: ttl, now: time.Now, shards: shards}
}

// OrderKey 本地跟踪订单的租约 key
func OrderKey(orderID string) string { return "order:" + orderID }

// ChainKey 轮询器对链上订单 id 使用的租约 key
func ChainKey(id uint64) string { return "chain:" + strconv.FormatUint(id, 10) }

// TryAcquire 检查与占用在同一把锁内完成
func (g *LeaseGuard) TryAcquire(key string) (*Lease, error) {
	if key == "" {
		return nil, errEmptyLeaseKey
	}
	now := g.now()
	sh := g.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// 惰性清理本 shard 的过期项
	for k, e := range sh.m {
		if !e.expiresAt.After(now) {
			delete(sh.m, k)
		}
	}
	if _, ok := sh.m[key]; ok {
		return nil, ErrDuplicateInFlight
	}
	gen := g.gen.Add(1)
	sh.m[key] = leaseEntry{gen: gen, expiresAt: now.Add(g.ttl)}
	return &Lease{guard: g, key: key, gen: gen}, nil
}

// Held key 当前是否有未过期的租约
func (g *LeaseGuard) Held(key string) bool {
	sh := g.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	return ok && e.expiresAt.After(g.now())
}

// SettlementKeys 一笔结算需要占用的全部 key：本地 id 和链上 id 都要锁住，
// 这样轮询器对同一链上订单的 executeOrder 不会与流水线并行
func SettlementKeys(orderID string, onChainID *uint64) []string {
	var keys []string
	if orderID != "" {
		keys = append(keys, OrderKey(orderID))
	}
	if onChainID != nil {
		keys = append(keys, ChainKey(*onChainID))
	}
	return keys
}

// LeaseSet 一组同时持有的租约
type LeaseSet []*Lease

// TryAcquireAll 全部拿到才成功；任一 key 冲突时释放已拿到的部分
func (g *LeaseGuard) TryAcquireAll(keys ...string) (LeaseSet, error) {
	if len(keys) == 0 {
		return nil, errEmptyLeaseKey
	}
	set := make(LeaseSet, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		l, err := g.TryAcquire(k)
		if err != nil {
			set.Release()
			return nil, err
		}
		set = append(set, l)
	}
	return set, nil
}

func (s LeaseSet) Release() {
	for _, l := range s {
		l.Release()
	}
}

func (l *Lease) Key() string { return l.key }

// Release 只有当 key 仍被本租约持有时才删除：过期后被别人重新获取的 key 不会被旧持有者释放。
// 重复调用安全。
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		sh := l.guard.shard(l.key)
		sh.mu.Lock()
		if e, ok := sh.m[l.key]; ok && e.gen == l.gen {
			delete(sh.m, l.key)
		}
		sh.mu.Unlock()
	})
}

func (g *LeaseGuard) shard(key string) *leaseShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &g.shards[h.Sum32()%uint32(len(g.shards))]
}
