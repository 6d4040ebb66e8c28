package domain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	DefaultFee         uint32 = 3000
	DefaultTickSpacing int32  = 60
)

// PoolKey 结算池标识（Uniswap v4 PoolKey）。
// 不变量：Currency0 < Currency1（按小写 hex 字典序），registry 和 pipeline 必须一致，否则结算会 revert。
type PoolKey struct {
	Currency0   common.Address `json:"currency0"`
	Currency1   common.Address `json:"currency1"`
	Fee         uint32         `json:"fee"`
	TickSpacing int32          `json:"tickSpacing"`
	Hooks       common.Address `json:"hooks"`
}

// NewPoolKey 规范化构造，a/b 的传入顺序不影响结果
func NewPoolKey(a, b common.Address, fee uint32, tickSpacing int32, hooks common.Address) PoolKey {
	c0, c1 := a, b
	if addressLess(b, a) {
		c0, c1 = b, a
	}
	return PoolKey{Currency0: c0, Currency1: c1, Fee: fee, TickSpacing: tickSpacing, Hooks: hooks}
}

func addressLess(a, b common.Address) bool {
	return strings.ToLower(a.Hex()) < strings.ToLower(b.Hex())
}

// ZeroForOne 输入代币是 currency0 时方向为 zeroForOne
func (k PoolKey) ZeroForOne(input common.Address) bool {
	return input == k.Currency0
}

// Contains 池子是否包含该代币
func (k PoolKey) Contains(token common.Address) bool {
	return token == k.Currency0 || token == k.Currency1
}

var poolKeyArgs = func() abi.Arguments {
	mustType := func(s string) abi.Type {
		t, err := abi.NewType(s, "", nil)
		if err != nil {
			panic(err)
		}
		return t
	}
	return abi.Arguments{
		{Type: mustType("address")},
		{Type: mustType("address")},
		{Type: mustType("uint24")},
		{Type: mustType("int24")},
		{Type: mustType("address")},
	}
}()

// ID PoolId = keccak256(abi.encode(key))
func (k PoolKey) ID() common.Hash {
	packed, err := poolKeyArgs.Pack(k.Currency0, k.Currency1, big.NewInt(int64(k.Fee)), big.NewInt(int64(k.TickSpacing)), k.Hooks)
	if err != nil {
		// 参数类型是固定的，走到这里说明代码写错了
		panic(fmt.Errorf("pack pool key: %w", err))
	}
	return crypto.Keccak256Hash(packed)
}

// ABITuple 用于 abi.Pack 的 tuple 形式（字段名需与 ABI components 对应）
type ABITuple struct {
	Currency0   common.Address
	Currency1   common.Address
	Fee         *big.Int
	TickSpacing *big.Int
	Hooks       common.Address
}

func (k PoolKey) ABITuple() ABITuple {
	return ABITuple{
		Currency0:   k.Currency0,
		Currency1:   k.Currency1,
		Fee:         big.NewInt(int64(k.Fee)),
		TickSpacing: big.NewInt(int64(k.TickSpacing)),
		Hooks:       k.Hooks,
	}
}

// PoolConfig 配置中的池子（按 symbol 描述）
type PoolConfig struct {
	Name        string `json:"name" yaml:"name"`
	Token0      string `json:"token0" yaml:"token0"`
	Token1      string `json:"token1" yaml:"token1"`
	Fee         uint32 `json:"fee" yaml:"fee"`
	TickSpacing int32  `json:"tickSpacing" yaml:"tick_spacing"`
}

// DefaultPools 以 mWETH 为枢纽的三个池子
func DefaultPools() []PoolConfig {
	return []PoolConfig{
		{Name: "usdc-weth", Token0: "mUSDC", Token1: "mWETH", Fee: DefaultFee, TickSpacing: DefaultTickSpacing},
		{Name: "weth-dai", Token0: "mWETH", Token1: "mDAI", Fee: DefaultFee, TickSpacing: DefaultTickSpacing},
		{Name: "wbtc-weth", Token0: "mWBTC", Token1: "mWETH", Fee: DefaultFee, TickSpacing: DefaultTickSpacing},
	}
}

// Route 一次结算要走的池子和实际产出代币
type Route struct {
	Key         PoolKey
	Input       TokenConfig
	Output      TokenConfig
	MultiHopLeg bool // true 表示没有直连池，只执行 from -> hub 第一跳
}

// PoolSet 已解析的池子集合
type PoolSet struct {
	tokens *TokenRegistry
	hooks  common.Address
	pools  []resolvedPool
}

type resolvedPool struct {
	cfg PoolConfig
	key PoolKey
}

func NewPoolSet(tokens *TokenRegistry, hooks common.Address, pools []PoolConfig) (*PoolSet, error) {
	ps := &PoolSet{tokens: tokens, hooks: hooks}
	for _, p := range pools {
		t0, err := tokens.Lookup(p.Token0)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", p.Name, err)
		}
		t1, err := tokens.Lookup(p.Token1)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", p.Name, err)
		}
		fee, spacing := p.Fee, p.TickSpacing
		if fee == 0 {
			fee = DefaultFee
		}
		if spacing == 0 {
			spacing = DefaultTickSpacing
		}
		ps.pools = append(ps.pools, resolvedPool{cfg: p, key: NewPoolKey(t0.Address, t1.Address, fee, spacing, hooks)})
	}
	return ps, nil
}

func (ps *PoolSet) find(a, b string) (PoolKey, bool) {
	for _, p := range ps.pools {
		if (p.cfg.Token0 == a && p.cfg.Token1 == b) || (p.cfg.Token0 == b && p.cfg.Token1 == a) {
			return p.key, true
		}
	}
	return PoolKey{}, false
}

// Route 直连池优先；否则两边都不是枢纽时走 from -> mWETH 第一跳
func (ps *PoolSet) Route(from, to string) (Route, error) {
	in, err := ps.tokens.Lookup(from)
	if err != nil {
		return Route{}, err
	}
	if _, err := ps.tokens.Lookup(to); err != nil {
		return Route{}, err
	}
	if key, ok := ps.find(from, to); ok {
		out, _ := ps.tokens.Lookup(to)
		return Route{Key: key, Input: in, Output: out}, nil
	}
	if from != HubToken && to != HubToken {
		if key, ok := ps.find(from, HubToken); ok {
			hub, err := ps.tokens.Lookup(HubToken)
			if err != nil {
				return Route{}, err
			}
			return Route{Key: key, Input: in, Output: hub, MultiHopLeg: true}, nil
		}
	}
	return Route{}, fmt.Errorf("%w: %s -> %s", ErrNoPool, from, to)
}

// PairByPoolID 通过 PoolId 反查 token0/token1 symbol
func (ps *PoolSet) PairByPoolID(id common.Hash) (string, string, bool) {
	for _, p := range ps.pools {
		if p.key.ID() == id {
			return p.cfg.Token0, p.cfg.Token1, true
		}
	}
	return "", "", false
}
