package domain

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addrA = common.HexToAddress("0xAA00000000000000000000000000000000000001")
	addrB = common.HexToAddress("0xBB00000000000000000000000000000000000002")
	hooks = common.HexToAddress("0x18a398ec7893303Ee3fe2d64D98Edd806C6D80c4")
)

func TestNewPoolKey_CanonicalOrder(t *testing.T) {
	k1 := NewPoolKey(addrA, addrB, DefaultFee, DefaultTickSpacing, hooks)
	k2 := NewPoolKey(addrB, addrA, DefaultFee, DefaultTickSpacing, hooks)

	assert.Equal(t, addrA, k1.Currency0)
	assert.Equal(t, addrB, k1.Currency1)
	assert.Equal(t, k1, k2)
	assert.Equal(t, k1.ID(), k2.ID())

	assert.True(t, k1.ZeroForOne(addrA))
	assert.False(t, k1.ZeroForOne(addrB))
}

func TestNewPoolKey_MixedCaseAddresses(t *testing.T) {
	// 校验和地址大小写混杂，比较必须按小写进行
	usdc := common.HexToAddress("0x0e89F47C600bd253838F052795ca5dC41B932115")
	weth := common.HexToAddress("0x249518Cf9609378c6aF940C9FB8E31b42738aC31")
	k := NewPoolKey(weth, usdc, DefaultFee, DefaultTickSpacing, hooks)
	assert.Equal(t, usdc, k.Currency0)
	assert.Equal(t, weth, k.Currency1)
}

func TestPoolKey_IDDependsOnFields(t *testing.T) {
	k := NewPoolKey(addrA, addrB, DefaultFee, DefaultTickSpacing, hooks)
	other := k
	other.Fee = 500
	assert.NotEqual(t, k.ID(), other.ID())
	assert.NotEqual(t, common.Hash{}, k.ID())
}

func TestTokenConfig_Units(t *testing.T) {
	usdc := TokenConfig{Symbol: "mUSDC", Address: addrA, Decimals: 6}

	v, err := usdc.ParseUnits("100.5")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100_500_000), v)
	assert.Equal(t, "100.5", usdc.FormatUnits(v))

	// 超出精度的部分截断
	v, err = usdc.ParseUnits("0.0000019")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1), v)

	_, err = usdc.ParseUnits("abc")
	assert.Error(t, err)
	_, err = usdc.ParseUnits("-1")
	assert.Error(t, err)
}

func TestPoolSet_Route(t *testing.T) {
	tokens, err := NewTokenRegistry(DefaultTokens())
	require.NoError(t, err)
	ps, err := NewPoolSet(tokens, hooks, DefaultPools())
	require.NoError(t, err)

	r, err := ps.Route("mUSDC", "mWETH")
	require.NoError(t, err)
	assert.False(t, r.MultiHopLeg)
	assert.Equal(t, "mWETH", r.Output.Symbol)

	// 没有 USDC/DAI 直连池：只走第一跳到 mWETH
	r, err = ps.Route("mUSDC", "mDAI")
	require.NoError(t, err)
	assert.True(t, r.MultiHopLeg)
	assert.Equal(t, "mWETH", r.Output.Symbol)
	assert.True(t, r.Key.Contains(r.Input.Address))

	_, err = ps.Route("mUSDC", "XYZ")
	assert.True(t, errors.Is(err, ErrUnknownToken))

	t0, t1, ok := ps.PairByPoolID(r.Key.ID())
	require.True(t, ok)
	assert.Equal(t, "mUSDC", t0)
	assert.Equal(t, "mWETH", t1)
}

func TestTokenRegistry_RejectsDuplicates(t *testing.T) {
	_, err := NewTokenRegistry([]TokenConfig{
		{Symbol: "X", Address: addrA, Decimals: 6},
		{Symbol: "X", Address: addrB, Decimals: 6},
	})
	assert.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		ok       bool
	}{
		{OrderStatusPending, OrderStatusExecuting, true},
		{OrderStatusPending, OrderStatusExecuted, false},
		{OrderStatusExecuting, OrderStatusExecuted, true},
		{OrderStatusExecuting, OrderStatusPending, true},
		{OrderStatusExecuted, OrderStatusPending, false},
		{OrderStatusExecuted, OrderStatusExecuting, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestOrder_DisplayStatusAndDirection(t *testing.T) {
	o := &Order{StartPrice: 100, LimitPrice: 90, Status: OrderStatusPending}
	assert.Equal(t, DirectionFalling, o.Direction())
	assert.Equal(t, OrderStatusPending, o.DisplayStatus())

	o.LastError = "pull: execution reverted"
	assert.Equal(t, OrderStatusFailed, o.DisplayStatus())

	o.CurrentObservedPrice = 95
	assert.InDelta(t, 0.5, o.Progress(), 1e-9)
}
