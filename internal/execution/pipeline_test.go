package execution

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadoworders/keeper/internal/chain"
	"github.com/shadoworders/keeper/internal/domain"
	"github.com/shadoworders/keeper/internal/journal"
)

var (
	keeperAddr = common.HexToAddress("0x5E48Fda9d06f646aa6Bc4714462Ecb21327bC30a")
	userAddr   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	venueAddr  = common.HexToAddress("0x8b5bcc363dde2614281ad875bad385e0a785d3b9")
	hookAddr   = common.HexToAddress("0x18a398ec7893303Ee3fe2d64D98Edd806C6D80c4")
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

// fakeChain 同时实现 TokenOps / Venue / Registry / ReceiptReader，按调用顺序记录
type fakeChain struct {
	mu       sync.Mutex
	calls    []string
	fail     map[string]error
	swapOut  []*big.Int
	outToken common.Address
	seq      int64
	receipts map[common.Hash]*types.Receipt

	approved  *big.Int
	swapped   chain.SwapParams
	forwarded *big.Int
}

func newFakeChain(outToken common.Address, outputs ...*big.Int) *fakeChain {
	return &fakeChain{
		fail:     map[string]error{},
		swapOut:  outputs,
		outToken: outToken,
		receipts: map[common.Hash]*types.Receipt{},
	}
}

func (f *fakeChain) send(name string, onSent func(common.Hash), logs []*types.Log) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if err := f.fail[name]; err != nil {
		return nil, err
	}
	f.seq++
	h := common.BigToHash(big.NewInt(f.seq))
	if onSent != nil {
		onSent(h)
	}
	r := &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: h, Logs: logs}
	f.receipts[h] = r
	return r, nil
}

func (f *fakeChain) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeChain) TransferFrom(_ context.Context, _, _ common.Address, _ *big.Int, onSent func(common.Hash)) (*types.Receipt, error) {
	return f.send("transferFrom", onSent, nil)
}

func (f *fakeChain) Approve(_ context.Context, _, _ common.Address, amount *big.Int, onSent func(common.Hash)) (*types.Receipt, error) {
	f.approved = amount
	return f.send("approve", onSent, nil)
}

func (f *fakeChain) Transfer(_ context.Context, _, _ common.Address, amount *big.Int, onSent func(common.Hash)) (*types.Receipt, error) {
	f.forwarded = amount
	return f.send("transfer", onSent, nil)
}

func (f *fakeChain) Address() common.Address { return venueAddr }

func (f *fakeChain) Swap(_ context.Context, _ domain.PoolKey, params chain.SwapParams, onSent func(common.Hash)) (*types.Receipt, error) {
	f.swapped = params
	var logs []*types.Log
	for _, amt := range f.swapOut {
		logs = append(logs, &types.Log{
			Address: f.outToken,
			Topics: []common.Hash{
				chain.TransferTopic,
				common.BytesToHash(hookAddr.Bytes()),
				common.BytesToHash(keeperAddr.Bytes()),
			},
			Data: common.LeftPadBytes(amt.Bytes(), 32),
		})
	}
	return f.send("swap", onSent, logs)
}

func (f *fakeChain) ExecuteOrderWithKey(_ context.Context, _ uint64, _ domain.PoolKey, _ *big.Int, onSent func(common.Hash)) (*types.Receipt, error) {
	return f.send("executeOrder", onSent, nil)
}

func (f *fakeChain) Receipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[h], nil
}

type fixture struct {
	tokens *domain.TokenRegistry
	pools  *domain.PoolSet
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	tokens, err := domain.NewTokenRegistry(domain.DefaultTokens())
	require.NoError(t, err)
	pools, err := domain.NewPoolSet(tokens, hookAddr, domain.DefaultPools())
	require.NoError(t, err)
	return fixture{tokens: tokens, pools: pools}
}

func (fx fixture) token(t *testing.T, sym string) domain.TokenConfig {
	t.Helper()
	tc, err := fx.tokens.Lookup(sym)
	require.NoError(t, err)
	return tc
}

func (fx fixture) pipeline(fc *fakeChain, j Journal) *Pipeline {
	deps := PipelineDeps{
		Keeper:   keeperAddr,
		Tokens:   fx.tokens,
		Pools:    fx.pools,
		TokenOps: fc,
		Venue:    fc,
		Registry: fc,
		Receipts: fc,
	}
	if j != nil {
		deps.Journal = j
	}
	return NewPipeline(DefaultPipelineConfig(), deps)
}

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func u64(v uint64) *uint64 { return &v }

func baseRequest() Request {
	return Request{
		OrderID:     "o-1",
		FromToken:   "mUSDC",
		ToToken:     "mWETH",
		Amount:      "100",
		UserAddress: userAddr.Hex(),
	}
}

func TestPipeline_SumsTransferLogsAndForwards(t *testing.T) {
	fx := newFixture(t)
	fc := newFakeChain(fx.token(t, "mWETH").Address, ether(60), ether(40))
	p := fx.pipeline(fc, nil)

	req := baseRequest()
	req.OnChainOrderID = u64(7)
	res, err := p.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{"executeOrder", "transferFrom", "approve", "swap", "transfer"}, fc.calls)
	assert.True(t, res.Success)
	assert.Equal(t, "100", res.OutputAmount)
	assert.Equal(t, "mWETH", res.OutputToken)
	assert.Equal(t, "100", res.InputAmount)
	assert.Equal(t, ether(100), fc.forwarded)
	assert.NotEmpty(t, res.ExecuteOrderTxRef)
	assert.NotEmpty(t, res.TransferTxRef)

	// 100 mUSDC = 100e6，授权 2 倍
	assert.Equal(t, big.NewInt(200_000_000), fc.approved)
	assert.Equal(t, big.NewInt(-100_000_000), fc.swapped.AmountSpecified)
	// mUSDC 地址小于 mWETH：zeroForOne，价格限制取下界
	assert.True(t, fc.swapped.ZeroForOne)
	assert.Equal(t, chain.MinSqrtPriceLimit, fc.swapped.SqrtPriceLimitX96)
}

func TestPipeline_AdvisoryFailureContinues(t *testing.T) {
	fx := newFixture(t)
	fc := newFakeChain(fx.token(t, "mWETH").Address, ether(1))
	fc.fail["executeOrder"] = errors.New("execution reverted: OrderNotExecutable")
	p := fx.pipeline(fc, nil)

	req := baseRequest()
	req.OnChainOrderID = u64(0)
	res, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, res.ExecuteOrderTxRef)
	assert.Equal(t, 1, fc.count("swap"))
	assert.Equal(t, 1, fc.count("transfer"))
}

func TestPipeline_SkipsAdvisoryWithoutOnChainID(t *testing.T) {
	fx := newFixture(t)
	fc := newFakeChain(fx.token(t, "mWETH").Address, ether(1))
	_, err := fx.pipeline(fc, nil).Execute(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, 0, fc.count("executeOrder"))
}

func TestPipeline_PullFailureAbortsBeforeSwap(t *testing.T) {
	fx := newFixture(t)
	fc := newFakeChain(fx.token(t, "mWETH").Address, ether(1))
	fc.fail["transferFrom"] = errors.New("ERC20: insufficient allowance")
	p := fx.pipeline(fc, nil)

	_, err := p.Execute(context.Background(), baseRequest())
	require.Error(t, err)

	var se *StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, journal.StepPull, se.Step)
	assert.Equal(t, "pull: ERC20: insufficient allowance", ShortReason(err))
	assert.Equal(t, 0, fc.count("approve"))
	assert.Equal(t, 0, fc.count("swap"))
	assert.Equal(t, 0, fc.count("transfer"))
}

func TestPipeline_SwapFailureAborts(t *testing.T) {
	fx := newFixture(t)
	fc := newFakeChain(fx.token(t, "mWETH").Address, ether(1))
	fc.fail["swap"] = chain.ErrReverted
	_, err := fx.pipeline(fc, nil).Execute(context.Background(), baseRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, chain.ErrReverted))
	assert.Equal(t, 0, fc.count("transfer"))
}

func TestPipeline_ZeroOutputSkipsForward(t *testing.T) {
	fx := newFixture(t)
	fc := newFakeChain(fx.token(t, "mWETH").Address)
	res, err := fx.pipeline(fc, nil).Execute(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "0", res.OutputAmount)
	assert.Empty(t, res.TransferTxRef)
	assert.Equal(t, 0, fc.count("transfer"))
}

func TestPipeline_MultiHopFirstLeg(t *testing.T) {
	fx := newFixture(t)
	fc := newFakeChain(fx.token(t, "mWETH").Address, ether(2))
	req := baseRequest()
	req.ToToken = "mDAI"
	res, err := fx.pipeline(fc, nil).Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.MultiHopLeg)
	assert.Equal(t, "mWETH", res.OutputToken)
	assert.Equal(t, "2", res.OutputAmount)
}

func TestPipeline_InvalidRequestSendsNothing(t *testing.T) {
	fx := newFixture(t)
	fc := newFakeChain(fx.token(t, "mWETH").Address)
	p := fx.pipeline(fc, nil)

	cases := []Request{
		{FromToken: "mUSDC", ToToken: "mWETH"},
		{FromToken: "XYZ", ToToken: "mWETH", UserAddress: userAddr.Hex()},
		{FromToken: "mUSDC", ToToken: "mWETH", UserAddress: "not-an-address"},
		{FromToken: "mUSDC", ToToken: "mWETH", UserAddress: userAddr.Hex(), Amount: "-5"},
		{FromToken: "mUSDC", ToToken: "mWETH", UserAddress: userAddr.Hex(), Amount: "0"},
	}
	for i, req := range cases {
		_, err := p.Execute(context.Background(), req)
		if !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("case %d: expected ErrInvalidRequest, got %v", i, err)
		}
	}
	assert.Empty(t, fc.calls)
}

func TestPipeline_ResumeSkipsConfirmedSteps(t *testing.T) {
	fx := newFixture(t)
	j := openJournal(t)
	fc := newFakeChain(fx.token(t, "mWETH").Address, ether(5))
	fc.fail["swap"] = errors.New("execution reverted")
	p := fx.pipeline(fc, j)

	_, err := p.Execute(context.Background(), baseRequest())
	require.Error(t, err)
	assert.Equal(t, 1, fc.count("transferFrom"))

	// 重试：拉取与授权已确认，不能再次拉取用户资金
	delete(fc.fail, "swap")
	res, err := p.Execute(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, 1, fc.count("transferFrom"))
	assert.Equal(t, 1, fc.count("approve"))
	assert.Equal(t, 2, fc.count("swap"))
	assert.Equal(t, "5", res.OutputAmount)
	assert.NotEmpty(t, res.PullTxRef)

	// 已完成：直接返回记录的结果，不发送任何交易
	before := len(fc.calls)
	again, err := p.Execute(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.True(t, again.AlreadySettled)
	assert.Equal(t, res.SwapTxRef, again.SwapTxRef)
	assert.Len(t, fc.calls, before)
}

func TestPipeline_ReconcilesSubmittedPull(t *testing.T) {
	fx := newFixture(t)
	j := openJournal(t)
	fc := newFakeChain(fx.token(t, "mWETH").Address, ether(1))
	ctx := context.Background()

	// 模拟上次进程在拉取交易广播后、拿到回执前崩溃
	landed, err := fc.TransferFrom(ctx, common.Address{}, userAddr, big.NewInt(1), nil)
	require.NoError(t, err)
	require.NoError(t, j.Begin(ctx, journal.Settlement{OrderID: "o-1", InputToken: "mUSDC", OutputToken: "mWETH", InputAmount: "100000000", UserAddress: userAddr.Hex()}))
	require.NoError(t, j.RecordSubmitted(ctx, "o-1", journal.StepPull, landed.TxHash.Hex()))

	res, err := fx.pipeline(fc, j).Execute(ctx, baseRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, fc.count("transferFrom"))
	assert.Equal(t, landed.TxHash.Hex(), res.PullTxRef)
}

func TestPipeline_PendingSubmittedTxBlocksResend(t *testing.T) {
	fx := newFixture(t)
	j := openJournal(t)
	fc := newFakeChain(fx.token(t, "mWETH").Address, ether(1))
	ctx := context.Background()

	require.NoError(t, j.Begin(ctx, journal.Settlement{OrderID: "o-1", InputToken: "mUSDC", OutputToken: "mWETH", InputAmount: "100000000", UserAddress: userAddr.Hex()}))
	require.NoError(t, j.RecordSubmitted(ctx, "o-1", journal.StepPull, common.HexToHash("0xdead").Hex()))

	_, err := fx.pipeline(fc, j).Execute(ctx, baseRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errAwaitingReceipt))
	assert.Equal(t, 0, fc.count("transferFrom"))
}

func TestRequest_SettlementKey(t *testing.T) {
	assert.Equal(t, "o-1", Request{OrderID: " o-1 "}.SettlementKey())
	assert.Equal(t, "onchain-3", Request{OnChainOrderID: u64(3)}.SettlementKey())
	assert.Equal(t, "", Request{}.SettlementKey())
}
