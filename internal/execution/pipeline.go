package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/shadoworders/keeper/internal/chain"
	"github.com/shadoworders/keeper/internal/domain"
	"github.com/shadoworders/keeper/internal/journal"
	"github.com/shadoworders/keeper/internal/metrics"
	"github.com/shadoworders/keeper/pkg/logger"
)

// ErrInvalidRequest 请求本身不合法（未知代币、无池子、金额/地址错误），不会发送任何交易
var ErrInvalidRequest = errors.New("invalid execution request")

var errAwaitingReceipt = errors.New("previous transaction still pending, waiting for receipt")

// TokenOps ERC-20 写操作，全部以 keeper 身份发送
type TokenOps interface {
	TransferFrom(ctx context.Context, token, from common.Address, amount *big.Int, onSent func(common.Hash)) (*types.Receipt, error)
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int, onSent func(common.Hash)) (*types.Receipt, error)
	Transfer(ctx context.Context, token, to common.Address, amount *big.Int, onSent func(common.Hash)) (*types.Receipt, error)
}

type Venue interface {
	Address() common.Address
	Swap(ctx context.Context, key domain.PoolKey, params chain.SwapParams, onSent func(common.Hash)) (*types.Receipt, error)
}

type Registry interface {
	ExecuteOrderWithKey(ctx context.Context, id uint64, key domain.PoolKey, price *big.Int, onSent func(common.Hash)) (*types.Receipt, error)
}

// ReceiptReader 续做时按已记录的哈希对账；未上链返回 (nil, nil)
type ReceiptReader interface {
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

type Journal interface {
	Get(ctx context.Context, orderID string) (*journal.Settlement, error)
	Begin(ctx context.Context, s journal.Settlement) error
	RecordSubmitted(ctx context.Context, orderID string, step journal.Step, txHash string) error
	RecordConfirmed(ctx context.Context, orderID string, step journal.Step, txHash, output string) error
	Complete(ctx context.Context, orderID string, result json.RawMessage) error
}

// Request keeper 结算请求
type Request struct {
	OrderID        string  `json:"orderId,omitempty"`
	FromToken      string  `json:"fromToken"`
	ToToken        string  `json:"toToken"`
	Amount         string  `json:"amount"`
	OnChainOrderID *uint64 `json:"onChainOrderId,omitempty"`
	UserAddress    string  `json:"userAddress"`
}

// SettlementKey 结算幂等键；没有任何订单标识时返回空（不记日志、不去重）
func (r Request) SettlementKey() string {
	if id := strings.TrimSpace(r.OrderID); id != "" {
		return id
	}
	if r.OnChainOrderID != nil {
		return "onchain-" + strconv.FormatUint(*r.OnChainOrderID, 10)
	}
	return ""
}

// Result 字段名与前端既有的响应格式保持一致
type Result struct {
	Success           bool   `json:"success"`
	PullTxRef         string `json:"pullTxHash"`
	SwapTxRef         string `json:"swapTxHash"`
	TransferTxRef     string `json:"transferTxHash,omitempty"`
	ExecuteOrderTxRef string `json:"executeOrderTxHash,omitempty"`
	OutputAmount      string `json:"outputAmount"`
	OutputToken       string `json:"outputToken"`
	InputAmount       string `json:"inputAmount"`
	InputToken        string `json:"inputToken"`
	MultiHopLeg       bool   `json:"multiHopLeg,omitempty"`
	Resumed           bool   `json:"resumed,omitempty"`
	AlreadySettled    bool   `json:"alreadySettled,omitempty"`
}

// StepError 中止性失败：哪一步、原因
type StepError struct {
	Step journal.Step
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }
func (e *StepError) Cause() error  { return e.Err }

// ShortReason 给 UI 的简短原因：最内层错误信息，截断到 200 字符
func ShortReason(err error) string {
	if err == nil {
		return ""
	}
	msg := errors.Cause(err).Error()
	var se *StepError
	if errors.As(err, &se) {
		msg = string(se.Step) + ": " + errors.Cause(se.Err).Error()
	}
	if r := []rune(msg); len(r) > 200 {
		msg = string(r[:200])
	}
	return msg
}

type PipelineConfig struct {
	StepTimeout     time.Duration // 单步超时（含等待回执）
	ApproveHeadroom int64         // 授权额度 = amount * ApproveHeadroom
	ReconcileAfter  time.Duration // 已提交但查不到回执超过该时长，视为丢弃并重发
	DefaultAmount   string        // 请求未带 amount 时使用
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		StepTimeout:     2 * time.Minute,
		ApproveHeadroom: 2,
		ReconcileAfter:  15 * time.Minute,
		DefaultAmount:   "100",
	}
}

type PipelineDeps struct {
	Keeper   common.Address
	Tokens   *domain.TokenRegistry
	Pools    *domain.PoolSet
	TokenOps TokenOps
	Venue    Venue
	Registry Registry
	Receipts ReceiptReader
	Journal  Journal // 可选
	// ReferencePrice 第一步 executeOrder 使用的参考价（18 位精度）；nil 时为 1e18
	ReferencePrice func(ctx context.Context, from, to string) *big.Int
}

// Pipeline 一笔订单的结算：通知 -> 拉取 -> 授权 -> swap -> 日志求和 -> 转出。
// 流水线内部不重试；失败后由订单回到 pending 在后续节拍重新触发。
type Pipeline struct {
	cfg PipelineConfig
	PipelineDeps
}

func NewPipeline(cfg PipelineConfig, deps PipelineDeps) *Pipeline {
	def := DefaultPipelineConfig()
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.ApproveHeadroom <= 0 {
		cfg.ApproveHeadroom = def.ApproveHeadroom
	}
	if cfg.ReconcileAfter <= 0 {
		cfg.ReconcileAfter = def.ReconcileAfter
	}
	if cfg.DefaultAmount == "" {
		cfg.DefaultAmount = def.DefaultAmount
	}
	return &Pipeline{cfg: cfg, PipelineDeps: deps}
}

type plan struct {
	key    string
	route  domain.Route
	user   common.Address
	amount *big.Int
}

func (p *Pipeline) plan(req Request) (*plan, error) {
	if req.FromToken == "" || req.ToToken == "" || req.UserAddress == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "Missing fromToken, toToken, or userAddress")
	}
	if !common.IsHexAddress(req.UserAddress) {
		return nil, errors.Wrapf(ErrInvalidRequest, "invalid userAddress: %s", req.UserAddress)
	}
	route, err := p.Pools.Route(req.FromToken, req.ToToken)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidRequest, err.Error())
	}
	amountStr := strings.TrimSpace(req.Amount)
	if amountStr == "" {
		amountStr = p.cfg.DefaultAmount
	}
	amount, err := route.Input.ParseUnits(amountStr)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidRequest, err.Error())
	}
	if amount.Sign() <= 0 {
		return nil, errors.Wrap(ErrInvalidRequest, "amount must be positive")
	}
	return &plan{
		key:    req.SettlementKey(),
		route:  route,
		user:   common.HexToAddress(req.UserAddress),
		amount: amount,
	}, nil
}

// Execute 严格按顺序执行各步骤。第一步失败只记录日志；拉取、授权、swap 任一失败立即中止，
// 返回 *StepError。产出为 0 时跳过转出，整体仍视为成功。
func (p *Pipeline) Execute(ctx context.Context, req Request) (*Result, error) {
	pl, err := p.plan(req)
	if err != nil {
		return nil, err
	}
	log := logger.WithFields(map[string]interface{}{"component": "pipeline", "order": pl.key})
	metrics.PipelineRuns.Add(1)

	st, err := p.loadSettlement(ctx, pl)
	if err != nil {
		return nil, &StepError{Step: "journal", Err: err}
	}
	if st != nil && st.Status == journal.SettlementCompleted && len(st.Result) > 0 {
		var done Result
		if err := json.Unmarshal(st.Result, &done); err == nil {
			log.Infof("结算已完成，直接返回记录的结果 swap=%s", done.SwapTxRef)
			done.AlreadySettled = true
			return &done, nil
		}
	}
	resumed := st != nil && len(st.Steps) > 0
	if resumed {
		metrics.PipelineResumed.Add(1)
		if amt, ok := new(big.Int).SetString(st.InputAmount, 10); ok && amt.Sign() > 0 {
			pl.amount = amt
		}
		log.Infof("续做未完成的结算，已确认步骤会被跳过")
	}

	in, out := pl.route.Input, pl.route.Output
	res := &Result{
		InputToken:  req.FromToken,
		InputAmount: in.FormatUnits(pl.amount),
		OutputToken: out.Symbol,
		MultiHopLeg: pl.route.MultiHopLeg,
		Resumed:     resumed,
	}
	if pl.route.MultiHopLeg {
		log.Infof("没有 %s/%s 直连池，只执行第一跳 %s -> %s", req.FromToken, req.ToToken, req.FromToken, out.Symbol)
	}

	// Step 1: 注册合约 executeOrder（通知性质，失败继续）
	if req.OnChainOrderID != nil {
		if _, pulled := st.Confirmed(journal.StepPull); !pulled {
			res.ExecuteOrderTxRef = p.notifyRegistry(ctx, pl, *req.OnChainOrderID, st)
		}
	} else {
		log.Debugf("没有链上订单 id，跳过 executeOrder")
	}

	// Step 2: 从用户拉取输入代币
	log.Infof("Step 2: 拉取 %s %s", res.InputAmount, in.Symbol)
	pull, err := p.runStep(ctx, pl, st, journal.StepPull, nil, func(ctx context.Context, onSent func(common.Hash)) (*types.Receipt, error) {
		return p.TokenOps.TransferFrom(ctx, in.Address, pl.user, pl.amount, onSent)
	})
	if err != nil {
		return nil, err
	}
	res.PullTxRef = pull.TxHash

	// Step 3: 授权 venue（带余量）
	allowance := new(big.Int).Mul(pl.amount, big.NewInt(p.cfg.ApproveHeadroom))
	if _, err := p.runStep(ctx, pl, st, journal.StepApprove, nil, func(ctx context.Context, onSent func(common.Hash)) (*types.Receipt, error) {
		return p.TokenOps.Approve(ctx, in.Address, p.Venue.Address(), allowance, onSent)
	}); err != nil {
		return nil, err
	}

	// Step 4: 精确输入 swap，方向由地址排序决定
	zeroForOne := pl.route.Key.ZeroForOne(in.Address)
	outputOf := func(r *types.Receipt) *big.Int { return chain.ScanTransfers(r.Logs, out.Address, p.Keeper) }
	swap, err := p.runStep(ctx, pl, st, journal.StepSwap, outputOf, func(ctx context.Context, onSent func(common.Hash)) (*types.Receipt, error) {
		return p.Venue.Swap(ctx, pl.route.Key, chain.ExactInput(zeroForOne, pl.amount), onSent)
	})
	if err != nil {
		return nil, err
	}
	res.SwapTxRef = swap.TxHash

	// Step 5: 产出以 swap 回执中转给 keeper 的 Transfer 日志为准
	output, _ := new(big.Int).SetString(swap.Output, 10)
	if output == nil {
		output = new(big.Int)
	}
	res.OutputAmount = out.FormatUnits(output)
	if output.Sign() == 0 {
		metrics.ZeroOutputs.Add(1)
		log.Warnf("swap 日志中没有发现转给 keeper 的 %s，跳过转出", out.Symbol)
	} else {
		log.Infof("swap 产出 %s %s", res.OutputAmount, out.Symbol)
	}

	// Step 6: 转出给用户
	if output.Sign() > 0 {
		fwd, err := p.runStep(ctx, pl, st, journal.StepForward, nil, func(ctx context.Context, onSent func(common.Hash)) (*types.Receipt, error) {
			return p.TokenOps.Transfer(ctx, out.Address, pl.user, output, onSent)
		})
		if err != nil {
			return nil, err
		}
		res.TransferTxRef = fwd.TxHash
	}

	res.Success = true
	p.complete(ctx, pl, res)
	log.Infof("✅ 结算完成 swap=%s output=%s %s", res.SwapTxRef, res.OutputAmount, res.OutputToken)
	return res, nil
}

func (p *Pipeline) loadSettlement(ctx context.Context, pl *plan) (*journal.Settlement, error) {
	if p.Journal == nil || pl.key == "" {
		return nil, nil
	}
	st, err := p.Journal.Get(ctx, pl.key)
	if err != nil || st != nil {
		return st, err
	}
	err = p.Journal.Begin(ctx, journal.Settlement{
		OrderID:     pl.key,
		InputToken:  pl.route.Input.Symbol,
		OutputToken: pl.route.Output.Symbol,
		InputAmount: pl.amount.String(),
		UserAddress: pl.user.Hex(),
	})
	return nil, err
}

func (p *Pipeline) notifyRegistry(ctx context.Context, pl *plan, onChainID uint64, st *journal.Settlement) string {
	log := logger.WithField("component", "pipeline")
	price := big.NewInt(1e18)
	if p.ReferencePrice != nil {
		if v := p.ReferencePrice(ctx, pl.route.Input.Symbol, pl.route.Output.Symbol); v != nil && v.Sign() > 0 {
			price = v
		}
	}
	log.Infof("Step 1: executeOrder #%d", onChainID)
	rec, err := p.runStep(ctx, pl, st, journal.StepExecuteOrder, nil, func(ctx context.Context, onSent func(common.Hash)) (*types.Receipt, error) {
		return p.Registry.ExecuteOrderWithKey(ctx, onChainID, pl.route.Key, price, onSent)
	})
	if err != nil {
		metrics.AdvisoryFailures.Add(1)
		log.Warnf("executeOrder 失败（继续执行）: %s", ShortReason(err))
		return ""
	}
	return rec.TxHash
}

type sendFunc func(ctx context.Context, onSent func(common.Hash)) (*types.Receipt, error)

// runStep 执行单个链上步骤：
//   - 日志中已确认：直接跳过
//   - 已提交但未确认：先按哈希查回执对账，成功则视为完成
//   - 否则在单步超时内发送，广播后立即记录哈希，确认后记录结果
func (p *Pipeline) runStep(ctx context.Context, pl *plan, st *journal.Settlement, step journal.Step, outputOf func(*types.Receipt) *big.Int, send sendFunc) (journal.StepRecord, error) {
	if rec, ok := st.Confirmed(step); ok {
		return rec, nil
	}
	if rec, ok := p.reconcile(ctx, pl, st, step, outputOf); ok {
		return rec, nil
	} else if rec.TxHash != "" {
		return journal.StepRecord{}, &StepError{Step: step, Err: errors.Wrap(errAwaitingReceipt, rec.TxHash)}
	}

	stepCtx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
	defer cancel()
	onSent := func(h common.Hash) {
		if p.Journal != nil && pl.key != "" {
			if err := p.Journal.RecordSubmitted(ctx, pl.key, step, h.Hex()); err != nil {
				logger.WithField("component", "pipeline").Errorf("记录已提交交易失败 step=%s tx=%s: %v", step, h.Hex(), err)
			}
		}
	}
	receipt, err := send(stepCtx, onSent)
	if err != nil {
		return journal.StepRecord{}, &StepError{Step: step, Err: errors.Wrap(err, string(step))}
	}
	return p.confirm(ctx, pl, step, receipt, outputOf), nil
}

// reconcile 返回 ok=true 表示已提交的交易已成功上链；
// ok=false 且 rec.TxHash 非空表示交易仍在等待中，不能重发
func (p *Pipeline) reconcile(ctx context.Context, pl *plan, st *journal.Settlement, step journal.Step, outputOf func(*types.Receipt) *big.Int) (journal.StepRecord, bool) {
	if st == nil || p.Receipts == nil {
		return journal.StepRecord{}, false
	}
	rec, ok := st.Steps[step]
	if !ok || rec.Status != journal.StepSubmitted || rec.TxHash == "" {
		return journal.StepRecord{}, false
	}
	log := logger.WithField("component", "pipeline")
	receipt, err := p.Receipts.Receipt(ctx, common.HexToHash(rec.TxHash))
	switch {
	case err != nil:
		log.Warnf("查询回执失败 step=%s tx=%s: %v", step, rec.TxHash, err)
		return rec, false
	case receipt == nil:
		if time.Since(rec.UpdatedAt) < p.cfg.ReconcileAfter {
			return rec, false
		}
		log.Warnf("交易长时间未上链，视为丢弃并重发 step=%s tx=%s", step, rec.TxHash)
		return journal.StepRecord{}, false
	case receipt.Status != types.ReceiptStatusSuccessful:
		log.Warnf("之前提交的交易已 revert，重新发送 step=%s tx=%s", step, rec.TxHash)
		return journal.StepRecord{}, false
	}
	log.Infof("对账成功：之前提交的交易已上链 step=%s tx=%s", step, rec.TxHash)
	return p.confirm(ctx, pl, step, receipt, outputOf), true
}

func (p *Pipeline) confirm(ctx context.Context, pl *plan, step journal.Step, receipt *types.Receipt, outputOf func(*types.Receipt) *big.Int) journal.StepRecord {
	rec := journal.StepRecord{Step: step, Status: journal.StepConfirmed, TxHash: receipt.TxHash.Hex(), UpdatedAt: time.Now()}
	if outputOf != nil {
		rec.Output = outputOf(receipt).String()
	}
	if p.Journal != nil && pl.key != "" {
		if err := p.Journal.RecordConfirmed(ctx, pl.key, step, rec.TxHash, rec.Output); err != nil {
			logger.WithField("component", "pipeline").Errorf("记录已确认步骤失败 step=%s: %v", step, err)
		}
	}
	return rec
}

func (p *Pipeline) complete(ctx context.Context, pl *plan, res *Result) {
	if p.Journal == nil || pl.key == "" {
		return
	}
	b, err := json.Marshal(res)
	if err == nil {
		err = p.Journal.Complete(ctx, pl.key, b)
	}
	if err != nil {
		logger.WithField("component", "pipeline").Errorf("记录结算结果失败: %v", err)
	}
}
