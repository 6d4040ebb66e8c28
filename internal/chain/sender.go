package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/shadoworders/keeper/internal/metrics"
	"github.com/shadoworders/keeper/pkg/logger"
)

// ErrReverted 交易已上链但执行失败（receipt.status == 0）
var ErrReverted = errors.New("transaction reverted")

// Backend keeper 用到的 RPC 能力，*ethclient.Client 满足该接口
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// TxRequest 一笔待发送的合约调用
type TxRequest struct {
	Label    string // 日志用
	To       common.Address
	Data     []byte
	GasLimit uint64 // 0 表示估算
	// OnSent 交易广播成功后、等待回执前回调，用于记录已提交的交易哈希
	OnSent func(hash common.Hash)
}

// Sender keeper 唯一的签名身份。所有发送经同一把锁串行化，nonce 在本地递增，
// 锁一直持有到拿到回执为止，因此同一身份不会有两笔交易并发争用 nonce。
type Sender struct {
	mu          sync.Mutex
	backend     Backend
	key         *ecdsa.PrivateKey
	from        common.Address
	signer      types.Signer
	nonce       uint64
	nonceKnown  bool
	maxAttempts int
	retryDelay  time.Duration
}

func NewSender(backend Backend, key *ecdsa.PrivateKey, chainID *big.Int, maxAttempts int) *Sender {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Sender{
		backend:     backend,
		key:         key,
		from:        crypto.PubkeyToAddress(key.PublicKey),
		signer:      types.LatestSignerForChainID(chainID),
		maxAttempts: maxAttempts,
		retryDelay:  time.Second,
	}
}

func (s *Sender) Address() common.Address { return s.from }

func (s *Sender) Backend() Backend { return s.backend }

// Send 签名、广播并等待回执。回执 status 为 0 时返回包装了 ErrReverted 的错误（同时返回回执）。
func (s *Sender) Send(ctx context.Context, req TxRequest) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := logger.WithField("component", "chain")
	tx, err := s.broadcastLocked(ctx, req)
	if err != nil {
		return nil, err
	}
	metrics.TxSent.Add(1)
	log.Infof("[%s] 已发送 tx=%s nonce=%d", req.Label, tx.Hash().Hex(), tx.Nonce())
	if req.OnSent != nil {
		req.OnSent(tx.Hash())
	}

	receipt, err := bind.WaitMined(ctx, s.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("%s: 等待回执失败 tx=%s: %w", req.Label, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		metrics.TxReverted.Add(1)
		return receipt, fmt.Errorf("%s: tx=%s: %w", req.Label, tx.Hash().Hex(), ErrReverted)
	}
	log.Infof("[%s] 已确认 tx=%s block=%v gasUsed=%d", req.Label, tx.Hash().Hex(), receipt.BlockNumber, receipt.GasUsed)
	return receipt, nil
}

func (s *Sender) broadcastLocked(ctx context.Context, req TxRequest) (*types.Transaction, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.retryDelay * time.Duration(attempt-1)):
			}
		}

		tx, err := s.buildLocked(ctx, req)
		if err != nil {
			// 估算 gas 失败通常是合约会 revert，不重试
			return nil, err
		}
		err = s.backend.SendTransaction(ctx, tx)
		if err == nil || isAlreadyKnown(err) {
			s.nonce++
			return tx, nil
		}
		lastErr = err
		switch {
		case isNonceError(err):
			logger.WithField("component", "chain").Warnf("[%s] nonce 冲突，重新同步: %v", req.Label, err)
			s.nonceKnown = false
		case isTransient(err):
			logger.WithField("component", "chain").Warnf("[%s] 发送失败，第 %d/%d 次: %v", req.Label, attempt, s.maxAttempts, err)
		default:
			return nil, fmt.Errorf("%s: 发送交易失败: %w", req.Label, err)
		}
	}
	return nil, fmt.Errorf("%s: 发送交易失败（已重试 %d 次）: %w", req.Label, s.maxAttempts, lastErr)
}

func (s *Sender) buildLocked(ctx context.Context, req TxRequest) (*types.Transaction, error) {
	if !s.nonceKnown {
		n, err := s.backend.PendingNonceAt(ctx, s.from)
		if err != nil {
			return nil, fmt.Errorf("获取nonce失败: %w", err)
		}
		s.nonce, s.nonceKnown = n, true
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取gas价格失败: %w", err)
	}
	gasLimit := req.GasLimit
	if gasLimit == 0 {
		est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &req.To, Data: req.Data})
		if err != nil {
			return nil, fmt.Errorf("%s: 估算gas失败: %w", req.Label, err)
		}
		gasLimit = est * 12 / 10
	}
	to := req.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    s.nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     req.Data,
	})
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	return signed, nil
}

// Call 只读调用（eth_call），from 为 keeper 地址
func (s *Sender) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return s.backend.CallContract(ctx, ethereum.CallMsg{From: s.from, To: &to, Data: data}, nil)
}

// Receipt 查询已提交交易的回执；尚未上链返回 (nil, nil)
func (s *Sender) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	r, err := s.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

func isAlreadyKnown(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already known")
}

func isNonceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "replacement transaction underpriced")
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"timeout", "connection refused", "connection reset", "eof", "too many requests", "429", "502", "503", "temporarily unavailable"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
