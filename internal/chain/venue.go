package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/shadoworders/keeper/internal/domain"
)

// SwapParams 字段名与 ABI components 一一对应
type SwapParams struct {
	ZeroForOne        bool
	AmountSpecified   *big.Int
	SqrtPriceLimitX96 *big.Int
}

type TestSettings struct {
	TakeClaims      bool
	SettleUsingBurn bool
}

// ExactInput 精确输入：amountSpecified 为负数，价格限制取方向对应的极值
func ExactInput(zeroForOne bool, amount *big.Int) SwapParams {
	limit := MaxSqrtPriceLimit
	if zeroForOne {
		limit = MinSqrtPriceLimit
	}
	return SwapParams{
		ZeroForOne:        zeroForOne,
		AmountSpecified:   new(big.Int).Neg(amount),
		SqrtPriceLimitX96: new(big.Int).Set(limit),
	}
}

// VenueClient PoolSwapTest 路由合约
type VenueClient struct {
	sender  *Sender
	address common.Address
}

func NewVenueClient(sender *Sender, address common.Address) *VenueClient {
	return &VenueClient{sender: sender, address: address}
}

func (v *VenueClient) Address() common.Address { return v.address }

// PackSwap 导出供测试检查编码
func PackSwap(key domain.PoolKey, params SwapParams, settings TestSettings, hookData []byte) ([]byte, error) {
	if hookData == nil {
		hookData = []byte{}
	}
	return poolSwapTestABI.Pack("swap", key.ABITuple(), params, settings, hookData)
}

func (v *VenueClient) Swap(ctx context.Context, key domain.PoolKey, params SwapParams, onSent func(common.Hash)) (*types.Receipt, error) {
	data, err := PackSwap(key, params, TestSettings{}, nil)
	if err != nil {
		return nil, fmt.Errorf("打包swap参数失败: %w", err)
	}
	return v.sender.Send(ctx, TxRequest{Label: "swap", To: v.address, Data: data, GasLimit: GasSwap, OnSent: onSent})
}
