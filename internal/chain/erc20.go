package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TokenClient ERC-20 调用，写操作以 keeper 身份发送
type TokenClient struct {
	sender *Sender
}

func NewTokenClient(sender *Sender) *TokenClient {
	return &TokenClient{sender: sender}
}

func (c *TokenClient) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("打包balanceOf参数失败: %w", err)
	}
	out, err := c.sender.Call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("调用balanceOf失败: %w", err)
	}
	var balance *big.Int
	if err := erc20ABI.UnpackIntoInterface(&balance, "balanceOf", out); err != nil {
		return nil, fmt.Errorf("解析balanceOf结果失败: %w", err)
	}
	return balance, nil
}

func (c *TokenClient) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("打包allowance参数失败: %w", err)
	}
	out, err := c.sender.Call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("调用allowance失败: %w", err)
	}
	var allowance *big.Int
	if err := erc20ABI.UnpackIntoInterface(&allowance, "allowance", out); err != nil {
		return nil, fmt.Errorf("解析allowance结果失败: %w", err)
	}
	return allowance, nil
}

// TransferFrom 从 from 拉取 amount 到 keeper，依赖用户事先授予 keeper 的额度
func (c *TokenClient) TransferFrom(ctx context.Context, token, from common.Address, amount *big.Int, onSent func(common.Hash)) (*types.Receipt, error) {
	data, err := erc20ABI.Pack("transferFrom", from, c.sender.Address(), amount)
	if err != nil {
		return nil, fmt.Errorf("打包transferFrom参数失败: %w", err)
	}
	return c.sender.Send(ctx, TxRequest{Label: "transferFrom", To: token, Data: data, GasLimit: GasTransferFrom, OnSent: onSent})
}

func (c *TokenClient) Approve(ctx context.Context, token, spender common.Address, amount *big.Int, onSent func(common.Hash)) (*types.Receipt, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, fmt.Errorf("打包approve参数失败: %w", err)
	}
	return c.sender.Send(ctx, TxRequest{Label: "approve", To: token, Data: data, GasLimit: GasApprove, OnSent: onSent})
}

func (c *TokenClient) Transfer(ctx context.Context, token, to common.Address, amount *big.Int, onSent func(common.Hash)) (*types.Receipt, error) {
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("打包transfer参数失败: %w", err)
	}
	return c.sender.Send(ctx, TxRequest{Label: "transfer", To: token, Data: data, GasLimit: GasTransfer, OnSent: onSent})
}
