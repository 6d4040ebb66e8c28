package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/shadoworders/keeper/internal/domain"
)

// RegistryOrder orders(i) 的返回。价格/数量/方向在链上是密文句柄，这里只当作不透明数值。
type RegistryOrder struct {
	ID         uint64
	Owner      common.Address
	LimitPrice *big.Int
	Amount     *big.Int
	IsBuyOrder *big.Int
	IsActive   bool
	PoolID     common.Hash
	CreatedAt  *big.Int
}

// OrderInfo getOrderInfo 的返回
type OrderInfo struct {
	Owner     common.Address
	IsActive  bool
	PoolID    common.Hash
	CreatedAt *big.Int
}

// OrderCreated 事件
type OrderCreated struct {
	OrderID     uint64
	Owner       common.Address
	PoolID      common.Hash
	CreatedAt   *big.Int
	BlockNumber uint64
	TxHash      common.Hash
}

// RegistryClient 订单注册合约（hook）
type RegistryClient struct {
	sender  *Sender
	address common.Address
}

func NewRegistryClient(sender *Sender, address common.Address) *RegistryClient {
	return &RegistryClient{sender: sender, address: address}
}

func (r *RegistryClient) Address() common.Address { return r.address }

func (r *RegistryClient) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := registryABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("打包%s参数失败: %w", method, err)
	}
	out, err := r.sender.Call(ctx, r.address, data)
	if err != nil {
		return nil, fmt.Errorf("调用%s失败: %w", method, err)
	}
	vals, err := registryABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("解析%s结果失败: %w", method, err)
	}
	return vals, nil
}

func (r *RegistryClient) NextOrderID(ctx context.Context) (uint64, error) {
	vals, err := r.call(ctx, "nextOrderId")
	if err != nil {
		return 0, err
	}
	return vals[0].(*big.Int).Uint64(), nil
}

func (r *RegistryClient) Order(ctx context.Context, id uint64) (*RegistryOrder, error) {
	vals, err := r.call(ctx, "orders", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	return &RegistryOrder{
		ID:         id,
		Owner:      vals[0].(common.Address),
		LimitPrice: vals[1].(*big.Int),
		Amount:     vals[2].(*big.Int),
		IsBuyOrder: vals[3].(*big.Int),
		IsActive:   vals[4].(bool),
		PoolID:     common.Hash(vals[5].([32]byte)),
		CreatedAt:  vals[6].(*big.Int),
	}, nil
}

func (r *RegistryClient) OrderInfo(ctx context.Context, id uint64) (*OrderInfo, error) {
	vals, err := r.call(ctx, "getOrderInfo", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	return &OrderInfo{
		Owner:     vals[0].(common.Address),
		IsActive:  vals[1].(bool),
		PoolID:    common.Hash(vals[2].([32]byte)),
		CreatedAt: vals[3].(*big.Int),
	}, nil
}

func (r *RegistryClient) OrdersByOwner(ctx context.Context, owner common.Address) ([]uint64, error) {
	vals, err := r.call(ctx, "getOrdersByOwner", owner)
	if err != nil {
		return nil, err
	}
	ids := vals[0].([]*big.Int)
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.Uint64())
	}
	return out, nil
}

// CheckExecutable 用 eth_call 执行谓词，不上链。合约以 revert 表达“未到价”/“已失效”，
// 调用方用 ClassifyRegistryError 区分。
func (r *RegistryClient) CheckExecutable(ctx context.Context, id uint64, price *big.Int) (bool, error) {
	vals, err := r.call(ctx, "checkOrderExecutable", new(big.Int).SetUint64(id), price)
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

// ExecuteOrder 轮询器模式：由注册合约自己完成结算
func (r *RegistryClient) ExecuteOrder(ctx context.Context, id uint64, price *big.Int) (*types.Receipt, error) {
	data, err := registryABI.Pack("executeOrder", new(big.Int).SetUint64(id), price)
	if err != nil {
		return nil, fmt.Errorf("打包executeOrder参数失败: %w", err)
	}
	return r.sender.Send(ctx, TxRequest{Label: "executeOrder", To: r.address, Data: data, GasLimit: GasKeeperExecuteOrder})
}

// ExecuteOrderWithKey 结算流水线第一步（通知性质）
func (r *RegistryClient) ExecuteOrderWithKey(ctx context.Context, id uint64, key domain.PoolKey, price *big.Int, onSent func(common.Hash)) (*types.Receipt, error) {
	data, err := registryPoolKeyABI.Pack("executeOrder", new(big.Int).SetUint64(id), key.ABITuple(), price)
	if err != nil {
		return nil, fmt.Errorf("打包executeOrder参数失败: %w", err)
	}
	return r.sender.Send(ctx, TxRequest{Label: "executeOrder(poolKey)", To: r.address, Data: data, GasLimit: GasExecuteOrderAdvisory, OnSent: onSent})
}

// CreateOrder 参数是前端加密后的密文输入，keeper 不解析
func (r *RegistryClient) CreateOrder(ctx context.Context, key domain.PoolKey, encPrice, encAmount, encDirection []byte) (*types.Receipt, uint64, error) {
	data, err := registryABI.Pack("createOrder", key.ABITuple(), encPrice, encAmount, encDirection)
	if err != nil {
		return nil, 0, fmt.Errorf("打包createOrder参数失败: %w", err)
	}
	receipt, err := r.sender.Send(ctx, TxRequest{Label: "createOrder", To: r.address, Data: data})
	if err != nil {
		return receipt, 0, err
	}
	for _, l := range receipt.Logs {
		if ev, err := ParseOrderCreated(*l); err == nil && l.Address == r.address {
			return receipt, ev.OrderID, nil
		}
	}
	return receipt, 0, fmt.Errorf("createOrder: 回执中没有 OrderCreated 事件 tx=%s", receipt.TxHash.Hex())
}

func (r *RegistryClient) CancelOrder(ctx context.Context, id uint64) (*types.Receipt, error) {
	data, err := registryABI.Pack("cancelOrder", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, fmt.Errorf("打包cancelOrder参数失败: %w", err)
	}
	return r.sender.Send(ctx, TxRequest{Label: "cancelOrder", To: r.address, Data: data})
}

func (r *RegistryClient) orderCreatedQuery(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{r.address},
		Topics:    [][]common.Hash{{OrderCreatedTopic}},
	}
}

// SubscribeOrderCreated 订阅新订单事件（需要 websocket RPC）
func (r *RegistryClient) SubscribeOrderCreated(ctx context.Context, sink chan<- types.Log) (ethereum.Subscription, error) {
	return r.sender.Backend().SubscribeFilterLogs(ctx, r.orderCreatedQuery(nil, nil), sink)
}

// FilterOrderCreated 区间查询，订阅不可用时轮询使用
func (r *RegistryClient) FilterOrderCreated(ctx context.Context, fromBlock, toBlock uint64) ([]OrderCreated, error) {
	logs, err := r.sender.Backend().FilterLogs(ctx, r.orderCreatedQuery(
		new(big.Int).SetUint64(fromBlock), new(big.Int).SetUint64(toBlock)))
	if err != nil {
		return nil, err
	}
	out := make([]OrderCreated, 0, len(logs))
	for _, l := range logs {
		ev, err := ParseOrderCreated(l)
		if err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (r *RegistryClient) BlockNumber(ctx context.Context) (uint64, error) {
	return r.sender.Backend().BlockNumber(ctx)
}

// ParseOrderCreated orderId/owner/poolId 都在 indexed topics 中，createdAt 在 data 中
func ParseOrderCreated(l types.Log) (OrderCreated, error) {
	if len(l.Topics) < 4 || l.Topics[0] != OrderCreatedTopic {
		return OrderCreated{}, fmt.Errorf("not an OrderCreated log")
	}
	ev := OrderCreated{
		OrderID:     new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64(),
		Owner:       common.BytesToAddress(l.Topics[2].Bytes()),
		PoolID:      l.Topics[3],
		CreatedAt:   new(big.Int),
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash,
	}
	if len(l.Data) >= 32 {
		ev.CreatedAt.SetBytes(l.Data[:32])
	}
	return ev, nil
}
