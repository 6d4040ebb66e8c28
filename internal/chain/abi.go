package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// ERC20ABI 结算用到的 ERC-20 方法
const ERC20ABI = `[
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

const poolKeyComponents = `[
	{"name":"currency0","type":"address"},
	{"name":"currency1","type":"address"},
	{"name":"fee","type":"uint24"},
	{"name":"tickSpacing","type":"int24"},
	{"name":"hooks","type":"address"}
]`

// PoolSwapTestABI 测试路由合约的 swap
const PoolSwapTestABI = `[
	{"inputs":[
		{"name":"key","type":"tuple","components":` + poolKeyComponents + `},
		{"name":"params","type":"tuple","components":[
			{"name":"zeroForOne","type":"bool"},
			{"name":"amountSpecified","type":"int256"},
			{"name":"sqrtPriceLimitX96","type":"uint160"}
		]},
		{"name":"testSettings","type":"tuple","components":[
			{"name":"takeClaims","type":"bool"},
			{"name":"settleUsingBurn","type":"bool"}
		]},
		{"name":"hookData","type":"bytes"}
	],"name":"swap","outputs":[{"name":"delta","type":"int256"}],"stateMutability":"payable","type":"function"}
]`

// RegistryABI 订单注册合约（hook）。executeOrder 带 poolKey 的重载单独放在 RegistryPoolKeyABI。
const RegistryABI = `[
	{"inputs":[
		{"name":"poolKey","type":"tuple","components":` + poolKeyComponents + `},
		{"name":"limitPriceInput","type":"bytes"},
		{"name":"amountInput","type":"bytes"},
		{"name":"isBuyOrderInput","type":"bytes"}
	],"name":"createOrder","outputs":[{"name":"orderId","type":"uint256"}],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"orderId","type":"uint256"}],"name":"cancelOrder","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"orderId","type":"uint256"},{"name":"currentPrice","type":"uint256"}],"name":"checkOrderExecutable","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"orderId","type":"uint256"},{"name":"currentPrice","type":"uint256"}],"name":"executeOrder","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"","type":"uint256"}],"name":"orders","outputs":[
		{"name":"owner","type":"address"},
		{"name":"limitPrice","type":"uint256"},
		{"name":"amount","type":"uint256"},
		{"name":"isBuyOrder","type":"uint256"},
		{"name":"isActive","type":"bool"},
		{"name":"poolId","type":"bytes32"},
		{"name":"createdAt","type":"uint256"}
	],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"orderId","type":"uint256"}],"name":"getOrderInfo","outputs":[
		{"name":"owner","type":"address"},
		{"name":"isActive","type":"bool"},
		{"name":"poolId","type":"bytes32"},
		{"name":"createdAt","type":"uint256"}
	],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"owner","type":"address"}],"name":"getOrdersByOwner","outputs":[{"name":"","type":"uint256[]"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"nextOrderId","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"keeper","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"orderId","type":"uint256"},
		{"indexed":true,"name":"owner","type":"address"},
		{"indexed":true,"name":"poolId","type":"bytes32"},
		{"indexed":false,"name":"createdAt","type":"uint256"}
	],"name":"OrderCreated","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"orderId","type":"uint256"},
		{"indexed":true,"name":"owner","type":"address"}
	],"name":"OrderCancelled","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"orderId","type":"uint256"},
		{"indexed":true,"name":"owner","type":"address"},
		{"indexed":true,"name":"executor","type":"address"},
		{"indexed":false,"name":"executionPrice","type":"uint256"},
		{"indexed":false,"name":"keeperFee","type":"uint256"}
	],"name":"OrderExecuted","type":"event"}
]`

// RegistryPoolKeyABI 结算流水线第一步使用的 executeOrder(orderId, poolKey, currentPrice)
const RegistryPoolKeyABI = `[
	{"inputs":[
		{"name":"orderId","type":"uint256"},
		{"name":"poolKey","type":"tuple","components":` + poolKeyComponents + `},
		{"name":"currentPrice","type":"uint256"}
	],"name":"executeOrder","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var (
	erc20ABI           = mustParseABI(ERC20ABI)
	poolSwapTestABI    = mustParseABI(PoolSwapTestABI)
	registryABI        = mustParseABI(RegistryABI)
	registryPoolKeyABI = mustParseABI(RegistryPoolKeyABI)

	// TransferTopic keccak256("Transfer(address,address,uint256)")
	TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	// OrderCreatedTopic keccak256("OrderCreated(uint256,address,bytes32,uint256)")
	OrderCreatedTopic = crypto.Keccak256Hash([]byte("OrderCreated(uint256,address,bytes32,uint256)"))
)

// swap 价格限制：接受任意成交价（订单自身的限价已经在入场时把关）
var (
	MinSqrtPriceLimit = new(big.Int).Add(big.NewInt(4295128739), big.NewInt(1))
	MaxSqrtPriceLimit = func() *big.Int {
		v, _ := new(big.Int).SetString("1461446703485210103287273052203988822378723970342", 10)
		return v.Sub(v, big.NewInt(1))
	}()
)

// 固定 gas 上限，与前端原有的结算参数一致
const (
	GasExecuteOrderAdvisory uint64 = 800_000
	GasKeeperExecuteOrder   uint64 = 500_000
	GasTransferFrom         uint64 = 100_000
	GasApprove              uint64 = 60_000
	GasSwap                 uint64 = 1_000_000
	GasTransfer             uint64 = 100_000
)

func mustParseABI(def string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("chain: invalid abi: " + err.Error())
	}
	return a
}
