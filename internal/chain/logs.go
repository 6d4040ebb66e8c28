package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ScanTransfers 汇总 token 合约发出的、收款方为 recipient 的 Transfer 事件金额。
// swap 的产出以回执日志为准，不读余额（刚变更后的余额读取可能来自缓存）。
func ScanTransfers(logs []*types.Log, token, recipient common.Address) *big.Int {
	total := new(big.Int)
	want := common.BytesToHash(recipient.Bytes())
	for _, l := range logs {
		if l == nil || l.Removed || l.Address != token {
			continue
		}
		if len(l.Topics) < 3 || l.Topics[0] != TransferTopic || l.Topics[2] != want {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(l.Data))
	}
	return total
}
