package chain

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// RegistryReason 注册合约谓词/执行错误的分类
type RegistryReason int

const (
	ReasonOther         RegistryReason = iota // 记录日志，下个周期重试
	ReasonNotExecutable                       // 未到价：正常情况，不记录
	ReasonNotActive                           // 已取消或已执行：从活跃集合移除
)

func (r RegistryReason) String() string {
	switch r {
	case ReasonNotExecutable:
		return "not_executable"
	case ReasonNotActive:
		return "not_active"
	default:
		return "other"
	}
}

var (
	selectorNotExecutable = hex.EncodeToString(crypto.Keccak256([]byte("OrderNotExecutable()"))[:4])
	selectorNotActive     = hex.EncodeToString(crypto.Keccak256([]byte("OrderNotActive()"))[:4])
)

// dataError 与 go-ethereum rpc.DataError 相同的方法集
type dataError interface {
	ErrorData() interface{}
}

// ClassifyRegistryError 先看 revert 数据中的自定义错误 selector，再退回到错误信息匹配
func ClassifyRegistryError(err error) RegistryReason {
	if err == nil {
		return ReasonOther
	}
	var de dataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			s = strings.TrimPrefix(strings.ToLower(s), "0x")
			switch {
			case strings.HasPrefix(s, selectorNotExecutable):
				return ReasonNotExecutable
			case strings.HasPrefix(s, selectorNotActive):
				return ReasonNotActive
			}
		}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "OrderNotExecutable"):
		return ReasonNotExecutable
	case strings.Contains(msg, "OrderNotActive"):
		return ReasonNotActive
	}
	return ReasonOther
}
