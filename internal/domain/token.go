package domain

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownToken = errors.New("unknown token")
	ErrNoPool       = errors.New("no pool for token pair")
)

// HubToken 所有池子都以 mWETH 为枢纽
const HubToken = "mWETH"

// TokenConfig 单个代币配置
type TokenConfig struct {
	Symbol      string         `json:"symbol"`
	Address     common.Address `json:"address"`
	Decimals    int32          `json:"decimals"`
	CoingeckoID string         `json:"coingeckoId,omitempty"`
}

// ParseUnits 人类可读数量 -> 最小单位（截断多余精度）
func (t TokenConfig) ParseUnits(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative: %s", amount)
	}
	return d.Shift(t.Decimals).Truncate(0).BigInt(), nil
}

// FormatUnits 最小单位 -> 人类可读数量
func (t TokenConfig) FormatUnits(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -t.Decimals).String()
}

// TokenRegistry symbol -> TokenConfig，加载后只读，可并发访问
type TokenRegistry struct {
	bySymbol  map[string]TokenConfig
	byAddress map[common.Address]TokenConfig
}

func NewTokenRegistry(tokens []TokenConfig) (*TokenRegistry, error) {
	r := &TokenRegistry{
		bySymbol:  make(map[string]TokenConfig, len(tokens)),
		byAddress: make(map[common.Address]TokenConfig, len(tokens)),
	}
	for _, t := range tokens {
		if t.Symbol == "" {
			return nil, fmt.Errorf("token symbol is empty (address=%s)", t.Address.Hex())
		}
		if t.Address == (common.Address{}) {
			return nil, fmt.Errorf("token %s: address is empty", t.Symbol)
		}
		if _, dup := r.bySymbol[t.Symbol]; dup {
			return nil, fmt.Errorf("duplicate token symbol: %s", t.Symbol)
		}
		r.bySymbol[t.Symbol] = t
		r.byAddress[t.Address] = t
	}
	return r, nil
}

// DefaultTokens Base Sepolia 上部署的 mock 代币
func DefaultTokens() []TokenConfig {
	return []TokenConfig{
		{Symbol: "mUSDC", Address: common.HexToAddress("0x0e89F47C600bd253838F052795ca5dC41B932115"), Decimals: 6, CoingeckoID: "usd-coin"},
		{Symbol: "mDAI", Address: common.HexToAddress("0x78176aBA471cD5D5e4994907C2D0b9650bd48d58"), Decimals: 18, CoingeckoID: "dai"},
		{Symbol: "mWBTC", Address: common.HexToAddress("0x21C40b2865699F05A8aFBc59230939dD88B589aC"), Decimals: 8, CoingeckoID: "wrapped-bitcoin"},
		{Symbol: "mWETH", Address: common.HexToAddress("0x249518Cf9609378c6aF940C9FB8E31b42738aC31"), Decimals: 18, CoingeckoID: "ethereum"},
	}
}

func (r *TokenRegistry) Lookup(symbol string) (TokenConfig, error) {
	t, ok := r.bySymbol[symbol]
	if !ok {
		return TokenConfig{}, fmt.Errorf("%w: %s", ErrUnknownToken, symbol)
	}
	return t, nil
}

func (r *TokenRegistry) ByAddress(addr common.Address) (TokenConfig, bool) {
	t, ok := r.byAddress[addr]
	return t, ok
}

// Symbols 按字母序返回
func (r *TokenRegistry) Symbols() []string {
	out := make([]string, 0, len(r.bySymbol))
	for s := range r.bySymbol {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
