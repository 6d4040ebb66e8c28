package oracle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/shadoworders/keeper/internal/domain"
	"github.com/shadoworders/keeper/pkg/cache"
	"github.com/shadoworders/keeper/pkg/logger"
	"github.com/shadoworders/keeper/pkg/ratelimit"
)

const DefaultBaseURL = "https://api.coingecko.com/api/v3"

// FallbackPrices CoinGecko 不可用时返回给前端的固定价格（USD）
var FallbackPrices = map[string]float64{
	"usd-coin":        1,
	"dai":             1,
	"wrapped-bitcoin": 97000,
	"ethereum":        3200,
}

// DefaultIDs 前端默认请求的 id 列表
var DefaultIDs = []string{"ethereum", "usd-coin", "dai", "wrapped-bitcoin"}

type Config struct {
	BaseURL       string
	Timeout       time.Duration
	CacheTTL      time.Duration // 与前端 revalidate 一致，默认 30s
	RatePerMinute int           // 免费档限流，默认 30
}

// Client CoinGecko simple/price 客户端，带 TTL 缓存和令牌桶限流
type Client struct {
	http    *resty.Client
	tokens  *domain.TokenRegistry
	cache   *cache.TTLCache[string, float64]
	limiter ratelimit.Limiter
}

func NewClient(cfg Config, tokens *domain.TokenRegistry) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 30
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Accept", "application/json")
	return &Client{
		http:    httpClient,
		tokens:  tokens,
		cache:   cache.NewTTLCache[string, float64](cfg.CacheTTL),
		limiter: ratelimit.NewTokenBucket(cfg.RatePerMinute, 5),
	}
}

// USD 查询 ids 的美元价格。缓存命中的 id 不再请求；任一 id 缺失返回错误。
func (c *Client) USD(ctx context.Context, ids []string) (map[string]float64, error) {
	out := make(map[string]float64, len(ids))
	var missing []string
	for _, id := range ids {
		if v, ok := c.cache.Get(id); ok {
			out[id] = v
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	sort.Strings(missing)
	var body map[string]map[string]float64
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("ids", strings.Join(missing, ",")).
		SetQueryParam("vs_currencies", "usd").
		SetResult(&body).
		Get("/simple/price")
	if err != nil {
		return nil, errors.Wrap(err, "coingecko request")
	}
	if !resp.IsSuccess() {
		return nil, errors.Errorf("coingecko http %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
	}
	for _, id := range missing {
		v, ok := body[id]["usd"]
		if !ok || v <= 0 {
			return nil, errors.Errorf("coingecko: no usd price for %s", id)
		}
		c.cache.Set(id, v, 0)
		out[id] = v
	}
	return out, nil
}

// PricesOrFallback 前端价格接口：上游失败时返回固定价格，第二个返回值表示是否为兜底数据
func (c *Client) PricesOrFallback(ctx context.Context, ids []string) (map[string]map[string]float64, bool) {
	if len(ids) == 0 {
		ids = DefaultIDs
	}
	prices, err := c.USD(ctx, ids)
	if err != nil {
		logger.WithField("component", "oracle").Warnf("CoinGecko 价格获取失败，使用兜底价格: %v", err)
		return wrapUSD(FallbackPrices), true
	}
	return wrapUSD(prices), false
}

func wrapUSD(m map[string]float64) map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(m))
	for id, v := range m {
		out[id] = map[string]float64{"usd": v}
	}
	return out
}

// PairRate from 以 to 计价的汇率：usd(from) / usd(to)
func (c *Client) PairRate(ctx context.Context, from, to string) (float64, error) {
	fromID, err := c.coingeckoID(from)
	if err != nil {
		return 0, err
	}
	toID, err := c.coingeckoID(to)
	if err != nil {
		return 0, err
	}
	prices, err := c.USD(ctx, []string{fromID, toID})
	if err != nil {
		return 0, err
	}
	return prices[fromID] / prices[toID], nil
}

func (c *Client) coingeckoID(symbol string) (string, error) {
	t, err := c.tokens.Lookup(symbol)
	if err != nil {
		return "", err
	}
	if t.CoingeckoID == "" {
		return "", fmt.Errorf("token %s has no coingecko id", symbol)
	}
	return t.CoingeckoID, nil
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}
