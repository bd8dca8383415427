// Package market 提供基于行情服务的实时兑换实现，价格来源是
// CoinGecko 风格的 simple price 接口。
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"HODL-Engine/internal/asset"
	xerrors "HODL-Engine/internal/errors"
	"HODL-Engine/internal/exchange"
)

// assetIDs 把内部资产符号映射为行情服务的资产 ID。
var assetIDs = map[asset.Asset]string{
	asset.USDT: "tether",
	asset.USDC: "usd-coin",
	asset.WBTC: "wrapped-bitcoin",
	asset.ETH:  "ethereum",
}

// Config 描述行情客户端的连接参数。
type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	CacheTTL time.Duration
}

type cachedPrice struct {
	price     *big.Rat
	fetchedAt time.Time
}

// Client 查询资产的美元价格，带短期缓存避免每次执行都打行情服务。
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	cacheTTL   time.Duration

	mu    sync.Mutex
	cache map[asset.Asset]cachedPrice
}

// NewClient 创建行情客户端。
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "行情服务地址不能为空")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		cacheTTL:   ttl,
		cache:      make(map[asset.Asset]cachedPrice),
	}, nil
}

// USDPrice 返回资产的美元价格。
func (c *Client) USDPrice(ctx context.Context, a asset.Asset) (*big.Rat, error) {
	id, ok := assetIDs[a]
	if !ok {
		return nil, exchange.ErrPairNotSupported
	}

	c.mu.Lock()
	cached, ok := c.cache[a]
	c.mu.Unlock()
	if ok && time.Since(cached.fetchedAt) < c.cacheTTL {
		return new(big.Rat).Set(cached.price), nil
	}

	endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", c.baseURL, url.QueryEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExchangeFailure, err, "构造行情请求失败")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExchangeFailure, err, "请求行情服务失败", xerrors.WithRetryable(true))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, xerrors.New(xerrors.CodeExchangeFailure,
			fmt.Sprintf("行情服务返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithRetryable(resp.StatusCode >= 500),
		)
	}

	// 价格用 json.Number 承接，避免 float64 精度损失。
	var payload map[string]map[string]json.Number
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExchangeFailure, err, "解析行情响应失败")
	}
	raw, ok := payload[id]["usd"]
	if !ok {
		return nil, xerrors.New(xerrors.CodeExchangeFailure, "行情响应缺少价格: "+id)
	}
	price, ok := new(big.Rat).SetString(raw.String())
	if !ok || price.Sign() <= 0 {
		return nil, xerrors.New(exchange.CodeRateInvalid, "非法的行情价格: "+raw.String())
	}

	c.mu.Lock()
	c.cache[a] = cachedPrice{price: new(big.Rat).Set(price), fetchedAt: time.Now()}
	c.mu.Unlock()
	return price, nil
}

// Converter 用实时美元价格实现 exchange.Converter。
type Converter struct {
	client *Client
	feeBps int64
}

// NewConverter 创建基于行情的 Converter。
func NewConverter(client *Client, feeBps int64) (*Converter, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "行情客户端不能为空")
	}
	if feeBps < 0 || feeBps >= 10_000 {
		return nil, xerrors.New(exchange.CodeRateInvalid, "手续费基点必须位于 [0, 10000) 区间")
	}
	return &Converter{client: client, feeBps: feeBps}, nil
}

// Convert 实现 Converter 接口。汇率取两侧美元价格之比。
func (c *Converter) Convert(ctx context.Context, from, to asset.Asset, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "兑换金额必须为正数")
	}
	fromPrice, err := c.client.USDPrice(ctx, from)
	if err != nil {
		return nil, err
	}
	toPrice, err := c.client.USDPrice(ctx, to)
	if err != nil {
		return nil, err
	}

	// rate = fromUSD / toUSD
	num := new(big.Int).Mul(amount, fromPrice.Num())
	num.Mul(num, toPrice.Denom())
	num.Mul(num, to.Unit())
	num.Mul(num, big.NewInt(10_000-c.feeBps))

	den := new(big.Int).Mul(fromPrice.Denom(), toPrice.Num())
	den.Mul(den, from.Unit())
	den.Mul(den, big.NewInt(10_000))

	return num.Quo(num, den), nil
}

var _ exchange.Converter = (*Converter)(nil)
