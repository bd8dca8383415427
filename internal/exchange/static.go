package exchange

import (
	"context"
	"math/big"
	"strings"

	"HODL-Engine/internal/asset"
	xerrors "HODL-Engine/internal/errors"
)

// StaticConverter 按静态配置的价格表做兑换。价格以 "FROM/TO" 为键，
// 值是人类可读的十进制汇率，例如 "USDT/WBTC": "0.0000167" 表示
// 1 USDT 兑换 0.0000167 WBTC。手续费以基点计，向下取整产生的尾差
// 留存在引擎侧，不会返还。
type StaticConverter struct {
	rates  map[string]*big.Rat
	feeBps int64
}

// NewStaticConverter 解析价格表并创建 StaticConverter。
func NewStaticConverter(rates map[string]string, feeBps int64) (*StaticConverter, error) {
	if feeBps < 0 || feeBps >= 10_000 {
		return nil, xerrors.New(CodeRateInvalid, "手续费基点必须位于 [0, 10000) 区间")
	}
	parsed := make(map[string]*big.Rat, len(rates))
	for pair, raw := range rates {
		from, to, ok := splitPair(pair)
		if !ok {
			return nil, xerrors.New(CodeRateInvalid, "非法的资产对: "+pair)
		}
		if !asset.IsSupported(from) || !asset.IsSupported(to) {
			return nil, xerrors.New(CodeRateInvalid, "资产对包含不支持的资产: "+pair)
		}
		rate, ok := new(big.Rat).SetString(strings.TrimSpace(raw))
		if !ok || rate.Sign() <= 0 {
			return nil, xerrors.New(CodeRateInvalid, "非法的汇率 "+raw+" (资产对 "+pair+")")
		}
		parsed[pairKey(from, to)] = rate
	}
	return &StaticConverter{rates: parsed, feeBps: feeBps}, nil
}

// Convert 实现 Converter 接口。
func (c *StaticConverter) Convert(_ context.Context, from, to asset.Asset, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "兑换金额必须为正数")
	}
	rate, ok := c.rates[pairKey(from, to)]
	if !ok {
		return nil, ErrPairNotSupported
	}

	// output = amount * rate * 10^decTo / 10^decFrom * (10000 - fee) / 10000
	// 全程整数运算，最后一步向下取整。
	num := new(big.Int).Mul(amount, rate.Num())
	num.Mul(num, to.Unit())
	num.Mul(num, big.NewInt(10_000-c.feeBps))

	den := new(big.Int).Mul(rate.Denom(), from.Unit())
	den.Mul(den, big.NewInt(10_000))

	return num.Quo(num, den), nil
}

func pairKey(from, to asset.Asset) string {
	return string(from) + "/" + string(to)
}

func splitPair(pair string) (asset.Asset, asset.Asset, bool) {
	parts := strings.Split(strings.TrimSpace(pair), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return asset.Asset(parts[0]), asset.Asset(parts[1]), true
}

var _ Converter = (*StaticConverter)(nil)
