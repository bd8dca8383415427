package asset

import (
	"fmt"
	"math/big"
	"strings"

	xerrors "HODL-Engine/internal/errors"
)

// Asset 表示账本中的一种资产符号，例如 USDT、WBTC。
type Asset string

// 引擎内置支持的资产及其定点小数位数。
const (
	USDT Asset = "USDT"
	USDC Asset = "USDC"
	WBTC Asset = "WBTC"
	ETH  Asset = "ETH"
)

var decimalsBySymbol = map[Asset]int{
	USDT: 6,
	USDC: 6,
	WBTC: 8,
	ETH:  18,
}

// Parse 将外部输入的资产符号规范化为 Asset。
func Parse(symbol string) (Asset, error) {
	normalized := Asset(strings.ToUpper(strings.TrimSpace(symbol)))
	if _, ok := decimalsBySymbol[normalized]; !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的资产: %s", symbol))
	}
	return normalized, nil
}

// IsSupported 判断资产是否在内置目录中。
func IsSupported(a Asset) bool {
	_, ok := decimalsBySymbol[a]
	return ok
}

// Decimals 返回资产的定点小数位数。
func (a Asset) Decimals() int {
	if d, ok := decimalsBySymbol[a]; ok {
		return d
	}
	return 0
}

// Unit 返回资产最小单位对应的 10^decimals。
func (a Asset) Unit() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(a.Decimals())), nil)
}

// ParseAmount 把十进制字符串（如 "1.5"）解析为资产最小单位的整数金额。
// 小数位超过资产精度时报错，不做静默截断。
func ParseAmount(a Asset, value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额不能为空")
	}
	rat, ok := new(big.Rat).SetString(value)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无法解析的金额: %s", value))
	}
	if rat.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额不能为负数")
	}
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(a.Unit()))
	if !scaled.IsInt() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("金额 %s 超过资产 %s 的精度 (%d 位小数)", value, a, a.Decimals()))
	}
	return new(big.Int).Set(scaled.Num()), nil
}

// FormatAmount 把最小单位整数金额格式化为十进制字符串。
func FormatAmount(a Asset, amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	rat := new(big.Rat).SetFrac(amount, a.Unit())
	text := rat.FloatString(a.Decimals())
	if strings.Contains(text, ".") {
		text = strings.TrimRight(text, "0")
		text = strings.TrimSuffix(text, ".")
	}
	return text
}
