package exchange

import (
	"context"
	"math/big"

	"HODL-Engine/internal/asset"
	xerrors "HODL-Engine/internal/errors"
)

// Converter 把一笔源资产金额换算为目标资产金额。金额均为最小单位
// 整数，实现负责处理两种资产精度不同带来的换算。
type Converter interface {
	Convert(ctx context.Context, from, to asset.Asset, amount *big.Int) (*big.Int, error)
}

var (
	// ErrPairNotSupported 表示没有配置该资产对的兑换价格。
	ErrPairNotSupported = xerrors.New(CodePairNotSupported, "conversion pair not supported")
)

const (
	CodePairNotSupported xerrors.Code = "PAIR_NOT_SUPPORTED"
	CodeRateInvalid      xerrors.Code = "RATE_INVALID"
)

func init() {
	xerrors.Register(CodePairNotSupported, xerrors.Attributes{
		Message:   "conversion pair not supported",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRateInvalid, xerrors.Attributes{
		Message:   "conversion rate is invalid",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}
