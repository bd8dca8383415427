package relay

import (
	"context"
	"math/big"

	"HODL-Engine/internal/asset"
	xerrors "HODL-Engine/internal/errors"
)

// Transfer 描述一笔需要派发到外部执行域的产出。
// SourceAmount 是本次执行消耗的源资产金额，回退补偿以它为准。
type Transfer struct {
	PlanID       string
	Domain       string
	Recipient    string
	Asset        asset.Asset
	Amount       *big.Int
	SourceAmount *big.Int
}

// Receipt 是通道接受派发后的回执。接受不等于结算，最终结果由
// Outcome 异步通知。
type Receipt struct {
	DispatchID   string
	DispatchedAt int64
}

// Outcome 是跨域转账的最终结果通知。Success 为假时引擎执行补偿。
type Outcome struct {
	PlanID       string   `json:"plan_id"`
	DispatchID   string   `json:"dispatch_id"`
	SourceAmount *big.Int `json:"source_amount"`
	Success      bool     `json:"success"`
	Reason       string   `json:"reason,omitempty"`
}

// Dispatcher 把产出派发到目标执行域。Dispatch 返回错误表示通道
// 同步拒绝，调用方立即补偿；返回回执则结果走异步通知。
type Dispatcher interface {
	Dispatch(ctx context.Context, transfer Transfer) (Receipt, error)
}

// OutcomeHandler 消费跨域转账的最终结果。
type OutcomeHandler interface {
	HandleRelayOutcome(ctx context.Context, outcome Outcome) error
}

var (
	// ErrDomainNotSupported 表示没有配置目标执行域。
	ErrDomainNotSupported = xerrors.New(CodeDomainNotSupported, "destination domain not supported")
)

const (
	CodeDomainNotSupported xerrors.Code = "DOMAIN_NOT_SUPPORTED"
	CodeDispatchRejected   xerrors.Code = "DISPATCH_REJECTED"
)

func init() {
	xerrors.Register(CodeDomainNotSupported, xerrors.Attributes{
		Message:   "destination domain not supported",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDispatchRejected, xerrors.Attributes{
		Message:   "relay rejected the dispatch",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}
