package plan

import (
	"math/big"

	"HODL-Engine/internal/asset"
	xerrors "HODL-Engine/internal/errors"
)

// Status 表示定投计划在生命周期中的状态。
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Destination 描述跨域计划的目标执行域与接收地址。
// 为空表示本域计划，产出直接记入所有者的自由余额。
type Destination struct {
	Domain    string `json:"domain"`
	Recipient string `json:"recipient"`
}

// Plan 描述一个分期定投计划。总托管金额在创建时从所有者自由余额中
// 一次性扣除，之后每个周期消耗 AmountPerInterval，直到剩余不足一期。
type Plan struct {
	ID                string       `json:"id"`
	Owner             string       `json:"owner"`
	FromAsset         asset.Asset  `json:"from_asset"`
	ToAsset           asset.Asset  `json:"to_asset"`
	TotalAmount       *big.Int     `json:"total_amount"`
	RemainingAmount   *big.Int     `json:"remaining_amount"`
	AmountPerInterval *big.Int     `json:"amount_per_interval"`
	// PendingAmount 是已派发到跨域通道、尚未收到结算或回退通知的
	// 源资产金额。只对跨域计划非零。
	PendingAmount     *big.Int     `json:"pending_amount"`
	IntervalSeconds   int64        `json:"interval_seconds"`
	StartTime         int64        `json:"start_time"`
	LastExecutionTime *int64       `json:"last_execution_time,omitempty"`
	Status            Status       `json:"status"`
	Destination       *Destination `json:"destination,omitempty"`
	CreatedAt         int64        `json:"created_at"`
	UpdatedAt         int64        `json:"updated_at"`
}

var (
	// ErrPlanNotFound 表示指定的计划不存在。
	ErrPlanNotFound = xerrors.New(CodePlanNotFound, "plan not found")
	// ErrPlanInactive 表示计划已完成或已取消，不再接受执行。
	ErrPlanInactive = xerrors.New(CodePlanInactive, "plan is not active", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrIntervalNotElapsed 表示距离上次执行还未满一个周期，属于调度器
	// 的正常重试场景。
	ErrIntervalNotElapsed = xerrors.New(CodeIntervalNotElapsed, "interval has not elapsed", xerrors.WithRetryable(true))
	// ErrNotOwner 表示调用方不是计划所有者。
	ErrNotOwner = xerrors.New(CodeNotOwner, "caller is not the plan owner")
	// ErrPlanConflict 表示计划在当前状态下无法完成所请求的变更。
	ErrPlanConflict = xerrors.New(CodePlanConflict, "plan state conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodePlanNotFound       xerrors.Code = "PLAN_NOT_FOUND"
	CodePlanInactive       xerrors.Code = "PLAN_INACTIVE"
	CodeIntervalNotElapsed xerrors.Code = "INTERVAL_NOT_ELAPSED"
	CodeNotOwner           xerrors.Code = "NOT_OWNER"
	CodePlanConflict       xerrors.Code = "PLAN_CONFLICT"
	CodePlanValidation     xerrors.Code = "PLAN_VALIDATION_FAILED"
	CodeTransferFailed     xerrors.Code = "TRANSFER_FAILED"
	CodePlanCompensate     xerrors.Code = "PLAN_COMPENSATION_FAILED"
)

func init() {
	xerrors.Register(CodePlanNotFound, xerrors.Attributes{
		Message:   "plan not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePlanInactive, xerrors.Attributes{
		Message:   "plan is not active",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeIntervalNotElapsed, xerrors.Attributes{
		Message:   "interval has not elapsed",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeNotOwner, xerrors.Attributes{
		Message:   "caller is not the plan owner",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePlanConflict, xerrors.Attributes{
		Message:   "plan state conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePlanValidation, xerrors.Attributes{
		Message:   "plan validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransferFailed, xerrors.Attributes{
		Message:   "cross-domain transfer failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodePlanCompensate, xerrors.Attributes{
		Message:   "plan compensation failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的计划状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusActive, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// CrossDomain 判断计划是否需要经由跨域通道交付产出。
func (p *Plan) CrossDomain() bool {
	return p != nil && p.Destination != nil && p.Destination.Domain != ""
}

// ExecutedAmount 返回已执行的源资产金额，恒等于 total - remaining。
func (p *Plan) ExecutedAmount() *big.Int {
	if p == nil || p.TotalAmount == nil || p.RemainingAmount == nil {
		return new(big.Int)
	}
	return new(big.Int).Sub(p.TotalAmount, p.RemainingAmount)
}

// Validate 校验计划的全部不变量，任何失败都发生在账本扣款之前。
func (p *Plan) Validate() error {
	if p == nil {
		return xerrors.New(CodePlanValidation, "plan 不能为空")
	}
	if p.Owner == "" {
		return xerrors.New(CodePlanValidation, "计划所有者不能为空")
	}
	if !asset.IsSupported(p.FromAsset) {
		return xerrors.New(CodePlanValidation, "不支持的源资产: "+string(p.FromAsset))
	}
	if !asset.IsSupported(p.ToAsset) {
		return xerrors.New(CodePlanValidation, "不支持的目标资产: "+string(p.ToAsset))
	}
	if p.FromAsset == p.ToAsset {
		return xerrors.New(CodePlanValidation, "源资产与目标资产不能相同")
	}
	if p.TotalAmount == nil || p.TotalAmount.Sign() <= 0 {
		return xerrors.New(CodePlanValidation, "总金额必须为正数")
	}
	if p.AmountPerInterval == nil || p.AmountPerInterval.Sign() <= 0 {
		return xerrors.New(CodePlanValidation, "每期金额必须为正数")
	}
	if p.AmountPerInterval.Cmp(p.TotalAmount) > 0 {
		return xerrors.New(CodePlanValidation, "每期金额不能超过总金额")
	}
	if p.IntervalSeconds <= 0 {
		return xerrors.New(CodePlanValidation, "执行周期必须为正数")
	}
	if p.Destination != nil && p.Destination.Domain != "" && p.Destination.Recipient == "" {
		return xerrors.New(CodePlanValidation, "跨域计划必须提供接收地址")
	}
	return nil
}

func clonePlan(p *Plan) *Plan {
	if p == nil {
		return nil
	}
	clone := *p
	clone.TotalAmount = cloneAmount(p.TotalAmount)
	clone.RemainingAmount = cloneAmount(p.RemainingAmount)
	clone.AmountPerInterval = cloneAmount(p.AmountPerInterval)
	clone.PendingAmount = cloneAmount(p.PendingAmount)
	if p.LastExecutionTime != nil {
		last := *p.LastExecutionTime
		clone.LastExecutionTime = &last
	}
	if p.Destination != nil {
		dest := *p.Destination
		clone.Destination = &dest
	}
	return &clone
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
