package plan

import (
	stdErrors "errors"
	"math/big"
	"testing"
)

func activePlan(remaining, perInterval int64) *Plan {
	return &Plan{
		ID:                "p1",
		Owner:             "alice",
		FromAsset:         "USDT",
		ToAsset:           "USDC",
		TotalAmount:       big.NewInt(100),
		RemainingAmount:   big.NewInt(remaining),
		AmountPerInterval: big.NewInt(perInterval),
		IntervalSeconds:   60,
		StartTime:         1_000,
		Status:            StatusActive,
	}
}

func TestEligible(t *testing.T) {
	last := int64(1_060)

	tests := []struct {
		name    string
		mutate  func(*Plan)
		now     int64
		wantErr error
	}{
		{
			name:    "首期在起始时间前",
			now:     999,
			wantErr: ErrIntervalNotElapsed,
		},
		{
			name: "首期到达起始时间",
			now:  1_000,
		},
		{
			name:   "周期未满",
			mutate: func(p *Plan) { p.LastExecutionTime = &last },
			now:    last + 59,

			wantErr: ErrIntervalNotElapsed,
		},
		{
			name:   "周期刚好期满",
			mutate: func(p *Plan) { p.LastExecutionTime = &last },
			now:    last + 60,
		},
		{
			name:    "已完成计划",
			mutate:  func(p *Plan) { p.Status = StatusCompleted },
			now:     2_000,
			wantErr: ErrPlanInactive,
		},
		{
			name:    "已取消计划",
			mutate:  func(p *Plan) { p.Status = StatusCancelled },
			now:     2_000,
			wantErr: ErrPlanInactive,
		},
		{
			name:    "剩余不足一期",
			mutate:  func(p *Plan) { p.RemainingAmount = big.NewInt(9) },
			now:     2_000,
			wantErr: ErrPlanInactive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := activePlan(100, 10)
			if tt.mutate != nil {
				tt.mutate(p)
			}
			err := Eligible(p, tt.now)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected eligible, got %v", err)
				}
				return
			}
			if !stdErrors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if err := Eligible(nil, 0); !stdErrors.Is(err, ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound for nil plan, got %v", err)
	}
}

func TestNextEligibleAt(t *testing.T) {
	p := activePlan(100, 10)
	if got := NextEligibleAt(p); got != 1_000 {
		t.Fatalf("expected start time 1000, got %d", got)
	}
	last := int64(1_500)
	p.LastExecutionTime = &last
	if got := NextEligibleAt(p); got != 1_560 {
		t.Fatalf("expected 1560, got %d", got)
	}
	p.Status = StatusCancelled
	if got := NextEligibleAt(p); got != 0 {
		t.Fatalf("expected 0 for inactive plan, got %d", got)
	}
}
