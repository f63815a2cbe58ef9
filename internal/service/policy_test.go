package service

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"rentalhub-sale-api/internal/model"
)

func TestApprovalPolicy_Evaluate(t *testing.T) {
	t.Parallel()
	threshold := decimal.NewFromInt(100000)
	maxCustomers := 2
	maxImpact := decimal.NewFromInt(5000)
	full := ApprovalPolicy{
		HighValueThreshold:   &threshold,
		MaxAffectedCustomers: &maxCustomers,
		MaxFinancialImpact:   &maxImpact,
	}

	tests := []struct {
		name        string
		policy      ApprovalPolicy
		price       string
		summary     model.ConflictSummary
		wantReasons int
	}{
		{
			name:    "nothing to approve",
			policy:  full,
			price:   "1000",
			summary: model.ConflictSummary{AffectedCustomers: 1, TotalFinancialImpact: decimal.NewFromInt(10)},
		},
		{
			name:        "price above threshold",
			policy:      full,
			price:       "100000.01",
			wantReasons: 1,
		},
		{
			name:        "price equal to threshold",
			policy:      full,
			price:       "100000",
			wantReasons: 0,
		},
		{
			name:        "critical conflict",
			policy:      full,
			price:       "1",
			summary:     model.ConflictSummary{Critical: []model.Conflict{{Severity: model.SeverityCritical}}},
			wantReasons: 1,
		},
		{
			name:        "too many customers and too much impact",
			policy:      full,
			price:       "1",
			summary:     model.ConflictSummary{AffectedCustomers: 3, TotalFinancialImpact: decimal.NewFromInt(5001)},
			wantReasons: 2,
		},
		{
			name:        "unset limits are not checked",
			policy:      ApprovalPolicy{},
			price:       "99999999",
			summary:     model.ConflictSummary{AffectedCustomers: 300, TotalFinancialImpact: decimal.NewFromInt(1 << 30)},
			wantReasons: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			required, reasons := tt.policy.Evaluate(decimal.RequireFromString(tt.price), tt.summary)
			assert.Len(t, reasons, tt.wantReasons)
			assert.Equal(t, tt.wantReasons > 0, required)
		})
	}
}
