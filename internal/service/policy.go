package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	"rentalhub-sale-api/internal/model"
)

// ApprovalPolicy decides whether a transition needs a manual approval before
// it may be confirmed. The limits are deployment policy and have no built-in
// values; a nil limit disables its check.
type ApprovalPolicy struct {
	HighValueThreshold   *decimal.Decimal
	MaxAffectedCustomers *int
	MaxFinancialImpact   *decimal.Decimal
}

// Evaluate returns whether approval is required and why.
func (p ApprovalPolicy) Evaluate(price decimal.Decimal, summary model.ConflictSummary) (bool, []string) {
	var reasons []string
	if p.HighValueThreshold != nil && price.GreaterThan(*p.HighValueThreshold) {
		reasons = append(reasons, fmt.Sprintf("sale price %s exceeds high-value threshold %s",
			price.StringFixed(2), p.HighValueThreshold.StringFixed(2)))
	}
	if n := len(summary.Critical); n > 0 {
		reasons = append(reasons, fmt.Sprintf("%d critical conflict(s)", n))
	}
	if p.MaxAffectedCustomers != nil && summary.AffectedCustomers > *p.MaxAffectedCustomers {
		reasons = append(reasons, fmt.Sprintf("%d affected customers exceeds maximum %d",
			summary.AffectedCustomers, *p.MaxAffectedCustomers))
	}
	if p.MaxFinancialImpact != nil && summary.TotalFinancialImpact.GreaterThan(*p.MaxFinancialImpact) {
		reasons = append(reasons, fmt.Sprintf("financial impact %s exceeds maximum %s",
			summary.TotalFinancialImpact.StringFixed(2), p.MaxFinancialImpact.StringFixed(2)))
	}
	return len(reasons) > 0, reasons
}
