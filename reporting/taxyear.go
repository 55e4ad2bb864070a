package reporting

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/recurrence"
)

// UncategorizedTax labels deductible expenses without a tax category.
const UncategorizedTax = "Uncategorized"

// TaxYearSummary is the calendar-year view used for tax preparation. Rates
// and category meaning are configuration; nothing here computes tax owed.
type TaxYearSummary struct {
	TenantID          string
	Year              int
	GrossReceipts     decimal.Decimal // paid invoices
	ProjectedReceipts decimal.Decimal // remaining recurring occurrences
	Deductions        []CategoryTotal // expenses by tax category
	TotalDeductions   decimal.Decimal
	NetIncome         decimal.Decimal // GrossReceipts - TotalDeductions
	Monthly           []MonthBucket
}

// TaxYear summarizes January 1 through December 31 of year.
func (e *Engine) TaxYear(ctx context.Context, tenantID string, year int) (*TaxYearSummary, error) {
	if year < 1 {
		return nil, &billing.ValidationError{Field: "year", Message: "must be positive"}
	}
	s, err := e.summarize(ctx, tenantID, recurrence.YearWindow(year))
	if err != nil {
		return nil, err
	}

	deductions := s.TaxCategories
	// Expenses without a tax category still reduce net income.
	untagged := s.TotalExpenses
	for _, c := range deductions {
		untagged = untagged.Sub(c.Amount)
	}
	if untagged.IsPositive() {
		count := 0
		for _, c := range s.Categories {
			count += c.Count
		}
		for _, c := range deductions {
			count -= c.Count
		}
		deductions = append(deductions, CategoryTotal{
			Category: UncategorizedTax,
			Amount:   untagged,
			Count:    count,
		})
	}

	return &TaxYearSummary{
		TenantID:          tenantID,
		Year:              year,
		GrossReceipts:     s.ActualTotal,
		ProjectedReceipts: s.ProjectedTotal,
		Deductions:        deductions,
		TotalDeductions:   s.TotalExpenses,
		NetIncome:         s.ActualTotal.Sub(s.TotalExpenses),
		Monthly:           s.Monthly,
	}, nil
}
