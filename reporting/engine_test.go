package reporting_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
	"github.com/warp/billing-engine/recurrence"
	"github.com/warp/billing-engine/reporting"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fakeSource struct {
	paid      []billing.Invoice
	templates []billing.RecurringTemplate
	expenses  []billing.Expense
	err       error
}

func (f *fakeSource) ListPaidInvoices(_ context.Context, _ string, from, to time.Time) ([]billing.Invoice, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []billing.Invoice
	for _, inv := range f.paid {
		d := inv.RevenueDate()
		if !d.Before(from) && !d.After(to) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (f *fakeSource) ListActiveTemplates(context.Context, string) ([]billing.RecurringTemplate, error) {
	return f.templates, nil
}

func (f *fakeSource) ListExpenses(context.Context, string) ([]billing.Expense, error) {
	return f.expenses, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func template(id, contact string, amount string, next time.Time) billing.RecurringTemplate {
	return billing.RecurringTemplate{
		ID:          id,
		TenantID:    "tenant-1",
		ContactID:   contact,
		Frequency:   recurrence.Monthly,
		Interval:    1,
		StartDate:   next,
		NextRunDate: next,
		Status:      billing.TemplateActive,
		Total:       dec(amount),
	}
}

func paidInvoice(contact, amount string, issue time.Time) billing.Invoice {
	paid := issue
	return billing.Invoice{
		ID:        "inv-" + contact + "-" + issue.Format(recurrence.DateLayout),
		TenantID:  "tenant-1",
		ContactID: contact,
		IssueDate: issue,
		Status:    billing.InvoicePaid,
		Total:     dec(amount),
		PaidAt:    &paid,
	}
}

func summarize(t *testing.T, src reporting.Source, from, to string) *reporting.Summary {
	t.Helper()
	f, err := recurrence.ParseDate(from)
	require.NoError(t, err)
	l, err := recurrence.ParseDate(to)
	require.NoError(t, err)
	s, err := reporting.NewEngine(src).Summarize(context.Background(), "tenant-1", f, l)
	require.NoError(t, err)
	return s
}

// =============================================================================
// DEDUPLICATION
// =============================================================================

func TestSummarize_ManualPaidInvoice_SuppressesProjection(t *testing.T) {
	// GIVEN: A 500/month template for contact A from Jan 15
	//        and a manual PAID invoice of 500.00 for A on Mar 10
	// WHEN: Summarizing Jan 1 - Jun 30
	// THEN: The March projection is dropped; 5 projections remain

	src := &fakeSource{
		templates: []billing.RecurringTemplate{template("tmpl-1", "contact-a", "500", recurrence.Date(2026, time.January, 15))},
		paid:      []billing.Invoice{paidInvoice("contact-a", "500.00", recurrence.Date(2026, time.March, 10))},
	}

	s := summarize(t, src, "2026-01-01", "2026-06-30")

	assert.Equal(t, 1, s.DroppedProjections)
	assert.Len(t, s.Projections, 5)
	assert.Equal(t, "2500.00", s.ProjectedTotal.StringFixed(2))
	assert.Equal(t, "500.00", s.ActualTotal.StringFixed(2))
	assert.Equal(t, "3000.00", s.TotalRevenue.StringFixed(2))

	march, ok := s.Month("2026-03")
	require.True(t, ok)
	assert.True(t, march.Actual.Equal(dec("500")))
	assert.True(t, march.Projected.IsZero())

	for _, p := range s.Projections {
		assert.NotEqual(t, time.March, p.Date.Month())
	}
}

func TestSummarize_FuzzyMatch_Epsilon(t *testing.T) {
	cases := []struct {
		paid    string
		dropped int
	}{
		{"500.00", 1},
		{"500.01", 1},
		{"499.99", 1},
		{"500.02", 0},
		{"450.00", 0},
	}
	for _, c := range cases {
		src := &fakeSource{
			templates: []billing.RecurringTemplate{template("tmpl-1", "contact-a", "500", recurrence.Date(2026, time.March, 15))},
			paid:      []billing.Invoice{paidInvoice("contact-a", c.paid, recurrence.Date(2026, time.March, 2))},
		}
		s := summarize(t, src, "2026-03-01", "2026-03-31")
		assert.Equal(t, c.dropped, s.DroppedProjections, "paid %s", c.paid)
	}
}

func TestSummarize_FuzzyMatch_OtherContactOrMonth_Kept(t *testing.T) {
	src := &fakeSource{
		templates: []billing.RecurringTemplate{template("tmpl-1", "contact-a", "500", recurrence.Date(2026, time.March, 15))},
		paid: []billing.Invoice{
			paidInvoice("contact-b", "500", recurrence.Date(2026, time.March, 2)),
			paidInvoice("contact-a", "500", recurrence.Date(2026, time.February, 27)),
		},
	}

	s := summarize(t, src, "2026-02-01", "2026-03-31")
	assert.Equal(t, 0, s.DroppedProjections)
	assert.Len(t, s.Projections, 1)
}

func TestSummarize_FuzzyMatch_PaidMonthCounts(t *testing.T) {
	// GIVEN: An invoice issued Feb 27 but paid Mar 3
	// THEN: It settles the March projection through its paid month

	inv := paidInvoice("contact-a", "500", recurrence.Date(2026, time.February, 27))
	paidAt := recurrence.Date(2026, time.March, 3)
	inv.PaidAt = &paidAt
	src := &fakeSource{
		templates: []billing.RecurringTemplate{template("tmpl-1", "contact-a", "500", recurrence.Date(2026, time.March, 15))},
		paid:      []billing.Invoice{inv},
	}

	s := summarize(t, src, "2026-03-01", "2026-03-31")
	assert.Equal(t, 1, s.DroppedProjections)
}

func TestSummarize_CoversLink_DropsExactOccurrence(t *testing.T) {
	// GIVEN: A manual invoice of a different amount explicitly covering the
	//        Apr 15 occurrence
	// THEN: Only that occurrence is dropped

	inv := paidInvoice("contact-a", "450", recurrence.Date(2026, time.April, 20))
	tmplID := "tmpl-1"
	occ := recurrence.Date(2026, time.April, 15)
	inv.CoversTemplateID = &tmplID
	inv.CoversOccurrence = &occ

	src := &fakeSource{
		templates: []billing.RecurringTemplate{template(tmplID, "contact-a", "500", recurrence.Date(2026, time.March, 15))},
		paid:      []billing.Invoice{inv},
	}

	s := summarize(t, src, "2026-03-01", "2026-05-31")
	assert.Equal(t, 1, s.DroppedProjections)
	require.Len(t, s.Projections, 2)
	assert.Equal(t, recurrence.Date(2026, time.March, 15), s.Projections[0].Date)
	assert.Equal(t, recurrence.Date(2026, time.May, 15), s.Projections[1].Date)
}

// =============================================================================
// MONTHLY BUCKETS
// =============================================================================

func TestSummarize_EmptyYear_TwelveZeroMonths(t *testing.T) {
	s := summarize(t, &fakeSource{}, "2026-01-01", "2026-12-31")

	assert.True(t, s.ActualTotal.IsZero())
	assert.True(t, s.ProjectedTotal.IsZero())
	assert.False(t, s.HasData())
	require.Len(t, s.Monthly, 12)
	assert.Equal(t, "2026-01", s.Monthly[0].Month)
	assert.Equal(t, "2026-12", s.Monthly[11].Month)
	for _, m := range s.Monthly {
		assert.True(t, m.Revenue.IsZero())
		assert.True(t, m.Expenses.IsZero())
	}
}

func TestSummarize_JanuaryStart_SeedsWholeYear(t *testing.T) {
	s := summarize(t, &fakeSource{}, "2026-01-01", "2026-03-31")
	assert.Len(t, s.Monthly, 12)
}

func TestSummarize_MidYearWindow_SeedsTouchedMonths(t *testing.T) {
	s := summarize(t, &fakeSource{}, "2026-03-10", "2026-05-02")
	require.Len(t, s.Monthly, 3)
	assert.Equal(t, []string{"2026-03", "2026-04", "2026-05"},
		[]string{s.Monthly[0].Month, s.Monthly[1].Month, s.Monthly[2].Month})
}

func TestSummarize_InvertedWindow(t *testing.T) {
	_, err := reporting.NewEngine(&fakeSource{}).Summarize(context.Background(), "tenant-1",
		recurrence.Date(2026, time.May, 1), recurrence.Date(2026, time.April, 1))
	assert.ErrorIs(t, err, billing.ErrInvalidPeriod)
}

func TestSummarize_SourceError_NoPartialResult(t *testing.T) {
	src := &fakeSource{err: errors.New("connection reset")}
	s, err := reporting.NewEngine(src).Summarize(context.Background(), "tenant-1",
		recurrence.Date(2026, time.January, 1), recurrence.Date(2026, time.December, 31))
	require.Error(t, err)
	assert.Nil(t, s)
}

// =============================================================================
// EXPENSES / MARGINS
// =============================================================================

func TestSummarize_ClientMargin_Negative(t *testing.T) {
	// GIVEN: Income 1000 and attributed expenses 1200 for one contact
	// THEN: Profit -200, margin -20%

	contact := "contact-a"
	src := &fakeSource{
		paid: []billing.Invoice{paidInvoice(contact, "1000", recurrence.Date(2026, time.February, 1))},
		expenses: []billing.Expense{{
			ID: "exp-1", TenantID: "tenant-1", Category: "Subcontractors",
			Amount: dec("1200"), ContactID: &contact, Date: recurrence.Date(2026, time.February, 5),
			IsActive: true,
		}},
	}

	s := summarize(t, src, "2026-01-01", "2026-12-31")
	c, ok := s.Client(contact)
	require.True(t, ok)
	assert.Equal(t, "-200.00", c.Profit.StringFixed(2))
	assert.Equal(t, "-20.00", c.MarginPct.StringFixed(2))
	assert.Equal(t, "-200.00", s.NetProfit.StringFixed(2))
}

func TestSummarize_ClientMargin_ZeroIncome(t *testing.T) {
	contact := "contact-b"
	src := &fakeSource{
		expenses: []billing.Expense{{
			ID: "exp-1", TenantID: "tenant-1", Category: "Travel",
			Amount: dec("80"), ContactID: &contact, Date: recurrence.Date(2026, time.June, 5),
			IsActive: true,
		}},
	}

	s := summarize(t, src, "2026-01-01", "2026-12-31")
	c, ok := s.Client(contact)
	require.True(t, ok)
	assert.True(t, c.MarginPct.IsZero())
	assert.Equal(t, "-80.00", c.Profit.StringFixed(2))
}

func TestSummarize_RecurringExpenses_ClippedAndInactiveSkipped(t *testing.T) {
	// GIVEN: A monthly 30.00 expense from Nov 1 ending Mar 31, and an
	//        inactive recurring expense
	// WHEN: Summarizing the year
	// THEN: Jan, Feb, Mar are charged; the inactive one contributes nothing

	end := recurrence.Date(2026, time.March, 31)
	src := &fakeSource{
		expenses: []billing.Expense{
			{
				ID: "exp-saas", TenantID: "tenant-1", Category: "Software", TaxCategory: "Office",
				Amount: dec("30"), Date: recurrence.Date(2025, time.November, 1),
				Recurring: true, Frequency: recurrence.Monthly, Interval: 1, EndDate: &end, IsActive: true,
			},
			{
				ID: "exp-old", TenantID: "tenant-1", Category: "Software",
				Amount: dec("99"), Date: recurrence.Date(2025, time.January, 1),
				Recurring: true, Frequency: recurrence.Monthly, Interval: 1, IsActive: false,
			},
			{
				ID: "exp-once", TenantID: "tenant-1", Category: "Hardware",
				Amount: dec("1000"), Date: recurrence.Date(2026, time.July, 9), IsActive: true,
			},
		},
	}

	s := summarize(t, src, "2026-01-01", "2026-12-31")
	assert.Equal(t, "1090.00", s.TotalExpenses.StringFixed(2))
	require.Len(t, s.Categories, 2)
	assert.Equal(t, "Hardware", s.Categories[0].Category)
	assert.Equal(t, "Software", s.Categories[1].Category)
	assert.Equal(t, 3, s.Categories[1].Count)
	require.Len(t, s.TaxCategories, 1)
	assert.Equal(t, "90.00", s.TaxCategories[0].Amount.StringFixed(2))

	apr, _ := s.Month("2026-04")
	assert.True(t, apr.Expenses.IsZero())
	mar, _ := s.Month("2026-03")
	assert.True(t, mar.Expenses.Equal(dec("30")))
	assert.True(t, s.HasData())
}

func TestSummarize_RoundsOnlyOnOutput(t *testing.T) {
	src := &fakeSource{
		expenses: []billing.Expense{
			{ID: "e1", TenantID: "tenant-1", Category: "Fees", Amount: dec("0.004"), Date: recurrence.Date(2026, time.May, 1), IsActive: true},
			{ID: "e2", TenantID: "tenant-1", Category: "Fees", Amount: dec("0.004"), Date: recurrence.Date(2026, time.May, 2), IsActive: true},
		},
	}

	s := summarize(t, src, "2026-05-01", "2026-05-31")
	// 0.004 + 0.004 = 0.008 -> 0.01; rounding each first would give 0.00
	assert.Equal(t, "0.01", s.TotalExpenses.StringFixed(2))
}

func TestSummarize_ProjectionRespectsEndDate(t *testing.T) {
	tmpl := template("tmpl-1", "contact-a", "100", recurrence.Date(2026, time.January, 10))
	end := recurrence.Date(2026, time.March, 10)
	tmpl.EndDate = &end

	s := summarize(t, &fakeSource{templates: []billing.RecurringTemplate{tmpl}}, "2026-01-01", "2026-12-31")
	assert.Len(t, s.Projections, 3)
	assert.Equal(t, "300.00", s.ProjectedTotal.StringFixed(2))
}

// =============================================================================
// INTEGRATION WITH THE RUNNER
// =============================================================================

func TestSummarize_AfterCatchUp_NoDoubleCounting(t *testing.T) {
	// GIVEN: A template caught up to Apr 1 with the three generated invoices paid
	// WHEN: Summarizing the year
	// THEN: Jan-Mar are actual, Apr-Dec projected, nothing counted twice

	ctx := context.Background()
	mem := store.NewMemory()
	svc := billing.NewService(mem)
	runner := billing.NewRunner(mem)

	tmpl, err := svc.CreateTemplate(ctx, billing.RecurringTemplate{
		TenantID:  "tenant-1",
		ContactID: "contact-a",
		Frequency: recurrence.Monthly,
		Interval:  1,
		StartDate: recurrence.Date(2026, time.January, 15),
		LineItems: []billing.LineItem{{Description: "Retainer", Quantity: dec("1"), UnitPrice: dec("500")}},
	})
	require.NoError(t, err)

	res, err := runner.CatchUp(ctx, "tenant-1", tmpl.ID, recurrence.Date(2026, time.April, 1))
	require.NoError(t, err)
	for _, inv := range res.Invoices {
		_, err := svc.MarkPaid(ctx, "tenant-1", inv.ID, inv.IssueDate)
		require.NoError(t, err)
	}

	s, err := reporting.NewEngine(mem).Summarize(ctx, "tenant-1",
		recurrence.Date(2026, time.January, 1), recurrence.Date(2026, time.December, 31))
	require.NoError(t, err)

	assert.Equal(t, "1500.00", s.ActualTotal.StringFixed(2))
	assert.Equal(t, "4500.00", s.ProjectedTotal.StringFixed(2))
	assert.Equal(t, "6000.00", s.TotalRevenue.StringFixed(2))
	assert.Equal(t, 0, s.DroppedProjections)
}

// =============================================================================
// TAX YEAR
// =============================================================================

func TestTaxYear(t *testing.T) {
	src := &fakeSource{
		paid: []billing.Invoice{
			paidInvoice("contact-a", "2000", recurrence.Date(2026, time.March, 1)),
			paidInvoice("contact-a", "1000", recurrence.Date(2025, time.December, 30)),
		},
		expenses: []billing.Expense{
			{ID: "e1", TenantID: "tenant-1", Category: "Software", TaxCategory: "Office", Amount: dec("300"), Date: recurrence.Date(2026, time.April, 1), IsActive: true},
			{ID: "e2", TenantID: "tenant-1", Category: "Meals", Amount: dec("50"), Date: recurrence.Date(2026, time.April, 2), IsActive: true},
		},
	}

	ty, err := reporting.NewEngine(src).TaxYear(context.Background(), "tenant-1", 2026)
	require.NoError(t, err)
	assert.Equal(t, "2000.00", ty.GrossReceipts.StringFixed(2))
	assert.Equal(t, "350.00", ty.TotalDeductions.StringFixed(2))
	assert.Equal(t, "1650.00", ty.NetIncome.StringFixed(2))
	require.Len(t, ty.Deductions, 2)
	assert.Equal(t, "Office", ty.Deductions[0].Category)
	assert.Equal(t, reporting.UncategorizedTax, ty.Deductions[1].Category)
	assert.Equal(t, 1, ty.Deductions[1].Count)
	assert.Len(t, ty.Monthly, 12)
}
