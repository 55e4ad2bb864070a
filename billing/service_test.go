package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
	"github.com/warp/billing-engine/recurrence"
)

// =============================================================================
// TEMPLATE LIFECYCLE
// =============================================================================

func TestCreateTemplate_InvalidRecurrence_FailsFast(t *testing.T) {
	svc, _ := newTestBilling(t, store.NewMemory())

	tmpl := monthlyTemplate("tenant-1", recurrence.Date(2025, time.January, 15))
	tmpl.Interval = 0
	_, err := svc.CreateTemplate(context.Background(), tmpl)
	assert.ErrorIs(t, err, billing.ErrInvalidRecurrence)

	tmpl = monthlyTemplate("tenant-1", recurrence.Date(2025, time.January, 15))
	tmpl.Frequency = "HOURLY"
	_, err = svc.CreateTemplate(context.Background(), tmpl)
	assert.ErrorIs(t, err, billing.ErrInvalidRecurrence)
}

func TestCreateTemplate_DerivesTotalsAndDefaults(t *testing.T) {
	svc, _ := newTestBilling(t, store.NewMemory())

	tmpl := monthlyTemplate("tenant-1", time.Date(2025, time.January, 15, 8, 30, 0, 0, time.UTC))
	tmpl.LineItems = append(tmpl.LineItems, billing.LineItem{
		Description: "Support hours",
		Quantity:    decimal.RequireFromString("2.5"),
		UnitPrice:   decimal.NewFromInt(40),
	})
	created, err := svc.CreateTemplate(context.Background(), tmpl)
	require.NoError(t, err)

	assert.Equal(t, billing.TemplateActive, created.Status)
	assert.Equal(t, recurrence.Date(2025, time.January, 15), created.StartDate)
	assert.Equal(t, created.StartDate, created.NextRunDate)
	assert.Equal(t, "USD", created.Currency)
	assert.True(t, created.Subtotal.Equal(decimal.NewFromInt(200)))
	assert.True(t, created.Tax.Equal(decimal.NewFromInt(40)))
	assert.True(t, created.Total.Equal(decimal.NewFromInt(240)))
	assert.Contains(t, created.ID, "tmpl_")
}

func TestCreateTemplate_RejectsMissingFields(t *testing.T) {
	svc, _ := newTestBilling(t, store.NewMemory())

	tmpl := monthlyTemplate("tenant-1", recurrence.Date(2025, time.January, 15))
	tmpl.LineItems = nil
	_, err := svc.CreateTemplate(context.Background(), tmpl)
	assert.ErrorIs(t, err, billing.ErrValidation)

	tmpl = monthlyTemplate("tenant-1", recurrence.Date(2025, time.January, 15))
	tmpl.ContactID = ""
	_, err = svc.CreateTemplate(context.Background(), tmpl)

	var ve *billing.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "contact_id", ve.Field)
}

func TestCreateTemplate_NextRunBeforeStart_Rejected(t *testing.T) {
	svc, _ := newTestBilling(t, store.NewMemory())
	tmpl := monthlyTemplate("tenant-1", recurrence.Date(2025, time.March, 1))
	tmpl.NextRunDate = recurrence.Date(2025, time.February, 1)

	_, err := svc.CreateTemplate(context.Background(), tmpl)
	assert.ErrorIs(t, err, billing.ErrValidation)
}

func TestTransitions(t *testing.T) {
	cases := []struct {
		from, to billing.TemplateStatus
		ok       bool
	}{
		{billing.TemplateActive, billing.TemplatePaused, true},
		{billing.TemplateActive, billing.TemplateCancelled, true},
		{billing.TemplatePaused, billing.TemplateActive, true},
		{billing.TemplatePaused, billing.TemplateCancelled, true},
		{billing.TemplateCancelled, billing.TemplateActive, false},
		{billing.TemplateCancelled, billing.TemplatePaused, false},
		{billing.TemplateCompleted, billing.TemplateActive, false},
		{billing.TemplateActive, billing.TemplateActive, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, billing.CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestCancel_IsFinal(t *testing.T) {
	// GIVEN: A cancelled template
	// WHEN: Resuming it
	// THEN: ErrInvalidTransition, and it never generates

	ctx := context.Background()
	svc, runner := newTestBilling(t, store.NewMemory())
	tmpl := createTemplate(t, svc, monthlyTemplate("tenant-1", recurrence.Date(2025, time.January, 15)))

	cancelled, err := svc.Cancel(ctx, "tenant-1", tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.TemplateCancelled, cancelled.Status)

	_, err = svc.Resume(ctx, "tenant-1", tmpl.ID)
	assert.ErrorIs(t, err, billing.ErrInvalidTransition)

	var te *billing.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, billing.TemplateCancelled, te.From)

	res, err := runner.CatchUp(ctx, "tenant-1", tmpl.ID, recurrence.Date(2025, time.December, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Generated)
}

func TestPause_OtherTenant_Rejected(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestBilling(t, store.NewMemory())
	tmpl := createTemplate(t, svc, monthlyTemplate("tenant-1", recurrence.Date(2025, time.January, 15)))

	_, err := svc.Pause(ctx, "tenant-2", tmpl.ID)
	assert.ErrorIs(t, err, billing.ErrTenantMismatch)

	_, err = svc.GetTemplate(ctx, "tenant-2", tmpl.ID)
	assert.ErrorIs(t, err, billing.ErrTenantMismatch)
}

func TestUpdateLineItems_DoesNotTouchIssuedInvoices(t *testing.T) {
	// GIVEN: A template that already generated an invoice
	// WHEN: Its items change
	// THEN: The issued invoice keeps the old amounts; the next one uses the new

	ctx := context.Background()
	mem := store.NewMemory()
	svc, runner := newTestBilling(t, mem)
	tmpl := createTemplate(t, svc, monthlyTemplate("tenant-1", recurrence.Date(2025, time.January, 15)))

	first, err := runner.CatchUp(ctx, "tenant-1", tmpl.ID, recurrence.Date(2025, time.January, 20))
	require.NoError(t, err)
	require.Len(t, first.Invoices, 1)

	updated, err := svc.UpdateLineItems(ctx, "tenant-1", tmpl.ID, []billing.LineItem{{
		Description: "Retainer v2",
		Quantity:    decimal.NewFromInt(1),
		UnitPrice:   decimal.NewFromInt(200),
	}})
	require.NoError(t, err)
	assert.True(t, updated.Total.Equal(decimal.NewFromInt(240)))

	second, err := runner.CatchUp(ctx, "tenant-1", tmpl.ID, recurrence.Date(2025, time.February, 20))
	require.NoError(t, err)
	require.Len(t, second.Invoices, 1)
	assert.True(t, second.Invoices[0].Total.Equal(decimal.NewFromInt(240)))

	old, err := mem.GetInvoice(ctx, first.Invoices[0].ID)
	require.NoError(t, err)
	assert.True(t, old.Total.Equal(decimal.NewFromInt(120)))
	assert.Equal(t, "Monthly retainer", old.Items[0].Description)
}

func TestDeleteTemplate_KeepsInvoices(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	svc, runner := newTestBilling(t, mem)
	tmpl := createTemplate(t, svc, monthlyTemplate("tenant-1", recurrence.Date(2025, time.January, 15)))
	_, err := runner.CatchUp(ctx, "tenant-1", tmpl.ID, recurrence.Date(2025, time.February, 20))
	require.NoError(t, err)

	require.NoError(t, svc.DeleteTemplate(ctx, "tenant-1", tmpl.ID))

	_, err = svc.GetTemplate(ctx, "tenant-1", tmpl.ID)
	assert.ErrorIs(t, err, billing.ErrTemplateNotFound)

	invs, err := mem.ListInvoices(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Len(t, invs, 2)
}

// =============================================================================
// INVOICES
// =============================================================================

func manualInvoice(tenantID string, issue time.Time, amount int64) billing.Invoice {
	return billing.Invoice{
		TenantID:  tenantID,
		ContactID: "contact-acme",
		IssueDate: issue,
		Items: []billing.LineItem{{
			Description: "Consulting",
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   decimal.NewFromInt(amount),
		}},
	}
}

func TestCreateInvoice_SharesSequenceWithGenerated(t *testing.T) {
	// GIVEN: Two generated invoices
	// WHEN: A manual invoice is created
	// THEN: It gets INV-0003 and the next generated one INV-0004

	ctx := context.Background()
	svc, runner := newTestBilling(t, store.NewMemory())
	tmpl := createTemplate(t, svc, monthlyTemplate("tenant-1", recurrence.Date(2025, time.January, 15)))

	_, err := runner.CatchUp(ctx, "tenant-1", tmpl.ID, recurrence.Date(2025, time.February, 20))
	require.NoError(t, err)

	inv, err := svc.CreateInvoice(ctx, manualInvoice("tenant-1", recurrence.Date(2025, time.February, 25), 500))
	require.NoError(t, err)
	assert.Equal(t, "INV-0003", inv.InvoiceNumber)
	assert.Equal(t, billing.InvoiceDraft, inv.Status)
	assert.Nil(t, inv.RecurringTemplateID)
	assert.True(t, inv.Total.Equal(decimal.NewFromInt(500)))

	res, err := runner.CatchUp(ctx, "tenant-1", tmpl.ID, recurrence.Date(2025, time.March, 20))
	require.NoError(t, err)
	assert.Equal(t, "INV-0004", res.Invoices[0].InvoiceNumber)
}

func TestDeleteInvoice_NumberNotReused(t *testing.T) {
	// GIVEN: INV-0001..INV-0003, the last one deleted
	// WHEN: Another invoice is created
	// THEN: INV-0004

	ctx := context.Background()
	svc, _ := newTestBilling(t, store.NewMemory())

	var last *billing.Invoice
	for i := 0; i < 3; i++ {
		inv, err := svc.CreateInvoice(ctx, manualInvoice("tenant-1", recurrence.Date(2025, time.March, 1), 100))
		require.NoError(t, err)
		last = inv
	}
	require.NoError(t, svc.DeleteInvoice(ctx, "tenant-1", last.ID))

	inv, err := svc.CreateInvoice(ctx, manualInvoice("tenant-1", recurrence.Date(2025, time.March, 2), 100))
	require.NoError(t, err)
	assert.Equal(t, "INV-0004", inv.InvoiceNumber)
}

func TestMarkPaid(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestBilling(t, store.NewMemory())
	inv, err := svc.CreateInvoice(ctx, manualInvoice("tenant-1", recurrence.Date(2025, time.March, 1), 100))
	require.NoError(t, err)

	paid, err := svc.MarkPaid(ctx, "tenant-1", inv.ID, time.Date(2025, time.April, 3, 17, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, billing.InvoicePaid, paid.Status)
	require.NotNil(t, paid.PaidAt)
	assert.Equal(t, recurrence.Date(2025, time.April, 3), *paid.PaidAt)
	assert.Equal(t, recurrence.Date(2025, time.April, 3), paid.RevenueDate())

	_, err = svc.MarkPaid(ctx, "tenant-2", inv.ID, time.Time{})
	assert.ErrorIs(t, err, billing.ErrTenantMismatch)

	_, err = svc.MarkPaid(ctx, "tenant-1", "inv_missing", time.Time{})
	assert.ErrorIs(t, err, billing.ErrInvoiceNotFound)
}

func TestCreateInvoice_PaidWithoutDate_UsesIssueDate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestBilling(t, store.NewMemory())
	in := manualInvoice("tenant-1", recurrence.Date(2025, time.March, 1), 100)
	in.Status = billing.InvoicePaid

	inv, err := svc.CreateInvoice(ctx, in)
	require.NoError(t, err)
	require.NotNil(t, inv.PaidAt)
	assert.Equal(t, recurrence.Date(2025, time.March, 1), *inv.PaidAt)
}

// =============================================================================
// EXPENSES
// =============================================================================

func TestCreateExpense_RecurringRequiresValidRule(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestBilling(t, store.NewMemory())

	_, err := svc.CreateExpense(ctx, billing.Expense{
		TenantID:  "tenant-1",
		Category:  "Software",
		Amount:    decimal.NewFromInt(30),
		Date:      recurrence.Date(2025, time.January, 1),
		Recurring: true,
		Frequency: recurrence.Monthly,
	})
	assert.ErrorIs(t, err, billing.ErrInvalidRecurrence)
}

func TestDeactivateExpense_StopsOccurrences(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestBilling(t, store.NewMemory())

	e, err := svc.CreateExpense(ctx, billing.Expense{
		TenantID:  "tenant-1",
		Category:  "Software",
		Amount:    decimal.NewFromInt(30),
		Date:      recurrence.Date(2025, time.January, 1),
		Recurring: true,
		Frequency: recurrence.Monthly,
		Interval:  1,
	})
	require.NoError(t, err)
	assert.True(t, e.IsActive)

	occ, err := e.Occurrences(recurrence.YearWindow(2025))
	require.NoError(t, err)
	assert.Len(t, occ.Dates, 12)

	off, err := svc.DeactivateExpense(ctx, "tenant-1", e.ID)
	require.NoError(t, err)
	assert.False(t, off.IsActive)

	occ, err = off.Occurrences(recurrence.YearWindow(2025))
	require.NoError(t, err)
	assert.Empty(t, occ.Dates)

	_, err = svc.DeactivateExpense(ctx, "tenant-2", e.ID)
	assert.ErrorIs(t, err, billing.ErrTenantMismatch)
}
