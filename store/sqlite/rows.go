package sqlite

import (
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/recurrence"
)

// =============================================================================
// TIME ENCODING
// =============================================================================

// timeLayout is fixed width so that TEXT comparison is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "bad stored time %q", s)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// =============================================================================
// TEMPLATES
// =============================================================================

type templateRow struct {
	ID          string          `db:"id"`
	TenantID    string          `db:"tenant_id"`
	ContactID   string          `db:"contact_id"`
	Name        string          `db:"name"`
	Frequency   string          `db:"frequency"`
	Interval    int             `db:"interval_count"`
	StartDate   string          `db:"start_date"`
	NextRunDate string          `db:"next_run_date"`
	EndDate     sql.NullString  `db:"end_date"`
	Status      string          `db:"status"`
	TaxRate     decimal.Decimal `db:"tax_rate"`
	Subtotal    decimal.Decimal `db:"subtotal"`
	Tax         decimal.Decimal `db:"tax"`
	Total       decimal.Decimal `db:"total"`
	Currency    string          `db:"currency"`
	Notes       string          `db:"notes"`
	Version     int64           `db:"version"`
	CreatedAt   string          `db:"created_at"`
	UpdatedAt   string          `db:"updated_at"`
}

func newTemplateRow(t billing.RecurringTemplate) templateRow {
	return templateRow{
		ID:          t.ID,
		TenantID:    t.TenantID,
		ContactID:   t.ContactID,
		Name:        t.Name,
		Frequency:   string(t.Frequency),
		Interval:    t.Interval,
		StartDate:   formatTime(recurrence.Noon(t.StartDate)),
		NextRunDate: formatTime(recurrence.Noon(t.NextRunDate)),
		EndDate:     formatTimePtr(t.EndDate),
		Status:      string(t.Status),
		TaxRate:     t.TaxRate,
		Subtotal:    t.Subtotal,
		Tax:         t.Tax,
		Total:       t.Total,
		Currency:    t.Currency,
		Notes:       t.Notes,
		Version:     t.Version,
		CreatedAt:   formatTime(t.CreatedAt),
		UpdatedAt:   formatTime(t.UpdatedAt),
	}
}

func (r templateRow) toTemplate(items []billing.LineItem) (billing.RecurringTemplate, error) {
	t := billing.RecurringTemplate{
		ID:        r.ID,
		TenantID:  r.TenantID,
		ContactID: r.ContactID,
		Name:      r.Name,
		Frequency: recurrence.Frequency(r.Frequency),
		Interval:  r.Interval,
		Status:    billing.TemplateStatus(r.Status),
		LineItems: items,
		TaxRate:   r.TaxRate,
		Subtotal:  r.Subtotal,
		Tax:       r.Tax,
		Total:     r.Total,
		Currency:  r.Currency,
		Notes:     r.Notes,
		Version:   r.Version,
	}
	var err error
	if t.StartDate, err = parseTime(r.StartDate); err != nil {
		return t, err
	}
	if t.NextRunDate, err = parseTime(r.NextRunDate); err != nil {
		return t, err
	}
	if t.EndDate, err = parseTimePtr(r.EndDate); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return t, err
	}
	return t, nil
}

// =============================================================================
// INVOICES
// =============================================================================

type invoiceRow struct {
	ID                  string          `db:"id"`
	TenantID            string          `db:"tenant_id"`
	InvoiceNumber       string          `db:"invoice_number"`
	ContactID           string          `db:"contact_id"`
	IssueDate           string          `db:"issue_date"`
	DueDate             string          `db:"due_date"`
	Status              string          `db:"status"`
	Subtotal            decimal.Decimal `db:"subtotal"`
	Tax                 decimal.Decimal `db:"tax"`
	Total               decimal.Decimal `db:"total"`
	Currency            string          `db:"currency"`
	PaidAt              sql.NullString  `db:"paid_at"`
	RecurringTemplateID sql.NullString  `db:"recurring_template_id"`
	CoversTemplateID    sql.NullString  `db:"covers_template_id"`
	CoversOccurrence    sql.NullString  `db:"covers_occurrence"`
	Notes               string          `db:"notes"`
	CreatedAt           string          `db:"created_at"`
}

func newInvoiceRow(inv billing.Invoice) invoiceRow {
	return invoiceRow{
		ID:                  inv.ID,
		TenantID:            inv.TenantID,
		InvoiceNumber:       inv.InvoiceNumber,
		ContactID:           inv.ContactID,
		IssueDate:           formatTime(inv.IssueDate),
		DueDate:             formatTime(inv.DueDate),
		Status:              string(inv.Status),
		Subtotal:            inv.Subtotal,
		Tax:                 inv.Tax,
		Total:               inv.Total,
		Currency:            inv.Currency,
		PaidAt:              formatTimePtr(inv.PaidAt),
		RecurringTemplateID: nullString(inv.RecurringTemplateID),
		CoversTemplateID:    nullString(inv.CoversTemplateID),
		CoversOccurrence:    formatTimePtr(inv.CoversOccurrence),
		Notes:               inv.Notes,
		CreatedAt:           formatTime(inv.CreatedAt),
	}
}

func (r invoiceRow) toInvoice(items []billing.LineItem) (billing.Invoice, error) {
	inv := billing.Invoice{
		ID:                  r.ID,
		TenantID:            r.TenantID,
		InvoiceNumber:       r.InvoiceNumber,
		ContactID:           r.ContactID,
		Status:              billing.InvoiceStatus(r.Status),
		Items:               items,
		Subtotal:            r.Subtotal,
		Tax:                 r.Tax,
		Total:               r.Total,
		Currency:            r.Currency,
		RecurringTemplateID: stringPtr(r.RecurringTemplateID),
		CoversTemplateID:    stringPtr(r.CoversTemplateID),
		Notes:               r.Notes,
	}
	var err error
	if inv.IssueDate, err = parseTime(r.IssueDate); err != nil {
		return inv, err
	}
	if inv.DueDate, err = parseTime(r.DueDate); err != nil {
		return inv, err
	}
	if inv.PaidAt, err = parseTimePtr(r.PaidAt); err != nil {
		return inv, err
	}
	if inv.CoversOccurrence, err = parseTimePtr(r.CoversOccurrence); err != nil {
		return inv, err
	}
	if inv.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return inv, err
	}
	return inv, nil
}

// =============================================================================
// EXPENSES
// =============================================================================

type expenseRow struct {
	ID          string          `db:"id"`
	TenantID    string          `db:"tenant_id"`
	Description string          `db:"description"`
	Amount      decimal.Decimal `db:"amount"`
	Category    string          `db:"category"`
	TaxCategory string          `db:"tax_category"`
	ContactID   sql.NullString  `db:"contact_id"`
	Date        string          `db:"date"`
	Recurring   bool            `db:"recurring"`
	Frequency   string          `db:"frequency"`
	Interval    int             `db:"interval_count"`
	EndDate     sql.NullString  `db:"end_date"`
	IsActive    bool            `db:"is_active"`
	CreatedAt   string          `db:"created_at"`
}

func newExpenseRow(e billing.Expense) expenseRow {
	return expenseRow{
		ID:          e.ID,
		TenantID:    e.TenantID,
		Description: e.Description,
		Amount:      e.Amount,
		Category:    e.Category,
		TaxCategory: e.TaxCategory,
		ContactID:   nullString(e.ContactID),
		Date:        formatTime(e.Date),
		Recurring:   e.Recurring,
		Frequency:   string(e.Frequency),
		Interval:    e.Interval,
		EndDate:     formatTimePtr(e.EndDate),
		IsActive:    e.IsActive,
		CreatedAt:   formatTime(e.CreatedAt),
	}
}

func (r expenseRow) toExpense() (billing.Expense, error) {
	e := billing.Expense{
		ID:          r.ID,
		TenantID:    r.TenantID,
		Description: r.Description,
		Amount:      r.Amount,
		Category:    r.Category,
		TaxCategory: r.TaxCategory,
		ContactID:   stringPtr(r.ContactID),
		Recurring:   r.Recurring,
		Frequency:   recurrence.Frequency(r.Frequency),
		Interval:    r.Interval,
		IsActive:    r.IsActive,
	}
	var err error
	if e.Date, err = parseTime(r.Date); err != nil {
		return e, err
	}
	if e.EndDate, err = parseTimePtr(r.EndDate); err != nil {
		return e, err
	}
	if e.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return e, err
	}
	return e, nil
}
