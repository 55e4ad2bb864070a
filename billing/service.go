package billing

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/recurrence"
)

// =============================================================================
// SERVICE - Template lifecycle, manual invoices, expenses
// =============================================================================

// Service holds the tenant-scoped operations around the Runner. Every method
// that takes a tenantID rejects records of other tenants with
// ErrTenantMismatch.
type Service struct {
	store TxStore
	opts  options
}

func NewService(store TxStore, opts ...Option) *Service {
	return &Service{store: store, opts: newOptions(opts)}
}

// -----------------------------------------------------------------------------
// Templates
// -----------------------------------------------------------------------------

// CreateTemplate validates t, normalizes its dates to noon UTC, derives its
// totals and persists it as ACTIVE. NextRunDate defaults to StartDate.
func (s *Service) CreateTemplate(ctx context.Context, t RecurringTemplate) (*RecurringTemplate, error) {
	if err := t.Rule().Validate(); err != nil {
		return nil, err
	}
	if err := validateTemplate(t); err != nil {
		return nil, err
	}

	now := s.opts.now().UTC()
	t.StartDate = recurrence.Noon(t.StartDate)
	if t.NextRunDate.IsZero() {
		t.NextRunDate = t.StartDate
	}
	t.NextRunDate = recurrence.Noon(t.NextRunDate)
	if t.NextRunDate.Before(t.StartDate) {
		return nil, invalid("next_run_date", "must not be before start_date")
	}
	if t.EndDate != nil {
		end := recurrence.Noon(*t.EndDate)
		if end.Before(t.StartDate) {
			return nil, invalid("end_date", "must not be before start_date")
		}
		t.EndDate = &end
	}
	if t.ID == "" {
		t.ID = NewID(PrefixTemplate)
	}
	if t.Currency == "" {
		t.Currency = "USD"
	}
	t.Status = TemplateActive
	t.LineItems = CopyItems(t.LineItems)
	t.Recalculate()
	t.Version = 1
	t.CreatedAt, t.UpdatedAt = now, now

	if err := s.store.WithTx(ctx, func(tx Tx) error {
		return tx.InsertTemplate(ctx, t)
	}); err != nil {
		return nil, errors.Wrap(err, "create template")
	}

	s.opts.logger.Info("template created",
		zap.String("tenant_id", t.TenantID),
		zap.String("template_id", t.ID),
		zap.String("rule", t.Rule().String()),
		zap.Time("next_run_date", t.NextRunDate))
	return &t, nil
}

func validateTemplate(t RecurringTemplate) error {
	switch {
	case strings.TrimSpace(t.TenantID) == "":
		return invalid("tenant_id", "required")
	case strings.TrimSpace(t.ContactID) == "":
		return invalid("contact_id", "required")
	case t.StartDate.IsZero():
		return invalid("start_date", "required")
	case len(t.LineItems) == 0:
		return invalid("line_items", "at least one line item is required")
	case t.TaxRate.IsNegative():
		return invalid("tax_rate", "must not be negative")
	}
	return validateItems(t.LineItems)
}

func validateItems(items []LineItem) error {
	for i, li := range items {
		if strings.TrimSpace(li.Description) == "" {
			return invalid("line_items", "item %d: description required", i)
		}
		if !li.Quantity.IsPositive() {
			return invalid("line_items", "item %d: quantity must be positive", i)
		}
		if li.UnitPrice.IsNegative() {
			return invalid("line_items", "item %d: unit price must not be negative", i)
		}
	}
	return nil
}

// GetTemplate returns the tenant's template.
func (s *Service) GetTemplate(ctx context.Context, tenantID, id string) (*RecurringTemplate, error) {
	t, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := scope(t.TenantID, tenantID, id); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) ListTemplates(ctx context.Context, tenantID string) ([]RecurringTemplate, error) {
	return s.store.ListTemplates(ctx, tenantID)
}

// UpdateLineItems replaces the whole item list and refreshes the totals.
// Invoices already generated keep their own copy.
func (s *Service) UpdateLineItems(ctx context.Context, tenantID, id string, items []LineItem) (*RecurringTemplate, error) {
	if len(items) == 0 {
		return nil, invalid("line_items", "at least one line item is required")
	}
	if err := validateItems(items); err != nil {
		return nil, err
	}
	return s.mutateTemplate(ctx, tenantID, id, func(t *RecurringTemplate) error {
		t.LineItems = CopyItems(items)
		t.Recalculate()
		return nil
	})
}

// Pause stops generation without touching NextRunDate, so Resume catches up
// everything missed in between.
func (s *Service) Pause(ctx context.Context, tenantID, id string) (*RecurringTemplate, error) {
	return s.transition(ctx, tenantID, id, TemplatePaused)
}

func (s *Service) Resume(ctx context.Context, tenantID, id string) (*RecurringTemplate, error) {
	return s.transition(ctx, tenantID, id, TemplateActive)
}

// Cancel is final: a cancelled template never generates again.
func (s *Service) Cancel(ctx context.Context, tenantID, id string) (*RecurringTemplate, error) {
	return s.transition(ctx, tenantID, id, TemplateCancelled)
}

// CanTransition reports whether a template may move from one status to
// another through Pause/Resume/Cancel.
func CanTransition(from, to TemplateStatus) bool {
	switch from {
	case TemplateActive:
		return to == TemplatePaused || to == TemplateCancelled
	case TemplatePaused:
		return to == TemplateActive || to == TemplateCancelled
	}
	return false
}

func (s *Service) transition(ctx context.Context, tenantID, id string, to TemplateStatus) (*RecurringTemplate, error) {
	t, err := s.mutateTemplate(ctx, tenantID, id, func(t *RecurringTemplate) error {
		if !CanTransition(t.Status, to) {
			return &TransitionError{TemplateID: t.ID, From: t.Status, To: to}
		}
		t.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.opts.logger.Info("template status changed",
		zap.String("tenant_id", tenantID),
		zap.String("template_id", id),
		zap.String("status", string(to)))
	return t, nil
}

// mutateTemplate applies fn to a fresh copy inside a transaction, retrying on
// version conflicts.
func (s *Service) mutateTemplate(ctx context.Context, tenantID, id string, fn func(t *RecurringTemplate) error) (*RecurringTemplate, error) {
	var out RecurringTemplate
	err := s.opts.retry(ctx, func() error {
		return s.store.WithTx(ctx, func(tx Tx) error {
			t, err := tx.GetTemplate(ctx, id)
			if err != nil {
				return err
			}
			if err := scope(t.TenantID, tenantID, id); err != nil {
				return err
			}
			if err := fn(t); err != nil {
				return err
			}
			t.UpdatedAt = s.opts.now().UTC()
			if err := tx.UpdateTemplate(ctx, *t); err != nil {
				return err
			}
			t.Version++
			out = *t
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteTemplate removes the template and its line items. Generated invoices
// are historical records and stay.
func (s *Service) DeleteTemplate(ctx context.Context, tenantID, id string) error {
	return s.store.WithTx(ctx, func(tx Tx) error {
		t, err := tx.GetTemplate(ctx, id)
		if err != nil {
			return err
		}
		if err := scope(t.TenantID, tenantID, id); err != nil {
			return err
		}
		return tx.DeleteTemplate(ctx, id)
	})
}

// -----------------------------------------------------------------------------
// Invoices
// -----------------------------------------------------------------------------

// CreateInvoice records a manually entered invoice. The number is allocated in
// the same transaction as the insert and retried on collision.
func (s *Service) CreateInvoice(ctx context.Context, inv Invoice) (*Invoice, error) {
	switch {
	case strings.TrimSpace(inv.TenantID) == "":
		return nil, invalid("tenant_id", "required")
	case strings.TrimSpace(inv.ContactID) == "":
		return nil, invalid("contact_id", "required")
	case inv.IssueDate.IsZero():
		return nil, invalid("issue_date", "required")
	}
	if inv.Status == "" {
		inv.Status = InvoiceDraft
	}
	if !inv.Status.IsValid() {
		return nil, invalid("status", "unknown status %q", string(inv.Status))
	}
	if err := validateItems(inv.Items); err != nil {
		return nil, err
	}

	inv.IssueDate = recurrence.Noon(inv.IssueDate)
	if inv.DueDate.IsZero() {
		inv.DueDate = inv.IssueDate
	}
	inv.DueDate = recurrence.Noon(inv.DueDate)
	if inv.CoversOccurrence != nil {
		occ := recurrence.Noon(*inv.CoversOccurrence)
		inv.CoversOccurrence = &occ
	}
	if len(inv.Items) > 0 {
		inv.Items = CopyItems(inv.Items)
		inv.Subtotal, inv.Tax, inv.Total = Totals(inv.Items, taxRateOf(inv))
	}
	if inv.Total.IsNegative() {
		return nil, invalid("total", "must not be negative")
	}
	if inv.Status == InvoicePaid && inv.PaidAt == nil {
		paid := inv.IssueDate
		inv.PaidAt = &paid
	}
	if inv.Currency == "" {
		inv.Currency = "USD"
	}
	inv.RecurringTemplateID = nil
	inv.CreatedAt = s.opts.now().UTC()

	var out Invoice
	err := s.opts.retry(ctx, func() error {
		return s.store.WithTx(ctx, func(tx Tx) error {
			number, err := NextInvoiceNumber(ctx, tx, inv.TenantID)
			if err != nil {
				return err
			}
			attempt := inv
			attempt.ID = NewID(PrefixInvoice)
			attempt.InvoiceNumber = number
			if err := tx.InsertInvoice(ctx, attempt); err != nil {
				return err
			}
			out = attempt
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.opts.logger.Info("invoice created",
		zap.String("tenant_id", out.TenantID),
		zap.String("invoice_number", out.InvoiceNumber),
		zap.String("total", out.Total.StringFixed(2)))
	return &out, nil
}

// taxRateOf recovers the tax rate implied by explicit subtotal/tax fields so
// recomputing from items keeps the caller's tax.
func taxRateOf(inv Invoice) decimal.Decimal {
	if inv.Subtotal.IsZero() {
		return decimal.Zero
	}
	return inv.Tax.Mul(hundred).Div(inv.Subtotal)
}

func (s *Service) GetInvoice(ctx context.Context, tenantID, id string) (*Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := scope(inv.TenantID, tenantID, id); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) ListInvoices(ctx context.Context, tenantID string) ([]Invoice, error) {
	return s.store.ListInvoices(ctx, tenantID)
}

// MarkPaid sets the invoice to PAID at paidAt (noon UTC of that day).
func (s *Service) MarkPaid(ctx context.Context, tenantID, id string, paidAt time.Time) (*Invoice, error) {
	if paidAt.IsZero() {
		paidAt = s.opts.now()
	}
	paid := recurrence.Noon(paidAt)

	var out Invoice
	err := s.store.WithTx(ctx, func(tx Tx) error {
		inv, err := tx.GetInvoice(ctx, id)
		if err != nil {
			return err
		}
		if err := scope(inv.TenantID, tenantID, id); err != nil {
			return err
		}
		if inv.Status == InvoiceCancelled {
			return invalid("status", "cancelled invoices cannot be paid")
		}
		inv.Status = InvoicePaid
		inv.PaidAt = &paid
		if err := tx.UpdateInvoice(ctx, *inv); err != nil {
			return err
		}
		out = *inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteInvoice removes an invoice. Its number is never handed out again.
func (s *Service) DeleteInvoice(ctx context.Context, tenantID, id string) error {
	return s.store.WithTx(ctx, func(tx Tx) error {
		inv, err := tx.GetInvoice(ctx, id)
		if err != nil {
			return err
		}
		if err := scope(inv.TenantID, tenantID, id); err != nil {
			return err
		}
		return tx.DeleteInvoice(ctx, id)
	})
}

// -----------------------------------------------------------------------------
// Expenses
// -----------------------------------------------------------------------------

func (s *Service) CreateExpense(ctx context.Context, e Expense) (*Expense, error) {
	switch {
	case strings.TrimSpace(e.TenantID) == "":
		return nil, invalid("tenant_id", "required")
	case strings.TrimSpace(e.Category) == "":
		return nil, invalid("category", "required")
	case e.Date.IsZero():
		return nil, invalid("date", "required")
	case e.Amount.IsNegative():
		return nil, invalid("amount", "must not be negative")
	}
	e.Date = recurrence.Noon(e.Date)
	if e.Recurring {
		if err := e.Rule().Validate(); err != nil {
			return nil, err
		}
		if e.EndDate != nil {
			end := recurrence.Noon(*e.EndDate)
			if end.Before(e.Date) {
				return nil, invalid("end_date", "must not be before date")
			}
			e.EndDate = &end
		}
	} else {
		e.Frequency, e.Interval, e.EndDate = "", 0, nil
	}
	if e.ID == "" {
		e.ID = NewID(PrefixExpense)
	}
	e.IsActive = true
	e.CreatedAt = s.opts.now().UTC()

	if err := s.store.WithTx(ctx, func(tx Tx) error {
		return tx.InsertExpense(ctx, e)
	}); err != nil {
		return nil, errors.Wrap(err, "create expense")
	}
	return &e, nil
}

func (s *Service) ListExpenses(ctx context.Context, tenantID string) ([]Expense, error) {
	return s.store.ListExpenses(ctx, tenantID)
}

// DeactivateExpense stops a recurring expense from producing further
// occurrences without deleting it.
func (s *Service) DeactivateExpense(ctx context.Context, tenantID, id string) (*Expense, error) {
	var out Expense
	err := s.store.WithTx(ctx, func(tx Tx) error {
		e, err := tx.GetExpense(ctx, id)
		if err != nil {
			return err
		}
		if err := scope(e.TenantID, tenantID, id); err != nil {
			return err
		}
		e.IsActive = false
		if err := tx.UpdateExpense(ctx, *e); err != nil {
			return err
		}
		out = *e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
