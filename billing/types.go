/*
Package billing provides the recurring billing core.

PURPOSE:
  Turns recurring invoice templates into dated invoices, exactly once per
  occurrence, and owns the invoice numbering sequence of every tenant.

KEY CONCEPTS IN THIS FILE (types.go):
  - RecurringTemplate: a schedule (frequency, interval, nextRunDate) plus the
    line items every generated invoice copies
  - Invoice: a numbered bill; generated ones point back at their template
  - Expense: one-time or recurring cost, used by reporting
  - LineItem: description, quantity, unit price

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal, never float64
  2. Snapshots: an invoice copies the template's items when it is created and
     never sees later template edits
  3. Noon dates: every schedule date is normalized to 12:00 UTC
  4. The schedule pointer (NextRunDate) only moves inside a committed
     transaction, see runner.go

SEE ALSO:
  - runner.go: catch-up generation
  - numbering.go: invoice number allocation
  - store.go: persistence contracts
  - recurrence: calendar arithmetic
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/recurrence"
)

// =============================================================================
// MONEY
// =============================================================================

// MoneyEpsilon is the tolerance used when two amounts are compared for
// equality after independent rounding.
var MoneyEpsilon = decimal.New(1, -2)

var hundred = decimal.NewFromInt(100)

// RoundMoney rounds to cents. Aggregations keep full precision and only round
// at output boundaries.
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// MoneyEqual reports whether a and b differ by at most epsilon.
func MoneyEqual(a, b, epsilon decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(epsilon)
}

// =============================================================================
// LINE ITEMS
// =============================================================================

type LineItem struct {
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
}

func (li LineItem) Amount() decimal.Decimal { return li.Quantity.Mul(li.UnitPrice) }

// CopyItems returns an independent copy of items.
func CopyItems(items []LineItem) []LineItem {
	if items == nil {
		return nil
	}
	out := make([]LineItem, len(items))
	copy(out, items)
	return out
}

// Totals computes subtotal, tax and total for items at taxRate percent.
func Totals(items []LineItem, taxRate decimal.Decimal) (subtotal, tax, total decimal.Decimal) {
	for _, li := range items {
		subtotal = subtotal.Add(li.Amount())
	}
	subtotal = RoundMoney(subtotal)
	tax = RoundMoney(subtotal.Mul(taxRate).Div(hundred))
	return subtotal, tax, subtotal.Add(tax)
}

// =============================================================================
// RECURRING TEMPLATE
// =============================================================================

type TemplateStatus string

const (
	TemplateActive    TemplateStatus = "ACTIVE"
	TemplatePaused    TemplateStatus = "PAUSED"
	TemplateCancelled TemplateStatus = "CANCELLED"
	TemplateCompleted TemplateStatus = "COMPLETED"
)

func (s TemplateStatus) IsValid() bool {
	switch s {
	case TemplateActive, TemplatePaused, TemplateCancelled, TemplateCompleted:
		return true
	}
	return false
}

// RecurringTemplate is the definition a stream of invoices is generated from.
//
// INVARIANTS:
//   - NextRunDate >= StartDate, noon UTC
//   - NextRunDate strictly advances on each materialized occurrence
//   - Subtotal/Tax/Total are derived from LineItems and TaxRate (Recalculate)
//   - Version increases on every persisted change (optimistic locking)
type RecurringTemplate struct {
	ID          string
	TenantID    string
	ContactID   string
	Name        string
	Frequency   recurrence.Frequency
	Interval    int
	StartDate   time.Time
	NextRunDate time.Time
	EndDate     *time.Time
	Status      TemplateStatus
	LineItems   []LineItem
	TaxRate     decimal.Decimal // percent, e.g. 20 for 20%
	Subtotal    decimal.Decimal
	Tax         decimal.Decimal
	Total       decimal.Decimal
	Currency    string
	Notes       string
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (t RecurringTemplate) Rule() recurrence.Rule {
	return recurrence.Rule{Frequency: t.Frequency, Interval: t.Interval}
}

// Recalculate refreshes the cached totals from the line items.
func (t *RecurringTemplate) Recalculate() {
	t.Subtotal, t.Tax, t.Total = Totals(t.LineItems, t.TaxRate)
}

// IsDue reports whether an occurrence is waiting to be generated at asOf.
// Both sides are compared at noon UTC.
func (t RecurringTemplate) IsDue(asOf time.Time) bool {
	return t.Status == TemplateActive && !recurrence.Noon(t.NextRunDate).After(recurrence.Noon(asOf))
}

// PastEnd reports whether date lies beyond the optional end date.
func (t RecurringTemplate) PastEnd(date time.Time) bool {
	return t.EndDate != nil && date.After(recurrence.Noon(*t.EndDate))
}

// Clone returns a deep copy.
func (t RecurringTemplate) Clone() RecurringTemplate {
	t.LineItems = CopyItems(t.LineItems)
	if t.EndDate != nil {
		end := *t.EndDate
		t.EndDate = &end
	}
	return t
}

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "DRAFT"
	InvoiceSent      InvoiceStatus = "SENT"
	InvoicePaid      InvoiceStatus = "PAID"
	InvoiceOverdue   InvoiceStatus = "OVERDUE"
	InvoiceCancelled InvoiceStatus = "CANCELLED"
)

func (s InvoiceStatus) IsValid() bool {
	switch s {
	case InvoiceDraft, InvoiceSent, InvoicePaid, InvoiceOverdue, InvoiceCancelled:
		return true
	}
	return false
}

// Invoice is a numbered bill.
//
// RecurringTemplateID is set iff the invoice was generated by the Runner; its
// IssueDate is then exactly one occurrence of that template.
//
// CoversTemplateID/CoversOccurrence let a manually entered invoice declare
// which template occurrence it settles. Reporting matches on this link before
// falling back to amount+month matching.
type Invoice struct {
	ID                  string
	TenantID            string
	InvoiceNumber       string
	ContactID           string
	IssueDate           time.Time
	DueDate             time.Time
	Status              InvoiceStatus
	Items               []LineItem
	Subtotal            decimal.Decimal
	Tax                 decimal.Decimal
	Total               decimal.Decimal
	Currency            string
	PaidAt              *time.Time
	RecurringTemplateID *string
	CoversTemplateID    *string
	CoversOccurrence    *time.Time
	Notes               string
	CreatedAt           time.Time
}

// RevenueDate is when the invoice counts as income: the payment date when
// known, the issue date otherwise.
func (inv Invoice) RevenueDate() time.Time {
	if inv.PaidAt != nil {
		return *inv.PaidAt
	}
	return inv.IssueDate
}

// SettlesTemplate returns the template this invoice is linked to, through
// generation or through an explicit covers reference.
func (inv Invoice) SettlesTemplate() (templateID string, occurrence time.Time, ok bool) {
	if inv.RecurringTemplateID != nil {
		return *inv.RecurringTemplateID, inv.IssueDate, true
	}
	if inv.CoversTemplateID != nil {
		occ := inv.IssueDate
		if inv.CoversOccurrence != nil {
			occ = *inv.CoversOccurrence
		}
		return *inv.CoversTemplateID, occ, true
	}
	return "", time.Time{}, false
}

func (inv Invoice) Clone() Invoice {
	inv.Items = CopyItems(inv.Items)
	inv.PaidAt = clonePtr(inv.PaidAt)
	inv.RecurringTemplateID = clonePtr(inv.RecurringTemplateID)
	inv.CoversTemplateID = clonePtr(inv.CoversTemplateID)
	inv.CoversOccurrence = clonePtr(inv.CoversOccurrence)
	return inv
}

// =============================================================================
// EXPENSE
// =============================================================================

// Expense is a cost. One-time expenses happen on Date. Recurring ones repeat
// from Date (the anchor) by Frequency/Interval until EndDate, and only while
// IsActive.
type Expense struct {
	ID          string
	TenantID    string
	Description string
	Amount      decimal.Decimal
	Category    string
	TaxCategory string
	ContactID   *string
	Date        time.Time
	Recurring   bool
	Frequency   recurrence.Frequency
	Interval    int
	EndDate     *time.Time
	IsActive    bool
	CreatedAt   time.Time
}

func (e Expense) Rule() recurrence.Rule {
	return recurrence.Rule{Frequency: e.Frequency, Interval: e.Interval}
}

// Occurrences returns the dates the expense is incurred inside w.
func (e Expense) Occurrences(w recurrence.Window) (recurrence.Expansion, error) {
	if !e.Recurring {
		if w.Contains(e.Date) {
			return recurrence.Expansion{Dates: []time.Time{e.Date}}, nil
		}
		return recurrence.Expansion{}, nil
	}
	if !e.IsActive {
		return recurrence.Expansion{}, nil
	}
	if e.EndDate != nil {
		w = w.Clip(recurrence.EndOfDay(*e.EndDate))
	}
	return e.Rule().Expand(recurrence.Noon(e.Date), w.Start, w.End)
}

func (e Expense) Clone() Expense {
	e.ContactID = clonePtr(e.ContactID)
	e.EndDate = clonePtr(e.EndDate)
	return e
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
