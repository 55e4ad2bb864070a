/*
Package factory provides JSON to Go conversion for billing records.

PURPOSE:
  Converts JSON template, invoice and expense definitions into billing
  structs, and back. This enables template configuration without code
  changes - an admin UI or an import script posts JSON, and the factory
  creates the proper Go structs with dates normalized and fields checked.

JSON SCHEMA (template):
  {
    "contact_id": "contact-acme",
    "name": "Monthly hosting",
    "frequency": "monthly",
    "interval": 1,
    "start_date": "2026-01-15",
    "end_date": "2026-12-31",
    "tax_rate": "20",
    "currency": "USD",
    "line_items": [
      {"description": "Hosting", "quantity": "1", "unit_price": "500"}
    ]
  }

  Amounts accept JSON numbers or strings ("49.90"); output always uses
  strings so no precision is lost in transit.

KEY FEATURES:
  - Case-insensitive frequency ("monthly" == "MONTHLY")
  - Dates are YYYY-MM-DD calendar days, normalized to noon UTC
  - Interval defaults to 1
  - Field errors are *billing.ValidationError naming the JSON field

USAGE:
  f := factory.New()

  tmpl, err := f.ParseTemplate(tenantID, body)
  created, err := service.CreateTemplate(ctx, tmpl)

  json.NewEncoder(w).Encode(f.TemplateToJSON(*created))

SEE ALSO:
  - billing/types.go: record definitions
  - api/handlers.go: the HTTP layer that feeds bodies here
  - api/scenarios.go: demo data written as JSON
*/
package factory

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/recurrence"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// LineItemJSON is the JSON representation of a line item.
type LineItemJSON struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      decimal.Decimal `json:"amount,omitempty"` // output only
}

// TemplateJSON is the JSON representation of a recurring template.
// Fields marked output only are ignored on input.
type TemplateJSON struct {
	ID          string          `json:"id,omitempty"` // output only
	ContactID   string          `json:"contact_id"`
	Name        string          `json:"name"`
	Frequency   string          `json:"frequency"`
	Interval    int             `json:"interval,omitempty"`
	StartDate   string          `json:"start_date"`
	NextRunDate string          `json:"next_run_date,omitempty"`
	EndDate     string          `json:"end_date,omitempty"`
	Status      string          `json:"status,omitempty"` // output only
	TaxRate     decimal.Decimal `json:"tax_rate"`
	Currency    string          `json:"currency,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	LineItems   []LineItemJSON  `json:"line_items"`
	Subtotal    string          `json:"subtotal,omitempty"` // output only
	Tax         string          `json:"tax,omitempty"`      // output only
	Total       string          `json:"total,omitempty"`    // output only
	Version     int64           `json:"version,omitempty"`  // output only
}

// InvoiceJSON is the JSON representation of an invoice.
type InvoiceJSON struct {
	ID                  string          `json:"id,omitempty"`             // output only
	InvoiceNumber       string          `json:"invoice_number,omitempty"` // output only
	ContactID           string          `json:"contact_id"`
	IssueDate           string          `json:"issue_date"`
	DueDate             string          `json:"due_date,omitempty"`
	Status              string          `json:"status,omitempty"`
	TaxRate             decimal.Decimal `json:"tax_rate,omitempty"` // input only
	Currency            string          `json:"currency,omitempty"`
	Items               []LineItemJSON  `json:"items"`
	PaidAt              string          `json:"paid_at,omitempty"`
	RecurringTemplateID string          `json:"recurring_template_id,omitempty"` // output only
	CoversTemplateID    string          `json:"covers_template_id,omitempty"`
	CoversOccurrence    string          `json:"covers_occurrence,omitempty"`
	Notes               string          `json:"notes,omitempty"`
	Subtotal            string          `json:"subtotal,omitempty"` // output only
	Tax                 string          `json:"tax,omitempty"`      // output only
	Total               string          `json:"total,omitempty"`    // output only
}

// ExpenseJSON is the JSON representation of an expense.
type ExpenseJSON struct {
	ID          string          `json:"id,omitempty"` // output only
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
	TaxCategory string          `json:"tax_category,omitempty"`
	ContactID   string          `json:"contact_id,omitempty"`
	Date        string          `json:"date"`
	Recurring   bool            `json:"recurring,omitempty"`
	Frequency   string          `json:"frequency,omitempty"`
	Interval    int             `json:"interval,omitempty"`
	EndDate     string          `json:"end_date,omitempty"`
	IsActive    *bool           `json:"is_active,omitempty"` // output only
}

// =============================================================================
// FACTORY
// =============================================================================

// Factory converts JSON records to billing structs.
type Factory struct{}

// New creates a new factory.
func New() *Factory {
	return &Factory{}
}

// =============================================================================
// TEMPLATES
// =============================================================================

// ParseTemplate parses a JSON body into a template owned by tenantID.
func (f *Factory) ParseTemplate(tenantID string, data []byte) (billing.RecurringTemplate, error) {
	var tj TemplateJSON
	if err := decode(data, &tj); err != nil {
		return billing.RecurringTemplate{}, err
	}
	return f.TemplateFromJSON(tenantID, tj)
}

// TemplateFromJSON converts TemplateJSON to a RecurringTemplate. The result
// still goes through billing.Service.CreateTemplate for the business rules.
func (f *Factory) TemplateFromJSON(tenantID string, tj TemplateJSON) (billing.RecurringTemplate, error) {
	freq, err := recurrence.ParseFrequency(tj.Frequency)
	if err != nil {
		return billing.RecurringTemplate{}, err
	}
	interval := tj.Interval
	if interval == 0 {
		interval = 1
	}

	t := billing.RecurringTemplate{
		TenantID:  tenantID,
		ContactID: strings.TrimSpace(tj.ContactID),
		Name:      strings.TrimSpace(tj.Name),
		Frequency: freq,
		Interval:  interval,
		TaxRate:   tj.TaxRate,
		Currency:  strings.ToUpper(strings.TrimSpace(tj.Currency)),
		Notes:     tj.Notes,
		LineItems: f.ItemsFromJSON(tj.LineItems),
	}
	if t.StartDate, err = requiredDate("start_date", tj.StartDate); err != nil {
		return t, err
	}
	if tj.NextRunDate != "" {
		if t.NextRunDate, err = requiredDate("next_run_date", tj.NextRunDate); err != nil {
			return t, err
		}
	}
	if t.EndDate, err = optionalDate("end_date", tj.EndDate); err != nil {
		return t, err
	}
	return t, nil
}

// TemplateToJSON converts a RecurringTemplate to its JSON form.
func (f *Factory) TemplateToJSON(t billing.RecurringTemplate) TemplateJSON {
	return TemplateJSON{
		ID:          t.ID,
		ContactID:   t.ContactID,
		Name:        t.Name,
		Frequency:   string(t.Frequency),
		Interval:    t.Interval,
		StartDate:   formatDate(t.StartDate),
		NextRunDate: formatDate(t.NextRunDate),
		EndDate:     formatDatePtr(t.EndDate),
		Status:      string(t.Status),
		TaxRate:     t.TaxRate,
		Currency:    t.Currency,
		Notes:       t.Notes,
		LineItems:   f.ItemsToJSON(t.LineItems),
		Subtotal:    money(t.Subtotal),
		Tax:         money(t.Tax),
		Total:       money(t.Total),
		Version:     t.Version,
	}
}

// =============================================================================
// LINE ITEMS
// =============================================================================

// ParseLineItems parses a JSON array of line items.
func (f *Factory) ParseLineItems(data []byte) ([]billing.LineItem, error) {
	var items []LineItemJSON
	if err := decode(data, &items); err != nil {
		return nil, err
	}
	return f.ItemsFromJSON(items), nil
}

func (f *Factory) ItemsFromJSON(items []LineItemJSON) []billing.LineItem {
	return lo.Map(items, func(li LineItemJSON, _ int) billing.LineItem {
		return billing.LineItem{
			Description: strings.TrimSpace(li.Description),
			Quantity:    li.Quantity,
			UnitPrice:   li.UnitPrice,
		}
	})
}

func (f *Factory) ItemsToJSON(items []billing.LineItem) []LineItemJSON {
	return lo.Map(items, func(li billing.LineItem, _ int) LineItemJSON {
		return LineItemJSON{
			Description: li.Description,
			Quantity:    li.Quantity,
			UnitPrice:   li.UnitPrice,
			Amount:      billing.RoundMoney(li.Amount()),
		}
	})
}

// =============================================================================
// INVOICES
// =============================================================================

// ParseInvoice parses a manual invoice owned by tenantID.
func (f *Factory) ParseInvoice(tenantID string, data []byte) (billing.Invoice, error) {
	var ij InvoiceJSON
	if err := decode(data, &ij); err != nil {
		return billing.Invoice{}, err
	}
	return f.InvoiceFromJSON(tenantID, ij)
}

// InvoiceFromJSON converts InvoiceJSON to an Invoice. A non-zero tax_rate is
// applied to the items; the number is always allocated by the service.
func (f *Factory) InvoiceFromJSON(tenantID string, ij InvoiceJSON) (billing.Invoice, error) {
	inv := billing.Invoice{
		TenantID:  tenantID,
		ContactID: strings.TrimSpace(ij.ContactID),
		Status:    billing.InvoiceStatus(strings.ToUpper(strings.TrimSpace(ij.Status))),
		Currency:  strings.ToUpper(strings.TrimSpace(ij.Currency)),
		Items:     f.ItemsFromJSON(ij.Items),
		Notes:     ij.Notes,
	}
	if inv.Status != "" && !inv.Status.IsValid() {
		return inv, &billing.ValidationError{Field: "status", Message: "unknown invoice status " + ij.Status}
	}

	var err error
	if inv.IssueDate, err = requiredDate("issue_date", ij.IssueDate); err != nil {
		return inv, err
	}
	if ij.DueDate != "" {
		if inv.DueDate, err = requiredDate("due_date", ij.DueDate); err != nil {
			return inv, err
		}
	}
	if inv.PaidAt, err = optionalDate("paid_at", ij.PaidAt); err != nil {
		return inv, err
	}

	if ij.CoversTemplateID != "" || ij.CoversOccurrence != "" {
		if ij.CoversTemplateID == "" || ij.CoversOccurrence == "" {
			return inv, &billing.ValidationError{
				Field:   "covers_occurrence",
				Message: "covers_template_id and covers_occurrence go together",
			}
		}
		inv.CoversTemplateID = lo.ToPtr(ij.CoversTemplateID)
		if inv.CoversOccurrence, err = optionalDate("covers_occurrence", ij.CoversOccurrence); err != nil {
			return inv, err
		}
	}

	if !ij.TaxRate.IsZero() {
		inv.Subtotal, inv.Tax, inv.Total = billing.Totals(inv.Items, ij.TaxRate)
	}
	return inv, nil
}

// InvoiceToJSON converts an Invoice to its JSON form.
func (f *Factory) InvoiceToJSON(inv billing.Invoice) InvoiceJSON {
	return InvoiceJSON{
		ID:                  inv.ID,
		InvoiceNumber:       inv.InvoiceNumber,
		ContactID:           inv.ContactID,
		IssueDate:           formatDate(inv.IssueDate),
		DueDate:             formatDate(inv.DueDate),
		Status:              string(inv.Status),
		Currency:            inv.Currency,
		Items:               f.ItemsToJSON(inv.Items),
		PaidAt:              formatDatePtr(inv.PaidAt),
		RecurringTemplateID: lo.FromPtr(inv.RecurringTemplateID),
		CoversTemplateID:    lo.FromPtr(inv.CoversTemplateID),
		CoversOccurrence:    formatDatePtr(inv.CoversOccurrence),
		Notes:               inv.Notes,
		Subtotal:            money(inv.Subtotal),
		Tax:                 money(inv.Tax),
		Total:               money(inv.Total),
	}
}

// =============================================================================
// EXPENSES
// =============================================================================

// ParseExpense parses an expense owned by tenantID.
func (f *Factory) ParseExpense(tenantID string, data []byte) (billing.Expense, error) {
	var ej ExpenseJSON
	if err := decode(data, &ej); err != nil {
		return billing.Expense{}, err
	}
	return f.ExpenseFromJSON(tenantID, ej)
}

func (f *Factory) ExpenseFromJSON(tenantID string, ej ExpenseJSON) (billing.Expense, error) {
	e := billing.Expense{
		TenantID:    tenantID,
		Description: strings.TrimSpace(ej.Description),
		Amount:      ej.Amount,
		Category:    strings.TrimSpace(ej.Category),
		TaxCategory: strings.TrimSpace(ej.TaxCategory),
		Recurring:   ej.Recurring,
	}
	if c := strings.TrimSpace(ej.ContactID); c != "" {
		e.ContactID = &c
	}

	var err error
	if e.Date, err = requiredDate("date", ej.Date); err != nil {
		return e, err
	}
	if !ej.Recurring {
		return e, nil
	}

	if e.Frequency, err = recurrence.ParseFrequency(ej.Frequency); err != nil {
		return e, err
	}
	e.Interval = ej.Interval
	if e.Interval == 0 {
		e.Interval = 1
	}
	if e.EndDate, err = optionalDate("end_date", ej.EndDate); err != nil {
		return e, err
	}
	return e, nil
}

func (f *Factory) ExpenseToJSON(e billing.Expense) ExpenseJSON {
	active := e.IsActive
	return ExpenseJSON{
		ID:          e.ID,
		Description: e.Description,
		Amount:      e.Amount,
		Category:    e.Category,
		TaxCategory: e.TaxCategory,
		ContactID:   lo.FromPtr(e.ContactID),
		Date:        formatDate(e.Date),
		Recurring:   e.Recurring,
		Frequency:   string(e.Frequency),
		Interval:    e.Interval,
		EndDate:     formatDatePtr(e.EndDate),
		IsActive:    &active,
	}
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &billing.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}

func requiredDate(field, s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, &billing.ValidationError{Field: field, Message: "is required"}
	}
	t, err := recurrence.ParseDate(strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, &billing.ValidationError{Field: field, Message: "must be YYYY-MM-DD, got " + s}
	}
	return t, nil
}

func optionalDate(field, s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := requiredDate(field, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(recurrence.DateLayout)
}

func formatDatePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatDate(*t)
}

func money(d decimal.Decimal) string {
	return billing.RoundMoney(d).StringFixed(2)
}
