// Package store provides in-memory billing.TxStore implementations.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/recurrence"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory serializes transactions behind one lock. A transaction works on a
// copy of the state that replaces the live state on commit, so a failed fn
// leaves nothing behind.
type Memory struct {
	mu    sync.RWMutex
	state *state
}

type state struct {
	templates map[string]billing.RecurringTemplate
	invoices  map[string]billing.Invoice
	expenses  map[string]billing.Expense
	sequences map[string]int64
}

func newState() *state {
	return &state{
		templates: make(map[string]billing.RecurringTemplate),
		invoices:  make(map[string]billing.Invoice),
		expenses:  make(map[string]billing.Expense),
		sequences: make(map[string]int64),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.templates {
		c.templates[k] = v.Clone()
	}
	for k, v := range s.invoices {
		c.invoices[k] = v.Clone()
	}
	for k, v := range s.expenses {
		c.expenses[k] = v.Clone()
	}
	for k, v := range s.sequences {
		c.sequences[k] = v
	}
	return c
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

var _ billing.TxStore = (*Memory)(nil)

// WithTx executes fn within a transaction.
func (m *Memory) WithTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetTemplate(_ context.Context, id string) (*billing.RecurringTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getTemplate(id)
}

func (m *Memory) ListTemplates(_ context.Context, tenantID string) ([]billing.RecurringTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.templatesWhere(func(t billing.RecurringTemplate) bool {
		return t.TenantID == tenantID
	}), nil
}

func (m *Memory) ListActiveTemplates(_ context.Context, tenantID string) ([]billing.RecurringTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.templatesWhere(func(t billing.RecurringTemplate) bool {
		return t.TenantID == tenantID && t.Status == billing.TemplateActive
	}), nil
}

func (m *Memory) ListDueTemplates(_ context.Context, asOf time.Time) ([]billing.RecurringTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.templatesWhere(func(t billing.RecurringTemplate) bool {
		return t.IsDue(asOf)
	}), nil
}

func (m *Memory) GetInvoice(_ context.Context, id string) (*billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getInvoice(id)
}

func (m *Memory) ListInvoices(_ context.Context, tenantID string) ([]billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.invoicesWhere(func(inv billing.Invoice) bool {
		return inv.TenantID == tenantID
	}), nil
}

func (m *Memory) ListInvoicesByTemplate(_ context.Context, templateID string) ([]billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.invoicesWhere(func(inv billing.Invoice) bool {
		return inv.RecurringTemplateID != nil && *inv.RecurringTemplateID == templateID
	}), nil
}

func (m *Memory) ListPaidInvoices(_ context.Context, tenantID string, from, to time.Time) ([]billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.invoicesWhere(func(inv billing.Invoice) bool {
		if inv.TenantID != tenantID || inv.Status != billing.InvoicePaid {
			return false
		}
		d := inv.RevenueDate()
		return !d.Before(from) && !d.After(to)
	}), nil
}

func (m *Memory) GetExpense(_ context.Context, id string) (*billing.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getExpense(id)
}

func (m *Memory) ListExpenses(_ context.Context, tenantID string) ([]billing.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Expense
	for _, e := range m.state.expenses {
		if e.TenantID == tenantID {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =============================================================================
// STATE HELPERS
// =============================================================================

func (s *state) getTemplate(id string) (*billing.RecurringTemplate, error) {
	t, ok := s.templates[id]
	if !ok {
		return nil, billing.ErrTemplateNotFound
	}
	c := t.Clone()
	return &c, nil
}

func (s *state) getInvoice(id string) (*billing.Invoice, error) {
	inv, ok := s.invoices[id]
	if !ok {
		return nil, billing.ErrInvoiceNotFound
	}
	c := inv.Clone()
	return &c, nil
}

func (s *state) getExpense(id string) (*billing.Expense, error) {
	e, ok := s.expenses[id]
	if !ok {
		return nil, billing.ErrExpenseNotFound
	}
	c := e.Clone()
	return &c, nil
}

func (s *state) templatesWhere(keep func(billing.RecurringTemplate) bool) []billing.RecurringTemplate {
	var out []billing.RecurringTemplate
	for _, t := range s.templates {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// invoicesWhere returns matches ordered by number, the order they were issued.
func (s *state) invoicesWhere(keep func(billing.Invoice) bool) []billing.Invoice {
	var out []billing.Invoice
	for _, inv := range s.invoices {
		if keep(inv) {
			out = append(out, inv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := billing.ParseInvoiceNumber(out[i].InvoiceNumber)
		b, _ := billing.ParseInvoiceNumber(out[j].InvoiceNumber)
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// =============================================================================
// TRANSACTION
// =============================================================================

type memTx struct {
	s *state
}

func (tx *memTx) GetTemplate(_ context.Context, id string) (*billing.RecurringTemplate, error) {
	return tx.s.getTemplate(id)
}

func (tx *memTx) InsertTemplate(_ context.Context, t billing.RecurringTemplate) error {
	if _, ok := tx.s.templates[t.ID]; ok {
		return billing.ErrConcurrentModification
	}
	if t.Version == 0 {
		t.Version = 1
	}
	tx.s.templates[t.ID] = t.Clone()
	return nil
}

func (tx *memTx) UpdateTemplate(_ context.Context, t billing.RecurringTemplate) error {
	cur, ok := tx.s.templates[t.ID]
	if !ok {
		return billing.ErrTemplateNotFound
	}
	if cur.Version != t.Version {
		return billing.ErrConcurrentModification
	}
	t = t.Clone()
	t.Version++
	tx.s.templates[t.ID] = t
	return nil
}

func (tx *memTx) DeleteTemplate(_ context.Context, id string) error {
	if _, ok := tx.s.templates[id]; !ok {
		return billing.ErrTemplateNotFound
	}
	delete(tx.s.templates, id)
	return nil
}

func (tx *memTx) LatestInvoiceNumber(_ context.Context, tenantID string) (string, error) {
	var (
		latest  string
		highest int64 = -1
	)
	for _, inv := range tx.s.invoices {
		if inv.TenantID != tenantID {
			continue
		}
		if n, ok := billing.ParseInvoiceNumber(inv.InvoiceNumber); ok && n > highest {
			highest, latest = n, inv.InvoiceNumber
		}
	}
	return latest, nil
}

func (tx *memTx) SequenceValue(_ context.Context, tenantID string) (int64, error) {
	return tx.s.sequences[tenantID], nil
}

func (tx *memTx) SetSequenceValue(_ context.Context, tenantID string, value int64) error {
	tx.s.sequences[tenantID] = value
	return nil
}

func (tx *memTx) GetInvoice(_ context.Context, id string) (*billing.Invoice, error) {
	return tx.s.getInvoice(id)
}

func (tx *memTx) InsertInvoice(_ context.Context, inv billing.Invoice) error {
	for _, other := range tx.s.invoices {
		if other.TenantID != inv.TenantID {
			continue
		}
		if strings.EqualFold(other.InvoiceNumber, inv.InvoiceNumber) {
			return billing.ErrDuplicateInvoiceNumber
		}
		if sameOccurrence(other, inv) {
			return billing.ErrDuplicateOccurrence
		}
	}
	tx.s.invoices[inv.ID] = inv.Clone()
	return nil
}

func sameOccurrence(a, b billing.Invoice) bool {
	if a.RecurringTemplateID == nil || b.RecurringTemplateID == nil {
		return false
	}
	return *a.RecurringTemplateID == *b.RecurringTemplateID &&
		recurrence.Noon(a.IssueDate).Equal(recurrence.Noon(b.IssueDate))
}

func (tx *memTx) UpdateInvoice(_ context.Context, inv billing.Invoice) error {
	if _, ok := tx.s.invoices[inv.ID]; !ok {
		return billing.ErrInvoiceNotFound
	}
	tx.s.invoices[inv.ID] = inv.Clone()
	return nil
}

func (tx *memTx) DeleteInvoice(_ context.Context, id string) error {
	if _, ok := tx.s.invoices[id]; !ok {
		return billing.ErrInvoiceNotFound
	}
	delete(tx.s.invoices, id)
	return nil
}

func (tx *memTx) GetExpense(_ context.Context, id string) (*billing.Expense, error) {
	return tx.s.getExpense(id)
}

func (tx *memTx) InsertExpense(_ context.Context, e billing.Expense) error {
	tx.s.expenses[e.ID] = e.Clone()
	return nil
}

func (tx *memTx) UpdateExpense(_ context.Context, e billing.Expense) error {
	if _, ok := tx.s.expenses[e.ID]; !ok {
		return billing.ErrExpenseNotFound
	}
	tx.s.expenses[e.ID] = e.Clone()
	return nil
}
