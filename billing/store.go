/*
store.go - Persistence contracts for the billing core

PURPOSE:
  Defines what the core needs from a database. The core never talks SQL; it
  asks a Store for reads and opens a Tx through TxStore.WithTx for every
  write.

KEY INTERFACES:
  Store:   reads (templates, invoices, expenses)
  Tx:      reads and writes inside one atomic transaction
  TxStore: Store + WithTx

TRANSACTION CONTRACT:
  WithTx commits when fn returns nil and rolls back otherwise. An
  implementation must provide at least snapshot isolation for the template
  row and the tenant's invoice sequence, and must reject (never overwrite) an
  insert that collides on (tenant, invoice number) with
  ErrDuplicateInvoiceNumber.

OPTIMISTIC LOCKING:
  UpdateTemplate succeeds only when the stored Version equals t.Version, and
  stores t.Version+1. Otherwise it returns ErrConcurrentModification.

IMPLEMENTATIONS:
  - billing/store/memory.go: in-memory, for tests and demos
  - store/sqlite/sqlite.go: production SQLite

SEE ALSO:
  - numbering.go: uses the sequence methods
  - runner.go: one WithTx per occurrence
*/
package billing

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Reads outside of a transaction
// =============================================================================

type Store interface {
	// GetTemplate returns ErrTemplateNotFound when id does not exist.
	GetTemplate(ctx context.Context, id string) (*RecurringTemplate, error)
	ListTemplates(ctx context.Context, tenantID string) ([]RecurringTemplate, error)
	ListActiveTemplates(ctx context.Context, tenantID string) ([]RecurringTemplate, error)

	// ListDueTemplates returns ACTIVE templates of every tenant whose
	// NextRunDate <= asOf.
	ListDueTemplates(ctx context.Context, asOf time.Time) ([]RecurringTemplate, error)

	// GetInvoice returns ErrInvoiceNotFound when id does not exist.
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	ListInvoices(ctx context.Context, tenantID string) ([]Invoice, error)
	ListInvoicesByTemplate(ctx context.Context, templateID string) ([]Invoice, error)

	// ListPaidInvoices returns PAID invoices whose RevenueDate is in [from, to].
	ListPaidInvoices(ctx context.Context, tenantID string, from, to time.Time) ([]Invoice, error)

	// GetExpense returns ErrExpenseNotFound when id does not exist.
	GetExpense(ctx context.Context, id string) (*Expense, error)
	ListExpenses(ctx context.Context, tenantID string) ([]Expense, error)
}

// =============================================================================
// TX - Atomic unit of work
// =============================================================================

type Tx interface {
	GetTemplate(ctx context.Context, id string) (*RecurringTemplate, error)
	InsertTemplate(ctx context.Context, t RecurringTemplate) error
	UpdateTemplate(ctx context.Context, t RecurringTemplate) error
	DeleteTemplate(ctx context.Context, id string) error

	// LatestInvoiceNumber returns the numerically highest invoice number of
	// the tenant, or "" when it has none.
	LatestInvoiceNumber(ctx context.Context, tenantID string) (string, error)
	// SequenceValue returns the last number handed out for the tenant, or 0.
	SequenceValue(ctx context.Context, tenantID string) (int64, error)
	SetSequenceValue(ctx context.Context, tenantID string, value int64) error

	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	InsertInvoice(ctx context.Context, inv Invoice) error
	UpdateInvoice(ctx context.Context, inv Invoice) error
	DeleteInvoice(ctx context.Context, id string) error

	GetExpense(ctx context.Context, id string) (*Expense, error)
	InsertExpense(ctx context.Context, e Expense) error
	UpdateExpense(ctx context.Context, e Expense) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
