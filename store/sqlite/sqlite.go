/*
Package sqlite provides a SQLite-backed implementation of billing.TxStore.

PURPOSE:
  Persists recurring templates, invoices, expenses, the per-tenant invoice
  sequence and the history of billing runs. In production, the same patterns
  apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  billing.Store:   reads
  billing.Tx:      writes inside one transaction
  billing.TxStore: Store + WithTx
  reporting.Source (through billing.Store)

KEY TABLES:
  recurring_templates:  schedule pointer (next_run_date) + optimistic version
  template_line_items:  ordered items owned by a template
  invoices:             numbered bills, generated or manual
  invoice_items:        immutable snapshot of the items of one invoice
  invoice_sequences:    last number handed out per tenant (never decreases)
  expenses:             one-time and recurring costs
  billing_runs:         RunDue history written by the scheduler

CRITICAL INDEXES:
  - idx_invoices_tenant_number:       UNIQUE(tenant_id, invoice_number)
  - idx_invoices_template_occurrence: UNIQUE(recurring_template_id, issue_date)
  - idx_templates_due:                (status, next_run_date) for RunDue

  A violation of the first maps to billing.ErrDuplicateInvoiceNumber, of the
  second to billing.ErrDuplicateOccurrence. Neither insert ever overwrites.

CONCURRENCY:
  Uses sync.RWMutex for in-process serialization of writers, and opens every
  transaction with BEGIN IMMEDIATE (_txlock=immediate) so concurrent
  processes sharing the file queue on the write lock (busy timeout) instead
  of failing mid-transaction. UpdateTemplate checks the version column.

DATES:
  Stored as fixed-width UTC text (2006-01-02T15:04:05.000000000Z) so that
  string comparison in SQL is chronological. Money is stored as decimal text.

WAL MODE:
  File databases are opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  runner := billing.NewRunner(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/recurrence"
)

// Store implements billing.TxStore using SQLite.
type Store struct {
	db *sqlx.DB
	mu sync.RWMutex
}

var _ billing.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_txlock=immediate&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := NewWithDB(db)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return store, nil
}

// NewWithDB wraps an already opened handle without migrating it.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS recurring_templates (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		contact_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		frequency TEXT NOT NULL CHECK (frequency IN ('DAILY', 'WEEKLY', 'MONTHLY', 'YEARLY')),
		interval_count INTEGER NOT NULL CHECK (interval_count >= 1),
		start_date TEXT NOT NULL,
		next_run_date TEXT NOT NULL CHECK (next_run_date >= start_date),
		end_date TEXT,
		status TEXT NOT NULL,
		tax_rate TEXT NOT NULL DEFAULT '0',
		subtotal TEXT NOT NULL DEFAULT '0',
		tax TEXT NOT NULL DEFAULT '0',
		total TEXT NOT NULL DEFAULT '0',
		currency TEXT NOT NULL DEFAULT 'USD',
		notes TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_templates_tenant
		ON recurring_templates(tenant_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_templates_due
		ON recurring_templates(status, next_run_date);

	CREATE TABLE IF NOT EXISTS template_line_items (
		template_id TEXT NOT NULL REFERENCES recurring_templates(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		description TEXT NOT NULL,
		quantity TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		PRIMARY KEY (template_id, position)
	);

	-- Invoices outlive the template that generated them: no foreign key on
	-- recurring_template_id.
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		invoice_number TEXT NOT NULL,
		contact_id TEXT NOT NULL,
		issue_date TEXT NOT NULL,
		due_date TEXT NOT NULL,
		status TEXT NOT NULL,
		subtotal TEXT NOT NULL DEFAULT '0',
		tax TEXT NOT NULL DEFAULT '0',
		total TEXT NOT NULL DEFAULT '0',
		currency TEXT NOT NULL DEFAULT 'USD',
		paid_at TEXT,
		recurring_template_id TEXT,
		covers_template_id TEXT,
		covers_occurrence TEXT,
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- CRITICAL: one number per tenant, enforced at insert time
	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_tenant_number
		ON invoices(tenant_id, invoice_number);

	-- CRITICAL: one invoice per template occurrence
	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_template_occurrence
		ON invoices(recurring_template_id, issue_date)
		WHERE recurring_template_id IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_invoices_tenant_status
		ON invoices(tenant_id, status);

	CREATE TABLE IF NOT EXISTS invoice_items (
		invoice_id TEXT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		description TEXT NOT NULL,
		quantity TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		PRIMARY KEY (invoice_id, position)
	);

	CREATE TABLE IF NOT EXISTS invoice_sequences (
		tenant_id TEXT PRIMARY KEY,
		last_value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS expenses (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		category TEXT NOT NULL,
		tax_category TEXT NOT NULL DEFAULT '',
		contact_id TEXT,
		date TEXT NOT NULL,
		recurring INTEGER NOT NULL DEFAULT 0,
		frequency TEXT NOT NULL DEFAULT '',
		interval_count INTEGER NOT NULL DEFAULT 0,
		end_date TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_expenses_tenant
		ON expenses(tenant_id, date);

	CREATE TABLE IF NOT EXISTS billing_runs (
		id TEXT PRIMARY KEY,
		trigger_source TEXT NOT NULL,
		as_of TEXT NOT NULL,
		status TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		succeeded INTEGER NOT NULL DEFAULT 0,
		generated INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_billing_runs_started
		ON billing_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapWriteError(errors.Wrap(err, "failed to commit transaction"))
	}
	return nil
}

// txStore implements billing.Tx on top of an open transaction.
type txStore struct {
	q sqlx.ExtContext
}

var _ billing.Tx = (*txStore)(nil)

// =============================================================================
// READS
// =============================================================================

func (s *Store) GetTemplate(ctx context.Context, id string) (*billing.RecurringTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTemplate(ctx, s.db, id)
}

func (s *Store) ListTemplates(ctx context.Context, tenantID string) ([]billing.RecurringTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectTemplates(ctx, s.db, `WHERE tenant_id = ?`, tenantID)
}

func (s *Store) ListActiveTemplates(ctx context.Context, tenantID string) ([]billing.RecurringTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectTemplates(ctx, s.db, `WHERE tenant_id = ? AND status = ?`,
		tenantID, billing.TemplateActive)
}

func (s *Store) ListDueTemplates(ctx context.Context, asOf time.Time) ([]billing.RecurringTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectTemplates(ctx, s.db, `WHERE status = ? AND next_run_date <= ?`,
		billing.TemplateActive, formatTime(recurrence.Noon(asOf)))
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getInvoice(ctx, s.db, id)
}

func (s *Store) ListInvoices(ctx context.Context, tenantID string) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectInvoices(ctx, s.db, `WHERE tenant_id = ?`, tenantID)
}

func (s *Store) ListInvoicesByTemplate(ctx context.Context, templateID string) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectInvoices(ctx, s.db, `WHERE recurring_template_id = ?`, templateID)
}

func (s *Store) ListPaidInvoices(ctx context.Context, tenantID string, from, to time.Time) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectInvoices(ctx, s.db,
		`WHERE tenant_id = ? AND status = ? AND COALESCE(paid_at, issue_date) BETWEEN ? AND ?`,
		tenantID, billing.InvoicePaid, formatTime(from), formatTime(to))
}

func (s *Store) GetExpense(ctx context.Context, id string) (*billing.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getExpense(ctx, s.db, id)
}

func (s *Store) ListExpenses(ctx context.Context, tenantID string) ([]billing.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []expenseRow
	if err := sqlx.SelectContext(ctx, s.db, &rows,
		`SELECT * FROM expenses WHERE tenant_id = ? ORDER BY date, id`, tenantID); err != nil {
		return nil, errors.Wrap(err, "list expenses")
	}
	out := make([]billing.Expense, 0, len(rows))
	for _, r := range rows {
		e, err := r.toExpense()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// =============================================================================
// TX: TEMPLATES
// =============================================================================

func (t *txStore) GetTemplate(ctx context.Context, id string) (*billing.RecurringTemplate, error) {
	return getTemplate(ctx, t.q, id)
}

func (t *txStore) InsertTemplate(ctx context.Context, tmpl billing.RecurringTemplate) error {
	if tmpl.Version == 0 {
		tmpl.Version = 1
	}
	row := newTemplateRow(tmpl)
	_, err := sqlx.NamedExecContext(ctx, t.q, `
		INSERT INTO recurring_templates
		(id, tenant_id, contact_id, name, frequency, interval_count, start_date, next_run_date,
		 end_date, status, tax_rate, subtotal, tax, total, currency, notes, version, created_at, updated_at)
		VALUES
		(:id, :tenant_id, :contact_id, :name, :frequency, :interval_count, :start_date, :next_run_date,
		 :end_date, :status, :tax_rate, :subtotal, :tax, :total, :currency, :notes, :version, :created_at, :updated_at)
	`, row)
	if err != nil {
		return mapWriteError(errors.Wrap(err, "failed to insert template"))
	}
	return t.replaceItems(ctx, "template_line_items", "template_id", tmpl.ID, tmpl.LineItems)
}

// UpdateTemplate writes tmpl when the stored version still equals
// tmpl.Version, and bumps it.
func (t *txStore) UpdateTemplate(ctx context.Context, tmpl billing.RecurringTemplate) error {
	row := newTemplateRow(tmpl)
	res, err := sqlx.NamedExecContext(ctx, t.q, `
		UPDATE recurring_templates SET
			contact_id = :contact_id, name = :name, frequency = :frequency,
			interval_count = :interval_count, start_date = :start_date,
			next_run_date = :next_run_date, end_date = :end_date, status = :status,
			tax_rate = :tax_rate, subtotal = :subtotal, tax = :tax, total = :total,
			currency = :currency, notes = :notes, updated_at = :updated_at,
			version = version + 1
		WHERE id = :id AND version = :version
	`, row)
	if err != nil {
		return mapWriteError(errors.Wrap(err, "failed to update template"))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := sqlx.GetContext(ctx, t.q, &exists,
			`SELECT COUNT(*) FROM recurring_templates WHERE id = ?`, tmpl.ID); err != nil {
			return err
		}
		if exists == 0 {
			return billing.ErrTemplateNotFound
		}
		return errors.Wrapf(billing.ErrConcurrentModification,
			"template %s changed since version %d", tmpl.ID, tmpl.Version)
	}
	return t.replaceItems(ctx, "template_line_items", "template_id", tmpl.ID, tmpl.LineItems)
}

func (t *txStore) DeleteTemplate(ctx context.Context, id string) error {
	if _, err := t.q.ExecContext(ctx,
		`DELETE FROM template_line_items WHERE template_id = ?`, id); err != nil {
		return errors.Wrap(err, "failed to delete template items")
	}
	res, err := t.q.ExecContext(ctx, `DELETE FROM recurring_templates WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete template")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrTemplateNotFound
	}
	return nil
}

// =============================================================================
// TX: NUMBERING
// =============================================================================

func (t *txStore) LatestInvoiceNumber(ctx context.Context, tenantID string) (string, error) {
	var number string
	err := sqlx.GetContext(ctx, t.q, &number, `
		SELECT invoice_number FROM invoices
		WHERE tenant_id = ?
		ORDER BY LENGTH(invoice_number) DESC, invoice_number DESC
		LIMIT 1
	`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return number, err
}

func (t *txStore) SequenceValue(ctx context.Context, tenantID string) (int64, error) {
	var v int64
	err := sqlx.GetContext(ctx, t.q, &v,
		`SELECT last_value FROM invoice_sequences WHERE tenant_id = ?`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func (t *txStore) SetSequenceValue(ctx context.Context, tenantID string, value int64) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO invoice_sequences (tenant_id, last_value) VALUES (?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET last_value = MAX(last_value, excluded.last_value)
	`, tenantID, value)
	return err
}

// =============================================================================
// TX: INVOICES
// =============================================================================

func (t *txStore) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	return getInvoice(ctx, t.q, id)
}

func (t *txStore) InsertInvoice(ctx context.Context, inv billing.Invoice) error {
	_, err := sqlx.NamedExecContext(ctx, t.q, `
		INSERT INTO invoices
		(id, tenant_id, invoice_number, contact_id, issue_date, due_date, status,
		 subtotal, tax, total, currency, paid_at, recurring_template_id,
		 covers_template_id, covers_occurrence, notes, created_at)
		VALUES
		(:id, :tenant_id, :invoice_number, :contact_id, :issue_date, :due_date, :status,
		 :subtotal, :tax, :total, :currency, :paid_at, :recurring_template_id,
		 :covers_template_id, :covers_occurrence, :notes, :created_at)
	`, newInvoiceRow(inv))
	if err != nil {
		return mapWriteError(errors.Wrap(err, "failed to insert invoice"))
	}
	return t.replaceItems(ctx, "invoice_items", "invoice_id", inv.ID, inv.Items)
}

func (t *txStore) UpdateInvoice(ctx context.Context, inv billing.Invoice) error {
	res, err := sqlx.NamedExecContext(ctx, t.q, `
		UPDATE invoices SET
			contact_id = :contact_id, issue_date = :issue_date, due_date = :due_date,
			status = :status, subtotal = :subtotal, tax = :tax, total = :total,
			currency = :currency, paid_at = :paid_at, covers_template_id = :covers_template_id,
			covers_occurrence = :covers_occurrence, notes = :notes
		WHERE id = :id
	`, newInvoiceRow(inv))
	if err != nil {
		return mapWriteError(errors.Wrap(err, "failed to update invoice"))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrInvoiceNotFound
	}
	return t.replaceItems(ctx, "invoice_items", "invoice_id", inv.ID, inv.Items)
}

func (t *txStore) DeleteInvoice(ctx context.Context, id string) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM invoice_items WHERE invoice_id = ?`, id); err != nil {
		return errors.Wrap(err, "failed to delete invoice items")
	}
	res, err := t.q.ExecContext(ctx, `DELETE FROM invoices WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete invoice")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrInvoiceNotFound
	}
	return nil
}

// replaceItems swaps the whole item list of an owner; items are never
// patched in place.
func (t *txStore) replaceItems(ctx context.Context, table, ownerCol, ownerID string, items []billing.LineItem) error {
	if _, err := t.q.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE `+ownerCol+` = ?`, ownerID); err != nil {
		return errors.Wrapf(err, "failed to clear %s", table)
	}
	for i, li := range items {
		if _, err := t.q.ExecContext(ctx,
			`INSERT INTO `+table+` (`+ownerCol+`, position, description, quantity, unit_price) VALUES (?, ?, ?, ?, ?)`,
			ownerID, i, li.Description, li.Quantity, li.UnitPrice,
		); err != nil {
			return errors.Wrapf(err, "failed to insert %s", table)
		}
	}
	return nil
}

// =============================================================================
// TX: EXPENSES
// =============================================================================

func (t *txStore) GetExpense(ctx context.Context, id string) (*billing.Expense, error) {
	return getExpense(ctx, t.q, id)
}

func (t *txStore) InsertExpense(ctx context.Context, e billing.Expense) error {
	_, err := sqlx.NamedExecContext(ctx, t.q, `
		INSERT INTO expenses
		(id, tenant_id, description, amount, category, tax_category, contact_id, date,
		 recurring, frequency, interval_count, end_date, is_active, created_at)
		VALUES
		(:id, :tenant_id, :description, :amount, :category, :tax_category, :contact_id, :date,
		 :recurring, :frequency, :interval_count, :end_date, :is_active, :created_at)
	`, newExpenseRow(e))
	if err != nil {
		return mapWriteError(errors.Wrap(err, "failed to insert expense"))
	}
	return nil
}

func (t *txStore) UpdateExpense(ctx context.Context, e billing.Expense) error {
	res, err := sqlx.NamedExecContext(ctx, t.q, `
		UPDATE expenses SET
			description = :description, amount = :amount, category = :category,
			tax_category = :tax_category, contact_id = :contact_id, date = :date,
			recurring = :recurring, frequency = :frequency, interval_count = :interval_count,
			end_date = :end_date, is_active = :is_active
		WHERE id = :id
	`, newExpenseRow(e))
	if err != nil {
		return errors.Wrap(err, "failed to update expense")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrExpenseNotFound
	}
	return nil
}

// =============================================================================
// SHARED QUERIES (db or tx)
// =============================================================================

type itemRow struct {
	OwnerID     string          `db:"owner_id"`
	Position    int             `db:"position"`
	Description string          `db:"description"`
	Quantity    decimal.Decimal `db:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price"`
}

// loadItems returns the items of every owner in ids, keyed by owner.
func loadItems(ctx context.Context, q sqlx.ExtContext, table, ownerCol string, ids []string) (map[string][]billing.LineItem, error) {
	out := make(map[string][]billing.LineItem, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(
		`SELECT `+ownerCol+` AS owner_id, position, description, quantity, unit_price
		 FROM `+table+` WHERE `+ownerCol+` IN (?) ORDER BY `+ownerCol+`, position`, ids)
	if err != nil {
		return nil, err
	}
	var rows []itemRow
	if err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(query), args...); err != nil {
		return nil, errors.Wrapf(err, "load %s", table)
	}
	for _, r := range rows {
		out[r.OwnerID] = append(out[r.OwnerID], billing.LineItem{
			Description: r.Description,
			Quantity:    r.Quantity,
			UnitPrice:   r.UnitPrice,
		})
	}
	return out, nil
}

func getTemplate(ctx context.Context, q sqlx.ExtContext, id string) (*billing.RecurringTemplate, error) {
	list, err := selectTemplates(ctx, q, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, billing.ErrTemplateNotFound
	}
	return &list[0], nil
}

func selectTemplates(ctx context.Context, q sqlx.ExtContext, where string, args ...any) ([]billing.RecurringTemplate, error) {
	var rows []templateRow
	if err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT * FROM recurring_templates `+where+` ORDER BY created_at, id`, args...); err != nil {
		return nil, errors.Wrap(err, "select templates")
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	items, err := loadItems(ctx, q, "template_line_items", "template_id", ids)
	if err != nil {
		return nil, err
	}

	out := make([]billing.RecurringTemplate, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTemplate(items[r.ID])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func getInvoice(ctx context.Context, q sqlx.ExtContext, id string) (*billing.Invoice, error) {
	list, err := selectInvoices(ctx, q, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, billing.ErrInvoiceNotFound
	}
	return &list[0], nil
}

// selectInvoices orders by number, which is issue order.
func selectInvoices(ctx context.Context, q sqlx.ExtContext, where string, args ...any) ([]billing.Invoice, error) {
	var rows []invoiceRow
	if err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT * FROM invoices `+where+` ORDER BY LENGTH(invoice_number), invoice_number, id`, args...); err != nil {
		return nil, errors.Wrap(err, "select invoices")
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	items, err := loadItems(ctx, q, "invoice_items", "invoice_id", ids)
	if err != nil {
		return nil, err
	}

	out := make([]billing.Invoice, 0, len(rows))
	for _, r := range rows {
		inv, err := r.toInvoice(items[r.ID])
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

func getExpense(ctx context.Context, q sqlx.ExtContext, id string) (*billing.Expense, error) {
	var r expenseRow
	err := sqlx.GetContext(ctx, q, &r, `SELECT * FROM expenses WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrExpenseNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get expense")
	}
	e, err := r.toExpense()
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// Reset deletes every row. Used by the demo scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"invoice_items", "invoices", "invoice_sequences",
		"template_line_items", "recurring_templates", "expenses", "billing_runs",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return errors.Wrapf(err, "reset %s", table)
		}
	}
	return nil
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// mapWriteError turns unique-index violations into billing sentinels, keeping
// the driver error as secondary detail.
func mapWriteError(err error) error {
	msg, ok := uniqueViolation(err)
	if !ok {
		return err
	}
	switch {
	case strings.Contains(msg, "invoices.invoice_number"):
		return errors.WithSecondaryError(billing.ErrDuplicateInvoiceNumber, err)
	case strings.Contains(msg, "invoices.recurring_template_id"):
		return errors.WithSecondaryError(billing.ErrDuplicateOccurrence, err)
	case strings.Contains(msg, "recurring_templates.id"):
		return errors.WithSecondaryError(billing.ErrConcurrentModification, err)
	}
	return err
}

func uniqueViolation(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		if se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return se.Error(), true
		}
		return "", false
	}
	msg := err.Error()
	return msg, strings.Contains(msg, "UNIQUE constraint failed")
}
