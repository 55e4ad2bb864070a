package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
)

// =============================================================================
// BILLING RUNS - RunDue history
// =============================================================================

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunPartial   = "partial" // some templates failed
	RunFailed    = "failed"
)

// BillingRun is one RunDue invocation, scheduled or manual.
type BillingRun struct {
	ID          string
	Trigger     string // scheduler, api
	AsOf        time.Time
	Status      string
	Processed   int
	Succeeded   int
	Generated   int
	Failed      int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

type runRow struct {
	ID          string         `db:"id"`
	Trigger     string         `db:"trigger_source"`
	AsOf        string         `db:"as_of"`
	Status      string         `db:"status"`
	Processed   int            `db:"processed"`
	Succeeded   int            `db:"succeeded"`
	Generated   int            `db:"generated"`
	Failed      int            `db:"failed"`
	Error       string         `db:"error"`
	StartedAt   string         `db:"started_at"`
	CompletedAt sql.NullString `db:"completed_at"`
}

// SaveBillingRun inserts or updates a run record.
func (s *Store) SaveBillingRun(ctx context.Context, r BillingRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := runRow{
		ID:          r.ID,
		Trigger:     r.Trigger,
		AsOf:        formatTime(r.AsOf),
		Status:      r.Status,
		Processed:   r.Processed,
		Succeeded:   r.Succeeded,
		Generated:   r.Generated,
		Failed:      r.Failed,
		Error:       r.Error,
		StartedAt:   formatTime(r.StartedAt),
		CompletedAt: formatTimePtr(r.CompletedAt),
	}
	_, err := sqlx.NamedExecContext(ctx, s.db, `
		INSERT INTO billing_runs (id, trigger_source, as_of, status, processed, succeeded,
			generated, failed, error, started_at, completed_at)
		VALUES (:id, :trigger_source, :as_of, :status, :processed, :succeeded,
			:generated, :failed, :error, :started_at, :completed_at)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			processed = excluded.processed,
			succeeded = excluded.succeeded,
			generated = excluded.generated,
			failed = excluded.failed,
			error = excluded.error,
			completed_at = excluded.completed_at
	`, row)
	if err != nil {
		return errors.Wrap(err, "save billing run")
	}
	return nil
}

// ListBillingRuns returns the most recent runs first. limit <= 0 means 50.
func (s *Store) ListBillingRuns(ctx context.Context, limit int) ([]BillingRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var rows []runRow
	if err := sqlx.SelectContext(ctx, s.db, &rows,
		`SELECT * FROM billing_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit); err != nil {
		return nil, errors.Wrap(err, "list billing runs")
	}

	runs := make([]BillingRun, 0, len(rows))
	for _, row := range rows {
		r := BillingRun{
			ID:        row.ID,
			Trigger:   row.Trigger,
			Status:    row.Status,
			Processed: row.Processed,
			Succeeded: row.Succeeded,
			Generated: row.Generated,
			Failed:    row.Failed,
			Error:     row.Error,
		}
		var err error
		if r.AsOf, err = parseTime(row.AsOf); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(row.StartedAt); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseTimePtr(row.CompletedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}
