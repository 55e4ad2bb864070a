/*
runner.go - Recurring template catch-up

PURPOSE:
  Materializes due occurrences of recurring templates as invoices. A template
  that missed runs (server down, template paused, nobody opened the app) is
  caught up to "now" in one call.

STATE MACHINE (per template):
  ACTIVE --occurrence--> ACTIVE      (nextRunDate advanced)
  ACTIVE --occurrence--> COMPLETED   (advanced nextRunDate passed endDate)
  PAUSED, CANCELLED, COMPLETED: no occurrences are produced

ONE TRANSACTION PER OCCURRENCE:
  1. Re-read the template inside the transaction
  2. Stop if it is no longer ACTIVE or nextRunDate > asOf
  3. Allocate the next invoice number (numbering.go)
  4. Insert the invoice: issueDate = nextRunDate, dueDate = the following
     occurrence, status SENT, items copied from the template
  5. Advance nextRunDate (COMPLETED past endDate) with a version check
  6. Commit

  A long backlog never holds one transaction open, a crash keeps every
  committed occurrence, and re-running CatchUp resumes from the persisted
  pointer. Two callers racing on the same template cannot both advance it
  from the same value: the loser fails the version check (or waits on the
  store's write lock), re-reads, and sees the occurrence already generated.

FAILURES:
  Duplicate invoice numbers and version conflicts are retried with a bounded
  constant backoff. Anything else aborts the current occurrence only; earlier
  occurrences stay committed. RunDue isolates templates from each other and
  reports a PartialBatchFailure.

SEE ALSO:
  - numbering.go: NextInvoiceNumber
  - recurrence: Advance
  - api/scheduler.go: periodic RunDue trigger
*/
package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/recurrence"
)

// =============================================================================
// RESULTS
// =============================================================================

// CatchUpResult reports what one CatchUp call did. Capped is set when the
// per-call occurrence cap was hit while the template was still due; the next
// call continues from where this one stopped.
type CatchUpResult struct {
	TemplateID string
	Generated  int
	Capped     bool
	Invoices   []Invoice
	Status     TemplateStatus
	NextRunAt  time.Time
}

// RunResult reports a RunDue batch.
type RunResult struct {
	AsOf      time.Time
	Processed int
	Succeeded int
	Generated int
	Capped    []string
	Results   []CatchUpResult
	Failures  []TemplateFailure
}

// =============================================================================
// RUNNER
// =============================================================================

type Runner struct {
	store TxStore
	opts  options
}

func NewRunner(store TxStore, opts ...Option) *Runner {
	return &Runner{store: store, opts: newOptions(opts)}
}

// CatchUp generates every occurrence of the tenant's template that is due at
// asOf. The template must belong to tenantID.
func (r *Runner) CatchUp(ctx context.Context, tenantID, templateID string, asOf time.Time) (CatchUpResult, error) {
	t, err := r.store.GetTemplate(ctx, templateID)
	if err != nil {
		return CatchUpResult{TemplateID: templateID}, err
	}
	if err := scope(t.TenantID, tenantID, templateID); err != nil {
		return CatchUpResult{TemplateID: templateID}, err
	}
	if err := t.Rule().Validate(); err != nil {
		return CatchUpResult{TemplateID: templateID}, err
	}
	return r.catchUp(ctx, templateID, asOf)
}

func (r *Runner) catchUp(ctx context.Context, templateID string, asOf time.Time) (CatchUpResult, error) {
	asOf = recurrence.Noon(asOf)
	res := CatchUpResult{TemplateID: templateID}
	log := r.opts.logger.With(zap.String("template_id", templateID), zap.Time("as_of", asOf))

	for res.Generated < r.opts.cfg.CatchUpCap {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		var (
			inv  *Invoice
			tmpl RecurringTemplate
		)
		err := r.opts.retry(ctx, func() error {
			var err error
			inv, tmpl, err = r.generateOccurrence(ctx, templateID, asOf)
			return err
		})
		if err != nil {
			log.Error("occurrence generation failed",
				zap.Int("generated", res.Generated), zap.Error(err))
			return res, err
		}

		res.Status, res.NextRunAt = tmpl.Status, tmpl.NextRunDate
		if inv == nil {
			return res, nil
		}
		res.Generated++
		res.Invoices = append(res.Invoices, *inv)

		log.Info("generated recurring invoice",
			zap.String("tenant_id", inv.TenantID),
			zap.String("invoice_number", inv.InvoiceNumber),
			zap.Time("issue_date", inv.IssueDate),
			zap.Time("next_run_date", tmpl.NextRunDate),
			zap.String("status", string(tmpl.Status)))
	}

	// Budget spent: only flag the cap when work is actually left.
	t, err := r.store.GetTemplate(ctx, templateID)
	if err != nil {
		return res, err
	}
	res.Status, res.NextRunAt = t.Status, t.NextRunDate
	if t.IsDue(asOf) && !t.PastEnd(t.NextRunDate) {
		res.Capped = true
		log.Warn("catch-up cap reached", zap.Int("cap", r.opts.cfg.CatchUpCap),
			zap.Time("next_run_date", t.NextRunDate))
	}
	return res, nil
}

// generateOccurrence materializes at most one occurrence in its own
// transaction. It returns a nil invoice when nothing is due.
func (r *Runner) generateOccurrence(ctx context.Context, templateID string, asOf time.Time) (*Invoice, RecurringTemplate, error) {
	var (
		created *Invoice
		final   RecurringTemplate
	)

	err := r.store.WithTx(ctx, func(tx Tx) error {
		t, err := tx.GetTemplate(ctx, templateID)
		if err != nil {
			return err
		}
		final = *t

		if !t.IsDue(asOf) {
			return nil
		}
		if t.PastEnd(t.NextRunDate) {
			// End date moved before the pointer: nothing left to bill.
			t.Status = TemplateCompleted
			t.UpdatedAt = r.opts.now().UTC()
			if err := tx.UpdateTemplate(ctx, *t); err != nil {
				return err
			}
			t.Version++
			final = *t
			return nil
		}

		issue := recurrence.Noon(t.NextRunDate)
		next, err := t.Rule().Advance(issue)
		if err != nil {
			return err
		}

		number, err := NextInvoiceNumber(ctx, tx, t.TenantID)
		if err != nil {
			return err
		}

		tmplID := t.ID
		inv := Invoice{
			ID:                  NewID(PrefixInvoice),
			TenantID:            t.TenantID,
			InvoiceNumber:       number,
			ContactID:           t.ContactID,
			IssueDate:           issue,
			DueDate:             next,
			Status:              InvoiceSent,
			Items:               CopyItems(t.LineItems),
			Subtotal:            t.Subtotal,
			Tax:                 t.Tax,
			Total:               t.Total,
			Currency:            t.Currency,
			RecurringTemplateID: &tmplID,
			Notes:               t.Notes,
			CreatedAt:           r.opts.now().UTC(),
		}
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}

		t.NextRunDate = next
		if t.PastEnd(next) {
			t.Status = TemplateCompleted
		}
		t.UpdatedAt = inv.CreatedAt
		if err := tx.UpdateTemplate(ctx, *t); err != nil {
			return err
		}
		t.Version++

		created, final = &inv, *t
		return nil
	})
	if err != nil {
		return nil, RecurringTemplate{}, err
	}
	return created, final, nil
}

// RunDue catches up every ACTIVE template of every tenant that is due at asOf.
// Templates run in parallel (bounded by Config.MaxConcurrency); a failure or
// panic in one never stops the others. When any template fails the returned
// error is a *PartialBatchFailure and the RunResult still carries the
// successes.
func (r *Runner) RunDue(ctx context.Context, asOf time.Time) (RunResult, error) {
	asOf = recurrence.Noon(asOf)
	res := RunResult{AsOf: asOf}

	due, err := r.store.ListDueTemplates(ctx, asOf)
	if err != nil {
		return res, errors.Wrap(err, "list due templates")
	}
	res.Processed = len(due)
	r.opts.logger.Info("run due started", zap.Time("as_of", asOf), zap.Int("templates", len(due)))

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(r.opts.cfg.MaxConcurrency)
	for _, t := range due {
		p.Go(func() {
			var (
				out CatchUpResult
				err error
				pc  panics.Catcher
			)
			pc.Try(func() { out, err = r.catchUp(ctx, t.ID, asOf) })
			if rec := pc.Recovered(); rec != nil {
				err = errors.Newf("panic while processing template: %v", rec.Value)
			}

			mu.Lock()
			defer mu.Unlock()
			res.Generated += out.Generated
			if err != nil {
				res.Failures = append(res.Failures, TemplateFailure{
					TemplateID: t.ID,
					TenantID:   t.TenantID,
					Generated:  out.Generated,
					Err:        err,
				})
				return
			}
			res.Succeeded++
			res.Results = append(res.Results, out)
			if out.Capped {
				res.Capped = append(res.Capped, t.ID)
			}
		})
	}
	p.Wait()

	sort.Slice(res.Results, func(i, j int) bool { return res.Results[i].TemplateID < res.Results[j].TemplateID })
	sort.Slice(res.Failures, func(i, j int) bool { return res.Failures[i].TemplateID < res.Failures[j].TemplateID })
	sort.Strings(res.Capped)

	r.opts.logger.Info("run due finished",
		zap.Time("as_of", asOf),
		zap.Int("processed", res.Processed),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", len(res.Failures)),
		zap.Int("generated", res.Generated))

	if len(res.Failures) > 0 {
		for _, f := range res.Failures {
			r.opts.logger.Error("template catch-up failed",
				zap.String("template_id", f.TemplateID),
				zap.String("tenant_id", f.TenantID),
				zap.Int("generated", f.Generated),
				zap.Error(f.Err))
		}
		return res, &PartialBatchFailure{Succeeded: res.Succeeded, Failures: res.Failures}
	}
	return res, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// retry runs op until it succeeds, fails with a non-retryable error, or the
// retry budget is spent.
func (o options) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.cfg.RetryDelay), o.cfg.NumberRetries),
		ctx,
	)
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		o.logger.Warn("retrying after conflict", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}, policy)
}

// scope rejects records of another tenant.
func scope(owner, tenantID, id string) error {
	if owner != tenantID {
		return errors.Wrapf(ErrTenantMismatch, "%s is owned by tenant %s, not %s", id, owner, tenantID)
	}
	return nil
}
