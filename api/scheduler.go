/*
scheduler.go - Automated recurring invoice generation

PURPOSE:
  Periodically calls Runner.RunDue so recurring templates are invoiced
  without anyone opening the app. The same code path serves the manual
  POST /api/admin/run-due trigger.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Runs once immediately on Start, then on every tick
  - Only one run at a time; a tick that arrives while a run is still going
    is skipped
  - Every run is recorded in billing_runs (running -> completed | partial |
    failed) for audit and GET /api/runs

CONFIGURATION:
  - Interval: scheduler.interval (default: 1 hour)
  - Enabled:  scheduler.enabled (default: false)

USAGE:
  scheduler := NewBillingScheduler(runner, store, log)
  scheduler.Interval = cfg.Scheduler.Interval
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - billing/runner.go: RunDue
  - store/sqlite/runs.go: BillingRun records
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/store/sqlite"
)

// Run triggers.
const (
	TriggerScheduler = "scheduler"
	TriggerAPI       = "api"
)

// RunLog persists billing run records. *sqlite.Store implements it.
type RunLog interface {
	SaveBillingRun(ctx context.Context, r sqlite.BillingRun) error
	ListBillingRuns(ctx context.Context, limit int) ([]sqlite.BillingRun, error)
}

// BillingScheduler runs RunDue periodically.
type BillingScheduler struct {
	Runner   *billing.Runner
	Runs     RunLog
	Interval time.Duration
	Enabled  bool
	Now      func() time.Time

	log     *zap.Logger
	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex // guards ticker/stop
	running sync.Mutex // held for the duration of one run
}

// NewBillingScheduler creates a scheduler. It is disabled until Enabled is set.
func NewBillingScheduler(runner *billing.Runner, runs RunLog, log *zap.Logger) *BillingScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &BillingScheduler{
		Runner:   runner,
		Runs:     runs,
		Interval: time.Hour,
		Now:      time.Now,
		log:      log.Named("scheduler"),
	}
}

// Start begins the scheduler.
func (s *BillingScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.loop(s.ticker, s.stop)

	s.log.Info("scheduler started", zap.Duration("interval", s.Interval))
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (s *BillingScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info("scheduler stopped")
}

func (s *BillingScheduler) loop(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	s.tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-stop:
			return
		}
	}
}

func (s *BillingScheduler) tick(ctx context.Context) {
	if !s.running.TryLock() {
		s.log.Warn("previous run still in progress, skipping tick")
		return
	}
	defer s.running.Unlock()

	if _, _, err := s.run(ctx, TriggerScheduler, s.Now()); err != nil {
		s.log.Error("scheduled run failed", zap.Error(err))
	}
}

// RunNow runs RunDue for asOf immediately and records it. It waits for a
// scheduled run in progress. A partial failure still returns the run record
// and the result along with the *billing.PartialBatchFailure.
func (s *BillingScheduler) RunNow(ctx context.Context, trigger string, asOf time.Time) (sqlite.BillingRun, billing.RunResult, error) {
	s.running.Lock()
	defer s.running.Unlock()
	return s.run(ctx, trigger, asOf)
}

func (s *BillingScheduler) run(ctx context.Context, trigger string, asOf time.Time) (sqlite.BillingRun, billing.RunResult, error) {
	run := sqlite.BillingRun{
		ID:        billing.NewID(billing.PrefixRun),
		Trigger:   trigger,
		AsOf:      asOf,
		Status:    sqlite.RunRunning,
		StartedAt: s.Now().UTC(),
	}
	if err := s.Runs.SaveBillingRun(ctx, run); err != nil {
		return run, billing.RunResult{}, errors.Wrap(err, "record run start")
	}

	res, runErr := s.Runner.RunDue(ctx, asOf)

	completed := s.Now().UTC()
	run.CompletedAt = &completed
	run.Processed = res.Processed
	run.Succeeded = res.Succeeded
	run.Generated = res.Generated
	run.Failed = len(res.Failures)

	var partial *billing.PartialBatchFailure
	switch {
	case runErr == nil:
		run.Status = sqlite.RunCompleted
	case errors.As(runErr, &partial):
		run.Status = sqlite.RunPartial
		run.Error = runErr.Error()
	default:
		run.Status = sqlite.RunFailed
		run.Error = runErr.Error()
	}

	// The record is written even when ctx was cancelled mid-run.
	if err := s.Runs.SaveBillingRun(context.WithoutCancel(ctx), run); err != nil {
		s.log.Error("failed to record run", zap.String("run_id", run.ID), zap.Error(err))
	}

	s.log.Info("billing run finished",
		zap.String("run_id", run.ID),
		zap.String("trigger", trigger),
		zap.String("status", run.Status),
		zap.Int("processed", run.Processed),
		zap.Int("generated", run.Generated),
		zap.Int("failed", run.Failed),
		zap.Duration("took", completed.Sub(run.StartedAt)))

	return run, res, runErr
}

// NextRunTime returns when the next scheduled run will occur.
func (s *BillingScheduler) NextRunTime() time.Time {
	return s.Now().Add(s.Interval)
}
