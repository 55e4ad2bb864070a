package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/factory"
	"github.com/warp/billing-engine/store/sqlite"
)

func TestBillingScheduler_DisabledDoesNotRun(t *testing.T) {
	s := newTestServer(t)
	s.createTemplate(t, "tenant-a", monthlyRetainer)

	s.h.Scheduler.Interval = 10 * time.Millisecond
	s.h.Scheduler.Start()
	defer s.h.Scheduler.Stop()

	time.Sleep(50 * time.Millisecond)
	runs, err := s.h.Store.ListBillingRuns(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestBillingScheduler_RunsOnStartAndTick(t *testing.T) {
	// GIVEN: A template due since Jan 15 and an enabled scheduler
	s := newTestServer(t)
	s.createTemplate(t, "tenant-a", monthlyRetainer)

	s.h.Scheduler.Enabled = true
	s.h.Scheduler.Interval = 20 * time.Millisecond

	// WHEN: Starting it
	s.h.Scheduler.Start()

	// THEN: Runs are recorded, the first one catching up Jan..Jun
	require.Eventually(t, func() bool {
		runs, err := s.h.Store.ListBillingRuns(context.Background(), 0)
		return err == nil && len(runs) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	s.h.Scheduler.Stop()

	runs, err := s.h.Store.ListBillingRuns(context.Background(), 0)
	require.NoError(t, err)
	total := 0
	for _, r := range runs {
		assert.Equal(t, TriggerScheduler, r.Trigger)
		assert.NotEqual(t, sqlite.RunRunning, r.Status)
		total += r.Generated
	}
	assert.Equal(t, 6, total)

	rec := s.do(t, http.MethodGet, "/api/tenants/tenant-a/invoices", "")
	assert.Len(t, decodeJSON[[]factory.InvoiceJSON](t, rec), 6)
}

func TestBillingScheduler_RunNow(t *testing.T) {
	s := newTestServer(t)
	s.createTemplate(t, "tenant-a", monthlyRetainer)

	run, res, err := s.h.Scheduler.RunNow(context.Background(), TriggerAPI, testNow)
	require.NoError(t, err)
	assert.Equal(t, sqlite.RunCompleted, run.Status)
	assert.Equal(t, 6, res.Generated)
	require.NotNil(t, run.CompletedAt)

	// Stop without Start is a no-op
	s.h.Scheduler.Stop()

	assert.Equal(t, testNow.Add(time.Hour), s.h.Scheduler.NextRunTime())
}
