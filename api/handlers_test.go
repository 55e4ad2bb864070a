/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Template create/get/transition and tenant scoping
- Catch-up and RunDue over HTTP, with billing run history
- Invoice payment and deletion (numbers never reused)
- Summary and tax year, including error statuses
*/
package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
	"github.com/warp/billing-engine/recurrence"
	"github.com/warp/billing-engine/store/sqlite"
)

var testNow = recurrence.Date(2025, time.June, 20)

type testServer struct {
	h      *Handler
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := billing.DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	h := NewHandler(store, Options{
		Billing: cfg,
		Now:     func() time.Time { return testNow },
	})
	return &testServer{h: h, router: NewRouter(h, nil)}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) createTemplate(t *testing.T, tenant, body string) factory.TemplateJSON {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/tenants/"+tenant+"/templates", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeJSON[factory.TemplateJSON](t, rec)
}

const monthlyRetainer = `{
	"contact_id": "contact-1",
	"name": "Retainer",
	"frequency": "monthly",
	"start_date": "2025-01-15",
	"line_items": [{"description": "Retainer", "quantity": "1", "unit_price": "500"}]
}`

// =============================================================================
// TEMPLATES
// =============================================================================

func TestCreateTemplate_AndGet(t *testing.T) {
	// GIVEN: A monthly template created for tenant-a
	s := newTestServer(t)
	created := s.createTemplate(t, "tenant-a", monthlyRetainer)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "ACTIVE", created.Status)
	assert.Equal(t, "2025-01-15", created.NextRunDate)
	assert.Equal(t, "500.00", created.Total)

	// WHEN: Fetching it as tenant-a
	rec := s.do(t, http.MethodGet, "/api/tenants/tenant-a/templates/"+created.ID, "")

	// THEN: It is returned
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decodeJSON[factory.TemplateJSON](t, rec).ID)

	// AND: tenant-b cannot see it
	rec = s.do(t, http.MethodGet, "/api/tenants/tenant-b/templates/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/tenants/tenant-a/templates", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeJSON[[]factory.TemplateJSON](t, rec), 1)
}

func TestCreateTemplate_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"contact_id":`},
		{"unknown frequency", `{"contact_id":"c","name":"x","frequency":"hourly","start_date":"2025-01-01",
			"line_items":[{"description":"a","quantity":"1","unit_price":"1"}]}`},
		{"negative interval", `{"contact_id":"c","name":"x","frequency":"weekly","interval":-2,"start_date":"2025-01-01",
			"line_items":[{"description":"a","quantity":"1","unit_price":"1"}]}`},
		{"missing start date", `{"contact_id":"c","name":"x","frequency":"weekly",
			"line_items":[{"description":"a","quantity":"1","unit_price":"1"}]}`},
	}

	s := newTestServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/tenants/tenant-a/templates", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			resp := decodeJSON[ErrorResponse](t, rec)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestTemplateTransitions(t *testing.T) {
	// GIVEN: An active template
	s := newTestServer(t)
	tmpl := s.createTemplate(t, "tenant-a", monthlyRetainer)
	base := "/api/tenants/tenant-a/templates/" + tmpl.ID

	// WHEN: Pausing then resuming
	rec := s.do(t, http.MethodPost, base+"/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PAUSED", decodeJSON[factory.TemplateJSON](t, rec).Status)

	rec = s.do(t, http.MethodPost, base+"/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ACTIVE", decodeJSON[factory.TemplateJSON](t, rec).Status)

	// WHEN: Cancelling
	rec = s.do(t, http.MethodPost, base+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CANCELLED", decodeJSON[factory.TemplateJSON](t, rec).Status)

	// THEN: A cancelled template cannot be resumed
	rec = s.do(t, http.MethodPost, base+"/resume", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplaceTemplateItems(t *testing.T) {
	s := newTestServer(t)
	tmpl := s.createTemplate(t, "tenant-a", monthlyRetainer)

	rec := s.do(t, http.MethodPut, "/api/tenants/tenant-a/templates/"+tmpl.ID+"/items",
		`[{"description": "Retainer", "quantity": "2", "unit_price": "300"}]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	updated := decodeJSON[factory.TemplateJSON](t, rec)
	assert.Equal(t, "600.00", updated.Total)
	assert.Greater(t, updated.Version, tmpl.Version)
}

// =============================================================================
// GENERATION
// =============================================================================

func TestCatchUpTemplate(t *testing.T) {
	// GIVEN: A monthly template starting Jan 15
	s := newTestServer(t)
	tmpl := s.createTemplate(t, "tenant-a", monthlyRetainer)

	// WHEN: Catching up to Apr 1
	rec := s.do(t, http.MethodPost, "/api/tenants/tenant-a/templates/"+tmpl.ID+"/catch-up?as_of=2025-04-01", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: Jan, Feb and Mar are invoiced in order
	res := decodeJSON[CatchUpDTO](t, rec)
	assert.Equal(t, 3, res.Generated)
	assert.False(t, res.Capped)
	assert.Equal(t, "2025-04-15", res.NextRunDate)
	require.Len(t, res.Invoices, 3)
	assert.Equal(t, "INV-0001", res.Invoices[0].InvoiceNumber)
	assert.Equal(t, "2025-01-15", res.Invoices[0].IssueDate)
	assert.Equal(t, "INV-0003", res.Invoices[2].InvoiceNumber)
	assert.Equal(t, tmpl.ID, res.Invoices[2].RecurringTemplateID)

	// AND: A second catch-up for the same date is a no-op
	rec = s.do(t, http.MethodPost, "/api/tenants/tenant-a/templates/"+tmpl.ID+"/catch-up?as_of=2025-04-01", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeJSON[CatchUpDTO](t, rec).Generated)

	rec = s.do(t, http.MethodGet, "/api/tenants/tenant-a/invoices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeJSON[[]factory.InvoiceJSON](t, rec), 3)
}

func TestCatchUpTemplate_BadAsOf(t *testing.T) {
	s := newTestServer(t)
	tmpl := s.createTemplate(t, "tenant-a", monthlyRetainer)

	rec := s.do(t, http.MethodPost, "/api/tenants/tenant-a/templates/"+tmpl.ID+"/catch-up?as_of=April", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunDue_RecordsRun(t *testing.T) {
	// GIVEN: Two tenants with a due template each
	s := newTestServer(t)
	s.createTemplate(t, "tenant-a", monthlyRetainer)
	s.createTemplate(t, "tenant-b", `{
		"contact_id": "contact-2", "name": "Weekly", "frequency": "weekly",
		"start_date": "2025-02-20",
		"line_items": [{"description": "Support", "quantity": "1", "unit_price": "80"}]
	}`)

	// WHEN: Triggering a run for Mar 1
	rec := s.do(t, http.MethodPost, "/api/admin/run-due?as_of=2025-03-01", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: tenant-a gets Jan 15 and Feb 15, tenant-b gets Feb 20 and Feb 27
	resp := decodeJSON[RunDueResponse](t, rec)
	assert.Equal(t, sqlite.RunCompleted, resp.Run.Status)
	assert.Equal(t, TriggerAPI, resp.Run.Trigger)
	assert.Equal(t, "2025-03-01", resp.Run.AsOf)
	assert.Equal(t, 2, resp.Run.Processed)
	assert.Equal(t, 4, resp.Run.Generated)
	assert.Empty(t, resp.Failures)

	// AND: Each tenant numbers its own invoices
	for _, tenant := range []string{"tenant-a", "tenant-b"} {
		rec = s.do(t, http.MethodGet, "/api/tenants/"+tenant+"/invoices", "")
		invoices := decodeJSON[[]factory.InvoiceJSON](t, rec)
		require.Len(t, invoices, 2, tenant)
		numbers := []string{invoices[0].InvoiceNumber, invoices[1].InvoiceNumber}
		assert.ElementsMatch(t, []string{"INV-0001", "INV-0002"}, numbers, tenant)
	}

	// AND: The run is in the history
	rec = s.do(t, http.MethodGet, "/api/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decodeJSON[[]RunDTO](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, resp.Run.ID, runs[0].ID)
	assert.NotEmpty(t, runs[0].CompletedAt)
}

func TestListRuns_BadLimit(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/runs?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// INVOICES
// =============================================================================

func TestPayInvoice(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/tenants/tenant-a/invoices", `{
		"contact_id": "contact-1", "issue_date": "2025-05-02", "tax_rate": "10",
		"items": [{"description": "Workshop", "quantity": "2", "unit_price": "250"}]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inv := decodeJSON[factory.InvoiceJSON](t, rec)
	assert.Equal(t, "INV-0001", inv.InvoiceNumber)
	assert.Equal(t, "DRAFT", inv.Status)
	assert.Equal(t, "550.00", inv.Total)

	// WHEN: Paying with an explicit date
	rec = s.do(t, http.MethodPost, "/api/tenants/tenant-a/invoices/"+inv.ID+"/pay", `{"paid_at": "2025-05-20"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	paid := decodeJSON[factory.InvoiceJSON](t, rec)
	assert.Equal(t, "PAID", paid.Status)
	assert.Equal(t, "2025-05-20", paid.PaidAt)

	// AND: Paying without a body uses today
	rec = s.do(t, http.MethodPost, "/api/tenants/tenant-a/invoices/"+inv.ID+"/pay", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2025-06-20", decodeJSON[factory.InvoiceJSON](t, rec).PaidAt)

	// AND: Another tenant cannot pay it
	rec = s.do(t, http.MethodPost, "/api/tenants/tenant-b/invoices/"+inv.ID+"/pay", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteInvoice_NumberNotReused(t *testing.T) {
	s := newTestServer(t)
	create := func() factory.InvoiceJSON {
		rec := s.do(t, http.MethodPost, "/api/tenants/tenant-a/invoices", `{
			"contact_id": "contact-1", "issue_date": "2025-05-02",
			"items": [{"description": "Hours", "quantity": "1", "unit_price": "90"}]
		}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		return decodeJSON[factory.InvoiceJSON](t, rec)
	}

	create()
	second := create()
	assert.Equal(t, "INV-0002", second.InvoiceNumber)

	rec := s.do(t, http.MethodDelete, "/api/tenants/tenant-a/invoices/"+second.ID, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, "INV-0003", create().InvoiceNumber)

	rec = s.do(t, http.MethodDelete, "/api/tenants/tenant-a/invoices/"+second.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// REPORTING
// =============================================================================

func TestGetSummary_DedupsManualPayment(t *testing.T) {
	// GIVEN: A monthly 500 template that was never run (Jan, Feb, Mar projected)
	// AND: A manual paid 500 invoice to the same contact in February
	s := newTestServer(t)
	s.createTemplate(t, "tenant-a", monthlyRetainer)
	rec := s.do(t, http.MethodPost, "/api/tenants/tenant-a/invoices", `{
		"contact_id": "contact-1", "issue_date": "2025-02-10", "status": "paid",
		"items": [{"description": "Retainer (transfer)", "quantity": "1", "unit_price": "500"}]
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// WHEN: Summarizing Q1
	rec = s.do(t, http.MethodGet, "/api/tenants/tenant-a/summary?from=2025-01-01&to=2025-03-31", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: February is counted once, as actual revenue
	sum := decodeJSON[SummaryDTO](t, rec)
	assert.True(t, sum.HasData)
	assert.Equal(t, "500.00", sum.ActualTotal)
	assert.Equal(t, "1000.00", sum.ProjectedTotal)
	assert.Equal(t, "1500.00", sum.TotalRevenue)
	assert.Equal(t, 1, sum.DroppedProjections)
	assert.Len(t, sum.Projections, 2)
}

func TestGetSummary_Errors(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/tenants/tenant-a/summary?from=2025-03-01&to=2025-01-01", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/tenants/tenant-a/summary?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Defaults to the current year, empty but valid
	rec = s.do(t, http.MethodGet, "/api/tenants/tenant-a/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decodeJSON[SummaryDTO](t, rec)
	assert.False(t, sum.HasData)
	assert.Equal(t, "2025-01-01", sum.From)
	assert.Len(t, sum.Monthly, 12)
}

func TestGetTaxYear(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/tenants/tenant-a/expenses", `{
		"description": "Laptop", "amount": "1200", "category": "Hardware",
		"tax_category": "Equipment", "date": "2025-03-03"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/tenants/tenant-a/tax-years/2025", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ty := decodeJSON[TaxYearDTO](t, rec)
	assert.Equal(t, 2025, ty.Year)
	assert.Equal(t, "1200.00", ty.TotalDeductions)
	assert.Equal(t, "-1200.00", ty.NetIncome)

	rec = s.do(t, http.MethodGet, "/api/tenants/tenant-a/tax-years/twenty", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/tenants/tenant-a/tax-years/0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
