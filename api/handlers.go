/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes recurring billing and revenue reporting via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the billing,
  reporting and factory packages.

ENDPOINTS (all tenant routes are under /api/tenants/{tenantID}):
  Templates:
    POST   /templates                   Create from JSON
    GET    /templates                   List
    GET    /templates/{id}              Get
    PUT    /templates/{id}/items        Replace line items
    POST   /templates/{id}/pause        Pause
    POST   /templates/{id}/resume       Resume
    POST   /templates/{id}/cancel       Cancel (final)
    POST   /templates/{id}/catch-up     Generate due occurrences (?as_of=)
    DELETE /templates/{id}              Delete, invoices are kept

  Invoices:
    GET    /invoices                    List
    POST   /invoices                    Manual invoice
    POST   /invoices/{id}/pay           Mark paid
    DELETE /invoices/{id}               Delete, the number is never reused

  Expenses:
    GET    /expenses                    List
    POST   /expenses                    Create
    POST   /expenses/{id}/deactivate    Stop a recurring expense

  Reporting:
    GET    /summary?from=&to=           Reconciled revenue summary
    GET    /tax-years/{year}            Calendar-year tax view

  Admin:
    POST   /api/admin/run-due?as_of=    RunDue across every tenant
    GET    /api/runs                    Billing run history

  Scenarios:
    GET    /api/scenarios               List demo scenarios
    POST   /api/scenarios/load          Load a demo scenario

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: SQLite store (reads, run history, reset)
  - Service / Runner: billing operations
  - Reports: reconciliation engine
  - Factory: JSON to billing struct conversion

ERROR HANDLING:
  Errors are returned as JSON {error, details} with HTTP status:
  - 400: Validation errors, invalid recurrence, invalid transition or period
  - 404: Record not found, or owned by another tenant
  - 409: Duplicate number or occurrence, concurrent modification
  - 500: Internal errors. A failed summary is a 500, never an empty body.

SECURITY NOTE:
  No authentication. The tenant in the URL is trusted.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
	"github.com/warp/billing-engine/recurrence"
	"github.com/warp/billing-engine/reporting"
	"github.com/warp/billing-engine/store/sqlite"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Service   *billing.Service
	Runner    *billing.Runner
	Reports   *reporting.Engine
	Scheduler *BillingScheduler
	Factory   *factory.Factory
	Now       func() time.Time

	log *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// Options tunes the handler's billing and reporting components.
type Options struct {
	Billing      billing.Config
	DedupEpsilon decimal.Decimal
	Logger       *zap.Logger
	Now          func() time.Time
}

// NewHandler creates a handler and the components it drives.
func NewHandler(store *sqlite.Store, opts Options) *Handler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.DedupEpsilon.IsZero() {
		opts.DedupEpsilon = billing.MoneyEpsilon
	}

	bopts := []billing.Option{
		billing.WithConfig(opts.Billing),
		billing.WithLogger(log.Named("billing")),
		billing.WithClock(now),
	}
	runner := billing.NewRunner(store, bopts...)
	scheduler := NewBillingScheduler(runner, store, log)
	scheduler.Now = now

	return &Handler{
		Store:     store,
		Service:   billing.NewService(store, bopts...),
		Runner:    runner,
		Reports:   reporting.NewEngine(store, reporting.WithEpsilon(opts.DedupEpsilon), reporting.WithLogger(log.Named("reporting"))),
		Scheduler: scheduler,
		Factory:   factory.New(),
		Now:       now,
		log:       log.Named("api"),
	}
}

// =============================================================================
// TEMPLATE HANDLERS
// =============================================================================

// CreateTemplate creates a recurring template from factory JSON.
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeDomainError(w, "Invalid request body", err)
		return
	}
	tmpl, err := h.Factory.ParseTemplate(tenantID(r), body)
	if err != nil {
		writeDomainError(w, "Invalid template", err)
		return
	}
	created, err := h.Service.CreateTemplate(r.Context(), tmpl)
	if err != nil {
		writeDomainError(w, "Failed to create template", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.Factory.TemplateToJSON(*created))
}

// ListTemplates returns every template of the tenant.
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := h.Service.ListTemplates(r.Context(), tenantID(r))
	if err != nil {
		writeDomainError(w, "Failed to list templates", err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(list, func(t billing.RecurringTemplate, _ int) factory.TemplateJSON {
		return h.Factory.TemplateToJSON(t)
	}))
}

// GetTemplate returns one template.
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.Service.GetTemplate(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Template not found", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.TemplateToJSON(*t))
}

// ReplaceTemplateItems replaces the line items of a template.
func (h *Handler) ReplaceTemplateItems(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeDomainError(w, "Invalid request body", err)
		return
	}
	items, err := h.Factory.ParseLineItems(body)
	if err != nil {
		writeDomainError(w, "Invalid line items", err)
		return
	}
	t, err := h.Service.UpdateLineItems(r.Context(), tenantID(r), chi.URLParam(r, "id"), items)
	if err != nil {
		writeDomainError(w, "Failed to update line items", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.TemplateToJSON(*t))
}

func (h *Handler) PauseTemplate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Service.Pause)
}

func (h *Handler) ResumeTemplate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Service.Resume)
}

func (h *Handler) CancelTemplate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Service.Cancel)
}

type transitionFunc func(ctx context.Context, tenantID, id string) (*billing.RecurringTemplate, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	t, err := fn(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Failed to change template status", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.TemplateToJSON(*t))
}

// CatchUpTemplate generates the template's due occurrences up to ?as_of
// (default today).
func (h *Handler) CatchUpTemplate(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		writeDomainError(w, "Invalid as_of", err)
		return
	}
	res, err := h.Runner.CatchUp(r.Context(), tenantID(r), chi.URLParam(r, "id"), asOf)
	if err != nil {
		// Occurrences committed before the failure stay committed.
		h.log.Error("catch-up failed",
			zap.String("template_id", chi.URLParam(r, "id")),
			zap.Int("generated", res.Generated),
			zap.Error(err))
		writeDomainError(w, "Catch-up failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toCatchUpDTO(h.Factory, res))
}

// DeleteTemplate removes a template. Its invoices remain.
func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteTemplate(r.Context(), tenantID(r), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, "Failed to delete template", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	list, err := h.Service.ListInvoices(r.Context(), tenantID(r))
	if err != nil {
		writeDomainError(w, "Failed to list invoices", err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(list, func(inv billing.Invoice, _ int) factory.InvoiceJSON {
		return h.Factory.InvoiceToJSON(inv)
	}))
}

// CreateInvoice records a manual invoice; the number is allocated server side.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeDomainError(w, "Invalid request body", err)
		return
	}
	inv, err := h.Factory.ParseInvoice(tenantID(r), body)
	if err != nil {
		writeDomainError(w, "Invalid invoice", err)
		return
	}
	created, err := h.Service.CreateInvoice(r.Context(), inv)
	if err != nil {
		writeDomainError(w, "Failed to create invoice", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.Factory.InvoiceToJSON(*created))
}

// PayInvoice marks an invoice paid. The body {"paid_at": "YYYY-MM-DD"} is
// optional and defaults to today.
func (h *Handler) PayInvoice(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeDomainError(w, "Invalid request body", err)
		return
	}
	var paidAt time.Time
	if len(body) > 0 {
		var req MarkPaidRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeDomainError(w, "Invalid request body", &billing.ValidationError{Field: "body", Message: err.Error()})
			return
		}
		if req.PaidAt != "" {
			if paidAt, err = recurrence.ParseDate(req.PaidAt); err != nil {
				writeDomainError(w, "Invalid paid_at", &billing.ValidationError{Field: "paid_at", Message: "must be YYYY-MM-DD"})
				return
			}
		}
	}

	inv, err := h.Service.MarkPaid(r.Context(), tenantID(r), chi.URLParam(r, "id"), paidAt)
	if err != nil {
		writeDomainError(w, "Failed to mark invoice paid", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.InvoiceToJSON(*inv))
}

func (h *Handler) DeleteInvoice(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteInvoice(r.Context(), tenantID(r), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, "Failed to delete invoice", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// EXPENSE HANDLERS
// =============================================================================

func (h *Handler) ListExpenses(w http.ResponseWriter, r *http.Request) {
	list, err := h.Service.ListExpenses(r.Context(), tenantID(r))
	if err != nil {
		writeDomainError(w, "Failed to list expenses", err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(list, func(e billing.Expense, _ int) factory.ExpenseJSON {
		return h.Factory.ExpenseToJSON(e)
	}))
}

func (h *Handler) CreateExpense(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeDomainError(w, "Invalid request body", err)
		return
	}
	e, err := h.Factory.ParseExpense(tenantID(r), body)
	if err != nil {
		writeDomainError(w, "Invalid expense", err)
		return
	}
	created, err := h.Service.CreateExpense(r.Context(), e)
	if err != nil {
		writeDomainError(w, "Failed to create expense", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.Factory.ExpenseToJSON(*created))
}

func (h *Handler) DeactivateExpense(w http.ResponseWriter, r *http.Request) {
	e, err := h.Service.DeactivateExpense(r.Context(), tenantID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Failed to deactivate expense", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.ExpenseToJSON(*e))
}

// =============================================================================
// REPORTING HANDLERS
// =============================================================================

// GetSummary returns the reconciled summary for ?from=&to= (inclusive). Both
// default to the current calendar year.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	year := recurrence.YearWindow(h.Now().UTC().Year())
	from, err := dateParam(r, "from", year.Start)
	if err != nil {
		writeDomainError(w, "Invalid from", err)
		return
	}
	to, err := dateParam(r, "to", year.End)
	if err != nil {
		writeDomainError(w, "Invalid to", err)
		return
	}

	summary, err := h.Reports.Summarize(r.Context(), tenantID(r), from, to)
	if err != nil {
		writeDomainError(w, "Failed to build summary", err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

// GetTaxYear returns the calendar-year tax view.
func (h *Handler) GetTaxYear(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeDomainError(w, "Invalid year", &billing.ValidationError{Field: "year", Message: "must be a number"})
		return
	}
	ty, err := h.Reports.TaxYear(r.Context(), tenantID(r), year)
	if err != nil {
		writeDomainError(w, "Failed to build tax year", err)
		return
	}
	writeJSON(w, http.StatusOK, toTaxYearDTO(ty))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunDue catches up every due template of every tenant. Template failures
// are reported in the body with a 200; only a run that could not start is
// an error.
func (h *Handler) RunDue(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		writeDomainError(w, "Invalid as_of", err)
		return
	}

	run, res, err := h.Scheduler.RunNow(r.Context(), TriggerAPI, asOf)
	var partial *billing.PartialBatchFailure
	if err != nil && !errors.As(err, &partial) {
		writeDomainError(w, "Billing run failed", err)
		return
	}

	writeJSON(w, http.StatusOK, RunDueResponse{
		Run:      toRunDTO(run),
		Capped:   lo.Ternary(res.Capped == nil, []string{}, res.Capped),
		Failures: toFailureDTOs(res.Failures),
	})
}

// ListRuns returns the billing run history, newest first (?limit=, default 50).
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeDomainError(w, "Invalid limit", &billing.ValidationError{Field: "limit", Message: "must be a positive number"})
			return
		}
		limit = n
	}
	runs, err := h.Store.ListBillingRuns(r.Context(), limit)
	if err != nil {
		writeDomainError(w, "Failed to list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(runs, func(run sqlite.BillingRun, _ int) RunDTO { return toRunDTO(run) }))
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func tenantID(r *http.Request) string {
	return chi.URLParam(r, "tenantID")
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, &billing.ValidationError{Field: "body", Message: err.Error()}
	}
	return body, nil
}

// asOf reads ?as_of=YYYY-MM-DD, defaulting to today.
func (h *Handler) asOf(r *http.Request) (time.Time, error) {
	return dateParam(r, "as_of", recurrence.Noon(h.Now()))
}

func dateParam(r *http.Request, name string, def time.Time) (time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	t, err := recurrence.ParseDate(s)
	if err != nil {
		return time.Time{}, &billing.ValidationError{Field: name, Message: "must be YYYY-MM-DD, got " + s}
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError picks the status from the billing error taxonomy. A
// record of another tenant is reported as not found.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case billing.IsClientError(err):
		return http.StatusBadRequest
	case billing.IsNotFound(err), errors.Is(err, billing.ErrTenantMismatch):
		return http.StatusNotFound
	case billing.IsConflict(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
