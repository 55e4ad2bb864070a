/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates templates, invoices
	and expenses that demonstrate specific features. Dates are relative to
	the handler clock so a scenario looks the same whenever it is loaded.

AVAILABLE SCENARIOS:

	freelancer:     One retainer caught up to today, paid invoices, expenses
	missed-runs:    Templates six months behind; POST /api/admin/run-due
	                catches them up in one call
	manual-overlap: Manually entered payments that settle projected
	                occurrences (fuzzy match and explicit covers link)
	agency:         Several clients, weekly/monthly/yearly schedules, a
	                paused template and client-linked costs for margins

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create templates and expenses from JSON via factory
 3. Optionally catch templates up and mark invoices paid

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "freelancer"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, tenantID, today)
 3. Add it to the loaders map

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
  - factory/template.go: JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/recurrence"
)

// DemoTenant owns every scenario record.
const DemoTenant = "demo"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "freelancer",
		Name:        "Freelancer",
		Description: "Monthly retainer caught up to today, paid invoices, rent and software costs",
		TenantID:    DemoTenant,
	},
	{
		ID:          "missed-runs",
		Name:        "Missed Runs",
		Description: "Templates six months behind schedule, waiting for a run-due",
		TenantID:    DemoTenant,
	},
	{
		ID:          "manual-overlap",
		Name:        "Manual Overlap",
		Description: "Payments entered by hand that settle projected occurrences",
		TenantID:    DemoTenant,
	},
	{
		ID:          "agency",
		Name:        "Agency",
		Description: "Several clients on weekly, monthly and yearly schedules with per-client costs",
		TenantID:    DemoTenant,
	},
}

type scenarioLoader func(h *Handler, ctx context.Context, tenantID string, today time.Time) error

var loaders = map[string]scenarioLoader{
	"freelancer":     (*Handler).loadFreelancerScenario,
	"missed-runs":    (*Handler).loadMissedRunsScenario,
	"manual-overlap": (*Handler).loadManualOverlapScenario,
	"agency":         (*Handler).loadAgencyScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, TenantID: DemoTenant})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID, load); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// LoadScenarioByID resets the store and runs load. A nil load looks the
// scenario up by id.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string, load scenarioLoader) error {
	if load == nil {
		var ok bool
		if load, ok = loaders[id]; !ok {
			return errors.Newf("unknown scenario %q", id)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		return errors.Wrap(err, "reset database")
	}
	h.currentScenario = ""

	if err := load(h, ctx, DemoTenant, recurrence.Noon(h.Now())); err != nil {
		return err
	}
	h.currentScenario = id
	h.log.Info("scenario loaded", zap.String("scenario", id))
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadFreelancerScenario(ctx context.Context, tenantID string, today time.Time) error {
	// Retainer started four months ago on the 15th, 20% tax
	start := monthsAgo(today, 4, 15)
	retainer, err := h.createTemplate(ctx, tenantID, fmt.Sprintf(`{
		"contact_id": "contact-northwind",
		"name": "Design retainer",
		"frequency": "monthly",
		"start_date": %q,
		"tax_rate": "20",
		"line_items": [
			{"description": "Design retainer", "quantity": "1", "unit_price": "1500"},
			{"description": "Hosting", "quantity": "1", "unit_price": "49.90"}
		]
	}`, date(start)))
	if err != nil {
		return err
	}

	res, err := h.Runner.CatchUp(ctx, tenantID, retainer.ID, today)
	if err != nil {
		return errors.Wrap(err, "catch up retainer")
	}
	// Everything but the latest invoice has been paid a week after issue
	for i, inv := range res.Invoices {
		if i == len(res.Invoices)-1 {
			break
		}
		if _, err := h.Service.MarkPaid(ctx, tenantID, inv.ID, inv.IssueDate.AddDate(0, 0, 7)); err != nil {
			return err
		}
	}

	return h.createExpenses(ctx, tenantID,
		fmt.Sprintf(`{"description": "Co-working desk", "amount": "350", "category": "Rent",
			"tax_category": "Premises", "date": %q, "recurring": true, "frequency": "monthly"}`,
			date(monthsAgo(today, 6, 1))),
		fmt.Sprintf(`{"description": "Design software", "amount": "59.99", "category": "Software",
			"tax_category": "Office", "date": %q, "recurring": true, "frequency": "monthly"}`,
			date(monthsAgo(today, 6, 3))),
		fmt.Sprintf(`{"description": "Laptop", "amount": "2199", "category": "Hardware",
			"tax_category": "Equipment", "date": %q}`,
			date(monthsAgo(today, 2, 10))),
	)
}

func (h *Handler) loadMissedRunsScenario(ctx context.Context, tenantID string, today time.Time) error {
	// Nothing has been generated since these started: the first run-due
	// produces the whole backlog.
	if _, err := h.createTemplate(ctx, tenantID, fmt.Sprintf(`{
		"contact_id": "contact-globex",
		"name": "Support plan",
		"frequency": "monthly",
		"start_date": %q,
		"tax_rate": "10",
		"line_items": [{"description": "Support plan", "quantity": "1", "unit_price": "800"}]
	}`, date(monthsAgo(today, 6, 31)))); err != nil {
		return err
	}
	if _, err := h.createTemplate(ctx, tenantID, fmt.Sprintf(`{
		"contact_id": "contact-initech",
		"name": "Biweekly maintenance",
		"frequency": "weekly",
		"interval": 2,
		"start_date": %q,
		"line_items": [{"description": "Maintenance window", "quantity": "4", "unit_price": "95"}]
	}`, date(today.AddDate(0, -3, 0)))); err != nil {
		return err
	}
	return nil
}

func (h *Handler) loadManualOverlapScenario(ctx context.Context, tenantID string, today time.Time) error {
	// A monthly template that was never caught up: every occurrence since
	// its start is only a projection.
	start := monthsAgo(today, 2, 15)
	tmpl, err := h.createTemplate(ctx, tenantID, fmt.Sprintf(`{
		"contact_id": "contact-umbrella",
		"name": "Consulting",
		"frequency": "monthly",
		"start_date": %q,
		"line_items": [{"description": "Consulting", "quantity": "1", "unit_price": "500"}]
	}`, date(start)))
	if err != nil {
		return err
	}

	// Two payments entered by hand. The first names the occurrence it
	// settles; the second matches one by contact, amount and month.
	if _, err := h.createInvoice(ctx, tenantID, fmt.Sprintf(`{
		"contact_id": "contact-umbrella",
		"issue_date": %q,
		"status": "paid",
		"items": [{"description": "Consulting (cheque)", "quantity": "1", "unit_price": "500"}],
		"covers_template_id": %q,
		"covers_occurrence": %q
	}`, date(monthsAgo(today, 2, 20)), tmpl.ID, date(start))); err != nil {
		return err
	}
	_, err = h.createInvoice(ctx, tenantID, fmt.Sprintf(`{
		"contact_id": "contact-umbrella",
		"issue_date": %q,
		"status": "paid",
		"items": [{"description": "Consulting (bank transfer)", "quantity": "1", "unit_price": "500"}]
	}`, date(monthsAgo(today, 1, 10))))
	return err
}

func (h *Handler) loadAgencyScenario(ctx context.Context, tenantID string, today time.Time) error {
	yearStart := recurrence.Date(today.Year(), time.January, 1)

	templates := []string{
		fmt.Sprintf(`{
			"contact_id": "contact-acme", "name": "Weekly sprint", "frequency": "weekly",
			"start_date": %q, "tax_rate": "20",
			"line_items": [{"description": "Sprint", "quantity": "1", "unit_price": "2400"}]
		}`, date(yearStart.AddDate(0, 0, 6))),
		fmt.Sprintf(`{
			"contact_id": "contact-wayne", "name": "Quarterly audit", "frequency": "monthly", "interval": 3,
			"start_date": %q,
			"line_items": [{"description": "Security audit", "quantity": "1", "unit_price": "4200"}]
		}`, date(yearStart.AddDate(0, 0, 14))),
		fmt.Sprintf(`{
			"contact_id": "contact-stark", "name": "Annual licence", "frequency": "yearly",
			"start_date": %q,
			"line_items": [{"description": "Platform licence", "quantity": "12", "unit_price": "300"}]
		}`, date(yearStart.AddDate(0, 1, 0))),
	}
	var created []*billing.RecurringTemplate
	for _, body := range templates {
		t, err := h.createTemplate(ctx, tenantID, body)
		if err != nil {
			return err
		}
		created = append(created, t)
	}

	for _, t := range created {
		res, err := h.Runner.CatchUp(ctx, tenantID, t.ID, today)
		if err != nil {
			return errors.Wrapf(err, "catch up %s", t.Name)
		}
		for _, inv := range res.Invoices {
			if inv.DueDate.Before(today) {
				if _, err := h.Service.MarkPaid(ctx, tenantID, inv.ID, inv.DueDate); err != nil {
					return err
				}
			}
		}
	}

	// The sprint client is on hold
	if _, err := h.Service.Pause(ctx, tenantID, created[0].ID); err != nil {
		return err
	}

	return h.createExpenses(ctx, tenantID,
		fmt.Sprintf(`{"description": "Contractor for Acme", "amount": "3100", "category": "Contractors",
			"tax_category": "Cost of sales", "contact_id": "contact-acme", "date": %q,
			"recurring": true, "frequency": "monthly"}`, date(yearStart.AddDate(0, 0, 27))),
		fmt.Sprintf(`{"description": "Pen-test tooling", "amount": "900", "category": "Software",
			"tax_category": "Office", "contact_id": "contact-wayne", "date": %q}`, date(yearStart.AddDate(0, 0, 20))),
		fmt.Sprintf(`{"description": "Office rent", "amount": "2800", "category": "Rent",
			"tax_category": "Premises", "date": %q, "recurring": true, "frequency": "monthly"}`, date(yearStart)),
	)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) createTemplate(ctx context.Context, tenantID, body string) (*billing.RecurringTemplate, error) {
	t, err := h.Factory.ParseTemplate(tenantID, []byte(body))
	if err != nil {
		return nil, errors.Wrap(err, "parse template")
	}
	return h.Service.CreateTemplate(ctx, t)
}

func (h *Handler) createInvoice(ctx context.Context, tenantID, body string) (*billing.Invoice, error) {
	inv, err := h.Factory.ParseInvoice(tenantID, []byte(body))
	if err != nil {
		return nil, errors.Wrap(err, "parse invoice")
	}
	return h.Service.CreateInvoice(ctx, inv)
}

func (h *Handler) createExpenses(ctx context.Context, tenantID string, bodies ...string) error {
	for _, body := range bodies {
		e, err := h.Factory.ParseExpense(tenantID, []byte(body))
		if err != nil {
			return errors.Wrap(err, "parse expense")
		}
		if _, err := h.Service.CreateExpense(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// monthsAgo returns the given day n months before today's month, clamped to
// the month length. Negative n goes forward.
func monthsAgo(today time.Time, n, day int) time.Time {
	first := recurrence.Date(today.Year(), today.Month(), 1).AddDate(0, -n, 0)
	if last := recurrence.DaysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return recurrence.Date(first.Year(), first.Month(), day)
}
