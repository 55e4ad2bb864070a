/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - Money rendered as fixed two-decimal strings
  - Dates rendered as YYYY-MM-DD

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Templates, invoices, expenses:
    factory.TemplateJSON, factory.InvoiceJSON, factory.ExpenseJSON
    (shared with the parser so input and output stay in sync)

  Generation:
    CatchUpDTO, RunDTO, RunDueResponse

  Reporting:
    SummaryDTO, MonthDTO, CategoryDTO, ClientDTO, ProjectionDTO, TaxYearDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by factory and billing.Service, not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/template.go: record JSON types
*/
package api

import (
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
	"github.com/warp/billing-engine/recurrence"
	"github.com/warp/billing-engine/reporting"
	"github.com/warp/billing-engine/store/sqlite"
)

// =============================================================================
// GENERATION
// =============================================================================

// CatchUpDTO reports one CatchUp call.
type CatchUpDTO struct {
	TemplateID  string                `json:"template_id"`
	Generated   int                   `json:"generated"`
	Capped      bool                  `json:"capped"`
	Status      string                `json:"status"`
	NextRunDate string                `json:"next_run_date"`
	Invoices    []factory.InvoiceJSON `json:"invoices"`
}

// FailureDTO is one failed template of a run.
type FailureDTO struct {
	TemplateID string `json:"template_id"`
	TenantID   string `json:"tenant_id"`
	Generated  int    `json:"generated"`
	Error      string `json:"error"`
}

// RunDTO is a billing run record.
type RunDTO struct {
	ID          string `json:"id"`
	Trigger     string `json:"trigger"`
	AsOf        string `json:"as_of"`
	Status      string `json:"status"`
	Processed   int    `json:"processed"`
	Succeeded   int    `json:"succeeded"`
	Generated   int    `json:"generated"`
	Failed      int    `json:"failed"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// RunDueResponse is returned by POST /api/admin/run-due.
type RunDueResponse struct {
	Run      RunDTO       `json:"run"`
	Capped   []string     `json:"capped"`
	Failures []FailureDTO `json:"failures"`
}

// MarkPaidRequest is the optional body of POST .../invoices/{id}/pay.
type MarkPaidRequest struct {
	PaidAt string `json:"paid_at"`
}

// =============================================================================
// REPORTING
// =============================================================================

type CategoryDTO struct {
	Category string `json:"category"`
	Amount   string `json:"amount"`
	Count    int    `json:"count"`
}

type MonthDTO struct {
	Month     string `json:"month"`
	Actual    string `json:"actual"`
	Projected string `json:"projected"`
	Revenue   string `json:"revenue"`
	Expenses  string `json:"expenses"`
	Profit    string `json:"profit"`
}

type ClientDTO struct {
	ContactID string `json:"contact_id"`
	Income    string `json:"income"`
	Expenses  string `json:"expenses"`
	Profit    string `json:"profit"`
	MarginPct string `json:"margin_pct"`
}

type ProjectionDTO struct {
	TemplateID string `json:"template_id"`
	ContactID  string `json:"contact_id"`
	Date       string `json:"date"`
	Amount     string `json:"amount"`
}

// SummaryDTO is the reconciled revenue summary of a window.
type SummaryDTO struct {
	TenantID           string          `json:"tenant_id"`
	From               string          `json:"from"`
	To                 string          `json:"to"`
	HasData            bool            `json:"has_data"`
	ActualTotal        string          `json:"actual_total"`
	ProjectedTotal     string          `json:"projected_total"`
	TotalRevenue       string          `json:"total_revenue"`
	TotalExpenses      string          `json:"total_expenses"`
	NetProfit          string          `json:"net_profit"`
	Categories         []CategoryDTO   `json:"categories"`
	TaxCategories      []CategoryDTO   `json:"tax_categories"`
	Monthly            []MonthDTO      `json:"monthly"`
	PerClient          []ClientDTO     `json:"per_client"`
	Projections        []ProjectionDTO `json:"projections"`
	DroppedProjections int             `json:"dropped_projections"`
	Capped             []string        `json:"capped,omitempty"`
	InvoiceCount       int             `json:"invoice_count"`
	ExpenseCount       int             `json:"expense_count"`
}

// TaxYearDTO is the calendar-year view used for tax preparation.
type TaxYearDTO struct {
	TenantID          string        `json:"tenant_id"`
	Year              int           `json:"year"`
	GrossReceipts     string        `json:"gross_receipts"`
	ProjectedReceipts string        `json:"projected_receipts"`
	Deductions        []CategoryDTO `json:"deductions"`
	TotalDeductions   string        `json:"total_deductions"`
	NetIncome         string        `json:"net_income"`
	Monthly           []MonthDTO    `json:"monthly"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	TenantID    string `json:"tenant_id"`
}

// LoadScenarioRequest selects the scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func money(d decimal.Decimal) string {
	return billing.RoundMoney(d).StringFixed(2)
}

func date(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(recurrence.DateLayout)
}

func toCatchUpDTO(f *factory.Factory, res billing.CatchUpResult) CatchUpDTO {
	return CatchUpDTO{
		TemplateID:  res.TemplateID,
		Generated:   res.Generated,
		Capped:      res.Capped,
		Status:      string(res.Status),
		NextRunDate: date(res.NextRunAt),
		Invoices:    lo.Map(res.Invoices, func(inv billing.Invoice, _ int) factory.InvoiceJSON { return f.InvoiceToJSON(inv) }),
	}
}

func toRunDTO(r sqlite.BillingRun) RunDTO {
	dto := RunDTO{
		ID:        r.ID,
		Trigger:   r.Trigger,
		AsOf:      date(r.AsOf),
		Status:    r.Status,
		Processed: r.Processed,
		Succeeded: r.Succeeded,
		Generated: r.Generated,
		Failed:    r.Failed,
		Error:     r.Error,
		StartedAt: r.StartedAt.UTC().Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

func toFailureDTOs(failures []billing.TemplateFailure) []FailureDTO {
	return lo.Map(failures, func(f billing.TemplateFailure, _ int) FailureDTO {
		return FailureDTO{
			TemplateID: f.TemplateID,
			TenantID:   f.TenantID,
			Generated:  f.Generated,
			Error:      f.Err.Error(),
		}
	})
}

func toCategoryDTOs(cats []reporting.CategoryTotal) []CategoryDTO {
	return lo.Map(cats, func(c reporting.CategoryTotal, _ int) CategoryDTO {
		return CategoryDTO{Category: c.Category, Amount: money(c.Amount), Count: c.Count}
	})
}

func toMonthDTOs(months []reporting.MonthBucket) []MonthDTO {
	return lo.Map(months, func(m reporting.MonthBucket, _ int) MonthDTO {
		return MonthDTO{
			Month:     m.Month,
			Actual:    money(m.Actual),
			Projected: money(m.Projected),
			Revenue:   money(m.Revenue),
			Expenses:  money(m.Expenses),
			Profit:    money(m.Profit),
		}
	})
}

func toSummaryDTO(s *reporting.Summary) SummaryDTO {
	return SummaryDTO{
		TenantID:       s.TenantID,
		From:           date(s.Window.Start),
		To:             date(s.Window.End),
		HasData:        s.HasData(),
		ActualTotal:    money(s.ActualTotal),
		ProjectedTotal: money(s.ProjectedTotal),
		TotalRevenue:   money(s.TotalRevenue),
		TotalExpenses:  money(s.TotalExpenses),
		NetProfit:      money(s.NetProfit),
		Categories:     toCategoryDTOs(s.Categories),
		TaxCategories:  toCategoryDTOs(s.TaxCategories),
		Monthly:        toMonthDTOs(s.Monthly),
		PerClient: lo.Map(s.PerClient, func(c reporting.ClientMargin, _ int) ClientDTO {
			return ClientDTO{
				ContactID: c.ContactID,
				Income:    money(c.Income),
				Expenses:  money(c.Expenses),
				Profit:    money(c.Profit),
				MarginPct: money(c.MarginPct),
			}
		}),
		Projections: lo.Map(s.Projections, func(p reporting.Projection, _ int) ProjectionDTO {
			return ProjectionDTO{
				TemplateID: p.TemplateID,
				ContactID:  p.ContactID,
				Date:       date(p.Date),
				Amount:     money(p.Amount),
			}
		}),
		DroppedProjections: s.DroppedProjections,
		Capped:             s.Capped,
		InvoiceCount:       s.InvoiceCount,
		ExpenseCount:       s.ExpenseCount,
	}
}

func toTaxYearDTO(ty *reporting.TaxYearSummary) TaxYearDTO {
	return TaxYearDTO{
		TenantID:          ty.TenantID,
		Year:              ty.Year,
		GrossReceipts:     money(ty.GrossReceipts),
		ProjectedReceipts: money(ty.ProjectedReceipts),
		Deductions:        toCategoryDTOs(ty.Deductions),
		TotalDeductions:   money(ty.TotalDeductions),
		NetIncome:         money(ty.NetIncome),
		Monthly:           toMonthDTOs(ty.Monthly),
	}
}
