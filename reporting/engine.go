/*
Package reporting provides the revenue reconciliation engine.

PURPOSE:
  Answers "how much did we make, and how much are we about to make" for a
  tenant and a date window, combining two independently produced data sets:

    ACTUAL:     PAID invoices whose revenue date falls in the window
    PROJECTED:  future occurrences of ACTIVE recurring templates, expanded
                from each template's nextRunDate, never persisted

RECONCILIATION:
  A projected occurrence that has already been paid must not be counted
  twice. A projection is dropped when:

    1. LINK:  a paid invoice in the window settles exactly that template
              occurrence (generated by it, or entered manually with a
              covers reference), or
    2. FUZZY: a paid invoice exists for the same contact, with a total within
              epsilon (0.01) of the projected amount, whose issue month or
              paid month equals the projection's month.

  The fuzzy rule is existential: one paid invoice can suppress several
  projections (for example two templates billing the same contact the same
  amount). Two real occurrences of the same amount in the same month for the
  same contact are therefore counted once. The covers link avoids this.

AGGREGATION:
  - Expenses by category and by tax category, recurring ones expanded into
    dated occurrences clipped to the window (and to their end date)
  - Monthly buckets keyed YYYY-MM, pre-seeded for every month of the window,
    or the whole calendar year when the window starts in January
  - Per-client margin: income - expenses, margin% = profit / income * 100,
    0 when there is no income

  Sums are accumulated unrounded and rounded to cents once, on output.

FAILURE MODE:
  Summarize is read-only and all-or-nothing: any store error fails the call.
  An empty window is a valid Summary with HasData() == false.

SEE ALSO:
  - recurrence: Expand, Window, MonthKeys
  - billing: Invoice.SettlesTemplate, Expense.Occurrences
*/
package reporting

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/recurrence"
)

// =============================================================================
// SOURCE
// =============================================================================

// Source is the read side the engine needs. billing.Store satisfies it.
type Source interface {
	ListPaidInvoices(ctx context.Context, tenantID string, from, to time.Time) ([]billing.Invoice, error)
	ListActiveTemplates(ctx context.Context, tenantID string) ([]billing.RecurringTemplate, error)
	ListExpenses(ctx context.Context, tenantID string) ([]billing.Expense, error)
}

// =============================================================================
// RESULT TYPES
// =============================================================================

type CategoryTotal struct {
	Category string
	Amount   decimal.Decimal
	Count    int
}

type MonthBucket struct {
	Month     string // YYYY-MM
	Actual    decimal.Decimal
	Projected decimal.Decimal
	Revenue   decimal.Decimal // Actual + Projected
	Expenses  decimal.Decimal
	Profit    decimal.Decimal
}

type ClientMargin struct {
	ContactID string
	Income    decimal.Decimal
	Expenses  decimal.Decimal
	Profit    decimal.Decimal
	MarginPct decimal.Decimal
}

// Projection is one not-yet-realized template occurrence that survived
// reconciliation.
type Projection struct {
	TemplateID string
	ContactID  string
	Date       time.Time
	Amount     decimal.Decimal
}

type Summary struct {
	TenantID string
	Window   recurrence.Window

	ActualTotal    decimal.Decimal
	ProjectedTotal decimal.Decimal
	TotalRevenue   decimal.Decimal
	TotalExpenses  decimal.Decimal
	NetProfit      decimal.Decimal

	Categories    []CategoryTotal
	TaxCategories []CategoryTotal
	Monthly       []MonthBucket
	PerClient     []ClientMargin

	Projections        []Projection
	DroppedProjections int

	// Capped lists templates and expenses whose expansion hit the step cap;
	// their figures for this window may be incomplete.
	Capped []string

	InvoiceCount int
	ExpenseCount int
}

// HasData distinguishes an empty window from a populated one.
func (s *Summary) HasData() bool {
	return s.InvoiceCount > 0 || s.ExpenseCount > 0 || len(s.Projections) > 0
}

// Month returns the bucket for key (YYYY-MM).
func (s *Summary) Month(key string) (MonthBucket, bool) {
	return lo.Find(s.Monthly, func(b MonthBucket) bool { return b.Month == key })
}

// Client returns the margin line of one contact.
func (s *Summary) Client(contactID string) (ClientMargin, bool) {
	return lo.Find(s.PerClient, func(c ClientMargin) bool { return c.ContactID == contactID })
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	src     Source
	epsilon decimal.Decimal
	logger  *zap.Logger
}

type Option func(*Engine)

// WithEpsilon sets the amount tolerance of the fuzzy match.
func WithEpsilon(eps decimal.Decimal) Option {
	return func(e *Engine) {
		if !eps.IsNegative() {
			e.epsilon = eps
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEngine(src Source, opts ...Option) *Engine {
	e := &Engine{
		src:     src,
		epsilon: billing.MoneyEpsilon,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Summarize computes actual and projected revenue, expenses and margins for
// the inclusive calendar-day window [from, to].
func (e *Engine) Summarize(ctx context.Context, tenantID string, from, to time.Time) (*Summary, error) {
	w, err := recurrence.NewWindow(from, to)
	if err != nil {
		return nil, err
	}
	return e.summarize(ctx, tenantID, w)
}

func (e *Engine) summarize(ctx context.Context, tenantID string, w recurrence.Window) (*Summary, error) {
	paid, err := e.src.ListPaidInvoices(ctx, tenantID, w.Start, w.End)
	if err != nil {
		return nil, errors.Wrap(err, "list paid invoices")
	}
	templates, err := e.src.ListActiveTemplates(ctx, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "list active templates")
	}
	expenses, err := e.src.ListExpenses(ctx, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "list expenses")
	}

	agg := newAggregate(tenantID, w)

	for _, inv := range paid {
		agg.addActual(inv)
	}

	projections, capped, err := e.project(templates, w)
	if err != nil {
		return nil, err
	}
	agg.capped = append(agg.capped, capped...)
	for _, p := range projections {
		if e.realized(p, paid) {
			agg.dropped++
			continue
		}
		agg.addProjection(p)
	}

	for _, exp := range expenses {
		occ, err := exp.Occurrences(w)
		if err != nil {
			return nil, errors.Wrapf(err, "expand expense %s", exp.ID)
		}
		if occ.Capped {
			agg.capped = append(agg.capped, exp.ID)
		}
		for _, d := range occ.Dates {
			agg.addExpense(exp, d)
		}
	}

	s := agg.finish()
	if len(s.Capped) > 0 {
		e.logger.Warn("expansion cap reached while summarizing",
			zap.String("tenant_id", tenantID),
			zap.Strings("ids", s.Capped))
	}
	e.logger.Debug("summary computed",
		zap.String("tenant_id", tenantID),
		zap.String("window", w.String()),
		zap.String("actual", s.ActualTotal.StringFixed(2)),
		zap.String("projected", s.ProjectedTotal.StringFixed(2)),
		zap.Int("dropped_projections", s.DroppedProjections))
	return s, nil
}

// project expands every active template from its nextRunDate into w.
func (e *Engine) project(templates []billing.RecurringTemplate, w recurrence.Window) ([]Projection, []string, error) {
	var (
		out    []Projection
		capped []string
	)
	for _, t := range templates {
		if t.Status != billing.TemplateActive {
			continue
		}
		win := w
		if t.EndDate != nil {
			win = win.Clip(recurrence.EndOfDay(*t.EndDate))
		}
		exp, err := t.Rule().Expand(recurrence.Noon(t.NextRunDate), win.Start, win.End)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "expand template %s", t.ID)
		}
		if exp.Capped {
			capped = append(capped, t.ID)
		}
		for _, d := range exp.Dates {
			out = append(out, Projection{
				TemplateID: t.ID,
				ContactID:  t.ContactID,
				Date:       d,
				Amount:     t.Total,
			})
		}
	}
	return out, capped, nil
}

// realized reports whether p is already covered by a paid invoice.
func (e *Engine) realized(p Projection, paid []billing.Invoice) bool {
	return lo.ContainsBy(paid, func(inv billing.Invoice) bool {
		if tmplID, occ, ok := inv.SettlesTemplate(); ok && tmplID == p.TemplateID {
			if recurrence.Noon(occ).Equal(recurrence.Noon(p.Date)) {
				return true
			}
		}
		return e.fuzzyMatch(p, inv)
	})
}

func (e *Engine) fuzzyMatch(p Projection, inv billing.Invoice) bool {
	if inv.ContactID != p.ContactID {
		return false
	}
	if !billing.MoneyEqual(inv.Total, p.Amount, e.epsilon) {
		return false
	}
	if recurrence.SameMonth(inv.IssueDate, p.Date) {
		return true
	}
	return inv.PaidAt != nil && recurrence.SameMonth(*inv.PaidAt, p.Date)
}

// =============================================================================
// AGGREGATION
// =============================================================================

type clientSums struct {
	income   decimal.Decimal
	expenses decimal.Decimal
}

type aggregate struct {
	tenantID string
	window   recurrence.Window

	actual, projected, expenses decimal.Decimal

	months        map[string]*MonthBucket
	monthOrder    []string
	categories    map[string]*CategoryTotal
	taxCategories map[string]*CategoryTotal
	clients       map[string]*clientSums

	projections []Projection
	dropped     int
	capped      []string
	invoices    int
	expenseOccs int
}

func newAggregate(tenantID string, w recurrence.Window) *aggregate {
	a := &aggregate{
		tenantID:      tenantID,
		window:        w,
		months:        make(map[string]*MonthBucket),
		categories:    make(map[string]*CategoryTotal),
		taxCategories: make(map[string]*CategoryTotal),
		clients:       make(map[string]*clientSums),
	}
	for _, key := range w.MonthKeys() {
		a.months[key] = &MonthBucket{Month: key}
		a.monthOrder = append(a.monthOrder, key)
	}
	return a
}

func (a *aggregate) month(t time.Time) *MonthBucket {
	key := recurrence.MonthKey(t)
	b, ok := a.months[key]
	if !ok {
		b = &MonthBucket{Month: key}
		a.months[key] = b
		a.monthOrder = append(a.monthOrder, key)
	}
	return b
}

func (a *aggregate) client(contactID string) *clientSums {
	c, ok := a.clients[contactID]
	if !ok {
		c = &clientSums{}
		a.clients[contactID] = c
	}
	return c
}

func (a *aggregate) addActual(inv billing.Invoice) {
	a.invoices++
	a.actual = a.actual.Add(inv.Total)
	b := a.month(inv.RevenueDate())
	b.Actual = b.Actual.Add(inv.Total)
	if inv.ContactID != "" {
		c := a.client(inv.ContactID)
		c.income = c.income.Add(inv.Total)
	}
}

func (a *aggregate) addProjection(p Projection) {
	a.projections = append(a.projections, p)
	a.projected = a.projected.Add(p.Amount)
	b := a.month(p.Date)
	b.Projected = b.Projected.Add(p.Amount)
}

func (a *aggregate) addExpense(e billing.Expense, date time.Time) {
	a.expenseOccs++
	a.expenses = a.expenses.Add(e.Amount)
	addCategory(a.categories, e.Category, e.Amount)
	if e.TaxCategory != "" {
		addCategory(a.taxCategories, e.TaxCategory, e.Amount)
	}
	b := a.month(date)
	b.Expenses = b.Expenses.Add(e.Amount)
	if e.ContactID != nil && *e.ContactID != "" {
		c := a.client(*e.ContactID)
		c.expenses = c.expenses.Add(e.Amount)
	}
}

func addCategory(m map[string]*CategoryTotal, name string, amount decimal.Decimal) {
	c, ok := m[name]
	if !ok {
		c = &CategoryTotal{Category: name}
		m[name] = c
	}
	c.Amount = c.Amount.Add(amount)
	c.Count++
}

// finish rounds every figure to cents and orders the slices.
func (a *aggregate) finish() *Summary {
	revenue := a.actual.Add(a.projected)
	s := &Summary{
		TenantID:           a.tenantID,
		Window:             a.window,
		ActualTotal:        billing.RoundMoney(a.actual),
		ProjectedTotal:     billing.RoundMoney(a.projected),
		TotalRevenue:       billing.RoundMoney(revenue),
		TotalExpenses:      billing.RoundMoney(a.expenses),
		NetProfit:          billing.RoundMoney(revenue.Sub(a.expenses)),
		Categories:         sortedCategories(a.categories),
		TaxCategories:      sortedCategories(a.taxCategories),
		Projections:        a.projections,
		DroppedProjections: a.dropped,
		Capped:             a.capped,
		InvoiceCount:       a.invoices,
		ExpenseCount:       a.expenseOccs,
	}

	sort.Strings(a.monthOrder)
	s.Monthly = lo.Map(a.monthOrder, func(key string, _ int) MonthBucket {
		b := a.months[key]
		revenue := b.Actual.Add(b.Projected)
		return MonthBucket{
			Month:     key,
			Actual:    billing.RoundMoney(b.Actual),
			Projected: billing.RoundMoney(b.Projected),
			Revenue:   billing.RoundMoney(revenue),
			Expenses:  billing.RoundMoney(b.Expenses),
			Profit:    billing.RoundMoney(revenue.Sub(b.Expenses)),
		}
	})

	contacts := lo.Keys(a.clients)
	sort.Strings(contacts)
	s.PerClient = lo.Map(contacts, func(id string, _ int) ClientMargin {
		c := a.clients[id]
		return margin(id, c.income, c.expenses)
	})

	sort.SliceStable(s.Projections, func(i, j int) bool {
		if !s.Projections[i].Date.Equal(s.Projections[j].Date) {
			return s.Projections[i].Date.Before(s.Projections[j].Date)
		}
		return s.Projections[i].TemplateID < s.Projections[j].TemplateID
	})
	return s
}

// margin computes profit and margin% for one contact. No income yields 0%.
func margin(contactID string, income, expenses decimal.Decimal) ClientMargin {
	profit := income.Sub(expenses)
	pct := decimal.Zero
	if !income.IsZero() {
		pct = profit.Mul(decimal.NewFromInt(100)).Div(income)
	}
	return ClientMargin{
		ContactID: contactID,
		Income:    billing.RoundMoney(income),
		Expenses:  billing.RoundMoney(expenses),
		Profit:    billing.RoundMoney(profit),
		MarginPct: billing.RoundMoney(pct),
	}
}

func sortedCategories(m map[string]*CategoryTotal) []CategoryTotal {
	out := lo.Map(lo.Values(m), func(c *CategoryTotal, _ int) CategoryTotal {
		return CategoryTotal{Category: c.Category, Amount: billing.RoundMoney(c.Amount), Count: c.Count}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Amount.Equal(out[j].Amount) {
			return out[i].Amount.GreaterThan(out[j].Amount)
		}
		return out[i].Category < out[j].Category
	})
	return out
}
