/*
Package recurrence turns a recurrence definition into concrete dates.

PURPOSE:
  Every recurring schedule in the billing engine (invoice templates and
  recurring expenses) is described by the same three values: a Frequency,
  a positive Interval, and an anchor date. This package is the only place
  that does calendar arithmetic on them.

KEY OPERATIONS:
  Advance: anchor -> next occurrence (one step)
  Expand:  anchor + window -> every occurrence inside the window

CALENDAR RULES:
  DAILY/WEEKLY add whole days (7 per week).
  MONTHLY/YEARLY use calendar arithmetic and clamp to the last day of the
  target month when the anchor day does not exist there:

    Jan 31 + 1 month = Feb 28 (Feb 29 in leap years)
    Feb 29 + 1 year  = Feb 28

  Each step starts from the previous occurrence, so a clamped day carries
  forward: Jan 31 -> Feb 28 -> Mar 28.

TIME OF DAY:
  Schedule dates are normalized to 12:00 UTC (see Noon). Comparing a noon
  date against "today" can never flip across a day boundary because of a
  timezone offset of less than 12 hours.

PURITY:
  Nothing here keeps state between calls. Expand is restartable: the same
  inputs always produce the same dates.

SEE ALSO:
  - window.go: inclusive reporting windows and month buckets
  - billing/runner.go: catch-up generation driven by Advance
  - reporting/engine.go: projections driven by Expand
*/
package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultCap bounds the number of Advance steps taken by Expand.
const DefaultCap = 1000

// ErrInvalidRecurrence is returned for an unknown frequency, a non-positive
// interval or a zero anchor. Validation always happens before any date is
// produced.
var ErrInvalidRecurrence = errors.New("invalid recurrence")

// =============================================================================
// FREQUENCY
// =============================================================================

type Frequency string

const (
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
	Yearly  Frequency = "YEARLY"
)

// Frequencies lists every supported frequency.
var Frequencies = []Frequency{Daily, Weekly, Monthly, Yearly}

// ParseFrequency accepts any casing ("monthly", "Monthly", "MONTHLY").
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToUpper(strings.TrimSpace(s)))
	if !f.IsValid() {
		return "", errors.Wrapf(ErrInvalidRecurrence, "unknown frequency %q", s)
	}
	return f, nil
}

func (f Frequency) IsValid() bool {
	switch f {
	case Daily, Weekly, Monthly, Yearly:
		return true
	}
	return false
}

func (f Frequency) String() string { return string(f) }

// =============================================================================
// RULE
// =============================================================================

// Rule is a validated pair of frequency and interval.
type Rule struct {
	Frequency Frequency
	Interval  int
}

// NewRule validates and returns a Rule.
func NewRule(f Frequency, interval int) (Rule, error) {
	r := Rule{Frequency: f, Interval: interval}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

func (r Rule) Validate() error {
	if !r.Frequency.IsValid() {
		return errors.Wrapf(ErrInvalidRecurrence, "unknown frequency %q", string(r.Frequency))
	}
	if r.Interval < 1 {
		return errors.Wrapf(ErrInvalidRecurrence, "interval must be >= 1, got %d", r.Interval)
	}
	return nil
}

func (r Rule) String() string {
	return fmt.Sprintf("every %d %s", r.Interval, strings.ToLower(string(r.Frequency)))
}

// Advance returns the occurrence that follows t.
func (r Rule) Advance(t time.Time) (time.Time, error) {
	if err := r.Validate(); err != nil {
		return time.Time{}, err
	}
	if t.IsZero() {
		return time.Time{}, errors.Wrap(ErrInvalidRecurrence, "zero anchor date")
	}
	return r.step(t), nil
}

// step assumes a validated rule.
func (r Rule) step(t time.Time) time.Time {
	switch r.Frequency {
	case Daily:
		return t.AddDate(0, 0, r.Interval)
	case Weekly:
		return t.AddDate(0, 0, 7*r.Interval)
	case Monthly:
		return addMonthsClamped(t, r.Interval)
	case Yearly:
		return addMonthsClamped(t, 12*r.Interval)
	}
	panic(fmt.Sprintf("recurrence: unhandled frequency %q", string(r.Frequency)))
}

// Advance is the free-function form of Rule.Advance.
func Advance(t time.Time, f Frequency, interval int) (time.Time, error) {
	return Rule{Frequency: f, Interval: interval}.Advance(t)
}

// =============================================================================
// EXPANSION
// =============================================================================

// Expansion is the result of Expand. Capped is true when the step budget ran
// out before the iteration passed the end of the window.
type Expansion struct {
	Dates  []time.Time
	Capped bool
}

// Expand returns every occurrence in [from, to] reachable from anchor by
// repeated Advance steps, using DefaultCap.
func (r Rule) Expand(anchor, from, to time.Time) (Expansion, error) {
	return r.ExpandWithCap(anchor, from, to, DefaultCap)
}

// ExpandWithCap is Expand with an explicit step budget. A non-positive cap
// falls back to DefaultCap.
func (r Rule) ExpandWithCap(anchor, from, to time.Time, maxSteps int) (Expansion, error) {
	if err := r.Validate(); err != nil {
		return Expansion{}, err
	}
	if anchor.IsZero() {
		return Expansion{}, errors.Wrap(ErrInvalidRecurrence, "zero anchor date")
	}
	if maxSteps <= 0 {
		maxSteps = DefaultCap
	}

	var out Expansion
	current := anchor
	for i := 0; i < maxSteps; i++ {
		if current.After(to) {
			return out, nil
		}
		if !current.Before(from) {
			out.Dates = append(out.Dates, current)
		}
		current = r.step(current)
	}
	out.Capped = !current.After(to)
	return out, nil
}

// Expand is the free-function form of Rule.Expand.
func Expand(anchor time.Time, f Frequency, interval int, from, to time.Time) (Expansion, error) {
	return Rule{Frequency: f, Interval: interval}.Expand(anchor, from, to)
}

// =============================================================================
// CALENDAR HELPERS
// =============================================================================

// Noon returns the calendar date of t at 12:00 UTC.
func Noon(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

// Date builds a noon-normalized date.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 12, 0, 0, 0, time.UTC)
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()

	// Normalize through the first of the month so time.Date does not overflow
	// into the following month.
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	ty, tm, _ := first.Date()
	if last := DaysIn(ty, tm); d > last {
		d = last
	}
	return time.Date(ty, tm, d, hh, mm, ss, t.Nanosecond(), t.Location())
}
