package recurrence

import (
	"time"

	"github.com/cockroachdb/errors"
)

// ErrInvalidWindow is returned when a window ends before it starts.
var ErrInvalidWindow = errors.New("invalid window: end before start")

// =============================================================================
// WINDOW - Inclusive range of calendar days
// =============================================================================

// Window is an inclusive range of calendar days. Start is the first instant
// of the first day and End the last instant of the last day, both in UTC, so
// noon-normalized occurrences on either boundary day fall inside.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow builds a Window covering the calendar days of from and to.
func NewWindow(from, to time.Time) (Window, error) {
	w := Window{Start: StartOfDay(from), End: EndOfDay(to)}
	if w.End.Before(w.Start) {
		return Window{}, errors.Wrapf(ErrInvalidWindow, "%s > %s",
			from.Format(DateLayout), to.Format(DateLayout))
	}
	return w, nil
}

// YearWindow covers January 1 through December 31 of year.
func YearWindow(year int) Window {
	return Window{
		Start: time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:   EndOfDay(time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC)),
	}
}

// Contains reports whether t falls in [Start, End].
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Overlaps reports whether [from, to] intersects the window. A zero to means
// open-ended.
func (w Window) Overlaps(from, to time.Time) bool {
	if from.After(w.End) {
		return false
	}
	return to.IsZero() || !to.Before(w.Start)
}

// Clip narrows the window to end no later than to. A zero to leaves it as is.
func (w Window) Clip(to time.Time) Window {
	if !to.IsZero() && to.Before(w.End) {
		w.End = to
	}
	return w
}

func (w Window) String() string {
	return "[" + w.Start.Format(DateLayout) + ", " + w.End.Format(DateLayout) + "]"
}

// MonthKeys returns the year-month buckets a report over this window should
// show. When the window starts in January the whole calendar year of Start is
// seeded; otherwise every month touched by the window is.
func (w Window) MonthKeys() []string {
	start := time.Date(w.Start.Year(), w.Start.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(w.End.Year(), w.End.Month(), 1, 0, 0, 0, 0, time.UTC)
	if w.Start.Month() == time.January {
		yearEnd := time.Date(w.Start.Year(), time.December, 1, 0, 0, 0, 0, time.UTC)
		if end.Before(yearEnd) {
			end = yearEnd
		}
	}

	var keys []string
	for m := start; !m.After(end); m = m.AddDate(0, 1, 0) {
		keys = append(keys, MonthKey(m))
	}
	return keys
}

// =============================================================================
// DAY / MONTH HELPERS
// =============================================================================

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// MonthLayout is the format of month bucket keys.
const MonthLayout = "2006-01"

func MonthKey(t time.Time) string { return t.UTC().Format(MonthLayout) }

// SameMonth compares calendar year and month in UTC.
func SameMonth(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	return a.Year() == b.Year() && a.Month() == b.Month()
}

func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// ParseDate parses a YYYY-MM-DD calendar date into a noon-normalized time.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse date %q", s)
	}
	return Noon(t), nil
}
