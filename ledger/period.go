package ledger

import "time"

// =============================================================================
// PERIOD - Inclusive date window used by statements
// =============================================================================

// Period is an inclusive [Start, End] range of calendar days.
//
// Examples:
//   - Statement for March 2024: Mar 1 - Mar 31
//   - Year-to-date statement:    Jan 1 - today
type Period struct {
	Start Date
	End   Date
}

// MonthPeriod returns the calendar month containing (year, month).
func MonthPeriod(year int, month time.Month) Period {
	return Period{Start: StartOfMonth(year, month), End: EndOfMonth(year, month)}
}

// Validate rejects inverted periods.
func (p Period) Validate() error {
	if p.End.Before(p.Start) {
		return &RangeError{From: p.Start.String(), To: p.End.String()}
	}
	return nil
}

// Contains returns true if d is within [Start, End].
func (p Period) Contains(d Date) bool {
	return d.AfterOrEqual(p.Start) && d.BeforeOrEqual(p.End)
}

// Bounds returns the instant range covering the whole period in loc:
// first instant of Start through last instant of End.
func (p Period) Bounds(loc *time.Location) (from, to time.Time) {
	return p.Start.StartIn(loc), p.End.EndIn(loc)
}

// PreviousMonth returns the calendar month before the one containing Start.
func (p Period) PreviousMonth() Period {
	prev := p.Start.AddMonths(-1, 1)
	return MonthPeriod(prev.Year(), prev.Month())
}

// String returns a string representation of the period.
func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}
