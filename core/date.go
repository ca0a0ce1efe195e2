package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// DATE - Calendar day, the unit of room occupancy
// =============================================================================

// DateLayout is the wire and storage format for dates.
const DateLayout = "2006-01-02"

// Date is a calendar day normalised to midnight UTC.
type Date struct {
	t time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates a timestamp to its calendar day in loc (UTC when nil).
func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return NewDate(t.Year(), t.Month(), t.Day())
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return Date{t: t}, nil
}

func (d Date) Time() time.Time { return d.t }
func (d Date) IsZero() bool { return d.t.IsZero() }
func (d Date) Before(o Date) bool { return d.t.Before(o.t) }
func (d Date) After(o Date) bool { return d.t.After(o.t) }
func (d Date) Equal(o Date) bool { return d.t.Equal(o.t) }
func (d Date) BeforeOrEqual(o Date) bool { return !d.After(o) }
func (d Date) AddDays(n int) Date { return Date{t: d.t.AddDate(0, 0, n)} }
func (d Date) AddMonths(n int) Date { return Date{t: d.t.AddDate(0, n, 0)} }
func (d Date) AddYears(n int) Date { return Date{t: d.t.AddDate(n, 0, 0)} }
func (d Date) String() string { return d.t.Format(DateLayout) }

func (d Date) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Later returns the later of two dates.
func Later(a, b Date) Date {
	if a.After(b) {
		return a
	}
	return b
}

// =============================================================================
// DATE RANGE - Half-open [Start, End), End nil = open-ended lease
// =============================================================================

// DateRange is the half-open interval [Start, End). A nil End means the
// lease has no planned end and extends indefinitely.
type DateRange struct {
	Start Date
	End   *Date
}

// OpenEnded reports whether the range has no planned end.
func (r DateRange) OpenEnded() bool { return r.End == nil }

// Validate enforces End strictly after Start.
func (r DateRange) Validate() error {
	if r.Start.IsZero() {
		return Invalid("check_in", "is required")
	}
	if r.End != nil && !r.End.After(r.Start) {
		return Invalid("check_out", "must be after check-in %s", r.Start)
	}
	return nil
}

// Overlaps reports whether two half-open ranges share at least one day.
// An open-ended range conflicts with every range that ends after its start.
func (r DateRange) Overlaps(o DateRange) bool {
	// r starts before o ends
	startsBeforeOtherEnds := o.End == nil || r.Start.Before(*o.End)
	// o starts before r ends
	otherStartsBeforeEnd := r.End == nil || o.Start.Before(*r.End)
	return startsBeforeOtherEnds && otherStartsBeforeEnd
}

func (r DateRange) String() string {
	if r.End == nil {
		return fmt.Sprintf("[%s, open)", r.Start)
	}
	return fmt.Sprintf("[%s, %s)", r.Start, *r.End)
}

// =============================================================================
// LEASE TYPES - Billing cadence and duration
// =============================================================================

type LeaseType string

const (
	LeaseDaily     LeaseType = "daily"
	LeaseWeekly    LeaseType = "weekly"
	LeaseMonthly   LeaseType = "monthly"
	LeaseQuarterly LeaseType = "quarterly"
	LeaseYearly    LeaseType = "yearly"
)

func (l LeaseType) Valid() bool {
	switch l {
	case LeaseDaily, LeaseWeekly, LeaseMonthly, LeaseQuarterly, LeaseYearly:
		return true
	}
	return false
}

// Extend returns from advanced by n lease periods.
func (l LeaseType) Extend(from Date, n int) Date {
	switch l {
	case LeaseDaily:
		return from.AddDays(n)
	case LeaseWeekly:
		return from.AddDays(7 * n)
	case LeaseMonthly:
		return from.AddMonths(n)
	case LeaseQuarterly:
		return from.AddMonths(3 * n)
	case LeaseYearly:
		return from.AddYears(n)
	default:
		return from
	}
}

// datePtr is a convenience for optional dates.
func datePtr(d Date) *Date { return &d }

// DatePtr returns a pointer to a copy of d.
func DatePtr(d Date) *Date { return datePtr(d) }
