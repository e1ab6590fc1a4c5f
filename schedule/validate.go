package schedule

import (
	"fmt"
	"time"

	"github.com/warp/visit-engine/visit"
)

// Validate rejects configs at write time. An empty Days set is accepted: it
// means the recurrence is paused and Next reports it as ended.
func (c Config) Validate() error {
	if c.IntervalWeeks < 1 {
		return &visit.ValidationError{Field: "repeatIntervalWeeks", Message: "must be at least 1"}
	}
	if c.Start.IsZero() {
		return &visit.ValidationError{Field: "scheduleStart", Message: "required"}
	}
	if c.OccurrencesCompleted < 0 {
		return &visit.ValidationError{Field: "occurrencesCompleted", Message: "must not be negative"}
	}

	seen := make(map[time.Weekday]bool, len(c.Days))
	for _, d := range c.Days {
		if d.Weekday < time.Sunday || d.Weekday > time.Saturday {
			return &visit.ValidationError{Field: "repeatDays", Message: fmt.Sprintf("invalid weekday %d", d.Weekday)}
		}
		if seen[d.Weekday] {
			return &visit.ValidationError{Field: "repeatDays", Message: fmt.Sprintf("%s listed twice", d.Weekday)}
		}
		seen[d.Weekday] = true
	}

	switch c.End.Kind {
	case EndNever:
	case EndOnDate:
		if c.End.Date.IsZero() {
			return &visit.ValidationError{Field: "endPolicy.date", Message: "required for on_date"}
		}
		if c.End.Date.Before(c.Start) {
			return &visit.ValidationError{Field: "endPolicy.date", Message: "before schedule start"}
		}
	case EndAfterOccurrences:
		if c.End.Count < 1 {
			return &visit.ValidationError{Field: "endPolicy.count", Message: "must be at least 1"}
		}
	default:
		return &visit.ValidationError{Field: "endPolicy.kind", Message: fmt.Sprintf("unknown kind %q", c.End.Kind)}
	}
	return nil
}

// Validate checks a one-time visit.
func (o OneTimeVisit) Validate() error {
	if o.Date.IsZero() {
		return &visit.ValidationError{Field: "visitDate", Message: "required for a one-time visit"}
	}
	return nil
}

// Validate enforces that exactly one of the recurring or one-time forms is set
// and that the one set is itself valid.
func (p Plan) Validate() error {
	switch {
	case p.Recurring != nil && p.OneTime != nil:
		return &visit.ValidationError{Field: "isOneTimeVisit", Message: "one-time visit and recurrence are mutually exclusive"}
	case p.Recurring != nil:
		return p.Recurring.Validate()
	case p.OneTime != nil:
		return p.OneTime.Validate()
	}
	return &visit.ValidationError{Field: "schedule", Message: "either a recurrence or a one-time visit is required"}
}
