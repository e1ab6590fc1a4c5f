/*
Package schedule computes when a contact is due for a visit.

PURPOSE:
  Turns a contact's visit plan into concrete occurrence dates. A plan is
  either recurring ("every N weeks on these weekdays") or a single one-time
  visit. Pure functions only: no I/O, no clock.

RECURRENCE RULE:
  A date D is an occurrence when
    - D's weekday is one of the configured days, and
    - floor((D - Start) / 7 days) mod IntervalWeeks == 0
  Week counting is anchored on Start itself, not on a calendar week.

TERMINATION:
  Never:               runs until the days set is emptied
  EndOnDate(d):        no occurrence after d
  EndAfterOccurrences: ends once the occurrence counter reaches n
  An empty days set is treated as ended.

CONVENTIONS:
  Next is exclusive of `after`: an occurrence on `after` itself is skipped.

SEE ALSO:
  - validate.go: Write-time validation
  - factory/schedule.go: JSON form of plans
  - jobs/materialize.go: Turns occurrences into waypoints
*/
package schedule

import (
	"fmt"
	"time"

	"github.com/warp/visit-engine/visit"
)

// =============================================================================
// END POLICY
// =============================================================================

type EndKind string

const (
	EndNever            EndKind = "never"
	EndOnDate           EndKind = "on_date"
	EndAfterOccurrences EndKind = "after_occurrences"
)

// EndPolicy decides when a recurrence stops producing occurrences.
// Date is used by EndOnDate, Count by EndAfterOccurrences.
type EndPolicy struct {
	Kind  EndKind
	Date  visit.Date
	Count int
}

func Never() EndPolicy { return EndPolicy{Kind: EndNever} }

func EndOn(d visit.Date) EndPolicy { return EndPolicy{Kind: EndOnDate, Date: d} }

func EndAfter(count int) EndPolicy { return EndPolicy{Kind: EndAfterOccurrences, Count: count} }

// =============================================================================
// CONFIG
// =============================================================================

// DayAssignment selects a weekday and optionally the holder who covers it.
type DayAssignment struct {
	Weekday  time.Weekday
	HolderID visit.HolderID
}

// Config is a recurring-visit configuration.
type Config struct {
	IntervalWeeks        int
	Days                 []DayAssignment
	Start                visit.Date
	End                  EndPolicy
	OccurrencesCompleted int
}

// Occurrence is the result of Next. When Ended is true Date is zero.
type Occurrence struct {
	Date     visit.Date
	HolderID visit.HolderID
	Ended    bool
}

var ended = Occurrence{Ended: true}

// Next returns the first occurrence strictly after `after`, or an ended
// occurrence when the recurrence is over.
func (c Config) Next(after visit.Date) (Occurrence, error) {
	if err := c.check(); err != nil {
		return Occurrence{}, err
	}
	if len(c.Days) == 0 {
		return ended, nil
	}

	switch c.End.Kind {
	case EndAfterOccurrences:
		if c.OccurrencesCompleted >= c.End.Count {
			return ended, nil
		}
	case EndOnDate:
		if !after.Before(c.End.Date) {
			return ended, nil
		}
	}

	from := visit.MaxDate(c.Start, after.AddDays(1))
	scan := c.IntervalWeeks*7 + 7
	for i := 0; i < scan; i++ {
		d := from.AddDays(i)
		holder, ok := c.assignment(d.Weekday())
		if !ok || c.weekIndex(d)%c.IntervalWeeks != 0 {
			continue
		}
		if c.End.Kind == EndOnDate && d.After(c.End.Date) {
			return ended, nil
		}
		return Occurrence{Date: d, HolderID: holder}, nil
	}

	return Occurrence{}, &visit.ConsistencyError{
		Detail: fmt.Sprintf("no occurrence within %d days of %s", scan, from),
	}
}

// Upcoming expands occurrences after `after` up to and including `until`.
// Each emitted occurrence consumes one slot of an EndAfterOccurrences budget
// counted from OccurrencesCompleted.
func (c Config) Upcoming(after, until visit.Date, limit int) ([]Occurrence, error) {
	var out []Occurrence
	cursor := after
	for limit <= 0 || len(out) < limit {
		occ, err := c.Next(cursor)
		if err != nil {
			return out, err
		}
		if occ.Ended || occ.Date.After(until) {
			break
		}
		out = append(out, occ)
		c.OccurrencesCompleted++
		cursor = occ.Date
	}
	return out, nil
}

// HasDay reports whether the weekday is selected.
func (c Config) HasDay(wd time.Weekday) bool {
	_, ok := c.assignment(wd)
	return ok
}

func (c Config) assignment(wd time.Weekday) (visit.HolderID, bool) {
	for _, d := range c.Days {
		if d.Weekday == wd {
			return d.HolderID, true
		}
	}
	return "", false
}

func (c Config) weekIndex(d visit.Date) int {
	return visit.DaysBetween(c.Start, d) / 7
}

// check guards Next against configs that should never have been stored.
func (c Config) check() error {
	if c.IntervalWeeks < 1 {
		return &visit.ConsistencyError{Detail: fmt.Sprintf("repeat interval %d weeks", c.IntervalWeeks)}
	}
	if c.Start.IsZero() {
		return &visit.ConsistencyError{Detail: "schedule start missing"}
	}
	switch c.End.Kind {
	case EndNever, EndOnDate, EndAfterOccurrences:
	default:
		return &visit.ConsistencyError{Detail: fmt.Sprintf("unknown end policy %q", c.End.Kind)}
	}
	return nil
}

// =============================================================================
// ONE-TIME VISITS & PLANS
// =============================================================================

// OneTimeVisit materializes exactly one waypoint and bypasses recurrence.
type OneTimeVisit struct {
	Date     visit.Date
	HolderID visit.HolderID
	StopType string
}

// Plan is a contact's visit plan: exactly one of Recurring or OneTime is set.
type Plan struct {
	Recurring *Config
	OneTime   *OneTimeVisit
}

// Next dispatches to the recurring engine or returns the one-time date
// while it is still ahead of `after`.
func (p Plan) Next(after visit.Date) (Occurrence, error) {
	switch {
	case p.Recurring != nil:
		return p.Recurring.Next(after)
	case p.OneTime != nil:
		if p.OneTime.Date.After(after) {
			return Occurrence{Date: p.OneTime.Date, HolderID: p.OneTime.HolderID}, nil
		}
		return ended, nil
	}
	return ended, nil
}
