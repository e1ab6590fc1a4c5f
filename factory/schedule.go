/*
Package factory provides JSON to Go conversion for visit plans and billing clients.

PURPOSE:
  Converts JSON definitions (as submitted by the API and as stored in the
  contacts table) into schedule.Plan and visit.BillingClient values.
  Everything passes through Validate here, so a config that reaches
  storage has already been accepted.

JSON SCHEMA (recurring):
  {
    "repeat_interval_weeks": 2,
    "repeat_days": [
      {"day": "monday", "route_holder_id": "holder-1"},
      {"day": "thursday"}
    ],
    "schedule_start": "2024-01-03",
    "end_policy": {"kind": "after_occurrences", "count": 6}
  }

JSON SCHEMA (one-time):
  {
    "is_one_time_visit": true,
    "visit_date": "2024-03-05",
    "route_holder_id": "holder-2",
    "stop_type": "inspection"
  }

USAGE:
  f := factory.NewScheduleFactory()
  plan, err := f.ParsePlan(jsonString)

SEE ALSO:
  - schedule/recurrence.go: Plan and Config types
  - billing.go: Billing client conversion
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/warp/visit-engine/schedule"
	"github.com/warp/visit-engine/visit"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PlanJSON is the JSON representation of a contact's visit plan.
type PlanJSON struct {
	IsOneTimeVisit      bool             `json:"is_one_time_visit,omitempty"`
	RepeatIntervalWeeks int              `json:"repeat_interval_weeks,omitempty"`
	RepeatDays          []DayJSON        `json:"repeat_days,omitempty"`
	ScheduleStart       string           `json:"schedule_start,omitempty"`
	EndPolicy           *EndPolicyJSON   `json:"end_policy,omitempty"`
	VisitDate           string           `json:"visit_date,omitempty"`
	RouteHolderID       string           `json:"route_holder_id,omitempty"`
	StopType            string           `json:"stop_type,omitempty"`
}

// DayJSON selects a weekday, optionally with its route holder.
type DayJSON struct {
	Day           string `json:"day"`
	RouteHolderID string `json:"route_holder_id,omitempty"`
}

// EndPolicyJSON represents the recurrence termination rule.
type EndPolicyJSON struct {
	Kind  string `json:"kind"` // never, on_date, after_occurrences
	Date  string `json:"date,omitempty"`
	Count int    `json:"count,omitempty"`
}

// =============================================================================
// FACTORY
// =============================================================================

// ScheduleFactory creates plans from JSON.
type ScheduleFactory struct{}

func NewScheduleFactory() *ScheduleFactory {
	return &ScheduleFactory{}
}

// ParsePlan parses and validates a JSON plan.
func (f *ScheduleFactory) ParsePlan(jsonStr string) (schedule.Plan, error) {
	var pj PlanJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return schedule.Plan{}, &visit.ValidationError{Field: "schedule", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return f.FromJSON(pj)
}

// FromRecord parses a stored schedule and attaches its occurrence counter.
func (f *ScheduleFactory) FromRecord(rec visit.ScheduleRecord) (schedule.Plan, error) {
	plan, err := f.ParsePlan(rec.ConfigJSON)
	if err != nil {
		return schedule.Plan{}, err
	}
	if plan.Recurring != nil {
		plan.Recurring.OccurrencesCompleted = rec.OccurrencesCompleted
	}
	return plan, nil
}

// FromJSON converts and validates.
func (f *ScheduleFactory) FromJSON(pj PlanJSON) (schedule.Plan, error) {
	var plan schedule.Plan

	if pj.IsOneTimeVisit {
		if pj.RepeatIntervalWeeks != 0 || len(pj.RepeatDays) > 0 || pj.EndPolicy != nil {
			return plan, &visit.ValidationError{Field: "is_one_time_visit", Message: "one-time visit cannot carry recurrence fields"}
		}
		d, err := visit.ParseDate(pj.VisitDate)
		if err != nil {
			return plan, &visit.ValidationError{Field: "visit_date", Message: err.Error()}
		}
		plan.OneTime = &schedule.OneTimeVisit{
			Date:     d,
			HolderID: visit.HolderID(pj.RouteHolderID),
			StopType: pj.StopType,
		}
		return plan, plan.Validate()
	}

	start, err := visit.ParseDate(pj.ScheduleStart)
	if err != nil {
		return plan, &visit.ValidationError{Field: "schedule_start", Message: err.Error()}
	}

	cfg := &schedule.Config{
		IntervalWeeks: pj.RepeatIntervalWeeks,
		Start:         start,
		End:           schedule.Never(),
	}
	for _, dj := range pj.RepeatDays {
		wd, err := parseWeekday(dj.Day)
		if err != nil {
			return plan, err
		}
		cfg.Days = append(cfg.Days, schedule.DayAssignment{Weekday: wd, HolderID: visit.HolderID(dj.RouteHolderID)})
	}
	if pj.EndPolicy != nil {
		end, err := parseEndPolicy(*pj.EndPolicy)
		if err != nil {
			return plan, err
		}
		cfg.End = end
	}

	plan.Recurring = cfg
	return plan, plan.Validate()
}

// ToJSON converts a plan back to its JSON form. The occurrence counter is
// not part of the config and is never serialized.
func (f *ScheduleFactory) ToJSON(plan schedule.Plan) PlanJSON {
	if plan.OneTime != nil {
		return PlanJSON{
			IsOneTimeVisit: true,
			VisitDate:      plan.OneTime.Date.String(),
			RouteHolderID:  string(plan.OneTime.HolderID),
			StopType:       plan.OneTime.StopType,
		}
	}
	if plan.Recurring == nil {
		return PlanJSON{}
	}
	c := plan.Recurring
	pj := PlanJSON{
		RepeatIntervalWeeks: c.IntervalWeeks,
		ScheduleStart:       c.Start.String(),
		EndPolicy: &EndPolicyJSON{
			Kind:  string(c.End.Kind),
			Date:  c.End.Date.String(),
			Count: c.End.Count,
		},
	}
	for _, d := range c.Days {
		pj.RepeatDays = append(pj.RepeatDays, DayJSON{Day: strings.ToLower(d.Weekday.String()), RouteHolderID: string(d.HolderID)})
	}
	return pj
}

// Marshal renders a plan as the JSON string stored with the contact.
func (f *ScheduleFactory) Marshal(plan schedule.Plan) (string, error) {
	b, err := json.Marshal(f.ToJSON(plan))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// =============================================================================
// HELPERS
// =============================================================================

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

func parseWeekday(s string) (time.Weekday, error) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, &visit.ValidationError{Field: "repeat_days", Message: fmt.Sprintf("unknown weekday %q", s)}
	}
	return wd, nil
}

func parseEndPolicy(ej EndPolicyJSON) (schedule.EndPolicy, error) {
	switch schedule.EndKind(ej.Kind) {
	case schedule.EndNever, "":
		return schedule.Never(), nil
	case schedule.EndOnDate:
		d, err := visit.ParseDate(ej.Date)
		if err != nil {
			return schedule.EndPolicy{}, &visit.ValidationError{Field: "end_policy.date", Message: err.Error()}
		}
		return schedule.EndOn(d), nil
	case schedule.EndAfterOccurrences:
		return schedule.EndAfter(ej.Count), nil
	}
	return schedule.EndPolicy{}, &visit.ValidationError{Field: "end_policy.kind", Message: fmt.Sprintf("unknown kind %q", ej.Kind)}
}
