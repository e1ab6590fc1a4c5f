/*
derive.go - Billing records derived from settled visits

PURPOSE:
  Turns settled waypoints and their reschedule history into billing line
  items. Derivation is a pure read: it can run while field workers are
  still settling stops, and re-running it over the same window produces
  the same records (keyed by SourceKey).

RECORDS PER WAYPOINT:
  No reschedule history:
    Complete                 -> completed   (route date)
    Missed                   -> missed      (route date)
  With history (entries oldest first, cancelled entries dropped):
    the original miss        -> rescheduled (route date)
    entry completed          -> completed   (entry's rescheduled date)
    entry re_missed          -> rescheduled if a later entry exists, else missed
    entry pending            -> nothing
  Every reschedule cancelled:
    the original miss        -> missed      (route date)

  The original execution always keys on the waypoint id, so a snapshot
  taken before a reschedule is overwritten by the next one rather than
  billed beside it.

ATTRIBUTION:
  A visit belongs to the one billing client whose label the contact
  carries. Zero or several matching labels leave the visit unattributed;
  it is logged and reported, never billed.

AMOUNTS (integer cents, one rounding step, half-up):
  mileage   rate x miles          (no distance: 0, amount_unavailable)
  flat_fee  rate
  hourly    rate x minutes / 60   (no duration: 0, amount_unavailable)
  Missed and rescheduled records are 0 unless the client bills missed visits.
  No rate for the stop type: 0, rate_missing.

SEE ALSO:
  - summary.go: Per-client totals
  - jobs/billing_run.go: Nightly snapshot into billing_records
*/
package billing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/visit-engine/metrics"
	"github.com/warp/visit-engine/tracing"
	"github.com/warp/visit-engine/visit"
)

// Source is the read side derivation needs.
type Source interface {
	ListBillingClients(ctx context.Context, owner visit.OwnerID) ([]visit.BillingClient, error)
	ListRouteStops(ctx context.Context, owner visit.OwnerID, statuses ...visit.WaypointStatus) ([]visit.RouteStop, error)
	ListEntries(ctx context.Context, owner visit.OwnerID, filter visit.EntryFilter) ([]visit.RescheduleEntry, error)
	GetContact(ctx context.Context, owner visit.OwnerID, id visit.ContactID) (*visit.Contact, error)
}

// Filter narrows derived records. Zero values match everything.
type Filter struct {
	Range       visit.DateRange
	ClientLabel string
	Status      visit.BillingStatus
}

// Unattributed reports a settled visit that no single client could claim.
type Unattributed struct {
	WaypointID  visit.WaypointID `json:"waypoint_id"`
	ContactName string           `json:"contact_name"`
	Labels      []string         `json:"labels"`
	Matches     []string         `json:"matches"`
	Reason      string           `json:"reason"`
}

// Result is one derivation pass.
type Result struct {
	Records      []visit.BillingRecord
	Unattributed []Unattributed
}

// =============================================================================
// DERIVER
// =============================================================================

type Deriver struct {
	Source Source
	Logger zerolog.Logger
	Now    func() time.Time
}

func NewDeriver(source Source, logger zerolog.Logger) *Deriver {
	return &Deriver{
		Source: source,
		Logger: logger.With().Str("component", "billing").Logger(),
		Now:    time.Now,
	}
}

// Derive computes billing records for the owner's settled visits.
func (d *Deriver) Derive(ctx context.Context, owner visit.OwnerID, f Filter) (res *Result, err error) {
	ctx, span := tracing.StartDeriveSpan(ctx, string(owner))
	defer func() { tracing.End(span, err) }()

	if owner == "" {
		return nil, visit.ErrOwnerRequired
	}
	if err := f.Range.Validate(); err != nil {
		return nil, err
	}
	if f.Status != "" && !validStatus(f.Status) {
		return nil, &visit.ValidationError{Field: "status", Message: fmt.Sprintf("unknown billing status %q", f.Status)}
	}

	clients, err := d.Source.ListBillingClients(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list billing clients: %w", err)
	}
	byLabel := make(map[string]visit.BillingClient, len(clients))
	for _, c := range clients {
		byLabel[c.Label] = c
	}

	stops, err := d.Source.ListRouteStops(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list route stops: %w", err)
	}
	entries, err := d.Source.ListEntries(ctx, owner, visit.EntryFilter{})
	if err != nil {
		return nil, fmt.Errorf("list reschedule history: %w", err)
	}
	history := groupOldestFirst(entries)

	now := d.Now().UTC()
	labels := map[visit.ContactID][]string{}
	res = &Result{}

	for _, s := range stops {
		cv, ok := s.Waypoint.Stop.(visit.ContactVisit)
		if !ok {
			continue
		}
		outcomes := outcomesFor(s, history[s.Waypoint.ID])
		if len(outcomes) == 0 {
			continue
		}

		contactLabels, err := d.labelsFor(ctx, owner, cv, labels)
		if err != nil {
			return nil, err
		}
		client, un := attribute(byLabel, contactLabels)
		if un != nil {
			un.WaypointID = s.Waypoint.ID
			un.ContactName = cv.Name
			res.Unattributed = append(res.Unattributed, *un)
			metrics.BillingWarnings.WithLabelValues("unattributed").Inc()
			d.Logger.Warn().
				Str("owner_id", string(owner)).
				Str("waypoint_id", string(s.Waypoint.ID)).
				Str("contact_id", string(cv.ContactID)).
				Strs("labels", contactLabels).
				Str("reason", un.Reason).
				Msg("visit unattributed, excluded from billing")
			continue
		}

		for _, o := range outcomes {
			if !f.Range.Contains(o.date) {
				continue
			}
			if f.ClientLabel != "" && f.ClientLabel != client.Label {
				continue
			}
			if f.Status != "" && f.Status != o.status {
				continue
			}
			rec := d.record(owner, s, cv, client, o, now)
			for _, w := range rec.Warnings {
				metrics.BillingWarnings.WithLabelValues(w).Inc()
				d.Logger.Warn().
					Str("owner_id", string(owner)).
					Str("waypoint_id", string(s.Waypoint.ID)).
					Str("client", client.Label).
					Str("warning", w).
					Msg("billing record flagged")
			}
			res.Records = append(res.Records, rec)
		}
	}

	sort.SliceStable(res.Records, func(i, j int) bool {
		a, b := res.Records[i], res.Records[j]
		if !a.VisitDate.Equal(b.VisitDate) {
			return a.VisitDate.Before(b.VisitDate)
		}
		return a.SourceKey < b.SourceKey
	})
	return res, nil
}

// Snapshot derives records for the window and replaces the stored window
// with them, returning the derivation result.
func (d *Deriver) Snapshot(ctx context.Context, sink visit.BillingStore, owner visit.OwnerID, r visit.DateRange) (*Result, error) {
	res, err := d.Derive(ctx, owner, Filter{Range: r})
	if err != nil {
		return nil, err
	}
	if err := sink.ReplaceBillingRecords(ctx, owner, r, res.Records); err != nil {
		return nil, fmt.Errorf("store billing records: %w", err)
	}
	for _, rec := range res.Records {
		metrics.BillingRecords.WithLabelValues(string(rec.Status)).Inc()
	}
	return res, nil
}

func (d *Deriver) labelsFor(ctx context.Context, owner visit.OwnerID, cv visit.ContactVisit, cache map[visit.ContactID][]string) ([]string, error) {
	if cv.ContactID == "" {
		return cv.Labels, nil
	}
	if l, ok := cache[cv.ContactID]; ok {
		return l, nil
	}
	c, err := d.Source.GetContact(ctx, owner, cv.ContactID)
	switch {
	case err == nil:
		cache[cv.ContactID] = c.Labels
		return c.Labels, nil
	case visit.IsNotFound(err):
		// contact deleted since the route was built
		cache[cv.ContactID] = cv.Labels
		return cv.Labels, nil
	}
	return nil, fmt.Errorf("load contact %s: %w", cv.ContactID, err)
}

// =============================================================================
// OUTCOMES
// =============================================================================

type outcome struct {
	key    string
	date   visit.Date
	status visit.BillingStatus
}

func outcomesFor(s visit.RouteStop, entries []visit.RescheduleEntry) []outcome {
	w := s.Waypoint
	base := string(w.ID)

	if len(entries) == 0 {
		switch w.Status {
		case visit.StatusComplete:
			return []outcome{{key: base, date: s.Route.ScheduledDate, status: visit.BillingCompleted}}
		case visit.StatusMissed:
			return []outcome{{key: base, date: s.Route.ScheduledDate, status: visit.BillingMissed}}
		}
		return nil
	}

	original := entries[0].OriginalDate
	if original.IsZero() {
		original = s.Route.ScheduledDate
	}
	live := entries[:0:0]
	for _, e := range entries {
		if e.Status != visit.EntryCancelled {
			live = append(live, e)
		}
	}
	if len(live) == 0 {
		return []outcome{{key: base, date: original, status: visit.BillingMissed}}
	}

	out := []outcome{{key: base, date: original, status: visit.BillingRescheduled}}
	for i, e := range live {
		key := base + ":" + string(e.ID)
		switch e.Status {
		case visit.EntryCompleted:
			out = append(out, outcome{key: key, date: e.RescheduledDate, status: visit.BillingCompleted})
		case visit.EntryReMissed:
			st := visit.BillingMissed
			if i < len(live)-1 {
				st = visit.BillingRescheduled
			}
			out = append(out, outcome{key: key, date: e.RescheduledDate, status: st})
		}
	}
	return out
}

func groupOldestFirst(entries []visit.RescheduleEntry) map[visit.WaypointID][]visit.RescheduleEntry {
	out := map[visit.WaypointID][]visit.RescheduleEntry{}
	for _, e := range entries {
		out[e.WaypointID] = append(out[e.WaypointID], e)
	}
	for _, chain := range out {
		sort.Slice(chain, func(i, j int) bool { return chain[i].Sequence < chain[j].Sequence })
	}
	return out
}

// =============================================================================
// ATTRIBUTION & AMOUNTS
// =============================================================================

func attribute(clients map[string]visit.BillingClient, labels []string) (visit.BillingClient, *Unattributed) {
	var matches []string
	seen := map[string]bool{}
	for _, l := range labels {
		if _, ok := clients[l]; ok && !seen[l] {
			seen[l] = true
			matches = append(matches, l)
		}
	}
	switch len(matches) {
	case 1:
		return clients[matches[0]], nil
	case 0:
		return visit.BillingClient{}, &Unattributed{Labels: labels, Reason: "no billable label"}
	}
	return visit.BillingClient{}, &Unattributed{Labels: labels, Matches: matches, Reason: "multiple billable labels"}
}

func (d *Deriver) record(owner visit.OwnerID, s visit.RouteStop, cv visit.ContactVisit, c visit.BillingClient, o outcome, now time.Time) visit.BillingRecord {
	rec := visit.BillingRecord{
		OwnerID:         owner,
		SourceKey:       o.key,
		WaypointID:      s.Waypoint.ID,
		ClientLabel:     c.Label,
		ContactName:     cv.Name,
		VisitType:       cv.StopType,
		VisitDate:       o.date,
		RouteHolderName: s.HolderName,
		Status:          o.status,
		DerivedAt:       now,
	}
	if o.status != visit.BillingCompleted && !c.BillMissedVisits {
		return rec
	}
	rec.CalculatedAmount, rec.Warnings = Amount(c, cv.StopType, s.Waypoint)
	return rec
}

// Amount prices one visit for client c. A non-empty warning list means the
// amount could not be fully computed and is 0.
func Amount(c visit.BillingClient, stopType string, w visit.Waypoint) (visit.Money, []string) {
	rate, ok := c.RateFor(stopType)
	if !ok {
		return 0, []string{visit.WarnRateMissing}
	}
	switch c.Model {
	case visit.ModelFlatFee:
		return rate, nil
	case visit.ModelMileage:
		if w.DistanceMiles == nil {
			return 0, []string{visit.WarnAmountUnavailable}
		}
		return rate.Times(*w.DistanceMiles), nil
	case visit.ModelHourly:
		if w.DurationMinutes <= 0 {
			return 0, []string{visit.WarnAmountUnavailable}
		}
		return rate.Prorate(decimal.NewFromInt(int64(w.DurationMinutes)), 60), nil
	}
	return 0, []string{visit.WarnRateMissing}
}

func validStatus(s visit.BillingStatus) bool {
	switch s {
	case visit.BillingCompleted, visit.BillingMissed, visit.BillingRescheduled:
		return true
	}
	return false
}
