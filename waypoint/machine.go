/*
machine.go - Waypoint status state machine

PURPOSE:
  Applies field actions to a waypoint and keeps the reschedule ledger and
  the occurrence counter in step with the waypoint's status.

STATES AND ACTIONS:
  ┌─────────┐  start   ┌────────────┐
  │ Pending │─────────▶│ InProgress │
  └─────────┘          └────────────┘
    │     │ complete / miss  │
    │     └────────┬─────────┘
    │              ▼
    │      ┌──────────┐   ┌────────┐
    │      │ Complete │   │ Missed │ needsReschedule=true
    │      └──────────┘   └────────┘
    │                        │ reschedule(date)
    └◀───────────────────────┘ ledger entry #n pending

  cancel: Pending with an open ledger entry -> Missed, needsReschedule=false,
  entry cancelled.

LEDGER SIDE EFFECTS:
  reschedule  append entry (pending)
  complete    open entry -> completed
  miss        open entry -> re_missed
  cancel      open entry -> cancelled

ATOMICITY:
  The waypoint write, the ledger write and the counter increment share one
  transaction. The waypoint write is guarded by its version, so a stale
  concurrent transition fails with ErrConcurrentModification and nothing
  is written.

OCCURRENCE COUNTING:
  The first settlement of a waypoint (complete or miss) consumes one
  occurrence of its contact's schedule. A re-miss or a later completion
  of a rescheduled waypoint does not count again.

SEE ALSO:
  - visit/ledger.go: Ledger writes
  - schedule/recurrence.go: Reads the counter for EndAfterOccurrences
*/
package waypoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/visit-engine/events"
	"github.com/warp/visit-engine/metrics"
	"github.com/warp/visit-engine/tracing"
	"github.com/warp/visit-engine/visit"
)

// =============================================================================
// ACTIONS
// =============================================================================

type Action string

const (
	ActionStart      Action = "start"
	ActionComplete   Action = "complete"
	ActionMiss       Action = "miss"
	ActionReschedule Action = "reschedule"
	ActionCancel     Action = "cancel"
)

func (a Action) Valid() bool {
	switch a {
	case ActionStart, ActionComplete, ActionMiss, ActionReschedule, ActionCancel:
		return true
	}
	return false
}

// Payload carries the action's inputs. Fields not used by the action are ignored.
type Payload struct {
	ExecutionNotes  string
	MissedReason    string
	RescheduledDate visit.Date
	ExecutionOrder  *int
	// ExpectedVersion rejects the transition if the waypoint moved on.
	ExpectedVersion *int
	// Notes are written to the ledger entry on cancel.
	Notes string
}

// Result is the state after a committed transition.
type Result struct {
	Waypoint visit.Waypoint
	// Entry is the ledger entry written or settled, if any.
	Entry *visit.RescheduleEntry
	// Occurrences is the contact's counter after an increment, if one happened.
	Occurrences *int
}

// =============================================================================
// MACHINE
// =============================================================================

type Machine struct {
	Store  visit.Store
	Events events.Publisher
	Logger zerolog.Logger
	Now    func() time.Time
}

func NewMachine(store visit.Store, publisher events.Publisher, logger zerolog.Logger) *Machine {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Machine{
		Store:  store,
		Events: publisher,
		Logger: logger.With().Str("component", "waypoint_machine").Logger(),
		Now:    time.Now,
	}
}

// Transition applies action to the waypoint. On any error the waypoint,
// its ledger entries and the counter are unchanged.
func (m *Machine) Transition(ctx context.Context, owner visit.OwnerID, id visit.WaypointID, action Action, p Payload) (result *Result, err error) {
	ctx, span := tracing.StartTransitionSpan(ctx, string(owner), string(id), string(action))
	defer func() {
		metrics.Transitions.WithLabelValues(string(action), outcome(err)).Inc()
		tracing.End(span, err)
	}()

	if owner == "" {
		return nil, visit.ErrOwnerRequired
	}
	if err := validatePayload(action, p); err != nil {
		return nil, err
	}

	now := m.Now().UTC()
	err = m.Store.WithTx(ctx, func(tx visit.Tx) error {
		r, err := m.apply(ctx, tx, owner, id, action, p, now)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		m.Logger.Debug().Err(err).
			Str("owner_id", string(owner)).
			Str("waypoint_id", string(id)).
			Str("action", string(action)).
			Msg("transition rejected")
		return nil, err
	}

	m.committed(owner, action, result)
	return result, nil
}

func (m *Machine) apply(ctx context.Context, tx visit.Tx, owner visit.OwnerID, id visit.WaypointID, action Action, p Payload, now time.Time) (*Result, error) {
	w, err := tx.GetWaypoint(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if p.ExpectedVersion != nil && *p.ExpectedVersion != w.Version {
		return nil, fmt.Errorf("waypoint %s is at version %d, expected %d: %w",
			w.ID, w.Version, *p.ExpectedVersion, visit.ErrConcurrentModification)
	}
	if _, ok := w.Stop.(visit.ContactVisit); !ok {
		return nil, &visit.TransitionError{WaypointID: w.ID, From: w.Status, Action: string(action), Reason: "time gaps carry no status"}
	}

	ledger := visit.NewLedger(tx)
	ledger.Now = func() time.Time { return now }

	next := *w
	res := &Result{}

	switch action {
	case ActionStart:
		if w.Status != visit.StatusPending {
			return nil, illegal(w, action, "only pending waypoints can start")
		}
		next.Status = visit.StatusInProgress
		if err := assignOrder(ctx, tx, &next, p.ExecutionOrder); err != nil {
			return nil, err
		}

	case ActionComplete:
		if w.Status != visit.StatusPending && w.Status != visit.StatusInProgress {
			return nil, illegal(w, action, "")
		}
		next.Status = visit.StatusComplete
		next.CompletedAt = &now
		next.NeedsReschedule = false
		if p.ExecutionNotes != "" {
			next.ExecutionNotes = p.ExecutionNotes
		}
		if err := assignOrder(ctx, tx, &next, p.ExecutionOrder); err != nil {
			return nil, err
		}
		res.Entry, err = ledger.SettlePending(ctx, owner, w.ID, visit.EntryCompleted, now, p.ExecutionNotes)
		if err != nil {
			return nil, err
		}

	case ActionMiss:
		if w.Status != visit.StatusPending && w.Status != visit.StatusInProgress {
			return nil, illegal(w, action, "")
		}
		next.Status = visit.StatusMissed
		next.MissedReason = strings.TrimSpace(p.MissedReason)
		next.NeedsReschedule = true
		next.CompletedAt = nil
		if p.ExecutionNotes != "" {
			next.ExecutionNotes = p.ExecutionNotes
		}
		if err := assignOrder(ctx, tx, &next, p.ExecutionOrder); err != nil {
			return nil, err
		}
		res.Entry, err = ledger.SettlePending(ctx, owner, w.ID, visit.EntryReMissed, now, "")
		if err != nil {
			return nil, err
		}

	case ActionReschedule:
		if w.Status != visit.StatusMissed || !w.NeedsReschedule {
			return nil, illegal(w, action, "only missed waypoints awaiting reschedule")
		}
		req, err := m.rescheduleRequest(ctx, tx, *w, p.RescheduledDate)
		if err != nil {
			return nil, err
		}
		// the same row is reused; its position in the original route goes stale
		next.Status = visit.StatusPending
		next.NeedsReschedule = false
		next.RescheduledDate = p.RescheduledDate
		next.ExecutionOrder = nil
		next.CompletedAt = nil
		res.Entry, err = ledger.Record(ctx, req)
		if err != nil {
			return nil, err
		}

	case ActionCancel:
		if w.Status != visit.StatusPending && w.Status != visit.StatusInProgress {
			return nil, illegal(w, action, "")
		}
		if _, err := tx.PendingEntry(ctx, owner, w.ID); err != nil {
			if errors.Is(err, visit.ErrNotFound) {
				return nil, illegal(w, action, "no pending reschedule to cancel")
			}
			return nil, err
		}
		next.Status = visit.StatusMissed
		next.NeedsReschedule = false
		next.RescheduledDate = visit.Date{}
		next.ExecutionOrder = nil
		res.Entry, err = ledger.SettlePending(ctx, owner, w.ID, visit.EntryCancelled, now, p.Notes)
		if err != nil {
			return nil, err
		}
	}

	countContact, err := m.counts(ctx, tx, *w, action)
	if err != nil {
		return nil, err
	}
	if countContact != "" {
		next.OccurrenceCounted = true
	}

	if err := tx.UpdateWaypoint(ctx, next); err != nil {
		return nil, err
	}
	next.Version = w.Version + 1
	next.UpdatedAt = now

	if countContact != "" {
		n, err := tx.IncrementOccurrences(ctx, owner, countContact)
		if err != nil {
			return nil, fmt.Errorf("increment occurrences for %s: %w", countContact, err)
		}
		res.Occurrences = &n
	}

	res.Waypoint = next
	return res, nil
}

// counts returns the contact whose counter this transition consumes, or "".
func (m *Machine) counts(ctx context.Context, tx visit.Tx, w visit.Waypoint, action Action) (visit.ContactID, error) {
	if action != ActionComplete && action != ActionMiss {
		return "", nil
	}
	if w.OccurrenceCounted || w.ContactID() == "" {
		return "", nil
	}
	c, err := tx.GetContact(ctx, w.OwnerID, w.ContactID())
	if errors.Is(err, visit.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if c.Schedule == nil {
		return "", nil
	}
	return c.ID, nil
}

// rescheduleRequest snapshots the live route and contact names.
func (m *Machine) rescheduleRequest(ctx context.Context, tx visit.Tx, w visit.Waypoint, target visit.Date) (visit.RescheduleRequest, error) {
	route, err := tx.GetRoute(ctx, w.OwnerID, w.RouteID)
	if err != nil {
		return visit.RescheduleRequest{}, err
	}
	cv := w.Stop.(visit.ContactVisit)
	req := visit.RescheduleRequest{
		Waypoint:    w,
		Route:       *route,
		ContactName: cv.Name,
		Address:     cv.Address,
		Target:      target,
		Reason:      w.MissedReason,
	}
	if cv.ContactID != "" {
		c, err := tx.GetContact(ctx, w.OwnerID, cv.ContactID)
		switch {
		case err == nil:
			req.ContactName = c.Name
			req.Address = c.Address
		case !errors.Is(err, visit.ErrNotFound):
			return visit.RescheduleRequest{}, err
		}
	}
	return req, nil
}

func (m *Machine) committed(owner visit.OwnerID, action Action, res *Result) {
	w := res.Waypoint
	log := m.Logger.Info().
		Str("owner_id", string(owner)).
		Str("waypoint_id", string(w.ID)).
		Str("route_id", string(w.RouteID)).
		Str("action", string(action)).
		Str("status", string(w.Status)).
		Int("version", w.Version)

	data := map[string]any{
		"waypoint_id":      string(w.ID),
		"route_id":         string(w.RouteID),
		"status":           string(w.Status),
		"needs_reschedule": w.NeedsReschedule,
		"version":          w.Version,
	}
	if res.Entry != nil {
		metrics.LedgerEntries.WithLabelValues(string(res.Entry.Status)).Inc()
		data["entry_id"] = string(res.Entry.ID)
		data["entry_status"] = string(res.Entry.Status)
		log = log.Str("entry_status", string(res.Entry.Status))
	}
	if res.Occurrences != nil {
		metrics.Occurrences.Inc()
		log = log.Int("occurrences_completed", *res.Occurrences)
	}
	log.Msg("waypoint transitioned")

	m.Events.Publish(string(w.RouteID), events.Event{Type: "waypoint." + string(action), Data: data})
}

// =============================================================================
// HELPERS
// =============================================================================

func validatePayload(action Action, p Payload) error {
	if !action.Valid() {
		return &visit.ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", action)}
	}
	if p.ExecutionOrder != nil && *p.ExecutionOrder < 1 {
		return &visit.ValidationError{Field: "executionOrder", Message: "must be positive"}
	}
	switch action {
	case ActionMiss:
		if strings.TrimSpace(p.MissedReason) == "" {
			return &visit.ValidationError{Field: "missedReason", Message: "required when marking a waypoint missed"}
		}
	case ActionReschedule:
		if p.RescheduledDate.IsZero() {
			return &visit.ValidationError{Field: "rescheduledDate", Message: "required to reschedule"}
		}
	}
	return nil
}

// assignOrder keeps an existing order, else uses the supplied one, else
// appends after the route's current maximum.
func assignOrder(ctx context.Context, tx visit.Tx, w *visit.Waypoint, supplied *int) error {
	if supplied != nil {
		n := *supplied
		w.ExecutionOrder = &n
		return nil
	}
	if w.ExecutionOrder != nil {
		return nil
	}
	highest, err := tx.MaxExecutionOrder(ctx, w.OwnerID, w.RouteID)
	if err != nil {
		return err
	}
	n := highest + 1
	w.ExecutionOrder = &n
	return nil
}

func illegal(w *visit.Waypoint, action Action, reason string) error {
	return &visit.TransitionError{WaypointID: w.ID, From: w.Status, Action: string(action), Reason: reason}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, visit.ErrConcurrentModification):
		return "stale"
	case errors.Is(err, visit.ErrConflict):
		return "conflict"
	case errors.Is(err, visit.ErrValidation):
		return "invalid"
	case visit.IsNotFound(err):
		return "not_found"
	}
	return "error"
}

// AvailableActions lists the actions legal from w's current state.
// pendingReschedule reports whether w has an open ledger entry.
func AvailableActions(w visit.Waypoint, pendingReschedule bool) []Action {
	if _, ok := w.Stop.(visit.ContactVisit); !ok {
		return nil
	}
	var out []Action
	switch w.Status {
	case visit.StatusPending:
		out = append(out, ActionStart, ActionComplete, ActionMiss)
		if pendingReschedule {
			out = append(out, ActionCancel)
		}
	case visit.StatusInProgress:
		out = append(out, ActionComplete, ActionMiss)
		if pendingReschedule {
			out = append(out, ActionCancel)
		}
	case visit.StatusMissed:
		if w.NeedsReschedule {
			out = append(out, ActionReschedule)
		}
	}
	return out
}
