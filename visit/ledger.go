/*
ledger.go - Append-only reschedule history

PURPOSE:
  The reschedule ledger is the audit trail of every reschedule action.
  One entry is written per reschedule; it is never deleted, and only its
  status, completedAt and notes change, and only while it is pending.

SNAPSHOTS:
  Route name, contact name and address are copied into the entry when it is
  written. History display never joins back to routes or contacts, so later
  edits or deletes of either do not rewrite the past.

IDEMPOTENCY:
  Each entry carries a key derived from the waypoint id and the waypoint
  version that produced it. A retried transition hits the unique key and
  writes nothing.

EXAMPLE FLOW:
  1. Waypoint missed, rescheduled to 03-12:   entry #1 pending
  2. Missed again on 03-12:                   entry #1 re_missed
  3. Rescheduled to 03-19:                    entry #2 pending
  4. Completed on 03-19:                      entry #2 completed

SEE ALSO:
  - store.go: LedgerStore persistence interface
  - waypoint/machine.go: Calls the ledger inside the transition transaction
*/
package visit

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger records and reads reschedule history.
type Ledger interface {
	// Record appends a pending entry for a reschedule action.
	Record(ctx context.Context, req RescheduleRequest) (*RescheduleEntry, error)

	// SettlePending moves the waypoint's open entry to a terminal status.
	// Returns nil, nil when the waypoint has no open entry.
	SettlePending(ctx context.Context, owner OwnerID, waypoint WaypointID, status EntryStatus, at time.Time, notes string) (*RescheduleEntry, error)

	// History lists entries newest first, optionally filtered by status.
	History(ctx context.Context, owner OwnerID, status EntryStatus) ([]RescheduleEntry, error)
}

// RescheduleRequest carries the waypoint as it was before the reschedule,
// plus the live names to snapshot.
type RescheduleRequest struct {
	Waypoint    Waypoint
	Route       Route
	ContactName string
	Address     string
	Target      Date
	Reason      string
}

// IdempotencyKey identifies the reschedule produced from one waypoint version.
func (r RescheduleRequest) IdempotencyKey() string {
	return fmt.Sprintf("%s:reschedule:v%d", r.Waypoint.ID, r.Waypoint.Version)
}

// =============================================================================
// DEFAULT LEDGER - Implementation using LedgerStore
// =============================================================================

type DefaultLedger struct {
	Store LedgerStore
	Now   func() time.Time
}

func NewLedger(store LedgerStore) *DefaultLedger {
	return &DefaultLedger{Store: store, Now: time.Now}
}

func (l *DefaultLedger) Record(ctx context.Context, req RescheduleRequest) (*RescheduleEntry, error) {
	if req.Target.IsZero() {
		return nil, &ValidationError{Field: "rescheduledDate", Message: "target date required"}
	}
	seq, err := l.Store.NextSequence(ctx, req.Waypoint.OwnerID, req.Waypoint.ID)
	if err != nil {
		return nil, err
	}
	entry := RescheduleEntry{
		ID:              EntryID(uuid.New().String()),
		OwnerID:         req.Waypoint.OwnerID,
		WaypointID:      req.Waypoint.ID,
		RouteID:         req.Route.ID,
		RouteName:       req.Route.Name,
		ContactName:     req.ContactName,
		Address:         req.Address,
		OriginalDate:    req.Route.ScheduledDate,
		RescheduledDate: req.Target,
		MissedReason:    req.Reason,
		Status:          EntryPending,
		IdempotencyKey:  req.IdempotencyKey(),
		Sequence:        seq,
		CreatedAt:       l.Now().UTC(),
	}
	if err := l.Store.AppendEntry(ctx, entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (l *DefaultLedger) SettlePending(ctx context.Context, owner OwnerID, waypoint WaypointID, status EntryStatus, at time.Time, notes string) (*RescheduleEntry, error) {
	if !status.Terminal() || !status.Valid() {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("%q is not a terminal entry status", status)}
	}
	entry, err := l.Store.PendingEntry(ctx, owner, waypoint)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var completedAt *time.Time
	if status == EntryCompleted {
		t := at.UTC()
		completedAt = &t
	}
	if notes == "" {
		notes = entry.Notes
	}
	if err := l.Store.SettleEntry(ctx, owner, entry.ID, status, completedAt, notes); err != nil {
		return nil, err
	}
	entry.Status = status
	entry.CompletedAt = completedAt
	entry.Notes = notes
	return entry, nil
}

func (l *DefaultLedger) History(ctx context.Context, owner OwnerID, status EntryStatus) ([]RescheduleEntry, error) {
	if status != "" && !status.Valid() {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}
	return l.Store.ListEntries(ctx, owner, EntryFilter{Status: status})
}

// =============================================================================
// BACKFILL - One-time migration from waypoints that predate the ledger
// =============================================================================

// Backfill writes an entry for every waypoint that carries a rescheduled date
// but has no ledger row. A second run finds nothing to do.
func (l *DefaultLedger) Backfill(ctx context.Context, owner OwnerID) (int, error) {
	stops, err := l.Store.WaypointsWithoutEntries(ctx, owner)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, s := range stops {
		entry := backfillEntry(s, l.Now().UTC())
		err := l.Store.AppendEntry(ctx, entry)
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			continue
		}
		if err != nil {
			return written, fmt.Errorf("backfill waypoint %s: %w", s.Waypoint.ID, err)
		}
		written++
	}
	return written, nil
}

func backfillEntry(s RouteStop, now time.Time) RescheduleEntry {
	w := s.Waypoint
	entry := RescheduleEntry{
		ID:              EntryID(uuid.New().String()),
		OwnerID:         w.OwnerID,
		WaypointID:      w.ID,
		RouteID:         s.Route.ID,
		RouteName:       s.Route.Name,
		OriginalDate:    s.Route.ScheduledDate,
		RescheduledDate: w.RescheduledDate,
		MissedReason:    w.MissedReason,
		Status:          EntryPending,
		IdempotencyKey:  string(w.ID) + ":backfill",
		Sequence:        1,
		CreatedAt:       now,
	}
	if cv, ok := w.Stop.(ContactVisit); ok {
		entry.ContactName = cv.Name
		entry.Address = cv.Address
	}
	switch w.Status {
	case StatusComplete:
		entry.Status = EntryCompleted
		entry.CompletedAt = w.CompletedAt
	case StatusMissed:
		entry.Status = EntryReMissed
	}
	return entry
}

// =============================================================================
// EXPORT
// =============================================================================

// HistoryCSVHeader is the column order of ExportHistoryCSV.
var HistoryCSVHeader = []string{"contact", "address", "route", "status"}

// ExportHistoryCSV flattens entries to {contact, address, route, status} rows.
func ExportHistoryCSV(w io.Writer, entries []RescheduleEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(HistoryCSVHeader); err != nil {
		return err
	}
	for _, e := range entries {
		if err := cw.Write([]string{e.ContactName, e.Address, e.RouteName, string(e.Status)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
