package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/visit-engine/visit"
)

// =============================================================================
// RESCHEDULE LEDGER
// =============================================================================

const entryColumns = `id, owner_id, waypoint_id, route_id, route_name, contact_name, address,
	original_date, rescheduled_date, missed_reason, status, completed_at, notes,
	idempotency_key, sequence, created_at`

// AppendEntry writes a ledger entry. This is the only INSERT into the table.
func (s *Store) AppendEntry(ctx context.Context, e visit.RescheduleEntry) error {
	if err := requireOwner(e.OwnerID); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Sequence == 0 {
		e.Sequence = 1
	}
	_, err := s.exec(ctx, `
		INSERT INTO reschedule_history (`+entryColumns+`)
		VALUES (`+placeholders(16)+`)
	`, e.ID, e.OwnerID, e.WaypointID, e.RouteID, e.RouteName, e.ContactName, e.Address,
		nullDate(e.OriginalDate), e.RescheduledDate.String(), e.MissedReason, e.Status,
		nullTime(e.CompletedAt), e.Notes, nullString(e.IdempotencyKey), e.Sequence, formatTime(e.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return visit.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("append reschedule entry: %w", err)
	}
	return nil
}

// SettleEntry is the only UPDATE on the ledger and only applies to pending rows.
func (s *Store) SettleEntry(ctx context.Context, owner visit.OwnerID, id visit.EntryID, status visit.EntryStatus, completedAt *time.Time, notes string) error {
	res, err := s.exec(ctx, `
		UPDATE reschedule_history SET status = ?, completed_at = ?, notes = ?
		WHERE id = ? AND owner_id = ? AND status = ?
	`, status, nullTime(completedAt), notes, id, owner, visit.EntryPending)
	if err != nil {
		return fmt.Errorf("settle reschedule entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("settle reschedule entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("reschedule entry %s is not pending: %w", id, visit.ErrConflict)
	}
	return nil
}

func (s *Store) PendingEntry(ctx context.Context, owner visit.OwnerID, waypoint visit.WaypointID) (*visit.RescheduleEntry, error) {
	row := s.queryRow(ctx, `
		SELECT `+entryColumns+` FROM reschedule_history
		WHERE owner_id = ? AND waypoint_id = ? AND status = ?
	`, owner, waypoint, visit.EntryPending)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &visit.NotFoundError{Kind: "pending reschedule for waypoint", ID: string(waypoint)}
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEntries returns entries newest first.
func (s *Store) ListEntries(ctx context.Context, owner visit.OwnerID, filter visit.EntryFilter) ([]visit.RescheduleEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM reschedule_history WHERE owner_id = ?`
	args := []any{owner}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.WaypointID != "" {
		query += ` AND waypoint_id = ?`
		args = append(args, filter.WaypointID)
	}
	query += ` ORDER BY created_at DESC, sequence DESC, id DESC`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []visit.RescheduleEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// NextSequence returns the ordinal the waypoint's next entry takes.
func (s *Store) NextSequence(ctx context.Context, owner visit.OwnerID, waypoint visit.WaypointID) (int, error) {
	var n sql.NullInt64
	err := s.queryRow(ctx, `
		SELECT MAX(sequence) FROM reschedule_history WHERE owner_id = ? AND waypoint_id = ?
	`, owner, waypoint).Scan(&n)
	if err != nil {
		return 0, err
	}
	return int(n.Int64) + 1, nil
}

// WaypointsWithoutEntries finds stops with a rescheduled date and no ledger row.
func (s *Store) WaypointsWithoutEntries(ctx context.Context, owner visit.OwnerID) ([]visit.RouteStop, error) {
	return s.queryRouteStops(ctx, `
		SELECT `+waypointColumns+`, `+routeColumns+`, COALESCE(h.name, '')
		FROM waypoints w
		JOIN routes r ON r.id = w.route_id AND r.owner_id = w.owner_id
		LEFT JOIN route_holders h ON h.id = r.holder_id AND h.owner_id = r.owner_id
		WHERE w.owner_id = ? AND w.rescheduled_date IS NOT NULL
			AND NOT EXISTS (
				SELECT 1 FROM reschedule_history rh
				WHERE rh.owner_id = w.owner_id AND rh.waypoint_id = w.id
			)
		ORDER BY w.id
	`, owner)
}

func scanEntry(sc scanner) (visit.RescheduleEntry, error) {
	var e visit.RescheduleEntry
	var original, completedAt, key sql.NullString
	var rescheduled, createdAt string
	err := sc.Scan(&e.ID, &e.OwnerID, &e.WaypointID, &e.RouteID, &e.RouteName, &e.ContactName, &e.Address,
		&original, &rescheduled, &e.MissedReason, &e.Status, &completedAt, &e.Notes,
		&key, &e.Sequence, &createdAt)
	if err != nil {
		return e, err
	}
	e.OriginalDate = scanDate(original)
	e.RescheduledDate, _ = visit.ParseDate(rescheduled)
	e.CompletedAt = scanNullTime(completedAt)
	e.IdempotencyKey = key.String
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}
