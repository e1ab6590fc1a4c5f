package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/visit-engine/visit"
)

// =============================================================================
// WAYPOINTS
// =============================================================================

const waypointColumns = `w.id, w.owner_id, w.route_id, w.stop_kind, w.contact_id, w.contact_name,
	w.address, w.stop_type, w.stop_color, w.labels_json, w.gap_label, w.gap_minutes,
	w.position, w.status, w.execution_order, w.needs_reschedule, w.missed_reason,
	w.execution_notes, w.rescheduled_date, w.completed_at, w.distance_miles,
	w.duration_minutes, w.calendar_event_id, w.occurrence_key, w.occurrence_counted,
	w.version, w.created_at, w.updated_at`

// InsertWaypoint writes a new waypoint at version 1. A repeated occurrence
// key yields ErrDuplicateIdempotencyKey.
func (s *Store) InsertWaypoint(ctx context.Context, w visit.Waypoint) error {
	if err := requireOwner(w.OwnerID); err != nil {
		return err
	}
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.Version == 0 {
		w.Version = 1
	}
	if w.Status == "" {
		w.Status = visit.StatusPending
	}

	cols, err := stopColumns(w.Stop)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `
		INSERT INTO waypoints (id, owner_id, route_id, stop_kind, contact_id, contact_name,
			address, stop_type, stop_color, labels_json, gap_label, gap_minutes,
			position, status, execution_order, needs_reschedule, missed_reason,
			execution_notes, rescheduled_date, completed_at, distance_miles,
			duration_minutes, calendar_event_id, occurrence_key, occurrence_counted,
			version, created_at, updated_at)
		VALUES (`+placeholders(28)+`)
	`, w.ID, w.OwnerID, w.RouteID, cols.kind, cols.contactID, cols.contactName,
		cols.address, cols.stopType, cols.stopColor, cols.labels, cols.gapLabel, cols.gapMinutes,
		w.Position, w.Status, nullInt(w.ExecutionOrder), w.NeedsReschedule, w.MissedReason,
		w.ExecutionNotes, nullDate(w.RescheduledDate), nullTime(w.CompletedAt), nullDecimal(w.DistanceMiles),
		w.DurationMinutes, w.CalendarEventID, nullString(w.OccurrenceKey), w.OccurrenceCounted,
		w.Version, formatTime(w.CreatedAt), formatTime(now))
	if err != nil {
		if isUniqueConstraintError(err) {
			return visit.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert waypoint: %w", err)
	}
	return nil
}

func (s *Store) GetWaypoint(ctx context.Context, owner visit.OwnerID, id visit.WaypointID) (*visit.Waypoint, error) {
	row := s.queryRow(ctx, `SELECT `+waypointColumns+` FROM waypoints w WHERE w.id = ? AND w.owner_id = ?`, id, owner)
	w, err := scanWaypoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &visit.NotFoundError{Kind: "waypoint", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// UpdateWaypoint writes the mutable execution fields when the stored version
// still equals w.Version. On success the stored version is w.Version+1.
func (s *Store) UpdateWaypoint(ctx context.Context, w visit.Waypoint) error {
	res, err := s.exec(ctx, `
		UPDATE waypoints SET
			position = ?,
			status = ?,
			execution_order = ?,
			needs_reschedule = ?,
			missed_reason = ?,
			execution_notes = ?,
			rescheduled_date = ?,
			completed_at = ?,
			distance_miles = ?,
			duration_minutes = ?,
			calendar_event_id = ?,
			occurrence_counted = ?,
			version = version + 1,
			updated_at = ?
		WHERE id = ? AND owner_id = ? AND version = ?
	`, w.Position, w.Status, nullInt(w.ExecutionOrder), w.NeedsReschedule, w.MissedReason,
		w.ExecutionNotes, nullDate(w.RescheduledDate), nullTime(w.CompletedAt), nullDecimal(w.DistanceMiles),
		w.DurationMinutes, w.CalendarEventID, w.OccurrenceCounted, formatTime(time.Now()),
		w.ID, w.OwnerID, w.Version)
	if err != nil {
		return fmt.Errorf("update waypoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetWaypoint(ctx, w.OwnerID, w.ID); err != nil {
			return err
		}
		return visit.ErrConcurrentModification
	}
	return nil
}

func (s *Store) ListWaypointsByRoute(ctx context.Context, owner visit.OwnerID, route visit.RouteID) ([]visit.Waypoint, error) {
	rows, err := s.query(ctx, `
		SELECT `+waypointColumns+` FROM waypoints w
		WHERE w.owner_id = ? AND w.route_id = ?
		ORDER BY w.position, w.id
	`, owner, route)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []visit.Waypoint
	for rows.Next() {
		w, err := scanWaypoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListRouteStops joins waypoints with route and holder.
func (s *Store) ListRouteStops(ctx context.Context, owner visit.OwnerID, statuses ...visit.WaypointStatus) ([]visit.RouteStop, error) {
	query := `
		SELECT ` + waypointColumns + `, ` + routeColumns + `, COALESCE(h.name, '')
		FROM waypoints w
		JOIN routes r ON r.id = w.route_id AND r.owner_id = w.owner_id
		LEFT JOIN route_holders h ON h.id = r.holder_id AND h.owner_id = r.owner_id
		WHERE w.owner_id = ?`
	args := []any{owner}
	if len(statuses) > 0 {
		query += ` AND w.status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY r.scheduled_date, r.id, w.position`

	return s.queryRouteStops(ctx, query, args...)
}

func (s *Store) queryRouteStops(ctx context.Context, query string, args ...any) ([]visit.RouteStop, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []visit.RouteStop
	for rows.Next() {
		var rs visit.RouteStop
		var date sql.NullString
		var routeCreated string
		w, err := scanWaypoint(rows,
			&rs.Route.ID, &rs.Route.OwnerID, &rs.Route.Name, &date, &rs.Route.HolderID, &routeCreated,
			&rs.HolderName)
		if err != nil {
			return nil, err
		}
		rs.Waypoint = w
		rs.Route.ScheduledDate = scanDate(date)
		rs.Route.CreatedAt = parseTime(routeCreated)
		out = append(out, rs)
	}
	return out, rows.Err()
}

func (s *Store) MaxExecutionOrder(ctx context.Context, owner visit.OwnerID, route visit.RouteID) (int, error) {
	var n sql.NullInt64
	err := s.queryRow(ctx, `
		SELECT MAX(execution_order) FROM waypoints WHERE owner_id = ? AND route_id = ?
	`, owner, route).Scan(&n)
	if err != nil {
		return 0, err
	}
	return int(n.Int64), nil
}

func (s *Store) NextPosition(ctx context.Context, owner visit.OwnerID, route visit.RouteID) (int, error) {
	var n sql.NullInt64
	err := s.queryRow(ctx, `
		SELECT MAX(position) FROM waypoints WHERE owner_id = ? AND route_id = ?
	`, owner, route).Scan(&n)
	if err != nil {
		return 0, err
	}
	return int(n.Int64) + 1, nil
}

func (s *Store) CountOutstanding(ctx context.Context, owner visit.OwnerID, contact visit.ContactID) (int, error) {
	var n int
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM waypoints
		WHERE owner_id = ? AND contact_id = ? AND occurrence_key IS NOT NULL AND occurrence_counted = ?
	`, owner, contact, false).Scan(&n)
	return n, err
}

// =============================================================================
// STOP VARIANT MAPPING
// =============================================================================

type stopCols struct {
	kind        visit.StopKind
	contactID   sql.NullString
	contactName string
	address     string
	stopType    string
	stopColor   string
	labels      string
	gapLabel    string
	gapMinutes  int
}

func stopColumns(stop visit.Stop) (stopCols, error) {
	switch st := stop.(type) {
	case visit.ContactVisit:
		labels, err := json.Marshal(nonNilLabels(st.Labels))
		if err != nil {
			return stopCols{}, err
		}
		return stopCols{
			kind:        visit.StopContactVisit,
			contactID:   nullString(string(st.ContactID)),
			contactName: st.Name,
			address:     st.Address,
			stopType:    st.StopType,
			stopColor:   st.StopColor,
			labels:      string(labels),
		}, nil
	case visit.TimeGap:
		return stopCols{kind: visit.StopTimeGap, labels: "[]", gapLabel: st.Label, gapMinutes: st.Minutes}, nil
	}
	return stopCols{}, &visit.ValidationError{Field: "stop", Message: fmt.Sprintf("unsupported stop %T", stop)}
}

// scanWaypoint scans the waypoint columns followed by any extra destinations.
func scanWaypoint(sc scanner, extra ...any) (visit.Waypoint, error) {
	var w visit.Waypoint
	var c stopCols
	var execOrder sql.NullInt64
	var rescheduled, completedAt, distance, occurrenceKey sql.NullString
	var createdAt, updatedAt string

	dest := []any{&w.ID, &w.OwnerID, &w.RouteID, &c.kind, &c.contactID, &c.contactName,
		&c.address, &c.stopType, &c.stopColor, &c.labels, &c.gapLabel, &c.gapMinutes,
		&w.Position, &w.Status, &execOrder, &w.NeedsReschedule, &w.MissedReason,
		&w.ExecutionNotes, &rescheduled, &completedAt, &distance,
		&w.DurationMinutes, &w.CalendarEventID, &occurrenceKey, &w.OccurrenceCounted,
		&w.Version, &createdAt, &updatedAt}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return w, err
	}

	switch c.kind {
	case visit.StopTimeGap:
		w.Stop = visit.TimeGap{Label: c.gapLabel, Minutes: c.gapMinutes}
	default:
		cv := visit.ContactVisit{
			ContactID: visit.ContactID(c.contactID.String),
			Name:      c.contactName,
			Address:   c.address,
			StopType:  c.stopType,
			StopColor: c.stopColor,
		}
		if err := json.Unmarshal([]byte(c.labels), &cv.Labels); err != nil {
			return w, fmt.Errorf("waypoint %s labels: %w", w.ID, err)
		}
		w.Stop = cv
	}

	if execOrder.Valid {
		n := int(execOrder.Int64)
		w.ExecutionOrder = &n
	}
	w.RescheduledDate = scanDate(rescheduled)
	w.CompletedAt = scanNullTime(completedAt)
	if distance.Valid {
		d, err := decimal.NewFromString(distance.String)
		if err != nil {
			return w, fmt.Errorf("waypoint %s distance: %w", w.ID, err)
		}
		w.DistanceMiles = &d
	}
	w.OccurrenceKey = occurrenceKey.String
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return w, nil
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}
