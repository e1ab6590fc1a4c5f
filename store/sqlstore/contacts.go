package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/visit-engine/visit"
)

// =============================================================================
// CONTACTS
// =============================================================================

const contactColumns = `id, owner_id, name, address, labels_json, stop_type, stop_color,
	default_holder_id, schedule_json, occurrences_completed, last_scheduled_date,
	schedule_updated_at, created_at`

// SaveContact inserts or updates the contact snapshot. The schedule and its
// counter are left untouched; use SaveSchedule for those.
func (s *Store) SaveContact(ctx context.Context, c visit.Contact) error {
	if err := requireOwner(c.OwnerID); err != nil {
		return err
	}
	labels, err := json.Marshal(nonNilLabels(c.Labels))
	if err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	res, err := s.exec(ctx, `
		INSERT INTO contacts (id, owner_id, name, address, labels_json, stop_type, stop_color,
			default_holder_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			labels_json = excluded.labels_json,
			stop_type = excluded.stop_type,
			stop_color = excluded.stop_color,
			default_holder_id = excluded.default_holder_id
		WHERE contacts.owner_id = excluded.owner_id
	`, c.ID, c.OwnerID, c.Name, c.Address, string(labels), c.StopType, c.StopColor,
		c.DefaultHolderID, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("save contact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save contact: %w", err)
	}
	if n == 0 {
		// The id exists under another owner.
		return &visit.NotFoundError{Kind: "contact", ID: string(c.ID)}
	}
	return nil
}

// GetContact retrieves a contact with its schedule.
func (s *Store) GetContact(ctx context.Context, owner visit.OwnerID, id visit.ContactID) (*visit.Contact, error) {
	row := s.queryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ? AND owner_id = ?`, id, owner)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &visit.NotFoundError{Kind: "contact", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListScheduledContacts returns contacts carrying a schedule, ordered by id.
func (s *Store) ListScheduledContacts(ctx context.Context, owner visit.OwnerID) ([]visit.Contact, error) {
	rows, err := s.query(ctx, `
		SELECT `+contactColumns+` FROM contacts
		WHERE owner_id = ? AND schedule_json IS NOT NULL
		ORDER BY id
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []visit.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveSchedule replaces the stored config JSON. The counter survives edits;
// the materialization cursor does not, so dates the new plan adds before it
// are still planned. Occurrence keys keep the rescan from duplicating stops.
func (s *Store) SaveSchedule(ctx context.Context, owner visit.OwnerID, id visit.ContactID, configJSON string) error {
	res, err := s.exec(ctx, `
		UPDATE contacts SET schedule_json = ?, schedule_updated_at = ?, last_scheduled_date = NULL
		WHERE id = ? AND owner_id = ?
	`, nullString(configJSON), formatTime(time.Now()), id, owner)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	if n == 0 {
		return &visit.NotFoundError{Kind: "contact", ID: string(id)}
	}
	return nil
}

// IncrementOccurrences is a single atomic UPDATE ... RETURNING.
func (s *Store) IncrementOccurrences(ctx context.Context, owner visit.OwnerID, id visit.ContactID) (int, error) {
	var n int
	err := s.queryRow(ctx, `
		UPDATE contacts SET occurrences_completed = occurrences_completed + 1
		WHERE id = ? AND owner_id = ?
		RETURNING occurrences_completed
	`, id, owner).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &visit.NotFoundError{Kind: "contact", ID: string(id)}
	}
	if err != nil {
		return 0, fmt.Errorf("increment occurrences: %w", err)
	}
	return n, nil
}

// SetLastScheduledDate records the newest materialized occurrence.
func (s *Store) SetLastScheduledDate(ctx context.Context, owner visit.OwnerID, id visit.ContactID, d visit.Date) error {
	_, err := s.exec(ctx, `
		UPDATE contacts SET last_scheduled_date = ? WHERE id = ? AND owner_id = ?
	`, nullDate(d), id, owner)
	return err
}

func scanContact(sc scanner) (visit.Contact, error) {
	var c visit.Contact
	var labels, createdAt string
	var scheduleJSON, lastScheduled, scheduleUpdated sql.NullString
	var occurrences int
	err := sc.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Address, &labels, &c.StopType, &c.StopColor,
		&c.DefaultHolderID, &scheduleJSON, &occurrences, &lastScheduled, &scheduleUpdated, &createdAt)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(labels), &c.Labels); err != nil {
		return c, fmt.Errorf("contact %s labels: %w", c.ID, err)
	}
	c.CreatedAt = parseTime(createdAt)
	if scheduleJSON.Valid {
		c.Schedule = &visit.ScheduleRecord{
			ConfigJSON:           scheduleJSON.String,
			OccurrencesCompleted: occurrences,
			LastScheduledDate:    scanDate(lastScheduled),
		}
		if t := scanNullTime(scheduleUpdated); t != nil {
			c.Schedule.UpdatedAt = *t
		}
	}
	return c, nil
}

func nonNilLabels(labels []string) []string {
	if labels == nil {
		return []string{}
	}
	return labels
}

// =============================================================================
// ROUTE HOLDERS
// =============================================================================

func (s *Store) SaveHolder(ctx context.Context, h visit.RouteHolder) error {
	if err := requireOwner(h.OwnerID); err != nil {
		return err
	}
	_, err := s.exec(ctx, `
		INSERT INTO route_holders (id, owner_id, name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
		WHERE route_holders.owner_id = excluded.owner_id
	`, h.ID, h.OwnerID, h.Name, formatTime(time.Now()))
	return err
}

func (s *Store) GetHolder(ctx context.Context, owner visit.OwnerID, id visit.HolderID) (*visit.RouteHolder, error) {
	var h visit.RouteHolder
	err := s.queryRow(ctx, `SELECT id, owner_id, name FROM route_holders WHERE id = ? AND owner_id = ?`, id, owner).
		Scan(&h.ID, &h.OwnerID, &h.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &visit.NotFoundError{Kind: "route holder", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *Store) ListHolders(ctx context.Context, owner visit.OwnerID) ([]visit.RouteHolder, error) {
	rows, err := s.query(ctx, `SELECT id, owner_id, name FROM route_holders WHERE owner_id = ? ORDER BY name`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []visit.RouteHolder
	for rows.Next() {
		var h visit.RouteHolder
		if err := rows.Scan(&h.ID, &h.OwnerID, &h.Name); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// =============================================================================
// ROUTES
// =============================================================================

const routeColumns = `r.id, r.owner_id, r.name, r.scheduled_date, r.holder_id, r.created_at`

func (s *Store) SaveRoute(ctx context.Context, r visit.Route) error {
	if err := requireOwner(r.OwnerID); err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO routes (id, owner_id, name, scheduled_date, holder_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			scheduled_date = excluded.scheduled_date,
			holder_id = excluded.holder_id
		WHERE routes.owner_id = excluded.owner_id
	`, r.ID, r.OwnerID, r.Name, nullDate(r.ScheduledDate), r.HolderID, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("save route: %w", err)
	}
	return nil
}

func (s *Store) GetRoute(ctx context.Context, owner visit.OwnerID, id visit.RouteID) (*visit.Route, error) {
	row := s.queryRow(ctx, `SELECT `+routeColumns+` FROM routes r WHERE r.id = ? AND r.owner_id = ?`, id, owner)
	r, err := scanRoute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &visit.NotFoundError{Kind: "route", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) FindRoute(ctx context.Context, owner visit.OwnerID, date visit.Date, holder visit.HolderID) (*visit.Route, error) {
	row := s.queryRow(ctx, `
		SELECT `+routeColumns+` FROM routes r
		WHERE r.owner_id = ? AND r.scheduled_date = ? AND r.holder_id = ?
		ORDER BY r.created_at, r.id
		LIMIT 1
	`, owner, date.String(), holder)
	r, err := scanRoute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &visit.NotFoundError{Kind: "route", ID: date.String() + "/" + string(holder)}
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanRoute(sc scanner) (visit.Route, error) {
	var r visit.Route
	var date sql.NullString
	var createdAt string
	if err := sc.Scan(&r.ID, &r.OwnerID, &r.Name, &date, &r.HolderID, &createdAt); err != nil {
		return r, err
	}
	r.ScheduledDate = scanDate(date)
	r.CreatedAt = parseTime(createdAt)
	return r, nil
}
