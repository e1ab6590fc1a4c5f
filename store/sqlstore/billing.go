package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/visit-engine/visit"
)

// =============================================================================
// BILLING CLIENTS
// =============================================================================

func (s *Store) SaveBillingClient(ctx context.Context, c visit.BillingClient) error {
	if err := requireOwner(c.OwnerID); err != nil {
		return err
	}
	rates := map[string]int64{}
	for k, v := range c.StopTypeRates {
		rates[k] = v.Cents()
	}
	ratesJSON, err := json.Marshal(rates)
	if err != nil {
		return err
	}
	var rate sql.NullInt64
	if c.Rate != nil {
		rate = sql.NullInt64{Int64: c.Rate.Cents(), Valid: true}
	}

	_, err = s.exec(ctx, `
		INSERT INTO billing_clients (owner_id, label, model, rate_cents, stop_type_rates_json,
			bill_missed_visits, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, label) DO UPDATE SET
			model = excluded.model,
			rate_cents = excluded.rate_cents,
			stop_type_rates_json = excluded.stop_type_rates_json,
			bill_missed_visits = excluded.bill_missed_visits,
			updated_at = excluded.updated_at
	`, c.OwnerID, c.Label, c.Model, rate, string(ratesJSON), c.BillMissedVisits, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save billing client: %w", err)
	}
	return nil
}

func (s *Store) ListBillingClients(ctx context.Context, owner visit.OwnerID) ([]visit.BillingClient, error) {
	rows, err := s.query(ctx, `
		SELECT owner_id, label, model, rate_cents, stop_type_rates_json, bill_missed_visits, updated_at
		FROM billing_clients WHERE owner_id = ? ORDER BY label
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []visit.BillingClient
	for rows.Next() {
		var c visit.BillingClient
		var rate sql.NullInt64
		var ratesJSON, updatedAt string
		if err := rows.Scan(&c.OwnerID, &c.Label, &c.Model, &rate, &ratesJSON, &c.BillMissedVisits, &updatedAt); err != nil {
			return nil, err
		}
		if rate.Valid {
			m := visit.Money(rate.Int64)
			c.Rate = &m
		}
		var rates map[string]int64
		if err := json.Unmarshal([]byte(ratesJSON), &rates); err != nil {
			return nil, fmt.Errorf("billing client %s rates: %w", c.Label, err)
		}
		if len(rates) > 0 {
			c.StopTypeRates = make(map[string]visit.Money, len(rates))
			for k, v := range rates {
				c.StopTypeRates[k] = visit.Money(v)
			}
		}
		c.UpdatedAt = parseTime(updatedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// =============================================================================
// BILLING RECORDS
// =============================================================================

// UpsertBillingRecords writes derived records keyed by (owner, source key);
// re-running a derivation overwrites instead of duplicating.
func (s *Store) UpsertBillingRecords(ctx context.Context, owner visit.OwnerID, records []visit.BillingRecord) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	return s.WithTx(ctx, func(tx visit.Tx) error {
		return tx.(*Store).upsertBillingRecords(ctx, owner, records)
	})
}

// ReplaceBillingRecords makes the stored records with a visit date inside r
// exactly the given set. Rows whose source no longer derives are removed in
// the same transaction.
func (s *Store) ReplaceBillingRecords(ctx context.Context, owner visit.OwnerID, r visit.DateRange, records []visit.BillingRecord) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	query := `DELETE FROM billing_records WHERE owner_id = ?`
	args := []any{owner}
	if !r.From.IsZero() {
		query += ` AND visit_date >= ?`
		args = append(args, r.From.String())
	}
	if !r.To.IsZero() {
		query += ` AND visit_date <= ?`
		args = append(args, r.To.String())
	}
	return s.WithTx(ctx, func(tx visit.Tx) error {
		ts := tx.(*Store)
		if _, err := ts.exec(ctx, query, args...); err != nil {
			return fmt.Errorf("clear billing window: %w", err)
		}
		return ts.upsertBillingRecords(ctx, owner, records)
	})
}

func (s *Store) upsertBillingRecords(ctx context.Context, owner visit.OwnerID, records []visit.BillingRecord) error {
	for _, r := range records {
		warnings, err := json.Marshal(nonNilLabels(r.Warnings))
		if err != nil {
			return err
		}
		if r.DerivedAt.IsZero() {
			r.DerivedAt = time.Now()
		}
		_, err = s.exec(ctx, `
			INSERT INTO billing_records (owner_id, source_key, waypoint_id, client_label, contact_name,
				visit_type, visit_date, route_holder_name, status, amount_cents, warnings_json, derived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(owner_id, source_key) DO UPDATE SET
				client_label = excluded.client_label,
				contact_name = excluded.contact_name,
				visit_type = excluded.visit_type,
				visit_date = excluded.visit_date,
				route_holder_name = excluded.route_holder_name,
				status = excluded.status,
				amount_cents = excluded.amount_cents,
				warnings_json = excluded.warnings_json,
				derived_at = excluded.derived_at
		`, owner, r.SourceKey, r.WaypointID, r.ClientLabel, r.ContactName,
			r.VisitType, r.VisitDate.String(), r.RouteHolderName, r.Status, r.CalculatedAmount.Cents(),
			string(warnings), formatTime(r.DerivedAt))
		if err != nil {
			return fmt.Errorf("upsert billing record %s: %w", r.SourceKey, err)
		}
	}
	return nil
}

func (s *Store) ListBillingRecords(ctx context.Context, owner visit.OwnerID, r visit.DateRange) ([]visit.BillingRecord, error) {
	query := `
		SELECT owner_id, source_key, waypoint_id, client_label, contact_name, visit_type, visit_date,
			route_holder_name, status, amount_cents, warnings_json, derived_at
		FROM billing_records WHERE owner_id = ?`
	args := []any{owner}
	if !r.From.IsZero() {
		query += ` AND visit_date >= ?`
		args = append(args, r.From.String())
	}
	if !r.To.IsZero() {
		query += ` AND visit_date <= ?`
		args = append(args, r.To.String())
	}
	query += ` ORDER BY visit_date, source_key`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []visit.BillingRecord
	for rows.Next() {
		var rec visit.BillingRecord
		var visitDate, warnings, derivedAt string
		var amount int64
		if err := rows.Scan(&rec.OwnerID, &rec.SourceKey, &rec.WaypointID, &rec.ClientLabel, &rec.ContactName,
			&rec.VisitType, &visitDate, &rec.RouteHolderName, &rec.Status, &amount, &warnings, &derivedAt); err != nil {
			return nil, err
		}
		rec.VisitDate, _ = visit.ParseDate(visitDate)
		rec.CalculatedAmount = visit.Money(amount)
		if err := json.Unmarshal([]byte(warnings), &rec.Warnings); err != nil {
			return nil, fmt.Errorf("billing record %s warnings: %w", rec.SourceKey, err)
		}
		if len(rec.Warnings) == 0 {
			rec.Warnings = nil
		}
		rec.DerivedAt = parseTime(derivedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}
