/*
materialize.go - Recurrence materialization

PURPOSE:
  Turns each contact's visit plan into concrete waypoints for the next
  horizon of days. Routes are found or created per (date, holder).

IDEMPOTENCY:
  Each materialized waypoint carries occurrence_key = contactID|date, unique
  per owner, so re-running over the same window inserts nothing. The contact's
  last_scheduled_date moves forward so a normal run only looks at new dates.

END AFTER N OCCURRENCES:
  The plan's counter is completed + outstanding, where outstanding counts
  materialized waypoints that have not settled yet. The expansion consumes
  one slot per emitted occurrence, so at most N waypoints ever exist.

SEE ALSO:
  - schedule/recurrence.go: Config.Upcoming
  - waypoint/machine.go: settles waypoints and increments the counter
*/
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/visit-engine/factory"
	"github.com/warp/visit-engine/schedule"
	"github.com/warp/visit-engine/visit"
)

type Materializer struct {
	Store       visit.Store
	Plans       *factory.ScheduleFactory
	HorizonDays int
	Logger      zerolog.Logger
	Now         func() time.Time
}

func NewMaterializer(store visit.Store, horizonDays int, logger zerolog.Logger) *Materializer {
	return &Materializer{
		Store:       store,
		Plans:       factory.NewScheduleFactory(),
		HorizonDays: horizonDays,
		Logger:      logger.With().Str("component", "materializer").Logger(),
		Now:         time.Now,
	}
}

func (m *Materializer) Name() string { return JobMaterialize }

// RunOwner materializes every scheduled contact of the owner. A contact that
// fails is logged and skipped; the joined error is returned once all
// contacts were tried.
func (m *Materializer) RunOwner(ctx context.Context, owner visit.OwnerID) (int, error) {
	contacts, err := m.Store.ListScheduledContacts(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("list scheduled contacts: %w", err)
	}

	created := 0
	var errs []error
	for _, c := range contacts {
		n, err := m.MaterializeContact(ctx, c)
		created += n
		if err != nil {
			m.Logger.Warn().Err(err).
				Str("owner_id", string(owner)).
				Str("contact_id", string(c.ID)).
				Msg("materialization failed for contact")
			errs = append(errs, fmt.Errorf("contact %s: %w", c.ID, err))
		}
	}
	return created, errors.Join(errs...)
}

// MaterializeContact creates the waypoints of one contact up to the horizon
// and returns how many were created.
func (m *Materializer) MaterializeContact(ctx context.Context, c visit.Contact) (int, error) {
	if c.Schedule == nil {
		return 0, nil
	}
	plan, err := m.Plans.FromRecord(*c.Schedule)
	if err != nil {
		return 0, err
	}

	today := visit.DateOf(m.Now())
	horizon := today.AddDays(m.HorizonDays)
	after := today.AddDays(-1)
	if !c.Schedule.LastScheduledDate.IsZero() {
		after = visit.MaxDate(c.Schedule.LastScheduledDate, after)
	}

	occurrences, stopType, budget, err := m.expand(ctx, c, plan, after, horizon)
	if err != nil {
		return 0, err
	}

	created := 0
	var last visit.Date
	for _, occ := range occurrences {
		if budget == 0 {
			break
		}
		ok, err := m.place(ctx, c, occ, stopType)
		if err != nil {
			return created, fmt.Errorf("materialize %s: %w", occ.Date, err)
		}
		if ok {
			created++
			if budget > 0 {
				budget--
			}
		}
		last = occ.Date
	}

	if !last.IsZero() {
		if err := m.Store.SetLastScheduledDate(ctx, c.OwnerID, c.ID, last); err != nil {
			return created, fmt.Errorf("set last scheduled date: %w", err)
		}
	}
	if created > 0 {
		m.Logger.Info().
			Str("owner_id", string(c.OwnerID)).
			Str("contact_id", string(c.ID)).
			Int("created", created).
			Str("through", last.String()).
			Msg("occurrences materialized")
	}
	return created, nil
}

// expand lists the occurrences from after through horizon. budget is how many
// new waypoints an EndAfterOccurrences plan may still create (-1: no limit).
// Occurrences already materialized come back from the scan again and are
// skipped by place without spending budget.
func (m *Materializer) expand(ctx context.Context, c visit.Contact, plan schedule.Plan, after, horizon visit.Date) ([]schedule.Occurrence, string, int, error) {
	stopType := c.StopType

	if plan.OneTime != nil {
		if plan.OneTime.StopType != "" {
			stopType = plan.OneTime.StopType
		}
		occ, err := plan.Next(after)
		if err != nil || occ.Ended || occ.Date.After(horizon) {
			return nil, stopType, -1, err
		}
		return []schedule.Occurrence{occ}, stopType, -1, nil
	}

	cfg := *plan.Recurring
	budget := -1
	if cfg.End.Kind == schedule.EndAfterOccurrences {
		outstanding, err := m.Store.CountOutstanding(ctx, c.OwnerID, c.ID)
		if err != nil {
			return nil, stopType, 0, fmt.Errorf("count outstanding: %w", err)
		}
		budget = max(cfg.End.Count-cfg.OccurrencesCompleted-outstanding, 0)
	}
	occurrences, err := cfg.Upcoming(after, horizon, 0)
	return occurrences, stopType, budget, err
}

// place inserts the waypoint for one occurrence. It reports false when the
// occurrence already exists.
func (m *Materializer) place(ctx context.Context, c visit.Contact, occ schedule.Occurrence, stopType string) (bool, error) {
	holder := occ.HolderID
	if holder == "" {
		holder = c.DefaultHolderID
	}

	err := m.Store.WithTx(ctx, func(tx visit.Tx) error {
		route, err := findOrCreateRoute(ctx, tx, c.OwnerID, occ.Date, holder)
		if err != nil {
			return err
		}
		position, err := tx.NextPosition(ctx, c.OwnerID, route.ID)
		if err != nil {
			return err
		}
		return tx.InsertWaypoint(ctx, visit.Waypoint{
			ID:       visit.WaypointID(uuid.New().String()),
			OwnerID:  c.OwnerID,
			RouteID:  route.ID,
			Position: position,
			Status:   visit.StatusPending,
			Stop: visit.ContactVisit{
				ContactID: c.ID,
				Name:      c.Name,
				Address:   c.Address,
				StopType:  stopType,
				StopColor: c.StopColor,
				Labels:    c.Labels,
			},
			OccurrenceKey: OccurrenceKey(c.ID, occ.Date),
		})
	})
	if errors.Is(err, visit.ErrDuplicateIdempotencyKey) {
		return false, nil
	}
	return err == nil, err
}

func findOrCreateRoute(ctx context.Context, tx visit.Tx, owner visit.OwnerID, date visit.Date, holder visit.HolderID) (*visit.Route, error) {
	route, err := tx.FindRoute(ctx, owner, date, holder)
	if err == nil {
		return route, nil
	}
	if !errors.Is(err, visit.ErrNotFound) {
		return nil, err
	}

	name := "Visits " + date.String()
	if holder != "" {
		h, err := tx.GetHolder(ctx, owner, holder)
		switch {
		case err == nil:
			name = h.Name + " " + date.String()
		case !errors.Is(err, visit.ErrNotFound):
			return nil, err
		}
	}

	route = &visit.Route{
		ID:            visit.RouteID(uuid.New().String()),
		OwnerID:       owner,
		Name:          name,
		ScheduledDate: date,
		HolderID:      holder,
	}
	if err := tx.SaveRoute(ctx, *route); err != nil {
		return nil, fmt.Errorf("create route: %w", err)
	}
	return route, nil
}

// OccurrenceKey identifies a materialized occurrence.
func OccurrenceKey(contact visit.ContactID, date visit.Date) string {
	return string(contact) + "|" + date.String()
}
