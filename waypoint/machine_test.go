package waypoint_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/visit-engine/events"
	"github.com/warp/visit-engine/factory"
	"github.com/warp/visit-engine/store/sqlite"
	"github.com/warp/visit-engine/store/sqlstore"
	"github.com/warp/visit-engine/visit"
	"github.com/warp/visit-engine/waypoint"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const owner = visit.OwnerID("owner-1")

var fieldDay = time.Date(2024, 1, 8, 16, 30, 0, 0, time.UTC)

type fixture struct {
	store   *sqlstore.Store
	machine *waypoint.Machine
	broker  *events.Broker
}

func newFixture(t *testing.T) *fixture {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	m := waypoint.NewMachine(store, broker, zerolog.Nop())
	m.Now = func() time.Time { return fieldDay }

	ctx := context.Background()
	require.NoError(t, store.SaveContact(ctx, visit.Contact{
		ID: "c1", OwnerID: owner, Name: "Ada's Bakery", Address: "12 Elm St", Labels: []string{"acme"},
	}))
	require.NoError(t, store.SaveRoute(ctx, visit.Route{
		ID: "r1", OwnerID: owner, Name: "Monday North", ScheduledDate: visit.MustParseDate("2024-01-08"),
	}))
	return &fixture{store: store, machine: m, broker: broker}
}

func (f *fixture) addStop(t *testing.T, id visit.WaypointID, position int) {
	t.Helper()
	require.NoError(t, f.store.InsertWaypoint(context.Background(), visit.Waypoint{
		ID: id, OwnerID: owner, RouteID: "r1", Position: position,
		Stop: visit.ContactVisit{ContactID: "c1", Name: "Ada's Bakery", Address: "12 Elm St", StopType: "service", Labels: []string{"acme"}},
	}))
}

func (f *fixture) schedule(t *testing.T, configJSON string) {
	t.Helper()
	require.NoError(t, f.store.SaveSchedule(context.Background(), owner, "c1", configJSON))
}

func (f *fixture) do(t *testing.T, id visit.WaypointID, action waypoint.Action, p waypoint.Payload) *waypoint.Result {
	t.Helper()
	res, err := f.machine.Transition(context.Background(), owner, id, action, p)
	require.NoError(t, err)
	return res
}

func (f *fixture) get(t *testing.T, id visit.WaypointID) *visit.Waypoint {
	t.Helper()
	w, err := f.store.GetWaypoint(context.Background(), owner, id)
	require.NoError(t, err)
	return w
}

func (f *fixture) counter(t *testing.T) int {
	t.Helper()
	c, err := f.store.GetContact(context.Background(), owner, "c1")
	require.NoError(t, err)
	require.NotNil(t, c.Schedule)
	return c.Schedule.OccurrencesCompleted
}

func miss(reason string) waypoint.Payload { return waypoint.Payload{MissedReason: reason} }

func rescheduleTo(date string) waypoint.Payload {
	return waypoint.Payload{RescheduledDate: visit.MustParseDate(date)}
}

// =============================================================================
// BASIC TRANSITIONS
// =============================================================================

func TestComplete_SetsCompletedAtAndOrder(t *testing.T) {
	f := newFixture(t)
	f.addStop(t, "w1", 1)
	f.addStop(t, "w2", 2)

	// w2 is done first in the field
	res := f.do(t, "w2", waypoint.ActionComplete, waypoint.Payload{ExecutionNotes: "left at door"})
	assert.Equal(t, visit.StatusComplete, res.Waypoint.Status)
	require.NotNil(t, res.Waypoint.CompletedAt)
	assert.Equal(t, fieldDay, *res.Waypoint.CompletedAt)
	assert.Equal(t, 1, *res.Waypoint.ExecutionOrder)
	assert.Nil(t, res.Entry)

	f.do(t, "w1", waypoint.ActionComplete, waypoint.Payload{})
	w1 := f.get(t, "w1")
	assert.Equal(t, 2, *w1.ExecutionOrder)
	assert.Equal(t, 2, w1.Version)
	assert.Equal(t, "left at door", f.get(t, "w2").ExecutionNotes)
}

func TestStartThenComplete(t *testing.T) {
	f := newFixture(t)
	f.addStop(t, "w1", 1)

	res := f.do(t, "w1", waypoint.ActionStart, waypoint.Payload{ExecutionOrder: intPtr(4)})
	assert.Equal(t, visit.StatusInProgress, res.Waypoint.Status)

	res = f.do(t, "w1", waypoint.ActionComplete, waypoint.Payload{})
	assert.Equal(t, visit.StatusComplete, res.Waypoint.Status)
	assert.Equal(t, 4, *res.Waypoint.ExecutionOrder)
}

func TestCompleteTwice_ConflictAndStateUnchanged(t *testing.T) {
	// GIVEN: A completed waypoint
	// WHEN: It is completed again
	// THEN: Conflict, and nothing about the waypoint changes
	f := newFixture(t)
	f.addStop(t, "w1", 1)
	f.do(t, "w1", waypoint.ActionComplete, waypoint.Payload{})
	before := f.get(t, "w1")

	_, err := f.machine.Transition(context.Background(), owner, "w1", waypoint.ActionComplete, waypoint.Payload{})
	var te *visit.TransitionError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, visit.ErrConflict)
	assert.Equal(t, visit.StatusComplete, te.From)

	assert.Equal(t, before, f.get(t, "w1"))
}

func TestIllegalTransitions(t *testing.T) {
	tests := []struct {
		name   string
		setup  []waypoint.Action
		action waypoint.Action
	}{
		{"reschedule pending", nil, waypoint.ActionReschedule},
		{"start in progress", []waypoint.Action{waypoint.ActionStart}, waypoint.ActionStart},
		{"complete missed", []waypoint.Action{waypoint.ActionMiss}, waypoint.ActionComplete},
		{"miss missed", []waypoint.Action{waypoint.ActionMiss}, waypoint.ActionMiss},
		{"cancel without pending reschedule", nil, waypoint.ActionCancel},
		{"reschedule complete", []waypoint.Action{waypoint.ActionComplete}, waypoint.ActionReschedule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.addStop(t, "w1", 1)
			p := waypoint.Payload{MissedReason: "closed", RescheduledDate: visit.MustParseDate("2024-01-15")}
			for _, a := range tt.setup {
				f.do(t, "w1", a, p)
			}

			_, err := f.machine.Transition(context.Background(), owner, "w1", tt.action, p)
			assert.ErrorIs(t, err, visit.ErrConflict)
		})
	}
}

func TestValidationErrors(t *testing.T) {
	f := newFixture(t)
	f.addStop(t, "w1", 1)
	ctx := context.Background()

	_, err := f.machine.Transition(ctx, owner, "w1", waypoint.ActionMiss, miss("   "))
	var ve *visit.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "missedReason", ve.Field)

	_, err = f.machine.Transition(ctx, owner, "w1", waypoint.ActionReschedule, waypoint.Payload{})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "rescheduledDate", ve.Field)

	_, err = f.machine.Transition(ctx, owner, "w1", waypoint.Action("teleport"), waypoint.Payload{})
	assert.ErrorIs(t, err, visit.ErrValidation)

	_, err = f.machine.Transition(ctx, owner, "w1", waypoint.ActionComplete, waypoint.Payload{ExecutionOrder: intPtr(0)})
	assert.ErrorIs(t, err, visit.ErrValidation)

	_, err = f.machine.Transition(ctx, "", "w1", waypoint.ActionComplete, waypoint.Payload{})
	assert.ErrorIs(t, err, visit.ErrOwnerRequired)

	assert.Equal(t, visit.StatusPending, f.get(t, "w1").Status)
}

func TestUnknownWaypointAndOtherOwner(t *testing.T) {
	f := newFixture(t)
	f.addStop(t, "w1", 1)

	_, err := f.machine.Transition(context.Background(), owner, "nope", waypoint.ActionComplete, waypoint.Payload{})
	assert.True(t, visit.IsNotFound(err))

	_, err = f.machine.Transition(context.Background(), "owner-2", "w1", waypoint.ActionComplete, waypoint.Payload{})
	assert.True(t, visit.IsNotFound(err))
}

func TestTimeGapHasNoStatus(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.InsertWaypoint(context.Background(), visit.Waypoint{
		ID: "gap", OwnerID: owner, RouteID: "r1", Position: 1, Stop: visit.TimeGap{Label: "lunch", Minutes: 30},
	}))

	_, err := f.machine.Transition(context.Background(), owner, "gap", waypoint.ActionComplete, waypoint.Payload{})
	assert.ErrorIs(t, err, visit.ErrConflict)
}

// =============================================================================
// RESCHEDULE LEDGER FLOW
// =============================================================================

func TestMissRescheduleMissReschedule_TwoEntries(t *testing.T) {
	// GIVEN: A waypoint missed, rescheduled, missed again, rescheduled again
	// THEN: Two entries, newest first: pending then re_missed
	f := newFixture(t)
	f.addStop(t, "w1", 1)
	ctx := context.Background()

	res := f.do(t, "w1", waypoint.ActionMiss, miss("gate locked"))
	assert.True(t, res.Waypoint.NeedsReschedule)
	assert.Nil(t, res.Entry)

	res = f.do(t, "w1", waypoint.ActionReschedule, rescheduleTo("2024-01-10"))
	assert.Equal(t, visit.StatusPending, res.Waypoint.Status)
	assert.False(t, res.Waypoint.NeedsReschedule)
	assert.Equal(t, "2024-01-10", res.Waypoint.RescheduledDate.String())
	require.NotNil(t, res.Entry)
	assert.Equal(t, visit.EntryPending, res.Entry.Status)
	assert.Equal(t, "Monday North", res.Entry.RouteName)
	assert.Equal(t, "gate locked", res.Entry.MissedReason)
	assert.Equal(t, "2024-01-08", res.Entry.OriginalDate.String())

	res = f.do(t, "w1", waypoint.ActionMiss, miss("dog"))
	require.NotNil(t, res.Entry)
	assert.Equal(t, visit.EntryReMissed, res.Entry.Status)
	assert.True(t, res.Waypoint.NeedsReschedule)

	f.do(t, "w1", waypoint.ActionReschedule, rescheduleTo("2024-01-17"))

	entries, err := visit.NewLedger(f.store).History(ctx, owner, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, visit.EntryPending, entries[0].Status)
	assert.Equal(t, "2024-01-17", entries[0].RescheduledDate.String())
	assert.Equal(t, visit.EntryReMissed, entries[1].Status)
	assert.NotEqual(t, entries[0].IdempotencyKey, entries[1].IdempotencyKey)
}

func TestRescheduleThenComplete_SettlesEntry(t *testing.T) {
	f := newFixture(t)
	f.addStop(t, "w1", 1)

	f.do(t, "w1", waypoint.ActionMiss, miss("closed"))
	f.do(t, "w1", waypoint.ActionReschedule, rescheduleTo("2024-01-10"))
	res := f.do(t, "w1", waypoint.ActionComplete, waypoint.Payload{ExecutionNotes: "done on retry"})

	require.NotNil(t, res.Entry)
	assert.Equal(t, visit.EntryCompleted, res.Entry.Status)
	require.NotNil(t, res.Entry.CompletedAt)
	assert.Equal(t, fieldDay, *res.Entry.CompletedAt)
	assert.Equal(t, "done on retry", res.Entry.Notes)

	// completed entries are frozen
	_, err := f.store.PendingEntry(context.Background(), owner, "w1")
	assert.True(t, visit.IsNotFound(err))
}

func TestCancelPendingReschedule(t *testing.T) {
	// GIVEN: A rescheduled waypoint
	// WHEN: The operator cancels the reschedule
	// THEN: Entry cancelled, waypoint missed with nothing left to reschedule
	f := newFixture(t)
	f.addStop(t, "w1", 1)

	f.do(t, "w1", waypoint.ActionMiss, miss("closed"))
	f.do(t, "w1", waypoint.ActionReschedule, rescheduleTo("2024-01-10"))
	res := f.do(t, "w1", waypoint.ActionCancel, waypoint.Payload{Notes: "client paused service"})

	assert.Equal(t, visit.StatusMissed, res.Waypoint.Status)
	assert.False(t, res.Waypoint.NeedsReschedule)
	assert.True(t, res.Waypoint.RescheduledDate.IsZero())
	require.NotNil(t, res.Entry)
	assert.Equal(t, visit.EntryCancelled, res.Entry.Status)
	assert.Equal(t, "client paused service", res.Entry.Notes)

	stored := f.get(t, "w1")
	assert.True(t, stored.RescheduledDate.IsZero())
	assert.Empty(t, waypoint.AvailableActions(*stored, false))
}

func TestRescheduleSnapshotsLiveNames(t *testing.T) {
	// GIVEN: The contact was renamed after the route was built
	// WHEN: The waypoint is rescheduled, then the contact is renamed again
	// THEN: The entry keeps the name at reschedule time
	f := newFixture(t)
	f.addStop(t, "w1", 1)
	ctx := context.Background()

	require.NoError(t, f.store.SaveContact(ctx, visit.Contact{ID: "c1", OwnerID: owner, Name: "Ada's Bakery & Cafe", Address: "14 Elm St"}))
	f.do(t, "w1", waypoint.ActionMiss, miss("closed"))
	f.do(t, "w1", waypoint.ActionReschedule, rescheduleTo("2024-01-10"))
	require.NoError(t, f.store.SaveContact(ctx, visit.Contact{ID: "c1", OwnerID: owner, Name: "Renamed Later"}))

	entries, err := f.store.ListEntries(ctx, owner, visit.EntryFilter{WaypointID: "w1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Ada's Bakery & Cafe", entries[0].ContactName)
	assert.Equal(t, "14 Elm St", entries[0].Address)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestStaleExpectedVersion(t *testing.T) {
	// GIVEN: Two devices load the waypoint at version 1
	// WHEN: One completes it, the other then misses it with version 1
	// THEN: The second is rejected as a concurrent modification
	f := newFixture(t)
	f.addStop(t, "w1", 1)

	v1 := 1
	f.do(t, "w1", waypoint.ActionComplete, waypoint.Payload{ExpectedVersion: &v1})

	_, err := f.machine.Transition(context.Background(), owner, "w1", waypoint.ActionMiss,
		waypoint.Payload{MissedReason: "closed", ExpectedVersion: &v1})
	assert.ErrorIs(t, err, visit.ErrConcurrentModification)
	assert.True(t, visit.IsRetryable(err))
	assert.Equal(t, visit.StatusComplete, f.get(t, "w1").Status)
}

// =============================================================================
// OCCURRENCE COUNTER
// =============================================================================

func TestCounter_IncrementsOncePerWaypoint(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, `{"repeat_interval_weeks":1,"repeat_days":[{"day":"monday"}],"schedule_start":"2024-01-01"}`)
	f.addStop(t, "w1", 1)

	res := f.do(t, "w1", waypoint.ActionMiss, miss("closed"))
	require.NotNil(t, res.Occurrences)
	assert.Equal(t, 1, *res.Occurrences)
	assert.True(t, res.Waypoint.OccurrenceCounted)

	f.do(t, "w1", waypoint.ActionReschedule, rescheduleTo("2024-01-10"))
	res = f.do(t, "w1", waypoint.ActionComplete, waypoint.Payload{})
	assert.Nil(t, res.Occurrences)

	assert.Equal(t, 1, f.counter(t))
}

func TestCounter_NoScheduleNoCount(t *testing.T) {
	f := newFixture(t)
	f.addStop(t, "w1", 1)

	res := f.do(t, "w1", waypoint.ActionComplete, waypoint.Payload{})
	assert.Nil(t, res.Occurrences)
	assert.False(t, res.Waypoint.OccurrenceCounted)
}

func TestCounter_EndAfterThreeStopsRecurrence(t *testing.T) {
	// GIVEN: Weekly Monday visits ending after 3 occurrences
	// WHEN: Three visits settle (two complete, one missed)
	// THEN: The next occurrence is ended
	f := newFixture(t)
	f.schedule(t, `{"repeat_interval_weeks":1,"repeat_days":[{"day":"monday"}],"schedule_start":"2024-01-01",
		"end_policy":{"kind":"after_occurrences","count":3}}`)
	for i, id := range []visit.WaypointID{"w1", "w2", "w3"} {
		f.addStop(t, id, i+1)
	}
	plans := factory.NewScheduleFactory()

	contact, err := f.store.GetContact(context.Background(), owner, "c1")
	require.NoError(t, err)
	plan, err := plans.FromRecord(*contact.Schedule)
	require.NoError(t, err)
	occ, err := plan.Next(visit.MustParseDate("2024-01-14"))
	require.NoError(t, err)
	assert.Equal(t, "2024-01-15", occ.Date.String())

	f.do(t, "w1", waypoint.ActionComplete, waypoint.Payload{})
	f.do(t, "w2", waypoint.ActionMiss, miss("closed"))
	f.do(t, "w3", waypoint.ActionComplete, waypoint.Payload{})
	assert.Equal(t, 3, f.counter(t))

	contact, err = f.store.GetContact(context.Background(), owner, "c1")
	require.NoError(t, err)
	plan, err = plans.FromRecord(*contact.Schedule)
	require.NoError(t, err)
	occ, err = plan.Next(visit.MustParseDate("2024-01-14"))
	require.NoError(t, err)
	assert.True(t, occ.Ended)
}

// =============================================================================
// EVENTS & AVAILABLE ACTIONS
// =============================================================================

func TestTransitionPublishesRouteEvent(t *testing.T) {
	f := newFixture(t)
	f.addStop(t, "w1", 1)
	ch := f.broker.Subscribe("r1")
	defer f.broker.Unsubscribe("r1", ch)

	f.do(t, "w1", waypoint.ActionMiss, miss("closed"))

	select {
	case evt := <-ch:
		assert.Equal(t, "waypoint.miss", evt.Type)
		assert.Equal(t, "w1", evt.Data["waypoint_id"])
		assert.Equal(t, "missed", evt.Data["status"])
		assert.Equal(t, true, evt.Data["needs_reschedule"])
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestRejectedTransitionPublishesNothing(t *testing.T) {
	f := newFixture(t)
	f.addStop(t, "w1", 1)
	ch := f.broker.Subscribe("r1")
	defer f.broker.Unsubscribe("r1", ch)

	_, err := f.machine.Transition(context.Background(), owner, "w1", waypoint.ActionReschedule, rescheduleTo("2024-01-10"))
	require.Error(t, err)
	assert.Len(t, ch, 0)
}

func TestAvailableActions(t *testing.T) {
	stop := visit.ContactVisit{ContactID: "c1"}
	pending := visit.Waypoint{Stop: stop, Status: visit.StatusPending}
	missed := visit.Waypoint{Stop: stop, Status: visit.StatusMissed, NeedsReschedule: true}
	done := visit.Waypoint{Stop: stop, Status: visit.StatusComplete}
	gap := visit.Waypoint{Stop: visit.TimeGap{Minutes: 15}, Status: visit.StatusPending}

	assert.Equal(t, []waypoint.Action{waypoint.ActionStart, waypoint.ActionComplete, waypoint.ActionMiss}, waypoint.AvailableActions(pending, false))
	assert.Contains(t, waypoint.AvailableActions(pending, true), waypoint.ActionCancel)
	assert.Equal(t, []waypoint.Action{waypoint.ActionReschedule}, waypoint.AvailableActions(missed, false))
	assert.Empty(t, waypoint.AvailableActions(done, false))
	assert.Empty(t, waypoint.AvailableActions(gap, false))
}

func intPtr(n int) *int { return &n }
