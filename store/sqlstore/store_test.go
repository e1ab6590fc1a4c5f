package sqlstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/visit-engine/store/sqlite"
	"github.com/warp/visit-engine/store/sqlstore"
	"github.com/warp/visit-engine/visit"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlstore.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedRoute(t *testing.T, s *sqlstore.Store, owner visit.OwnerID, id visit.RouteID, date string) visit.Route {
	t.Helper()
	r := visit.Route{ID: id, OwnerID: owner, Name: "Route " + string(id), ScheduledDate: visit.MustParseDate(date)}
	require.NoError(t, s.SaveRoute(context.Background(), r))
	return r
}

func seedContact(t *testing.T, s *sqlstore.Store, owner visit.OwnerID, id visit.ContactID) visit.Contact {
	t.Helper()
	c := visit.Contact{ID: id, OwnerID: owner, Name: "Contact " + string(id), Address: "1 Main St", Labels: []string{"acme"}}
	require.NoError(t, s.SaveContact(context.Background(), c))
	return c
}

func contactStop(c visit.Contact) visit.ContactVisit {
	return visit.ContactVisit{ContactID: c.ID, Name: c.Name, Address: c.Address, StopType: "service", Labels: c.Labels}
}

// =============================================================================
// CONTACTS & OWNER SCOPING
// =============================================================================

func TestContact_OwnerScoped(t *testing.T) {
	// GIVEN: A contact owned by owner-a
	// WHEN: owner-b reads it
	// THEN: It looks missing
	s := newTestStore(t)
	ctx := context.Background()
	seedContact(t, s, "owner-a", "c1")

	got, err := s.GetContact(ctx, "owner-a", "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, got.Labels)
	assert.Nil(t, got.Schedule)

	_, err = s.GetContact(ctx, "owner-b", "c1")
	assert.True(t, visit.IsNotFound(err))

	// owner-b cannot overwrite it either
	err = s.SaveContact(ctx, visit.Contact{ID: "c1", OwnerID: "owner-b", Name: "hijack"})
	assert.True(t, visit.IsNotFound(err))
}

func TestSchedule_CounterSurvivesConfigEdits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedContact(t, s, "o", "c1")

	require.NoError(t, s.SaveSchedule(ctx, "o", "c1", `{"repeat_interval_weeks":1}`))
	n, err := s.IncrementOccurrences(ctx, "o", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.SetLastScheduledDate(ctx, "o", "c1", visit.MustParseDate("2024-01-22")))

	require.NoError(t, s.SaveSchedule(ctx, "o", "c1", `{"repeat_interval_weeks":2}`))
	c, err := s.GetContact(ctx, "o", "c1")
	require.NoError(t, err)
	require.NotNil(t, c.Schedule)
	assert.Equal(t, 1, c.Schedule.OccurrencesCompleted)
	assert.Equal(t, `{"repeat_interval_weeks":2}`, c.Schedule.ConfigJSON)
	// A new plan is planned from scratch
	assert.True(t, c.Schedule.LastScheduledDate.IsZero())

	scheduled, err := s.ListScheduledContacts(ctx, "o")
	require.NoError(t, err)
	assert.Len(t, scheduled, 1)
}

func TestIncrementOccurrences_ConcurrentIncrementsAllCount(t *testing.T) {
	// GIVEN: 25 workers settling different waypoints of one recurrence
	// THEN: Every increment lands
	s := newTestStore(t)
	ctx := context.Background()
	seedContact(t, s, "o", "c1")
	require.NoError(t, s.SaveSchedule(ctx, "o", "c1", `{}`))

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementOccurrences(ctx, "o", "c1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c, err := s.GetContact(ctx, "o", "c1")
	require.NoError(t, err)
	assert.Equal(t, 25, c.Schedule.OccurrencesCompleted)
}

func TestIncrementOccurrences_UnknownContact(t *testing.T) {
	s := newTestStore(t)
	_, err := s.IncrementOccurrences(context.Background(), "o", "missing")
	assert.True(t, visit.IsNotFound(err))
}

// =============================================================================
// WAYPOINTS
// =============================================================================

func TestSaveSchedule_UnknownOrForeignContact(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedContact(t, s, "owner-a", "c1")

	err := s.SaveSchedule(ctx, "owner-a", "missing", `{"repeat_interval_weeks":1}`)
	assert.True(t, visit.IsNotFound(err))

	err = s.SaveSchedule(ctx, "owner-b", "c1", `{"repeat_interval_weeks":1}`)
	assert.True(t, visit.IsNotFound(err))
}

func TestWaypoint_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedContact(t, s, "o", "c1")
	seedRoute(t, s, "o", "r1", "2024-01-03")

	miles := decimal.RequireFromString("12.5")
	w := visit.Waypoint{
		ID: "w1", OwnerID: "o", RouteID: "r1", Stop: contactStop(c), Position: 1,
		DistanceMiles: &miles, DurationMinutes: 45, CalendarEventID: "evt-1",
	}
	require.NoError(t, s.InsertWaypoint(ctx, w))
	require.NoError(t, s.InsertWaypoint(ctx, visit.Waypoint{
		ID: "w2", OwnerID: "o", RouteID: "r1", Stop: visit.TimeGap{Label: "lunch", Minutes: 30}, Position: 2,
	}))

	got, err := s.GetWaypoint(ctx, "o", "w1")
	require.NoError(t, err)
	assert.Equal(t, visit.StatusPending, got.Status)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, visit.ContactID("c1"), got.ContactID())
	assert.True(t, miles.Equal(*got.DistanceMiles))
	assert.Equal(t, "evt-1", got.CalendarEventID)

	gap, err := s.GetWaypoint(ctx, "o", "w2")
	require.NoError(t, err)
	assert.Equal(t, visit.TimeGap{Label: "lunch", Minutes: 30}, gap.Stop)
	assert.Equal(t, visit.ContactID(""), gap.ContactID())

	next, err := s.NextPosition(ctx, "o", "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, next)
}

func TestUpdateWaypoint_StaleVersionRejected(t *testing.T) {
	// GIVEN: Two readers hold version 1
	// WHEN: Both write
	// THEN: The second write is rejected, not silently applied
	s := newTestStore(t)
	ctx := context.Background()
	c := seedContact(t, s, "o", "c1")
	seedRoute(t, s, "o", "r1", "2024-01-03")
	require.NoError(t, s.InsertWaypoint(ctx, visit.Waypoint{ID: "w1", OwnerID: "o", RouteID: "r1", Stop: contactStop(c), Position: 1}))

	a, err := s.GetWaypoint(ctx, "o", "w1")
	require.NoError(t, err)
	b := *a

	a.Status = visit.StatusInProgress
	require.NoError(t, s.UpdateWaypoint(ctx, *a))

	b.Status = visit.StatusMissed
	err = s.UpdateWaypoint(ctx, b)
	assert.ErrorIs(t, err, visit.ErrConcurrentModification)
	assert.True(t, visit.IsRetryable(err))

	got, err := s.GetWaypoint(ctx, "o", "w1")
	require.NoError(t, err)
	assert.Equal(t, visit.StatusInProgress, got.Status)
	assert.Equal(t, 2, got.Version)
}

func TestInsertWaypoint_DuplicateOccurrenceKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := seedContact(t, s, "o", "c1")
	seedRoute(t, s, "o", "r1", "2024-01-03")

	w := visit.Waypoint{ID: "w1", OwnerID: "o", RouteID: "r1", Stop: contactStop(c), Position: 1, OccurrenceKey: "c1|2024-01-03"}
	require.NoError(t, s.InsertWaypoint(ctx, w))

	w.ID = "w2"
	assert.ErrorIs(t, s.InsertWaypoint(ctx, w), visit.ErrDuplicateIdempotencyKey)

	n, err := s.CountOutstanding(ctx, "o", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedContact(t, s, "o", "c1")
	require.NoError(t, s.SaveSchedule(ctx, "o", "c1", `{}`))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx visit.Tx) error {
		if _, err := tx.IncrementOccurrences(ctx, "o", "c1"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	c, err := s.GetContact(ctx, "o", "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Schedule.OccurrencesCompleted)
}

// =============================================================================
// LEDGER
// =============================================================================

func entry(id visit.EntryID, wp visit.WaypointID, created time.Time) visit.RescheduleEntry {
	return visit.RescheduleEntry{
		ID: id, OwnerID: "o", WaypointID: wp, RouteID: "r1", RouteName: "Route r1",
		ContactName: "Contact", Address: "1 Main St", RescheduledDate: visit.MustParseDate("2024-02-01"),
		Status: visit.EntryPending, IdempotencyKey: string(id), CreatedAt: created,
	}
}

func TestLedger_NewestFirstAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendEntry(ctx, entry("e1", "w1", base)))
	require.NoError(t, s.AppendEntry(ctx, entry("e2", "w2", base.Add(time.Minute))))
	require.NoError(t, s.SettleEntry(ctx, "o", "e1", visit.EntryReMissed, nil, ""))

	all, err := s.ListEntries(ctx, "o", visit.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, visit.EntryID("e2"), all[0].ID)
	assert.Equal(t, visit.EntryID("e1"), all[1].ID)

	pending, err := s.ListEntries(ctx, "o", visit.EntryFilter{Status: visit.EntryPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, visit.EntryID("e2"), pending[0].ID)

	other, err := s.ListEntries(ctx, "someone-else", visit.EntryFilter{})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestLedger_TerminalEntriesAreFrozen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendEntry(ctx, entry("e1", "w1", time.Now())))

	done := time.Now()
	require.NoError(t, s.SettleEntry(ctx, "o", "e1", visit.EntryCompleted, &done, "all good"))

	err := s.SettleEntry(ctx, "o", "e1", visit.EntryCancelled, nil, "")
	assert.ErrorIs(t, err, visit.ErrConflict)

	_, err = s.PendingEntry(ctx, "o", "w1")
	assert.True(t, visit.IsNotFound(err))
}

func TestLedger_DuplicateKeyAndSinglePending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendEntry(ctx, entry("e1", "w1", time.Now())))

	dup := entry("e2", "w2", time.Now())
	dup.IdempotencyKey = "e1"
	assert.ErrorIs(t, s.AppendEntry(ctx, dup), visit.ErrDuplicateIdempotencyKey)

	// A second open entry for the same waypoint is refused
	assert.Error(t, s.AppendEntry(ctx, entry("e3", "w1", time.Now())))
}

func TestLedger_BackfillIsIdempotent(t *testing.T) {
	// GIVEN: Two waypoints rescheduled before the ledger existed
	// WHEN: Backfill runs twice
	// THEN: The first pass writes two entries, the second writes none
	s := newTestStore(t)
	ctx := context.Background()
	c := seedContact(t, s, "o", "c1")
	seedRoute(t, s, "o", "r1", "2024-01-03")

	done := time.Date(2024, 1, 12, 15, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertWaypoint(ctx, visit.Waypoint{
		ID: "w1", OwnerID: "o", RouteID: "r1", Stop: contactStop(c), Position: 1,
		Status: visit.StatusPending, RescheduledDate: visit.MustParseDate("2024-01-10"),
	}))
	require.NoError(t, s.InsertWaypoint(ctx, visit.Waypoint{
		ID: "w2", OwnerID: "o", RouteID: "r1", Stop: contactStop(c), Position: 2,
		Status: visit.StatusComplete, CompletedAt: &done, RescheduledDate: visit.MustParseDate("2024-01-12"),
	}))
	require.NoError(t, s.InsertWaypoint(ctx, visit.Waypoint{
		ID: "w3", OwnerID: "o", RouteID: "r1", Stop: contactStop(c), Position: 3,
	}))

	ledger := visit.NewLedger(s)

	n, err := ledger.Backfill(ctx, "o")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = ledger.Backfill(ctx, "o")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	entries, err := s.ListEntries(ctx, "o", visit.EntryFilter{WaypointID: "w2"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, visit.EntryCompleted, entries[0].Status)
	assert.Equal(t, "Route r1", entries[0].RouteName)
	assert.Equal(t, "2024-01-03", entries[0].OriginalDate.String())
}

// =============================================================================
// BILLING & JOBS
// =============================================================================

func TestBillingClients_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rate := visit.Money(3500)

	require.NoError(t, s.SaveBillingClient(ctx, visit.BillingClient{OwnerID: "o", Label: "acme", Model: visit.ModelHourly, Rate: &rate}))
	require.NoError(t, s.SaveBillingClient(ctx, visit.BillingClient{
		OwnerID: "o", Label: "acme", Model: visit.ModelFlatFee, BillMissedVisits: true,
		StopTypeRates: map[string]visit.Money{"inspection": 5000},
	}))

	clients, err := s.ListBillingClients(ctx, "o")
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, visit.ModelFlatFee, clients[0].Model)
	assert.Nil(t, clients[0].Rate)
	assert.True(t, clients[0].BillMissedVisits)
	assert.Equal(t, visit.Money(5000), clients[0].StopTypeRates["inspection"])
}

func TestBillingRecords_UpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := visit.BillingRecord{
		SourceKey: "w1", WaypointID: "w1", ClientLabel: "acme", ContactName: "C",
		VisitDate: visit.MustParseDate("2024-01-03"), Status: visit.BillingCompleted, CalculatedAmount: 2625,
	}
	require.NoError(t, s.UpsertBillingRecords(ctx, "o", []visit.BillingRecord{rec}))
	rec.CalculatedAmount = 5000
	rec.Warnings = []string{visit.WarnRateMissing}
	require.NoError(t, s.UpsertBillingRecords(ctx, "o", []visit.BillingRecord{rec}))

	got, err := s.ListBillingRecords(ctx, "o", visit.DateRange{From: visit.MustParseDate("2024-01-01"), To: visit.MustParseDate("2024-01-31")})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, visit.Money(5000), got[0].CalculatedAmount)
	assert.Equal(t, []string{visit.WarnRateMissing}, got[0].Warnings)

	none, err := s.ListBillingRecords(ctx, "o", visit.DateRange{From: visit.MustParseDate("2024-02-01")})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBillingRecords_ReplaceWindow(t *testing.T) {
	// GIVEN: Stored rows inside and outside a window
	// WHEN: The window is replaced with a different set
	// THEN: Stale rows inside the window are gone, rows outside are untouched
	s := newTestStore(t)
	ctx := context.Background()

	rec := func(key, date string, status visit.BillingStatus) visit.BillingRecord {
		return visit.BillingRecord{
			SourceKey: key, WaypointID: "w1", ClientLabel: "acme", ContactName: "C",
			VisitDate: visit.MustParseDate(date), Status: status, CalculatedAmount: 5000,
		}
	}
	require.NoError(t, s.UpsertBillingRecords(ctx, "o", []visit.BillingRecord{
		rec("w1", "2024-01-03", visit.BillingMissed),
		rec("w2", "2024-02-07", visit.BillingCompleted),
	}))

	january := visit.DateRange{From: visit.MustParseDate("2024-01-01"), To: visit.MustParseDate("2024-01-31")}
	require.NoError(t, s.ReplaceBillingRecords(ctx, "o", january, []visit.BillingRecord{
		rec("w1", "2024-01-03", visit.BillingRescheduled),
		rec("w1:e1", "2024-01-10", visit.BillingCompleted),
	}))

	got, err := s.ListBillingRecords(ctx, "o", visit.DateRange{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "w1", got[0].SourceKey)
	assert.Equal(t, visit.BillingRescheduled, got[0].Status)
	assert.Equal(t, "w1:e1", got[1].SourceKey)
	assert.Equal(t, "w2", got[2].SourceKey)

	require.NoError(t, s.ReplaceBillingRecords(ctx, "o", january, nil))
	got, err = s.ListBillingRecords(ctx, "o", visit.DateRange{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "w2", got[0].SourceKey)

	assert.ErrorIs(t, s.ReplaceBillingRecords(ctx, "", january, nil), visit.ErrOwnerRequired)
}

func TestOwnersAndCheckpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, o := range []visit.OwnerID{"owner-c", "owner-a", "owner-b"} {
		seedContact(t, s, o, visit.ContactID("contact-"+string(o)))
	}

	owners, err := s.ListOwners(ctx, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []visit.OwnerID{"owner-a", "owner-b"}, owners)

	owners, err = s.ListOwners(ctx, "owner-b", 10)
	require.NoError(t, err)
	assert.Equal(t, []visit.OwnerID{"owner-c"}, owners)

	cp, err := s.Checkpoint(ctx, "materialize")
	require.NoError(t, err)
	assert.Equal(t, visit.OwnerID(""), cp)

	require.NoError(t, s.SaveCheckpoint(ctx, "materialize", "owner-a"))
	cp, err = s.Checkpoint(ctx, "materialize")
	require.NoError(t, err)
	assert.Equal(t, visit.OwnerID("owner-a"), cp)
}

func TestJobRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Now()

	run := visit.JobRun{ID: "run-1", Job: "billing", Status: visit.JobRunning, StartedAt: start}
	require.NoError(t, s.SaveJobRun(ctx, run))

	finished := start.Add(time.Second)
	run.Status = visit.JobCompleted
	run.FinishedAt = &finished
	run.Processed = 3
	run.Failures = []visit.JobFailure{{OwnerID: "o2", Error: "boom"}}
	require.NoError(t, s.SaveJobRun(ctx, run))

	runs, err := s.ListJobRuns(ctx, "billing", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, visit.JobCompleted, runs[0].Status)
	assert.Equal(t, 3, runs[0].Processed)
	assert.Equal(t, run.Failures, runs[0].Failures)
}
