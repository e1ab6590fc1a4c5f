package schedule_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/visit-engine/schedule"
	"github.com/warp/visit-engine/visit"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func date(s string) visit.Date { return visit.MustParseDate(s) }

func days(wds ...time.Weekday) []schedule.DayAssignment {
	out := make([]schedule.DayAssignment, 0, len(wds))
	for _, wd := range wds {
		out = append(out, schedule.DayAssignment{Weekday: wd})
	}
	return out
}

func mustNext(t *testing.T, cfg schedule.Config, after string) schedule.Occurrence {
	t.Helper()
	occ, err := cfg.Next(date(after))
	require.NoError(t, err)
	return occ
}

// =============================================================================
// CADENCE
// =============================================================================

func TestNext_WeeklyMonday_AlwaysFollowingMonday(t *testing.T) {
	// GIVEN: Weekly on Mondays since early 2023
	// WHEN: Asking for the next occurrence after every day of Q1 2024
	// THEN: The answer is always a Monday, strictly after, at most 7 days later

	cfg := schedule.Config{
		IntervalWeeks: 1,
		Days:          days(time.Monday),
		Start:         date("2023-01-02"),
		End:           schedule.Never(),
	}

	for d := date("2024-01-01"); d.Before(date("2024-04-01")); d = d.AddDays(1) {
		occ, err := cfg.Next(d)
		require.NoError(t, err)
		require.False(t, occ.Ended)
		assert.Equal(t, time.Monday, occ.Date.Weekday(), "after %s", d)
		assert.True(t, occ.Date.After(d), "after %s", d)
		assert.LessOrEqual(t, visit.DaysBetween(d, occ.Date), 7, "after %s", d)
	}
}

func TestNext_ExclusiveOfAfter(t *testing.T) {
	// GIVEN: Weekly on Mondays; 2024-01-08 is a Monday
	// WHEN: Asking for the next occurrence after that Monday
	// THEN: The following Monday is returned, not the same day

	cfg := schedule.Config{IntervalWeeks: 1, Days: days(time.Monday), Start: date("2024-01-01"), End: schedule.Never()}

	occ := mustNext(t, cfg, "2024-01-08")
	assert.Equal(t, "2024-01-15", occ.Date.String())
}

func TestNext_Biweekly_FourteenDaysApart(t *testing.T) {
	// GIVEN: Every 2 weeks on Wednesday starting 2024-01-03
	// WHEN: Chaining two calls seeded from the schedule start
	// THEN: The dates are exactly 14 days apart

	cfg := schedule.Config{IntervalWeeks: 2, Days: days(time.Wednesday), Start: date("2024-01-03"), End: schedule.Never()}

	first := mustNext(t, cfg, "2024-01-02")
	second := mustNext(t, cfg, first.Date.String())

	assert.Equal(t, "2024-01-03", first.Date.String())
	assert.Equal(t, 14, visit.DaysBetween(first.Date, second.Date))
}

func TestNext_WeeksAnchoredOnStartNotCalendarWeek(t *testing.T) {
	// GIVEN: Every 2 weeks on Monday, anchored on Wednesday 2024-01-03
	// WHEN: Walking forward
	// THEN: Mondays 5 and 19 days after start qualify, 12 days after does not

	cfg := schedule.Config{IntervalWeeks: 2, Days: days(time.Monday), Start: date("2024-01-03"), End: schedule.Never()}

	first := mustNext(t, cfg, "2024-01-03")
	second := mustNext(t, cfg, first.Date.String())

	assert.Equal(t, "2024-01-08", first.Date.String())
	assert.Equal(t, "2024-01-22", second.Date.String())
}

func TestNext_AllDaysWeekly_EveryDay(t *testing.T) {
	cfg := schedule.Config{
		IntervalWeeks: 1,
		Days:          days(time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday),
		Start:         date("2024-01-01"),
		End:           schedule.Never(),
	}

	cursor := date("2024-01-01")
	for i := 0; i < 30; i++ {
		occ := mustNext(t, cfg, cursor.String())
		assert.Equal(t, cursor.AddDays(1), occ.Date)
		cursor = occ.Date
	}
}

func TestNext_BeforeStart_ReturnsFirstEligibleFromStart(t *testing.T) {
	cfg := schedule.Config{IntervalWeeks: 3, Days: days(time.Friday), Start: date("2024-02-01"), End: schedule.Never()}

	occ := mustNext(t, cfg, "2023-06-01")
	assert.Equal(t, "2024-02-02", occ.Date.String())
}

func TestNext_ReturnsAssignedHolder(t *testing.T) {
	// GIVEN: Tuesdays covered by holder-a, Thursdays by holder-b
	cfg := schedule.Config{
		IntervalWeeks: 1,
		Days: []schedule.DayAssignment{
			{Weekday: time.Tuesday, HolderID: "holder-a"},
			{Weekday: time.Thursday, HolderID: "holder-b"},
		},
		Start: date("2024-01-01"),
		End:   schedule.Never(),
	}

	tue := mustNext(t, cfg, "2024-01-01")
	thu := mustNext(t, cfg, tue.Date.String())

	assert.Equal(t, visit.HolderID("holder-a"), tue.HolderID)
	assert.Equal(t, visit.HolderID("holder-b"), thu.HolderID)
	assert.Equal(t, "2024-01-04", thu.Date.String())
}

// =============================================================================
// TERMINATION
// =============================================================================

func TestNext_EndAfterOccurrences_EndsAtCount(t *testing.T) {
	// GIVEN: Ends after 3 occurrences and the counter already reached 3
	// THEN: Next reports Ended
	cfg := schedule.Config{IntervalWeeks: 1, Days: days(time.Monday), Start: date("2024-01-01"), End: schedule.EndAfter(3)}

	cfg.OccurrencesCompleted = 2
	assert.False(t, mustNext(t, cfg, "2024-01-20").Ended)

	cfg.OccurrencesCompleted = 3
	assert.True(t, mustNext(t, cfg, "2024-01-20").Ended)
}

func TestNext_EndAfterTwo_Scenario(t *testing.T) {
	// GIVEN: Weekly Wednesday from 2024-01-03, ends after 2 occurrences
	cfg := schedule.Config{IntervalWeeks: 1, Days: days(time.Wednesday), Start: date("2024-01-03"), End: schedule.EndAfter(2)}

	// WHEN/THEN: first occurrence is the start date
	assert.Equal(t, "2024-01-03", mustNext(t, cfg, "2024-01-01").Date.String())

	// WHEN/THEN: after settling it, the following Wednesday
	cfg.OccurrencesCompleted = 1
	assert.Equal(t, "2024-01-10", mustNext(t, cfg, "2024-01-03").Date.String())

	// WHEN/THEN: after settling the second, the recurrence has ended
	cfg.OccurrencesCompleted = 2
	assert.True(t, mustNext(t, cfg, "2024-01-10").Ended)
}

func TestNext_EndOnDate(t *testing.T) {
	cfg := schedule.Config{IntervalWeeks: 1, Days: days(time.Monday), Start: date("2024-01-01"), End: schedule.EndOn(date("2024-01-17"))}

	// Candidate 2024-01-15 is on or before the end date
	assert.Equal(t, "2024-01-15", mustNext(t, cfg, "2024-01-10").Date.String())

	// Candidate 2024-01-22 exceeds the end date
	assert.True(t, mustNext(t, cfg, "2024-01-15").Ended)

	// after >= end date ends immediately
	assert.True(t, mustNext(t, cfg, "2024-01-17").Ended)
	assert.True(t, mustNext(t, cfg, "2024-02-01").Ended)
}

func TestNext_EndOnDate_CandidateOnEndDateIncluded(t *testing.T) {
	cfg := schedule.Config{IntervalWeeks: 1, Days: days(time.Monday), Start: date("2024-01-01"), End: schedule.EndOn(date("2024-01-15"))}

	assert.Equal(t, "2024-01-15", mustNext(t, cfg, "2024-01-09").Date.String())
}

func TestNext_EmptyDays_Ended(t *testing.T) {
	// GIVEN: All days deselected
	// THEN: Ended immediately, no scan
	cfg := schedule.Config{IntervalWeeks: 1, Start: date("2024-01-01"), End: schedule.Never()}

	assert.True(t, mustNext(t, cfg, "2024-01-01").Ended)
}

func TestNext_InvalidStoredConfig_ConsistencyError(t *testing.T) {
	// GIVEN: A zero interval slipped past write-time validation
	// THEN: Next fails with a non-retryable consistency error
	cfg := schedule.Config{IntervalWeeks: 0, Days: days(time.Monday), Start: date("2024-01-01"), End: schedule.Never()}

	_, err := cfg.Next(date("2024-01-01"))

	require.Error(t, err)
	var ce *visit.ConsistencyError
	assert.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, visit.ErrInvalidConfig)
	assert.False(t, visit.IsRetryable(err))
}

// =============================================================================
// EXPANSION & PLANS
// =============================================================================

func TestUpcoming_StopsAtHorizon(t *testing.T) {
	cfg := schedule.Config{IntervalWeeks: 1, Days: days(time.Monday, time.Thursday), Start: date("2024-01-01"), End: schedule.Never()}

	occs, err := cfg.Upcoming(date("2023-12-31"), date("2024-01-14"), 0)
	require.NoError(t, err)

	var got []string
	for _, o := range occs {
		got = append(got, o.Date.String())
	}
	assert.Equal(t, []string{"2024-01-01", "2024-01-04", "2024-01-08", "2024-01-11"}, got)
}

func TestUpcoming_ConsumesOccurrenceBudget(t *testing.T) {
	// GIVEN: Ends after 3 and one occurrence is already counted
	// THEN: Only two more are expanded even with a long horizon
	cfg := schedule.Config{IntervalWeeks: 1, Days: days(time.Monday), Start: date("2024-01-01"), End: schedule.EndAfter(3), OccurrencesCompleted: 1}

	occs, err := cfg.Upcoming(date("2024-01-01"), date("2024-06-01"), 0)
	require.NoError(t, err)
	assert.Len(t, occs, 2)
}

func TestPlan_OneTimeVisit(t *testing.T) {
	plan := schedule.Plan{OneTime: &schedule.OneTimeVisit{Date: date("2024-03-05"), HolderID: "holder-x"}}

	occ, err := plan.Next(date("2024-03-01"))
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05", occ.Date.String())
	assert.Equal(t, visit.HolderID("holder-x"), occ.HolderID)

	occ, err = plan.Next(date("2024-03-05"))
	require.NoError(t, err)
	assert.True(t, occ.Ended)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidate(t *testing.T) {
	valid := schedule.Config{IntervalWeeks: 1, Days: days(time.Monday), Start: date("2024-01-01"), End: schedule.Never()}

	tests := []struct {
		name   string
		mutate func(c *schedule.Config)
		field  string
	}{
		{"valid", func(c *schedule.Config) {}, ""},
		{"zero interval", func(c *schedule.Config) { c.IntervalWeeks = 0 }, "repeatIntervalWeeks"},
		{"missing start", func(c *schedule.Config) { c.Start = visit.Date{} }, "scheduleStart"},
		{"duplicate day", func(c *schedule.Config) { c.Days = days(time.Monday, time.Monday) }, "repeatDays"},
		{"bad weekday", func(c *schedule.Config) { c.Days = days(time.Weekday(9)) }, "repeatDays"},
		{"empty days allowed", func(c *schedule.Config) { c.Days = nil }, ""},
		{"end date before start", func(c *schedule.Config) { c.End = schedule.EndOn(date("2023-12-01")) }, "endPolicy.date"},
		{"end date missing", func(c *schedule.Config) { c.End = schedule.EndPolicy{Kind: schedule.EndOnDate} }, "endPolicy.date"},
		{"zero count", func(c *schedule.Config) { c.End = schedule.EndAfter(0) }, "endPolicy.count"},
		{"unknown kind", func(c *schedule.Config) { c.End = schedule.EndPolicy{Kind: "sometimes"} }, "endPolicy.kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *visit.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.ErrorIs(t, err, visit.ErrValidation)
		})
	}
}

func TestPlanValidate_ExactlyOneForm(t *testing.T) {
	rec := &schedule.Config{IntervalWeeks: 1, Days: days(time.Monday), Start: date("2024-01-01"), End: schedule.Never()}
	one := &schedule.OneTimeVisit{Date: date("2024-01-05")}

	assert.NoError(t, schedule.Plan{Recurring: rec}.Validate())
	assert.NoError(t, schedule.Plan{OneTime: one}.Validate())
	assert.ErrorIs(t, schedule.Plan{Recurring: rec, OneTime: one}.Validate(), visit.ErrValidation)
	assert.ErrorIs(t, schedule.Plan{}.Validate(), visit.ErrValidation)
	assert.ErrorIs(t, schedule.Plan{OneTime: &schedule.OneTimeVisit{}}.Validate(), visit.ErrValidation)
}
