package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/visit-engine/billing"
	"github.com/warp/visit-engine/visit"
)

// BillingSnapshot re-derives billing records for a trailing window and
// replaces the stored window with them. Re-running over the same window
// rewrites the same rows.
type BillingSnapshot struct {
	Store        visit.Store
	Deriver      *billing.Deriver
	LookbackDays int
	Logger       zerolog.Logger
	Now          func() time.Time
}

func NewBillingSnapshot(store visit.Store, lookbackDays int, logger zerolog.Logger) *BillingSnapshot {
	return &BillingSnapshot{
		Store:        store,
		Deriver:      billing.NewDeriver(store, logger),
		LookbackDays: lookbackDays,
		Logger:       logger.With().Str("component", "billing_snapshot").Logger(),
		Now:          time.Now,
	}
}

func (j *BillingSnapshot) Name() string { return JobBilling }

// Window is the date range the next run covers, ending today.
func (j *BillingSnapshot) Window() visit.DateRange {
	today := visit.DateOf(j.Now())
	return visit.DateRange{From: today.AddDays(-j.LookbackDays), To: today}
}

func (j *BillingSnapshot) RunOwner(ctx context.Context, owner visit.OwnerID) (int, error) {
	res, err := j.Deriver.Snapshot(ctx, j.Store, owner, j.Window())
	if err != nil {
		return 0, err
	}
	if len(res.Unattributed) > 0 {
		j.Logger.Warn().
			Str("owner_id", string(owner)).
			Int("unattributed", len(res.Unattributed)).
			Msg("visits excluded from billing snapshot")
	}
	return len(res.Records), nil
}
