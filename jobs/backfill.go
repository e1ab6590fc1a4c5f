package jobs

import (
	"context"

	"github.com/warp/visit-engine/visit"
)

// HistoryBackfill writes ledger entries for waypoints that were rescheduled
// before the ledger existed.
type HistoryBackfill struct {
	Ledger *visit.DefaultLedger
}

func NewHistoryBackfill(store visit.LedgerStore) *HistoryBackfill {
	return &HistoryBackfill{Ledger: visit.NewLedger(store)}
}

func (j *HistoryBackfill) Name() string { return JobBackfill }

func (j *HistoryBackfill) RunOwner(ctx context.Context, owner visit.OwnerID) (int, error) {
	return j.Ledger.Backfill(ctx, owner)
}
