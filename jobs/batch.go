/*
batch.go - Resumable per-owner batch execution

PURPOSE:
  Every batch job in this package walks all owners and does some work for
  each one. Batch owns the walk: it pages through owners in id order, picks
  up after the last checkpoint when a previous run was interrupted, isolates
  a failing owner so the rest still run, and writes a job_runs audit row.

DESIGN:
  - A Job only knows how to process one owner (RunOwner)
  - The checkpoint is saved after every owner, and cleared after a full pass
  - A cancelled context stops the walk; the checkpoint stays so the next run
    resumes from the following owner
  - Per-owner errors are collected into JobRun.Failures, never returned

SEE ALSO:
  - runner.go: cron scheduling of jobs
  - materialize.go, billing_run.go, backfill.go: the jobs
*/
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/visit-engine/metrics"
	"github.com/warp/visit-engine/tracing"
	"github.com/warp/visit-engine/visit"
)

// Job names accepted by the runner and the admin endpoint.
const (
	JobMaterialize = "materialize"
	JobBilling     = "billing"
	JobBackfill    = "backfill"
)

// Job processes one owner and reports how many units it produced.
type Job interface {
	Name() string
	RunOwner(ctx context.Context, owner visit.OwnerID) (int, error)
}

// Batch runs a Job across every owner.
type Batch struct {
	Store    visit.JobStore
	Logger   zerolog.Logger
	PageSize int
	Now      func() time.Time
}

func NewBatch(store visit.JobStore, pageSize int, logger zerolog.Logger) *Batch {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Batch{
		Store:    store,
		Logger:   logger.With().Str("component", "jobs").Logger(),
		PageSize: pageSize,
		Now:      time.Now,
	}
}

// Run executes job for every owner after the stored checkpoint. The returned
// run is always non-nil once the run record was written; err is only set for
// failures of the walk itself (store errors, cancellation).
func (b *Batch) Run(ctx context.Context, job Job) (run *visit.JobRun, err error) {
	name := job.Name()
	run = &visit.JobRun{
		ID:        uuid.New().String(),
		Job:       name,
		Status:    visit.JobRunning,
		StartedAt: b.Now().UTC(),
	}
	if err := b.Store.SaveJobRun(ctx, *run); err != nil {
		return nil, fmt.Errorf("save job run: %w", err)
	}

	ctx, span := tracing.StartJobSpan(ctx, name, run.ID)
	log := b.Logger.With().Str("job", name).Str("run_id", run.ID).Logger()

	defer func() {
		finished := b.Now().UTC()
		run.FinishedAt = &finished
		if err != nil {
			run.Status = visit.JobFailed
			run.Error = err.Error()
		} else {
			run.Status = visit.JobCompleted
		}
		span.SetAttributes(
			tracing.AttrProcessed.Int(run.Processed),
			tracing.AttrFailures.Int(len(run.Failures)),
		)
		tracing.End(span, err)
		metrics.RecordJobRun(name, string(run.Status), len(run.Failures), finished.Sub(run.StartedAt))

		// The audit row is written even when the walk was cancelled.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if serr := b.Store.SaveJobRun(saveCtx, *run); serr != nil {
			log.Error().Err(serr).Msg("failed to save job run")
		}

		log.Info().
			Str("status", string(run.Status)).
			Int("processed", run.Processed).
			Int("failures", len(run.Failures)).
			Dur("duration", finished.Sub(run.StartedAt)).
			Msg("job run finished")
	}()

	cursor, err := b.Store.Checkpoint(ctx, name)
	if err != nil {
		return run, fmt.Errorf("load checkpoint: %w", err)
	}
	if cursor != "" {
		log.Info().Str("after_owner", string(cursor)).Msg("resuming from checkpoint")
	}

	for {
		if err := ctx.Err(); err != nil {
			return run, err
		}
		owners, err := b.Store.ListOwners(ctx, cursor, b.PageSize)
		if err != nil {
			return run, fmt.Errorf("list owners: %w", err)
		}

		for _, owner := range owners {
			if err := ctx.Err(); err != nil {
				return run, err
			}

			n, err := job.RunOwner(ctx, owner)
			run.Processed += n
			if err != nil {
				run.Failures = append(run.Failures, visit.JobFailure{OwnerID: owner, Error: err.Error()})
				log.Warn().Err(err).Str("owner_id", string(owner)).Msg("owner failed, continuing")
			}

			// The owner finished, so its progress is kept even when ctx was
			// cancelled meanwhile.
			if err := b.Store.SaveCheckpoint(context.WithoutCancel(ctx), name, owner); err != nil {
				return run, fmt.Errorf("save checkpoint: %w", err)
			}
			cursor = owner
		}

		if len(owners) < b.PageSize {
			break
		}
	}

	// Full pass done, next run starts from the first owner.
	if err := b.Store.SaveCheckpoint(ctx, name, ""); err != nil {
		return run, fmt.Errorf("reset checkpoint: %w", err)
	}
	return run, nil
}
