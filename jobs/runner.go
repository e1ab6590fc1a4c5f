/*
runner.go - Cron scheduling of batch jobs

PURPOSE:
  Runs the batch jobs on their cron schedules (nightly by default) and on
  demand from the admin endpoint or the CLI.

DESIGN:
  - robfig/cron drives the schedules in the configured timezone
  - A job never overlaps itself: a second trigger while it runs is skipped
    (cron) or rejected with ErrConflict (RunNow)
  - Panics inside a scheduled run are recovered and logged by cron

USAGE:
  runner := jobs.NewRunner(batch, loc, logger)
  runner.Register("0 2 * * *", materializer)
  runner.Start()
  defer runner.Stop()

SEE ALSO:
  - batch.go: per-owner execution and run records
*/
package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/warp/visit-engine/visit"
)

type Runner struct {
	Batch  *Batch
	Logger zerolog.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
	running map[string]bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewRunner(batch *Batch, loc *time.Location, logger zerolog.Logger) *Runner {
	if loc == nil {
		loc = time.UTC
	}
	logger = logger.With().Str("component", "runner").Logger()
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		Batch:   batch,
		Logger:  logger,
		cron:    cron.New(cron.WithLocation(loc), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		jobs:    map[string]Job{},
		entries: map[string]cron.EntryID{},
		running: map[string]bool{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds a job. An empty spec registers it for RunNow only.
func (r *Runner) Register(spec string, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := job.Name()
	if _, dup := r.jobs[name]; dup {
		return fmt.Errorf("job %q already registered", name)
	}
	r.jobs[name] = job
	if spec == "" {
		return nil
	}

	id, err := r.cron.AddFunc(spec, func() {
		if _, err := r.RunNow(r.ctx, name); err != nil {
			r.Logger.Warn().Err(err).Str("job", name).Msg("scheduled run did not complete")
		}
	})
	if err != nil {
		delete(r.jobs, name)
		return &visit.ValidationError{Field: "schedule", Message: fmt.Sprintf("job %s: %v", name, err)}
	}
	r.entries[name] = id
	return nil
}

// Start begins firing scheduled jobs in the background.
func (r *Runner) Start() {
	r.cron.Start()
	r.Logger.Info().Strs("jobs", r.Jobs()).Msg("job runner started")
}

// Stop halts the schedule, cancels in-flight runs and waits for them. Runs
// cut short keep their checkpoint and resume on the next trigger.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.cancel()
	r.wg.Wait()
	r.Logger.Info().Msg("job runner stopped")
}

// RunNow executes the named job immediately and waits for it.
func (r *Runner) RunNow(ctx context.Context, name string) (*visit.JobRun, error) {
	r.mu.Lock()
	job, ok := r.jobs[name]
	if !ok {
		r.mu.Unlock()
		return nil, &visit.NotFoundError{Kind: "job", ID: name}
	}
	if r.running[name] {
		r.mu.Unlock()
		return nil, fmt.Errorf("job %s is already running: %w", name, visit.ErrConflict)
	}
	r.running[name] = true
	r.wg.Add(1)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.running, name)
		r.mu.Unlock()
		r.wg.Done()
	}()

	return r.Batch.Run(ctx, job)
}

// Jobs lists registered job names.
func (r *Runner) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.jobs))
	for n := range r.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NextRun returns when the named job fires next, zero if it has no schedule
// or the runner is not started.
func (r *Runner) NextRun(name string) time.Time {
	r.mu.Lock()
	id, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return r.cron.Entry(id).Next
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
