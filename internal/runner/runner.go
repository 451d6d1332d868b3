// Package runner executes pipelines in the background.
//
// Each submitted pipeline runs on its own goroutine; a weighted semaphore
// bounds how many run at once. Runs outlive the request that submitted them
// and are tracked in memory until evicted by the retention limit.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/zps-zest/zest/internal/pipeline"
	"github.com/zps-zest/zest/internal/telemetry"
	"github.com/zps-zest/zest/pkg/contracts"
	"github.com/zps-zest/zest/pkg/models"
)

const (
	DefaultMaxConcurrent = 4
	DefaultRetention     = 200
)

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = errors.New("run not found")

// OutputFunc extracts the user-facing results from a finished context.
type OutputFunc func(pc *pipeline.Context) map[string]any

type entry struct {
	id     string
	run    models.Run
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner owns background pipeline runs.
type Runner struct {
	sem       *semaphore.Weighted
	ctx       context.Context
	stop      context.CancelFunc
	output    OutputFunc
	events    contracts.EventSink
	metrics   *telemetry.Metrics
	retention int

	mu    sync.RWMutex
	runs  map[string]*entry
	order []string
	wg    sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithOutput sets how run output is collected.
func WithOutput(fn OutputFunc) Option {
	return func(r *Runner) { r.output = fn }
}

// WithEvents publishes run progress to sink.
func WithEvents(sink contracts.EventSink) Option {
	return func(r *Runner) {
		if sink != nil {
			r.events = sink
		}
	}
}

// WithMetrics records run and stage metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithRetention caps how many finished runs are remembered.
func WithRetention(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.retention = n
		}
	}
}

// New creates a runner that executes at most maxConcurrent pipelines at once.
func New(maxConcurrent int, opts ...Option) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	ctx, stop := context.WithCancel(context.Background())
	r := &Runner{
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		ctx:       ctx,
		stop:      stop,
		events:    contracts.NopEvents{},
		retention: DefaultRetention,
		runs:      make(map[string]*entry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Submit queues p to run over pc and returns the run id immediately.
func (r *Runner) Submit(p *pipeline.Pipeline, pc *pipeline.Context) string {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(r.ctx)
	e := &entry{
		id: id,
		run: models.Run{
			ID:         id,
			Workflow:   p.Name(),
			Status:     models.RunQueued,
			StageCount: p.Len(),
			CreatedAt:  time.Now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.runs[id] = e
	r.order = append(r.order, id)
	r.evictLocked()
	r.mu.Unlock()

	log.Info().Str("run_id", id).Str("workflow", p.Name()).Msg("Run queued")
	r.publish(id, fmt.Sprintf("Queued %s", p.Name()), nil)

	r.wg.Add(1)
	go r.execute(ctx, e, p, pc)
	return id
}

func (r *Runner) execute(ctx context.Context, e *entry, p *pipeline.Pipeline, pc *pipeline.Context) {
	defer r.wg.Done()
	defer close(e.done)
	defer e.cancel()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.finish(e, pc, models.RunCanceled, err)
		return
	}
	defer r.sem.Release(1)

	now := time.Now().UTC()
	r.update(e, func(run *models.Run) {
		run.Status = models.RunRunning
		run.StartedAt = &now
	})

	err := p.Execute(ctx, pc, pipeline.WithObserver(&progress{r: r, e: e}))
	switch {
	case err == nil:
		r.finish(e, pc, models.RunSucceeded, nil)
	case ctx.Err() != nil:
		r.finish(e, pc, models.RunCanceled, err)
	default:
		r.finish(e, pc, models.RunFailed, err)
	}
}

func (r *Runner) finish(e *entry, pc *pipeline.Context, status models.RunStatus, err error) {
	var output map[string]any
	if r.output != nil && pc != nil {
		output = r.output(pc)
	}
	now := time.Now().UTC()
	var run models.Run
	r.update(e, func(rn *models.Run) {
		rn.Status = status
		rn.FinishedAt = &now
		rn.Output = output
		if err != nil {
			rn.Error = err.Error()
			var execErr *pipeline.ExecutionError
			if errors.As(err, &execErr) {
				rn.FailedStage = execErr.Stage
			}
		}
		run = *rn
	})

	r.metrics.RunFinished(run.Workflow, string(status))
	evt := log.Info()
	if status == models.RunFailed {
		evt = log.Warn().Err(err).Str("failed_stage", run.FailedStage)
	}
	evt.Str("run_id", run.ID).Str("workflow", run.Workflow).Str("status", string(status)).Msg("Run finished")
	r.publish(run.ID, fmt.Sprintf("%s %s", run.Workflow, status), map[string]any{"status": status, "error": run.Error})
}

func (r *Runner) update(e *entry, fn func(*models.Run)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&e.run)
}

func (r *Runner) publish(runID, msg string, data map[string]any) {
	r.events.Publish(models.Event{Kind: models.EventRun, RunID: runID, Message: msg, Data: data})
}

// evictLocked drops the oldest finished runs beyond the retention limit.
// Callers hold r.mu.
func (r *Runner) evictLocked() {
	excess := len(r.order) - r.retention
	if excess <= 0 {
		return
	}
	kept := r.order[:0]
	for _, id := range r.order {
		e := r.runs[id]
		if excess > 0 && e.run.Status.IsFinished() {
			delete(r.runs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

// Get returns a snapshot of the run.
func (r *Runner) Get(id string) (models.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.runs[id]
	if !ok {
		return models.Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.run, nil
}

// List returns every remembered run, newest first.
func (r *Runner) List() []models.Run {
	r.mu.RLock()
	out := make([]models.Run, 0, len(r.runs))
	for _, e := range r.runs {
		out = append(out, e.run)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Cancel stops a queued or running run. Canceling a finished run is a no-op.
func (r *Runner) Cancel(id string) error {
	r.mu.RLock()
	e, ok := r.runs[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.cancel()
	log.Info().Str("run_id", id).Msg("Run cancel requested")
	return nil
}

// Wait blocks until the run finishes or ctx is done.
func (r *Runner) Wait(ctx context.Context, id string) (models.Run, error) {
	r.mu.RLock()
	e, ok := r.runs[id]
	r.mu.RUnlock()
	if !ok {
		return models.Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	select {
	case <-e.done:
		return r.Get(id)
	case <-ctx.Done():
		return models.Run{}, ctx.Err()
	}
}

// Close cancels every run and waits for their goroutines to return.
func (r *Runner) Close() {
	r.stop()
	r.wg.Wait()
}

// progress mirrors stage transitions into the run record.
type progress struct {
	r     *Runner
	e     *entry
	start time.Time
}

func (p *progress) StageStarted(index, total int, name string) {
	p.start = time.Now()
	text := pipeline.ProgressText(index, total, name)
	p.r.update(p.e, func(run *models.Run) {
		run.Stage = name
		run.StageIndex = index
		run.Progress = text
	})
	p.r.events.Publish(models.Event{
		Kind:    models.EventStage,
		RunID:   p.e.id,
		Message: text,
		Data:    map[string]any{"stage": name, "index": index, "total": total},
	})
}

func (p *progress) StageFinished(_, _ int, name string, _ error) {
	p.r.metrics.StageFinished(name, time.Since(p.start))
}

// Expired returns finished runs that ended before cutoff, oldest first.
func (r *Runner) Expired(cutoff time.Time) []models.Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Run
	for _, id := range r.order {
		run := r.runs[id].run
		if run.Status.IsFinished() && run.FinishedAt != nil && run.FinishedAt.Before(cutoff) {
			out = append(out, run)
		}
	}
	return out
}

// Forget drops finished runs by id and returns how many were removed.
// Unknown and unfinished runs are skipped.
func (r *Runner) Forget(ids ...string) int {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	kept := r.order[:0]
	for _, id := range r.order {
		if drop[id] && r.runs[id].run.Status.IsFinished() {
			delete(r.runs, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return removed
}
