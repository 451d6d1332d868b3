// Package retention keeps the in-memory state of a long-running server
// bounded. A janitor periodically archives and forgets finished pipeline
// runs past their retention window and closes idle chat sessions.
//
// Archive is fail-safe: runs are NOT forgotten if archiving them fails.
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zps-zest/zest/pkg/models"
)

const (
	DefaultInterval    = 10 * time.Minute
	DefaultRunMaxAge   = 24 * time.Hour
	DefaultSessionIdle = 12 * time.Hour
)

// RunStore is the part of the runner the janitor sweeps.
type RunStore interface {
	Expired(cutoff time.Time) []models.Run
	Forget(ids ...string) int
}

// SessionStore is the part of the session manager the janitor sweeps.
type SessionStore interface {
	CloseIdle(cutoff time.Time) int
}

// Archiver persists runs before they are forgotten.
type Archiver interface {
	Kind() string
	ArchiveRuns(ctx context.Context, runs []models.Run) (string, error)
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	RunsArchived   int
	RunsForgotten  int
	SessionsClosed int
	ArchivePath    string
	Errors         []error
}

// Janitor periodically archives and drops expired state.
type Janitor struct {
	runs     RunStore
	sessions SessionStore
	archiver Archiver

	interval    time.Duration
	runMaxAge   time.Duration
	sessionIdle time.Duration
	now         func() time.Time
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithArchiver archives runs before forgetting them. Without one, expired
// runs are purged directly.
func WithArchiver(a Archiver) Option {
	return func(j *Janitor) { j.archiver = a }
}

// WithRunMaxAge sets how long finished runs are kept.
func WithRunMaxAge(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.runMaxAge = d
		}
	}
}

// WithSessionIdle sets how long an untouched session survives.
func WithSessionIdle(d time.Duration) Option {
	return func(j *Janitor) {
		if d > 0 {
			j.sessionIdle = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// NewJanitor creates a janitor that sweeps on the given interval. Either
// store may be nil.
func NewJanitor(runs RunStore, sessions SessionStore, interval time.Duration, opts ...Option) *Janitor {
	if interval < time.Second {
		interval = DefaultInterval
	}
	j := &Janitor{
		runs:        runs,
		sessions:    sessions,
		interval:    interval,
		runMaxAge:   DefaultRunMaxAge,
		sessionIdle: DefaultSessionIdle,
		now:         time.Now,
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Start runs the janitor until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	archiver := "none"
	if j.archiver != nil {
		archiver = j.archiver.Kind()
	}
	log.Info().
		Dur("interval", j.interval).
		Dur("run_max_age", j.runMaxAge).
		Dur("session_idle", j.sessionIdle).
		Str("archiver", archiver).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one retention sweep.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := j.now()
	var stats CycleStats

	if j.runs != nil {
		j.sweepRuns(ctx, start.Add(-j.runMaxAge), &stats)
	}
	if j.sessions != nil {
		stats.SessionsClosed = j.sessions.CloseIdle(start.Add(-j.sessionIdle))
	}

	for _, err := range stats.Errors {
		log.Warn().Err(err).Msg("Retention cycle error")
	}
	if stats.RunsForgotten > 0 || stats.SessionsClosed > 0 {
		log.Info().
			Int("runs_archived", stats.RunsArchived).
			Int("runs_forgotten", stats.RunsForgotten).
			Int("sessions_closed", stats.SessionsClosed).
			Dur("elapsed", j.now().Sub(start)).
			Msg("Retention cycle complete")
	}
	return stats
}

func (j *Janitor) sweepRuns(ctx context.Context, cutoff time.Time, stats *CycleStats) {
	expired := j.runs.Expired(cutoff)
	if len(expired) == 0 {
		return
	}

	if j.archiver != nil {
		path, err := j.archiver.ArchiveRuns(ctx, expired)
		if err != nil {
			stats.Errors = append(stats.Errors, err)
			log.Warn().Err(err).Int("runs", len(expired)).Msg("Archive failed, keeping runs")
			return
		}
		stats.RunsArchived = len(expired)
		stats.ArchivePath = path
	}

	ids := make([]string, len(expired))
	for i, r := range expired {
		ids[i] = r.ID
	}
	stats.RunsForgotten = j.runs.Forget(ids...)
}
