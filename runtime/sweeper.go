// Package runtime runs the daemon's background housekeeping.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Purger deletes persisted entries that expired at or before a time.
type Purger interface {
	PurgeExpired(ctx context.Context, at time.Time) (int64, error)
}

// Cleaner drops in-process entries older than maxAge.
type Cleaner interface {
	Cleanup(maxAge time.Duration) int
}

// SweepResult reports what one sweep removed.
type SweepResult struct {
	Purged  int64
	Cleaned int
}

// Sweeper periodically purges expired memories and ages out short-term
// scratchpads.
type Sweeper struct {
	schedule cron.Schedule
	purger   Purger
	cleaners []Cleaner
	ttl      time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewSweeper creates a sweeper that runs on schedule. ttl is the maximum age
// of short-term entries kept by cleaners.
func NewSweeper(schedule string, ttl time.Duration, purger Purger, logger zerolog.Logger, cleaners ...Cleaner) (*Sweeper, error) {
	if purger == nil {
		return nil, fmt.Errorf("purger cannot be nil")
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	return &Sweeper{
		schedule: sched,
		purger:   purger,
		cleaners: cleaners,
		ttl:      ttl,
		timeout:  time.Minute,
		now:      time.Now,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}, nil
}

// Next is when the sweep after t runs.
func (s *Sweeper) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Sweep runs one pass. A purge failure is logged; cleaners still run.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.purger.PurgeExpired(runCtx, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to purge expired memories")
	} else {
		res.Purged = n
	}

	if s.ttl > 0 {
		for _, c := range s.cleaners {
			res.Cleaned += c.Cleanup(s.ttl)
		}
	}

	if res.Purged > 0 || res.Cleaned > 0 {
		s.logger.Info().Int64("purged", res.Purged).Int("cleaned", res.Cleaned).Msg("Sweep finished")
	}
	return res
}

// Start sweeps once immediately, then on schedule until ctx is cancelled.
// It blocks.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info().Time("next", s.Next(s.now())).Msg("Starting sweeper")
	s.Sweep(ctx)

	c := cron.New()
	c.Schedule(s.schedule, cron.FuncJob(func() { s.Sweep(ctx) }))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info().Msg("Sweeper stopped: context cancelled")
}
