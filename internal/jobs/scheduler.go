package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"chitram/api/internal/derivative"
	"chitram/api/internal/models"
)

type Backfiller interface {
	Backfill(ctx context.Context, opts derivative.BackfillOptions) (int, error)
}

// Scheduler periodically re-schedules derivatives stuck in pending, which
// happens when a process dies with claimed jobs still queued. Failed
// derivatives are left for an operator backfill.
type Scheduler struct {
	cron       *cron.Cron
	generator  Backfiller
	schedule   string
	staleAfter time.Duration
	log        zerolog.Logger
	now        func() time.Time

	// ctx scopes cron-triggered sweeps; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(generator Backfiller, schedule string, staleAfter time.Duration, log zerolog.Logger) *Scheduler {
	c := cron.New(cron.WithSeconds())
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:       c,
		generator:  generator,
		schedule:   schedule,
		staleAfter: staleAfter,
		log:        log.With().Str("component", "scheduler").Logger(),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Scheduler) Start() error {
	if s.generator == nil || s.schedule == "" {
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, s.sweepStale); err != nil {
		return fmt.Errorf("schedule stale sweep %q: %w", s.schedule, err)
	}

	s.cron.Start()
	return nil
}

// Stop halts the cron loop, cancels a running sweep and waits for it to
// return, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) sweepStale() {
	if _, err := s.SweepStale(s.ctx); err != nil && s.ctx.Err() == nil {
		s.log.Error().Err(err).Msg("stale derivative sweep failed")
	}
}

func (s *Scheduler) SweepStale(ctx context.Context) (int, error) {
	n, err := s.generator.Backfill(ctx, derivative.BackfillOptions{
		Statuses:    []models.DerivativeStatus{models.DerivativePending},
		StaleBefore: s.now().Add(-s.staleAfter),
	})
	if n > 0 {
		s.log.Info().Int("rescheduled", n).Msg("stale derivatives rescheduled")
	}
	return n, err
}
