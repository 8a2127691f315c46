package pin

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/iliyamo/clinic-flow/internal/clock"
)

// Sweeper is run alongside each daily issuance, e.g. to cancel queue
// entries left over from the previous day.
type Sweeper func(ctx context.Context) error

// Scheduler issues every active station's pin once a day at a fixed
// local time, and once immediately on start.
type Scheduler struct {
	engine  *Engine
	clock   clock.Clock
	at      time.Duration // offset from local midnight
	sweep   Sweeper
	log     zerolog.Logger
	stopped chan struct{}
	stop    chan struct{}
}

// NewScheduler builds a Scheduler firing at the given offset from
// midnight (e.g. 5h for 05:00). sweep may be nil.
func NewScheduler(engine *Engine, clk clock.Clock, at time.Duration, sweep Sweeper, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		engine:  engine,
		clock:   clk,
		at:      at,
		sweep:   sweep,
		log:     log.With().Str("component", "pin-scheduler").Logger(),
		stopped: make(chan struct{}),
		stop:    make(chan struct{}),
	}
}

// ParseTimeOfDay turns "HH:MM" into an offset from midnight.
func ParseTimeOfDay(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// NextRun returns the first instant strictly after now that falls at
// offset at from a local midnight.
func NextRun(now time.Time, at time.Duration) time.Time {
	y, m, d := now.Date()
	next := time.Date(y, m, d, 0, 0, 0, 0, now.Location()).Add(at)
	if !next.After(now) {
		next = time.Date(y, m, d+1, 0, 0, 0, 0, now.Location()).Add(at)
	}
	return next
}

// Run blocks until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.stopped)
	s.runOnce(ctx)
	for {
		now := s.clock.Now()
		wait := NextRun(now, s.at).Sub(now)
		timer := time.NewTimer(wait)
		s.log.Debug().Dur("in", wait).Msg("next pin issuance scheduled")
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
			s.runOnce(ctx)
		}
	}
}

// Stop ends Run and waits for it to return.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.stopped
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if s.sweep != nil {
		if err := s.sweep(ctx); err != nil {
			s.log.Warn().Err(err).Msg("daily sweep failed")
		}
	}
	pins, err := s.engine.IssueAll(ctx, "")
	if err != nil {
		s.log.Error().Err(err).Int("issued", len(pins)).Msg("daily pin issuance incomplete")
		return
	}
	s.log.Info().Int("issued", len(pins)).Msg("daily pins issued")
}
