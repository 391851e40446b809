package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"gemini_proxy/internal/obs"
)

const midnightSpec = "@midnight"

// Scheduler runs the daily reset at every local midnight.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	reset   func()
	logger  *obs.Logger
	loc     *time.Location
	running bool
}

func NewScheduler(reset func(), loc *time.Location, logger *obs.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = obs.Nop()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		reset:  reset,
		logger: logger,
		loc:    loc,
	}
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if _, err := s.cron.AddFunc(midnightSpec, s.run); err != nil {
		return fmt.Errorf("schedule daily reset: %w", err)
	}
	s.cron.Start()
	s.running = true

	now := time.Now().In(s.loc)
	s.logger.Event(obs.LevelNormal, "stats_schedule").
		Str("next_reset", now.Add(UntilNextMidnight(now)).Format(time.RFC3339)).
		Str("hours_until_reset", fmt.Sprintf("%.2f", UntilNextMidnight(now).Hours())).
		Msg("daily stats reset scheduled")
	return nil
}

func (s *Scheduler) run() {
	s.reset()
	now := time.Now().In(s.loc)
	s.logger.Event(obs.LevelNormal, "stats_schedule").
		Str("hours_until_reset", fmt.Sprintf("%.2f", UntilNextMidnight(now).Hours())).
		Msg("next daily stats reset scheduled")
}

// Stop halts the schedule and waits for a running reset to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stopped := s.cron.Stop()
	s.mu.Unlock()

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextRun returns the next scheduled reset, or the zero time when stopped.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// UntilNextMidnight is the delay from now to the next local midnight in now's
// location. At exactly midnight it returns a full day.
func UntilNextMidnight(now time.Time) time.Duration {
	year, month, day := now.Date()
	next := time.Date(year, month, day+1, 0, 0, 0, 0, now.Location())
	return next.Sub(now)
}
