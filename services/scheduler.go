package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/CrowderSoup/daily-todo/tasks"
	rcron "github.com/robfig/cron/v3"
)

// Refresher re-sends snapshots to every live subscriber.
type Refresher interface {
	RefreshAll() int
}

// Scheduler pushes a fresh snapshot to every connected user when the day
// boundary passes, so open sessions roll over without waiting for a write.
type Scheduler struct {
	cron    *rcron.Cron
	loc     *time.Location
	store   Refresher
	logger  *slog.Logger
	entryID rcron.EntryID
}

// NewScheduler registers the boundary job for policy.
func NewScheduler(store Refresher, policy tasks.Policy, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loc := policy.Location
	if loc == nil {
		loc = time.Local
	}

	s := &Scheduler{
		cron:   rcron.New(rcron.WithLocation(loc)),
		loc:    loc,
		store:  store,
		logger: logger,
	}

	id, err := s.cron.AddFunc(BoundarySpec(policy), s.Tick)
	if err != nil {
		return nil, fmt.Errorf("failed to register rollover job: %w", err)
	}
	s.entryID = id
	return s, nil
}

// BoundarySpec is the cron expression firing daily at the boundary.
func BoundarySpec(p tasks.Policy) string {
	return fmt.Sprintf("%d %d * * *", p.Minute, p.Hour)
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Rollover scheduler started", "next", s.Next(time.Now()))
}

// Next returns the first boundary after now.
func (s *Scheduler) Next(now time.Time) time.Time {
	return s.cron.Entry(s.entryID).Schedule.Next(now.In(s.loc))
}

// Stop halts the scheduler and waits for a running tick to finish or ctx
// to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick refreshes every subscriber.
func (s *Scheduler) Tick() {
	n := s.store.RefreshAll()
	s.logger.Info("Day boundary passed, refreshed subscribers", "owners", n)
}
