// Package schedule triggers periodic tunnel restarts from a cron spec.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Target receives the scheduled restart.
type Target interface {
	ScheduledRestart()
}

// Scheduler owns one cron entry.
type Scheduler struct {
	cron    *cron.Cron
	entryID cron.EntryID
	spec    string
	logger  *slog.Logger
}

// New parses spec (standard five-field cron or a descriptor such as
// "@every 5h") and binds it to t. A nil location means local time.
func New(spec string, loc *time.Location, t Target, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(cron.WithLocation(loc))
	s := &Scheduler{cron: c, spec: spec, logger: logger}
	id, err := c.AddFunc(spec, func() {
		s.logger.Info("scheduled restart", "schedule", s.spec)
		t.ScheduledRestart()
	})
	if err != nil {
		return nil, fmt.Errorf("parse restart schedule %q: %w", spec, err)
	}
	s.entryID = id
	return s, nil
}

// Next returns the next activation, zero before Run.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entryID).Next
}

// Run starts the scheduler and blocks until ctx ends. A running restart
// callback is waited for before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("restart schedule active", "schedule", s.spec, "next", s.Next())
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return ctx.Err()
}
