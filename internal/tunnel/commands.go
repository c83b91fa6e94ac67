package tunnel

import (
	"context"
	"fmt"

	"github.com/loykin/vktunnel/internal/history"
	"github.com/loykin/vktunnel/internal/metrics"
)

// Start resumes supervision after a stop or a crash-limit block. It clears
// both flags, resets the crash counter and wakes the loop.
func (s *Supervisor) Start() error {
	if !s.state.release() {
		s.command("start", ErrAlreadyRunning)
		return ErrAlreadyRunning
	}
	s.signals.Start.Set()
	s.logger.Info("manual start requested")
	s.command("start", nil)
	return nil
}

// Restart asks the loop to replace the running child. The crash counter is
// reset when the cycle ends. It returns ErrNotRunning when no live cycle can
// take the request, including while a finished cycle is being torn down.
func (s *Supervisor) Restart() error {
	if err := s.state.whileRacing(s.signals.Restart.Set); err != nil {
		s.command("restart", err)
		return err
	}
	s.logger.Info("manual restart requested")
	s.command("restart", nil)
	return nil
}

// Stop terminates the child and holds the loop until Start. Between cycles
// the stopped flag alone keeps the next child from being spawned.
func (s *Supervisor) Stop() error {
	racing, err := s.state.requestStop()
	if err != nil {
		s.command("stop", err)
		return err
	}
	if racing {
		s.signals.Stop.Set()
	}
	s.logger.Info("manual stop requested")
	s.command("stop", nil)
	s.publish()
	return nil
}

// ScheduledRestart replaces the child without touching the crash counter.
// It is ignored while the loop is held or between cycles.
func (s *Supervisor) ScheduledRestart() {
	if err := s.state.whileRacing(s.signals.Scheduled.Set); err != nil {
		s.logger.Debug("scheduled restart skipped", "error", err)
	}
}

// Status returns a snapshot of the current state.
func (s *Supervisor) Status() Snapshot {
	return s.state.Snapshot(s.clock.Now())
}

// Accept confirms a pending VK authorization by sending Enter to the child.
func (s *Supervisor) Accept(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	proc, err := s.state.takeAuth()
	if err != nil {
		s.command("accept", err)
		return err
	}
	if err := proc.WriteStdin([]byte("\n")); err != nil {
		err = fmt.Errorf("confirm authorization: %w", err)
		s.command("accept", err)
		return err
	}
	s.logger.Info("authorization confirmed", "pid", proc.PID())
	s.command("accept", nil)
	return nil
}

func (s *Supervisor) command(name string, err error) {
	metrics.IncCommand(name, err == nil)
	ev := history.NewEvent(history.EventCommand)
	ev.Cause = name
	if err != nil {
		ev.Detail = err.Error()
	}
	ev.PID = s.state.Snapshot(s.clock.Now()).PID
	s.recorder.Record(ev)
}
