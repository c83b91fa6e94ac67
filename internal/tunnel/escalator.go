package tunnel

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/vktunnel/internal/history"
	"github.com/loykin/vktunnel/internal/metrics"
)

// OSProcesses looks processes up through OS enumeration, independent of the
// handle the supervisor holds.
type OSProcesses interface {
	// Exists reports whether pid is alive and, when started is non-zero, was
	// created at started (guards against pid reuse).
	Exists(pid int, started time.Time) (bool, error)
	Kill(pid int) error
}

// Stage is an escalation tier.
type Stage string

const (
	StageNone       Stage = "none"
	StageGraceful   Stage = "graceful"
	StageForceful   Stage = "forceful"
	StageOSFallback Stage = "os_fallback"
	StageVerify     Stage = "verify"
)

// Result is how an escalation ended.
type Result string

const (
	ResultAlreadyExited Result = "already_exited"
	ResultExited        Result = "exited"
	ResultVerified      Result = "verified"
	ResultKilledLate    Result = "killed_late"
	ResultStuck         Result = "stuck"
)

// Outcome describes one termination run. Degraded outcomes are reported but
// never fatal to the supervisor.
type Outcome struct {
	Result   Result
	Stage    Stage
	Degraded bool
	Elapsed  time.Duration
}

// EscalatorOptions holds the per-tier waits.
type EscalatorOptions struct {
	GraceTimeout    time.Duration // after SIGTERM
	KillTimeout     time.Duration // after SIGKILL
	FallbackTimeout time.Duration // after an OS-level kill
	SettleDelay     time.Duration // before verification
	FinalTimeout    time.Duration // after the last-resort kill
}

// DefaultEscalatorOptions returns the production escalation timings.
func DefaultEscalatorOptions() EscalatorOptions {
	return EscalatorOptions{
		GraceTimeout:    5 * time.Second,
		KillTimeout:     5 * time.Second,
		FallbackTimeout: 5 * time.Second,
		SettleDelay:     2 * time.Second,
		FinalTimeout:    5 * time.Second,
	}
}

func (o EscalatorOptions) withDefaults() EscalatorOptions {
	d := DefaultEscalatorOptions()
	if o.GraceTimeout <= 0 {
		o.GraceTimeout = d.GraceTimeout
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = d.KillTimeout
	}
	if o.FallbackTimeout <= 0 {
		o.FallbackTimeout = d.FallbackTimeout
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = d.SettleDelay
	}
	if o.FinalTimeout <= 0 {
		o.FinalTimeout = d.FinalTimeout
	}
	return o
}

// Escalator terminates a child with increasing force:
// graceful -> forceful -> osFallback -> verify -> {verified|stuck}.
type Escalator struct {
	opts     EscalatorOptions
	os       OSProcesses
	clock    Clock
	logger   *slog.Logger
	recorder Recorder
}

// NewEscalator builds an escalator. A nil osp disables the OS fallback and
// verification tiers.
func NewEscalator(opts EscalatorOptions, osp OSProcesses, clock Clock, logger *slog.Logger, rec Recorder) *Escalator {
	if clock == nil {
		clock = RealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Escalator{opts: opts.withDefaults(), os: osp, clock: clock, logger: logger, recorder: rec}
}

// Terminate drives p to exit and reports how far it had to go.
func (e *Escalator) Terminate(p Process) Outcome {
	start := e.clock.Now()
	pid := p.PID()
	log := e.logger.With("pid", pid)

	if p.Exited() {
		return e.finish(p, start, Outcome{Result: ResultAlreadyExited, Stage: StageNone})
	}

	// exitedAt is the tier whose signal made the handle report exit. Every
	// path still settles and re-checks the OS table before returning.
	var exitedAt Stage
	stage := StageGraceful
	for {
		switch stage {
		case StageGraceful:
			log.Info("sending SIGTERM to tunnel process group")
			if err := p.Terminate(); err != nil {
				log.Warn("SIGTERM failed", "error", err)
				stage = StageOSFallback
				continue
			}
			if e.wait(p, e.opts.GraceTimeout) {
				exitedAt = StageGraceful
				stage = StageVerify
				continue
			}
			log.Warn("process ignored SIGTERM", "waited", e.opts.GraceTimeout)
			stage = StageForceful

		case StageForceful:
			log.Warn("sending SIGKILL to tunnel process group")
			if err := p.Kill(); err != nil {
				log.Warn("SIGKILL failed", "error", err)
				stage = StageOSFallback
				continue
			}
			if e.wait(p, e.opts.KillTimeout) {
				exitedAt = StageForceful
				stage = StageVerify
				continue
			}
			stage = StageVerify

		case StageOSFallback:
			if e.os == nil {
				stage = StageVerify
				continue
			}
			log.Warn("killing through OS process table")
			if err := e.os.Kill(pid); err != nil {
				log.Warn("OS kill failed", "error", err)
			}
			if e.wait(p, e.opts.FallbackTimeout) {
				exitedAt = StageOSFallback
				stage = StageVerify
				continue
			}
			stage = StageVerify

		case StageVerify:
			return e.finish(p, start, e.verify(p, exitedAt, log))
		}
	}
}

func (e *Escalator) verify(p Process, exitedAt Stage, log *slog.Logger) Outcome {
	<-e.clock.After(e.opts.SettleDelay)
	if e.gone(p) {
		if exitedAt != "" {
			return Outcome{Result: ResultExited, Stage: exitedAt}
		}
		return Outcome{Result: ResultVerified, Stage: StageVerify}
	}
	log.Error("tunnel process still present after kill, final attempt")
	if e.os != nil {
		if err := e.os.Kill(p.PID()); err != nil {
			log.Warn("final OS kill failed", "error", err)
		}
	} else {
		_ = p.Kill()
	}
	if exitedAt == "" {
		if e.wait(p, e.opts.FinalTimeout) || e.gone(p) {
			return Outcome{Result: ResultKilledLate, Stage: StageVerify, Degraded: true}
		}
		return Outcome{Result: ResultStuck, Stage: StageVerify, Degraded: true}
	}
	// the handle is already reaped, so only the OS table can confirm the kill
	if e.pollGone(p, e.opts.FinalTimeout) {
		return Outcome{Result: ResultKilledLate, Stage: StageVerify, Degraded: true}
	}
	return Outcome{Result: ResultStuck, Stage: StageVerify, Degraded: true}
}

const goneInterval = 250 * time.Millisecond

func (e *Escalator) pollGone(p Process, d time.Duration) bool {
	for waited := time.Duration(0); waited < d; waited += goneInterval {
		<-e.clock.After(goneInterval)
		if e.gone(p) {
			return true
		}
	}
	return false
}

// gone reports whether the child is no longer present. The OS table is
// authoritative when available; the handle decides otherwise or when the
// lookup fails.
func (e *Escalator) gone(p Process) bool {
	exited := false
	select {
	case <-p.Done():
		exited = true
	default:
	}
	if e.os == nil {
		return exited
	}
	alive, err := e.os.Exists(p.PID(), p.StartTime())
	if err != nil {
		e.logger.Warn("process lookup failed", "pid", p.PID(), "error", err)
		return exited
	}
	return !alive
}

func (e *Escalator) wait(p Process, d time.Duration) bool {
	select {
	case <-p.Done():
		return true
	case <-e.clock.After(d):
		return false
	}
}

func (e *Escalator) finish(p Process, start time.Time, out Outcome) Outcome {
	out.Elapsed = e.clock.Now().Sub(start)
	metrics.IncEscalation(string(out.Result))
	lvl := slog.LevelInfo
	if out.Degraded {
		lvl = slog.LevelError
	}
	e.logger.Log(context.Background(), lvl, "termination finished",
		"pid", p.PID(), "result", out.Result, "stage", out.Stage, "elapsed", out.Elapsed)

	ev := history.NewEvent(history.EventEscalation)
	ev.PID = p.PID()
	ev.Cause = string(out.Stage)
	ev.Detail = string(out.Result)
	if p.Exited() {
		ev.ExitCode = p.ExitCode()
	}
	e.recorder.Record(ev)
	return out
}
