package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/vktunnel/internal/history"
	"github.com/loykin/vktunnel/internal/metrics"
)

// Cause is the single reason attributed to the end of a supervise cycle.
type Cause string

const (
	CauseExit      Cause = "exit"
	CauseHealth    Cause = "health"
	CauseRestart   Cause = "manual_restart"
	CauseStart     Cause = "manual_start"
	CauseStop      Cause = "stop"
	CauseScheduled Cause = "scheduled"
	CauseShutdown  Cause = "shutdown"
)

// Options configures the supervisor. Zero durations take the defaults.
type Options struct {
	Argv              []string
	Env               []string
	CrashLimit        int
	SpawnBackoff      time.Duration
	Quiescence        time.Duration
	HoldPoll          time.Duration
	NotifyTimeout     time.Duration
	HostUpdateTimeout time.Duration
	Health            HealthOptions
	Escalation        EscalatorOptions
}

// DefaultOptions returns the production supervisor settings for argv.
func DefaultOptions(argv []string) Options {
	return Options{
		Argv:              argv,
		CrashLimit:        5,
		SpawnBackoff:      30 * time.Second,
		Quiescence:        10 * time.Second,
		HoldPoll:          5 * time.Second,
		NotifyTimeout:     10 * time.Second,
		HostUpdateTimeout: 10 * time.Second,
		Health:            DefaultHealthOptions(),
		Escalation:        DefaultEscalatorOptions(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions(o.Argv)
	if o.CrashLimit <= 0 {
		o.CrashLimit = d.CrashLimit
	}
	if o.SpawnBackoff <= 0 {
		o.SpawnBackoff = d.SpawnBackoff
	}
	if o.Quiescence < 0 {
		o.Quiescence = 0
	}
	if o.HoldPoll <= 0 {
		o.HoldPoll = d.HoldPoll
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = d.NotifyTimeout
	}
	if o.HostUpdateTimeout <= 0 {
		o.HostUpdateTimeout = d.HostUpdateTimeout
	}
	o.Health = o.Health.withDefaults()
	o.Escalation = o.Escalation.withDefaults()
	return o
}

// Deps are the supervisor's collaborators. Spawner and Probe are required;
// the rest are optional.
type Deps struct {
	Spawner  Spawner
	Probe    Probe
	Notifier Notifier
	Hosts    HostUpdater
	OS       OSProcesses
	Recorder Recorder
	Identity func() Identity
	Clock    Clock
	Logger   *slog.Logger
}

// Supervisor keeps exactly one tunnel child alive.
type Supervisor struct {
	opts      Options
	deps      Deps
	state     *State
	signals   *Signals
	escalator *Escalator
	clock     Clock
	logger    *slog.Logger
	recorder  Recorder
	running   sync.Mutex
}

// New validates opts and deps and returns an idle supervisor.
func New(opts Options, deps Deps) (*Supervisor, error) {
	if len(opts.Argv) == 0 {
		return nil, errors.New("tunnel command is required")
	}
	if deps.Spawner == nil {
		return nil, errors.New("spawner is required")
	}
	if deps.Probe == nil {
		return nil, errors.New("health probe is required")
	}
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Identity == nil {
		deps.Identity = func() Identity { return Identity{Hostname: "localhost", IP: "127.0.0.1"} }
	}
	opts = opts.withDefaults()
	logger := deps.Logger.With("component", "supervisor")
	return &Supervisor{
		opts:      opts,
		deps:      deps,
		state:     NewState(),
		signals:   NewSignals(),
		escalator: NewEscalator(opts.Escalation, deps.OS, deps.Clock, logger, deps.Recorder),
		clock:     deps.Clock,
		logger:    logger,
		recorder:  deps.Recorder,
	}, nil
}

// State exposes the shared process state.
func (s *Supervisor) State() *State { return s.state }

// Run supervises until ctx is cancelled, then terminates the live child and
// returns ctx.Err(). Only one Run may be active at a time.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.TryLock() {
		return errors.New("supervisor is already running")
	}
	defer s.running.Unlock()

	s.logger.Info("supervisor started", "command", s.opts.Argv[0], "crash_limit", s.opts.CrashLimit)
	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("supervisor stopped")
			return err
		}
		s.publish()

		if s.state.Held() {
			select {
			case <-ctx.Done():
			case <-s.signals.Start.C():
			case <-s.clock.After(s.opts.HoldPoll):
			}
			if s.state.Held() {
				s.signals.Start.Clear()
			}
			continue
		}

		if crashes := s.state.TotalCrashes(); crashes >= s.opts.CrashLimit {
			s.logger.Error("crash limit reached, automatic restart disabled", "crashes", crashes)
			s.state.setBlocked(true)
			ev := history.NewEvent(history.EventCrashLimit)
			ev.Crashes = crashes
			s.recorder.Record(ev)
			s.notify(ctx, crashLimitMessage(s.opts.CrashLimit))
			continue
		}

		s.cycle(ctx)
	}
}

// cycle runs one spawn-supervise-terminate round.
func (s *Supervisor) cycle(ctx context.Context) {
	s.logger.Info("starting new tunnel cycle")
	s.state.beginCycle(s.clock.Now())
	s.signals.clearAll()

	proc, err := s.deps.Spawner.Spawn(ctx, s.opts.Argv, s.opts.Env)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSpawn, err)
		s.logger.Error("failed to start tunnel, retrying", "error", err, "backoff", s.opts.SpawnBackoff)
		metrics.IncSpawnFailure()
		ev := history.NewEvent(history.EventSpawnFailed)
		ev.Detail = err.Error()
		s.recorder.Record(ev)
		sleep(ctx, s.clock, s.opts.SpawnBackoff)
		return
	}
	s.state.attach(proc, s.clock.Now())
	s.logger.Info("tunnel process started", "pid", proc.PID())
	ev := history.NewEvent(history.EventCycleStarted)
	ev.PID = proc.PID()
	ev.Crashes = s.state.TotalCrashes()
	s.recorder.Record(ev)
	if s.state.Held() {
		// stopped after the hold check but before attach
		s.signals.Stop.Set()
	}
	s.publish()

	cctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	parser := s.newParser()
	monitor := &healthMonitor{
		probe:  s.deps.Probe,
		state:  s.state,
		signal: s.signals.Health,
		clock:  s.clock,
		logger: s.logger.With("component", "health"),
		opts:   s.opts.Health,
	}
	wg.Add(3)
	go func() { defer wg.Done(); parser.Consume(cctx, "stdout", proc.Stdout()) }()
	go func() { defer wg.Done(); parser.Consume(cctx, "stderr", proc.Stderr()) }()
	go func() { defer wg.Done(); monitor.run(cctx) }()

	cause := s.race(ctx, proc)
	s.attribute(ctx, cause, proc)

	cancel()
	if err := proc.CloseOutput(); err != nil {
		s.logger.Debug("close output", "error", err)
	}
	wg.Wait()

	out := s.escalator.Terminate(proc)
	s.state.detach()

	end := history.NewEvent(history.EventCycleEnded)
	end.PID = proc.PID()
	end.Cause = string(cause)
	end.Crashes = s.state.TotalCrashes()
	end.Detail = string(out.Result)
	if proc.Exited() {
		end.ExitCode = proc.ExitCode()
	}
	s.recorder.Record(end)
	metrics.IncCycle(string(cause))
	s.publish()

	if cause != CauseShutdown {
		sleep(ctx, s.clock, s.opts.Quiescence)
	}
}

// race blocks until some cycle-ending event fires, then resolves the cause in
// fixed priority order so simultaneous events attribute exactly one cause.
// Requests arriving after endRace are refused rather than cleared unseen.
func (s *Supervisor) race(ctx context.Context, proc Process) Cause {
	select {
	case <-ctx.Done():
	case <-proc.Done():
	case <-s.signals.Health.C():
	case <-s.signals.Restart.C():
	case <-s.signals.Start.C():
	case <-s.signals.Stop.C():
	case <-s.signals.Scheduled.C():
	}
	s.state.endRace()
	return s.resolveCause(ctx, proc)
}

func (s *Supervisor) resolveCause(ctx context.Context, proc Process) Cause {
	switch {
	case ctx.Err() != nil:
		return CauseShutdown
	case proc.Exited():
		return CauseExit
	case s.signals.Health.IsSet():
		return CauseHealth
	case s.signals.Restart.IsSet():
		return CauseRestart
	case s.signals.Start.IsSet():
		return CauseStart
	case s.signals.Stop.IsSet():
		return CauseStop
	default:
		return CauseScheduled
	}
}

func (s *Supervisor) attribute(ctx context.Context, cause Cause, proc Process) {
	log := s.logger.With("pid", proc.PID(), "cause", cause)
	switch cause {
	case CauseExit:
		n := s.state.incCrashes()
		metrics.IncCrash()
		log.Warn("tunnel process exited on its own", "exit_code", proc.ExitCode(), "crashes", n)
		s.notify(ctx, crashMessage(proc.ExitCode(), n, s.opts.CrashLimit))
	case CauseHealth:
		n := s.state.incCrashes()
		metrics.IncCrash()
		log.Warn("restarting unhealthy tunnel", "crashes", n)
		s.notify(ctx, unhealthyMessage(n, s.opts.CrashLimit))
	case CauseRestart, CauseStart:
		s.state.resetCrashes()
		log.Info("operator requested restart")
	case CauseStop:
		log.Info("operator requested stop")
	case CauseScheduled:
		log.Info("scheduled restart")
	case CauseShutdown:
		log.Info("shutting down tunnel")
	}
}

func (s *Supervisor) newParser() *Parser {
	return &Parser{
		state:           s.state,
		notifier:        s.deps.Notifier,
		hosts:           s.deps.Hosts,
		identity:        s.deps.Identity,
		clock:           s.clock,
		logger:          s.logger.With("component", "parser"),
		childLog:        s.deps.Logger.With("component", "vk-tunnel"),
		recorder:        s.recorder,
		notifyTimeout:   s.opts.NotifyTimeout,
		hostTimeout:     s.opts.HostUpdateTimeout,
		hostAPIDisabled: s.deps.Hosts == nil,
	}
}

func (s *Supervisor) notify(ctx context.Context, text string) {
	deliver(ctx, s.deps.Notifier, s.opts.NotifyTimeout, s.logger, text)
}

// deliver sends text best effort. Failures are logged and counted only.
func deliver(ctx context.Context, n Notifier, timeout time.Duration, logger *slog.Logger, text string) {
	if n == nil {
		return
	}
	// Detached from ctx so teardown notices still go out.
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	err := n.Notify(nctx, text)
	metrics.IncNotification(err == nil)
	if err != nil {
		logger.Warn("notification failed", "error", err)
	}
}

func (s *Supervisor) publish() {
	snap := s.state.Snapshot(s.clock.Now())
	metrics.SetState(metrics.State{
		Running:        snap.Running,
		Stopped:        snap.Stopped,
		Blocked:        snap.Blocked,
		WaitingForAuth: snap.WaitingForAuth,
		TotalCrashes:   snap.TotalCrashes,
		HealthFailures: snap.ConsecutiveHealthFailures,
		UptimeSeconds:  snap.UptimeSeconds,
	})
}
