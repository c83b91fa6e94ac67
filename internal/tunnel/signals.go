package tunnel

import "sync"

// Signal is a level-triggered, single-shot wake-up flag. While set, the channel
// returned by C is closed; Clear re-arms it. Setting an already-set signal is a
// no-op, and a set without a waiter stays pending until observed or cleared.
type Signal struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newSignal() *Signal { return &Signal{ch: make(chan struct{})} }

// Set raises the signal.
func (s *Signal) Set() {
	s.mu.Lock()
	if !s.set {
		s.set = true
		close(s.ch)
	}
	s.mu.Unlock()
}

// Clear lowers the signal so the next C call returns an open channel.
func (s *Signal) Clear() {
	s.mu.Lock()
	if s.set {
		s.set = false
		s.ch = make(chan struct{})
	}
	s.mu.Unlock()
}

// IsSet reports whether the signal is raised.
func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// C returns a channel that is closed while the signal is set. Callers must
// fetch it again after Clear.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Signals groups the wake-up events the supervise loop races on.
type Signals struct {
	Restart   *Signal // operator asked for a restart
	Start     *Signal // operator asked for a start out of stopped/blocked
	Stop      *Signal // operator asked to stop the tunnel
	Scheduled *Signal // periodic restart from the scheduler
	Health    *Signal // health probe gave up on the endpoint
}

// NewSignals returns a fresh, all-cleared signal set.
func NewSignals() *Signals {
	return &Signals{
		Restart:   newSignal(),
		Start:     newSignal(),
		Stop:      newSignal(),
		Scheduled: newSignal(),
		Health:    newSignal(),
	}
}

func (s *Signals) clearAll() {
	s.Restart.Clear()
	s.Start.Clear()
	s.Stop.Clear()
	s.Scheduled.Clear()
	s.Health.Clear()
}
