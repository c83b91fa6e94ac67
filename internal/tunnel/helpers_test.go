package tunnel

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/vktunnel/internal/history"
)

// scaledClock runs waits scale times faster and records every requested duration.
type scaledClock struct {
	scale time.Duration
	mu    sync.Mutex
	waits []time.Duration
}

func newScaledClock(scale time.Duration) *scaledClock { return &scaledClock{scale: scale} }

func (c *scaledClock) Now() time.Time { return time.Now() }

func (c *scaledClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	return time.After(d / c.scale)
}

func (c *scaledClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

type fakeProc struct {
	pid     int
	started time.Time

	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter

	done     chan struct{}
	once     sync.Once
	exited   atomic.Bool
	exitCode atomic.Int64

	ignoreTerm bool
	ignoreKill bool
	termErr    error
	killErr    error

	terms atomic.Int32
	kills atomic.Int32

	mu    sync.Mutex
	stdin []byte
}

func newFakeProc(pid int) *fakeProc {
	p := &fakeProc{pid: pid, started: time.Now(), done: make(chan struct{})}
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	return p
}

func (p *fakeProc) PID() int              { return p.pid }
func (p *fakeProc) StartTime() time.Time  { return p.started }
func (p *fakeProc) Stdout() io.Reader     { return p.outR }
func (p *fakeProc) Stderr() io.Reader     { return p.errR }
func (p *fakeProc) Done() <-chan struct{} { return p.done }
func (p *fakeProc) Exited() bool          { return p.exited.Load() }
func (p *fakeProc) ExitCode() int         { return int(p.exitCode.Load()) }

func (p *fakeProc) WriteStdin(b []byte) error {
	if p.Exited() {
		return errors.New("stdin closed")
	}
	p.mu.Lock()
	p.stdin = append(p.stdin, b...)
	p.mu.Unlock()
	return nil
}

func (p *fakeProc) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.stdin)
}

func (p *fakeProc) Terminate() error {
	p.terms.Add(1)
	if p.termErr != nil {
		return p.termErr
	}
	if !p.ignoreTerm {
		p.exit(143)
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.kills.Add(1)
	if p.killErr != nil {
		return p.killErr
	}
	if !p.ignoreKill {
		p.exit(137)
	}
	return nil
}

func (p *fakeProc) CloseOutput() error {
	_ = p.outR.Close()
	_ = p.errR.Close()
	return nil
}

// exit simulates the child ending with code.
func (p *fakeProc) exit(code int) {
	p.once.Do(func() {
		p.exitCode.Store(int64(code))
		p.exited.Store(true)
		_ = p.outW.Close()
		_ = p.errW.Close()
		close(p.done)
	})
}

func (p *fakeProc) print(line string) {
	_, _ = io.WriteString(p.outW, line+"\n")
}

// fakeSpawner hands out processes built by make, or fails with err.
type fakeSpawner struct {
	mu    sync.Mutex
	make  func(n int) *fakeProc
	err   error
	procs []*fakeProc
}

func (s *fakeSpawner) Spawn(_ context.Context, _ []string, _ []string) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		s.procs = append(s.procs, nil)
		return nil, s.err
	}
	p := s.make(len(s.procs) + 1)
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) last() *fakeProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

func (s *fakeSpawner) setMake(f func(n int) *fakeProc) {
	s.mu.Lock()
	s.make = f
	s.mu.Unlock()
}

// crashing makes processes that exit with code 1 right away.
func crashing(n int) *fakeProc {
	p := newFakeProc(1000 + n)
	p.exit(1)
	return p
}

// longLived makes processes that run until signalled.
func longLived(n int) *fakeProc { return newFakeProc(2000 + n) }

type scriptedProbe struct {
	mu     sync.Mutex
	script []error
	calls  int
}

func (p *scriptedProbe) Probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.script) == 0 {
		return nil
	}
	err := p.script[0]
	if len(p.script) > 1 {
		p.script = p.script[1:]
	}
	return err
}

type fakeNotifier struct {
	mu      sync.Mutex
	msgs    []string
	gate    chan struct{}
	waiting atomic.Int32
}

func (n *fakeNotifier) Notify(ctx context.Context, text string) error {
	n.mu.Lock()
	n.msgs = append(n.msgs, text)
	gate := n.gate
	n.mu.Unlock()
	if gate != nil {
		n.waiting.Add(1)
		defer n.waiting.Add(-1)
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	return nil
}

// hold makes Notify block until the returned release func is called.
func (n *fakeNotifier) hold() (release func()) {
	gate := make(chan struct{})
	n.mu.Lock()
	n.gate = gate
	n.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			n.gate = nil
			n.mu.Unlock()
			close(gate)
		})
	}
}

func (n *fakeNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func (n *fakeNotifier) countContaining(sub string) int {
	c := 0
	for _, m := range n.messages() {
		if strings.Contains(m, sub) {
			c++
		}
	}
	return c
}

type fakeHosts struct {
	mu    sync.Mutex
	hosts []string
	err   error
}

func (h *fakeHosts) UpdateHost(_ context.Context, host string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hosts = append(h.hosts, host)
	return h.err
}

func (h *fakeHosts) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.hosts...)
}

type fakeOS struct {
	alive  atomic.Bool
	kills  atomic.Int32
	onKill func()
}

func (o *fakeOS) Exists(int, time.Time) (bool, error) { return o.alive.Load(), nil }

func (o *fakeOS) Kill(int) error {
	o.kills.Add(1)
	if o.onKill != nil {
		o.onKill()
	}
	return nil
}

type memRecorder struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *memRecorder) Record(e history.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *memRecorder) ofType(t history.EventType) []history.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []history.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
