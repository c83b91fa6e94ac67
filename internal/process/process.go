package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	envpkg "github.com/loykin/vktunnel/internal/env"
	"github.com/loykin/vktunnel/internal/tunnel"
)

// Spawner starts tunnel binaries in their own process group with piped stdio.
type Spawner struct {
	// WorkDir is the child's working directory; empty inherits ours.
	WorkDir string
}

// NewSpawner returns a spawner running children in workDir.
func NewSpawner(workDir string) *Spawner { return &Spawner{WorkDir: workDir} }

// Spawn starts argv with env overlaid on the current environment; env values
// may reference other variables as ${NAME}.
// ctx only bounds the start itself; the child outlives it and must be
// terminated explicitly.
func (s *Spawner) Spawn(ctx context.Context, argv []string, env []string) (tunnel.Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// #nosec G204 -- argv comes from operator configuration
	cmd := exec.Command(argv[0], argv[1:]...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = envpkg.Compose(os.Environ(), env)
	}
	configureSysProcAttr(cmd)

	// os.Pipe instead of StdoutPipe: Wait must not close the read ends while
	// the parsers are still draining them.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, err
	}
	// the child holds its own copies
	closeAll(outW, errW)

	h := &Handle{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		stdout:  outR,
		stderr:  errR,
		stdin:   stdin,
		done:    make(chan struct{}),
		started: startTime(cmd.Process.Pid),
	}
	if h.started.IsZero() {
		h.started = time.Now()
	}
	go h.wait()
	return h, nil
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}

// Handle is a running child started by Spawner. It is the only waiter on the
// underlying command.
type Handle struct {
	cmd     *exec.Cmd
	pid     int
	started time.Time

	stdout, stderr *os.File
	outOnce        sync.Once

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	done     chan struct{}
	exited   atomic.Bool
	exitCode atomic.Int64
	waitErr  error
}

var _ tunnel.Process = (*Handle)(nil)

func (h *Handle) wait() {
	err := h.cmd.Wait()
	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	h.stdinMu.Lock()
	h.waitErr = err
	_ = h.stdin.Close()
	h.stdinMu.Unlock()
	h.exitCode.Store(int64(code))
	h.exited.Store(true)
	close(h.done)
}

func (h *Handle) PID() int              { return h.pid }
func (h *Handle) StartTime() time.Time  { return h.started }
func (h *Handle) Stdout() io.Reader     { return h.stdout }
func (h *Handle) Stderr() io.Reader     { return h.stderr }
func (h *Handle) Done() <-chan struct{} { return h.done }
func (h *Handle) Exited() bool          { return h.exited.Load() }

// ExitCode is the child's exit status, -1 when it was killed by a signal or
// has not exited yet.
func (h *Handle) ExitCode() int {
	if !h.Exited() {
		return -1
	}
	return int(h.exitCode.Load())
}

// WaitErr returns the error from reaping the child, if any.
func (h *Handle) WaitErr() error {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	return h.waitErr
}

func (h *Handle) WriteStdin(p []byte) error {
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if h.Exited() {
		return os.ErrClosed
	}
	_, err := h.stdin.Write(p)
	return err
}

// Terminate asks the child's process group to exit.
func (h *Handle) Terminate() error { return terminateGroup(h.pid) }

// Kill forcibly ends the child's process group.
func (h *Handle) Kill() error { return killGroup(h.pid) }

// CloseOutput closes the read ends of stdout and stderr. Blocked readers
// return os.ErrClosed.
func (h *Handle) CloseOutput() error {
	var err error
	h.outOnce.Do(func() {
		err = errors.Join(h.stdout.Close(), h.stderr.Close())
	})
	return err
}
