package tunnel

import (
	"context"
	"io"
	"time"

	"github.com/loykin/vktunnel/internal/history"
)

// Process is a live tunnel child as seen by the supervisor.
type Process interface {
	PID() int
	// StartTime is the OS-reported creation time, zero when unknown.
	StartTime() time.Time
	Stdout() io.Reader
	Stderr() io.Reader
	WriteStdin(p []byte) error
	// Done is closed once the child has exited and been reaped.
	Done() <-chan struct{}
	Exited() bool
	ExitCode() int
	Terminate() error
	Kill() error
	// CloseOutput closes the parent's read ends so blocked readers return.
	CloseOutput() error
}

// Spawner starts the tunnel binary.
type Spawner interface {
	Spawn(ctx context.Context, argv []string, env []string) (Process, error)
}

// Probe checks that the tunnel endpoint answers. Expected connectivity failures
// wrap detector.ErrUnreachable; any other error is treated as unexpected.
type Probe interface {
	Probe(ctx context.Context) error
}

// Notifier delivers operator messages. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// HostUpdater registers a discovered tunnel host with the external config API.
type HostUpdater interface {
	UpdateHost(ctx context.Context, host string) error
}

// Recorder receives lifecycle events for the audit trail.
type Recorder interface {
	Record(e history.Event)
}

// Identity names the machine in operator notifications.
type Identity struct {
	Hostname string
	IP       string
}

type nopRecorder struct{}

func (nopRecorder) Record(history.Event) {}
