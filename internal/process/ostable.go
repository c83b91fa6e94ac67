package process

import (
	"errors"
	"slices"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/vktunnel/internal/tunnel"
)

// startSkew tolerates the coarse start-time resolution of /proc.
const startSkew = 2 * time.Second

// OSTable finds and kills processes through the OS process table rather than
// a held handle.
type OSTable struct{}

var _ tunnel.OSProcesses = OSTable{}

// Exists reports whether pid is alive. A zombie counts as gone, and when
// started is non-zero a process with a different creation time is treated as
// a reused pid.
func (OSTable) Exists(pid int, started time.Time) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil || !ok {
		return false, err
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return false, nil
		}
		return false, err
	}
	if st, err := p.Status(); err == nil && slices.Contains(st, gopsproc.Zombie) {
		return false, nil
	}
	if !started.IsZero() {
		if cur := startTime(pid); !cur.IsZero() {
			d := cur.Sub(started)
			if d < 0 {
				d = -d
			}
			if d > startSkew {
				return false, nil
			}
		}
	}
	return true, nil
}

// Kill terminates pid. A pid that no longer exists is not an error.
func (OSTable) Kill(pid int) error {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	return p.Kill()
}
