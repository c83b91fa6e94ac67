//go:build windows

package process

import (
	"errors"
	"os"
)

// Windows has no SIGTERM; both tiers terminate the process.
func terminateGroup(pid int) error { return killGroup(pid) }

func killGroup(pid int) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
