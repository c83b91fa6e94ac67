package tunnel

import "errors"

var (
	// ErrSpawn wraps any failure to start the tunnel binary.
	ErrSpawn = errors.New("spawn tunnel process")
	// ErrAlreadyRunning is returned by Start when the supervisor is neither stopped nor blocked.
	ErrAlreadyRunning = errors.New("tunnel is already running")
	// ErrNotRunning is returned when a command needs a live child process.
	ErrNotRunning = errors.New("tunnel process is not running")
	// ErrNoAuthPending is returned by Accept when no authorization prompt is outstanding.
	ErrNoAuthPending = errors.New("no authorization is pending")
)
