package tunnel

import (
	"sync"
	"time"
)

// State is the single shared view of the supervised tunnel. The supervisor owns
// the structural fields (pid, crash counter, stopped/blocked flags); the parser
// and the health probe only touch their advisory fields. Every read-modify-write
// happens inside one method so concurrent sub-tasks never act on stale values.
type State struct {
	mu sync.Mutex

	pid                       int
	startedAt                 time.Time
	lastOutputAt              time.Time
	lastHealthCheckAt         time.Time
	consecutiveHealthFailures int
	totalCrashes              int
	notificationSent          bool
	currentHost               string
	currentEndpointURL        string
	waitingForAuth            bool
	authURL                   string
	isStopped                 bool
	isBlocked                 bool

	proc Process
	// racing is true from attach until the cycle's end cause is resolved.
	// Only then can a restart or scheduled request still end the cycle.
	racing bool
}

// NewState returns an empty state. The supervisor starts in the running (not stopped) mode.
func NewState() *State { return &State{} }

// Snapshot is a copy of State safe to hand out to callers.
type Snapshot struct {
	PID                       int       `json:"pid"`
	Running                   bool      `json:"running"`
	StartedAt                 time.Time `json:"started_at"`
	LastOutputAt              time.Time `json:"last_output_at"`
	LastHealthCheckAt         time.Time `json:"last_health_check_at"`
	ConsecutiveHealthFailures int       `json:"consecutive_health_failures"`
	TotalCrashes              int       `json:"total_crashes"`
	NotificationSent          bool      `json:"notification_sent"`
	CurrentHost               string    `json:"current_host,omitempty"`
	CurrentEndpointURL        string    `json:"current_endpoint_url,omitempty"`
	WaitingForAuth            bool      `json:"waiting_for_auth"`
	AuthURL                   string    `json:"auth_url,omitempty"`
	Stopped                   bool      `json:"stopped"`
	Blocked                   bool      `json:"blocked"`
	UptimeSeconds             int64     `json:"uptime_seconds"`
	LastHealthAgeSeconds      int64     `json:"last_health_age_seconds"`
}

// Uptime returns how long the current child has been running.
func (s Snapshot) Uptime() time.Duration { return time.Duration(s.UptimeSeconds) * time.Second }

// LastHealthAge returns the time since the last successful probe (or since start).
func (s Snapshot) LastHealthAge() time.Duration {
	return time.Duration(s.LastHealthAgeSeconds) * time.Second
}

// Snapshot copies the state and derives uptime and last-health age relative to now.
func (st *State) Snapshot(now time.Time) Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	live := st.liveLocked()
	snap := Snapshot{
		Running:                   live,
		StartedAt:                 st.startedAt,
		LastOutputAt:              st.lastOutputAt,
		LastHealthCheckAt:         st.lastHealthCheckAt,
		ConsecutiveHealthFailures: st.consecutiveHealthFailures,
		TotalCrashes:              st.totalCrashes,
		NotificationSent:          st.notificationSent,
		CurrentHost:               st.currentHost,
		CurrentEndpointURL:        st.currentEndpointURL,
		WaitingForAuth:            st.waitingForAuth,
		AuthURL:                   st.authURL,
		Stopped:                   st.isStopped,
		Blocked:                   st.isBlocked,
	}
	if live {
		snap.PID = st.pid
	}
	if live && !st.startedAt.IsZero() {
		snap.UptimeSeconds = int64(now.Sub(st.startedAt) / time.Second)
		ref := st.lastHealthCheckAt
		if ref.IsZero() {
			ref = st.startedAt
		}
		snap.LastHealthAgeSeconds = int64(now.Sub(ref) / time.Second)
	}
	return snap
}

// liveLocked reports whether the attached child has not exited yet. A child
// whose exit is still being handled counts as gone.
func (st *State) liveLocked() bool {
	return st.pid != 0 && st.proc != nil && !st.proc.Exited()
}

// beginCycle resets the per-cycle fields before a new spawn.
func (st *State) beginCycle(now time.Time) {
	st.mu.Lock()
	st.notificationSent = false
	st.startedAt = now
	st.lastOutputAt = now
	st.lastHealthCheckAt = now
	st.pid = 0
	st.proc = nil
	st.currentEndpointURL = ""
	st.currentHost = ""
	st.consecutiveHealthFailures = 0
	st.mu.Unlock()
}

func (st *State) attach(p Process, now time.Time) {
	st.mu.Lock()
	st.proc = p
	st.pid = p.PID()
	st.startedAt = now
	st.racing = true
	st.mu.Unlock()
}

func (st *State) detach() {
	st.mu.Lock()
	st.proc = nil
	st.pid = 0
	st.racing = false
	st.mu.Unlock()
}

// endRace closes the window in which requests can end the current cycle.
func (st *State) endRace() {
	st.mu.Lock()
	st.racing = false
	st.mu.Unlock()
}

// whileRacing runs raise if the current cycle can still be ended by a
// request, and returns ErrNotRunning otherwise. raise runs under the state
// lock so it cannot interleave with endRace.
func (st *State) whileRacing(raise func()) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.isStopped || st.isBlocked || !st.racing {
		return ErrNotRunning
	}
	raise()
	return nil
}

// requestStop marks the loop stopped. It reports whether a cycle is still
// racing and must be woken; otherwise the loop holds before its next spawn.
func (st *State) requestStop() (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.isStopped || st.isBlocked {
		return false, ErrNotRunning
	}
	st.isStopped = true
	return st.racing, nil
}

// process returns the live child, or nil.
func (st *State) process() Process {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.proc
}

// TotalCrashes returns the current crash counter.
func (st *State) TotalCrashes() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.totalCrashes
}

func (st *State) incCrashes() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.totalCrashes++
	return st.totalCrashes
}

func (st *State) resetCrashes() {
	st.mu.Lock()
	st.totalCrashes = 0
	st.mu.Unlock()
}

// Held reports whether the loop must hold without spawning.
func (st *State) Held() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.isStopped || st.isBlocked
}

func (st *State) setBlocked(v bool) {
	st.mu.Lock()
	st.isBlocked = v
	st.mu.Unlock()
}

// release clears stopped and blocked and resets crashes. It reports false when
// neither flag was set, in which case nothing changes.
func (st *State) release() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.isStopped && !st.isBlocked {
		return false
	}
	st.isStopped = false
	st.isBlocked = false
	st.totalCrashes = 0
	return true
}

func (st *State) touchOutput(now time.Time) {
	st.mu.Lock()
	st.lastOutputAt = now
	st.mu.Unlock()
}

func (st *State) healthOK(now time.Time) {
	st.mu.Lock()
	st.consecutiveHealthFailures = 0
	st.lastHealthCheckAt = now
	st.mu.Unlock()
}

func (st *State) incHealthFailures() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.consecutiveHealthFailures++
	return st.consecutiveHealthFailures
}

// markAuth records an authorization prompt. url may be empty when only the
// marker was seen. It reports true when url is new for this state.
func (st *State) markAuth(url string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.waitingForAuth = true
	if url == "" || url == st.authURL {
		return false
	}
	st.authURL = url
	return true
}

// takeAuth clears a pending authorization and returns the child to acknowledge.
func (st *State) takeAuth() (Process, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.waitingForAuth {
		return nil, ErrNoAuthPending
	}
	if st.proc == nil {
		return nil, ErrNotRunning
	}
	st.waitingForAuth = false
	st.authURL = ""
	return st.proc, nil
}

// markReady claims the one ready notification of the cycle. It reports false if
// the notification was already claimed.
func (st *State) markReady(endpoint, host string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.notificationSent {
		return false
	}
	st.currentEndpointURL = endpoint
	st.currentHost = host
	st.waitingForAuth = false
	st.authURL = ""
	st.notificationSent = true
	st.consecutiveHealthFailures = 0
	return true
}

func (st *State) readySent() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.notificationSent
}
