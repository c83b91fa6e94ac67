package tunnel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateSnapshotDerivesAges(t *testing.T) {
	st := NewState()
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	st.beginCycle(start)

	snap := st.Snapshot(start.Add(time.Minute))
	assert.False(t, snap.Running)
	assert.Zero(t, snap.UptimeSeconds)

	st.attach(newFakeProc(42), start)
	st.healthOK(start.Add(30 * time.Second))
	snap = st.Snapshot(start.Add(3723 * time.Second))
	assert.True(t, snap.Running)
	assert.Equal(t, 42, snap.PID)
	assert.Equal(t, int64(3723), snap.UptimeSeconds)
	assert.Equal(t, int64(3693), snap.LastHealthAgeSeconds)
	assert.Equal(t, "1h 2m 3s", FormatDuration(snap.Uptime()))

	st.detach()
	assert.False(t, st.Snapshot(start).Running)
	assert.Nil(t, st.process())
}

func TestStateBeginCycleResetsPerCycleFields(t *testing.T) {
	st := NewState()
	st.beginCycle(time.Now())
	require.True(t, st.markReady("wss://a/ws", "a"))
	st.incHealthFailures()
	st.incCrashes()

	st.beginCycle(time.Now())
	snap := st.Snapshot(time.Now())
	assert.False(t, snap.NotificationSent)
	assert.Empty(t, snap.CurrentHost)
	assert.Empty(t, snap.CurrentEndpointURL)
	assert.Zero(t, snap.ConsecutiveHealthFailures)
	assert.Equal(t, 1, snap.TotalCrashes, "crash counter survives cycles")
}

func TestStateReleaseAndHold(t *testing.T) {
	st := NewState()
	assert.False(t, st.release())

	st.incCrashes()
	st.setBlocked(true)
	assert.True(t, st.Held())
	assert.True(t, st.release())
	assert.False(t, st.Held())
	assert.Zero(t, st.TotalCrashes())

	racing, err := st.requestStop()
	require.NoError(t, err)
	assert.False(t, racing)
	assert.True(t, st.Held())
	_, err = st.requestStop()
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestStateRequestsOnlyWhileRacing(t *testing.T) {
	st := NewState()
	raised := 0
	raise := func() { raised++ }

	assert.ErrorIs(t, st.whileRacing(raise), ErrNotRunning)

	st.attach(newFakeProc(9), time.Now())
	require.NoError(t, st.whileRacing(raise))
	assert.Equal(t, 1, raised)

	st.endRace()
	assert.ErrorIs(t, st.whileRacing(raise), ErrNotRunning)
	assert.Equal(t, 1, raised, "a refused request raises nothing")

	racing, err := st.requestStop()
	require.NoError(t, err)
	assert.False(t, racing)
	assert.True(t, st.Held())
}

func TestStateExitedChildIsNotRunning(t *testing.T) {
	st := NewState()
	p := newFakeProc(11)
	st.attach(p, time.Now())
	require.True(t, st.Snapshot(time.Now()).Running)

	p.exit(1)
	snap := st.Snapshot(time.Now())
	assert.False(t, snap.Running)
	assert.Zero(t, snap.PID)
	assert.Zero(t, snap.UptimeSeconds)
}

func TestStateAuthLifecycle(t *testing.T) {
	st := NewState()
	_, err := st.takeAuth()
	assert.ErrorIs(t, err, ErrNoAuthPending)

	assert.False(t, st.markAuth(""))
	assert.True(t, st.Snapshot(time.Now()).WaitingForAuth)
	_, err = st.takeAuth()
	assert.ErrorIs(t, err, ErrNotRunning)

	assert.True(t, st.markAuth("https://oauth.vk.ru/a"))
	assert.False(t, st.markAuth("https://oauth.vk.ru/a"))
	assert.True(t, st.markAuth("https://oauth.vk.ru/b"))

	p := newFakeProc(7)
	st.attach(p, time.Now())
	got, err := st.takeAuth()
	require.NoError(t, err)
	assert.Same(t, p, got)
	snap := st.Snapshot(time.Now())
	assert.False(t, snap.WaitingForAuth)
	assert.Empty(t, snap.AuthURL)
}

func TestStateMarkReadyClaimsOnce(t *testing.T) {
	st := NewState()
	st.markAuth("https://oauth.vk.ru/x")
	st.incHealthFailures()

	assert.True(t, st.markReady("wss://h/ws", "h"))
	assert.False(t, st.markReady("wss://other/ws", "other"))

	snap := st.Snapshot(time.Now())
	assert.Equal(t, "h", snap.CurrentHost)
	assert.False(t, snap.WaitingForAuth)
	assert.Zero(t, snap.ConsecutiveHealthFailures)
}
