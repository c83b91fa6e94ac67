package tunnel

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loykin/vktunnel/internal/history"
)

func newTestEscalator(osp OSProcesses, clock Clock, rec Recorder) *Escalator {
	return NewEscalator(EscalatorOptions{}, osp, clock, slog.New(slog.NewTextHandler(io.Discard, nil)), rec)
}

func TestEscalatorAlreadyExited(t *testing.T) {
	p := newFakeProc(1)
	p.exit(0)
	clock := newScaledClock(1000)

	out := newTestEscalator(&fakeOS{}, clock, nil).Terminate(p)

	assert.Equal(t, ResultAlreadyExited, out.Result)
	assert.Zero(t, p.terms.Load())
	assert.Empty(t, clock.recorded())
}

func TestEscalatorGraceful(t *testing.T) {
	p := newFakeProc(1)
	rec := &memRecorder{}
	clock := newScaledClock(1000)

	out := newTestEscalator(&fakeOS{}, clock, rec).Terminate(p)

	assert.Equal(t, ResultExited, out.Result)
	assert.Equal(t, StageGraceful, out.Stage)
	assert.False(t, out.Degraded)
	assert.Zero(t, p.kills.Load())
	assert.Equal(t, []time.Duration{5 * time.Second, 2 * time.Second}, clock.recorded(), "settles and re-checks after SIGTERM")
	evs := rec.ofType(history.EventEscalation)
	if assert.Len(t, evs, 1) {
		assert.Equal(t, "exited", evs[0].Detail)
		assert.Equal(t, 143, evs[0].ExitCode)
	}
}

func TestEscalatorForceful(t *testing.T) {
	p := newFakeProc(1)
	p.ignoreTerm = true
	clock := newScaledClock(1000)

	out := newTestEscalator(&fakeOS{}, clock, nil).Terminate(p)

	assert.Equal(t, ResultExited, out.Result)
	assert.Equal(t, StageForceful, out.Stage)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 2 * time.Second}, clock.recorded())
}

func TestEscalatorStuckTiersInOrder(t *testing.T) {
	p := newFakeProc(1)
	p.ignoreTerm = true
	p.ignoreKill = true
	osp := &fakeOS{}
	osp.alive.Store(true)
	clock := newScaledClock(1000)

	out := newTestEscalator(osp, clock, nil).Terminate(p)

	assert.Equal(t, ResultStuck, out.Result)
	assert.True(t, out.Degraded)
	assert.Equal(t, int32(1), p.terms.Load())
	assert.Equal(t, int32(1), p.kills.Load())
	assert.Equal(t, int32(1), osp.kills.Load())
	assert.Equal(t, []time.Duration{
		5 * time.Second, // SIGTERM
		5 * time.Second, // SIGKILL
		2 * time.Second, // settle
		5 * time.Second, // final kill
	}, clock.recorded())
}

func TestEscalatorKilledLate(t *testing.T) {
	p := newFakeProc(1)
	p.ignoreTerm = true
	p.ignoreKill = true
	osp := &fakeOS{onKill: func() { p.exit(137) }}
	osp.alive.Store(true)

	out := newTestEscalator(osp, newScaledClock(1000), nil).Terminate(p)

	assert.Equal(t, ResultKilledLate, out.Result)
	assert.True(t, out.Degraded)
}

func TestEscalatorVerifiedGone(t *testing.T) {
	p := newFakeProc(1)
	p.ignoreTerm = true
	p.ignoreKill = true
	osp := &fakeOS{}
	clock := newScaledClock(1000)

	out := newTestEscalator(osp, clock, nil).Terminate(p)

	assert.Equal(t, ResultVerified, out.Result)
	assert.False(t, out.Degraded)
	assert.Zero(t, osp.kills.Load())
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 2 * time.Second}, clock.recorded())
}

func TestEscalatorSignalErrorUsesOSFallback(t *testing.T) {
	p := newFakeProc(1)
	p.termErr = errors.New("operation not permitted")
	osp := &fakeOS{onKill: func() { p.exit(137) }}

	out := newTestEscalator(osp, newScaledClock(1000), nil).Terminate(p)

	assert.Equal(t, ResultExited, out.Result)
	assert.Equal(t, StageOSFallback, out.Stage)
	assert.Equal(t, int32(1), osp.kills.Load())
	assert.Zero(t, p.kills.Load())
}

func TestEscalatorLeftoverAfterGracefulExit(t *testing.T) {
	p := newFakeProc(1)
	osp := &fakeOS{}
	osp.alive.Store(true)
	osp.onKill = func() { osp.alive.Store(false) }
	clock := newScaledClock(1000)

	out := newTestEscalator(osp, clock, nil).Terminate(p)

	assert.Equal(t, ResultKilledLate, out.Result)
	assert.Equal(t, StageVerify, out.Stage)
	assert.True(t, out.Degraded)
	assert.Equal(t, int32(1), osp.kills.Load())
	assert.Zero(t, p.kills.Load())
	assert.Equal(t, []time.Duration{5 * time.Second, 2 * time.Second}, clock.recorded()[:2])
}
