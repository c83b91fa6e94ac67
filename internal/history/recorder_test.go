package history

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("boom")
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func TestRecorderDeliversToAllSinks(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	r := NewRecorder(nil, a, b)

	r.Record(Event{Type: EventCycleStarted, PID: 10})
	r.Record(NewEvent(EventTunnelReady))
	require.NoError(t, r.Close())

	for _, s := range []*memSink{a, b} {
		require.Len(t, s.events, 2)
		assert.Equal(t, EventCycleStarted, s.events[0].Type)
		assert.NotEmpty(t, s.events[0].ID, "missing IDs are filled in")
		assert.False(t, s.events[0].OccurredAt.IsZero())
		assert.True(t, s.closed)
	}
}

func TestRecorderSurvivesFailingSink(t *testing.T) {
	bad, good := &memSink{fail: true}, &memSink{}
	r := NewRecorder(nil, bad, good)
	r.Record(NewEvent(EventCommand))
	require.NoError(t, r.Close())
	assert.Len(t, good.events, 1)
}

func TestRecorderIgnoresRecordAfterClose(t *testing.T) {
	s := &memSink{}
	r := NewRecorder(nil, s)
	require.NoError(t, r.Close())
	assert.NotPanics(t, func() { r.Record(NewEvent(EventCommand)) })
	assert.NoError(t, r.Close())
}

func TestNewEvent(t *testing.T) {
	a, b := NewEvent(EventCrashLimit), NewEvent(EventCrashLimit)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, EventCrashLimit, a.Type)
}
