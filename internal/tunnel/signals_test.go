package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestSignalLevelTriggered(t *testing.T) {
	s := newSignal()
	assert.False(t, s.IsSet())
	assert.False(t, closed(s.C()))

	s.Set()
	s.Set()
	assert.True(t, s.IsSet())
	assert.True(t, closed(s.C()))
	// stays set until cleared
	assert.True(t, closed(s.C()))

	s.Clear()
	assert.False(t, s.IsSet())
	assert.False(t, closed(s.C()))

	s.Set()
	assert.True(t, closed(s.C()))
}

func TestSignalsClearAll(t *testing.T) {
	sig := NewSignals()
	for _, s := range []*Signal{sig.Restart, sig.Start, sig.Stop, sig.Scheduled, sig.Health} {
		s.Set()
	}
	sig.clearAll()
	for _, s := range []*Signal{sig.Restart, sig.Start, sig.Stop, sig.Scheduled, sig.Health} {
		assert.False(t, s.IsSet())
	}
}
