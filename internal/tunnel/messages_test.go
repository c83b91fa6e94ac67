package tunnel

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0h 0m 0s", FormatDuration(0))
	assert.Equal(t, "0h 0m 0s", FormatDuration(-time.Second))
	assert.Equal(t, "26h 0m 59s", FormatDuration(26*time.Hour+59*time.Second))
}

func TestFormatStatus(t *testing.T) {
	out := FormatStatus(Snapshot{})
	assert.Contains(t, out, "not running")

	out = FormatStatus(Snapshot{Blocked: true, TotalCrashes: 5})
	assert.Contains(t, out, "crash limit")
	assert.Contains(t, out, "Crashes: 5")

	out = FormatStatus(Snapshot{
		PID:                       321,
		Running:                   true,
		UptimeSeconds:             3725,
		LastHealthAgeSeconds:      12,
		CurrentHost:               "h.example",
		ConsecutiveHealthFailures: 1,
	})
	assert.Contains(t, out, "`321`")
	assert.Contains(t, out, "1h 2m 5s")
	assert.Contains(t, out, "0h 0m 12s ago")
	assert.Contains(t, out, "h.example")
	assert.Contains(t, out, "Health failures: 1")
}

func TestReadyMessageReportsAPIOutcome(t *testing.T) {
	id := Identity{Hostname: "srv", IP: "1.2.3.4"}
	assert.Contains(t, readyMessage(id, "h", nil, true), "API updated")
	assert.Contains(t, readyMessage(id, "h", errors.New("x"), true), "API update failed")
	assert.NotContains(t, readyMessage(id, "h", nil, false), "API")
}
