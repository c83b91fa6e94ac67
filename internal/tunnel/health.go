package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/vktunnel/internal/detector"
	"github.com/loykin/vktunnel/internal/metrics"
)

// HealthOptions configures the periodic endpoint probe.
type HealthOptions struct {
	Grace     time.Duration // delay before the first probe
	Interval  time.Duration
	Timeout   time.Duration // per probe
	Threshold int           // consecutive failures that trigger a restart
}

// DefaultHealthOptions returns the production probe settings.
func DefaultHealthOptions() HealthOptions {
	return HealthOptions{
		Grace:     20 * time.Second,
		Interval:  30 * time.Second,
		Timeout:   5 * time.Second,
		Threshold: 3,
	}
}

func (o HealthOptions) withDefaults() HealthOptions {
	d := DefaultHealthOptions()
	if o.Grace < 0 {
		o.Grace = 0
	}
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.Threshold < 1 {
		o.Threshold = d.Threshold
	}
	return o
}

type healthMonitor struct {
	probe  Probe
	state  *State
	signal *Signal
	clock  Clock
	logger *slog.Logger
	opts   HealthOptions
}

// run probes until ctx ends or the failure threshold is reached, in which case
// it raises the health signal once and returns.
func (h *healthMonitor) run(ctx context.Context) {
	if !sleep(ctx, h.clock, h.opts.Grace) {
		return
	}
	for {
		pctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
		err := h.probe.Probe(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		switch {
		case err == nil:
			h.state.healthOK(h.clock.Now())
			metrics.IncHealthCheck("ok")
		case errors.Is(err, detector.ErrUnreachable):
			metrics.IncHealthCheck("unreachable")
			n := h.state.incHealthFailures()
			h.logger.Warn("health check failed", "failures", n, "threshold", h.opts.Threshold, "error", err)
			if n >= h.opts.Threshold {
				h.logger.Error("tunnel endpoint unhealthy, requesting restart", "failures", n)
				h.signal.Set()
				return
			}
		default:
			metrics.IncHealthCheck("error")
			h.logger.Error("health check error", "error", err)
		}

		if !sleep(ctx, h.clock, h.opts.Interval) {
			return
		}
	}
}
