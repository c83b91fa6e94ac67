package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/vktunnel/internal/metrics"
)

const (
	defaultQueueSize = 256
	sendTimeout      = 5 * time.Second
)

// Recorder fans events out to sinks on a background goroutine. Record never
// blocks: when the queue is full the event is dropped and counted.
type Recorder struct {
	sinks  []Sink
	queue  chan Event
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
	once   sync.Once
	logger *slog.Logger
}

// NewRecorder starts a recorder delivering to sinks. A recorder with no sinks
// accepts and discards events.
func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	return NewRecorderSize(logger, defaultQueueSize, sinks...)
}

// NewRecorderSize is NewRecorder with a queue of size events. A non-positive
// size takes the default.
func NewRecorderSize(logger *slog.Logger, size int, sinks ...Sink) *Recorder {
	if size <= 0 {
		size = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		sinks:  sinks,
		queue:  make(chan Event, size),
		done:   make(chan struct{}),
		logger: logger,
	}
	go r.loop()
	return r
}

// Record enqueues e.
func (r *Recorder) Record(e Event) {
	if len(r.sinks) == 0 {
		return
	}
	if e.ID == "" {
		fresh := NewEvent(e.Type)
		e.ID = fresh.ID
		if e.OccurredAt.IsZero() {
			e.OccurredAt = fresh.OccurredAt
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		metrics.IncHistoryDropped()
		r.logger.Warn("history queue full, dropping event", "type", e.Type)
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.Send(ctx, e); err != nil {
				metrics.IncHistoryError()
				r.logger.Warn("history sink failed", "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}

// Close drains pending events, then closes sinks that implement io.Closer.
func (r *Recorder) Close() error {
	var firstErr error
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		<-r.done
		for _, s := range r.sinks {
			if c, ok := s.(interface{ Close() error }); ok {
				if err := c.Close(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	})
	return firstErr
}
