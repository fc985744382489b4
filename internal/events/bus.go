// Package events fans tuning lifecycle events out to configured sinks.
// Delivery is best effort: a failing sink logs and never blocks the loop
// that emitted the event.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event types published by the tuning loops.
const (
	TypeActionEnqueued      = "action_enqueued"
	TypeActionImplemented   = "action_implemented"
	TypeActionCompleted     = "action_completed"
	TypeActionRolledBack    = "action_rolled_back"
	TypeInsightGenerated    = "insight_generated"
	TypeExperimentConverged = "experiment_converged"
)

// Event is one lifecycle notification.
type Event struct {
	Type      string         `json:"type"`
	Category  string         `json:"category,omitempty"`
	Subject   string         `json:"subject,omitempty"` // action or insight id
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives published events.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

// Bus fans events out to its sinks sequentially. Sinks are expected to
// return quickly; slow transports should buffer internally.
type Bus struct {
	logger *slog.Logger

	mu    sync.RWMutex
	sinks []Sink
}

// NewBus creates a Bus that always logs events through logger.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger.With("component", "events")}
}

// AddSink registers an additional sink.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
	b.logger.Info("event sink registered", "sink", s.Name())
}

// Publish stamps and delivers the event to every sink. Failures are logged
// per sink and never propagate.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.logger.Info("event", "type", e.Type, "category", e.Category, "subject", e.Subject)

	b.mu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Deliver(ctx, e); err != nil {
			b.logger.Warn("event delivery failed", "sink", s.Name(), "type", e.Type, "error", err)
		}
	}
}

// Close stops sinks that hold connections.
func (b *Bus) Close() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sinks {
		if c, ok := s.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
