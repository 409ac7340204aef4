package audit

import (
	"context"
	"sync"

	"budget_gateway/internal/queue"
	"budget_gateway/internal/utils"
)

// LogSink writes events to the structured log. Always available, used as
// the fallback when the queue sink cannot accept an event.
type LogSink struct {
	logger *utils.Logger
}

// NewLogSink creates a log-backed sink
func NewLogSink() *LogSink {
	return &LogSink{logger: utils.NewLogger("audit")}
}

func (s *LogSink) Emit(ctx context.Context, event Event) {
	keyvals := []interface{}{
		"kind", event.Kind,
		"severity", event.Severity,
		"agent_id", event.AgentID,
		"lease_id", event.LeaseID,
	}
	for k, v := range event.Detail {
		keyvals = append(keyvals, k, v)
	}

	switch event.Severity {
	case SeverityCritical:
		s.logger.Error("Audit event", keyvals...)
	case SeverityWarning:
		s.logger.Warn("Audit event", keyvals...)
	default:
		s.logger.Info("Audit event", keyvals...)
	}
}

// QueueSink enqueues events for async persistence by the audit worker.
// Events that cannot be enqueued are logged instead of lost.
type QueueSink struct {
	queue    queue.Queue
	fallback *LogSink
	logger   *utils.Logger
}

// NewQueueSink creates a queue-backed sink
func NewQueueSink(q queue.Queue) *QueueSink {
	return &QueueSink{
		queue:    q,
		fallback: NewLogSink(),
		logger:   utils.NewLogger("audit"),
	}
}

func (s *QueueSink) Emit(ctx context.Context, event Event) {
	if err := s.queue.Enqueue(ctx, event); err != nil {
		s.logger.Warn("Failed to enqueue audit event, logging instead", "kind", event.Kind, "error", err)
		s.fallback.Emit(ctx, event)
	}
}

// MultiSink fans one event out to several sinks
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a fan-out sink
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (s *MultiSink) Emit(ctx context.Context, event Event) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, event)
	}
}

// NopSink discards events. Test helper.
type NopSink struct{}

func (NopSink) Emit(ctx context.Context, event Event) {}

// CaptureSink records events in memory. Test helper.
type CaptureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *CaptureSink) Emit(ctx context.Context, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns a copy of everything emitted so far
func (s *CaptureSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
