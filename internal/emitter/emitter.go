// Package emitter is the producer side of the audit pipeline. It runs
// inline with the caller's control flow, so its contract is strict: it
// never blocks beyond a bounded enqueue wait and never surfaces a failure
// to the caller. A lost audit event is an accepted tradeoff; a failed
// business operation because of auditing is not.
package emitter

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"audittrail/internal/audit"
	"audittrail/internal/platform/metrics"
	"audittrail/internal/queue"
)

// DefaultEnqueueWait bounds how long Emit may spend handing a job to the
// queue before giving up.
const DefaultEnqueueWait = 250 * time.Millisecond

// Emitter implements audit.Sink on top of a queue producer.
type Emitter struct {
	producer queue.Producer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	wait     time.Duration
	now      func() time.Time
}

var _ audit.Sink = (*Emitter)(nil)

// Option configures an Emitter.
type Option func(*Emitter)

// WithEnqueueWait overrides the bounded enqueue wait.
func WithEnqueueWait(d time.Duration) Option {
	return func(e *Emitter) { e.wait = d }
}

// WithNow overrides the clock source. Test hook.
func WithNow(now func() time.Time) Option {
	return func(e *Emitter) { e.now = now }
}

func New(producer queue.Producer, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Emitter {
	e := &Emitter{
		producer: producer,
		logger:   logger,
		metrics:  m,
		wait:     DefaultEnqueueWait,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit canonicalizes the event and submits it under the topic derived from
// its category. All failures are logged and swallowed.
func (e *Emitter) Emit(ctx context.Context, event audit.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.IncDropped()
			e.logger.Error("audit emit panicked", "panic", r)
		}
	}()

	if event.EventType == "" || event.EntityName == "" {
		e.metrics.IncDropped()
		e.logger.Warn("audit event rejected: event type and entity name are required",
			"event_type", string(event.EventType),
			"entity_name", event.EntityName,
		)
		return
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.now()
	}
	if !event.Severity.Valid() {
		event.Severity = event.EventType.DefaultSeverity()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		e.metrics.IncDropped()
		e.logger.Error("audit event rejected: serialization failed",
			"event_type", string(event.EventType),
			"error", err,
		)
		return
	}

	// Detach from the caller's cancellation but keep its values, then bound
	// the wait: an aborted request must not lose its audit trail, and a
	// slow queue must not stall the request path.
	enqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.wait)
	defer cancel()

	topic := event.EventType.Category().Topic()
	if _, err := e.producer.Enqueue(enqCtx, topic, payload); err != nil {
		e.metrics.IncDropped()
		e.logger.Error("audit event lost: enqueue failed",
			"topic", topic,
			"event_type", string(event.EventType),
			"error", err,
		)
		return
	}
	e.metrics.IncEmitted()
}
