package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audittrail/internal/audit"
	"audittrail/internal/queue"
)

// captureProducer records enqueued jobs or fails on demand.
type captureProducer struct {
	topics   []string
	payloads [][]byte
	err      error
}

func (p *captureProducer) Enqueue(_ context.Context, topic string, payload []byte) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, append([]byte(nil), payload...))
	return "job-1", nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmitEnqueuesUnderCategoryTopic(t *testing.T) {
	tests := []struct {
		eventType audit.EventType
		wantTopic string
	}{
		{audit.EventEntityCreated, "audit.data-change"},
		{audit.EventLoginFailure, "audit.security"},
		{audit.EventDataExported, "audit.system"},
	}
	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			producer := &captureProducer{}
			e := New(producer, discardLogger(), nil)

			e.Emit(context.Background(), audit.Event{
				EventType:  tt.eventType,
				EntityName: "orders",
			})

			require.Len(t, producer.topics, 1)
			assert.Equal(t, tt.wantTopic, producer.topics[0])
		})
	}
}

func TestEmitFillsDefaults(t *testing.T) {
	producer := &captureProducer{}
	fixed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	e := New(producer, discardLogger(), nil, WithNow(func() time.Time { return fixed }))

	e.Emit(context.Background(), audit.Event{
		EventType:  audit.EventPermissionChanged,
		EntityName: "roles",
	})

	require.Len(t, producer.payloads, 1)
	var event audit.Event
	require.NoError(t, json.Unmarshal(producer.payloads[0], &event))

	assert.True(t, event.OccurredAt.Equal(fixed), "zero OccurredAt must be stamped with the emit time")
	assert.Equal(t, audit.SeverityHigh, event.Severity, "empty severity takes the event type default")
}

func TestEmitKeepsCallerValues(t *testing.T) {
	producer := &captureProducer{}
	e := New(producer, discardLogger(), nil)

	occurred := time.Date(2026, 4, 30, 23, 59, 0, 0, time.UTC)
	e.Emit(context.Background(), audit.Event{
		EventType:  audit.EventEntityDeleted,
		EntityName: "orders",
		Severity:   audit.SeverityCritical,
		OccurredAt: occurred,
	})

	require.Len(t, producer.payloads, 1)
	var event audit.Event
	require.NoError(t, json.Unmarshal(producer.payloads[0], &event))
	assert.Equal(t, audit.SeverityCritical, event.Severity)
	assert.True(t, event.OccurredAt.Equal(occurred))
}

func TestEmitRejectsInvalidEventsSilently(t *testing.T) {
	tests := []struct {
		name  string
		event audit.Event
	}{
		{"missing event type", audit.Event{EntityName: "orders"}},
		{"missing entity name", audit.Event{EventType: audit.EventEntityCreated}},
		{"empty event", audit.Event{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			producer := &captureProducer{}
			e := New(producer, discardLogger(), nil)

			// Must not panic and must not enqueue.
			e.Emit(context.Background(), tt.event)
			assert.Empty(t, producer.topics)
		})
	}
}

func TestEmitSwallowsEnqueueFailure(t *testing.T) {
	producer := &captureProducer{err: errors.New("redis down")}
	e := New(producer, discardLogger(), nil)

	// The emitter's contract: the caller never sees the failure.
	e.Emit(context.Background(), audit.Event{
		EventType:  audit.EventEntityCreated,
		EntityName: "orders",
	})
}

func TestEmitSwallowsQueueFull(t *testing.T) {
	producer := &captureProducer{err: queue.ErrQueueFull}
	e := New(producer, discardLogger(), nil)

	e.Emit(context.Background(), audit.Event{
		EventType:  audit.EventEntityCreated,
		EntityName: "orders",
	})
}

// Emission must survive a caller context that is already canceled: the
// audit trail of an aborted request still matters.
func TestEmitSurvivesCanceledCallerContext(t *testing.T) {
	producer := &captureProducer{}
	e := New(producer, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e.Emit(ctx, audit.Event{
		EventType:  audit.EventLoginSuccess,
		EntityName: "sessions",
	})
	assert.Len(t, producer.topics, 1)
}
