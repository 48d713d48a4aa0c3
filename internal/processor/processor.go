// Package processor is the consumer side of the audit pipeline. It turns
// queued events into tamper-evident persisted records: validate, compress
// large payloads, compute the integrity hash, persist idempotently, and
// alert on high-severity events.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"audittrail/internal/alert"
	"audittrail/internal/audit"
	"audittrail/internal/compression"
	"audittrail/internal/integrity"
	"audittrail/internal/platform/metrics"
	"audittrail/internal/queue"
	"audittrail/internal/storage"
)

// ErrValidation marks permanent failures: the job can never succeed, so it
// is dead-lettered immediately instead of retried.
var ErrValidation = errors.New("processor: event failed validation")

// recordNamespace seeds uuid.NewSHA1 so the persisted record id is a pure
// function of the job id. Redelivered jobs map to the same id and the
// idempotent insert turns them into no-ops.
var recordNamespace = uuid.MustParse("5c9f39e5-4b60-4be0-9a3d-31c2fe4f847e")

// RecordID derives the persisted record id for a queue job id.
func RecordID(jobID string) string {
	return uuid.NewSHA1(recordNamespace, []byte(jobID)).String()
}

// Result reports what processing one job did.
type Result struct {
	RecordID   string
	Inserted   bool
	Compressed bool
}

// Processor applies the processing steps for one job. Safe for concurrent
// use by the pool's workers.
type Processor struct {
	store      storage.Store
	integrity  *integrity.Service
	compressor *compression.Service
	alerter    alert.Alerter
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithNow overrides the clock source. Test hook.
func WithNow(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func New(
	store storage.Store,
	integritySvc *integrity.Service,
	compressor *compression.Service,
	alerter alert.Alerter,
	logger *slog.Logger,
	m *metrics.Metrics,
	opts ...Option,
) *Processor {
	p := &Processor{
		store:      store,
		integrity:  integritySvc,
		compressor: compressor,
		alerter:    alerter,
		logger:     logger,
		metrics:    m,
		tracer:     otel.Tracer("audittrail/processor"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// payloadEnvelope is the serialized form of the three structured fields,
// used both for the size check and as the compressed representation.
type payloadEnvelope struct {
	PreviousValues audit.Value `json:"previous_values,omitzero"`
	NewValues      audit.Value `json:"new_values,omitzero"`
	Metadata       audit.Value `json:"metadata,omitzero"`
}

// Process runs the full pipeline for one job. Errors wrapping ErrValidation
// are permanent; everything else is transient and eligible for retry.
// Reprocessing the same job id never creates a duplicate record.
func (p *Processor) Process(ctx context.Context, job *queue.Job) (Result, error) {
	start := p.now()
	ctx, span := p.tracer.Start(ctx, "audit.process",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.topic", job.Topic),
			attribute.Int("job.attempts", job.Attempts),
		))
	defer span.End()
	defer func() {
		p.metrics.ObserveProcessing(p.now().Sub(start).Seconds())
	}()

	var event audit.Event
	if err := json.Unmarshal(job.Payload, &event); err != nil {
		return Result{}, fmt.Errorf("%w: malformed payload: %v", ErrValidation, err)
	}
	if err := validate(&event); err != nil {
		return Result{}, err
	}

	record := p.buildRecord(job.ID, &event)

	seq, err := p.store.NextSequence(ctx, record.EntityName, record.EntityID)
	if err != nil {
		return Result{}, fmt.Errorf("assign sequence: %w", err)
	}
	record.Sequence = seq

	compressed := p.compressPayload(record)

	hash, err := p.integrity.ComputeHash(record)
	if err != nil {
		// Canonicalization never fails for records built here; treat a
		// failure as permanent rather than looping on it.
		return Result{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	record.IntegrityHash = hash

	inserted, err := p.store.Insert(ctx, record)
	if err != nil {
		return Result{}, fmt.Errorf("persist record: %w", err)
	}

	if inserted && record.Severity.Alertable() {
		p.alerter.Notify(ctx, alert.Alert{
			Kind:     alert.KindHighSeverityEvent,
			Message:  fmt.Sprintf("%s on %s", record.EventType, record.EntityName),
			RecordID: record.ID,
			Severity: string(record.Severity),
			At:       p.now(),
		})
	}

	if !inserted {
		p.logger.Debug("duplicate job delivery, record already persisted",
			"job_id", job.ID, "record_id", record.ID)
	}
	return Result{RecordID: record.ID, Inserted: inserted, Compressed: compressed}, nil
}

func validate(event *audit.Event) error {
	if event.EventType == "" {
		return fmt.Errorf("%w: missing event type", ErrValidation)
	}
	if event.EntityName == "" {
		return fmt.Errorf("%w: missing entity name", ErrValidation)
	}
	if !event.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrValidation, event.Severity)
	}
	if event.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurrence time", ErrValidation)
	}
	return nil
}

func (p *Processor) buildRecord(jobID string, event *audit.Event) *audit.Record {
	record := &audit.Record{
		ID:             RecordID(jobID),
		EventType:      event.EventType,
		EntityName:     event.EntityName,
		EntityID:       event.EntityID,
		ActorID:        event.ActorID,
		Severity:       event.Severity,
		// Postgres keeps microsecond precision; truncating up front keeps
		// the canonical form identical before and after a round trip.
		OccurredAt:     event.OccurredAt.UTC().Truncate(time.Microsecond),
		RecordedAt:     p.now().UTC().Truncate(time.Microsecond),
		PreviousValues: event.PreviousValues,
		NewValues:      event.NewValues,
		Metadata:       event.Metadata,
	}
	if ip, ok := event.Metadata.Field("client_ip"); ok {
		record.ClientIP = ip.StringVal()
	}
	return record
}

// compressPayload applies the compression policy in place and reports
// whether the payload ended up compressed. A compression failure keeps the
// raw payload and flags the record instead of losing the event.
func (p *Processor) compressPayload(record *audit.Record) bool {
	if !record.HasPayload() {
		return false
	}
	envelope, err := json.Marshal(payloadEnvelope{
		PreviousValues: record.PreviousValues,
		NewValues:      record.NewValues,
		Metadata:       record.Metadata,
	})
	if err != nil || !p.compressor.ShouldCompress(len(envelope)) {
		return false
	}

	blob, err := p.compressor.Compress(envelope)
	if err != nil {
		record.CompressionFailed = true
		p.metrics.IncCompressionFailed()
		p.logger.Warn("payload compression failed, storing raw",
			"record_id", record.ID, "size", len(envelope), "error", err)
		return false
	}

	record.CompressedPayload = blob
	record.IsCompressed = true
	record.PreviousValues = audit.Value{}
	record.NewValues = audit.Value{}
	record.Metadata = audit.Value{}
	p.metrics.IncCompressed()
	return true
}

// Decompress restores the structured payload fields of a compressed record
// in place. The query layer uses it to keep compression transparent to
// readers.
func Decompress(compressor *compression.Service, record *audit.Record) error {
	if !record.IsCompressed {
		return nil
	}
	envelope, err := compressor.Decompress(record.CompressedPayload)
	if err != nil {
		return fmt.Errorf("decompress record %s: %w", record.ID, err)
	}
	var payload payloadEnvelope
	if err := json.Unmarshal(envelope, &payload); err != nil {
		return fmt.Errorf("decode record %s payload: %w", record.ID, err)
	}
	record.PreviousValues = payload.PreviousValues
	record.NewValues = payload.NewValues
	record.Metadata = payload.Metadata
	record.CompressedPayload = nil
	record.IsCompressed = false
	return nil
}
