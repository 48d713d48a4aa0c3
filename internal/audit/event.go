package audit

import "time"

// EventCategory groups event types by their processing needs. The category
// names the queue topic the emitter publishes to, so differently-provisioned
// worker pools can consume each category independently.
type EventCategory string

const (
	// CategoryDataChange covers create/update/delete events carrying
	// before/after payloads.
	CategoryDataChange EventCategory = "data-change"

	// CategorySecurity covers authentication, permission, and
	// sensitive-data-access events. These feed alerting pipelines.
	CategorySecurity EventCategory = "security"

	// CategorySystem covers events not tied to a single domain entity,
	// such as exports and internal errors.
	CategorySystem EventCategory = "system"
)

// Topic returns the queue topic for this category. The worker pool must
// subscribe under exactly this name; startup verifies it (see cmd/server).
func (c EventCategory) Topic() string {
	return "audit." + string(c)
}

// Severity drives retention duration and alerting. It is immutable after
// the event is created.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Alertable reports whether events of this severity must be pushed to the
// alerting collaborator at processing time.
func (s Severity) Alertable() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// EventType enumerates the auditable actions.
type EventType string

const (
	EventEntityCreated       EventType = "entity_created"
	EventEntityUpdated       EventType = "entity_updated"
	EventEntityDeleted       EventType = "entity_deleted"
	EventLoginSuccess        EventType = "login_success"
	EventLoginFailure        EventType = "login_failure"
	EventPermissionChanged   EventType = "permission_changed"
	EventSensitiveDataAccess EventType = "sensitive_data_access"
	EventDataExported        EventType = "data_exported"
	EventSystemError         EventType = "system_error"
)

var eventCategories = map[EventType]EventCategory{
	EventEntityCreated:       CategoryDataChange,
	EventEntityUpdated:       CategoryDataChange,
	EventEntityDeleted:       CategoryDataChange,
	EventLoginSuccess:        CategorySecurity,
	EventLoginFailure:        CategorySecurity,
	EventPermissionChanged:   CategorySecurity,
	EventSensitiveDataAccess: CategorySecurity,
	EventDataExported:        CategorySystem,
	EventSystemError:         CategorySystem,
}

// defaultSeverities is consulted when the caller leaves Severity empty.
var defaultSeverities = map[EventType]Severity{
	EventEntityCreated:       SeverityLow,
	EventEntityUpdated:       SeverityLow,
	EventEntityDeleted:       SeverityMedium,
	EventLoginSuccess:        SeverityLow,
	EventLoginFailure:        SeverityMedium,
	EventPermissionChanged:   SeverityHigh,
	EventSensitiveDataAccess: SeverityHigh,
	EventDataExported:        SeverityMedium,
	EventSystemError:         SeverityHigh,
}

// Category returns the EventCategory for this event type. Unknown types
// default to CategorySystem.
func (e EventType) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategorySystem
}

// DefaultSeverity returns the severity applied when the caller does not set
// one. Unknown types default to SeverityMedium.
func (e EventType) DefaultSeverity() Severity {
	if sev, ok := defaultSeverities[e]; ok {
		return sev
	}
	return SeverityMedium
}

// Event is what domain code hands to the emitter. It is transport-agnostic:
// the emitter canonicalizes it and the processor turns it into a Record.
type Event struct {
	EventType  EventType `json:"event_type"`
	EntityName string    `json:"entity_name"`
	// EntityID is empty for system-level events.
	EntityID string `json:"entity_id,omitempty"`
	// ActorID is empty for unauthenticated or system-originated events.
	ActorID  string   `json:"actor_id,omitempty"`
	Severity Severity `json:"severity,omitempty"`
	// OccurredAt is stamped by the emitter when zero, so ordering reflects
	// occurrence time rather than processing time.
	OccurredAt     time.Time `json:"occurred_at"`
	PreviousValues Value     `json:"previous_values,omitzero"`
	NewValues      Value     `json:"new_values,omitzero"`
	Metadata       Value     `json:"metadata,omitzero"`
}

// Record is the persisted, tamper-evident form of an Event.
type Record struct {
	// ID is derived deterministically from the queue job id at persistence
	// time, which makes reprocessing idempotent. Callers never assign it.
	ID             string    `json:"id"`
	EventType      EventType `json:"event_type"`
	EntityName     string    `json:"entity_name"`
	EntityID       string    `json:"entity_id,omitempty"`
	ActorID        string    `json:"actor_id,omitempty"`
	Severity       Severity  `json:"severity"`
	OccurredAt     time.Time `json:"occurred_at"`
	RecordedAt     time.Time `json:"recorded_at"`
	PreviousValues Value     `json:"previous_values,omitzero"`
	NewValues      Value     `json:"new_values,omitzero"`
	Metadata       Value     `json:"metadata,omitzero"`

	// ClientIP is lifted out of Metadata at processing time so the query
	// layer can filter on it even when the payload is compressed.
	ClientIP string `json:"client_ip,omitempty"`

	// Sequence is a monotonic per-entity counter assigned at persistence.
	// Concurrent workers may persist out of enqueue order; OccurredAt plus
	// Sequence recovers per-entity chronology.
	Sequence int64 `json:"sequence"`

	// CompressedPayload holds the gzip-compressed serialization of the three
	// payload fields when their combined size exceeded the threshold. When
	// set, the raw payload fields above are empty: exactly one representation
	// is populated per record.
	CompressedPayload []byte `json:"compressed_payload,omitempty"`
	IsCompressed      bool   `json:"is_compressed"`

	// CompressionFailed marks records whose payload exceeded the threshold
	// but could not be compressed; the raw payload is kept instead.
	CompressionFailed bool `json:"compression_failed,omitempty"`

	// IntegrityHash is a keyed HMAC over the canonical serialization of
	// every other field. Any post-persistence mutation invalidates it.
	IntegrityHash string `json:"integrity_hash"`

	// LegalHold exempts the record from retention purges indefinitely.
	LegalHold bool `json:"legal_hold,omitempty"`
}

// HasPayload reports whether any of the structured payload fields are set.
func (r *Record) HasPayload() bool {
	return !r.PreviousValues.IsZero() || !r.NewValues.IsZero() || !r.Metadata.IsZero()
}
