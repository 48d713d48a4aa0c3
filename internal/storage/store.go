// Package storage defines the behavioral contract the audit pipeline needs
// from its backing store: durable idempotent appends, the four indexed
// access patterns the query API serves, a lock-free streaming scan, and
// time-window partition management for retention.
package storage

import (
	"context"
	"errors"
	"time"

	"audittrail/internal/audit"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("storage: record not found")

// Filters narrows a query. Zero values mean "no constraint".
type Filters struct {
	From       time.Time
	To         time.Time
	EventTypes []audit.EventType
	EntityName string
	EntityID   string
	ActorID    string
	Severities []audit.Severity
	ClientIP   string
	// Search is matched case-insensitively against entity name, entity id,
	// actor id, and the metadata text.
	Search string
}

// Page bounds a query result.
type Page struct {
	Limit  int
	Offset int
}

// Sort orders a query result. Field is one of "occurred_at", "severity",
// "event_type"; the default is occurred_at descending.
type Sort struct {
	Field string
	Asc   bool
}

// Partition describes one time-bounded storage segment.
type Partition struct {
	Name string
	From time.Time
	To   time.Time
}

// ActorCount is one row of the top-actors statistic.
type ActorCount struct {
	ActorID string `json:"actor_id"`
	Count   int64  `json:"count"`
}

// Stats is the grouped-counts response served by the statistics endpoint.
type Stats struct {
	Total           int64                     `json:"total"`
	ByEventType     map[audit.EventType]int64 `json:"by_event_type"`
	BySeverity      map[audit.Severity]int64  `json:"by_severity"`
	TopActors       []ActorCount              `json:"top_actors"`
	SecurityLast24h int64                     `json:"security_last_24h"`
}

// Store is interface-driven so the processor, query, and retention services
// stay testable and persistence can be swapped without rewiring them.
// Postgres implements it for production; the memory implementation backs
// unit tests.
type Store interface {
	// NextSequence atomically advances the per-entity counter. Gaps are
	// allowed (a reprocessed job burns a value); monotonicity is not.
	NextSequence(ctx context.Context, entityName, entityID string) (int64, error)

	// Insert appends a record. Records are append-only and inserts are
	// idempotent on ID: a duplicate insert is a no-op and returns false.
	Insert(ctx context.Context, record *audit.Record) (bool, error)

	// Get fetches one record by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*audit.Record, error)

	// Query returns one page of matching records plus the total match count.
	Query(ctx context.Context, f Filters, p Page, s Sort) ([]*audit.Record, int64, error)

	// ScanRange streams records with OccurredAt in [from, to) in keyset
	// order, never materializing the full set. It must be safe to run
	// concurrently with writes.
	ScanRange(ctx context.Context, from, to time.Time, fn func(*audit.Record) error) error

	// Stats aggregates counts over [from, to).
	Stats(ctx context.Context, from, to time.Time) (Stats, error)

	// EnsurePartition creates the partition covering the month of t if it
	// does not already exist.
	EnsurePartition(ctx context.Context, t time.Time) error

	// Partitions lists existing partitions with their bounds.
	Partitions(ctx context.Context) ([]Partition, error)

	// DropPartition removes a whole partition. Retention calls this only
	// for partitions entirely past the longest retention window.
	DropPartition(ctx context.Context, name string) error

	// DeleteExpired removes records of the given severities that occurred
	// before the cutoff, skipping legal holds. Returns the delete count.
	DeleteExpired(ctx context.Context, cutoff time.Time, severities []audit.Severity) (int64, error)
}
