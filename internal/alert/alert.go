// Package alert is the boundary to the external alerting/notification
// collaborator. The pipeline calls it fire-and-forget: a failed alert is
// logged, never propagated into processing.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind classifies what triggered the alert.
type Kind string

const (
	// KindHighSeverityEvent fires synchronously when a HIGH or CRITICAL
	// event is persisted.
	KindHighSeverityEvent Kind = "high_severity_event"

	// KindDeadLetter fires when a job exhausts its retry budget or fails
	// validation permanently.
	KindDeadLetter Kind = "dead_letter"

	// KindIntegrityViolation fires when batch verification finds records
	// whose recomputed hash does not match.
	KindIntegrityViolation Kind = "integrity_violation"
)

// Alert is the payload handed to the collaborator.
type Alert struct {
	Kind     Kind              `json:"kind"`
	Message  string            `json:"message"`
	RecordID string            `json:"record_id,omitempty"`
	JobID    string            `json:"job_id,omitempty"`
	Severity string            `json:"severity,omitempty"`
	At       time.Time         `json:"at"`
	Details  map[string]string `json:"details,omitempty"`
}

// Alerter delivers alerts. Implementations must not block processing for
// long and must swallow their own failures.
type Alerter interface {
	Notify(ctx context.Context, a Alert)
}

// Log is the fallback Alerter used when no broker is configured. It writes
// alerts to the structured log at warn level.
type Log struct {
	Logger *slog.Logger
}

func (l *Log) Notify(_ context.Context, a Alert) {
	l.Logger.Warn("audit alert",
		"kind", string(a.Kind),
		"message", a.Message,
		"record_id", a.RecordID,
		"job_id", a.JobID,
		"severity", a.Severity,
	)
}

// Discard drops all alerts. Test helper.
type Discard struct{}

func (Discard) Notify(context.Context, Alert) {}

// Recorder captures alerts for assertions in tests. Safe for concurrent
// notification from pool workers.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *Recorder) Notify(_ context.Context, a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

// Recorded returns a snapshot of the alerts captured so far.
func (r *Recorder) Recorded() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}
