// Package queue defines the durable job queue contract between the audit
// emitter (producer) and the processor pool (consumer): at-least-once
// delivery, bounded retries with exponential backoff, lease-based stalled
// job recovery, and a dead-letter channel for jobs that exhaust their
// retry budget.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// JobState tracks a job through the delivery state machine:
//
//	WAITING -> ACTIVE -> COMPLETED
//	                  -> DELAYED (transient failure, backoff) -> WAITING
//	                  -> WAITING (lease expired / stalled, attempt counted)
//	                  -> DEAD    (permanent failure or attempts exhausted)
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateDelayed   JobState = "delayed"
	StateCompleted JobState = "completed"
	StateDead      JobState = "dead"
)

var (
	// ErrNoJob is returned by Dequeue when no job became available within
	// the implementation's wait window.
	ErrNoJob = errors.New("queue: no job available")

	// ErrQueueFull is returned by bounded implementations when the waiting
	// backlog is at capacity. Producers treat it as an emission failure.
	ErrQueueFull = errors.New("queue: backlog full")
)

// Job is one unit of work. The ID is assigned by the queue and is distinct
// from any domain identifier; consumers derive idempotency keys from it.
type Job struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	Payload     []byte    `json:"payload"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// Stats is a per-topic snapshot of the state machine. The regression test
// for the producer/worker topic mismatch asserts on Completed and Active.
type Stats struct {
	Waiting   int64
	Delayed   int64
	Active    int64
	Completed int64
	Dead      int64
}

// Producer is the emitter-facing half of the queue.
type Producer interface {
	// Enqueue submits a payload under a topic and returns the job id.
	// It must be non-blocking or bounded-wait.
	Enqueue(ctx context.Context, topic string, payload []byte) (string, error)
}

// Consumer is the worker-facing half of the queue.
type Consumer interface {
	// Subscribe registers a worker under a topic so liveness checks can see
	// it. The returned function deregisters the worker.
	Subscribe(ctx context.Context, topic, consumerID string) (func(), error)

	// Dequeue claims the next job for the topic, moving it to ACTIVE under
	// a processing lease. Returns ErrNoJob when nothing is ready. Expired
	// leases are reclaimed before claiming, so stalled jobs are redelivered
	// with their attempt counter incremented.
	Dequeue(ctx context.Context, topic, consumerID string) (*Job, error)

	// Ack marks the job COMPLETED and releases its lease.
	Ack(ctx context.Context, job *Job) error

	// Retry records a transient failure. The job moves to DELAYED with
	// exponential backoff, or to DEAD once attempts reach MaxAttempts.
	Retry(ctx context.Context, job *Job, reason string) error

	// DeadLetter moves the job straight to DEAD with a reason code,
	// bypassing remaining attempts. Used for permanent failures.
	DeadLetter(ctx context.Context, job *Job, reason string) error
}

// Queue is the full contract wired at the composition root.
type Queue interface {
	Producer
	Consumer

	// Stats returns the per-topic state snapshot.
	Stats(ctx context.Context, topic string) (Stats, error)

	// WorkerCount reports how many live workers are subscribed to the
	// topic. The startup liveness check is built on this.
	WorkerCount(ctx context.Context, topic string) (int, error)

	// DeadLetters lists up to limit dead-lettered jobs for inspection.
	DeadLetters(ctx context.Context, topic string, limit int) ([]*Job, error)
}

// Backoff returns the delay before attempt n (1-based) is redelivered:
// base doubled per prior attempt, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// VerifyWorkers checks that every topic has at least one subscribed worker.
// A producer publishing to a topic nobody consumes is the silent failure
// mode this package exists to prevent; callers fail startup on this error.
func VerifyWorkers(ctx context.Context, q Queue, topics ...string) error {
	var missing []string
	for _, topic := range topics {
		n, err := q.WorkerCount(ctx, topic)
		if err != nil {
			return fmt.Errorf("queue: liveness check for topic %q: %w", topic, err)
		}
		if n == 0 {
			missing = append(missing, topic)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("queue: no workers subscribed to topics %v; producer and worker topic names must match", missing)
	}
	return nil
}
