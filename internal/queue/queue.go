// Package queue provides the durable job store every pipeline stage runs on:
// priority queues with delays, visibility leases, exponential retry backoff,
// dead-letter routing, repeatable schedules, and retention-based garbage
// collection. Two drivers exist: a Redis-backed store for production and an
// in-memory store for tests.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is the queue-level lifecycle of a job envelope.
type State string

const (
	StateWaiting   State = "WAITING"
	StateDelayed   State = "DELAYED"
	StateActive    State = "ACTIVE"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Envelope is the queue-level view of a job. Payload stays opaque to the
// store; stages decode it with Decode.
type Envelope struct {
	JobID         string
	Queue         string
	Payload       json.RawMessage
	Attempt       int
	MaxAttempts   int
	Priority      int
	EarliestRunAt time.Time
	LeaseUntil    time.Time
	State         State
	Failure       string
}

// Decode unmarshals the payload into dest.
func (e *Envelope) Decode(dest any) error {
	if e == nil || len(e.Payload) == 0 {
		return errors.New("queue: empty payload")
	}
	if err := json.Unmarshal(e.Payload, dest); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Queue, err)
	}
	return nil
}

// Options tunes a single enqueue. Zero values fall back to the store
// defaults. Supplying a JobID makes the enqueue idempotent: re-enqueueing an
// identical JobID while the job is still retained is a no-op returning the
// existing id.
type Options struct {
	JobID       string
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// Counts reports the queue depth by state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Store is the durable queue contract shared by every stage worker.
// Delivery is at-least-once: a reserved job whose lease lapses returns to
// WAITING with its attempt already counted.
type Store interface {
	// Enqueue adds a job and returns its id.
	Enqueue(ctx context.Context, queue string, payload any, opts Options) (string, error)
	// Reserve atomically moves the next runnable job from WAITING to ACTIVE
	// under a visibility lease. It returns nil when the queue is empty.
	Reserve(ctx context.Context, queue, workerID string) (*Envelope, error)
	// Heartbeat extends the visibility lease of an ACTIVE job.
	Heartbeat(ctx context.Context, queue, jobID string, extend time.Duration) error
	// Complete terminally finishes a job and retains it for inspection.
	Complete(ctx context.Context, queue, jobID string) error
	// Fail records a failed attempt. While attempts remain the job is
	// re-queued with the next backoff delay; otherwise it is retained as
	// FAILED and a DeadLetter job is emitted on the dead-letter queue.
	Fail(ctx context.Context, queue, jobID, reason string) error
	// Discard terminally fails a job without consuming remaining attempts,
	// for errors that retrying can never fix.
	Discard(ctx context.Context, queue, jobID, reason string) error
	// Release returns an ACTIVE job to WAITING without burning the attempt,
	// used on cooperative shutdown.
	Release(ctx context.Context, queue, jobID string) error
	// ScheduleRepeating registers a periodic producer keyed by name.
	// Re-registering the same name replaces the previous schedule.
	ScheduleRepeating(ctx context.Context, name, queue string, payload any, every time.Duration) error
	// CancelRepeating removes a repeating schedule.
	CancelRepeating(ctx context.Context, name string) error
	// RunDueSchedules enqueues every schedule whose interval has elapsed and
	// returns the names it fired. The worker runtime drives this in a loop.
	RunDueSchedules(ctx context.Context) ([]string, error)
	// Counts reports queue depth by state.
	Counts(ctx context.Context, queue string) (Counts, error)
}

// Store defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 2 * time.Second
	DefaultBackoffCap  = 5 * time.Minute
	DefaultLease       = 60 * time.Second

	// Retention policy for terminally finished jobs.
	CompletedRetentionAge   = time.Hour
	CompletedRetentionCount = 1000
	FailedRetentionAge      = 24 * time.Hour
	FailedRetentionCount    = 1000
)

// backoffDelay computes the exponential delay before retry attempt n
// (1-based), capped at DefaultBackoffCap.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= DefaultBackoffCap {
			return DefaultBackoffCap
		}
	}
	if delay > DefaultBackoffCap {
		return DefaultBackoffCap
	}
	return delay
}
