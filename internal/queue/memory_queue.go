package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"driftline/internal/models"
)

type memoryJob struct {
	env     Envelope
	backoff time.Duration
	seq     int64
	finish  time.Time
}

type memorySchedule struct {
	queue   string
	payload json.RawMessage
	every   time.Duration
	next    time.Time
}

// MemoryStore is an in-process Store with the same semantics as RedisStore.
// It backs tests and single-process development runs.
type MemoryStore struct {
	mu         sync.Mutex
	jobs       map[string]*memoryJob
	schedules  map[string]*memorySchedule
	seq        int64
	deadLetter string
	lease      time.Duration
	now        func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*memoryJob),
		schedules:  make(map[string]*memorySchedule),
		deadLetter: "dead-letter",
		lease:      DefaultLease,
		now:        time.Now,
	}
}

// SetClock overrides the store clock, for tests that advance time manually.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetLease overrides the default visibility lease.
func (s *MemoryStore) SetLease(lease time.Duration) {
	s.mu.Lock()
	s.lease = lease
	s.mu.Unlock()
}

// Enqueue adds a job, honoring idempotent caller-supplied ids.
func (s *MemoryStore) Enqueue(ctx context.Context, queue string, payload any, opts Options) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", queue, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(queue, body, opts)
}

func (s *MemoryStore) enqueueLocked(queue string, body json.RawMessage, opts Options) (string, error) {
	jobID := strings.TrimSpace(opts.JobID)
	if jobID != "" {
		if _, exists := s.jobs[jobID]; exists {
			return jobID, nil
		}
	} else {
		jobID = uuid.NewString()
	}
	priority := opts.Priority
	if priority <= 0 {
		priority = 2
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	s.seq++
	now := s.now()
	job := &memoryJob{
		env: Envelope{
			JobID:         jobID,
			Queue:         queue,
			Payload:       append(json.RawMessage(nil), body...),
			MaxAttempts:   maxAttempts,
			Priority:      priority,
			EarliestRunAt: now,
			State:         StateWaiting,
		},
		backoff: backoff,
		seq:     s.seq,
	}
	if opts.Delay > 0 {
		job.env.State = StateDelayed
		job.env.EarliestRunAt = now.Add(opts.Delay)
	}
	s.jobs[jobID] = job
	return jobID, nil
}

// Reserve leases the next runnable job, promoting due delayed jobs and
// reclaiming lapsed leases first.
func (s *MemoryStore) Reserve(ctx context.Context, queue, workerID string) (*Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, job := range s.jobs {
		if job.env.Queue != queue {
			continue
		}
		switch job.env.State {
		case StateDelayed:
			if !job.env.EarliestRunAt.After(now) {
				job.env.State = StateWaiting
			}
		case StateActive:
			if job.env.LeaseUntil.Before(now) {
				job.env.State = StateWaiting
			}
		}
	}
	var candidates []*memoryJob
	for _, job := range s.jobs {
		if job.env.Queue == queue && job.env.State == StateWaiting {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].env.Priority != candidates[j].env.Priority {
			return candidates[i].env.Priority < candidates[j].env.Priority
		}
		return candidates[i].seq < candidates[j].seq
	})
	job := candidates[0]
	job.env.State = StateActive
	job.env.Attempt++
	job.env.LeaseUntil = now.Add(s.lease)
	out := job.env
	out.Payload = append(json.RawMessage(nil), job.env.Payload...)
	return &out, nil
}

// Heartbeat extends the lease of an ACTIVE job.
func (s *MemoryStore) Heartbeat(ctx context.Context, queue, jobID string, extend time.Duration) error {
	if extend <= 0 {
		extend = s.lease
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.env.State != StateActive {
		return fmt.Errorf("job %s lease already lapsed", jobID)
	}
	job.env.LeaseUntil = s.now().Add(extend)
	return nil
}

// Complete terminally finishes a job.
func (s *MemoryStore) Complete(ctx context.Context, queue, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	job.env.State = StateCompleted
	job.finish = s.now()
	s.trimLocked(queue, StateCompleted, CompletedRetentionAge, CompletedRetentionCount)
	return nil
}

// Fail re-queues with backoff while attempts remain, otherwise buries the job
// and emits a dead-letter record.
func (s *MemoryStore) Fail(ctx context.Context, queue, jobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	if job.env.Attempt < job.env.MaxAttempts {
		job.env.State = StateDelayed
		job.env.Failure = reason
		job.env.EarliestRunAt = s.now().Add(backoffDelay(job.backoff, job.env.Attempt))
		return nil
	}
	return s.buryLocked(queue, job, reason)
}

// Discard terminally fails a job regardless of remaining attempts.
func (s *MemoryStore) Discard(ctx context.Context, queue, jobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	return s.buryLocked(queue, job, reason)
}

func (s *MemoryStore) buryLocked(queue string, job *memoryJob, reason string) error {
	job.env.State = StateFailed
	job.env.Failure = reason
	job.finish = s.now()
	s.trimLocked(queue, StateFailed, FailedRetentionAge, FailedRetentionCount)
	if queue == s.deadLetter {
		return nil
	}
	letter := models.DeadLetter{
		OriginalQueue: queue,
		OriginalJobID: job.env.JobID,
		Payload:       job.env.Payload,
		FailureReason: reason,
		FailedAt:      s.now().UTC(),
		Attempts:      job.env.Attempt,
	}
	body, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("marshal dead letter for %s: %w", job.env.JobID, err)
	}
	_, err = s.enqueueLocked(s.deadLetter, body, Options{JobID: "dlq-" + job.env.JobID})
	return err
}

// Release returns an ACTIVE job to WAITING without counting the attempt.
func (s *MemoryStore) Release(ctx context.Context, queue, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	if job.env.Attempt > 0 {
		job.env.Attempt--
	}
	job.env.State = StateWaiting
	return nil
}

// ScheduleRepeating registers or replaces a named periodic enqueue.
func (s *MemoryStore) ScheduleRepeating(ctx context.Context, name, queue string, payload any, every time.Duration) error {
	if every <= 0 {
		return fmt.Errorf("schedule %s: interval must be positive", name)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal schedule %s payload: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[name] = &memorySchedule{queue: queue, payload: body, every: every, next: s.now()}
	return nil
}

// CancelRepeating removes a named schedule.
func (s *MemoryStore) CancelRepeating(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, name)
	return nil
}

// RunDueSchedules fires every due schedule and advances it by its interval.
func (s *MemoryStore) RunDueSchedules(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	names := make([]string, 0, len(s.schedules))
	for name, sched := range s.schedules {
		if sched.next.After(now) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sched := s.schedules[name]
		if _, err := s.enqueueLocked(sched.queue, sched.payload, Options{}); err != nil {
			return nil, err
		}
		sched.next = now.Add(sched.every)
	}
	return names, nil
}

// Counts reports queue depth by state.
func (s *MemoryStore) Counts(ctx context.Context, queue string) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var counts Counts
	for _, job := range s.jobs {
		if job.env.Queue != queue {
			continue
		}
		switch job.env.State {
		case StateWaiting:
			counts.Waiting++
		case StateDelayed:
			counts.Delayed++
		case StateActive:
			counts.Active++
		case StateCompleted:
			counts.Completed++
		case StateFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

func (s *MemoryStore) trimLocked(queue string, state State, maxAge time.Duration, maxCount int) {
	cutoff := s.now().Add(-maxAge)
	var retained []*memoryJob
	for _, job := range s.jobs {
		if job.env.Queue != queue || job.env.State != state {
			continue
		}
		if job.finish.Before(cutoff) {
			delete(s.jobs, job.env.JobID)
			continue
		}
		retained = append(retained, job)
	}
	if len(retained) <= maxCount {
		return
	}
	sort.Slice(retained, func(i, j int) bool { return retained[i].finish.Before(retained[j].finish) })
	for _, job := range retained[:len(retained)-maxCount] {
		delete(s.jobs, job.env.JobID)
	}
}
