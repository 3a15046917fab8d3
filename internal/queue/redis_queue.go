package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"driftline/internal/models"
)

// RedisStore persists queues in Redis. Runnable jobs live in per-queue sorted
// sets scored so that lower priority values pop first and jobs of equal
// priority pop in enqueue order. Delayed and leased jobs live in sorted sets
// scored by their wall-clock deadline, which lets a single Lua script promote
// due work, reclaim lapsed leases, and pop the head atomically.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	deadLetter string
	lease      time.Duration
	now        func() time.Time
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	// KeyPrefix namespaces every key; defaults to "driftline".
	KeyPrefix string
	// DeadLetterQueue receives terminal failures; defaults to "dead-letter".
	DeadLetterQueue string
	// Lease is the visibility window granted by Reserve.
	Lease time.Duration
}

// priorityStride spaces priority bands far enough apart that the enqueue
// sequence number never crosses into the next band.
const priorityStride = float64(1 << 40)

// reserveScript promotes due delayed jobs and lapsed leases back to the
// waiting set, then pops the head of the waiting set into the active set
// under a fresh lease. KEYS: delayed, waiting, active. ARGV: now (ms), lease
// (ms), job key prefix.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local lease = tonumber(ARGV[2])
local jobs = ARGV[3]
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now)
for _, id in ipairs(due) do
    redis.call('ZREM', KEYS[1], id)
    local score = tonumber(redis.call('HGET', jobs .. id, 'score')) or now
    redis.call('ZADD', KEYS[2], score, id)
    redis.call('HSET', jobs .. id, 'state', 'WAITING')
end
local lapsed = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now)
for _, id in ipairs(lapsed) do
    redis.call('ZREM', KEYS[3], id)
    local score = tonumber(redis.call('HGET', jobs .. id, 'score')) or now
    redis.call('ZADD', KEYS[2], score, id)
    redis.call('HSET', jobs .. id, 'state', 'WAITING')
end
local head = redis.call('ZRANGE', KEYS[2], 0, 0)
if #head == 0 then
    return false
end
local id = head[1]
redis.call('ZREM', KEYS[2], id)
redis.call('ZADD', KEYS[3], now + lease, id)
redis.call('HINCRBY', jobs .. id, 'attempt', 1)
redis.call('HSET', jobs .. id, 'state', 'ACTIVE', 'lease_until', now + lease)
return id
`)

// NewRedisStore wires a RedisStore onto an existing client.
func NewRedisStore(client *redis.Client, opts RedisOptions) *RedisStore {
	prefix := strings.TrimSpace(opts.KeyPrefix)
	if prefix == "" {
		prefix = "driftline"
	}
	dlq := strings.TrimSpace(opts.DeadLetterQueue)
	if dlq == "" {
		dlq = "dead-letter"
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = DefaultLease
	}
	return &RedisStore{
		client:     client,
		prefix:     prefix,
		deadLetter: dlq,
		lease:      lease,
		now:        time.Now,
	}
}

func (s *RedisStore) jobKey(jobID string) string {
	return s.prefix + ":job:" + jobID
}

func (s *RedisStore) queueKey(queue, state string) string {
	return s.prefix + ":q:" + queue + ":" + state
}

func (s *RedisStore) scheduleHashKey() string {
	return s.prefix + ":schedules"
}

func (s *RedisStore) scheduleDueKey() string {
	return s.prefix + ":schedules:due"
}

// Enqueue adds a job to the named queue. A caller-supplied JobID dedupes
// against any retained copy of the same job.
func (s *RedisStore) Enqueue(ctx context.Context, queue string, payload any, opts Options) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", queue, err)
	}
	jobID := strings.TrimSpace(opts.JobID)
	if jobID != "" {
		exists, err := s.client.Exists(ctx, s.jobKey(jobID)).Result()
		if err != nil {
			return "", fmt.Errorf("check job %s: %w", jobID, err)
		}
		if exists > 0 {
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

	seq, err := s.client.Incr(ctx, s.prefix+":seq").Result()
	if err != nil {
		return "", fmt.Errorf("allocate sequence: %w", err)
	}
	now := s.now()
	score := float64(priority)*priorityStride + float64(seq)

	fields := map[string]any{
		"queue":        queue,
		"payload":      string(body),
		"attempt":      0,
		"max_attempts": maxAttempts,
		"priority":     priority,
		"backoff_ms":   backoff.Milliseconds(),
		"score":        strconv.FormatFloat(score, 'f', -1, 64),
		"enqueued_at":  now.UnixMilli(),
	}
	state := StateWaiting
	runAt := now
	if opts.Delay > 0 {
		state = StateDelayed
		runAt = now.Add(opts.Delay)
	}
	fields["state"] = string(state)
	fields["earliest_run_at"] = runAt.UnixMilli()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.jobKey(jobID), fields)
	if state == StateDelayed {
		pipe.ZAdd(ctx, s.queueKey(queue, "delayed"), redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.ZAdd(ctx, s.queueKey(queue, "waiting"), redis.Z{Score: score, Member: jobID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", queue, err)
	}
	return jobID, nil
}

// Reserve leases the next runnable job. It returns (nil, nil) when the queue
// has no runnable work.
func (s *RedisStore) Reserve(ctx context.Context, queue, workerID string) (*Envelope, error) {
	now := s.now()
	keys := []string{
		s.queueKey(queue, "delayed"),
		s.queueKey(queue, "waiting"),
		s.queueKey(queue, "active"),
	}
	result, err := reserveScript.Run(ctx, s.client, keys,
		now.UnixMilli(), s.lease.Milliseconds(), s.prefix+":job:").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve from %s: %w", queue, err)
	}
	jobID, ok := result.(string)
	if !ok || jobID == "" {
		return nil, nil
	}
	if workerID != "" {
		if err := s.client.HSet(ctx, s.jobKey(jobID), "worker_id", workerID).Err(); err != nil {
			return nil, fmt.Errorf("tag job %s: %w", jobID, err)
		}
	}
	return s.loadEnvelope(ctx, jobID)
}

func (s *RedisStore) loadEnvelope(ctx context.Context, jobID string) (*Envelope, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s vanished before load", jobID)
	}
	env := &Envelope{
		JobID:   jobID,
		Queue:   fields["queue"],
		Payload: json.RawMessage(fields["payload"]),
		State:   State(fields["state"]),
		Failure: fields["failure"],
	}
	env.Attempt, _ = strconv.Atoi(fields["attempt"])
	env.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	env.Priority, _ = strconv.Atoi(fields["priority"])
	if ms, err := strconv.ParseInt(fields["earliest_run_at"], 10, 64); err == nil {
		env.EarliestRunAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["lease_until"], 10, 64); err == nil {
		env.LeaseUntil = time.UnixMilli(ms)
	}
	return env, nil
}

// Heartbeat extends the lease of an ACTIVE job. Extending a job that is no
// longer active fails so a stalled worker learns it lost the lease.
func (s *RedisStore) Heartbeat(ctx context.Context, queue, jobID string, extend time.Duration) error {
	if extend <= 0 {
		extend = s.lease
	}
	deadline := s.now().Add(extend)
	if _, err := s.client.ZScore(ctx, s.queueKey(queue, "active"), jobID).Result(); err == redis.Nil {
		return fmt.Errorf("job %s lease already lapsed", jobID)
	} else if err != nil {
		return fmt.Errorf("heartbeat job %s: %w", jobID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.queueKey(queue, "active"), redis.Z{Score: float64(deadline.UnixMilli()), Member: jobID})
	pipe.HSet(ctx, s.jobKey(jobID), "lease_until", deadline.UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("heartbeat job %s: %w", jobID, err)
	}
	return nil
}

// Complete terminally finishes a job and trims the completed retention set.
func (s *RedisStore) Complete(ctx context.Context, queue, jobID string) error {
	now := s.now()
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.queueKey(queue, "active"), jobID)
	pipe.HSet(ctx, s.jobKey(jobID), "state", string(StateCompleted), "finished_at", now.UnixMilli())
	pipe.ZAdd(ctx, s.queueKey(queue, "completed"), redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return s.trimRetained(ctx, s.queueKey(queue, "completed"), CompletedRetentionAge, CompletedRetentionCount)
}

// Fail records a failed attempt: re-queue with backoff while attempts remain,
// otherwise retain as FAILED and emit a dead-letter job.
func (s *RedisStore) Fail(ctx context.Context, queue, jobID, reason string) error {
	env, err := s.loadEnvelope(ctx, jobID)
	if err != nil {
		return err
	}
	if env.Attempt < env.MaxAttempts {
		raw, err := s.client.HGet(ctx, s.jobKey(jobID), "backoff_ms").Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("load backoff for %s: %w", jobID, err)
		}
		backoffMillis, _ := strconv.ParseInt(raw, 10, 64)
		delay := backoffDelay(time.Duration(backoffMillis)*time.Millisecond, env.Attempt)
		runAt := s.now().Add(delay)
		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, s.queueKey(queue, "active"), jobID)
		pipe.HSet(ctx, s.jobKey(jobID),
			"state", string(StateDelayed),
			"failure", reason,
			"earliest_run_at", runAt.UnixMilli())
		pipe.ZAdd(ctx, s.queueKey(queue, "delayed"), redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("requeue job %s: %w", jobID, err)
		}
		return nil
	}
	return s.bury(ctx, queue, env, reason)
}

// Discard terminally fails a job regardless of remaining attempts.
func (s *RedisStore) Discard(ctx context.Context, queue, jobID, reason string) error {
	env, err := s.loadEnvelope(ctx, jobID)
	if err != nil {
		return err
	}
	return s.bury(ctx, queue, env, reason)
}

// bury retains the job as FAILED and writes exactly one dead-letter record,
// unless the job already lives on the dead-letter queue.
func (s *RedisStore) bury(ctx context.Context, queue string, env *Envelope, reason string) error {
	now := s.now()
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.queueKey(queue, "active"), env.JobID)
	pipe.HSet(ctx, s.jobKey(env.JobID),
		"state", string(StateFailed),
		"failure", reason,
		"finished_at", now.UnixMilli())
	pipe.ZAdd(ctx, s.queueKey(queue, "failed"), redis.Z{Score: float64(now.UnixMilli()), Member: env.JobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bury job %s: %w", env.JobID, err)
	}
	if err := s.trimRetained(ctx, s.queueKey(queue, "failed"), FailedRetentionAge, FailedRetentionCount); err != nil {
		return err
	}
	if queue == s.deadLetter {
		return nil
	}
	letter := models.DeadLetter{
		OriginalQueue: queue,
		OriginalJobID: env.JobID,
		Payload:       env.Payload,
		FailureReason: reason,
		FailedAt:      now.UTC(),
		Attempts:      env.Attempt,
	}
	_, err := s.Enqueue(ctx, s.deadLetter, letter, Options{JobID: "dlq-" + env.JobID})
	if err != nil {
		return fmt.Errorf("dead-letter job %s: %w", env.JobID, err)
	}
	return nil
}

// Release returns an ACTIVE job to WAITING without counting the attempt.
func (s *RedisStore) Release(ctx context.Context, queue, jobID string) error {
	scoreField, err := s.client.HGet(ctx, s.jobKey(jobID), "score").Result()
	if err != nil {
		return fmt.Errorf("load score for %s: %w", jobID, err)
	}
	score, err := strconv.ParseFloat(scoreField, 64)
	if err != nil {
		return fmt.Errorf("parse score for %s: %w", jobID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.queueKey(queue, "active"), jobID)
	pipe.HIncrBy(ctx, s.jobKey(jobID), "attempt", -1)
	pipe.HSet(ctx, s.jobKey(jobID), "state", string(StateWaiting))
	pipe.ZAdd(ctx, s.queueKey(queue, "waiting"), redis.Z{Score: score, Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("release job %s: %w", jobID, err)
	}
	return nil
}

type scheduleRecord struct {
	Queue   string          `json:"queue"`
	Payload json.RawMessage `json:"payload"`
	EveryMS int64           `json:"every_ms"`
}

// ScheduleRepeating registers or replaces a named periodic enqueue. The first
// firing happens on the next RunDueSchedules pass.
func (s *RedisStore) ScheduleRepeating(ctx context.Context, name, queue string, payload any, every time.Duration) error {
	if every <= 0 {
		return fmt.Errorf("schedule %s: interval must be positive", name)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal schedule %s payload: %w", name, err)
	}
	record, err := json.Marshal(scheduleRecord{Queue: queue, Payload: body, EveryMS: every.Milliseconds()})
	if err != nil {
		return fmt.Errorf("marshal schedule %s: %w", name, err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.scheduleHashKey(), name, string(record))
	pipe.ZAdd(ctx, s.scheduleDueKey(), redis.Z{Score: float64(s.now().UnixMilli()), Member: name})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// CancelRepeating removes a named schedule. Cancelling an unknown name is a
// no-op.
func (s *RedisStore) CancelRepeating(ctx context.Context, name string) error {
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.scheduleHashKey(), name)
	pipe.ZRem(ctx, s.scheduleDueKey(), name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cancel schedule %s: %w", name, err)
	}
	return nil
}

// RunDueSchedules fires every schedule whose next run time has passed and
// advances it by its interval.
func (s *RedisStore) RunDueSchedules(ctx context.Context) ([]string, error) {
	now := s.now()
	names, err := s.client.ZRangeByScore(ctx, s.scheduleDueKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	fired := make([]string, 0, len(names))
	for _, name := range names {
		raw, err := s.client.HGet(ctx, s.scheduleHashKey(), name).Result()
		if err == redis.Nil {
			// Cancelled between listing and firing.
			_ = s.client.ZRem(ctx, s.scheduleDueKey(), name).Err()
			continue
		}
		if err != nil {
			return fired, fmt.Errorf("load schedule %s: %w", name, err)
		}
		var record scheduleRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return fired, fmt.Errorf("decode schedule %s: %w", name, err)
		}
		if _, err := s.Enqueue(ctx, record.Queue, record.Payload, Options{}); err != nil {
			return fired, fmt.Errorf("fire schedule %s: %w", name, err)
		}
		next := now.Add(time.Duration(record.EveryMS) * time.Millisecond)
		if err := s.client.ZAdd(ctx, s.scheduleDueKey(), redis.Z{
			Score:  float64(next.UnixMilli()),
			Member: name,
		}).Err(); err != nil {
			return fired, fmt.Errorf("advance schedule %s: %w", name, err)
		}
		fired = append(fired, name)
	}
	return fired, nil
}

// Counts reports queue depth by state.
func (s *RedisStore) Counts(ctx context.Context, queue string) (Counts, error) {
	pipe := s.client.Pipeline()
	waiting := pipe.ZCard(ctx, s.queueKey(queue, "waiting"))
	delayed := pipe.ZCard(ctx, s.queueKey(queue, "delayed"))
	active := pipe.ZCard(ctx, s.queueKey(queue, "active"))
	completed := pipe.ZCard(ctx, s.queueKey(queue, "completed"))
	failed := pipe.ZCard(ctx, s.queueKey(queue, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("count %s: %w", queue, err)
	}
	return Counts{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// trimRetained enforces the retention policy on a finished set, deleting the
// job hashes of evicted entries.
func (s *RedisStore) trimRetained(ctx context.Context, key string, maxAge time.Duration, maxCount int) error {
	cutoff := s.now().Add(-maxAge).UnixMilli()
	aged, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("list aged retained jobs: %w", err)
	}
	evicted := aged
	total, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("count retained jobs: %w", err)
	}
	if over := total - int64(len(aged)) - int64(maxCount); over > 0 {
		oldest, err := s.client.ZRange(ctx, key, int64(len(aged)), int64(len(aged))+over-1).Result()
		if err != nil {
			return fmt.Errorf("list overflow retained jobs: %w", err)
		}
		evicted = append(evicted, oldest...)
	}
	if len(evicted) == 0 {
		return nil
	}
	members := make([]any, 0, len(evicted))
	keys := make([]string, 0, len(evicted))
	for _, id := range evicted {
		members = append(members, id)
		keys = append(keys, s.jobKey(id))
	}
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, key, members...)
	pipe.Del(ctx, keys...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("evict retained jobs: %w", err)
	}
	return nil
}
