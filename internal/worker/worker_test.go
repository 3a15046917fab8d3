package worker

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"driftline/internal/models"
	"driftline/internal/observability/metrics"
	"driftline/internal/pipeline"
	"driftline/internal/queue"
)

func newTestRuntime(t *testing.T) (*Runtime, *queue.MemoryStore) {
	t.Helper()
	store := queue.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runtime := NewRuntime(store, metrics.New(), logger, Options{
		Lease:       200 * time.Millisecond,
		GracePeriod: 200 * time.Millisecond,
		IdleSleep:   10 * time.Millisecond,
	})
	return runtime, store
}

func runUntil(t *testing.T, runtime *Runtime, done <-chan struct{}, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		_ = runtime.Run(ctx)
		close(finished)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Errorf("condition not reached within %v", timeout)
	}
	cancel()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("runtime did not shut down")
	}
}

func TestRuntimeCompletesJobs(t *testing.T) {
	runtime, store := newTestRuntime(t)
	ctx := context.Background()

	done := make(chan struct{})
	var handled atomic.Int32
	runtime.Register(pipeline.QueueFetch, func(_ context.Context, env *queue.Envelope) error {
		var job models.FetchJob
		if err := env.Decode(&job); err != nil {
			t.Errorf("decode: %v", err)
		}
		if handled.Add(1) == 2 {
			close(done)
		}
		return nil
	}, 2)

	for _, id := range []string{"s1", "s2"} {
		if _, err := store.Enqueue(ctx, pipeline.QueueFetch, models.FetchJob{SourceID: id}, queue.Options{}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	runUntil(t, runtime, done, 2*time.Second)

	deadline := time.Now().Add(time.Second)
	for {
		counts, err := store.Counts(ctx, pipeline.QueueFetch)
		if err != nil {
			t.Fatalf("counts: %v", err)
		}
		if counts.Completed == 2 && counts.Active == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("counts = %+v", counts)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRuntimeRetriesRetryableErrors(t *testing.T) {
	runtime, store := newTestRuntime(t)
	ctx := context.Background()

	done := make(chan struct{})
	var calls atomic.Int32
	runtime.Register(pipeline.QueueMedia, func(context.Context, *queue.Envelope) error {
		if calls.Add(1) == 1 {
			defer close(done)
		}
		return pipeline.Errorf(pipeline.KindUpstreamUnavailable, "flaky dependency")
	}, 1)

	if _, err := store.Enqueue(ctx, pipeline.QueueMedia, models.MediaJob{ContentID: "c1"}, queue.Options{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	runUntil(t, runtime, done, 2*time.Second)

	counts, err := store.Counts(ctx, pipeline.QueueMedia)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	// One failed attempt leaves the job waiting out its retry backoff.
	if counts.Delayed != 1 || counts.Failed != 0 {
		t.Fatalf("counts = %+v", counts)
	}
}

func TestRuntimeDiscardsNonRetryableErrors(t *testing.T) {
	runtime, store := newTestRuntime(t)
	ctx := context.Background()

	done := make(chan struct{})
	runtime.Register(pipeline.QueueNormalize, func(context.Context, *queue.Envelope) error {
		defer close(done)
		return pipeline.Errorf(pipeline.KindInvalidData, "garbage payload")
	}, 1)

	if _, err := store.Enqueue(ctx, pipeline.QueueNormalize, models.NormalizeJob{SourceID: "s"}, queue.Options{MaxAttempts: 5}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	runUntil(t, runtime, done, 2*time.Second)

	deadline := time.Now().Add(time.Second)
	for {
		counts, err := store.Counts(ctx, pipeline.QueueNormalize)
		if err != nil {
			t.Fatalf("counts: %v", err)
		}
		if counts.Failed == 1 && counts.Delayed == 0 && counts.Waiting == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("counts = %+v", counts)
		}
		time.Sleep(10 * time.Millisecond)
	}
	// A discarded job still produces a dead letter for inspection.
	dlq, err := store.Counts(ctx, "dead-letter")
	if err != nil {
		t.Fatalf("dlq counts: %v", err)
	}
	if dlq.Waiting != 1 {
		t.Fatalf("dlq counts = %+v", dlq)
	}
}

func TestRuntimeReleasesCancelledJobs(t *testing.T) {
	runtime, store := newTestRuntime(t)
	ctx := context.Background()

	started := make(chan struct{})
	runtime.Register(pipeline.QueueEnrichment, func(jobCtx context.Context, _ *queue.Envelope) error {
		close(started)
		<-jobCtx.Done()
		return pipeline.Wrap(pipeline.KindCancelled, jobCtx.Err())
	}, 1)

	if _, err := store.Enqueue(ctx, pipeline.QueueEnrichment, models.EnrichmentJob{ContentID: "c"}, queue.Options{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	runUntil(t, runtime, started, 2*time.Second)

	counts, err := store.Counts(ctx, pipeline.QueueEnrichment)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	// The attempt is not burned by a shutdown.
	if counts.Waiting != 1 || counts.Failed != 0 {
		t.Fatalf("counts = %+v", counts)
	}
	env, err := store.Reserve(ctx, pipeline.QueueEnrichment, "verify")
	if err != nil || env == nil {
		t.Fatalf("re-reserve: env=%v err=%v", env, err)
	}
	if env.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", env.Attempt)
	}
}

func TestRuntimeHeartbeatKeepsLongJobsLeased(t *testing.T) {
	runtime, store := newTestRuntime(t)
	ctx := context.Background()

	done := make(chan struct{})
	runtime.Register(pipeline.QueueMedia, func(context.Context, *queue.Envelope) error {
		// Runs well past the 200ms lease; heartbeats must keep it reserved.
		time.Sleep(600 * time.Millisecond)
		close(done)
		return nil
	}, 1)

	if _, err := store.Enqueue(ctx, pipeline.QueueMedia, models.MediaJob{ContentID: "slow"}, queue.Options{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	runUntil(t, runtime, done, 3*time.Second)

	deadline := time.Now().Add(time.Second)
	for {
		counts, err := store.Counts(ctx, pipeline.QueueMedia)
		if err != nil {
			t.Fatalf("counts: %v", err)
		}
		if counts.Completed == 1 && counts.Waiting == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("counts = %+v", counts)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRuntimeFiresSchedules(t *testing.T) {
	runtime, store := newTestRuntime(t)
	ctx := context.Background()

	done := make(chan struct{})
	var fired atomic.Bool
	runtime.Register(pipeline.QueueFetch, func(_ context.Context, env *queue.Envelope) error {
		if fired.CompareAndSwap(false, true) {
			close(done)
		}
		return nil
	}, 1)

	job := models.FetchJob{SourceID: "scheduled", Kind: models.KindFeed, TriggeredBy: models.TriggerSchedule}
	if err := store.ScheduleRepeating(ctx, "poll:scheduled", pipeline.QueueFetch, job, time.Minute); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	// The first fire is immediate once the scheduler sweep runs.
	runUntil(t, runtime, done, 5*time.Second)
}
