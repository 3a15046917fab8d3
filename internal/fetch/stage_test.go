package fetch

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"driftline/internal/models"
	"driftline/internal/observability/metrics"
	"driftline/internal/pipeline"
	"driftline/internal/queue"
	"driftline/internal/ratelimit"
)

type stubAdapter struct {
	result Result
	err    error
	calls  int
}

func (a *stubAdapter) Fetch(ctx context.Context, job models.FetchJob) (Result, error) {
	a.calls++
	return a.result, a.err
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, models.SourceKind, string) (bool, error) {
	return false, nil
}

func newTestStage(t *testing.T, limiter ratelimit.Limiter) (*Stage, *queue.MemoryStore, *metrics.Recorder) {
	t.Helper()
	store := queue.NewMemoryStore()
	if limiter == nil {
		limiter = ratelimit.NewMemoryLimiter(nil)
	}
	recorder := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stage := NewStage(store, limiter, nil, recorder, logger, Config{})
	return stage, store, recorder
}

func enqueueFetchJob(t *testing.T, store *queue.MemoryStore, job models.FetchJob) *queue.Envelope {
	t.Helper()
	ctx := context.Background()
	if _, err := store.Enqueue(ctx, pipeline.QueueFetch, job, queue.Options{}); err != nil {
		t.Fatalf("enqueue fetch job: %v", err)
	}
	env, err := store.Reserve(ctx, pipeline.QueueFetch, "w")
	if err != nil || env == nil {
		t.Fatalf("reserve fetch job: env=%v err=%v", env, err)
	}
	return env
}

func TestHandleEnqueuesNormalizeBatch(t *testing.T) {
	stage, store, recorder := newTestStage(t, nil)
	adapter := &stubAdapter{result: Result{
		SourceName: "Example Feed",
		FeedURL:    "https://example.com/rss",
		Items: []models.RawItem{
			{ExternalID: "a", Title: "One"},
			{ExternalID: "b", Title: "Two"},
		},
	}}
	stage.SetAdapter(models.KindFeed, adapter)

	job := models.FetchJob{
		SourceID: "src-1",
		Kind:     models.KindFeed,
		Endpoint: "https://example.com/rss",
		Settings: models.SourceSettings{Trusted: true},
	}
	env := enqueueFetchJob(t, store, job)
	if err := stage.Handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}

	batch, err := store.Reserve(context.Background(), pipeline.QueueNormalize, "w")
	if err != nil || batch == nil {
		t.Fatalf("normalize job missing: env=%v err=%v", batch, err)
	}
	var normalizeJob models.NormalizeJob
	if err := batch.Decode(&normalizeJob); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(normalizeJob.RawItems) != 2 || normalizeJob.SourceName != "Example Feed" {
		t.Fatalf("normalize job = %+v", normalizeJob)
	}
	if normalizeJob.ParentFetchID != env.JobID {
		t.Fatalf("parent fetch id = %s, want %s", normalizeJob.ParentFetchID, env.JobID)
	}
	if !normalizeJob.Settings.Trusted {
		t.Fatalf("settings not carried through")
	}
	if got := recorder.ItemCounts("fetch")["fetched"]; got != 2 {
		t.Fatalf("fetched counter = %d", got)
	}
}

func TestHandleEmptyBatchEnqueuesNothing(t *testing.T) {
	stage, store, _ := newTestStage(t, nil)
	stage.SetAdapter(models.KindFeed, &stubAdapter{result: Result{}})

	env := enqueueFetchJob(t, store, models.FetchJob{SourceID: "src-1", Kind: models.KindFeed, Endpoint: "e"})
	if err := stage.Handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	counts, _ := store.Counts(context.Background(), pipeline.QueueNormalize)
	if counts.Waiting != 0 {
		t.Fatalf("normalize waiting = %d, want 0", counts.Waiting)
	}
}

func TestHandleRateLimitDenialIsSuccess(t *testing.T) {
	stage, store, recorder := newTestStage(t, denyLimiter{})
	adapter := &stubAdapter{result: Result{Items: []models.RawItem{{Title: "x"}}}}
	stage.SetAdapter(models.KindMicroblog, adapter)

	env := enqueueFetchJob(t, store, models.FetchJob{SourceID: "src-9", Kind: models.KindMicroblog, Endpoint: "e"})
	if err := stage.Handle(context.Background(), env); err != nil {
		t.Fatalf("denied poll must not error: %v", err)
	}
	if adapter.calls != 0 {
		t.Fatalf("adapter called despite denial")
	}
	counts, _ := store.Counts(context.Background(), pipeline.QueueNormalize)
	if counts.Waiting != 0 {
		t.Fatalf("normalize job created despite denial")
	}
	if got := recorder.ItemCounts("fetch")["throttled"]; got != 1 {
		t.Fatalf("throttled counter = %d", got)
	}
}

func TestHandleSchedulesContinuation(t *testing.T) {
	stage, store, _ := newTestStage(t, nil)
	clock := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return clock })
	stage.SetAdapter(models.KindForum, &stubAdapter{result: Result{
		Items:      []models.RawItem{{Title: "post"}},
		NextCursor: "page-2",
	}})

	env := enqueueFetchJob(t, store, models.FetchJob{SourceID: "src-2", Kind: models.KindForum, Endpoint: "e"})
	if err := stage.Handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// The continuation waits at least a second before running.
	if next, _ := store.Reserve(context.Background(), pipeline.QueueFetch, "w"); next != nil {
		t.Fatalf("continuation runnable immediately")
	}
	clock = clock.Add(2 * time.Second)
	next, err := store.Reserve(context.Background(), pipeline.QueueFetch, "w")
	if err != nil || next == nil {
		t.Fatalf("continuation missing: env=%v err=%v", next, err)
	}
	var continuation models.FetchJob
	if err := next.Decode(&continuation); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if continuation.Cursor != "page-2" || continuation.SourceID != "src-2" {
		t.Fatalf("continuation = %+v", continuation)
	}
}

func TestHandleDiscoveryFansOutOnce(t *testing.T) {
	stage, store, _ := newTestStage(t, nil)
	clock := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return clock })
	stage.SetAdapter(models.KindPodcastDiscovery, &stubAdapter{result: Result{
		DiscoveredFeeds: []string{"https://pods.example.com/a.xml", "https://pods.example.com/b.xml"},
	}})

	job := models.FetchJob{SourceID: "disc-1", Kind: models.KindPodcastDiscovery, Endpoint: "e"}
	env := enqueueFetchJob(t, store, job)
	if err := stage.Handle(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	// A second discovery run finding the same feeds adds nothing.
	env2 := enqueueFetchJob(t, store, job)
	if err := stage.Handle(context.Background(), env2); err != nil {
		t.Fatalf("second handle: %v", err)
	}

	counts, _ := store.Counts(context.Background(), pipeline.QueueFetch)
	if counts.Delayed != 2 {
		t.Fatalf("delayed fan-out jobs = %d, want 2", counts.Delayed)
	}
	clock = clock.Add(2 * time.Second)
	next, err := store.Reserve(context.Background(), pipeline.QueueFetch, "w")
	if err != nil || next == nil {
		t.Fatalf("fan-out job missing: env=%v err=%v", next, err)
	}
	var discovered models.FetchJob
	if err := next.Decode(&discovered); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if discovered.Kind != models.KindPodcastFeed || discovered.Endpoint == "" {
		t.Fatalf("discovered job = %+v", discovered)
	}
}

func TestHandleRejectsUnknownKind(t *testing.T) {
	stage, store, _ := newTestStage(t, nil)
	env := enqueueFetchJob(t, store, models.FetchJob{SourceID: "u", Kind: models.KindUpload})
	err := stage.Handle(context.Background(), env)
	if err == nil {
		t.Fatalf("upload kind accepted by fetch stage")
	}
	if pipeline.Retryable(err) {
		t.Fatalf("unpollable kind should not be retried")
	}
}
