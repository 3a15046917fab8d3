// Package fetch implements the fetch stage: polling an external source
// through its kind-specific adapter and handing the raw batch to the
// normalize queue.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"driftline/internal/breaker"
	"driftline/internal/models"
	"driftline/internal/observability/logging"
	"driftline/internal/observability/metrics"
	"driftline/internal/pipeline"
	"driftline/internal/queue"
	"driftline/internal/ratelimit"
	"driftline/internal/sources"
)

// Result is what an adapter produced for one poll. A non-empty NextCursor
// schedules a continuation; DiscoveredFeeds fan out new fetch jobs.
type Result struct {
	Items           []models.RawItem
	DiscoveredFeeds []string
	NextCursor      string
	SourceName      string
	FeedURL         string
}

// Adapter fetches one batch for a source kind.
type Adapter interface {
	Fetch(ctx context.Context, job models.FetchJob) (Result, error)
}

// continuationDelay spaces paginated polls of the same source so a deep
// backlog never bursts against the upstream.
const continuationDelay = time.Second

// API-backed kinds run under a dedicated breaker; generic web fetches do not.
var breakerDeps = map[models.SourceKind]string{
	models.KindVideoChannel: breaker.DepVideoChannelAPI,
	models.KindForum:        breaker.DepForumAPI,
	models.KindMicroblog:    breaker.DepMicroblogAPI,
}

// Config wires the stage's adapters.
type Config struct {
	Allowlist       *sources.Allowlist
	VideoAPIKey     string
	ForumAPIKey     string
	MicroblogAPIKey string
	HTTPClient      *http.Client
}

// Stage handles jobs on the fetch queue.
type Stage struct {
	store    queue.Store
	limiter  ratelimit.Limiter
	breakers *breaker.Registry
	recorder *metrics.Recorder
	logger   *slog.Logger
	adapters map[models.SourceKind]Adapter
}

// NewStage builds the fetch stage with one adapter per pollable kind.
func NewStage(store queue.Store, limiter ratelimit.Limiter, breakers *breaker.Registry, recorder *metrics.Recorder, logger *slog.Logger, cfg Config) *Stage {
	if recorder == nil {
		recorder = metrics.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = defaultHTTPClient()
	}
	return &Stage{
		store:    store,
		limiter:  limiter,
		breakers: breakers,
		recorder: recorder,
		logger:   logging.WithComponent(logger, "fetch"),
		adapters: map[models.SourceKind]Adapter{
			models.KindFeed:             &feedAdapter{client: client},
			models.KindWebsite:          &websiteAdapter{client: client, allowlist: cfg.Allowlist},
			models.KindVideoChannel:     &videoChannelAdapter{client: client, apiKey: cfg.VideoAPIKey},
			models.KindPodcastFeed:      &podcastFeedAdapter{client: client},
			models.KindPodcastDiscovery: &podcastDiscoveryAdapter{client: client},
			models.KindForum:            &forumAdapter{client: client, apiKey: cfg.ForumAPIKey},
			models.KindMicroblog:        &microblogAdapter{client: client, apiKey: cfg.MicroblogAPIKey},
		},
	}
}

// SetAdapter replaces the adapter for a kind, for tests.
func (s *Stage) SetAdapter(kind models.SourceKind, adapter Adapter) {
	s.adapters[kind] = adapter
}

// Handle executes one fetch job: admission check, adapter poll, and hand-off
// of the batch, continuation, and discovered feeds.
func (s *Stage) Handle(ctx context.Context, env *queue.Envelope) error {
	var job models.FetchJob
	if err := env.Decode(&job); err != nil {
		return pipeline.Wrap(pipeline.KindInvalidData, err)
	}
	ctx = logging.ContextWithJobID(ctx, env.JobID)
	logger := logging.WithContext(ctx, s.logger).With("source_id", job.SourceID, "kind", job.Kind)

	adapter, ok := s.adapters[job.Kind]
	if !ok {
		return pipeline.Errorf(pipeline.KindInvalidData, "source kind %s is not pollable", job.Kind)
	}

	allowed, err := s.limiter.Allow(ctx, job.Kind, job.SourceID)
	if err != nil {
		return pipeline.Wrap(pipeline.KindInternal, err)
	}
	if !allowed {
		// A refused poll is not a failure: the source is retried on its next
		// scheduled run.
		s.recorder.ObserveRateLimitDenial(string(job.Kind), job.SourceID)
		s.recorder.ObserveItem("fetch", "throttled")
		logger.Info("poll skipped by rate limit")
		return nil
	}

	var result Result
	poll := func() error {
		var pollErr error
		result, pollErr = adapter.Fetch(ctx, job)
		return pollErr
	}
	if dep, guarded := breakerDeps[job.Kind]; guarded && s.breakers != nil {
		err = s.breakers.Execute(ctx, dep, poll)
	} else {
		err = poll()
	}
	if err != nil {
		s.recorder.ObserveItem("fetch", "errors")
		return err
	}

	s.recorder.ObserveItems("fetch", "fetched", len(result.Items))
	if len(result.Items) > 0 {
		normalizeJob := models.NormalizeJob{
			SourceID:      job.SourceID,
			Kind:          job.Kind,
			SourceName:    result.SourceName,
			FeedURL:       result.FeedURL,
			RawItems:      result.Items,
			Settings:      job.Settings,
			ParentFetchID: env.JobID,
		}
		if _, err := s.store.Enqueue(ctx, pipeline.QueueNormalize, normalizeJob, queue.Options{Priority: env.Priority}); err != nil {
			return fmt.Errorf("enqueue normalize batch: %w", err)
		}
	}

	for _, feedURL := range result.DiscoveredFeeds {
		discovered := job
		discovered.Kind = models.KindPodcastFeed
		discovered.Endpoint = feedURL
		discovered.Cursor = ""
		if _, err := s.store.Enqueue(ctx, pipeline.QueueFetch, discovered, queue.Options{
			JobID:    "discovered-" + shortHash(feedURL),
			Priority: pipeline.PriorityLow,
			Delay:    continuationDelay,
		}); err != nil {
			return fmt.Errorf("enqueue discovered feed: %w", err)
		}
	}

	if result.NextCursor != "" && result.NextCursor != job.Cursor {
		continuation := job
		continuation.Cursor = result.NextCursor
		if _, err := s.store.Enqueue(ctx, pipeline.QueueFetch, continuation, queue.Options{
			Priority: env.Priority,
			Delay:    continuationDelay,
		}); err != nil {
			return fmt.Errorf("enqueue continuation: %w", err)
		}
	}

	logger.Info("poll complete",
		"items", len(result.Items),
		"discovered_feeds", len(result.DiscoveredFeeds),
		"continuation", result.NextCursor != "")
	return nil
}

func shortHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:8])
}
