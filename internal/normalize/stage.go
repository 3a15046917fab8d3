// Package normalize implements the normalize stage: canonicalizing each raw
// item, filtering and moderating it, creating the durable record through the
// content-management collaborator, and fanning out media or enrichment work.
package normalize

import (
	"context"
	"fmt"
	"log/slog"

	"driftline/internal/cms"
	"driftline/internal/dedup"
	"driftline/internal/models"
	"driftline/internal/observability/logging"
	"driftline/internal/observability/metrics"
	"driftline/internal/pipeline"
	"driftline/internal/queue"
)

// Collaborator is the slice of the CMS client the stage needs.
type Collaborator interface {
	CreateOrGet(ctx context.Context, item models.CanonicalItem) (cms.ContentRecord, error)
}

// Stage handles jobs on the normalize queue.
type Stage struct {
	store    queue.Store
	seen     dedup.Store
	cms      Collaborator
	recorder *metrics.Recorder
	logger   *slog.Logger
}

func NewStage(store queue.Store, seen dedup.Store, collaborator Collaborator, recorder *metrics.Recorder, logger *slog.Logger) *Stage {
	if recorder == nil {
		recorder = metrics.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		store:    store,
		seen:     seen,
		cms:      collaborator,
		recorder: recorder,
		logger:   logging.WithComponent(logger, "normalize"),
	}
}

// batchCounters aggregates per-item outcomes; individual item problems never
// fail the batch.
type batchCounters struct {
	created    int
	existing   int
	duplicates int
	filtered   int
	failed     int
	approved   int
	review     int
	rejected   int
}

// Handle processes one normalize batch. Item-level data problems are absorbed
// into counters; infrastructure failures (collaborator outage, open breaker,
// queue errors) propagate so the whole batch is retried.
func (s *Stage) Handle(ctx context.Context, env *queue.Envelope) error {
	var job models.NormalizeJob
	if err := env.Decode(&job); err != nil {
		return pipeline.Wrap(pipeline.KindInvalidData, err)
	}
	ctx = logging.ContextWithJobID(ctx, env.JobID)
	logger := logging.WithContext(ctx, s.logger).With("source_id", job.SourceID, "kind", job.Kind)

	var counters batchCounters
	for _, raw := range job.RawItems {
		if err := s.handleItem(ctx, job, raw, &counters); err != nil {
			if pipeline.Retryable(err) || pipeline.Classify(err) == pipeline.KindCancelled {
				s.observe(counters)
				return err
			}
			counters.failed++
			logger.Warn("item dropped", "external_id", raw.ExternalID, "error", err)
		}
	}
	s.observe(counters)

	logger.Info("batch normalized",
		"items", len(job.RawItems),
		"created", counters.created,
		"existing", counters.existing,
		"duplicates", counters.duplicates,
		"filtered", counters.filtered,
		"failed", counters.failed)
	return nil
}

func (s *Stage) handleItem(ctx context.Context, job models.NormalizeJob, raw models.RawItem, counters *batchCounters) error {
	if raw.URL == "" && raw.Title == "" {
		return pipeline.Errorf(pipeline.KindInvalidData, "item has neither url nor title")
	}
	item, err := mapItem(job, raw)
	if err != nil {
		return err
	}

	if verdict := applyFilters(job.Settings, item, raw.Engagement); verdict != filterPass {
		counters.filtered++
		return nil
	}
	switch moderate(job.Settings, &item) {
	case models.ModerationApproved:
		counters.approved++
	case models.ModerationReview:
		counters.review++
	case models.ModerationRejected:
		counters.rejected++
	}

	item.IdempotencyKey = dedup.Key(raw)
	seen, err := s.seen.Seen(ctx, item.IdempotencyKey)
	if err != nil {
		return pipeline.Wrap(pipeline.KindInternal, err)
	}
	if seen {
		counters.duplicates++
		return nil
	}

	record, err := s.cms.CreateOrGet(ctx, item)
	if err != nil {
		return err
	}
	if err := s.seen.Mark(ctx, item.IdempotencyKey); err != nil {
		return pipeline.Wrap(pipeline.KindInternal, err)
	}
	if !record.Created {
		// Another worker created the record first; its fan-out owns the rest.
		counters.existing++
		return nil
	}
	counters.created++

	if item.Status != models.StatusPending || item.Attributes["moderation"] != string(models.ModerationApproved) {
		return nil
	}
	return s.fanOut(ctx, record.ID, item)
}

// fanOut routes an approved media-bearing item to its next stage. Items whose
// source already provides the artifact skip media entirely.
func (s *Stage) fanOut(ctx context.Context, contentID string, item models.CanonicalItem) error {
	if !item.Type.MediaBearing() {
		return nil
	}
	if item.MediaReady() {
		enrichment := models.EnrichmentJob{
			ContentID:  contentID,
			Type:       item.Type,
			Operations: []models.EnrichmentOperation{models.OpTranscript, models.OpEmbedding},
			Title:      item.Title,
			BodyText:   item.BodyText,
			Excerpt:    item.Excerpt,
			TopicTags:  item.TopicTags,
			MediaURL:   item.MediaURL,
		}
		if _, err := s.store.Enqueue(ctx, pipeline.QueueEnrichment, enrichment, queue.Options{Priority: pipeline.PriorityDefault}); err != nil {
			return fmt.Errorf("enqueue enrichment: %w", err)
		}
		return nil
	}

	priority := pipeline.PriorityDefault
	if item.Type == models.TypePodcast {
		priority = pipeline.PriorityLow
	}
	media := models.MediaJob{
		ContentID:    contentID,
		Type:         item.Type,
		SourceURL:    sourceMediaURL(item),
		ThumbnailURL: item.ThumbnailURL,
		Operations:   []models.MediaOperation{models.OpDownload, models.OpTranscode, models.OpThumbnail},
		Title:        item.Title,
		BodyText:     item.BodyText,
		Excerpt:      item.Excerpt,
		TopicTags:    item.TopicTags,
	}
	if _, err := s.store.Enqueue(ctx, pipeline.QueueMedia, media, queue.Options{Priority: priority}); err != nil {
		return fmt.Errorf("enqueue media: %w", err)
	}
	return nil
}

func sourceMediaURL(item models.CanonicalItem) string {
	if item.MediaURL != "" {
		return item.MediaURL
	}
	return item.OriginalURL
}

func (s *Stage) observe(counters batchCounters) {
	s.recorder.ObserveItems("normalize", "created", counters.created)
	s.recorder.ObserveItems("normalize", "existing", counters.existing)
	s.recorder.ObserveItems("normalize", "duplicates", counters.duplicates)
	s.recorder.ObserveItems("normalize", "filtered", counters.filtered)
	s.recorder.ObserveItems("normalize", "failed", counters.failed)
	s.recorder.ObserveItems("normalize", "moderation_approved", counters.approved)
	s.recorder.ObserveItems("normalize", "moderation_review", counters.review)
	s.recorder.ObserveItems("normalize", "moderation_rejected", counters.rejected)
}
