// Package media implements the media stage: downloading the source artifact,
// transcoding it to a broadly playable MP4, uploading the results to the
// object store, and handing the record to enrichment.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"driftline/internal/cms"
	"driftline/internal/models"
	"driftline/internal/objectstore"
	"driftline/internal/observability/logging"
	"driftline/internal/observability/metrics"
	"driftline/internal/pipeline"
	"driftline/internal/queue"
)

// Collaborator is the slice of the CMS client the stage needs.
type Collaborator interface {
	UpdateStatus(ctx context.Context, contentID string, status models.ContentStatus, failureReason string) error
	UpdateArtifacts(ctx context.Context, contentID string, artifacts cms.Artifacts) error
}

// Config carries the stage's tunables and tool locations.
type Config struct {
	DownloadTimeout  time.Duration
	TranscodeTimeout time.Duration
	DownloadMaxBytes int64
	YTDLPBinary      string
	FFmpegBinary     string
	FFprobeBinary    string
	HTTPClient       *http.Client
	TempDir          string
}

// Stage handles jobs on the media queue.
type Stage struct {
	store      queue.Store
	bucket     objectstore.Client
	cms        Collaborator
	tools      *Toolchain
	download   *downloader
	recorder   *metrics.Recorder
	logger     *slog.Logger
	transcodeT time.Duration
	tempDir    string
}

func NewStage(store queue.Store, bucket objectstore.Client, collaborator Collaborator, runner Runner, recorder *metrics.Recorder, logger *slog.Logger, cfg Config) *Stage {
	if recorder == nil {
		recorder = metrics.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = pipeline.DefaultDownloadTimeout
	}
	if cfg.TranscodeTimeout <= 0 {
		cfg.TranscodeTimeout = pipeline.DefaultTranscodeTimeout
	}
	if cfg.DownloadMaxBytes <= 0 {
		cfg.DownloadMaxBytes = pipeline.DefaultDownloadMaxBytes
	}
	if cfg.YTDLPBinary == "" {
		cfg.YTDLPBinary = "yt-dlp"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.DownloadTimeout}
	}
	tools := NewToolchain(runner, cfg.FFmpegBinary, cfg.FFprobeBinary)
	return &Stage{
		store:  store,
		bucket: bucket,
		cms:    collaborator,
		tools:  tools,
		download: &downloader{
			runner:   tools.runner,
			client:   client,
			timeout:  cfg.DownloadTimeout,
			maxBytes: cfg.DownloadMaxBytes,
			ytdlp:    cfg.YTDLPBinary,
		},
		recorder:   recorder,
		logger:     logging.WithComponent(logger, "media"),
		transcodeT: cfg.TranscodeTimeout,
		tempDir:    cfg.TempDir,
	}
}

// Handle processes one media job. Re-driving a job for the same content is a
// no-op once the processed artifact exists under its deterministic key.
func (s *Stage) Handle(ctx context.Context, env *queue.Envelope) error {
	var job models.MediaJob
	if err := env.Decode(&job); err != nil {
		return pipeline.Wrap(pipeline.KindInvalidData, err)
	}
	if job.ContentID == "" || job.SourceURL == "" {
		return pipeline.Errorf(pipeline.KindInvalidData, "media job missing content id or source url")
	}
	ctx = logging.ContextWithJobID(ctx, env.JobID)
	ctx = logging.ContextWithContentID(ctx, job.ContentID)
	logger := logging.WithContext(ctx, s.logger)

	processedKey := objectstore.ProcessedKey(job.ContentID)
	exists, err := s.bucket.Exists(ctx, processedKey)
	if err != nil {
		return err
	}
	if exists {
		logger.Info("processed artifact already present, skipping to enrichment")
		s.recorder.ObserveItem("media", "short_circuit")
		return s.enqueueEnrichment(ctx, job, s.bucket.PublicURL(processedKey))
	}

	if err := s.cms.UpdateStatus(ctx, job.ContentID, models.StatusProcessing, ""); err != nil {
		return err
	}

	object, duration, err := s.process(ctx, job, processedKey, logger)
	if err != nil {
		s.recorder.ObserveItem("media", "failed")
		s.markFailed(ctx, job.ContentID, err, logger)
		return err
	}

	s.recorder.ObserveItem("media", "processed")
	logger.Info("media processed", "media_url", object.URL, "duration_seconds", duration)
	return s.enqueueEnrichment(ctx, job, object.URL)
}

// process runs download, probe, transcode, thumbnail, and upload, returning
// the processed object and probed duration.
func (s *Stage) process(ctx context.Context, job models.MediaJob, processedKey string, logger *slog.Logger) (objectstore.Object, int, error) {
	dir, err := os.MkdirTemp(s.tempDir, "driftline-media-")
	if err != nil {
		return objectstore.Object{}, 0, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	original, err := s.download.fetch(ctx, dir, job.SourceURL)
	if err != nil {
		return objectstore.Object{}, 0, err
	}
	if _, err := s.bucket.UploadFile(ctx, objectstore.OriginalKey(job.ContentID, filepath.Ext(original)), "application/octet-stream", original); err != nil {
		// The original copy is a convenience; processing continues without it.
		logger.Warn("original upload failed", "error", err)
	}

	probe, err := s.tools.Probe(ctx, original)
	if err != nil {
		return objectstore.Object{}, 0, err
	}

	transcodeCtx, cancel := context.WithTimeout(ctx, s.transcodeT)
	defer cancel()
	processed := filepath.Join(dir, "processed.mp4")
	if err := s.tools.Transcode(transcodeCtx, original, processed, probe); err != nil {
		return objectstore.Object{}, 0, err
	}

	thumbnailURL := s.makeThumbnail(ctx, job, dir, original, probe, logger)

	object, err := s.bucket.UploadFile(ctx, processedKey, "video/mp4", processed)
	if err != nil {
		return objectstore.Object{}, 0, err
	}

	artifacts := cms.Artifacts{
		MediaURL:        object.URL,
		ThumbnailURL:    thumbnailURL,
		DurationSeconds: probe.DurationSeconds,
	}
	if err := s.cms.UpdateArtifacts(ctx, job.ContentID, artifacts); err != nil {
		return objectstore.Object{}, 0, err
	}
	return object, probe.DurationSeconds, nil
}

// makeThumbnail extracts and uploads a frame, falling back to the
// source-provided thumbnail on any failure.
func (s *Stage) makeThumbnail(ctx context.Context, job models.MediaJob, dir, original string, probe ProbeResult, logger *slog.Logger) string {
	if !probe.HasVideo {
		return job.ThumbnailURL
	}
	frame := filepath.Join(dir, "thumbnail.jpg")
	if err := s.tools.Thumbnail(ctx, original, frame); err != nil {
		logger.Warn("thumbnail extraction failed", "error", err)
		s.recorder.ObserveItem("media", "thumbnail_fallback")
		return job.ThumbnailURL
	}
	object, err := s.bucket.UploadFile(ctx, objectstore.ThumbnailKey(job.ContentID), "image/jpeg", frame)
	if err != nil {
		logger.Warn("thumbnail upload failed", "error", err)
		s.recorder.ObserveItem("media", "thumbnail_fallback")
		return job.ThumbnailURL
	}
	return object.URL
}

func (s *Stage) enqueueEnrichment(ctx context.Context, job models.MediaJob, mediaURL string) error {
	enrichment := models.EnrichmentJob{
		ContentID:  job.ContentID,
		Type:       job.Type,
		Operations: []models.EnrichmentOperation{models.OpTranscript, models.OpEmbedding},
		Title:      job.Title,
		BodyText:   job.BodyText,
		Excerpt:    job.Excerpt,
		TopicTags:  job.TopicTags,
		MediaURL:   mediaURL,
	}
	if _, err := s.store.Enqueue(ctx, pipeline.QueueEnrichment, enrichment, queue.Options{Priority: pipeline.PriorityDefault}); err != nil {
		return fmt.Errorf("enqueue enrichment: %w", err)
	}
	return nil
}

// markFailed is best-effort: the job error is what drives retries, and a
// retried run will move the record forward again.
func (s *Stage) markFailed(ctx context.Context, contentID string, cause error, logger *slog.Logger) {
	if pipeline.Classify(cause) == pipeline.KindCancelled {
		return
	}
	if err := s.cms.UpdateStatus(ctx, contentID, models.StatusFailed, cause.Error()); err != nil {
		logger.Warn("failed-status update did not reach collaborator", "error", err)
	}
}
