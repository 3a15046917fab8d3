// Package enrich implements the enrichment stage: best-effort transcription
// and semantic embedding, followed by finalizing the record as READY.
package enrich

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"driftline/internal/cms"
	"driftline/internal/media"
	"driftline/internal/models"
	"driftline/internal/observability/logging"
	"driftline/internal/observability/metrics"
	"driftline/internal/pipeline"
	"driftline/internal/queue"
)

// embeddingInputCap bounds the text sent to the embedder.
const embeddingInputCap = 8192

// textSliceLength is how much of the transcript or body feeds the embedding.
const textSliceLength = 2000

// Collaborator is the slice of the CMS client the stage needs.
type Collaborator interface {
	CreateTranscript(ctx context.Context, transcript cms.Transcript) (string, error)
	LinkTranscript(ctx context.Context, contentID, transcriptID string) error
	UpdateEmbedding(ctx context.Context, contentID string, vector []float32, topicTags []string) error
	UpdateStatus(ctx context.Context, contentID string, status models.ContentStatus, failureReason string) error
}

// Config carries the stage's tunables.
type Config struct {
	DownloadTimeout  time.Duration
	DownloadMaxBytes int64
	HTTPClient       *http.Client
	TempDir          string
}

// Stage handles jobs on the enrichment queue.
type Stage struct {
	cms         Collaborator
	transcriber Transcriber
	embedder    Embedder
	tools       *media.Toolchain
	client      *http.Client
	recorder    *metrics.Recorder
	logger      *slog.Logger
	maxBytes    int64
	tempDir     string
}

func NewStage(collaborator Collaborator, transcriber Transcriber, embedder Embedder, tools *media.Toolchain, recorder *metrics.Recorder, logger *slog.Logger, cfg Config) *Stage {
	if recorder == nil {
		recorder = metrics.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = pipeline.DefaultDownloadTimeout
	}
	if cfg.DownloadMaxBytes <= 0 {
		cfg.DownloadMaxBytes = pipeline.DefaultDownloadMaxBytes
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.DownloadTimeout}
	}
	if tools == nil {
		tools = media.NewToolchain(nil, "", "")
	}
	return &Stage{
		cms:         collaborator,
		transcriber: transcriber,
		embedder:    embedder,
		tools:       tools,
		client:      client,
		recorder:    recorder,
		logger:      logging.WithComponent(logger, "enrich"),
		maxBytes:    cfg.DownloadMaxBytes,
		tempDir:     cfg.TempDir,
	}
}

// Handle processes one enrichment job. Transcript and embedding are
// best-effort: their failures are logged and counted, and the record still
// finalizes READY. Collaborator write failures propagate so the job retries.
func (s *Stage) Handle(ctx context.Context, env *queue.Envelope) error {
	var job models.EnrichmentJob
	if err := env.Decode(&job); err != nil {
		return pipeline.Wrap(pipeline.KindInvalidData, err)
	}
	if job.ContentID == "" {
		return pipeline.Errorf(pipeline.KindInvalidData, "enrichment job missing content id")
	}
	ctx = logging.ContextWithJobID(ctx, env.JobID)
	ctx = logging.ContextWithContentID(ctx, job.ContentID)
	logger := logging.WithContext(ctx, s.logger)

	var transcriptText string
	if wantsOperation(job, models.OpTranscript) {
		text, err := s.transcribe(ctx, job, logger)
		switch {
		case err == nil:
			transcriptText = text
			if text != "" {
				s.recorder.ObserveEnrichmentStep("transcript", "ok")
			} else {
				s.recorder.ObserveEnrichmentStep("transcript", "empty")
			}
		case pipeline.Classify(err) == pipeline.KindCancelled:
			return err
		default:
			s.recorder.ObserveEnrichmentStep("transcript", "failed")
			logger.Warn("transcription skipped", "error", err)
		}
	}

	if wantsOperation(job, models.OpEmbedding) && s.embedder != nil {
		vector, err := s.computeVector(ctx, job, transcriptText)
		switch {
		case pipeline.Classify(err) == pipeline.KindCancelled:
			return err
		case err != nil:
			s.recorder.ObserveEnrichmentStep("embedding", "failed")
			logger.Warn("embedding skipped", "error", err)
		default:
			// Losing a computed vector corrupts the record, so this write is
			// not best-effort.
			if err := s.cms.UpdateEmbedding(ctx, job.ContentID, vector, job.TopicTags); err != nil {
				if !pipeline.Retryable(err) && pipeline.Classify(err) != pipeline.KindCancelled {
					if statusErr := s.cms.UpdateStatus(ctx, job.ContentID, models.StatusFailed, err.Error()); statusErr != nil {
						logger.Warn("failed-status update did not reach collaborator", "error", statusErr)
					}
				}
				return err
			}
			s.recorder.ObserveEnrichmentStep("embedding", "ok")
		}
	}

	if err := s.cms.UpdateStatus(ctx, job.ContentID, models.StatusReady, ""); err != nil {
		return err
	}
	logger.Info("enrichment complete", "transcript", transcriptText != "")
	return nil
}

func wantsOperation(job models.EnrichmentJob, op models.EnrichmentOperation) bool {
	for _, candidate := range job.Operations {
		if candidate == op {
			return true
		}
	}
	return false
}

// transcribe fetches the media locally if needed, extracts audio from video
// containers, and stores the resulting transcript. Empty transcripts are
// discarded.
func (s *Stage) transcribe(ctx context.Context, job models.EnrichmentJob, logger *slog.Logger) (string, error) {
	if s.transcriber == nil {
		return "", nil
	}
	if job.MediaPath == "" && job.MediaURL == "" {
		return "", nil
	}

	dir, err := os.MkdirTemp(s.tempDir, job.ContentID+"_enrich-")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	mediaPath := job.MediaPath
	if mediaPath == "" {
		mediaPath, err = s.fetchMedia(ctx, dir, job.MediaURL)
		if err != nil {
			return "", err
		}
	}

	audioPath := mediaPath
	if isVideoContainer(mediaPath) {
		audioPath = filepath.Join(dir, "audio.m4a")
		if err := s.tools.ExtractAudio(ctx, mediaPath, audioPath); err != nil {
			return "", err
		}
	}

	result, err := s.transcriber.Transcribe(ctx, audioPath)
	if err != nil {
		return "", err
	}
	if result.Text == "" {
		logger.Info("transcriber returned empty text, discarding")
		return "", nil
	}

	transcriptID, err := s.cms.CreateTranscript(ctx, cms.Transcript{
		ContentID: job.ContentID,
		Text:      result.Text,
		Language:  result.Language,
		Segments:  result.Segments,
	})
	if err != nil {
		return "", err
	}
	if err := s.cms.LinkTranscript(ctx, job.ContentID, transcriptID); err != nil {
		return "", err
	}
	return result.Text, nil
}

// computeVector builds the input text and pools it. A dimension mismatch
// refuses the vector rather than corrupting the record downstream.
func (s *Stage) computeVector(ctx context.Context, job models.EnrichmentJob, transcriptText string) ([]float32, error) {
	input := embeddingInput(job, transcriptText)
	vector, err := s.embedder.Embed(ctx, input)
	if err != nil {
		return nil, err
	}
	if len(vector) != s.embedder.Dimension() {
		return nil, pipeline.Errorf(pipeline.KindInvalidData,
			"refusing to store vector of length %d, want %d", len(vector), s.embedder.Dimension())
	}
	return vector, nil
}

// embeddingInput assembles title, the first slice of transcript or body, and
// a distinct excerpt, capped to the hard input limit.
func embeddingInput(job models.EnrichmentJob, transcriptText string) string {
	parts := []string{strings.TrimSpace(job.Title)}
	slice := firstRunes(transcriptText, textSliceLength)
	if slice == "" {
		slice = firstRunes(job.BodyText, textSliceLength)
	}
	if slice != "" {
		parts = append(parts, slice)
	}
	excerpt := strings.TrimSpace(job.Excerpt)
	if excerpt != "" && excerpt != strings.TrimSpace(job.BodyText) && !strings.Contains(slice, excerpt) {
		parts = append(parts, excerpt)
	}
	return firstRunes(strings.TrimSpace(strings.Join(parts, " ")), embeddingInputCap)
}

func firstRunes(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// fetchMedia pulls the processed artifact down for transcription.
func (s *Stage) fetchMedia(ctx context.Context, dir, mediaURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return "", pipeline.Wrap(pipeline.KindInvalidData, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", pipeline.Wrap(pipeline.Classify(err), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", pipeline.Errorf(pipeline.KindUpstreamUnavailable, "fetch media: status %d", resp.StatusCode)
	}

	dest := filepath.Join(dir, "media"+mediaExtension(mediaURL))
	file, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer file.Close()
	written, err := io.Copy(file, io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return "", pipeline.Wrap(pipeline.Classify(err), err)
	}
	if written > s.maxBytes {
		return "", pipeline.Errorf(pipeline.KindResourceExhausted, "media exceeds %d byte cap", s.maxBytes)
	}
	return dest, nil
}

func mediaExtension(mediaURL string) string {
	ext := strings.ToLower(filepath.Ext(mediaURL))
	if ext == "" || len(ext) > 5 || strings.ContainsAny(ext, "?&") {
		return ".mp4"
	}
	return ext
}

func isVideoContainer(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".mkv", ".webm", ".mov", ".avi":
		return true
	}
	return false
}
