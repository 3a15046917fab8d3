package enrich

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"driftline/internal/cms"
	"driftline/internal/media"
	"driftline/internal/models"
	"driftline/internal/observability/metrics"
	"driftline/internal/pipeline"
	"driftline/internal/queue"
)

type fakeTranscriber struct {
	result TranscriptResult
	err    error
	paths  []string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audioPath string) (TranscriptResult, error) {
	f.paths = append(f.paths, audioPath)
	return f.result, f.err
}

type fakeEmbedder struct {
	dimension int
	inputs    []string
	err       error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.inputs = append(f.inputs, text)
	if f.err != nil {
		return nil, f.err
	}
	return make([]float32, f.dimension), nil
}

func (f *fakeEmbedder) Dimension() int { return f.dimension }

type enrichCollaborator struct {
	transcripts []cms.Transcript
	links       [][2]string
	embeddings  [][]float32
	tags        [][]string
	statuses    []models.ContentStatus
	embedErr    error
}

func (c *enrichCollaborator) CreateTranscript(_ context.Context, transcript cms.Transcript) (string, error) {
	c.transcripts = append(c.transcripts, transcript)
	return "transcript-1", nil
}

func (c *enrichCollaborator) LinkTranscript(_ context.Context, contentID, transcriptID string) error {
	c.links = append(c.links, [2]string{contentID, transcriptID})
	return nil
}

func (c *enrichCollaborator) UpdateEmbedding(_ context.Context, _ string, vector []float32, topicTags []string) error {
	if c.embedErr != nil {
		return c.embedErr
	}
	c.embeddings = append(c.embeddings, vector)
	c.tags = append(c.tags, topicTags)
	return nil
}

func (c *enrichCollaborator) UpdateStatus(_ context.Context, _ string, status models.ContentStatus, _ string) error {
	c.statuses = append(c.statuses, status)
	return nil
}

// audioWritingRunner stands in for ffmpeg during audio extraction.
type audioWritingRunner struct{}

func (audioWritingRunner) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	return nil, os.WriteFile(args[len(args)-1], []byte("audio"), 0o644)
}

func newEnrichStage(t *testing.T, transcriber Transcriber, embedder Embedder, collaborator Collaborator) *Stage {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tools := media.NewToolchain(audioWritingRunner{}, "", "")
	return NewStage(collaborator, transcriber, embedder, tools, metrics.New(), logger, Config{TempDir: t.TempDir()})
}

func runEnrichmentJob(t *testing.T, stage *Stage, job models.EnrichmentJob) error {
	t.Helper()
	ctx := context.Background()
	store := queue.NewMemoryStore()
	if _, err := store.Enqueue(ctx, pipeline.QueueEnrichment, job, queue.Options{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	env, err := store.Reserve(ctx, pipeline.QueueEnrichment, "w")
	if err != nil || env == nil {
		t.Fatalf("reserve: env=%v err=%v", env, err)
	}
	return stage.Handle(ctx, env)
}

func TestHandleTranscribesAndEmbeds(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("mp4-bytes"))
	}))
	t.Cleanup(source.Close)

	transcriber := &fakeTranscriber{result: TranscriptResult{Text: "spoken words", Language: "en"}}
	embedder := &fakeEmbedder{dimension: 4}
	collaborator := &enrichCollaborator{}
	stage := newEnrichStage(t, transcriber, embedder, collaborator)

	job := models.EnrichmentJob{
		ContentID:  "content-1",
		Type:       models.TypeVideo,
		Operations: []models.EnrichmentOperation{models.OpTranscript, models.OpEmbedding},
		Title:      "A video",
		TopicTags:  []string{"go"},
		MediaURL:   source.URL + "/processed.mp4",
	}
	if err := runEnrichmentJob(t, stage, job); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(collaborator.transcripts) != 1 || collaborator.transcripts[0].Text != "spoken words" {
		t.Fatalf("transcripts = %+v", collaborator.transcripts)
	}
	if len(collaborator.links) != 1 || collaborator.links[0] != [2]string{"content-1", "transcript-1"} {
		t.Fatalf("links = %v", collaborator.links)
	}
	// The video container goes through audio extraction before the ASR call.
	if len(transcriber.paths) != 1 || filepath.Ext(transcriber.paths[0]) != ".m4a" {
		t.Fatalf("transcriber paths = %v", transcriber.paths)
	}
	if len(collaborator.embeddings) != 1 || len(collaborator.embeddings[0]) != 4 {
		t.Fatalf("embeddings = %v", collaborator.embeddings)
	}
	if len(collaborator.tags) != 1 || collaborator.tags[0][0] != "go" {
		t.Fatalf("tags = %v", collaborator.tags)
	}
	if len(embedder.inputs) != 1 || embedder.inputs[0] != "A video spoken words" {
		t.Fatalf("embedding input = %q", embedder.inputs)
	}
	if len(collaborator.statuses) != 1 || collaborator.statuses[0] != models.StatusReady {
		t.Fatalf("statuses = %v", collaborator.statuses)
	}
}

func TestHandleTranscriberFailureStillFinalizes(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("mp4"))
	}))
	t.Cleanup(source.Close)

	transcriber := &fakeTranscriber{err: pipeline.Errorf(pipeline.KindUpstreamUnavailable, "asr down")}
	embedder := &fakeEmbedder{dimension: 4}
	collaborator := &enrichCollaborator{}
	stage := newEnrichStage(t, transcriber, embedder, collaborator)

	job := models.EnrichmentJob{
		ContentID:  "content-2",
		Type:       models.TypePodcast,
		Operations: []models.EnrichmentOperation{models.OpTranscript, models.OpEmbedding},
		Title:      "An episode",
		BodyText:   "show notes",
		MediaURL:   source.URL + "/ep.mp3",
	}
	if err := runEnrichmentJob(t, stage, job); err != nil {
		t.Fatalf("transcriber outage must not fail the job: %v", err)
	}
	if len(collaborator.transcripts) != 0 {
		t.Fatalf("transcript stored despite failure")
	}
	// The embedding falls back to the body text.
	if embedder.inputs[0] != "An episode show notes" {
		t.Fatalf("embedding input = %q", embedder.inputs[0])
	}
	if collaborator.statuses[len(collaborator.statuses)-1] != models.StatusReady {
		t.Fatalf("statuses = %v", collaborator.statuses)
	}
}

func TestHandleEmptyTranscriptDiscarded(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("mp3"))
	}))
	t.Cleanup(source.Close)

	transcriber := &fakeTranscriber{result: TranscriptResult{Text: ""}}
	collaborator := &enrichCollaborator{}
	stage := newEnrichStage(t, transcriber, &fakeEmbedder{dimension: 2}, collaborator)

	job := models.EnrichmentJob{
		ContentID:  "content-3",
		Type:       models.TypePodcast,
		Operations: []models.EnrichmentOperation{models.OpTranscript},
		MediaURL:   source.URL + "/ep.mp3",
	}
	if err := runEnrichmentJob(t, stage, job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(collaborator.transcripts) != 0 || len(collaborator.links) != 0 {
		t.Fatalf("empty transcript stored")
	}
}

func TestHandleEmbeddingWriteFailurePropagates(t *testing.T) {
	embedder := &fakeEmbedder{dimension: 2}
	collaborator := &enrichCollaborator{embedErr: pipeline.Errorf(pipeline.KindUpstreamUnavailable, "cms down")}
	stage := newEnrichStage(t, nil, embedder, collaborator)

	job := models.EnrichmentJob{
		ContentID:  "content-4",
		Type:       models.TypeVideo,
		Operations: []models.EnrichmentOperation{models.OpEmbedding},
		Title:      "A video",
	}
	err := runEnrichmentJob(t, stage, job)
	if err == nil {
		t.Fatalf("embedding write failure swallowed")
	}
	if !pipeline.Retryable(err) {
		t.Fatalf("cms outage should retry, got %v", err)
	}
	if len(collaborator.statuses) != 0 {
		t.Fatalf("status finalized despite write failure: %v", collaborator.statuses)
	}
}

func TestEmbeddingInputAssembly(t *testing.T) {
	job := models.EnrichmentJob{
		Title:    "Title",
		BodyText: "body text here",
		Excerpt:  "a distinct excerpt",
	}
	if got := embeddingInput(job, "transcript words"); got != "Title transcript words a distinct excerpt" {
		t.Fatalf("input = %q", got)
	}
	// Without a transcript the body takes its place.
	if got := embeddingInput(job, ""); got != "Title body text here a distinct excerpt" {
		t.Fatalf("input = %q", got)
	}
	// An excerpt equal to the body is not repeated.
	same := models.EnrichmentJob{Title: "T", BodyText: "same text", Excerpt: "same text"}
	if got := embeddingInput(same, ""); got != "T same text" {
		t.Fatalf("input = %q", got)
	}
	// The hard cap bounds the assembled input.
	capped := embeddingInput(models.EnrichmentJob{Title: "t", BodyText: "body", Excerpt: stringOfLength(9000)}, "")
	if len([]rune(capped)) != embeddingInputCap {
		t.Fatalf("capped length = %d", len([]rune(capped)))
	}
}

func stringOfLength(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}
