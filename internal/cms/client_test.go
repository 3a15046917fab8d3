package cms

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"driftline/internal/breaker"
	"driftline/internal/models"
	"driftline/internal/observability/metrics"
	"driftline/internal/pipeline"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *breaker.Registry) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := breaker.NewRegistry(breaker.Settings{FailureThreshold: 3, ResetTimeout: time.Minute}, metrics.New(), logger)
	client := NewClient(server.URL, "secret-token", server.Client(), logger, registry)
	return client, registry
}

func TestCreateOrGetSubmitsCanonicalItem(t *testing.T) {
	var gotPath, gotAuth, gotService string
	var gotItem models.CanonicalItem
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotService = r.Header.Get("X-Service-Name")
		if r.Header.Get("X-Request-ID") == "" {
			t.Errorf("missing X-Request-ID header")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotItem); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(ContentRecord{ID: "content-1", Status: models.StatusPending, Created: true})
	}))

	record, err := client.CreateOrGet(context.Background(), models.CanonicalItem{
		IdempotencyKey: "abc123",
		Type:           models.TypeArticle,
		Title:          "A title",
	})
	if err != nil {
		t.Fatalf("create or get: %v", err)
	}
	if record.ID != "content-1" || !record.Created {
		t.Fatalf("record = %+v", record)
	}
	if gotPath != "POST /internal/content-items" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("auth = %s", gotAuth)
	}
	if gotService != "driftline-worker" {
		t.Fatalf("service = %s", gotService)
	}
	if gotItem.IdempotencyKey != "abc123" {
		t.Fatalf("item = %+v", gotItem)
	}
}

func TestCreateOrGetReturnsExistingRecord(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(ContentRecord{ID: "content-9", Status: models.StatusReady, Created: false})
	}))

	record, err := client.CreateOrGet(context.Background(), models.CanonicalItem{IdempotencyKey: "dup"})
	if err != nil {
		t.Fatalf("create or get: %v", err)
	}
	if record.Created || record.Status != models.StatusReady {
		t.Fatalf("record = %+v", record)
	}
}

func TestClientClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		wantKind  pipeline.Kind
		retryable bool
	}{
		{"bad request", http.StatusBadRequest, pipeline.KindUpstreamRejected, false},
		{"conflict", http.StatusConflict, pipeline.KindUpstreamRejected, false},
		{"throttled", http.StatusTooManyRequests, pipeline.KindRateLimited, true},
		{"server error", http.StatusInternalServerError, pipeline.KindUpstreamUnavailable, true},
		{"bad gateway", http.StatusBadGateway, pipeline.KindUpstreamUnavailable, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			err := client.UpdateStatus(context.Background(), "content-1", models.StatusReady, "")
			if err == nil {
				t.Fatalf("expected error for %d", tc.status)
			}
			if kind := pipeline.Classify(err); kind != tc.wantKind {
				t.Fatalf("kind = %v, want %v", kind, tc.wantKind)
			}
			if pipeline.Retryable(err) != tc.retryable {
				t.Fatalf("retryable = %v, want %v", pipeline.Retryable(err), tc.retryable)
			}
		})
	}
}

func TestClientBreakerOpensOnOutagesOnly(t *testing.T) {
	var status int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", status)
	}))
	ctx := context.Background()

	// Rejections never trip the breaker.
	status = http.StatusBadRequest
	for i := 0; i < 10; i++ {
		err := client.UpdateStatus(ctx, "content-1", models.StatusReady, "")
		if pipeline.Classify(err) != pipeline.KindUpstreamRejected {
			t.Fatalf("call %d: kind = %v", i, pipeline.Classify(err))
		}
	}

	// Outages do, after the configured threshold.
	status = http.StatusServiceUnavailable
	var lastErr error
	for i := 0; i < 4; i++ {
		lastErr = client.UpdateStatus(ctx, "content-1", models.StatusReady, "")
	}
	if !errors.Is(lastErr, breaker.ErrCircuitOpen) {
		t.Fatalf("after outage streak: err = %v, want circuit open", lastErr)
	}
}

func TestArtifactAndTranscriptEndpoints(t *testing.T) {
	var calls []string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		if r.URL.Path == "/internal/transcripts" {
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "tr-1"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	ctx := context.Background()

	if err := client.UpdateArtifacts(ctx, "content-1", Artifacts{MediaURL: "https://cdn/x.mp4", DurationSeconds: 90}); err != nil {
		t.Fatalf("update artifacts: %v", err)
	}
	transcriptID, err := client.CreateTranscript(ctx, Transcript{ContentID: "content-1", Text: "hello"})
	if err != nil || transcriptID != "tr-1" {
		t.Fatalf("create transcript: id=%q err=%v", transcriptID, err)
	}
	if err := client.LinkTranscript(ctx, "content-1", transcriptID); err != nil {
		t.Fatalf("link transcript: %v", err)
	}
	if err := client.UpdateEmbedding(ctx, "content-1", []float32{0.1, 0.2}, []string{"go"}); err != nil {
		t.Fatalf("update embedding: %v", err)
	}

	want := []string{
		"PATCH /internal/content-items/content-1/artifacts",
		"POST /internal/transcripts",
		"PATCH /internal/content-items/content-1/transcript",
		"PATCH /internal/content-items/content-1/embedding",
	}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d = %s, want %s", i, calls[i], want[i])
		}
	}
}

func TestWirePayloadFieldNames(t *testing.T) {
	bodies := make(map[string]map[string]any)
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		bodies[r.URL.Path] = payload
		if r.URL.Path == "/internal/transcripts" {
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "tr-2"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	ctx := context.Background()

	if _, err := client.CreateTranscript(ctx, Transcript{ContentID: "content-2", Text: "spoken words"}); err != nil {
		t.Fatalf("create transcript: %v", err)
	}
	transcript := bodies["/internal/transcripts"]
	if transcript["content_item_id"] != "content-2" || transcript["full_text"] != "spoken words" {
		t.Fatalf("transcript payload = %v", transcript)
	}

	if err := client.UpdateEmbedding(ctx, "content-2", []float32{0.6, 0.8}, nil); err != nil {
		t.Fatalf("update embedding: %v", err)
	}
	embedding := bodies["/internal/content-items/content-2/embedding"]
	if _, ok := embedding["embedding"]; !ok {
		t.Fatalf("embedding payload = %v", embedding)
	}

	if err := client.UpdateArtifacts(ctx, "content-2", Artifacts{DurationSeconds: 93}); err != nil {
		t.Fatalf("update artifacts: %v", err)
	}
	artifacts := bodies["/internal/content-items/content-2/artifacts"]
	if artifacts["duration_sec"] != float64(93) {
		t.Fatalf("artifacts payload = %v", artifacts)
	}
}
