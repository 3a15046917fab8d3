package enrich

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"driftline/internal/pipeline"
)

func TestEmbedPoolsAndNormalizes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		// Two token vectors; their mean is (2, 0, 2) before normalization.
		_ = json.NewEncoder(w).Encode([][]float32{{1, 0, 3}, {3, 0, 1}})
	}))
	t.Cleanup(server.Close)

	embedder := NewHTTPEmbedder(server.URL, "mini", 3, server.Client(), nil)
	vector, err := embedder.Embed(context.Background(), "some text")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vector) != 3 {
		t.Fatalf("vector = %v", vector)
	}
	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Fatalf("vector not unit length: %v (norm^2 = %f)", vector, norm)
	}
	if math.Abs(float64(vector[0]-vector[2])) > 1e-6 || vector[1] != 0 {
		t.Fatalf("pooled vector shape wrong: %v", vector)
	}
}

func TestEmbedEmptyTextYieldsZeroVector(t *testing.T) {
	embedder := NewHTTPEmbedder("http://unused.invalid", "mini", 4, nil, nil)
	vector, err := embedder.Embed(context.Background(), "   ")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vector) != 4 {
		t.Fatalf("vector = %v", vector)
	}
	for _, v := range vector {
		if v != 0 {
			t.Fatalf("zero vector expected, got %v", vector)
		}
	}
}

func TestEmbedRejectsDimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([][]float32{{1, 2}})
	}))
	t.Cleanup(server.Close)

	embedder := NewHTTPEmbedder(server.URL, "mini", 384, server.Client(), nil)
	_, err := embedder.Embed(context.Background(), "text")
	if err == nil {
		t.Fatalf("mismatched vector accepted")
	}
	if pipeline.Classify(err) != pipeline.KindInvalidData {
		t.Fatalf("kind = %v", pipeline.Classify(err))
	}
}

func TestEmbedWarmsUpOnce(t *testing.T) {
	var mu sync.Mutex
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		_ = json.NewEncoder(w).Encode([][]float32{{1, 1}})
	}))
	t.Cleanup(server.Close)

	embedder := NewHTTPEmbedder(server.URL, "mini", 2, server.Client(), nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := embedder.Embed(ctx, "text"); err != nil {
				t.Errorf("embed: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	// 4 embed calls plus exactly one shared warmup.
	if requests != 5 {
		t.Fatalf("requests = %d, want 5", requests)
	}
}

func TestEmbedAcceptsSinglePooledVector(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]float32{3, 4})
	}))
	t.Cleanup(server.Close)

	embedder := NewHTTPEmbedder(server.URL, "mini", 2, server.Client(), nil)
	vector, err := embedder.Embed(context.Background(), "text")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if math.Abs(float64(vector[0])-0.6) > 1e-6 || math.Abs(float64(vector[1])-0.8) > 1e-6 {
		t.Fatalf("vector = %v", vector)
	}
}
