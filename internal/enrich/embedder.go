package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"driftline/internal/breaker"
	"driftline/internal/pipeline"
)

// Embedder turns text into a fixed-dimension semantic vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// HTTPEmbedder calls an embedding service that returns token-level vectors,
// then mean-pools and L2-normalizes them locally. The first request triggers
// a model warmup; concurrent callers share one warmup via single-flight.
type HTTPEmbedder struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
	breakers  *breaker.Registry
	warmup    singleflight.Group
	warm      atomic.Bool
}

func NewHTTPEmbedder(baseURL, model string, dimension int, client *http.Client, breakers *breaker.Registry) *HTTPEmbedder {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if dimension <= 0 {
		dimension = pipeline.DefaultEmbeddingDimension
	}
	return &HTTPEmbedder{
		baseURL:   strings.TrimRight(baseURL, "/"),
		model:     model,
		dimension: dimension,
		client:    client,
		breakers:  breakers,
	}
}

func (e *HTTPEmbedder) Dimension() int {
	return e.dimension
}

type embedRequest struct {
	Model  string `json:"model,omitempty"`
	Inputs string `json:"inputs"`
}

// Embed returns the pooled vector for text. Empty input maps to the zero
// vector without a service round-trip.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return make([]float32, e.dimension), nil
	}
	if err := e.ensureWarm(ctx); err != nil {
		return nil, err
	}
	var tokens [][]float32
	call := func() error {
		var callErr error
		tokens, callErr = e.request(ctx, text)
		return callErr
	}
	var err error
	if e.breakers != nil {
		err = e.breakers.Execute(ctx, breaker.DepEmbedder, call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, err
	}
	vector := meanPool(tokens)
	if len(vector) != e.dimension {
		return nil, pipeline.Errorf(pipeline.KindInvalidData,
			"embedding dimension %d does not match configured %d", len(vector), e.dimension)
	}
	l2Normalize(vector)
	return vector, nil
}

// ensureWarm issues one warmup request per process so the model is resident
// before real traffic hits it.
func (e *HTTPEmbedder) ensureWarm(ctx context.Context) error {
	if e.warm.Load() {
		return nil
	}
	_, err, _ := e.warmup.Do("warmup", func() (any, error) {
		if e.warm.Load() {
			return nil, nil
		}
		if _, err := e.request(ctx, "warmup"); err != nil {
			return nil, err
		}
		e.warm.Store(true)
		return nil, nil
	})
	return err
}

func (e *HTTPEmbedder) request(ctx context.Context, text string) ([][]float32, error) {
	payload, err := json.Marshal(embedRequest{Model: e.model, Inputs: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, pipeline.Wrap(pipeline.Classify(err), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, pipeline.Wrap(pipeline.KindUpstreamUnavailable, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, pipeline.Errorf(pipeline.KindUpstreamUnavailable, "embedder status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, pipeline.Errorf(pipeline.KindRateLimited, "embedder throttled")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, pipeline.Errorf(pipeline.KindUpstreamRejected, "embedder status %d", resp.StatusCode)
	}

	var tokens [][]float32
	if err := json.Unmarshal(body, &tokens); err != nil {
		// Some deployments answer with a single pooled vector instead.
		var single []float32
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, pipeline.Wrap(pipeline.KindInvalidData, fmt.Errorf("parse embedder response: %w", err))
		}
		tokens = [][]float32{single}
	}
	if len(tokens) == 0 {
		return nil, pipeline.Errorf(pipeline.KindInvalidData, "embedder returned no vectors")
	}
	return tokens, nil
}

// meanPool averages token vectors elementwise.
func meanPool(tokens [][]float32) []float32 {
	if len(tokens) == 0 {
		return nil
	}
	pooled := make([]float32, len(tokens[0]))
	for _, token := range tokens {
		for i := range pooled {
			if i < len(token) {
				pooled[i] += token[i]
			}
		}
	}
	n := float32(len(tokens))
	for i := range pooled {
		pooled[i] /= n
	}
	return pooled
}

// l2Normalize scales the vector to unit length in place. The zero vector is
// left untouched.
func l2Normalize(vector []float32) {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vector {
		vector[i] /= norm
	}
}
