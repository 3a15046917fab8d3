// Package cms is the HTTP client for the collaborator service that owns the
// durable content records. The pipeline never writes to a database directly;
// every durable mutation goes through this client.
package cms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"driftline/internal/breaker"
	"driftline/internal/models"
	"driftline/internal/observability/logging"
	"driftline/internal/pipeline"
)

const serviceName = "driftline-worker"

// ContentRecord is the collaborator's view of a content row after
// create-or-get.
type ContentRecord struct {
	ID      string               `json:"id"`
	Status  models.ContentStatus `json:"status"`
	Created bool                 `json:"created"`
}

// Artifacts carries the processed media locations reported after the media
// stage.
type Artifacts struct {
	MediaURL        string `json:"media_url,omitempty"`
	ThumbnailURL    string `json:"thumbnail_url,omitempty"`
	DurationSeconds int    `json:"duration_sec,omitempty"`
}

// TranscriptSegment is one time-aligned piece of a transcript.
type TranscriptSegment struct {
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	Text         string  `json:"text"`
}

// Transcript is the payload stored for a piece of content.
type Transcript struct {
	ContentID string              `json:"content_item_id"`
	Text      string              `json:"full_text"`
	Language  string              `json:"language,omitempty"`
	Segments  []TranscriptSegment `json:"word_timestamps,omitempty"`
}

// Client talks to the collaborator API. Calls run under the collaborator
// circuit breaker; transient failures are retried by the job store, not here.
type Client struct {
	baseURL  string
	token    string
	client   *http.Client
	logger   *slog.Logger
	breakers *breaker.Registry
}

// NewClient builds a collaborator client. A nil http.Client gets a sensible
// default timeout.
func NewClient(baseURL, token string, httpClient *http.Client, logger *slog.Logger, breakers *breaker.Registry) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		client:   httpClient,
		logger:   logger,
		breakers: breakers,
	}
}

// CreateOrGet submits a canonical item. The collaborator dedupes on the
// idempotency key: an existing record comes back with Created=false and its
// current status, and the pipeline must not restart processing for it.
func (c *Client) CreateOrGet(ctx context.Context, item models.CanonicalItem) (ContentRecord, error) {
	var record ContentRecord
	err := c.do(ctx, http.MethodPost, "/internal/content-items", item, &record)
	if err != nil {
		return ContentRecord{}, err
	}
	if record.ID == "" {
		return ContentRecord{}, pipeline.Errorf(pipeline.KindInvalidData, "collaborator returned content without an id")
	}
	return record, nil
}

type statusUpdate struct {
	Status        models.ContentStatus `json:"status"`
	FailureReason string               `json:"failure_reason,omitempty"`
}

// UpdateStatus moves a content record to the given lifecycle status.
func (c *Client) UpdateStatus(ctx context.Context, contentID string, status models.ContentStatus, failureReason string) error {
	path := fmt.Sprintf("/internal/content-items/%s/status", contentID)
	return c.do(ctx, http.MethodPatch, path, statusUpdate{Status: status, FailureReason: failureReason}, nil)
}

// UpdateArtifacts records the processed media locations for a content record.
func (c *Client) UpdateArtifacts(ctx context.Context, contentID string, artifacts Artifacts) error {
	path := fmt.Sprintf("/internal/content-items/%s/artifacts", contentID)
	return c.do(ctx, http.MethodPatch, path, artifacts, nil)
}

type transcriptResponse struct {
	ID string `json:"id"`
}

// CreateTranscript stores a transcript and returns its id.
func (c *Client) CreateTranscript(ctx context.Context, transcript Transcript) (string, error) {
	var response transcriptResponse
	if err := c.do(ctx, http.MethodPost, "/internal/transcripts", transcript, &response); err != nil {
		return "", err
	}
	if response.ID == "" {
		return "", pipeline.Errorf(pipeline.KindInvalidData, "collaborator returned transcript without an id")
	}
	return response.ID, nil
}

type transcriptLink struct {
	TranscriptID string `json:"transcript_id"`
}

// LinkTranscript attaches a stored transcript to its content record.
func (c *Client) LinkTranscript(ctx context.Context, contentID, transcriptID string) error {
	path := fmt.Sprintf("/internal/content-items/%s/transcript", contentID)
	return c.do(ctx, http.MethodPatch, path, transcriptLink{TranscriptID: transcriptID}, nil)
}

type embeddingUpdate struct {
	Vector    []float32 `json:"embedding"`
	TopicTags []string  `json:"topic_tags,omitempty"`
}

// UpdateEmbedding stores the semantic vector and topic tags for a content
// record.
func (c *Client) UpdateEmbedding(ctx context.Context, contentID string, vector []float32, topicTags []string) error {
	path := fmt.Sprintf("/internal/content-items/%s/embedding", contentID)
	return c.do(ctx, http.MethodPatch, path, embeddingUpdate{Vector: vector, TopicTags: topicTags}, nil)
}

// Health probes the collaborator, bypassing the breaker so a recovering
// upstream can be observed while the circuit is open.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return pipeline.Wrap(pipeline.KindUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return pipeline.Errorf(pipeline.KindUpstreamUnavailable, "collaborator health: %s", resp.Status)
	}
	return nil
}

// do issues one JSON request under the collaborator breaker and classifies
// the outcome: 5xx and transport errors are retryable upstream failures, 4xx
// means the payload itself is unacceptable and retrying cannot help.
func (c *Client) do(ctx context.Context, method, path string, payload any, dest any) error {
	call := func() error {
		var reqBody io.Reader
		if payload != nil {
			body, err := json.Marshal(payload)
			if err != nil {
				return pipeline.Errorf(pipeline.KindInternal, "marshal collaborator request: %v", err)
			}
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return pipeline.Wrap(pipeline.KindInternal, err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("X-Service-Name", serviceName)
		requestID, ok := logging.RequestIDFromContext(ctx)
		if !ok {
			requestID = uuid.NewString()
		}
		req.Header.Set("X-Request-ID", requestID)
		if token := strings.TrimSpace(c.token); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return pipeline.Wrap(pipeline.KindCancelled, ctx.Err())
			}
			return pipeline.Wrap(pipeline.KindUpstreamUnavailable, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if dest == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
				return pipeline.Errorf(pipeline.KindInvalidData, "decode collaborator response: %v", err)
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			return pipeline.Errorf(pipeline.KindRateLimited, "collaborator throttled %s %s", method, path)
		case resp.StatusCode >= 500:
			return pipeline.Errorf(pipeline.KindUpstreamUnavailable, "collaborator %s %s: %s", method, path, resp.Status)
		default:
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return pipeline.Errorf(pipeline.KindUpstreamRejected, "collaborator %s %s: %s: %s",
				method, path, resp.Status, strings.TrimSpace(string(data)))
		}
	}
	if c.breakers == nil {
		return call()
	}
	// Rejections mean the collaborator is up and answering; only outages and
	// throttling count against the circuit.
	var callErr error
	err := c.breakers.Execute(ctx, breaker.DepCollaborator, func() error {
		callErr = call()
		switch pipeline.Classify(callErr) {
		case pipeline.KindUpstreamRejected, pipeline.KindInvalidData:
			return nil
		default:
			return callErr
		}
	})
	if err == nil {
		err = callErr
	}
	if err != nil {
		c.logger.Warn("collaborator call failed", "method", method, "path", path, "error", err)
	}
	return err
}
