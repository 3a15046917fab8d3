package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"driftline/internal/breaker"
	"driftline/internal/cms"
	"driftline/internal/pipeline"
)

// TranscriptResult is what the transcriber produced for one audio file.
type TranscriptResult struct {
	Text     string
	Language string
	Segments []cms.TranscriptSegment
}

// Transcriber submits audio to the speech-recognition service.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (TranscriptResult, error)
}

// HTTPTranscriber talks to an ASR service over multipart HTTP. The service
// answers with plain text by default and JSON segments when asked.
type HTTPTranscriber struct {
	baseURL  string
	client   *http.Client
	breakers *breaker.Registry
}

func NewHTTPTranscriber(baseURL string, client *http.Client, breakers *breaker.Registry) *HTTPTranscriber {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPTranscriber{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		breakers: breakers,
	}
}

type asrResponse struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments,omitempty"`
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, audioPath string) (TranscriptResult, error) {
	var result TranscriptResult
	call := func() error {
		var callErr error
		result, callErr = t.submit(ctx, audioPath)
		return callErr
	}
	if t.breakers != nil {
		return result, t.breakers.Execute(ctx, breaker.DepTranscriber, call)
	}
	return result, call()
}

func (t *HTTPTranscriber) submit(ctx context.Context, audioPath string) (TranscriptResult, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("audio_file", filepath.Base(audioPath))
	if err != nil {
		return TranscriptResult{}, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return TranscriptResult{}, fmt.Errorf("read audio file: %w", err)
	}
	if err := form.Close(); err != nil {
		return TranscriptResult{}, err
	}

	url := t.baseURL + "/asr?output=json&word_timestamps=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return TranscriptResult{}, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return TranscriptResult{}, pipeline.Wrap(pipeline.Classify(err), err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return TranscriptResult{}, pipeline.Wrap(pipeline.KindUpstreamUnavailable, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return TranscriptResult{}, pipeline.Errorf(pipeline.KindUpstreamUnavailable, "transcriber status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return TranscriptResult{}, pipeline.Errorf(pipeline.KindRateLimited, "transcriber throttled")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return TranscriptResult{}, pipeline.Errorf(pipeline.KindUpstreamRejected, "transcriber status %d", resp.StatusCode)
	}
	return parseASRResponse(resp.Header.Get("Content-Type"), payload)
}

// parseASRResponse accepts either a JSON document with segments or a bare
// text body; the content type decides.
func parseASRResponse(contentType string, payload []byte) (TranscriptResult, error) {
	if !strings.Contains(contentType, "application/json") {
		return TranscriptResult{Text: strings.TrimSpace(string(payload))}, nil
	}
	var parsed asrResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return TranscriptResult{}, pipeline.Wrap(pipeline.KindInvalidData, fmt.Errorf("parse transcriber response: %w", err))
	}
	result := TranscriptResult{
		Text:     strings.TrimSpace(parsed.Text),
		Language: parsed.Language,
	}
	for _, segment := range parsed.Segments {
		result.Segments = append(result.Segments, cms.TranscriptSegment{
			StartSeconds: segment.Start,
			EndSeconds:   segment.End,
			Text:         strings.TrimSpace(segment.Text),
		})
	}
	return result, nil
}
