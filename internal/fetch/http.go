package fetch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"driftline/internal/pipeline"
)

const maxResponseBytes = 16 << 20

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// getBody fetches a URL and returns its body capped at maxResponseBytes.
// 5xx and transport failures are retryable; 4xx means the endpoint itself is
// wrong and retrying cannot help.
func getBody(ctx context.Context, client *http.Client, rawURL string, mutate func(*http.Request)) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, pipeline.Errorf(pipeline.KindInvalidData, "build request for %s: %v", rawURL, err)
	}
	req.Header.Set("User-Agent", "driftline-worker/1.0")
	if mutate != nil {
		mutate(req)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, pipeline.Wrap(pipeline.KindCancelled, ctx.Err())
		}
		return nil, pipeline.Errorf(pipeline.KindUpstreamUnavailable, "fetch %s: %v", rawURL, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, pipeline.Errorf(pipeline.KindUpstreamUnavailable, "read %s: %v", rawURL, err)
		}
		return data, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, pipeline.Errorf(pipeline.KindRateLimited, "fetch %s: upstream throttled", rawURL)
	case resp.StatusCode >= 500:
		return nil, pipeline.Errorf(pipeline.KindUpstreamUnavailable, "fetch %s: %s", rawURL, resp.Status)
	default:
		return nil, pipeline.Errorf(pipeline.KindUpstreamRejected, "fetch %s: %s", rawURL, resp.Status)
	}
}

// getJSON fetches a URL and decodes its JSON body into dest.
func getJSON(ctx context.Context, client *http.Client, rawURL string, mutate func(*http.Request), dest any) error {
	data, err := getBody(ctx, client, rawURL, mutate)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return pipeline.Errorf(pipeline.KindInvalidData, "decode %s: %v", rawURL, err)
	}
	return nil
}

func setAPIKey(req *http.Request, key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	req.Header.Set("X-Api-Key", key)
}
