package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"driftline/internal/pipeline"
)

// platformHosts lists video platforms whose watch pages need the specialized
// downloader rather than a plain GET.
var platformHosts = map[string]bool{
	"youtube.com":     true,
	"youtu.be":        true,
	"vimeo.com":       true,
	"dailymotion.com": true,
	"twitch.tv":       true,
}

func isPlatformURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	for host != "" {
		if platformHosts[host] {
			return true
		}
		dot := strings.IndexByte(host, '.')
		if dot < 0 {
			break
		}
		host = host[dot+1:]
	}
	return false
}

// downloader fetches the source media into a temporary file, within the
// configured time and size caps.
type downloader struct {
	runner   Runner
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	ytdlp    string
}

// fetch returns the path of the downloaded file inside dir.
func (d *downloader) fetch(ctx context.Context, dir, sourceURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if isPlatformURL(sourceURL) {
		return d.fetchPlatform(ctx, dir, sourceURL)
	}
	return d.fetchDirect(ctx, dir, sourceURL)
}

func (d *downloader) fetchPlatform(ctx context.Context, dir, sourceURL string) (string, error) {
	dest := filepath.Join(dir, "original.mp4")
	_, err := d.runner.Run(ctx, d.ytdlp,
		"--no-playlist",
		"--quiet",
		"-f", "mp4/bestvideo*+bestaudio/best",
		"--merge-output-format", "mp4",
		"--max-filesize", fmt.Sprintf("%d", d.maxBytes),
		"-o", dest,
		sourceURL)
	if err != nil {
		return "", pipeline.Wrap(pipeline.KindUpstreamUnavailable, err)
	}
	if _, statErr := os.Stat(dest); statErr != nil {
		return "", pipeline.Errorf(pipeline.KindUpstreamUnavailable, "platform download produced no file for %s", sourceURL)
	}
	return dest, nil
}

func (d *downloader) fetchDirect(ctx context.Context, dir, sourceURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", pipeline.Wrap(pipeline.KindInvalidData, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", pipeline.Wrap(pipeline.Classify(err), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := pipeline.KindUpstreamRejected
		if resp.StatusCode >= 500 {
			kind = pipeline.KindUpstreamUnavailable
		}
		return "", pipeline.Errorf(kind, "download %s: status %d", sourceURL, resp.StatusCode)
	}
	if resp.ContentLength > d.maxBytes {
		return "", pipeline.Errorf(pipeline.KindResourceExhausted, "download %s: %d bytes exceeds cap", sourceURL, resp.ContentLength)
	}

	dest := filepath.Join(dir, "original"+extensionFor(sourceURL, resp.Header.Get("Content-Type")))
	file, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}
	defer file.Close()

	written, err := io.Copy(file, io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return "", pipeline.Wrap(pipeline.Classify(err), err)
	}
	if written > d.maxBytes {
		return "", pipeline.Errorf(pipeline.KindResourceExhausted, "download %s: exceeds %d byte cap", sourceURL, d.maxBytes)
	}
	return dest, nil
}

// extensionFor picks a file extension from the URL path, falling back to the
// response content type.
func extensionFor(sourceURL, contentType string) string {
	if parsed, err := url.Parse(sourceURL); err == nil {
		if ext := strings.ToLower(path.Ext(parsed.Path)); ext != "" && len(ext) <= 5 {
			return ext
		}
	}
	switch {
	case strings.HasPrefix(contentType, "audio/mpeg"):
		return ".mp3"
	case strings.HasPrefix(contentType, "audio/"):
		return ".m4a"
	case strings.HasPrefix(contentType, "video/"):
		return ".mp4"
	}
	return ".bin"
}
