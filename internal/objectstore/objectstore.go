// Package objectstore stores processed media artifacts in an S3-compatible
// bucket using SigV4-signed requests. Artifact keys are deterministic per
// content id so re-driven jobs overwrite instead of duplicating.
package objectstore

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"driftline/internal/breaker"
	"driftline/internal/pipeline"
)

// Object identifies a stored artifact.
type Object struct {
	Key string
	URL string
}

// Client is the artifact storage contract used by the media stage.
type Client interface {
	// Upload stores a small payload under key.
	Upload(ctx context.Context, key, contentType string, body []byte) (Object, error)
	// UploadFile streams a local file under key without loading it whole.
	UploadFile(ctx context.Context, key, contentType, path string) (Object, error)
	// Exists reports whether key already holds an object.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes an object. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error
	// PublicURL renders the public address of a stored key.
	PublicURL(key string) string
}

// Deterministic artifact keys per content record.

func OriginalKey(contentID, ext string) string {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("content/%s/original.%s", contentID, ext)
}

func ProcessedKey(contentID string) string {
	return fmt.Sprintf("content/%s/processed.mp4", contentID)
}

func ThumbnailKey(contentID string) string {
	return fmt.Sprintf("content/%s/thumbnail.jpg", contentID)
}

// Config carries bucket connectivity. Empty Endpoint or Bucket disables
// storage entirely and media jobs fail fast with a config error.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	PublicEndpoint string
	UseSSL         bool
	RequestTimeout time.Duration
}

const defaultRequestTimeout = 2 * time.Minute

// uploadRetries is the in-call retry schedule for transient upload failures.
// The job-level retry still applies on top when all of these fail.
var uploadRetries = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// S3Client implements Client against any S3-compatible endpoint.
type S3Client struct {
	cfg      Config
	endpoint *url.URL
	client   *http.Client
	breakers *breaker.Registry
	now      func() time.Time
}

// New builds an S3Client. It fails fast when the endpoint or bucket is
// missing so a misconfigured worker never silently drops artifacts.
func New(cfg Config, breakers *breaker.Registry) (*S3Client, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if bucket == "" || endpoint == "" {
		return nil, pipeline.Errorf(pipeline.KindConfig, "object store endpoint and bucket are required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return nil, pipeline.Errorf(pipeline.KindConfig, "parse object store endpoint: %v", err)
		}
		endpoint = parsed.Host
	}
	base := &url.URL{Scheme: scheme, Host: endpoint}
	if base.Host == "" {
		return nil, pipeline.Errorf(pipeline.KindConfig, "object store endpoint %q has no host", cfg.Endpoint)
	}
	cfg.Bucket = bucket
	return &S3Client{
		cfg:      cfg,
		endpoint: base,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		breakers: breakers,
		now:      time.Now,
	}, nil
}

// Upload stores body under key, retrying transient failures in-call.
func (c *S3Client) Upload(ctx context.Context, key, contentType string, body []byte) (Object, error) {
	hash := hashSHA256Hex(body)
	open := func() (io.ReadCloser, int64, error) {
		return io.NopCloser(bytes.NewReader(body)), int64(len(body)), nil
	}
	return c.put(ctx, key, contentType, hash, open)
}

// UploadFile streams path under key. The file is hashed in a first pass so
// the request can be signed, then streamed in the second.
func (c *S3Client) UploadFile(ctx context.Context, key, contentType, path string) (Object, error) {
	hash, size, err := hashFileSHA256Hex(path)
	if err != nil {
		return Object{}, fmt.Errorf("hash %s: %w", path, err)
	}
	open := func() (io.ReadCloser, int64, error) {
		file, err := os.Open(path)
		if err != nil {
			return nil, 0, err
		}
		return file, size, nil
	}
	return c.put(ctx, key, contentType, hash, open)
}

func (c *S3Client) put(ctx context.Context, key, contentType, payloadHash string, open func() (io.ReadCloser, int64, error)) (Object, error) {
	key = cleanKey(key)
	var lastErr error
	for attempt := 0; attempt <= len(uploadRetries); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Object{}, pipeline.Wrap(pipeline.KindCancelled, ctx.Err())
			case <-time.After(uploadRetries[attempt-1]):
			}
		}
		lastErr = c.execute(ctx, func() error {
			body, size, err := open()
			if err != nil {
				return pipeline.Wrap(pipeline.KindInternal, err)
			}
			defer body.Close()
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(key).String(), body)
			if err != nil {
				return pipeline.Wrap(pipeline.KindInternal, err)
			}
			req.ContentLength = size
			if contentType != "" {
				req.Header.Set("Content-Type", contentType)
			}
			c.signRequest(req, payloadHash)
			resp, err := c.client.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return pipeline.Wrap(pipeline.KindCancelled, ctx.Err())
				}
				return pipeline.Errorf(pipeline.KindUpstreamUnavailable, "upload %s: %v", key, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return pipeline.Errorf(pipeline.KindUpstreamUnavailable, "upload %s: unexpected status %d", key, resp.StatusCode)
			}
			return nil
		})
		if lastErr == nil {
			return Object{Key: key, URL: c.PublicURL(key)}, nil
		}
		if !pipeline.Retryable(lastErr) || pipeline.Classify(lastErr) == pipeline.KindCancelled {
			return Object{}, lastErr
		}
	}
	return Object{}, lastErr
}

// Exists issues a HEAD for the key.
func (c *S3Client) Exists(ctx context.Context, key string) (bool, error) {
	key = cleanKey(key)
	var found bool
	err := c.execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.objectURL(key).String(), nil)
		if err != nil {
			return pipeline.Wrap(pipeline.KindInternal, err)
		}
		c.signRequest(req, emptyPayloadHash)
		resp, err := c.client.Do(req)
		if err != nil {
			return pipeline.Errorf(pipeline.KindUpstreamUnavailable, "head %s: %v", key, err)
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			found = true
			return nil
		case resp.StatusCode == http.StatusNotFound:
			found = false
			return nil
		default:
			return pipeline.Errorf(pipeline.KindUpstreamUnavailable, "head %s: unexpected status %d", key, resp.StatusCode)
		}
	})
	return found, err
}

// Delete removes an object; missing keys succeed.
func (c *S3Client) Delete(ctx context.Context, key string) error {
	key = cleanKey(key)
	return c.execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(key).String(), nil)
		if err != nil {
			return pipeline.Wrap(pipeline.KindInternal, err)
		}
		c.signRequest(req, emptyPayloadHash)
		resp, err := c.client.Do(req)
		if err != nil {
			return pipeline.Errorf(pipeline.KindUpstreamUnavailable, "delete %s: %v", key, err)
		}
		defer resp.Body.Close()
		if (resp.StatusCode >= 200 && resp.StatusCode < 300) || resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return pipeline.Errorf(pipeline.KindUpstreamUnavailable, "delete %s: unexpected status %d", key, resp.StatusCode)
	})
}

// PublicURL renders the public address for a key as
// <public_endpoint>/<bucket>/<key>; empty when no public endpoint is
// configured.
func (c *S3Client) PublicURL(key string) string {
	base := strings.TrimSpace(c.cfg.PublicEndpoint)
	if base == "" {
		return ""
	}
	base = strings.TrimRight(base, "/") + "/" + c.cfg.Bucket
	key = cleanKey(key)
	if key == "" {
		return base
	}
	return base + "/" + key
}

func (c *S3Client) execute(ctx context.Context, fn func() error) error {
	if c.breakers == nil {
		return fn()
	}
	return c.breakers.Execute(ctx, breaker.DepObjectStore, fn)
}

func cleanKey(key string) string {
	return strings.TrimLeft(strings.TrimSpace(key), "/")
}

func (c *S3Client) objectURL(key string) *url.URL {
	path := "/" + strings.TrimLeft(c.cfg.Bucket, "/")
	if key != "" {
		path += "/" + key
	}
	u := *c.endpoint
	u.Path = path
	return &u
}

func (c *S3Client) signRequest(req *http.Request, payloadHash string) {
	req.Host = req.URL.Host
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("x-amz-content-sha256", payloadHash)
	accessKey := strings.TrimSpace(c.cfg.AccessKey)
	secretKey := strings.TrimSpace(c.cfg.SecretKey)
	if accessKey == "" || secretKey == "" {
		return
	}
	region := strings.TrimSpace(c.cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	now := c.now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)
	canonicalHeaders, signedHeaders := canonicalizeHeaders(req)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQuery(req.URL),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
	hash := sha256.Sum256([]byte(canonicalRequest))
	scope := strings.Join([]string{dateStamp, region, "s3", "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hash[:]),
	}, "\n")
	signingKey := deriveSigningKey(secretKey, dateStamp, region)
	signature := hmacSHA256Hex(signingKey, stringToSign)
	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		accessKey, scope, signedHeaders, signature))
}

func canonicalizeHeaders(req *http.Request) (string, string) {
	headerMap := make(map[string][]string)
	for key, values := range req.Header {
		lower := strings.ToLower(key)
		if lower == "authorization" {
			continue
		}
		cleaned := make([]string, 0, len(values))
		for _, v := range values {
			cleaned = append(cleaned, strings.TrimSpace(v))
		}
		headerMap[lower] = cleaned
	}
	if _, ok := headerMap["host"]; !ok && req.Host != "" {
		headerMap["host"] = []string{req.Host}
	}
	keys := make([]string, 0, len(headerMap))
	for key := range headerMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	var signed []string
	for _, key := range keys {
		builder.WriteString(key)
		builder.WriteByte(':')
		builder.WriteString(strings.Join(headerMap[key], ","))
		builder.WriteByte('\n')
		signed = append(signed, key)
	}
	return builder.String(), strings.Join(signed, ";")
}

func canonicalURI(u *url.URL) string {
	if u == nil {
		return "/"
	}
	path := u.EscapedPath()
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func canonicalQuery(u *url.URL) string {
	if u == nil {
		return ""
	}
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil || len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	for idx, key := range keys {
		if idx > 0 {
			builder.WriteByte('&')
		}
		sort.Strings(values[key])
		for vIdx, value := range values[key] {
			if vIdx > 0 {
				builder.WriteByte('&')
			}
			builder.WriteString(url.QueryEscape(key))
			builder.WriteByte('=')
			builder.WriteString(url.QueryEscape(value))
		}
	}
	return builder.String()
}

func deriveSigningKey(secret, dateStamp, region string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte("s3"))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func hmacSHA256Hex(key []byte, data string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

var emptyPayloadHash = hashSHA256Hex(nil)

func hashSHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hashFileSHA256Hex(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()
	hasher := sha256.New()
	size, err := io.Copy(hasher, file)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}
