package pipeline

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config stores connectivity and tuning for the whole worker process. Values
// come from DRIFTLINE_* environment variables with flag overrides applied by
// the caller.
type Config struct {
	CollaboratorBaseURL string
	CollaboratorToken   string

	QueueStoreURL      string
	QueueStorePassword string

	ObjectStoreEndpoint  string
	ObjectStoreRegion    string
	ObjectStoreBucket    string
	ObjectStoreAccessKey string
	ObjectStoreSecretKey string
	ObjectStorePublicURL string
	ObjectStoreUseSSL    bool

	TranscriberURL     string
	EmbeddingURL       string
	EmbeddingModelName string
	EmbeddingDimension int

	MediaTempDir        string
	DownloadTimeout     time.Duration
	TranscodeTimeout    time.Duration
	DownloadMaxBytes    int64
	SourceAllowlistPath string

	FetchConcurrency      int
	NormalizeConcurrency  int
	MediaConcurrency      int
	EnrichmentConcurrency int

	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration
	BreakerHalfOpenProbes   int

	RateLimitWindow      time.Duration
	RateLimitMaxRequests int

	VideoAPIKey     string
	ForumAPIKey     string
	MicroblogAPIKey string
}

// Defaults that apply when the environment leaves a knob unset.
const (
	DefaultEmbeddingDimension = 384
	DefaultDownloadTimeout    = 120 * time.Second
	DefaultTranscodeTimeout   = 180 * time.Second
	DefaultDownloadMaxBytes   = int64(2 << 30)
)

// LoadConfigFromEnv initialises a Config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		CollaboratorBaseURL:  strings.TrimSpace(os.Getenv("DRIFTLINE_COLLABORATOR_URL")),
		CollaboratorToken:    strings.TrimSpace(os.Getenv("DRIFTLINE_COLLABORATOR_TOKEN")),
		QueueStoreURL:        strings.TrimSpace(os.Getenv("DRIFTLINE_QUEUE_STORE_URL")),
		QueueStorePassword:   strings.TrimSpace(os.Getenv("DRIFTLINE_QUEUE_STORE_PASSWORD")),
		ObjectStoreEndpoint:  strings.TrimSpace(os.Getenv("DRIFTLINE_OBJECT_ENDPOINT")),
		ObjectStoreRegion:    strings.TrimSpace(os.Getenv("DRIFTLINE_OBJECT_REGION")),
		ObjectStoreBucket:    strings.TrimSpace(os.Getenv("DRIFTLINE_OBJECT_BUCKET")),
		ObjectStoreAccessKey: strings.TrimSpace(os.Getenv("DRIFTLINE_OBJECT_ACCESS_KEY")),
		ObjectStoreSecretKey: strings.TrimSpace(os.Getenv("DRIFTLINE_OBJECT_SECRET_KEY")),
		ObjectStorePublicURL: strings.TrimSpace(os.Getenv("DRIFTLINE_OBJECT_PUBLIC_URL")),
		TranscriberURL:       strings.TrimSpace(os.Getenv("DRIFTLINE_TRANSCRIBER_URL")),
		EmbeddingURL:         strings.TrimSpace(os.Getenv("DRIFTLINE_EMBEDDING_URL")),
		EmbeddingModelName:   strings.TrimSpace(os.Getenv("DRIFTLINE_EMBEDDING_MODEL")),
		MediaTempDir:         strings.TrimSpace(os.Getenv("DRIFTLINE_MEDIA_TEMP_DIR")),
		SourceAllowlistPath:  strings.TrimSpace(os.Getenv("DRIFTLINE_SOURCE_ALLOWLIST")),
		VideoAPIKey:          strings.TrimSpace(os.Getenv("DRIFTLINE_VIDEO_API_KEY")),
		ForumAPIKey:          strings.TrimSpace(os.Getenv("DRIFTLINE_FORUM_API_KEY")),
		MicroblogAPIKey:      strings.TrimSpace(os.Getenv("DRIFTLINE_MICROBLOG_API_KEY")),

		EmbeddingDimension:      DefaultEmbeddingDimension,
		DownloadTimeout:         DefaultDownloadTimeout,
		TranscodeTimeout:        DefaultTranscodeTimeout,
		DownloadMaxBytes:        DefaultDownloadMaxBytes,
		FetchConcurrency:        5,
		NormalizeConcurrency:    5,
		MediaConcurrency:        2,
		EnrichmentConcurrency:   3,
		BreakerFailureThreshold: 5,
		BreakerResetTimeout:     30 * time.Second,
		BreakerHalfOpenProbes:   3,
		RateLimitWindow:         time.Minute,
		RateLimitMaxRequests:    60,
	}

	if cfg.MediaTempDir == "" {
		cfg.MediaTempDir = os.TempDir()
	}

	var err error
	if cfg.EmbeddingDimension, err = envInt("DRIFTLINE_EMBEDDING_DIMENSION", cfg.EmbeddingDimension); err != nil {
		return Config{}, err
	}
	if cfg.FetchConcurrency, err = envInt("DRIFTLINE_FETCH_CONCURRENCY", cfg.FetchConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.NormalizeConcurrency, err = envInt("DRIFTLINE_NORMALIZE_CONCURRENCY", cfg.NormalizeConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.MediaConcurrency, err = envInt("DRIFTLINE_MEDIA_CONCURRENCY", cfg.MediaConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.EnrichmentConcurrency, err = envInt("DRIFTLINE_ENRICHMENT_CONCURRENCY", cfg.EnrichmentConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.BreakerFailureThreshold, err = envInt("DRIFTLINE_BREAKER_FAILURE_THRESHOLD", cfg.BreakerFailureThreshold); err != nil {
		return Config{}, err
	}
	if cfg.BreakerHalfOpenProbes, err = envInt("DRIFTLINE_BREAKER_HALF_OPEN_PROBES", cfg.BreakerHalfOpenProbes); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitMaxRequests, err = envInt("DRIFTLINE_RATE_LIMIT_MAX_REQUESTS", cfg.RateLimitMaxRequests); err != nil {
		return Config{}, err
	}
	if cfg.BreakerResetTimeout, err = envDuration("DRIFTLINE_BREAKER_RESET_TIMEOUT", cfg.BreakerResetTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitWindow, err = envDuration("DRIFTLINE_RATE_LIMIT_WINDOW", cfg.RateLimitWindow); err != nil {
		return Config{}, err
	}
	if cfg.DownloadTimeout, err = envDuration("DRIFTLINE_DOWNLOAD_TIMEOUT", cfg.DownloadTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TranscodeTimeout, err = envDuration("DRIFTLINE_TRANSCODE_TIMEOUT", cfg.TranscodeTimeout); err != nil {
		return Config{}, err
	}
	if raw := strings.TrimSpace(os.Getenv("DRIFTLINE_DOWNLOAD_MAX_BYTES")); raw != "" {
		parsed, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			return Config{}, Errorf(KindConfig, "parse DRIFTLINE_DOWNLOAD_MAX_BYTES: %v", parseErr)
		}
		if parsed > 0 {
			cfg.DownloadMaxBytes = parsed
		}
	}
	if raw, ok := os.LookupEnv("DRIFTLINE_OBJECT_USE_SSL"); ok {
		parsed, parseErr := strconv.ParseBool(strings.TrimSpace(raw))
		if parseErr != nil {
			return Config{}, Errorf(KindConfig, "parse DRIFTLINE_OBJECT_USE_SSL: %v", parseErr)
		}
		cfg.ObjectStoreUseSSL = parsed
	}
	return cfg, nil
}

// Validate fails fast on the settings the worker cannot run without.
func (c Config) Validate() error {
	if c.CollaboratorBaseURL == "" {
		return Errorf(KindConfig, "collaborator base URL is required")
	}
	if c.QueueStoreURL == "" {
		return Errorf(KindConfig, "queue store URL is required")
	}
	if c.EmbeddingDimension <= 0 {
		return Errorf(KindConfig, "embedding dimension must be positive, got %d", c.EmbeddingDimension)
	}
	return nil
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, Errorf(KindConfig, "parse %s: %v", key, err)
	}
	if parsed <= 0 {
		return fallback, nil
	}
	return parsed, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, Errorf(KindConfig, "parse %s: %v", key, err)
	}
	if parsed <= 0 {
		return fallback, nil
	}
	return parsed, nil
}
