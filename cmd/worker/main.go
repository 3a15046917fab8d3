// Command worker runs the Driftline ingestion pipeline: the queue workers for
// every stage, the poll scheduler, and the admin listener.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"driftline/internal/admin"
	"driftline/internal/breaker"
	"driftline/internal/cms"
	"driftline/internal/dedup"
	"driftline/internal/enrich"
	"driftline/internal/fetch"
	"driftline/internal/media"
	"driftline/internal/normalize"
	"driftline/internal/objectstore"
	"driftline/internal/observability/logging"
	"driftline/internal/observability/metrics"
	"driftline/internal/pipeline"
	"driftline/internal/queue"
	"driftline/internal/ratelimit"
	"driftline/internal/sources"
	"driftline/internal/worker"
)

func main() {
	adminAddr := flag.String("admin-addr", envOr("DRIFTLINE_ADMIN_ADDR", "127.0.0.1:9090"), "admin listener address (/healthz, /metrics)")
	sourcesPath := flag.String("sources", envOr("DRIFTLINE_SOURCES", ""), "path to the JSON source catalog")
	logLevel := flag.String("log-level", envOr("DRIFTLINE_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", envOr("DRIFTLINE_LOG_FORMAT", "json"), "log format (json or text)")
	gracePeriod := flag.Duration("shutdown-grace", 30*time.Second, "how long in-flight jobs may finish after shutdown begins")
	flag.Parse()

	logger := logging.Init(logging.Config{Level: *logLevel, Format: *logFormat})

	cfg, err := pipeline.LoadConfigFromEnv()
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.QueueStoreURL)
	if err != nil {
		logger.Error("queue store URL invalid", "error", err)
		os.Exit(1)
	}
	if cfg.QueueStorePassword != "" {
		redisOpts.Password = cfg.QueueStorePassword
	}
	redisClient := redis.NewClient(redisOpts)
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	if err := redisClient.Ping(startupCtx).Err(); err != nil {
		cancelStartup()
		logger.Error("queue store unreachable", "addr", cfg.QueueStoreURL, "error", err)
		os.Exit(1)
	}
	cancelStartup()

	recorder := metrics.Default()
	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.BreakerFailureThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
		HalfOpenProbes:   cfg.BreakerHalfOpenProbes,
	}, recorder, logger)

	store := queue.NewRedisStore(redisClient, queue.RedisOptions{})
	seen := dedup.NewRedisStore(redisClient)
	ratelimit.DefaultLimit = ratelimit.Limit{Max: cfg.RateLimitMaxRequests, Window: cfg.RateLimitWindow}
	limiter := ratelimit.NewRedisLimiter(redisClient, nil)
	collaborator := cms.NewClient(cfg.CollaboratorBaseURL, cfg.CollaboratorToken, nil, logger, breakers)

	var bucket objectstore.Client
	if cfg.ObjectStoreEndpoint != "" {
		s3, err := objectstore.New(objectstore.Config{
			Endpoint:       cfg.ObjectStoreEndpoint,
			Region:         cfg.ObjectStoreRegion,
			Bucket:         cfg.ObjectStoreBucket,
			AccessKey:      cfg.ObjectStoreAccessKey,
			SecretKey:      cfg.ObjectStoreSecretKey,
			PublicEndpoint: cfg.ObjectStorePublicURL,
			UseSSL:         cfg.ObjectStoreUseSSL,
		}, breakers)
		if err != nil {
			logger.Error("object store configuration invalid", "error", err)
			os.Exit(1)
		}
		bucket = s3
	} else {
		logger.Warn("object store endpoint unset, storing artifacts in memory")
		bucket = objectstore.NewMemoryClient(cfg.ObjectStorePublicURL)
	}

	var allowlist *sources.Allowlist
	if cfg.SourceAllowlistPath != "" {
		allowlist, err = sources.LoadAllowlist(cfg.SourceAllowlistPath)
		if err != nil {
			logger.Error("load source allowlist", "path", cfg.SourceAllowlistPath, "error", err)
			os.Exit(1)
		}
	}

	var transcriber enrich.Transcriber
	if cfg.TranscriberURL != "" {
		transcriber = enrich.NewHTTPTranscriber(cfg.TranscriberURL, nil, breakers)
	}
	var embedder enrich.Embedder
	if cfg.EmbeddingURL != "" {
		embedder = enrich.NewHTTPEmbedder(cfg.EmbeddingURL, cfg.EmbeddingModelName, cfg.EmbeddingDimension, nil, breakers)
	}

	runner := media.NewExecRunner()
	tools := media.NewToolchain(runner, "", "")

	fetchStage := fetch.NewStage(store, limiter, breakers, recorder, logger, fetch.Config{
		Allowlist:       allowlist,
		VideoAPIKey:     cfg.VideoAPIKey,
		ForumAPIKey:     cfg.ForumAPIKey,
		MicroblogAPIKey: cfg.MicroblogAPIKey,
	})
	normalizeStage := normalize.NewStage(store, seen, collaborator, recorder, logger)
	mediaStage := media.NewStage(store, bucket, collaborator, runner, recorder, logger, media.Config{
		DownloadTimeout:  cfg.DownloadTimeout,
		TranscodeTimeout: cfg.TranscodeTimeout,
		DownloadMaxBytes: cfg.DownloadMaxBytes,
		TempDir:          cfg.MediaTempDir,
	})
	enrichStage := enrich.NewStage(collaborator, transcriber, embedder, tools, recorder, logger, enrich.Config{
		DownloadTimeout:  cfg.DownloadTimeout,
		DownloadMaxBytes: cfg.DownloadMaxBytes,
		TempDir:          cfg.MediaTempDir,
	})

	runtime := worker.NewRuntime(store, recorder, logger, worker.Options{GracePeriod: *gracePeriod})
	runtime.Register(pipeline.QueueFetch, fetchStage.Handle, cfg.FetchConcurrency)
	runtime.Register(pipeline.QueueNormalize, normalizeStage.Handle, cfg.NormalizeConcurrency)
	runtime.Register(pipeline.QueueMedia, mediaStage.Handle, cfg.MediaConcurrency)
	runtime.Register(pipeline.QueueEnrichment, enrichStage.Handle, cfg.EnrichmentConcurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := sources.NewRegistry(store, logger)
	if *sourcesPath != "" {
		catalog, err := sources.LoadFile(*sourcesPath)
		if err != nil {
			logger.Error("load source catalog", "path", *sourcesPath, "error", err)
			os.Exit(1)
		}
		for _, desc := range catalog {
			if err := registry.Register(ctx, desc); err != nil {
				logger.Error("register source", "source_id", desc.ID, "error", err)
				os.Exit(1)
			}
		}
		logger.Info("source catalog loaded", "path", *sourcesPath, "sources", len(catalog))
	}

	adminServer := admin.New(admin.Config{
		Addr:         *adminAddr,
		Logger:       logger,
		Metrics:      recorder,
		Breakers:     breakers,
		Store:        store,
		Collaborator: collaborator,
	})

	logger.Info("worker starting",
		"collaborator", cfg.CollaboratorBaseURL,
		"queue_store", cfg.QueueStoreURL,
		"admin_addr", *adminAddr)

	var g errgroup.Group
	g.Go(func() error { return runtime.Run(ctx) })
	g.Go(func() error { return adminServer.Run(ctx) })
	err = g.Wait()
	if closeErr := redisClient.Close(); closeErr != nil {
		logger.Warn("close queue store", "error", closeErr)
	}
	if err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func envOr(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}
