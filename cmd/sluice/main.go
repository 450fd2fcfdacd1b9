// Sluice ingestion server — polls platform identities, runs the
// enrichment pipeline over the event log, and serves the ops endpoints.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/sluicehq/sluice/pkg/ai"
	"github.com/sluicehq/sluice/pkg/api"
	"github.com/sluicehq/sluice/pkg/cleanup"
	"github.com/sluicehq/sluice/pkg/config"
	"github.com/sluicehq/sluice/pkg/crawler"
	"github.com/sluicehq/sluice/pkg/database"
	"github.com/sluicehq/sluice/pkg/eventlog"
	"github.com/sluicehq/sluice/pkg/graphstore"
	"github.com/sluicehq/sluice/pkg/ingest"
	"github.com/sluicehq/sluice/pkg/media"
	"github.com/sluicehq/sluice/pkg/outbox"
	"github.com/sluicehq/sluice/pkg/pipeline"
	"github.com/sluicehq/sluice/pkg/pipeline/album"
	"github.com/sluicehq/sluice/pkg/pipeline/enrichment"
	"github.com/sluicehq/sluice/pkg/pipeline/indexing"
	"github.com/sluicehq/sluice/pkg/pipeline/retag"
	"github.com/sluicehq/sluice/pkg/pipeline/tagging"
	"github.com/sluicehq/sluice/pkg/pipeline/vision"
	"github.com/sluicehq/sluice/pkg/ratelimit"
	"github.com/sluicehq/sluice/pkg/storage"
	"github.com/sluicehq/sluice/pkg/store"
	"github.com/sluicehq/sluice/pkg/supervisor"
	"github.com/sluicehq/sluice/pkg/telegram"
	"github.com/sluicehq/sluice/pkg/vectorstore"
	"github.com/sluicehq/sluice/pkg/version"
)

const (
	evictionSweepInterval  = 10 * time.Minute
	graphPruneInterval     = 6 * time.Hour
	retentionSweepInterval = 6 * time.Hour
	shutdownTimeout        = 30 * time.Second
)

// platformClientFactory builds the concrete per-identity platform
// client. Deployments link their client implementation in through a
// separate file that assigns this in init(); without one, ingestion
// workers are not started and the process runs the pipeline side only.
var platformClientFactory telegram.Factory

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	slog.Info("Starting sluice", "version", version.Full(), "http_port", httpPort, "config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database (runs embedded migrations)
	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	db := dbClient.DB()
	slog.Info("Connected to PostgreSQL database")

	// 3. Shared KV and event log
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	logClient := eventlog.NewClient(rdb)
	slog.Info("Connected to Redis", "addr", cfg.Redis.Addr)

	// 4. Blob store
	s3Client, err := newS3Client(ctx, cfg.S3)
	if err != nil {
		slog.Error("Failed to build S3 client", "error", err)
		os.Exit(1)
	}
	blobs := storage.NewStore(s3Client, rdb, cfg.S3.Bucket, storage.QuotaConfig{
		BucketTotalGB:     cfg.Quota.BucketTotalGB,
		BucketEmergencyGB: cfg.Quota.BucketEmergencyGB,
		PerTenantGB:       cfg.Quota.PerTenantGB,
		MediaGB:           cfg.Quota.MediaGB,
		VisionGB:          cfg.Quota.VisionGB,
		CrawlGB:           cfg.Quota.CrawlGB,
	})

	// 5. Relational store layer
	writer := store.NewBatchWriter(db)
	queries := store.NewQueries(db)
	enrichStore := store.NewEnrichmentStore(db)
	statusStore := store.NewStatusStore(db)

	// 6. Rate limiting
	limiter := ratelimit.NewLimiter(rdb, ratelimit.Config{
		UserPerMinute:    cfg.Rate.UserPerMinute,
		ChannelPerMinute: cfg.Rate.ChannelPerMinute,
		GlobalPerMinute:  cfg.Rate.GlobalPerMinute,
		AuthPerMinute:    cfg.Rate.AuthPerMinute,
	})

	// 7. AI adapters
	tagger := ai.NewAnthropicTagger(cfg.AI.AnthropicAPIKey, cfg.AI.TaggingModel, cfg.AI.MaxTags)
	visionPrimary := ai.NewBreakerVision(ai.NewAnthropicVision(cfg.AI.AnthropicAPIKey, cfg.AI.VisionModel))
	embedder := ai.NewOpenAIEmbedder(cfg.AI.OpenAIAPIKey, cfg.AI.EmbeddingModel, cfg.AI.EmbeddingDim)

	// 8. Vector and graph stores
	vectors, err := vectorstore.NewClient(&cfg.Qdrant, cfg.AI.EmbeddingDim)
	if err != nil {
		slog.Error("Failed to connect to vector store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = vectors.Close() }()

	graphs, err := graphstore.NewStore(&cfg.Neo4j, &cfg.Graph)
	if err != nil {
		slog.Error("Failed to connect to graph store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = graphs.Close(ctx) }()

	// 9. Crawl policy and fetcher
	policies, err := crawler.NewPolicyStore(cfg.Crawl.PolicyPath)
	if err != nil {
		slog.Error("Failed to load crawl policy", "path", cfg.Crawl.PolicyPath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = policies.Close() }()
	fetcher := crawler.NewCrawler(cfg.Crawl.Timeout(), cfg.Crawl.MaxBytes, cfg.Crawl.UserAgent)

	// 10. Pipeline stages
	taggingStage, err := tagging.NewStage(tagger, enrichStore, logClient)
	if err != nil {
		slog.Error("Failed to build tagging stage", "error", err)
		os.Exit(1)
	}
	enrichmentStage := enrichment.NewStage(fetcher, policies, blobs, enrichStore, logClient)
	visionStage := vision.NewStage(&cfg.Vision, visionPrimary, nil, blobs, enrichStore, logClient, rdb)
	albumStage := album.NewStage(&cfg.Album, blobs, queries, logClient, rdb)
	indexingStage := indexing.NewStage(cfg.Indexing.Concurrency, embedder, vectors, graphs, queries, statusStore, logClient)
	retagStage := retag.NewStage(tagger, enrichStore, queries, logClient)

	defs := []pipeline.Stage{
		taggingStage.Definition(),
		enrichmentStage.Definition(),
		visionStage.Definition(),
		indexingStage.Definition(),
		retagStage.Definition(),
	}
	defs = append(defs, albumStage.Definitions()...)

	// 11. Supervisor and background tasks
	sup := supervisor.New(&cfg.Supervisor)
	for _, def := range defs {
		runner := pipeline.NewRunner(logClient, &cfg.Stream, def)
		sup.Register("stage-"+def.Name, supervisor.RunStartStop(runner.Start, runner.Stop))
	}

	relay := outbox.NewRelay(db, logClient, &cfg.Outbox)
	sup.Register("outbox-relay", supervisor.RunStartStop(relay.Start, relay.Stop))

	evictor := storage.NewEvictor(blobs, queries, evictionSweepInterval)
	sup.Register("cas-evictor", evictor.Run)

	sup.Register("graph-pruner", supervisor.RunTicker("graph-pruner", graphPruneInterval,
		func(ctx context.Context) error {
			pruned, err := graphs.PruneExpired(ctx, time.Now())
			if err != nil {
				return err
			}
			if pruned > 0 {
				slog.Info("Pruned expired graph nodes", "count", pruned)
			}
			return nil
		}))

	retention := cleanup.NewService(&cfg.Graph, queries, vectors)
	sup.Register("post-retention", supervisor.RunTicker("post-retention", retentionSweepInterval, retention.RunOnce))

	// 12. Ingestion workers, one per authorized identity
	workers, err := buildIngestion(ctx, cfg, queries, writer, blobs, logClient, rdb, limiter, db)
	if err != nil {
		slog.Error("Failed to build ingestion workers", "error", err)
		os.Exit(1)
	}
	for _, w := range workers {
		sup.Register("ingest-"+w.Name(), supervisor.RunStartStop(w.Start, w.Stop))
	}

	if err := sup.StartAll(ctx); err != nil {
		slog.Error("Failed to start supervised tasks", "error", err)
		os.Exit(1)
	}

	// 13. Ops HTTP server
	opsServer := api.NewServer(db, rdb, sup)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("Ops server listening", "addr", addr)
		if err := opsServer.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("Sluice started", "stages", len(defs), "ingest_workers", len(workers))

	// 14. Wait for a shutdown trigger
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Ops server error triggered shutdown", "error", err)
	case err := <-sup.Fatal():
		slog.Error("Supervised task failed permanently, shutting down", "error", err)
	}

	// 15. Graceful shutdown: tasks first, then the ops server
	done := make(chan struct{})
	go func() {
		sup.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Supervised tasks stopped gracefully")
	case <-time.After(shutdownTimeout):
		slog.Warn("Shutdown timeout exceeded; pending log entries will be reclaimed on restart")
	}

	httpCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(httpCtx); err != nil {
		slog.Error("Ops server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

// newS3Client builds the blob store client, honoring custom endpoints
// for MinIO-style deployments.
func newS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// buildIngestion connects one worker per authorized identity. Without a
// registered platform client factory the pipeline still runs; only
// polling is disabled.
func buildIngestion(
	ctx context.Context,
	cfg *config.Config,
	queries *store.Queries,
	writer *store.BatchWriter,
	blobs *storage.Store,
	logClient *eventlog.Client,
	rdb redis.UniversalClient,
	limiter *ratelimit.Limiter,
	db *sqlx.DB,
) ([]*ingest.Worker, error) {
	if platformClientFactory == nil {
		slog.Warn("No platform client factory registered; ingestion workers disabled")
		return nil, nil
	}

	identities, err := queries.AuthorizedIdentities(ctx)
	if err != nil {
		return nil, err
	}

	var workers []*ingest.Worker
	for _, id := range identities {
		client, err := platformClientFactory(ctx, telegram.Session{
			PlatformUserID:   id.PlatformUserID,
			Phone:            id.Phone,
			SessionEncrypted: id.SessionEncrypted,
		})
		if err != nil {
			slog.Error("Failed to build platform client, skipping identity",
				"platform_user_id", id.PlatformUserID, "error", err)
			continue
		}
		proc := media.NewProcessor(&cfg.Media, &cfg.Album, client, blobs, writer, queries, logClient, rdb)
		workers = append(workers, ingest.NewWorker(&cfg.Ingest, ingest.Identity{
			TenantSlug:     id.TenantSlug,
			PlatformUserID: id.PlatformUserID,
			Phone:          id.Phone,
			Tier:           id.Tier,
		}, client, queries, writer, proc, limiter, db))
	}
	return workers, nil
}
