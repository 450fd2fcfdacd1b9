package config

// DefaultConfig returns the built-in configuration. Values a sluice.yaml
// leaves unset fall back to these.
func DefaultConfig() Config {
	return Config{
		Stream: StreamConfig{
			BatchSize:        50,
			BlockMS:          1000,
			TrimIntervalMsgs: 50,
			PELMinIdleMS:     60000,
			MaxDeliveries:    3,
		},
		Media: MediaConfig{
			MaxBytesPhoto:         15 << 20,
			MaxBytesDoc:           40 << 20,
			DownloadTimeoutPhotoS: 120,
			DownloadTimeoutDocS:   300,
		},
		Album: AlbumConfig{
			SearchWindowMinutes: 10,
			SearchLimit:         50,
			StateTTLHours:       6,
		},
		Quota: QuotaConfig{
			BucketTotalGB:     15,
			BucketEmergencyGB: 14,
			PerTenantGB:       2,
			MediaGB:           10,
			VisionGB:          2,
			CrawlGB:           2,
		},
		Rate: RateConfig{
			UserPerMinute:    20,
			ChannelPerMinute: 10,
			GlobalPerMinute:  100,
			AuthPerMinute:    5,
		},
		Vision: VisionConfig{
			MaxDeliveries:      3,
			IdempotencyTTLH:    24,
			Version:            "v1",
			MonthlyTokenBudget: 2_000_000,
			MaxMediaPerPost:    10,
		},
		Indexing: IndexingConfig{
			Concurrency: 4,
		},
		Crawl: CrawlConfig{
			TimeoutS:  30,
			MaxBytes:  5 << 20,
			UserAgent: "sluice-crawler/1.0",
		},
		Graph: GraphConfig{
			PostExpiresDays: 30,
		},
		Ingest: IngestConfig{
			PollIntervalS:         60,
			PollJitterS:           10,
			WatchdogIntervalS:     20,
			KeepAliveIntervalS:    150,
			ReconnectFailureLimit: 10,
			ReconnectWindowMin:    15,
		},
		Outbox: OutboxConfig{
			BatchSize:     100,
			PollIntervalS: 1,
			MaxRetries:    10,
		},
		Supervisor: SupervisorConfig{
			MaxRetries:      5,
			InitialBackoffS: 1,
			MaxBackoffS:     60,
			Multiplier:      2,
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         5432,
			User:         "sluice",
			Database:     "sluice",
			SSLMode:      "disable",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		S3: S3Config{
			Region: "us-east-1",
			Bucket: "sluice-media",
		},
		Qdrant: QdrantConfig{
			Host: "localhost",
			Port: 6334,
		},
		Neo4j: Neo4jConfig{
			URI:  "bolt://localhost:7687",
			User: "neo4j",
		},
		AI: AIConfig{
			TaggingModel:   "claude-3-5-haiku-latest",
			VisionModel:    "claude-sonnet-4-5",
			EmbeddingModel: "text-embedding-3-small",
			EmbeddingDim:   1536,
			MaxTags:        10,
		},
	}
}
