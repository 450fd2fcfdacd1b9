package config

import "time"

// Config is the single structured configuration object shared by every
// component. Groups mirror the subsystems they configure; no package
// reads the environment directly.
type Config struct {
	Stream     StreamConfig     `yaml:"stream"`
	Media      MediaConfig      `yaml:"media"`
	Album      AlbumConfig      `yaml:"album"`
	Quota      QuotaConfig      `yaml:"quota"`
	Rate       RateConfig       `yaml:"rate"`
	Vision     VisionConfig     `yaml:"vision"`
	Indexing   IndexingConfig   `yaml:"indexing"`
	Crawl      CrawlConfig      `yaml:"crawl"`
	Graph      GraphConfig      `yaml:"graph"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	S3         S3Config         `yaml:"s3"`
	Qdrant     QdrantConfig     `yaml:"qdrant"`
	Neo4j      Neo4jConfig      `yaml:"neo4j"`
	AI         AIConfig         `yaml:"ai"`
}

// StreamConfig tunes the event log client shared by all stages. Group
// names are owned by the stages themselves; only the knobs every
// consumer loop shares live here.
type StreamConfig struct {
	BatchSize        int64 `yaml:"batch_size" validate:"min=1"`
	BlockMS          int   `yaml:"block_ms" validate:"min=1"`
	TrimIntervalMsgs int   `yaml:"trim_interval_msgs" validate:"min=1"`
	PELMinIdleMS     int   `yaml:"pel_min_idle_ms" validate:"min=1"`
	MaxDeliveries    int64 `yaml:"max_deliveries" validate:"min=1"`
}

// Block returns the blocking-read timeout.
func (c StreamConfig) Block() time.Duration { return time.Duration(c.BlockMS) * time.Millisecond }

// PELMinIdle returns the reclaim threshold.
func (c StreamConfig) PELMinIdle() time.Duration {
	return time.Duration(c.PELMinIdleMS) * time.Millisecond
}

// MediaConfig bounds per-object media downloads.
type MediaConfig struct {
	MaxBytesPhoto         int64 `yaml:"max_bytes_photo" validate:"min=1"`
	MaxBytesDoc           int64 `yaml:"max_bytes_doc" validate:"min=1"`
	DownloadTimeoutPhotoS int   `yaml:"download_timeout_photo_s" validate:"min=1"`
	DownloadTimeoutDocS   int   `yaml:"download_timeout_doc_s" validate:"min=1"`
}

// PhotoTimeout returns the photo download deadline.
func (c MediaConfig) PhotoTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutPhotoS) * time.Second
}

// DocTimeout returns the document download deadline.
func (c MediaConfig) DocTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutDocS) * time.Second
}

// AlbumConfig drives album reconstruction and the assembler's fan-in state.
type AlbumConfig struct {
	SearchWindowMinutes int `yaml:"search_window_minutes" validate:"min=1"`
	SearchLimit         int `yaml:"search_limit" validate:"min=1"`
	StateTTLHours       int `yaml:"state_ttl_hours" validate:"min=1"`
}

// SearchWindow returns the ±window scanned around an album's seed message.
func (c AlbumConfig) SearchWindow() time.Duration {
	return time.Duration(c.SearchWindowMinutes) * time.Minute
}

// StateTTL returns the assembler state lifetime.
func (c AlbumConfig) StateTTL() time.Duration { return time.Duration(c.StateTTLHours) * time.Hour }

// QuotaConfig bounds the blob store as a whole, per tenant, and per
// content kind.
type QuotaConfig struct {
	BucketTotalGB     float64 `yaml:"bucket_total_gb" validate:"gt=0"`
	BucketEmergencyGB float64 `yaml:"bucket_emergency_gb" validate:"gt=0"`
	PerTenantGB       float64 `yaml:"per_tenant_gb" validate:"gt=0"`
	MediaGB           float64 `yaml:"media_gb" validate:"gt=0"`
	VisionGB          float64 `yaml:"vision_gb" validate:"gt=0"`
	CrawlGB           float64 `yaml:"crawl_gb" validate:"gt=0"`
}

// RateConfig carries the sliding-window admission limits.
type RateConfig struct {
	UserPerMinute    int `yaml:"user_per_minute" validate:"min=1"`
	ChannelPerMinute int `yaml:"channel_per_minute" validate:"min=1"`
	GlobalPerMinute  int `yaml:"global_per_minute" validate:"min=1"`
	AuthPerMinute    int `yaml:"auth_per_minute" validate:"min=1"`
}

// VisionConfig tunes the vision analyzer.
type VisionConfig struct {
	MaxDeliveries      int64  `yaml:"max_deliveries" validate:"min=1"`
	IdempotencyTTLH    int    `yaml:"idempotency_ttl_h" validate:"min=1"`
	Version            string `yaml:"version" validate:"required"`
	MonthlyTokenBudget int64  `yaml:"monthly_token_budget" validate:"min=0"`
	MaxMediaPerPost    int    `yaml:"max_media_per_post" validate:"min=1"`
}

// IdempotencyTTL returns the dedup key lifetime.
func (c VisionConfig) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLH) * time.Hour
}

// IndexingConfig tunes the indexing stage.
type IndexingConfig struct {
	Concurrency int `yaml:"concurrency" validate:"min=1"`
}

// CrawlConfig tunes the enrichment crawler.
type CrawlConfig struct {
	PolicyPath string `yaml:"policy_path"`
	TimeoutS   int    `yaml:"timeout_s" validate:"min=1"`
	MaxBytes   int64  `yaml:"max_bytes" validate:"min=1"`
	UserAgent  string `yaml:"user_agent"`
}

// Timeout returns the per-crawl deadline.
func (c CrawlConfig) Timeout() time.Duration { return time.Duration(c.TimeoutS) * time.Second }

// GraphConfig tunes the property-graph writer.
type GraphConfig struct {
	PostExpiresDays int `yaml:"post_expires_days" validate:"min=1"`
}

// PostTTL returns the graph Post node lifetime.
func (c GraphConfig) PostTTL() time.Duration {
	return time.Duration(c.PostExpiresDays) * 24 * time.Hour
}

// IngestConfig drives the per-identity ingestion workers.
type IngestConfig struct {
	PollIntervalS         int `yaml:"poll_interval_s" validate:"min=1"`
	PollJitterS           int `yaml:"poll_jitter_s" validate:"min=0"`
	WatchdogIntervalS     int `yaml:"watchdog_interval_s" validate:"min=1"`
	KeepAliveIntervalS    int `yaml:"keep_alive_interval_s" validate:"min=1"`
	ReconnectFailureLimit int `yaml:"reconnect_failure_limit" validate:"min=1"`
	ReconnectWindowMin    int `yaml:"reconnect_window_min" validate:"min=1"`
}

// PollInterval returns the base delay between polling cycles.
func (c IngestConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalS) * time.Second
}

// PollJitter returns the ± jitter applied to the poll interval.
func (c IngestConfig) PollJitter() time.Duration {
	return time.Duration(c.PollJitterS) * time.Second
}

// WatchdogInterval returns the connectivity check tick.
func (c IngestConfig) WatchdogInterval() time.Duration {
	return time.Duration(c.WatchdogIntervalS) * time.Second
}

// KeepAliveInterval returns the minimum spacing between keep-alive pings.
func (c IngestConfig) KeepAliveInterval() time.Duration {
	return time.Duration(c.KeepAliveIntervalS) * time.Second
}

// ReconnectWindow returns the rolling window for the failure limit.
func (c IngestConfig) ReconnectWindow() time.Duration {
	return time.Duration(c.ReconnectWindowMin) * time.Minute
}

// OutboxConfig tunes the outbox relay.
type OutboxConfig struct {
	BatchSize     int `yaml:"batch_size" validate:"min=1"`
	PollIntervalS int `yaml:"poll_interval_s" validate:"min=1"`
	MaxRetries    int `yaml:"max_retries" validate:"min=1"`
}

// PollInterval returns the relay poll cadence.
func (c OutboxConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalS) * time.Second
}

// SupervisorConfig bounds stage restarts.
type SupervisorConfig struct {
	MaxRetries      int     `yaml:"max_retries" validate:"min=1"`
	InitialBackoffS int     `yaml:"initial_backoff_s" validate:"min=1"`
	MaxBackoffS     int     `yaml:"max_backoff_s" validate:"min=1"`
	Multiplier      float64 `yaml:"multiplier" validate:"gt=1"`
}

// InitialBackoff returns the first restart delay.
func (c SupervisorConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffS) * time.Second
}

// MaxBackoff returns the restart delay cap.
func (c SupervisorConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffS) * time.Second
}

// DatabaseConfig holds the PostgreSQL connection settings. Secrets come
// in through {{.ENV_VAR}} expansion, never from code.
type DatabaseConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"min=1"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	Database string `yaml:"database" validate:"required"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns int `yaml:"max_open_conns" validate:"min=1"`
	MaxIdleConns int `yaml:"max_idle_conns" validate:"min=1"`
}

// RedisConfig holds the shared KV / event log connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
}

// S3Config holds the blob store connection settings.
type S3Config struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region" validate:"required"`
	Bucket       string `yaml:"bucket" validate:"required"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// QdrantConfig holds the vector store connection settings.
type QdrantConfig struct {
	Host   string `yaml:"host" validate:"required"`
	Port   int    `yaml:"port" validate:"min=1"`
	APIKey string `yaml:"api_key"`
	UseTLS bool   `yaml:"use_tls"`
}

// Neo4jConfig holds the graph store connection settings.
type Neo4jConfig struct {
	URI      string `yaml:"uri" validate:"required"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
}

// AIConfig names the models behind the tagging, vision, and embedding
// adapters. API keys ride the same {{.ENV_VAR}} expansion as the rest.
type AIConfig struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	TaggingModel    string `yaml:"tagging_model" validate:"required"`
	VisionModel     string `yaml:"vision_model" validate:"required"`
	EmbeddingModel  string `yaml:"embedding_model" validate:"required"`
	EmbeddingDim    int    `yaml:"embedding_dim" validate:"min=1"`
	MaxTags         int    `yaml:"max_tags" validate:"min=1"`
}
