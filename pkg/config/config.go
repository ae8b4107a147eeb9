package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for graphweave-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	Env     string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version string `yaml:"-"` // Set at load time, not from config

	// ClientName identifies this process as the writer on graph upserts.
	ClientName string `yaml:"client_name" env:"CLIENT_NAME" env-default:"graphweave-engine"`

	Graph      GraphConfig      `yaml:"graph"`
	Redis      RedisConfig      `yaml:"redis"`
	LLM        LLMConfig        `yaml:"llm"`
	Bloom      BloomConfig      `yaml:"bloom"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Heuristics HeuristicsConfig `yaml:"heuristics"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Ingest     IngestConfig     `yaml:"ingest"`
}

// GraphConfig holds Neo4j graph store configuration.
type GraphConfig struct {
	URI            string `yaml:"uri" env:"NEO4J_URI" env-default:"bolt://localhost:7687"`
	Username       string `yaml:"username" env:"NEO4J_USER" env-default:"neo4j"`
	Password       string `yaml:"-" env:"NEO4J_PASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"NEO4J_DATABASE" env-default:""`
	TimeoutSeconds int    `yaml:"timeout_seconds" env:"NEO4J_TIMEOUT_SECONDS" env-default:"10"`
	MaxPoolSize    int    `yaml:"max_pool_size" env:"NEO4J_MAX_POOL_SIZE" env-default:"50"`
}

// RedisConfig holds the lock-capable key-value store configuration.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:"localhost"`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// Addr returns the host:port address for the Redis client.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LLMConfig holds the evaluator model endpoint configuration. When the
// endpoint is empty the engine falls back to the deterministic
// threshold-only evaluator.
type LLMConfig struct {
	Endpoint string `yaml:"endpoint" env:"LLM_ENDPOINT" env-default:""`
	Model    string `yaml:"model" env:"LLM_MODEL" env-default:""`
	APIKey   string `yaml:"-" env:"LLM_API_KEY"` // Secret - not in YAML
}

// IsAvailable returns true if an LLM evaluator endpoint is configured.
func (c *LLMConfig) IsAvailable() bool {
	return c.Endpoint != "" && c.Model != ""
}

// BloomConfig holds membership pre-filter sizing.
type BloomConfig struct {
	Key    string `yaml:"key" env:"BLOOM_KEY" env-default:"bloom:default"`
	Bits   int64  `yaml:"bits" env:"BLOOM_BITS" env-default:"10000000"`
	Hashes int    `yaml:"hashes" env:"BLOOM_HASHES" env-default:"7"`
}

// JobsConfig holds job manager lock and retry settings.
type JobsConfig struct {
	// LockTTLSeconds bounds how long a crashed holder can pin a job lock.
	LockTTLSeconds int `yaml:"lock_ttl_seconds" env:"JOB_LOCK_TTL_SECONDS" env-default:"10"`
	// LockWaitSeconds is how long one acquisition attempt waits.
	LockWaitSeconds int `yaml:"lock_wait_seconds" env:"JOB_LOCK_WAIT_SECONDS" env-default:"5"`
	// LockRetries is how many acquisition attempts are made in total.
	LockRetries int `yaml:"lock_retries" env:"JOB_LOCK_RETRIES" env-default:"10"`
	// LockRetryDelaySeconds is the fixed backoff between attempts.
	LockRetryDelaySeconds int `yaml:"lock_retry_delay_seconds" env:"JOB_LOCK_RETRY_DELAY_SECONDS" env-default:"1"`
	// MaxErrors bounds the per-job structured error list.
	MaxErrors int `yaml:"max_errors" env:"JOB_MAX_ERRORS" env-default:"50"`
}

// LockTTL returns the lock TTL as a duration.
func (c *JobsConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// LockWait returns the per-attempt lock wait as a duration.
func (c *JobsConfig) LockWait() time.Duration {
	return time.Duration(c.LockWaitSeconds) * time.Second
}

// LockRetryDelay returns the fixed retry backoff as a duration.
func (c *JobsConfig) LockRetryDelay() time.Duration {
	return time.Duration(c.LockRetryDelaySeconds) * time.Second
}

// HeuristicsConfig holds relation heuristic engine thresholds.
type HeuristicsConfig struct {
	// AcceptanceThreshold: evaluations at or above it apply the relation.
	AcceptanceThreshold float64 `yaml:"acceptance_threshold" env:"HEURISTIC_ACCEPTANCE_THRESHOLD" env-default:"0.8"`
	// RejectionThreshold: evaluations at or below it reject the candidate.
	RejectionThreshold float64 `yaml:"rejection_threshold" env:"HEURISTIC_REJECTION_THRESHOLD" env-default:"0.3"`
	// ReevaluationDeltaPercent: count drift beyond this percentage of the
	// last evaluated count queues a re-evaluation.
	ReevaluationDeltaPercent float64 `yaml:"reevaluation_delta_percent" env:"HEURISTIC_REEVALUATION_DELTA_PERCENT" env-default:"20"`
	// MaxExampleMatches bounds the sample kept on each heuristic.
	MaxExampleMatches int `yaml:"max_example_matches" env:"HEURISTIC_MAX_EXAMPLE_MATCHES" env-default:"10"`
}

// Validate checks threshold ordering.
func (c *HeuristicsConfig) Validate() error {
	if c.AcceptanceThreshold < 0 || c.AcceptanceThreshold > 1 {
		return fmt.Errorf("acceptance_threshold must be in [0,1], got %v", c.AcceptanceThreshold)
	}
	if c.RejectionThreshold < 0 || c.RejectionThreshold > 1 {
		return fmt.Errorf("rejection_threshold must be in [0,1], got %v", c.RejectionThreshold)
	}
	if c.RejectionThreshold >= c.AcceptanceThreshold {
		return fmt.Errorf("rejection_threshold (%v) must be below acceptance_threshold (%v)",
			c.RejectionThreshold, c.AcceptanceThreshold)
	}
	return nil
}

// SchedulerConfig holds ingestion scheduling intervals. The default reload
// interval is deliberately distinct from (and much larger than) the
// scheduler's polling interval: using the polling interval as the reload
// default causes immediate repeated re-syncs.
type SchedulerConfig struct {
	PollIntervalSeconds          int `yaml:"poll_interval_seconds" env:"SCHEDULER_POLL_INTERVAL_SECONDS" env-default:"60"`
	DefaultReloadIntervalSeconds int `yaml:"default_reload_interval_seconds" env:"SCHEDULER_DEFAULT_RELOAD_INTERVAL_SECONDS" env-default:"86400"`
	MinSyncIntervalSeconds       int `yaml:"min_sync_interval_seconds" env:"SCHEDULER_MIN_SYNC_INTERVAL_SECONDS" env-default:"60"`
	MaxSyncIntervalSeconds       int `yaml:"max_sync_interval_seconds" env:"SCHEDULER_MAX_SYNC_INTERVAL_SECONDS" env-default:"86400"`
}

// Validate checks interval ordering.
func (c *SchedulerConfig) Validate() error {
	if c.MinSyncIntervalSeconds <= 0 {
		return fmt.Errorf("min_sync_interval_seconds must be positive, got %d", c.MinSyncIntervalSeconds)
	}
	if c.MaxSyncIntervalSeconds < c.MinSyncIntervalSeconds {
		return fmt.Errorf("max_sync_interval_seconds (%d) must be at least min_sync_interval_seconds (%d)",
			c.MaxSyncIntervalSeconds, c.MinSyncIntervalSeconds)
	}
	return nil
}

// IngestConfig holds entity ingestion batching settings.
type IngestConfig struct {
	// BatchSize is how many entities are ingested per batch; job status is
	// re-checked between batches.
	BatchSize int `yaml:"batch_size" env:"INGEST_BATCH_SIZE" env-default:"100"`
	// FreshnessSeconds is the default TTL stamped on ingested entities when
	// the ingestor does not provide one.
	FreshnessSeconds int `yaml:"freshness_seconds" env:"INGEST_FRESHNESS_SECONDS" env-default:"172800"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv reads configuration from environment variables only, for
// deployments without a config file.
func LoadFromEnv(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.Heuristics.Validate(); err != nil {
		return err
	}
	if err := c.Scheduler.Validate(); err != nil {
		return err
	}
	return nil
}
