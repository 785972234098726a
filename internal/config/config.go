package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ignite/mailtriage/internal/domain"
)

// Config holds all configuration for the analysis pipeline. It is loaded
// once at startup and treated as frozen afterwards.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Model     ModelConfig     `yaml:"model"`
	Retry     RetryConfig     `yaml:"retry"`
	SLA       SLAConfig       `yaml:"sla"`
	Chain     ChainConfig     `yaml:"chain"`
	Router    RouterConfig    `yaml:"router"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Ingest    IngestConfig    `yaml:"ingest"`
}

// ServerConfig holds the HTTP mount configuration for the read-only
// health/task/event handlers.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the listen host, binding all interfaces on ECS.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// QueueCaps holds the bounded queue capacities between stages.
type QueueCaps struct {
	P1     int `yaml:"p1"`     // ingest -> phase-1
	Chain  int `yaml:"chain"`  // phase-1 -> chain analyzer
	Router int `yaml:"router"` // chain -> router
	P2     int `yaml:"p2"`     // router -> phase-2
	P3     int `yaml:"p3"`     // router -> phase-3
}

// PipelineConfig holds orchestrator concurrency and queue sizing.
type PipelineConfig struct {
	Phase1Concurrency int       `yaml:"phase1_concurrency"` // 0 = NumCPU
	Phase2Concurrency int       `yaml:"phase2_concurrency"`
	Phase3Concurrency int       `yaml:"phase3_concurrency"`
	QueueCaps         QueueCaps `yaml:"queue_caps"`

	// Phase-3 enqueue pauses when the phase-2 queue stays above 90% capacity
	// for this long.
	ThrottleWindowSeconds int `yaml:"throttle_window_seconds"`
}

// ModelConfig selects the primary and critical models and their hard
// timeouts.
type ModelConfig struct {
	PrimaryID        string `yaml:"primary_id"`
	CriticalID       string `yaml:"critical_id"`
	TimeoutPrimaryMS int    `yaml:"timeout_primary_ms"`
	TimeoutCriticalMS int   `yaml:"timeout_critical_ms"`
	Region           string `yaml:"region"`
}

// TimeoutPrimary returns the phase-2 hard timeout.
func (c ModelConfig) TimeoutPrimary() time.Duration {
	return time.Duration(c.TimeoutPrimaryMS) * time.Millisecond
}

// TimeoutCritical returns the phase-3 hard timeout.
func (c ModelConfig) TimeoutCritical() time.Duration {
	return time.Duration(c.TimeoutCriticalMS) * time.Millisecond
}

// RetryConfig controls transient-failure retries.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
}

// BaseDelay returns the first backoff delay.
func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}

// SLAConfig holds the priority → hours policy.
type SLAConfig struct {
	PolicyHours    map[string]float64 `yaml:"policy_hours"`
	AtRiskFraction float64            `yaml:"at_risk_fraction"`
	ScanIntervalSeconds int           `yaml:"scan_interval_seconds"`
}

// Policy materializes the domain SLA policy from configuration.
func (c SLAConfig) Policy() domain.SLAPolicy {
	p := domain.DefaultSLAPolicy()
	if c.AtRiskFraction > 0 {
		p.AtRiskFraction = c.AtRiskFraction
	}
	for k, v := range c.PolicyHours {
		p.Hours[domain.Priority(k)] = v
	}
	return p
}

// ScanInterval returns how often the SLA tracker scans open tasks.
func (c SLAConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

// ChainConfig tunes the chain analyzer.
type ChainConfig struct {
	CompleteThreshold int `yaml:"complete_threshold"`
}

// RouterConfig tunes the adaptive router.
type RouterConfig struct {
	HighValueThresholdMinor int64    `yaml:"high_value_threshold_minor"`
	HighValueKeywords       []string `yaml:"high_value_keywords"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Type          string `yaml:"type"` // "memory", "postgres", "dynamodb"
	DatabaseURL   string `yaml:"database_url"`
	DynamoDBTable string `yaml:"dynamodb_table"`
	S3Bucket      string `yaml:"s3_bucket"` // raw-body archive, optional
	AWSRegion     string `yaml:"aws_region"`
	AWSProfile    string `yaml:"aws_profile"`
}

// GetAWSProfile returns the AWS profile, empty on ECS so the task role's
// default credential chain is used.
func (c StorageConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// RedisConfig holds the connection for cursor storage and the scanner lock.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// IngestConfig holds the pull adapter settings.
type IngestConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	BatchSize      int    `yaml:"batch_size"`
	PollSeconds    int    `yaml:"poll_seconds"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Timeout returns the per-request ingest timeout.
func (c IngestConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollInterval returns the pull cadence.
func (c IngestConfig) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

// Load reads and parses the configuration file, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no file
// read. Used by tests and the in-memory demo mode.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Pipeline.Phase2Concurrency == 0 {
		c.Pipeline.Phase2Concurrency = 3
	}
	if c.Pipeline.Phase3Concurrency == 0 {
		c.Pipeline.Phase3Concurrency = 1
	}
	if c.Pipeline.QueueCaps.P1 == 0 {
		c.Pipeline.QueueCaps.P1 = 1024
	}
	if c.Pipeline.QueueCaps.Chain == 0 {
		c.Pipeline.QueueCaps.Chain = 512
	}
	if c.Pipeline.QueueCaps.Router == 0 {
		c.Pipeline.QueueCaps.Router = 512
	}
	if c.Pipeline.QueueCaps.P2 == 0 {
		c.Pipeline.QueueCaps.P2 = 256
	}
	if c.Pipeline.QueueCaps.P3 == 0 {
		c.Pipeline.QueueCaps.P3 = 64
	}
	if c.Pipeline.ThrottleWindowSeconds == 0 {
		c.Pipeline.ThrottleWindowSeconds = 30
	}
	if c.Model.PrimaryID == "" {
		c.Model.PrimaryID = "anthropic.claude-3-sonnet-20240229-v1:0"
	}
	if c.Model.CriticalID == "" {
		c.Model.CriticalID = "anthropic.claude-3-opus-20240229-v1:0"
	}
	if c.Model.TimeoutPrimaryMS == 0 {
		c.Model.TimeoutPrimaryMS = 45000
	}
	if c.Model.TimeoutCriticalMS == 0 {
		c.Model.TimeoutCriticalMS = 180000
	}
	if c.Model.Region == "" {
		c.Model.Region = "us-east-1"
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseDelayMS == 0 {
		c.Retry.BaseDelayMS = 500
	}
	if c.SLA.AtRiskFraction == 0 {
		c.SLA.AtRiskFraction = 0.8
	}
	if c.SLA.ScanIntervalSeconds == 0 {
		c.SLA.ScanIntervalSeconds = 300
	}
	if c.Chain.CompleteThreshold == 0 {
		c.Chain.CompleteThreshold = 70
	}
	if c.Router.HighValueThresholdMinor == 0 {
		c.Router.HighValueThresholdMinor = 5000000 // $50,000
	}
	if len(c.Router.HighValueKeywords) == 0 {
		c.Router.HighValueKeywords = []string{"competitor", "expedite", "escalate", "cancel order"}
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Storage.AWSRegion == "" {
		c.Storage.AWSRegion = "us-east-1"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Ingest.BatchSize == 0 {
		c.Ingest.BatchSize = 100
	}
	if c.Ingest.PollSeconds == 0 {
		c.Ingest.PollSeconds = 15
	}
	if c.Ingest.TimeoutSeconds == 0 {
		c.Ingest.TimeoutSeconds = 30
	}
	if c.Ingest.MaxRetries == 0 {
		c.Ingest.MaxRetries = 3
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first, so secrets can live in .env
// locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Storage.DatabaseURL = dbURL
		if cfg.Storage.Type == "memory" {
			cfg.Storage.Type = "postgres"
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("MAILTRIAGE_PRIMARY_MODEL"); v != "" {
		cfg.Model.PrimaryID = v
	}
	if v := os.Getenv("MAILTRIAGE_CRITICAL_MODEL"); v != "" {
		cfg.Model.CriticalID = v
	}
	if v := os.Getenv("INGEST_BASE_URL"); v != "" {
		cfg.Ingest.BaseURL = v
	}
	if v := os.Getenv("INGEST_API_KEY"); v != "" {
		cfg.Ingest.APIKey = v
	}
	if v := os.Getenv("PHASE2_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.Phase2Concurrency = n
		}
	}
	if v := os.Getenv("PHASE3_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.Phase3Concurrency = n
		}
	}

	return cfg, nil
}
