// Package config loads the fpai configuration surface: a single
// root Config aggregating one sub-struct per component, read from YAML
// with compiled-in defaults and FPAI_-prefixed environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the composition root's single configuration value.
type Config struct {
	WorkerPools WorkerPoolsConfig `yaml:"worker_pools"`
	Queue       QueueConfig       `yaml:"queue"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	HTTP        HTTPConfig        `yaml:"http"`
	Normalize   NormalizeConfig   `yaml:"normalize"`
	Analysis    AnalysisConfig    `yaml:"analysis"`
	Vector      VectorConfig      `yaml:"vector"`
	LLM         LLMConfig         `yaml:"llm"`
	Compliance  ComplianceConfig  `yaml:"compliance"`
	Audit       AuditConfig       `yaml:"audit"`
	Storage     StorageConfig     `yaml:"storage"`
	Cache       CacheConfig       `yaml:"cache"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging"`
	CrawlTargets []CrawlTargetConfig `yaml:"crawl_targets"`
}

// CrawlTargetConfig describes one row of the crawl_targets table; Load only
// parses it, and main upserts it at startup. Re-seeding the same url only
// refreshes document_type, cadence_seconds and selector_hints; quarantine
// bookkeeping is left alone.
type CrawlTargetConfig struct {
	URL            string   `yaml:"url"`
	DocumentType   string   `yaml:"document_type"`
	CadenceSeconds int64    `yaml:"cadence_seconds"`
	SelectorHints  []string `yaml:"selector_hints"`
}

// WorkerPoolsConfig sizes the bounded pools.
type WorkerPoolsConfig struct {
	Crawler    int `yaml:"crawler"`
	Intake     int `yaml:"intake"`
	Analyzer   int `yaml:"analyzer"`
	Monitor    int `yaml:"monitor"`
	Compliance int `yaml:"compliance"`
}

// QueueConfig holds per-queue settings, one field per queue.
type QueueConfig struct {
	Intake     QueueSettings `yaml:"intake"`
	Analysis   QueueSettings `yaml:"analysis"`
	Monitor    QueueSettings `yaml:"monitor"`
	Compliance QueueSettings `yaml:"compliance"`
}

// QueueSettings is one queue's retry and backpressure thresholds.
type QueueSettings struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	VisibilitySeconds time.Duration `yaml:"visibility_seconds"`
	SoftLimit         int64         `yaml:"soft_limit"`
	HardLimit         int64         `yaml:"hard_limit"`
}

// RateLimitConfig governs C2's per-host token buckets and global cap.
type RateLimitConfig struct {
	PerHostRate  float64 `yaml:"per_host_rate"`
	PerHostBurst int     `yaml:"per_host_burst"`
	GlobalInFlight int   `yaml:"global_in_flight"`
}

// HTTPConfig bounds the crawler's HTTP fetches.
type HTTPConfig struct {
	TimeoutMs     int   `yaml:"timeout_ms"`
	MaxBodyBytes  int64 `yaml:"max_body_bytes"`
}

// NormalizeConfig bounds C1's normalization input.
type NormalizeConfig struct {
	MaxBytes int `yaml:"max_bytes"`
}

// AnalysisConfig governs Analysis retention.
type AnalysisConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// VectorConfig governs C6's default search parameters.
type VectorConfig struct {
	ScoreThreshold VectorScoreThresholds `yaml:"score_threshold"`
}

// VectorScoreThresholds are per-collection defaults.
type VectorScoreThresholds struct {
	Patterns float64 `yaml:"patterns"`
}

// LLMConfig governs the LLM client's budget.
type LLMConfig struct {
	TimeoutMs int    `yaml:"timeout_ms"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
}

// ComplianceConfig configures the rolling trend counter windows.
type ComplianceConfig struct {
	Window ComplianceWindows `yaml:"window"`
}

// ComplianceWindows names the three rolling windows by their config keys.
type ComplianceWindows struct {
	OneDay    time.Duration `yaml:"1d"`
	SevenDay  time.Duration `yaml:"7d"`
	ThirtyDay time.Duration `yaml:"30d"`
}

// AuditConfig governs the audit log retention sweeper.
type AuditConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// StorageConfig configures the sqlite persistence layer (C4).
type StorageConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig configures the redis-backed cache (C5), also reused as the
// connection source for the vector store (C6) and job queue (C7).
type CacheConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"` // "json" or "text"
	Level  string `yaml:"level"`
}

// Load reads and parses the configuration file at path, falling back to
// compiled-in defaults if it does not exist.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			if err := cfg.validate(); err != nil {
				return nil, fmt.Errorf("validating config: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config populated with this pipeline's compiled-in
// defaults.
func defaults() *Config {
	return &Config{
		WorkerPools: WorkerPoolsConfig{
			Crawler:    32,
			Intake:     16,
			Analyzer:   8,
			Monitor:    2,
			Compliance: 4,
		},
		Queue: QueueConfig{
			Intake:     defaultQueueSettings(),
			Analysis:   defaultQueueSettings(),
			Monitor:    defaultQueueSettings(),
			Compliance: defaultQueueSettings(),
		},
		RateLimit: RateLimitConfig{
			PerHostRate:    1,
			PerHostBurst:   5,
			GlobalInFlight: 64,
		},
		HTTP: HTTPConfig{
			TimeoutMs:    30_000,
			MaxBodyBytes: 10 * 1024 * 1024,
		},
		Normalize: NormalizeConfig{
			MaxBytes: 2 * 1024 * 1024,
		},
		Analysis: AnalysisConfig{
			RetentionDays: 90,
		},
		Vector: VectorConfig{
			ScoreThreshold: VectorScoreThresholds{Patterns: 0.8},
		},
		LLM: LLMConfig{
			TimeoutMs: 90_000,
		},
		Compliance: ComplianceConfig{
			Window: ComplianceWindows{
				OneDay:    24 * time.Hour,
				SevenDay:  7 * 24 * time.Hour,
				ThirtyDay: 30 * 24 * time.Hour,
			},
		},
		Audit: AuditConfig{
			RetentionDays: 365,
		},
		Storage: StorageConfig{
			Path: "data/fpai.db",
		},
		Cache: CacheConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "fpai:",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "fpai",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
	}
}

func defaultQueueSettings() QueueSettings {
	return QueueSettings{
		MaxAttempts:       8,
		VisibilitySeconds: 5 * time.Minute,
		SoftLimit:         1000,
		HardLimit:         5000,
	}
}

// applyEnvOverrides applies FPAI_-prefixed environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FPAI_CACHE_ADDR"); v != "" {
		c.Cache.Addr = v
	}
	if v := os.Getenv("FPAI_CACHE_PASSWORD"); v != "" {
		c.Cache.Password = v
	}
	if v := os.Getenv("FPAI_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("FPAI_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FPAI_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("FPAI_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("FPAI_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("FPAI_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if os.Getenv("FPAI_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("FPAI_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("FPAI_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	// Standard OTEL env vars, honored alongside the app-prefixed ones
	// above so this binary composes with a standard OTEL collector setup.
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}
	if v := os.Getenv("FPAI_WORKER_POOLS_ANALYZER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.WorkerPools.Analyzer = n
		}
	}
	if v := os.Getenv("FPAI_WORKER_POOLS_CRAWLER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.WorkerPools.Crawler = n
		}
	}
}

// validate checks that the configuration is internally consistent,
// returning the first violation found.
func (c *Config) validate() error {
	positives := map[string]int{
		"worker_pools.crawler":    c.WorkerPools.Crawler,
		"worker_pools.intake":     c.WorkerPools.Intake,
		"worker_pools.analyzer":   c.WorkerPools.Analyzer,
		"worker_pools.monitor":    c.WorkerPools.Monitor,
		"worker_pools.compliance": c.WorkerPools.Compliance,
	}
	for name, v := range positives {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.RateLimit.PerHostRate <= 0 {
		return fmt.Errorf("rate_limit.per_host_rate must be positive")
	}
	if c.RateLimit.PerHostBurst <= 0 {
		return fmt.Errorf("rate_limit.per_host_burst must be positive")
	}
	if c.HTTP.TimeoutMs <= 0 {
		return fmt.Errorf("http.timeout_ms must be positive")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_bytes must be positive")
	}
	if c.Normalize.MaxBytes <= 0 {
		return fmt.Errorf("normalize.max_bytes must be positive")
	}
	if c.Analysis.RetentionDays <= 0 {
		return fmt.Errorf("analysis.retention_days must be positive")
	}
	if c.Vector.ScoreThreshold.Patterns < 0 || c.Vector.ScoreThreshold.Patterns > 1 {
		return fmt.Errorf("vector.score_threshold.patterns must be in [0,1]")
	}
	if c.LLM.TimeoutMs <= 0 {
		return fmt.Errorf("llm.timeout_ms must be positive")
	}
	if c.Audit.RetentionDays <= 0 {
		return fmt.Errorf("audit.retention_days must be positive")
	}
	for name, qs := range map[string]QueueSettings{
		"queue.intake": c.Queue.Intake, "queue.analysis": c.Queue.Analysis,
		"queue.monitor": c.Queue.Monitor, "queue.compliance": c.Queue.Compliance,
	} {
		if qs.MaxAttempts <= 0 {
			return fmt.Errorf("%s.max_attempts must be positive", name)
		}
		if qs.VisibilitySeconds <= 0 {
			return fmt.Errorf("%s.visibility_seconds must be positive", name)
		}
		if qs.SoftLimit <= 0 || qs.HardLimit <= qs.SoftLimit {
			return fmt.Errorf("%s.hard_limit must exceed soft_limit, both positive", name)
		}
	}
	return nil
}
