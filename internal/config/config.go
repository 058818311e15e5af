package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	SAM         SAMConfig         `yaml:"sam" mapstructure:"sam"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Acquisition AcquisitionConfig `yaml:"acquisition" mapstructure:"acquisition"`
	OCR         OCRConfig         `yaml:"ocr" mapstructure:"ocr"`
	Extraction  ExtractionConfig  `yaml:"extraction" mapstructure:"extraction"`
	Scoring     ScoringConfig     `yaml:"scoring" mapstructure:"scoring"`
	Pipeline    PipelineConfig    `yaml:"pipeline" mapstructure:"pipeline"`
	Redis       RedisConfig       `yaml:"redis" mapstructure:"redis"`
	Temporal    TemporalConfig    `yaml:"temporal" mapstructure:"temporal"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Retry       RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Circuit     CircuitConfig     `yaml:"circuit" mapstructure:"circuit"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SAMConfig holds the opportunity source (SAM.gov) settings. IntervalMs is
// the minimum spacing between detail lookups; 0 disables limiting.
type SAMConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	IntervalMs  int    `yaml:"interval_ms" mapstructure:"interval_ms"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// AcquisitionConfig configures document download and the fallback cascade.
type AcquisitionConfig struct {
	DocumentDir         string   `yaml:"document_dir" mapstructure:"document_dir"`
	DownloadTimeoutSecs int      `yaml:"download_timeout_secs" mapstructure:"download_timeout_secs"`
	PerHostRPS          float64  `yaml:"per_host_rps" mapstructure:"per_host_rps"`
	MaxFileMB           int      `yaml:"max_file_mb" mapstructure:"max_file_mb"`
	FreeTextFields      []string `yaml:"free_text_fields" mapstructure:"free_text_fields"`
	Concurrency         int      `yaml:"concurrency" mapstructure:"concurrency"`
}

// OCRConfig configures PDF text extraction.
type OCRConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	MistralKey    string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel  string `yaml:"mistral_ocr_model" mapstructure:"mistral_ocr_model"`
}

// ExtractionConfig configures the requirement extraction passes.
type ExtractionConfig struct {
	MaxChars       int  `yaml:"max_chars" mapstructure:"max_chars"`
	CombinedChars  int  `yaml:"combined_chars" mapstructure:"combined_chars"`
	DedupPrefixLen int  `yaml:"dedup_prefix_len" mapstructure:"dedup_prefix_len"`
	Concurrency    int  `yaml:"concurrency" mapstructure:"concurrency"`
	Generative     bool `yaml:"generative" mapstructure:"generative"`
	RFQDeepPass    bool `yaml:"rfq_deep_pass" mapstructure:"rfq_deep_pass"`
}

// ScoringConfig holds the risk scorer thresholds. Category weights and
// keywords default in the scorer package and may be overridden by RulesPath.
type ScoringConfig struct {
	RulesPath       string `yaml:"rules_path" mapstructure:"rules_path"`
	HighThreshold   int    `yaml:"high_threshold" mapstructure:"high_threshold"`
	MediumThreshold int    `yaml:"medium_threshold" mapstructure:"medium_threshold"`
	HighFloor       int    `yaml:"high_floor" mapstructure:"high_floor"`
	MediumFloor     int    `yaml:"medium_floor" mapstructure:"medium_floor"`
	LowFloor        int    `yaml:"low_floor" mapstructure:"low_floor"`
}

// PipelineConfig configures run orchestration.
type PipelineConfig struct {
	LockTTLMins     int `yaml:"lock_ttl_mins" mapstructure:"lock_ttl_mins"`
	StatusRetention int `yaml:"status_retention" mapstructure:"status_retention"`
}

// RedisConfig configures the optional distributed run lock.
type RedisConfig struct {
	URL       string `yaml:"url" mapstructure:"url"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// TemporalConfig configures the durable execution worker.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// RetryConfig configures retries for external calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures circuit breakers for external services.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// MonitoringConfig configures the run health checker that runs alongside
// the HTTP API. Alerts are only delivered when WebhookURL is set.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	UnavailableThreshold int     `yaml:"unavailable_threshold" mapstructure:"unavailable_threshold"`
	StuckRunMins         int     `yaml:"stuck_run_mins" mapstructure:"stuck_run_mins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultFreeTextFields is the priority order of description-like fields
// used when no document could be downloaded.
var DefaultFreeTextFields = []string{"description", "summary", "synopsis", "additional_info", "objective"}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.bid-analyzer")

	// Environment
	v.SetEnvPrefix("ANALYZER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "bid-analyzer.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("sam.base_url", "https://api.sam.gov")
	v.SetDefault("sam.interval_ms", 1000)
	v.SetDefault("sam.timeout_secs", 30)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("acquisition.document_dir", "documents")
	v.SetDefault("acquisition.download_timeout_secs", 120)
	v.SetDefault("acquisition.per_host_rps", 2.0)
	v.SetDefault("acquisition.max_file_mb", 100)
	v.SetDefault("acquisition.free_text_fields", DefaultFreeTextFields)
	v.SetDefault("acquisition.concurrency", 4)
	v.SetDefault("ocr.provider", "local")
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.mistral_ocr_model", "mistral-ocr-latest")
	v.SetDefault("extraction.max_chars", 12000)
	v.SetDefault("extraction.combined_chars", 24000)
	v.SetDefault("extraction.dedup_prefix_len", 60)
	v.SetDefault("extraction.concurrency", 4)
	v.SetDefault("extraction.generative", true)
	v.SetDefault("extraction.rfq_deep_pass", true)
	v.SetDefault("scoring.high_threshold", 50)
	v.SetDefault("scoring.medium_threshold", 25)
	v.SetDefault("scoring.high_floor", 30)
	v.SetDefault("scoring.medium_floor", 50)
	v.SetDefault("scoring.low_floor", 70)
	v.SetDefault("pipeline.lock_ttl_mins", 60)
	v.SetDefault("pipeline.status_retention", 500)
	v.SetDefault("redis.key_prefix", "bid-analyzer:run:")
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "opportunity-analysis")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.unavailable_threshold", 10)
	v.SetDefault("monitoring.stuck_run_mins", 120)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings required by a command mode ("analyze",
// "serve", "worker"). Any other mode only checks the store.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "analyze", "serve":
		if c.Acquisition.DocumentDir == "" {
			errs = append(errs, "acquisition.document_dir is required")
		}
		if c.Extraction.DedupPrefixLen <= 0 {
			errs = append(errs, "extraction.dedup_prefix_len must be positive")
		}
		if c.SAM.IntervalMs < 0 {
			errs = append(errs, "sam.interval_ms must not be negative")
		}
		if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
			errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
		}
	case "worker":
		if c.Temporal.HostPort == "" {
			errs = append(errs, "temporal.host_port is required")
		}
		if c.Temporal.TaskQueue == "" {
			errs = append(errs, "temporal.task_queue is required")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
