package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/halcyon-labs/homebase/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Mailbox    MailboxConfig    `yaml:"mailbox" mapstructure:"mailbox"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Calendar   CalendarConfig   `yaml:"calendar" mapstructure:"calendar"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Calsync    CalsyncConfig    `yaml:"calsync" mapstructure:"calsync"`
	Tokens     TokensConfig     `yaml:"tokens" mapstructure:"tokens"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string           `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url"`
	Pool        store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// MailboxConfig holds mail provider API settings.
type MailboxConfig struct {
	Key              string `yaml:"key" mapstructure:"key"`
	BaseURL          string `yaml:"base_url" mapstructure:"base_url"`
	Label            string `yaml:"label" mapstructure:"label"`
	WindowDays       int    `yaml:"window_days" mapstructure:"window_days"`
	RequestsPerSec   int    `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxFetchAttempts int    `yaml:"max_fetch_attempts" mapstructure:"max_fetch_attempts"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// PerplexityConfig holds Perplexity API settings (fallback provider).
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// CalendarConfig holds calendar provider API settings.
type CalendarConfig struct {
	Key            string `yaml:"key" mapstructure:"key"`
	BaseURL        string `yaml:"base_url" mapstructure:"base_url"`
	CalendarID     string `yaml:"calendar_id" mapstructure:"calendar_id"`
	DupWindowMins  int    `yaml:"dup_window_mins" mapstructure:"dup_window_mins"`
	TimeoutSecs    int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSec int    `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// IngestConfig configures the message ingestion sweep.
type IngestConfig struct {
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
}

// ExtractConfig configures the AI extraction sweep.
type ExtractConfig struct {
	BatchSize     int     `yaml:"batch_size" mapstructure:"batch_size"`
	MaxAttempts   int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	MinConfidence float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	ExamplesPath  string  `yaml:"examples_path" mapstructure:"examples_path"`
}

// CalsyncConfig configures the calendar sync sweep.
type CalsyncConfig struct {
	BatchSize  int `yaml:"batch_size" mapstructure:"batch_size"`
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`
}

// TokensConfig configures action token issuance.
type TokensConfig struct {
	TTLHours int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures pipeline health checks and alerting.
type MonitoringConfig struct {
	WebhookURL        string `yaml:"webhook_url" mapstructure:"webhook_url"`
	StalledAfterHrs   int    `yaml:"stalled_after_hrs" mapstructure:"stalled_after_hrs"`
	FailureThreshold  int    `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CheckIntervalSecs int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// RetryConfig configures backoff for external service calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	CircuitThreshold int     `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitResetSecs int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("HOMEBASE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("mailbox.label", "homebase/processed")
	v.SetDefault("mailbox.window_days", 30)
	v.SetDefault("mailbox.requests_per_sec", 5)
	v.SetDefault("mailbox.timeout_secs", 30)
	v.SetDefault("mailbox.max_fetch_attempts", 5)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("calendar.dup_window_mins", 60)
	v.SetDefault("calendar.timeout_secs", 30)
	v.SetDefault("calendar.requests_per_sec", 5)
	v.SetDefault("ingest.batch_size", 100)
	v.SetDefault("extract.batch_size", 25)
	v.SetDefault("extract.max_attempts", 3)
	v.SetDefault("extract.min_confidence", 0.5)
	v.SetDefault("calsync.batch_size", 50)
	v.SetDefault("calsync.max_retries", 5)
	v.SetDefault("tokens.ttl_hours", 168)
	v.SetDefault("monitoring.stalled_after_hrs", 24)
	v.SetDefault("monitoring.failure_threshold", 10)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("retry.circuit_threshold", 5)
	v.SetDefault("retry.circuit_reset_secs", 30)

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

// Validate checks that the fields required for the given mode are present.
// Modes correspond to command groups: "ingest", "analyze", "calsync", "serve".
func (c *Config) Validate(mode string) error {
	var missing []string

	requireStore := func() {
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url")
		}
	}

	switch mode {
	case "ingest":
		requireStore()
		if c.Mailbox.Key == "" {
			missing = append(missing, "mailbox.key")
		}
		if c.Mailbox.BaseURL == "" {
			missing = append(missing, "mailbox.base_url")
		}
	case "analyze":
		requireStore()
		if c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key")
		}
	case "calsync":
		requireStore()
		if c.Calendar.Key == "" {
			missing = append(missing, "calendar.key")
		}
		if c.Calendar.BaseURL == "" {
			missing = append(missing, "calendar.base_url")
		}
	case "serve":
		requireStore()
		if c.Tokens.BaseURL == "" {
			missing = append(missing, "tokens.base_url")
		}
	default:
		requireStore()
	}

	if len(missing) > 0 {
		return eris.Errorf("config: missing required fields for %s: %s", mode, strings.Join(missing, ", "))
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
