package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/italolelis/groupfetch/internal/group"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`
	Store       string `envconfig:"STORE" default:"sqlite"`
	DBPath      string `envconfig:"DB_PATH" default:"groups.db"`

	MaxConcurrent    int           `envconfig:"MAX_CONCURRENT" default:"4"`
	ChunkSize        int64         `envconfig:"CHUNK_SIZE" default:"8388608"`
	ProgressInterval time.Duration `envconfig:"PROGRESS_INTERVAL" default:"1s"`
	SaveInterval     time.Duration `envconfig:"SAVE_INTERVAL" default:"2s"`
	GracePeriod      time.Duration `envconfig:"GRACE_PERIOD" default:"10s"`
	HandlerTimeout   time.Duration `envconfig:"HANDLER_TIMEOUT" default:"5s"`
	HTTPTimeout      time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`

	RetryLimit     int           `envconfig:"RETRY_LIMIT" default:"3"`
	RetryBackoff   string        `envconfig:"RETRY_BACKOFF" default:"exponential"`
	RetryBaseDelay time.Duration `envconfig:"RETRY_BASE_DELAY" default:"2s"`
	RetryMaxDelay  time.Duration `envconfig:"RETRY_MAX_DELAY" default:"1m"`

	KeepFinishedFor    time.Duration `envconfig:"KEEP_FINISHED_FOR" default:"24h"`
	CleanupInterval    time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	CleanupDeleteFiles bool          `envconfig:"CLEANUP_DELETE_FILES" default:"false"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	NATSURL           string `envconfig:"NATS_URL"`
	NATSSubject       string `envconfig:"NATS_SUBJECT" default:"groupfetch.events"`

	S3Enabled  bool   `envconfig:"S3_ENABLED" default:"false"`
	S3Region   string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Endpoint string `envconfig:"S3_ENDPOINT"`
	PutioToken string `envconfig:"PUTIO_TOKEN"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"groupfetch"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("invalid STORE %q: want sqlite or memory", c.Store)
	}

	if c.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT must be at least 1, got %d", c.MaxConcurrent)
	}

	switch group.Backoff(c.RetryBackoff) {
	case group.BackoffFixed, group.BackoffExponential:
	default:
		return fmt.Errorf("invalid RETRY_BACKOFF %q: want fixed or exponential", c.RetryBackoff)
	}

	if c.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be positive, got %s", c.CleanupInterval)
	}

	if c.RetryLimit < 0 {
		return fmt.Errorf("RETRY_LIMIT must not be negative, got %d", c.RetryLimit)
	}

	return nil
}

// RetryPolicy is the policy applied to groups submitted without one.
func (c *Config) RetryPolicy() group.RetryPolicy {
	return group.RetryPolicy{
		Limit:     c.RetryLimit,
		Backoff:   group.Backoff(c.RetryBackoff),
		BaseDelay: c.RetryBaseDelay,
		MaxDelay:  c.RetryMaxDelay,
	}
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
