package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/italolelis/groupfetch/internal/group"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DOWNLOAD_DIR", "/data")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/data", cfg.DownloadDir)
	assert.Equal(t, "sqlite", cfg.Store)
	assert.Equal(t, 4, cfg.MaxConcurrent)
	assert.Equal(t, int64(8<<20), cfg.ChunkSize)
	assert.Equal(t, 10*time.Second, cfg.GracePeriod)
	assert.Equal(t, "0.0.0.0:9091", cfg.Web.BindAddress)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "groupfetch", cfg.Telemetry.ServiceName)
	assert.Equal(t, group.RetryPolicy{
		Limit:     3,
		Backoff:   group.BackoffExponential,
		BaseDelay: 2 * time.Second,
		MaxDelay:  time.Minute,
	}, cfg.RetryPolicy())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("DOWNLOAD_DIR", "/data")
	t.Setenv("STORE", "memory")
	t.Setenv("MAX_CONCURRENT", "9")
	t.Setenv("RETRY_BACKOFF", "fixed")
	t.Setenv("WEB_BIND_ADDRESS", "127.0.0.1:8080")
	t.Setenv("TELEMETRY_ENABLED", "false")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "otel:4317")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, 9, cfg.MaxConcurrent)
	assert.Equal(t, group.BackoffFixed, cfg.RetryPolicy().Backoff)
	assert.Equal(t, "127.0.0.1:8080", cfg.Web.BindAddress)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "otel:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"store", "STORE", "postgres"},
		{"concurrency", "MAX_CONCURRENT", "0"},
		{"backoff", "RETRY_BACKOFF", "linear"},
		{"retry limit", "RETRY_LIMIT", "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DOWNLOAD_DIR", "/data")
			t.Setenv(tt.key, tt.val)

			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigRequiresDownloadDir(t *testing.T) {
	t.Setenv("DOWNLOAD_DIR", "")
	require.NoError(t, os.Unsetenv("DOWNLOAD_DIR"))

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"noisy": slog.LevelInfo,
	}

	for in, want := range tests {
		cfg := &Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}
