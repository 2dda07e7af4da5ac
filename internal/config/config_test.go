package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "ohlcv-ingestor", config.AppName)
	assert.Equal(t, "csv", config.Storage.Backend)
	assert.Equal(t, "./data", config.Storage.DataDir)
	assert.True(t, config.Exchanges.Bitmex.Enabled)
	assert.True(t, config.Exchanges.Kucoin.Enabled)
	assert.Equal(t, 0.5, config.Exchanges.Kucoin.RequestsPerSecond)
	assert.Equal(t, "1m", config.Fetcher.Timeframe)
	assert.Equal(t, 1, config.Retry.MaxAttempts)
	assert.Equal(t, 1, config.Collector.PerExchangeLimit)
	assert.Equal(t, "info", config.Logging.Level)
	assert.True(t, config.Metrics.Enabled)
	assert.NoError(t, config.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *AppConfig)
		contains string
	}{
		{
			name:     "unknown storage backend fails",
			mutate:   func(c *AppConfig) { c.Storage.Backend = "postgres" },
			contains: "storage.backend must be one of",
		},
		{
			name:     "duckdb without path fails",
			mutate:   func(c *AppConfig) { c.Storage.Backend = "duckdb"; c.Storage.DuckDBPath = "" },
			contains: "storage.duckdb_path is required",
		},
		{
			name: "no enabled exchange fails",
			mutate: func(c *AppConfig) {
				c.Exchanges.Bitmex.Enabled = false
				c.Exchanges.Kucoin.Enabled = false
			},
			contains: "at least one exchange must be enabled",
		},
		{
			name:     "zero rate fails",
			mutate:   func(c *AppConfig) { c.Exchanges.Kucoin.RequestsPerSecond = 0 },
			contains: "exchanges.kucoin.requests_per_second must be greater than 0",
		},
		{
			name:     "unsupported timeframe fails",
			mutate:   func(c *AppConfig) { c.Fetcher.Timeframe = "3m" },
			contains: "fetcher.timeframe must be one of",
		},
		{
			name:     "zero retry attempts fails",
			mutate:   func(c *AppConfig) { c.Retry.MaxAttempts = 0 },
			contains: "retry.max_attempts must be at least 1",
		},
		{
			name:     "cache without address fails",
			mutate:   func(c *AppConfig) { c.Cache.Enabled = true; c.Cache.Addr = "" },
			contains: "cache.addr is required",
		},
		{
			name:     "invalid log level fails",
			mutate:   func(c *AppConfig) { c.Logging.Level = "verbose" },
			contains: "logging.level must be one of: debug, info, warn, error",
		},
		{
			name:     "file output without path fails",
			mutate:   func(c *AppConfig) { c.Logging.Output = "file" },
			contains: "logging.file_path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}

	t.Run("multiple problems are reported together", func(t *testing.T) {
		config := DefaultConfig()
		config.Logging.Level = "loud"
		config.Logging.Format = "xml"
		err := config.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logging.level")
		assert.Contains(t, err.Error(), "logging.format")
	})
}

func TestLoad(t *testing.T) {
	t.Run("defaults without file", func(t *testing.T) {
		config, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().Storage, config.Storage)
		assert.Equal(t, 30*time.Second, config.Exchanges.Bitmex.Timeout)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		content := `
storage:
  backend: duckdb
  duckdb_path: /tmp/test.duckdb
exchanges:
  bitmex:
    testnet: true
    timeout: 10s
retry:
  max_attempts: 4
  initial_delay: 250ms
logging:
  level: debug
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		config, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "duckdb", config.Storage.Backend)
		assert.Equal(t, "/tmp/test.duckdb", config.Storage.DuckDBPath)
		assert.True(t, config.Exchanges.Bitmex.Testnet)
		assert.Equal(t, 10*time.Second, config.Exchanges.Bitmex.Timeout)
		assert.Equal(t, 4, config.Retry.MaxAttempts)
		assert.Equal(t, 250*time.Millisecond, config.Retry.InitialDelay)
		assert.Equal(t, "debug", config.Logging.Level)
		// untouched keys keep their defaults
		assert.Equal(t, 0.5, config.Exchanges.Kucoin.RequestsPerSecond)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("OHLCV_EXCHANGES_BITMEX_API_KEY", "env-key")
		t.Setenv("OHLCV_EXCHANGES_BITMEX_API_SECRET", "env-secret")
		t.Setenv("OHLCV_COLLECTOR_MAX_CONCURRENCY", "9")
		t.Setenv("OHLCV_LOGGING_LEVEL", "warn")

		config, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "env-key", config.Exchanges.Bitmex.APIKey)
		assert.Equal(t, "env-secret", config.Exchanges.Bitmex.APISecret)
		assert.Equal(t, 9, config.Collector.MaxConcurrency)
		assert.Equal(t, "warn", config.Logging.Level)
	})

	t.Run("missing file fails", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid values fail validation", func(t *testing.T) {
		t.Setenv("OHLCV_STORAGE_BACKEND", "mongo")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "storage.backend")
	})
}

func TestConfigString_RedactsSecrets(t *testing.T) {
	config := DefaultConfig()
	config.Exchanges.Bitmex.APIKey = "bitmex-key"
	config.Exchanges.Bitmex.APISecret = "bitmex-secret"
	config.Exchanges.Kucoin.Passphrase = "kucoin-pass"
	config.Cache.Password = "redis-pass"

	out := config.String()

	assert.NotContains(t, out, "bitmex-key")
	assert.NotContains(t, out, "bitmex-secret")
	assert.NotContains(t, out, "kucoin-pass")
	assert.NotContains(t, out, "redis-pass")
	assert.Contains(t, out, redacted)
	// original is untouched
	assert.Equal(t, "bitmex-key", config.Exchanges.Bitmex.APIKey)
}
