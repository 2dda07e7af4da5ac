// Package config provides centralized configuration for the ingestor: exchange
// credentials and endpoints, storage backend selection, fetch/retry policy,
// caching, the HTTP API, logging and metrics. Values come from defaults, an
// optional YAML/JSON file and OHLCV_-prefixed environment variables, in
// increasing order of priority.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// OHLCV_EXCHANGES_BITMEX_API_KEY.
const EnvPrefix = "OHLCV"

const redacted = "[REDACTED]"

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName string `mapstructure:"app_name" json:"app_name"`

	Storage   StorageConfig   `mapstructure:"storage" json:"storage"`
	Exchanges ExchangesConfig `mapstructure:"exchanges" json:"exchanges"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher" json:"fetcher"`
	Retry     RetryConfig     `mapstructure:"retry" json:"retry"`
	Collector CollectorConfig `mapstructure:"collector" json:"collector"`
	Cache     CacheConfig     `mapstructure:"cache" json:"cache"`
	HTTP      HTTPConfig      `mapstructure:"http" json:"http"`
	Logging   LoggingConfig   `mapstructure:"logging" json:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" json:"metrics"`
}

// StorageConfig selects and configures the series repository
type StorageConfig struct {
	Backend      string        `mapstructure:"backend" json:"backend"`             // "csv", "duckdb", "sqlite"
	DataDir      string        `mapstructure:"data_dir" json:"data_dir"`           // Directory for CSV series files
	DuckDBPath   string        `mapstructure:"duckdb_path" json:"duckdb_path"`     // DuckDB database file
	SQLitePath   string        `mapstructure:"sqlite_path" json:"sqlite_path"`     // SQLite database file
	QueryTimeout time.Duration `mapstructure:"query_timeout" json:"query_timeout"` // Per-statement timeout for database backends
}

// ExchangesConfig holds one block per supported exchange
type ExchangesConfig struct {
	Bitmex ExchangeConfig `mapstructure:"bitmex" json:"bitmex"`
	Kucoin ExchangeConfig `mapstructure:"kucoin" json:"kucoin"`
}

// ExchangeConfig configures a single exchange connector
type ExchangeConfig struct {
	Enabled           bool          `mapstructure:"enabled" json:"enabled"`
	APIKey            string        `mapstructure:"api_key" json:"api_key"`
	APISecret         string        `mapstructure:"api_secret" json:"api_secret"`
	Passphrase        string        `mapstructure:"passphrase" json:"passphrase"` // KuCoin only
	Testnet           bool          `mapstructure:"testnet" json:"testnet"`
	BaseURL           string        `mapstructure:"base_url" json:"base_url"` // Overrides the live/testnet default
	Timeout           time.Duration `mapstructure:"timeout" json:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" json:"requests_per_second"`
	Burst             int           `mapstructure:"burst" json:"burst"`
}

// FetcherConfig configures historical pagination
type FetcherConfig struct {
	Timeframe    string        `mapstructure:"timeframe" json:"timeframe"`         // Candle timeframe requested from exchanges
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" json:"fetch_timeout"` // Upper bound for one complete paginated fetch
}

// RetryConfig configures the retry policy applied to each page request
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" json:"max_attempts"` // 1 disables retries
	InitialDelay time.Duration `mapstructure:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" json:"max_delay"`
	Strategy     string        `mapstructure:"strategy" json:"strategy"` // exponential, constant, linear
	Jitter       bool          `mapstructure:"jitter" json:"jitter"`
}

// CollectorConfig configures the ingest worker pool
type CollectorConfig struct {
	MaxConcurrency   int           `mapstructure:"max_concurrency" json:"max_concurrency"`         // Jobs running at once across all exchanges
	PerExchangeLimit int           `mapstructure:"per_exchange_limit" json:"per_exchange_limit"`   // Jobs running at once against one exchange
	JobTimeout       time.Duration `mapstructure:"job_timeout" json:"job_timeout"`                 // Deadline applied to each job
	Symbols          []string      `mapstructure:"symbols" json:"symbols"`                         // Default "exchange:SYMBOL" list for batch ingests
}

// CacheConfig configures the Redis read-through cache
type CacheConfig struct {
	Enabled   bool          `mapstructure:"enabled" json:"enabled"`
	Addr      string        `mapstructure:"addr" json:"addr"`
	Password  string        `mapstructure:"password" json:"password"`
	DB        int           `mapstructure:"db" json:"db"`
	TTL       time.Duration `mapstructure:"ttl" json:"ttl"`
	Namespace string        `mapstructure:"namespace" json:"namespace"`
}

// HTTPConfig configures the consumer API server
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr" json:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	Mode         string        `mapstructure:"mode" json:"mode"` // gin mode: release, debug, test
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level      string `mapstructure:"level" json:"level"`             // Log level: debug, info, warn, error
	Format     string `mapstructure:"format" json:"format"`           // Log format: json, text
	Output     string `mapstructure:"output" json:"output"`           // Output: stdout, stderr, file
	FilePath   string `mapstructure:"file_path" json:"file_path"`     // Log file path
	MaxSize    int    `mapstructure:"max_size" json:"max_size"`       // Maximum log file size in MB
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"` // Maximum log file backups
	MaxAge     int    `mapstructure:"max_age" json:"max_age"`         // Maximum log file age in days
	Compress   bool   `mapstructure:"compress" json:"compress"`       // Compress old log files
}

// MetricsConfig configures metrics collection
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" json:"path"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "ohlcv-ingestor",
		Storage: StorageConfig{
			Backend:      "csv",
			DataDir:      "./data",
			DuckDBPath:   "./data/ohlcv.duckdb",
			SQLitePath:   "./data/ohlcv.sqlite",
			QueryTimeout: 30 * time.Second,
		},
		Exchanges: ExchangesConfig{
			Bitmex: ExchangeConfig{
				Enabled:           true,
				Timeout:           30 * time.Second,
				RequestsPerSecond: 1,
				Burst:             1,
			},
			Kucoin: ExchangeConfig{
				Enabled:           true,
				Timeout:           30 * time.Second,
				RequestsPerSecond: 0.5, // one page every 2s
				Burst:             1,
			},
		},
		Fetcher: FetcherConfig{
			Timeframe:    "1m",
			FetchTimeout: 30 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:  1,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Strategy:     "exponential",
			Jitter:       true,
		},
		Collector: CollectorConfig{
			MaxConcurrency:   4,
			PerExchangeLimit: 1,
			JobTimeout:       30 * time.Minute,
		},
		Cache: CacheConfig{
			Enabled:   false,
			Addr:      "localhost:6379",
			TTL:       5 * time.Minute,
			Namespace: "ohlcv",
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 5 * time.Minute,
			Mode:         "release",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads configuration with priority order:
// 1. Environment variables (highest priority)
// 2. Configuration file, when path is non-empty
// 3. Default values (lowest priority)
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key with viper so AutomaticEnv can override
// keys that never appear in the file.
func setDefaults(v *viper.Viper, d *AppConfig) {
	v.SetDefault("app_name", d.AppName)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.data_dir", d.Storage.DataDir)
	v.SetDefault("storage.duckdb_path", d.Storage.DuckDBPath)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("storage.query_timeout", d.Storage.QueryTimeout)

	for name, ex := range map[string]ExchangeConfig{"bitmex": d.Exchanges.Bitmex, "kucoin": d.Exchanges.Kucoin} {
		prefix := "exchanges." + name + "."
		v.SetDefault(prefix+"enabled", ex.Enabled)
		v.SetDefault(prefix+"api_key", ex.APIKey)
		v.SetDefault(prefix+"api_secret", ex.APISecret)
		v.SetDefault(prefix+"passphrase", ex.Passphrase)
		v.SetDefault(prefix+"testnet", ex.Testnet)
		v.SetDefault(prefix+"base_url", ex.BaseURL)
		v.SetDefault(prefix+"timeout", ex.Timeout)
		v.SetDefault(prefix+"requests_per_second", ex.RequestsPerSecond)
		v.SetDefault(prefix+"burst", ex.Burst)
	}

	v.SetDefault("fetcher.timeframe", d.Fetcher.Timeframe)
	v.SetDefault("fetcher.fetch_timeout", d.Fetcher.FetchTimeout)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_delay", d.Retry.InitialDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.strategy", d.Retry.Strategy)
	v.SetDefault("retry.jitter", d.Retry.Jitter)

	v.SetDefault("collector.max_concurrency", d.Collector.MaxConcurrency)
	v.SetDefault("collector.per_exchange_limit", d.Collector.PerExchangeLimit)
	v.SetDefault("collector.job_timeout", d.Collector.JobTimeout)
	v.SetDefault("collector.symbols", d.Collector.Symbols)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.addr", d.Cache.Addr)
	v.SetDefault("cache.password", d.Cache.Password)
	v.SetDefault("cache.db", d.Cache.DB)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.namespace", d.Cache.Namespace)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.mode", d.HTTP.Mode)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.file_path", d.Logging.FilePath)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)
}

// Validate checks the configuration for consistency and required fields,
// reporting every problem at once.
func (c *AppConfig) Validate() error {
	var errs []string

	switch c.Storage.Backend {
	case "csv":
		if c.Storage.DataDir == "" {
			errs = append(errs, "storage.data_dir is required for csv storage")
		}
	case "duckdb":
		if c.Storage.DuckDBPath == "" {
			errs = append(errs, "storage.duckdb_path is required for duckdb storage")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, "storage.sqlite_path is required for sqlite storage")
		}
	default:
		errs = append(errs, "storage.backend must be one of: csv, duckdb, sqlite")
	}

	if !c.Exchanges.Bitmex.Enabled && !c.Exchanges.Kucoin.Enabled {
		errs = append(errs, "at least one exchange must be enabled")
	}
	for name, ex := range map[string]ExchangeConfig{"bitmex": c.Exchanges.Bitmex, "kucoin": c.Exchanges.Kucoin} {
		if !ex.Enabled {
			continue
		}
		if ex.RequestsPerSecond <= 0 {
			errs = append(errs, fmt.Sprintf("exchanges.%s.requests_per_second must be greater than 0", name))
		}
		if ex.Burst <= 0 {
			errs = append(errs, fmt.Sprintf("exchanges.%s.burst must be greater than 0", name))
		}
		if ex.Timeout <= 0 {
			errs = append(errs, fmt.Sprintf("exchanges.%s.timeout must be greater than 0", name))
		}
	}

	switch c.Fetcher.Timeframe {
	case "1m", "5m", "1h", "1d":
	default:
		errs = append(errs, "fetcher.timeframe must be one of: 1m, 5m, 1h, 1d")
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be at least 1")
	}
	switch c.Retry.Strategy {
	case "exponential", "constant", "fixed", "linear":
	default:
		errs = append(errs, "retry.strategy must be one of: exponential, constant, linear")
	}

	if c.Collector.MaxConcurrency <= 0 {
		errs = append(errs, "collector.max_concurrency must be greater than 0")
	}
	if c.Collector.PerExchangeLimit <= 0 {
		errs = append(errs, "collector.per_exchange_limit must be greater than 0")
	}

	if c.Cache.Enabled && c.Cache.Addr == "" {
		errs = append(errs, "cache.addr is required when cache is enabled")
	}

	switch c.HTTP.Mode {
	case "", "release", "debug", "test":
	default:
		errs = append(errs, "http.mode must be one of: release, debug, test")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		errs = append(errs, "logging.format must be one of: json, text")
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		errs = append(errs, "logging.file_path is required when logging.output is file")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

// String returns a string representation of the configuration (excluding sensitive data)
func (c *AppConfig) String() string {
	sanitized := *c
	for _, ex := range []*ExchangeConfig{&sanitized.Exchanges.Bitmex, &sanitized.Exchanges.Kucoin} {
		if ex.APIKey != "" {
			ex.APIKey = redacted
		}
		if ex.APISecret != "" {
			ex.APISecret = redacted
		}
		if ex.Passphrase != "" {
			ex.Passphrase = redacted
		}
	}
	if sanitized.Cache.Password != "" {
		sanitized.Cache.Password = redacted
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
