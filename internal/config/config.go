// Package config loads and validates ingestion configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/weather-ingest/internal/ingest"
	"github.com/JakeFAU/weather-ingest/internal/store"
)

// EnvPrefix namespaces environment overrides, e.g. WEATHER_INGEST_FETCH_MAX_ATTEMPTS.
const EnvPrefix = "WEATHER_INGEST"

// Default remote endpoints of the Raspberry Pi weather station network.
const (
	DefaultStationsURL     = "https://apex.oracle.com/pls/apex/raspberrypi/weatherstation/getallstations"
	DefaultMeasurementsURL = "https://apex.oracle.com/pls/apex/raspberrypi/weatherstation/getlatestmeasurements/{station_id}"
)

var dotEnvFile = ".env"

// Config captures all ingestion knobs loaded via Viper.
type Config struct {
	Remote  RemoteConfig  `mapstructure:"remote"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Store   StoreConfig   `mapstructure:"store"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RemoteConfig points at the weather service.
type RemoteConfig struct {
	StationsURL string `mapstructure:"stations_url"`
	// MeasurementsURL either contains {station_id} or gets the id appended as a path segment.
	MeasurementsURL string `mapstructure:"measurements_url"`
}

// HTTPConfig configures the transport.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`

	// RequestsPerSecond paces requests per host; 0 disables pacing.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// FetchConfig configures retries. BackoffMs of 0 retries immediately.
type FetchConfig struct {
	MaxAttempts  int `mapstructure:"max_attempts"`
	BackoffMs    int `mapstructure:"backoff_ms"`
	BackoffMaxMs int `mapstructure:"backoff_max_ms"`
}

// IngestConfig governs orchestrator behavior.
type IngestConfig struct {
	OnStationFailure string `mapstructure:"on_station_failure"`
	MaxPages         int    `mapstructure:"max_pages"`
	DeadLetterPath   string `mapstructure:"dead_letter_path"`
}

// StoreConfig controls the relational store.
type StoreConfig struct {
	OnConflict    string `mapstructure:"on_conflict"`
	BusyTimeoutMs int    `mapstructure:"busy_timeout_ms"`
	MaxConns      int    `mapstructure:"max_conns"`
}

// MetricsConfig toggles the metrics endpoint and Pushgateway.
type MetricsConfig struct {
	ListenAddr     string `mapstructure:"listen_addr"`
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// TracingConfig toggles OpenTelemetry spans, exported to the debug log.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from .env, an optional config file and the environment.
func Load(path string) (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadDotEnv populates the process environment from .env when present.
// Variables already set win.
func loadDotEnv() error {
	if _, err := os.Stat(dotEnvFile); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(dotEnvFile); err != nil {
		return fmt.Errorf("load %s: %w", dotEnvFile, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("remote.stations_url", DefaultStationsURL)
	v.SetDefault("remote.measurements_url", DefaultMeasurementsURL)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.user_agent", "weather-ingest/1.0")
	v.SetDefault("http.requests_per_second", 0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("fetch.max_attempts", 10)
	v.SetDefault("fetch.backoff_ms", 0)
	v.SetDefault("fetch.backoff_max_ms", 5000)
	v.SetDefault("ingest.on_station_failure", string(ingest.FailSkip))
	v.SetDefault("ingest.max_pages", 0)
	v.SetDefault("ingest.dead_letter_path", "")
	v.SetDefault("store.on_conflict", string(store.ConflictIgnore))
	v.SetDefault("store.busy_timeout_ms", 5000)
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "weather_ingest")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "weather-ingest")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := validateHTTPURL("remote.stations_url", c.Remote.StationsURL); err != nil {
		return err
	}
	if err := validateHTTPURL("remote.measurements_url",
		strings.ReplaceAll(c.Remote.MeasurementsURL, "{station_id}", "0")); err != nil {
		return err
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requests_per_second must be >= 0")
	}
	if c.HTTP.Burst < 0 {
		return fmt.Errorf("http.burst must be >= 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Fetch.BackoffMs < 0 {
		return fmt.Errorf("fetch.backoff_ms must be >= 0")
	}
	if c.Fetch.BackoffMaxMs < 0 {
		return fmt.Errorf("fetch.backoff_max_ms must be >= 0")
	}
	if c.Ingest.MaxPages < 0 {
		return fmt.Errorf("ingest.max_pages must be >= 0")
	}
	if _, err := ingest.ParseFailurePolicy(c.Ingest.OnStationFailure); err != nil {
		return fmt.Errorf("ingest.on_station_failure: %w", err)
	}
	if _, err := store.ParseConflictPolicy(c.Store.OnConflict); err != nil {
		return fmt.Errorf("store.on_conflict: %w", err)
	}
	if c.Store.BusyTimeoutMs < 0 {
		return fmt.Errorf("store.busy_timeout_ms must be >= 0")
	}
	if c.Store.MaxConns < 0 || c.Store.MaxConns > math.MaxInt32 {
		return fmt.Errorf("store.max_conns must be between 0 and %d", math.MaxInt32)
	}
	if c.Metrics.PushgatewayURL != "" {
		if err := validateHTTPURL("metrics.pushgateway_url", c.Metrics.PushgatewayURL); err != nil {
			return err
		}
		if c.Metrics.Job == "" {
			return fmt.Errorf("metrics.job must be set when metrics.pushgateway_url is set")
		}
	}
	return nil
}

// RequestTimeout converts the HTTP timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// Backoff returns the base and max retry backoff; a zero base means immediate retries.
func (c Config) Backoff() (base, limit time.Duration) {
	return time.Duration(c.Fetch.BackoffMs) * time.Millisecond,
		time.Duration(c.Fetch.BackoffMaxMs) * time.Millisecond
}

func validateHTTPURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", key, raw)
	}
	return nil
}
