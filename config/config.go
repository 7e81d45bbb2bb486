// Package config owns the gateway's typed, hot-reloadable configuration:
// Routes, Destinations, Scripts, and Brokers, plus the Resilience and
// Logging sections every component is built from. It follows the
// teacher's three-layer precedence (defaults → environment variables →
// functional options) and adds the on-disk YAML file and hot-reload
// watcher the teacher's single-process Config doesn't need.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/dicom"
)

// Config is the root of the gateway's configuration tree.
type Config struct {
	DataRoot string `json:"data_root" yaml:"data_root" env:"GATEWAY_DATA_ROOT"`

	Routes       []dicom.Route        `json:"routes" yaml:"routes"`
	Destinations []dicom.Destination  `json:"destinations" yaml:"destinations"`
	Scripts      []ScriptConfig       `json:"scripts" yaml:"scripts"`
	Brokers      []BrokerConfig       `json:"brokers" yaml:"brokers"`

	Resilience ResilienceConfig `json:"resilience" yaml:"resilience"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	OCR        OCRConfig        `json:"ocr" yaml:"ocr"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry"`

	logger core.Logger
}

// OCRConfig points at an external OCR service used by anonymize.OCRClient
// to classify pixel regions as PHI-bearing (§4.5). An empty BaseURL
// disables residual-PHI pixel scanning entirely — the OCR service itself
// is out of scope, only this client wiring is.
type OCRConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url" env:"GATEWAY_OCR_BASE_URL"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" env:"GATEWAY_OCR_TIMEOUT_SECONDS" default:"15"`
	PaddingPixels  int    `json:"padding_pixels" yaml:"padding_pixels" env:"GATEWAY_OCR_PADDING_PIXELS" default:"8"`
}

// ScriptConfig names an anonymization script available to RouteDestinations.
// Built-in scripts (e.g. "hipaa_standard") are immutable; user-defined ones
// point at a file under Resilience.CacheDir/scripts/.
type ScriptConfig struct {
	Name    string `json:"name" yaml:"name"`
	Path    string `json:"path" yaml:"path"`
	BuiltIn bool   `json:"built_in" yaml:"built_in"`
}

// BrokerKind enumerates the three Honest Broker backends (§4.5).
type BrokerKind string

const (
	BrokerLocal  BrokerKind = "local"
	BrokerRemote BrokerKind = "remote"
	BrokerScript BrokerKind = "script"
)

// BrokerConfig configures one named Honest Broker. Only the fields for
// the selected Kind are meaningful; the rest are zero.
type BrokerConfig struct {
	Name string     `json:"name" yaml:"name"`
	Kind BrokerKind `json:"kind" yaml:"kind"`

	// BrokerLocal
	MinDateShiftDays int `json:"min_date_shift_days" yaml:"min_date_shift_days"`
	MaxDateShiftDays int `json:"max_date_shift_days" yaml:"max_date_shift_days"`

	// BrokerRemote
	BaseURL  string        `json:"base_url" yaml:"base_url"`
	Username string        `json:"username" yaml:"username"`
	Password string        `json:"password" yaml:"password"`
	Token    string        `json:"token" yaml:"token"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	CacheMax int           `json:"cache_max" yaml:"cache_max"`

	// BrokerScript
	ScriptPath    string        `json:"script_path" yaml:"script_path"`
	ScriptTimeout time.Duration `json:"script_timeout" yaml:"script_timeout"`
}

// ResilienceConfig carries spec.md §6's "Resilience options" bundle:
// health check cadence, retry behavior, and archive/deleted retention.
type ResilienceConfig struct {
	HealthCheckIntervalSeconds int    `json:"health_check_interval_seconds" yaml:"health_check_interval_seconds" env:"GATEWAY_HEALTH_CHECK_INTERVAL_SECONDS" default:"30"`
	CacheDir                   string `json:"cache_dir" yaml:"cache_dir" env:"GATEWAY_CACHE_DIR"`
	MaxRetries                 int    `json:"max_retries" yaml:"max_retries" env:"GATEWAY_MAX_RETRIES" default:"3"`
	RetryDelaySeconds          int    `json:"retry_delay_seconds" yaml:"retry_delay_seconds" env:"GATEWAY_RETRY_DELAY_SECONDS" default:"2"`
	RetentionDays              int    `json:"retention_days" yaml:"retention_days" env:"GATEWAY_RETENTION_DAYS" default:"-1"`
	ArchiveRetentionDays       int    `json:"archive_retention_days" yaml:"archive_retention_days" env:"GATEWAY_ARCHIVE_RETENTION_DAYS" default:"-1"`
	DeletedRetentionDays       int    `json:"deleted_retention_days" yaml:"deleted_retention_days" env:"GATEWAY_DELETED_RETENTION_DAYS" default:"-1"`
}

// LoggingConfig mirrors the teacher's LoggingConfig shape, trimmed to
// what core.NewProductionLogger consumes.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"GATEWAY_LOG_LEVEL" default:"info"`
	Format string `json:"format" yaml:"format" env:"GATEWAY_LOG_FORMAT" default:"json"`
}

// TelemetryConfig controls the process-wide OpenTelemetry TracerProvider
// that spans around adapter sends, anonymization, and review decisions
// (destination, anonymize) attach their spans to. Exporter selects which
// of the two trace exporters in go.mod backs it; Enabled false leaves the
// global no-op provider in place, so every otel.Tracer() call in the
// gateway degrades to a cheap no-op instead of failing.
type TelemetryConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled" env:"GATEWAY_TELEMETRY_ENABLED" default:"false"`
	ServiceName  string `json:"service_name" yaml:"service_name" env:"GATEWAY_TELEMETRY_SERVICE_NAME" default:"dicom-gateway"`
	Exporter     string `json:"exporter" yaml:"exporter" env:"GATEWAY_TELEMETRY_EXPORTER" default:"stdout"`
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint" env:"GATEWAY_TELEMETRY_OTLP_ENDPOINT"`
}

// Option is a functional option, applied after defaults and environment
// variables — the highest-priority layer, matching core.Option.
type Option func(*Config) error

// DefaultConfig returns a Config with every field at its documented
// default. Loading a file or environment variables starts from this.
func DefaultConfig() *Config {
	return &Config{
		DataRoot: "./data",
		Resilience: ResilienceConfig{
			HealthCheckIntervalSeconds: 30,
			MaxRetries:                 3,
			RetryDelaySeconds:          2,
			RetentionDays:              -1,
			ArchiveRetentionDays:       -1,
			DeletedRetentionDays:       -1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		OCR: OCRConfig{
			TimeoutSeconds: 15,
			PaddingPixels:  8,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "dicom-gateway",
			Exporter:    "stdout",
		},
	}
}

// LoadFromEnv overlays recognized GATEWAY_* environment variables onto
// c, matching the struct tags above one field at a time — the teacher's
// explicit os.Getenv-per-field style (core/config.go's LoadFromEnv)
// rather than a reflection-based decoder, since the teacher never reaches
// for one either.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("GATEWAY_DATA_ROOT"); v != "" {
		c.DataRoot = v
	}
	if v := os.Getenv("GATEWAY_CACHE_DIR"); v != "" {
		c.Resilience.CacheDir = v
	}
	if v := os.Getenv("GATEWAY_HEALTH_CHECK_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Resilience.HealthCheckIntervalSeconds = n
		}
	}
	if v := os.Getenv("GATEWAY_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Resilience.MaxRetries = n
		}
	}
	if v := os.Getenv("GATEWAY_RETRY_DELAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Resilience.RetryDelaySeconds = n
		}
	}
	if v := os.Getenv("GATEWAY_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Resilience.RetentionDays = n
		}
	}
	if v := os.Getenv("GATEWAY_ARCHIVE_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Resilience.ArchiveRetentionDays = n
		}
	}
	if v := os.Getenv("GATEWAY_DELETED_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Resilience.DeletedRetentionDays = n
		}
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GATEWAY_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("GATEWAY_OCR_BASE_URL"); v != "" {
		c.OCR.BaseURL = v
	}
	if v := os.Getenv("GATEWAY_OCR_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OCR.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("GATEWAY_OCR_PADDING_PIXELS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OCR.PaddingPixels = n
		}
	}
	if v := os.Getenv("GATEWAY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("GATEWAY_TELEMETRY_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	if v := os.Getenv("GATEWAY_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("GATEWAY_TELEMETRY_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	return nil
}

// WithDataRoot overrides the data root directory.
func WithDataRoot(path string) Option {
	return func(c *Config) error {
		c.DataRoot = path
		return nil
	}
}

// WithRoutes replaces the route list wholesale — used by tests and by
// callers assembling a Config entirely in code rather than from a file.
func WithRoutes(routes []dicom.Route) Option {
	return func(c *Config) error {
		c.Routes = routes
		return nil
	}
}

// WithDestinations replaces the destination list wholesale.
func WithDestinations(destinations []dicom.Destination) Option {
	return func(c *Config) error {
		c.Destinations = destinations
		return nil
	}
}

// WithLogger attaches a logger used for config-loading diagnostics only;
// it is not carried into the resulting pipeline components.
func WithLogger(logger core.Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// New builds a Config from defaults, then environment variables, then
// opts, validating the result — the same three-layer precedence as
// core.NewConfig.
func New(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
