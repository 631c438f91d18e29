// Package config loads and validates dumpany configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// EnvPrefix is prepended to every environment override, e.g. DUMPANY_WORKERS.
const EnvPrefix = "DUMPANY"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Registry  RegistryConfig  `mapstructure:"registry"`
	Output    OutputConfig    `mapstructure:"output"`
	Workers   int             `mapstructure:"workers"`
	Retry     RetryConfig     `mapstructure:"retry"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Mirror    MirrorConfig    `mapstructure:"mirror"`
}

// RegistryConfig points at the company registry API.
type RegistryConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	PageSize       int    `mapstructure:"page_size"`
}

// OutputConfig sets where documents are written.
type OutputConfig struct {
	Dir string `mapstructure:"dir"`
}

// RetryConfig controls per-document retries.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// RateLimitConfig holds the governor and throttle limits.
type RateLimitConfig struct {
	Ceiling           int           `mapstructure:"ceiling"`
	Window            time.Duration `mapstructure:"window"`
	MinInterval       time.Duration `mapstructure:"min_interval"`
	SoftCooldown      time.Duration `mapstructure:"soft_cooldown"`
	SoftThrottle      bool          `mapstructure:"soft_throttle"`
	DefaultRetryAfter time.Duration `mapstructure:"default_retry_after"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	JSON        bool   `mapstructure:"json"`
}

// MetricsConfig enables the status server when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LedgerConfig enables the Postgres document ledger when DSN is set.
type LedgerConfig struct {
	DSN       string `mapstructure:"dsn"`
	Table     string `mapstructure:"table"`
	RunsTable string `mapstructure:"runs_table"`
	MaxConns  int32  `mapstructure:"max_conns"`
}

// MirrorConfig enables the GCS mirror when GCSBucket is set and the S3
// mirror when S3.Bucket is set. Both share Prefix.
type MirrorConfig struct {
	GCSBucket string   `mapstructure:"gcs_bucket"`
	Prefix    string   `mapstructure:"prefix"`
	S3        S3Config `mapstructure:"s3"`
}

// S3Config targets AWS S3 or an S3-compatible endpoint. Credentials fall back
// to the default AWS chain when the static pair is empty.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// Load builds a Config from .env files, an optional config file and the
// environment. Values already present in the environment win over .env files.
func Load(path string, dotenvFiles ...string) (Config, error) {
	if err := loadDotEnv(dotenvFiles...); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

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

// loadDotEnv reads the given files, or ./.env when none are given. Missing
// files are skipped.
func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// bindLegacyEnv accepts the unprefixed API_KEY and DUMP_DIR variables.
func bindLegacyEnv(v *viper.Viper) error {
	if err := v.BindEnv("registry.api_key", EnvPrefix+"_REGISTRY_API_KEY", "API_KEY"); err != nil {
		return fmt.Errorf("bind registry.api_key: %w", err)
	}
	if err := v.BindEnv("output.dir", EnvPrefix+"_OUTPUT_DIR", "DUMP_DIR"); err != nil {
		return fmt.Errorf("bind output.dir: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("registry.base_url", "https://api.company-information.service.gov.uk/")
	v.SetDefault("registry.timeout_seconds", 30)
	v.SetDefault("registry.page_size", 100)
	v.SetDefault("output.dir", "dump")
	v.SetDefault("workers", 5)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff", "2s")
	v.SetDefault("ratelimit.ceiling", 600)
	v.SetDefault("ratelimit.window", "5m")
	v.SetDefault("ratelimit.min_interval", "500ms")
	v.SetDefault("ratelimit.soft_cooldown", "30s")
	v.SetDefault("ratelimit.soft_throttle", true)
	v.SetDefault("ratelimit.default_retry_after", "5m")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("ledger.table", "documents")
	v.SetDefault("ledger.runs_table", "runs")
	v.SetDefault("ledger.max_conns", 4)
	v.SetDefault("mirror.gcs_bucket", "")
	v.SetDefault("mirror.prefix", "")
	v.SetDefault("mirror.s3.bucket", "")
	v.SetDefault("mirror.s3.region", "eu-west-2")
	v.SetDefault("mirror.s3.endpoint", "")
	v.SetDefault("mirror.s3.access_key_id", "")
	v.SetDefault("mirror.s3.secret_access_key", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Registry.APIKey) == "" {
		problems = append(problems, "registry.api_key is required (set API_KEY)")
	}
	if u, err := url.Parse(c.Registry.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, "registry.base_url must be an absolute URL")
	}
	if c.Registry.TimeoutSeconds <= 0 {
		problems = append(problems, "registry.timeout_seconds must be > 0")
	}
	if c.Registry.PageSize <= 0 {
		problems = append(problems, "registry.page_size must be > 0")
	}
	if strings.TrimSpace(c.Output.Dir) == "" {
		problems = append(problems, "output.dir is required")
	}
	if c.Workers <= 0 {
		problems = append(problems, "workers must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		problems = append(problems, "retry.max_attempts must be > 0")
	}
	if c.Retry.Backoff < 0 {
		problems = append(problems, "retry.backoff must be >= 0")
	}
	if c.RateLimit.Ceiling <= 0 {
		problems = append(problems, "ratelimit.ceiling must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		problems = append(problems, "ratelimit.window must be > 0")
	}
	if c.RateLimit.MinInterval <= 0 {
		problems = append(problems, "ratelimit.min_interval must be > 0")
	}
	if c.RateLimit.DefaultRetryAfter <= 0 {
		problems = append(problems, "ratelimit.default_retry_after must be > 0")
	}
	if (c.Mirror.S3.AccessKeyID == "") != (c.Mirror.S3.SecretAccessKey == "") {
		problems = append(problems, "mirror.s3 access_key_id and secret_access_key must be set together")
	}
	if c.Mirror.S3.Endpoint != "" {
		if u, err := url.Parse(c.Mirror.S3.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, "mirror.s3.endpoint must be an absolute URL")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// RequestTimeout converts registry.timeout_seconds to a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Registry.TimeoutSeconds) * time.Second
}
