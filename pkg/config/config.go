package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "WPTSYNC"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultWPTBaseURL is the production wpt.fyi endpoint.
	DefaultWPTBaseURL = "https://wpt.fyi"

	// DefaultUserAgent is sent with every request to the results service.
	DefaultUserAgent = "Ladybird WPT API Client/1.0"

	// DefaultCutoff is the earliest instant that is ever searched for runs.
	DefaultCutoff = "2024-01-01T00:00:00Z"

	// DefaultMaxResults is the page size used when listing runs.
	DefaultMaxResults = 50

	// DefaultInterval is the idle time between two full sync cycles.
	DefaultInterval = "10m"

	// MaxRetriesLimit is the highest accepted wpt.max_retries.
	MaxRetriesLimit = 20
)

// DefaultLabels are the run labels considered relevant for syncing.
var DefaultLabels = []string{"master", "experimental"}

// Config is the root configuration for wptsync.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	WPT      WPTConfig      `yaml:"wpt" mapstructure:"wpt"`
	Sync     SyncConfig     `yaml:"sync" mapstructure:"sync"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
	Export   ExportConfig   `yaml:"export" mapstructure:"export"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// WPTConfig configures the client for the remote results service.
type WPTConfig struct {
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	UserAgent    string `yaml:"user_agent" mapstructure:"user_agent"`
	Timeout      string `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries   int    `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBackoff string `yaml:"retry_backoff" mapstructure:"retry_backoff"`
}

// SyncConfig contains the discovery and scheduling settings.
type SyncConfig struct {
	Cutoff     string   `yaml:"cutoff" mapstructure:"cutoff"`
	MaxResults int      `yaml:"max_results" mapstructure:"max_results"`
	Labels     []string `yaml:"labels" mapstructure:"labels"`
	Lookback   string   `yaml:"lookback" mapstructure:"lookback"`
	Interval   string   `yaml:"interval" mapstructure:"interval"`
	RunDelay   string   `yaml:"run_delay" mapstructure:"run_delay"`
	PassDelay  string   `yaml:"pass_delay" mapstructure:"pass_delay"`
}

// defaults maps every known key to its default value. Registering each
// key with viper is what makes env overrides work for keys that are
// absent from the config file.
var defaults = map[string]any{
	"global.log_level": DefaultLogLevel,

	"database.driver":            "postgres",
	"database.sqlite.path":       "wptsync.db",
	"database.postgres.host":     "localhost",
	"database.postgres.port":     5432,
	"database.postgres.user":     "",
	"database.postgres.password": "",
	"database.postgres.database": "wpt",
	"database.postgres.ssl_mode": "disable",

	"wpt.base_url":      DefaultWPTBaseURL,
	"wpt.user_agent":    DefaultUserAgent,
	"wpt.timeout":       "60s",
	"wpt.max_retries":   3,
	"wpt.retry_backoff": "1s",

	"sync.cutoff":      DefaultCutoff,
	"sync.max_results": DefaultMaxResults,
	"sync.labels":      DefaultLabels,
	"sync.lookback":    "336h",
	"sync.interval":    DefaultInterval,
	"sync.run_delay":   "1s",
	"sync.pass_delay":  "1s",

	"api.server.listen":                                ":8080",
	"api.server.cors_origins":                          []string{},
	"api.server.rate_limit.enabled":                    false,
	"api.server.rate_limit.public.requests_per_minute": 120,

	"export.dir":                  "",
	"export.limit":                20,
	"export.concurrency":          4,
	"export.s3.enabled":           false,
	"export.s3.endpoint_url":      "",
	"export.s3.region":            "",
	"export.s3.bucket":            "",
	"export.s3.prefix":            "",
	"export.s3.access_key_id":     "",
	"export.s3.secret_access_key": "",
	"export.s3.force_path_style":  false,
}

// legacyEnv lists the environment variables the original deployment used
// to configure the database connection.
var legacyEnv = map[string]string{
	"database.postgres.host":     "STORAGE_HOST",
	"database.postgres.database": "STORAGE_DATABASE",
	"database.postgres.user":     "STORAGE_USERNAME",
	"database.postgres.password": "STORAGE_PASSWORD",
}

// Load reads the configuration. The path may be empty, in which case only
// defaults and environment variables are used. A .env file in the working
// directory is loaded into the environment first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults normalizes values viper cannot express as plain defaults.
func (c *Config) applyDefaults() {
	// Env overrides arrive as comma separated values.
	c.Sync.Labels = normalizeList(c.Sync.Labels)
	c.API.Server.CORSOrigins = normalizeList(c.API.Server.CORSOrigins)

	c.WPT.BaseURL = strings.TrimRight(c.WPT.BaseURL, "/")
}

// normalizeList splits comma separated entries and drops blanks.
func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))

	for _, entry := range in {
		for _, p := range strings.Split(entry, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}

	return out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if c.WPT.BaseURL == "" {
		return fmt.Errorf("wpt.base_url is required")
	}

	if c.WPT.MaxRetries < 0 || c.WPT.MaxRetries > MaxRetriesLimit {
		return fmt.Errorf("wpt.max_retries must be between 0 and %d", MaxRetriesLimit)
	}

	if c.Sync.MaxResults <= 0 {
		return fmt.Errorf("sync.max_results must be positive")
	}

	if len(c.Sync.Labels) == 0 {
		return fmt.Errorf("sync.labels must not be empty")
	}

	if _, err := c.Sync.CutoffTime(); err != nil {
		return err
	}

	durations := map[string]string{
		"wpt.timeout":       c.WPT.Timeout,
		"wpt.retry_backoff": c.WPT.RetryBackoff,
		"sync.lookback":     c.Sync.Lookback,
		"sync.interval":     c.Sync.Interval,
		"sync.run_delay":    c.Sync.RunDelay,
		"sync.pass_delay":   c.Sync.PassDelay,
	}

	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
		}

		if d < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}

	return nil
}

// CutoffTime parses the configured cutoff instant.
func (s *SyncConfig) CutoffTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s.Cutoff)
	if err != nil {
		return time.Time{}, fmt.Errorf("sync.cutoff: invalid timestamp %q: %w", s.Cutoff, err)
	}

	return t.UTC(), nil
}

// Durations returns the parsed sync durations. Validate must have passed.
func (s *SyncConfig) Durations() (lookback, interval, runDelay, passDelay time.Duration) {
	lookback, _ = time.ParseDuration(s.Lookback)
	interval, _ = time.ParseDuration(s.Interval)
	runDelay, _ = time.ParseDuration(s.RunDelay)
	passDelay, _ = time.ParseDuration(s.PassDelay)

	return lookback, interval, runDelay, passDelay
}

// TimeoutDuration returns the parsed HTTP timeout. Validate must have passed.
func (w *WPTConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(w.Timeout)

	return d
}

// RetryBackoffDuration returns the parsed base retry backoff.
func (w *WPTConfig) RetryBackoffDuration() time.Duration {
	d, _ := time.ParseDuration(w.RetryBackoff)

	return d
}

// Redacted returns a copy of the config with secrets masked.
func (c *Config) Redacted() Config {
	out := *c

	if out.Database.Postgres.Password != "" {
		out.Database.Postgres.Password = "***"
	}

	if out.Export.S3.SecretAccessKey != "" {
		out.Export.S3.SecretAccessKey = "***"
	}

	out.Sync.Labels = append([]string(nil), c.Sync.Labels...)
	out.API.Server.CORSOrigins = append([]string(nil), c.API.Server.CORSOrigins...)

	return out
}
