// Package config resolves harness settings from defaults, an optional YAML
// file, GREENBENCH_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"github.com/tiger/greenbench/internal/observability/logging"
)

// EnvPrefix prefixes every environment variable, e.g. GREENBENCH_SEED.
const EnvPrefix = "GREENBENCH"

// Fixture store backends.
const (
	StoreFile  = "file"
	StoreRedis = "redis"
)

// Config is the resolved harness configuration.
type Config struct {
	Seed               int64    `mapstructure:"seed"`
	ScenarioID         string   `mapstructure:"scenario_id"`
	FixturesDir        string   `mapstructure:"fixtures_dir"`
	FixtureStore       string   `mapstructure:"fixture_store"`
	RedisAddr          string   `mapstructure:"redis_addr"`
	RedisPrefix        string   `mapstructure:"redis_prefix"`
	OutputDir          string   `mapstructure:"output_dir"`
	AgentName          string   `mapstructure:"agent_name"`
	UseFixtures        bool     `mapstructure:"use_fixtures"`
	RequiredFields     []string `mapstructure:"required_fields"`
	LedgerJSONLDir     string   `mapstructure:"ledger_jsonl_dir"`
	EventQueueCapacity int      `mapstructure:"event_queue_capacity"`
	LogLevel           string   `mapstructure:"log_level"`
	LogFormat          string   `mapstructure:"log_format"`
	MetricsAddr        string   `mapstructure:"metrics_addr"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	S3Bucket           string   `mapstructure:"s3_bucket"`
	S3Prefix           string   `mapstructure:"s3_prefix"`
	S3Region           string   `mapstructure:"s3_region"`
}

var defaults = map[string]any{
	"seed":                 42,
	"scenario_id":          "",
	"fixtures_dir":         "fixtures",
	"fixture_store":        StoreFile,
	"redis_addr":           "",
	"redis_prefix":         "greenbench",
	"output_dir":           "artifacts",
	"agent_name":           "White Agent",
	"use_fixtures":         true,
	"required_fields":      []string{},
	"ledger_jsonl_dir":     "",
	"event_queue_capacity": 1024,
	"log_level":            "info",
	"log_format":           string(logging.FormatText),
	"metrics_addr":         ":8080",
	"allowed_origins":      []string{},
	"s3_bucket":            "",
	"s3_prefix":            "greenbench",
	"s3_region":            "us-east-1",
}

// Keys lists every configuration key.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	return keys
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (when non-empty) into v, then decodes and validates.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.RequiredFields = splitFields(cfg.RequiredFields)
	cfg.AllowedOrigins = splitFields(cfg.AllowedOrigins)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// splitFields accepts both YAML lists and comma-separated env values.
func splitFields(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	switch c.FixtureStore {
	case StoreFile:
		if c.UseFixtures && strings.TrimSpace(c.FixturesDir) == "" {
			errs = append(errs, fmt.Errorf("fixtures_dir is required for the file fixture store"))
		}
	case StoreRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, fmt.Errorf("redis_addr is required for the redis fixture store"))
		}
	default:
		errs = append(errs, fmt.Errorf("fixture_store must be %q or %q, got %q", StoreFile, StoreRedis, c.FixtureStore))
	}
	if c.EventQueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("event_queue_capacity must be >= 1, got %d", c.EventQueueCapacity))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch logging.Format(strings.ToLower(c.LogFormat)) {
	case logging.FormatText, logging.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		errs = append(errs, fmt.Errorf("output_dir is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Logging returns the logger configuration.
func (c Config) Logging() logging.Config {
	return logging.Config{Level: c.LogLevel, Format: logging.Format(strings.ToLower(c.LogFormat))}
}
