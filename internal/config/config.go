// Package config loads livebind configuration.
//
// Precedence (highest to lowest): flags > env vars > config file > defaults.
// Environment variables use the LIVEBIND_ prefix and a double underscore
// between section and key, e.g. LIVEBIND_NATS__URL sets nats.url.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
	"github.com/wehubfusion/livebind/pkg/auth"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "LIVEBIND_"

// DefaultFile is looked up in the working directory when no file is given.
const DefaultFile = "livebind.yaml"

// APIConfig addresses the collaborator REST API.
type APIConfig struct {
	BaseURL       string        `koanf:"base_url"`
	RetryMax      int           `koanf:"retry_max"`
	RetryWaitMin  time.Duration `koanf:"retry_wait_min"`
	RetryWaitMax  time.Duration `koanf:"retry_wait_max"`
	Timeout       time.Duration `koanf:"timeout"`
	MaxConcurrent int           `koanf:"max_concurrent"`

	// Breaker trips after this many consecutive transport or 5xx failures.
	// Zero disables the breaker.
	FailureThreshold int           `koanf:"failure_threshold"`
	ResetTimeout     time.Duration `koanf:"reset_timeout"`
}

// AuthConfig selects the bearer token. A JWT secret takes precedence over a
// static token.
type AuthConfig struct {
	Token       string        `koanf:"token"`
	JWTSecret   string        `koanf:"jwt_secret"`
	JWTSubject  string        `koanf:"jwt_subject"`
	JWTIssuer   string        `koanf:"jwt_issuer"`
	JWTAudience string        `koanf:"jwt_audience"`
	JWTTTL      time.Duration `koanf:"jwt_ttl"`
}

// NATSConfig configures the live channel connection. An empty URL disables
// live updates.
type NATSConfig struct {
	URL           string        `koanf:"url"`
	Name          string        `koanf:"name"`
	SubjectPrefix string        `koanf:"subject_prefix"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
	Timeout       time.Duration `koanf:"timeout"`
	Token         string        `koanf:"token"`
	Username      string        `koanf:"username"`
	Password      string        `koanf:"password"`
}

// ViewConfig tunes document views.
type ViewConfig struct {
	DocID              string        `koanf:"doc_id"`
	BarrierDebounce    time.Duration `koanf:"barrier_debounce"`
	ConnectionDebounce time.Duration `koanf:"connection_debounce"`
	RevealTimeout      time.Duration `koanf:"reveal_timeout"`
}

// BlobConfig configures offloaded live payloads. An empty connection string
// disables offloading.
type BlobConfig struct {
	ConnectionString string `koanf:"connection_string"`
	Container        string `koanf:"container"`
	OffloadThreshold int    `koanf:"offload_threshold"`
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	SampleRatio float64 `koanf:"sample_ratio"`
	Environment string  `koanf:"environment"`
}

// LogConfig selects the logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// SentryConfig enables error reporting when DSN is set.
type SentryConfig struct {
	DSN         string `koanf:"dsn"`
	Environment string `koanf:"environment"`
}

// Config holds all livebind configuration.
type Config struct {
	API     APIConfig     `koanf:"api"`
	Auth    AuthConfig    `koanf:"auth"`
	NATS    NATSConfig    `koanf:"nats"`
	View    ViewConfig    `koanf:"view"`
	Blob    BlobConfig    `koanf:"blob"`
	Tracing TracingConfig `koanf:"tracing"`
	Log     LogConfig     `koanf:"log"`
	Sentry  SentryConfig  `koanf:"sentry"`

	// File is the config file that was loaded, if any.
	File string `koanf:"-"`
}

// Defaults returns the built-in configuration values keyed by koanf path.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"api.retry_max":            3,
		"api.retry_wait_min":       "200ms",
		"api.retry_wait_max":       "2s",
		"api.timeout":              "0s",
		"api.max_concurrent":       16,
		"api.failure_threshold":    10,
		"api.reset_timeout":        "30s",
		"auth.jwt_ttl":             "15m",
		"nats.name":                "livebind",
		"nats.subject_prefix":      "doc_datasets",
		"nats.max_reconnects":      -1,
		"nats.reconnect_wait":      "2s",
		"nats.timeout":             "5s",
		"view.barrier_debounce":    "150ms",
		"view.connection_debounce": "300ms",
		"view.reveal_timeout":      "0s",
		"blob.container":           "livebind",
		"blob.offload_threshold":   768 * 1024,
		"tracing.endpoint":         "127.0.0.1:4318",
		"tracing.protocol":         "http",
		"tracing.insecure":         true,
		"tracing.sample_ratio":     1.0,
		"tracing.environment":      "development",
		"log.level":                "info",
		"log.format":               "console",
	}
}

// FlagKeys maps CLI flag names to configuration keys. Flags not listed here
// are command options and are not loaded.
var FlagKeys = map[string]string{
	"api-url":        "api.base_url",
	"token":          "auth.token",
	"nats-url":       "nats.url",
	"subject-prefix": "nats.subject_prefix",
	"doc":            "view.doc_id",
	"reveal-timeout": "view.reveal_timeout",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"trace":          "tracing.enabled",
	"sentry-dsn":     "sentry.dsn",
}

// Load reads configuration. cfgFile may be empty, in which case DefaultFile is
// used if present. flags may be nil.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if cfgFile == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			cfgFile = DefaultFile
		}
	}
	if cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", cfgFile, err)
		}
	}

	// LIVEBIND_NATS__URL -> nats.url
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := FlagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.File = cfgFile

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be corrected silently.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log.format %q", c.Log.Format)
	}
	switch c.Tracing.Protocol {
	case "http", "grpc":
	default:
		return fmt.Errorf("invalid tracing.protocol %q", c.Tracing.Protocol)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	if c.API.MaxConcurrent < 0 {
		return fmt.Errorf("api.max_concurrent cannot be negative")
	}
	for name, d := range map[string]time.Duration{
		"view.barrier_debounce":    c.View.BarrierDebounce,
		"view.connection_debounce": c.View.ConnectionDebounce,
		"view.reveal_timeout":      c.View.RevealTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}
	return nil
}

// TokenSource builds the bearer token source for the REST API.
func (c *Config) TokenSource() (auth.TokenSource, error) {
	if c.Auth.JWTSecret != "" {
		return auth.NewJWTSource(auth.JWTConfig{
			Secret:   []byte(c.Auth.JWTSecret),
			Subject:  c.Auth.JWTSubject,
			Issuer:   c.Auth.JWTIssuer,
			Audience: c.Auth.JWTAudience,
			TTL:      c.Auth.JWTTTL,
		})
	}
	if c.Auth.Token != "" {
		return auth.StaticToken(c.Auth.Token), nil
	}
	return nil, fmt.Errorf("no credentials: set auth.token or auth.jwt_secret")
}
