// Package config loads connector settings from defaults, an optional YAML
// file and YEPCODE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/yepcode-connector/pkg/auth"
	"github.com/wehubfusion/yepcode-connector/pkg/credentials"
)

// Exchanger names
const (
	ExchangerAPIToken     = "api-token"
	ExchangerClientSecret = "client-secret"
)

// Token cache backends
const (
	CacheOff    = "off"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config is the complete connector configuration
type Config struct {
	YepCode YepCodeConfig `yaml:"yepcode"`
	Auth    AuthConfig    `yaml:"auth"`
	Cache   CacheConfig   `yaml:"cache"`
	NATS    NATSConfig    `yaml:"nats"`
	Storage StorageConfig `yaml:"storage"`
	Tracing TracingConfig `yaml:"tracing"`
	Sentry  SentryConfig  `yaml:"sentry"`
	Log     LogConfig     `yaml:"log"`
}

// YepCodeConfig holds the credential and HTTP settings
type YepCodeConfig struct {
	APIToken string        `yaml:"apiToken"`
	APIHost  string        `yaml:"apiHost"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AuthConfig selects the authentication strategy and exchange flavour
type AuthConfig struct {
	// Mode is auto, tenant or api-key
	Mode string `yaml:"mode"`

	// Exchanger is api-token (x-api-token header) or client-secret (Basic, via x/oauth2)
	Exchanger string `yaml:"exchanger"`
}

// CacheConfig configures the opt-in access token cache
type CacheConfig struct {
	Backend       string        `yaml:"backend"`
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDb"`
	Prefix        string        `yaml:"prefix"`
	Skew          time.Duration `yaml:"skew"`
	FallbackTTL   time.Duration `yaml:"fallbackTtl"`
}

// NATSConfig configures the JetStream worker
type NATSConfig struct {
	URL            string        `yaml:"url"`
	Stream         string        `yaml:"stream"`
	Consumer       string        `yaml:"consumer"`
	BatchSize      int           `yaml:"batchSize"`
	ProcessTimeout time.Duration `yaml:"processTimeout"`
	ResultStream   string        `yaml:"resultStream"`
	ResultSubject  string        `yaml:"resultSubject"`
	MaxDeliver     int           `yaml:"maxDeliver"`
	Token          string        `yaml:"token"`
	Credentials    string        `yaml:"credentials"`
}

// StorageConfig configures large result offload; empty disables it
type StorageConfig struct {
	ConnectionString string `yaml:"connectionString"`
	Container        string `yaml:"container"`
}

// TracingConfig configures OTLP export; an empty endpoint disables tracing
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

// SentryConfig configures failure reporting; an empty DSN disables it
type SentryConfig struct {
	DSN string `yaml:"dsn"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	Environment string `yaml:"environment"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		YepCode: YepCodeConfig{
			APIHost: credentials.DefaultAPIHost,
			Timeout: 5 * time.Minute,
		},
		Auth: AuthConfig{
			Mode:      string(auth.ModeAuto),
			Exchanger: ExchangerAPIToken,
		},
		Cache: CacheConfig{
			Backend:     CacheOff,
			Prefix:      "yepcode:token:",
			Skew:        auth.DefaultCacheOptions().Skew,
			FallbackTTL: auth.DefaultCacheOptions().FallbackTTL,
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			Stream:         "YEPCODE_REQUESTS",
			Consumer:       "yepcode-worker",
			BatchSize:      10,
			ProcessTimeout: 10 * time.Minute,
			ResultStream:   "YEPCODE_RESULTS",
			ResultSubject:  "yepcode.result",
			MaxDeliver:     5,
		},
		Storage: StorageConfig{
			Container: "yepcode-results",
		},
		Tracing: TracingConfig{
			SampleRatio: 1.0,
		},
		Log: LogConfig{
			Level:       "info",
			Environment: "production",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if any) and the environment
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.YepCode.APIToken = getEnv("YEPCODE_API_TOKEN", c.YepCode.APIToken)
	c.YepCode.APIHost = getEnv("YEPCODE_API_HOST", c.YepCode.APIHost)
	c.YepCode.Timeout = getEnvDuration("YEPCODE_TIMEOUT", c.YepCode.Timeout)

	c.Auth.Mode = getEnv("YEPCODE_AUTH_MODE", c.Auth.Mode)
	c.Auth.Exchanger = getEnv("YEPCODE_EXCHANGER", c.Auth.Exchanger)

	c.Cache.Backend = getEnv("YEPCODE_TOKEN_CACHE", c.Cache.Backend)
	c.Cache.RedisAddr = getEnv("YEPCODE_REDIS_ADDR", c.Cache.RedisAddr)
	c.Cache.RedisPassword = getEnv("YEPCODE_REDIS_PASSWORD", c.Cache.RedisPassword)
	c.Cache.RedisDB = getEnvInt("YEPCODE_REDIS_DB", c.Cache.RedisDB)

	c.NATS.URL = getEnv("YEPCODE_NATS_URL", c.NATS.URL)
	c.NATS.Stream = getEnv("YEPCODE_NATS_STREAM", c.NATS.Stream)
	c.NATS.Consumer = getEnv("YEPCODE_NATS_CONSUMER", c.NATS.Consumer)
	c.NATS.BatchSize = getEnvInt("YEPCODE_BATCH_SIZE", c.NATS.BatchSize)
	c.NATS.ProcessTimeout = getEnvDuration("YEPCODE_PROCESS_TIMEOUT", c.NATS.ProcessTimeout)
	c.NATS.MaxDeliver = getEnvInt("YEPCODE_MAX_DELIVER", c.NATS.MaxDeliver)
	c.NATS.Token = getEnv("YEPCODE_NATS_TOKEN", c.NATS.Token)
	c.NATS.Credentials = getEnv("YEPCODE_NATS_CREDS", c.NATS.Credentials)

	c.Storage.ConnectionString = getEnv("YEPCODE_AZURE_STORAGE_CONNECTION_STRING", c.Storage.ConnectionString)
	c.Storage.Container = getEnv("YEPCODE_AZURE_CONTAINER", c.Storage.Container)

	c.Tracing.Endpoint = getEnv("YEPCODE_OTLP_ENDPOINT", c.Tracing.Endpoint)
	c.Tracing.SampleRatio = getEnvFloat("YEPCODE_TRACE_SAMPLE_RATIO", c.Tracing.SampleRatio)

	c.Sentry.DSN = getEnv("YEPCODE_SENTRY_DSN", c.Sentry.DSN)

	c.Log.Level = getEnv("YEPCODE_LOG_LEVEL", c.Log.Level)
	c.Log.Environment = getEnv("YEPCODE_ENVIRONMENT", c.Log.Environment)
}

// Validate rejects settings that cannot work together
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.YepCode.APIToken) == "" {
		errs = append(errs, errors.New("yepcode.apiToken is required"))
	}
	if c.YepCode.Timeout <= 0 {
		errs = append(errs, errors.New("yepcode.timeout must be positive"))
	}
	if _, err := auth.ParseMode(c.Auth.Mode); err != nil {
		errs = append(errs, err)
	}
	switch c.Auth.Exchanger {
	case ExchangerAPIToken, ExchangerClientSecret:
	default:
		errs = append(errs, fmt.Errorf("unknown exchanger %q", c.Auth.Exchanger))
	}

	switch c.Cache.Backend {
	case "", CacheOff, CacheMemory:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache.redisAddr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown token cache backend %q", c.Cache.Backend))
	}

	if c.NATS.BatchSize <= 0 {
		errs = append(errs, errors.New("nats.batchSize must be positive"))
	}
	if c.NATS.ProcessTimeout <= 0 {
		errs = append(errs, errors.New("nats.processTimeout must be positive"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sampleRatio must be between 0 and 1"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Logger builds the zap logger described by c.Log
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("environment", c.Log.Environment)), nil
}

// getEnv retrieves a string from environment variable with default fallback
func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
