package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/yepcode-connector/pkg/credentials"
	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
	"github.com/wehubfusion/yepcode-connector/pkg/execution"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, credentials.DefaultAPIHost, cfg.YepCode.APIHost)
	assert.Equal(t, "auto", cfg.Auth.Mode)
	assert.Equal(t, ExchangerAPIToken, cfg.Auth.Exchanger)
	assert.Equal(t, CacheOff, cfg.Cache.Backend)
	assert.Equal(t, "YEPCODE_REQUESTS", cfg.NATS.Stream)
	assert.Equal(t, 10, cfg.NATS.BatchSize)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
yepcode:
  apiToken: from-file
  apiHost: https://yepcode.example
  timeout: 30s
auth:
  mode: tenant
  exchanger: client-secret
cache:
  backend: memory
nats:
  batchSize: 3
  processTimeout: 2m
log:
  level: debug
`)
	t.Setenv("YEPCODE_API_TOKEN", "from-env")
	t.Setenv("YEPCODE_BATCH_SIZE", "7")
	t.Setenv("YEPCODE_TRACE_SAMPLE_RATIO", "0.25")
	t.Setenv("YEPCODE_REDIS_DB", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.YepCode.APIToken)
	assert.Equal(t, "https://yepcode.example", cfg.YepCode.APIHost)
	assert.Equal(t, 30*time.Second, cfg.YepCode.Timeout)
	assert.Equal(t, "tenant", cfg.Auth.Mode)
	assert.Equal(t, ExchangerClientSecret, cfg.Auth.Exchanger)
	assert.Equal(t, CacheMemory, cfg.Cache.Backend)
	assert.Equal(t, 7, cfg.NATS.BatchSize)
	assert.Equal(t, 2*time.Minute, cfg.NATS.ProcessTimeout)
	assert.Equal(t, 0.25, cfg.Tracing.SampleRatio)
	assert.Equal(t, 0, cfg.Cache.RedisDB)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "yepcode: [not a map"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing token", func(c *Config) { c.YepCode.APIToken = " " }, "apiToken is required"},
		{"bad timeout", func(c *Config) { c.YepCode.Timeout = 0 }, "timeout must be positive"},
		{"bad mode", func(c *Config) { c.Auth.Mode = "magic" }, "unknown auth mode"},
		{"bad exchanger", func(c *Config) { c.Auth.Exchanger = "jwt" }, "unknown exchanger"},
		{"redis without addr", func(c *Config) { c.Cache.Backend = CacheRedis }, "redisAddr is required"},
		{"bad cache", func(c *Config) { c.Cache.Backend = "disk" }, "unknown token cache backend"},
		{"bad batch", func(c *Config) { c.NATS.BatchSize = 0 }, "batchSize must be positive"},
		{"bad process timeout", func(c *Config) { c.NATS.ProcessTimeout = -time.Second }, "processTimeout must be positive"},
		{"bad ratio", func(c *Config) { c.Tracing.SampleRatio = 2 }, "sampleRatio"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "loud"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.YepCode.APIToken = "token"
			require.NoError(t, cfg.Validate())

			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "warn"
	logger, err := cfg.Logger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))

	cfg.Log.Level = "nope"
	_, err = cfg.Logger()
	assert.Error(t, err)
}

func TestBuild_RejectsInvalidConfig(t *testing.T) {
	_, err := Default().Build(zap.NewNop())
	assert.Error(t, err)
}

func TestBuild_TenantWithRedisCache(t *testing.T) {
	var exchanges atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/acme/rest/auth/token":
			exchanges.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"bearer","expires_in":3600}`))
		case "/api/acme/rest/processes":
			if r.Header.Get("Authorization") != "Bearer tok-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":[{"id":"p1","name":"Invoice sync"}]}`))
		case "/run/whoami":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"token":"` + r.Header.Get("x-api-token") + `"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)

	cfg := Default()
	cfg.YepCode.APIToken = credentials.Compose("sa-acme-abcd1234", "s3cret")
	cfg.YepCode.APIHost = srv.URL
	cfg.Cache.Backend = CacheRedis
	cfg.Cache.RedisAddr = mr.Addr()

	stack, err := cfg.Build(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = stack.Close() })

	assert.Equal(t, "tenant", stack.Strategy.Name())
	require.NotNil(t, stack.Engine)
	require.NotNil(t, stack.Limiter)

	ctx := context.Background()
	for range 2 {
		processes, err := stack.Client.ListProcesses(ctx)
		require.NoError(t, err)
		require.Len(t, processes, 1)
		assert.Equal(t, "p1", processes[0].ID)
	}
	assert.Equal(t, int32(1), exchanges.Load())
	assert.Len(t, mr.Keys(), 1)

	me, err := stack.Client.WhoAmI(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.YepCode.APIToken, me["token"])
}

func TestBuild_APIKeyForFlatSecret(t *testing.T) {
	cfg := Default()
	cfg.YepCode.APIToken = "flat-secret"

	stack, err := cfg.Build(nil)
	require.NoError(t, err)
	assert.Equal(t, "api-key", stack.Strategy.Name())
	assert.NoError(t, stack.Close())
}

func TestBuild_MalformedCompositeTokenFailsWithoutNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	cfg := Default()
	cfg.YepCode.APIToken = credentials.Compose("bad-client-id", "secret")
	cfg.YepCode.APIHost = srv.URL

	stack, err := cfg.Build(zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = stack.Close() })
	assert.Equal(t, "tenant", stack.Strategy.Name())

	items := []execution.Item{{JSON: map[string]any{"n": 1}}, {JSON: map[string]any{"n": 2}}}
	results, err := stack.Engine.RunProcess(context.Background(), items, execution.ProcessConfig{
		Options:   execution.Options{Mode: execution.ModeEachItem, ContinueOnFail: true},
		ProcessID: "p1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidClientIDFormat)
	assert.Nil(t, results)
	assert.Equal(t, int32(0), hits.Load())
}
