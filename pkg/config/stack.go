package config

import (
	"errors"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wehubfusion/yepcode-connector/pkg/auth"
	"github.com/wehubfusion/yepcode-connector/pkg/concurrency"
	"github.com/wehubfusion/yepcode-connector/pkg/credentials"
	"github.com/wehubfusion/yepcode-connector/pkg/execution"
	"github.com/wehubfusion/yepcode-connector/pkg/iteration"
	"github.com/wehubfusion/yepcode-connector/pkg/transport"
	"github.com/wehubfusion/yepcode-connector/pkg/yepcode"
)

// Stack is the assembled remote client and engine
type Stack struct {
	Client      *yepcode.Client
	Engine      *execution.Engine
	Strategy    auth.Strategy
	Concurrency *concurrency.Config
	Limiter     *concurrency.Limiter

	closers []func() error
}

// Close releases connections opened by Build
func (s *Stack) Close() error {
	var errs []error
	for _, closeFn := range s.closers {
		errs = append(errs, closeFn())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Credential returns the configured credential
func (c *Config) Credential() credentials.Credential {
	return credentials.Credential{APIToken: c.YepCode.APIToken, APIHost: c.YepCode.APIHost}
}

// Build wires credential, exchanger, cache, dispatchers, client and engine.
//
// Tenant-scoped calls go through the selected strategy. Ad-hoc runs and the
// credential test always go through an api-key dispatcher at the host root.
func (c *Config) Build(logger *zap.Logger) (*Stack, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	stack := &Stack{}
	httpClient := &http.Client{Timeout: c.YepCode.Timeout}

	exchanger, err := c.exchanger(httpClient, logger, stack)
	if err != nil {
		return nil, err
	}

	mode, _ := auth.ParseMode(c.Auth.Mode)
	cred := c.Credential()
	strategy, err := auth.SelectStrategy(cred, mode, exchanger, logger)
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	stack.Strategy = strategy

	stack.Concurrency = concurrency.LoadConfig()
	stack.Limiter = stack.Concurrency.NewLimiter(logger)

	opts := transport.Options{
		HTTPClient: httpClient,
		Limiter:    stack.Limiter,
		Logger:     logger,
	}
	api := transport.NewDispatcher(strategy, opts)
	sandbox := transport.NewDispatcher(auth.NewAPIKeyStrategy(cred), opts)

	stack.Client = yepcode.NewClient(api, yepcode.WithSandbox(sandbox), yepcode.WithLogger(logger))
	stack.Engine = execution.NewEngine(stack.Client,
		execution.WithLogger(logger),
		execution.WithDefaultStrategy(iteration.Strategy(stack.Concurrency.IteratorMode)))

	logger.Info("YepCode client configured",
		zap.String("apiHost", cred.Host()),
		zap.String("authMode", strategy.Name()),
		zap.String("exchanger", c.Auth.Exchanger),
		zap.String("tokenCache", c.Cache.Backend),
		zap.String("concurrency", stack.Concurrency.String()))

	return stack, nil
}

func (c *Config) exchanger(httpClient *http.Client, logger *zap.Logger, stack *Stack) (auth.Exchanger, error) {
	var exchanger auth.Exchanger
	if c.Auth.Exchanger == ExchangerClientSecret {
		exchanger = auth.NewClientSecretExchanger(httpClient, logger)
	} else {
		exchanger = auth.NewAPITokenExchanger(httpClient, logger)
	}

	var cache auth.TokenCache
	switch c.Cache.Backend {
	case CacheMemory:
		cache = auth.NewMemoryCache()
	case CacheRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.Cache.RedisAddr,
			Password: c.Cache.RedisPassword,
			DB:       c.Cache.RedisDB,
		})
		stack.closers = append(stack.closers, rdb.Close)
		cache = auth.NewRedisCache(rdb, c.Cache.Prefix)
	default:
		return exchanger, nil
	}

	return auth.NewCachingExchanger(exchanger, cache, auth.CacheOptions{
		Skew:        c.Cache.Skew,
		FallbackTTL: c.Cache.FallbackTTL,
	}, logger), nil
}
