package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// IteratorMode defines how the items of a batch are dispatched
type IteratorMode string

const (
	IteratorModeParallel   IteratorMode = "parallel"
	IteratorModeSequential IteratorMode = "sequential"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Config holds concurrency configuration parameters
type Config struct {
	// MaxConcurrent bounds in-flight calls to the remote platform
	MaxConcurrent int

	// RunnerWorkers is the number of NATS messages processed at once
	RunnerWorkers int

	IteratorMode  IteratorMode
	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int

	// BreakerThreshold is the number of consecutive failed calls that opens the circuit
	BreakerThreshold int
}

// LoadConfig sizes the worker from the environment. Explicit YEPCODE_*
// variables win over values derived from the CPU count.
func LoadConfig() *Config {
	c := &Config{
		IsKubernetes:     os.Getenv("KUBERNETES_SERVICE_HOST") != "",
		EffectiveCPUs:    runtime.GOMAXPROCS(0), // cgroup aware once automaxprocs has run
		Source:           ConfigSourceAutoDetect,
		IteratorMode:     IteratorModeSequential,
		BreakerThreshold: 100,
	}

	// Remote calls are I/O bound, so the call limit runs well above the CPU count
	perCPU, minWorkers := 4, 8
	if c.IsKubernetes {
		perCPU, minWorkers = 2, 4
	}
	c.MaxConcurrent = c.EffectiveCPUs * perCPU
	c.RunnerWorkers = max(c.EffectiveCPUs*perCPU/2, minWorkers)

	if n := envInt("YEPCODE_MAX_CONCURRENT"); n > 0 {
		c.MaxConcurrent, c.Source = n, ConfigSourceEnvVar
	} else if m := envInt("YEPCODE_CONCURRENCY_MULTIPLIER"); m > 0 {
		c.MaxConcurrent, c.Source = c.EffectiveCPUs*m, ConfigSourceEnvVar
	}
	c.MaxConcurrent = max(c.MaxConcurrent, 1)

	if n := envInt("YEPCODE_RUNNER_WORKERS"); n > 0 {
		c.RunnerWorkers = n
	}
	if IteratorMode(strings.ToLower(os.Getenv("YEPCODE_ITERATOR_MODE"))) == IteratorModeParallel {
		c.IteratorMode = IteratorModeParallel
	}
	if n := envInt("YEPCODE_BREAKER_THRESHOLD"); n > 0 {
		c.BreakerThreshold = n
	}
	return c
}

// envInt returns the integer value of key, or 0 when unset or malformed
func envInt(key string) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return n
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxConcurrent: %d, RunnerWorkers: %d, IteratorMode: %s, BreakerThreshold: %d, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxConcurrent,
		c.RunnerWorkers,
		c.IteratorMode,
		c.BreakerThreshold,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}

// NewLimiter builds the outbound call limiter described by c and logs breaker transitions
func (c *Config) NewLimiter(logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker(c.BreakerThreshold, 30*time.Second)
	cb.OnStateChange(func(from, to BreakerState) {
		logger.Warn("Circuit breaker state changed",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.Int("threshold", c.BreakerThreshold))
	})
	return NewLimiterWithCircuitBreaker(c.MaxConcurrent, cb)
}
