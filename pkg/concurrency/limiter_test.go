package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
)

func TestLimiter_BoundsConcurrency(t *testing.T) {
	limiter := NewLimiter(3)

	var current, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Acquire(context.Background()); err != nil {
				return
			}
			defer limiter.Release()

			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			limiter.Record(nil)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, int64(3))
	stats := limiter.Stats()
	assert.EqualValues(t, 12, stats.Acquired)
	assert.EqualValues(t, 12, stats.Released)
	assert.LessOrEqual(t, stats.Peak, int64(3))
	assert.GreaterOrEqual(t, stats.AverageWait(), time.Duration(0))
	assert.EqualValues(t, 0, limiter.Active())
}

func TestLimiter_AcquireHonoursContext(t *testing.T) {
	limiter := NewLimiter(1)
	require.NoError(t, limiter.Acquire(context.Background()))
	defer limiter.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := limiter.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiter_OpenCircuitRejectsCalls(t *testing.T) {
	limiter := NewLimiterWithCircuitBreaker(2, NewCircuitBreaker(2, time.Minute))

	for i := 0; i < 2; i++ {
		require.NoError(t, limiter.Acquire(context.Background()))
		limiter.Record(errors.New("upstream down"))
		limiter.Release()
	}

	err := limiter.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerrors.ErrCircuitOpen)
	assert.True(t, sdkerrors.IsRetryable(err))
	assert.Equal(t, "open", limiter.BreakerState())
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(1, time.Minute)
	cb.now = func() time.Time { return now }

	var transitions []string
	cb.OnStateChange(func(from, to BreakerState) {
		transitions = append(transitions, from.String()+">"+to.String())
	})

	cb.RecordFailure()
	assert.False(t, cb.Allow())

	now = now.Add(time.Minute)
	assert.True(t, cb.Allow())
	assert.Equal(t, BreakerHalfOpen, cb.State())

	for i := 0; i < probesToClose; i++ {
		cb.RecordSuccess()
	}
	assert.Equal(t, BreakerClosed, cb.State())
	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(3, time.Second)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, BreakerClosed, cb.State())
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, BreakerClosed, cb.State(), "success resets the failure run")
	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())

	now = now.Add(2 * time.Second)
	require.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("YEPCODE_MAX_CONCURRENT", "7")
	t.Setenv("YEPCODE_RUNNER_WORKERS", "3")
	t.Setenv("YEPCODE_ITERATOR_MODE", "PARALLEL")
	t.Setenv("YEPCODE_BREAKER_THRESHOLD", "5")

	config := LoadConfig()
	assert.Equal(t, 7, config.MaxConcurrent)
	assert.Equal(t, ConfigSourceEnvVar, config.Source)
	assert.Equal(t, 3, config.RunnerWorkers)
	assert.Equal(t, IteratorModeParallel, config.IteratorMode)
	assert.Equal(t, 5, config.BreakerThreshold)
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("YEPCODE_MAX_CONCURRENT", "")
	t.Setenv("YEPCODE_CONCURRENCY_MULTIPLIER", "")
	t.Setenv("YEPCODE_ITERATOR_MODE", "sideways")

	config := LoadConfig()
	assert.GreaterOrEqual(t, config.MaxConcurrent, 1)
	assert.Equal(t, ConfigSourceAutoDetect, config.Source)
	assert.Equal(t, IteratorModeSequential, config.IteratorMode)
	assert.NotNil(t, config.NewLimiter(nil))
}
