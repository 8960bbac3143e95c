package iteration

import "context"

// Strategy defines how batch items are dispatched
type Strategy string

const (
	StrategySequential Strategy = "sequential" // Process items one by one
	StrategyParallel   Strategy = "parallel"   // Process items concurrently
)

// ParseStrategy maps a configured name to a Strategy; unknown names fall back to sequential
func ParseStrategy(s string) Strategy {
	if Strategy(s) == StrategyParallel {
		return StrategyParallel
	}
	return StrategySequential
}

// Config holds configuration for batch iteration
type Config struct {
	Strategy      Strategy // sequential or parallel
	MaxConcurrent int      // Max concurrent workers (0 = runtime.NumCPU())
}

// ProcessFunc is called once per item with the item's position in the batch
type ProcessFunc[T, R any] func(ctx context.Context, item T, index int) (R, error)
