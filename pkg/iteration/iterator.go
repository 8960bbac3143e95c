package iteration

import (
	"context"
	"runtime"
	"sync"

	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
)

// Iterator handles batch iteration with configurable execution strategy
type Iterator struct {
	config Config
}

// NewIterator creates a new iterator with given config
func NewIterator(config Config) *Iterator {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = runtime.NumCPU()
	}
	if config.Strategy == "" {
		config.Strategy = StrategySequential
	}
	return &Iterator{config: config}
}

// Strategy returns the configured strategy
func (it *Iterator) Strategy() Strategy {
	return it.config.Strategy
}

// Process runs fn for every item and returns the outputs in input order.
// The first error stops the batch; it is returned as an *errors.ItemError carrying the item index.
func Process[T, R any](ctx context.Context, it *Iterator, items []T, fn ProcessFunc[T, R]) ([]R, error) {
	if len(items) == 0 {
		return []R{}, nil
	}

	if it.config.Strategy == StrategyParallel && it.config.MaxConcurrent > 1 && len(items) > 1 {
		return processParallel(ctx, it.config.MaxConcurrent, items, fn)
	}
	return processSequential(ctx, items, fn)
}

// processSequential processes items one by one (fail-fast)
func processSequential[T, R any](ctx context.Context, items []T, fn ProcessFunc[T, R]) ([]R, error) {
	results := make([]R, len(items))

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		output, err := fn(ctx, item, i)
		if err != nil {
			return nil, sdkerrors.NewItemError(i, err)
		}
		results[i] = output
	}

	return results, nil
}

// processParallel processes items with a bounded worker pool (fail-fast).
// Results are written by index so the output order matches the input order.
func processParallel[T, R any](ctx context.Context, maxConcurrent int, items []T, fn ProcessFunc[T, R]) ([]R, error) {
	numItems := len(items)
	results := make([]R, numItems)

	numWorkers := min(maxConcurrent, numItems)

	workCh := make(chan int, numItems)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstError error
	done := make([]bool, numItems)

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workCh {
				if ctx.Err() != nil {
					return
				}
				output, err := fn(ctx, items[idx], idx)

				mu.Lock()
				if err != nil {
					if firstError == nil {
						firstError = sdkerrors.NewItemError(idx, err)
						cancel() // Signal other workers to stop
					}
				} else {
					results[idx] = output
					done[idx] = true
				}
				mu.Unlock()
			}
		}()
	}

sendLoop:
	for i := 0; i < numItems; i++ {
		select {
		case <-ctx.Done():
			break sendLoop
		case workCh <- i:
		}
	}
	close(workCh)

	wg.Wait()

	if firstError != nil {
		return nil, firstError
	}
	for _, ok := range done {
		if !ok {
			// Cancelled by the caller before every item ran
			return nil, context.Cause(ctx)
		}
	}

	return results, nil
}
