package execution

import (
	"context"
	"fmt"
	"maps"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
	"github.com/wehubfusion/yepcode-connector/pkg/iteration"
	"github.com/wehubfusion/yepcode-connector/pkg/sanitize"
	"github.com/wehubfusion/yepcode-connector/pkg/script"
	"github.com/wehubfusion/yepcode-connector/pkg/yepcode"
)

// Executor is the remote surface the engine drives; *yepcode.Client implements it
type Executor interface {
	ExecuteProcessSync(ctx context.Context, processID string, parameters map[string]any, opts yepcode.ExecuteOptions) (any, bool, error)
	ExecuteProcessAsync(ctx context.Context, processID string, parameters map[string]any, opts yepcode.ExecuteOptions) (*yepcode.ExecutionRef, error)
	RunCode(ctx context.Context, code string, opts yepcode.RunOptions) (*yepcode.Execution, error)
	GetProcess(ctx context.Context, processID string) (*yepcode.Process, error)
}

// Engine executes batches. It holds no per-batch state and is safe for concurrent use.
type Engine struct {
	executor Executor
	logger   *zap.Logger
	tracer   trace.Tracer
	strategy iteration.Strategy
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer sets the engine tracer
func WithTracer(tracer trace.Tracer) EngineOption {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithDefaultStrategy sets how per-item batches are dispatched when a run does not choose
func WithDefaultStrategy(s iteration.Strategy) EngineOption {
	return func(e *Engine) {
		e.strategy = iteration.ParseStrategy(string(s))
	}
}

// NewEngine creates an engine over executor
func NewEngine(executor Executor, opts ...EngineOption) *Engine {
	e := &Engine{
		executor: executor,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("yepcode-connector/execution"),
		strategy: iteration.StrategySequential,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// unitFunc performs the remote call for one unit of work: the whole batch or a single item
type unitFunc func(ctx context.Context, items []Item, index int) ([]Result, error)

// RunProcess executes a process for items according to cfg.Mode
func (e *Engine) RunProcess(ctx context.Context, items []Item, cfg ProcessConfig) ([]Result, error) {
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}

	staticParams, staticErr := staticParameters(cfg)
	schema := &schemaLoader{executor: e.executor, processID: cfg.ProcessID}

	execOpts := yepcode.ExecuteOptions{
		Version:     cfg.Version,
		Comment:     cfg.Comment,
		InitiatedBy: cfg.InitiatedBy,
	}

	unit := func(ctx context.Context, unitItems []Item, index int) ([]Result, error) {
		if staticErr != nil {
			return nil, staticErr
		}

		params := maps.Clone(staticParams)
		if cfg.ParameterResolver != nil && len(unitItems) > 0 {
			resolved, err := cfg.ParameterResolver(unitItems[0], index)
			if err != nil {
				return nil, &sdkerrors.PayloadError{Reason: "resolve parameters", Err: err}
			}
			maps.Copy(params, resolved)
		}

		if cfg.ValidateParameters {
			if err := schema.validate(ctx, params); err != nil {
				return nil, err
			}
		}

		if cfg.addContext() {
			e.attachContext(params, unitItems, cfg.HostContext, index)
		}

		if !cfg.synchronous() {
			ref, err := e.executor.ExecuteProcessAsync(ctx, cfg.ProcessID, params, execOpts)
			if err != nil {
				return nil, err
			}
			return []Result{{JSON: map[string]any{
				"executionId": ref.ExecutionID,
				"processId":   ref.ProcessID,
				"status":      ref.Status,
				"synchronous": false,
			}}}, nil
		}

		out, ok, err := e.executor.ExecuteProcessSync(ctx, cfg.ProcessID, params, execOpts)
		if err != nil {
			return nil, err
		}
		if !ok {
			return []Result{}, nil
		}
		return []Result{toResult(out)}, nil
	}

	attrs := []attribute.KeyValue{
		attribute.String("yepcode.operation", "run_process"),
		attribute.String("yepcode.process_id", cfg.ProcessID),
		attribute.Bool("yepcode.synchronous", cfg.synchronous()),
	}
	return e.run(ctx, "yepcode.run_process", items, cfg.Options, attrs, unit)
}

// RunCode submits cfg.Code for items according to cfg.Mode
func (e *Engine) RunCode(ctx context.Context, items []Item, cfg CodeConfig) ([]Result, error) {
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}

	language, precheckErr := yepcode.ParseLanguage(cfg.Language)
	if precheckErr == nil && cfg.SyntaxCheck && language == yepcode.LanguageJavaScript {
		precheckErr = script.Check(cfg.Code)
	}

	unit := func(ctx context.Context, unitItems []Item, index int) ([]Result, error) {
		if precheckErr != nil {
			return nil, precheckErr
		}

		opts := yepcode.RunOptions{
			Language:     language,
			RemoveOnDone: cfg.RemoveOnDone,
			InitiatedBy:  cfg.InitiatedBy,
			Comment:      cfg.Comment,
		}
		if cfg.addContext() {
			opts.Parameters = map[string]any{}
			e.attachContext(opts.Parameters, unitItems, cfg.HostContext, index)
		}

		execution, err := e.executor.RunCode(ctx, cfg.Code, opts)
		if err != nil {
			return nil, err
		}
		return []Result{{JSON: execution.Fields()}}, nil
	}

	attrs := []attribute.KeyValue{
		attribute.String("yepcode.operation", "run_code"),
		attribute.String("yepcode.language", string(language)),
	}
	return e.run(ctx, "yepcode.run_code", items, cfg.Options, attrs, unit)
}

func (e *Engine) run(ctx context.Context, spanName string, items []Item, opts Options, attrs []attribute.KeyValue, unit unitFunc) ([]Result, error) {
	mode, _ := ParseMode(string(opts.Mode))
	batchID := uuid.NewString()

	ctx, span := e.tracer.Start(ctx, spanName, trace.WithAttributes(append(attrs,
		attribute.String("yepcode.batch_id", batchID),
		attribute.String("yepcode.mode", string(mode)),
		attribute.Int("yepcode.item_count", len(items)),
		attribute.Bool("yepcode.continue_on_fail", opts.ContinueOnFail),
	)...))
	defer span.End()

	logger := e.logger.With(zap.String("batchId", batchID), zap.String("mode", string(mode)))
	logger.Debug("Batch started", zap.Int("items", len(items)))

	var (
		results []Result
		err     error
	)
	if mode == ModeAllItems {
		results, err = e.runAll(ctx, items, opts, unit, logger)
	} else {
		results, err = e.runEach(ctx, items, opts, unit, logger)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("Batch failed", zap.Error(err), zap.String("errorCode", sdkerrors.Categorize(err)))
		return nil, err
	}

	span.SetAttributes(attribute.Int("yepcode.result_count", len(results)))
	logger.Debug("Batch completed", zap.Int("results", len(results)))
	return results, nil
}

func (e *Engine) runAll(ctx context.Context, items []Item, opts Options, unit unitFunc, logger *zap.Logger) ([]Result, error) {
	if items == nil {
		items = []Item{}
	}
	results, err := unit(ctx, items, 0)
	if err == nil {
		return results, nil
	}

	if !opts.ContinueOnFail || sdkerrors.IsFatal(err) || ctx.Err() != nil {
		return nil, fmt.Errorf("batch execution failed: %w", err)
	}

	logger.Warn("Batch call failed, continuing", zap.Error(err))
	return []Result{{JSON: map[string]any{"error": err.Error()}}}, nil
}

func (e *Engine) runEach(ctx context.Context, items []Item, opts Options, unit unitFunc, logger *zap.Logger) ([]Result, error) {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = e.strategy
	}
	it := iteration.NewIterator(iteration.Config{
		Strategy:      strategy,
		MaxConcurrent: opts.MaxConcurrent,
	})

	perItem, err := iteration.Process(ctx, it, items, func(ctx context.Context, item Item, index int) ([]Result, error) {
		results, err := unit(ctx, []Item{item}, index)
		if err != nil {
			if !opts.ContinueOnFail || sdkerrors.IsFatal(err) || ctx.Err() != nil {
				return nil, err
			}
			logger.Warn("Item call failed, continuing", zap.Int("itemIndex", index), zap.Error(err))
			return []Result{{
				JSON:       map[string]any{"error": err.Error()},
				PairedItem: &PairedItem{Item: index},
			}}, nil
		}

		for i := range results {
			results[i].PairedItem = &PairedItem{Item: index}
		}
		return results, nil
	})
	if err != nil {
		return nil, err
	}

	flat := make([]Result, 0, len(items))
	for _, results := range perItem {
		flat = append(flat, results...)
	}
	return flat, nil
}

// attachContext writes the sanitized host context under ContextKey. It is
// written last, so a user parameter with the same name is replaced.
func (e *Engine) attachContext(params map[string]any, items []Item, host HostContext, index int) {
	metadata := map[string]any{}
	if host != nil {
		metadata = sanitize.Sanitize(host.WorkflowData(index))
	}

	if _, exists := params[ContextKey]; exists {
		e.logger.Warn("Parameter collides with the host context key and is replaced",
			zap.String("key", ContextKey), zap.Int("itemIndex", index))
	}

	params[ContextKey] = map[string]any{
		"items":    items,
		"metadata": metadata,
	}
}

// staticParameters merges ParametersJSON and Parameters into a fresh map
func staticParameters(cfg ProcessConfig) (map[string]any, error) {
	params := map[string]any{}
	if cfg.ParametersJSON != "" {
		if err := json.Unmarshal([]byte(cfg.ParametersJSON), &params); err != nil {
			return nil, &sdkerrors.PayloadError{Reason: "parameters must be a JSON object", Err: err}
		}
		if params == nil {
			params = map[string]any{}
		}
	}
	maps.Copy(params, cfg.Parameters)
	return params, nil
}

// toResult maps a synchronous process output to a result.
// Non-object outputs are wrapped under "result".
func toResult(out any) Result {
	obj, ok := out.(map[string]any)
	if !ok {
		return Result{JSON: map[string]any{"result": out}}
	}
	result := Result{JSON: obj}
	if binary, ok := obj["binary"].(map[string]any); ok {
		result.Binary = binary
	}
	return result
}

// schemaLoader fetches the process parameters schema once per batch
type schemaLoader struct {
	executor  Executor
	processID string

	once   sync.Once
	schema map[string]any
	err    error
}

func (l *schemaLoader) validate(ctx context.Context, params map[string]any) error {
	l.once.Do(func() {
		process, err := l.executor.GetProcess(ctx, l.processID)
		if err != nil {
			l.err = err
			return
		}
		l.schema = process.ParametersSchema
	})
	if l.err != nil {
		return l.err
	}
	return yepcode.ValidateParameters(l.schema, params)
}
