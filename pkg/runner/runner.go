// Package runner pulls execution requests from a NATS JetStream consumer, hands
// them to a pool of workers and reports every outcome to the result subject.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/yepcode-connector/internal/tracing"
	"github.com/wehubfusion/yepcode-connector/pkg/client"
	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
	"github.com/wehubfusion/yepcode-connector/pkg/message"
	"github.com/wehubfusion/yepcode-connector/pkg/reporting"
)

const reportTimeout = 5 * time.Second

// TracingConfig configures span export for the worker
type TracingConfig = tracing.Config

// DefaultTracingConfig samples every request and exports to a local collector
func DefaultTracingConfig(serviceName string) TracingConfig {
	return tracing.DefaultConfig(serviceName)
}

// Processor handles one request message and returns the result envelope
type Processor interface {
	Process(ctx context.Context, msg *message.Message) (message.Message, error)
}

// Runner manages concurrent message processing from a NATS JetStream consumer.
// It pulls messages in batches and distributes them to worker goroutines, then
// publishes a success or failure result for each one.
type Runner struct {
	client         *client.Client
	processor      Processor
	stream         string
	consumer       string
	batchSize      int
	numWorkers     int
	logger         *zap.Logger
	processTimeout time.Duration
	tracer         trace.Tracer
	tracing        *tracing.Provider
	reporter       reporting.Reporter
	middleware     message.Middleware
}

// NewRunner creates a runner over a connected client.
// The stream and a durable consumer are created when missing.
// tracingConfig is optional; when set, tracing is configured here and shut down by Close.
func NewRunner(client *client.Client, processor Processor, stream, consumer string, batchSize int, numWorkers int, processTimeout time.Duration, logger *zap.Logger, tracingConfig *TracingConfig) (*Runner, error) {
	if client == nil {
		return nil, errors.New("client cannot be nil")
	}
	if processor == nil {
		return nil, errors.New("processor cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream name cannot be empty")
	}
	if consumer == "" {
		return nil, errors.New("consumer name cannot be empty")
	}
	if batchSize <= 0 {
		return nil, errors.New("batchSize must be greater than 0")
	}
	if numWorkers <= 0 {
		return nil, errors.New("numWorkers must be greater than 0")
	}
	if processTimeout <= 0 {
		return nil, errors.New("processTimeout must be greater than 0")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if client.Messages == nil {
		return nil, errors.New("client is not connected")
	}

	if err := client.Messages.EnsureStream(stream); err != nil {
		return nil, fmt.Errorf("failed to ensure stream '%s' exists: %w", stream, err)
	}
	if err := client.Messages.EnsureConsumer(stream, consumer); err != nil {
		return nil, fmt.Errorf("failed to ensure consumer '%s' exists: %w", consumer, err)
	}

	runner := &Runner{
		client:         client,
		processor:      processor,
		stream:         stream,
		consumer:       consumer,
		batchSize:      batchSize,
		numWorkers:     numWorkers,
		processTimeout: processTimeout,
		logger:         logger,
		tracer:         otel.Tracer("yepcode-connector/runner"),
		reporter:       reporting.NopReporter{},
		middleware:     message.Chain(message.LoggingMiddleware(logger), message.RecoveryMiddleware(), message.ValidationMiddleware()),
	}

	if tracingConfig != nil {
		provider, err := tracing.Setup(context.Background(), *tracingConfig, logger)
		if err != nil {
			logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		}
		runner.tracing = provider
	}

	return runner, nil
}

// SetReporter sends reportable failures to r in addition to the result subject
func (r *Runner) SetReporter(reporter reporting.Reporter) {
	if reporter != nil {
		r.reporter = reporter
	}
}

// Close flushes the reporter and shuts down tracing
func (r *Runner) Close() error {
	r.reporter.Flush(2 * time.Second)
	return r.tracing.Shutdown()
}

// Run starts the pipeline and blocks until ctx is cancelled and workers have stopped
func (r *Runner) Run(ctx context.Context) error {
	messageChan := make(chan *message.Message, r.batchSize)

	var wg sync.WaitGroup
	for i := 0; i < r.numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(ctx, workerID, messageChan)
		}(i)
	}

	go r.pull(ctx, messageChan)

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		r.logger.Info("Runner completed successfully")
		return nil
	case <-ctx.Done():
		<-done
		r.logger.Info("Runner stopped due to context cancellation")
		return ctx.Err()
	}
}

func (r *Runner) pull(ctx context.Context, messageChan chan<- *message.Message) {
	defer close(messageChan)

	backoffDelay := 100 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		if ctx.Err() != nil {
			r.logger.Info("Shutting down message puller")
			return
		}

		messages, err := r.client.Messages.PullMessages(ctx, r.stream, r.consumer, r.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("Error pulling messages", zap.Error(err), zap.Duration("backoff", backoffDelay))
			if !sleep(ctx, backoffDelay) {
				return
			}
			backoffDelay = min(backoffDelay*2, maxBackoff)
			continue
		}

		if len(messages) == 0 {
			if !sleep(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}

		backoffDelay = 100 * time.Millisecond
		for _, msg := range messages {
			select {
			case messageChan <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Runner) worker(ctx context.Context, workerID int, messageChan <-chan *message.Message) {
	r.logger.Debug("Worker started", zap.Int("workerID", workerID))
	defer r.logger.Debug("Worker stopped", zap.Int("workerID", workerID))

	for {
		select {
		case msg, ok := <-messageChan:
			if !ok {
				return
			}
			r.processMessage(ctx, workerID, msg)
		case <-ctx.Done():
			return
		}
	}
}

// processMessage runs one request and settles its delivery through the result reporter
func (r *Runner) processMessage(ctx context.Context, workerID int, msg *message.Message) {
	if ctx.Err() != nil {
		return
	}

	var workflowID, runID string
	if msg.Workflow != nil {
		workflowID = msg.Workflow.WorkflowID
		runID = msg.Workflow.RunID
	}

	executionID := ""
	if msg.Payload != nil {
		executionID = msg.Payload.ExecutionID
	}
	if executionID == "" {
		executionID = uuid.NewString()
		if msg.Payload != nil {
			msg.WithExecution(executionID)
		}
	}

	ctx = message.ExtractTrace(ctx, msg.GetNATSMsg())
	ctx, span := r.tracer.Start(ctx, "runner.processMessage",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("workflow.id", workflowID),
			attribute.String("workflow.run_id", runID),
			attribute.String("yepcode.execution_id", executionID),
			attribute.String("stream", r.stream),
			attribute.String("consumer", r.consumer),
		))
	defer span.End()

	processCtx, cancel := context.WithTimeout(ctx, r.processTimeout)
	defer cancel()

	delivery := &message.NATSMsg{Message: msg}
	if natsMsg := msg.GetNATSMsg(); natsMsg != nil {
		delivery.Subject = natsMsg.Subject
		delivery.Reply = natsMsg.Reply
	}

	start := time.Now()
	var result message.Message
	processErr := r.middleware(func(ctx context.Context, m *message.NATSMsg) error {
		var err error
		result, err = r.processor.Process(ctx, m.Message)
		return err
	})(processCtx, delivery)
	processingTime := time.Since(start)
	span.SetAttributes(attribute.Int64("processing.duration_ms", processingTime.Milliseconds()))

	// Reporting must survive shutdown of the parent context
	reportCtx, reportCancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer reportCancel()

	if processErr != nil {
		span.RecordError(processErr)
		span.SetStatus(codes.Error, processErr.Error())

		r.logger.Error("Error processing message",
			zap.Int("workerID", workerID),
			zap.String("executionId", executionID),
			zap.String("workflowID", workflowID),
			zap.String("runID", runID),
			zap.Duration("processingTime", processingTime),
			zap.String("errorCode", sdkerrors.Categorize(processErr)),
			zap.Error(processErr))

		if reporting.ShouldReport(processErr) {
			r.reporter.Capture(ctx, processErr, map[string]string{
				"execution_id": executionID,
				"workflow_id":  workflowID,
				"run_id":       runID,
			})
		}

		if err := r.client.Messages.ReportError(reportCtx, executionID, workflowID, runID, msg.CorrelationID, processErr, msg.GetNATSMsg()); err != nil {
			r.logger.Error("Error reporting failure",
				zap.Int("workerID", workerID),
				zap.String("executionId", executionID),
				zap.Error(err))
		}
		return
	}

	span.SetStatus(codes.Ok, "")
	r.logger.Info("Successfully processed message",
		zap.Int("workerID", workerID),
		zap.String("executionId", executionID),
		zap.String("workflowID", workflowID),
		zap.String("runID", runID),
		zap.Duration("processingTime", processingTime))

	if result.Payload == nil || result.Payload.ExecutionID == "" {
		result.WithExecution(executionID)
	}
	if err := r.client.Messages.ReportSuccess(reportCtx, result, msg.GetNATSMsg()); err != nil {
		r.logger.Error("Error reporting success",
			zap.Int("workerID", workerID),
			zap.String("executionId", executionID),
			zap.Error(err))
	}
}
