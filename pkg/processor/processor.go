// Package processor turns execution request messages into engine runs and
// wraps the results in a message the runner can report.
package processor

import (
	"context"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
	"github.com/wehubfusion/yepcode-connector/pkg/execution"
	"github.com/wehubfusion/yepcode-connector/pkg/message"
)

// ResultSource is the payload source stamped on result envelopes
const ResultSource = "yepcode"

// Runner is the engine surface the processor drives; *execution.Engine implements it
type Runner interface {
	RunProcess(ctx context.Context, items []execution.Item, cfg execution.ProcessConfig) ([]execution.Result, error)
	RunCode(ctx context.Context, items []execution.Item, cfg execution.CodeConfig) ([]execution.Result, error)
}

// Response is the JSON written to the result payload
type Response struct {
	Results []execution.Result `json:"results"`
}

// Processor executes one request message per call
type Processor struct {
	engine Runner
	logger *zap.Logger
}

// New creates a processor over engine
func New(engine Runner, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{engine: engine, logger: logger}
}

// Process decodes the request in msg, runs it and returns the result envelope.
// The envelope keeps the workflow, node and correlation of msg.
func (p *Processor) Process(ctx context.Context, msg *message.Message) (message.Message, error) {
	if msg == nil || msg.Payload == nil || !msg.Payload.HasInlineData() {
		return message.Message{}, &sdkerrors.PayloadError{Reason: "message carries no request"}
	}

	req, err := ParseRequest([]byte(msg.Payload.GetInlineData()))
	if err != nil {
		return message.Message{}, err
	}

	executionID := msg.Payload.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}

	logger := p.logger.With(
		zap.String("executionId", executionID),
		zap.String("operation", req.Operation),
		zap.Int("items", len(req.Items)))

	start := time.Now()
	var results []execution.Result
	switch req.Operation {
	case OperationRunProcess:
		results, err = p.engine.RunProcess(ctx, req.Items, req.ProcessConfig())
	case OperationRunCode:
		results, err = p.engine.RunCode(ctx, req.Items, req.CodeConfig())
	}
	elapsed := time.Since(start)
	if err != nil {
		logger.Warn("Execution request failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		return message.Message{}, err
	}

	if results == nil {
		results = []execution.Result{}
	}
	data, err := json.Marshal(Response{Results: results})
	if err != nil {
		return message.Message{}, sdkerrors.NewInternalError("failed to encode results", "RESULT_ENCODE_FAILED", err)
	}

	out := envelope(msg).
		WithPayload(ResultSource, string(data), "").
		WithExecution(executionID).
		WithMetadata("operation", req.Operation).
		WithMetadata("execution_time_ms", strconv.FormatInt(elapsed.Milliseconds(), 10))

	logger.Info("Execution request completed",
		zap.Int("results", len(results)),
		zap.Duration("elapsed", elapsed))
	return *out, nil
}

func envelope(msg *message.Message) *message.Message {
	out := message.NewMessage()
	if msg.Workflow != nil {
		out.Workflow = &message.Workflow{WorkflowID: msg.Workflow.WorkflowID, RunID: msg.Workflow.RunID}
	}
	if msg.Node != nil {
		out.WithNode(msg.Node.NodeID, nil)
	}
	if msg.CorrelationID != "" {
		out.WithCorrelationID(msg.CorrelationID)
	}
	return out
}
