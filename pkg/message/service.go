package message

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
	"go.uber.org/zap"
)

// JSContext is the subset of JetStream the service depends on, so tests can run
// without a NATS server.
type JSContext interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error)
	StreamInfo(stream string) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
	ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error)
}

// JSSubscription abstracts the pull subscription operations the service uses
type JSSubscription interface {
	Unsubscribe() error
	Drain() error
	IsValid() bool
	Pending() (int, int, error)
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// WrapNATSJetStream adapts a nats.JetStreamContext to the JSContext interface
func WrapNATSJetStream(js nats.JetStreamContext) JSContext {
	return &natsJSAdapter{js: js}
}

type natsJSAdapter struct {
	js nats.JetStreamContext
}

func (a *natsJSAdapter) PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return a.js.PublishMsg(m, opts...)
}

func (a *natsJSAdapter) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error) {
	sub, err := a.js.PullSubscribe(subj, durable, opts...)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (a *natsJSAdapter) StreamInfo(stream string) (*nats.StreamInfo, error) {
	return a.js.StreamInfo(stream)
}

func (a *natsJSAdapter) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	return a.js.AddStream(cfg)
}

func (a *natsJSAdapter) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	return a.js.ConsumerInfo(stream, consumer)
}

func (a *natsJSAdapter) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	return a.js.AddConsumer(stream, cfg)
}

// BlobStorageClient stores results too large to publish inline
type BlobStorageClient interface {
	UploadResult(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error)
	DownloadResult(ctx context.Context, blobURL string) ([]byte, error)
}

// MaxInlineResultSize is the largest result published inside the result message
const MaxInlineResultSize = 1536 * 1024

// MessageService publishes execution requests and reports batch results over JetStream
type MessageService struct {
	js                JSContext
	logger            *zap.Logger
	maxDeliver        int
	publishMaxRetries int
	publishBackoff    time.Duration
	resultStream      string
	resultSubject     string
	blobStorage       BlobStorageClient
	blobPath          func(workflowID, runID, executionID string) string
}

// NewMessageService creates a message service over the given JetStream context.
// Zero values select the defaults: 5 deliveries, 3 publish attempts, stream
// YEPCODE_RESULTS and subject yepcode.result.
func NewMessageService(js JSContext, maxDeliver int, publishMaxRetries int, resultStream string, resultSubject string) (*MessageService, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context cannot be nil")
	}

	if maxDeliver == 0 {
		maxDeliver = 5
	}
	if publishMaxRetries <= 0 {
		publishMaxRetries = 3
	}
	if resultStream == "" {
		resultStream = "YEPCODE_RESULTS"
	}
	if resultSubject == "" {
		resultSubject = "yepcode.result"
	}

	logger, _ := zap.NewProduction()
	return &MessageService{
		js:                js,
		logger:            logger,
		maxDeliver:        maxDeliver,
		publishMaxRetries: publishMaxRetries,
		publishBackoff:    time.Second,
		resultStream:      resultStream,
		resultSubject:     resultSubject,
		blobPath: func(workflowID, runID, executionID string) string {
			return fmt.Sprintf("results/%s/%s/%s.json", workflowID, runID, executionID)
		},
	}, nil
}

// SetLogger sets a custom zap logger for the message service
func (s *MessageService) SetLogger(logger *zap.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetBlobStorage enables offloading of results above MaxInlineResultSize
func (s *MessageService) SetBlobStorage(bs BlobStorageClient) {
	s.blobStorage = bs
}

// SetBlobPath overrides how offloaded result paths are built
func (s *MessageService) SetBlobPath(fn func(workflowID, runID, executionID string) string) {
	if fn != nil {
		s.blobPath = fn
	}
}

// SetPublishBackoff sets the base delay between result publish attempts
func (s *MessageService) SetPublishBackoff(d time.Duration) {
	if d >= 0 {
		s.publishBackoff = d
	}
}

// ResultSubject returns the subject batch results are published on
func (s *MessageService) ResultSubject() string {
	return s.resultSubject
}

// EnsureStream creates the request stream if it does not exist
func (s *MessageService) EnsureStream(streamName string) error {
	return s.ensureStream(streamName, streamName+".*")
}

func (s *MessageService) ensureStream(streamName string, subjects ...string) error {
	streamInfo, err := s.js.StreamInfo(streamName)
	if err == nil {
		s.logger.Debug("JetStream stream already exists",
			zap.String("stream", streamName),
			zap.Uint64("messages", streamInfo.State.Msgs))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", streamName, err)
	}

	streamConfig := &nats.StreamConfig{
		Name:     streamName,
		Subjects: subjects,
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  100000,
		Replicas: 1,
	}
	if _, err := s.js.AddStream(streamConfig); err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", streamName, err)
	}

	s.logger.Info("Created JetStream stream",
		zap.String("stream", streamName),
		zap.Strings("subjects", streamConfig.Subjects),
		zap.Duration("maxAge", streamConfig.MaxAge))
	return nil
}

// EnsureConsumer creates the durable pull consumer if it does not exist
func (s *MessageService) EnsureConsumer(streamName, consumerName string) error {
	consumerInfo, err := s.js.ConsumerInfo(streamName, consumerName)
	if err == nil {
		s.logger.Debug("JetStream consumer already exists",
			zap.String("stream", streamName),
			zap.String("consumer", consumerName),
			zap.Uint64("pending", consumerInfo.NumPending))
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to get consumer info for '%s' in stream '%s': %w", consumerName, streamName, err)
	}

	consumerConfig := &nats.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		MaxAckPending: 1000,
		MaxDeliver:    s.maxDeliver,
	}
	if _, err := s.js.AddConsumer(streamName, consumerConfig); err != nil {
		return fmt.Errorf("failed to create consumer '%s' in stream '%s': %w", consumerName, streamName, err)
	}

	s.logger.Info("Created JetStream consumer",
		zap.String("stream", streamName),
		zap.String("consumer", consumerName),
		zap.Int("maxDeliver", s.maxDeliver))
	return nil
}

// ensureStreamForSubject makes sure some stream captures subject. Result subjects
// map to the configured result stream, anything else to a stream named after the
// subject's first token.
func (s *MessageService) ensureStreamForSubject(subject string) error {
	if subject == s.resultSubject {
		return s.ensureStream(s.resultStream, subject, subject+".>")
	}
	streamName, _, _ := strings.Cut(subject, ".")
	return s.ensureStream(streamName, streamName+".>")
}

// Publish publishes a message to subject, creating a stream for it when needed
func (s *MessageService) Publish(ctx context.Context, subject string, msg *Message) error {
	if subject == "" {
		return sdkerrors.NewValidationError("subject cannot be empty", "INVALID_SUBJECT", nil)
	}
	if msg == nil {
		return sdkerrors.NewValidationError("message cannot be nil", "INVALID_MESSAGE", nil)
	}

	if err := s.ensureStreamForSubject(subject); err != nil {
		return sdkerrors.NewInternalError("failed to ensure stream exists", "STREAM_ENSURE_FAILED", err)
	}

	data, err := msg.ToBytes()
	if err != nil {
		return sdkerrors.NewInternalError("failed to marshal message", "MARSHAL_FAILED", err)
	}
	out := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	injectTrace(ctx, out.Header)

	published := make(chan error, 1)
	go func() {
		_, err := s.js.PublishMsg(out)
		published <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("publish cancelled: %w", ctx.Err())
	case err := <-published:
		if err != nil {
			s.logger.Error("Failed to publish message to JetStream",
				zap.String("subject", subject),
				zap.String("messageId", msg.Identifier()),
				zap.Error(err))
			return sdkerrors.NewInternalError("failed to publish message to JetStream", "PUBLISH_FAILED", err)
		}
		s.logger.Debug("Message published",
			zap.String("subject", subject),
			zap.String("messageId", msg.Identifier()))
		return nil
	}
}

// PullMessages fetches up to batchSize messages from a durable pull consumer.
//
// Messages are not acknowledged here. Malformed deliveries are terminated since
// redelivering them can never succeed. An empty slice means no messages arrived
// before the fetch timeout.
func (s *MessageService) PullMessages(ctx context.Context, stream, consumer string, batchSize int) ([]*Message, error) {
	if stream == "" || consumer == "" {
		return nil, fmt.Errorf("stream and consumer names are required")
	}
	if batchSize <= 0 {
		batchSize = 10
	}

	type result struct {
		msgs []*Message
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		sub, err := s.js.PullSubscribe("", consumer, nats.Bind(stream, consumer))
		if err != nil {
			resultCh <- result{err: err}
			return
		}
		defer sub.Unsubscribe()

		timeout := 3 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
				timeout = remaining
			}
		}

		natsMessages, err := sub.Fetch(batchSize, nats.MaxWait(timeout))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				resultCh <- result{msgs: []*Message{}}
				return
			}
			resultCh <- result{err: err}
			return
		}

		messages := make([]*Message, 0, len(natsMessages))
		for _, natsMsg := range natsMessages {
			msg, err := FromNATSMsg(natsMsg)
			if err != nil {
				s.logger.Warn("Dropping malformed message",
					zap.String("subject", natsMsg.Subject),
					zap.Error(err))
				_ = natsMsg.Term()
				continue
			}
			messages = append(messages, msg)
		}

		resultCh <- result{msgs: messages}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("pull cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			s.logger.Error("Failed to pull messages from JetStream",
				zap.String("stream", stream),
				zap.String("consumer", consumer),
				zap.Error(res.err))
			return nil, sdkerrors.NewInternalError("failed to pull messages from JetStream", "PULL_FAILED", res.err)
		}
		return res.msgs, nil
	}
}

// PublishResult publishes a ResultMessage to the result stream, retrying with a
// linear backoff. Success results carry a JetStream message id so a redelivered
// request that succeeds again is not reported twice.
func (s *MessageService) PublishResult(ctx context.Context, resultMsg *ResultMessage) error {
	if resultMsg == nil {
		return sdkerrors.NewValidationError("result message cannot be nil", "INVALID_MESSAGE", nil)
	}

	if err := s.ensureStreamForSubject(s.resultSubject); err != nil {
		return sdkerrors.NewInternalError("failed to ensure result stream exists", "STREAM_ENSURE_FAILED", err)
	}

	data, err := resultMsg.ToBytes()
	if err != nil {
		return sdkerrors.NewInternalError("failed to marshal result message", "MARSHAL_FAILED", err)
	}
	out := &nats.Msg{Subject: s.resultSubject, Data: data, Header: nats.Header{}}
	if resultMsg.IsSuccess() {
		out.Header.Set(nats.MsgIdHdr, resultMsg.ExecutionID+"."+StatusSuccess)
	}
	injectTrace(ctx, out.Header)

	var (
		ack     *nats.PubAck
		lastErr error
	)
	for attempt := 1; attempt <= s.publishMaxRetries; attempt++ {
		if ack, lastErr = s.js.PublishMsg(out); lastErr == nil {
			break
		}
		if attempt == s.publishMaxRetries {
			s.logger.Error("Result publish attempts exhausted",
				zap.String("executionId", resultMsg.ExecutionID),
				zap.String("workflowId", resultMsg.WorkflowID),
				zap.Int("attempts", attempt),
				zap.Error(lastErr))
			return sdkerrors.NewInternalError("failed to publish result after retries", "PUBLISH_FAILED", lastErr)
		}

		s.logger.Warn("Result publish failed, retrying",
			zap.String("executionId", resultMsg.ExecutionID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish result cancelled: %w", ctx.Err())
		case <-time.After(time.Duration(attempt) * s.publishBackoff):
		}
	}

	if ack != nil && ack.Duplicate {
		s.logger.Info("Result already published",
			zap.String("executionId", resultMsg.ExecutionID),
			zap.String("status", resultMsg.Status))
		return nil
	}
	s.logger.Info("Published result message",
		zap.String("executionId", resultMsg.ExecutionID),
		zap.String("workflowId", resultMsg.WorkflowID),
		zap.String("status", resultMsg.Status),
		zap.String("subject", s.resultSubject))
	return nil
}

// ReportSuccess publishes the outcome carried in resultMessage.Payload and acks
// the source delivery. Results up to MaxInlineResultSize travel inline, larger
// ones are uploaded to blob storage and referenced by URL.
func (s *MessageService) ReportSuccess(ctx context.Context, resultMessage Message, msg *nats.Msg) error {
	payload := resultMessage.Payload
	if payload == nil || payload.ExecutionID == "" {
		nak(msg)
		return fmt.Errorf("missing execution_id")
	}
	if !payload.HasInlineData() {
		nak(msg)
		return fmt.Errorf("missing payload data")
	}

	executionID := payload.ExecutionID
	workflowID := payload.WorkflowID
	runID := payload.RunID
	correlationID := resultMessage.CorrelationID

	nodeID := payload.NodeID
	if nodeID == "" {
		nodeID = executionID
	}

	resultBytes := []byte(payload.GetInlineData())
	if !json.Valid(resultBytes) {
		err := sdkerrors.NewBadRequestError("result payload is not valid JSON", sdkerrors.ErrorCodeInvalidPayload, nil)
		return s.ReportError(ctx, executionID, workflowID, runID, correlationID, err, msg)
	}

	resultMsg := NewResultMessage(executionID, workflowID, runID, nodeID, StatusSuccess)
	if correlationID != "" {
		resultMsg.WithCorrelationID(correlationID)
	}
	if op := resultMessage.Metadata["operation"]; op != "" {
		resultMsg.WithOperation(op)
	}
	if ms, ok := resultMessage.Metadata["execution_time_ms"]; ok {
		if elapsed, err := strconv.ParseInt(ms, 10, 64); err == nil {
			resultMsg.WithExecutionTime(elapsed)
		}
	}

	if len(resultBytes) > MaxInlineResultSize && s.blobStorage == nil {
		nak(msg)
		return fmt.Errorf("blob storage not initialized but result size %d exceeds limit", len(resultBytes))
	}
	if err := s.attachResult(ctx, resultMsg, resultBytes); err != nil {
		blobErr := sdkerrors.NewInternalError("blob upload failed", "BLOB_UPLOAD_FAILED", err)
		if reportErr := s.ReportError(ctx, executionID, workflowID, runID, correlationID, blobErr, msg); reportErr != nil {
			s.logger.Error("Failed to report blob upload error",
				zap.String("executionId", executionID),
				zap.Error(reportErr))
		}
		return blobErr
	}

	if err := s.PublishResult(ctx, resultMsg); err != nil {
		nak(msg)
		return fmt.Errorf("failed to publish result: %w", err)
	}

	if msg != nil {
		if err := msg.Ack(); err != nil {
			return fmt.Errorf("failed to acknowledge: %w", err)
		}
	}
	return nil
}

// attachResult places data inline or, above MaxInlineResultSize, uploads it
// and attaches the blob reference
func (s *MessageService) attachResult(ctx context.Context, res *ResultMessage, data []byte) error {
	if len(data) <= MaxInlineResultSize {
		res.WithInlineResult(data)
		return nil
	}

	blobURL, err := s.blobStorage.UploadResult(ctx, s.blobPath(res.WorkflowID, res.RunID, res.ExecutionID), data, map[string]string{
		"workflow_id":  res.WorkflowID,
		"run_id":       res.RunID,
		"execution_id": res.ExecutionID,
		"node_id":      res.NodeID,
	})
	if err != nil {
		return err
	}

	s.logger.Info("Result offloaded to blob storage",
		zap.String("executionId", res.ExecutionID),
		zap.Int("sizeBytes", len(data)))
	res.WithBlobReference(&BlobReference{URL: blobURL, SizeBytes: len(data)})
	res.ResultSize = len(data)
	return nil
}

// ReportError publishes a failed outcome and settles the source delivery.
//
// Transient failures (AppError type Internal, which covers remote 5xx, timeouts
// and an open circuit) are nak'ed for redelivery. Permanent failures such as bad
// credentials or a rejected payload are acked so they are not retried. A
// transient failure at item index > 0 is also acked, since the items before it
// already ran on the remote platform and a redelivery would run them again.
func (s *MessageService) ReportError(ctx context.Context, executionID, workflowID, runID, correlationID string, err error, msg *nats.Msg) error {
	if executionID == "" {
		nak(msg)
		return fmt.Errorf("missing executionID")
	}
	if err == nil {
		err = errors.New("unknown failure")
	}

	appErr := sdkerrors.AsAppError(err)
	isTransient := appErr.Type == sdkerrors.Internal
	if index, ok := sdkerrors.ItemIndex(err); ok && index > 0 && isTransient {
		s.logger.Warn("Not redelivering partially executed batch",
			zap.String("executionId", executionID),
			zap.Int("itemIndex", index))
		isTransient = false
	}
	errorCode := appErr.Code
	if errorCode == "" {
		errorCode = sdkerrors.Categorize(err)
	}

	resultMsg := NewResultMessage(executionID, workflowID, runID, executionID, StatusFailed)
	if correlationID != "" {
		resultMsg.WithCorrelationID(correlationID)
	}
	resultMsg.WithError(&ResultError{
		Code:      errorCode,
		Message:   err.Error(),
		Retryable: isTransient,
		Type:      string(appErr.Type),
	})

	if pubErr := s.PublishResult(ctx, resultMsg); pubErr != nil {
		nak(msg)
		return fmt.Errorf("failed to publish error result: %w", pubErr)
	}

	s.logger.Info("Published error result",
		zap.String("executionId", executionID),
		zap.String("workflowId", workflowID),
		zap.Bool("transient", isTransient),
		zap.String("errorCode", errorCode))

	if isTransient {
		nakWithBackoff(msg)
	} else if msg != nil {
		_ = msg.Ack()
	}
	return nil
}

func nak(msg *nats.Msg) {
	if msg != nil {
		_ = msg.Nak()
	}
}

// redeliveryStep is the delay added per delivery attempt before a transient failure is retried
const redeliveryStep = 5 * time.Second

// nakWithBackoff asks for redelivery after a delay that grows with the
// number of attempts already made
func nakWithBackoff(msg *nats.Msg) {
	if msg == nil {
		return
	}
	meta, err := msg.Metadata()
	if err != nil {
		_ = msg.Nak()
		return
	}
	_ = msg.NakWithDelay(time.Duration(meta.NumDelivered) * redeliveryStep)
}
