package message

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// Workflow identifies the host workflow run that issued a request
type Workflow struct {
	WorkflowID string `json:"workflowId"`
	RunID      string `json:"runId"`
}

// Node identifies the host node the request belongs to
type Node struct {
	NodeID        string `json:"nodeId"`
	Configuration any    `json:"configuration,omitempty"`
}

// BlobReference points at a payload that was too large to send inline (>1.5MB)
type BlobReference struct {
	URL       string `json:"url"`
	SizeBytes int    `json:"sizeBytes"`
}

// Payload carries the request or result body plus the identifiers used for reporting
type Payload struct {
	Source        string         `json:"source,omitempty"`
	Data          string         `json:"data,omitempty"`
	Reference     string         `json:"reference,omitempty"`
	BlobReference *BlobReference `json:"blobReference,omitempty"`

	ExecutionID string `json:"executionId,omitempty"`
	WorkflowID  string `json:"workflowId,omitempty"`
	RunID       string `json:"runId,omitempty"`
	NodeID      string `json:"nodeId,omitempty"`
}

// HasInlineData reports whether the payload body travels inside the message
func (p *Payload) HasInlineData() bool {
	return p != nil && p.Data != ""
}

// GetInlineData returns the inline payload body
func (p *Payload) GetInlineData() string {
	if p == nil {
		return ""
	}
	return p.Data
}

// Output describes where the host wants the result delivered
type Output struct {
	DestinationType string `json:"destinationType"`
}

// Message is the envelope exchanged with the host over JetStream.
// Execution requests arrive with a JSON request document in Payload.Data.
type Message struct {
	// CorrelationID tracks related messages across the system
	CorrelationID string `json:"correlationId,omitempty"`

	Workflow *Workflow         `json:"workflow,omitempty"`
	Node     *Node             `json:"node,omitempty"`
	Payload  *Payload          `json:"payload,omitempty"`
	Output   *Output           `json:"output,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`

	// natsMsg holds the delivery this message was decoded from, for acknowledgment
	natsMsg *nats.Msg `json:"-"`
}

func now() string {
	return time.Now().Format(time.RFC3339)
}

// NewMessage creates a new message with timestamps
func NewMessage() *Message {
	ts := now()
	return &Message{
		Metadata:  make(map[string]string),
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

// NewWorkflowMessage creates a new message bound to a workflow run
func NewWorkflowMessage(workflowID, runID string) *Message {
	msg := NewMessage()
	msg.Workflow = &Workflow{WorkflowID: workflowID, RunID: runID}
	return msg
}

// WithCorrelationID sets the correlation ID for the message
func (m *Message) WithCorrelationID(correlationID string) *Message {
	m.CorrelationID = correlationID
	m.UpdatedAt = now()
	return m
}

// WithMetadata adds metadata to the message
func (m *Message) WithMetadata(key, value string) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata[key] = value
	m.UpdatedAt = now()
	return m
}

// WithNode adds node information to the message
func (m *Message) WithNode(nodeID string, configuration any) *Message {
	m.Node = &Node{NodeID: nodeID, Configuration: configuration}
	m.UpdatedAt = now()
	return m
}

// WithPayload sets the inline payload body, keeping identifiers already present
func (m *Message) WithPayload(source, data, reference string) *Message {
	if m.Payload == nil {
		m.Payload = &Payload{}
	}
	m.Payload.Source = source
	m.Payload.Data = data
	m.Payload.Reference = reference
	m.UpdatedAt = now()
	return m
}

// WithExecution stamps the reporting identifiers onto the payload.
// Workflow and node ids default to the envelope's own values.
func (m *Message) WithExecution(executionID string) *Message {
	if m.Payload == nil {
		m.Payload = &Payload{}
	}
	m.Payload.ExecutionID = executionID
	if m.Workflow != nil {
		m.Payload.WorkflowID = m.Workflow.WorkflowID
		m.Payload.RunID = m.Workflow.RunID
	}
	if m.Node != nil {
		m.Payload.NodeID = m.Node.NodeID
	}
	m.UpdatedAt = now()
	return m
}

// WithOutput adds output information to the message
func (m *Message) WithOutput(destinationType string) *Message {
	m.Output = &Output{DestinationType: destinationType}
	m.UpdatedAt = now()
	return m
}

// ToBytes serializes the message to JSON bytes
func (m *Message) ToBytes() ([]byte, error) {
	return json.Marshal(m)
}

// FromBytes deserializes a message from JSON bytes
func FromBytes(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// FromNATSMsg decodes a delivery and keeps it attached for Ack/Nak
func FromNATSMsg(natsMsg *nats.Msg) (*Message, error) {
	msg, err := FromBytes(natsMsg.Data)
	if err != nil {
		return nil, err
	}
	msg.natsMsg = natsMsg
	return msg, nil
}

// Ack acknowledges the delivery. It is a no-op for messages not received from JetStream.
func (m *Message) Ack() error {
	if m.natsMsg == nil {
		return nil
	}
	return m.natsMsg.Ack()
}

// Nak asks JetStream to redeliver the message
func (m *Message) Nak() error {
	if m.natsMsg == nil {
		return nil
	}
	return m.natsMsg.Nak()
}

// Term stops redelivery of a message that can never be processed
func (m *Message) Term() error {
	if m.natsMsg == nil {
		return nil
	}
	return m.natsMsg.Term()
}

// InProgress extends the ack deadline while a long execution is running
func (m *Message) InProgress() error {
	if m.natsMsg == nil {
		return nil
	}
	return m.natsMsg.InProgress()
}

// GetNATSMsg returns the underlying delivery, or nil
func (m *Message) GetNATSMsg() *nats.Msg {
	return m.natsMsg
}

// Identifier returns a short label for logs
func (m *Message) Identifier() string {
	switch {
	case m.CorrelationID != "":
		return "correlation:" + m.CorrelationID
	case m.Workflow != nil:
		return "workflow:" + m.Workflow.WorkflowID + "/run:" + m.Workflow.RunID
	case m.Node != nil:
		return "node:" + m.Node.NodeID
	case m.Payload != nil && m.Payload.ExecutionID != "":
		return "execution:" + m.Payload.ExecutionID
	}
	return "timestamp:" + m.CreatedAt
}

// NATSMsg pairs a decoded message with its subject for handler middleware
type NATSMsg struct {
	*Message

	Subject string
	Reply   string
}

// WrapNATSMsg decodes a raw delivery for use with a Handler
func WrapNATSMsg(natsMsg *nats.Msg) (*NATSMsg, error) {
	msg, err := FromNATSMsg(natsMsg)
	if err != nil {
		return nil, err
	}
	return &NATSMsg{Message: msg, Subject: natsMsg.Subject, Reply: natsMsg.Reply}, nil
}

// Result statuses
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ResultMessage is a batch outcome published to the result stream
type ResultMessage struct {
	CorrelationID string `json:"correlation_id,omitempty"`

	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	RunID       string `json:"run_id"`
	NodeID      string `json:"node_id"`

	Status string `json:"status"`

	// Exactly one of InlineResult and BlobReference is set on success
	InlineResult  json.RawMessage `json:"inline_result,omitempty"`
	BlobReference *BlobReference  `json:"blob_reference,omitempty"`

	Error *ResultError `json:"error,omitempty"`

	Operation       string `json:"operation,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms,omitempty"`
	ResultSize      int    `json:"result_size,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	CreatedAt string    `json:"created_at"`
	UpdatedAt string    `json:"updated_at"`
}

// ResultError describes a failed batch
type ResultError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Type      string `json:"type,omitempty"`
}

// NewResultMessage creates a new result message with timestamps
func NewResultMessage(executionID, workflowID, runID, nodeID, status string) *ResultMessage {
	ts := time.Now()
	return &ResultMessage{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		RunID:       runID,
		NodeID:      nodeID,
		Status:      status,
		Timestamp:   ts,
		CreatedAt:   ts.Format(time.RFC3339),
		UpdatedAt:   ts.Format(time.RFC3339),
	}
}

// WithCorrelationID sets the correlation ID for the result message
func (r *ResultMessage) WithCorrelationID(correlationID string) *ResultMessage {
	r.CorrelationID = correlationID
	r.UpdatedAt = now()
	return r
}

// WithInlineResult sets the inline result data
func (r *ResultMessage) WithInlineResult(result json.RawMessage) *ResultMessage {
	r.InlineResult = result
	r.ResultSize = len(result)
	r.UpdatedAt = now()
	return r
}

// WithBlobReference sets the blob reference for large results
func (r *ResultMessage) WithBlobReference(blobRef *BlobReference) *ResultMessage {
	r.BlobReference = blobRef
	r.UpdatedAt = now()
	return r
}

// WithError marks the result as failed
func (r *ResultMessage) WithError(err *ResultError) *ResultMessage {
	r.Error = err
	r.Status = StatusFailed
	r.UpdatedAt = now()
	return r
}

// WithOperation records which engine operation produced the result
func (r *ResultMessage) WithOperation(operation string) *ResultMessage {
	r.Operation = operation
	r.UpdatedAt = now()
	return r
}

// WithExecutionTime sets the execution time in milliseconds
func (r *ResultMessage) WithExecutionTime(ms int64) *ResultMessage {
	r.ExecutionTimeMs = ms
	r.UpdatedAt = now()
	return r
}

// ToBytes serializes the result message to JSON bytes
func (r *ResultMessage) ToBytes() ([]byte, error) {
	return json.Marshal(r)
}

// ResultMessageFromBytes deserializes a result message from JSON bytes
func ResultMessageFromBytes(data []byte) (*ResultMessage, error) {
	var msg ResultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// HasInlineResult returns true if the result is available inline
func (r *ResultMessage) HasInlineResult() bool {
	return len(r.InlineResult) > 0
}

// HasBlobReference returns true if the result is stored in blob storage
func (r *ResultMessage) HasBlobReference() bool {
	return r.BlobReference != nil && r.BlobReference.URL != ""
}

// IsSuccess returns true if the batch succeeded
func (r *ResultMessage) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// IsRetryable returns true if the failure is transient
func (r *ResultMessage) IsRetryable() bool {
	return r.Error != nil && r.Error.Retryable
}
