package processor

import (
	"maps"

	json "github.com/goccy/go-json"

	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
	"github.com/wehubfusion/yepcode-connector/pkg/execution"
	"github.com/wehubfusion/yepcode-connector/pkg/iteration"
)

// Operation names accepted in a request
const (
	OperationRunProcess = "run_process"
	OperationRunCode    = "run_code"
)

// Request is the JSON body carried in Payload.Data of an execution message
type Request struct {
	Operation string           `json:"operation"`
	Mode      string           `json:"mode,omitempty"`
	Items     []execution.Item `json:"items"`

	ContinueOnFail bool  `json:"continueOnFail,omitempty"`
	AddContext     *bool `json:"addContext,omitempty"`

	// Strategy is "sequential" or "parallel" and applies to per-item runs
	Strategy      string `json:"strategy,omitempty"`
	MaxConcurrent int    `json:"maxConcurrent,omitempty"`

	// Context is host workflow data sent, sanitized, with every call
	Context map[string]any `json:"context,omitempty"`

	Process *ProcessRequest `json:"process,omitempty"`
	Code    *CodeRequest    `json:"code,omitempty"`
}

// ProcessRequest selects a process and its inputs
type ProcessRequest struct {
	ID             string         `json:"id"`
	Version        string         `json:"version,omitempty"`
	Synchronous    *bool          `json:"synchronous,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	ParametersJSON string         `json:"parametersJson,omitempty"`

	// ParametersFromItem layers each item's JSON over the static parameters
	ParametersFromItem bool `json:"parametersFromItem,omitempty"`

	InitiatedBy string `json:"initiatedBy,omitempty"`
	Comment     string `json:"comment,omitempty"`
	Validate    bool   `json:"validate,omitempty"`
}

// CodeRequest carries ad-hoc source to run
type CodeRequest struct {
	Code         string `json:"code"`
	Language     string `json:"language,omitempty"`
	RemoveOnDone bool   `json:"removeOnDone,omitempty"`
	InitiatedBy  string `json:"initiatedBy,omitempty"`
	Comment      string `json:"comment,omitempty"`
	SyntaxCheck  bool   `json:"syntaxCheck,omitempty"`
}

// ParseRequest decodes and checks a request body
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &sdkerrors.PayloadError{Reason: "request is not valid JSON", Err: err}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks that the operation and its section agree
func (r *Request) Validate() error {
	if _, err := execution.ParseMode(r.Mode); err != nil {
		return err
	}
	if r.MaxConcurrent < 0 {
		return &sdkerrors.PayloadError{Reason: "maxConcurrent must not be negative"}
	}

	switch r.Operation {
	case OperationRunProcess:
		if r.Process == nil || r.Process.ID == "" {
			return &sdkerrors.PayloadError{Reason: "run_process requires process.id"}
		}
	case OperationRunCode:
		if r.Code == nil || r.Code.Code == "" {
			return &sdkerrors.PayloadError{Reason: "run_code requires code.code"}
		}
	case "":
		return &sdkerrors.PayloadError{Reason: "operation is required"}
	default:
		return &sdkerrors.PayloadError{Reason: "unknown operation " + r.Operation}
	}
	return nil
}

func (r *Request) options() execution.Options {
	opts := execution.Options{
		Mode:           execution.Mode(r.Mode),
		ContinueOnFail: r.ContinueOnFail,
		AddContext:     r.AddContext,
		MaxConcurrent:  r.MaxConcurrent,
	}
	if r.Strategy != "" {
		opts.Strategy = iteration.ParseStrategy(r.Strategy)
	}
	if r.Context != nil {
		opts.HostContext = execution.StaticContext(r.Context)
	}
	return opts
}

// ProcessConfig maps the request to an engine process configuration
func (r *Request) ProcessConfig() execution.ProcessConfig {
	p := r.Process
	cfg := execution.ProcessConfig{
		Options:            r.options(),
		ProcessID:          p.ID,
		Version:            p.Version,
		Synchronous:        p.Synchronous,
		Parameters:         p.Parameters,
		ParametersJSON:     p.ParametersJSON,
		InitiatedBy:        p.InitiatedBy,
		Comment:            p.Comment,
		ValidateParameters: p.Validate,
	}
	if p.ParametersFromItem {
		cfg.ParameterResolver = func(item execution.Item, _ int) (map[string]any, error) {
			return maps.Clone(item.JSON), nil
		}
	}
	return cfg
}

// CodeConfig maps the request to an engine code configuration
func (r *Request) CodeConfig() execution.CodeConfig {
	c := r.Code
	return execution.CodeConfig{
		Options:      r.options(),
		Code:         c.Code,
		Language:     c.Language,
		RemoveOnDone: c.RemoveOnDone,
		InitiatedBy:  c.InitiatedBy,
		Comment:      c.Comment,
		SyntaxCheck:  c.SyntaxCheck,
	}
}
