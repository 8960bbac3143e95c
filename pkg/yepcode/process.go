package yepcode

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
	"github.com/wehubfusion/yepcode-connector/pkg/transport"
)

// ExecuteOptions are the optional attributes of a process execution
type ExecuteOptions struct {
	// Version is a version id or alias; empty or CurrentVersion runs the current version
	Version     string
	Comment     string
	InitiatedBy string
}

// Tag returns the wire value of Version
func (o ExecuteOptions) Tag() string {
	if o.Version == CurrentVersion {
		return ""
	}
	return o.Version
}

type executeBody struct {
	Parameters string `json:"parameters"`
	Tag        string `json:"tag"`
	Comment    string `json:"comment"`
}

// ExecutionRef acknowledges an asynchronous execution
type ExecutionRef struct {
	ExecutionID string `json:"executionId"`
	ProcessID   string `json:"processId"`
	Status      string `json:"status"`
}

// ExecuteProcessSync runs the process and waits for its output.
// The second return value is false when the platform replied with an empty body.
func (c *Client) ExecuteProcessSync(ctx context.Context, processID string, parameters map[string]any, opts ExecuteOptions) (any, bool, error) {
	resp, err := c.executeProcess(ctx, processID, "execute-sync", parameters, opts)
	if err != nil {
		return nil, false, err
	}
	if resp.Empty() {
		return nil, false, nil
	}

	var out any
	if err := resp.Decode(&out); err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// ExecuteProcessAsync enqueues the process and returns once the platform accepted it
func (c *Client) ExecuteProcessAsync(ctx context.Context, processID string, parameters map[string]any, opts ExecuteOptions) (*ExecutionRef, error) {
	resp, err := c.executeProcess(ctx, processID, "execute", parameters, opts)
	if err != nil {
		return nil, err
	}

	var raw struct {
		ExecutionID string `json:"executionId"`
		ID          string `json:"id"`
		ProcessID   string `json:"processId"`
		Status      string `json:"status"`
	}
	if err := resp.Decode(&raw); err != nil {
		return nil, err
	}

	ref := &ExecutionRef{ExecutionID: raw.ExecutionID, ProcessID: raw.ProcessID, Status: raw.Status}
	if ref.ExecutionID == "" {
		ref.ExecutionID = raw.ID
	}
	if ref.ProcessID == "" {
		ref.ProcessID = processID
	}
	if ref.Status == "" {
		ref.Status = "CREATED"
	}
	return ref, nil
}

func (c *Client) executeProcess(ctx context.Context, processID, action string, parameters map[string]any, opts ExecuteOptions) (*transport.Response, error) {
	if processID == "" {
		return nil, &sdkerrors.PayloadError{Reason: "process id is required"}
	}
	if parameters == nil {
		parameters = map[string]any{}
	}

	// The platform expects the parameters as a JSON document inside a string field
	encoded, err := json.Marshal(parameters)
	if err != nil {
		return nil, &sdkerrors.PayloadError{Reason: "encode parameters", Err: err}
	}

	c.logger.Debug("Executing process",
		zap.String("processId", processID),
		zap.String("action", action),
		zap.String("tag", opts.Tag()))

	return c.api.Do(ctx, transport.Request{
		Method:   http.MethodPost,
		Endpoint: fmt.Sprintf("processes/%s/%s", url.PathEscape(processID), action),
		Headers:  initiatedByHeader(opts.InitiatedBy),
		Body: executeBody{
			Parameters: string(encoded),
			Tag:        opts.Tag(),
			Comment:    opts.Comment,
		},
	})
}
