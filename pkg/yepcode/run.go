package yepcode

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
	"github.com/wehubfusion/yepcode-connector/pkg/transport"
)

// Language of submitted source code; empty lets the platform detect it
type Language string

const (
	LanguageAuto       Language = ""
	LanguageJavaScript Language = "javascript"
	LanguagePython     Language = "python"
)

// ParseLanguage validates a language name
func ParseLanguage(s string) (Language, error) {
	switch Language(s) {
	case LanguageAuto, LanguageJavaScript, LanguagePython:
		return Language(s), nil
	}
	return "", &sdkerrors.PayloadError{Reason: "unsupported language " + s}
}

// RunOptions is the options object of a code run
type RunOptions struct {
	Language     Language       `json:"language,omitempty"`
	RemoveOnDone bool           `json:"removeOnDone"`
	InitiatedBy  string         `json:"initiatedBy,omitempty"`
	Comment      string         `json:"comment,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

type runBody struct {
	Code    string     `json:"code"`
	Options RunOptions `json:"options"`
}

// Execution is the outcome of a code run
type Execution struct {
	ID          string `json:"id"`
	Logs        any    `json:"logs"`
	ProcessID   string `json:"processId"`
	Status      string `json:"status"`
	ReturnValue any    `json:"returnValue"`
	Error       any    `json:"error"`
	Timeline    any    `json:"timeline"`
	Parameters  any    `json:"parameters"`
	Comment     any    `json:"comment"`
}

// Fields returns the execution as a result object with a fixed set of keys
func (e *Execution) Fields() map[string]any {
	return map[string]any{
		"id":          e.ID,
		"logs":        e.Logs,
		"processId":   e.ProcessID,
		"status":      e.Status,
		"returnValue": e.ReturnValue,
		"error":       e.Error,
		"timeline":    e.Timeline,
		"parameters":  e.Parameters,
		"comment":     e.Comment,
	}
}

// RunCode submits source code for immediate execution and waits for the result
func (c *Client) RunCode(ctx context.Context, code string, opts RunOptions) (*Execution, error) {
	if code == "" {
		return nil, &sdkerrors.PayloadError{Reason: "code is required"}
	}

	c.logger.Debug("Running code",
		zap.String("language", string(opts.Language)),
		zap.Bool("removeOnDone", opts.RemoveOnDone),
		zap.Int("codeSize", len(code)))

	resp, err := c.sandbox.Do(ctx, transport.Request{
		Method:   http.MethodPost,
		Endpoint: "run",
		Body:     runBody{Code: code, Options: opts},
	})
	if err != nil {
		return nil, err
	}

	var execution Execution
	if err := resp.Decode(&execution); err != nil {
		return nil, err
	}
	return &execution, nil
}

// WhoAmI checks the credential against the platform and returns the caller's identity
func (c *Client) WhoAmI(ctx context.Context) (map[string]any, error) {
	resp, err := c.sandbox.Do(ctx, transport.Request{Method: http.MethodGet, Endpoint: "run/whoami"})
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
