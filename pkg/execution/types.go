// Package execution runs remote processes and code against a batch of host
// items, either once for the whole batch or once per item, and maps the
// responses back to results paired with the items that produced them.
package execution

import (
	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
	"github.com/wehubfusion/yepcode-connector/pkg/iteration"
)

// Mode selects how many remote calls a batch produces
type Mode string

const (
	// ModeAllItems makes one call carrying every item
	ModeAllItems Mode = "runOnceForAllItems"

	// ModeEachItem makes one call per item
	ModeEachItem Mode = "runOnceForEachItem"
)

// ParseMode validates a mode name; empty means ModeAllItems
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAllItems:
		return ModeAllItems, nil
	case ModeEachItem:
		return ModeEachItem, nil
	}
	return "", &sdkerrors.PayloadError{Reason: "unknown mode " + s}
}

// ContextKey is the parameter under which host context is sent
const ContextKey = "n8n"

// Item is one host input record
type Item struct {
	JSON   map[string]any `json:"json"`
	Binary map[string]any `json:"binary,omitempty"`
}

// PairedItem links a result to its input position
type PairedItem struct {
	Item int `json:"item"`
}

// Result is one output record
type Result struct {
	JSON       map[string]any `json:"json"`
	PairedItem *PairedItem    `json:"pairedItem,omitempty"`
	Binary     map[string]any `json:"binary,omitempty"`
}

// HostContext supplies ambient workflow data for the item at index
type HostContext interface {
	WorkflowData(index int) map[string]any
}

// StaticContext returns the same workflow data for every item
type StaticContext map[string]any

func (c StaticContext) WorkflowData(int) map[string]any {
	return c
}

// Options are shared by process and code runs
type Options struct {
	Mode           Mode
	ContinueOnFail bool

	// AddContext sends sanitized host context under ContextKey; nil means true
	AddContext  *bool
	HostContext HostContext

	// Strategy applies to ModeEachItem; empty uses the engine default
	Strategy      iteration.Strategy
	MaxConcurrent int
}

func (o Options) addContext() bool {
	return o.AddContext == nil || *o.AddContext
}

// ProcessConfig describes a process execution
type ProcessConfig struct {
	Options

	ProcessID string

	// Version is a version id or alias; empty or "$CURRENT" runs the current version
	Version string

	// Synchronous waits for the process output; nil means true
	Synchronous *bool

	Parameters map[string]any

	// ParametersJSON is a JSON object merged under Parameters
	ParametersJSON string

	// ParameterResolver supplies per-item parameters layered over the static ones
	ParameterResolver func(item Item, index int) (map[string]any, error)

	InitiatedBy string
	Comment     string

	// ValidateParameters checks parameters against the process schema before dispatch
	ValidateParameters bool
}

func (c ProcessConfig) synchronous() bool {
	return c.Synchronous == nil || *c.Synchronous
}

// CodeConfig describes an ad-hoc code run
type CodeConfig struct {
	Options

	Code         string
	Language     string
	RemoveOnDone bool
	InitiatedBy  string
	Comment      string

	// SyntaxCheck parses JavaScript locally before it is submitted
	SyntaxCheck bool
}

// Bool returns a pointer to b, for the optional flags above
func Bool(b bool) *bool {
	return &b
}
