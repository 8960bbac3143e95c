package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/wehubfusion/yepcode-connector/pkg/config"
	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
	"github.com/wehubfusion/yepcode-connector/pkg/execution"
	"github.com/wehubfusion/yepcode-connector/pkg/processor"
)

// batchFlags are shared by run-process and run-code
type batchFlags struct {
	items          string
	mode           string
	continueOnFail bool
	noContext      bool
	contextJSON    string
	strategy       string
	maxConcurrent  int
	initiatedBy    string
	comment        string
}

func (f *batchFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.items, "items", "", `JSON array of input items, read from a file path or "-" for stdin`)
	flags.StringVar(&f.mode, "mode", string(execution.ModeAllItems), "runOnceForAllItems or runOnceForEachItem")
	flags.BoolVar(&f.continueOnFail, "continue-on-fail", false, "Emit an error result instead of aborting when a call fails")
	flags.BoolVar(&f.noContext, "no-context", false, "Do not send the host context parameter")
	flags.StringVar(&f.contextJSON, "context", "", "JSON object sent as workflow metadata with every call")
	flags.StringVar(&f.strategy, "strategy", "", "sequential or parallel (per-item mode only)")
	flags.IntVar(&f.maxConcurrent, "max-concurrent", 0, "Parallel call limit (0 uses the CPU count)")
	flags.StringVar(&f.initiatedBy, "initiated-by", "yepcode-cli", "Value of the Yep-Initiated-By header")
	flags.StringVar(&f.comment, "comment", "", "Execution comment")
}

// request fills the shared part of a processor request
func (f *batchFlags) request(stdin io.Reader, operation string) (*processor.Request, error) {
	items, err := readItems(f.items, stdin)
	if err != nil {
		return nil, err
	}

	req := &processor.Request{
		Operation:      operation,
		Mode:           f.mode,
		Items:          items,
		ContinueOnFail: f.continueOnFail,
		Strategy:       f.strategy,
		MaxConcurrent:  f.maxConcurrent,
	}
	if f.noContext {
		req.AddContext = execution.Bool(false)
	}
	if f.contextJSON != "" {
		if err := json.Unmarshal([]byte(f.contextJSON), &req.Context); err != nil {
			return nil, &sdkerrors.PayloadError{Reason: "--context must be a JSON object", Err: err}
		}
	}
	return req, nil
}

func (a *app) runProcessCmd() *cobra.Command {
	var (
		batch              batchFlags
		processID          string
		processVersion     string
		async              bool
		params             []string
		paramsJSON         string
		parametersFromItem bool
		validate           bool
	)

	cmd := &cobra.Command{
		Use:   "run-process",
		Short: "Execute a published process for a batch of items",
		Long: `Execute a published process once for all items or once per item.

Parameters are merged in this order: --params-json, then --param, then the
item JSON when --params-from-item is set. Synchronous runs print the process
output; --async prints the execution acknowledgement.

Examples:
  yepcode run-process --process invoice-sync --param customer=42
  yepcode run-process --process p1 --items - --mode runOnceForEachItem < items.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := batch.request(cmd.InOrStdin(), processor.OperationRunProcess)
			if err != nil {
				return err
			}
			parameters, err := parseParams(params)
			if err != nil {
				return err
			}
			req.Process = &processor.ProcessRequest{
				ID:                 processID,
				Version:            processVersion,
				Synchronous:        execution.Bool(!async),
				Parameters:         parameters,
				ParametersJSON:     paramsJSON,
				ParametersFromItem: parametersFromItem,
				InitiatedBy:        batch.initiatedBy,
				Comment:            batch.comment,
				Validate:           validate,
			}
			return a.execute(cmd, req)
		},
	}

	batch.register(cmd)
	flags := cmd.Flags()
	flags.StringVarP(&processID, "process", "p", "", "Process id or slug")
	flags.StringVar(&processVersion, "process-version", "", "Version id or alias ($CURRENT when empty)")
	flags.BoolVar(&async, "async", false, "Return as soon as the execution is created")
	flags.StringArrayVar(&params, "param", nil, "Parameter as key=value; JSON values are decoded (repeatable)")
	flags.StringVar(&paramsJSON, "params-json", "", "Parameters as a JSON object")
	flags.BoolVar(&parametersFromItem, "params-from-item", false, "Use each item's JSON as parameters")
	flags.BoolVar(&validate, "validate", false, "Check parameters against the process schema before running")
	_ = cmd.MarkFlagRequired("process")
	return cmd
}

func (a *app) runCodeCmd() *cobra.Command {
	var (
		batch        batchFlags
		code         string
		file         string
		language     string
		removeOnDone bool
		syntaxCheck  bool
	)

	cmd := &cobra.Command{
		Use:   "run-code",
		Short: "Run ad-hoc JavaScript or Python source for a batch of items",
		Long: `Run ad-hoc source on the platform sandbox.

The language is detected from the source when --language is not set.
--syntax-check parses JavaScript locally and fails before any request is sent.

Examples:
  yepcode run-code --code 'return { ok: true }'
  yepcode run-code --file job.py --language python --remove-on-done`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			source := code
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return &sdkerrors.PayloadError{Reason: "read source file", Err: err}
				}
				source = string(data)
			}

			req, err := batch.request(cmd.InOrStdin(), processor.OperationRunCode)
			if err != nil {
				return err
			}
			req.Code = &processor.CodeRequest{
				Code:         source,
				Language:     language,
				RemoveOnDone: removeOnDone,
				InitiatedBy:  batch.initiatedBy,
				Comment:      batch.comment,
				SyntaxCheck:  syntaxCheck,
			}
			return a.execute(cmd, req)
		},
	}

	batch.register(cmd)
	flags := cmd.Flags()
	flags.StringVar(&code, "code", "", "Source to run")
	flags.StringVarP(&file, "file", "f", "", "Read the source from a file")
	flags.StringVar(&language, "language", "", "javascript or python")
	flags.BoolVar(&removeOnDone, "remove-on-done", false, "Delete the execution once it finishes")
	flags.BoolVar(&syntaxCheck, "syntax-check", false, "Parse JavaScript locally before submitting")
	cmd.MarkFlagsMutuallyExclusive("code", "file")
	cmd.MarkFlagsOneRequired("code", "file")
	return cmd
}

// execute validates req, runs it on a freshly built engine and prints the results
func (a *app) execute(cmd *cobra.Command, req *processor.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}

	return a.withStack(cmd, func(ctx context.Context, stack *config.Stack) (any, error) {
		var (
			results []execution.Result
			err     error
		)
		switch req.Operation {
		case processor.OperationRunProcess:
			results, err = stack.Engine.RunProcess(ctx, req.Items, req.ProcessConfig())
		case processor.OperationRunCode:
			results, err = stack.Engine.RunCode(ctx, req.Items, req.CodeConfig())
		}
		if err != nil {
			return nil, err
		}
		if results == nil {
			results = []execution.Result{}
		}
		return processor.Response{Results: results}, nil
	})
}

// readItems loads items from a file, stdin ("-") or defaults to one empty item.
// Plain objects are wrapped as item JSON.
func readItems(source string, stdin io.Reader) ([]execution.Item, error) {
	if source == "" {
		return []execution.Item{{JSON: map[string]any{}}}, nil
	}

	var (
		data []byte
		err  error
	)
	if source == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, &sdkerrors.PayloadError{Reason: "read items", Err: err}
	}

	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &sdkerrors.PayloadError{Reason: "items must be a JSON array of objects", Err: err}
	}

	items := make([]execution.Item, len(raw))
	for i, obj := range raw {
		body, wrapped := obj["json"].(map[string]any)
		if !wrapped {
			items[i] = execution.Item{JSON: obj}
			continue
		}
		items[i] = execution.Item{JSON: body}
		if binary, ok := obj["binary"].(map[string]any); ok {
			items[i].Binary = binary
		}
	}
	return items, nil
}

// parseParams turns key=value pairs into parameters; values that parse as JSON keep their type
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, &sdkerrors.PayloadError{Reason: fmt.Sprintf("--param %q must be key=value", pair)}
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			params[key] = decoded
		} else {
			params[key] = value
		}
	}
	return params, nil
}
