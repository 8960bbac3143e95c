package processor

import (
	"context"
	"errors"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
	"github.com/wehubfusion/yepcode-connector/pkg/execution"
	"github.com/wehubfusion/yepcode-connector/pkg/iteration"
	"github.com/wehubfusion/yepcode-connector/pkg/message"
)

type fakeRunner struct {
	processCfg *execution.ProcessConfig
	codeCfg    *execution.CodeConfig
	items      []execution.Item

	results []execution.Result
	err     error
}

func (f *fakeRunner) RunProcess(_ context.Context, items []execution.Item, cfg execution.ProcessConfig) ([]execution.Result, error) {
	f.items = items
	f.processCfg = &cfg
	return f.results, f.err
}

func (f *fakeRunner) RunCode(_ context.Context, items []execution.Item, cfg execution.CodeConfig) ([]execution.Result, error) {
	f.items = items
	f.codeCfg = &cfg
	return f.results, f.err
}

func requestMessage(body string) *message.Message {
	return message.NewWorkflowMessage("wf-1", "run-1").
		WithNode("node-1", nil).
		WithCorrelationID("corr-1").
		WithPayload("host", body, "")
}

func TestProcess_RunProcess(t *testing.T) {
	runner := &fakeRunner{results: []execution.Result{
		{JSON: map[string]any{"ok": true}, PairedItem: &execution.PairedItem{Item: 0}},
	}}
	p := New(runner, nil)

	body := `{
		"operation": "run_process",
		"mode": "runOnceForEachItem",
		"items": [{"json": {"a": 1}}],
		"continueOnFail": true,
		"strategy": "parallel",
		"maxConcurrent": 4,
		"context": {"workflow": {"id": "wf-1"}},
		"process": {"id": "p1", "version": "v2", "synchronous": false, "parameters": {"x": 1}, "comment": "c", "validate": true}
	}`
	msg := requestMessage(body).WithExecution("exec-1")

	out, err := p.Process(context.Background(), msg)
	require.NoError(t, err)

	cfg := runner.processCfg
	require.NotNil(t, cfg)
	assert.Equal(t, "p1", cfg.ProcessID)
	assert.Equal(t, "v2", cfg.Version)
	assert.Equal(t, execution.ModeEachItem, cfg.Mode)
	assert.True(t, cfg.ContinueOnFail)
	assert.Equal(t, iteration.StrategyParallel, cfg.Strategy)
	assert.Equal(t, 4, cfg.MaxConcurrent)
	assert.True(t, cfg.ValidateParameters)
	require.NotNil(t, cfg.Synchronous)
	assert.False(t, *cfg.Synchronous)
	assert.Equal(t, map[string]any{"workflow": map[string]any{"id": "wf-1"}}, cfg.HostContext.WorkflowData(0))
	assert.Nil(t, cfg.ParameterResolver)
	require.Len(t, runner.items, 1)

	assert.Equal(t, "exec-1", out.Payload.ExecutionID)
	assert.Equal(t, "wf-1", out.Payload.WorkflowID)
	assert.Equal(t, "run-1", out.Payload.RunID)
	assert.Equal(t, "node-1", out.Payload.NodeID)
	assert.Equal(t, "corr-1", out.CorrelationID)
	assert.Equal(t, ResultSource, out.Payload.Source)
	assert.Equal(t, OperationRunProcess, out.Metadata["operation"])
	assert.Contains(t, out.Metadata, "execution_time_ms")
	assert.JSONEq(t, `{"results":[{"json":{"ok":true},"pairedItem":{"item":0}}]}`, out.Payload.Data)
}

func TestProcess_RunCode(t *testing.T) {
	runner := &fakeRunner{}
	p := New(runner, nil)

	body := `{"operation":"run_code","items":[],"addContext":false,"code":{"code":"return 1","language":"javascript","syntaxCheck":true,"removeOnDone":true}}`
	out, err := p.Process(context.Background(), requestMessage(body))
	require.NoError(t, err)

	cfg := runner.codeCfg
	require.NotNil(t, cfg)
	assert.Equal(t, "return 1", cfg.Code)
	assert.Equal(t, "javascript", cfg.Language)
	assert.True(t, cfg.SyntaxCheck)
	assert.True(t, cfg.RemoveOnDone)
	require.NotNil(t, cfg.AddContext)
	assert.False(t, *cfg.AddContext)
	assert.Nil(t, cfg.HostContext)

	assert.NotEmpty(t, out.Payload.ExecutionID)
	assert.JSONEq(t, `{"results":[]}`, out.Payload.Data)
}

func TestProcess_ParametersFromItem(t *testing.T) {
	runner := &fakeRunner{}
	p := New(runner, nil)

	body := `{"operation":"run_process","items":[{"json":{"a":1}}],"process":{"id":"p1","parametersFromItem":true}}`
	_, err := p.Process(context.Background(), requestMessage(body))
	require.NoError(t, err)

	resolver := runner.processCfg.ParameterResolver
	require.NotNil(t, resolver)
	item := execution.Item{JSON: map[string]any{"a": 1}}
	params, err := resolver(item, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, params)

	params["b"] = 2
	assert.NotContains(t, item.JSON, "b")
}

func TestProcess_InvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing operation", `{"items":[]}`},
		{"unknown operation", `{"operation":"delete"}`},
		{"process without id", `{"operation":"run_process","process":{}}`},
		{"code without source", `{"operation":"run_code","code":{"language":"python"}}`},
		{"unknown mode", `{"operation":"run_code","mode":"sometimes","code":{"code":"x"}}`},
		{"negative concurrency", `{"operation":"run_code","maxConcurrent":-1,"code":{"code":"x"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			_, err := New(runner, nil).Process(context.Background(), requestMessage(tt.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, sdkerrors.ErrInvalidPayload)
			assert.Nil(t, runner.processCfg)
			assert.Nil(t, runner.codeCfg)
		})
	}
}

func TestProcess_MissingPayload(t *testing.T) {
	p := New(&fakeRunner{}, nil)

	_, err := p.Process(context.Background(), message.NewWorkflowMessage("wf", "run"))
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidPayload)

	_, err = p.Process(context.Background(), nil)
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidPayload)
}

func TestProcess_EngineErrorPassesThrough(t *testing.T) {
	want := sdkerrors.NewItemError(2, errors.New("boom"))
	p := New(&fakeRunner{err: want}, nil)

	_, err := p.Process(context.Background(), requestMessage(`{"operation":"run_code","code":{"code":"x"}}`))
	require.Error(t, err)
	idx, ok := sdkerrors.ItemIndex(err)
	require.True(t, ok)
	assert.Equal(t, 2, idx)
}

func TestResponse_Shape(t *testing.T) {
	data, err := json.Marshal(Response{Results: []execution.Result{{JSON: map[string]any{"k": "v"}}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"results":[{"json":{"k":"v"}}]}`, string(data))
}
