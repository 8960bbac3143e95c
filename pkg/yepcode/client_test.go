package yepcode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/yepcode-connector/pkg/auth"
	"github.com/wehubfusion/yepcode-connector/pkg/credentials"
	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
	"github.com/wehubfusion/yepcode-connector/pkg/transport"
)

// recordingDoer returns canned bodies keyed by endpoint and records every request
type recordingDoer struct {
	responses map[string]string
	errs      map[string]error
	requests  []transport.Request
}

func (d *recordingDoer) Do(_ context.Context, req transport.Request) (*transport.Response, error) {
	d.requests = append(d.requests, req)
	if err := d.errs[req.Endpoint]; err != nil {
		return nil, err
	}
	return &transport.Response{StatusCode: http.StatusOK, Body: []byte(d.responses[req.Endpoint])}, nil
}

func (d *recordingDoer) last() transport.Request {
	return d.requests[len(d.requests)-1]
}

func bodyJSON(t *testing.T, body any) map[string]any {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestExecuteProcessSync(t *testing.T) {
	doer := &recordingDoer{responses: map[string]string{
		"processes/p1/execute-sync": `{"greeting":"hello"}`,
	}}
	client := NewClient(doer)

	out, ok, err := client.ExecuteProcessSync(context.Background(), "p1", map[string]any{"name": "ada"}, ExecuteOptions{
		Version:     "v2",
		Comment:     "nightly",
		InitiatedBy: "workflow-7",
	})

	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"greeting": "hello"}, out)

	req := doer.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "workflow-7", req.Headers.Get(HeaderInitiatedBy))

	body := bodyJSON(t, req.Body)
	assert.Equal(t, "v2", body["tag"])
	assert.Equal(t, "nightly", body["comment"])
	params, isString := body["parameters"].(string)
	require.True(t, isString, "parameters travel as a JSON string")
	assert.JSONEq(t, `{"name":"ada"}`, params)
}

func TestExecuteProcessSync_CurrentVersionSendsEmptyTag(t *testing.T) {
	doer := &recordingDoer{responses: map[string]string{}}
	client := NewClient(doer)

	out, ok, err := client.ExecuteProcessSync(context.Background(), "p1", nil, ExecuteOptions{Version: CurrentVersion})

	require.NoError(t, err)
	assert.False(t, ok, "empty body yields no output")
	assert.Nil(t, out)

	req := doer.last()
	assert.Nil(t, req.Headers)
	body := bodyJSON(t, req.Body)
	assert.Equal(t, "", body["tag"])
	assert.Equal(t, "{}", body["parameters"])
}

func TestExecuteProcessAsync(t *testing.T) {
	doer := &recordingDoer{responses: map[string]string{
		"processes/p%201/execute": `{"executionId":"ex-1","status":"CREATED"}`,
	}}
	ref, err := NewClient(doer).ExecuteProcessAsync(context.Background(), "p 1", map[string]any{}, ExecuteOptions{})

	require.NoError(t, err)
	assert.Equal(t, &ExecutionRef{ExecutionID: "ex-1", ProcessID: "p 1", Status: "CREATED"}, ref)
}

func TestExecuteProcess_RequiresProcessID(t *testing.T) {
	_, _, err := NewClient(&recordingDoer{}).ExecuteProcessSync(context.Background(), "", nil, ExecuteOptions{})
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidPayload)
}

func TestRunCode_UsesSandbox(t *testing.T) {
	api := &recordingDoer{}
	sandbox := &recordingDoer{responses: map[string]string{
		"run": `{"id":"ex-9","logs":[],"processId":"tmp","status":"FINISHED","returnValue":42,"timeline":{"explorer":1},"extra":"ignored"}`,
	}}
	client := NewClient(api, WithSandbox(sandbox))

	execution, err := client.RunCode(context.Background(), "return 42", RunOptions{
		Language:   LanguageJavaScript,
		Parameters: map[string]any{"n8n": map[string]any{"items": []any{}}},
	})
	require.NoError(t, err)
	assert.Empty(t, api.requests)

	fields := execution.Fields()
	assert.Len(t, fields, 9)
	assert.Equal(t, "ex-9", fields["id"])
	assert.EqualValues(t, 42, fields["returnValue"])
	assert.NotContains(t, fields, "extra")

	body := bodyJSON(t, sandbox.last().Body)
	assert.Equal(t, "return 42", body["code"])
	options := body["options"].(map[string]any)
	assert.Equal(t, "javascript", options["language"])
	assert.Equal(t, false, options["removeOnDone"])
	assert.Contains(t, options, "parameters")
	assert.NotContains(t, options, "comment")
}

func TestRunCode_AutoLanguageOmitted(t *testing.T) {
	sandbox := &recordingDoer{responses: map[string]string{"run": `{}`}}
	_, err := NewClient(sandbox).RunCode(context.Background(), "print(1)", RunOptions{RemoveOnDone: true})
	require.NoError(t, err)

	options := bodyJSON(t, sandbox.last().Body)["options"].(map[string]any)
	assert.NotContains(t, options, "language")
	assert.NotContains(t, options, "parameters")
	assert.Equal(t, true, options["removeOnDone"])
}

func TestParseLanguage(t *testing.T) {
	for _, name := range []string{"", "javascript", "python"} {
		_, err := ParseLanguage(name)
		assert.NoError(t, err)
	}
	_, err := ParseLanguage("cobol")
	assert.ErrorIs(t, err, sdkerrors.ErrInvalidPayload)
}

func TestClient_AgainstPlatform(t *testing.T) {
	clientID := "sa-acme-1a2b3c4d"
	token := credentials.Compose(clientID, "secret")

	mux := http.NewServeMux()
	mux.HandleFunc("/api/acme/rest/auth/token", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, token, r.Header.Get("x-api-token"))
		_, _ = w.Write([]byte(`{"access_token":"bearer-1","expires_in":3600}`))
	})
	mux.HandleFunc("/api/acme/rest/processes/p1/execute-sync", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer bearer-1", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"sum":3}`))
	})
	mux.HandleFunc("/run/whoami", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, token, r.Header.Get("x-api-token"))
		_, _ = w.Write([]byte(`{"teamId":"acme"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cred := credentials.Credential{APIToken: token, APIHost: server.URL}
	tenant, err := auth.SelectStrategy(cred, auth.ModeAuto, auth.NewAPITokenExchanger(server.Client(), nil), nil)
	require.NoError(t, err)

	client := NewClient(
		transport.NewDispatcher(tenant, transport.Options{}),
		WithSandbox(transport.NewDispatcher(auth.NewAPIKeyStrategy(cred), transport.Options{})),
	)

	out, ok, err := client.ExecuteProcessSync(context.Background(), "p1", map[string]any{"a": 1, "b": 2}, ExecuteOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 3, out.(map[string]any)["sum"])

	me, err := client.WhoAmI(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "acme", me["teamId"])
}

func TestClient_RemoteErrorPropagates(t *testing.T) {
	doer := &recordingDoer{errs: map[string]error{
		"processes/p1/execute-sync": &sdkerrors.RemoteCallError{Method: "POST", URL: "u", StatusCode: 500},
	}}
	_, _, err := NewClient(doer).ExecuteProcessSync(context.Background(), "p1", nil, ExecuteOptions{})
	assert.ErrorIs(t, err, sdkerrors.ErrRemoteCallFailed)
	assert.True(t, strings.Contains(err.Error(), "status 500"))
}
