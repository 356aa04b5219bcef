package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/linkflow/engine/internal/codec"
	"github.com/linkflow/engine/internal/engine"
	"github.com/linkflow/engine/internal/history"
	"github.com/linkflow/engine/internal/matching"
	"github.com/linkflow/engine/internal/state"
	"github.com/linkflow/engine/internal/stream"
	"github.com/linkflow/engine/internal/timer"
	"github.com/linkflow/engine/internal/variables"
	"github.com/linkflow/engine/internal/visibility"
)

const testToken = "test-token"

func newTestServer(t *testing.T) (*httptest.Server, *matching.Service) {
	t.Helper()
	ser := codec.NewJSON()
	logger := zap.NewNop()

	matchingSvc := matching.NewService(matching.NewMemoryTaskStore(), matching.Config{
		QueueCapacity:  100,
		GlobalRPS:      100000,
		GlobalBurst:    100000,
		NamespaceRPS:   100000,
		NamespaceBurst: 100000,
		DefaultTimeout: 30 * time.Second,
	}, logger)
	t.Cleanup(matchingSvc.Close)

	visibilityStore := visibility.NewMemoryStore()
	hub := stream.NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	eng := engine.New(engine.Deps{
		History:    history.NewMemoryStore(),
		State:      state.NewMemoryStore(ser),
		Visibility: visibilityStore,
		Matching:   matchingSvc,
		Timers:     timer.NewService(timer.NewMemoryStore(), nil, nil, timer.Config{}, logger),
		Resolver:   variables.NewResolver(variables.NewMemoryStore()),
		Hub:        hub,
		Guard:      engine.NewMemoryStartGuard(),
		Codec:      ser,
	}, engine.Config{ShardCount: 4}, logger)
	t.Cleanup(eng.Close)

	server := NewServer(eng, visibilityStore, hub, Config{BearerToken: testToken}, logger)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return ts, matchingSvc
}

func doRequest(t *testing.T, method, url string, body any, authed bool) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func startBody(idempotencyKey string) map[string]any {
	return map[string]any{
		"workflow_id":     "wf-1",
		"workflow_type":   "test",
		"idempotency_key": idempotencyKey,
		"definition": map[string]any{
			"name":  "linear",
			"nodes": []map[string]any{{"id": "a", "type": "noop"}},
		},
		"input": map[string]any{"n": 1},
	}
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/namespaces/ns/workflows", startBody(""), false)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStartWorkflow(t *testing.T) {
	ts, _ := newTestServer(t)
	url := ts.URL + "/api/v1/namespaces/ns/workflows"

	resp := doRequest(t, http.MethodPost, url, startBody("req-1"), true)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var first engine.StartResponse
	decodeBody(t, resp, &first)
	assert.True(t, first.Started)
	assert.NotEmpty(t, first.RunID)

	// A duplicate start returns 200 with the original run.
	resp = doRequest(t, http.MethodPost, url, startBody("req-1"), true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var second engine.StartResponse
	decodeBody(t, resp, &second)
	assert.False(t, second.Started)
	assert.Equal(t, first.RunID, second.RunID)
}

func TestStartWorkflowInvalidDAG(t *testing.T) {
	ts, _ := newTestServer(t)
	body := map[string]any{
		"workflow_id": "wf-cyclic",
		"definition": map[string]any{
			"nodes": []map[string]any{{"id": "a"}, {"id": "b"}},
			"edges": []map[string]any{
				{"from": "a", "to": "b"},
				{"from": "b", "to": "a"},
			},
		},
	}
	resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/namespaces/ns/workflows", body, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestStartWorkflowMalformedBody(t *testing.T) {
	ts, _ := newTestServer(t)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/namespaces/ns/workflows",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetExecution(t *testing.T) {
	ts, _ := newTestServer(t)
	doRequest(t, http.MethodPost, ts.URL+"/api/v1/namespaces/ns/workflows", startBody(""), true).Body.Close()

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/namespaces/ns/workflows/wf-1", nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var details engine.ExecutionDetails
	decodeBody(t, resp, &details)
	assert.Equal(t, "wf-1", details.ExecutionInfo.WorkflowID)
	assert.Equal(t, "Running", string(details.Status))

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/v1/namespaces/ns/workflows/nope", nil, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelExecution(t *testing.T) {
	ts, _ := newTestServer(t)
	doRequest(t, http.MethodPost, ts.URL+"/api/v1/namespaces/ns/workflows", startBody(""), true).Body.Close()

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/namespaces/ns/workflows/wf-1/cancel",
		map[string]string{"reason": "test"}, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var details engine.ExecutionDetails
	got := doRequest(t, http.MethodGet, ts.URL+"/api/v1/namespaces/ns/workflows/wf-1", nil, true)
	decodeBody(t, got, &details)
	assert.Equal(t, "Canceled", string(details.Status))
}

func TestSendSignalRequiresName(t *testing.T) {
	ts, _ := newTestServer(t)
	doRequest(t, http.MethodPost, ts.URL+"/api/v1/namespaces/ns/workflows", startBody(""), true).Body.Close()

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/namespaces/ns/workflows/wf-1/signal",
		map[string]any{"data": map[string]int{"x": 1}}, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetHistory(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRequest(t, http.MethodPost, ts.URL+"/api/v1/namespaces/ns/workflows", startBody(""), true)
	var started engine.StartResponse
	decodeBody(t, resp, &started)

	url := fmt.Sprintf("%s/api/v1/namespaces/ns/workflows/wf-1/runs/%s/history", ts.URL, started.RunID)
	got := doRequest(t, http.MethodGet, url, nil, true)
	assert.Equal(t, http.StatusOK, got.StatusCode)

	var page struct {
		Events []struct {
			EventID   int64  `json:"event_id"`
			EventType string `json:"event_type"`
		} `json:"events"`
		NextPageToken string `json:"next_page_token"`
	}
	decodeBody(t, got, &page)
	require.Len(t, page.Events, 2)
	assert.Equal(t, "WorkflowStarted", page.Events[0].EventType)
	assert.Equal(t, "ActivityScheduled", page.Events[1].EventType)
	assert.Empty(t, page.NextPageToken)
}

func TestListExecutions(t *testing.T) {
	ts, _ := newTestServer(t)
	doRequest(t, http.MethodPost, ts.URL+"/api/v1/namespaces/ns/workflows", startBody(""), true).Body.Close()

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/v1/namespaces/ns/executions?status=open", nil, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Executions []struct {
			WorkflowID string `json:"workflow_id"`
		} `json:"executions"`
	}
	decodeBody(t, resp, &listing)
	require.Len(t, listing.Executions, 1)
	assert.Equal(t, "wf-1", listing.Executions[0].WorkflowID)

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/v1/namespaces/ns/executions?status=closed", nil, true)
	var closed struct {
		Executions []json.RawMessage `json:"executions"`
	}
	decodeBody(t, resp, &closed)
	assert.Empty(t, closed.Executions)

	resp = doRequest(t, http.MethodGet, ts.URL+"/api/v1/namespaces/ns/executions?status=bogus", nil, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
