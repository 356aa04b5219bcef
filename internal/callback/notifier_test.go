package callback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSignVerify(t *testing.T) {
	body := []byte(`{"event":"execution.completed"}`)
	ts := "2026-08-26T10:00:00Z"
	sig := Sign("secret", ts, body)

	assert.True(t, Verify("secret", ts, body, sig))
	assert.False(t, Verify("secret", "2026-08-26T10:00:01Z", body, sig))
	assert.False(t, Verify("other", ts, body, sig))
	assert.False(t, Verify("secret", ts, []byte(`tampered`), sig))
	assert.False(t, Verify("secret", ts, body, ""))
}

// Any (secret, timestamp, body) triple verifies against its own
// signature and nothing else's.
func TestSignatureProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("round trip verifies", prop.ForAll(
		func(secret, timestamp, body string) bool {
			sig := Sign(secret, timestamp, []byte(body))
			if !Verify(secret, timestamp, []byte(body), sig) {
				return false
			}
			return !Verify(secret+"x", timestamp, []byte(body), sig)
		},
		gen.AlphaString(),
		gen.NumString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func testPayload() *Payload {
	return &Payload{
		Event:       EventExecutionCompleted,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		WorkspaceID: "ns",
		WorkflowID:  "wf",
		ExecutionID: "wf",
		RunID:       "r1",
		Data:        json.RawMessage(`{"output":42}`),
	}
}

func TestNotifier_DeliversSignedPayload(t *testing.T) {
	received := make(chan *http.Request, 1)
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(Config{URL: srv.URL, Secret: "hook-secret"}, zap.NewNop())
	defer n.Close()

	p := testPayload()
	require.NoError(t, n.Notify(context.Background(), p))

	r := <-received
	assert.Equal(t, EventExecutionCompleted, r.Header.Get("X-LinkFlow-Event"))

	timestamp := r.Header.Get("X-LinkFlow-Timestamp")
	_, err := time.Parse(time.RFC3339, timestamp)
	require.NoError(t, err, "timestamp header must be RFC3339, got %q", timestamp)

	signature := r.Header.Get("X-LinkFlow-Signature")
	assert.True(t, Verify("hook-secret", timestamp, gotBody, signature))

	var decoded Payload
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, p.ExecutionID, decoded.ExecutionID)
	assert.Equal(t, p.RunID, decoded.RunID)
	// The dedup key (execution_id, event, timestamp) depends on the
	// header and body carrying the same timestamp string.
	assert.Equal(t, timestamp, decoded.Timestamp)
}

func TestNotifier_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(Config{URL: srv.URL, MaxRetries: 3, RetryDelay: time.Millisecond}, zap.NewNop())
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), testPayload()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestNotifier_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNotifier(Config{URL: srv.URL, MaxRetries: 2, RetryDelay: time.Millisecond}, zap.NewNop())
	defer n.Close()

	err := n.Notify(context.Background(), testPayload())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, int32(2), calls.Load())
}

func TestNotifier_AsyncDelivery(t *testing.T) {
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(Config{URL: srv.URL}, zap.NewNop())
	defer n.Close()

	n.NotifyAsync(testPayload())
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("async callback never arrived")
	}
}

func TestNotifier_CloseFlushesQueue(t *testing.T) {
	var calls atomic.Int32
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(Config{URL: srv.URL, QueueSize: 10}, zap.NewNop())
	for i := 0; i < 3; i++ {
		n.NotifyAsync(testPayload())
	}
	close(block)
	n.Close()
	assert.Equal(t, int32(3), calls.Load())
}
