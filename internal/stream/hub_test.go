package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// dialTestClient connects a websocket client registered for a namespace.
func dialTestClient(t *testing.T, hub *Hub, namespace string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		hub.Register(conn, namespace)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestHub_BroadcastsToNamespace(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := dialTestClient(t, hub, "ns1")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	hub.Publish(&Event{
		Event:       "execution.started",
		NamespaceID: "ns1",
		WorkflowID:  "wf",
		RunID:       "r1",
		Timestamp:   time.Now().UTC(),
	})

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, "execution.started", got.Event)
	assert.Equal(t, "r1", got.RunID)
}

func TestHub_NamespaceIsolation(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	other := dialTestClient(t, hub, "other")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	hub.Publish(&Event{Event: "execution.started", NamespaceID: "ns1", RunID: "r1"})

	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var got Event
	err := other.ReadJSON(&got)
	require.Error(t, err, "client in another namespace must not receive the event")
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	client := dialTestClient(t, hub, "ns1")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		time.Second, 10*time.Millisecond)

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := client.ReadMessage()
	assert.Error(t, err)
}

func TestHub_AttachDetachAfterShutdownReturns(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	client := dialTestClient(t, hub, "ns1")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		time.Second, 10*time.Millisecond)

	// With the main loop gone, attach and detach must not hang on the
	// undrained channels.
	done := make(chan struct{})
	go func() {
		hub.Register(client, "ns1")
		hub.Unregister(client)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("register/unregister blocked after shutdown")
	}
	assert.Equal(t, 0, hub.ClientCount())
}
