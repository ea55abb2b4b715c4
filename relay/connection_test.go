package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/relaynet/corepool/event"
	"github.com/relaynet/corepool/ratelimit"
	"github.com/relaynet/corepool/wire"
)

// testRelayServer is a minimal relay double: it answers every message
// it receives, whatever its verb, with the same EOSE frame, just enough
// to exercise Connection's state transitions without a real relay.
func testRelayServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`["EOSE","probe"]`))
		}
	}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, url
}

func TestConnectionConnectsAndReceivesFrames(t *testing.T) {
	srv, url := testRelayServer(t)
	defer srv.Close()

	inbox := make(chan Inbound, 16)
	conn := New(url, inbox, WithConnectTimeout(2*time.Second), WithBackoff(ratelimit.BackoffPolicy{Base: time.Millisecond, Max: time.Second, MaxAttempts: 3}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	require.Eventually(t, func() bool { return conn.State() == StateConnected }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Subscribe("sub1", event.Filters{{Kinds: []event.Kind{1}}}))

	select {
	case msg := <-inbox:
		_, ok := msg.Frame.(wire.EOSEMsg)
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound frame")
	}

	conn.Close()
	require.Equal(t, StateDisconnected, conn.State())
}

func TestConnectionRejectsUnknownScheme(t *testing.T) {
	inbox := make(chan Inbound, 4)
	conn := New("http://example.com", inbox,
		WithConnectTimeout(50*time.Millisecond),
		WithBackoff(ratelimit.BackoffPolicy{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 5}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	conn.Run(ctx)
	elapsed := time.Since(start)

	require.Equal(t, StateFailed, conn.State())
	require.Less(t, elapsed, 200*time.Millisecond, "an unknown scheme must fail synchronously, not after retries/backoff")
}

func TestConnectionRejectsSendsUnlessConnected(t *testing.T) {
	inbox := make(chan Inbound, 4)
	conn := New("ws://127.0.0.1:1", inbox,
		WithConnectTimeout(50*time.Millisecond),
		WithBackoff(ratelimit.BackoffPolicy{Base: time.Hour, Max: time.Hour, MaxAttempts: 10}))

	require.Equal(t, StateDisconnected, conn.State())
	require.Error(t, conn.Subscribe("sub1", event.Filters{{Kinds: []event.Kind{1}}}))
	require.Error(t, conn.CloseSubscription("sub1"))
	require.Error(t, conn.Publish(event.Event{ID: "e1"}))
}

func TestConnectionFailsAfterBackoffExhausted(t *testing.T) {
	inbox := make(chan Inbound, 4)
	conn := New("ws://127.0.0.1:1", inbox,
		WithConnectTimeout(50*time.Millisecond),
		WithBackoff(ratelimit.BackoffPolicy{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 2}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn.Run(ctx)

	require.Equal(t, StateFailed, conn.State())
}
