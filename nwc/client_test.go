package nwc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/relaynet/corepool/cache"
	"github.com/relaynet/corepool/crypto"
	"github.com/relaynet/corepool/event"
	"github.com/relaynet/corepool/pool"
	"github.com/relaynet/corepool/subscription"
)

const (
	clientSecretHex = "1111111111111111111111111111111111111111111111111111111111111a"
	walletSecretHex = "2222222222222222222222222222222222222222222222222222222222222b"
)

// walletDouble is a minimal wallet-service relay double: it accepts
// EVENT publishes with an OK, and for kind-23194 requests it decrypts,
// builds a trivial {"result_type":"...","result":{"ok":true}} NIP-47
// response, encrypts it back, and pushes it over the same connection
// tagged with the request's id, on the sub id of the last REQ it saw.
func walletDouble(t *testing.T, walletSigner *crypto.KeySigner, walletPriv string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	encryptor := crypto.NIPEncryptor{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var subID string
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame []any
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			verb, _ := frame[0].(string)
			switch verb {
			case "REQ":
				subID, _ = frame[1].(string)
				reply, _ := json.Marshal([]any{"EOSE", subID})
				_ = conn.WriteMessage(websocket.TextMessage, reply)
			case "EVENT":
				raw, _ := json.Marshal(frame[1])
				var req event.Event
				if err := json.Unmarshal(raw, &req); err != nil {
					continue
				}
				ok, _ := json.Marshal([]any{"OK", req.ID, true, ""})
				_ = conn.WriteMessage(websocket.TextMessage, ok)

				if req.Kind != event.KindNWCRequest {
					continue
				}
				plaintext, err := encryptor.Decrypt(req.Content, req.PubKey, walletPriv, crypto.SchemeModern)
				if err != nil {
					continue
				}
				var parsed struct {
					Method string `json:"method"`
				}
				_ = json.Unmarshal([]byte(plaintext), &parsed)

				respBody, _ := json.Marshal(map[string]any{
					"result_type": parsed.Method,
					"result":      map[string]any{"ok": true},
				})
				ciphertext, err := encryptor.Encrypt(string(respBody), req.PubKey, walletPriv, crypto.SchemeModern)
				if err != nil {
					continue
				}
				respEvt := event.Event{
					Kind:      event.KindNWCResponse,
					Content:   ciphertext,
					CreatedAt: time.Now().Unix(),
					Tags:      event.Tags{{"e", req.ID}, {"p", req.PubKey}},
				}
				_ = walletSigner.Sign(&respEvt)
				out, _ := json.Marshal([]any{"EVENT", subID, respEvt})
				_ = conn.WriteMessage(websocket.TextMessage, out)
			}
		}
	}))
}

func alwaysValid(event.Event) (bool, error) { return true, nil }

func TestRequestRoundTrip(t *testing.T) {
	walletSigner, err := crypto.NewKeySigner(walletSecretHex)
	require.NoError(t, err)
	walletPub, err := walletSigner.GetPublicKey()
	require.NoError(t, err)

	srv := walletDouble(t, walletSigner, walletSecretHex)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	p := pool.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	require.NoError(t, p.AddRelay(ctx, url, pool.Metadata{Read: true, Write: true}))
	require.Eventually(t, func() bool { return len(p.RelayURLs()) == 1 }, time.Second, 5*time.Millisecond)

	c := cache.New(100, alwaysValid)
	sub := subscription.New(p, c, alwaysValid)
	go sub.Run(ctx)
	defer sub.Close()

	client, err := NewClient(p, sub, clientSecretHex, walletPub, []string{url}, WithResponseTimeout(3*time.Second))
	require.NoError(t, err)

	result, err := client.Request(ctx, "get_balance", nil)
	require.NoError(t, err)

	var decoded struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, json.Unmarshal(result, &decoded))
	require.True(t, decoded.OK)
}

func TestRequestTimesOutWithNoResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	p := pool.New(pool.WithAckTimeout(200 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	require.NoError(t, p.AddRelay(ctx, url, pool.Metadata{Read: true, Write: true}))
	require.Eventually(t, func() bool { return len(p.RelayURLs()) == 1 }, time.Second, 5*time.Millisecond)

	c := cache.New(100, alwaysValid)
	sub := subscription.New(p, c, alwaysValid)
	go sub.Run(ctx)
	defer sub.Close()

	walletSigner, err := crypto.NewKeySigner(walletSecretHex)
	require.NoError(t, err)
	walletPub, err := walletSigner.GetPublicKey()
	require.NoError(t, err)

	client, err := NewClient(p, sub, clientSecretHex, walletPub, []string{url}, WithResponseTimeout(100*time.Millisecond))
	require.NoError(t, err)

	_, err = client.Request(ctx, "get_balance", nil)
	require.Error(t, err)
}

func TestRateLimitRejectsBurst(t *testing.T) {
	walletSigner, err := crypto.NewKeySigner(walletSecretHex)
	require.NoError(t, err)
	walletPub, err := walletSigner.GetPublicKey()
	require.NoError(t, err)

	p := pool.New()
	sub := subscription.New(p, cache.New(10, alwaysValid), alwaysValid)

	client, err := NewClient(p, sub, clientSecretHex, walletPub, nil, WithRateLimit(1, time.Minute))
	require.NoError(t, err)

	require.NoError(t, client.limiter.TryAcquire())
	err = client.limiter.TryAcquire()
	require.Error(t, err)
}

func TestMonitorQuorumReturnsImmediatelyWhenHealthy(t *testing.T) {
	walletSigner, err := crypto.NewKeySigner(walletSecretHex)
	require.NoError(t, err)
	walletPub, err := walletSigner.GetPublicKey()
	require.NoError(t, err)

	srv := walletDouble(t, walletSigner, walletSecretHex)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	p := pool.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	require.NoError(t, p.AddRelay(ctx, url, pool.Metadata{Read: true, Write: true}))
	require.Eventually(t, func() bool { return len(p.RelayURLs()) == 1 }, time.Second, 5*time.Millisecond)

	sub := subscription.New(p, cache.New(10, alwaysValid), alwaysValid)
	client, err := NewClient(p, sub, clientSecretHex, walletPub, []string{url})
	require.NoError(t, err)

	// A relay with no recorded publishes yet is neither successful nor
	// quarantined — hasQuorum treats "known to the pool, not
	// quarantined" as healthy, so this returns without ever sleeping.
	done := make(chan struct{})
	go func() {
		client.MonitorQuorum(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("MonitorQuorum should return immediately when the configured relay has quorum")
	}
}

func TestMonitorQuorumStopsOnContextCancel(t *testing.T) {
	walletSigner, err := crypto.NewKeySigner(walletSecretHex)
	require.NoError(t, err)
	walletPub, err := walletSigner.GetPublicKey()
	require.NoError(t, err)

	p := pool.New()
	sub := subscription.New(p, cache.New(10, alwaysValid), alwaysValid)
	// No relay ever added: the configured relay never appears healthy.
	client, err := NewClient(p, sub, clientSecretHex, walletPub, []string{"wss://unreachable.invalid"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		client.MonitorQuorum(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("MonitorQuorum should stop once ctx is cancelled")
	}
}
