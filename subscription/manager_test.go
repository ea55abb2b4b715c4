package subscription

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/relaynet/corepool/cache"
	"github.com/relaynet/corepool/event"
	"github.com/relaynet/corepool/pool"
)

func alwaysValid(event.Event) (bool, error) { return true, nil }

// scriptedRelay accepts every REQ, immediately EOSEs it, and lets the
// test push further EVENT frames to it afterward via push().
type scriptedRelay struct {
	srv       *httptest.Server
	url       string
	conn      chan *websocket.Conn
	lastSubID atomic.Value
}

func newScriptedRelay(t *testing.T) *scriptedRelay {
	t.Helper()
	upgrader := websocket.Upgrader{}
	sr := &scriptedRelay{conn: make(chan *websocket.Conn, 1)}
	sr.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sr.conn <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame []any
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			if verb, _ := frame[0].(string); verb == "REQ" {
				subID, _ := frame[1].(string)
				sr.lastSubID.Store(subID)
				reply, _ := json.Marshal([]any{"EOSE", subID})
				_ = conn.WriteMessage(websocket.TextMessage, reply)
			}
		}
	}))
	sr.url = "ws" + strings.TrimPrefix(sr.srv.URL, "http")
	return sr
}

func (sr *scriptedRelay) push(t *testing.T, evt event.Event) {
	t.Helper()
	conn := <-sr.conn
	sr.conn <- conn
	subID, _ := sr.lastSubID.Load().(string)
	data, err := json.Marshal([]any{"EVENT", subID, evt})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestRegisterMergesCompatibleIntents(t *testing.T) {
	srv := newScriptedRelay(t)
	defer srv.srv.Close()

	p := pool.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	require.NoError(t, p.AddRelay(ctx, srv.url, pool.Metadata{Read: true, Write: true}))
	require.Eventually(t, func() bool { return len(p.RelayURLs()) == 1 }, time.Second, 5*time.Millisecond)

	c := cache.New(100, alwaysValid)
	m := New(p, c, alwaysValid)
	go m.Run(ctx)
	defer m.Close()

	it1, err := m.Register(event.Filters{{Authors: []string{"alice"}, Kinds: []event.Kind{1}}}, DefaultIntentOptions())
	require.NoError(t, err)
	it2, err := m.Register(event.Filters{{Authors: []string{"bob"}, Kinds: []event.Kind{1}}}, DefaultIntentOptions())
	require.NoError(t, err)

	require.Len(t, m.upstreams, 1, "compatible single-filter intents should merge into one upstream sub")
	require.NotEqual(t, it1.ID, it2.ID)
}

func TestCancelLastContributorClosesUpstream(t *testing.T) {
	srv := newScriptedRelay(t)
	defer srv.srv.Close()

	p := pool.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	require.NoError(t, p.AddRelay(ctx, srv.url, pool.Metadata{Read: true, Write: true}))
	require.Eventually(t, func() bool { return len(p.RelayURLs()) == 1 }, time.Second, 5*time.Millisecond)

	c := cache.New(100, alwaysValid)
	m := New(p, c, alwaysValid)
	go m.Run(ctx)
	defer m.Close()

	it, err := m.Register(event.Filters{{Kinds: []event.Kind{1}}}, DefaultIntentOptions())
	require.NoError(t, err)
	require.Len(t, m.upstreams, 1)

	m.Cancel(it.ID)
	require.Empty(t, m.upstreams)

	select {
	case <-it.Done:
	default:
		t.Fatal("cancelled intent's Done channel should be closed")
	}
}

func TestInboundEventDeliveredAndDeduped(t *testing.T) {
	srv := newScriptedRelay(t)
	defer srv.srv.Close()

	p := pool.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	require.NoError(t, p.AddRelay(ctx, srv.url, pool.Metadata{Read: true, Write: true}))
	require.Eventually(t, func() bool { return len(p.RelayURLs()) == 1 }, time.Second, 5*time.Millisecond)

	c := cache.New(100, alwaysValid)
	m := New(p, c, alwaysValid)
	go m.Run(ctx)
	defer m.Close()

	opts := DefaultIntentOptions()
	opts.CacheResults = true
	it, err := m.Register(event.Filters{{Kinds: []event.Kind{1}}}, opts)
	require.NoError(t, err)

	evt := event.Event{ID: "e1", PubKey: "p1", Kind: 1, CreatedAt: time.Now().Unix()}
	srv.push(t, evt)

	select {
	case got := <-it.Events:
		require.Equal(t, "e1", got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected event delivery")
	}

	require.Eventually(t, func() bool {
		_, ok := c.Get("e1")
		return ok
	}, time.Second, 5*time.Millisecond)

	// pushing the same event again should be deduped, not re-delivered
	srv.push(t, evt)
	select {
	case <-it.Events:
		t.Fatal("duplicate event should have been filtered")
	case <-time.After(200 * time.Millisecond):
	}
	require.Equal(t, int64(1), m.DuplicatesFiltered())
}

// TestDefaultOptionsDedupAcrossRelays exercises §8 E2E scenario 2
// exactly: an intent registered with DefaultIntentOptions() (dedup=true,
// cacheResults left at its zero value, false) must still see exactly one
// delivery when two relays deliver the same event id, with both relays
// recorded as sources.
func TestDefaultOptionsDedupAcrossRelays(t *testing.T) {
	r1 := newScriptedRelay(t)
	defer r1.srv.Close()
	r2 := newScriptedRelay(t)
	defer r2.srv.Close()

	p := pool.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	require.NoError(t, p.AddRelay(ctx, r1.url, pool.Metadata{Read: true, Write: true}))
	require.NoError(t, p.AddRelay(ctx, r2.url, pool.Metadata{Read: true, Write: true}))
	require.Eventually(t, func() bool { return len(p.RelayURLs()) == 2 }, time.Second, 5*time.Millisecond)

	c := cache.New(100, alwaysValid)
	m := New(p, c, alwaysValid)
	go m.Run(ctx)
	defer m.Close()

	opts := DefaultIntentOptions()
	require.False(t, opts.CacheResults, "this test only means anything with cacheResults at its zero value")
	it, err := m.Register(event.Filters{{Kinds: []event.Kind{1}, Authors: []string{"A"}}}, opts)
	require.NoError(t, err)

	evt := event.Event{ID: "x1", PubKey: "A", Kind: 1, CreatedAt: time.Now().Unix()}
	r1.push(t, evt)

	select {
	case got := <-it.Events:
		require.Equal(t, "x1", got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected first delivery from r1")
	}

	r2.push(t, evt)
	select {
	case <-it.Events:
		t.Fatal("duplicate delivery from r2 should have been deduped")
	case <-time.After(200 * time.Millisecond):
	}

	require.Equal(t, int64(1), m.DuplicatesFiltered())
	require.ElementsMatch(t, []string{r1.url, r2.url}, c.Sources("x1"))
}

// twoFilterIntent builds a filter set that merge.go's single-filter
// reduction never merges, so each registration gets its own upstream
// sub and can be used to exercise per-relay subscription-cap admission.
func twoFilterIntent(author string) event.Filters {
	return event.Filters{
		{Authors: []string{author}, Kinds: []event.Kind{1}},
		{Authors: []string{author}, Kinds: []event.Kind{2}},
	}
}

func TestPriorityDisplacesLowerPriorityUpstreamAtCapacity(t *testing.T) {
	srv := newScriptedRelay(t)
	defer srv.srv.Close()

	p := pool.New(pool.WithMaxSubsPerRelay(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	require.NoError(t, p.AddRelay(ctx, srv.url, pool.Metadata{Read: true, Write: true}))
	require.Eventually(t, func() bool { return len(p.RelayURLs()) == 1 }, time.Second, 5*time.Millisecond)

	c := cache.New(100, alwaysValid)
	m := New(p, c, alwaysValid)
	go m.Run(ctx)
	defer m.Close()

	lowOpts := DefaultIntentOptions()
	lowOpts.Priority = PriorityLow
	itLow, err := m.Register(twoFilterIntent("alice"), lowOpts)
	require.NoError(t, err)
	require.Len(t, m.upstreams, 1, "the relay's single slot should be filled by the first registration")

	criticalOpts := DefaultIntentOptions()
	criticalOpts.Priority = PriorityCritical
	itCritical, err := m.Register(twoFilterIntent("bob"), criticalOpts)
	require.NoError(t, err)

	require.Len(t, m.upstreams, 1, "the low-priority upstream should be displaced, not stacked alongside the new one")

	select {
	case <-itLow.Done:
		t.Fatal("a displaced intent is queued for retry, not cancelled")
	default:
	}
	m.mu.Lock()
	pendingHasLow := false
	for _, it := range m.pendingBack {
		if it.ID == itLow.ID {
			pendingHasLow = true
		}
	}
	m.mu.Unlock()
	require.True(t, pendingHasLow, "displaced intent should be queued in pendingBack")

	// Freeing the critical intent's slot should let the backfill admit
	// the queued low-priority intent again.
	m.Cancel(itCritical.ID)
	m.retryBackfill()

	m.mu.Lock()
	_, lowReadmitted := m.intents[itLow.ID]
	stillPending := len(m.pendingBack)
	m.mu.Unlock()
	require.True(t, lowReadmitted, "low-priority intent should be re-admitted once headroom returns")
	require.Zero(t, stillPending)
}
