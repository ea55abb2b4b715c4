// Package relay implements C2: a single relay connection's state
// machine. It owns one websocket, retries it with jittered exponential
// backoff when it drops, and exposes inbound relay frames on a channel
// for the pool (C3) to fan in. It has no opinion about which
// subscriptions matter across relays — that's C3/C5's job — but it
// does replay its own REQs transparently across a reconnect, since a
// relay that hasn't been told to CLOSE should keep seeing what it
// asked for.
package relay

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/relaynet/corepool/errs"
	"github.com/relaynet/corepool/event"
	"github.com/relaynet/corepool/ratelimit"
	"github.com/relaynet/corepool/wire"
)

// State is a Connection's place in its state machine (§4.2).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Inbound wraps a frame received from the relay together with the
// originating Connection, for pool-level fan-in and source tracking.
type Inbound struct {
	URL   string
	Frame wire.RelayFrame
}

// activeReq is a REQ this Connection has been asked to maintain; it is
// replayed verbatim after every reconnect.
type activeReq struct {
	subID   string
	filters event.Filters
}

// ValidateURL reports whether url uses a scheme this Connection can
// dial. Per §4.2, anything other than ws:// or wss:// is a permanent
// configuration failure, not a retryable network error.
func ValidateURL(url string) error {
	if strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://") {
		return nil
	}
	return errs.New(errs.Configuration, "relay URL must use ws:// or wss:// scheme: "+url)
}

// Connection manages one relay's websocket lifecycle.
type Connection struct {
	URL           string
	RequestHeader http.Header

	connectTimeout time.Duration
	keepalive      time.Duration
	backoff        ratelimit.BackoffPolicy
	rng            *rand.Rand
	log            *slog.Logger
	configErr      error

	inbox chan Inbound

	mu         sync.Mutex
	state      State
	ws         *websocket.Conn
	outbound   chan []byte
	activeReqs *xsync.MapOf[string, activeReq]

	attempt int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Connection at construction.
type Option func(*Connection)

// WithConnectTimeout overrides the default 10s dial timeout.
func WithConnectTimeout(d time.Duration) Option { return func(c *Connection) { c.connectTimeout = d } }

// WithKeepalive overrides the default 25s ping interval.
func WithKeepalive(d time.Duration) Option { return func(c *Connection) { c.keepalive = d } }

// WithBackoff overrides the default reconnect backoff policy.
func WithBackoff(p ratelimit.BackoffPolicy) Option { return func(c *Connection) { c.backoff = p } }

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option { return func(c *Connection) { c.log = l } }

// WithHeader sets the request header used when dialing (e.g. Origin).
func WithHeader(h http.Header) Option { return func(c *Connection) { c.RequestHeader = h } }

// New builds a Connection for url; it does not dial until Run is called.
func New(url string, inbox chan Inbound, opts ...Option) *Connection {
	c := &Connection{
		URL:            url,
		connectTimeout: 10 * time.Second,
		keepalive:      25 * time.Second,
		backoff:        ratelimit.DefaultBackoffPolicy(),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		log:            slog.Default(),
		inbox:          inbox,
		state:          StateDisconnected,
		outbound:       make(chan []byte, 64),
		activeReqs:     xsync.NewMapOf[string, activeReq](),
		done:           make(chan struct{}),
	}
	c.configErr = ValidateURL(url)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the connection's current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run drives the connect/read/reconnect loop until ctx is cancelled or
// Close is called. It returns once the connection has given up for
// good (backoff exhausted) or the context ends.
func (c *Connection) Run(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	defer close(c.done)

	if c.configErr != nil {
		c.log.Error("relay connection permanently misconfigured", "url", c.URL, "err", c.configErr)
		c.setState(StateFailed)
		return
	}

	for {
		select {
		case <-c.ctx.Done():
			c.setState(StateDisconnected)
			return
		default:
		}

		c.setState(StateConnecting)
		if err := c.dial(); err != nil {
			c.log.Warn("relay dial failed", "url", c.URL, "attempt", c.attempt, "err", err)
			if errs.Is(err, errs.Configuration) || c.backoff.Exhausted(c.attempt) {
				c.setState(StateFailed)
				return
			}
			c.setState(StateReconnecting)
			delay := c.backoff.Delay(c.attempt, c.rng)
			c.attempt++
			select {
			case <-time.After(delay):
				continue
			case <-c.ctx.Done():
				c.setState(StateDisconnected)
				return
			}
		}

		c.attempt = 0
		c.replayActiveReqs()
		c.setState(StateConnected)
		c.pump() // blocks until the socket dies
	}
}

func (c *Connection) dial() error {
	if err := ValidateURL(c.URL); err != nil {
		return err
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.connectTimeout}
	ws, _, err := dialer.DialContext(c.ctx, c.URL, c.RequestHeader)
	if err != nil {
		return errs.Wrap(errs.Network, "dial relay", err)
	}
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	return nil
}

// replayActiveReqs resends every REQ this Connection was asked to
// maintain, so a reconnect is transparent to subscribers (§4.2 edge case).
func (c *Connection) replayActiveReqs() {
	c.activeReqs.Range(func(subID string, req activeReq) bool {
		data, err := wire.EncodeClient(wire.ReqFrame{SubID: req.subID, Filters: req.filters})
		if err != nil {
			c.log.Error("failed to re-encode REQ on reconnect", "sub", subID, "err", err)
			return true
		}
		c.enqueue(data)
		return true
	})
}

// pump runs the read loop and keepalive ticker until the socket errors
// or ctx is cancelled, then tears the socket down.
func (c *Connection) pump() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			frame, err := wire.DecodeRelay(data)
			if err != nil {
				c.log.Debug("dropping malformed relay frame", "url", c.URL, "err", err)
				continue
			}
			select {
			case c.inbox <- Inbound{URL: c.URL, Frame: frame}:
			case <-c.ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()

	for {
		select {
		case err := <-readErr:
			c.log.Warn("relay connection dropped", "url", c.URL, "err", err)
			c.closeSocket()
			return
		case data := <-c.outbound:
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("relay write failed", "url", c.URL, "err", err)
				c.closeSocket()
				return
			}
		case <-ticker.C:
			// §4.9: a CLOSE on an unused, random sub id is a cheap no-op
			// probe that confirms the socket is still writable.
			probe, _ := wire.EncodeClient(wire.CloseFrame{SubID: "keepalive-" + randomSuffix(c.rng)})
			if err := ws.WriteMessage(websocket.TextMessage, probe); err != nil {
				c.log.Warn("relay keepalive probe failed", "url", c.URL, "err", err)
				c.closeSocket()
				return
			}
		case <-c.ctx.Done():
			c.closeSocket()
			return
		}
	}
}

func (c *Connection) closeSocket() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
}

func randomSuffix(rng *rand.Rand) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(buf)
}

func (c *Connection) enqueue(data []byte) {
	select {
	case c.outbound <- data:
	case <-c.ctx.Done():
	}
}

// errIfNotConnected fails fast with NotConnected unless the connection
// is currently connected (§4.2: "send(frame) fails with NotConnected
// unless in connected"). Checked before enqueueing so a caller send
// issued mid-reconnect can never race ahead of replayActiveReqs, which
// enqueues every replayed REQ synchronously before the state flips to
// connected and before pump() starts draining the queue.
func (c *Connection) errIfNotConnected() error {
	if c.State() != StateConnected {
		return errs.New(errs.NotConnected, "relay connection is not in the connected state")
	}
	return nil
}

// Subscribe opens (or replaces) a REQ on this connection and remembers
// it for reconnect replay.
func (c *Connection) Subscribe(subID string, filters event.Filters) error {
	if err := c.errIfNotConnected(); err != nil {
		return err
	}
	data, err := wire.EncodeClient(wire.ReqFrame{SubID: subID, Filters: filters})
	if err != nil {
		return err
	}
	c.activeReqs.Store(subID, activeReq{subID: subID, filters: filters})
	c.enqueue(data)
	return nil
}

// CloseSubscription sends CLOSE for subID and forgets it for replay purposes.
func (c *Connection) CloseSubscription(subID string) error {
	if err := c.errIfNotConnected(); err != nil {
		return err
	}
	data, err := wire.EncodeClient(wire.CloseFrame{SubID: subID})
	if err != nil {
		return err
	}
	c.activeReqs.Delete(subID)
	c.enqueue(data)
	return nil
}

// Publish sends an EVENT frame. It does not itself wait for the OK —
// callers that need acknowledgement correlate it from the Connection's
// Inbox by event id (C3 does this across the whole fleet).
func (c *Connection) Publish(evt event.Event) error {
	if err := c.errIfNotConnected(); err != nil {
		return err
	}
	data, err := wire.EncodeClient(wire.EventFrame{Event: evt})
	if err != nil {
		return err
	}
	c.enqueue(data)
	return nil
}

// Close stops the connection's Run loop and releases its socket.
func (c *Connection) Close() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}
