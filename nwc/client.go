// Package nwc implements C6: a NIP-47 Nostr Wallet Connect client — an
// at-most-once, timeout-bounded encrypted RPC layer built entirely on
// top of the pool (C3) and subscription manager (C5). A "connection"
// here is a counterparty pubkey, a relay set, and a shared secret; it
// owns no socket of its own.
package nwc

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"

	"github.com/relaynet/corepool/crypto"
	"github.com/relaynet/corepool/errs"
	"github.com/relaynet/corepool/event"
	"github.com/relaynet/corepool/pool"
	"github.com/relaynet/corepool/ratelimit"
	"github.com/relaynet/corepool/subscription"
)

// RPCError is the typed error a wallet can return in place of a result.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string { return e.Code + ": " + e.Message }

// NotificationHandler processes one decrypted NWC notification.
type NotificationHandler func(notificationType string, notification map[string]any)

// Client is a NIP-47 wallet-connect client bound to one counterparty.
type Client struct {
	poolRef *pool.Pool
	sub     *subscription.Manager
	signer  *crypto.KeySigner
	encrypt crypto.Encryptor

	secretHex    string
	walletPubkey string
	clientPubkey string
	relays       []string
	scheme       crypto.Scheme

	limiter         *ratelimit.Bucket
	responseTimeout time.Duration
	backoff         ratelimit.BackoffPolicy

	log *slog.Logger
}

// Option configures a Client at construction.
type Option func(*Client)

// WithScheme overrides the default modern (NIP-44) encryption scheme.
func WithScheme(s crypto.Scheme) Option { return func(c *Client) { c.scheme = s } }

// WithResponseTimeout overrides the default 60s RPC response deadline.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *Client) { c.responseTimeout = d }
}

// WithRateLimit overrides the default 20-requests-per-minute bucket.
func WithRateLimit(capacity int, window time.Duration) Option {
	return func(c *Client) { c.limiter = ratelimit.NewBucket(capacity, window) }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.log = l } }

// NewClient builds a Client. secretHex is the app-specific secret from
// the NWC connection string; walletPubkey and relays come from the
// same string's authority and "relay" query parameters.
func NewClient(p *pool.Pool, sub *subscription.Manager, secretHex, walletPubkey string, relays []string, opts ...Option) (*Client, error) {
	signer, err := crypto.NewKeySigner(secretHex)
	if err != nil {
		return nil, errs.Wrap(errs.Configuration, "invalid NWC client secret", err)
	}
	clientPub, err := signer.GetPublicKey()
	if err != nil {
		return nil, err
	}
	c := &Client{
		poolRef:         p,
		sub:             sub,
		signer:          signer,
		encrypt:         crypto.NIPEncryptor{},
		secretHex:       secretHex,
		walletPubkey:    walletPubkey,
		clientPubkey:    clientPub,
		relays:          relays,
		scheme:          crypto.SchemeModern,
		limiter:         ratelimit.NewBucket(20, time.Minute),
		responseTimeout: 60 * time.Second,
		backoff:         ratelimit.DefaultBackoffPolicy(),
		log:             slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) relaySelector() pool.Selector {
	allowed := make(map[string]struct{}, len(c.relays))
	for _, r := range c.relays {
		allowed[r] = struct{}{}
	}
	return func(candidates []string) []string {
		if len(allowed) == 0 {
			return candidates
		}
		var out []string
		for _, cand := range candidates {
			if _, ok := allowed[cand]; ok {
				out = append(out, cand)
			}
		}
		return out
	}
}

// Request performs one NIP-47 RPC call: method/params are encrypted
// into a kind-23194 event, published, and correlated against the
// kind-23195 response tagged with this request's event id.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.limiter.TryAcquire(); err != nil {
		return nil, err
	}

	payload := map[string]any{"method": method}
	if params != nil {
		payload["params"] = params
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(errs.Configuration, "marshal NWC request payload", err)
	}

	ciphertext, err := c.encrypt.Encrypt(string(raw), c.walletPubkey, c.secretHex, c.scheme)
	if err != nil {
		return nil, errs.Wrap(errs.Configuration, "encrypt NWC request", err)
	}

	evt := event.Event{
		Kind:      event.KindNWCRequest,
		Content:   ciphertext,
		CreatedAt: time.Now().Unix(),
		Tags: event.Tags{
			{"p", c.walletPubkey},
			{"encryption", encryptionTagValue(c.scheme)},
		},
	}
	if err := c.signer.Sign(&evt); err != nil {
		return nil, errs.Wrap(errs.Configuration, "sign NWC request", err)
	}

	intent, err := c.sub.Register(event.Filters{{
		Kinds:   []event.Kind{event.KindNWCResponse},
		Authors: []string{c.walletPubkey},
		Tags:    map[string][]string{"e": {evt.ID}},
	}}, subscription.IntentOptions{
		Deduplicate:    true,
		CloseAfterEOSE: false,
		Priority:       subscription.PriorityHigh,
		MaxBufferSize:  4,
	})
	if err != nil {
		return nil, err
	}
	defer c.sub.Cancel(intent.ID)

	result, err := c.poolRef.Publish(ctx, evt, c.relaySelector())
	if err != nil {
		return nil, err
	}
	if len(result.Successes) == 0 {
		return nil, errs.New(errs.PublishReject, "request event rejected by every relay")
	}

	return c.awaitResponse(ctx, intent)
}

func (c *Client) awaitResponse(ctx context.Context, intent *subscription.Intent) (json.RawMessage, error) {
	timer := time.NewTimer(c.responseTimeout)
	defer timer.Stop()

	select {
	case evt := <-intent.Events:
		return c.decodeResponse(evt)
	case <-timer.C:
		return nil, errs.New(errs.Timeout, "NWC response timed out")
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Cancelled, "NWC request cancelled", ctx.Err())
	case <-intent.Done:
		return nil, errs.New(errs.Cancelled, "NWC response subscription ended")
	}
}

func (c *Client) decodeResponse(evt event.Event) (json.RawMessage, error) {
	plaintext, err := c.encrypt.Decrypt(evt.Content, c.walletPubkey, c.secretHex, c.scheme)
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "decrypt NWC response", err)
	}

	var body struct {
		ResultType string          `json:"result_type"`
		Result     json.RawMessage `json:"result"`
		Error      *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(plaintext), &body); err != nil {
		return nil, errs.Wrap(errs.Protocol, "parse NWC response", err)
	}
	if body.Error != nil {
		return nil, &RPCError{Code: body.Error.Code, Message: body.Error.Message}
	}
	return body.Result, nil
}

// SubscribeNotifications opens a long-lived subscription for
// notification events addressed to this client's own pubkey and
// invokes handler for each one, until ctx is cancelled.
func (c *Client) SubscribeNotifications(ctx context.Context, handler NotificationHandler) error {
	intent, err := c.sub.Register(event.Filters{{
		Kinds:   []event.Kind{event.KindNWCNotification, event.KindNWCNotificationLegacy},
		Authors: []string{c.walletPubkey},
		Tags:    map[string][]string{"p": {c.clientPubkey}},
	}}, subscription.IntentOptions{
		AutoRenew:      true,
		Deduplicate:    true,
		CloseAfterEOSE: false,
		Priority:       subscription.PriorityNormal,
		MaxBufferSize:  64,
	})
	if err != nil {
		return err
	}
	defer c.sub.Cancel(intent.ID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-intent.Done:
			return nil
		case evt := <-intent.Events:
			c.handleNotification(evt, handler)
		}
	}
}

func (c *Client) handleNotification(evt event.Event, handler NotificationHandler) {
	plaintext, err := c.encrypt.Decrypt(evt.Content, c.walletPubkey, c.secretHex, c.scheme)
	if err != nil {
		c.log.Warn("failed to decrypt NWC notification", "err", err)
		return
	}
	var body struct {
		NotificationType string         `json:"notification_type"`
		Notification     map[string]any `json:"notification"`
	}
	if err := json.Unmarshal([]byte(plaintext), &body); err != nil {
		c.log.Warn("failed to parse NWC notification", "err", err)
		return
	}
	handler(body.NotificationType, body.Notification)
}

// MonitorQuorum watches this client's configured relay set and, if
// every one of them is absent from the pool or quarantined (quorum
// lost), backs off with the same jittered-exponential policy C2 uses
// for its own socket reconnects before checking again (§4.6
// Reconnection: "schedule exponential backoff reconnect... identical
// to C2's policy"). Each relay.Connection already redials its own
// socket independently; this loop only tracks the quorum signal —
// pending RPC calls are never retried automatically, their own
// timeouts decide (§4.6). It returns once quorum is restored, the
// backoff policy's attempts are exhausted, or ctx ends.
func (c *Client) MonitorQuorum(ctx context.Context) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		if c.hasQuorum() {
			return
		}
		if c.backoff.Exhausted(attempt) {
			c.log.Error("NWC relay set permanently lost quorum", "relays", c.relays)
			return
		}
		delay := c.backoff.Delay(attempt, rng)
		c.log.Warn("NWC relay set lost quorum, backing off", "attempt", attempt, "delay", delay)
		attempt++
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// hasQuorum reports whether at least one of this client's configured
// relays is known to the pool and not quarantined.
func (c *Client) hasQuorum() bool {
	byURL := make(map[string]pool.RelayHealth, len(c.relays))
	for _, h := range c.poolRef.Health() {
		byURL[h.URL] = h
	}
	for _, url := range c.relays {
		if h, ok := byURL[url]; ok && !h.Quarantined {
			return true
		}
	}
	return false
}

func encryptionTagValue(scheme crypto.Scheme) string {
	if scheme == crypto.SchemeLegacy {
		return "nip04"
	}
	return "nip44_v2"
}
