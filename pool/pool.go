// Package pool implements C3: the relay fleet manager. It owns one
// relay.Connection per URL, fans publishes and upstream subscriptions
// out across a caller-chosen selection of them, and keeps a rolling
// health score per relay that feeds its own default publish selector.
// It knows nothing about subscriber intents or merging — that's C5's
// job, one layer up — it only knows sub ids and filters as opaque
// values C5 hands it.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/lo"

	"github.com/relaynet/corepool/errs"
	"github.com/relaynet/corepool/event"
	"github.com/relaynet/corepool/relay"
	"github.com/relaynet/corepool/wire"
)

// Metadata records how a relay may be used and what the caller already
// knows about its capabilities.
type Metadata struct {
	Read              bool
	Write             bool
	IsPrimary         bool
	SupportedFeatures []string
}

// RelayOutcome is one relay's result for a single publish.
type RelayOutcome struct {
	URL     string
	Message string
}

// PublishResult aggregates every relay's outcome for one publish call.
type PublishResult struct {
	EventID   string
	Successes []RelayOutcome
	Failures  []RelayOutcome
}

// RelayHealth is a point-in-time snapshot of one relay's rolling stats.
type RelayHealth struct {
	URL            string
	SuccessRate    float64
	AverageLatency time.Duration
	ErrorCount     int
	LastSeen       time.Time
	Quarantined    bool
}

// Selector narrows a candidate relay list to the ones a particular
// operation should target. The default publish selector is "all
// writable, non-quarantined"; callers may pass their own for staged
// (tier-1-then-remainder) publishing.
type Selector func(candidates []string) []string

// quarantineErrorThreshold is the error count (independent of success
// rate) past which a relay is quarantined regardless of its ratio.
const quarantineErrorThreshold = 10

const quarantineSuccessRateFloor = 0.5

type healthStats struct {
	mu           sync.Mutex
	successCount int
	errorCount   int
	latencySum   time.Duration
	latencyCount int
	lastSeen     time.Time
}

func (h *healthStats) snapshot(url string) RelayHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := h.successCount + h.errorCount
	rate := 1.0
	if total > 0 {
		rate = float64(h.successCount) / float64(total)
	}
	avg := time.Duration(0)
	if h.latencyCount > 0 {
		avg = h.latencySum / time.Duration(h.latencyCount)
	}
	return RelayHealth{
		URL:            url,
		SuccessRate:    rate,
		AverageLatency: avg,
		ErrorCount:     h.errorCount,
		LastSeen:       h.lastSeen,
		Quarantined:    rate < quarantineSuccessRateFloor || h.errorCount > quarantineErrorThreshold,
	}
}

func (h *healthStats) recordSuccess(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successCount++
	h.latencySum += latency
	h.latencyCount++
	h.lastSeen = time.Now()
}

func (h *healthStats) recordError() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount++
}

func (h *healthStats) recordSeen() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSeen = time.Now()
}

type upstreamSub struct {
	subID   string
	filters event.Filters
	relays  []string
}

type publishWaiter struct {
	ch chan wire.OKMsg
}

// Pool is the fleet manager. Build one with New, call Run to start its
// dispatch loop, then Close to tear everything down.
type Pool struct {
	conns  *xsync.MapOf[string, *relay.Connection]
	meta   *xsync.MapOf[string, Metadata]
	health *xsync.MapOf[string, *healthStats]

	upstream *xsync.MapOf[string, upstreamSub]
	waiters  *xsync.MapOf[string, *publishWaiter] // "url|eventID" -> waiter

	rawInbox chan relay.Inbound
	events   chan relay.Inbound

	ackTimeout      time.Duration
	maxSubsPerRelay int
	log             *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithAckTimeout overrides the default 10s publish-ack deadline.
func WithAckTimeout(d time.Duration) Option { return func(p *Pool) { p.ackTimeout = d } }

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.log = l } }

// WithMaxSubsPerRelay caps how many upstream subscriptions a single
// relay may host at once (0, the default, means unlimited). Relays
// that cap this are the reason §4.5 needs a priority admission rule:
// once a relay is at its cap, OpenUpstream reports it back as capped
// instead of silently oversubscribing it, and it is C5's job (not
// C3's) to decide whether a higher-priority intent may displace one.
func WithMaxSubsPerRelay(n int) Option { return func(p *Pool) { p.maxSubsPerRelay = n } }

// New builds an empty Pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		conns:      xsync.NewMapOf[string, *relay.Connection](),
		meta:       xsync.NewMapOf[string, Metadata](),
		health:     xsync.NewMapOf[string, *healthStats](),
		upstream:   xsync.NewMapOf[string, upstreamSub](),
		waiters:    xsync.NewMapOf[string, *publishWaiter](),
		rawInbox:   make(chan relay.Inbound, 256),
		events:     make(chan relay.Inbound, 256),
		ackTimeout: 10 * time.Second,
		log:        slog.Default(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the dispatch loop that demultiplexes inbound frames into
// health updates, publish-ack waiters, and the consumer-facing Events
// stream. It blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case in := <-p.rawInbox:
			p.dispatch(in)
		}
	}
}

func (p *Pool) dispatch(in relay.Inbound) {
	h, _ := p.health.LoadOrStore(in.URL, &healthStats{})
	switch frame := in.Frame.(type) {
	case wire.OKMsg:
		if waiter, ok := p.waiters.Load(in.URL + "|" + frame.EventID); ok {
			select {
			case waiter.ch <- frame:
			default:
			}
		}
		if frame.Accepted {
			h.recordSuccess(0)
		} else {
			h.recordError()
		}
	case wire.EventMsg:
		h.recordSeen()
	case wire.NoticeMsg, wire.EOSEMsg, wire.ClosedMsg, wire.AuthChallengeMsg, wire.CountMsg:
		h.recordSeen()
	}
	select {
	case p.events <- in:
	case <-p.ctx.Done():
	}
}

// Events returns the channel of every inbound frame from every relay,
// for C5 to consume and route to matching intents.
func (p *Pool) Events() <-chan relay.Inbound { return p.events }

// AddRelay constructs a Connection for url (if one doesn't already
// exist) and starts its connect loop.
func (p *Pool) AddRelay(ctx context.Context, url string, meta Metadata, opts ...relay.Option) error {
	if err := relay.ValidateURL(url); err != nil {
		return err
	}
	if _, exists := p.conns.Load(url); exists {
		return nil
	}
	conn := relay.New(url, p.rawInbox, opts...)
	p.conns.Store(url, conn)
	p.meta.Store(url, meta)
	p.health.LoadOrStore(url, &healthStats{})
	go conn.Run(ctx)
	return nil
}

// RemoveRelay disconnects and forgets url. Any upstream sub it hosted
// is left to its owning intents to reopen elsewhere — C3 only reports
// health, it doesn't second-guess C5's placement decisions.
func (p *Pool) RemoveRelay(url string) {
	if conn, ok := p.conns.Load(url); ok {
		conn.Close()
	}
	p.conns.Delete(url)
	p.meta.Delete(url)
	p.health.Delete(url)
}

// writableRelays returns every non-quarantined relay with write=true.
func (p *Pool) writableRelays() []string {
	var out []string
	p.meta.Range(func(url string, m Metadata) bool {
		if !m.Write {
			return true
		}
		if h, ok := p.health.Load(url); ok && h.snapshot(url).Quarantined {
			return true
		}
		out = append(out, url)
		return true
	})
	return out
}

func (p *Pool) readableRelays() []string {
	var out []string
	p.meta.Range(func(url string, m Metadata) bool {
		if m.Read {
			out = append(out, url)
		}
		return true
	})
	return out
}

// ReadableRelays exposes the default OpenUpstream target set so
// callers (C5) can reason about which relays a new upstream sub would
// land on before deciding whether admission needs a priority check.
func (p *Pool) ReadableRelays() []string { return p.readableRelays() }

// subsCountOnRelay counts upstream subscriptions hosted on url, not
// counting excludeSubID itself (an update re-sending its own REQ never
// counts against its own cap).
func (p *Pool) subsCountOnRelay(url, excludeSubID string) int {
	n := 0
	p.upstream.Range(func(subID string, sub upstreamSub) bool {
		if subID == excludeSubID {
			return true
		}
		if lo.Contains(sub.relays, url) {
			n++
		}
		return true
	})
	return n
}

// RelaysAtCapacity reports which of candidates already host
// maxSubsPerRelay upstream subscriptions (other than excludeSubID).
// An unlimited pool (maxSubsPerRelay == 0, the default) never reports
// capacity — the per-relay subscription cap from §4.5's Priority
// paragraph is opt-in.
func (p *Pool) RelaysAtCapacity(candidates []string, excludeSubID string) []string {
	if p.maxSubsPerRelay <= 0 {
		return nil
	}
	var out []string
	for _, url := range candidates {
		if p.subsCountOnRelay(url, excludeSubID) >= p.maxSubsPerRelay {
			out = append(out, url)
		}
	}
	return out
}

// Publish sends evt to the relays selector chooses from the writable
// set (default: all non-quarantined writable relays) and waits for
// each one's OK, up to the pool's ack timeout.
func (p *Pool) Publish(ctx context.Context, evt event.Event, selector Selector) (PublishResult, error) {
	targets := p.writableRelays()
	if selector != nil {
		targets = selector(targets)
	}
	if len(targets) == 0 {
		return PublishResult{EventID: evt.ID}, errs.New(errs.Configuration, "no writable relays available for publish")
	}

	result := PublishResult{EventID: evt.ID}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, url := range targets {
		conn, ok := p.conns.Load(url)
		if !ok {
			continue
		}
		key := url + "|" + evt.ID
		waiter := &publishWaiter{ch: make(chan wire.OKMsg, 1)}
		p.waiters.Store(key, waiter)

		wg.Add(1)
		go func(url string, conn *relay.Connection) {
			defer wg.Done()
			defer p.waiters.Delete(key)

			if err := conn.Publish(evt); err != nil {
				mu.Lock()
				result.Failures = append(result.Failures, RelayOutcome{URL: url, Message: err.Error()})
				mu.Unlock()
				return
			}

			ackCtx, cancel := context.WithTimeout(ctx, p.ackTimeout)
			defer cancel()
			select {
			case ok := <-waiter.ch:
				mu.Lock()
				if ok.Accepted {
					result.Successes = append(result.Successes, RelayOutcome{URL: url, Message: ok.Message})
				} else {
					result.Failures = append(result.Failures, RelayOutcome{URL: url, Message: ok.Message})
				}
				mu.Unlock()
			case <-ackCtx.Done():
				mu.Lock()
				result.Failures = append(result.Failures, RelayOutcome{URL: url, Message: "ack timeout"})
				mu.Unlock()
			}
		}(url, conn)
	}

	wg.Wait()
	return result, nil
}

// PublishStaged publishes to the tier1-selected relays first; if every
// one of them fails, it automatically falls back to publishing on the
// remainder of the writable set, per §4.3's "Selection policy for
// publishes" (staged publishing with automatic fallback).
func (p *Pool) PublishStaged(ctx context.Context, evt event.Event, tier1 Selector) (PublishResult, error) {
	result, err := p.Publish(ctx, evt, tier1)
	if err != nil || len(result.Successes) > 0 {
		return result, err
	}

	tried := make(map[string]struct{}, len(result.Failures))
	for _, f := range result.Failures {
		tried[f.URL] = struct{}{}
	}
	remainder, err := p.Publish(ctx, evt, func(candidates []string) []string {
		out := make([]string, 0, len(candidates))
		for _, c := range candidates {
			if _, done := tried[c]; !done {
				out = append(out, c)
			}
		}
		return out
	})
	if err != nil {
		// No relays left outside tier1 (e.g. tier1 was the whole
		// writable set) — the tier1-only result stands.
		return result, nil
	}
	result.Successes = append(result.Successes, remainder.Successes...)
	result.Failures = append(result.Failures, remainder.Failures...)
	return result, nil
}

// OpenUpstream fans REQ sub_id/filters out to the relays selector
// chooses from the readable set (default: all readable relays). Any
// candidate relay already at its subscription cap (WithMaxSubsPerRelay)
// is skipped and returned in capped, so the caller (C5) can decide
// whether this sub's priority warrants displacing something there —
// C3 never makes that call itself.
func (p *Pool) OpenUpstream(subID string, filters event.Filters, selector Selector) (capped []string, err error) {
	targets := p.readableRelays()
	if selector != nil {
		targets = selector(targets)
	}
	capped = p.RelaysAtCapacity(targets, subID)
	skip := make(map[string]struct{}, len(capped))
	for _, u := range capped {
		skip[u] = struct{}{}
	}

	relays := make([]string, 0, len(targets))
	for _, url := range targets {
		if _, ok := skip[url]; ok {
			continue
		}
		conn, ok := p.conns.Load(url)
		if !ok {
			continue
		}
		if err := conn.Subscribe(subID, filters); err != nil {
			p.log.Warn("failed to open upstream sub", "relay", url, "sub", subID, "err", err)
			continue
		}
		relays = append(relays, url)
	}
	p.upstream.Store(subID, upstreamSub{subID: subID, filters: filters, relays: relays})
	return capped, nil
}

// CloseUpstream sends CLOSE for sub_id on every relay hosting it.
func (p *Pool) CloseUpstream(subID string) {
	sub, ok := p.upstream.Load(subID)
	if !ok {
		return
	}
	for _, url := range sub.relays {
		if conn, ok := p.conns.Load(url); ok {
			_ = conn.CloseSubscription(subID)
		}
	}
	p.upstream.Delete(subID)
}

// RelaysForUpstream returns the relay URLs currently hosting sub_id, so
// a caller (C5) can tell when every relay serving an upstream sub has
// reached end-of-stored-events.
func (p *Pool) RelaysForUpstream(subID string) []string {
	sub, ok := p.upstream.Load(subID)
	if !ok {
		return nil
	}
	return append([]string(nil), sub.relays...)
}

// RecordEventRejected lets an upstream consumer (C5, after signature
// verification fails) penalize a relay's health without going through
// the OK-ack path.
func (p *Pool) RecordEventRejected(url string) {
	if h, ok := p.health.Load(url); ok {
		h.recordError()
	}
}

// Health returns a snapshot of every known relay's rolling stats.
func (p *Pool) Health() []RelayHealth {
	out := make([]RelayHealth, 0, p.conns.Size())
	p.health.Range(func(url string, h *healthStats) bool {
		out = append(out, h.snapshot(url))
		return true
	})
	return out
}

// RelayURLs returns every relay url currently in the pool.
func (p *Pool) RelayURLs() []string {
	out := make([]string, 0, p.conns.Size())
	p.conns.Range(func(url string, _ *relay.Connection) bool {
		out = append(out, url)
		return true
	})
	return lo.Uniq(out)
}

// Close stops the dispatch loop and every connection's Run loop.
func (p *Pool) Close() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	p.conns.Range(func(_ string, conn *relay.Connection) bool {
		conn.Close()
		return true
	})
}
