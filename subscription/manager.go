// Package subscription implements C5, the coordination crux: it owns
// subscriber intents, merges them into a minimal set of upstream
// subscriptions on the pool (C3), routes inbound events to matching
// intents with cache-based dedup (C4), and retires intents on
// cancellation, EOSE-completion, or inactivity.
package subscription

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaynet/corepool/cache"
	"github.com/relaynet/corepool/errs"
	"github.com/relaynet/corepool/event"
	"github.com/relaynet/corepool/pool"
	"github.com/relaynet/corepool/relay"
	"github.com/relaynet/corepool/wire"
)

// Verifier matches cache.Verifier; kept as its own type so this
// package doesn't force callers to import cache just to build one.
type Verifier func(event.Event) (bool, error)

type upstream struct {
	subID       string
	filters     event.Filters
	intents     map[string]struct{}
	eoseByRelay map[string]bool
}

// Manager is the C5 subscription manager. Build with New, start its
// routing loop with Run, then Register/Cancel intents concurrently.
type Manager struct {
	pool   *pool.Pool
	cache  *cache.Cache
	verify Verifier
	clock  event.Clock

	mergeCeiling int
	clockSkew    time.Duration
	log          *slog.Logger

	mu          sync.Mutex
	intents     map[string]*Intent
	upstreams   map[string]*upstream
	seq         int64
	pendingBack []*Intent // displaced by a higher-priority admission; retried on sweep

	duplicatesFiltered int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithMergeCeiling overrides the default 1000 merge cardinality ceiling.
func WithMergeCeiling(n int) Option { return func(m *Manager) { m.mergeCeiling = n } }

// WithClockSkew overrides the default 120s acceptable future-clock skew.
func WithClockSkew(d time.Duration) Option { return func(m *Manager) { m.clockSkew = d } }

// WithClock overrides the default event.SystemClock.
func WithClock(c event.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// New builds a Manager wired to p and c.
func New(p *pool.Pool, c *cache.Cache, verify Verifier, opts ...Option) *Manager {
	m := &Manager{
		pool:         p,
		cache:        c,
		verify:       verify,
		clock:        event.SystemClock{},
		mergeCeiling: 1000,
		clockSkew:    120 * time.Second,
		log:          slog.Default(),
		intents:      make(map[string]*Intent),
		upstreams:    make(map[string]*upstream),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run consumes the pool's inbound event stream and drives inactivity
// timeouts until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	defer close(m.done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case in := <-m.pool.Events():
			m.route(in)
		case <-ticker.C:
			m.sweepInactive()
			m.retryBackfill()
		}
	}
}

// Register creates an intent with a fresh id, attempts to merge it into
// an existing upstream subscription, and opens/updates the upstream
// sub on the pool. It returns the intent handle subscribers read from.
func (m *Manager) Register(filters event.Filters, opts IntentOptions) (*Intent, error) {
	if len(filters) == 0 {
		return nil, errs.New(errs.Configuration, "intent must carry at least one filter")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	id := uuid.NewString()
	it := newIntent(id, filters, opts, m.seq, m.clock.Now())

	for _, up := range m.upstreams {
		merged, ok := mergeFilters(up.filters, filters, m.mergeCeiling)
		if !ok {
			continue
		}
		up.filters = merged
		up.intents[id] = struct{}{}
		m.intents[id] = it
		capped, err := m.pool.OpenUpstream(up.subID, merged, nil)
		if err != nil {
			return nil, err
		}
		m.admitAgainstCapacity(up.subID, merged, capped, opts.Priority)
		return it, nil
	}

	subID := uuid.NewString()
	up := &upstream{subID: subID, filters: filters, intents: map[string]struct{}{id: {}}, eoseByRelay: map[string]bool{}}
	m.upstreams[subID] = up
	m.intents[id] = it
	capped, err := m.pool.OpenUpstream(subID, filters, nil)
	if err != nil {
		delete(m.upstreams, subID)
		delete(m.intents, id)
		return nil, err
	}
	m.admitAgainstCapacity(subID, filters, capped, opts.Priority)
	if len(capped) > 0 && len(m.pool.RelaysForUpstream(subID)) == 0 {
		// Every candidate relay was at capacity and none had a lower-
		// priority occupant to displace — queue for retry rather than
		// handing back a handle that will never see a relay.
		delete(m.upstreams, subID)
		delete(m.intents, id)
		m.pendingBack = append(m.pendingBack, it)
	}
	return it, nil
}

// upstreamPriority returns the highest priority among up's contributing
// intents (PriorityLow if it somehow has none) and the registration
// order of the intent that set it, for tie-breaking eviction choices.
func (m *Manager) upstreamPriority(up *upstream) (Priority, int64) {
	best := PriorityLow
	var order int64 = 1<<63 - 1
	seen := false
	for id := range up.intents {
		it, ok := m.intents[id]
		if !ok {
			continue
		}
		if !seen || it.Options.Priority > best || (it.Options.Priority == best && it.order < order) {
			best, order, seen = it.Options.Priority, it.order, true
		}
	}
	return best, order
}

// admitAgainstCapacity handles relays OpenUpstream reported as already
// at their subscription cap (§4.5 Priority). For each one, it looks
// for the lowest-priority upstream sub hosted there; if that sub's
// priority is strictly lower than newPriority, the sub is displaced
// (its contributing intents are detached and queued in pendingBack for
// retry once headroom returns) and subID is retried on that single
// relay. A relay with no evictable (strictly lower priority) occupant
// is simply left without subID — the new intent still gets every
// other relay it was admitted to.
func (m *Manager) admitAgainstCapacity(subID string, filters event.Filters, capped []string, newPriority Priority) {
	for _, url := range capped {
		victim := m.lowestPriorityUpstreamOn(url, subID)
		if victim == "" {
			continue
		}
		vp, _ := m.upstreamPriority(m.upstreams[victim])
		if vp >= newPriority {
			continue
		}
		m.displaceUpstream(victim)
		if _, err := m.pool.OpenUpstream(subID, filters, func(candidates []string) []string {
			return []string{url}
		}); err != nil {
			m.log.Warn("failed to admit subscription after displacement", "sub", subID, "relay", url, "err", err)
		}
	}
}

// lowestPriorityUpstreamOn returns the subID (excluding exclude) of
// the lowest-priority upstream sub hosted on url, or "" if none.
func (m *Manager) lowestPriorityUpstreamOn(url, exclude string) string {
	best := ""
	var bestPriority Priority = PriorityCritical + 1
	var bestOrder int64
	for subID, up := range m.upstreams {
		if subID == exclude {
			continue
		}
		if !containsRelay(m.pool.RelaysForUpstream(subID), url) {
			continue
		}
		p, order := m.upstreamPriority(up)
		if best == "" || p < bestPriority || (p == bestPriority && order < bestOrder) {
			best, bestPriority, bestOrder = subID, p, order
		}
	}
	return best
}

func containsRelay(relays []string, url string) bool {
	for _, r := range relays {
		if r == url {
			return true
		}
	}
	return false
}

// displaceUpstream closes subID on every relay hosting it and returns
// its contributing intents to pendingBack instead of terminating them —
// their Done channels stay open, they receive no events until
// re-admitted, and they are retried for re-admission on the next sweep.
func (m *Manager) displaceUpstream(subID string) {
	up, ok := m.upstreams[subID]
	if !ok {
		return
	}
	for intentID := range up.intents {
		it, ok := m.intents[intentID]
		if !ok {
			continue
		}
		delete(m.intents, intentID)
		m.pendingBack = append(m.pendingBack, it)
	}
	m.pool.CloseUpstream(subID)
	delete(m.upstreams, subID)
}

// Cancel removes an intent. If it was the last contributor to its
// upstream sub, the upstream sub is closed; otherwise the merged
// filter set is left as-is (filters never shrink on removal, §5).
func (m *Manager) Cancel(intentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked(intentID)
}

func (m *Manager) cancelLocked(intentID string) {
	it, ok := m.intents[intentID]
	if !ok {
		m.cancelPendingLocked(intentID)
		return
	}
	delete(m.intents, intentID)
	it.terminate()

	for subID, up := range m.upstreams {
		if _, has := up.intents[intentID]; !has {
			continue
		}
		delete(up.intents, intentID)
		if len(up.intents) == 0 {
			m.pool.CloseUpstream(subID)
			delete(m.upstreams, subID)
		}
		return
	}
}

// cancelPendingLocked handles cancellation of an intent currently
// displaced and waiting in pendingBack for re-admission — it would
// otherwise never be found in m.intents.
func (m *Manager) cancelPendingLocked(intentID string) {
	for i, it := range m.pendingBack {
		if it.ID != intentID {
			continue
		}
		it.terminate()
		m.pendingBack = append(m.pendingBack[:i:i], m.pendingBack[i+1:]...)
		return
	}
}

// retryBackfill attempts to re-admit every intent displaced by
// admitAgainstCapacity, in the order they were displaced. An intent
// that still can't find room (no lower-priority occupant to evict
// anywhere) stays in pendingBack for the next sweep.
func (m *Manager) retryBackfill() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pendingBack) == 0 {
		return
	}
	pending := m.pendingBack
	m.pendingBack = nil
	for _, it := range pending {
		if !m.reAdmitLocked(it) {
			m.pendingBack = append(m.pendingBack, it)
		}
	}
}

// reAdmitLocked retries placing a previously-registered, still-live
// intent back onto an upstream sub, preserving its original id and
// registration order (its priority tie-break position never resets).
func (m *Manager) reAdmitLocked(it *Intent) bool {
	for _, up := range m.upstreams {
		merged, ok := mergeFilters(up.filters, it.Filters, m.mergeCeiling)
		if !ok {
			continue
		}
		up.filters = merged
		up.intents[it.ID] = struct{}{}
		m.intents[it.ID] = it
		capped, err := m.pool.OpenUpstream(up.subID, merged, nil)
		if err != nil {
			delete(up.intents, it.ID)
			delete(m.intents, it.ID)
			return false
		}
		m.admitAgainstCapacity(up.subID, merged, capped, it.Options.Priority)
		return true
	}

	subID := uuid.NewString()
	up := &upstream{subID: subID, filters: it.Filters, intents: map[string]struct{}{it.ID: {}}, eoseByRelay: map[string]bool{}}
	m.upstreams[subID] = up
	m.intents[it.ID] = it
	capped, err := m.pool.OpenUpstream(subID, it.Filters, nil)
	if err != nil {
		delete(m.upstreams, subID)
		delete(m.intents, it.ID)
		return false
	}
	m.admitAgainstCapacity(subID, it.Filters, capped, it.Options.Priority)
	if len(capped) > 0 && len(m.pool.RelaysForUpstream(subID)) == 0 {
		delete(m.upstreams, subID)
		delete(m.intents, it.ID)
		return false
	}
	return true
}

// route dispatches one inbound relay frame, per §4.5's inbound routing
// and EOSE-handling rules.
func (m *Manager) route(in relay.Inbound) {
	switch frame := in.Frame.(type) {
	case wire.EventMsg:
		m.routeEvent(in.URL, frame)
	case wire.EOSEMsg:
		m.routeEOSE(in.URL, frame.SubID)
	case wire.ClosedMsg:
		m.log.Warn("relay closed subscription", "relay", in.URL, "sub", frame.SubID, "reason", frame.Reason)
	}
}

func (m *Manager) routeEvent(relayURL string, msg wire.EventMsg) {
	evt := msg.Event
	ok, err := m.verify(evt)
	if err != nil || !ok {
		m.pool.RecordEventRejected(relayURL)
		return
	}
	if !evt.WithinSkew(m.clock.Now(), m.clockSkew) {
		return
	}

	now := m.clock.Now()
	_, alreadyCached := m.cache.Get(evt.ID)
	if alreadyCached {
		m.mu.Lock()
		m.duplicatesFiltered++
		m.mu.Unlock()
	}

	m.mu.Lock()
	up, ok := m.upstreams[msg.SubID]
	if !ok {
		m.mu.Unlock()
		return
	}
	var matched []*Intent
	anyCacheResults := false
	anyDeduplicate := false
	for intentID := range up.intents {
		it, ok := m.intents[intentID]
		if !ok {
			continue
		}
		if !it.Filters.MatchesAny(evt) {
			continue
		}
		if alreadyCached && it.Options.Deduplicate {
			continue
		}
		matched = append(matched, it)
		if it.Options.CacheResults {
			anyCacheResults = true
		}
		if it.Options.Deduplicate {
			anyDeduplicate = true
		}
	}
	m.mu.Unlock()

	// A dedup-only intent (cacheResults=false, the DefaultIntentOptions
	// shape) still needs this id tracked in C4 — otherwise the next
	// relay's delivery of the same id has nothing to consult and
	// invariant 2 (deduplicate=true ⇒ ≤1 delivery per id) breaks.
	if anyCacheResults || anyDeduplicate {
		if _, err := m.cache.Store(evt); err != nil {
			m.log.Error("cache store failed", "event", evt.ID, "err", err)
		}
	}
	m.cache.RecordSource(evt.ID, relayURL)

	for _, it := range matched {
		it.deliver(evt, now)
	}
}

func (m *Manager) routeEOSE(relayURL, subID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	up, ok := m.upstreams[subID]
	if !ok {
		return
	}
	up.eoseByRelay[relayURL] = true

	hosts := m.pool.RelaysForUpstream(subID)
	allDone := len(hosts) > 0
	for _, h := range hosts {
		if !up.eoseByRelay[h] {
			allDone = false
			break
		}
	}
	if !allDone {
		return
	}

	now := m.clock.Now()
	var toClose []string
	for intentID := range up.intents {
		it, ok := m.intents[intentID]
		if !ok {
			continue
		}
		it.touch(now)
		if it.Options.CloseAfterEOSE && !it.Options.AutoRenew {
			toClose = append(toClose, intentID)
		}
	}
	for _, id := range toClose {
		m.cancelLocked(id)
	}
}

// sweepInactive cancels every intent that has crossed its
// InactivityTimeout with no events received, as if by the caller.
func (m *Manager) sweepInactive() {
	now := m.clock.Now()
	m.mu.Lock()
	var expired []string
	for id, it := range m.intents {
		if it.Options.InactivityTimeout <= 0 {
			continue
		}
		if now.Sub(it.LastEventAt()) > it.Options.InactivityTimeout {
			expired = append(expired, id)
		}
	}
	for _, it := range m.pendingBack {
		if it.Options.InactivityTimeout <= 0 {
			continue
		}
		if now.Sub(it.LastEventAt()) > it.Options.InactivityTimeout {
			expired = append(expired, it.ID)
		}
	}
	for _, id := range expired {
		m.cancelLocked(id)
	}
	m.mu.Unlock()
}

// Close stops the routing loop and cancels every live intent.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.intents {
		m.cancelLocked(id)
	}
	for _, it := range m.pendingBack {
		it.terminate()
	}
	m.pendingBack = nil
}

// DuplicatesFiltered returns the running count of inbound events
// suppressed by cache-based dedup.
func (m *Manager) DuplicatesFiltered() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duplicatesFiltered
}
