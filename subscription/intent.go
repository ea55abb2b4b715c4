package subscription

import (
	"sync/atomic"
	"time"

	"github.com/relaynet/corepool/event"
)

// Priority orders intents competing for scarce upstream subscription
// slots. Higher values win; ties fall back to registration order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// IntentOptions are the per-intent knobs §4.1/§4.5 describe.
type IntentOptions struct {
	AutoRenew         bool
	CacheResults      bool
	Deduplicate       bool
	CloseAfterEOSE    bool
	InactivityTimeout time.Duration
	MaxBufferSize     int
	Priority          Priority
}

// DefaultIntentOptions mirrors the ambient defaults described in §6:
// dedup on, a generous buffer, and a 5-minute inactivity timeout.
func DefaultIntentOptions() IntentOptions {
	return IntentOptions{
		Deduplicate:       true,
		MaxBufferSize:     256,
		InactivityTimeout: 5 * time.Minute,
		Priority:          PriorityNormal,
	}
}

// Intent is a subscriber's registered request for events matching
// Filters, delivered on Events until cancelled, closed after EOSE, or
// timed out from inactivity.
type Intent struct {
	ID      string
	Filters event.Filters
	Options IntentOptions

	Events chan event.Event
	Done   chan struct{}

	createdAt       time.Time
	lastEventAt     atomic.Int64 // unix nano
	eventsDelivered atomic.Int64
	dropped         atomic.Int64
	order           int64 // registration sequence, for priority tie-breaks
}

func newIntent(id string, filters event.Filters, opts IntentOptions, order int64, now time.Time) *Intent {
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = DefaultIntentOptions().MaxBufferSize
	}
	it := &Intent{
		ID:        id,
		Filters:   filters,
		Options:   opts,
		Events:    make(chan event.Event, opts.MaxBufferSize),
		Done:      make(chan struct{}),
		createdAt: now,
		order:     order,
	}
	it.lastEventAt.Store(now.UnixNano())
	return it
}

// LastEventAt returns the time of the most recently delivered (or
// recorded end-of-stored) event, for inactivity-timeout evaluation.
func (it *Intent) LastEventAt() time.Time {
	return time.Unix(0, it.lastEventAt.Load())
}

// EventsDelivered returns the running count of events handed to Events.
func (it *Intent) EventsDelivered() int64 { return it.eventsDelivered.Load() }

// Dropped returns the count of events dropped because Events was full.
func (it *Intent) Dropped() int64 { return it.dropped.Load() }

// deliver pushes evt to the intent's buffer, dropping the oldest
// buffered event (not evt itself) if the buffer is full, per §4.5 step 4.
func (it *Intent) deliver(evt event.Event, now time.Time) {
	for {
		select {
		case it.Events <- evt:
			it.lastEventAt.Store(now.UnixNano())
			it.eventsDelivered.Add(1)
			return
		default:
		}
		select {
		case <-it.Events:
			it.dropped.Add(1)
		default:
			// buffer drained concurrently by the subscriber; retry the send
		}
	}
}

func (it *Intent) touch(now time.Time) {
	it.lastEventAt.Store(now.UnixNano())
}

func (it *Intent) terminate() {
	select {
	case <-it.Done:
	default:
		close(it.Done)
	}
}
