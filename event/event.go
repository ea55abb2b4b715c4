// Package event defines the wire-level data model shared by every
// component of the relay-fleet runtime: the Event record, Filter
// predicates, and the canonical serialization Event ids are derived
// from. It deliberately knows nothing about Schnorr signatures or
// hashing — those live behind the Signer interface so the core stays
// testable without a real secp256k1 key.
package event

import (
	"bytes"
	"fmt"
	"time"
)

// Event is an immutable signed message as received from, or destined
// for, a relay. Once constructed it is read-only; callers that need a
// mutated copy should build a new Event.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      Kind   `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Signer is the cryptography collaborator the core consumes to sign
// and verify events, and to compute the canonical event id. No
// Schnorr/secp256k1 code lives in this package; see the crypto
// package for the default implementation.
type Signer interface {
	// GetPublicKey returns the signer's own x-only public key, hex-encoded.
	GetPublicKey() (string, error)
	// Sign computes evt's canonical id and fills evt.ID and evt.Sig.
	Sign(evt *Event) error
	// Verify recomputes evt's canonical id and checks it matches evt.ID,
	// then verifies evt.Sig against that id under evt.PubKey.
	Verify(evt *Event) (bool, error)
}

// Clock is the time-source collaborator, injectable for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// CanonicalJSON returns the exact byte sequence id hashing is computed
// over: `[0, pubkey, created_at, kind, tags, content]`, UTF-8, with no
// HTML-escaping of '<', '>', '&' and no extraneous whitespace. This is
// NOT encoding/json.Marshal's default output — that function escapes
// those three runes, which would silently change the hash for any
// content containing them.
func (e Event) CanonicalJSON() []byte {
	var buf bytes.Buffer
	buf.WriteString(`[0,`)
	writeJSONString(&buf, e.PubKey)
	buf.WriteByte(',')
	fmt.Fprintf(&buf, "%d", e.CreatedAt)
	buf.WriteByte(',')
	fmt.Fprintf(&buf, "%d", e.Kind)
	buf.WriteByte(',')
	writeTagsJSON(&buf, e.Tags)
	buf.WriteByte(',')
	writeJSONString(&buf, e.Content)
	buf.WriteByte(']')
	return buf.Bytes()
}

func writeTagsJSON(buf *bytes.Buffer, tags Tags) {
	buf.WriteByte('[')
	for i, t := range tags {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('[')
		for j, v := range t {
			if j > 0 {
				buf.WriteByte(',')
			}
			writeJSONString(buf, v)
		}
		buf.WriteByte(']')
	}
	buf.WriteByte(']')
}

// writeJSONString writes s as a JSON string literal, escaping exactly
// what RFC 8259 requires (quote, backslash, control characters) and
// nothing more — in particular it does not escape '<', '>', '&' the
// way encoding/json's HTML-safe mode does.
func writeJSONString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// WithinSkew reports whether CreatedAt is no further than skew seconds
// in the future relative to now, per the §3 clock-skew invariant.
func (e Event) WithinSkew(now time.Time, skew time.Duration) bool {
	limit := now.Add(skew).Unix()
	return e.CreatedAt <= limit
}

// ReplaceableKey returns the key under which this event supersedes
// older events of the same kind, and whether the kind is replaceable
// at all. For parameterized-replaceable kinds (30000-39999) the key
// includes the event's first "d" tag value (empty string if absent).
func (e Event) ReplaceableKey() (key string, ok bool) {
	switch {
	case e.Kind.IsReplaceable():
		return fmt.Sprintf("%d:%s", e.Kind, e.PubKey), true
	case e.Kind.IsParameterizedReplaceable():
		d := ""
		if tag, found := e.Tags.Find("d"); found {
			d = tag.Value()
		}
		return fmt.Sprintf("%d:%s:%s", e.Kind, e.PubKey, d), true
	default:
		return "", false
	}
}
