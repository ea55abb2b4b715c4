package event

// Kind identifies an event's domain type. The runtime treats most kinds
// as opaque; the few named here are the ones C4's replaceable-kind
// bookkeeping and C6's RPC layer need concrete values for.
type Kind uint16

const (
	KindMetadata Kind = 0
	KindContacts Kind = 3

	KindNWCRequest             Kind = 23194
	KindNWCResponse            Kind = 23195
	KindNWCNotificationLegacy  Kind = 23196
	KindNWCNotification        Kind = 23197
)

// IsReplaceable reports whether newer events of this kind supersede
// older ones for the same pubkey (no d-tag involved).
func (k Kind) IsReplaceable() bool {
	return k == KindMetadata || k == KindContacts || (k >= 10000 && k < 20000)
}

// IsParameterizedReplaceable reports whether this kind's replaceable
// key additionally includes a "d" tag value.
func (k Kind) IsParameterizedReplaceable() bool {
	return k >= 30000 && k < 40000
}
