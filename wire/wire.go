// Package wire implements C1: encoding and decoding of the JSON-array
// frames exchanged between this runtime and a relay. It knows the shape
// of every verb in both directions and rejects anything that doesn't
// match, but has no opinion about what a Connection does with a
// decoded frame — that's C2's job.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/relaynet/corepool/errs"
	"github.com/relaynet/corepool/event"
)

// ClientVerb is the first element of a client->relay frame.
type ClientVerb string

const (
	ClientEvent ClientVerb = "EVENT"
	ClientReq   ClientVerb = "REQ"
	ClientClose ClientVerb = "CLOSE"
	ClientAuth  ClientVerb = "AUTH"
	ClientCount ClientVerb = "COUNT"
)

// RelayVerb is the first element of a relay->client frame.
type RelayVerb string

const (
	RelayEvent  RelayVerb = "EVENT"
	RelayOK     RelayVerb = "OK"
	RelayEOSE   RelayVerb = "EOSE"
	RelayNotice RelayVerb = "NOTICE"
	RelayAuth   RelayVerb = "AUTH"
	RelayClosed RelayVerb = "CLOSED"
	RelayCount  RelayVerb = "COUNT"
)

// ClientFrame is anything that can be sent to a relay.
type ClientFrame interface {
	clientVerb() ClientVerb
}

type EventFrame struct{ Event event.Event }
type ReqFrame struct {
	SubID   string
	Filters event.Filters
}
type CloseFrame struct{ SubID string }
type AuthFrame struct{ Event event.Event }
type CountFrame struct {
	SubID   string
	Filters event.Filters
}

func (EventFrame) clientVerb() ClientVerb { return ClientEvent }
func (ReqFrame) clientVerb() ClientVerb   { return ClientReq }
func (CloseFrame) clientVerb() ClientVerb { return ClientClose }
func (AuthFrame) clientVerb() ClientVerb  { return ClientAuth }
func (CountFrame) clientVerb() ClientVerb { return ClientCount }

// EncodeClient serializes a ClientFrame to the JSON array a relay expects.
func EncodeClient(frame ClientFrame) ([]byte, error) {
	switch f := frame.(type) {
	case EventFrame:
		return json.Marshal([]any{ClientEvent, f.Event})
	case ReqFrame:
		if len(f.Filters) == 0 {
			return nil, errs.New(errs.Configuration, "REQ requires at least one filter")
		}
		for _, filt := range f.Filters {
			if filt.Empty() {
				return nil, errs.New(errs.Configuration, "REQ filter must not be empty")
			}
		}
		parts := make([]any, 0, 2+len(f.Filters))
		parts = append(parts, ClientReq, f.SubID)
		for _, filt := range f.Filters {
			parts = append(parts, filt)
		}
		return json.Marshal(parts)
	case CloseFrame:
		return json.Marshal([]any{ClientClose, f.SubID})
	case AuthFrame:
		return json.Marshal([]any{ClientAuth, f.Event})
	case CountFrame:
		parts := make([]any, 0, 2+len(f.Filters))
		parts = append(parts, ClientCount, f.SubID)
		for _, filt := range f.Filters {
			parts = append(parts, filt)
		}
		return json.Marshal(parts)
	default:
		return nil, errs.New(errs.Configuration, fmt.Sprintf("unknown client frame type %T", frame))
	}
}

// RelayFrame is anything a relay can send to the client.
type RelayFrame interface {
	relayVerb() RelayVerb
}

type EventMsg struct {
	SubID string
	Event event.Event
}
type OKMsg struct {
	EventID  string
	Accepted bool
	Message  string
}
type EOSEMsg struct{ SubID string }
type NoticeMsg struct{ Message string }
type AuthChallengeMsg struct{ Challenge string }
type ClosedMsg struct {
	SubID  string
	Reason string
}
type CountMsg struct {
	SubID string
	Count int
}

func (EventMsg) relayVerb() RelayVerb         { return RelayEvent }
func (OKMsg) relayVerb() RelayVerb            { return RelayOK }
func (EOSEMsg) relayVerb() RelayVerb          { return RelayEOSE }
func (NoticeMsg) relayVerb() RelayVerb        { return RelayNotice }
func (AuthChallengeMsg) relayVerb() RelayVerb { return RelayAuth }
func (ClosedMsg) relayVerb() RelayVerb        { return RelayClosed }
func (CountMsg) relayVerb() RelayVerb         { return RelayCount }

// DecodeRelay parses one frame received from a relay. It rejects
// anything that is not a JSON array, whose first element is not a
// known verb, or whose shape for that verb is wrong; unknown trailing
// elements are tolerated.
func DecodeRelay(data []byte) (RelayFrame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errs.Wrap(errs.Protocol, "frame is not a JSON array", err)
	}
	if len(raw) == 0 {
		return nil, errs.New(errs.Protocol, "empty frame")
	}
	var verb string
	if err := json.Unmarshal(raw[0], &verb); err != nil {
		return nil, errs.Wrap(errs.Protocol, "frame verb is not a string", err)
	}
	switch RelayVerb(verb) {
	case RelayEvent:
		if len(raw) < 3 {
			return nil, errs.New(errs.Protocol, "EVENT frame too short")
		}
		var subID string
		if err := json.Unmarshal(raw[1], &subID); err != nil {
			return nil, errs.Wrap(errs.Protocol, "EVENT sub id is not a string", err)
		}
		var evt event.Event
		if err := json.Unmarshal(raw[2], &evt); err != nil {
			return nil, errs.Wrap(errs.Protocol, "EVENT payload malformed", err)
		}
		return EventMsg{SubID: subID, Event: evt}, nil
	case RelayOK:
		if len(raw) < 3 {
			return nil, errs.New(errs.Protocol, "OK frame too short")
		}
		var eventID string
		var accepted bool
		if err := json.Unmarshal(raw[1], &eventID); err != nil {
			return nil, errs.Wrap(errs.Protocol, "OK event id is not a string", err)
		}
		if err := json.Unmarshal(raw[2], &accepted); err != nil {
			return nil, errs.Wrap(errs.Protocol, "OK accepted flag is not a bool", err)
		}
		var message string
		if len(raw) > 3 {
			_ = json.Unmarshal(raw[3], &message)
		}
		return OKMsg{EventID: eventID, Accepted: accepted, Message: message}, nil
	case RelayEOSE:
		if len(raw) < 2 {
			return nil, errs.New(errs.Protocol, "EOSE frame too short")
		}
		var subID string
		if err := json.Unmarshal(raw[1], &subID); err != nil {
			return nil, errs.Wrap(errs.Protocol, "EOSE sub id is not a string", err)
		}
		return EOSEMsg{SubID: subID}, nil
	case RelayNotice:
		if len(raw) < 2 {
			return nil, errs.New(errs.Protocol, "NOTICE frame too short")
		}
		var message string
		if err := json.Unmarshal(raw[1], &message); err != nil {
			return nil, errs.Wrap(errs.Protocol, "NOTICE message is not a string", err)
		}
		return NoticeMsg{Message: message}, nil
	case RelayAuth:
		if len(raw) < 2 {
			return nil, errs.New(errs.Protocol, "AUTH frame too short")
		}
		var challenge string
		if err := json.Unmarshal(raw[1], &challenge); err != nil {
			return nil, errs.Wrap(errs.Protocol, "AUTH challenge is not a string", err)
		}
		return AuthChallengeMsg{Challenge: challenge}, nil
	case RelayClosed:
		if len(raw) < 2 {
			return nil, errs.New(errs.Protocol, "CLOSED frame too short")
		}
		var subID string
		if err := json.Unmarshal(raw[1], &subID); err != nil {
			return nil, errs.Wrap(errs.Protocol, "CLOSED sub id is not a string", err)
		}
		var reason string
		if len(raw) > 2 {
			_ = json.Unmarshal(raw[2], &reason)
		}
		return ClosedMsg{SubID: subID, Reason: reason}, nil
	case RelayCount:
		if len(raw) < 3 {
			return nil, errs.New(errs.Protocol, "COUNT frame too short")
		}
		var subID string
		if err := json.Unmarshal(raw[1], &subID); err != nil {
			return nil, errs.Wrap(errs.Protocol, "COUNT sub id is not a string", err)
		}
		var payload struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(raw[2], &payload); err != nil {
			return nil, errs.Wrap(errs.Protocol, "COUNT payload malformed", err)
		}
		return CountMsg{SubID: subID, Count: payload.Count}, nil
	default:
		return nil, errs.New(errs.Protocol, fmt.Sprintf("unknown verb %q", verb))
	}
}
