package wire

import (
	"encoding/json"
	"testing"

	"github.com/relaynet/corepool/errs"
	"github.com/relaynet/corepool/event"
	"github.com/stretchr/testify/require"
)

func TestEncodeReqRejectsEmptyFilters(t *testing.T) {
	_, err := EncodeClient(ReqFrame{SubID: "s1", Filters: event.Filters{{}}})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Configuration))
}

func TestEncodeReqRejectsNoFilters(t *testing.T) {
	_, err := EncodeClient(ReqFrame{SubID: "s1"})
	require.Error(t, err)
}

func TestEncodeClientEventShape(t *testing.T) {
	evt := event.Event{ID: "abc", PubKey: "def", CreatedAt: 5, Kind: 1, Content: "hi"}
	data, err := EncodeClient(EventFrame{Event: evt})
	require.NoError(t, err)

	var arr []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &arr))
	require.Len(t, arr, 2)
	var verb string
	require.NoError(t, json.Unmarshal(arr[0], &verb))
	require.Equal(t, "EVENT", verb)
}

func TestDecodeRelayEventRoundTrip(t *testing.T) {
	evt := event.Event{ID: "abc", PubKey: "def", CreatedAt: 5, Kind: 1, Content: "hi"}
	raw, err := json.Marshal([]any{"EVENT", "sub1", evt})
	require.NoError(t, err)

	decoded, err := DecodeRelay(raw)
	require.NoError(t, err)
	msg, ok := decoded.(EventMsg)
	require.True(t, ok)
	require.Equal(t, "sub1", msg.SubID)
	require.Equal(t, evt.ID, msg.Event.ID)
}

func TestDecodeRejectsNonArray(t *testing.T) {
	_, err := DecodeRelay([]byte(`{"not":"an array"}`))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Protocol))
}

func TestDecodeRejectsUnknownVerb(t *testing.T) {
	_, err := DecodeRelay([]byte(`["BOGUS", "x"]`))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Protocol))
}

func TestDecodeOK(t *testing.T) {
	decoded, err := DecodeRelay([]byte(`["OK", "eventid", false, "blocked: pow"]`))
	require.NoError(t, err)
	ok := decoded.(OKMsg)
	require.Equal(t, "eventid", ok.EventID)
	require.False(t, ok.Accepted)
	require.Equal(t, "blocked: pow", ok.Message)
}

func TestDecodeEOSE(t *testing.T) {
	decoded, err := DecodeRelay([]byte(`["EOSE", "sub1"]`))
	require.NoError(t, err)
	require.Equal(t, EOSEMsg{SubID: "sub1"}, decoded)
}

func TestDecodeTolerantOfTrailingFields(t *testing.T) {
	decoded, err := DecodeRelay([]byte(`["EOSE", "sub1", "unexpected-extra"]`))
	require.NoError(t, err)
	require.Equal(t, EOSEMsg{SubID: "sub1"}, decoded)
}
