package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dma-navnet/navnet-client/maritimeid"
	"github.com/dma-navnet/navnet-client/position"
)

func mustID(t *testing.T, raw string) maritimeid.MaritimeId {
	t.Helper()
	id, err := maritimeid.Parse(raw)
	require.NoError(t, err)
	return id
}

func TestEncodeDecodeWelcome(t *testing.T) {
	want := Welcome{ProtocolVersion: 1, ServerID: mustID(t, "urn://server"), Banner: "hello"}

	data, err := Encode(want)
	require.NoError(t, err)

	var raw []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	var tag int
	require.NoError(t, json.Unmarshal(raw[0], &tag))
	assert.Equal(t, int(TypeWelcome), tag)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEncodeDecodeHello(t *testing.T) {
	pos := position.Time{Latitude: 55.6, Longitude: 12.5, Timestamp: time.UnixMilli(1_700_000_000_000)}
	want := Hello{ClientID: mustID(t, "urn://client"), Position: pos}

	data, err := Encode(want)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEncodeDecodeBroadcastSend(t *testing.T) {
	want := BroadcastSend{
		ReplyTo:     42,
		Src:         mustID(t, "urn://a"),
		Position:    position.Time{Latitude: 1, Longitude: 2, Timestamp: time.UnixMilli(1000)},
		Channel:     "Weather",
		Payload:     json.RawMessage(`{"wind":5}`),
		Options:     BroadcastOptions{RadiusMeters: 1000, ReceiptRequired: true},
		BroadcastID: "abc123",
	}

	data, err := Encode(want)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEncodeDecodeServerResponse(t *testing.T) {
	ack := BroadcastSendAck{MessageAck: 7, BroadcastID: "bid"}
	body, err := json.Marshal(ack)
	require.NoError(t, err)

	want := ServerResponse{MessageAck: 7, BodyType: TypeBroadcastSendAck, Body: body}

	data, err := Encode(want)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, want.MessageAck, got.(ServerResponse).MessageAck)
	assert.Equal(t, want.BodyType, got.(ServerResponse).BodyType)
}

func TestDecodeMalformedFrame(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`[]`))
	assert.Error(t, err)

	_, err = Decode([]byte(`[999]`))
	assert.Error(t, err)
}
