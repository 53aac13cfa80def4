package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePacket_Valid(t *testing.T) {
	raw := []byte(`{"type":3,"seq":"42","data":{}}`)

	p, err := DecodePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, p.Type)
	assert.Equal(t, "42", p.Seq)
}

func TestDecodePacket_IgnoresUnknownEnvelopeFields(t *testing.T) {
	raw := []byte(`{"type":1,"seq":"1","data":{"token":"t"},"future":"field"}`)

	p, err := DecodePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeLogin, p.Type)
}

func TestDecodePacket_SizeLimit(t *testing.T) {
	// A frame of exactly MaxFrameSize passes the size gate.
	pad := strings.Repeat("a", MaxFrameSize-len(`{"type":3,"seq":"","data":{"x":""}}`))
	exact := fmt.Sprintf(`{"type":3,"seq":"","data":{"x":"%s"}}`, pad)
	require.Len(t, exact, MaxFrameSize)

	_, err := DecodePacket([]byte(exact))
	require.NoError(t, err)

	over := exact + " "
	_, err = DecodePacket([]byte(over))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodePacket_Malformed(t *testing.T) {
	for _, raw := range []string{"", "not json", `{"type":"heartbeat"}`, `[1,2,3]`} {
		_, err := DecodePacket([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedFrame, "input %q", raw)
	}
}

func TestDecodePacket_UnknownType(t *testing.T) {
	p, err := DecodePacket([]byte(`{"type":99,"seq":"7"}`))
	require.ErrorIs(t, err, ErrUnknownType)
	// The envelope survives so the dispatcher can echo the seq.
	require.NotNil(t, p)
	assert.Equal(t, "7", p.Seq)
}

func TestDecodePacket_ServerTypesRejected(t *testing.T) {
	// Server-to-client types are outside the client's closed set.
	for _, typ := range []PacketType{TypeLoginResponse, TypeReceiveMessage, TypeKickedOffline, TypeServerError} {
		_, err := DecodePacket([]byte(fmt.Sprintf(`{"type":%d,"seq":""}`, typ)))
		assert.ErrorIs(t, err, ErrUnknownType, "type %d", typ)
	}
}

func TestNewPacket_RoundTrip(t *testing.T) {
	p := NewPacket(TypeHeartbeatResponse, "9", HeartbeatResponseData{ServerTime: 1234})

	raw, err := p.Encode()
	require.NoError(t, err)

	var env struct {
		Type int             `json:"type"`
		Seq  string          `json:"seq"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, int(TypeHeartbeatResponse), env.Type)
	assert.Equal(t, "9", env.Seq)

	var body HeartbeatResponseData
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, int64(1234), body.ServerTime)
}

func TestDecodeData(t *testing.T) {
	p, err := DecodePacket([]byte(`{"type":10,"seq":"1","data":{"msgId":"c1","conversationId":5,"msgType":"text","content":"hi"}}`))
	require.NoError(t, err)

	var data ChatMessageData
	require.NoError(t, p.DecodeData(&data))
	assert.Equal(t, "c1", data.MsgID)
	assert.Equal(t, int64(5), data.ConversationID)

	empty := &Packet{Type: TypeChatMessage}
	assert.ErrorIs(t, empty.DecodeData(&data), ErrMalformedFrame)
}
