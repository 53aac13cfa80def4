package model

import (
	"encoding/json"
	"fmt"
)

// PacketType discriminates every frame crossing the client socket.
// The set is closed: anything outside it is a protocol violation.
type PacketType int

const (
	// ------------------- CLIENT -> SERVER -------------------
	TypeLogin              PacketType = 1
	TypeLogout             PacketType = 2
	TypeHeartbeat          PacketType = 3
	TypeChatMessage        PacketType = 10
	TypeTyping             PacketType = 11
	TypeReadAck            PacketType = 12
	TypeRecallMessage      PacketType = 13
	TypeSyncRequest        PacketType = 20
	TypeOfflineSyncRequest PacketType = 21
	TypeOfflineSyncAck     PacketType = 22

	// ------------------- SERVER -> CLIENT -------------------
	TypeLoginResponse       PacketType = 101
	TypeLogoutResponse      PacketType = 102
	TypeHeartbeatResponse   PacketType = 103
	TypeChatMessageAck      PacketType = 110
	TypeReceiveMessage      PacketType = 111
	TypeTypingNotify        PacketType = 112
	TypeRecallAck           PacketType = 113
	TypeRecallNotify        PacketType = 114
	TypeReadReceiptNotify   PacketType = 115
	TypeSyncResponse        PacketType = 120
	TypeOfflineSyncResponse PacketType = 121
	TypeOfflineSyncComplete PacketType = 122
	TypeKickedOffline       PacketType = 200
	TypeServerError         PacketType = 500
)

// MaxFrameSize is the hard cap for a single wire frame (UTF-8 JSON text).
const MaxFrameSize = 64 * 1024

// Packet is the wire envelope. Unknown envelope fields are ignored on
// decode; Data carries the type-specific body untouched until a handler
// asks for it.
type Packet struct {
	Type PacketType      `json:"type"`
	Seq  string          `json:"seq"`
	Data json.RawMessage `json:"data,omitempty"`
}

// clientTypes is the set of packet types a client is allowed to send.
var clientTypes = map[PacketType]struct{}{
	TypeLogin: {}, TypeLogout: {}, TypeHeartbeat: {},
	TypeChatMessage: {}, TypeTyping: {}, TypeReadAck: {}, TypeRecallMessage: {},
	TypeSyncRequest: {}, TypeOfflineSyncRequest: {}, TypeOfflineSyncAck: {},
}

// DecodePacket parses a raw frame and validates it against the closed
// client type set. Size is checked before the JSON parse so oversized
// garbage never reaches the decoder.
func DecodePacket(raw []byte) (*Packet, error) {
	if len(raw) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(raw))
	}

	var p Packet
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if _, ok := clientTypes[p.Type]; !ok {
		// Return the envelope too so the dispatcher can echo the seq.
		return &p, fmt.Errorf("%w: %d", ErrUnknownType, p.Type)
	}

	return &p, nil
}

// NewPacket wraps a payload struct into an envelope. The payload types
// in this package are all marshal-safe.
func NewPacket(t PacketType, seq string, payload any) *Packet {
	p := &Packet{Type: t, Seq: seq}
	if payload == nil {
		return p
	}
	data, err := json.Marshal(payload)
	if err != nil {
		// Marshalling our own payload structs cannot fail with valid
		// inputs; fall back to an empty body rather than panicking.
		return p
	}
	p.Data = data
	return p
}

// Encode serializes the envelope for the socket writer.
func (p *Packet) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodeData unmarshals the body into the handler's payload struct.
func (p *Packet) DecodeData(v any) error {
	if len(p.Data) == 0 {
		return fmt.Errorf("%w: empty data", ErrMalformedFrame)
	}
	if err := json.Unmarshal(p.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}
