// Package relayproto defines the binary framing exchanged between the
// ocbridge entry and exit nodes over a WebSocket tunnel connection.
package relayproto

import (
	"encoding/binary"
	"fmt"
	mathrand "math/rand/v2"

	"github.com/ocbridge/ocbridge/internal/domain"
)

// Frame opcodes. Stream ID 0 is reserved for the session control stream.
const (
	OpOpen         = byte(0x01) // open a new logical stream
	OpOpenAck      = byte(0x02) // stream open result (payload empty on success, error text on failure)
	OpData         = byte(0x03) // stream payload bytes
	OpClose        = byte(0x04) // close one stream; optional error text payload
	OpWindowUpdate = byte(0x05) // payload: uint32 consumed byte count
	OpHeartbeat    = byte(0x06) // session keepalive, stream 0
	OpHeartbeatAck = byte(0x07) // keepalive echo, stream 0
	OpGoaway       = byte(0x08) // orderly session shutdown, stream 0
)

// Frame header: opcode (1) + stream id (4) + payload length (4).
const headerSize = 9

// MaxPayload bounds a single frame's payload. Larger writes are split by
// the sender.
const MaxPayload = 256 * 1024

// Frame is one decoded relay protocol frame.
type Frame struct {
	Op       byte
	StreamID uint32
	Payload  []byte
}

// OpName returns a short human-readable opcode name for logging.
func OpName(op byte) string {
	switch op {
	case OpOpen:
		return "open"
	case OpOpenAck:
		return "open_ack"
	case OpData:
		return "data"
	case OpClose:
		return "close"
	case OpWindowUpdate:
		return "window_update"
	case OpHeartbeat:
		return "heartbeat"
	case OpHeartbeatAck:
		return "heartbeat_ack"
	case OpGoaway:
		return "goaway"
	}
	return fmt.Sprintf("op_0x%02x", op)
}

func validOp(op byte) bool {
	return op >= OpOpen && op <= OpGoaway
}

// Encode serializes a frame, padding the result with random bytes up to the
// next multiple of quantum when quantum > 0. Padding blurs frame-size
// fingerprints on the wire; the payload length field makes it recoverable.
func Encode(f Frame, quantum int) ([]byte, error) {
	if !validOp(f.Op) {
		return nil, fmt.Errorf("%w: unknown opcode 0x%02x", domain.ErrProtocolViolation, f.Op)
	}
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload %d exceeds max %d", domain.ErrProtocolViolation, len(f.Payload), MaxPayload)
	}

	size := headerSize + len(f.Payload)
	padded := size
	if quantum > 0 && padded%quantum != 0 {
		padded += quantum - padded%quantum
	}

	buf := make([]byte, padded)
	buf[0] = f.Op
	binary.BigEndian.PutUint32(buf[1:5], f.StreamID)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(f.Payload)))
	copy(buf[headerSize:], f.Payload)
	for i := size; i < padded; i++ {
		buf[i] = byte(mathrand.Uint32())
	}
	return buf, nil
}

// Decode parses a frame from a raw WebSocket binary message, discarding any
// trailing padding. Malformed input is a protocol violation and fatal to
// the session.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < headerSize {
		return Frame{}, fmt.Errorf("%w: short frame (%d bytes)", domain.ErrProtocolViolation, len(raw))
	}
	op := raw[0]
	if !validOp(op) {
		return Frame{}, fmt.Errorf("%w: unknown opcode 0x%02x", domain.ErrProtocolViolation, op)
	}
	plen := binary.BigEndian.Uint32(raw[5:9])
	if plen > MaxPayload {
		return Frame{}, fmt.Errorf("%w: payload length %d exceeds max %d", domain.ErrProtocolViolation, plen, MaxPayload)
	}
	if int(plen) > len(raw)-headerSize {
		return Frame{}, fmt.Errorf("%w: truncated payload (%d declared, %d present)", domain.ErrProtocolViolation, plen, len(raw)-headerSize)
	}
	f := Frame{
		Op:       op,
		StreamID: binary.BigEndian.Uint32(raw[1:5]),
	}
	if plen > 0 {
		f.Payload = make([]byte, plen)
		copy(f.Payload, raw[headerSize:headerSize+int(plen)])
	}
	return f, nil
}

// WindowUpdatePayload encodes a consumed-bytes count for [OpWindowUpdate].
func WindowUpdatePayload(consumed uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, consumed)
	return b
}

// ParseWindowUpdate decodes an [OpWindowUpdate] payload.
func ParseWindowUpdate(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: window update payload must be 4 bytes, got %d", domain.ErrProtocolViolation, len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}
