package relayproto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ocbridge/ocbridge/internal/domain"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	frames := []Frame{
		{Op: OpOpen, StreamID: 1},
		{Op: OpOpenAck, StreamID: 1},
		{Op: OpData, StreamID: 7, Payload: []byte("hello across the tunnel")},
		{Op: OpClose, StreamID: 7, Payload: []byte("dial refused")},
		{Op: OpWindowUpdate, StreamID: 3, Payload: WindowUpdatePayload(4096)},
		{Op: OpHeartbeat},
		{Op: OpHeartbeatAck},
		{Op: OpGoaway},
	}
	for _, f := range frames {
		raw, err := Encode(f, 0)
		if err != nil {
			t.Fatalf("encode %s: %v", OpName(f.Op), err)
		}
		got, err := Decode(raw)
		if err != nil {
			t.Fatalf("decode %s: %v", OpName(f.Op), err)
		}
		if got.Op != f.Op || got.StreamID != f.StreamID || !bytes.Equal(got.Payload, f.Payload) {
			t.Fatalf("round trip mismatch for %s: %+v != %+v", OpName(f.Op), got, f)
		}
	}
}

func TestEncodePadsToQuantum(t *testing.T) {
	raw, err := Encode(Frame{Op: OpData, StreamID: 1, Payload: []byte("xy")}, 64)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw)%64 != 0 {
		t.Fatalf("expected padded length multiple of 64, got %d", len(raw))
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Payload) != "xy" {
		t.Fatalf("padding leaked into payload: %q", got.Payload)
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	cases := [][]byte{
		nil,
		{OpData},
		{0x7f, 0, 0, 0, 1, 0, 0, 0, 0},             // unknown opcode
		{OpData, 0, 0, 0, 1, 0, 0, 0, 9, 'x', 'y'}, // declared length > present
	}
	for i, raw := range cases {
		if _, err := Decode(raw); !errors.Is(err, domain.ErrProtocolViolation) {
			t.Fatalf("case %d: expected protocol violation, got %v", i, err)
		}
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	if _, err := Encode(Frame{Op: OpData, StreamID: 1, Payload: make([]byte, MaxPayload+1)}, 0); !errors.Is(err, domain.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestParseWindowUpdate(t *testing.T) {
	v, err := ParseWindowUpdate(WindowUpdatePayload(123456))
	if err != nil {
		t.Fatal(err)
	}
	if v != 123456 {
		t.Fatalf("unexpected value %d", v)
	}
	if _, err := ParseWindowUpdate([]byte{1, 2}); !errors.Is(err, domain.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}
