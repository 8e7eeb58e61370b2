package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestMessage_KeepAlive_MarshalUnmarshal(t *testing.T) {
	var m *Message
	b, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary keep-alive error: %v", err)
	}

	if want := []byte{0, 0, 0, 0}; !bytes.Equal(b, want) {
		t.Fatalf("keep-alive encoded = %v, want %v", b, want)
	}

	msg, n, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode keep-alive: %v", err)
	}
	if !IsKeepAlive(msg) || n != 4 {
		t.Fatalf("Decode keep-alive = (%+v, %d)", msg, n)
	}
}

func TestMessage_ConstructorsAndParsers(t *testing.T) {
	// Have
	m := MessageHave(42)
	if idx, ok := m.ParseHave(); !ok || idx != 42 {
		t.Fatalf("ParseHave = (%d,%v), want (42,true)", idx, ok)
	}

	// Request
	m = MessageRequest(7, 16, 16384)
	i, b, l, ok := m.ParseRequest()
	if !ok || i != 7 || b != 16 || l != 16384 {
		t.Fatalf("ParseRequest got (%d,%d,%d,%v)", i, b, l, ok)
	}

	// Cancel shares the Request layout.
	m = MessageCancel(7, 16, 16384)
	if _, _, _, ok := m.ParseRequest(); !ok {
		t.Fatalf("ParseRequest should accept Cancel payloads")
	}

	// Piece
	block := []byte("data block")
	m = MessagePiece(3, 32, block)
	pi, pb, blk, ok := m.ParsePiece()
	if !ok || pi != 3 || pb != 32 || !bytes.Equal(blk, block) {
		t.Fatalf("ParsePiece mismatch")
	}

	// Port
	m = MessagePort(6881)
	if m.ID != MsgPort || len(m.Payload) != 4 {
		t.Fatalf("MessagePort = %+v", m)
	}
	if got := binary.BigEndian.Uint32(m.Payload); got != 6881 {
		t.Fatalf("port payload = %d, want 6881", got)
	}

	// Bitfield copies input
	bits := []byte{0xAA, 0x55}
	m = MessageBitfield(bits)
	bits[0] ^= 0xFF // mutate original
	if len(m.Payload) != 2 || m.Payload[0] != 0xAA || m.Payload[1] != 0x55 {
		t.Fatalf("MessageBitfield did not copy input: %v", m.Payload)
	}
}

func TestMessage_EncodeDecode_RoundTrip(t *testing.T) {
	msgs := []*Message{
		MessageChoke(),
		MessageUnchoke(),
		MessageInterested(),
		MessageNotInterested(),
		MessageHave(13),
		MessageBitfield([]byte{0x80, 0x01}),
		MessageRequest(1, 2, 3),
		MessagePiece(9, 1024, []byte("hello")),
		MessageCancel(4, 5, 6),
		MessagePort(8000),
	}

	for _, src := range msgs {
		b, err := src.MarshalBinary()
		if err != nil {
			t.Fatalf("%s: MarshalBinary: %v", src.ID, err)
		}

		dec, n, err := Decode(b)
		if err != nil {
			t.Fatalf("%s: Decode: %v", src.ID, err)
		}
		if n != len(b) {
			t.Fatalf("%s: consumed %d of %d bytes", src.ID, n, len(b))
		}
		if dec.ID != src.ID || !bytes.Equal(dec.Payload, src.Payload) {
			t.Fatalf("%s: round-trip mismatch: %+v vs %+v", src.ID, dec, src)
		}

		// encode(decode(b)) == b
		b2, err := dec.MarshalBinary()
		if err != nil {
			t.Fatalf("%s: re-marshal: %v", src.ID, err)
		}
		if !bytes.Equal(b, b2) {
			t.Fatalf("%s: re-encoded bytes differ", src.ID)
		}
	}
}

func TestMessage_WireLayout(t *testing.T) {
	tests := []struct {
		msg        *Message
		wantLength uint32
		wantID     byte
	}{
		{MessageChoke(), 1, 0},
		{MessageUnchoke(), 1, 1},
		{MessageInterested(), 1, 2},
		{MessageNotInterested(), 1, 3},
		{MessageHave(1), 5, 4},
		{MessageBitfield([]byte{0xFF, 0x00, 0x01}), 4, 5},
		{MessageRequest(0, 0, 16384), 13, 6},
		{MessagePiece(0, 0, make([]byte, 10)), 19, 7},
		{MessageCancel(0, 0, 16384), 13, 8},
		{MessagePort(8000), 5, 9},
	}

	for _, tc := range tests {
		b, err := tc.msg.MarshalBinary()
		if err != nil {
			t.Fatalf("%s: MarshalBinary: %v", tc.msg.ID, err)
		}

		if got := binary.BigEndian.Uint32(b[0:4]); got != tc.wantLength {
			t.Fatalf("%s: length prefix = %d, want %d", tc.msg.ID, got, tc.wantLength)
		}
		if b[4] != tc.wantID {
			t.Fatalf("%s: id byte = %d, want %d", tc.msg.ID, b[4], tc.wantID)
		}
	}
}

func TestDecode_Malformed(t *testing.T) {
	frame := func(id byte, payload []byte) []byte {
		b := make([]byte, 5+len(payload))
		binary.BigEndian.PutUint32(b[0:4], uint32(1+len(payload)))
		b[4] = id
		copy(b[5:], payload)
		return b
	}

	tests := []struct {
		name string
		buf  []byte
	}{
		{"unknown id", frame(99, nil)},
		{"have wrong size", frame(4, []byte{1, 2})},
		{"request wrong size", frame(6, make([]byte, 11))},
		{"cancel wrong size", frame(8, make([]byte, 13))},
		{"port wrong size", frame(9, make([]byte, 2))},
		{"piece too short", frame(7, make([]byte, 7))},
		{"choke with payload", frame(0, []byte{1})},
	}

	for _, tc := range tests {
		if _, _, err := Decode(tc.buf); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("%s: want ErrMalformedFrame, got %v", tc.name, err)
		}
	}
}

func TestDecode_ShortBuffer(t *testing.T) {
	full, err := MessageRequest(1, 2, 3).MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	for cut := 0; cut < len(full); cut++ {
		if _, _, err := Decode(full[:cut]); !errors.Is(err, ErrShortMessage) {
			t.Fatalf("cut=%d: want ErrShortMessage, got %v", cut, err)
		}
	}
}
