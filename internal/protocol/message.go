package protocol

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type MessageID uint8

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
	MsgPort          MessageID = 9
)

func (mid MessageID) String() string {
	switch mid {
	case MsgChoke:
		return "Choke"
	case MsgUnchoke:
		return "Unchoke"
	case MsgInterested:
		return "Interested"
	case MsgNotInterested:
		return "Not Interested"
	case MsgHave:
		return "Have"
	case MsgBitfield:
		return "Bitfield"
	case MsgRequest:
		return "Request"
	case MsgPiece:
		return "Piece"
	case MsgCancel:
		return "Cancel"
	case MsgPort:
		return "Port"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(mid))
	}
}

// Message represents a single BitTorrent length-prefixed message.
//
// Wire format:
//
//	keep-alive: <length=0>
//	otherwise: <length:4><id:1><payload:length-1>
//
// A nil *Message denotes a keep-alive frame.
type Message struct {
	ID      MessageID
	Payload []byte
}

var (
	// ErrMalformedFrame covers every decode failure: unknown id, a
	// length prefix that disagrees with the id's fixed size, or a bad
	// handshake protocol string.
	ErrMalformedFrame = errors.New("protocol: malformed frame")

	ErrShortMessage = errors.New("protocol: short message")
)

var (
	_ encoding.BinaryMarshaler   = (*Message)(nil)
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
	_ io.WriterTo                = (*Message)(nil)
)

// IsKeepAlive reports whether m denotes a keep-alive frame.
// By convention, a nil *Message is a keep-alive.
func IsKeepAlive(m *Message) bool { return m == nil }

func MessageChoke() *Message         { return &Message{ID: MsgChoke} }
func MessageUnchoke() *Message       { return &Message{ID: MsgUnchoke} }
func MessageInterested() *Message    { return &Message{ID: MsgInterested} }
func MessageNotInterested() *Message { return &Message{ID: MsgNotInterested} }

func MessageHave(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)

	return &Message{ID: MsgHave, Payload: payload}
}

func MessageBitfield(bits []byte) *Message {
	cp := make([]byte, len(bits))
	copy(cp, bits)

	return &Message{ID: MsgBitfield, Payload: cp}
}

func MessageRequest(index, begin, length uint32) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)

	return &Message{ID: MsgRequest, Payload: payload}
}

func MessagePiece(index, begin uint32, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)

	return &Message{ID: MsgPiece, Payload: payload}
}

func MessageCancel(index, begin, length uint32) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)

	return &Message{ID: MsgCancel, Payload: payload}
}

func MessagePort(port uint16) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(port))

	return &Message{ID: MsgPort, Payload: payload}
}

// ParseHave returns the piece index for a Have message.
// ok is false if the payload length is not exactly 4 bytes.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if m == nil || m.ID != MsgHave || len(m.Payload) != 4 {
		return 0, false
	}

	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseRequest parses a Request or Cancel payload into index, begin, length.
// ok is false if the payload length is not exactly 12 bytes.
func (m *Message) ParseRequest() (index, begin, length uint32, ok bool) {
	if m == nil || (m.ID != MsgRequest && m.ID != MsgCancel) ||
		len(m.Payload) != 12 {
		return 0, 0, 0, false
	}

	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		binary.BigEndian.Uint32(m.Payload[8:12]),
		true
}

// ParsePiece parses a Piece payload into index, begin, and the data block.
// ok is false if there are fewer than 8 bytes of header.
func (m *Message) ParsePiece() (index, begin uint32, block []byte, ok bool) {
	if m == nil || m.ID != MsgPiece || len(m.Payload) < 8 {
		return 0, 0, nil, false
	}

	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		m.Payload[8:], true
}

func (m *Message) MarshalBinary() ([]byte, error) {
	if m == nil {
		return []byte{0, 0, 0, 0}, nil
	}

	// length prefix excludes itself; includes id + payload.
	length := 1 + len(m.Payload)

	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)

	return buf, nil
}

// UnmarshalBinary decodes exactly one frame from b.
// Accepts both keep-alive (length=0) and normal frames.
func (m *Message) UnmarshalBinary(b []byte) error {
	msg, _, err := Decode(b)
	if err != nil {
		return err
	}

	if msg == nil {
		*m = Message{}
		return nil
	}

	*m = *msg
	return nil
}

// WriteTo implements io.WriterTo. For keep-alive (m==nil), it writes 4 zero
// bytes.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	b, err := m.MarshalBinary()
	if err != nil {
		return 0, err
	}

	n, err := w.Write(b)
	return int64(n), err
}

// Decode parses the first complete frame in buf and reports how many bytes
// it consumed, making it suitable for the session's accumulate-and-parse
// loop.
//
// A keep-alive decodes as (nil, 4, nil). When buf holds a valid prefix of a
// frame but not yet the whole frame, Decode returns ErrShortMessage and the
// caller should retry once more bytes arrive. Any structural violation
// returns ErrMalformedFrame.
func Decode(buf []byte) (*Message, int, error) {
	if len(buf) < 4 {
		return nil, 0, ErrShortMessage
	}

	length := binary.BigEndian.Uint32(buf[0:4])
	if length == 0 {
		return nil, 4, nil // keep-alive
	}

	total := 4 + int(length)
	if len(buf) < total {
		return nil, 0, ErrShortMessage
	}

	id := MessageID(buf[4])
	payload := append([]byte(nil), buf[5:total]...)
	if err := validatePayloadSize(id, len(payload)); err != nil {
		return nil, 0, err
	}

	return &Message{ID: id, Payload: payload}, total, nil
}

// validatePayloadSize enforces each id's fixed payload size.
func validatePayloadSize(id MessageID, n int) error {
	switch id {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		if n != 0 {
			return fmt.Errorf("%w: %s payload %d bytes", ErrMalformedFrame, id, n)
		}
	case MsgHave, MsgPort:
		if n != 4 {
			return fmt.Errorf("%w: %s payload %d bytes", ErrMalformedFrame, id, n)
		}
	case MsgRequest, MsgCancel:
		if n != 12 {
			return fmt.Errorf("%w: %s payload %d bytes", ErrMalformedFrame, id, n)
		}
	case MsgPiece:
		if n < 8 {
			return fmt.Errorf("%w: %s payload %d bytes", ErrMalformedFrame, id, n)
		}
	case MsgBitfield:
		// any length
	default:
		return fmt.Errorf("%w: unknown id %d", ErrMalformedFrame, uint8(id))
	}

	return nil
}

// WriteMessage writes m to w. If m is nil, it writes a keep-alive frame.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}
