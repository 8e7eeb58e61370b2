package protocol

import (
	"crypto/sha1"
	"encoding"
	"errors"
	"fmt"
	"io"
)

const (
	btProtocol = "BitTorrent protocol"
	reservedN  = 8

	// HandshakeLen is the full wire size of a v1 handshake:
	// 1 + 19 + 8 + 20 + 20.
	HandshakeLen = 1 + len(btProtocol) + reservedN + sha1.Size + sha1.Size
)

// Handshake represents the initial BitTorrent wire handshake.
//
// Wire format (in bytes):
//
//	<pstrlen=19><"BitTorrent protocol"><reserved:8><info_hash:20><peer_id:20>
//
// The handshake is always the first message exchanged on a new connection.
// It identifies the torrent being downloaded (via info_hash) and the local
// peer.
type Handshake struct {
	Pstr     string
	Reserved [reservedN]byte
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

var (
	ErrShortHandshake = errors.New("protocol: short handshake")
)

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = (*Handshake)(nil)
)

// NewHandshake returns a canonical handshake using the given torrent info
// hash and local peer id, with zeroed reserved bytes.
func NewHandshake(infoHash, peerID [sha1.Size]byte) *Handshake {
	return &Handshake{
		Pstr:     btProtocol,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// MarshalBinary encodes the handshake into its wire representation.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	if h.Pstr != btProtocol {
		return nil, fmt.Errorf("%w: protocol string %q", ErrMalformedFrame, h.Pstr)
	}

	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(h.Pstr))

	offset := 1
	offset += copy(buf[offset:], h.Pstr)
	offset += copy(buf[offset:], h.Reserved[:])
	offset += copy(buf[offset:], h.InfoHash[:])
	copy(buf[offset:], h.PeerID[:])

	return buf, nil
}

// UnmarshalBinary parses a handshake from the first HandshakeLen bytes of b.
//
// It fails with ErrMalformedFrame when the leading length byte or the protocol
// string literal does not match, and ErrShortHandshake when the length byte
// is valid but fewer than HandshakeLen bytes are available.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) > 0 && int(b[0]) != len(btProtocol) {
		return fmt.Errorf("%w: bad handshake protocol length %d", ErrMalformedFrame, b[0])
	}
	if len(b) < HandshakeLen {
		return ErrShortHandshake
	}

	pstrlen := int(b[0])
	if pstrlen != len(btProtocol) || string(b[1:1+pstrlen]) != btProtocol {
		return fmt.Errorf("%w: bad handshake protocol string", ErrMalformedFrame)
	}

	end := 1 + pstrlen
	copy(h.Reserved[:], b[end:end+reservedN])
	copy(h.InfoHash[:], b[end+reservedN:end+reservedN+sha1.Size])
	copy(h.PeerID[:], b[end+reservedN+sha1.Size:HandshakeLen])
	h.Pstr = btProtocol

	return nil
}

// WriteTo implements io.WriterTo.
func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}

	n, err := w.Write(b)
	return int64(n), err
}
