package protocol

import (
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// UDP tracker protocol frames (BEP 15). All integers are big-endian.

const (
	// ConnectMagic is the fixed protocol id opening every connect
	// request.
	ConnectMagic uint64 = 0x41727101980

	ActionConnect  uint32 = 0
	ActionAnnounce uint32 = 1
	ActionError    uint32 = 3

	connectRequestLen   = 16
	connectResponseLen  = 16
	announceRequestLen  = 98
	announceResponseLen = 20

	peerStride = 6 // 4 bytes IPv4 + 2 bytes port
)

var (
	ErrActionMismatch      = errors.New("protocol: udp action mismatch")
	ErrTransactionMismatch = errors.New("protocol: udp transaction id mismatch")
	ErrPacketTooShort      = errors.New("protocol: udp packet too short")
)

// ConnectRequest opens a tracker conversation and asks for a connection id.
type ConnectRequest struct {
	TransactionID uint32
}

func (r *ConnectRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, connectRequestLen)
	binary.BigEndian.PutUint64(buf[0:8], ConnectMagic)
	binary.BigEndian.PutUint32(buf[8:12], ActionConnect)
	binary.BigEndian.PutUint32(buf[12:16], r.TransactionID)

	return buf, nil
}

// ConnectResponse carries the connection id used by subsequent announces.
type ConnectResponse struct {
	TransactionID uint32
	ConnectionID  uint64
}

// UnmarshalConnectResponse decodes and verifies a connect response against
// the transaction id sent in the request.
func UnmarshalConnectResponse(b []byte, transactionID uint32) (*ConnectResponse, error) {
	if len(b) < connectResponseLen {
		return nil, ErrPacketTooShort
	}

	action := binary.BigEndian.Uint32(b[0:4])
	if action == ActionError {
		return nil, fmt.Errorf("protocol: tracker error: %s", string(b[8:]))
	}
	if action != ActionConnect {
		return nil, ErrActionMismatch
	}

	echoed := binary.BigEndian.Uint32(b[4:8])
	if echoed != transactionID {
		return nil, ErrTransactionMismatch
	}

	return &ConnectResponse{
		TransactionID: echoed,
		ConnectionID:  binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// AnnounceRequest asks the tracker for peers holding a torrent.
type AnnounceRequest struct {
	ConnectionID  uint64
	TransactionID uint32
	InfoHash      [sha1.Size]byte
	PeerID        [sha1.Size]byte
	Downloaded    uint64
	Left          uint64
	Uploaded      uint64
	Event         uint32
	Key           uint32
	NumWant       int32
	Port          uint16
}

func (r *AnnounceRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, announceRequestLen)

	binary.BigEndian.PutUint64(buf[0:8], r.ConnectionID)
	binary.BigEndian.PutUint32(buf[8:12], ActionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], r.TransactionID)
	copy(buf[16:36], r.InfoHash[:])
	copy(buf[36:56], r.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], r.Downloaded)
	binary.BigEndian.PutUint64(buf[64:72], r.Left)
	binary.BigEndian.PutUint64(buf[72:80], r.Uploaded)
	binary.BigEndian.PutUint32(buf[80:84], r.Event)
	binary.BigEndian.PutUint32(buf[84:88], 0) // ip: let the tracker detect
	binary.BigEndian.PutUint32(buf[88:92], r.Key)
	binary.BigEndian.PutUint32(buf[92:96], uint32(r.NumWant))
	binary.BigEndian.PutUint16(buf[96:98], r.Port)

	return buf, nil
}

// AnnounceResponse carries the announce interval, swarm counters, and the
// compact peer list.
type AnnounceResponse struct {
	TransactionID uint32
	Interval      uint32
	Leechers      uint32
	Seeders       uint32
	Peers         []netip.AddrPort
}

// UnmarshalAnnounceResponse decodes and verifies an announce response
// against the transaction id sent in the request. Peer records follow the
// 20-byte header until the end of the packet.
func UnmarshalAnnounceResponse(b []byte, transactionID uint32) (*AnnounceResponse, error) {
	if len(b) < announceResponseLen {
		return nil, ErrPacketTooShort
	}

	action := binary.BigEndian.Uint32(b[0:4])
	if action == ActionError {
		return nil, fmt.Errorf("protocol: tracker error: %s", string(b[8:]))
	}
	if action != ActionAnnounce {
		return nil, ErrActionMismatch
	}

	echoed := binary.BigEndian.Uint32(b[4:8])
	if echoed != transactionID {
		return nil, ErrTransactionMismatch
	}

	peers, err := DecodeCompactPeers(b[announceResponseLen:])
	if err != nil {
		return nil, err
	}

	return &AnnounceResponse{
		TransactionID: echoed,
		Interval:      binary.BigEndian.Uint32(b[8:12]),
		Leechers:      binary.BigEndian.Uint32(b[12:16]),
		Seeders:       binary.BigEndian.Uint32(b[16:20]),
		Peers:         peers,
	}, nil
}

// DecodeCompactPeers parses 6-byte (IPv4, port) records, as used by both the
// UDP announce response and the HTTP tracker's compact 'peers' string.
func DecodeCompactPeers(data []byte) ([]netip.AddrPort, error) {
	if len(data)%peerStride != 0 {
		return nil, fmt.Errorf("%w: compact peers length %d", ErrMalformedFrame, len(data))
	}

	n := len(data) / peerStride
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+peerStride {
		addr := netip.AddrFrom4([4]byte{data[off], data[off+1], data[off+2], data[off+3]})
		port := binary.BigEndian.Uint16(data[off+4 : off+6])
		out[i] = netip.AddrPortFrom(addr, port)
	}

	return out, nil
}
