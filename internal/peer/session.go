package peer

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/leech/internal/config"
	"github.com/prxssh/leech/internal/protocol"
	"github.com/prxssh/leech/pkg/bitfield"
)

const (
	maskAmChoking = 1 << iota
	maskAmInterested
	maskPeerChoking
	maskPeerInterested
)

const readChunk = 4096

// Session is the wire-level state for one remote peer: the socket, the
// inbound parse buffer, the four choke/interest flags, and the remote's
// bitfield.
//
// Connect is called by the tracker's connect phase; Drain/Ingest are driven
// by the manager's I/O loop; Send may also be called from the request loop. The flags and health bit are atomic so
// both loops can consult them without the manager lock.
type Session struct {
	log  *slog.Logger
	addr netip.AddrPort

	conn       net.Conn
	readBuf    []byte
	handshaken bool

	healthy  atomic.Bool
	state    atomic.Uint32
	lastSend atomic.Int64 // unix nanos of the last successful write

	bitsMu sync.RWMutex
	bits   bitfield.Bitfield
}

// NewSession returns an unconnected session for addr, its remote bitfield
// zeroed to numPieces bits and flags initialized to
// (am_choking, peer_choking) = (true, true).
func NewSession(addr netip.AddrPort, numPieces int, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		log:  log.With("peer", addr),
		addr: addr,
		bits: bitfield.New(numPieces),
	}
	s.state.Store(maskAmChoking | maskPeerChoking)

	return s
}

func (s *Session) Addr() netip.AddrPort { return s.addr }

// Connect opens the TCP connection. On success the session is marked
// healthy; reads are bounded per pass by deadlines, never blocking the I/O
// loop.
func (s *Session) Connect() error {
	conn, err := net.DialTimeout("tcp", s.addr.String(), config.Load().DialTimeout)
	if err != nil {
		return err
	}

	s.conn = conn
	s.healthy.Store(true)
	s.log.Debug("connected")

	return nil
}

// Close tears the connection down and marks the session unhealthy.
func (s *Session) Close() {
	s.healthy.Store(false)
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func (s *Session) Healthy() bool { return s.healthy.Load() }

// Send writes raw bytes to the peer. Any failure marks the session
// unhealthy; the manager removes it on the next pass.
func (s *Session) Send(b []byte) error {
	if s.conn == nil {
		return errors.New("peer: not connected")
	}

	if _, err := s.conn.Write(b); err != nil {
		s.healthy.Store(false)
		return err
	}

	s.lastSend.Store(time.Now().UnixNano())
	return nil
}

// SendMessage frames and writes one peer message (nil = keep-alive).
func (s *Session) SendMessage(m *protocol.Message) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}

	return s.Send(b)
}

// SendHandshake writes the opening handshake.
func (s *Session) SendHandshake(h *protocol.Handshake) error {
	b, err := h.MarshalBinary()
	if err != nil {
		return err
	}

	return s.Send(b)
}

// Drain reads every byte currently available on the socket, waiting at most
// wait for the first byte. A deadline expiry is a normal, empty result; any
// other error marks the session unhealthy.
func (s *Session) Drain(wait time.Duration) ([]byte, error) {
	if s.conn == nil {
		return nil, errors.New("peer: not connected")
	}

	var (
		out   []byte
		chunk [readChunk]byte
	)

	_ = s.conn.SetReadDeadline(time.Now().Add(wait))

	for {
		n, err := s.conn.Read(chunk[:])
		if n > 0 {
			out = append(out, chunk[:n]...)
			// Subsequent reads only pick up what is already
			// buffered.
			_ = s.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
			continue
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return out, nil
			}

			s.healthy.Store(false)
			return out, err
		}
	}
}

// Ingest appends payload to the parse buffer and extracts every complete
// message it now holds. The first frame on a session must be a valid
// handshake; a malformed first frame (or any malformed frame after it)
// marks the session unhealthy.
func (s *Session) Ingest(payload []byte) []*protocol.Message {
	s.readBuf = append(s.readBuf, payload...)

	var msgs []*protocol.Message

	for len(s.readBuf) > 4 && s.healthy.Load() {
		if !s.handshaken {
			var h protocol.Handshake
			if err := h.UnmarshalBinary(s.readBuf); err != nil {
				if errors.Is(err, protocol.ErrShortHandshake) {
					break
				}

				s.log.Warn("handshake parse failed", "error", err)
				s.healthy.Store(false)
				break
			}

			s.handshaken = true
			s.readBuf = s.readBuf[protocol.HandshakeLen:]
			s.log.Debug("handshake complete", "remote_id", h.PeerID)
			continue
		}

		msg, consumed, err := protocol.Decode(s.readBuf)
		if err != nil {
			if errors.Is(err, protocol.ErrShortMessage) {
				break // wait for more bytes
			}

			s.log.Warn("malformed frame, dropping peer", "error", err)
			s.healthy.Store(false)
			break
		}

		s.readBuf = s.readBuf[consumed:]
		if protocol.IsKeepAlive(msg) {
			continue
		}

		msgs = append(msgs, msg)
	}

	return msgs
}

// ---- state flags ----

func (s *Session) getState(mask uint32) bool { return s.state.Load()&mask != 0 }

func (s *Session) setState(mask uint32, on bool) {
	for {
		old := s.state.Load()
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}

		if s.state.CompareAndSwap(old, next) {
			return
		}
	}
}

func (s *Session) AmChoking() bool      { return s.getState(maskAmChoking) }
func (s *Session) AmInterested() bool   { return s.getState(maskAmInterested) }
func (s *Session) PeerChoking() bool    { return s.getState(maskPeerChoking) }
func (s *Session) PeerInterested() bool { return s.getState(maskPeerInterested) }

// IsUnchoked reports whether the remote has unchoked us.
func (s *Session) IsUnchoked() bool { return !s.PeerChoking() }

// Eligible applies the per-peer request cooldown: a session only takes a new
// request once enough time has passed since the last write to it.
func (s *Session) Eligible() bool {
	last := time.Unix(0, s.lastSend.Load())
	return time.Since(last) > config.Load().RequestCooldown
}

// WriteIdle reports how long the session has gone without a write, for
// keep-alive pacing.
func (s *Session) WriteIdle() time.Duration {
	return time.Since(time.Unix(0, s.lastSend.Load()))
}

// ---- remote bitfield ----

func (s *Session) HasPiece(index int) bool {
	s.bitsMu.RLock()
	defer s.bitsMu.RUnlock()

	return s.bits.Has(index)
}

// RemoteBitfield returns a copy of the remote's bitfield.
func (s *Session) RemoteBitfield() bitfield.Bitfield {
	s.bitsMu.RLock()
	defer s.bitsMu.RUnlock()

	return s.bits.Clone()
}

// ---- per-message reactions ----

func (s *Session) HandleChoke() {
	s.setState(maskPeerChoking, true)
}

func (s *Session) HandleUnchoke() {
	s.setState(maskPeerChoking, false)
}

// HandleInterested records the remote's interest and, since this client is
// permanently willing to serve verified pieces, answers with Unchoke when we
// were still choking.
func (s *Session) HandleInterested() {
	s.setState(maskPeerInterested, true)

	if s.AmChoking() {
		if err := s.SendMessage(protocol.MessageUnchoke()); err == nil {
			s.setState(maskAmChoking, false)
		}
	}
}

func (s *Session) HandleNotInterested() {
	s.setState(maskPeerInterested, false)
}

// HandleHave flips bit index of the remote bitfield and declares our
// interest if the remote is still choking us.
func (s *Session) HandleHave(index int) {
	s.bitsMu.Lock()
	s.bits.Set(index)
	s.bitsMu.Unlock()

	s.declareInterest()
}

// HandleBitfield replaces the remote bitfield wholesale.
func (s *Session) HandleBitfield(bits []byte) {
	s.bitsMu.Lock()
	s.bits = bitfield.FromBytes(bits)
	s.bitsMu.Unlock()

	s.declareInterest()
}

func (s *Session) declareInterest() {
	if !s.PeerChoking() || s.AmInterested() {
		return
	}

	if err := s.SendMessage(protocol.MessageInterested()); err == nil {
		s.setState(maskAmInterested, true)
	}
}
