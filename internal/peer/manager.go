package peer

import (
	"context"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/leech/internal/config"
	"github.com/prxssh/leech/internal/piece"
	"github.com/prxssh/leech/internal/protocol"
	"golang.org/x/sync/errgroup"
)

// Manager owns the set of live sessions and the swarm view (which sessions
// hold which piece), and runs the two cooperating loops: the I/O loop that
// services every peer socket and the request loop that paces block
// requests.
type Manager struct {
	log    *slog.Logger
	pieces *piece.Manager
	picker piece.Picker

	mu            sync.RWMutex
	sessions      map[netip.AddrPort]*Session
	peersByPiece  []map[netip.AddrPort]*Session
	uploaded      atomic.Int64
	blocksServed  atomic.Int64
	peersDropped  atomic.Int64
	requestsSent  atomic.Int64
}

func NewManager(pieces *piece.Manager, picker piece.Picker, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}

	byPiece := make([]map[netip.AddrPort]*Session, pieces.NumPieces())
	for i := range byPiece {
		byPiece[i] = make(map[netip.AddrPort]*Session)
	}

	m := &Manager{
		log:          log.With("component", "swarm"),
		pieces:       pieces,
		picker:       picker,
		sessions:     make(map[netip.AddrPort]*Session),
		peersByPiece: byPiece,
	}

	pieces.OnPieceComplete(m.broadcastHave)

	return m
}

// Register adds a connected, handshake-sent session to the swarm.
func (m *Manager) Register(s *Session) {
	m.mu.Lock()
	m.sessions[s.Addr()] = s
	m.mu.Unlock()

	m.log.Info("peer joined", "peer", s.Addr())
}

// NumSessions returns the live session count.
func (m *Manager) NumSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.sessions)
}

// UnchokedCount returns how many remotes have unchoked us.
func (m *Manager) UnchokedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.sessions {
		if s.IsUnchoked() {
			n++
		}
	}

	return n
}

// Uploaded returns the total bytes served to remotes.
func (m *Manager) Uploaded() int64 { return m.uploaded.Load() }

// Run drives both loops until the download completes or ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.ioLoop(gctx) })
	g.Go(func() error { return m.requestLoop(gctx) })

	return g.Wait()
}

// ioLoop services every peer socket: drain whatever bytes are ready, feed
// them through the session parser, and dispatch the resulting messages.
// Unhealthy sessions are torn down on the spot. One pass is bounded by the
// configured I/O wait.
func (m *Manager) ioLoop(ctx context.Context) error {
	cfg := config.Load()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if m.pieces.AllComplete() {
			return nil
		}

		sessions := m.snapshotSessions()
		if len(sessions) == 0 {
			sleep(ctx, cfg.IOWait)
			continue
		}

		// Split the wait across the sockets so one pass stays within
		// the slice even when every socket is silent.
		wait := cfg.IOWait / time.Duration(len(sessions))
		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		for _, s := range sessions {
			data, err := s.Drain(wait)
			if err != nil {
				m.log.Debug("peer read failed", "peer", s.Addr(), "error", err)
			}

			for _, msg := range s.Ingest(data) {
				m.dispatch(s, msg)
			}

			if !s.Healthy() {
				m.Remove(s)
			}
		}
	}
}

// requestLoop walks incomplete pieces every ~100 ms: recycle stale pending
// blocks, pick an eligible peer holding the piece, reserve the next free
// block, send one Request. When nobody has unchoked us it steps back for a
// second.
func (m *Manager) requestLoop(ctx context.Context) error {
	cfg := config.Load()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if m.pieces.AllComplete() {
			m.log.Info("all pieces complete")
			return nil
		}

		if m.UnchokedCount() == 0 {
			m.log.Debug("no unchoked peers")
			sleep(ctx, cfg.NoPeersBackoff)
			continue
		}

		for _, index := range m.picker.Order() {
			if m.pieces.PieceComplete(index) {
				continue
			}

			m.pieces.RecycleStaleBlocks(index, cfg.PendingTimeout)

			s := m.randomEligiblePeer(index)
			if s == nil {
				continue
			}

			req, ok := m.pieces.ReserveBlock(index)
			if !ok {
				continue
			}

			msg := protocol.MessageRequest(
				uint32(req.Piece),
				uint32(req.Begin),
				uint32(req.Length),
			)
			if err := s.SendMessage(msg); err != nil {
				m.log.Debug("request send failed", "peer", s.Addr(), "error", err)
				m.Remove(s)
				continue
			}

			m.requestsSent.Add(1)
		}

		m.sendKeepAlives(cfg.KeepAliveInterval)
		sleep(ctx, cfg.RequestTick)
	}
}

// dispatch reacts to one parsed message from s.
func (m *Manager) dispatch(s *Session, msg *protocol.Message) {
	switch msg.ID {
	case protocol.MsgChoke:
		s.HandleChoke()

	case protocol.MsgUnchoke:
		s.HandleUnchoke()

	case protocol.MsgInterested:
		s.HandleInterested()

	case protocol.MsgNotInterested:
		s.HandleNotInterested()

	case protocol.MsgHave:
		index, ok := msg.ParseHave()
		if !ok {
			s.Close()
			return
		}

		s.HandleHave(int(index))
		m.noteHasPiece(s, int(index))
		m.picker.OnPeerHave(int(index))

	case protocol.MsgBitfield:
		s.HandleBitfield(msg.Payload)

		bf := s.RemoteBitfield()
		for i := 0; i < m.pieces.NumPieces(); i++ {
			if bf.Has(i) {
				m.noteHasPiece(s, i)
			}
		}
		m.picker.OnPeerBitfield(bf)

	case protocol.MsgRequest:
		index, begin, length, ok := msg.ParseRequest()
		if !ok {
			s.Close()
			return
		}
		m.serveRequest(s, int(index), int(begin), int(length))

	case protocol.MsgPiece:
		index, begin, data, ok := msg.ParsePiece()
		if !ok {
			s.Close()
			return
		}

		if err := m.pieces.OnBlockReceived(int(index), int(begin), data); err != nil {
			m.log.Error("store block failed", "error", err)
		}

	case protocol.MsgCancel, protocol.MsgPort:
		// Accepted and ignored: no retransmit cancellation, no DHT.
	}
}

// serveRequest answers an inbound Request when the remote is interested, we
// are not choking it, and the piece has verified.
func (m *Manager) serveRequest(s *Session, index, begin, length int) {
	if !s.PeerInterested() || s.AmChoking() {
		return
	}

	data, ok := m.pieces.BlockFor(index, begin, length)
	if !ok {
		return
	}

	msg := protocol.MessagePiece(uint32(index), uint32(begin), data)
	if err := s.SendMessage(msg); err != nil {
		m.Remove(s)
		return
	}

	m.uploaded.Add(int64(len(data)))
	m.blocksServed.Add(1)
	m.log.Debug("served block", "peer", s.Addr(), "piece", index, "begin", begin)
}

// noteHasPiece records s as a holder of piece index in the swarm view.
func (m *Manager) noteHasPiece(s *Session, index int) {
	if index < 0 || index >= len(m.peersByPiece) {
		return
	}

	m.mu.Lock()
	m.peersByPiece[index][s.Addr()] = s
	m.mu.Unlock()
}

// randomEligiblePeer picks, uniformly at random, a session that holds piece
// index, has unchoked us, that we are interested in, and that is past its
// request cooldown.
func (m *Manager) randomEligiblePeer(index int) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ready []*Session
	for _, s := range m.peersByPiece[index] {
		if s.Healthy() && s.IsUnchoked() && s.AmInterested() && s.Eligible() {
			ready = append(ready, s)
		}
	}

	if len(ready) == 0 {
		return nil
	}

	return ready[rand.Intn(len(ready))]
}

// broadcastHave announces a freshly verified piece to every live session.
func (m *Manager) broadcastHave(index int) {
	msg := protocol.MessageHave(uint32(index))

	for _, s := range m.snapshotSessions() {
		if err := s.SendMessage(msg); err != nil {
			m.Remove(s)
		}
	}
}

// sendKeepAlives emits a keep-alive on sessions that have been write-idle
// for longer than interval.
func (m *Manager) sendKeepAlives(interval time.Duration) {
	for _, s := range m.snapshotSessions() {
		if s.WriteIdle() < interval {
			continue
		}

		if err := s.SendMessage(nil); err != nil {
			m.Remove(s)
		}
	}
}

// Remove tears a session down: close the socket, forget it, and scrub it
// from every swarm-view entry. The picker gets the remote bitfield so
// availability counts stay correct.
func (m *Manager) Remove(s *Session) {
	addr := s.Addr()

	m.mu.Lock()
	if _, ok := m.sessions[addr]; !ok {
		m.mu.Unlock()
		return
	}

	delete(m.sessions, addr)
	for i := range m.peersByPiece {
		delete(m.peersByPiece[i], addr)
	}
	m.mu.Unlock()

	m.picker.OnPeerGone(s.RemoteBitfield())
	s.Close()

	m.peersDropped.Add(1)
	m.log.Info("peer removed", "peer", addr)
}

func (m *Manager) snapshotSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}

	return out
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
