package piece

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prxssh/leech/internal/meta"
	"github.com/prxssh/leech/pkg/bitfield"
)

// Manager owns every Piece, the local bitfield, the piece-to-file layout,
// and disk I/O. All state transitions on pieces go through the Manager's
// lock, which is what makes the I/O loop and the request loop safe against
// each other.
type Manager struct {
	log *slog.Logger

	mu         sync.Mutex
	pieces     []*Piece
	bits       bitfield.Bitfield
	completed  int
	downloaded int64
	totalSize  int64

	// onComplete is invoked (outside the lock) after a piece verifies
	// and hits disk; the peer manager uses it to broadcast HAVE.
	onComplete func(index int)
}

// NewManager builds the piece set and the file layout from a parsed
// descriptor. Content files are created lazily, on first write, beneath
// downloadDir.
func NewManager(m *meta.Metainfo, downloadDir string, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}

	n := m.PieceCount()
	size := m.Size()
	if n == 0 || size <= 0 {
		return nil, fmt.Errorf("piece: empty torrent")
	}

	lastLen := size - int64(n-1)*m.Info.PieceLength
	if lastLen <= 0 || lastLen > m.Info.PieceLength {
		return nil, fmt.Errorf(
			"piece: %d pieces of %d bytes cannot cover %d bytes",
			n, m.Info.PieceLength, size,
		)
	}

	pieces := make([]*Piece, n)
	for i := 0; i < n; i++ {
		plen := m.Info.PieceLength
		if i == n-1 {
			plen = lastLen
		}
		pieces[i] = newPiece(i, plen, m.Info.Pieces[i])
	}

	mgr := &Manager{
		log:       log.With("component", "pieces"),
		pieces:    pieces,
		bits:      bitfield.New(n),
		totalSize: size,
	}
	mgr.layoutFiles(m, downloadDir)

	return mgr, nil
}

// layoutFiles sweeps piece indices over the file list, attaching a Span to
// each piece for every byte range it contributes to a file. A single piece
// may span multiple files and a single file multiple pieces.
func (mgr *Manager) layoutFiles(m *meta.Metainfo, downloadDir string) {
	type flatFile struct {
		path   string
		length int64
	}

	var files []flatFile
	if m.Info.Length > 0 {
		files = []flatFile{{
			path:   filepath.Join(downloadDir, m.Info.Name),
			length: m.Info.Length,
		}}
	} else {
		for _, f := range m.Info.Files {
			parts := append([]string{downloadDir, m.Info.Name}, f.Path...)
			files = append(files, flatFile{
				path:   filepath.Join(parts...),
				length: f.Length,
			})
		}
	}

	pieceIdx := 0
	pieceUsed := int64(0)

	for _, f := range files {
		remaining := f.length
		fileOffset := int64(0)

		for remaining > 0 && pieceIdx < len(mgr.pieces) {
			p := mgr.pieces[pieceIdx]
			avail := p.size - pieceUsed

			take := remaining
			if take > avail {
				take = avail
			}

			p.spans = append(p.spans, Span{
				Path:        f.path,
				FileOffset:  fileOffset,
				PieceOffset: pieceUsed,
				Length:      take,
			})

			remaining -= take
			fileOffset += take
			pieceUsed += take

			if pieceUsed == p.size {
				pieceIdx++
				pieceUsed = 0
			}
		}
	}
}

// OnPieceComplete registers the completion hook. Must be set before the
// download loops start.
func (mgr *Manager) OnPieceComplete(fn func(index int)) {
	mgr.onComplete = fn
}

func (mgr *Manager) NumPieces() int { return len(mgr.pieces) }

func (mgr *Manager) TotalSize() int64 { return mgr.totalSize }

// PieceComplete reports whether piece index has verified and been written.
func (mgr *Manager) PieceComplete(index int) bool {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	return mgr.pieces[index].verified
}

// Spans exposes the file layout of one piece.
func (mgr *Manager) Spans(index int) []Span {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	return mgr.pieces[index].spans
}

// RecycleStaleBlocks resets blocks of piece index that have been pending
// longer than timeout.
func (mgr *Manager) RecycleStaleBlocks(index int, timeout time.Duration) int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	return mgr.pieces[index].UpdateBlockStatus(timeout)
}

// ReserveBlock marks the first free block of piece index as pending and
// returns its wire coordinates.
func (mgr *Manager) ReserveBlock(index int) (BlockRequest, bool) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	return mgr.pieces[index].ReserveBlock()
}

// OnBlockReceived stores a delivered block. When that completes the piece's
// block array the piece is verified; on success it is written to disk, the
// local bitfield is updated, and the completion hook fires.
func (mgr *Manager) OnBlockReceived(index, begin int, data []byte) error {
	if index < 0 || index >= len(mgr.pieces) {
		return fmt.Errorf("piece: index %d out of range", index)
	}

	mgr.mu.Lock()

	p := mgr.pieces[index]
	mgr.downloaded += int64(p.Receive(begin, data))

	if !p.AllBlocksFull() {
		mgr.mu.Unlock()
		return nil
	}

	if !p.Verify() {
		mgr.downloaded -= p.size
		mgr.mu.Unlock()
		mgr.log.Warn("piece hash mismatch, retrying", "piece", index)
		return nil
	}

	if err := writeSpans(p); err != nil {
		mgr.mu.Unlock()
		return fmt.Errorf("piece %d: %w", index, err)
	}

	mgr.bits.Set(index)
	mgr.completed++
	completed, total := mgr.completed, len(mgr.pieces)
	mgr.mu.Unlock()

	mgr.log.Info("piece verified", "piece", index, "done", completed, "total", total)

	if mgr.onComplete != nil {
		mgr.onComplete(index)
	}

	return nil
}

// writeSpans lays the verified piece across its files. Files are opened
// read-write (created as needed); seeking past EOF and writing zero-fills
// the gap, so out-of-order piece completion is safe.
func writeSpans(p *Piece) error {
	for _, span := range p.spans {
		if err := os.MkdirAll(filepath.Dir(span.Path), 0o755); err != nil {
			return err
		}

		f, err := os.OpenFile(span.Path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return err
		}

		chunk := p.raw[span.PieceOffset : span.PieceOffset+span.Length]
		if _, err := f.WriteAt(chunk, span.FileOffset); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}

	return nil
}

// BlockFor returns a byte range of a completed piece, for answering a
// remote Request. ok is false while the piece is incomplete.
func (mgr *Manager) BlockFor(index, begin, length int) ([]byte, bool) {
	if index < 0 || index >= len(mgr.pieces) {
		return nil, false
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	return mgr.pieces[index].Block(begin, length)
}

// AllComplete reports whether every piece has verified.
func (mgr *Manager) AllComplete() bool {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	return mgr.completed == len(mgr.pieces)
}

// Bitfield returns a copy of the local bitfield.
func (mgr *Manager) Bitfield() bitfield.Bitfield {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	return mgr.bits.Clone()
}

// Progress is a snapshot for the progress printer.
type Progress struct {
	Downloaded int64
	Total      int64
	Completed  int
	NumPieces  int
}

func (mgr *Manager) Progress() Progress {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	return Progress{
		Downloaded: mgr.downloaded,
		Total:      mgr.totalSize,
		Completed:  mgr.completed,
		NumPieces:  len(mgr.pieces),
	}
}

// CompletedAndTotal returns the completed piece counter alongside the piece
// count.
func (mgr *Manager) CompletedAndTotal() (int, int) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	return mgr.completed, len(mgr.pieces)
}
