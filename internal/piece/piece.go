package piece

import (
	"bytes"
	"crypto/sha1"
	"time"
)

// Span maps a contiguous byte range of a piece onto a byte range of one
// output file. A piece may span several files and a file several pieces.
type Span struct {
	Path        string
	FileOffset  int64
	PieceOffset int64
	Length      int64
}

// Piece is the unit of verification: an ordered block array plus the SHA-1
// digest declared by the metainfo.
//
// A Piece is not safe for concurrent use on its own; the Manager serializes
// all access.
type Piece struct {
	index    int
	size     int64
	hash     [sha1.Size]byte
	blocks   []block
	spans    []Span
	verified bool

	// raw holds the assembled piece after verification so remote
	// Requests can be answered without re-reading disk.
	raw []byte
}

func newPiece(index int, size int64, hash [sha1.Size]byte) *Piece {
	p := &Piece{index: index, size: size, hash: hash}
	p.initBlocks()
	return p
}

// initBlocks (re)builds the block array: ⌈size/16 KiB⌉ blocks, the last one
// carrying the remainder when size is not a multiple of the block length.
func (p *Piece) initBlocks() {
	n := int((p.size + BlockLength - 1) / BlockLength)
	p.blocks = make([]block, n)

	for i := range p.blocks {
		p.blocks[i] = block{state: blockFree, size: BlockLength}
	}
	if rem := int(p.size % BlockLength); rem > 0 {
		p.blocks[n-1].size = rem
	}
}

func (p *Piece) Index() int     { return p.index }
func (p *Piece) Size() int64    { return p.size }
func (p *Piece) Spans() []Span  { return p.spans }
func (p *Piece) Complete() bool { return p.verified }
func (p *Piece) NumBlocks() int { return len(p.blocks) }

// UpdateBlockStatus recycles blocks that have been pending longer than
// timeout back to free so they can be re-requested, possibly from another
// peer.
func (p *Piece) UpdateBlockStatus(timeout time.Duration) int {
	recycled := 0
	now := time.Now()

	for i := range p.blocks {
		b := &p.blocks[i]
		if b.state == blockPending && now.Sub(b.pendingSince) > timeout {
			b.reset()
			recycled++
		}
	}

	return recycled
}

// ReserveBlock finds the first free block, marks it pending, and returns its
// wire coordinates. ok is false when the piece is complete or every block is
// already pending or full.
func (p *Piece) ReserveBlock() (BlockRequest, bool) {
	if p.verified {
		return BlockRequest{}, false
	}

	for i := range p.blocks {
		b := &p.blocks[i]
		if b.state != blockFree {
			continue
		}

		b.state = blockPending
		b.pendingSince = time.Now()

		return BlockRequest{
			Piece:  p.index,
			Begin:  i * BlockLength,
			Length: b.size,
		}, true
	}

	return BlockRequest{}, false
}

// Receive stores a delivered block payload. Late or duplicate deliveries
// for an already-full block (or a verified piece) are dropped.
func (p *Piece) Receive(begin int, data []byte) int {
	index := begin / BlockLength
	if p.verified || index < 0 || index >= len(p.blocks) {
		return 0
	}

	b := &p.blocks[index]
	if b.state == blockFull {
		return 0
	}

	b.data = append([]byte(nil), data...)
	b.state = blockFull

	return len(data)
}

// AllBlocksFull reports whether every block has been delivered.
func (p *Piece) AllBlocksFull() bool {
	for i := range p.blocks {
		if p.blocks[i].state != blockFull {
			return false
		}
	}

	return true
}

// Verify concatenates the blocks and checks the result against the declared
// digest. On a match the piece keeps the assembled bytes and is marked
// complete. On a mismatch every block is reset to free so the piece is
// re-downloaded from scratch.
func (p *Piece) Verify() bool {
	var buf bytes.Buffer
	buf.Grow(int(p.size))
	for i := range p.blocks {
		buf.Write(p.blocks[i].data)
	}

	raw := buf.Bytes()
	if sha1.Sum(raw) != p.hash {
		p.initBlocks()
		return false
	}

	p.verified = true
	p.raw = raw

	// Block payloads are no longer needed once the assembled piece is
	// retained.
	for i := range p.blocks {
		p.blocks[i].data = nil
	}

	return true
}

// Block returns raw[begin : begin+length] of a verified piece, for
// answering a remote Request. ok is false for unverified pieces and
// out-of-range coordinates.
func (p *Piece) Block(begin, length int) ([]byte, bool) {
	if !p.verified || begin < 0 || length <= 0 ||
		int64(begin)+int64(length) > p.size {
		return nil, false
	}

	return p.raw[begin : begin+length], true
}
