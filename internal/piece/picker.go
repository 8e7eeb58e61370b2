package piece

import (
	"sort"
	"sync"

	"github.com/prxssh/leech/pkg/bitfield"
)

// Picker decides the order in which the request loop attempts incomplete
// pieces on each pass. Implementations must be safe for concurrent use with
// the availability callbacks.
type Picker interface {
	// Order returns piece indices in the order they should be attempted.
	Order() []int

	// OnPeerBitfield, OnPeerHave, and OnPeerGone feed swarm availability
	// to pickers that care about it. Order-only pickers ignore them.
	OnPeerBitfield(bf bitfield.Bitfield)
	OnPeerHave(index int)
	OnPeerGone(bf bitfield.Bitfield)
}

// InOrderPicker walks pieces in ascending index order. This is the active
// strategy.
type InOrderPicker struct {
	order []int
}

func NewInOrderPicker(numPieces int) *InOrderPicker {
	order := make([]int, numPieces)
	for i := range order {
		order[i] = i
	}

	return &InOrderPicker{order: order}
}

func (p *InOrderPicker) Order() []int { return p.order }

func (p *InOrderPicker) OnPeerBitfield(bitfield.Bitfield) {}
func (p *InOrderPicker) OnPeerHave(int)                   {}
func (p *InOrderPicker) OnPeerGone(bitfield.Bitfield)     {}

// RarestFirstPicker orders pieces by ascending swarm availability. It keeps
// the per-piece peer counts current but is not selected by default.
type RarestFirstPicker struct {
	mu     sync.Mutex
	counts []int
}

func NewRarestFirstPicker(numPieces int) *RarestFirstPicker {
	return &RarestFirstPicker{counts: make([]int, numPieces)}
}

func (p *RarestFirstPicker) Order() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	order := make([]int, len(p.counts))
	for i := range order {
		order[i] = i
	}

	sort.SliceStable(order, func(a, b int) bool {
		return p.counts[order[a]] < p.counts[order[b]]
	})

	return order
}

func (p *RarestFirstPicker) OnPeerBitfield(bf bitfield.Bitfield) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.counts {
		if bf.Has(i) {
			p.counts[i]++
		}
	}
}

func (p *RarestFirstPicker) OnPeerHave(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index >= 0 && index < len(p.counts) {
		p.counts[index]++
	}
}

func (p *RarestFirstPicker) OnPeerGone(bf bitfield.Bitfield) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.counts {
		if bf.Has(i) && p.counts[i] > 0 {
			p.counts[i]--
		}
	}
}
