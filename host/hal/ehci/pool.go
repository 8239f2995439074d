package ehci

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/ardnew/softehci/pkg"
)

// arena is one contiguous, aligned block of equally sized descriptors.
type arena[T any] struct {
	block Block
	used  *bitset.BitSet
	count int
	items []T
}

// poolSet allocates fixed-size descriptors from a bounded number of arenas.
// Arena 0 is kept once created; later arenas are returned to the backing
// Memory when they empty. Slots are spaced by the element size rounded up to
// the alignment, so every descriptor starts aligned.
type poolSet[T any] struct {
	name      string
	mem       Memory
	elemSize  int
	stride    int
	align     int
	perArena  int
	maxArenas int
	arenas    []*arena[T]
}

func newPoolSet[T any](name string, mem Memory, elemSize, align, perArena, maxArenas int) *poolSet[T] {
	return &poolSet[T]{
		name:      name,
		mem:       mem,
		elemSize:  elemSize,
		stride:    (elemSize + align - 1) &^ (align - 1),
		align:     align,
		perArena:  perArena,
		maxArenas: maxArenas,
		arenas:    make([]*arena[T], maxArenas),
	}
}

// alloc returns a zeroed descriptor and its handle.
func (p *poolSet[T]) alloc() (Handle, *T, error) {
	free := -1
	for i, a := range p.arenas {
		if a == nil {
			if free < 0 {
				free = i
			}
			continue
		}
		if a.count == p.perArena {
			continue
		}
		slot, ok := a.used.NextClear(0)
		if !ok || int(slot) >= p.perArena {
			continue
		}
		return p.take(i, a, int(slot))
	}
	if free < 0 {
		return noHandle, nil, fmt.Errorf("%s pool: %d arenas full: %w", p.name, p.maxArenas, pkg.ErrNoMemory)
	}
	size := p.stride * p.perArena
	block, err := p.mem.Alloc(size, p.align)
	if err != nil {
		return noHandle, nil, fmt.Errorf("%s pool: %w", p.name, err)
	}
	if len(block.Bytes) < size {
		p.mem.Free(block)
		return noHandle, nil, fmt.Errorf("%s pool: block has %d of %d bytes: %w", p.name, len(block.Bytes), size, pkg.ErrInvalidParameter)
	}
	a := &arena[T]{
		block: block,
		used:  bitset.New(uint(p.perArena)),
		items: make([]T, p.perArena),
	}
	p.arenas[free] = a
	pkg.LogDebug(pkg.ComponentPool, "arena created", "pool", p.name, "arena", free, "addr", block.Addr)
	return p.take(free, a, 0)
}

func (p *poolSet[T]) take(ai int, a *arena[T], slot int) (Handle, *T, error) {
	a.used.Set(uint(slot))
	a.count++
	var zero T
	a.items[slot] = zero
	off := slot * p.stride
	clear(a.block.Bytes[off : off+p.stride])
	return makeHandle(ai, slot), &a.items[slot], nil
}

// release returns a descriptor to its arena.
func (p *poolSet[T]) release(h Handle) error {
	a := p.lookup(h)
	if a == nil || !a.used.Test(uint(h.slot())) {
		return fmt.Errorf("%s pool: handle %#x: %w", p.name, uint32(h), pkg.ErrNotFound)
	}
	a.used.Clear(uint(h.slot()))
	a.count--
	if a.count == 0 && h.arena() != 0 {
		p.mem.Free(a.block)
		p.arenas[h.arena()] = nil
		pkg.LogDebug(pkg.ComponentPool, "arena released", "pool", p.name, "arena", h.arena())
	}
	return nil
}

func (p *poolSet[T]) lookup(h Handle) *arena[T] {
	if h == noHandle || h.arena() >= len(p.arenas) || h.slot() >= p.perArena {
		return nil
	}
	return p.arenas[h.arena()]
}

// get returns the descriptor for an allocated handle, or nil.
func (p *poolSet[T]) get(h Handle) *T {
	a := p.lookup(h)
	if a == nil || !a.used.Test(uint(h.slot())) {
		return nil
	}
	return &a.items[h.slot()]
}

// addr returns the bus address of a descriptor.
func (p *poolSet[T]) addr(h Handle) uint32 {
	a := p.lookup(h)
	if a == nil {
		return 0
	}
	return a.block.Addr + uint32(h.slot()*p.stride)
}

// bytes returns the controller-visible image of an allocated descriptor,
// or nil.
func (p *poolSet[T]) bytes(h Handle) []byte {
	a := p.lookup(h)
	if a == nil || !a.used.Test(uint(h.slot())) {
		return nil
	}
	off := h.slot() * p.stride
	return a.block.Bytes[off : off+p.elemSize : off+p.elemSize]
}

// inUse returns the number of allocated descriptors.
func (p *poolSet[T]) inUse() int {
	n := 0
	for _, a := range p.arenas {
		if a != nil {
			n += a.count
		}
	}
	return n
}

// arenaCount returns the number of live arenas.
func (p *poolSet[T]) arenaCount() int {
	n := 0
	for _, a := range p.arenas {
		if a != nil {
			n++
		}
	}
	return n
}

// destroy frees every arena, including the permanent one.
func (p *poolSet[T]) destroy() {
	for i, a := range p.arenas {
		if a != nil {
			p.mem.Free(a.block)
			p.arenas[i] = nil
		}
	}
}
