package ehci

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ardnew/softehci/pkg"
)

// Block is a contiguous region of controller-visible memory. Bytes is the
// CPU view of the region; the controller reads and writes the same bytes at
// Addr.
type Block struct {
	Addr  uint32 // bus address of the first byte
	Size  int
	Bytes []byte
}

// Memory supplies controller-visible memory to the driver.
//
// Alloc returns a block of at least size backing bytes whose bus address is
// a multiple of align. Addr returns the bus address of the first byte of a
// data buffer handed to the driver in a Request, or 0 if the controller
// cannot reach it.
type Memory interface {
	Alloc(size, align int) (Block, error)
	Free(b Block)
	Addr(buf []byte) uint32
}

// HeapMemory is a Memory backed by Go heap slices. Bus addresses are
// synthetic, drawn from a bounded window, and data buffers map by their Go
// address. It suits simulation; real controllers need a Memory over DMA
// memory such as mmio.DMA.
type HeapMemory struct {
	mu    sync.Mutex
	next  uint32
	limit int
	inUse int
	live  map[uint32]int
}

// Default window for HeapMemory bus addresses.
const heapMemoryBase = 0x1000_0000

// NewHeapMemory returns a HeapMemory that refuses allocations once limit
// bytes are outstanding. A limit of zero means no limit.
func NewHeapMemory(limit int) *HeapMemory {
	return &HeapMemory{
		next:  heapMemoryBase,
		limit: limit,
		live:  make(map[uint32]int),
	}
}

// Alloc reserves size bytes aligned to align, which must be a power of two.
func (m *HeapMemory) Alloc(size, align int) (Block, error) {
	if size <= 0 || align <= 0 || align&(align-1) != 0 {
		return Block{}, fmt.Errorf("alloc %d/%d: %w", size, align, pkg.ErrInvalidParameter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limit > 0 && m.inUse+size > m.limit {
		return Block{}, fmt.Errorf("alloc %d bytes: %w", size, pkg.ErrNoMemory)
	}
	a := uint32(align)
	addr := (m.next + a - 1) &^ (a - 1)
	if uint64(addr)+uint64(size) > 0xffff_ffff {
		return Block{}, fmt.Errorf("alloc %d bytes: address space exhausted: %w", size, pkg.ErrNoMemory)
	}
	m.next = addr + uint32(size)
	m.inUse += size
	m.live[addr] = size
	return Block{Addr: addr, Size: size, Bytes: make([]byte, size)}, nil
}

// Free releases a block returned by Alloc.
func (m *HeapMemory) Free(b Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size, ok := m.live[b.Addr]; ok {
		delete(m.live, b.Addr)
		m.inUse -= size
	}
}

// Addr returns the low 32 bits of the buffer's Go address.
func (m *HeapMemory) Addr(buf []byte) uint32 {
	if len(buf) == 0 {
		return 0
	}
	return uint32(uintptr(unsafe.Pointer(&buf[0])))
}

// InUse returns the number of bytes currently allocated.
func (m *HeapMemory) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse
}
