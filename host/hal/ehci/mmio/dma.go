//go:build linux

package mmio

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sys/unix"

	"github.com/ardnew/softehci/host/hal/ehci"
	"github.com/ardnew/softehci/pkg"
)

// dmaGranule is the allocation unit of a DMA region; it matches the
// controller's descriptor alignment.
const dmaGranule = 32

// DMA is an ehci.Memory over a mapped region the controller can address,
// such as a udmabuf or a reserved physical range. The byte at offset 0 of
// the mapping is at bus address bus.
type DMA struct {
	mu    sync.Mutex
	f     *os.File
	mem   []byte
	bus   uint32
	used  *bitset.BitSet
	live  map[uint32]uint
	inUse int
}

var _ ehci.Memory = (*DMA)(nil)

// OpenDMA maps size bytes of path starting at offset. The bus address must
// be page aligned and the region must lie below 4 GiB.
func OpenDMA(path string, offset int64, size int, bus uint32) (*DMA, error) {
	page := os.Getpagesize()
	if bus%uint32(page) != 0 || uint64(bus)+uint64(size) > 1<<32 {
		return nil, fmt.Errorf("dma %s bus %#x size %d: %w", path, bus, size, pkg.ErrInvalidParameter)
	}
	f, mem, err := mapFile(path, offset, size)
	if err != nil {
		return nil, err
	}
	pkg.LogDebug(pkg.ComponentHAL, "dma region mapped", "path", path, "bus", bus, "size", size)
	return &DMA{
		f:    f,
		mem:  mem,
		bus:  bus,
		used: bitset.New(uint(size / dmaGranule)),
		live: make(map[uint32]uint),
	}, nil
}

// Alloc reserves the first free run of granules that holds size bytes at a
// bus address aligned to align. The bytes are zeroed.
func (d *DMA) Alloc(size, align int) (ehci.Block, error) {
	if size <= 0 || align <= 0 || align&(align-1) != 0 {
		return ehci.Block{}, fmt.Errorf("dma alloc %d/%d: %w", size, align, pkg.ErrInvalidParameter)
	}
	n := uint((size + dmaGranule - 1) / dmaGranule)
	step := uint(1)
	if align > dmaGranule {
		step = uint(align / dmaGranule)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mem == nil {
		return ehci.Block{}, fmt.Errorf("dma alloc: %w", ErrClosed)
	}
	total := d.used.Len()
	for start := uint(0); start+n <= total; {
		set, ok := d.used.NextSet(start)
		if !ok || set >= start+n {
			for i := start; i < start+n; i++ {
				d.used.Set(i)
			}
			off := start * dmaGranule
			b := d.mem[off : off+uint(size)]
			clear(b)
			addr := d.bus + uint32(off)
			d.live[addr] = n
			d.inUse += int(n * dmaGranule)
			return ehci.Block{Addr: addr, Size: size, Bytes: b}, nil
		}
		start = (set/step + 1) * step
	}
	return ehci.Block{}, fmt.Errorf("dma alloc %d bytes: %w", size, pkg.ErrNoMemory)
}

// Free releases a block returned by Alloc.
func (d *DMA) Free(b ehci.Block) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.live[b.Addr]
	if !ok {
		return
	}
	delete(d.live, b.Addr)
	start := uint(b.Addr-d.bus) / dmaGranule
	for i := start; i < start+n; i++ {
		d.used.Clear(i)
	}
	d.inUse -= int(n * dmaGranule)
}

// Addr returns the bus address of buf, or 0 if buf is not inside the
// region.
func (d *DMA) Addr(buf []byte) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(buf) == 0 || len(d.mem) == 0 {
		return 0
	}
	base := uintptr(unsafe.Pointer(&d.mem[0]))
	p := uintptr(unsafe.Pointer(&buf[0]))
	if p < base || p-base+uintptr(len(buf)) > uintptr(len(d.mem)) {
		return 0
	}
	return d.bus + uint32(p-base)
}

// Buffer carves a data buffer of size bytes out of the region. Requests
// whose data lives here can be submitted to the controller.
func (d *DMA) Buffer(size int) ([]byte, error) {
	b, err := d.Alloc(size, dmaGranule)
	if err != nil {
		return nil, err
	}
	return b.Bytes, nil
}

// FreeBuffer releases a buffer returned by Buffer.
func (d *DMA) FreeBuffer(buf []byte) {
	if addr := d.Addr(buf); addr != 0 {
		d.Free(ehci.Block{Addr: addr})
	}
}

// InUse returns the number of bytes currently allocated, in whole granules.
func (d *DMA) InUse() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inUse
}

// Close unmaps the region. Blocks handed out become invalid.
func (d *DMA) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mem == nil {
		return ErrClosed
	}
	err := unix.Munmap(d.mem)
	d.mem = nil
	if cerr := d.f.Close(); err == nil {
		err = cerr
	}
	return err
}
