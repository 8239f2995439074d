//go:build linux

// Package mmio maps an EHCI register window into the process.
//
// On Linux the window is usually a PCI BAR exposed by sysfs, and the
// controller's schedules live in a DMA region it can reach:
//
//	w, err := mmio.Open("/sys/bus/pci/devices/0000:00:1d.7/resource0", 0, 4096)
//	if err != nil {
//	    return err
//	}
//	defer w.Close()
//	dma, err := mmio.OpenDMA("/dev/udmabuf0", 0, 1<<20, busBase)
//	if err != nil {
//	    return err
//	}
//	defer dma.Close()
//	cfg := ehci.DefaultConfig()
//	cfg.Memory = dma
//	h := ehci.NewHostHAL(w, cfg)
//
// Register accesses are single aligned 32-bit loads and stores. The
// controller's registers are little-endian; values are converted on hosts
// of either byte order.
package mmio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softehci/host/hal/ehci"
	"github.com/ardnew/softehci/pkg"
)

// ErrClosed is returned when a closed window is closed again.
var ErrClosed = errors.New("mmio window closed")

// Window is a mapped register region.
type Window struct {
	f   *os.File
	mem []byte
}

var _ ehci.Registers = (*Window)(nil)

// Open maps size bytes of path starting at offset, which must be page
// aligned.
func Open(path string, offset int64, size int) (*Window, error) {
	f, mem, err := mapFile(path, offset, size)
	if err != nil {
		return nil, err
	}
	pkg.LogDebug(pkg.ComponentHAL, "register window mapped", "path", path, "offset", offset, "size", size)
	return &Window{f: f, mem: mem}, nil
}

func mapFile(path string, offset int64, size int) (*os.File, []byte, error) {
	if size <= 0 || offset%int64(os.Getpagesize()) != 0 {
		return nil, nil, fmt.Errorf("mmio %s offset %d size %d: %w", path, offset, size, pkg.ErrInvalidParameter)
	}
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, nil, err
	}
	mem, err := unix.Mmap(int(f.Fd()), offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return f, mem, nil
}

func (w *Window) word(offset uint32) *uint32 {
	if offset&3 != 0 || int(offset)+4 > len(w.mem) {
		return nil
	}
	return (*uint32)(unsafe.Pointer(&w.mem[offset]))
}

// Read32 loads the register at offset. Unmapped or misaligned offsets read
// as all ones, like an absent PCI device.
func (w *Window) Read32(offset uint32) uint32 {
	p := w.word(offset)
	if p == nil {
		return ^uint32(0)
	}
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], atomic.LoadUint32(p))
	return binary.LittleEndian.Uint32(b[:])
}

// Write32 stores value to the register at offset. Unmapped or misaligned
// offsets are ignored.
func (w *Window) Write32(offset uint32, value uint32) {
	if p := w.word(offset); p != nil {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], value)
		atomic.StoreUint32(p, binary.NativeEndian.Uint32(b[:]))
	}
}

// Size returns the mapped length in bytes.
func (w *Window) Size() int { return len(w.mem) }

// Close unmaps the window.
func (w *Window) Close() error {
	if w.mem == nil {
		return ErrClosed
	}
	err := unix.Munmap(w.mem)
	w.mem = nil
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}
