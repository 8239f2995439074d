package ehci

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/softehci/host/hal"
)

// =============================================================================
// Mock controller registers
// =============================================================================

const mockOpBase = 0x20

// mockRegs emulates the register behavior the driver depends on: HCRESET
// self-clears, RUN drives HCHalted, schedule enables drive their status
// bits, the doorbell is acknowledged and PORTSC models attach and reset.
type mockRegs struct {
	mu sync.Mutex

	version  uint16
	hcs      uint32
	cmd      uint32
	sts      uint32
	intr     uint32
	frindex  uint32
	base     uint32
	async    uint32
	config   uint32
	ports    []uint32
	speeds   []hal.Speed
	noIAA    bool // never acknowledge the doorbell
	stuckPSS bool // periodic status never clears
	stuckRst bool // HCRESET never self-clears
	writes   int
}

func newMockRegs(ports int) *mockRegs {
	return &mockRegs{
		version: 0x0100,
		hcs:     uint32(ports) | 1<<4,
		sts:     stsHalted,
		ports:   make([]uint32, ports),
		speeds:  make([]hal.Speed, ports),
	}
}

func (m *mockRegs) Read32(off uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch off {
	case regCapLength:
		return mockOpBase | uint32(m.version)<<16
	case regHCSParams:
		return m.hcs
	case regHCCParams:
		return 0
	}
	switch op := off - mockOpBase; {
	case op == regUSBCmd:
		return m.cmd
	case op == regUSBSts:
		return m.status()
	case op == regUSBIntr:
		return m.intr
	case op == regFrIndex:
		return m.frindex
	case op == regPeriodicBase:
		return m.base
	case op == regAsyncAddr:
		return m.async
	case op == regConfigFlag:
		return m.config
	case op >= regPortSC && op < regPortSC+4*uint32(len(m.ports)):
		return m.ports[(op-regPortSC)/4]
	}
	return 0
}

func (m *mockRegs) status() uint32 {
	s := m.sts &^ (stsHalted | stsAsyncSts | stsPeriodicSts)
	if m.cmd&cmdRun == 0 {
		s |= stsHalted
	}
	if m.cmd&cmdAsyncEn != 0 {
		s |= stsAsyncSts
	}
	if m.cmd&cmdPeriodicEn != 0 || m.stuckPSS {
		s |= stsPeriodicSts
	}
	return s
}

func (m *mockRegs) Write32(off uint32, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	switch op := off - mockOpBase; {
	case op == regUSBCmd:
		if v&cmdReset != 0 && m.stuckRst {
			m.cmd = v
			return
		}
		if v&cmdReset != 0 {
			m.cmd = 0
			m.sts = 0
			m.intr = 0
			m.config = 0
			return
		}
		if v&cmdDoorbell != 0 && !m.noIAA {
			m.sts |= stsAsyncAdv
		}
		m.cmd = v &^ cmdDoorbell
	case op == regUSBSts:
		m.sts &^= v & 0x3f
	case op == regUSBIntr:
		m.intr = v
	case op == regFrIndex:
		m.frindex = v
	case op == regPeriodicBase:
		m.base = v
	case op == regAsyncAddr:
		m.async = v
	case op == regConfigFlag:
		m.config = v
	case op >= regPortSC && op < regPortSC+4*uint32(len(m.ports)):
		m.writePort(int(op-regPortSC)/4, v)
	}
}

func (m *mockRegs) writePort(i int, v uint32) {
	const hw = portConnect | portLineStatus | portEnable | portChangeBits
	old := m.ports[i]
	p := old &^ (v & portChangeBits)
	p = p&hw | v&^hw
	if v&portEnable == 0 {
		p &^= portEnable
	}
	if old&portReset != 0 && v&portReset == 0 && p&portConnect != 0 && m.speeds[i] == hal.SpeedHigh {
		p |= portEnable
	}
	if v&portReset != 0 {
		p &^= portEnable
	}
	m.ports[i] = p
}

// attach connects a device to a port and raises a port change.
func (m *mockRegs) attach(port int, speed hal.Speed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.ports[port-1] | portConnect | portConnectChange
	p &^= portLineStatus
	if speed == hal.SpeedLow {
		p |= portLineLowSpeed
	}
	m.ports[port-1] = p
	m.speeds[port-1] = speed
	m.sts |= stsPortChange
}

// detach disconnects the device on a port and raises a port change.
func (m *mockRegs) detach(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.ports[port-1]
	if p&portEnable != 0 {
		p |= portEnableChange
	}
	p = p&^(portConnect|portEnable|portLineStatus) | portConnectChange
	m.ports[port-1] = p
	m.speeds[port-1] = hal.SpeedUnknown
	m.sts |= stsPortChange
}

// raise sets USBSTS bits as the controller would.
func (m *mockRegs) raise(bits uint32) {
	m.mu.Lock()
	m.sts |= bits
	m.mu.Unlock()
}

func (m *mockRegs) setFrame(frame int) {
	m.mu.Lock()
	m.frindex = uint32(frame) << 3
	m.mu.Unlock()
}

func (m *mockRegs) command() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cmd
}

func (m *mockRegs) interruptEnable() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.intr
}

func (m *mockRegs) port(n int) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ports[n-1]
}

// =============================================================================
// Test fixtures
// =============================================================================

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Memory = NewHeapMemory(0)
	cfg.PollInterval = time.Microsecond
	cfg.PortResetTime = time.Millisecond
	return cfg
}

// newTestController returns an initialized controller over two mock ports.
func newTestController(t *testing.T, cfg Config) (*Controller, *mockRegs) {
	t.Helper()
	m := newMockRegs(2)
	c := New(m, cfg)
	require.NoError(t, c.Initialize(context.Background()))
	t.Cleanup(func() { _ = c.Uninitialize(context.Background()) })
	return c, m
}

func bulkPipe(addr, ep uint8, maxp uint16) PipeConfig {
	return PipeConfig{Address: addr, Endpoint: ep, Type: hal.TransferBulk, Speed: hal.SpeedHigh, MaxPacket: maxp}
}

func controlPipe(addr uint8, maxp uint16) PipeConfig {
	return PipeConfig{Address: addr, Endpoint: 0, Type: hal.TransferControl, Speed: hal.SpeedHigh, MaxPacket: maxp}
}

func interruptPipe(addr, ep uint8, interval time.Duration, load uint32) PipeConfig {
	return PipeConfig{
		Address: addr, Endpoint: ep, Type: hal.TransferInterrupt, Speed: hal.SpeedHigh,
		MaxPacket: 64, Interval: interval, Load: load,
	}
}

func isoPipe(addr, ep uint8, maxp uint16) PipeConfig {
	return PipeConfig{
		Address: addr, Endpoint: ep, Type: hal.TransferIsochronous, Speed: hal.SpeedHigh,
		MaxPacket: maxp, Interval: 8 * microframe, Load: 20,
	}
}

// recorder collects completed requests in callback order.
type recorder struct {
	mu   sync.Mutex
	done []*Request
}

func (r *recorder) request(data []byte) *Request {
	return &Request{Data: data, Callback: r.complete}
}

func (r *recorder) complete(req *Request) {
	r.mu.Lock()
	r.done = append(r.done, req)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.done)
}

func (r *recorder) at(i int) *Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done[i]
}

// =============================================================================
// Hardware emulation helpers
// =============================================================================

func (c *Controller) endpointFor(addr, ep uint8) *endpoint {
	return c.index.find(endpointKey(addr, ep))
}

// activeQTDs returns the qTDs of the burst linked for e's transfer.
func activeQTDs(c *Controller, e *endpoint) []*qtd {
	c.guard.lock()
	defer c.guard.unlock()
	t := e.active
	if t == nil {
		return nil
	}
	var out []*qtd
	for _, h := range t.bursts[t.cur].qtds {
		out = append(out, c.qtds.get(h))
	}
	return out
}

// execute completes the linked burst of e as the controller would, writing
// tokens back to controller memory: every qTD moves all its bytes, except
// that the qTD at index short (if >= 0) moves only got bytes and the chain
// stops there.
func execute(c *Controller, e *endpoint, short, got int) {
	c.guard.lock()
	if t := e.active; t != nil {
		for i, h := range t.bursts[t.cur].qtds {
			q := c.qtds.get(h)
			tok := q.token.inactive() &^ (tokBytesMask << tokBytesShift)
			if i == short {
				writeToken(c, h, tok|Token(uint32(q.length-got))<<tokBytesShift)
				break
			}
			writeToken(c, h, tok)
		}
	}
	c.guard.unlock()
}

// fail writes status bits into the first qTD of e's linked burst.
func fail(c *Controller, e *endpoint, status uint8) {
	c.guard.lock()
	if t := e.active; t != nil {
		h := t.bursts[t.cur].qtds[0]
		writeToken(c, h, c.qtds.get(h).token.inactive()|Token(status))
	}
	c.guard.unlock()
}

// writeToken stores a qTD token in controller memory.
func writeToken(c *Controller, h Handle, tok Token) {
	binary.LittleEndian.PutUint32(c.qtds.bytes(h)[8:], uint32(tok))
}

// writeTrans stores an iTD transaction word in controller memory.
func writeTrans(c *Controller, h Handle, uf int, t itdTrans) {
	binary.LittleEndian.PutUint32(c.itds.bytes(h)[4+4*uf:], uint32(t))
}

// writeResults stores a siTD results word in controller memory.
func writeResults(c *Controller, h Handle, results uint32) {
	c.guard.lock()
	binary.LittleEndian.PutUint32(c.sitds.bytes(h)[12:], results)
	c.guard.unlock()
}

// interrupt raises a transfer interrupt and services it.
func interrupt(c *Controller, m *mockRegs) {
	m.raise(stsInt)
	c.ServiceInterrupt()
}
