package ehci

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
)

// Hub class requests and features (USB 2.0 chapter 11).
const (
	reqGetStatus        = 0x00
	reqClearFeature     = 0x01
	reqSetFeature       = 0x03
	reqSetAddress       = 0x05
	reqGetDescriptor    = 0x06
	reqGetConfiguration = 0x08
	reqSetConfiguration = 0x09

	rtHubIn   = 0xa0
	rtHubOut  = 0x20
	rtPortIn  = 0xa3
	rtPortOut = 0x23
	rtDevIn   = 0x80
	rtDevOut  = 0x00

	hubDescriptorType = 0x29

	featEnable       = 1
	featSuspend      = 2
	featReset        = 4
	featPower        = 8
	featCConnection  = 16
	featCEnable      = 17
	featCSuspend     = 18
	featCOverCurrent = 19
	featCReset       = 20
)

// wPortStatus bits.
const (
	psConnection  = 0x0001
	psEnable      = 0x0002
	psSuspend     = 0x0004
	psOverCurrent = 0x0008
	psReset       = 0x0010
	psPower       = 0x0100
	psLowSpeed    = 0x0200
	psHighSpeed   = 0x0400
)

// wPortChange bits.
const (
	pcConnection  = 0x0001
	pcEnable      = 0x0002
	pcSuspend     = 0x0004
	pcOverCurrent = 0x0008
	pcReset       = 0x0010
)

const resumeTime = 20 * time.Millisecond

// rootHub emulates the hub function of the controller's ports. Change bits
// are acknowledged in PORTSC by the interrupt path and kept here until the
// hub driver clears the matching feature.
type rootHub struct {
	c          *Controller
	ports      int
	switchable bool

	mu     sync.Mutex
	change []uint16 // per port, index 0 unused
	config uint8
	held   *Request // status change request waiting for a change
}

func (h *rootHub) init(c *Controller) {
	sp := c.regs.raw.Read32(regHCSParams)
	h.c = c
	h.ports = hcsPorts(sp)
	h.switchable = hcsPortPower(sp)
	h.change = make([]uint16, h.ports+1)
	h.held = nil
}

// powerOn applies power to every port that has a power switch.
func (h *rootHub) powerOn() {
	if !h.switchable {
		return
	}
	for p := 1; p <= h.ports; p++ {
		h.modify(p, portPower, 0)
	}
}

// modify sets and clears PORTSC bits without acknowledging change bits.
func (h *rootHub) modify(port int, set, clear uint32) {
	off := portOffset(port)
	v := h.c.regs.read(off) & portPreserveMask
	h.c.regs.write(off, v&^clear|set)
}

func (h *rootHub) validPort(port int) error {
	if port < 1 || port > h.ports {
		return fmt.Errorf("port %d of %d: %w", port, h.ports, pkg.ErrInvalidParameter)
	}
	return nil
}

// wStatus translates PORTSC into the hub port status word.
func wStatus(v uint32) uint16 {
	var s uint16
	if v&portConnect != 0 {
		s |= psConnection
	}
	if v&portEnable != 0 {
		s |= psEnable | psHighSpeed
	}
	if v&portSuspend != 0 {
		s |= psSuspend
	}
	if v&portOverCurrent != 0 {
		s |= psOverCurrent
	}
	if v&portReset != 0 {
		s |= psReset
	}
	if v&portPower != 0 {
		s |= psPower
	}
	if v&portEnable == 0 && v&portConnect != 0 && v&portLineStatus == portLineLowSpeed {
		s |= psLowSpeed
	}
	return s
}

// portStatus returns the status and pending changes of a port.
func (h *rootHub) portStatus(port int) (hal.PortStatus, error) {
	if err := h.validPort(port); err != nil {
		return hal.PortStatus{}, err
	}
	v := h.c.regs.read(portOffset(port))
	h.mu.Lock()
	ch := h.change[port]
	h.mu.Unlock()
	return toPortStatus(wStatus(v), ch), nil
}

func toPortStatus(s, ch uint16) hal.PortStatus {
	ps := hal.PortStatus{
		Connected:     s&psConnection != 0,
		Enabled:       s&psEnable != 0,
		Suspended:     s&psSuspend != 0,
		OverCurrent:   s&psOverCurrent != 0,
		Reset:         s&psReset != 0,
		PowerOn:       s&psPower != 0,
		ConnectChange: ch&pcConnection != 0,
		EnableChange:  ch&pcEnable != 0,
		ResetChange:   ch&pcReset != 0,
	}
	switch {
	case !ps.Connected:
		ps.Speed = hal.SpeedUnknown
	case s&psHighSpeed != 0:
		ps.Speed = hal.SpeedHigh
	case s&psLowSpeed != 0:
		ps.Speed = hal.SpeedLow
	default:
		ps.Speed = hal.SpeedFull
	}
	return ps
}

// resetPort drives reset signalling on a port. A device that does not come
// out of reset enabled is not high speed and is handed to the companion
// controller.
func (h *rootHub) resetPort(ctx context.Context, port int) error {
	if err := h.validPort(port); err != nil {
		return err
	}
	off := portOffset(port)
	v := h.c.regs.read(off)
	if v&portConnect == 0 {
		return fmt.Errorf("port %d: no device: %w", port, pkg.ErrNotFound)
	}
	if v&portLineStatus == portLineLowSpeed {
		h.modify(port, portOwner, 0)
		pkg.LogInfo(pkg.ComponentRootHub, "low speed device released to companion", "port", port)
		return fmt.Errorf("port %d: low speed device: %w", port, pkg.ErrNotSupported)
	}
	h.modify(port, portReset, portEnable)
	t := time.NewTimer(h.c.cfg.PortResetTime)
	select {
	case <-ctx.Done():
		t.Stop()
		h.modify(port, 0, portReset)
		return ctx.Err()
	case <-t.C:
	}
	h.modify(port, 0, portReset)
	err := poll(ctx, h.c.cfg.ResetTimeout, h.c.cfg.PollInterval, func() bool {
		return h.c.regs.read(off)&portReset == 0
	})
	if err != nil {
		return fmt.Errorf("port %d reset: %w", port, err)
	}
	h.mu.Lock()
	h.change[port] |= pcReset
	h.mu.Unlock()
	if h.c.regs.read(off)&portEnable == 0 {
		h.modify(port, portOwner, 0)
		pkg.LogInfo(pkg.ComponentRootHub, "full speed device released to companion", "port", port)
		return fmt.Errorf("port %d: full speed device: %w", port, pkg.ErrNotSupported)
	}
	pkg.LogDebug(pkg.ComponentRootHub, "port reset", "port", port)
	return nil
}

// enablePort disables a port, or reports that enabling needs a reset.
func (h *rootHub) enablePort(port int, enable bool) error {
	if err := h.validPort(port); err != nil {
		return err
	}
	if enable {
		if h.c.regs.read(portOffset(port))&portEnable != 0 {
			return nil
		}
		return fmt.Errorf("port %d is enabled by reset: %w", port, pkg.ErrNotSupported)
	}
	h.modify(port, 0, portEnable)
	return nil
}

// isr acknowledges port change bits, records them and completes a held
// status change request. The caller holds the guard.
func (h *rootHub) isr() []PortEvent {
	var events []PortEvent
	h.mu.Lock()
	for p := 1; p <= h.ports; p++ {
		off := portOffset(p)
		v := h.c.regs.read(off)
		hw := v & portChangeBits
		if hw == 0 {
			continue
		}
		h.c.regs.write(off, v&portPreserveMask|hw)
		if hw&portConnectChange != 0 {
			h.change[p] |= pcConnection
		}
		if hw&portEnableChange != 0 {
			h.change[p] |= pcEnable
		}
		if hw&portOCChange != 0 {
			h.change[p] |= pcOverCurrent
		}
		events = append(events, PortEvent{Port: p, Status: toPortStatus(wStatus(v), h.change[p])})
		pkg.LogDebug(pkg.ComponentRootHub, "port change", "port", p, "portsc", v)
	}
	h.completeHeld()
	h.mu.Unlock()
	return events
}

// bitmap returns the hub status change bitmap. The caller holds mu.
func (h *rootHub) bitmap() []byte {
	b := make([]byte, (h.ports+1+7)/8)
	for p := 1; p <= h.ports; p++ {
		if h.change[p] != 0 {
			b[p/8] |= 1 << (p % 8)
		}
	}
	return b
}

// completeHeld finishes a held status change request when any change is
// pending. The caller holds mu.
func (h *rootHub) completeHeld() {
	if h.held == nil {
		return
	}
	b := h.bitmap()
	for _, x := range b {
		if x != 0 {
			n := copy(h.held.Data, b)
			if h.held.finish(pkg.TransferStatusSuccess, n, nil) {
				h.c.done.push(h.held)
			}
			h.held = nil
			return
		}
	}
}

// statusChange serves a request on the hub's interrupt endpoint. It
// completes at once if a change is pending and is held otherwise.
func (h *rootHub) statusChange(r *Request) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.held != nil {
		return fmt.Errorf("root hub status request outstanding: %w", pkg.ErrBusy)
	}
	h.held = r
	h.completeHeld()
	return nil
}

// cancelHeld completes a held status change request with status.
func (h *rootHub) cancelHeld(status pkg.TransferStatus) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.held == nil {
		return 0
	}
	r := h.held
	h.held = nil
	if r.finish(status, 0, nil) {
		h.c.done.push(r)
		return 1
	}
	return 0
}

// descriptor builds the hub class descriptor from HCSPARAMS.
func (h *rootHub) descriptor() []byte {
	n := (h.ports + 1 + 7) / 8
	d := make([]byte, 7+2*n)
	d[0] = byte(len(d))
	d[1] = hubDescriptorType
	d[2] = byte(h.ports)
	if h.switchable {
		d[3] = 0x01 // individual port power switching
	} else {
		d[3] = 0x02
	}
	d[5] = 10 // 20 ms from power on to power good
	for i := 0; i < n; i++ {
		d[7+n+i] = 0xff
	}
	return d
}

// control executes a request addressed to the root hub's default pipe. It
// returns the outcome and the number of bytes placed in data.
func (h *rootHub) control(ctx context.Context, s *hal.SetupPacket, data []byte) (pkg.TransferStatus, int) {
	port := int(s.Index & 0xff)
	reply := func(b []byte) (pkg.TransferStatus, int) {
		if int(s.Length) < len(b) {
			b = b[:s.Length]
		}
		return pkg.TransferStatusSuccess, copy(data, b)
	}
	switch {
	case s.RequestType == rtDevOut && s.Request == reqSetAddress:
		return pkg.TransferStatusSuccess, 0
	case s.RequestType == rtDevOut && s.Request == reqSetConfiguration:
		h.mu.Lock()
		h.config = uint8(s.Value)
		h.mu.Unlock()
		return pkg.TransferStatusSuccess, 0
	case s.RequestType == rtDevIn && s.Request == reqGetConfiguration:
		h.mu.Lock()
		cfg := h.config
		h.mu.Unlock()
		return reply([]byte{cfg})
	case s.RequestType == rtDevIn && s.Request == reqGetStatus:
		return reply([]byte{0x01, 0x00}) // self powered
	case s.RequestType == rtHubIn && s.Request == reqGetDescriptor && s.Value>>8 == hubDescriptorType:
		return reply(h.descriptor())
	case s.RequestType == rtHubIn && s.Request == reqGetStatus:
		return reply(make([]byte, 4))
	case s.RequestType == rtHubOut && (s.Request == reqClearFeature || s.Request == reqSetFeature):
		return pkg.TransferStatusSuccess, 0
	case s.RequestType == rtPortIn && s.Request == reqGetStatus:
		if h.validPort(port) != nil {
			return pkg.TransferStatusStall, 0
		}
		v := h.c.regs.read(portOffset(port))
		h.mu.Lock()
		ch := h.change[port]
		h.mu.Unlock()
		var b [4]byte
		binary.LittleEndian.PutUint16(b[0:], wStatus(v))
		binary.LittleEndian.PutUint16(b[2:], ch)
		return reply(b[:])
	case s.RequestType == rtPortOut && s.Request == reqSetFeature:
		if err := h.setFeature(ctx, port, s.Value); err != nil {
			pkg.LogDebug(pkg.ComponentRootHub, "set feature failed", "port", port, "feature", s.Value, "error", err)
			return pkg.TransferStatusStall, 0
		}
		return pkg.TransferStatusSuccess, 0
	case s.RequestType == rtPortOut && s.Request == reqClearFeature:
		if err := h.clearFeature(ctx, port, s.Value); err != nil {
			pkg.LogDebug(pkg.ComponentRootHub, "clear feature failed", "port", port, "feature", s.Value, "error", err)
			return pkg.TransferStatusStall, 0
		}
		return pkg.TransferStatusSuccess, 0
	}
	pkg.LogDebug(pkg.ComponentRootHub, "unsupported request",
		"type", s.RequestType, "request", s.Request, "value", s.Value)
	return pkg.TransferStatusStall, 0
}

func (h *rootHub) setFeature(ctx context.Context, port int, feature uint16) error {
	if err := h.validPort(port); err != nil {
		return err
	}
	switch feature {
	case featReset:
		return h.resetPort(ctx, port)
	case featSuspend:
		h.modify(port, portSuspend, 0)
		h.mu.Lock()
		h.change[port] &^= pcSuspend
		h.mu.Unlock()
	case featPower:
		if h.switchable {
			h.modify(port, portPower, 0)
		}
	case featEnable:
		return h.enablePort(port, true)
	default:
		return fmt.Errorf("port feature %d: %w", feature, pkg.ErrNotSupported)
	}
	return nil
}

func (h *rootHub) clearFeature(ctx context.Context, port int, feature uint16) error {
	if err := h.validPort(port); err != nil {
		return err
	}
	var ack uint16
	switch feature {
	case featEnable:
		return h.enablePort(port, false)
	case featSuspend:
		if h.c.regs.read(portOffset(port))&portSuspend == 0 {
			return nil
		}
		h.modify(port, portResume, 0)
		t := time.NewTimer(resumeTime)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
		h.modify(port, 0, portResume)
		h.mu.Lock()
		h.change[port] |= pcSuspend
		h.mu.Unlock()
		return ctx.Err()
	case featPower:
		if h.switchable {
			h.modify(port, 0, portPower)
		}
		return nil
	case featCConnection:
		ack = pcConnection
	case featCEnable:
		ack = pcEnable
	case featCSuspend:
		ack = pcSuspend
	case featCOverCurrent:
		ack = pcOverCurrent
	case featCReset:
		ack = pcReset
	default:
		return fmt.Errorf("port feature %d: %w", feature, pkg.ErrNotSupported)
	}
	h.mu.Lock()
	h.change[port] &^= ack
	h.mu.Unlock()
	return nil
}

// submitRoot serves a request addressed to the root hub. Default pipe
// requests complete before it returns.
func (c *Controller) submitRoot(ctx context.Context, ep uint8, r *Request) error {
	switch ep & 0x0f {
	case 0:
		if r.Setup == nil {
			return fmt.Errorf("root hub control request without setup: %w", pkg.ErrInvalidParameter)
		}
		status, n := c.root.control(ctx, r.Setup, r.Data)
		if r.finish(status, n, nil) {
			c.done.push(r)
		}
	case 1:
		if err := c.root.statusChange(r); err != nil {
			return err
		}
	default:
		return fmt.Errorf("root hub endpoint %#02x: %w", ep, pkg.ErrInvalidEndpoint)
	}
	c.done.dispatch()
	return nil
}
