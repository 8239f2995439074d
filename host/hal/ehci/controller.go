package ehci

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
)

// Controller states.
const (
	ctrlStopped uint32 = iota
	ctrlRunning
	ctrlFailed
)

// Descriptor geometry in controller memory.
const (
	descAlign     = 32
	frameListSpan = frameListSize * 4
	frameAlign    = 4096
)

var errHostHalted = fmt.Errorf("controller halted after host system error: %w", pkg.ErrHostSystem)

// Controller drives one EHCI host controller.
//
// Task-context operations (pipe open, close, modify, flush and submit)
// serialize on a semaphore. State shared with ServiceInterrupt is covered by
// the guard, which also masks the controller's interrupt line.
type Controller struct {
	cfg  Config
	regs regs
	mem  Memory

	sem   *semaphore.Weighted
	guard guard
	done  completions

	index endpointIndex
	qhs   *poolSet[qh]
	qtds  *poolSet[qtd]
	itds  *poolSet[itd]
	sitds *poolSet[sitd]

	async    Handle
	sched    periodicSchedule
	periodic []*endpoint
	root     rootHub

	state atomic.Uint32
}

// New returns a Controller for the register window r. Zero fields of cfg
// take their defaults. The controller is not touched until Initialize.
func New(r Registers, cfg Config) *Controller {
	cfg.applyDefaults()
	c := &Controller{
		cfg:   cfg,
		regs:  regs{raw: r},
		mem:   cfg.Memory,
		sem:   semaphore.NewWeighted(1),
		async: noHandle,
	}
	c.guard.regs = c.regs
	c.qhs = newPoolSet[qh]("qh", c.mem, qhHWSize, descAlign, cfg.QHsPerArena, cfg.MaxArenas)
	c.qtds = newPoolSet[qtd]("qtd", c.mem, qtdHWSize, descAlign, cfg.QTDsPerArena, cfg.MaxArenas)
	c.itds = newPoolSet[itd]("itd", c.mem, itdHWSize, descAlign, cfg.ISOsPerArena, cfg.MaxArenas)
	c.sitds = newPoolSet[sitd]("sitd", c.mem, sitdHWSize, descAlign, cfg.ISOsPerArena, cfg.MaxArenas)
	return c
}

// Initialize resets the controller, builds empty schedules, starts both
// schedules and routes every port to the controller.
func (c *Controller) Initialize(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	if c.state.Load() != ctrlStopped {
		return pkg.ErrAlreadyRunning
	}
	c.regs.op = c.regs.capLength()
	c.guard.regs = c.regs
	if v := c.regs.version(); v < minHCIVersion {
		return fmt.Errorf("HCIVERSION %#04x: %w", v, pkg.ErrNotSupported)
	}
	c.root.init(c)

	if err := c.resetHardware(ctx); err != nil {
		return err
	}
	block, err := c.mem.Alloc(frameListSpan, frameAlign)
	if err != nil {
		return fmt.Errorf("frame list: %w", err)
	}
	c.sched.block = block
	c.resetSchedule()
	if err := c.initAsync(); err != nil {
		c.mem.Free(block)
		return err
	}
	c.startHardware()
	c.state.Store(ctrlRunning)
	c.guard.arm(true)
	c.root.powerOn()

	pkg.LogInfo(pkg.ComponentEHCI, "controller initialized",
		"version", fmt.Sprintf("%#04x", c.regs.version()), "ports", c.root.ports,
		"frameList", fmt.Sprintf("%#08x", block.Addr))
	return nil
}

// resetHardware halts the controller and issues a host controller reset.
func (c *Controller) resetHardware(ctx context.Context) error {
	c.regs.clear(regUSBCmd, cmdRun)
	err := poll(ctx, c.cfg.HaltTimeout, c.cfg.PollInterval, func() bool {
		return c.regs.read(regUSBSts)&stsHalted != 0
	})
	if err != nil {
		return fmt.Errorf("controller halt: %w", err)
	}
	c.regs.set(regUSBCmd, cmdReset)
	err = poll(ctx, c.cfg.ResetTimeout, c.cfg.PollInterval, func() bool {
		return c.regs.read(regUSBCmd)&cmdReset == 0
	})
	if err != nil {
		return fmt.Errorf("controller reset: %w", err)
	}
	return nil
}

// startHardware programs the schedule bases and sets the controller running.
func (c *Controller) startHardware() {
	c.regs.write(regCtrlDSSeg, 0)
	c.regs.write(regPeriodicBase, c.sched.block.Addr)
	c.regs.write(regAsyncAddr, c.qhs.addr(c.async))
	cmd := uint32(c.cfg.InterruptThreshold)<<cmdITCShift | cmdAsyncEn | cmdPeriodicEn | cmdRun
	c.regs.write(regUSBCmd, cmd)
	c.regs.write(regConfigFlag, 1)
}

// Uninitialize closes every pipe, halts the controller and releases all
// controller memory.
func (c *Controller) Uninitialize(ctx context.Context) error {
	err := func() error {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer c.sem.Release(1)
		if c.state.Load() == ctrlStopped {
			return nil
		}
		var open []*endpoint
		c.index.each(func(e *endpoint) { open = append(open, e) })
		for _, e := range open {
			if err := c.closeLocked(ctx, e, stateDelete); err != nil {
				pkg.LogWarn(pkg.ComponentEHCI, "pipe close failed", "endpoint", e.String(), "error", err)
			}
		}
		c.root.cancelHeld(pkg.TransferStatusCancelled)
		c.guard.arm(false)
		c.regs.clear(regUSBCmd, cmdRun|cmdAsyncEn|cmdPeriodicEn)
		halted := poll(ctx, c.cfg.HaltTimeout, c.cfg.PollInterval, func() bool {
			return c.regs.read(regUSBSts)&stsHalted != 0
		})
		if halted != nil {
			pkg.LogWarn(pkg.ComponentEHCI, "controller did not halt", "error", halted)
		}
		c.regs.write(regConfigFlag, 0)
		c.state.Store(ctrlStopped)

		c.guard.lock()
		if c.async != noHandle {
			if err := c.qhs.release(c.async); err != nil {
				pkg.LogWarn(pkg.ComponentPool, "sentinel release failed", "error", err)
			}
			c.async = noHandle
		}
		c.qhs.destroy()
		c.qtds.destroy()
		c.itds.destroy()
		c.sitds.destroy()
		c.mem.Free(c.sched.block)
		c.sched.block = Block{}
		c.periodic = nil
		c.guard.unlock()

		pkg.LogInfo(pkg.ComponentEHCI, "controller stopped")
		return nil
	}()
	c.done.dispatch()
	return err
}

// check reports why the controller cannot accept work.
func (c *Controller) check() error {
	switch c.state.Load() {
	case ctrlStopped:
		return pkg.ErrNotRunning
	case ctrlFailed:
		return errHostHalted
	}
	return nil
}

func (c *Controller) running() bool { return c.state.Load() == ctrlRunning }

// Running reports whether the controller is initialized and healthy.
func (c *Controller) Running() bool { return c.running() }

// OpenPipe creates the endpoint record and descriptors of a pipe. The pipe
// joins a schedule on its first submission.
func (c *Controller) OpenPipe(ctx context.Context, p PipeConfig) error {
	if p.Address == c.cfg.RootHubAddress {
		return nil
	}
	if err := p.validate(); err != nil {
		return err
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)
	if err := c.check(); err != nil {
		return err
	}
	return c.openLocked(p)
}

// openLocked opens a pipe. The caller holds the semaphore.
func (c *Controller) openLocked(p PipeConfig) error {
	e := newEndpoint(p)
	if c.index.find(e.key) != nil {
		return fmt.Errorf("pipe %s: %w", e, pkg.ErrDuplicate)
	}
	c.guard.lock()
	defer c.guard.unlock()

	if p.Type == hal.TransferIsochronous {
		if err := c.openIso(e); err != nil {
			return err
		}
	} else {
		h, q, err := c.qhs.alloc()
		if err != nil {
			return fmt.Errorf("pipe %s: %w", e, err)
		}
		q.link = terminate
		q.char = e.characteristics()
		q.caps = e.capabilities()
		q.resetOverlay()
		q.ep = e
		e.qh = h
		switch {
		case p.Type == hal.TransferControl:
			b, err := c.mem.Alloc(hal.SetupPacketSize, descAlign)
			if err != nil {
				_ = c.qhs.release(h)
				e.qh = noHandle
				return fmt.Errorf("pipe %s setup buffer: %w", e, err)
			}
			e.setup = b
		case e.isIn():
			d, dq, err := c.qtds.alloc()
			if err != nil {
				_ = c.qhs.release(h)
				e.qh = noHandle
				return fmt.Errorf("pipe %s: %w", e, err)
			}
			dq.next = terminate
			dq.altNext = terminate
			e.dummy = d
			c.putQTD(d)
		}
		c.putQH(h)
	}
	c.index.insert(e)
	pkg.LogDebug(pkg.ComponentEndpoint, "pipe opened", "endpoint", e.String(),
		"type", p.Type, "speed", p.Speed.String(), "maxPacket", e.maxPacket, "load", e.load)
	return nil
}

// ClosePipe unlinks a pipe from its schedule, cancels its requests and
// frees it. Closing a pipe that is not open succeeds.
func (c *Controller) ClosePipe(ctx context.Context, addr, ep uint8) error {
	if addr == c.cfg.RootHubAddress {
		if ep&0x0f == 1 {
			c.root.cancelHeld(pkg.TransferStatusCancelled)
			c.done.dispatch()
		}
		return nil
	}
	err := func() error {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer c.sem.Release(1)
		e := c.index.find(endpointKey(addr, ep))
		if e == nil {
			return nil
		}
		return c.closeLocked(ctx, e, stateDelete)
	}()
	c.done.dispatch()
	return err
}

// closeLocked closes a pipe, leaving its record in state final. If the
// controller does not acknowledge the async unlink, the queue head is left
// allocated and the error returned. The caller holds the semaphore.
func (c *Controller) closeLocked(ctx context.Context, e *endpoint, final endpointState) error {
	var qerr error
	periodic := e.periodic()
	if periodic {
		qerr = c.stopPeriodic(ctx)
	} else if e.state == stateReady {
		c.guard.lock()
		c.unlinkAsync(e)
		c.guard.unlock()
		qerr = c.ringDoorbell(ctx)
	}

	c.guard.lock()
	n := c.cancelAny(e, pkg.TransferStatusCancelled)
	if periodic && e.state == stateReady {
		if e.iso != nil {
			c.unscheduleIso(e)
		} else {
			c.unschedulePeriodic(e)
		}
	}
	e.state = final
	c.deactivate(e)
	c.index.remove(e.key)
	c.freeEndpoint(e, qerr == nil)
	c.guard.unlock()
	if periodic {
		c.startPeriodic()
	}
	pkg.LogDebug(pkg.ComponentEndpoint, "pipe closed", "endpoint", e.String(), "state", e.state.String(), "cancelled", n)
	return qerr
}

// freeEndpoint releases an endpoint's descriptors. When the controller may
// still reference them they are left allocated. The caller holds the guard.
func (c *Controller) freeEndpoint(e *endpoint, release bool) {
	if q := c.qhs.get(e.qh); q != nil {
		q.ep = nil
	}
	if !release {
		pkg.LogWarn(pkg.ComponentPool, "descriptors leaked after unacknowledged unlink", "endpoint", e.String())
		e.qh, e.dummy, e.iso, e.setup = noHandle, noHandle, nil, Block{}
		return
	}
	c.freeIso(e)
	if e.setup.Size > 0 {
		c.mem.Free(e.setup)
		e.setup = Block{}
	}
	if e.dummy != noHandle {
		if err := c.qtds.release(e.dummy); err != nil {
			pkg.LogWarn(pkg.ComponentPool, "dummy qTD release failed", "endpoint", e.String(), "error", err)
		}
		e.dummy = noHandle
	}
	if e.qh != noHandle {
		if err := c.qhs.release(e.qh); err != nil {
			pkg.LogWarn(pkg.ComponentPool, "queue head release failed", "endpoint", e.String(), "error", err)
		}
		e.qh = noHandle
	}
}

// stopPeriodic disables the periodic schedule and waits for the controller
// to stop walking it.
func (c *Controller) stopPeriodic(ctx context.Context) error {
	if !c.running() {
		return nil
	}
	c.regs.clear(regUSBCmd, cmdPeriodicEn)
	err := poll(ctx, c.cfg.HaltTimeout, c.cfg.PollInterval, func() bool {
		return c.regs.read(regUSBSts)&stsPeriodicSts == 0
	})
	if err != nil {
		return fmt.Errorf("periodic schedule stop: %w", err)
	}
	return nil
}

// startPeriodic re-enables the periodic schedule.
func (c *Controller) startPeriodic() {
	if c.running() {
		c.regs.set(regUSBCmd, cmdPeriodicEn)
	}
}

// ModifyPipe closes and reopens a pipe with new parameters while holding
// the semaphore, so no other operation sees the pipe missing. The pipe's
// key and speed are kept.
func (c *Controller) ModifyPipe(ctx context.Context, addr, ep uint8, p PipeConfig) error {
	if addr == c.cfg.RootHubAddress {
		return nil
	}
	err := func() error {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer c.sem.Release(1)
		if err := c.check(); err != nil {
			return err
		}
		e := c.index.find(endpointKey(addr, ep))
		if e == nil {
			return fmt.Errorf("pipe %d:%02x: %w", addr, ep, pkg.ErrNotFound)
		}
		p.Address, p.Endpoint, p.Speed = addr, ep, e.cfg.Speed
		if p.HubAddress == 0 {
			p.HubAddress, p.HubPort = e.cfg.HubAddress, e.cfg.HubPort
		}
		if err := p.validate(); err != nil {
			return err
		}
		if err := c.closeLocked(ctx, e, stateModify); err != nil {
			return err
		}
		return c.openLocked(p)
	}()
	c.done.dispatch()
	return err
}

// Submit queues a request on an open pipe. It returns once the request is
// accepted; the outcome is delivered to r.Callback. Requests to the root
// hub's default pipe complete before Submit returns.
func (c *Controller) Submit(ctx context.Context, addr, ep uint8, r *Request) error {
	if r == nil {
		return fmt.Errorf("nil request: %w", pkg.ErrInvalidParameter)
	}
	r.reset()
	if addr == c.cfg.RootHubAddress {
		if err := c.check(); err != nil {
			return err
		}
		return c.submitRoot(ctx, ep, r)
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)
	if err := c.check(); err != nil {
		return err
	}
	e := c.index.find(endpointKey(addr, ep))
	if e == nil {
		return fmt.Errorf("pipe %d:%02x: %w", addr, ep, pkg.ErrNotFound)
	}
	if e.kind() == hal.TransferControl && r.Setup == nil {
		return fmt.Errorf("control request without setup: %w", pkg.ErrInvalidParameter)
	}
	if len(r.Data) > 0 && c.mem.Addr(r.Data) == 0 {
		return fmt.Errorf("pipe %s: data buffer outside controller memory: %w", e, pkg.ErrInvalidParameter)
	}
	if e.iso != nil {
		return c.submitIso(e, r)
	}

	c.guard.lock()
	defer c.guard.unlock()
	if e.active != nil {
		if e.kind() == hal.TransferControl {
			return fmt.Errorf("control pipe %s: %w", e, pkg.ErrBusy)
		}
		e.pending = append(e.pending, r)
		return nil
	}
	if e.periodic() {
		if err := c.activate(e); err != nil {
			return err
		}
	}
	if e.state == stateNotReady {
		if e.periodic() {
			if err := c.scheduleInterrupt(e); err != nil {
				c.deactivate(e)
				return err
			}
		} else {
			c.linkAsync(e)
		}
	}
	if err := c.startTransfer(e, r); err != nil {
		if e.periodic() && e.idle() {
			c.deactivate(e)
		}
		return err
	}
	return nil
}

// FlushPipe cancels the executing and pending requests of a pipe. The pipe
// stays open and scheduled.
func (c *Controller) FlushPipe(ctx context.Context, addr, ep uint8) error {
	if addr == c.cfg.RootHubAddress {
		c.root.cancelHeld(pkg.TransferStatusCancelled)
		c.done.dispatch()
		return nil
	}
	err := func() error {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer c.sem.Release(1)
		e := c.index.find(endpointKey(addr, ep))
		if e == nil {
			return fmt.Errorf("pipe %d:%02x: %w", addr, ep, pkg.ErrNotFound)
		}
		return c.flushLocked(ctx, e)
	}()
	c.done.dispatch()
	return err
}

func (c *Controller) flushLocked(ctx context.Context, e *endpoint) error {
	var n int
	switch {
	case e.periodic():
		err := c.stopPeriodic(ctx)
		c.guard.lock()
		n = c.cancelAny(e, pkg.TransferStatusCancelled)
		c.deactivate(e)
		c.guard.unlock()
		c.startPeriodic()
		if err != nil {
			return err
		}
	case e.state == stateReady:
		c.guard.lock()
		c.unlinkAsync(e)
		c.guard.unlock()
		err := c.ringDoorbell(ctx)
		c.guard.lock()
		if err == nil {
			n = c.cancelEndpoint(e, pkg.TransferStatusCancelled)
		}
		c.linkAsync(e)
		c.guard.unlock()
		if err != nil {
			return err
		}
	default:
		c.guard.lock()
		n = c.cancelEndpoint(e, pkg.TransferStatusCancelled)
		c.guard.unlock()
	}
	pkg.LogDebug(pkg.ComponentEndpoint, "pipe flushed", "endpoint", e.String(), "cancelled", n)
	return nil
}

// recover rebuilds the controller after a host system error. Open pipes
// survive and rejoin their schedules on their next submission.
func (c *Controller) recover(cause error) {
	ctx := context.Background()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer c.done.dispatch()
	defer c.sem.Release(1)
	if c.state.Load() != ctrlFailed {
		return
	}
	pkg.LogWarn(pkg.ComponentEHCI, "resetting controller", "cause", cause)
	if err := c.resetHardware(ctx); err != nil {
		pkg.LogError(pkg.ComponentEHCI, "controller reset failed", "error", err)
		return
	}
	c.guard.lock()
	c.resetSchedule()
	c.qhs.get(c.async).link = qhLink(c.async)
	c.putQHLink(c.async)
	c.index.each(func(e *endpoint) {
		c.cancelAny(e, pkg.TransferStatusHostError)
		if q := c.qhs.get(e.qh); q != nil {
			q.link = terminate
			q.caps = e.capabilities()
			c.putQH(e.qh)
		}
		e.state = stateNotReady
	})
	c.periodic = c.periodic[:0]
	c.guard.unlock()

	c.startHardware()
	c.state.Store(ctrlRunning)
	c.guard.arm(true)
	c.root.powerOn()
	pkg.LogInfo(pkg.ComponentEHCI, "controller recovered", "pipes", c.index.len())
}

// nextOf returns the link field of a periodic schedule element.
func (c *Controller) nextOf(l Link) *Link {
	switch l.Type {
	case LinkQH:
		if q := c.qhs.get(l.Index); q != nil {
			return &q.link
		}
	case LinkITD:
		if d := c.itds.get(l.Index); d != nil {
			return &d.link
		}
	case LinkSITD:
		if d := c.sitds.get(l.Index); d != nil {
			return &d.link
		}
	}
	return &Link{}
}

// linkWord encodes a link with the bus address of its target.
func (c *Controller) linkWord(l Link) uint32 {
	var addr uint32
	switch l.Type {
	case LinkQH:
		addr = c.qhs.addr(l.Index)
	case LinkQTD:
		addr = c.qtds.addr(l.Index)
	case LinkITD:
		addr = c.itds.addr(l.Index)
	case LinkSITD:
		addr = c.sitds.addr(l.Index)
	}
	return l.Word(addr)
}

// FrameWord returns frame list entry i as the controller reads it.
func (c *Controller) FrameWord(i int) uint32 {
	c.guard.lock()
	defer c.guard.unlock()
	b := c.sched.block.Bytes
	if len(b) < frameListSpan {
		return linkTerminateBit
	}
	return binary.LittleEndian.Uint32(b[4*(i&(frameListSize-1)):])
}

// Descriptor copies the controller's image of the descriptor l references
// into buf and returns its length, or 0 if l is not allocated or buf too
// small.
func (c *Controller) Descriptor(l Link, buf []byte) int {
	c.guard.lock()
	defer c.guard.unlock()
	var img []byte
	switch l.Type {
	case LinkQH:
		img = c.qhs.bytes(l.Index)
	case LinkQTD:
		img = c.qtds.bytes(l.Index)
	case LinkITD:
		img = c.itds.bytes(l.Index)
	case LinkSITD:
		img = c.sitds.bytes(l.Index)
	}
	if img == nil || len(buf) < len(img) {
		return 0
	}
	return copy(buf, img)
}

// NumPorts returns the number of root hub ports.
func (c *Controller) NumPorts() int { return c.root.ports }

// PortStatus returns the status of a root hub port (1-indexed).
func (c *Controller) PortStatus(port int) (hal.PortStatus, error) {
	if err := c.check(); err != nil {
		return hal.PortStatus{}, err
	}
	return c.root.portStatus(port)
}

// ResetPort resets a root hub port. A device that is not high speed is
// handed to the companion controller and an error wrapping
// pkg.ErrNotSupported is returned.
func (c *Controller) ResetPort(ctx context.Context, port int) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.root.resetPort(ctx, port)
}

// EnablePort disables a root hub port. Ports are enabled only by reset.
func (c *Controller) EnablePort(port int, enable bool) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.root.enablePort(port, enable)
}
