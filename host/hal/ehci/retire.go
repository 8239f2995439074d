package ehci

import (
	"fmt"

	"github.com/ardnew/softehci/pkg"
)

// DisableInterrupts masks the controller interrupt line. Calls nest; only
// the matching outermost EnableInterrupts unmasks it. Status raised while
// masked is acknowledged and held for the next ServiceInterrupt.
func (c *Controller) DisableInterrupts() {
	c.guard.disable()
	c.guard.latch()
}

// EnableInterrupts undoes one DisableInterrupts.
func (c *Controller) EnableInterrupts() {
	c.guard.enable()
}

// ServiceInterrupt handles pending controller status. The platform calls it
// from its interrupt path; it never blocks on the pipe semaphore. Completion
// callbacks run before it returns, after every lock is released.
func (c *Controller) ServiceInterrupt() {
	sts := c.guard.take()
	if raw := c.regs.read(regUSBSts) & intrEnableMask; raw != 0 {
		c.regs.write(regUSBSts, raw)
		sts |= raw
	}
	if sts == 0 {
		return
	}

	var (
		events []PortEvent
		fatal  error
	)
	c.guard.mu.Lock()
	if c.state.Load() == ctrlStopped {
		c.guard.mu.Unlock()
		return
	}
	if sts&stsPortChange != 0 {
		events = c.root.isr()
	}
	if sts&(stsInt|stsErrInt) != 0 && c.state.Load() == ctrlRunning {
		c.scanAsync()
		c.scanPeriodic()
	}
	if sts&stsHostError != 0 && c.state.Load() == ctrlRunning {
		fatal = c.hostError()
	}
	c.guard.mu.Unlock()

	c.done.dispatch()
	if c.cfg.OnPortChange != nil {
		for _, ev := range events {
			c.cfg.OnPortChange(ev)
		}
	}
	if fatal != nil {
		if c.cfg.Fatal == FatalReset {
			go c.recover(fatal)
		}
		if c.cfg.OnFatal != nil {
			c.cfg.OnFatal(fatal)
		}
	}
}

// scanAsync checks every queue head on the asynchronous list.
func (c *Controller) scanAsync() {
	c.eachAsync(c.checkRetire)
}

// scanPeriodic checks every active periodic endpoint in activation order
// and drops those left with no work.
func (c *Controller) scanPeriodic() {
	list := append([]*endpoint(nil), c.periodic...)
	for _, e := range list {
		if e.iso != nil {
			c.scanIso(e)
		} else {
			c.checkRetire(e)
		}
		if e.idle() {
			c.deactivate(e)
		}
	}
}

// checkRetire walks the linked burst of the endpoint's transfer and retires
// it once the controller has finished with it: at the last qTD, at the first
// failed qTD, or at a short packet. A short control data stage continues at
// the status stage.
func (c *Controller) checkRetire(e *endpoint) {
	t := e.active
	if t == nil {
		return
	}
	b := &t.bursts[t.cur]
	if b.state != burstActive {
		return
	}
	for i := 0; i < len(b.qtds); i++ {
		c.loadQTD(b.qtds[i])
		q := c.qtds.get(b.qtds[i])
		if q == nil || q.token.Active() {
			return
		}
		status := qtdStatus(q.token, e.cfg.Speed)
		last := i == len(b.qtds)-1
		short := q.data && q.token.Bytes() != 0
		switch {
		case status != pkg.TransferStatusSuccess && status != pkg.TransferStatusUnderrun:
			c.retireBurst(t, b, status)
			return
		case last:
			c.retireBurst(t, b, status)
			return
		case short && t.control:
			i = len(b.qtds) - 2
		case short:
			c.retireBurst(t, b, pkg.TransferStatusUnderrun)
			return
		}
	}
}

// retireBurst accounts for a finished burst and either keeps the transfer
// moving or finishes it.
func (c *Controller) retireBurst(t *transfer, b *burst, status pkg.TransferStatus) {
	for _, h := range b.qtds {
		c.loadQTD(h)
		if q := c.qtds.get(h); q != nil {
			t.actual += q.transferred()
		}
	}
	c.freeBurst(b)

	if status == pkg.TransferStatusSuccess && !t.control {
		other := &t.bursts[1-b.index]
		if other.state == burstReady {
			c.linkBurst(t, other)
			if t.more() {
				if err := c.prepareBurst(t, b); err != nil {
					pkg.LogDebug(pkg.ComponentTransfer, "burst build deferred", "endpoint", t.ep.String(), "error", err)
				}
			}
			return
		}
		if t.more() {
			if err := c.prepareBurst(t, b); err != nil {
				c.finishTransfer(t, pkg.TransferStatusError, fmt.Errorf("transfer %s: %w", t.ep, err))
				return
			}
			c.linkBurst(t, b)
			if t.more() {
				if err := c.prepareBurst(t, other); err != nil {
					pkg.LogDebug(pkg.ComponentTransfer, "burst build deferred", "endpoint", t.ep.String(), "error", err)
				}
			}
			return
		}
	}
	c.finishTransfer(t, status, nil)
}

// finishTransfer frees what is left of the transfer, queues its completion
// and starts the next pending request.
func (c *Controller) finishTransfer(t *transfer, status pkg.TransferStatus, err error) {
	e := t.ep
	for i := range t.bursts {
		c.freeBurst(&t.bursts[i])
	}
	if status == pkg.TransferStatusUnderrun && (t.req.ShortOK || t.control) {
		status = pkg.TransferStatusSuccess
	}
	c.resetOverlay(e.qh)
	e.active = nil
	if t.req.finish(status, t.actual, err) {
		c.done.push(t.req)
	}
	pkg.LogDebug(pkg.ComponentTransfer, "transfer retired", "endpoint", e.String(),
		"status", status.String(), "actual", t.actual)
	c.startPending(e)
}

// startPending starts the oldest pending request. Requests that cannot be
// started complete with an error and the next one is tried.
func (c *Controller) startPending(e *endpoint) {
	for len(e.pending) > 0 {
		r := e.pending[0]
		e.pending[0] = nil
		e.pending = e.pending[1:]
		if err := c.startTransfer(e, r); err != nil {
			if r.finish(pkg.TransferStatusError, 0, err) {
				c.done.push(r)
			}
			continue
		}
		return
	}
	e.pending = nil
}

// cancelEndpoint completes the active and pending requests of a queue head
// endpoint with status. The controller must no longer be processing the
// queue head. The caller holds the guard.
func (c *Controller) cancelEndpoint(e *endpoint, status pkg.TransferStatus) int {
	n := 0
	if t := e.active; t != nil {
		actual := t.actual
		if b := &t.bursts[t.cur]; b.state == burstActive {
			for _, h := range b.qtds {
				c.loadQTD(h)
				if q := c.qtds.get(h); q != nil {
					actual += q.transferred()
				}
			}
		}
		for i := range t.bursts {
			c.freeBurst(&t.bursts[i])
		}
		e.active = nil
		if t.req.finish(status, actual, nil) {
			c.done.push(t.req)
			n++
		}
	}
	for _, r := range e.pending {
		if r.finish(status, 0, nil) {
			c.done.push(r)
			n++
		}
	}
	e.pending = nil
	c.resetOverlay(e.qh)
	return n
}

// cancelAny cancels a queue head or isochronous endpoint.
func (c *Controller) cancelAny(e *endpoint, status pkg.TransferStatus) int {
	if e.iso != nil {
		return c.cancelIso(e, status)
	}
	return c.cancelEndpoint(e, status)
}

// hostError stops the controller after a host system error and fails every
// transfer it was executing. The caller holds the guard.
func (c *Controller) hostError() error {
	pkg.LogError(pkg.ComponentISR, "host system error", "policy", c.cfg.Fatal.String())
	c.regs.clear(regUSBCmd, cmdRun|cmdAsyncEn|cmdPeriodicEn)
	c.guard.arm(false)

	var busy []*endpoint
	c.eachAsync(func(e *endpoint) { busy = append(busy, e) })
	busy = append(busy, c.periodic...)
	n := 0
	for _, e := range busy {
		n += c.cancelAny(e, pkg.TransferStatusHostError)
	}
	c.periodic = c.periodic[:0]
	c.state.Store(ctrlFailed)
	pkg.LogWarn(pkg.ComponentISR, "transfers failed", "count", n)
	return errHostHalted
}
