package ehci

import (
	"context"
	"fmt"

	"github.com/ardnew/softehci/pkg"
)

// initAsync creates the sentinel queue head that anchors the circular
// asynchronous list and programs ASYNCLISTADDR with it.
func (c *Controller) initAsync() error {
	h, q, err := c.qhs.alloc()
	if err != nil {
		return fmt.Errorf("async sentinel: %w", err)
	}
	q.link = qhLink(h)
	q.char = epChar(charHead | epsHigh<<charSpeedShift)
	q.caps = makeCaps(0, 0, 0, 0, 1)
	q.next = terminate
	q.altNext = terminate
	q.token = tokHalted
	c.async = h
	c.putQH(h)
	c.regs.write(regAsyncAddr, c.qhs.addr(h))
	return nil
}

// linkAsync inserts the endpoint's queue head immediately after the
// sentinel. The caller holds the guard.
func (c *Controller) linkAsync(e *endpoint) {
	s := c.qhs.get(c.async)
	q := c.qhs.get(e.qh)
	q.link = s.link
	c.putQH(e.qh)
	s.link = qhLink(e.qh)
	c.putQHLink(c.async)
	e.state = stateReady
	pkg.LogDebug(pkg.ComponentSchedule, "async link", "endpoint", e.String())
}

// unlinkAsync splices the endpoint's queue head out of the circular list.
// The caller holds the guard and must ring the doorbell before reusing the
// queue head.
func (c *Controller) unlinkAsync(e *endpoint) bool {
	prevH := c.async
	prev := c.qhs.get(prevH)
	for l := prev.link; l.Index != c.async; {
		q := c.qhs.get(l.Index)
		if q == nil {
			break
		}
		if l.Index == e.qh {
			prev.link = q.link
			c.putQHLink(prevH)
			e.state = stateNotReady
			pkg.LogDebug(pkg.ComponentSchedule, "async unlink", "endpoint", e.String())
			return true
		}
		prevH, prev, l = l.Index, q, q.link
	}
	return false
}

// eachAsync visits the queue heads on the asynchronous list in order,
// starting after the sentinel. The caller holds the guard; fn must not
// change the list.
func (c *Controller) eachAsync(fn func(e *endpoint)) {
	for l := c.qhs.get(c.async).link; l.Index != c.async; {
		q := c.qhs.get(l.Index)
		if q == nil {
			return
		}
		next := q.link
		if q.ep != nil {
			fn(q.ep)
		}
		l = next
	}
}

// ringDoorbell asks the controller to acknowledge that it no longer holds a
// cached pointer into the asynchronous list, then waits according to the
// configured doorbell mode. The caller must not hold the guard.
func (c *Controller) ringDoorbell(ctx context.Context) error {
	if !c.running() || c.regs.read(regUSBCmd)&cmdAsyncEn == 0 {
		return nil
	}
	c.regs.set(regUSBCmd, cmdDoorbell)
	var timeout = c.cfg.DoorbellTimeout
	switch c.cfg.Doorbell {
	case DoorbellAssume:
		return nil
	case DoorbellTrust:
		timeout = 0
	}
	err := poll(ctx, timeout, c.cfg.PollInterval, func() bool {
		return c.regs.read(regUSBSts)&stsAsyncAdv != 0
	})
	c.regs.write(regUSBSts, stsAsyncAdv)
	if err != nil {
		pkg.LogWarn(pkg.ComponentSchedule, "async advance not acknowledged", "mode", c.cfg.Doorbell.String(), "error", err)
		return fmt.Errorf("async doorbell: %w", err)
	}
	return nil
}
