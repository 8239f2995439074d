package ehci

import (
	"fmt"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
)

// Transfer decomposition limits.
const (
	qtdMaxData   = 16 * 1024
	qtdsPerBurst = 64
	burstSize    = qtdMaxData * qtdsPerBurst
	pageSize     = 4096
	pageMask     = pageSize - 1
)

type burstState uint8

const (
	burstIdle   burstState = iota // holds no descriptors
	burstReady                    // built, waiting to be linked
	burstActive                   // linked into the queue head
)

// burst is a chain of qTDs covering one contiguous chunk of a transfer.
type burst struct {
	index    int
	state    burstState
	qtds     []Handle
	length   int
	transfer *transfer
}

// transfer binds a Request to an endpoint while it executes. Bulk and
// interrupt transfers alternate between two bursts so one can be built
// while the other runs.
type transfer struct {
	ep      *endpoint
	req     *Request
	in      bool
	control bool
	offset  int  // first byte not yet placed in a burst
	actual  int  // bytes moved by retired bursts
	zlp     bool // trailing zero-length packet not yet placed
	cur     int  // index of the linked burst
	bursts  [2]burst
}

func newTransfer(e *endpoint, r *Request) *transfer {
	t := &transfer{ep: e, req: r}
	t.bursts[0].index = 0
	t.bursts[1].index = 1
	t.bursts[0].transfer = t
	t.bursts[1].transfer = t
	if e.kind() == hal.TransferControl {
		t.control = true
		t.in = r.Setup.IsIn()
	} else {
		t.in = e.isIn()
		n := len(r.Data)
		t.zlp = !t.in && r.ZeroPacket && n > 0 && n%e.maxPacket == 0
	}
	return t
}

// more reports whether data remains to be placed into a burst.
func (t *transfer) more() bool { return t.offset < len(t.req.Data) || t.zlp }

// fillQTD points a qTD's five page buffers at addr and returns how many of
// length bytes it can carry. Only the first page may start mid-page. When
// the pages run out the count is truncated to whole packets.
func fillQTD(q *qtd, addr uint32, length, maxPacket int) int {
	q.buffer = [qtdPages]uint32{}
	q.buffer[0] = addr
	count := pageSize - int(addr&pageMask)
	page := addr &^ pageMask
	for i := 1; i < qtdPages && count < length; i++ {
		page += pageSize
		q.buffer[i] = page
		count += pageSize
	}
	if count >= length {
		return length
	}
	if whole := count - count%maxPacket; whole > 0 {
		return whole
	}
	return count
}

// appendQTD allocates a qTD, chains it after the burst's last qTD and
// returns it. The caller fills in the buffers and token.
func (c *Controller) appendQTD(b *burst) (*qtd, error) {
	h, q, err := c.qtds.alloc()
	if err != nil {
		return nil, err
	}
	q.next = terminate
	q.altNext = terminate
	q.burst = b
	if n := len(b.qtds); n > 0 {
		c.qtds.get(b.qtds[n-1]).next = qtdLink(h)
	}
	b.qtds = append(b.qtds, h)
	return q, nil
}

// freeBurst returns a burst's qTDs to the pool.
func (c *Controller) freeBurst(b *burst) {
	for _, h := range b.qtds {
		if err := c.qtds.release(h); err != nil {
			pkg.LogWarn(pkg.ComponentPool, "qTD release failed", "error", err)
		}
	}
	b.qtds = b.qtds[:0]
	b.length = 0
	b.state = burstIdle
}

// altNextFor returns the alternate-next target for the endpoint's data qTDs.
func (c *Controller) altNextFor(e *endpoint) Link {
	if e.dummy != noHandle {
		return qtdLink(e.dummy)
	}
	return terminate
}

// prepareBurst builds the next chunk of a bulk or interrupt transfer into b.
// On failure every qTD allocated for b is released.
func (c *Controller) prepareBurst(t *transfer, b *burst) error {
	b.qtds = b.qtds[:0]
	b.length = 0
	data := t.req.Data
	size := len(data) - t.offset
	if size > burstSize {
		size = burstSize
	}
	pid := uint32(pidOut)
	if t.in {
		pid = pidIn
	}
	alt := c.altNextFor(t.ep)
	placed := 0
	for placed < size && len(b.qtds) < qtdsPerBurst {
		chunk := size - placed
		if chunk > qtdMaxData {
			chunk = qtdMaxData
		}
		q, err := c.appendQTD(b)
		if err != nil {
			c.freeBurst(b)
			return err
		}
		n := fillQTD(q, c.mem.Addr(data[t.offset+placed:]), chunk, t.ep.maxPacket)
		q.length = n
		q.data = true
		q.altNext = alt
		q.token = makeToken(pid, n, false, false)
		placed += n
	}
	t.offset += placed
	b.length = placed
	if (t.zlp && t.offset == len(data)) || len(b.qtds) == 0 {
		if len(b.qtds) < qtdsPerBurst {
			q, err := c.appendQTD(b)
			if err != nil {
				t.offset -= placed
				c.freeBurst(b)
				return err
			}
			q.data = true
			q.altNext = alt
			q.token = makeToken(pid, 0, false, false)
			t.zlp = false
		}
	}
	last := c.qtds.get(b.qtds[len(b.qtds)-1])
	last.token |= tokIOC
	last.next = terminate
	c.putBurst(b)
	b.state = burstReady
	return nil
}

// buildControl builds the setup, data and status stages of a control
// transfer into the first burst.
func (c *Controller) buildControl(t *transfer) error {
	b := &t.bursts[0]
	b.qtds = b.qtds[:0]
	t.req.Setup.MarshalTo(t.ep.setup.Bytes)

	q, err := c.appendQTD(b)
	if err != nil {
		return err
	}
	q.buffer[0] = t.ep.setup.Addr
	q.length = hal.SetupPacketSize
	q.token = makeToken(pidSetup, hal.SetupPacketSize, false, false)

	data := t.req.Data
	if n := int(t.req.Setup.Length); n < len(data) {
		data = data[:n]
	}
	pid := uint32(pidOut)
	if t.in {
		pid = pidIn
	}
	var stages []*qtd
	toggle := true
	for off := 0; off < len(data); {
		chunk := len(data) - off
		if chunk > qtdMaxData {
			chunk = qtdMaxData
		}
		q, err := c.appendQTD(b)
		if err != nil {
			c.freeBurst(b)
			return err
		}
		n := fillQTD(q, c.mem.Addr(data[off:]), chunk, t.ep.maxPacket)
		q.length = n
		q.data = true
		q.token = makeToken(pid, n, toggle, false)
		stages = append(stages, q)
		if packets := (n + t.ep.maxPacket - 1) / t.ep.maxPacket; packets%2 == 1 {
			toggle = !toggle
		}
		off += n
	}
	t.offset = len(data)
	b.length = len(data)

	status := uint32(pidIn)
	if t.in && len(data) > 0 {
		status = pidOut
	}
	q, err = c.appendQTD(b)
	if err != nil {
		c.freeBurst(b)
		return err
	}
	q.token = makeToken(status, 0, true, true)
	for _, s := range stages {
		s.altNext = qtdLink(b.qtds[len(b.qtds)-1])
	}
	c.putBurst(b)
	b.state = burstReady
	return nil
}

// linkBurst hands a built burst to the controller through the queue head
// overlay. The previous burst must already be retired.
func (c *Controller) linkBurst(t *transfer, b *burst) {
	q := c.qhs.get(t.ep.qh)
	q.next = qtdLink(b.qtds[0])
	c.putQHNext(t.ep.qh)
	b.state = burstActive
	t.cur = b.index
}

// startTransfer decomposes a request and links its first burst. A second
// burst is built ahead when data remains. The caller holds the guard.
func (c *Controller) startTransfer(e *endpoint, r *Request) error {
	t := newTransfer(e, r)
	if t.control {
		if err := c.buildControl(t); err != nil {
			return fmt.Errorf("control transfer %s: %w", e, err)
		}
	} else {
		if err := c.prepareBurst(t, &t.bursts[0]); err != nil {
			return fmt.Errorf("transfer %s: %w", e, err)
		}
		if t.more() {
			if err := c.prepareBurst(t, &t.bursts[1]); err != nil {
				pkg.LogDebug(pkg.ComponentTransfer, "second burst deferred", "endpoint", e.String(), "error", err)
			}
		}
	}
	c.linkBurst(t, &t.bursts[0])
	e.active = t
	pkg.LogDebug(pkg.ComponentTransfer, "transfer started", "endpoint", e.String(),
		"length", len(r.Data), "in", t.in, "qtds", len(t.bursts[0].qtds))
	return nil
}
