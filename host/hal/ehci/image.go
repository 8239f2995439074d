package ehci

import "encoding/binary"

// The controller sees descriptors only through their backing bytes. Every
// put below runs under the guard; a descriptor body is put before any link
// to it, and words the controller writes back are loaded before they are
// examined.

// QH image offsets.
const (
	qhOffNext    = 16
	qhOffToken   = 24
	qhOffOverlay = 12
	qhOffBuffer  = 28
)

// putQH writes the full image of a queue head that the controller is not
// executing.
func (c *Controller) putQH(h Handle) {
	if q, b := c.qhs.get(h), c.qhs.bytes(h); q != nil && b != nil {
		q.MarshalTo(b, c)
	}
}

// putQHLink writes the horizontal link of a queue head.
func (c *Controller) putQHLink(h Handle) {
	if q, b := c.qhs.get(h), c.qhs.bytes(h); q != nil && b != nil {
		binary.LittleEndian.PutUint32(b, c.linkWord(q.link))
	}
}

// putQHNext writes the overlay next-qTD pointer. The controller follows it
// once the overlay is inactive and not halted.
func (c *Controller) putQHNext(h Handle) {
	if q, b := c.qhs.get(h), c.qhs.bytes(h); q != nil && b != nil {
		binary.LittleEndian.PutUint32(b[qhOffNext:], c.linkWord(q.next))
	}
}

// putOverlay writes the transfer overlay, token last.
func (c *Controller) putOverlay(h Handle) {
	q, b := c.qhs.get(h), c.qhs.bytes(h)
	if q == nil || b == nil {
		return
	}
	var img [qhHWSize]byte
	q.MarshalTo(img[:], c)
	copy(b[qhOffOverlay:qhOffToken], img[qhOffOverlay:qhOffToken])
	copy(b[qhOffBuffer:], img[qhOffBuffer:])
	copy(b[qhOffToken:qhOffBuffer], img[qhOffToken:qhOffBuffer])
}

// loadQH refreshes the overlay token, which carries the data toggle.
func (c *Controller) loadQH(h Handle) {
	if q, b := c.qhs.get(h), c.qhs.bytes(h); q != nil && b != nil {
		q.token = Token(binary.LittleEndian.Uint32(b[qhOffToken:]))
	}
}

// resetOverlay clears a queue head's overlay, keeping the toggle the
// controller last wrote.
func (c *Controller) resetOverlay(h Handle) {
	q := c.qhs.get(h)
	if q == nil {
		return
	}
	c.loadQH(h)
	q.resetOverlay()
	c.putOverlay(h)
}

func (c *Controller) putQTD(h Handle) {
	if q, b := c.qtds.get(h), c.qtds.bytes(h); q != nil && b != nil {
		q.MarshalTo(b, c)
	}
}

func (c *Controller) loadQTD(h Handle) {
	if q, b := c.qtds.get(h), c.qtds.bytes(h); q != nil && b != nil {
		q.token = Token(binary.LittleEndian.Uint32(b[8:]))
	}
}

// putBurst writes a burst's qTDs from last to first, so each is complete
// before its predecessor points at it.
func (c *Controller) putBurst(b *burst) {
	for i := len(b.qtds) - 1; i >= 0; i-- {
		c.putQTD(b.qtds[i])
	}
}

func (c *Controller) putITD(h Handle) {
	if d, b := c.itds.get(h), c.itds.bytes(h); d != nil && b != nil {
		d.MarshalTo(b, c)
	}
}

func (c *Controller) loadITD(h Handle) {
	if d, b := c.itds.get(h), c.itds.bytes(h); d != nil && b != nil {
		for i := range d.trans {
			d.trans[i] = itdTrans(binary.LittleEndian.Uint32(b[4+4*i:]))
		}
	}
}

func (c *Controller) putSITD(h Handle) {
	if d, b := c.sitds.get(h), c.sitds.bytes(h); d != nil && b != nil {
		d.MarshalTo(b, c)
	}
}

func (c *Controller) loadSITD(h Handle) {
	if d, b := c.sitds.get(h), c.sitds.bytes(h); d != nil && b != nil {
		d.results = binary.LittleEndian.Uint32(b[12:])
	}
}

// putElement writes the full image of a periodic schedule element.
func (c *Controller) putElement(l Link) {
	switch l.Type {
	case LinkQH:
		c.putQH(l.Index)
	case LinkITD:
		c.putITD(l.Index)
	case LinkSITD:
		c.putSITD(l.Index)
	}
}

// putNext writes the link word that owner holds. A terminate owner stands
// for frame list entry frame.
func (c *Controller) putNext(owner Link, frame int) {
	var b []byte
	switch owner.Type {
	case LinkTerminate:
		c.putFrame(frame)
		return
	case LinkQH:
		b = c.qhs.bytes(owner.Index)
	case LinkITD:
		b = c.itds.bytes(owner.Index)
	case LinkSITD:
		b = c.sitds.bytes(owner.Index)
	}
	if b != nil {
		binary.LittleEndian.PutUint32(b, c.linkWord(*c.nextOf(owner)))
	}
}

// putFrame writes frame list entry i.
func (c *Controller) putFrame(i int) {
	if b := c.sched.block.Bytes; len(b) >= frameListSpan {
		binary.LittleEndian.PutUint32(b[4*i:], c.linkWord(c.sched.frames[i]))
	}
}

// resetSchedule terminates every frame list entry and clears the ledgers.
func (c *Controller) resetSchedule() {
	c.sched.reset()
	for i := range c.sched.frames {
		c.putFrame(i)
	}
}
