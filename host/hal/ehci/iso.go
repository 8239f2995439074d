package ehci

import (
	"context"
	"fmt"

	"github.com/ardnew/softehci/pkg"
)

// Split isochronous payload per microframe.
const (
	isoOutSplitMax = 188
	isoInSplitMax  = 192
	maxCompletes   = 6
)

// siTD OUT transaction positions.
const (
	tpAll   = 0
	tpBegin = 1
)

// isoReq tracks one admitted isochronous request.
type isoReq struct {
	req     *Request
	offsets []int
	placed  int // packets written into descriptors
	retired int // packets reported back
}

// isoPart maps a descriptor transaction back to its request packet.
type isoPart struct {
	req    *isoReq
	packet int
	uframe int
}

// isoSlot is one ring entry. The descriptor is allocated at open and reused.
type isoSlot struct {
	td    Handle
	frame int
	busy  bool
	parts []isoPart
}

// isoRing is the per-pipe descriptor ring and request queue. One slot is
// always left free so head never catches tail.
type isoRing struct {
	highSpeed bool
	slots     []isoSlot
	head      int
	tail      int
	inFlight  int
	frame     int
	started   bool
	queue     []*isoReq
	max       int
	noMore    bool
}

func (r *isoRing) idle() bool { return len(r.queue) == 0 && r.inFlight == 0 }

// filling returns the oldest request with packets not yet placed.
func (r *isoRing) filling() *isoReq {
	for _, q := range r.queue {
		if q.placed < len(q.req.Iso) {
			return q
		}
	}
	return nil
}

// openIso allocates the descriptor ring of an isochronous pipe. On failure
// nothing stays allocated.
func (c *Controller) openIso(e *endpoint) error {
	r := &isoRing{
		highSpeed: !e.split(),
		slots:     make([]isoSlot, c.cfg.IsoRingSize),
		max:       c.cfg.IsoMaxPending,
		noMore:    true,
	}
	for i := range r.slots {
		r.slots[i].td = noHandle
	}
	for i := range r.slots {
		var (
			h   Handle
			err error
		)
		if r.highSpeed {
			h, _, err = c.itds.alloc()
		} else {
			h, _, err = c.sitds.alloc()
		}
		if err != nil {
			e.iso = r
			c.freeIso(e)
			return fmt.Errorf("isochronous ring %s: %w", e, err)
		}
		r.slots[i].td = h
	}
	e.iso = r
	return nil
}

// freeIso returns the ring's descriptors to their pool.
func (c *Controller) freeIso(e *endpoint) {
	r := e.iso
	if r == nil {
		return
	}
	for i := range r.slots {
		h := r.slots[i].td
		if h == noHandle {
			continue
		}
		var err error
		if r.highSpeed {
			err = c.itds.release(h)
		} else {
			err = c.sitds.release(h)
		}
		if err != nil {
			pkg.LogWarn(pkg.ComponentPool, "iso descriptor release failed", "endpoint", e.String(), "error", err)
		}
		r.slots[i].td = noHandle
	}
	e.iso = nil
}

// splitIsoMasks computes the start- and complete-split masks of a full or
// low speed isochronous endpoint in frame, choosing the least loaded
// microframe. OUT data goes out in 188-byte start-splits; IN data returns
// in 192-byte complete-splits, plus one for a NYET on the first.
func (s *periodicSchedule) splitIsoMasks(e *endpoint, frame, period int) bool {
	maxp := e.maxPacket
	if e.isIn() {
		cs := (maxp + isoInSplitMax - 1) / isoInSplitMax
		if cs == 0 {
			cs = 1
		}
		if cs < maxCompletes {
			cs++
		}
		best := -1
		for i := 2; i+cs <= 8; i++ {
			mask := uint8((1<<cs)-1) << i
			if !s.maskFits(frame, period, mask, e.load) {
				continue
			}
			if best < 0 || s.uframeLoad[frame][i] < s.uframeLoad[frame][best] {
				best = i
			}
		}
		if best < 0 {
			return false
		}
		e.uframe = best - 2
		e.smask = 1 << (best - 2)
		e.cmask = uint8((1<<cs)-1) << best
		e.budget = e.cmask
		e.ssplit = 0
		return true
	}
	cs := (maxp + isoOutSplitMax - 1) / isoOutSplitMax
	if cs == 0 {
		cs = 1
	}
	best := -1
	for i := 0; i+cs < 8; i++ {
		mask := uint8((1<<cs)-1) << (i + 1)
		if !s.maskFits(frame, period, mask, e.load) {
			continue
		}
		if best < 0 || s.uframeLoad[frame][i+1] < s.uframeLoad[frame][best+1] {
			best = i
		}
	}
	if best < 0 {
		return false
	}
	e.uframe = best + 1
	e.smask = uint8((1<<cs)-1) << (best + 1)
	e.cmask = 0
	e.budget = e.smask
	e.ssplit = uint32(cs)
	if cs > 1 {
		e.ssplit |= tpBegin << sitdTPShift
	} else {
		e.ssplit |= tpAll << sitdTPShift
	}
	return true
}

// scheduleIso computes the placement of an isochronous endpoint and charges
// the ledgers. Descriptors are linked per frame as they are filled.
func (c *Controller) scheduleIso(e *endpoint) error {
	period := normalizePeriod(e.interval)
	frame := c.sched.findBestFrame(period, e.load)
	if frame == noFrame {
		return fmt.Errorf("isochronous endpoint %s load %d: %w", e, e.load, pkg.ErrBandwidth)
	}
	var ok bool
	if e.split() {
		ok = c.sched.splitIsoMasks(e, frame, period)
	} else {
		ok = c.sched.placeInterrupt(e, frame, period)
	}
	if !ok {
		return fmt.Errorf("isochronous endpoint %s frame %d: no microframe: %w", e, frame, pkg.ErrBandwidth)
	}
	e.period, e.frame = period, frame
	c.sched.charge(e, true)
	e.state = stateReady
	pkg.LogDebug(pkg.ComponentSchedule, "isochronous endpoint placed",
		"endpoint", e.String(), "period", period, "frame", frame,
		"smask", e.smask, "cmask", e.cmask)
	return nil
}

// unscheduleIso returns an isochronous endpoint's load.
func (c *Controller) unscheduleIso(e *endpoint) {
	c.sched.charge(e, false)
	e.state = stateNotReady
}

// currentFrame returns the frame list index the controller is executing.
func (c *Controller) currentFrame() int {
	return int(c.regs.read(regFrIndex)>>3) & (frameListSize - 1)
}

// frameDistance returns how many frames ahead of now frame lies.
func frameDistance(now, frame int) int {
	return (frame - now + frameListSize) % frameListSize
}

// framePassed reports whether frame is in the recent past relative to now.
func framePassed(now, frame int) bool {
	d := frameDistance(frame, now)
	return d != 0 && d < frameListSize/2
}

// alignFrame returns the first frame at or after start that the endpoint
// occupies.
func alignFrame(start, frame, period int) int {
	for (start-frame+frameListSize)%period != 0 {
		start++
	}
	return start % frameListSize
}

// validateIso checks the packet list of an isochronous request.
func validateIso(e *endpoint, r *Request) ([]int, error) {
	if len(r.Iso) == 0 {
		return nil, fmt.Errorf("isochronous request without packets: %w", pkg.ErrInvalidParameter)
	}
	limit := e.maxPacket
	if !e.split() {
		limit *= int(e.mult)
	}
	offsets := make([]int, len(r.Iso))
	off := 0
	for i, p := range r.Iso {
		if p.Length < 0 || p.Length > limit {
			return nil, fmt.Errorf("isochronous packet %d length %d: %w", i, p.Length, pkg.ErrInvalidParameter)
		}
		offsets[i] = off
		off += p.Length
	}
	if off > len(r.Data) {
		return nil, fmt.Errorf("isochronous packets need %d bytes, have %d: %w", off, len(r.Data), pkg.ErrInvalidParameter)
	}
	return offsets, nil
}

// submitIso admits an isochronous request and fills free ring slots.
// The caller holds the semaphore.
func (c *Controller) submitIso(e *endpoint, r *Request) error {
	offsets, err := validateIso(e, r)
	if err != nil {
		return err
	}
	c.guard.lock()
	defer c.guard.unlock()
	ring := e.iso
	if len(ring.queue) >= ring.max {
		return fmt.Errorf("isochronous endpoint %s has %d requests: %w", e, len(ring.queue), pkg.ErrNoResources)
	}
	if err := c.activate(e); err != nil {
		return err
	}
	if e.state == stateNotReady {
		if err := c.scheduleIso(e); err != nil {
			if ring.idle() {
				c.deactivate(e)
			}
			return err
		}
	}
	for i := range r.Iso {
		r.Iso[i].Actual = 0
		r.Iso[i].Status = pkg.TransferStatusSuccess
	}
	ring.queue = append(ring.queue, &isoReq{req: r, offsets: offsets})
	ring.noMore = false
	if ring.inFlight == 0 {
		ring.started = false
	}
	if !ring.started {
		ring.frame = alignFrame(c.currentFrame()+2, e.frame, e.period)
		ring.started = true
	}
	c.fillIso(e, len(ring.slots))
	return nil
}

// fillIso writes up to budget descriptors for queued packets and links them
// at the head of their frames. Descriptors are never placed more than half
// the frame list ahead of the controller.
func (c *Controller) fillIso(e *endpoint, budget int) {
	r := e.iso
	now := c.currentFrame()
	if framePassed(now, r.frame) || r.frame == now {
		r.frame = alignFrame(now+2, e.frame, e.period)
	}
	for budget > 0 && r.inFlight < len(r.slots)-1 {
		q := r.filling()
		if q == nil {
			r.noMore = true
			return
		}
		if frameDistance(now, r.frame) >= frameListSize/2 {
			return
		}
		s := &r.slots[r.head]
		s.frame = r.frame
		s.busy = true
		s.parts = s.parts[:0]
		if r.highSpeed {
			c.fillITD(e, s, q)
			c.linkFrameHead(s.frame, itdLink(s.td))
		} else {
			c.fillSITD(e, s, q)
			c.linkFrameHead(s.frame, sitdLink(s.td))
		}
		r.frame = (r.frame + e.period) % frameListSize
		r.head = (r.head + 1) % len(r.slots)
		r.inFlight++
		budget--
	}
}

// packetAddr returns the bus address of a request packet.
func (c *Controller) packetAddr(q *isoReq, packet int) uint32 {
	if len(q.req.Data) == 0 {
		return 0
	}
	return c.mem.Addr(q.req.Data) + uint32(q.offsets[packet])
}

// fillITD places the next packets of q into the microframes of an iTD.
func (c *Controller) fillITD(e *endpoint, s *isoSlot, q *isoReq) {
	d := c.itds.get(s.td)
	*d = itd{link: terminate, frame: s.frame}
	var (
		base uint32
		last = -1
	)
	for uf := 0; uf < 8 && q.placed < len(q.req.Iso); uf++ {
		if e.smask&(1<<uf) == 0 {
			continue
		}
		p := q.placed
		addr := c.packetAddr(q, p)
		if last < 0 {
			base = addr &^ pageMask
		}
		length := q.req.Iso[p].Length
		d.trans[uf] = makeITDTrans(length, int((addr-base)/pageSize), addr&pageMask, false)
		s.parts = append(s.parts, isoPart{req: q, packet: p, uframe: uf})
		q.placed++
		last = uf
	}
	if last >= 0 {
		d.trans[last] |= itdIOC
	}
	for i := range d.buffer {
		d.buffer[i] = base + uint32(i)*pageSize
	}
	d.buffer[0] |= uint32(e.cfg.Address&0x7f) | uint32(e.cfg.Endpoint&0x0f)<<itdEndptShift
	d.buffer[1] |= uint32(e.maxPacket) & 0x7ff
	if e.isIn() {
		d.buffer[1] |= itdDirIn
	}
	d.buffer[2] |= e.mult & itdMultMask
}

// fillSITD places the next packet of q into a siTD.
func (c *Controller) fillSITD(e *endpoint, s *isoSlot, q *isoReq) {
	d := c.sitds.get(s.td)
	p := q.placed
	addr := c.packetAddr(q, p)
	length := q.req.Iso[p].Length
	*d = sitd{link: terminate, back: terminate, frame: s.frame, packet: p, length: length}
	d.char = uint32(e.cfg.Address&0x7f) |
		uint32(e.cfg.Endpoint&0x0f)<<sitdEndptShift |
		uint32(e.cfg.HubAddress&0x7f)<<sitdHubShift |
		uint32(e.cfg.HubPort&0x7f)<<sitdPortShift
	if e.isIn() {
		d.char |= sitdDirIn
	}
	d.sched = uint32(e.cmask)<<8 | uint32(e.smask)
	d.results = sitdActive | sitdIOC | uint32(length&sitdLenMask)<<sitdLenShift
	d.buffer[0] = addr
	end := addr
	if length > 0 {
		end += uint32(length - 1)
	}
	d.buffer[1] = end &^ pageMask
	if !e.isIn() {
		d.buffer[1] |= e.ssplit
	}
	s.parts = append(s.parts, isoPart{req: q, packet: p})
	q.placed++
}

// slotActive reports whether the controller still owns any transaction of
// the slot's descriptor.
func (c *Controller) slotActive(r *isoRing, s *isoSlot) bool {
	if r.highSpeed {
		c.loadITD(s.td)
		d := c.itds.get(s.td)
		for _, part := range s.parts {
			if d.trans[part.uframe].Active() {
				return true
			}
		}
		return false
	}
	c.loadSITD(s.td)
	return c.sitds.get(s.td).Active()
}

// retireSlot unlinks a slot's descriptor and reports each transaction.
// Transactions still active when their frame has passed are reported as
// timed out.
func (c *Controller) retireSlot(e *endpoint, s *isoSlot) {
	r := e.iso
	in := e.isIn()
	if r.highSpeed {
		d := c.itds.get(s.td)
		c.unlinkFrame(s.frame, itdLink(s.td))
		for _, part := range s.parts {
			t := d.trans[part.uframe]
			pkt := &part.req.req.Iso[part.packet]
			switch {
			case t.Active():
				pkt.Status, pkt.Actual = pkg.TransferStatusTimeout, 0
			case in:
				pkt.Status, pkt.Actual = itdStatus(t, true), t.Length()
			default:
				pkt.Status, pkt.Actual = itdStatus(t, false), pkt.Length
				if pkt.Status != pkg.TransferStatusSuccess {
					pkt.Actual = 0
				}
			}
			d.trans[part.uframe] &^= itdActive
			part.req.retired++
		}
	} else {
		d := c.sitds.get(s.td)
		c.unlinkFrame(s.frame, sitdLink(s.td))
		for _, part := range s.parts {
			pkt := &part.req.req.Iso[part.packet]
			if d.Active() {
				pkt.Status, pkt.Actual = pkg.TransferStatusTimeout, 0
			} else {
				pkt.Status = sitdStatus(d.Status(), in)
				pkt.Actual = d.length - d.Remaining()
				if pkt.Actual < 0 {
					pkt.Actual = 0
				}
			}
			part.req.retired++
		}
		d.results &^= sitdActive
	}
	s.parts = s.parts[:0]
	s.busy = false
}

// completeIso finishes requests at the front of the queue whose packets
// have all been reported.
func (c *Controller) completeIso(e *endpoint) {
	r := e.iso
	for len(r.queue) > 0 {
		q := r.queue[0]
		if q.retired < len(q.req.Iso) {
			return
		}
		status := pkg.TransferStatusSuccess
		actual := 0
		for _, p := range q.req.Iso {
			actual += p.Actual
			if status == pkg.TransferStatusSuccess && p.Status != pkg.TransferStatusSuccess {
				status = p.Status
			}
		}
		r.queue[0] = nil
		r.queue = r.queue[1:]
		if q.req.finish(status, actual, nil) {
			c.done.push(q.req)
		}
		pkg.LogDebug(pkg.ComponentTransfer, "isochronous request retired", "endpoint", e.String(),
			"status", status.String(), "actual", actual, "packets", len(q.req.Iso))
	}
	if len(r.queue) == 0 {
		r.queue = nil
	}
}

// scanIso retires finished ring slots in order, completes requests and
// refills one slot for each slot retired. A slot whose frame is in progress
// gets a bounded wait; a slot still active after its frame has passed is
// retired as timed out. The caller holds the guard.
func (c *Controller) scanIso(e *endpoint) {
	r := e.iso
	now := c.currentFrame()
	retired := 0
	for r.inFlight > 0 {
		s := &r.slots[r.tail]
		if c.slotActive(r, s) {
			if s.frame == now {
				err := poll(context.Background(), c.cfg.IsoTokenTimeout, c.cfg.PollInterval, func() bool {
					return !c.slotActive(r, s)
				})
				if err != nil {
					break
				}
			} else if !framePassed(now, s.frame) {
				break
			}
		}
		c.retireSlot(e, s)
		r.tail = (r.tail + 1) % len(r.slots)
		r.inFlight--
		retired++
	}
	c.completeIso(e)
	if retired > 0 && !r.noMore {
		c.fillIso(e, retired)
	}
}

// cancelIso unlinks every in-flight descriptor and completes every queued
// request with status, oldest first. The periodic schedule must be stopped.
// The caller holds the guard.
func (c *Controller) cancelIso(e *endpoint, status pkg.TransferStatus) int {
	r := e.iso
	for r.inFlight > 0 {
		s := &r.slots[r.tail]
		if r.highSpeed {
			d := c.itds.get(s.td)
			c.unlinkFrame(s.frame, itdLink(s.td))
			for i := range d.trans {
				d.trans[i] &^= itdActive
			}
		} else {
			d := c.sitds.get(s.td)
			c.unlinkFrame(s.frame, sitdLink(s.td))
			d.results &^= sitdActive
		}
		s.parts = s.parts[:0]
		s.busy = false
		r.tail = (r.tail + 1) % len(r.slots)
		r.inFlight--
	}
	n := 0
	for _, q := range r.queue {
		actual := 0
		for i := range q.req.Iso {
			p := &q.req.Iso[i]
			if i >= q.retired {
				p.Status, p.Actual = status, 0
			}
			actual += p.Actual
		}
		if q.req.finish(status, actual, nil) {
			c.done.push(q.req)
			n++
		}
	}
	r.queue = nil
	r.head, r.tail = 0, 0
	r.started = false
	r.noMore = true
	return n
}
