package ehci

import (
	"fmt"
	"math"

	"github.com/ardnew/softehci/pkg"
)

// Periodic schedule geometry. Bandwidth is in high-speed microseconds; 80%
// of each frame and microframe is available to periodic transfers.
const (
	frameListSize   = 1024
	frameBandwidth  = 800
	uframeBandwidth = frameBandwidth / 8
	noFrame         = frameListSize
	noUframe        = 8
)

// periodicSchedule holds the frame list and its bandwidth ledgers.
type periodicSchedule struct {
	frames     [frameListSize]Link
	frameLoad  [frameListSize]uint32
	uframeLoad [frameListSize][8]uint32
	block      Block
}

// reset terminates every frame and clears the ledgers.
func (s *periodicSchedule) reset() {
	for i := range s.frames {
		s.frames[i] = terminate
	}
	s.frameLoad = [frameListSize]uint32{}
	s.uframeLoad = [frameListSize][8]uint32{}
}

// normalizePeriod converts an interval in microframes to a frame period
// that is a power of two no larger than the frame list.
func normalizePeriod(uframes uint32) int {
	frames := int(uframes >> 3)
	if frames == 0 {
		return 1
	}
	p := 1
	for p<<1 <= frames && p<<1 <= frameListSize {
		p <<= 1
	}
	return p
}

// microframeStep returns the microframe spacing of a high-speed endpoint
// polled more than once per frame, or 8.
func microframeStep(uframes uint32) int {
	if uframes >= 8 {
		return 8
	}
	step := 1
	for step<<1 <= int(uframes) {
		step <<= 1
	}
	return step
}

// findBestFrame returns the least loaded starting frame in [0, period)
// whose every occurrence stays within the frame bandwidth, or noFrame.
func (s *periodicSchedule) findBestFrame(period int, load uint32) int {
	best, bestLoad := noFrame, uint32(math.MaxUint32)
	for i := 0; i < period; i++ {
		if s.frameLoad[i] >= bestLoad {
			continue
		}
		fits := true
		for j := i; j < frameListSize; j += period {
			if s.frameLoad[j]+load > frameBandwidth {
				fits = false
				break
			}
		}
		if fits {
			best, bestLoad = i, s.frameLoad[i]
		}
	}
	return best
}

// uframeFits reports whether load keeps microframe uf of every occurrence
// under its share of the periodic bandwidth.
func (s *periodicSchedule) uframeFits(frame, period, uf int, load uint32) bool {
	if uf < 0 || uf > 7 {
		return false
	}
	for j := frame; j < frameListSize; j += period {
		if s.uframeLoad[j][uf]+load >= uframeBandwidth {
			return false
		}
	}
	return true
}

// maskFits reports whether load fits every microframe set in mask.
func (s *periodicSchedule) maskFits(frame, period int, mask uint8, load uint32) bool {
	for uf := 0; uf < 8; uf++ {
		if mask&(1<<uf) != 0 && !s.uframeFits(frame, period, uf, load) {
			return false
		}
	}
	return true
}

// placeInterrupt chooses the microframe placement of an interrupt endpoint
// in the given frame and sets its masks. A start-split never lands after
// microframe 3 and is followed by up to three complete-splits.
func (s *periodicSchedule) placeInterrupt(e *endpoint, frame, period int) bool {
	if !e.split() {
		if step := microframeStep(e.interval); step < 8 {
			for start := 0; start < step; start++ {
				var mask uint8
				for uf := start; uf < 8; uf += step {
					mask |= 1 << uf
				}
				if s.maskFits(frame, period, mask, e.load) {
					e.uframe, e.smask, e.cmask, e.budget = start, mask, 0, mask
					return true
				}
			}
			return false
		}
	}
	for i := 1; i < 8; i++ {
		if e.split() && i > 4 {
			return false
		}
		if !s.uframeFits(frame, period, i, e.load) {
			continue
		}
		switch {
		case !e.split():
			e.uframe, e.smask, e.cmask, e.budget = i, 1<<i, 0, 1<<i
			return true
		case e.isIn():
			if i < 6 && s.uframeFits(frame, period, i+1, e.load) && s.uframeFits(frame, period, i+2, e.load) {
				uf := i - 1
				e.uframe = uf
				e.smask = 1 << uf
				e.cmask = completeSplits(uf)
				e.budget = e.cmask
				return true
			}
		default:
			e.uframe = i
			e.smask = 1 << i
			e.cmask = completeSplits(i)
			e.budget = e.smask
			return true
		}
	}
	return false
}

// completeSplits returns the three complete-split microframes that follow a
// start-split in uf, clipped to the frame.
func completeSplits(uf int) uint8 {
	var m uint8
	for k := uf + 1; k <= uf+3 && k < 8; k++ {
		m |= 1 << k
	}
	return m
}

// charge adds (or, with add false, removes) an endpoint's load at every
// frame and microframe it occupies. Removal clamps at zero.
func (s *periodicSchedule) charge(e *endpoint, add bool) {
	for j := e.frame; j < frameListSize; j += e.period {
		s.frameLoad[j] = adjustLoad(s.frameLoad[j], e.load, add)
		for uf := 0; uf < 8; uf++ {
			if e.budget&(1<<uf) != 0 {
				s.uframeLoad[j][uf] = adjustLoad(s.uframeLoad[j][uf], e.load, add)
			}
		}
	}
}

func adjustLoad(cur, load uint32, add bool) uint32 {
	if add {
		return cur + load
	}
	if load > cur {
		return 0
	}
	return cur - load
}

// scheduleInterrupt places an interrupt endpoint, charges the ledgers and
// links its queue head into every frame it occupies. On failure the ledgers
// are untouched. The caller holds the guard.
func (c *Controller) scheduleInterrupt(e *endpoint) error {
	period := normalizePeriod(e.interval)
	frame := c.sched.findBestFrame(period, e.load)
	if frame == noFrame {
		return fmt.Errorf("interrupt endpoint %s load %d: %w", e, e.load, pkg.ErrBandwidth)
	}
	if !c.sched.placeInterrupt(e, frame, period) {
		return fmt.Errorf("interrupt endpoint %s frame %d: no microframe: %w", e, frame, pkg.ErrBandwidth)
	}
	e.period, e.frame = period, frame
	c.qhs.get(e.qh).caps = e.capabilities()
	c.sched.charge(e, true)
	c.linkPeriodic(e)
	e.state = stateReady
	pkg.LogDebug(pkg.ComponentSchedule, "interrupt endpoint placed",
		"endpoint", e.String(), "period", period, "frame", frame,
		"uframe", e.uframe, "smask", e.smask, "cmask", e.cmask)
	return nil
}

// linkPeriodic links the queue head into each occupied frame. Within a
// frame, queue heads are ordered by decreasing period so that every frame
// shares the tail of the tree; iTDs and siTDs stay ahead of all queue heads.
// The queue head image is written before any frame points at it.
func (c *Controller) linkPeriodic(e *endpoint) {
	q := c.qhs.get(e.qh)
	q.link = terminate
	c.putQH(e.qh)
	for i := e.frame; i < frameListSize; i += e.period {
		prev, owner := &c.sched.frames[i], terminate
		linked := false
		for !prev.Terminate() {
			cur := *prev
			if cur.Type == LinkQH {
				if cur.Index == e.qh {
					linked = true
					break
				}
				if other := c.qhs.get(cur.Index).ep; other != nil && e.period > other.period {
					break
				}
			}
			prev, owner = c.nextOf(cur), cur
		}
		if !linked {
			q.link = *prev
			c.putQHLink(e.qh)
			*prev = qhLink(e.qh)
			c.putNext(owner, i)
		}
	}
}

// unschedulePeriodic unlinks a queue head from every frame and returns its
// load. The caller holds the guard with the periodic schedule stopped.
func (c *Controller) unschedulePeriodic(e *endpoint) {
	q := c.qhs.get(e.qh)
	for i := e.frame; i < frameListSize; i += e.period {
		prev, owner := &c.sched.frames[i], terminate
		for !prev.Terminate() {
			if prev.Type == LinkQH && prev.Index == e.qh {
				*prev = q.link
				c.putNext(owner, i)
				break
			}
			prev, owner = c.nextOf(*prev), *prev
		}
	}
	q.link = terminate
	c.sched.charge(e, false)
	e.state = stateNotReady
	pkg.LogDebug(pkg.ComponentSchedule, "periodic unlink", "endpoint", e.String())
}

// linkFrameHead writes an isochronous descriptor chained to the current
// head of frame, then makes it the head.
func (c *Controller) linkFrameHead(frame int, l Link) {
	*c.nextOf(l) = c.sched.frames[frame]
	c.putElement(l)
	c.sched.frames[frame] = l
	c.putFrame(frame)
}

// unlinkFrame removes an isochronous descriptor from a frame chain.
func (c *Controller) unlinkFrame(frame int, l Link) {
	prev, owner := &c.sched.frames[frame], terminate
	for !prev.Terminate() {
		if *prev == l {
			*prev = *c.nextOf(l)
			c.putNext(owner, frame)
			return
		}
		prev, owner = c.nextOf(*prev), *prev
	}
}

// activate adds an endpoint to the active periodic list, in insertion order.
func (c *Controller) activate(e *endpoint) error {
	for _, a := range c.periodic {
		if a == e {
			return nil
		}
	}
	if c.cfg.MaxPeriodic > 0 && len(c.periodic) >= c.cfg.MaxPeriodic {
		return fmt.Errorf("active periodic endpoints: %w", pkg.ErrNoResources)
	}
	c.periodic = append(c.periodic, e)
	return nil
}

// deactivate removes an endpoint from the active periodic list.
func (c *Controller) deactivate(e *endpoint) {
	for i, a := range c.periodic {
		if a == e {
			c.periodic = append(c.periodic[:i], c.periodic[i+1:]...)
			return
		}
	}
}
