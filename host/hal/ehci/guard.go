package ehci

import "sync"

// guard is the non-blocking exclusion region shared by task context and the
// interrupt path. It protects descriptor pools, schedule memory, endpoint
// transfer chains and the active periodic list.
//
// lock masks the controller interrupt line through a nesting counter and
// excludes ServiceInterrupt; only the outermost unlock re-arms interrupts.
// The task-context semaphore is separate and never taken by the interrupt
// path.
type guard struct {
	mu sync.Mutex

	imu     sync.Mutex // depth, armed, latched
	depth   int
	armed   bool
	latched uint32
	regs    regs
}

func (g *guard) lock() {
	g.mu.Lock()
	g.disable()
}

func (g *guard) unlock() {
	g.enable()
	g.mu.Unlock()
}

// disable increments the nesting counter, masking USBINTR on the first call.
func (g *guard) disable() {
	g.imu.Lock()
	defer g.imu.Unlock()
	g.depth++
	if g.depth == 1 && g.armed {
		g.regs.write(regUSBIntr, 0)
	}
}

// enable decrements the nesting counter, restoring USBINTR on the last call.
func (g *guard) enable() {
	g.imu.Lock()
	defer g.imu.Unlock()
	if g.depth == 0 {
		return
	}
	g.depth--
	if g.depth == 0 && g.armed {
		g.regs.write(regUSBIntr, intrEnableMask)
	}
}

// arm starts or stops interrupt delivery when the nesting counter is zero.
func (g *guard) arm(on bool) {
	g.imu.Lock()
	defer g.imu.Unlock()
	g.armed = on
	switch {
	case !on:
		g.regs.write(regUSBIntr, 0)
	case g.depth == 0:
		g.regs.write(regUSBIntr, intrEnableMask)
	}
}

// latch acknowledges and records pending enabled status bits.
func (g *guard) latch() {
	g.imu.Lock()
	defer g.imu.Unlock()
	sts := g.regs.read(regUSBSts) & intrEnableMask
	if sts != 0 {
		g.regs.write(regUSBSts, sts)
		g.latched |= sts
	}
}

// take returns and clears the latched status bits.
func (g *guard) take() uint32 {
	g.imu.Lock()
	defer g.imu.Unlock()
	sts := g.latched
	g.latched = 0
	return sts
}

func (g *guard) nesting() int {
	g.imu.Lock()
	defer g.imu.Unlock()
	return g.depth
}
