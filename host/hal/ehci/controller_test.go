package ehci

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
)

// =============================================================================
// Lifecycle tests
// =============================================================================

func TestInitialize(t *testing.T) {
	c, m := newTestController(t, testConfig())

	assert.True(t, c.Running())
	cmd := m.command()
	assert.Equal(t, uint32(cmdRun|cmdAsyncEn|cmdPeriodicEn), cmd&(cmdRun|cmdAsyncEn|cmdPeriodicEn))
	assert.Equal(t, uint32(defaultITC), cmd&cmdITCMask>>cmdITCShift)
	assert.Equal(t, uint32(intrEnableMask), m.interruptEnable())
	assert.Equal(t, uint32(1), m.Read32(mockOpBase+regConfigFlag))
	assert.Equal(t, c.sched.block.Addr, m.Read32(mockOpBase+regPeriodicBase))
	assert.Zero(t, c.sched.block.Addr%frameAlign)
	assert.Equal(t, c.qhs.addr(c.async), m.Read32(mockOpBase+regAsyncAddr))

	sentinel := c.qhs.get(c.async)
	assert.Equal(t, qhLink(c.async), sentinel.link)
	assert.True(t, sentinel.char.Head())
	for j := 0; j < frameListSize; j++ {
		require.Equal(t, uint32(linkTerminateBit), c.FrameWord(j))
	}

	assert.ErrorIs(t, c.Initialize(context.Background()), pkg.ErrAlreadyRunning)
}

func TestInitializeErrors(t *testing.T) {
	t.Run("version", func(t *testing.T) {
		m := newMockRegs(1)
		m.version = 0x0090
		c := New(m, testConfig())
		assert.ErrorIs(t, c.Initialize(context.Background()), pkg.ErrNotSupported)
		assert.False(t, c.Running())
	})
	t.Run("reset timeout", func(t *testing.T) {
		m := newMockRegs(1)
		m.stuckRst = true
		cfg := testConfig()
		cfg.ResetTimeout = time.Millisecond
		c := New(m, cfg)
		assert.ErrorIs(t, c.Initialize(context.Background()), pkg.ErrTimeout)
		assert.False(t, c.Running())
	})
	t.Run("frame list memory", func(t *testing.T) {
		cfg := testConfig()
		cfg.Memory = NewHeapMemory(frameListSpan - 1)
		c := New(newMockRegs(1), cfg)
		assert.ErrorIs(t, c.Initialize(context.Background()), pkg.ErrNoMemory)
	})
}

func TestUninitialize(t *testing.T) {
	mem := NewHeapMemory(0)
	cfg := testConfig()
	cfg.Memory = mem
	c, m := newTestController(t, cfg)
	ctx := context.Background()

	require.NoError(t, c.OpenPipe(ctx, bulkPipe(2, 0x81, 512)))
	require.NoError(t, c.OpenPipe(ctx, isoPipe(2, 0x83, 1024)))
	var rec recorder
	r := rec.request(make([]byte, 512))
	require.NoError(t, c.Submit(ctx, 2, 0x81, r))

	require.NoError(t, c.Uninitialize(ctx))
	require.Equal(t, 1, rec.count())
	assert.Equal(t, pkg.TransferStatusCancelled, r.Status)
	assert.False(t, c.Running())
	assert.Zero(t, mem.InUse(), "controller memory leaked")
	assert.Zero(t, m.command()&cmdRun)
	assert.Zero(t, m.interruptEnable())
	assert.Zero(t, m.Read32(mockOpBase+regConfigFlag))
	assert.Zero(t, c.index.len())

	assert.NoError(t, c.Uninitialize(ctx))
	assert.ErrorIs(t, c.OpenPipe(ctx, bulkPipe(2, 0x02, 512)), pkg.ErrNotRunning)
	assert.ErrorIs(t, c.Submit(ctx, 2, 0x81, rec.request(nil)), pkg.ErrNotRunning)
	_, err := c.PortStatus(1)
	assert.ErrorIs(t, err, pkg.ErrNotRunning)

	// A stopped controller can be initialized again.
	require.NoError(t, c.Initialize(ctx))
	assert.True(t, c.Running())
}

// =============================================================================
// Pipe management tests
// =============================================================================

func TestOpenPipeValidation(t *testing.T) {
	c, _ := newTestController(t, testConfig())
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(p *PipeConfig)
		wantErr error
	}{
		{"address", func(p *PipeConfig) { p.Address = 128 }, pkg.ErrInvalidParameter},
		{"endpoint", func(p *PipeConfig) { p.Endpoint = 0x11 }, pkg.ErrInvalidEndpoint},
		{"type", func(p *PipeConfig) { p.Type = 4 }, pkg.ErrInvalidParameter},
		{"speed", func(p *PipeConfig) { p.Speed = hal.SpeedUnknown }, pkg.ErrInvalidParameter},
		{"max packet", func(p *PipeConfig) { p.MaxPacket = 0x0800 }, pkg.ErrInvalidParameter},
		{"no translator", func(p *PipeConfig) { p.Speed = hal.SpeedFull }, pkg.ErrInvalidParameter},
		{"interval", func(p *PipeConfig) { p.Type = hal.TransferInterrupt }, pkg.ErrInvalidParameter},
		{"split iso packet", func(p *PipeConfig) {
			p.Type, p.Speed, p.HubAddress = hal.TransferIsochronous, hal.SpeedFull, 3
			p.MaxPacket, p.Interval = 1024, time.Millisecond
		}, pkg.ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := bulkPipe(2, 0x81, 512)
			tt.mutate(&p)
			assert.ErrorIs(t, c.OpenPipe(ctx, p), tt.wantErr)
		})
	}
	assert.Zero(t, c.index.len())
}

func TestOpenClosePipe(t *testing.T) {
	c, _ := newTestController(t, testConfig())
	ctx := context.Background()

	require.NoError(t, c.OpenPipe(ctx, bulkPipe(2, 0x81, 512)))
	assert.ErrorIs(t, c.OpenPipe(ctx, bulkPipe(2, 0x81, 64)), pkg.ErrDuplicate)
	require.NoError(t, c.OpenPipe(ctx, bulkPipe(2, 0x01, 512)), "OUT endpoint shares the number")
	assert.Equal(t, 3, c.qhs.inUse())
	assert.Equal(t, 1, c.qtds.inUse(), "only the IN pipe has a dummy")

	e := c.endpointFor(2, 0x81)
	q := c.qhs.get(e.qh)
	assert.Equal(t, uint8(2), q.char.Address())
	assert.Equal(t, uint8(1), q.char.Endpoint())
	assert.Equal(t, uint32(epsHigh), q.char.Speed())
	assert.Equal(t, 512, q.char.MaxPacket())
	assert.Equal(t, uint8(defaultNakRL), q.char.NakReload())
	assert.Equal(t, uint32(1), q.caps.Mult())
	assert.Same(t, e, q.ep)

	var rec recorder
	r := rec.request(make([]byte, 512))
	require.NoError(t, c.Submit(ctx, 2, 0x81, r))
	assert.Equal(t, stateReady, e.state)
	assert.Equal(t, qhLink(e.qh), c.qhs.get(c.async).link)

	require.NoError(t, c.ClosePipe(ctx, 2, 0x81))
	require.Equal(t, 1, rec.count())
	assert.Equal(t, pkg.TransferStatusCancelled, r.Status)
	assert.Equal(t, qhLink(c.async), c.qhs.get(c.async).link)
	assert.Nil(t, c.endpointFor(2, 0x81))

	require.NoError(t, c.ClosePipe(ctx, 2, 0x81))
	assert.Equal(t, 1, rec.count(), "second close completed the request again")
	assert.Equal(t, 2, c.qhs.inUse())
	assert.Zero(t, c.qtds.inUse())
}

func TestModifyPipe(t *testing.T) {
	c, _ := newTestController(t, testConfig())
	ctx := context.Background()

	e, err := submitInterrupt(t, c, interruptPipe(2, 0x81, 8*microframe, 10))
	require.NoError(t, err)
	require.Equal(t, 1, e.period)

	p := interruptPipe(0, 0, 64*microframe, 20)
	p.Speed = hal.SpeedUnknown
	require.NoError(t, c.ModifyPipe(ctx, 2, 0x81, p))

	m := c.endpointFor(2, 0x81)
	require.NotNil(t, m)
	assert.NotSame(t, e, m)
	assert.Equal(t, hal.SpeedHigh, m.cfg.Speed)
	assert.Equal(t, uint32(64), m.interval)
	assert.Equal(t, stateNotReady, m.state)
	for j := 0; j < frameListSize; j++ {
		require.Zero(t, c.sched.frameLoad[j])
	}

	assert.ErrorIs(t, c.ModifyPipe(ctx, 3, 0x81, p), pkg.ErrNotFound)
}

// =============================================================================
// Submission tests
// =============================================================================

func TestSubmitErrors(t *testing.T) {
	c, _ := newTestController(t, testConfig())
	ctx := context.Background()
	require.NoError(t, c.OpenPipe(ctx, controlPipe(2, 64)))

	var rec recorder
	assert.ErrorIs(t, c.Submit(ctx, 3, 0, rec.request(nil)), pkg.ErrNotFound)
	assert.ErrorIs(t, c.Submit(ctx, 2, 0, rec.request(nil)), pkg.ErrInvalidParameter)
	assert.ErrorIs(t, c.Submit(ctx, 2, 0, nil), pkg.ErrInvalidParameter)

	first := rec.request(nil)
	first.Setup = &hal.SetupPacket{Request: reqSetConfiguration, Value: 1}
	require.NoError(t, c.Submit(ctx, 2, 0, first))
	second := rec.request(nil)
	second.Setup = first.Setup
	assert.ErrorIs(t, c.Submit(ctx, 2, 0, second), pkg.ErrBusy)
	assert.Zero(t, rec.count())
}

func TestSubmitOrder(t *testing.T) {
	c, m := newTestController(t, testConfig())
	ctx := context.Background()
	require.NoError(t, c.OpenPipe(ctx, bulkPipe(2, 0x02, 512)))
	e := c.endpointFor(2, 0x02)

	var rec recorder
	first := rec.request(make([]byte, 100))
	second := rec.request(make([]byte, 200))
	require.NoError(t, c.Submit(ctx, 2, 0x02, first))
	require.NoError(t, c.Submit(ctx, 2, 0x02, second))
	assert.Len(t, e.pending, 1)

	execute(c, e, -1, 0)
	interrupt(c, m)
	require.Equal(t, 1, rec.count())
	assert.Same(t, first, rec.at(0))
	require.NotNil(t, e.active)
	assert.Same(t, second, e.active.req)
	assert.Empty(t, e.pending)

	execute(c, e, -1, 0)
	interrupt(c, m)
	require.Equal(t, 2, rec.count())
	assert.Same(t, second, rec.at(1))
	assert.Equal(t, 200, second.Actual)
}

func TestCallbackResubmits(t *testing.T) {
	c, m := newTestController(t, testConfig())
	ctx := context.Background()
	require.NoError(t, c.OpenPipe(ctx, bulkPipe(2, 0x81, 512)))
	e := c.endpointFor(2, 0x81)

	var (
		mu    sync.Mutex
		count int
		errs  []error
	)
	var r *Request
	r = &Request{Data: make([]byte, 512), Callback: func(done *Request) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n < 3 {
			if err := c.Submit(ctx, 2, 0x81, r); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}
	}}
	require.NoError(t, c.Submit(ctx, 2, 0x81, r))

	for i := 0; i < 3; i++ {
		execute(c, e, -1, 0)
		interrupt(c, m)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, count)
	assert.Empty(t, errs)
	assert.Nil(t, e.active)
}

func TestConcurrentSubmit(t *testing.T) {
	c, m := newTestController(t, testConfig())
	ctx := context.Background()

	const (
		pipes    = 8
		requests = 4
	)
	recs := make([]recorder, pipes)
	reqs := make([][]*Request, pipes)
	for i := 0; i < pipes; i++ {
		require.NoError(t, c.OpenPipe(ctx, bulkPipe(uint8(2+i), 0x02, 512)))
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < pipes; i++ {
		reqs[i] = make([]*Request, requests)
		for j := range reqs[i] {
			reqs[i][j] = recs[i].request(make([]byte, 64*(j+1)))
		}
		g.Go(func() error {
			for _, r := range reqs[i] {
				if err := c.Submit(gctx, uint8(2+i), 0x02, r); err != nil {
					return fmt.Errorf("pipe %d: %w", i, err)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for round := 0; round < requests; round++ {
		for i := 0; i < pipes; i++ {
			execute(c, c.endpointFor(uint8(2+i), 0x02), -1, 0)
		}
		interrupt(c, m)
	}
	for i := 0; i < pipes; i++ {
		require.Equal(t, requests, recs[i].count(), "pipe %d", i)
		for j := 0; j < requests; j++ {
			assert.Same(t, reqs[i][j], recs[i].at(j), "pipe %d request %d", i, j)
			assert.Equal(t, 64*(j+1), recs[i].at(j).Actual)
		}
	}
	assert.Zero(t, c.qtds.inUse())
}

// =============================================================================
// Flush and unlink tests
// =============================================================================

func TestFlushPipe(t *testing.T) {
	c, m := newTestController(t, testConfig())
	ctx := context.Background()
	require.NoError(t, c.OpenPipe(ctx, bulkPipe(2, 0x02, 512)))
	e := c.endpointFor(2, 0x02)

	var rec recorder
	const n = 4
	for i := 0; i < n; i++ {
		require.NoError(t, c.Submit(ctx, 2, 0x02, rec.request(make([]byte, 1024))))
	}
	writes := m.writes
	require.NoError(t, c.FlushPipe(ctx, 2, 0x02))
	assert.Greater(t, m.writes, writes)

	require.Equal(t, n, rec.count())
	for i := 0; i < n; i++ {
		assert.Equal(t, pkg.TransferStatusCancelled, rec.at(i).Status)
		assert.ErrorIs(t, rec.at(i).Err, pkg.ErrCancelled)
	}
	assert.Nil(t, e.active)
	assert.Empty(t, e.pending)
	assert.Equal(t, stateReady, e.state)
	assert.Equal(t, qhLink(e.qh), c.qhs.get(c.async).link)
	assert.Zero(t, c.qtds.inUse())
	assert.Zero(t, m.Read32(mockOpBase+regUSBSts)&stsAsyncAdv)

	assert.ErrorIs(t, c.FlushPipe(ctx, 9, 0x02), pkg.ErrNotFound)

	// The pipe keeps working after a flush.
	r := rec.request(make([]byte, 10))
	require.NoError(t, c.Submit(ctx, 2, 0x02, r))
	execute(c, e, -1, 0)
	interrupt(c, m)
	assert.Equal(t, pkg.TransferStatusSuccess, r.Status)
}

func TestFlushInterruptPipe(t *testing.T) {
	c, _ := newTestController(t, testConfig())
	ctx := context.Background()

	e, err := submitInterrupt(t, c, interruptPipe(2, 0x81, 8*microframe, 10))
	require.NoError(t, err)
	require.NoError(t, c.FlushPipe(ctx, 2, 0x81))
	assert.Nil(t, e.active)
	assert.Empty(t, c.periodic)
	assert.Equal(t, stateReady, e.state, "flush keeps the placement")
	assert.Equal(t, qhLink(e.qh), c.sched.frames[0])
}

func TestDoorbellModes(t *testing.T) {
	open := func(t *testing.T, cfg Config) (*Controller, *recorder) {
		c, m := newTestController(t, cfg)
		m.noIAA = true
		ctx := context.Background()
		require.NoError(t, c.OpenPipe(ctx, bulkPipe(2, 0x02, 512)))
		rec := &recorder{}
		require.NoError(t, c.Submit(ctx, 2, 0x02, rec.request(make([]byte, 10))))
		return c, rec
	}

	t.Run("poll", func(t *testing.T) {
		cfg := testConfig()
		cfg.DoorbellTimeout = time.Millisecond
		c, rec := open(t, cfg)
		err := c.ClosePipe(context.Background(), 2, 0x02)
		assert.ErrorIs(t, err, pkg.ErrTimeout)
		assert.Nil(t, c.endpointFor(2, 0x02))
		assert.Equal(t, 1, rec.count())
		assert.Equal(t, 2, c.qhs.inUse(), "queue head freed while possibly cached")
	})
	t.Run("trust", func(t *testing.T) {
		cfg := testConfig()
		cfg.Doorbell = DoorbellTrust
		c, _ := open(t, cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Millisecond)
		defer cancel()
		err := c.ClosePipe(ctx, 2, 0x02)
		assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	})
	t.Run("assume", func(t *testing.T) {
		cfg := testConfig()
		cfg.Doorbell = DoorbellAssume
		c, rec := open(t, cfg)
		require.NoError(t, c.ClosePipe(context.Background(), 2, 0x02))
		assert.Equal(t, 1, rec.count())
		assert.Equal(t, 1, c.qhs.inUse())
	})
}

func TestClosePeriodicStopTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HaltTimeout = time.Millisecond
	c, m := newTestController(t, cfg)

	_, err := submitInterrupt(t, c, interruptPipe(2, 0x81, 8*microframe, 10))
	require.NoError(t, err)
	m.stuckPSS = true
	err = c.ClosePipe(context.Background(), 2, 0x81)
	assert.ErrorIs(t, err, pkg.ErrTimeout)
	assert.Nil(t, c.endpointFor(2, 0x81))
	assert.Equal(t, 2, c.qhs.inUse(), "queue head freed while the schedule ran")
	for j := 0; j < frameListSize; j++ {
		require.True(t, c.sched.frames[j].Terminate())
	}
	m.stuckPSS = false
}

// =============================================================================
// Host system error tests
// =============================================================================

func TestHostErrorHalt(t *testing.T) {
	var (
		mu    sync.Mutex
		fatal []error
	)
	cfg := testConfig()
	cfg.OnFatal = func(err error) {
		mu.Lock()
		fatal = append(fatal, err)
		mu.Unlock()
	}
	c, m := newTestController(t, cfg)
	ctx := context.Background()
	require.NoError(t, c.OpenPipe(ctx, bulkPipe(2, 0x02, 512)))
	var rec recorder
	r := rec.request(make([]byte, 10))
	require.NoError(t, c.Submit(ctx, 2, 0x02, r))

	m.raise(stsHostError)
	c.ServiceInterrupt()

	require.Equal(t, 1, rec.count())
	assert.Equal(t, pkg.TransferStatusHostError, r.Status)
	assert.ErrorIs(t, r.Err, pkg.ErrHostSystem)
	assert.False(t, c.Running())
	assert.Zero(t, m.command()&cmdRun)
	assert.Zero(t, m.interruptEnable())
	mu.Lock()
	require.Len(t, fatal, 1)
	assert.ErrorIs(t, fatal[0], pkg.ErrHostSystem)
	mu.Unlock()

	assert.ErrorIs(t, c.Submit(ctx, 2, 0x02, rec.request(nil)), pkg.ErrHostSystem)
	assert.ErrorIs(t, c.OpenPipe(ctx, bulkPipe(3, 0x02, 512)), pkg.ErrHostSystem)
	require.NoError(t, c.Uninitialize(ctx))
}

func TestHostErrorReset(t *testing.T) {
	cfg := testConfig()
	cfg.Fatal = FatalReset
	c, m := newTestController(t, cfg)
	ctx := context.Background()
	require.NoError(t, c.OpenPipe(ctx, bulkPipe(2, 0x02, 512)))
	_, err := submitInterrupt(t, c, interruptPipe(2, 0x81, 8*microframe, 10))
	require.NoError(t, err)
	var rec recorder
	r := rec.request(make([]byte, 10))
	require.NoError(t, c.Submit(ctx, 2, 0x02, r))

	m.raise(stsHostError)
	c.ServiceInterrupt()
	require.Equal(t, pkg.TransferStatusHostError, r.Status)
	require.Eventually(t, c.Running, time.Second, time.Millisecond)

	// Pipes survive and rejoin the schedules on their next submission.
	next := rec.request(make([]byte, 10))
	require.NoError(t, c.Submit(ctx, 2, 0x02, next))
	e := c.endpointFor(2, 0x02)
	require.NotNil(t, e)
	assert.Equal(t, stateReady, e.state)
	assert.NotZero(t, m.command()&cmdRun)
	assert.Equal(t, uint32(intrEnableMask), m.interruptEnable())

	execute(c, e, -1, 0)
	interrupt(c, m)
	assert.Equal(t, pkg.TransferStatusSuccess, next.Status)

	irq := c.endpointFor(2, 0x81)
	require.NotNil(t, irq)
	assert.Equal(t, stateNotReady, irq.state)
	for j := 0; j < frameListSize; j++ {
		require.Zero(t, c.sched.frameLoad[j])
	}
}

// =============================================================================
// Interrupt masking tests
// =============================================================================

func TestInterruptNesting(t *testing.T) {
	c, m := newTestController(t, testConfig())

	c.DisableInterrupts()
	c.DisableInterrupts()
	assert.Zero(t, m.interruptEnable())
	assert.Equal(t, 2, c.guard.nesting())

	c.EnableInterrupts()
	assert.Zero(t, m.interruptEnable(), "inner enable unmasked")
	c.EnableInterrupts()
	assert.Equal(t, uint32(intrEnableMask), m.interruptEnable())

	// Extra enables do not underflow.
	c.EnableInterrupts()
	assert.Zero(t, c.guard.nesting())

	c.guard.lock()
	assert.Zero(t, m.interruptEnable())
	c.guard.unlock()
	assert.Equal(t, uint32(intrEnableMask), m.interruptEnable())
}

func TestInterruptLatch(t *testing.T) {
	c, m := newTestController(t, testConfig())

	m.attach(1, hal.SpeedHigh)
	c.DisableInterrupts()
	assert.Zero(t, m.Read32(mockOpBase+regUSBSts)&stsPortChange, "status not acknowledged")
	c.EnableInterrupts()

	st, err := c.PortStatus(1)
	require.NoError(t, err)
	require.False(t, st.ConnectChange)

	c.ServiceInterrupt()
	st, err = c.PortStatus(1)
	require.NoError(t, err)
	assert.True(t, st.ConnectChange)
}

// =============================================================================
// Descriptor image tests
// =============================================================================

func TestDescriptorImage(t *testing.T) {
	c, _ := newTestController(t, testConfig())
	ctx := context.Background()
	require.NoError(t, c.OpenPipe(ctx, bulkPipe(2, 0x81, 512)))
	var rec recorder
	require.NoError(t, c.Submit(ctx, 2, 0x81, rec.request(make([]byte, 100))))
	e := c.endpointFor(2, 0x81)

	buf := make([]byte, qhHWSize)
	require.Equal(t, qhHWSize, c.Descriptor(qhLink(e.qh), buf))
	le := binary.LittleEndian
	assert.Equal(t, c.qhs.addr(c.async)|1<<linkTypeShift, le.Uint32(buf[0:]))
	assert.Equal(t, uint32(c.qhs.get(e.qh).char), le.Uint32(buf[4:]))
	first := e.active.bursts[0].qtds[0]
	assert.Equal(t, c.qtds.addr(first), le.Uint32(buf[16:]))

	qbuf := make([]byte, qtdHWSize)
	require.Equal(t, qtdHWSize, c.Descriptor(qtdLink(first), qbuf))
	assert.Equal(t, uint32(linkTerminateBit), le.Uint32(qbuf[0:]))
	assert.Equal(t, c.qtds.addr(e.dummy), le.Uint32(qbuf[4:]))
	tok := Token(le.Uint32(qbuf[8:]))
	assert.True(t, tok.Active())
	assert.Equal(t, 100, tok.Bytes())

	assert.Zero(t, c.Descriptor(qhLink(e.qh), buf[:qhHWSize-1]))
	assert.Zero(t, c.Descriptor(qhLink(makeHandle(3, 9)), buf))
	assert.Zero(t, c.Descriptor(terminate, buf))
}

func TestScheduleImages(t *testing.T) {
	c, m := newTestController(t, testConfig())
	ctx := context.Background()
	le := binary.LittleEndian
	word := func(b []byte, off int) uint32 {
		c.guard.lock()
		defer c.guard.unlock()
		return le.Uint32(b[off:])
	}

	require.NoError(t, c.OpenPipe(ctx, bulkPipe(2, 0x02, 512)))
	var rec recorder
	r := rec.request(make([]byte, 512))
	require.NoError(t, c.Submit(ctx, 2, 0x02, r))
	e := c.endpointFor(2, 0x02)
	sentinel, img := c.qhs.bytes(c.async), c.qhs.bytes(e.qh)

	// The ring runs sentinel, queue head, sentinel in memory.
	assert.Equal(t, c.linkWord(qhLink(e.qh)), word(sentinel, 0))
	assert.Equal(t, c.linkWord(qhLink(c.async)), word(img, 0))
	first := e.active.bursts[0].qtds[0]
	assert.Equal(t, c.qtds.addr(first), word(img, qhOffNext))
	assert.True(t, Token(word(c.qtds.bytes(first), 8)).Active())

	// The controller advances the toggle and retires the qTD.
	c.guard.lock()
	le.PutUint32(img[qhOffToken:], tokToggle)
	c.guard.unlock()
	execute(c, e, -1, 0)
	interrupt(c, m)
	require.Equal(t, 1, rec.count())
	assert.Equal(t, pkg.TransferStatusSuccess, r.Status)
	assert.Equal(t, uint32(tokToggle), word(img, qhOffToken), "overlay keeps the toggle")
	assert.Equal(t, uint32(linkTerminateBit), word(img, qhOffNext))

	// Periodic queue heads chain longest period first.
	slow, err := submitInterrupt(t, c, interruptPipe(3, 0x81, 64*microframe, 5))
	require.NoError(t, err)
	fast, err := submitInterrupt(t, c, interruptPipe(3, 0x82, 8*microframe, 5))
	require.NoError(t, err)
	require.Equal(t, 0, slow.frame)
	assert.Equal(t, c.linkWord(qhLink(slow.qh)), word(c.sched.block.Bytes, 0))
	assert.Equal(t, c.linkWord(qhLink(fast.qh)), word(c.qhs.bytes(slow.qh), 0))
	assert.Equal(t, uint32(linkTerminateBit), word(c.qhs.bytes(fast.qh), 0))
	assert.Equal(t, c.linkWord(qhLink(fast.qh)), word(c.sched.block.Bytes, 4))

	require.NoError(t, c.ClosePipe(ctx, 3, 0x81))
	assert.Equal(t, c.linkWord(qhLink(fast.qh)), word(c.sched.block.Bytes, 0))

	require.NoError(t, c.ClosePipe(ctx, 2, 0x02))
	assert.Equal(t, c.linkWord(qhLink(c.async)), word(sentinel, 0))
}

func TestControlSetupImage(t *testing.T) {
	c, _ := newTestController(t, testConfig())
	ctx := context.Background()
	require.NoError(t, c.OpenPipe(ctx, controlPipe(2, 64)))

	var rec recorder
	r := rec.request(make([]byte, 18))
	r.Setup = getDescriptor(18)
	require.NoError(t, c.Submit(ctx, 2, 0, r))
	e := c.endpointFor(2, 0)

	c.guard.lock()
	defer c.guard.unlock()
	assert.Equal(t, []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}, e.setup.Bytes[:hal.SetupPacketSize])
	setup := c.qtds.bytes(e.active.bursts[0].qtds[0])
	assert.Equal(t, e.setup.Addr, binary.LittleEndian.Uint32(setup[12:]))
}

// unreachableMemory cannot map data buffers to bus addresses.
type unreachableMemory struct{ *HeapMemory }

func (unreachableMemory) Addr([]byte) uint32 { return 0 }

func TestSubmitUnreachableBuffer(t *testing.T) {
	cfg := testConfig()
	cfg.Memory = unreachableMemory{NewHeapMemory(0)}
	c, _ := newTestController(t, cfg)
	ctx := context.Background()
	require.NoError(t, c.OpenPipe(ctx, bulkPipe(2, 0x02, 512)))

	var rec recorder
	assert.ErrorIs(t, c.Submit(ctx, 2, 0x02, rec.request(make([]byte, 64))), pkg.ErrInvalidParameter)
	assert.Equal(t, stateNotReady, c.endpointFor(2, 0x02).state)
	require.NoError(t, c.Submit(ctx, 2, 0x02, rec.request(nil)), "zero-length transfers need no buffer")
}
