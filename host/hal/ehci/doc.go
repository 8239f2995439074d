// Package ehci is a host controller driver for USB 2.0 EHCI controllers.
//
// The driver owns the controller's schedules and descriptor memory and
// exposes a pipe-oriented transfer interface: open a pipe per device
// endpoint, submit requests to it, and receive each outcome through the
// request's completion callback. [HostHAL] wraps a [Controller] in the
// blocking [hal.HostHAL] interface.
//
// # Architecture
//
// The controller executes two schedules that the driver builds in shared
// memory:
//
//	ASYNCLISTADDR ──► sentinel QH ──► QH ──► QH ──┐   control and bulk
//	                     ▲                        │
//	                     └────────────────────────┘
//
//	PERIODICLISTBASE ──► frame[0..1023] ──► iTD/siTD ──► QH ──► QH ──► T
//	                                        isochronous  interrupt
//
// Queue heads carry chains of qTDs. Large transfers are split into bursts
// of up to 64 qTDs; while one burst executes the next is built, so data
// keeps flowing without one enormous descriptor chain.
//
// Periodic endpoints are admitted against per-frame and per-microframe
// bandwidth ledgers. Interrupt queue heads are shared between frames in
// order of decreasing period. Isochronous pipes own a ring of iTDs (high
// speed) or siTDs (split transactions) that is refilled as the controller
// retires it.
//
// # Concurrency
//
// Pipe operations serialize on a semaphore. The interrupt path never takes
// it; instead task context and [Controller.ServiceInterrupt] share a short
// guarded region that also masks the controller's interrupt line. Completion
// callbacks run after every lock is released, so a callback may submit the
// next request.
//
// # Usage
//
//	ctrl := ehci.New(regs, ehci.DefaultConfig())
//	if err := ctrl.Initialize(ctx); err != nil {
//	    return err
//	}
//	defer ctrl.Uninitialize(ctx)
//
//	err := ctrl.OpenPipe(ctx, ehci.PipeConfig{
//	    Address:   2,
//	    Endpoint:  0x81,
//	    Type:      hal.TransferBulk,
//	    Speed:     hal.SpeedHigh,
//	    MaxPacket: 512,
//	})
//
//	req := &ehci.Request{
//	    Data:     buf,
//	    ShortOK:  true,
//	    Callback: func(r *ehci.Request) { fmt.Println(r.Status, r.Actual) },
//	}
//	err = ctrl.Submit(ctx, 2, 0x81, req)
//
// The platform calls [Controller.ServiceInterrupt] when the controller
// raises its interrupt line. [HostHAL] polls it from a goroutine.
//
// # Register Access
//
// The driver reaches the controller through the [Registers] interface and
// allocates descriptor memory through [Memory]. Package
// [github.com/ardnew/softehci/host/hal/ehci/mmio] maps a real register
// window on Linux.
package ehci
