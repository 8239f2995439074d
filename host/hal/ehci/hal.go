package ehci

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
)

// HostHAL defaults.
const (
	halRootHubAddress  = 127                  // kept clear of addresses a host stack assigns
	halServiceInterval = time.Millisecond     // interrupt service polling period
	setAddressRecovery = 2 * time.Millisecond // USB 2.0 9.2.6.3
	defaultInterval    = 8 * microframe       // 1 ms
	defaultControlMax  = 64
	defaultBulkMax     = 512
	defaultIntrMax     = 64
	defaultIsoMax      = 1024
)

// HostHAL implements hal.HostHAL on top of a Controller. Each transfer
// blocks until its request retires. Pipes are opened on first use with
// high-speed defaults unless OpenPipe configured them first.
type HostHAL struct {
	ctrl     *Controller
	root     uint8
	interval time.Duration

	mu       sync.Mutex
	pipes    map[uint32]PipeConfig
	addrPort map[hal.DeviceAddress]int
	resetAt  int // port of the device answering at address 0

	// Channels for connection events
	connectCh    chan int
	disconnectCh chan int

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHostHAL creates a HostHAL for the controller behind r. If cfg leaves
// RootHubAddress zero the root hub answers at address 127.
func NewHostHAL(r Registers, cfg Config) *HostHAL {
	if cfg.RootHubAddress == 0 {
		cfg.RootHubAddress = halRootHubAddress
	}
	h := &HostHAL{
		root:         cfg.RootHubAddress,
		interval:     halServiceInterval,
		pipes:        make(map[uint32]PipeConfig),
		addrPort:     make(map[hal.DeviceAddress]int),
		connectCh:    make(chan int, 8),
		disconnectCh: make(chan int, 8),
	}
	user := cfg.OnPortChange
	cfg.OnPortChange = func(ev PortEvent) {
		if user != nil {
			user(ev)
		}
		h.portChanged(ev)
	}
	h.ctrl = New(r, cfg)
	return h
}

// Controller returns the underlying controller.
func (h *HostHAL) Controller() *Controller { return h.ctrl }

// portChanged forwards connection changes to the Wait methods. Events are
// dropped when nobody is waiting and the channel is full.
func (h *HostHAL) portChanged(ev PortEvent) {
	if !ev.Status.ConnectChange {
		return
	}
	ch := h.disconnectCh
	if ev.Status.Connected {
		ch = h.connectCh
	}
	select {
	case ch <- ev.Port:
	default:
		pkg.LogWarn(pkg.ComponentHAL, "port event dropped", "port", ev.Port, "connected", ev.Status.Connected)
	}
}

// Init initializes the controller.
func (h *HostHAL) Init(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)
	if err := h.ctrl.Initialize(ctx); err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentHAL, "EHCI host HAL initialized", "ports", h.ctrl.NumPorts())
	return nil
}

// Start begins servicing controller interrupts.
func (h *HostHAL) Start() error {
	if h.ctx == nil {
		return pkg.ErrNotRunning
	}
	h.wg.Add(1)
	go h.service()

	pkg.LogInfo(pkg.ComponentHAL, "EHCI host HAL started")
	return nil
}

// Stop stops servicing controller interrupts.
func (h *HostHAL) Stop() error {
	if h.cancel != nil {
		h.cancel()
	}

	// Wait for goroutines to finish
	h.wg.Wait()

	pkg.LogInfo(pkg.ComponentHAL, "EHCI host HAL stopped")
	return nil
}

// Close stops the HAL and shuts the controller down.
func (h *HostHAL) Close() error {
	if err := h.Stop(); err != nil {
		return err
	}
	h.mu.Lock()
	clear(h.pipes)
	clear(h.addrPort)
	h.mu.Unlock()
	return h.ctrl.Uninitialize(context.Background())
}

// service polls the controller's interrupt status.
func (h *HostHAL) service() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.ctrl.ServiceInterrupt()
		}
	}
}

// NumPorts returns the number of root hub ports.
func (h *HostHAL) NumPorts() int {
	return h.ctrl.NumPorts()
}

// GetPortStatus returns the status of a port.
func (h *HostHAL) GetPortStatus(port int) (hal.PortStatus, error) {
	return h.ctrl.PortStatus(port)
}

// PortSpeed returns the speed of a connected device.
func (h *HostHAL) PortSpeed(port int) hal.Speed {
	ps, err := h.ctrl.PortStatus(port)
	if err != nil {
		return hal.SpeedUnknown
	}
	return ps.Speed
}

// ResetPort resets a port. Only high-speed devices stay with the
// controller; others are released to the companion controller.
func (h *HostHAL) ResetPort(port int) error {
	ctx := h.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := h.ctrl.ResetPort(ctx, port); err != nil {
		return err
	}
	h.forget(ctx, 0)
	h.mu.Lock()
	h.resetAt = port
	h.addrPort[0] = port
	h.mu.Unlock()
	return h.clearChange(ctx, port, featCReset)
}

// EnablePort enables or disables a port.
func (h *HostHAL) EnablePort(port int, enable bool) error {
	return h.ctrl.EnablePort(port, enable)
}

// OpenPipe opens a pipe with explicit parameters, replacing the defaults
// the transfer methods would otherwise use.
func (h *HostHAL) OpenPipe(ctx context.Context, p PipeConfig) error {
	key := endpointKey(p.Address, p.Endpoint)
	h.mu.Lock()
	_, open := h.pipes[key]
	h.mu.Unlock()
	var err error
	if open {
		err = h.ctrl.ModifyPipe(ctx, p.Address, p.Endpoint, p)
	} else {
		err = h.ctrl.OpenPipe(ctx, p)
	}
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.pipes[key] = p
	h.mu.Unlock()
	return nil
}

// OpenEndpoint opens a pipe from an endpoint descriptor of the device at
// addr. Devices that are not high speed need a transaction translator,
// given by hubAddr and hubPort.
func (h *HostHAL) OpenEndpoint(ctx context.Context, addr hal.DeviceAddress, speed hal.Speed, hubAddr, hubPort uint8, d *hal.EndpointDescriptor) error {
	p := PipeFromDescriptor(uint8(addr), speed, d)
	p.HubAddress = hubAddr
	p.HubPort = hubPort
	return h.OpenPipe(ctx, p)
}

// PipeFromDescriptor returns the pipe configuration of an endpoint
// descriptor, with the bus time estimated from its packet size.
func PipeFromDescriptor(addr uint8, speed hal.Speed, d *hal.EndpointDescriptor) PipeConfig {
	p := PipeConfig{
		Address:   addr,
		Endpoint:  d.Address,
		Type:      d.TransferType(),
		Speed:     speed,
		MaxPacket: d.MaxPacketSize,
		Interval:  time.Duration(d.IntervalMicroframes(speed)) * microframe,
	}
	if p.Type == hal.TransferControl {
		p.Endpoint = d.Number()
	}
	p.Load = estimateLoad(speed, int(d.MaxPacketSize&0x7ff))
	return p
}

// pipe opens a default pipe for the endpoint if none is open and returns
// its configuration.
func (h *HostHAL) pipe(ctx context.Context, addr hal.DeviceAddress, ep uint8, typ hal.TransferType) (PipeConfig, error) {
	key := endpointKey(uint8(addr), ep)
	h.mu.Lock()
	p, ok := h.pipes[key]
	h.mu.Unlock()
	if ok {
		return p, nil
	}
	p = PipeConfig{
		Address:  uint8(addr),
		Endpoint: ep,
		Type:     typ,
		Speed:    hal.SpeedHigh,
	}
	switch typ {
	case hal.TransferControl:
		p.MaxPacket = defaultControlMax
	case hal.TransferBulk:
		p.MaxPacket = defaultBulkMax
	case hal.TransferInterrupt:
		p.MaxPacket = defaultIntrMax
		p.Interval = defaultInterval
	case hal.TransferIsochronous:
		p.MaxPacket = defaultIsoMax
		p.Interval = defaultInterval
	}
	p.Load = estimateLoad(p.Speed, int(p.MaxPacket&0x7ff))
	if err := h.OpenPipe(ctx, p); err != nil {
		return PipeConfig{}, err
	}
	return p, nil
}

// estimateLoad returns the bus time of one transaction in microseconds at
// device speed, after the USB 2.0 section 5.11.3 formulas with worst-case
// bit stuffing.
func estimateLoad(speed hal.Speed, maxPacket int) uint32 {
	bits := uint64(maxPacket) * 8 * 7 / 6
	var ns uint64
	switch speed {
	case hal.SpeedHigh:
		ns = 1000 + bits*2083/1000
	case hal.SpeedFull:
		ns = 9107 + bits*83540/1000
	default:
		ns = 64060 + bits*676670/1000
	}
	return uint32(ns/1000) + 1
}

// transfer submits r and waits for it to retire. If ctx ends first the
// pipe is flushed so the request completes as cancelled.
func (h *HostHAL) transfer(ctx context.Context, addr, ep uint8, r *Request) (int, error) {
	done := make(chan struct{})
	r.Callback = func(*Request) { close(done) }
	if err := h.ctrl.Submit(ctx, addr, ep, r); err != nil {
		return 0, err
	}
	select {
	case <-done:
	case <-ctx.Done():
		if err := h.ctrl.FlushPipe(context.Background(), addr, ep); err != nil {
			return 0, fmt.Errorf("%w: flush: %v", ctx.Err(), err)
		}
		<-done
	}
	return r.Actual, r.Err
}

// ControlTransfer performs a control transfer on a device's default pipe.
func (h *HostHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	if uint8(addr) != h.root {
		if _, err := h.pipe(ctx, addr, 0, hal.TransferControl); err != nil {
			return 0, err
		}
	}
	return h.transfer(ctx, uint8(addr), 0, &Request{Setup: setup, Data: data, ShortOK: true})
}

// BulkTransfer performs a bulk transfer.
func (h *HostHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	if _, err := h.pipe(ctx, addr, endpoint, hal.TransferBulk); err != nil {
		return 0, err
	}
	return h.transfer(ctx, uint8(addr), endpoint, &Request{Data: data, ShortOK: true})
}

// InterruptTransfer performs an interrupt transfer.
func (h *HostHAL) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	if uint8(addr) == h.root {
		return h.transfer(ctx, uint8(addr), endpoint, &Request{Data: data})
	}
	if _, err := h.pipe(ctx, addr, endpoint, hal.TransferInterrupt); err != nil {
		return 0, err
	}
	return h.transfer(ctx, uint8(addr), endpoint, &Request{Data: data, ShortOK: true})
}

// IsochronousTransfer performs an isochronous transfer. Data is split into
// one packet per maximum packet size.
func (h *HostHAL) IsochronousTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	p, err := h.pipe(ctx, addr, endpoint, hal.TransferIsochronous)
	if err != nil {
		return 0, err
	}
	maxp := int(p.MaxPacket & 0x7ff)
	if p.Speed == hal.SpeedHigh {
		maxp *= int(p.MaxPacket>>11&3) + 1
	}
	var packets []IsoPacket
	for off := 0; off < len(data); off += maxp {
		packets = append(packets, IsoPacket{Length: min(maxp, len(data)-off)})
	}
	if len(packets) == 0 {
		packets = append(packets, IsoPacket{})
	}
	return h.transfer(ctx, uint8(addr), endpoint, &Request{Data: data, Iso: packets})
}

// SetDeviceAddress moves the device at address 0 to newAddr.
func (h *HostHAL) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	if newAddr == 0 || newAddr > 127 || uint8(newAddr) == h.root {
		return fmt.Errorf("address %d: %w", newAddr, pkg.ErrInvalidParameter)
	}
	setup := &hal.SetupPacket{
		RequestType: rtDevOut,
		Request:     reqSetAddress,
		Value:       uint16(newAddr),
	}
	if _, err := h.ControlTransfer(ctx, 0, setup, nil); err != nil {
		return err
	}
	t := time.NewTimer(setAddressRecovery)
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.C:
	}

	h.forget(ctx, 0)
	h.forget(ctx, newAddr)
	h.mu.Lock()
	h.addrPort[newAddr] = h.resetAt
	h.mu.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "device address set", "address", newAddr)
	return nil
}

// forget closes every pipe of a device address.
func (h *HostHAL) forget(ctx context.Context, addr hal.DeviceAddress) {
	h.mu.Lock()
	var eps []uint8
	for key, p := range h.pipes {
		if p.Address == uint8(addr) {
			eps = append(eps, p.Endpoint)
			delete(h.pipes, key)
		}
	}
	delete(h.addrPort, addr)
	h.mu.Unlock()
	for _, ep := range eps {
		if err := h.ctrl.ClosePipe(ctx, uint8(addr), ep); err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "pipe close failed", "address", addr, "endpoint", ep, "error", err)
		}
	}
}

// forgetPort closes the pipes of every device on a port.
func (h *HostHAL) forgetPort(ctx context.Context, port int) {
	h.mu.Lock()
	var addrs []hal.DeviceAddress
	for a, p := range h.addrPort {
		if p == port {
			addrs = append(addrs, a)
		}
	}
	h.mu.Unlock()
	for _, a := range addrs {
		h.forget(ctx, a)
	}
}

// clearChange acknowledges a port change through the root hub.
func (h *HostHAL) clearChange(ctx context.Context, port int, feature uint16) error {
	setup := &hal.SetupPacket{
		RequestType: rtPortOut,
		Request:     reqClearFeature,
		Value:       feature,
		Index:       uint16(port),
	}
	_, err := h.ControlTransfer(ctx, hal.DeviceAddress(h.root), setup, nil)
	return err
}

// ClaimInterface is a no-op; the controller has no kernel drivers to detach.
func (h *HostHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	return nil
}

// ReleaseInterface is a no-op.
func (h *HostHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	return nil
}

// WaitForConnection waits for a device to connect.
func (h *HostHAL) WaitForConnection(ctx context.Context) (int, error) {
	if h.ctx == nil {
		return 0, pkg.ErrNotRunning
	}
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-h.ctx.Done():
			return 0, pkg.ErrCancelled
		case port := <-h.connectCh:
			ps, err := h.ctrl.PortStatus(port)
			if err != nil || !ps.Connected {
				continue
			}
			if err := h.clearChange(ctx, port, featCConnection); err != nil {
				return 0, err
			}
			pkg.LogInfo(pkg.ComponentHAL, "device connected", "port", port)
			return port, nil
		}
	}
}

// WaitForDisconnection waits for a device to disconnect.
func (h *HostHAL) WaitForDisconnection(ctx context.Context) (int, error) {
	if h.ctx == nil {
		return 0, pkg.ErrNotRunning
	}
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-h.ctx.Done():
			return 0, pkg.ErrCancelled
		case port := <-h.disconnectCh:
			h.forgetPort(ctx, port)
			if err := h.clearChange(ctx, port, featCConnection); err != nil {
				return 0, err
			}
			pkg.LogInfo(pkg.ComponentHAL, "device disconnected", "port", port)
			return port, nil
		}
	}
}

var _ hal.HostHAL = (*HostHAL)(nil)
