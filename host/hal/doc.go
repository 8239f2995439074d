// Package hal defines the contract between a USB host stack and a host
// controller driver.
//
// A host stack (enumeration, hub and class drivers) drives devices through
// the blocking [HostHAL] interface: port status and reset, control and data
// transfers addressed by device address and endpoint, and connection
// events. The package also carries the small wire types both sides share:
// [SetupPacket], [EndpointDescriptor], [PortStatus], [Speed] and
// [TransferType].
//
// Ports are 1-indexed. Device address 0 is the default address a device
// answers at after reset until [HostHAL.SetDeviceAddress] moves it.
//
// # Implementations
//
// [github.com/ardnew/softehci/host/hal/ehci] implements [HostHAL] for USB
// 2.0 EHCI controllers:
//
//	h := ehci.NewHostHAL(regs, ehci.DefaultConfig())
//	if err := h.Init(ctx); err != nil {
//	    return err
//	}
//	defer h.Close()
//	if err := h.Start(); err != nil {
//	    return err
//	}
//
//	port, err := h.WaitForConnection(ctx)
//	if err != nil {
//	    return err
//	}
//	if err := h.ResetPort(port); err != nil {
//	    return err
//	}
package hal
