package hal

import (
	"context"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// PortStatus is a root hub port snapshot in hub class terms. The change
// flags stay set until cleared with a ClearFeature request.
type PortStatus struct {
	Connected     bool  // Device is connected
	Enabled       bool  // Port is enabled
	Suspended     bool  // Port is suspended
	OverCurrent   bool  // Over-current condition detected
	Reset         bool  // Port is being reset
	PowerOn       bool  // Port has power applied
	Speed         Speed // Connected device speed
	ConnectChange bool  // Connection status has changed
	EnableChange  bool  // Port was disabled by an error or disconnect
	ResetChange   bool  // Reset has completed
}

// SetupPacket is the 8-byte SETUP stage of a control transfer.
type SetupPacket struct {
	RequestType uint8  // bmRequestType
	Request     uint8  // bRequest
	Value       uint16 // wValue
	Index       uint16 // wIndex
	Length      uint16 // wLength, the most the data stage moves
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// IsIn reports whether the data stage moves device to host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&0x80 != 0
}

// MarshalTo writes the wire image of the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// TransferType is the endpoint transfer type, numbered as in bmAttributes.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0
	TransferIsochronous TransferType = 1
	TransferBulk        TransferType = 2
	TransferInterrupt   TransferType = 3
)

// String returns the transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// EndpointDescriptor carries the endpoint descriptor fields a host
// controller needs to open a pipe.
type EndpointDescriptor struct {
	Address       uint8  // bEndpointAddress, including direction bit
	Attributes    uint8  // bmAttributes
	MaxPacketSize uint16 // wMaxPacketSize, including high-bandwidth bits
	Interval      uint8  // bInterval
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointDescriptor) IsIn() bool {
	return e.Address&0x80 != 0
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

// IntervalMicroframes decodes bInterval for a device at speed into a
// polling period in 125 µs microframes (USB 2.0 9.6.6). It returns 0 for
// control and bulk endpoints.
func (e *EndpointDescriptor) IntervalMicroframes(speed Speed) int {
	b := int(e.Interval)
	switch e.TransferType() {
	case TransferIsochronous:
		b = min(max(b, 1), 16)
		if speed == SpeedHigh {
			return 1 << (b - 1)
		}
		return 8 << (b - 1)
	case TransferInterrupt:
		if speed == SpeedHigh {
			return 1 << (min(max(b, 1), 16) - 1)
		}
		return 8 * max(b, 1)
	}
	return 0
}

// DeviceAddress represents a USB device address (1-127).
type DeviceAddress uint8

// HostHAL is the blocking host controller interface a USB host stack
// drives. Port numbers are 1-indexed.
//
// All methods are safe for concurrent use.
type HostHAL interface {
	// Init brings the controller to a running state.
	Init(ctx context.Context) error

	// Start begins servicing controller events. Devices are detected only
	// after Start returns.
	Start() error

	// Stop stops servicing controller events.
	Stop() error

	// Close stops the HAL and releases the controller. The HAL must not be
	// used afterwards.
	Close() error

	// NumPorts returns the number of root hub ports.
	NumPorts() int

	// GetPortStatus returns the status of a port.
	GetPortStatus(port int) (PortStatus, error)

	// PortSpeed returns the connection speed of a device on the given port.
	PortSpeed(port int) Speed

	// ResetPort resets a port. On success the device answers at address 0.
	ResetPort(port int) error

	// EnablePort enables or disables a port.
	EnablePort(port int, enable bool) error

	// ControlTransfer runs a control transfer on a device's default pipe
	// and returns the length of the data stage.
	ControlTransfer(ctx context.Context, addr DeviceAddress, setup *SetupPacket, data []byte) (int, error)

	// BulkTransfer moves data on a bulk endpoint. The direction comes from
	// the endpoint address. Returns the number of bytes transferred.
	BulkTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// InterruptTransfer moves data on an interrupt endpoint.
	InterruptTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// IsochronousTransfer moves data on an isochronous endpoint, one packet
	// per interval.
	IsochronousTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// SetDeviceAddress moves the device at address 0 to newAddr.
	SetDeviceAddress(ctx context.Context, newAddr DeviceAddress) error

	// ClaimInterface claims exclusive access to an interface on a device.
	ClaimInterface(addr DeviceAddress, iface uint8) error

	// ReleaseInterface releases a previously claimed interface.
	ReleaseInterface(addr DeviceAddress, iface uint8) error

	// WaitForConnection blocks until a device connects or ctx ends and
	// returns the port.
	WaitForConnection(ctx context.Context) (int, error)

	// WaitForDisconnection blocks until a device disconnects or ctx ends
	// and returns the port.
	WaitForDisconnection(ctx context.Context) (int, error)
}
