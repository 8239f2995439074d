package ehci

// Registers is the controller register window. Offsets are bytes from the
// start of the capability registers; implementations perform little-endian
// 32-bit accesses.
type Registers interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
}

// Capability register offsets.
const (
	regCapLength  = 0x00 // CAPLENGTH (byte 0) and HCIVERSION (bytes 2-3)
	regHCSParams  = 0x04
	regHCCParams  = 0x08
	minHCIVersion = 0x95
)

// Operational register offsets, relative to the operational base.
const (
	regUSBCmd       = 0x00
	regUSBSts       = 0x04
	regUSBIntr      = 0x08
	regFrIndex      = 0x0c
	regCtrlDSSeg    = 0x10
	regPeriodicBase = 0x14
	regAsyncAddr    = 0x18
	regConfigFlag   = 0x40
	regPortSC       = 0x44
)

// USBCMD bits.
const (
	cmdRun        = 1 << 0
	cmdReset      = 1 << 1
	cmdPeriodicEn = 1 << 4
	cmdAsyncEn    = 1 << 5
	cmdDoorbell   = 1 << 6
	cmdITCShift   = 16
	cmdITCMask    = 0xff << cmdITCShift
	defaultITC    = 8
)

// USBSTS bits. The low six bits are write-one-to-clear.
const (
	stsInt         = 1 << 0
	stsErrInt      = 1 << 1
	stsPortChange  = 1 << 2
	stsFrameRoll   = 1 << 3
	stsHostError   = 1 << 4
	stsAsyncAdv    = 1 << 5
	stsHalted      = 1 << 12
	stsPeriodicSts = 1 << 14
	stsAsyncSts    = 1 << 15
)

// Interrupts enabled while the controller runs.
const intrEnableMask = stsHostError | stsPortChange | stsErrInt | stsInt

// PORTSC bits.
const (
	portConnect       = 1 << 0
	portConnectChange = 1 << 1
	portEnable        = 1 << 2
	portEnableChange  = 1 << 3
	portOverCurrent   = 1 << 4
	portOCChange      = 1 << 5
	portResume        = 1 << 6
	portSuspend       = 1 << 7
	portReset         = 1 << 8
	portLineStatus    = 3 << 10
	portLineLowSpeed  = 1 << 10
	portPower         = 1 << 12
	portOwner         = 1 << 13
	portChangeBits    = portConnectChange | portEnableChange | portOCChange
	portPreserveMask  = ^uint32(portChangeBits)
)

// hcsPorts returns the number of downstream ports from HCSPARAMS.
func hcsPorts(v uint32) int { return int(v & 0x0f) }

// hcsPortPower reports whether ports have power switches.
func hcsPortPower(v uint32) bool { return v&(1<<4) != 0 }

// regs adds the operational base to a raw register window.
type regs struct {
	raw Registers
	op  uint32
}

func (r regs) capLength() uint32 { return r.raw.Read32(regCapLength) & 0xff }

func (r regs) version() uint16 { return uint16(r.raw.Read32(regCapLength) >> 16) }

func (r regs) read(off uint32) uint32 { return r.raw.Read32(r.op + off) }

func (r regs) write(off, v uint32) { r.raw.Write32(r.op+off, v) }

func (r regs) set(off, bits uint32) { r.write(off, r.read(off)|bits) }

func (r regs) clear(off, bits uint32) { r.write(off, r.read(off)&^bits) }

func portOffset(port int) uint32 { return regPortSC + 4*uint32(port-1) }
