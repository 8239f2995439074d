package ehci

import (
	"fmt"
	"time"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
)

// PipeConfig describes one direction of one device endpoint.
type PipeConfig struct {
	Address   uint8            // function address (0-127)
	Endpoint  uint8            // endpoint address including direction bit
	Type      hal.TransferType // transfer type
	Speed     hal.Speed        // device speed
	MaxPacket uint16           // wMaxPacketSize, including multiplier bits
	Interval  time.Duration    // polling interval for periodic endpoints
	Load      uint32           // bus time per transaction in microseconds at device speed

	// Transaction translator for full/low-speed devices behind a
	// high-speed hub.
	HubAddress uint8
	HubPort    uint8
}

const microframe = 125 * time.Microsecond

func (p PipeConfig) validate() error {
	switch {
	case p.Address > 127:
		return fmt.Errorf("address %d: %w", p.Address, pkg.ErrInvalidParameter)
	case p.Endpoint&0x70 != 0:
		return fmt.Errorf("endpoint %#02x: %w", p.Endpoint, pkg.ErrInvalidEndpoint)
	case p.Type > hal.TransferInterrupt:
		return fmt.Errorf("transfer type %d: %w", p.Type, pkg.ErrInvalidParameter)
	case p.Speed < hal.SpeedLow || p.Speed > hal.SpeedHigh:
		return fmt.Errorf("speed %v: %w", p.Speed, pkg.ErrInvalidParameter)
	case p.MaxPacket&0x7ff == 0:
		return fmt.Errorf("max packet %d: %w", p.MaxPacket, pkg.ErrInvalidParameter)
	case p.Speed != hal.SpeedHigh && p.HubAddress == 0:
		return fmt.Errorf("%v device without transaction translator: %w", p.Speed, pkg.ErrInvalidParameter)
	case p.Speed != hal.SpeedHigh && p.Type == hal.TransferIsochronous && p.MaxPacket&0x7ff > sitdMaxLength:
		return fmt.Errorf("split isochronous max packet %d: %w", p.MaxPacket, pkg.ErrInvalidParameter)
	}
	if p.Type == hal.TransferInterrupt || p.Type == hal.TransferIsochronous {
		if p.Interval < microframe {
			return fmt.Errorf("interval %v: %w", p.Interval, pkg.ErrInvalidParameter)
		}
	}
	return nil
}

// endpointState tracks a pipe through its lifecycle.
type endpointState uint8

const (
	stateNotReady endpointState = iota // open, not linked into a schedule
	stateReady                         // linked; the controller may be using it
	stateDelete                        // being closed
	stateModify                        // being reopened with new parameters
)

func (s endpointState) String() string {
	switch s {
	case stateNotReady:
		return "not-ready"
	case stateReady:
		return "ready"
	case stateDelete:
		return "delete"
	case stateModify:
		return "modify"
	default:
		return "unknown"
	}
}

// endpoint is the software record of an open pipe.
type endpoint struct {
	key       uint32
	cfg       PipeConfig
	maxPacket int    // bytes per transaction
	mult      uint32 // high-bandwidth transactions per microframe
	load      uint32 // bus time in high-speed microseconds
	interval  uint32 // requested interval in microframes

	// Periodic placement, valid once scheduled.
	period int   // frames between occurrences
	frame  int   // first frame
	uframe int   // start microframe
	smask  uint8 // start (or interrupt) microframes
	cmask  uint8 // complete-split microframes
	budget uint8 // microframes charged in the ledger
	ssplit uint32 // siTD OUT transaction position and count

	qh    Handle // queue head; noHandle for isochronous pipes
	dummy Handle // alternate-next qTD for bulk and interrupt IN
	setup Block  // SETUP packet buffer of a control pipe
	state endpointState

	active  *transfer
	pending []*Request

	iso *isoRing

	chain *endpoint // endpoint index bucket chain
}

func newEndpoint(p PipeConfig) *endpoint {
	e := &endpoint{
		key:       endpointKey(p.Address, p.Endpoint),
		cfg:       p,
		maxPacket: int(p.MaxPacket & 0x7ff),
		mult:      uint32(p.MaxPacket>>11)&3 + 1,
		qh:        noHandle,
		dummy:     noHandle,
	}
	switch p.Speed {
	case hal.SpeedFull:
		e.load = p.Load>>5 + 1
	case hal.SpeedLow:
		e.load = p.Load>>8 + 1
	default:
		e.load = p.Load
	}
	if e.periodic() {
		e.interval = uint32(p.Interval / microframe)
	}
	return e
}

func (e *endpoint) isIn() bool { return e.cfg.Endpoint&0x80 != 0 }

func (e *endpoint) split() bool { return e.cfg.Speed != hal.SpeedHigh }

func (e *endpoint) kind() hal.TransferType { return e.cfg.Type }

func (e *endpoint) periodic() bool {
	return e.cfg.Type == hal.TransferInterrupt || e.cfg.Type == hal.TransferIsochronous
}

// idle reports whether the endpoint has no queued or executing work.
func (e *endpoint) idle() bool {
	if e.iso != nil {
		return e.iso.idle()
	}
	return e.active == nil && len(e.pending) == 0
}

func (e *endpoint) String() string {
	return fmt.Sprintf("%d:%02x", e.cfg.Address, e.cfg.Endpoint)
}

// characteristics returns the static QH endpoint characteristics word.
func (e *endpoint) characteristics() epChar {
	c := uint32(e.cfg.Address&0x7f) |
		uint32(e.cfg.Endpoint&0x0f)<<charEndptShift |
		speedCode(e.cfg.Speed)<<charSpeedShift |
		uint32(e.maxPacket)<<charMaxPktShift
	if e.kind() == hal.TransferControl {
		c |= charDTC
		if e.split() {
			c |= charControl
		}
	}
	if e.kind() != hal.TransferInterrupt {
		c |= defaultNakRL << charRLShift
	}
	return epChar(c)
}

// capabilities returns the QH endpoint capabilities word for the current
// microframe masks.
func (e *endpoint) capabilities() epCaps {
	var hub, port uint8
	if e.split() {
		hub, port = e.cfg.HubAddress, e.cfg.HubPort
	}
	return makeCaps(e.smask, e.cmask, hub, port, e.mult)
}
