package ehci

import (
	"time"

	"github.com/ardnew/softehci/host/hal"
)

// DoorbellMode selects how an async unlink waits for the controller to
// acknowledge the advance doorbell.
type DoorbellMode uint8

// Doorbell modes.
const (
	// DoorbellPoll waits up to DoorbellTimeout and fails with ErrTimeout.
	DoorbellPoll DoorbellMode = iota

	// DoorbellTrust waits for the acknowledgment until the caller's context
	// ends.
	DoorbellTrust

	// DoorbellAssume rings the doorbell and does not wait. Use only for
	// controllers known not to set the acknowledgment bit.
	DoorbellAssume
)

// String returns the mode name.
func (m DoorbellMode) String() string {
	switch m {
	case DoorbellPoll:
		return "poll"
	case DoorbellTrust:
		return "trust"
	case DoorbellAssume:
		return "assume"
	default:
		return "unknown"
	}
}

// FatalPolicy selects the response to a host system error interrupt.
type FatalPolicy uint8

// Fatal policies.
const (
	// FatalHalt stops the controller and fails every later operation.
	FatalHalt FatalPolicy = iota

	// FatalReset cancels all transfers, resets the controller and rebuilds
	// empty schedules. Open pipes survive and reschedule on next submit.
	FatalReset
)

// String returns the policy name.
func (p FatalPolicy) String() string {
	switch p {
	case FatalHalt:
		return "halt"
	case FatalReset:
		return "reset"
	default:
		return "unknown"
	}
}

// PortEvent reports a root hub port status change.
type PortEvent struct {
	Port   int
	Status hal.PortStatus
}

// Config holds controller driver parameters. Zero fields take the value
// from DefaultConfig.
type Config struct {
	// Memory supplies descriptor and frame list memory.
	Memory Memory

	// RootHubAddress is the function address that routes to the root hub.
	RootHubAddress uint8

	// Bounded waits.
	ResetTimeout    time.Duration // HCRESET self-clear
	HaltTimeout     time.Duration // HCHalted and schedule status transitions
	DoorbellTimeout time.Duration // async advance acknowledgment
	IsoTokenTimeout time.Duration // in-progress iTD/siTD at scan time
	PortResetTime   time.Duration // port reset signalling
	PollInterval    time.Duration // sleep between polls

	Doorbell DoorbellMode
	Fatal    FatalPolicy

	// OnFatal is called once after a host system error is handled.
	OnFatal func(err error)

	// OnPortChange is called after the interrupt path records a port change.
	OnPortChange func(ev PortEvent)

	// Descriptor pool geometry.
	QHsPerArena  int
	QTDsPerArena int
	ISOsPerArena int
	MaxArenas    int

	// IsoRingSize is the number of iTD/siTD slots per isochronous pipe.
	IsoRingSize int

	// IsoMaxPending bounds queued requests per isochronous pipe.
	IsoMaxPending int

	// MaxPeriodic bounds active periodic endpoints; zero is unbounded.
	MaxPeriodic int

	// InterruptThreshold is the USBCMD interrupt threshold in microframes.
	InterruptThreshold uint8
}

// Default configuration values.
const (
	DefaultRootHubAddress  = 1
	DefaultResetTimeout    = 50 * time.Millisecond
	DefaultHaltTimeout     = 20 * time.Millisecond
	DefaultDoorbellTimeout = 10 * time.Millisecond
	DefaultIsoTokenTimeout = 125 * time.Microsecond
	DefaultPortResetTime   = 50 * time.Millisecond
	DefaultPollInterval    = 10 * time.Microsecond
	DefaultQHsPerArena     = 64
	DefaultQTDsPerArena    = 256
	DefaultISOsPerArena    = 64
	DefaultMaxArenas       = 8
	DefaultIsoRingSize     = 32
	DefaultIsoMaxPending   = 8
)

// DefaultConfig returns the default driver configuration.
func DefaultConfig() Config {
	return Config{
		RootHubAddress:     DefaultRootHubAddress,
		ResetTimeout:       DefaultResetTimeout,
		HaltTimeout:        DefaultHaltTimeout,
		DoorbellTimeout:    DefaultDoorbellTimeout,
		IsoTokenTimeout:    DefaultIsoTokenTimeout,
		PortResetTime:      DefaultPortResetTime,
		PollInterval:       DefaultPollInterval,
		QHsPerArena:        DefaultQHsPerArena,
		QTDsPerArena:       DefaultQTDsPerArena,
		ISOsPerArena:       DefaultISOsPerArena,
		MaxArenas:          DefaultMaxArenas,
		IsoRingSize:        DefaultIsoRingSize,
		IsoMaxPending:      DefaultIsoMaxPending,
		InterruptThreshold: defaultITC,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Memory == nil {
		c.Memory = NewHeapMemory(0)
	}
	if c.RootHubAddress == 0 {
		c.RootHubAddress = d.RootHubAddress
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HaltTimeout <= 0 {
		c.HaltTimeout = d.HaltTimeout
	}
	if c.DoorbellTimeout <= 0 {
		c.DoorbellTimeout = d.DoorbellTimeout
	}
	if c.IsoTokenTimeout <= 0 {
		c.IsoTokenTimeout = d.IsoTokenTimeout
	}
	if c.PortResetTime <= 0 {
		c.PortResetTime = d.PortResetTime
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.QHsPerArena <= 0 {
		c.QHsPerArena = d.QHsPerArena
	}
	if c.QTDsPerArena <= 0 {
		c.QTDsPerArena = d.QTDsPerArena
	}
	if c.ISOsPerArena <= 0 {
		c.ISOsPerArena = d.ISOsPerArena
	}
	if c.MaxArenas <= 0 {
		c.MaxArenas = d.MaxArenas
	}
	if c.IsoRingSize < 2 {
		c.IsoRingSize = d.IsoRingSize
	}
	if c.IsoMaxPending <= 0 {
		c.IsoMaxPending = d.IsoMaxPending
	}
	if c.InterruptThreshold == 0 {
		c.InterruptThreshold = d.InterruptThreshold
	}
}
