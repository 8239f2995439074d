package ehci

import (
	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
)

// qtdStatus normalizes the token of a retired qTD.
//
// Two mappings depend on device speed and are kept as observed on shipping
// controllers without a protocol rationale: a missed microframe is ignored
// below high speed, and the ping-state/ERR bit is ignored at high speed but
// reported as an invalid PID otherwise.
func qtdStatus(t Token, speed hal.Speed) pkg.TransferStatus {
	st := t.Status() &^ tokActive
	if st == 0 {
		if t.Bytes() != 0 {
			return pkg.TransferStatusUnderrun
		}
		return pkg.TransferStatusSuccess
	}
	switch {
	case st&tokHalted != 0:
		switch {
		case st&tokBabble != 0:
			return pkg.TransferStatusBabble
		case t.Cerr() == 0:
			return pkg.TransferStatusHalted
		default:
			return pkg.TransferStatusStall
		}
	case st&tokBufferErr != 0:
		if t.Cerr() != 0 {
			return pkg.TransferStatusSuccess
		}
		if t.PID() == pidIn {
			return pkg.TransferStatusBufferUnderrun
		}
		return pkg.TransferStatusBufferOverrun
	case st&tokXactErr != 0:
		if t.Cerr() != 0 {
			return pkg.TransferStatusSuccess
		}
		return pkg.TransferStatusError
	case st&tokMissedUF != 0:
		if speed != hal.SpeedHigh {
			return pkg.TransferStatusSuccess
		}
		return pkg.TransferStatusError
	case st&tokPingErr != 0:
		if speed == hal.SpeedHigh {
			return pkg.TransferStatusSuccess
		}
		return pkg.TransferStatusInvalidPID
	}
	return pkg.TransferStatusSuccess
}

// itdStatus normalizes one retired iTD transaction.
func itdStatus(t itdTrans, in bool) pkg.TransferStatus {
	switch {
	case t&itdBabble != 0:
		return pkg.TransferStatusBabble
	case t&itdBufferErr != 0:
		if in {
			return pkg.TransferStatusBufferUnderrun
		}
		return pkg.TransferStatusBufferOverrun
	case t&itdXactErr != 0:
		return pkg.TransferStatusError
	}
	return pkg.TransferStatusSuccess
}

// sitdStatus normalizes the status byte of a retired siTD.
func sitdStatus(st uint8, in bool) pkg.TransferStatus {
	switch {
	case st&sitdBabble != 0:
		return pkg.TransferStatusBabble
	case st&sitdBufferErr != 0:
		if in {
			return pkg.TransferStatusBufferUnderrun
		}
		return pkg.TransferStatusBufferOverrun
	case st&(sitdXactErr|sitdErr) != 0:
		return pkg.TransferStatusError
	}
	return pkg.TransferStatusSuccess
}
