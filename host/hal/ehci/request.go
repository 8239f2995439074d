package ehci

import (
	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
)

// IsoPacket describes one isochronous transaction of a Request. Packets
// occupy consecutive ranges of Request.Data in order.
type IsoPacket struct {
	Length int                // bytes requested
	Actual int                // bytes transferred, set on completion
	Status pkg.TransferStatus // per-transaction outcome
}

// Request is one transfer handed to Submit. The driver owns the request,
// including Data, until Callback runs.
type Request struct {
	// Data is the data stage buffer. For IN transfers it receives data.
	Data []byte

	// Setup is the SETUP packet for control transfers.
	Setup *hal.SetupPacket

	// ShortOK promotes a short packet to success.
	ShortOK bool

	// ZeroPacket appends a zero-length packet to an OUT transfer whose
	// length is a multiple of the endpoint's maximum packet size.
	ZeroPacket bool

	// Iso lists the transactions of an isochronous transfer.
	Iso []IsoPacket

	// Callback receives the request once it retires.
	Callback func(r *Request)

	// Results.
	Status pkg.TransferStatus
	Actual int
	Err    error

	finished bool
}

// finish records the outcome. It reports false if the request had already
// finished, so a request never completes twice.
func (r *Request) finish(status pkg.TransferStatus, actual int, err error) bool {
	if r.finished {
		return false
	}
	r.finished = true
	r.Status = status
	r.Actual = actual
	if err == nil {
		err = status.Error()
	}
	r.Err = err
	return true
}

func (r *Request) deliver() {
	if r.Callback != nil {
		r.Callback(r)
	}
}

// reset prepares a request for submission.
func (r *Request) reset() {
	r.finished = false
	r.Status = pkg.TransferStatusSuccess
	r.Actual = 0
	r.Err = nil
}
