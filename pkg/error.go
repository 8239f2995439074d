package pkg

import "errors"

// USB transfer outcome errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrHalted indicates the endpoint halted after exhausting its error counter.
	ErrHalted = errors.New("endpoint halted")

	// ErrBabble indicates the device transmitted past the end of a packet.
	ErrBabble = errors.New("babble detected")

	// ErrTimeout indicates a transfer or hardware wait timed out.
	ErrTimeout = errors.New("transfer timeout")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrUnderrun indicates a short packet ended the transfer early.
	ErrUnderrun = errors.New("data underrun")

	// ErrBufferOverrun indicates the controller could not drain an OUT buffer in time.
	ErrBufferOverrun = errors.New("buffer overrun")

	// ErrBufferUnderrun indicates the controller could not fill an IN buffer in time.
	ErrBufferUnderrun = errors.New("buffer underrun")

	// ErrInvalidPID indicates an unexpected packet identifier on a split transaction.
	ErrInvalidPID = errors.New("invalid PID")

	// ErrProtocol indicates an unclassified transaction error.
	ErrProtocol = errors.New("protocol error")

	// ErrHostSystem indicates the controller signalled an unrecoverable host system error.
	ErrHostSystem = errors.New("host system error")
)

// Driver API errors.
var (
	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrNotFound indicates no pipe is open for the given address and endpoint.
	ErrNotFound = errors.New("pipe not found")

	// ErrDuplicate indicates a pipe is already open for the given address and endpoint.
	ErrDuplicate = errors.New("pipe already open")

	// ErrNotSupported indicates an unsupported operation or controller.
	ErrNotSupported = errors.New("not supported")

	// ErrBusy indicates the resource is busy.
	ErrBusy = errors.New("resource busy")

	// ErrNoMemory indicates descriptor pool or backing memory exhaustion.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrBandwidth indicates insufficient periodic bandwidth.
	ErrBandwidth = errors.New("insufficient bandwidth")

	// ErrNoResources indicates insufficient resources (e.g., pending transfer slots).
	ErrNoResources = errors.New("no resources available")

	// ErrAlreadyRunning indicates the controller is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the controller is not running.
	ErrNotRunning = errors.New("not running")
)

// TransferStatus represents the completion status of a USB transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess        TransferStatus = iota // Transfer completed successfully
	TransferStatusError                                // Unclassified transaction error
	TransferStatusStall                                // Endpoint stalled
	TransferStatusHalted                               // Error counter exhausted
	TransferStatusBabble                               // Babble detected
	TransferStatusTimeout                              // Transfer timed out
	TransferStatusCancelled                            // Transfer was cancelled
	TransferStatusUnderrun                             // Short packet
	TransferStatusBufferOverrun                        // Host buffer overrun
	TransferStatusBufferUnderrun                       // Host buffer underrun
	TransferStatusInvalidPID                           // Bad PID on a split transaction
	TransferStatusHostError                            // Controller failed
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusError:
		return "error"
	case TransferStatusStall:
		return "stall"
	case TransferStatusHalted:
		return "halted"
	case TransferStatusBabble:
		return "babble"
	case TransferStatusTimeout:
		return "timeout"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusUnderrun:
		return "underrun"
	case TransferStatusBufferOverrun:
		return "buffer overrun"
	case TransferStatusBufferUnderrun:
		return "buffer underrun"
	case TransferStatusInvalidPID:
		return "invalid pid"
	case TransferStatusHostError:
		return "host error"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusHalted:
		return ErrHalted
	case TransferStatusBabble:
		return ErrBabble
	case TransferStatusTimeout:
		return ErrTimeout
	case TransferStatusCancelled:
		return ErrCancelled
	case TransferStatusUnderrun:
		return ErrUnderrun
	case TransferStatusBufferOverrun:
		return ErrBufferOverrun
	case TransferStatusBufferUnderrun:
		return ErrBufferUnderrun
	case TransferStatusInvalidPID:
		return ErrInvalidPID
	case TransferStatusHostError:
		return ErrHostSystem
	default:
		return ErrProtocol
	}
}
