package sdspi

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a Card unwraps to one of these.
var (
	// ErrTimeout indicates a status, token or busy poll exhausted its budget.
	ErrTimeout = errors.New("sdspi: timeout")

	// ErrProtocol indicates the card answered with an unexpected status.
	ErrProtocol = errors.New("sdspi: protocol violation")

	// ErrDataRejected indicates the card refused a written data block.
	ErrDataRejected = errors.New("sdspi: data rejected")

	// ErrBusFault indicates the underlying bus transfer failed.
	ErrBusFault = errors.New("sdspi: bus fault")

	// ErrNotReady indicates an operation on a card that is not initialized.
	ErrNotReady = errors.New("sdspi: card not ready")
)

// ErrBulkTimeout is returned by SPIBus when a bulk transfer did not complete
// in time. The transfer may still be running; the bus refuses further use
// until it finishes.
var ErrBulkTimeout = fmt.Errorf("%w: bulk transfer timed out", ErrBusFault)

// Phase names the step of an operation that failed.
type Phase uint8

const (
	PhaseReset          Phase = iota + 1 // CMD0
	PhaseInterfaceCheck                  // CMD8
	PhaseOpCond                          // CMD55 + ACMD41 loop
	PhaseReadOCR                         // CMD58
	PhaseBlockLength                     // CMD16
	PhaseCommand                         // command of a data or register transfer
	PhaseToken                           // start block token wait
	PhaseData                            // data phase or data response
	PhaseBusy                            // programming busy wait
	PhaseRelease                         // deselect and trailing filler byte
)

func (p Phase) String() string {
	switch p {
	case PhaseReset:
		return "reset"
	case PhaseInterfaceCheck:
		return "interface check"
	case PhaseOpCond:
		return "op condition"
	case PhaseReadOCR:
		return "read OCR"
	case PhaseBlockLength:
		return "set block length"
	case PhaseCommand:
		return "command"
	case PhaseToken:
		return "data token"
	case PhaseData:
		return "data"
	case PhaseBusy:
		return "busy wait"
	case PhaseRelease:
		return "release"
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// Error describes a failed card operation.
type Error struct {
	Op     string // "init", "read", "write", "csd", "cid", "status"
	Phase  Phase
	Status Status // last byte the card returned, NoResponse if none
	Err    error  // one of the Err* kinds, possibly wrapping a bus error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s failed (r1=%#02x): %v", e.Op, e.Phase, byte(e.Status), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// statusError classifies an unexpected status byte.
func statusError(op string, ph Phase, st Status) *Error {
	kind := ErrProtocol
	if st == NoResponse {
		kind = ErrTimeout
	}
	return &Error{Op: op, Phase: ph, Status: st, Err: kind}
}

// busError wraps an error returned by the Bus.
func busError(op string, ph Phase, err error) *Error {
	if !errors.Is(err, ErrBusFault) {
		err = fmt.Errorf("%w: %w", ErrBusFault, err)
	}
	return &Error{Op: op, Phase: ph, Status: NoResponse, Err: err}
}
