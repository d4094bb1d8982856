package sdspi

import (
	"fmt"
	"strings"
)

// Status is the R1 response byte.
//
//	Bit | [SD-PLS|7.3.2.1 Format R1]
//	----+-----------------------------
//	7   | always 0
//	6   | parameter error
//	5   | address error
//	4   | erase sequence error
//	3   | com CRC error
//	2   | illegal command
//	1   | erase reset
//	0   | in idle state
type Status byte

const (
	StatusReady Status = 0x00
	StatusIdle  Status = 0x01

	// NoResponse is returned by the poller when no byte with bit 7 clear
	// arrived within the attempt budget. A real R1 never has bit 7 set.
	NoResponse Status = 0xFF
)

func (s Status) Valid() bool              { return s&(1<<7) == 0 }
func (s Status) ParameterError() bool     { return s&(1<<6) != 0 }
func (s Status) AddressError() bool       { return s&(1<<5) != 0 }
func (s Status) EraseSequenceError() bool { return s&(1<<4) != 0 }
func (s Status) CRCError() bool           { return s&(1<<3) != 0 }
func (s Status) IllegalCommand() bool     { return s&(1<<2) != 0 }
func (s Status) EraseReset() bool         { return s&(1<<1) != 0 }
func (s Status) Idle() bool               { return s&(1<<0) != 0 }

func (s Status) String() string {
	if s == NoResponse {
		return "no response"
	}
	b := fmt.Sprintf("%08b", byte(s))
	f := []string{}
	if s.ParameterError() {
		f = append(f, "PARAM")
	}
	if s.AddressError() {
		f = append(f, "ADDR")
	}
	if s.EraseSequenceError() {
		f = append(f, "ERASE_SEQ")
	}
	if s.CRCError() {
		f = append(f, "CRC")
	}
	if s.IllegalCommand() {
		f = append(f, "ILLEGAL")
	}
	if s.EraseReset() {
		f = append(f, "ERASE_RESET")
	}
	if s.Idle() {
		f = append(f, "IDLE")
	}
	if len(f) == 0 {
		return b
	}
	return b + " " + strings.Join(f, ",")
}

// Control tokens [SD-PLS|7.3.3 Control Tokens].
const (
	tokenStartBlock = 0xFE // single block read/write, CMD17/18/24
	filler          = 0xFF

	dataResponseMask     = 0x1F
	dataResponseAccepted = 0x05 // 0b00101
	dataResponseCRCError = 0x0B // 0b01011
	dataResponseWriteErr = 0x0D // 0b01101
)

// dataResponse describes a data response token for error messages.
func dataResponse(b byte) string {
	switch b & dataResponseMask {
	case dataResponseAccepted:
		return "accepted"
	case dataResponseCRCError:
		return "CRC error"
	case dataResponseWriteErr:
		return "write error"
	}
	return fmt.Sprintf("invalid token %#02x", b)
}
