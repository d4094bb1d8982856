package sdspi

import (
	"fmt"
	"strings"
)

// CSD is the 128-bit card specific data register, most significant byte
// first [SD-PLS|5.3 CSD Register].
type CSD [16]byte

// bits returns the field at [msb:lsb] of the 128-bit register.
func (r CSD) bits(msb, lsb int) uint32 { return field(r[:], msb, lsb) }

// Version is the CSD structure version, 1 or 2.
func (r CSD) Version() int { return int(r.bits(127, 126)) + 1 }

// Blocks returns the number of 512-byte blocks on the card.
func (r CSD) Blocks() uint64 {
	switch r.Version() {
	case 1:
		// memory capacity = (C_SIZE+1) * 2^(C_SIZE_MULT+2) * 2^READ_BL_LEN
		cSize := uint64(r.bits(73, 62))
		mult := uint64(r.bits(49, 47))
		blLen := uint64(r.bits(83, 80))
		return (cSize + 1) << (mult + 2 + blLen) / BlockSize
	case 2:
		// memory capacity = (C_SIZE+1) * 512KiB
		return (uint64(r.bits(69, 48)) + 1) * 1024
	}
	return 0
}

// Capacity returns the card size in bytes.
func (r CSD) Capacity() uint64 { return r.Blocks() * BlockSize }

func (r CSD) String() string {
	return fmt.Sprintf("CSD v%d, %d blocks (%d MiB)", r.Version(), r.Blocks(), r.Capacity()>>20)
}

// CID is the 128-bit card identification register [SD-PLS|5.2 CID register].
type CID [16]byte

func (r CID) ManufacturerID() byte { return r[0] }
func (r CID) OEMID() string        { return string(r[1:3]) }
func (r CID) ProductName() string  { return strings.TrimRight(string(r[3:8]), "\x00 ") }

// Revision returns the product revision as major, minor.
func (r CID) Revision() (major, minor int) { return int(r[8] >> 4), int(r[8] & 0x0F) }

func (r CID) Serial() uint32 { return field(r[:], 55, 24) }

// Manufactured returns the manufacturing year and month.
func (r CID) Manufactured() (year, month int) {
	return 2000 + int(field(r[:], 19, 12)), int(field(r[:], 11, 8))
}

// Manufacturer returns a name for known manufacturer IDs.
func (r CID) Manufacturer() string {
	if name, ok := knownManufacturers[r.ManufacturerID()]; ok {
		return name
	}
	return ""
}

func (r CID) String() string {
	major, minor := r.Revision()
	year, month := r.Manufactured()
	mid := fmt.Sprintf("%#02x", r.ManufacturerID())
	if name := r.Manufacturer(); name != "" {
		mid += " " + name
	}
	return fmt.Sprintf("%s %q %q rev %d.%d sn %08X %04d-%02d",
		mid, r.OEMID(), r.ProductName(), major, minor, r.Serial(), year, month)
}

// Manufacturer IDs are assigned by the SD Association and not published;
// these are the ones commonly reported by cards in the field.
var knownManufacturers = map[byte]string{
	0x01: "Panasonic",
	0x02: "Toshiba",
	0x03: "SanDisk",
	0x1B: "Samsung",
	0x1D: "ADATA",
	0x27: "Phison",
	0x28: "Lexar",
	0x31: "Silicon Power",
	0x41: "Kingston",
	0x74: "Transcend",
	0x82: "Sony",
}

// field extracts bits [msb:lsb] from a big-endian register of len(b)*8 bits.
func field(b []byte, msb, lsb int) uint32 {
	n := len(b) * 8
	var v uint32
	for i := msb; i >= lsb; i-- {
		bit := n - 1 - i
		v = v<<1 | uint32(b[bit/8]>>(7-bit%8))&1
	}
	return v
}

// ReadCSD reads the CSD register.
func (c *Card) ReadCSD() (CSD, error) {
	var r CSD
	err := c.readRegister("csd", cmd9(), r[:])
	return r, err
}

// ReadCID reads the CID register.
func (c *Card) ReadCID() (CID, error) {
	var r CID
	err := c.readRegister("cid", cmd10(), r[:])
	return r, err
}

// readRegister reads a register sent as a data block
// [SD-PLS|7.2.6 Read CID/CSD Registers].
func (c *Card) readRegister(op string, cmd Command, dst []byte) (err error) {
	if err := c.ready(op); err != nil {
		return err
	}
	defer c.release(op, &err)

	st, err := c.sendCommand(cmd)
	if err != nil {
		return busError(op, PhaseCommand, err)
	}
	if st != StatusReady {
		return statusError(op, PhaseCommand, st)
	}
	if err := c.waitToken(op); err != nil {
		return err
	}
	for i := range dst {
		if dst[i], err = c.bus.ReceiveByte(); err != nil {
			return busError(op, PhaseData, err)
		}
	}
	if err := c.skip(crcBytes); err != nil {
		return busError(op, PhaseData, err)
	}
	return nil
}

// Status sends SEND_STATUS and returns both bytes of the R2 response.
func (c *Card) Status() (r1 Status, r2 byte, err error) {
	const op = "status"
	if err := c.ready(op); err != nil {
		return NoResponse, 0, err
	}
	defer c.release(op, &err)

	r1, err = c.sendCommand(cmd13())
	if err != nil {
		return NoResponse, 0, busError(op, PhaseCommand, err)
	}
	if r1 == NoResponse {
		return r1, 0, statusError(op, PhaseCommand, r1)
	}
	if r2, err = c.bus.ReceiveByte(); err != nil {
		return r1, 0, busError(op, PhaseCommand, err)
	}
	return r1, r2, nil
}
