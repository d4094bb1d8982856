package sdspi

// Command indexes [SD-PLS|7.3.1.3 Detailed Command Description].
// The wire byte is 0x40|index, e.g. CMD0 is sent as 0x40 and CMD58 as 0x7A.
const (
	cmdGoIdleState        = 0  // CMD0: reset, enters SPI mode with CS low
	cmdSendIfCond         = 8  // CMD8: interface condition, R7
	cmdSendCSD            = 9  // CMD9
	cmdSendCID            = 10 // CMD10
	cmdStopTransmission   = 12 // CMD12: ends CMD18, not used by single block paths
	cmdSendStatus         = 13 // CMD13: R2
	cmdSetBlockLen        = 16 // CMD16
	cmdReadSingleBlock    = 17 // CMD17
	cmdReadMultipleBlock  = 18 // CMD18: not used by single block paths
	cmdWriteBlock         = 24 // CMD24
	cmdWriteMultipleBlock = 25 // CMD25: not used by single block paths
	cmdAppCmd             = 55 // CMD55: next command is an ACMD
	cmdReadOCR            = 58 // CMD58: R3
	acmdSDSendOpCond      = 41 // ACMD41, only right after CMD55
)

const (
	frameLen   = 6
	frameStart = 0x40 // start bit 0, transmission bit 1

	// Precomputed CRC7 trailers; the card checks CRC on CMD0 and CMD8 even
	// in SPI mode. Every other command uses crcPlaceholder.
	crcGoIdleState = 0x95
	crcSendIfCond  = 0x87
	crcPlaceholder = 0x01

	ifCondCheck    = 0x1AA     // VHS 2.7-3.6V, check pattern 0xAA
	hcsBit         = 1 << 30   // ACMD41 HCS, OCR CCS
	ocrPowerUpDone = 1 << 31   // OCR busy bit, set when power up finished
	ifCondMask     = 1<<12 - 1 // R7 voltage accepted + echo
)

// Response is the response format a command expects.
type Response uint8

const (
	R1  Response = iota
	R1b          // R1 followed by busy
	R2           // R1 followed by a second status byte
	R3           // R1 followed by the 32-bit OCR
	R7           // R1 followed by 32 bits of interface condition echo
)

// trailing returns the number of bytes that follow R1.
func (r Response) trailing() int {
	switch r {
	case R2:
		return 1
	case R3, R7:
		return 4
	}
	return 0
}

// Command is a command descriptor.
type Command struct {
	Index    uint8 // 6-bit command index
	Arg      uint32
	CRC      byte
	Response Response
}

// Encode returns the six-byte wire frame. It injects the start, transmission
// and end bits, so Index and CRC are given without framing.
func (c Command) Encode() [frameLen]byte {
	return [frameLen]byte{
		frameStart | c.Index&0x3F,
		byte(c.Arg >> 24),
		byte(c.Arg >> 16),
		byte(c.Arg >> 8),
		byte(c.Arg),
		c.CRC | 0x01,
	}
}

func cmd0() Command { return Command{Index: cmdGoIdleState, CRC: crcGoIdleState, Response: R1} }
func cmd8() Command {
	return Command{Index: cmdSendIfCond, Arg: ifCondCheck, CRC: crcSendIfCond, Response: R7}
}
func cmd55() Command { return Command{Index: cmdAppCmd, CRC: crcPlaceholder, Response: R1} }
func acmd41() Command {
	return Command{Index: acmdSDSendOpCond, Arg: hcsBit, CRC: crcPlaceholder, Response: R1}
}
func cmd58() Command { return Command{Index: cmdReadOCR, CRC: crcPlaceholder, Response: R3} }
func cmd13() Command { return Command{Index: cmdSendStatus, CRC: crcPlaceholder, Response: R2} }
func cmd16() Command {
	return Command{Index: cmdSetBlockLen, Arg: BlockSize, CRC: crcPlaceholder, Response: R1}
}
func cmd9() Command  { return Command{Index: cmdSendCSD, CRC: crcPlaceholder, Response: R1} }
func cmd10() Command { return Command{Index: cmdSendCID, CRC: crcPlaceholder, Response: R1} }
func cmd17(addr uint32) Command {
	return Command{Index: cmdReadSingleBlock, Arg: addr, CRC: crcPlaceholder, Response: R1}
}
func cmd24(addr uint32) Command {
	return Command{Index: cmdWriteBlock, Arg: addr, CRC: crcPlaceholder, Response: R1}
}
