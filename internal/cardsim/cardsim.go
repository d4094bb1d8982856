// Package cardsim simulates an SD card on the SPI bus, byte by byte, the way
// a real card sees MOSI and drives MISO. It implements spi.Conn and provides
// a chip select pin so drivers can be exercised without hardware.
package cardsim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/spi"
)

const BlockSize = 512

// Store persists card blocks.
type Store interface {
	io.ReaderAt
	io.WriterAt
}

type phase uint8

const (
	phaseCommand    phase = iota
	phaseWriteToken       // CMD24 accepted, waiting for 0xFE
	phaseWriteData        // collecting data and CRC
)

// Frame is a command as received by the card.
type Frame struct {
	Index uint8
	Arg   uint32
	CRC   byte
}

// Card is a simulated SD card. The exported knobs may be changed between
// transactions.
type Card struct {
	// HighCapacity makes the card SDHC: block addressing and CCS set in
	// the OCR.
	HighCapacity bool

	// OpCondPolls is the number of ACMD41 answered with idle before the
	// card reports ready.
	OpCondPolls int

	// TokenDelay is the number of 0xFF bytes before a read start token.
	TokenDelay int

	// BusyBytes is the number of 0x00 bytes after an accepted write.
	BusyBytes int

	Silent       bool // never drive MISO
	NoToken      bool // accept reads but never send the start token
	RejectWrites bool // answer every data block with a CRC error
	StuckBusy    bool // never finish programming

	CID [16]byte

	mu     sync.Mutex
	store  Store
	blocks uint32
	cs     *chipSelect

	selected bool
	inSPI    bool
	idle     bool
	appCmd   bool
	opCond   int

	phase  phase
	frame  [6]byte
	n      int
	out    []byte
	busy   bool
	wblock uint32
	wbuf   []byte

	frames []Frame
	bulks  int
}

// New returns a card of blocks blocks backed by store.
func New(store Store, blocks uint32) *Card {
	c := &Card{
		store:  store,
		blocks: blocks,
		CID: [16]byte{0x1B, 'S', 'M', 'S', 'I', 'M', 'C', 'D', 0x10,
			0x12, 0x34, 0x56, 0x78, 0x01, 0x9A, 0x01},
	}
	c.cs = &chipSelect{Pin: gpiotest.Pin{N: "CS", L: gpio.High}, c: c}
	return c
}

// NewMemory returns a card backed by a zeroed in-memory store.
func NewMemory(blocks uint32) *Card {
	return New(&memory{data: make([]byte, int(blocks)*BlockSize)}, blocks)
}

// NewFile returns a card backed by a disk image. Trailing bytes that do not
// fill a block are not addressable.
func NewFile(f *os.File) (*Card, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	blocks := fi.Size() / BlockSize
	if blocks == 0 {
		return nil, fmt.Errorf("cardsim: image %s smaller than one block", f.Name())
	}
	if blocks > 1<<32-1 {
		return nil, fmt.Errorf("cardsim: image %s too large", f.Name())
	}
	return New(f, uint32(blocks)), nil
}

// CS returns the chip select input of the card.
func (c *Card) CS() gpio.PinOut { return c.cs }

// Blocks returns the number of blocks.
func (c *Card) Blocks() uint32 { return c.blocks }

// Frames returns the commands received so far.
func (c *Card) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

// BulkTransfers returns the number of block sized Tx calls.
func (c *Card) BulkTransfers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bulks
}

// Selected reports whether chip select is asserted.
func (c *Card) Selected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

func (c *Card) String() string      { return "cardsim" }
func (c *Card) Duplex() conn.Duplex { return conn.Full }
func (c *Card) TxPackets(p []spi.Packet) error {
	for i := range p {
		if err := c.Tx(p[i].W, p[i].R); err != nil {
			return err
		}
	}
	return nil
}

// Tx clocks w into the card and the card's output into r.
func (c *Card) Tx(w, r []byte) error {
	if len(r) != 0 && len(r) != len(w) {
		return errors.New("cardsim: w and r must have the same length")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(w) == BlockSize {
		c.bulks++
	}
	for i, b := range w {
		o := c.exchange(b)
		if len(r) != 0 {
			r[i] = o
		}
	}
	return nil
}

func (c *Card) setSelected(sel bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected && !sel {
		// Abort whatever was in flight.
		c.out = c.out[:0]
		c.n = 0
		c.phase = phaseCommand
		c.busy = false
	}
	c.selected = sel
}

func (c *Card) exchange(in byte) byte {
	if !c.selected || c.Silent {
		return 0xFF
	}
	out := byte(0xFF)
	if c.busy {
		out = 0x00
	}
	if len(c.out) > 0 {
		out = c.out[0]
		c.out = c.out[1:]
		if len(c.out) == 0 && c.busy && !c.StuckBusy {
			c.busy = false
		}
	}
	c.consume(in)
	return out
}

func (c *Card) consume(in byte) {
	switch c.phase {
	case phaseCommand:
		if c.n == 0 && in&0xC0 != 0x40 {
			return
		}
		c.frame[c.n] = in
		c.n++
		if c.n == len(c.frame) {
			c.n = 0
			c.execute()
		}
	case phaseWriteToken:
		if in == 0xFE {
			c.wbuf = c.wbuf[:0]
			c.phase = phaseWriteData
		}
	case phaseWriteData:
		c.wbuf = append(c.wbuf, in)
		if len(c.wbuf) == BlockSize+2 {
			c.phase = phaseCommand
			c.commit()
		}
	}
}

func (c *Card) r1() byte {
	if c.idle {
		return 0x01
	}
	return 0x00
}

// respond queues NCR (one byte), R1 and any trailing bytes.
func (c *Card) respond(r1 byte, extra ...byte) {
	c.out = append(c.out[:0], 0xFF, r1)
	c.out = append(c.out, extra...)
}

const (
	r1CRCError     = 0x08
	r1Illegal      = 0x04
	r1AddressError = 0x20
	r1ParamError   = 0x40
)

func (c *Card) execute() {
	f := Frame{
		Index: c.frame[0] & 0x3F,
		Arg:   binary.BigEndian.Uint32(c.frame[1:5]),
		CRC:   c.frame[5],
	}
	c.frames = append(c.frames, f)

	// Before CMD0 the card is in SD mode and ignores SPI commands.
	if !c.inSPI && f.Index != 0 {
		return
	}
	app := c.appCmd
	c.appCmd = false

	switch {
	case f.Index == 0:
		if f.CRC != 0x95 {
			c.respond(c.r1() | r1CRCError)
			return
		}
		c.inSPI = true
		c.idle = true
		c.opCond = c.OpCondPolls
		c.respond(0x01)
	case f.Index == 8:
		if f.CRC != 0x87 {
			c.respond(c.r1() | r1CRCError)
			return
		}
		c.respond(c.r1(), 0x00, 0x00, byte(f.Arg>>8)&0x0F, byte(f.Arg))
	case f.Index == 55:
		c.appCmd = true
		c.respond(c.r1())
	case app && f.Index == 41:
		if c.idle && (f.Arg&(1<<30) != 0 || !c.HighCapacity) {
			if c.opCond > 0 {
				c.opCond--
			} else {
				c.idle = false
			}
		}
		c.respond(c.r1())
	case f.Index == 58:
		ocr := uint32(0x00FF8000) // 2.7-3.6V
		if !c.idle {
			ocr |= 1 << 31
			if c.HighCapacity {
				ocr |= 1 << 30
			}
		}
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], ocr)
		c.respond(c.r1(), b[:]...)
	case f.Index == 13:
		c.respond(c.r1(), 0x00)
	case c.idle:
		c.respond(c.r1() | r1Illegal)
	case f.Index == 16:
		if f.Arg != BlockSize {
			c.respond(r1ParamError)
			return
		}
		c.respond(0x00)
	case f.Index == 9:
		csd := c.csd()
		c.respond(0x00, packet(0, csd[:])...)
	case f.Index == 10:
		c.respond(0x00, packet(0, c.CID[:])...)
	case f.Index == 17:
		blk, ok := c.block(f.Arg)
		if !ok {
			c.respond(r1AddressError)
			return
		}
		if c.NoToken {
			c.respond(0x00)
			return
		}
		data := make([]byte, BlockSize)
		if _, err := c.store.ReadAt(data, int64(blk)*BlockSize); err != nil && err != io.EOF {
			// Data error token: card ECC failed.
			c.respond(0x00, 0xFF, 0x04)
			return
		}
		c.respond(0x00, packet(c.TokenDelay, data)...)
	case f.Index == 24:
		blk, ok := c.block(f.Arg)
		if !ok {
			c.respond(r1AddressError)
			return
		}
		c.wblock = blk
		c.phase = phaseWriteToken
		c.respond(0x00)
	default:
		c.respond(c.r1() | r1Illegal)
	}
}

// packet frames data as a read data packet: delay, start token, data, CRC.
func packet(delay int, data []byte) []byte {
	p := make([]byte, 0, 1+delay+1+len(data)+2)
	p = append(p, 0xFF)
	for range delay {
		p = append(p, 0xFF)
	}
	p = append(p, 0xFE)
	p = append(p, data...)
	return append(p, 0x00, 0x00)
}

func (c *Card) block(arg uint32) (uint32, bool) {
	blk := arg
	if !c.HighCapacity {
		if arg%BlockSize != 0 {
			return 0, false
		}
		blk = arg / BlockSize
	}
	return blk, blk < c.blocks
}

func (c *Card) commit() {
	const (
		accepted = 0xE5 // 0b111_0_010_1
		crcError = 0xEB
		writeErr = 0xED
	)
	if c.RejectWrites {
		c.out = append(c.out[:0], crcError)
		return
	}
	if _, err := c.store.WriteAt(c.wbuf[:BlockSize], int64(c.wblock)*BlockSize); err != nil {
		c.out = append(c.out[:0], writeErr)
		return
	}
	c.out = append(c.out[:0], accepted)
	for range c.BusyBytes {
		c.out = append(c.out, 0x00)
	}
	c.busy = c.StuckBusy || c.BusyBytes > 0
}

// csd builds a CSD describing the card size: version 2 for high capacity,
// version 1 with 512-byte READ_BL_LEN otherwise. The size is rounded down to
// a whole 512KiB (v2) or 256KiB (v1) unit, and never below one unit.
func (c *Card) csd() [16]byte {
	var r [16]byte
	if c.HighCapacity {
		setField(r[:], 127, 126, 1)
		setField(r[:], 69, 48, max(c.blocks/1024, 1)-1)
	} else {
		setField(r[:], 83, 80, 9)
		setField(r[:], 73, 62, max(c.blocks/512, 1)-1)
		setField(r[:], 49, 47, 7)
	}
	r[15] |= 0x01
	return r
}

func setField(b []byte, msb, lsb int, v uint32) {
	n := len(b) * 8
	for i := lsb; i <= msb; i++ {
		bit := n - 1 - i
		if v&(1<<(i-lsb)) != 0 {
			b[bit/8] |= 1 << (7 - bit%8)
		}
	}
}

type chipSelect struct {
	gpiotest.Pin
	c *Card
}

func (p *chipSelect) Out(l gpio.Level) error {
	p.c.setSelected(l == gpio.Low)
	return p.Pin.Out(l)
}

type memory struct {
	mu   sync.Mutex
	data []byte
}

func (m *memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off+int64(len(p)) > int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}
	return copy(m.data[off:], p), nil
}
