package sdspi

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// BlockSize is the size of every transfer. High capacity cards fix it at
// 512; standard capacity cards are set to 512 during initialization.
const BlockSize = 512

// Block is one data block.
type Block [BlockSize]byte

// State is the lifecycle state of a Card.
type State uint8

const (
	Uninitialized State = iota
	Initializing
	Ready
	Reading
	Writing
	Faulted
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Reading:
		return "reading"
	case Writing:
		return "writing"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Clock bounds the loops that wait on the card.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// SystemClock is the Clock backed by package time.
type SystemClock struct{}

func (SystemClock) Now() time.Time        { return time.Now() }
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

// Opts holds the timing budgets of a Card.
type Opts struct {
	// IdleClockBytes is the number of 0xFF bytes sent with CS high before
	// CMD0, 8 clocks each. [SD-PLS|6.4.1.1] asks for at least 74 clocks.
	IdleClockBytes int

	// CommandAttempts is the number of bytes read while waiting for R1
	// (NCR is 1 to 8 bytes).
	CommandAttempts int

	// TokenAttempts is the number of bytes read while waiting for the start
	// block token of a read.
	TokenAttempts int

	// OpCondTimeout bounds the CMD55/ACMD41 loop [SD-PLS|4.2.3: 1 second].
	OpCondTimeout time.Duration

	// OpCondInterval is the pause between ACMD41 attempts.
	OpCondInterval time.Duration

	// WriteTimeout bounds the busy wait after a block write
	// [SD-PLS|4.6.2.2: 250ms for SDHC/SDXC].
	WriteTimeout time.Duration

	Clock  Clock
	Logger *zap.Logger
}

// DefaultOpts are the budgets used when New is given nil.
var DefaultOpts = Opts{
	IdleClockBytes:  10,
	CommandAttempts: 10,
	TokenAttempts:   100000,
	OpCondTimeout:   time.Second,
	OpCondInterval:  time.Millisecond,
	WriteTimeout:    500 * time.Millisecond,
}

// crcBytes is the CRC16 width following a data block. CRC is not checked in
// SPI mode but both bytes are always clocked.
const crcBytes = 2

// Card is an SD card attached to a Bus. It owns the bus for the duration of
// each call and holds no lock.
type Card struct {
	bus   Bus
	opts  Opts
	clk   Clock
	log   *zap.Logger
	state State

	ocr          uint32
	highCapacity bool
}

// New returns an uninitialized Card on bus. Zero fields in opts take the
// values of DefaultOpts.
func New(bus Bus, opts *Opts) *Card {
	o := DefaultOpts
	if opts != nil {
		o = *opts
		if o.IdleClockBytes <= 0 {
			o.IdleClockBytes = DefaultOpts.IdleClockBytes
		}
		if o.CommandAttempts <= 0 {
			o.CommandAttempts = DefaultOpts.CommandAttempts
		}
		if o.TokenAttempts <= 0 {
			o.TokenAttempts = DefaultOpts.TokenAttempts
		}
		if o.OpCondTimeout <= 0 {
			o.OpCondTimeout = DefaultOpts.OpCondTimeout
		}
		if o.OpCondInterval < 0 {
			o.OpCondInterval = 0
		}
		if o.WriteTimeout <= 0 {
			o.WriteTimeout = DefaultOpts.WriteTimeout
		}
	}
	c := &Card{
		bus:  bus,
		opts: o,
		clk:  o.Clock,
		log:  o.Logger,
	}
	if c.clk == nil {
		c.clk = SystemClock{}
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

// State returns the lifecycle state.
func (c *Card) State() State { return c.state }

// OCR returns the operating conditions register read during Initialize.
func (c *Card) OCR() uint32 { return c.ocr }

// HighCapacity reports whether the card addresses by block (SDHC/SDXC).
func (c *Card) HighCapacity() bool { return c.highCapacity }

// sendCommand selects the card, sends one settle byte and the command frame,
// and polls for R1. Chip select stays asserted.
func (c *Card) sendCommand(cmd Command) (Status, error) {
	if err := c.bus.Select(); err != nil {
		return NoResponse, err
	}
	if err := c.bus.SendByte(filler); err != nil {
		return NoResponse, err
	}
	for _, b := range cmd.Encode() {
		if err := c.bus.SendByte(b); err != nil {
			return NoResponse, err
		}
	}
	st, err := c.pollStatus(c.opts.CommandAttempts)
	c.log.Debug("command",
		zap.Uint8("cmd", cmd.Index),
		zap.Uint32("arg", cmd.Arg),
		zap.Stringer("r1", st),
	)
	return st, err
}

// pollStatus reads at most attempts bytes and returns the first one with bit 7
// clear, or NoResponse.
func (c *Card) pollStatus(attempts int) (Status, error) {
	for range attempts {
		b, err := c.bus.ReceiveByte()
		if err != nil {
			return NoResponse, err
		}
		if st := Status(b); st.Valid() {
			return st, nil
		}
	}
	return NoResponse, nil
}

// receiveUint32 reads the big-endian payload of an R3 or R7 response.
func (c *Card) receiveUint32() (uint32, error) {
	var v uint32
	for range 4 {
		b, err := c.bus.ReceiveByte()
		if err != nil {
			return 0, err
		}
		v = v<<8 | uint32(b)
	}
	return v, nil
}

// release deasserts chip select and clocks one more byte so the card lets
// go of MISO. A bus error here is reported only if the operation succeeded.
func (c *Card) release(op string, err *error) {
	dErr := c.bus.Deselect()
	if dErr == nil {
		dErr = c.bus.SendByte(filler)
	}
	if dErr != nil && *err == nil {
		*err = busError(op, PhaseRelease, dErr)
	}
}

// Initialize runs the power-up handshake. It may be called again at any
// time, and must be after a failure.
func (c *Card) Initialize() (err error) {
	const op = "init"
	c.state = Initializing
	c.highCapacity = false
	c.ocr = 0

	defer func() {
		if err != nil {
			c.state = Faulted
			c.log.Warn("initialization failed", zap.Error(err))
			return
		}
		c.state = Ready
		c.log.Info("card ready",
			zap.Uint32("ocr", c.ocr),
			zap.Bool("high_capacity", c.highCapacity),
		)
	}()
	defer c.release(op, &err)

	// [SD-PLS|6.4.1.1 Power Up Time of Card]
	if err := c.bus.Deselect(); err != nil {
		return busError(op, PhaseReset, err)
	}
	for range c.opts.IdleClockBytes {
		if err := c.bus.SendByte(filler); err != nil {
			return busError(op, PhaseReset, err)
		}
	}

	st, err := c.sendCommand(cmd0())
	if err != nil {
		return busError(op, PhaseReset, err)
	}
	if st != StatusIdle {
		return statusError(op, PhaseReset, st)
	}

	// CMD8 declares version 2.00 host support; the card echoes the
	// voltage range and check pattern [SD-PLS|7.3.2.6 Format R7].
	st, err = c.sendCommand(cmd8())
	if err != nil {
		return busError(op, PhaseInterfaceCheck, err)
	}
	if st != StatusIdle {
		return statusError(op, PhaseInterfaceCheck, st)
	}
	echo, err := c.receiveUint32()
	if err != nil {
		return busError(op, PhaseInterfaceCheck, err)
	}
	if echo&ifCondMask != ifCondCheck {
		return &Error{Op: op, Phase: PhaseInterfaceCheck, Status: st,
			Err: fmt.Errorf("%w: interface condition echo %#03x", ErrProtocol, echo&ifCondMask)}
	}

	if err := c.waitOpCond(op); err != nil {
		return err
	}

	st, err = c.sendCommand(cmd58())
	if err != nil {
		return busError(op, PhaseReadOCR, err)
	}
	if st != StatusReady {
		return statusError(op, PhaseReadOCR, st)
	}
	ocr, err := c.receiveUint32()
	if err != nil {
		return busError(op, PhaseReadOCR, err)
	}
	c.ocr = ocr
	c.highCapacity = ocr&ocrPowerUpDone != 0 && ocr&hcsBit != 0

	if !c.highCapacity {
		st, err = c.sendCommand(cmd16())
		if err != nil {
			return busError(op, PhaseBlockLength, err)
		}
		if st != StatusReady {
			return statusError(op, PhaseBlockLength, st)
		}
	}
	return nil
}

// waitOpCond repeats CMD55+ACMD41 until the card leaves the idle state or
// OpCondTimeout passes.
func (c *Card) waitOpCond(op string) error {
	deadline := c.clk.Now().Add(c.opts.OpCondTimeout)
	st := NoResponse
	for attempt := 1; ; attempt++ {
		if _, err := c.sendCommand(cmd55()); err != nil {
			return busError(op, PhaseOpCond, err)
		}
		var err error
		st, err = c.sendCommand(acmd41())
		if err != nil {
			return busError(op, PhaseOpCond, err)
		}
		if st == StatusReady {
			c.log.Debug("op condition reached", zap.Int("attempts", attempt))
			return nil
		}
		if !c.clk.Now().Before(deadline) {
			return &Error{Op: op, Phase: PhaseOpCond, Status: st,
				Err: fmt.Errorf("%w: card still initializing after %v", ErrTimeout, c.opts.OpCondTimeout)}
		}
		c.clk.Sleep(c.opts.OpCondInterval)
	}
}

// ready reports ErrNotReady for operations issued outside the Ready state.
func (c *Card) ready(op string) error {
	if c.state == Ready {
		return nil
	}
	return &Error{Op: op, Phase: PhaseCommand, Status: NoResponse,
		Err: fmt.Errorf("%w: state %s", ErrNotReady, c.state)}
}

// address maps a block index to the command argument.
func (c *Card) address(index uint32) (uint32, bool) {
	if c.highCapacity {
		return index, true
	}
	if index > (1<<32-1)/BlockSize {
		return 0, false
	}
	return index * BlockSize, true
}
