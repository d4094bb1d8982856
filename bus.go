package sdspi

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// Bus is the byte-level transceiver a Card talks through. It has no protocol
// knowledge. Select and Deselect drive the (active low) chip select line.
type Bus interface {
	Select() error
	Deselect() error

	// SendByte transmits b and discards whatever is clocked in.
	SendByte(b byte) error

	// ReceiveByte transmits 0xFF and returns the byte clocked in.
	ReceiveByte() (byte, error)

	// BulkReceive clocks in a full block while transmitting 0xFF. It returns
	// only after the transfer completed or failed.
	BulkReceive(dst *Block) error

	// BulkWrite clocks out a full block. It returns only after the transfer
	// completed or failed.
	BulkWrite(src *Block) error
}

// SPIBus implements Bus on a periph.io SPI connection with a GPIO chip select.
type SPIBus struct {
	conn spi.Conn
	cs   gpio.PinOut

	// BulkTimeout bounds the wait for a bulk transfer to complete.
	BulkTimeout time.Duration

	tx [1]byte
	rx [1]byte

	// pending is the completion of a bulk transfer that outlived
	// BulkTimeout. Nothing else is clocked until it reports.
	pending chan error
}

var ones = func() (b Block) {
	for i := range b {
		b[i] = filler
	}
	return
}()

// NewSPIBus returns a Bus on conn. The chip select is driven high
// (deselected) before returning.
func NewSPIBus(conn spi.Conn, cs gpio.PinOut) (*SPIBus, error) {
	if conn == nil || cs == nil {
		return nil, errors.New("sdspi: nil SPI connection or chip select")
	}
	b := &SPIBus{
		conn:        conn,
		cs:          cs,
		BulkTimeout: time.Second,
	}
	if err := cs.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("sdspi: chip select: %w", err)
	}
	return b, nil
}

func (b *SPIBus) String() string {
	return fmt.Sprintf("%s (cs %s)", b.conn, b.cs)
}

func (b *SPIBus) Select() error {
	if err := b.settle(); err != nil {
		return err
	}
	return b.cs.Out(gpio.Low)
}

// Deselect leaves chip select asserted while a timed out transfer is still
// running.
func (b *SPIBus) Deselect() error {
	if err := b.settle(); err != nil {
		return err
	}
	return b.cs.Out(gpio.High)
}

func (b *SPIBus) SendByte(v byte) error {
	if err := b.settle(); err != nil {
		return err
	}
	b.tx[0] = v
	return b.conn.Tx(b.tx[:], b.rx[:])
}

func (b *SPIBus) ReceiveByte() (byte, error) {
	if err := b.settle(); err != nil {
		return filler, err
	}
	b.tx[0] = filler
	if err := b.conn.Tx(b.tx[:], b.rx[:]); err != nil {
		return filler, err
	}
	return b.rx[0], nil
}

func (b *SPIBus) BulkReceive(dst *Block) error {
	w := ones
	var r Block
	if err := b.bulk(w[:], r[:]); err != nil {
		return err
	}
	*dst = r
	return nil
}

func (b *SPIBus) BulkWrite(src *Block) error {
	w := *src
	var r Block
	return b.bulk(w[:], r[:])
}

// bulk hands the transfer to a goroutine and waits for it to finish. The
// buffers belong to the goroutine, so a transfer that completes after the
// timeout never touches caller memory.
func (b *SPIBus) bulk(w, r []byte) error {
	if err := b.settle(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- b.conn.Tx(w, r)
	}()

	timer := time.NewTimer(b.BulkTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBusFault, err)
		}
		return nil
	case <-timer.C:
		b.pending = done
		return fmt.Errorf("%w after %v", ErrBulkTimeout, b.BulkTimeout)
	}
}

// settle waits up to BulkTimeout for a transfer left running by an earlier
// timeout. Its result is discarded.
func (b *SPIBus) settle() error {
	if b.pending == nil {
		return nil
	}
	timer := time.NewTimer(b.BulkTimeout)
	defer timer.Stop()

	select {
	case <-b.pending:
		b.pending = nil
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: earlier bulk transfer still running", ErrBusFault)
	}
}
