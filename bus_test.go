package sdspi

import (
	"errors"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spitest"
)

func TestSPIBusBytes(t *testing.T) {
	p := &spitest.Playback{
		Playback: conntest.Playback{
			Ops: []conntest.IO{
				{W: []byte{0x40}, R: []byte{0xFF}},
				{W: []byte{0xFF}, R: []byte{0x01}},
			},
			DontPanic: true,
		},
	}
	c, err := p.Connect(DefaultClock, spi.Mode0, 8)
	if err != nil {
		t.Fatal(err)
	}
	cs := &gpiotest.Pin{N: "CS", L: gpio.Low}
	bus, err := NewSPIBus(c, cs)
	if err != nil {
		t.Fatal(err)
	}
	if cs.L != gpio.High {
		t.Error("NewSPIBus must leave the card deselected")
	}

	if err := bus.Select(); err != nil {
		t.Fatal(err)
	}
	if cs.L != gpio.Low {
		t.Error("Select must drive chip select low")
	}
	if err := bus.SendByte(0x40); err != nil {
		t.Fatalf("SendByte: %v", err)
	}
	b, err := bus.ReceiveByte()
	if err != nil {
		t.Fatalf("ReceiveByte: %v", err)
	}
	if b != 0x01 {
		t.Errorf("ReceiveByte() = %#02x, want 0x01", b)
	}
	if err := bus.Deselect(); err != nil {
		t.Fatal(err)
	}
	if cs.L != gpio.High {
		t.Error("Deselect must drive chip select high")
	}
	if err := p.Close(); err != nil {
		t.Errorf("playback not fully consumed: %v", err)
	}
}

// blockConn serves bulk transfers from a channel.
type blockConn struct {
	release chan struct{}
	err     error
	fill    byte
}

func (c *blockConn) String() string      { return "block" }
func (c *blockConn) Duplex() conn.Duplex { return conn.Full }
func (c *blockConn) Tx(w, r []byte) error {
	if len(w) == BlockSize && c.release != nil {
		<-c.release
	}
	for i := range r {
		r[i] = c.fill
	}
	return c.err
}
func (c *blockConn) TxPackets(p []spi.Packet) error { return errors.New("not implemented") }

func TestSPIBusBulk(t *testing.T) {
	c := &blockConn{fill: 0x5A}
	bus, err := NewSPIBus(c, &gpiotest.Pin{N: "CS"})
	if err != nil {
		t.Fatal(err)
	}

	var b Block
	if err := bus.BulkReceive(&b); err != nil {
		t.Fatalf("BulkReceive: %v", err)
	}
	for i, v := range b {
		if v != 0x5A {
			t.Fatalf("b[%d] = %#02x, want 0x5A", i, v)
		}
	}
	if err := bus.BulkWrite(&b); err != nil {
		t.Fatalf("BulkWrite: %v", err)
	}

	c.err = errors.New("usb stall")
	if err := bus.BulkWrite(&b); !errors.Is(err, ErrBusFault) {
		t.Errorf("BulkWrite error = %v, want ErrBusFault", err)
	}
}

func TestSPIBusBulkTimeout(t *testing.T) {
	c := &blockConn{release: make(chan struct{}), fill: 0x11}
	defer close(c.release)
	bus, err := NewSPIBus(c, &gpiotest.Pin{N: "CS"})
	if err != nil {
		t.Fatal(err)
	}
	bus.BulkTimeout = 10 * time.Millisecond

	var b Block
	err = bus.BulkReceive(&b)
	if !errors.Is(err, ErrBusFault) {
		t.Fatalf("BulkReceive error = %v, want ErrBusFault", err)
	}
	if b != (Block{}) {
		t.Error("timed out transfer wrote into the caller's block")
	}
	if err := bus.SendByte(filler); !errors.Is(err, ErrBusFault) {
		t.Errorf("SendByte during a running transfer = %v, want ErrBusFault", err)
	}
}

// stallConn answers a CMD17 and holds the data block until release is
// closed.
type stallConn struct {
	cs      *gpiotest.Pin
	release chan struct{}
	done    chan gpio.Level // chip select when the block finished

	mu       sync.Mutex
	armed    bool
	rx       []byte
	inBulk   bool
	overlaps int
}

func (c *stallConn) String() string      { return "stall" }
func (c *stallConn) Duplex() conn.Duplex { return conn.Full }
func (c *stallConn) Tx(w, r []byte) error {
	if len(w) == BlockSize {
		c.mu.Lock()
		c.inBulk = true
		c.mu.Unlock()
		<-c.release
		c.mu.Lock()
		c.inBulk = false
		c.mu.Unlock()
		c.done <- c.cs.Read()
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inBulk {
		c.overlaps++
	}
	if w[0] == frameStart|cmdReadSingleBlock {
		c.armed = true
	}
	r[0] = filler
	if c.armed && w[0] == filler && len(c.rx) > 0 {
		r[0], c.rx = c.rx[0], c.rx[1:]
	}
	return nil
}
func (c *stallConn) TxPackets(p []spi.Packet) error { return errors.New("not implemented") }

func TestReadBlockBulkTimeout(t *testing.T) {
	cs := &gpiotest.Pin{N: "CS"}
	sc := &stallConn{
		cs:      cs,
		release: make(chan struct{}),
		done:    make(chan gpio.Level, 1),
		rx:      []byte{0x00, tokenStartBlock},
	}
	bus, err := NewSPIBus(sc, cs)
	if err != nil {
		t.Fatal(err)
	}
	bus.BulkTimeout = 10 * time.Millisecond
	c, _ := newTestCard(t, bus)
	c.state = Ready
	c.highCapacity = true

	var dst Block
	err = c.ReadBlock(0, &dst)
	if !errors.Is(err, ErrBulkTimeout) || !errors.Is(err, ErrBusFault) {
		t.Fatalf("ReadBlock() = %v, want ErrBulkTimeout", err)
	}
	if c.State() != Faulted {
		t.Errorf("State() = %v, want faulted", c.State())
	}
	if cs.Read() != gpio.Low {
		t.Error("chip select raised while the block transfer is running")
	}
	if err := c.ReadBlock(0, &dst); !errors.Is(err, ErrNotReady) {
		t.Errorf("ReadBlock() on faulted card = %v, want ErrNotReady", err)
	}

	close(sc.release)
	if l := <-sc.done; l != gpio.Low {
		t.Errorf("chip select = %v when the block transfer finished, want Low", l)
	}
	bus.BulkTimeout = time.Second
	if err := bus.Deselect(); err != nil {
		t.Fatalf("Deselect after the transfer finished: %v", err)
	}
	if cs.Read() != gpio.High {
		t.Error("Deselect did not raise chip select")
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.overlaps != 0 {
		t.Errorf("%d bytes clocked during the block transfer", sc.overlaps)
	}
}

func TestNewSPIBusNil(t *testing.T) {
	if _, err := NewSPIBus(nil, &gpiotest.Pin{}); err == nil {
		t.Error("NewSPIBus(nil conn) succeeded")
	}
}
