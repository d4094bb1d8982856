package sdspi_test

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/gentam/sdspi"
	"github.com/gentam/sdspi/internal/cardsim"
)

// stepClock advances by step on every reading and never sleeps.
type stepClock struct {
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

func (c *stepClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

func attach(t *testing.T, sim *cardsim.Card) *sdspi.Card {
	t.Helper()
	bus, err := sdspi.NewSPIBus(sim, sim.CS())
	if err != nil {
		t.Fatal(err)
	}
	return sdspi.New(bus, &sdspi.Opts{
		TokenAttempts: 64,
		Clock:         &stepClock{step: time.Millisecond},
		Logger:        zaptest.NewLogger(t),
	})
}

func initialized(t *testing.T, sim *cardsim.Card) *sdspi.Card {
	t.Helper()
	c := attach(t, sim)
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return c
}

func pattern(seed byte) *sdspi.Block {
	var b sdspi.Block
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return &b
}

func indexes(frames []cardsim.Frame) []uint8 {
	var idx []uint8
	for _, f := range frames {
		idx = append(idx, f.Index)
	}
	return idx
}

func TestSimInitialize(t *testing.T) {
	tests := []struct {
		name         string
		highCapacity bool
		want         []uint8
	}{
		{"SDHC", true, []uint8{0, 8, 55, 41, 55, 41, 55, 41, 58}},
		{"SDSC", false, []uint8{0, 8, 55, 41, 55, 41, 55, 41, 58, 16}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := cardsim.NewMemory(2048)
			sim.HighCapacity = tt.highCapacity
			sim.OpCondPolls = 2
			c := initialized(t, sim)

			if c.State() != sdspi.Ready {
				t.Errorf("State() = %v, want ready", c.State())
			}
			if c.HighCapacity() != tt.highCapacity {
				t.Errorf("HighCapacity() = %v, want %v", c.HighCapacity(), tt.highCapacity)
			}
			if c.OCR()&(1<<31) == 0 {
				t.Errorf("OCR() = %#08x, power up bit clear", c.OCR())
			}
			if diff := cmp.Diff(tt.want, indexes(sim.Frames())); diff != "" {
				t.Errorf("command sequence mismatch (-want +got):\n%s", diff)
			}
			if sim.Selected() {
				t.Error("chip select still asserted")
			}
			frames := sim.Frames()
			if frames[0].CRC != 0x95 || frames[1].CRC != 0x87 || frames[1].Arg != 0x1AA {
				t.Errorf("reset frames = %+v", frames[:2])
			}
		})
	}
}

func TestSimRoundTrip(t *testing.T) {
	for _, hc := range []bool{true, false} {
		sim := cardsim.NewMemory(2048)
		sim.HighCapacity = hc
		sim.TokenDelay = 5
		sim.BusyBytes = 20
		c := initialized(t, sim)

		for i, index := range []uint32{0, 1, 2047} {
			src := pattern(byte(i))
			if err := c.WriteBlock(index, src); err != nil {
				t.Fatalf("hc=%v WriteBlock(%d): %v", hc, index, err)
			}
			if sim.Selected() {
				t.Fatalf("hc=%v chip select asserted after write", hc)
			}
			var dst sdspi.Block
			if err := c.ReadBlock(index, &dst); err != nil {
				t.Fatalf("hc=%v ReadBlock(%d): %v", hc, index, err)
			}
			if dst != *src {
				t.Errorf("hc=%v block %d read back differs", hc, index)
			}
		}
		if got := sim.BulkTransfers(); got != 6 {
			t.Errorf("hc=%v BulkTransfers() = %d, want 6", hc, got)
		}

		// Standard capacity cards are addressed in bytes.
		last := sim.Frames()[len(sim.Frames())-1]
		want := uint32(2047)
		if !hc {
			want *= sdspi.BlockSize
		}
		if last.Index != 17 || last.Arg != want {
			t.Errorf("hc=%v last frame = %+v, want CMD17 arg %d", hc, last, want)
		}
	}
}

func TestSimFailures(t *testing.T) {
	t.Run("silent", func(t *testing.T) {
		sim := cardsim.NewMemory(1024)
		sim.Silent = true
		c := attach(t, sim)
		err := c.Initialize()
		if !errors.Is(err, sdspi.ErrTimeout) {
			t.Fatalf("Initialize() = %v, want ErrTimeout", err)
		}
		var e *sdspi.Error
		if !errors.As(err, &e) || e.Phase != sdspi.PhaseReset {
			t.Errorf("error %v, want reset phase", err)
		}
		if c.State() != sdspi.Faulted {
			t.Errorf("State() = %v, want faulted", c.State())
		}
	})

	t.Run("never leaves idle", func(t *testing.T) {
		sim := cardsim.NewMemory(1024)
		sim.OpCondPolls = 1 << 30
		c := attach(t, sim)
		err := c.Initialize()
		var e *sdspi.Error
		if !errors.Is(err, sdspi.ErrTimeout) || !errors.As(err, &e) || e.Phase != sdspi.PhaseOpCond {
			t.Errorf("Initialize() = %v, want op condition timeout", err)
		}
		if sim.Selected() {
			t.Error("chip select still asserted")
		}
	})

	t.Run("no start token", func(t *testing.T) {
		sim := cardsim.NewMemory(1024)
		c := initialized(t, sim)
		sim.NoToken = true
		var dst sdspi.Block
		err := c.ReadBlock(3, &dst)
		if !errors.Is(err, sdspi.ErrTimeout) {
			t.Errorf("ReadBlock() = %v, want ErrTimeout", err)
		}
		if n := sim.BulkTransfers(); n != 0 {
			t.Errorf("BulkTransfers() = %d, want 0", n)
		}
		if c.State() != sdspi.Ready {
			t.Errorf("State() = %v, want ready", c.State())
		}
	})

	t.Run("out of range", func(t *testing.T) {
		sim := cardsim.NewMemory(1024)
		sim.HighCapacity = true
		c := initialized(t, sim)
		var dst sdspi.Block
		err := c.ReadBlock(1024, &dst)
		var e *sdspi.Error
		if !errors.Is(err, sdspi.ErrProtocol) || !errors.As(err, &e) || !e.Status.AddressError() {
			t.Errorf("ReadBlock() = %v, want address error", err)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		sim := cardsim.NewMemory(1024)
		c := initialized(t, sim)
		sim.RejectWrites = true
		if err := c.WriteBlock(0, pattern(1)); !errors.Is(err, sdspi.ErrDataRejected) {
			t.Errorf("WriteBlock() = %v, want ErrDataRejected", err)
		}
		sim.RejectWrites = false
		if err := c.WriteBlock(0, pattern(1)); err != nil {
			t.Errorf("WriteBlock() after rejection: %v", err)
		}
	})

	t.Run("stuck busy", func(t *testing.T) {
		sim := cardsim.NewMemory(1024)
		c := initialized(t, sim)
		sim.StuckBusy = true
		err := c.WriteBlock(0, pattern(2))
		var e *sdspi.Error
		if !errors.Is(err, sdspi.ErrTimeout) || !errors.As(err, &e) || e.Phase != sdspi.PhaseBusy {
			t.Errorf("WriteBlock() = %v, want busy timeout", err)
		}
		if sim.Selected() {
			t.Error("chip select still asserted")
		}
	})
}

func TestSimRegisters(t *testing.T) {
	sim := cardsim.NewMemory(4096)
	sim.HighCapacity = true
	c := initialized(t, sim)

	csd, err := c.ReadCSD()
	if err != nil {
		t.Fatalf("ReadCSD: %v", err)
	}
	if csd.Version() != 2 || csd.Blocks() != 4096 {
		t.Errorf("CSD = %v, want v2 4096 blocks", csd)
	}

	cid, err := c.ReadCID()
	if err != nil {
		t.Fatalf("ReadCID: %v", err)
	}
	if cid.Manufacturer() != "Samsung" || cid.ProductName() != "SIMCD" {
		t.Errorf("CID = %v", cid)
	}
	if year, month := cid.Manufactured(); year != 2025 || month != 10 {
		t.Errorf("Manufactured() = %d-%d, want 2025-10", year, month)
	}

	r1, r2, err := c.Status()
	if err != nil || r1 != sdspi.StatusReady || r2 != 0 {
		t.Errorf("Status() = %v, %#02x, %v", r1, r2, err)
	}
}

func TestSimBlockDevice(t *testing.T) {
	sim := cardsim.NewMemory(1024)
	c := initialized(t, sim)
	d, err := sdspi.NewBlockDevice(c)
	if err != nil {
		t.Fatalf("NewBlockDevice: %v", err)
	}
	if d.Size() != 1024*sdspi.BlockSize {
		t.Fatalf("Size() = %d", d.Size())
	}

	data := bytes.Repeat([]byte("sdspi"), 300)
	const off = 700
	n, err := d.WriteAt(data, off)
	if err != nil || n != len(data) {
		t.Fatalf("WriteAt() = %d, %v", n, err)
	}

	got := make([]byte, len(data)+20)
	if _, err := d.ReadAt(got, off-10); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got[10:10+len(data)], data) {
		t.Error("data read back differs")
	}
	if !bytes.Equal(got[:10], make([]byte, 10)) || !bytes.Equal(got[10+len(data):], make([]byte, 10)) {
		t.Error("unaligned write clobbered neighbouring bytes")
	}

	tail := make([]byte, 8)
	n, err = d.ReadAt(tail, d.Size()-4)
	if n != 4 || err != io.EOF {
		t.Errorf("ReadAt past end = %d, %v, want 4, EOF", n, err)
	}
	if _, err := d.WriteAt(tail, -1); err == nil {
		t.Error("WriteAt with negative offset succeeded")
	}
}
