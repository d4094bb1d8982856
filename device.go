package sdspi

import (
	"errors"
	"fmt"
	"sync/atomic"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"
)

// Device is a card on a host SPI port.
type Device struct {
	FTDI *ftdi.FT232H // nil unless opened with OpenFTDI
	Bus  *SPIBus
	Card *Card

	port spi.PortCloser
}

// Config selects the host port a card is attached to.
type Config struct {
	// Port is the spireg name of the port for OpenSPI, e.g. "SPI0.0".
	// Empty selects the first registered port.
	Port string

	// CS names the chip select pin: a gpioreg name for OpenSPI, or an FTDI
	// D-bus pin ("D3" to "D7") for OpenFTDI.
	CS string

	// Clock is the SPI clock. [SD-PLS|4.2.1] limits it to 400kHz until the
	// card is initialized.
	Clock physic.Frequency

	Opts *Opts
}

// DefaultClock is the identification mode clock limit.
const DefaultClock = 400 * physic.KiloHertz

var hostInitialized atomic.Bool

func initHost() error {
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			hostInitialized.Store(false)
			return fmt.Errorf("host initialization failed: %w", err)
		}
	}
	return nil
}

// OpenFTDI finds an FT232H/FT2232H and opens its MPSSE SPI port.
func OpenFTDI(cfg Config) (*Device, error) {
	if err := initHost(); err != nil {
		return nil, err
	}

	ft, err := findFT232H()
	if err != nil {
		return nil, err
	}

	// [FTDI-AN_114|Figure 3]
	// ADBUS0 | SCK
	// ADBUS1 | MOSI (card DI)
	// ADBUS2 | MISO (card DO)
	// ADBUS3 | CS, unless cfg.CS names another D-bus pin
	var cs gpio.PinIO
	switch cfg.CS {
	case "", "D3":
		cs = ft.D3
	case "D4":
		cs = ft.D4
	case "D5":
		cs = ft.D5
	case "D6":
		cs = ft.D6
	case "D7":
		cs = ft.D7
	default:
		return nil, fmt.Errorf("unsupported FTDI chip select pin %q", cfg.CS)
	}

	port, err := ft.SPI()
	if err != nil {
		return nil, fmt.Errorf("failed to get SPI port: %w", err)
	}
	d, err := connect(port, cs, cfg)
	if err != nil {
		return nil, err
	}
	d.FTDI = ft
	return d, nil
}

// OpenSPI opens a host SPI port (spidev on Linux) with a GPIO chip select.
// The port's own chip select line must not be wired to the card.
func OpenSPI(cfg Config) (*Device, error) {
	if err := initHost(); err != nil {
		return nil, err
	}
	cs := gpioreg.ByName(cfg.CS)
	if cs == nil {
		return nil, fmt.Errorf("chip select pin %q not found", cfg.CS)
	}
	port, err := spireg.Open(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port %q: %w", cfg.Port, err)
	}
	return connect(port, cs, cfg)
}

func connect(port spi.PortCloser, cs gpio.PinOut, cfg Config) (*Device, error) {
	clock := cfg.Clock
	if clock == 0 {
		clock = DefaultClock
	}

	// [SD-PLS|7.1] SPI mode 0, MSB first, 8 bit words.
	// [FTDI AN_114|1.2]> FTDI device can only support mode 0 and mode 2 due to the limitation of MPSSE engine
	conn, err := port.Connect(clock, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, err
	}
	bus, err := NewSPIBus(conn, cs)
	if err != nil {
		port.Close()
		return nil, err
	}
	return &Device{
		Bus:  bus,
		Card: New(bus, cfg.Opts),
		port: port,
	}, nil
}

// Close releases the SPI port.
func (d *Device) Close() error {
	if d.port == nil {
		return nil
	}
	return d.port.Close()
}

func findFT232H() (*ftdi.FT232H, error) {
	const vendorID = 0x0403 // FTDI

	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != vendorID {
			continue
		}
		// FT232H (0x6014) and the first channel of FT2232H (0x6010) both
		// come up as *ftdi.FT232H.
		if ft, ok := dev.(*ftdi.FT232H); ok {
			return ft, nil
		}
	}

	return nil, errors.New("no FT232H/FT2232H found")
}
