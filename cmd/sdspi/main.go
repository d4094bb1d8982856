package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"periph.io/x/host/v3/ftdi"

	"github.com/gentam/sdspi"
	"github.com/gentam/sdspi/internal/cardsim"
)

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}

func fatalUsage(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(2)
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
	sdspi [flags] <command> [arguments]

Commands:
	info	 print card registers
	read	 read blocks
	write	 write blocks

Flags:
`)
	flag.PrintDefaults()
	os.Exit(2)
}

var (
	configFile = flag.String("config", "", "YAML configuration file")
	busFlag    = flag.String("bus", "ftdi", `"ftdi", "sim" or a host SPI port name`)
	csFlag     = flag.String("cs", "", "chip select pin")
	imageFlag  = flag.String("image", "", "disk image backing the simulated card")
	hzFlag     = flag.String("hz", "", "SPI clock, e.g. 400kHz")
	verbose    = flag.Bool("v", false, "log every command")
)

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
	}

	cfg := defaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = loadConfig(*configFile); err != nil {
			fatalf("%v", err)
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "bus":
			cfg.Bus = *busFlag
		case "cs":
			cfg.CS = *csFlag
		case "image":
			cfg.Image = *imageFlag
		case "hz":
			cfg.Clock = *hzFlag
		}
	})

	switch cmd := flag.Arg(0); cmd {
	case "info":
		infoCommand(cfg)
	case "read":
		readCommand(cfg, flag.Args()[1:])
	case "write":
		writeCommand(cfg, flag.Args()[1:])
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %q\n", cmd)
		usage()
	}
}

func newLogger() *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if *verbose {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		fatalf("logger: %v", err)
	}
	return log
}

// target is an initialized card and whatever must be closed after use.
type target struct {
	card  *sdspi.Card
	ftdi  *ftdi.FT232H
	log   *zap.Logger
	close func() error
}

func (t *target) Close() {
	if err := t.close(); err != nil {
		t.log.Warn("close", zap.Error(err))
	}
	t.log.Sync()
}

// open attaches to the configured bus and initializes the card.
func open(cfg config) *target {
	log := newLogger()
	opts, err := cfg.opts(log)
	if err != nil {
		fatalf("%v", err)
	}
	clock, err := cfg.clock()
	if err != nil {
		fatalf("%v", err)
	}

	t := &target{log: log}
	switch cfg.Bus {
	case "sim":
		if cfg.Image == "" {
			fatalUsage("-image is required with -bus sim")
		}
		f, err := os.OpenFile(cfg.Image, os.O_RDWR, 0)
		if err != nil {
			fatalf("failed to open image: %v", err)
		}
		sim, err := cardsim.NewFile(f)
		if err != nil {
			fatalf("%v", err)
		}
		sim.HighCapacity = sim.Blocks()%1024 == 0
		bus, err := sdspi.NewSPIBus(sim, sim.CS())
		if err != nil {
			fatalf("%v", err)
		}
		if cfg.BulkTimeout > 0 {
			bus.BulkTimeout = cfg.BulkTimeout
		}
		t.card = sdspi.New(bus, opts)
		t.close = f.Close
	default:
		dc := sdspi.Config{CS: cfg.CS, Clock: clock, Opts: opts}
		var d *sdspi.Device
		if cfg.Bus == "ftdi" {
			d, err = sdspi.OpenFTDI(dc)
		} else {
			dc.Port = cfg.Port
			if cfg.Bus != "spi" {
				dc.Port = cfg.Bus
			}
			d, err = sdspi.OpenSPI(dc)
		}
		if err != nil {
			fatalf("%v", err)
		}
		if cfg.BulkTimeout > 0 {
			d.Bus.BulkTimeout = cfg.BulkTimeout
		}
		t.card, t.ftdi, t.close = d.Card, d.FTDI, d.Close
	}

	if err := t.card.Initialize(); err != nil {
		t.Close()
		fatalf("card initialization failed: %v", err)
	}
	return t
}
