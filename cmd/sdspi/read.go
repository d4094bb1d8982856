package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"math"
	"os"

	"go.uber.org/zap"

	"github.com/gentam/sdspi"
)

func readCommand(cfg config, args []string) {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	var (
		start   uint
		count   uint
		outFile string
	)
	fs.UintVar(&start, "b", 0, "first block")
	fs.UintVar(&count, "n", 1, "number of blocks to read")
	fs.StringVar(&outFile, "o", "", "output file (default: hexdump)")
	fs.Parse(args)

	if count == 0 {
		fatalUsage("-n must be at least 1")
	}
	if uint64(start)+uint64(count)-1 > math.MaxUint32 {
		fatalUsage("block range exceeds 32-bit block index")
	}

	t := open(cfg)
	defer t.Close()

	out := os.Stdout
	if outFile != "" {
		f, err := os.Create(outFile)
		if err != nil {
			fatalf("failed to create file: %v", err)
		}
		defer f.Close()
		out = f
	}
	w := bufio.NewWriter(out)
	var dump *hexDumper
	if outFile == "" {
		dump = newHexDumper(w, uint64(start)*sdspi.BlockSize)
	}

	var b sdspi.Block
	for i := range count {
		index := uint32(start + i)
		if err := t.card.ReadBlock(index, &b); err != nil {
			fatalf("read block %d failed: %v", index, err)
		}
		var err error
		if dump != nil {
			err = dump.write(b[:])
		} else {
			_, err = w.Write(b[:])
		}
		if err != nil {
			fatalf("write output failed: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		fatalf("write output failed: %v", err)
	}
	t.log.Debug("read done", zap.Uint("first", start), zap.Uint("blocks", count))
}

// hexDumper prints hex.Dump style lines labelled with the card byte offset.
type hexDumper struct {
	w   *bufio.Writer
	off uint64
}

func newHexDumper(w *bufio.Writer, off uint64) *hexDumper {
	return &hexDumper{w: w, off: off}
}

func (d *hexDumper) write(p []byte) error {
	for len(p) > 0 {
		n := min(len(p), 16)
		line := hex.Dump(p[:n])
		// hex.Dump starts every line with an 8 digit offset; replace it with
		// the card offset.
		if _, err := fmt.Fprintf(d.w, "%010x%s", d.off, line[8:]); err != nil {
			return err
		}
		d.off += uint64(n)
		p = p[n:]
	}
	return nil
}
