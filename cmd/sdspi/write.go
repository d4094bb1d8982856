package main

import (
	"bufio"
	"errors"
	"flag"
	"io"
	"math"
	"os"

	"go.uber.org/zap"

	"github.com/gentam/sdspi"
)

func writeCommand(cfg config, args []string) {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	var (
		filename string
		start    uint
	)
	fs.StringVar(&filename, "f", "", "input file")
	fs.UintVar(&start, "b", 0, "first block")
	fs.Parse(args)

	if filename == "" {
		fatalUsage("input file is required")
	}
	if uint64(start) > math.MaxUint32 {
		fatalUsage("-b exceeds 32-bit block index")
	}
	input, err := os.Open(filename)
	if err != nil {
		fatalf("failed to open file: %v", err)
	}
	defer input.Close()

	t := open(cfg)
	defer t.Close()

	n, err := writeBlocks(t.card, uint32(start), bufio.NewReader(input))
	if err != nil {
		fatalf("write failed after %d blocks: %v", n, err)
	}
	t.log.Info("write done", zap.Uint("first", start), zap.Int("blocks", n))
}

// blockWriter is the part of *sdspi.Card used by writeBlocks.
type blockWriter interface {
	WriteBlock(index uint32, src *sdspi.Block) error
}

// writeBlocks copies r to consecutive blocks starting at start. The last
// block is padded with zeros.
func writeBlocks(c blockWriter, start uint32, r io.Reader) (int, error) {
	var b sdspi.Block
	for n := 0; ; n++ {
		m, err := io.ReadFull(r, b[:])
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return n, err
		}
		clear(b[m:])
		if start+uint32(n) < start {
			return n, errors.New("block index overflow")
		}
		if werr := c.WriteBlock(start+uint32(n), &b); werr != nil {
			return n, werr
		}
		if err != nil {
			return n + 1, nil
		}
	}
}
