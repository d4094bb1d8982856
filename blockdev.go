package sdspi

import (
	"errors"
	"io"
)

// BlockDevice presents a Card as a byte-addressed device of Blocks blocks.
// Unaligned writes read the surrounding block first.
type BlockDevice struct {
	Card   *Card
	Blocks uint64
}

// NewBlockDevice reads the CSD of an initialized card to size the device.
func NewBlockDevice(c *Card) (*BlockDevice, error) {
	csd, err := c.ReadCSD()
	if err != nil {
		return nil, err
	}
	return &BlockDevice{Card: c, Blocks: csd.Blocks()}, nil
}

// Size returns the device size in bytes.
func (d *BlockDevice) Size() int64 { return int64(d.Blocks) * BlockSize }

func (d *BlockDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("sdspi: negative offset")
	}
	n := 0
	var b Block
	for n < len(p) {
		pos := off + int64(n)
		if pos >= d.Size() {
			return n, io.EOF
		}
		if err := d.Card.ReadBlock(uint32(pos/BlockSize), &b); err != nil {
			return n, err
		}
		n += copy(p[n:], b[pos%BlockSize:])
	}
	return n, nil
}

func (d *BlockDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("sdspi: negative offset")
	}
	n := 0
	var b Block
	for n < len(p) {
		pos := off + int64(n)
		if pos >= d.Size() {
			return n, io.EOF
		}
		index := uint32(pos / BlockSize)
		start := int(pos % BlockSize)
		if start != 0 || len(p)-n < BlockSize {
			if err := d.Card.ReadBlock(index, &b); err != nil {
				return n, err
			}
		}
		m := copy(b[start:], p[n:])
		if err := d.Card.WriteBlock(index, &b); err != nil {
			return n, err
		}
		n += m
	}
	return n, nil
}
