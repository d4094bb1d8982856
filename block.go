package sdspi

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ReadBlock reads block index into dst.
func (c *Card) ReadBlock(index uint32, dst *Block) (err error) {
	const op = "read"
	if err := c.ready(op); err != nil {
		return err
	}
	addr, ok := c.address(index)
	if !ok {
		return &Error{Op: op, Phase: PhaseCommand, Status: NoResponse,
			Err: fmt.Errorf("%w: block %d beyond standard capacity addressing", ErrProtocol, index)}
	}

	c.state = Reading
	next := Ready
	defer func() {
		c.state = next
		if err != nil {
			c.log.Warn("read block failed", zap.Uint32("block", index), zap.Error(err))
		}
	}()
	defer c.release(op, &err)

	st, err := c.sendCommand(cmd17(addr))
	if err != nil {
		return busError(op, PhaseCommand, err)
	}
	if st != StatusReady {
		return statusError(op, PhaseCommand, st)
	}
	if err := c.waitToken(op); err != nil {
		return err
	}
	if err := c.bus.BulkReceive(dst); err != nil {
		next = bulkFailure(err)
		return busError(op, PhaseData, err)
	}
	if err := c.skip(crcBytes); err != nil {
		return busError(op, PhaseData, err)
	}
	return nil
}

// WriteBlock writes src to block index and waits until the card finished
// programming it.
func (c *Card) WriteBlock(index uint32, src *Block) (err error) {
	const op = "write"
	if err := c.ready(op); err != nil {
		return err
	}
	addr, ok := c.address(index)
	if !ok {
		return &Error{Op: op, Phase: PhaseCommand, Status: NoResponse,
			Err: fmt.Errorf("%w: block %d beyond standard capacity addressing", ErrProtocol, index)}
	}

	c.state = Writing
	next := Ready
	defer func() {
		c.state = next
		if err != nil {
			c.log.Warn("write block failed", zap.Uint32("block", index), zap.Error(err))
		}
	}()
	defer c.release(op, &err)

	st, err := c.sendCommand(cmd24(addr))
	if err != nil {
		return busError(op, PhaseCommand, err)
	}
	if st != StatusReady {
		return statusError(op, PhaseCommand, st)
	}

	// [SD-PLS|7.2.4 Data Write]
	if err := c.bus.SendByte(tokenStartBlock); err != nil {
		return busError(op, PhaseData, err)
	}
	if err := c.bus.BulkWrite(src); err != nil {
		next = bulkFailure(err)
		return busError(op, PhaseData, err)
	}
	for range crcBytes {
		if err := c.bus.SendByte(filler); err != nil {
			return busError(op, PhaseData, err)
		}
	}

	resp, err := c.bus.ReceiveByte()
	if err != nil {
		return busError(op, PhaseData, err)
	}
	if resp&dataResponseMask != dataResponseAccepted {
		return &Error{Op: op, Phase: PhaseData, Status: st,
			Err: fmt.Errorf("%w: %s", ErrDataRejected, dataResponse(resp))}
	}

	return c.waitNotBusy(op)
}

// waitToken polls for the start block token. A byte other than 0xFF or the
// token is a data error token [SD-PLS|7.3.3.3].
func (c *Card) waitToken(op string) error {
	for range c.opts.TokenAttempts {
		b, err := c.bus.ReceiveByte()
		if err != nil {
			return busError(op, PhaseToken, err)
		}
		switch b {
		case tokenStartBlock:
			return nil
		case filler:
			continue
		}
		return &Error{Op: op, Phase: PhaseToken, Status: StatusReady,
			Err: fmt.Errorf("%w: data error token %#02x", ErrProtocol, b)}
	}
	return &Error{Op: op, Phase: PhaseToken, Status: StatusReady,
		Err: fmt.Errorf("%w: no start block token in %d bytes", ErrTimeout, c.opts.TokenAttempts)}
}

// waitNotBusy clocks bytes while the card holds MISO low.
func (c *Card) waitNotBusy(op string) error {
	deadline := c.clk.Now().Add(c.opts.WriteTimeout)
	for {
		b, err := c.bus.ReceiveByte()
		if err != nil {
			return busError(op, PhaseBusy, err)
		}
		if b != 0x00 {
			return nil
		}
		if !c.clk.Now().Before(deadline) {
			return &Error{Op: op, Phase: PhaseBusy, Status: StatusReady,
				Err: fmt.Errorf("%w: card busy after %v", ErrTimeout, c.opts.WriteTimeout)}
		}
	}
}

// bulkFailure is the state after a failed bulk transfer. A transfer that
// timed out left the card mid-block, so it must be initialized again.
func bulkFailure(err error) State {
	if errors.Is(err, ErrBulkTimeout) {
		return Faulted
	}
	return Ready
}

func (c *Card) skip(n int) error {
	for range n {
		if _, err := c.bus.ReceiveByte(); err != nil {
			return err
		}
	}
	return nil
}
