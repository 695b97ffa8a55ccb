// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/zwiebel"
	"github.com/katzenpost/zwiebel/cell"
	"github.com/katzenpost/zwiebel/circuit"
	"github.com/katzenpost/zwiebel/internal/instrument"
)

// ErrNoCircIDs is returned when the channel has burned through its circuit
// ID space, which in practice means it has carried billions of circuits.
var ErrNoCircIDs = errors.New("channel: no circuit IDs available")

// readWorker pulls cells off the transport and feeds them to the reactor.
// The first read error ends the channel; the reactor learns of it through
// recvCh so teardown has a single owner.
func (c *Channel) readWorker() {
	for {
		var v interface{}
		cc, err := cell.ReadCell(c.conn)
		if err != nil {
			v = err
		} else {
			v = cc
		}
		select {
		case c.recvCh <- v:
		case <-c.HaltCh():
			return
		}
		if err != nil {
			return
		}
	}
}

// reactor owns the circuit table and the transport writes.  All circuit
// registration, routing, retirement, and cell transmission happens here,
// in one goroutine, so none of it needs a lock.
func (c *Channel) reactor() {
	var cause error
	defer func() {
		c.teardown(cause)
	}()

	for {
		select {
		case <-c.HaltCh():
			return
		case v := <-c.recvCh:
			switch v := v.(type) {
			case *cell.Cell:
				if cause = c.onCell(v); cause != nil {
					return
				}
			case error:
				cause = c.readErr(v)
				return
			}
		case op := <-c.opCh:
			c.onOp(op)
		case cc := <-c.sendCh:
			if cause = c.writeCell(cc); cause != nil {
				return
			}
		}
	}
}

// readErr converts the reader's terminal error into the teardown cause.
func (c *Channel) readErr(err error) error {
	if err == io.EOF {
		return zwiebel.NewClosedError("link closed by peer")
	}
	return zwiebel.NewClosedError("link read failed: %v", err)
}

// onCell dispatches one inbound cell.  A non-nil return tears the whole
// channel down.
func (c *Channel) onCell(cc *cell.Cell) error {
	instrument.CellRead(cc.Command.String())

	switch cc.Command {
	case cell.Padding, cell.VPadding, cell.PaddingNegotiate:
		return nil
	case cell.Create, cell.CreateFast, cell.Create2, cell.RelayEarly:
		// We are always the initiator; these cells only flow toward a
		// relay.  A peer sending them has us confused with one.
		instrument.ProtocolViolation()
		return zwiebel.NewProtocolViolationError("%v cell at a client", cc.Command)
	}
	if cc.ID == 0 {
		instrument.ProtocolViolation()
		return zwiebel.NewProtocolViolationError("%v cell on circuit 0", cc.Command)
	}
	return c.routeToCircuit(cc)
}

// routeToCircuit hands an inbound cell to its circuit.  Cells for retired
// IDs are in-flight leftovers and are dropped; cells for IDs this channel
// never allocated are a protocol violation that kills the whole link,
// since the peer is either confused or hostile.
func (c *Channel) routeToCircuit(cc *cell.Cell) error {
	if circ, ok := c.circuits[cc.ID]; ok {
		// A full circuit inbox destroys that circuit, not the channel.
		_ = circ.HandleCell(cc)
		return nil
	}

	if c.retired.TestAndSet(circIDKey(cc.ID)) {
		c.log.Debugf("Dropping %v cell for retired circuit %d.", cc.Command, cc.ID)
		return nil
	}
	instrument.ProtocolViolation()
	return zwiebel.NewProtocolViolationError("%v cell for unknown circuit %d", cc.Command, cc.ID)
}

func (c *Channel) onOp(op interface{}) {
	switch op := op.(type) {
	case *openCtx:
		id, err := c.allocCircID()
		if err != nil {
			op.doneFn(nil, err)
			return
		}
		circ := circuit.New(id, c, c.circuitCfg())
		c.circuits[id] = circ
		op.doneFn(circ, nil)
	case *retireCtx:
		if _, ok := c.circuits[op.id]; !ok {
			return
		}
		delete(c.circuits, op.id)
		if op.deliverDestroy {
			if err := c.writeCell(cell.NewDestroyCell(op.id, op.reason)); err != nil {
				c.log.Debugf("Failed to deliver DESTROY for circuit %d: %v", op.id, err)
			}
		}
		c.log.Debugf("Retired circuit %d.", op.id)
	default:
		c.log.Errorf("BUG: unknown op: %T", op)
	}
}

// allocCircID picks a fresh client-side circuit ID.  Allocated IDs go
// straight into the retired filter, making reuse impossible for the
// channel's lifetime and letting the dispatcher tell a stale cell from a
// hostile one with a single lookup.
func (c *Channel) allocCircID() (cell.CircID, error) {
	var buf [cell.CircIDLen]byte
	for i := 0; i < allocAttempts; i++ {
		if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
			return 0, err
		}
		id := cell.CircID(binary.BigEndian.Uint32(buf[:]) | circIDMSB)
		if !c.retired.TestAndSet(circIDKey(id)) {
			return id, nil
		}
	}
	return 0, ErrNoCircIDs
}

func circIDKey(id cell.CircID) []byte {
	var key [cell.CircIDLen]byte
	binary.BigEndian.PutUint32(key[:], uint32(id))
	return key[:]
}

// writeCell puts one cell on the wire.  A write error is fatal to the
// channel.
func (c *Channel) writeCell(cc *cell.Cell) error {
	if _, err := c.conn.Write(cc.ToBytes()); err != nil {
		return zwiebel.NewClosedError("link write failed: %v", err)
	}
	instrument.CellWritten()
	return nil
}

// teardown finishes the channel exactly once, on the reactor goroutine.
// Waiters unblock via deadCh, every circuit is notified, and only then
// does OnClosedFn observe the fully dead channel.
func (c *Channel) teardown(cause error) {
	c.setState(StateClosing)
	if c.closing.Load() {
		cause = zwiebel.NewClosedError("channel closed locally")
	} else if cause == nil {
		cause = zwiebel.NewClosedError("channel halted")
	}
	c.log.Debugf("Channel teardown: %v", cause)

	c.closeErr = cause
	close(c.deadCh)
	c.conn.Close()

	for id, circ := range c.circuits {
		delete(c.circuits, id)
		circ.NotifyChannelClosed(cause)
	}
	if c.cfg.OnClosedFn != nil {
		c.cfg.OnClosedFn(cause)
	}
	c.setState(StateClosed)
	instrument.ChannelClosed()
}
