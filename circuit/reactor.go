// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/katzenpost/zwiebel"
	"github.com/katzenpost/zwiebel/cell"
	"github.com/katzenpost/zwiebel/handshake"
	"github.com/katzenpost/zwiebel/internal/instrument"
	"github.com/katzenpost/zwiebel/relaycrypto"
	"github.com/katzenpost/zwiebel/sendme"
)

func (c *Circuit) reactor() {
	for {
		select {
		case <-c.HaltCh():
			c.teardown(zwiebel.NewClosedError("circuit halted"), true, cell.DestroyRequested)
			return
		case d := <-c.destroyCh:
			c.teardown(d.err, d.deliverDestroy, d.reason)
			return
		case cc := <-c.inboxCh:
			if err := c.onCell(cc); err != nil {
				c.teardown(err, true, destroyReasonFor(err))
				return
			}
			if c.destroyed {
				return
			}
		case op := <-c.opCh:
			if err := c.onOp(op); err != nil {
				c.teardown(err, true, destroyReasonFor(err))
				return
			}
			if c.destroyed {
				return
			}
		}
	}
}

func destroyReasonFor(err error) cell.DestroyReason {
	switch {
	case zwiebel.IsTimeout(err):
		return cell.DestroyTimeout
	case zwiebel.IsClosed(err):
		return cell.DestroyRequested
	default:
		return cell.DestroyProtocol
	}
}

// teardown destroys the circuit: every waiter is failed with cause, every
// stream is closed, and the circuit ID is retired on the channel.  Calling
// it twice is a no-op; it runs on the reactor goroutine only.
func (c *Circuit) teardown(cause error, deliverDestroy bool, reason cell.DestroyReason) {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.setState(StateClosing)

	if zwiebel.IsProtocolViolation(cause) || zwiebel.IsMalformed(cause) {
		instrument.ProtocolViolation()
		c.log.Warningf("Destroying circuit (path %s): %v", c.pathString(), cause)
	} else {
		c.log.Debugf("Destroying circuit (path %s): %v", c.pathString(), cause)
	}

	if hs := c.pendingHS; hs != nil {
		c.pendingHS = nil
		hs.doneFn(cause)
	}
	for _, w := range c.writeWaiters {
		w.doneFn(w.sent, cause)
	}
	c.writeWaiters = nil
	c.streams.forEach(func(ent *streamEntry) {
		if ent.beginDoneFn != nil {
			ent.beginDoneFn(nil, cause)
		}
		if ent.resolveDoneFn != nil {
			ent.resolveDoneFn(nil, cause)
		}
		if ent.stream != nil {
			if !ent.remoteClosed {
				ent.stream.closeErr = cause
				close(ent.stream.recvCh)
			}
			instrument.StreamClosed()
		}
	})
	c.streams.clear()

	c.destroyCause = cause
	c.setState(StateDestroyed)
	close(c.deadCh)

	c.ch.Retire(c.id, deliverDestroy, reason)
	instrument.CircuitDestroyed(reason.String())
}

func (c *Circuit) onOp(op interface{}) error {
	switch op := op.(type) {
	case *createCtx:
		return c.onCreate(op)
	case *extendCtx:
		return c.onExtend(op)
	case *beginCtx:
		return c.onBegin(op)
	case *resolveCtx:
		return c.onResolve(op)
	case *writeCtx:
		return c.onWrite(op)
	case *streamCloseCtx:
		return c.onStreamClose(op)
	case *consumedCtx:
		return c.onConsumed(op)
	case *hopsCtx:
		op.doneFn(c.stack.Len())
		return nil
	default:
		return fmt.Errorf("circuit: BUG: unknown op %T", op)
	}
}

func (c *Circuit) onCreate(op *createCtx) error {
	if c.stack.Len() != 0 {
		op.doneFn(ErrAlreadyCreated)
		return nil
	}
	if c.pendingHS != nil {
		op.doneFn(ErrHandshakeBusy)
		return nil
	}

	if op.fast {
		hs, err := handshake.NewFast()
		if err != nil {
			op.doneFn(err)
			return nil
		}
		cc := cell.NewFixed(c.id, cell.CreateFast)
		copy(cc.Payload, hs.Payload())
		if err = c.ch.SendCell(cc); err != nil {
			op.doneFn(err)
			return err
		}
		c.pendingHS = &handshakeCtx{fast: hs, hop: "fast", doneFn: op.doneFn}
		c.log.Debugf("Sent CREATE_FAST.")
		return nil
	}

	onionKey, err := op.desc.OnionKey()
	if err != nil {
		op.doneFn(err)
		return nil
	}
	nodeID := op.desc.NodeID()
	hs, err := handshake.NewNtorClient(nodeID[:], onionKey)
	if err != nil {
		op.doneFn(err)
		return nil
	}
	cc := cell.NewFixed(c.id, cell.Create2)
	copy(cc.Payload, cell.EncodeCreate2(cell.HandshakeTypeNtor, hs.Payload()))
	if err = c.ch.SendCell(cc); err != nil {
		op.doneFn(err)
		return err
	}
	c.pendingHS = &handshakeCtx{ntor: hs, hop: op.desc.Nickname, doneFn: op.doneFn}
	c.log.Debugf("Sent CREATE2 (ntor) for %s.", op.desc.Nickname)
	return nil
}

func (c *Circuit) onExtend(op *extendCtx) error {
	if c.stack.Len() == 0 {
		op.doneFn(ErrNotOpen)
		return nil
	}
	if c.pendingHS != nil {
		op.doneFn(ErrHandshakeBusy)
		return nil
	}
	if c.relayEarlyLeft <= 0 {
		op.doneFn(ErrTooManyHops)
		return nil
	}

	specs, err := op.desc.LinkSpecifiers()
	if err != nil {
		op.doneFn(err)
		return nil
	}
	onionKey, err := op.desc.OnionKey()
	if err != nil {
		op.doneFn(err)
		return nil
	}
	nodeID := op.desc.NodeID()
	hs, err := handshake.NewNtorClient(nodeID[:], onionKey)
	if err != nil {
		op.doneFn(err)
		return nil
	}
	ext, err := cell.EncodeExtend2(specs, cell.HandshakeTypeNtor, hs.Payload())
	if err != nil {
		op.doneFn(err)
		return nil
	}
	body, err := cell.BuildRelay(cell.RelayExtend2, 0, ext)
	if err != nil {
		op.doneFn(err)
		return nil
	}
	if _, err = c.stack.Originate(body); err != nil {
		op.doneFn(err)
		return err
	}
	cc := cell.NewFixed(c.id, cell.RelayEarly)
	copy(cc.Payload, body[:])
	c.relayEarlyLeft--
	if err = c.ch.SendCell(cc); err != nil {
		op.doneFn(err)
		return err
	}
	c.pendingHS = &handshakeCtx{ntor: hs, extend: true, hop: op.desc.Nickname, doneFn: op.doneFn}
	c.log.Debugf("Sent EXTEND2 for %s toward hop %d.", op.desc.Nickname, c.stack.Len())
	return nil
}

func (c *Circuit) onBegin(op *beginCtx) error {
	if c.stack.Len() == 0 {
		op.doneFn(nil, ErrNotOpen)
		return nil
	}
	id, err := c.streams.alloc()
	if err != nil {
		op.doneFn(nil, err)
		return nil
	}

	var body *cell.RelayBody
	if op.dir {
		body, err = cell.BuildRelay(cell.RelayBeginDir, id, nil)
	} else {
		var payload []byte
		payload, err = cell.EncodeBegin(op.target, 0)
		if err == nil {
			body, err = cell.BuildRelay(cell.RelayBegin, id, payload)
		}
	}
	if err != nil {
		op.doneFn(nil, err)
		return nil
	}
	if _, err = c.stack.Originate(body); err != nil {
		op.doneFn(nil, err)
		return err
	}
	cc := cell.NewFixed(c.id, cell.Relay)
	copy(cc.Payload, body[:])
	if err = c.ch.SendCell(cc); err != nil {
		op.doneFn(nil, err)
		return err
	}

	s := &Stream{
		c:      c,
		id:     id,
		target: op.target,
		recvCh: make(chan []byte, sendme.StreamWindowStart),
	}
	c.streams.put(&streamEntry{
		id:          id,
		stream:      s,
		sendWindow:  sendme.NewSendWindow(sendme.StreamWindowStart, sendme.StreamWindowIncrement, false),
		recvWindow:  sendme.NewRecvWindow(sendme.StreamWindowStart, sendme.StreamWindowIncrement),
		beginDoneFn: op.doneFn,
	})
	c.log.Debugf("Sent %v for stream %d.", beginCommand(op.dir), id)
	return nil
}

func (c *Circuit) onResolve(op *resolveCtx) error {
	if c.stack.Len() == 0 {
		op.doneFn(nil, ErrNotOpen)
		return nil
	}
	id, err := c.streams.alloc()
	if err != nil {
		op.doneFn(nil, err)
		return nil
	}
	payload, err := cell.EncodeResolve(op.name)
	if err != nil {
		op.doneFn(nil, err)
		return nil
	}
	body, err := cell.BuildRelay(cell.RelayResolve, id, payload)
	if err != nil {
		op.doneFn(nil, err)
		return nil
	}
	if _, err = c.stack.Originate(body); err != nil {
		op.doneFn(nil, err)
		return err
	}
	cc := cell.NewFixed(c.id, cell.Relay)
	copy(cc.Payload, body[:])
	if err = c.ch.SendCell(cc); err != nil {
		op.doneFn(nil, err)
		return err
	}

	// Resolve streams carry no data in either direction; the local side
	// counts as closed from the start so the RESOLVED (or END) reply
	// retires the entry.
	c.streams.put(&streamEntry{
		id:            id,
		resolveOnly:   true,
		localClosed:   true,
		resolveDoneFn: op.doneFn,
	})
	c.log.Debugf("Sent RESOLVE for stream %d.", id)
	return nil
}

func (c *Circuit) onWrite(op *writeCtx) error {
	ent := c.streams.get(op.id)
	if ent == nil || ent.localClosed || ent.stream == nil {
		op.doneFn(0, zwiebel.NewClosedError("stream %d is closed for writing", op.id))
		return nil
	}
	c.writeWaiters = append(c.writeWaiters, op)
	return c.pumpWrites()
}

// pumpWrites advances queued writes in FIFO order.  A waiter whose stream
// window empties is skipped; the scan stops when the circuit window
// empties, since then nothing can advance.
func (c *Circuit) pumpWrites() error {
	i := 0
	for i < len(c.writeWaiters) {
		w := c.writeWaiters[i]
		ent := c.streams.get(w.id)
		if ent == nil || ent.localClosed {
			c.writeWaiters = append(c.writeWaiters[:i], c.writeWaiters[i+1:]...)
			w.doneFn(w.sent, zwiebel.NewClosedError("stream %d is closed for writing", w.id))
			continue
		}
		for len(w.data) > 0 && c.circSend.CanSend() && ent.sendWindow.CanSend() {
			n := len(w.data)
			if n > cell.MaxRelayDataLen {
				n = cell.MaxRelayDataLen
			}
			if err := c.sendData(ent, w.data[:n]); err != nil {
				c.writeWaiters = append(c.writeWaiters[:i], c.writeWaiters[i+1:]...)
				w.doneFn(w.sent, err)
				return err
			}
			w.data = w.data[n:]
			w.sent += n
		}
		if len(w.data) == 0 {
			c.writeWaiters = append(c.writeWaiters[:i], c.writeWaiters[i+1:]...)
			w.doneFn(w.sent, nil)
			continue
		}
		if !c.circSend.CanSend() {
			break
		}
		i++
	}
	return nil
}

// sendData originates one DATA relay cell, charging both send windows and
// recording the digest tag when the cell lands on a circuit window
// boundary.
func (c *Circuit) sendData(ent *streamEntry, data []byte) error {
	body, err := cell.BuildRelay(cell.RelayData, ent.id, data)
	if err != nil {
		return err
	}
	tag, err := c.stack.Originate(body)
	if err != nil {
		return err
	}
	boundary, err := c.circSend.OnSend()
	if err != nil {
		return err
	}
	if boundary {
		c.circSend.RecordTag(tag)
	}
	if _, err = ent.sendWindow.OnSend(); err != nil {
		return err
	}
	cc := cell.NewFixed(c.id, cell.Relay)
	copy(cc.Payload, body[:])
	return c.ch.SendCell(cc)
}

func (c *Circuit) onStreamClose(op *streamCloseCtx) error {
	ent := c.streams.get(op.id)
	if ent == nil {
		op.doneFn(nil)
		return nil
	}

	if op.read && ent.stream != nil && !ent.discardRead {
		ent.discardRead = true
		ent.stream.readClosed.Store(true)
		if !ent.remoteClosed {
			// Drain what the application abandoned so the peer's
			// credit is not stranded.
			ent.consumed += drainRecv(ent.stream.recvCh)
			if err := c.pumpStreamSendme(ent); err != nil {
				op.doneFn(err)
				return err
			}
		}
	}

	if op.write && !ent.localClosed {
		ent.localClosed = true
		c.failWritersFor(op.id, zwiebel.NewClosedError("stream %d closed locally", op.id))
		body, err := cell.BuildRelay(cell.RelayEnd, op.id, cell.EncodeEnd(cell.EndDone))
		if err == nil {
			_, err = c.stack.Originate(body)
		}
		if err != nil {
			op.doneFn(err)
			return err
		}
		cc := cell.NewFixed(c.id, cell.Relay)
		copy(cc.Payload, body[:])
		if err = c.ch.SendCell(cc); err != nil {
			op.doneFn(err)
			return err
		}
		c.log.Debugf("Sent END (DONE) for stream %d.", op.id)
	}

	if ent.localClosed && ent.remoteClosed {
		c.closeEntry(ent)
	}
	op.doneFn(nil)
	return nil
}

func (c *Circuit) onConsumed(op *consumedCtx) error {
	ent := c.streams.get(op.id)
	if ent == nil {
		return nil
	}
	ent.consumed++
	return c.pumpStreamSendme(ent)
}

// pumpStreamSendme emits stream SENDMEs for every window boundary the
// application has fully consumed.  Gating credit on consumption keeps the
// stream's receive queue bounded by its window.
func (c *Circuit) pumpStreamSendme(ent *streamEntry) error {
	for ent.recvWindow != nil && ent.recvWindow.NeedSendme() && ent.consumed >= sendme.StreamWindowIncrement {
		ent.consumed -= sendme.StreamWindowIncrement
		ent.recvWindow.OnSendmeSent()
		body, err := cell.BuildRelay(cell.RelaySendme, ent.id, nil)
		if err != nil {
			return err
		}
		if _, err = c.stack.Originate(body); err != nil {
			return err
		}
		cc := cell.NewFixed(c.id, cell.Relay)
		copy(cc.Payload, body[:])
		if err = c.ch.SendCell(cc); err != nil {
			return err
		}
		instrument.SendmeSent()
		c.log.Debugf("Sent stream SENDME for stream %d.", ent.id)
	}
	return nil
}

// pumpCircuitSendme emits circuit SENDMEs for every boundary reached, each
// carrying the digest tag of its own boundary cell.
func (c *Circuit) pumpCircuitSendme() error {
	for c.circRecv.NeedSendme() {
		tag := c.circRecv.OnSendmeSent()
		payload, err := cell.EncodeSendme(tag)
		if err != nil {
			return err
		}
		body, err := cell.BuildRelay(cell.RelaySendme, 0, payload)
		if err != nil {
			return err
		}
		if _, err = c.stack.Originate(body); err != nil {
			return err
		}
		cc := cell.NewFixed(c.id, cell.Relay)
		copy(cc.Payload, body[:])
		if err = c.ch.SendCell(cc); err != nil {
			return err
		}
		instrument.SendmeSent()
		c.log.Debugf("Sent circuit SENDME.")
	}
	return nil
}

func (c *Circuit) failWritersFor(id cell.StreamID, err error) {
	kept := c.writeWaiters[:0]
	for _, w := range c.writeWaiters {
		if w.id == id {
			w.doneFn(w.sent, err)
			continue
		}
		kept = append(kept, w)
	}
	c.writeWaiters = kept
}

func (c *Circuit) closeEntry(ent *streamEntry) {
	c.streams.remove(ent.id)
	if ent.stream != nil {
		instrument.StreamClosed()
	}
	c.log.Debugf("Stream %d fully closed.", ent.id)
}

func (c *Circuit) onCell(cc *cell.Cell) error {
	switch cc.Command {
	case cell.Relay:
		return c.onRelayCell(cc)
	case cell.CreatedFast:
		return c.onCreatedFast(cc)
	case cell.Created2:
		return c.onCreated2(cc)
	case cell.Destroy:
		reason := cell.ParseDestroy(cc.Payload)
		c.teardown(&zwiebel.ClosedError{
			Err:    fmt.Errorf("peer destroyed circuit: %v", reason),
			Reason: uint8(reason),
		}, false, cell.DestroyNone)
		return nil
	default:
		return zwiebel.NewProtocolViolationError("unexpected %v cell", cc.Command)
	}
}

func (c *Circuit) onCreatedFast(cc *cell.Cell) error {
	hs := c.pendingHS
	if hs == nil || hs.fast == nil || hs.extend {
		return zwiebel.NewProtocolViolationError("CREATED_FAST with no CREATE_FAST in flight")
	}
	c.pendingHS = nil

	keys, err := hs.fast.Finish(cc.Payload[:handshake.FastReplyLen])
	if err != nil {
		hs.doneFn(err)
		return err
	}
	if err = c.appendHop(keys, hs.hop); err != nil {
		hs.doneFn(err)
		return err
	}
	instrument.CircuitBuilt()
	c.log.Debugf("Circuit open after CREATED_FAST.")
	hs.doneFn(nil)
	return nil
}

func (c *Circuit) onCreated2(cc *cell.Cell) error {
	hs := c.pendingHS
	if hs == nil || hs.ntor == nil || hs.extend {
		return zwiebel.NewProtocolViolationError("CREATED2 with no CREATE2 in flight")
	}
	c.pendingHS = nil

	reply, err := cell.ParseHandshakeReply(cc.Payload)
	if err != nil {
		hs.doneFn(err)
		return err
	}
	keys, err := hs.ntor.Finish(reply)
	if err != nil {
		hs.doneFn(err)
		return err
	}
	if err = c.appendHop(keys, hs.hop); err != nil {
		hs.doneFn(err)
		return err
	}
	instrument.CircuitBuilt()
	c.log.Debugf("Circuit open after CREATED2 (%s).", hs.hop)
	hs.doneFn(nil)
	return nil
}

func (c *Circuit) appendHop(keys *relaycrypto.KeyMaterial, hop string) error {
	layer, err := relaycrypto.NewLayer(keys)
	keys.Reset()
	if err != nil {
		return err
	}
	c.stack.Append(layer)
	c.hopIDs = append(c.hopIDs, hop)
	c.setState(StateOpen)
	instrument.CircuitHop()
	return nil
}

// pathString is the hop identities joined for log output, reactor only.
func (c *Circuit) pathString() string {
	if len(c.hopIDs) == 0 {
		return "none"
	}
	return strings.Join(c.hopIDs, ",")
}

func (c *Circuit) onRelayCell(cc *cell.Cell) error {
	if c.stack.Len() == 0 {
		return zwiebel.NewProtocolViolationError("relay cell before any hop is established")
	}
	body := cc.RelayBody()
	hop, tag, err := c.stack.Decrypt(body)
	if err != nil {
		return err
	}
	r, err := cell.ParseRelay(body)
	if err != nil {
		return err
	}
	if r.Command.IsLastHopOnly() && hop != c.stack.Len()-1 {
		return zwiebel.NewProtocolViolationError("%v relay cell from intermediate hop %d", r.Command, hop)
	}
	c.log.Debugf("Received %v from hop %d (stream %d).", r.Command, hop, r.StreamID)

	switch r.Command {
	case cell.RelayData:
		return c.onRelayData(r, tag)
	case cell.RelaySendme:
		return c.onRelaySendme(r)
	case cell.RelayEnd:
		return c.onRelayEnd(r)
	case cell.RelayConnected:
		return c.onRelayConnected(r)
	case cell.RelayResolved:
		return c.onRelayResolved(r)
	case cell.RelayExtended2:
		return c.onRelayExtended2(r)
	case cell.RelayTruncated:
		return c.onRelayTruncated(r)
	case cell.RelayDrop:
		// Long-range padding, accepted and discarded.
		return nil
	default:
		return zwiebel.NewProtocolViolationError("unexpected %v relay cell", r.Command)
	}
}

func (c *Circuit) onRelayData(r *cell.RelayMessage, tag []byte) error {
	if r.StreamID == 0 {
		return zwiebel.NewProtocolViolationError("DATA with zero stream ID")
	}
	if err := c.circRecv.OnRecv(tag); err != nil {
		return err
	}
	if err := c.pumpCircuitSendme(); err != nil {
		return err
	}

	ent := c.streams.get(r.StreamID)
	switch {
	case ent == nil:
		return zwiebel.NewProtocolViolationError("DATA for unknown stream %d", r.StreamID)
	case ent.remoteClosed:
		return zwiebel.NewProtocolViolationError("DATA after END on stream %d", r.StreamID)
	case ent.resolveOnly:
		return zwiebel.NewProtocolViolationError("DATA on resolve stream %d", r.StreamID)
	case !ent.connected:
		return zwiebel.NewProtocolViolationError("DATA before CONNECTED on stream %d", r.StreamID)
	}
	if err := ent.recvWindow.OnRecv(nil); err != nil {
		return err
	}
	if len(r.Data) == 0 || ent.discardRead {
		ent.consumed++
		return c.pumpStreamSendme(ent)
	}
	select {
	case ent.stream.recvCh <- r.Data:
	default:
		return zwiebel.NewProtocolViolationError("stream %d receive queue overflow", r.StreamID)
	}
	return nil
}

func (c *Circuit) onRelaySendme(r *cell.RelayMessage) error {
	version, tag, err := cell.DecodeSendme(r.Data)
	if err != nil {
		return err
	}
	if r.StreamID == 0 {
		if err = c.circSend.OnSendme(version, tag); err != nil {
			return err
		}
		c.log.Debugf("Circuit SENDME, window now %d.", c.circSend.Window())
	} else {
		ent := c.streams.get(r.StreamID)
		if ent == nil || ent.sendWindow == nil {
			return zwiebel.NewProtocolViolationError("SENDME for unknown stream %d", r.StreamID)
		}
		if err = ent.sendWindow.OnSendme(version, tag); err != nil {
			return err
		}
	}
	return c.pumpWrites()
}

func (c *Circuit) onRelayEnd(r *cell.RelayMessage) error {
	if r.StreamID == 0 {
		return zwiebel.NewProtocolViolationError("END with zero stream ID")
	}
	ent := c.streams.get(r.StreamID)
	if ent == nil {
		return zwiebel.NewProtocolViolationError("END for unknown stream %d", r.StreamID)
	}
	if ent.remoteClosed {
		return zwiebel.NewProtocolViolationError("second END for stream %d", r.StreamID)
	}
	reason := cell.ParseEnd(r.Data)
	c.log.Debugf("Stream %d ended by peer: %v", r.StreamID, reason)
	ent.remoteClosed = true

	if ent.beginDoneFn != nil {
		done := ent.beginDoneFn
		ent.beginDoneFn = nil
		c.streams.remove(ent.id)
		done(nil, &zwiebel.ClosedError{
			Err:    fmt.Errorf("stream refused: %v", reason),
			Reason: uint8(reason),
		})
		return nil
	}
	if ent.resolveDoneFn != nil {
		done := ent.resolveDoneFn
		ent.resolveDoneFn = nil
		c.closeEntry(ent)
		done(nil, &zwiebel.ClosedError{
			Err:    fmt.Errorf("resolve failed: %v", reason),
			Reason: uint8(reason),
		})
		return nil
	}

	if ent.stream != nil {
		if reason == cell.EndDone {
			ent.stream.closeErr = io.EOF
		} else {
			ent.stream.closeErr = &zwiebel.ClosedError{
				Err:    fmt.Errorf("stream ended by peer: %v", reason),
				Reason: uint8(reason),
			}
		}
		close(ent.stream.recvCh)
	}
	if ent.localClosed {
		// Both halves closed, no END echoed back.
		c.closeEntry(ent)
	}
	return nil
}

func (c *Circuit) onRelayConnected(r *cell.RelayMessage) error {
	if r.StreamID == 0 {
		return zwiebel.NewProtocolViolationError("CONNECTED with zero stream ID")
	}
	ent := c.streams.get(r.StreamID)
	if ent == nil || ent.remoteClosed || ent.connected || ent.beginDoneFn == nil {
		return zwiebel.NewProtocolViolationError("unexpected CONNECTED for stream %d", r.StreamID)
	}
	if _, _, err := cell.ParseConnected(r.Data); err != nil {
		return err
	}
	ent.connected = true
	done := ent.beginDoneFn
	ent.beginDoneFn = nil
	instrument.StreamOpened()
	c.log.Debugf("Stream %d connected.", r.StreamID)
	done(ent.stream, nil)
	return nil
}

func (c *Circuit) onRelayResolved(r *cell.RelayMessage) error {
	if r.StreamID == 0 {
		return zwiebel.NewProtocolViolationError("RESOLVED with zero stream ID")
	}
	ent := c.streams.get(r.StreamID)
	if ent == nil {
		return zwiebel.NewProtocolViolationError("RESOLVED for unknown stream %d", r.StreamID)
	}
	if !ent.resolveOnly || ent.resolveDoneFn == nil {
		return zwiebel.NewProtocolViolationError("RESOLVED on non-resolve stream %d", r.StreamID)
	}
	answers, err := cell.ParseResolved(r.Data)
	if err != nil {
		return err
	}

	var ips []net.IP
	var answerErr error
	for _, a := range answers {
		switch a.Type {
		case cell.ResolvedIPv4, cell.ResolvedIPv6:
			ip := make(net.IP, len(a.Value))
			copy(ip, a.Value)
			ips = append(ips, ip)
		case cell.ResolvedErrTransient:
			answerErr = fmt.Errorf("resolver returned a transient error")
		case cell.ResolvedErrPermanent:
			answerErr = fmt.Errorf("resolver returned a permanent error")
		}
	}

	done := ent.resolveDoneFn
	ent.resolveDoneFn = nil
	ent.remoteClosed = true
	c.closeEntry(ent)
	if answerErr != nil {
		done(nil, answerErr)
		return nil
	}
	done(ips, nil)
	return nil
}

func (c *Circuit) onRelayExtended2(r *cell.RelayMessage) error {
	hs := c.pendingHS
	if hs == nil || !hs.extend {
		return zwiebel.NewProtocolViolationError("EXTENDED2 with no extend in flight")
	}
	if r.StreamID != 0 {
		return zwiebel.NewProtocolViolationError("EXTENDED2 with nonzero stream ID")
	}
	c.pendingHS = nil

	reply, err := cell.ParseHandshakeReply(r.Data)
	if err != nil {
		hs.doneFn(err)
		return err
	}
	keys, err := hs.ntor.Finish(reply)
	if err != nil {
		hs.doneFn(err)
		return err
	}
	if err = c.appendHop(keys, hs.hop); err != nil {
		hs.doneFn(err)
		return err
	}
	c.log.Debugf("Circuit extended to %d hops (%s).", c.stack.Len(), hs.hop)
	hs.doneFn(nil)
	return nil
}

func (c *Circuit) onRelayTruncated(r *cell.RelayMessage) error {
	if r.StreamID != 0 {
		return zwiebel.NewProtocolViolationError("TRUNCATED with nonzero stream ID")
	}
	reason := cell.DestroyNone
	if len(r.Data) > 0 {
		reason = cell.DestroyReason(r.Data[0])
	}
	c.teardown(&zwiebel.ClosedError{
		Err:    fmt.Errorf("circuit truncated by relay: %v", reason),
		Reason: uint8(reason),
	}, true, cell.DestroyRequested)
	return nil
}

// drainRecv empties a stream's receive queue without blocking, returning
// the number of cells dropped.
func drainRecv(ch chan []byte) int {
	n := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

func beginCommand(dir bool) cell.RelayCommand {
	if dir {
		return cell.RelayBeginDir
	}
	return cell.RelayBegin
}
