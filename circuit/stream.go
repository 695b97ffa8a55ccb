// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"net"
	"sync/atomic"

	"github.com/katzenpost/zwiebel"
	"github.com/katzenpost/zwiebel/cell"
	"github.com/katzenpost/zwiebel/sendme"
)

// Stream is the application handle for one stream riding a circuit.  Reads
// drain a queue the reactor fills; every other method is a message to the
// reactor, so no stream state is ever touched from two goroutines.
type Stream struct {
	c      *Circuit
	id     cell.StreamID
	target string

	recvCh   chan []byte
	leftover []byte

	// closeErr is written by the reactor before it closes recvCh; the
	// channel close is the memory barrier that publishes it to Read.
	closeErr error

	readClosed atomic.Bool
}

// ID returns the stream's identifier.
func (s *Stream) ID() cell.StreamID {
	return s.id
}

// Target returns the "host:port" the stream was opened to, empty for a
// directory stream.
func (s *Stream) Target() string {
	return s.target
}

// Read reads data relayed from the far end.  Data queued before the stream
// or circuit closed is still delivered; after that Read returns io.EOF for
// an orderly END (reason DONE) and the typed teardown error otherwise.
func (s *Stream) Read(p []byte) (int, error) {
	for {
		if s.readClosed.Load() {
			s.leftover = nil
			return 0, zwiebel.NewClosedError("stream %d: read side closed", s.id)
		}
		if len(s.leftover) > 0 {
			n := copy(p, s.leftover)
			s.leftover = s.leftover[n:]
			if len(s.leftover) == 0 {
				s.consumedOne()
			}
			return n, nil
		}
		data, ok := <-s.recvCh
		if !ok {
			return 0, s.closeErr
		}
		s.leftover = data
	}
}

// consumedOne tells the reactor one DATA cell left the receive queue, so
// that stream SENDME credit tracks what the application actually read.
func (s *Stream) consumedOne() {
	select {
	case s.c.opCh <- &consumedCtx{id: s.id}:
	case <-s.c.deadCh:
	}
}

// Write relays data to the far end, blocking while stream or circuit send
// credit is exhausted until SENDMEs arrive or the stream closes.
func (s *Stream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	type writeResult struct {
		n   int
		err error
	}
	resCh := make(chan *writeResult, 1)
	op := &writeCtx{
		id:   s.id,
		data: p,
		doneFn: func(n int, err error) {
			resCh <- &writeResult{n: n, err: err}
		},
	}
	select {
	case s.c.opCh <- op:
	case <-s.c.deadCh:
		return 0, s.c.destroyedErr()
	}
	select {
	case res := <-resCh:
		return res.n, res.err
	case <-s.c.deadCh:
		// Teardown completes every queued write before it announces
		// itself, so prefer the result when both are ready.
		select {
		case res := <-resCh:
			return res.n, res.err
		default:
		}
		return 0, s.c.destroyedErr()
	}
}

// CloseWrite sends END (reason DONE) and stops further writes.  Reads stay
// usable until the peer closes its side.
func (s *Stream) CloseWrite() error {
	return s.closeOp(false, true)
}

// CloseRead stops further reads, discarding anything already queued and
// anything the peer still sends.
func (s *Stream) CloseRead() error {
	return s.closeOp(true, false)
}

// Close closes both directions of the stream.
func (s *Stream) Close() error {
	return s.closeOp(true, true)
}

func (s *Stream) closeOp(read, write bool) error {
	errCh := make(chan error, 1)
	op := &streamCloseCtx{
		id:    s.id,
		read:  read,
		write: write,
		doneFn: func(err error) {
			errCh <- err
		},
	}
	select {
	case s.c.opCh <- op:
	case <-s.c.deadCh:
		return nil
	}
	select {
	case err := <-errCh:
		return err
	case <-s.c.deadCh:
		select {
		case err := <-errCh:
			return err
		default:
		}
		return nil
	}
}

// streamEntry is the reactor-owned state of one stream.
type streamEntry struct {
	id     cell.StreamID
	stream *Stream // nil for resolve-only streams

	sendWindow *sendme.SendWindow
	recvWindow *sendme.RecvWindow

	connected    bool
	localClosed  bool
	remoteClosed bool
	resolveOnly  bool
	discardRead  bool

	// consumed counts DATA cells drained from the receive queue that
	// have not yet been converted into SENDME credit.
	consumed int

	beginDoneFn   func(*Stream, error)
	resolveDoneFn func([]net.IP, error)
}

// streamMap allocates stream IDs and indexes the live entries.  IDs are
// never zero and never reused while in use.
type streamMap struct {
	entries map[cell.StreamID]*streamEntry
	next    uint16
}

func newStreamMap() *streamMap {
	return &streamMap{
		entries: make(map[cell.StreamID]*streamEntry),
		next:    1,
	}
}

func (m *streamMap) alloc() (cell.StreamID, error) {
	if len(m.entries) >= 0xffff {
		return 0, ErrNoStreamIDs
	}
	for {
		id := cell.StreamID(m.next)
		m.next++
		if id == 0 {
			continue
		}
		if _, ok := m.entries[id]; ok {
			continue
		}
		return id, nil
	}
}

func (m *streamMap) get(id cell.StreamID) *streamEntry {
	return m.entries[id]
}

func (m *streamMap) put(ent *streamEntry) {
	m.entries[ent.id] = ent
}

func (m *streamMap) remove(id cell.StreamID) {
	delete(m.entries, id)
}

func (m *streamMap) forEach(fn func(*streamEntry)) {
	for _, ent := range m.entries {
		fn(ent)
	}
}

func (m *streamMap) clear() {
	m.entries = make(map[cell.StreamID]*streamEntry)
}
