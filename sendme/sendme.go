// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package sendme implements the fixed window flow control accounting for
// circuits and streams.  Only relay DATA cells count against the windows;
// every window's ceiling is its starting value, and credit arrives in
// fixed increments carried by SENDME cells.  Circuit level SENDMEs are
// authenticated: each one must carry the rolling digest of the cell that
// sat on the window boundary it acknowledges.
package sendme

import (
	"crypto/hmac"

	"github.com/katzenpost/zwiebel"
)

const (
	// CircWindowStart is a circuit window's initial and maximum value.
	CircWindowStart = 1000

	// CircWindowIncrement is the credit carried by one circuit SENDME.
	CircWindowIncrement = 100

	// StreamWindowStart is a stream window's initial and maximum value.
	StreamWindowStart = 500

	// StreamWindowIncrement is the credit carried by one stream SENDME.
	StreamWindowIncrement = 50

	// TagLen is the length of the digest tag carried by an
	// authenticated SENDME.
	TagLen = 20

	// AcceptedVersion is the SENDME version an authenticated window
	// requires.
	AcceptedVersion = 1
)

// SendWindow tracks how many DATA cells we may still send before the far
// end owes us a SENDME.  An authenticated window additionally keeps the
// FIFO of digest tags recorded at window boundaries, against which
// inbound SENDMEs are verified.
type SendWindow struct {
	window    int
	start     int
	increment int

	authenticated bool
	tags          [][]byte
}

// NewSendWindow returns a full send window.  Authenticated windows demand
// version 1 SENDMEs with matching digest tags; unauthenticated ones
// ignore the SENDME body entirely.
func NewSendWindow(start, increment int, authenticated bool) *SendWindow {
	return &SendWindow{
		window:        start,
		start:         start,
		increment:     increment,
		authenticated: authenticated,
	}
}

// Window returns the remaining send credit.
func (w *SendWindow) Window() int {
	return w.window
}

// CanSend reports whether a DATA cell may be sent right now.
func (w *SendWindow) CanSend() bool {
	return w.window > 0
}

// OnSend consumes one send credit.  It reports whether the cell just sent
// sits on a window boundary, in which case the caller must record its
// digest tag with RecordTag before sending anything else.
func (w *SendWindow) OnSend() (bool, error) {
	if w.window <= 0 {
		return false, zwiebel.NewProtocolViolationError("send window underflow")
	}
	w.window--
	return w.authenticated && w.window%w.increment == 0, nil
}

// RecordTag remembers the digest tag of a window boundary cell.
func (w *SendWindow) RecordTag(tag []byte) {
	t := make([]byte, len(tag))
	copy(t, tag)
	w.tags = append(w.tags, t)
}

// OnSendme applies one SENDME's worth of credit.  For authenticated
// windows the SENDME must be version 1 and its tag must match the oldest
// recorded boundary tag; any deviation, and any SENDME that would lift
// the window past its ceiling, is a protocol violation.
func (w *SendWindow) OnSendme(version uint8, tag []byte) error {
	if w.window+w.increment > w.start {
		return zwiebel.NewProtocolViolationError("sendme would lift the window to %d, ceiling is %d", w.window+w.increment, w.start)
	}
	if w.authenticated {
		if version != AcceptedVersion {
			return zwiebel.NewProtocolViolationError("sendme version %d where %d is required", version, AcceptedVersion)
		}
		if len(w.tags) == 0 {
			return zwiebel.NewProtocolViolationError("sendme with no outstanding window boundary")
		}
		expected := w.tags[0]
		w.tags = w.tags[1:]
		if len(tag) != TagLen || !hmac.Equal(expected, tag) {
			return zwiebel.NewProtocolViolationError("sendme tag does not match the window boundary cell")
		}
	}
	w.window += w.increment
	return nil
}

// RecvWindow tracks how many DATA cells the peer may still send us, and
// when we owe it a SENDME.  Every increment-th cell received is a window
// boundary; its digest tag is queued so that each SENDME we emit carries
// the tag of its own boundary cell, even when several come due at once.
type RecvWindow struct {
	window    int
	start     int
	increment int

	received int
	pending  [][]byte
}

// NewRecvWindow returns a full receive window.
func NewRecvWindow(start, increment int) *RecvWindow {
	return &RecvWindow{
		window:    start,
		start:     start,
		increment: increment,
	}
}

// Window returns the credit the peer has left.
func (w *RecvWindow) Window() int {
	return w.window
}

// OnRecv accounts for one received DATA cell.  tag is the cell's rolling
// digest for authenticated levels, nil otherwise.  A peer that sends past
// its window commits a protocol violation.
func (w *RecvWindow) OnRecv(tag []byte) error {
	if w.window <= 0 {
		return zwiebel.NewProtocolViolationError("peer sent a cell past its window")
	}
	w.window--
	w.received++
	if w.received%w.increment == 0 {
		var t []byte
		if tag != nil {
			t = make([]byte, len(tag))
			copy(t, tag)
		}
		w.pending = append(w.pending, t)
	}
	return nil
}

// NeedSendme reports whether enough cells arrived that we owe the peer a
// SENDME.
func (w *RecvWindow) NeedSendme() bool {
	return len(w.pending) > 0
}

// OnSendmeSent restores one increment of peer credit and returns the
// digest tag the SENDME must carry, the tag of its boundary cell.
func (w *RecvWindow) OnSendmeSent() []byte {
	w.window += w.increment
	tag := w.pending[0]
	w.pending = w.pending[1:]
	return tag
}
