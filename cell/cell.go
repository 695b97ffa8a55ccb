// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package cell implements the link and relay cell wire codec: fixed 514
// byte cells, variable-length cells, the legacy VERSIONS framing, and the
// payload codecs for the handful of commands the engine interprets.
//
// Relay cell bodies are deliberately opaque at this level.  The codec hands
// the encrypted 509 byte body to the crypto layer untouched; relay header
// parsing happens only after a hop has recognized the cell as its own.
package cell

import (
	"encoding/binary"
	"io"

	"github.com/katzenpost/zwiebel"
)

// Cell is one link cell.  Payload always holds exactly PayloadLen bytes for
// fixed-length commands and at most MaxVarPayloadLen bytes otherwise.
type Cell struct {
	ID      CircID
	Command Command
	Payload []byte
}

// NewFixed allocates a fixed-length cell with a zeroed payload.
func NewFixed(id CircID, cmd Command) *Cell {
	return &Cell{
		ID:      id,
		Command: cmd,
		Payload: make([]byte, PayloadLen),
	}
}

// NewVar allocates a variable-length cell carrying payload.
func NewVar(id CircID, cmd Command, payload []byte) *Cell {
	return &Cell{
		ID:      id,
		Command: cmd,
		Payload: payload,
	}
}

// ToBytes serializes the cell into its wire representation.
func (c *Cell) ToBytes() []byte {
	if c.Command.IsVariableLength() {
		out := make([]byte, CircIDLen+3+len(c.Payload))
		binary.BigEndian.PutUint32(out[0:4], uint32(c.ID))
		out[4] = uint8(c.Command)
		binary.BigEndian.PutUint16(out[5:7], uint16(len(c.Payload)))
		copy(out[7:], c.Payload)
		return out
	}

	out := make([]byte, CellLen)
	binary.BigEndian.PutUint32(out[0:4], uint32(c.ID))
	out[4] = uint8(c.Command)
	copy(out[5:], c.Payload)
	return out
}

// RelayBody returns the cell's payload as an opaque relay body.  The caller
// must have checked that the command is RELAY or RELAY_EARLY.
func (c *Cell) RelayBody() *RelayBody {
	b := new(RelayBody)
	copy(b[:], c.Payload)
	return b
}

// ReadCell reads exactly one link cell from r, blocking until the cell is
// complete.  A clean EOF on the first byte is returned as io.EOF so the
// caller can tell an orderly transport close from a cell cut short, which
// is returned as a TruncatedError.  An oversize variable-length claim is a
// MalformedError and is detected before any payload buffer is allocated.
func ReadCell(r io.Reader) (*Cell, error) {
	var hdr [CircIDLen + 1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, zwiebel.NewTruncatedError("cell header: %v", err)
	}

	c := &Cell{
		ID:      CircID(binary.BigEndian.Uint32(hdr[0:4])),
		Command: Command(hdr[4]),
	}

	if c.Command.IsVariableLength() {
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, zwiebel.NewTruncatedError("%v cell length: %v", c.Command, err)
		}
		payloadLen := binary.BigEndian.Uint16(lenBuf[:])
		if payloadLen > MaxVarPayloadLen {
			return nil, zwiebel.NewMalformedError("%v cell claims %d byte payload, maximum is %d", c.Command, payloadLen, MaxVarPayloadLen)
		}
		c.Payload = make([]byte, payloadLen)
	} else {
		c.Payload = make([]byte, PayloadLen)
	}

	if _, err := io.ReadFull(r, c.Payload); err != nil {
		return nil, zwiebel.NewTruncatedError("%v cell payload: %v", c.Command, err)
	}
	return c, nil
}

// WriteVersions writes a VERSIONS cell in the legacy 2 byte circuit ID
// framing, the only framing a peer that has not negotiated a link version
// yet will accept.
func WriteVersions(w io.Writer, versions []uint16) error {
	out := make([]byte, 5+2*len(versions))
	// 2 byte circuit ID, always zero.
	out[2] = uint8(Versions)
	binary.BigEndian.PutUint16(out[3:5], uint16(2*len(versions)))
	for i, v := range versions {
		binary.BigEndian.PutUint16(out[5+2*i:], v)
	}
	_, err := w.Write(out)
	return err
}

// ReadVersions reads the peer's VERSIONS cell, also in the legacy framing.
func ReadVersions(r io.Reader) ([]uint16, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, zwiebel.NewTruncatedError("VERSIONS header: %v", err)
	}
	if binary.BigEndian.Uint16(hdr[0:2]) != 0 {
		return nil, zwiebel.NewMalformedError("VERSIONS cell with non zero circuit ID")
	}
	if Command(hdr[2]) != Versions {
		return nil, zwiebel.NewMalformedError("expected VERSIONS, peer sent %v", Command(hdr[2]))
	}
	payloadLen := binary.BigEndian.Uint16(hdr[3:5])
	if payloadLen == 0 || payloadLen%2 != 0 {
		return nil, zwiebel.NewMalformedError("VERSIONS payload length %d is not a non zero multiple of 2", payloadLen)
	}
	if payloadLen > MaxVarPayloadLen {
		return nil, zwiebel.NewMalformedError("VERSIONS payload length %d exceeds maximum", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, zwiebel.NewTruncatedError("VERSIONS payload: %v", err)
	}
	versions := make([]uint16, 0, payloadLen/2)
	for i := 0; i < len(payload); i += 2 {
		versions = append(versions, binary.BigEndian.Uint16(payload[i:]))
	}
	return versions, nil
}
