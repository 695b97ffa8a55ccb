// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import (
	"encoding/binary"

	"github.com/katzenpost/zwiebel"
)

// RelayBody is the 509 byte body of a RELAY or RELAY_EARLY cell.  It is
// opaque ciphertext everywhere except inside the hop crypto layer, which
// uses the accessors below while recognizing and digesting cells.
type RelayBody [PayloadLen]byte

// Recognized returns the recognized field, which is zero in plaintext.
func (b *RelayBody) Recognized() uint16 {
	return binary.BigEndian.Uint16(b[relayRecognizedOffset:])
}

// Digest returns the 4 byte digest excerpt carried in the header.
func (b *RelayBody) Digest() [DigestLen]byte {
	var d [DigestLen]byte
	copy(d[:], b[relayDigestOffset:relayDigestOffset+DigestLen])
	return d
}

// SetDigest writes the first 4 bytes of d into the header's digest field.
func (b *RelayBody) SetDigest(d []byte) {
	copy(b[relayDigestOffset:relayDigestOffset+DigestLen], d)
}

// ZeroDigest clears the digest field, the form the running digests consume.
func (b *RelayBody) ZeroDigest() {
	for i := relayDigestOffset; i < relayDigestOffset+DigestLen; i++ {
		b[i] = 0
	}
}

// RelayMessage is a parsed relay cell: the unit the circuit state machine
// consumes.  It is never mutated after parsing.
type RelayMessage struct {
	Command  RelayCommand
	StreamID StreamID
	Data     []byte
}

// BuildRelay assembles a plaintext relay body around data.  The digest and
// recognized fields are zero; the crypto layer fills the digest in while
// originating the cell.  Unused trailing bytes are zero.
func BuildRelay(cmd RelayCommand, id StreamID, data []byte) (*RelayBody, error) {
	if len(data) > MaxRelayDataLen {
		return nil, zwiebel.NewMalformedError("relay data length %d exceeds maximum %d", len(data), MaxRelayDataLen)
	}

	b := new(RelayBody)
	b[relayCommandOffset] = uint8(cmd)
	binary.BigEndian.PutUint16(b[relayStreamIDOffset:], uint16(id))
	binary.BigEndian.PutUint16(b[relayLengthOffset:], uint16(len(data)))
	copy(b[relayDataOffset:], data)
	return b, nil
}

// ParseRelay decodes a recognized plaintext relay body.  It must only be
// called after the hop crypto layer has verified the body's digest: the
// header fields are attacker controlled until then.  The Data slice
// references the body's storage.
func ParseRelay(b *RelayBody) (*RelayMessage, error) {
	dataLen := binary.BigEndian.Uint16(b[relayLengthOffset:])
	if dataLen > MaxRelayDataLen {
		return nil, zwiebel.NewMalformedError("relay data length %d exceeds maximum %d", dataLen, MaxRelayDataLen)
	}
	return &RelayMessage{
		Command:  RelayCommand(b[relayCommandOffset]),
		StreamID: StreamID(binary.BigEndian.Uint16(b[relayStreamIDOffset:])),
		Data:     b[relayDataOffset : relayDataOffset+int(dataLen)],
	}, nil
}
