// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package relaycrypto

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"encoding"
	"fmt"
	"hash"

	"gitlab.com/yawning/bsaes.git"

	"github.com/katzenpost/zwiebel"
	"github.com/katzenpost/zwiebel/cell"
)

// digestState is a running digest whose internal state can be snapshotted
// and rolled back.  The standard library SHA-1 satisfies this.
type digestState interface {
	hash.Hash
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

func newCTR(key []byte) (cipher.Stream, error) {
	blk, err := bsaes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, blk.BlockSize())
	return cipher.NewCTR(blk, iv), nil
}

// Layer holds one hop's relay crypto state: an AES-128-CTR stream per
// direction, keyed with a zero IV, and a running SHA-1 digest per direction
// seeded with the hop's digest seed.  All four advance monotonically and
// are never rewound, except for the transient rollback Decrypt performs
// when a candidate digest check fails.
type Layer struct {
	fwd cipher.Stream
	bwd cipher.Stream

	fwdDigest digestState
	bwdDigest digestState
}

// NewLayer assembles a hop's crypto state from its derived key material.
// The caller retains ownership of k and should Reset it afterwards.
func NewLayer(k *KeyMaterial) (*Layer, error) {
	fwd, err := newCTR(k.Kf[:])
	if err != nil {
		return nil, err
	}
	bwd, err := newCTR(k.Kb[:])
	if err != nil {
		return nil, err
	}
	l := &Layer{
		fwd:       fwd,
		bwd:       bwd,
		fwdDigest: sha1.New().(digestState),
		bwdDigest: sha1.New().(digestState),
	}
	l.fwdDigest.Write(k.Df[:])
	l.bwdDigest.Write(k.Db[:])
	return l, nil
}

// Stack is the ordered onion crypto state of a circuit, one Layer per hop,
// index 0 being the hop closest to us.  It is not safe for concurrent use;
// the owning circuit serializes access.
type Stack struct {
	layers []*Layer
}

// NewStack returns an empty Stack.
func NewStack() *Stack {
	return &Stack{}
}

// Append adds a newly negotiated hop at the far end of the circuit.
func (s *Stack) Append(l *Layer) {
	s.layers = append(s.layers, l)
}

// Len returns the number of hops.
func (s *Stack) Len() int {
	return len(s.layers)
}

// Originate prepares b for transmission to the last hop: it finalizes the
// digest field against that hop's forward digest and applies every layer of
// encryption, innermost first.  It returns the full forward digest tag at
// the time of this cell, which the flow control layer records at window
// boundaries to authenticate circuit level SENDMEs.
func (s *Stack) Originate(b *cell.RelayBody) ([]byte, error) {
	return s.OriginateAt(len(s.layers)-1, b)
}

// OriginateAt is Originate addressed to an intermediate hop.  Leaky pipe
// addressing is how EXTEND2 reaches the current last hop while the circuit
// is still growing.
func (s *Stack) OriginateAt(hop int, b *cell.RelayBody) ([]byte, error) {
	if hop < 0 || hop >= len(s.layers) {
		return nil, fmt.Errorf("relaycrypto: invalid hop %d of %d", hop, len(s.layers))
	}

	// Digest is computed over the body with a zeroed digest field, then
	// the first 4 bytes are folded back into the header.
	b.ZeroDigest()
	l := s.layers[hop]
	l.fwdDigest.Write(b[:])
	tag := l.fwdDigest.Sum(nil)
	b.SetDigest(tag[:cell.DigestLen])

	for i := hop; i >= 0; i-- {
		s.layers[i].fwd.XORKeyStream(b[:], b[:])
	}
	return tag, nil
}

// Decrypt peels layers off an inbound relay body until some hop recognizes
// it: after each hop's decryption, a zero recognized field nominates the
// hop, and the running backward digest confirms it.  A failed confirmation
// rolls the digest state back and keeps peeling.  On success it returns the
// recognizing hop's index and the full backward digest tag at the time of
// this cell, for use in the next authenticated SENDME we originate.
//
// A body no hop recognizes is a protocol violation and poisons the digest
// state; the caller must tear the circuit down.
func (s *Stack) Decrypt(b *cell.RelayBody) (int, []byte, error) {
	for i, l := range s.layers {
		l.bwd.XORKeyStream(b[:], b[:])
		if b.Recognized() != 0 {
			continue
		}

		carried := b.Digest()
		b.ZeroDigest()
		snapshot, err := l.bwdDigest.MarshalBinary()
		if err != nil {
			return 0, nil, err
		}
		l.bwdDigest.Write(b[:])
		tag := l.bwdDigest.Sum(nil)
		if hmac.Equal(carried[:], tag[:cell.DigestLen]) {
			return i, tag, nil
		}

		// False positive on recognized: restore the digest state and
		// the digest field, and keep peeling.
		if err = l.bwdDigest.UnmarshalBinary(snapshot); err != nil {
			return 0, nil, err
		}
		b.SetDigest(carried[:])
	}
	return 0, nil, zwiebel.NewProtocolViolationError("relay cell not recognized by any hop")
}
