// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package handshake

import (
	"crypto/hmac"
	"io"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/zwiebel"
	"github.com/katzenpost/zwiebel/relaycrypto"
)

const (
	// FastPayloadLen is the length of a CREATE_FAST payload, the
	// client's key material contribution X.
	FastPayloadLen = relaycrypto.DigestLen

	// FastReplyLen is the length of a CREATED_FAST payload: the
	// server's contribution Y followed by the derivative check KH.
	FastReplyLen = FastPayloadLen + relaycrypto.DigestLen
)

// Fast is the initiator side of a CREATE_FAST exchange.  The exchange is
// not authenticated; it only makes sense for the first hop, where the
// link layer already authenticated the peer, and is kept for tooling and
// tests.
type Fast struct {
	x [FastPayloadLen]byte
}

// NewFast starts a CREATE_FAST exchange.
func NewFast() (*Fast, error) {
	f := new(Fast)
	if _, err := io.ReadFull(rand.Reader, f.x[:]); err != nil {
		return nil, err
	}
	return f, nil
}

// Payload returns the CREATE_FAST cell payload.
func (f *Fast) Payload() []byte {
	out := make([]byte, FastPayloadLen)
	copy(out, f.x[:])
	return out
}

// Finish processes the CREATED_FAST reply and derives the hop's key
// material, checking the KDF-TOR derivative value.
func (f *Fast) Finish(reply []byte) (*relaycrypto.KeyMaterial, error) {
	if len(reply) != FastReplyLen {
		return nil, zwiebel.NewHandshakeFailedError("created_fast reply of %d bytes, expected %d", len(reply), FastReplyLen)
	}

	secret := make([]byte, 0, 2*FastPayloadLen)
	secret = append(secret, f.x[:]...)
	secret = append(secret, reply[:FastPayloadLen]...)
	defer wipe(secret)

	k, err := relaycrypto.KDFTOR(secret)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(k.KH[:], reply[FastPayloadLen:]) {
		k.Reset()
		return nil, zwiebel.NewHandshakeFailedError("created_fast derivative check mismatch")
	}
	return k, nil
}

// RespondFast consumes a CREATE_FAST payload and produces the
// CREATED_FAST reply along with the hop's key material.
func RespondFast(payload []byte) ([]byte, *relaycrypto.KeyMaterial, error) {
	if len(payload) != FastPayloadLen {
		return nil, nil, zwiebel.NewHandshakeFailedError("create_fast payload of %d bytes, expected %d", len(payload), FastPayloadLen)
	}

	var y [FastPayloadLen]byte
	if _, err := io.ReadFull(rand.Reader, y[:]); err != nil {
		return nil, nil, err
	}

	secret := make([]byte, 0, 2*FastPayloadLen)
	secret = append(secret, payload...)
	secret = append(secret, y[:]...)
	defer wipe(secret)

	k, err := relaycrypto.KDFTOR(secret)
	if err != nil {
		return nil, nil, err
	}

	reply := make([]byte, 0, FastReplyLen)
	reply = append(reply, y[:]...)
	reply = append(reply, k.KH[:]...)
	return reply, k, nil
}
