// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package handshake implements the circuit extension handshakes: ntor,
// the authenticated x25519 handshake used for CREATE2 and EXTEND2, and
// the legacy unauthenticated CREATE_FAST exchange used only for the
// first hop.  Responder sides are provided as well so higher layers can
// stand up in-process relays.
package handshake

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/curve25519"

	"github.com/katzenpost/zwiebel"
	"github.com/katzenpost/zwiebel/relaycrypto"
)

const (
	// NodeIDLen is the length of a relay's legacy identity fingerprint.
	NodeIDLen = 20

	// NtorOnionSkinLen is the length of the client's ntor handshake
	// payload: ID | B | X.
	NtorOnionSkinLen = NodeIDLen + 2*x25519.PublicKeySize

	// NtorReplyLen is the length of the server's ntor handshake reply:
	// Y | AUTH.
	NtorReplyLen = x25519.PublicKeySize + sha256.Size
)

const ntorProtoID = "ntor-curve25519-sha256-1"

var (
	ntorTMac     = []byte(ntorProtoID + ":mac")
	ntorTKey     = []byte(ntorProtoID + ":key_extract")
	ntorTVerify  = []byte(ntorProtoID + ":verify")
	ntorMExpand  = []byte(ntorProtoID + ":key_expand")
	ntorAuthSalt = []byte("Server")
)

func hmacSHA256(key []byte, parts ...[]byte) []byte {
	m := hmac.New(sha256.New, key)
	for _, p := range parts {
		m.Write(p)
	}
	return m.Sum(nil)
}

func wipe(bs ...[]byte) {
	for _, b := range bs {
		for i := range b {
			b[i] = 0
		}
	}
}

// NtorClient is the initiator side of one ntor handshake.  Each instance
// is single use: Finish or Reset consumes the ephemeral key.
type NtorClient struct {
	nodeID   [NodeIDLen]byte
	onionKey x25519.PublicKey
	priv     *x25519.PrivateKey
	pub      *x25519.PublicKey
}

// NewNtorClient starts a handshake with the relay identified by nodeID
// whose ntor onion key is onionKey.
func NewNtorClient(nodeID []byte, onionKey *x25519.PublicKey) (*NtorClient, error) {
	if len(nodeID) != NodeIDLen {
		return nil, zwiebel.NewMalformedError("node ID of %d bytes, expected %d", len(nodeID), NodeIDLen)
	}
	priv, err := x25519.NewKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	c := &NtorClient{
		priv: priv,
		pub:  priv.Public().(*x25519.PublicKey),
	}
	copy(c.nodeID[:], nodeID)
	c.onionKey = *onionKey
	return c, nil
}

// Payload returns the onion skin to place in a CREATE2 or EXTEND2 cell.
func (c *NtorClient) Payload() []byte {
	out := make([]byte, 0, NtorOnionSkinLen)
	out = append(out, c.nodeID[:]...)
	out = append(out, c.onionKey.Bytes()...)
	out = append(out, c.pub.Bytes()...)
	return out
}

// Finish processes the CREATED2/EXTENDED2 reply, authenticates the relay,
// and derives the hop's key material.  The ephemeral key is destroyed
// whether or not the handshake succeeds.
func (c *NtorClient) Finish(reply []byte) (*relaycrypto.KeyMaterial, error) {
	defer c.Reset()

	if len(reply) != NtorReplyLen {
		return nil, zwiebel.NewHandshakeFailedError("ntor reply of %d bytes, expected %d", len(reply), NtorReplyLen)
	}
	rawY := reply[:x25519.PublicKeySize]
	auth := reply[x25519.PublicKeySize:]

	xy, err := curve25519.X25519(c.priv.Bytes(), rawY)
	if err != nil {
		return nil, zwiebel.NewHandshakeFailedError("ntor reply carries a degenerate ephemeral key: %v", err)
	}
	xb, err := curve25519.X25519(c.priv.Bytes(), c.onionKey.Bytes())
	if err != nil {
		return nil, zwiebel.NewHandshakeFailedError("degenerate onion key: %v", err)
	}

	secretInput := make([]byte, 0, 2*curve25519.ScalarSize+NtorOnionSkinLen+x25519.PublicKeySize+len(ntorProtoID))
	secretInput = append(secretInput, xy...)
	secretInput = append(secretInput, xb...)
	secretInput = append(secretInput, c.nodeID[:]...)
	secretInput = append(secretInput, c.onionKey.Bytes()...)
	secretInput = append(secretInput, c.pub.Bytes()...)
	secretInput = append(secretInput, rawY...)
	secretInput = append(secretInput, ntorProtoID...)

	keySeed := hmacSHA256(ntorTKey, secretInput)
	verify := hmacSHA256(ntorTVerify, secretInput)
	expected := hmacSHA256(ntorTMac, verify,
		c.nodeID[:], c.onionKey.Bytes(), rawY, c.pub.Bytes(),
		[]byte(ntorProtoID), ntorAuthSalt)
	defer wipe(xy, xb, secretInput, keySeed, verify)

	if !hmac.Equal(expected, auth) {
		return nil, zwiebel.NewHandshakeFailedError("ntor authentication mismatch")
	}
	return relaycrypto.KDFHKDF(keySeed, ntorMExpand)
}

// Reset destroys the client's ephemeral key.
func (c *NtorClient) Reset() {
	c.priv.Reset()
}

// NtorServer is the responder side of the ntor handshake, one instance
// per relay identity.  It exists so tests and in-process tooling can
// terminate circuits without a real relay.
type NtorServer struct {
	nodeID [NodeIDLen]byte
	priv   *x25519.PrivateKey
	pub    *x25519.PublicKey
}

// NewNtorServer assembles a responder for the given identity and ntor
// onion key.
func NewNtorServer(nodeID []byte, onionPriv *x25519.PrivateKey) (*NtorServer, error) {
	if len(nodeID) != NodeIDLen {
		return nil, zwiebel.NewMalformedError("node ID of %d bytes, expected %d", len(nodeID), NodeIDLen)
	}
	s := &NtorServer{
		priv: onionPriv,
		pub:  onionPriv.Public().(*x25519.PublicKey),
	}
	copy(s.nodeID[:], nodeID)
	return s, nil
}

// PublicKey returns the responder's ntor onion key.
func (s *NtorServer) PublicKey() *x25519.PublicKey {
	return s.pub
}

// Respond consumes a client onion skin and produces the CREATED2 reply
// body along with the hop's key material.
func (s *NtorServer) Respond(onionSkin []byte) ([]byte, *relaycrypto.KeyMaterial, error) {
	if len(onionSkin) != NtorOnionSkinLen {
		return nil, nil, zwiebel.NewHandshakeFailedError("ntor onion skin of %d bytes, expected %d", len(onionSkin), NtorOnionSkinLen)
	}
	id := onionSkin[:NodeIDLen]
	rawB := onionSkin[NodeIDLen : NodeIDLen+x25519.PublicKeySize]
	rawX := onionSkin[NodeIDLen+x25519.PublicKeySize:]

	if !hmac.Equal(id, s.nodeID[:]) {
		return nil, nil, zwiebel.NewHandshakeFailedError("ntor onion skin addressed to another identity")
	}
	if !hmac.Equal(rawB, s.pub.Bytes()) {
		return nil, nil, zwiebel.NewHandshakeFailedError("ntor onion skin was built for a stale onion key")
	}

	eph, err := x25519.NewKeypair(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	defer eph.Reset()
	rawY := eph.Public().(*x25519.PublicKey).Bytes()

	xy, err := curve25519.X25519(eph.Bytes(), rawX)
	if err != nil {
		return nil, nil, zwiebel.NewHandshakeFailedError("ntor onion skin carries a degenerate ephemeral key: %v", err)
	}
	xb, err := curve25519.X25519(s.priv.Bytes(), rawX)
	if err != nil {
		return nil, nil, zwiebel.NewHandshakeFailedError("ntor onion skin carries a degenerate ephemeral key: %v", err)
	}

	secretInput := make([]byte, 0, 2*curve25519.ScalarSize+NtorOnionSkinLen+x25519.PublicKeySize+len(ntorProtoID))
	secretInput = append(secretInput, xy...)
	secretInput = append(secretInput, xb...)
	secretInput = append(secretInput, s.nodeID[:]...)
	secretInput = append(secretInput, s.pub.Bytes()...)
	secretInput = append(secretInput, rawX...)
	secretInput = append(secretInput, rawY...)
	secretInput = append(secretInput, ntorProtoID...)

	keySeed := hmacSHA256(ntorTKey, secretInput)
	verify := hmacSHA256(ntorTVerify, secretInput)
	auth := hmacSHA256(ntorTMac, verify,
		s.nodeID[:], s.pub.Bytes(), rawY, rawX,
		[]byte(ntorProtoID), ntorAuthSalt)
	defer wipe(xy, xb, secretInput, keySeed, verify)

	k, err := relaycrypto.KDFHKDF(keySeed, ntorMExpand)
	if err != nil {
		return nil, nil, err
	}

	reply := make([]byte, 0, NtorReplyLen)
	reply = append(reply, rawY...)
	reply = append(reply, auth...)
	return reply, k, nil
}
