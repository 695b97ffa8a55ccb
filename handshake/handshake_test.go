// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package handshake

import (
	"io"
	"testing"

	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/zwiebel"
)

func testNodeID(t *testing.T) []byte {
	id := make([]byte, NodeIDLen)
	_, err := io.ReadFull(rand.Reader, id)
	require.NoError(t, err, "read node ID")
	return id
}

func TestFastHandshake(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	c, err := NewFast()
	require.NoError(err, "NewFast")

	payload := c.Payload()
	require.Len(payload, FastPayloadLen, "payload length")

	reply, serverKeys, err := RespondFast(payload)
	require.NoError(err, "RespondFast")
	require.Len(reply, FastReplyLen, "reply length")

	clientKeys, err := c.Finish(reply)
	require.NoError(err, "Finish")
	require.Equal(serverKeys, clientKeys, "both sides derive the same key material")
	require.NotEqual(clientKeys.Kf, clientKeys.Kb, "directions are keyed independently")
}

func TestFastBadReply(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	c, err := NewFast()
	require.NoError(err, "NewFast")
	reply, _, err := RespondFast(c.Payload())
	require.NoError(err, "RespondFast")

	_, err = c.Finish(reply[:FastReplyLen-1])
	require.Error(err, "truncated reply must fail")
	require.True(zwiebel.IsHandshakeFailed(err), "truncated reply classifies as a handshake failure")

	reply[FastReplyLen-1] ^= 0x01
	_, err = c.Finish(reply)
	require.Error(err, "corrupted derivative check must fail")
	require.True(zwiebel.IsHandshakeFailed(err), "corrupted KH classifies as a handshake failure")

	_, _, err = RespondFast(reply)
	require.Error(err, "oversized create_fast payload must fail")
}

func TestNtorHandshake(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	nodeID := testNodeID(t)
	onionPriv, err := x25519.NewKeypair(rand.Reader)
	require.NoError(err, "NewKeypair")

	server, err := NewNtorServer(nodeID, onionPriv)
	require.NoError(err, "NewNtorServer")

	client, err := NewNtorClient(nodeID, server.PublicKey())
	require.NoError(err, "NewNtorClient")

	skin := client.Payload()
	require.Len(skin, NtorOnionSkinLen, "onion skin length")

	reply, serverKeys, err := server.Respond(skin)
	require.NoError(err, "Respond")
	require.Len(reply, NtorReplyLen, "reply length")

	clientKeys, err := client.Finish(reply)
	require.NoError(err, "Finish")
	require.Equal(serverKeys, clientKeys, "both sides derive the same key material")
	require.Zero(clientKeys.KH, "ntor derivations carry no KH")
}

func TestNtorAuthMismatch(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	nodeID := testNodeID(t)
	onionPriv, err := x25519.NewKeypair(rand.Reader)
	require.NoError(err, "NewKeypair")
	server, err := NewNtorServer(nodeID, onionPriv)
	require.NoError(err, "NewNtorServer")
	client, err := NewNtorClient(nodeID, server.PublicKey())
	require.NoError(err, "NewNtorClient")

	reply, _, err := server.Respond(client.Payload())
	require.NoError(err, "Respond")

	reply[NtorReplyLen-1] ^= 0x01
	_, err = client.Finish(reply)
	require.Error(err, "corrupted AUTH must fail")
	require.True(zwiebel.IsHandshakeFailed(err), "corrupted AUTH classifies as a handshake failure")
}

func TestNtorIdentityBinding(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	onionPriv, err := x25519.NewKeypair(rand.Reader)
	require.NoError(err, "NewKeypair")
	server, err := NewNtorServer(testNodeID(t), onionPriv)
	require.NoError(err, "NewNtorServer")

	// A skin built for some other identity must be refused.
	client, err := NewNtorClient(testNodeID(t), server.PublicKey())
	require.NoError(err, "NewNtorClient")
	_, _, err = server.Respond(client.Payload())
	require.Error(err, "mismatched node ID must fail")
	require.True(zwiebel.IsHandshakeFailed(err), "mismatched node ID classifies as a handshake failure")

	// So must a skin built against a rotated-out onion key.
	stalePriv, err := x25519.NewKeypair(rand.Reader)
	require.NoError(err, "NewKeypair stale")
	staleClient, err := NewNtorClient(server.nodeID[:], stalePriv.Public().(*x25519.PublicKey))
	require.NoError(err, "NewNtorClient stale")
	_, _, err = server.Respond(staleClient.Payload())
	require.Error(err, "stale onion key must fail")
}

func TestNtorDegenerateKey(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	nodeID := testNodeID(t)
	onionPriv, err := x25519.NewKeypair(rand.Reader)
	require.NoError(err, "NewKeypair")
	server, err := NewNtorServer(nodeID, onionPriv)
	require.NoError(err, "NewNtorServer")
	client, err := NewNtorClient(nodeID, server.PublicKey())
	require.NoError(err, "NewNtorClient")

	// An all-zero Y is a low order point; the DH must be refused before
	// any authentication happens.
	reply := make([]byte, NtorReplyLen)
	_, err = client.Finish(reply)
	require.Error(err, "degenerate ephemeral key must fail")
	require.True(zwiebel.IsHandshakeFailed(err), "degenerate key classifies as a handshake failure")

	_, err = NewNtorClient(nodeID[:NodeIDLen-1], server.PublicKey())
	require.Error(err, "short node ID must be rejected")
}
