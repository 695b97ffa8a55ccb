// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package relaycrypto

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"io"
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"

	"github.com/katzenpost/zwiebel/cell"
)

// testHop pairs the client side Layer with an independently constructed
// relay side Layer derived from the same key material, so tests can drive
// both ends of each direction.
type testHop struct {
	client *Layer
	relay  *Layer
}

func newTestCircuit(t *testing.T, nHops int) (*Stack, []*testHop) {
	require := require.New(t)

	s := NewStack()
	hops := make([]*testHop, 0, nHops)
	for i := 0; i < nHops; i++ {
		k := new(KeyMaterial)
		_, err := io.ReadFull(rand.Reader, k.Df[:])
		require.NoError(err, "read Df")
		_, err = io.ReadFull(rand.Reader, k.Db[:])
		require.NoError(err, "read Db")
		_, err = io.ReadFull(rand.Reader, k.Kf[:])
		require.NoError(err, "read Kf")
		_, err = io.ReadFull(rand.Reader, k.Kb[:])
		require.NoError(err, "read Kb")

		c, err := NewLayer(k)
		require.NoError(err, "client NewLayer")
		r, err := NewLayer(k)
		require.NoError(err, "relay NewLayer")
		s.Append(c)
		hops = append(hops, &testHop{client: c, relay: r})
	}
	return s, hops
}

// relayRecvForward walks an outbound body through the relay side of each
// hop until one recognizes it, returning the hop index and its full
// forward digest tag.
func relayRecvForward(hops []*testHop, b *cell.RelayBody) (int, []byte, bool) {
	for i, h := range hops {
		h.relay.fwd.XORKeyStream(b[:], b[:])
		if b.Recognized() != 0 {
			continue
		}
		carried := b.Digest()
		b.ZeroDigest()
		h.relay.fwdDigest.Write(b[:])
		tag := h.relay.fwdDigest.Sum(nil)
		if !hmac.Equal(carried[:], tag[:cell.DigestLen]) {
			return 0, nil, false
		}
		return i, tag, true
	}
	return 0, nil, false
}

// relaySendBackward originates a body at hop from and applies every
// backward layer on the way to the client.
func relaySendBackward(hops []*testHop, from int, b *cell.RelayBody) []byte {
	h := hops[from]
	b.ZeroDigest()
	h.relay.bwdDigest.Write(b[:])
	tag := h.relay.bwdDigest.Sum(nil)
	b.SetDigest(tag[:cell.DigestLen])
	for i := from; i >= 0; i-- {
		hops[i].relay.bwd.XORKeyStream(b[:], b[:])
	}
	return tag
}

func TestStackRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s, hops := newTestCircuit(t, 3)
	require.Equal(3, s.Len(), "hop count")

	for round := 0; round < 5; round++ {
		payload := []byte("ziggy stardust and the spiders from mars")
		body, err := cell.BuildRelay(cell.RelayData, 7, payload)
		require.NoError(err, "BuildRelay")

		clientTag, err := s.Originate(body)
		require.NoError(err, "Originate")
		require.Len(clientTag, sha1.Size, "forward tag length")

		hop, relayTag, ok := relayRecvForward(hops, body)
		require.True(ok, "last hop must recognize the cell")
		require.Equal(2, hop, "recognizing hop")
		require.Equal(clientTag, relayTag, "both sides agree on the forward digest tag")

		fwd, err := cell.ParseRelay(body)
		require.NoError(err, "ParseRelay forward")
		require.Equal(cell.RelayData, fwd.Command, "forward relay command")
		require.Equal(cell.StreamID(7), fwd.StreamID, "forward stream ID")
		require.Equal(payload, fwd.Data, "forward payload")

		reply, err := cell.BuildRelay(cell.RelayData, 7, []byte("moonage daydream"))
		require.NoError(err, "BuildRelay reply")
		relayTag = relaySendBackward(hops, 2, reply)

		from, tag, err := s.Decrypt(reply)
		require.NoError(err, "Decrypt")
		require.Equal(2, from, "originating hop")
		require.Equal(relayTag, tag, "both sides agree on the backward digest tag")

		bwd, err := cell.ParseRelay(reply)
		require.NoError(err, "ParseRelay backward")
		require.Equal([]byte("moonage daydream"), bwd.Data, "backward payload")
	}
}

func TestStackLeakyPipe(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s, hops := newTestCircuit(t, 2)

	body, err := cell.BuildRelay(cell.RelayExtend2, 0, []byte{0x01})
	require.NoError(err, "BuildRelay")
	_, err = s.OriginateAt(0, body)
	require.NoError(err, "OriginateAt")

	hop, _, ok := relayRecvForward(hops, body)
	require.True(ok, "first hop must recognize the cell")
	require.Equal(0, hop, "cell addressed to hop 0 stops at hop 0")

	_, err = s.OriginateAt(2, new(cell.RelayBody))
	require.Error(err, "hop index past the end must be rejected")
	_, err = s.OriginateAt(-1, new(cell.RelayBody))
	require.Error(err, "negative hop index must be rejected")
}

func TestStackReplayDetected(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s, hops := newTestCircuit(t, 1)

	body, err := cell.BuildRelay(cell.RelayData, 1, []byte("first"))
	require.NoError(err, "BuildRelay")
	_, err = s.Originate(body)
	require.NoError(err, "Originate")

	var replay cell.RelayBody
	copy(replay[:], body[:])

	_, _, ok := relayRecvForward(hops, body)
	require.True(ok, "the original cell is accepted")

	// The relay's cipher and digest have advanced past the first cell, so
	// a byte identical replay no longer lines up with the keystream.
	_, _, ok = relayRecvForward(hops, &replay)
	require.False(ok, "a replayed ciphertext must not be accepted")
}

func TestStackReorderDetected(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s, hops := newTestCircuit(t, 1)

	first, err := cell.BuildRelay(cell.RelayData, 1, []byte("first"))
	require.NoError(err, "BuildRelay first")
	second, err := cell.BuildRelay(cell.RelayData, 1, []byte("second"))
	require.NoError(err, "BuildRelay second")

	relaySendBackward(hops, 0, first)
	relaySendBackward(hops, 0, second)

	// Delivering the second cell first desynchronizes the backward
	// keystream, so no hop can recognize it.
	_, _, err = s.Decrypt(second)
	require.Error(err, "out of order delivery must not be accepted")
}

func TestStackDecryptUnrecognized(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	s, _ := newTestCircuit(t, 3)

	var junk cell.RelayBody
	_, err := io.ReadFull(rand.Reader, junk[:])
	require.NoError(err, "read junk")

	_, _, err = s.Decrypt(&junk)
	require.Error(err, "junk must not be recognized by any hop")
}

func TestKDFTOR(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	secret := []byte("'Twas brillig, and the slithy toves")

	k, err := KDFTOR(secret)
	require.NoError(err, "KDFTOR")
	k2, err := KDFTOR(secret)
	require.NoError(err, "KDFTOR repeat")
	require.Equal(k, k2, "derivation is deterministic")

	// The output stream is H(secret | 0) | H(secret | 1) | ... carved up
	// as KH, Df, Db, Kf, Kb.
	var stream []byte
	for i := byte(0); len(stream) < 3*DigestLen+2*KeyLen; i++ {
		h := sha1.New()
		h.Write(secret)
		h.Write([]byte{i})
		stream = h.Sum(stream)
	}
	require.Equal(stream[0:20], k.KH[:], "KH")
	require.Equal(stream[20:40], k.Df[:], "Df")
	require.Equal(stream[40:60], k.Db[:], "Db")
	require.Equal(stream[60:76], k.Kf[:], "Kf")
	require.Equal(stream[76:92], k.Kb[:], "Kb")

	other, err := KDFTOR([]byte("and the mome raths outgrabe"))
	require.NoError(err, "KDFTOR other")
	require.NotEqual(k.Kf, other.Kf, "different secrets derive different keys")

	k.Reset()
	require.Equal(new(KeyMaterial), k, "Reset clears everything")
}

func TestKDFHKDF(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	seed := []byte("secret input")
	info := []byte("ntor-curve25519-sha256-1:key_expand")

	k, err := KDFHKDF(seed, info)
	require.NoError(err, "KDFHKDF")
	require.Equal(new(KeyMaterial).KH, k.KH, "HKDF derivations carry no KH")

	expanded := make([]byte, 2*DigestLen+2*KeyLen)
	_, err = io.ReadFull(hkdf.Expand(sha256.New, seed, info), expanded)
	require.NoError(err, "hkdf.Expand")
	require.Equal(expanded[0:20], k.Df[:], "Df")
	require.Equal(expanded[20:40], k.Db[:], "Db")
	require.Equal(expanded[40:56], k.Kf[:], "Kf")
	require.Equal(expanded[56:72], k.Kb[:], "Kb")
}
