// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay defines the descriptor format used to pick circuit hops:
// who a relay is, how to reach it, and the key material its handshakes
// need.  Descriptors serialize as CBOR for caching and exchange, and load
// from TOML lists for tooling.
package relay

import (
	"encoding/base64"
	"encoding/binary"
	"net"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/util"

	"github.com/katzenpost/zwiebel"
	"github.com/katzenpost/zwiebel/cell"
)

const (
	// FingerprintLen is the length of a legacy identity digest.
	FingerprintLen = 20

	// Ed25519IdentityLen is the length of an ed25519 identity.
	Ed25519IdentityLen = 32

	maxNicknameLen = 19
)

// Fingerprint is a relay's legacy identity digest.
type Fingerprint [FingerprintLen]byte

// String returns the base64 representation of the fingerprint.
func (f Fingerprint) String() string {
	return base64.StdEncoding.EncodeToString(f[:])
}

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(data []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return zwiebel.NewMalformedError("fingerprint: %v", err)
	}
	return f.UnmarshalBinary(raw)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (f Fingerprint) MarshalBinary() ([]byte, error) {
	b := make([]byte, FingerprintLen)
	copy(b, f[:])
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (f *Fingerprint) UnmarshalBinary(data []byte) error {
	if len(data) != FingerprintLen {
		return zwiebel.NewMalformedError("fingerprint of %d bytes, expected %d", len(data), FingerprintLen)
	}
	copy(f[:], data)
	return nil
}

// Ed25519Identity is a relay's ed25519 identity key.
type Ed25519Identity [Ed25519IdentityLen]byte

// String returns the base64 representation of the identity.
func (e Ed25519Identity) String() string {
	return base64.StdEncoding.EncodeToString(e[:])
}

// MarshalText implements encoding.TextMarshaler.
func (e Ed25519Identity) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Ed25519Identity) UnmarshalText(data []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return zwiebel.NewMalformedError("ed25519 identity: %v", err)
	}
	return e.UnmarshalBinary(raw)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (e Ed25519Identity) MarshalBinary() ([]byte, error) {
	b := make([]byte, Ed25519IdentityLen)
	copy(b, e[:])
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (e *Ed25519Identity) UnmarshalBinary(data []byte) error {
	if len(data) != Ed25519IdentityLen {
		return zwiebel.NewMalformedError("ed25519 identity of %d bytes, expected %d", len(data), Ed25519IdentityLen)
	}
	copy(e[:], data)
	return nil
}

// Descriptor describes one relay.
type Descriptor struct {
	// Nickname is the relay's human readable name, for logs only.
	Nickname string

	// IdentityKey is the relay's legacy identity digest.
	IdentityKey Fingerprint

	// Ed25519ID is the relay's ed25519 identity, if it has one.
	Ed25519ID *Ed25519Identity

	// NtorOnionKey is the relay's medium term ntor handshake key.
	NtorOnionKey *x25519.PublicKey

	// Addresses is the relay's reachable endpoint list, "host:port" with
	// IP literal hosts.
	Addresses []string
}

func parseEndpoint(s string) (net.IP, uint16, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, 0, zwiebel.NewMalformedError("address %q: %v", s, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, zwiebel.NewMalformedError("address %q: host is not an IP literal", s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, 0, zwiebel.NewMalformedError("address %q: invalid port", s)
	}
	return ip, uint16(port), nil
}

// Validate sanity checks the descriptor.
func (d *Descriptor) Validate() error {
	if d.Nickname == "" || len(d.Nickname) > maxNicknameLen {
		return zwiebel.NewMalformedError("descriptor: invalid nickname %q", d.Nickname)
	}
	if util.CtIsZero(d.IdentityKey[:]) {
		return zwiebel.NewMalformedError("descriptor %s: all-zero identity key", d.Nickname)
	}
	if d.NtorOnionKey == nil || util.CtIsZero(d.NtorOnionKey.Bytes()) {
		return zwiebel.NewMalformedError("descriptor %s: missing ntor onion key", d.Nickname)
	}
	if len(d.Addresses) == 0 {
		return zwiebel.NewMalformedError("descriptor %s: no addresses", d.Nickname)
	}
	for _, a := range d.Addresses {
		if _, _, err := parseEndpoint(a); err != nil {
			return err
		}
	}
	return nil
}

// NodeID returns the identity digest the ntor handshake binds to.
func (d *Descriptor) NodeID() Fingerprint {
	return d.IdentityKey
}

// OnionKey returns a copy of the relay's ntor handshake key.
func (d *Descriptor) OnionKey() (*x25519.PublicKey, error) {
	if d.NtorOnionKey == nil {
		return nil, zwiebel.NewMalformedError("descriptor %s: missing ntor onion key", d.Nickname)
	}
	k := *d.NtorOnionKey
	return &k, nil
}

// LinkSpecifiers builds the EXTEND2 link specifier list for this relay:
// one specifier per address, then the legacy identity, then the ed25519
// identity when present.
func (d *Descriptor) LinkSpecifiers() ([]cell.LinkSpec, error) {
	if len(d.Addresses) == 0 {
		return nil, zwiebel.NewMalformedError("descriptor %s: no addresses", d.Nickname)
	}

	specs := make([]cell.LinkSpec, 0, len(d.Addresses)+2)
	for _, a := range d.Addresses {
		ip, port, err := parseEndpoint(a)
		if err != nil {
			return nil, err
		}
		if ip4 := ip.To4(); ip4 != nil {
			spec := make([]byte, 0, 6)
			spec = append(spec, ip4...)
			spec = binary.BigEndian.AppendUint16(spec, port)
			specs = append(specs, cell.LinkSpec{Type: cell.LinkSpecTLSTCPIPv4, Spec: spec})
		} else {
			spec := make([]byte, 0, 18)
			spec = append(spec, ip.To16()...)
			spec = binary.BigEndian.AppendUint16(spec, port)
			specs = append(specs, cell.LinkSpec{Type: cell.LinkSpecTLSTCPIPv6, Spec: spec})
		}
	}

	id, err := d.IdentityKey.MarshalBinary()
	if err != nil {
		return nil, err
	}
	specs = append(specs, cell.LinkSpec{Type: cell.LinkSpecLegacyID, Spec: id})

	if d.Ed25519ID != nil {
		ed, err := d.Ed25519ID.MarshalBinary()
		if err != nil {
			return nil, err
		}
		specs = append(specs, cell.LinkSpec{Type: cell.LinkSpecEd25519ID, Spec: ed})
	}
	return specs, nil
}

// descriptor avoids marshaling recursion through the BinaryMarshaler
// methods below.
type descriptor Descriptor

// MarshalBinary serializes the descriptor as CBOR.
func (d *Descriptor) MarshalBinary() ([]byte, error) {
	return cbor.Marshal((*descriptor)(d))
}

// UnmarshalBinary deserializes a CBOR descriptor.  The caller is expected
// to Validate afterwards.
func (d *Descriptor) UnmarshalBinary(data []byte) error {
	if err := cbor.Unmarshal(data, (*descriptor)(d)); err != nil {
		return zwiebel.NewMalformedError("descriptor: %v", err)
	}
	return nil
}
