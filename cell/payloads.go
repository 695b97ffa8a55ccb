// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import (
	"encoding/binary"
	"net"
	"strings"

	"github.com/katzenpost/zwiebel"
)

// NewDestroyCell builds a DESTROY cell for the given circuit.
func NewDestroyCell(id CircID, reason DestroyReason) *Cell {
	c := NewFixed(id, Destroy)
	c.Payload[0] = uint8(reason)
	return c
}

// ParseDestroy extracts the reason from a DESTROY cell payload.
func ParseDestroy(payload []byte) DestroyReason {
	if len(payload) < 1 {
		return DestroyNone
	}
	return DestroyReason(payload[0])
}

// EncodeBegin builds a BEGIN relay payload for target, which must be of the
// form "host:port".
func EncodeBegin(target string, flags uint32) ([]byte, error) {
	if target == "" || !strings.Contains(target, ":") {
		return nil, zwiebel.NewMalformedError("begin target %q is not host:port", target)
	}
	out := make([]byte, 0, len(target)+5)
	out = append(out, target...)
	out = append(out, 0)
	out = binary.BigEndian.AppendUint32(out, flags)
	return out, nil
}

// ParseBegin decodes a BEGIN relay payload back into its target.
func ParseBegin(data []byte) (string, uint32, error) {
	idx := -1
	for i, b := range data {
		if b == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", 0, zwiebel.NewMalformedError("begin payload lacks NUL terminator")
	}
	var flags uint32
	if rest := data[idx+1:]; len(rest) >= 4 {
		flags = binary.BigEndian.Uint32(rest)
	}
	return string(data[:idx]), flags, nil
}

// ParseConnected decodes a CONNECTED relay payload.  An empty payload is
// legal and yields a nil address.
func ParseConnected(data []byte) (net.IP, uint32, error) {
	switch {
	case len(data) == 0:
		return nil, 0, nil
	case len(data) >= 8 && binary.BigEndian.Uint32(data[0:4]) != 0:
		return net.IP(data[0:4]), binary.BigEndian.Uint32(data[4:8]), nil
	case len(data) >= 25 && binary.BigEndian.Uint32(data[0:4]) == 0 && data[4] == 6:
		return net.IP(data[5:21]), binary.BigEndian.Uint32(data[21:25]), nil
	default:
		return nil, 0, zwiebel.NewMalformedError("connected payload of %d bytes has no recognized shape", len(data))
	}
}

// EncodeEnd builds an END relay payload.
func EncodeEnd(reason EndReason) []byte {
	return []byte{uint8(reason)}
}

// ParseEnd decodes an END relay payload.  Ancient implementations omit the
// reason byte; that decodes as MISC.
func ParseEnd(data []byte) EndReason {
	if len(data) < 1 {
		return EndMisc
	}
	return EndReason(data[0])
}

// EncodeSendme builds an authenticated (version 1) SENDME payload carrying
// the 20 byte running digest snapshot tag.
func EncodeSendme(tag []byte) ([]byte, error) {
	if len(tag) != SendmeTagLen {
		return nil, zwiebel.NewMalformedError("sendme tag length %d, want %d", len(tag), SendmeTagLen)
	}
	out := make([]byte, 3+SendmeTagLen)
	out[0] = SendmeVersion
	binary.BigEndian.PutUint16(out[1:3], SendmeTagLen)
	copy(out[3:], tag)
	return out, nil
}

// DecodeSendme decodes a SENDME relay payload, returning the payload
// version and, for version 1, the digest tag.  An empty payload is a
// version 0 SENDME.
func DecodeSendme(data []byte) (uint8, []byte, error) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	version := data[0]
	if version != SendmeVersion {
		return version, nil, nil
	}
	if len(data) < 3 {
		return 0, nil, zwiebel.NewMalformedError("sendme v1 payload of %d bytes is too short", len(data))
	}
	dataLen := binary.BigEndian.Uint16(data[1:3])
	if dataLen != SendmeTagLen || len(data) < 3+SendmeTagLen {
		return 0, nil, zwiebel.NewMalformedError("sendme v1 digest length %d, want %d", dataLen, SendmeTagLen)
	}
	return version, data[3 : 3+SendmeTagLen], nil
}

// EncodeResolve builds a RESOLVE relay payload for a hostname.
func EncodeResolve(name string) ([]byte, error) {
	if name == "" {
		return nil, zwiebel.NewMalformedError("empty resolve hostname")
	}
	out := make([]byte, 0, len(name)+1)
	out = append(out, name...)
	out = append(out, 0)
	return out, nil
}

// Resolved answer types.
const (
	ResolvedHostname     uint8 = 0x00
	ResolvedIPv4         uint8 = 0x04
	ResolvedIPv6         uint8 = 0x06
	ResolvedErrTransient uint8 = 0xF0
	ResolvedErrPermanent uint8 = 0xF1
)

// ResolvedAddr is one answer from a RESOLVED relay cell.
type ResolvedAddr struct {
	Type  uint8
	Value []byte
	TTL   uint32
}

// ParseResolved decodes a RESOLVED relay payload into its answer list.
func ParseResolved(data []byte) ([]ResolvedAddr, error) {
	var answers []ResolvedAddr
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, zwiebel.NewMalformedError("resolved answer header cut short")
		}
		atype := data[0]
		alen := int(data[1])
		if len(data) < 2+alen+4 {
			return nil, zwiebel.NewMalformedError("resolved answer of %d bytes cut short", alen)
		}
		value := data[2 : 2+alen]
		ttl := binary.BigEndian.Uint32(data[2+alen:])
		data = data[2+alen+4:]

		switch atype {
		case ResolvedIPv4:
			if alen != 4 {
				return nil, zwiebel.NewMalformedError("resolved IPv4 answer of %d bytes", alen)
			}
		case ResolvedIPv6:
			if alen != 16 {
				return nil, zwiebel.NewMalformedError("resolved IPv6 answer of %d bytes", alen)
			}
		}
		answers = append(answers, ResolvedAddr{Type: atype, Value: value, TTL: ttl})
	}
	return answers, nil
}

// EncodeExtend2 builds an EXTEND2 relay payload from the link specifier
// list and the handshake type and body.
func EncodeExtend2(specs []LinkSpec, htype uint16, hdata []byte) ([]byte, error) {
	if len(specs) == 0 || len(specs) > 8 {
		return nil, zwiebel.NewMalformedError("extend2 with %d link specifiers", len(specs))
	}

	n := 1
	for _, ls := range specs {
		if len(ls.Spec) > 255 {
			return nil, zwiebel.NewMalformedError("link specifier of %d bytes", len(ls.Spec))
		}
		n += 2 + len(ls.Spec)
	}
	n += 4 + len(hdata)
	if n > MaxRelayDataLen {
		return nil, zwiebel.NewMalformedError("extend2 payload of %d bytes exceeds relay capacity", n)
	}

	out := make([]byte, 0, n)
	out = append(out, uint8(len(specs)))
	for _, ls := range specs {
		out = append(out, uint8(ls.Type), uint8(len(ls.Spec)))
		out = append(out, ls.Spec...)
	}
	out = binary.BigEndian.AppendUint16(out, htype)
	out = binary.BigEndian.AppendUint16(out, uint16(len(hdata)))
	out = append(out, hdata...)
	return out, nil
}

// ParseExtend2 decodes an EXTEND2 relay payload back into its link
// specifier list and handshake type and data.
func ParseExtend2(data []byte) ([]LinkSpec, uint16, []byte, error) {
	if len(data) < 1 {
		return nil, 0, nil, zwiebel.NewMalformedError("extend2 payload lacks specifier count")
	}
	nspec := int(data[0])
	data = data[1:]
	if nspec == 0 || nspec > 8 {
		return nil, 0, nil, zwiebel.NewMalformedError("extend2 with %d link specifiers", nspec)
	}

	specs := make([]LinkSpec, 0, nspec)
	for i := 0; i < nspec; i++ {
		if len(data) < 2 {
			return nil, 0, nil, zwiebel.NewMalformedError("extend2 specifier %d header cut short", i)
		}
		slen := int(data[1])
		if len(data) < 2+slen {
			return nil, 0, nil, zwiebel.NewMalformedError("extend2 specifier %d of %d bytes cut short", i, slen)
		}
		specs = append(specs, LinkSpec{Type: LinkSpecType(data[0]), Spec: data[2 : 2+slen]})
		data = data[2+slen:]
	}

	if len(data) < 4 {
		return nil, 0, nil, zwiebel.NewMalformedError("extend2 handshake header cut short")
	}
	htype := binary.BigEndian.Uint16(data[0:2])
	hlen := binary.BigEndian.Uint16(data[2:4])
	if int(hlen) > len(data)-4 {
		return nil, 0, nil, zwiebel.NewMalformedError("extend2 claims %d handshake bytes, only %d present", hlen, len(data)-4)
	}
	return specs, htype, data[4 : 4+hlen], nil
}

// EncodeCreate2 builds a CREATE2 cell payload: HTYPE, HLEN, HDATA.
func EncodeCreate2(htype uint16, hdata []byte) []byte {
	out := make([]byte, 0, 4+len(hdata))
	out = binary.BigEndian.AppendUint16(out, htype)
	out = binary.BigEndian.AppendUint16(out, uint16(len(hdata)))
	return append(out, hdata...)
}

// ParseCreate2 decodes a CREATE2 cell payload, returning the handshake
// type and data.
func ParseCreate2(payload []byte) (uint16, []byte, error) {
	if len(payload) < 4 {
		return 0, nil, zwiebel.NewMalformedError("create2 payload of %d bytes is too short", len(payload))
	}
	htype := binary.BigEndian.Uint16(payload[0:2])
	hlen := binary.BigEndian.Uint16(payload[2:4])
	if int(hlen) > len(payload)-4 {
		return 0, nil, zwiebel.NewMalformedError("create2 claims %d handshake bytes, only %d present", hlen, len(payload)-4)
	}
	return htype, payload[4 : 4+hlen], nil
}

// ParseHandshakeReply decodes the HLEN/HDATA shape shared by CREATED2 and
// EXTENDED2 payloads.
func ParseHandshakeReply(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, zwiebel.NewMalformedError("handshake reply of %d bytes is too short", len(data))
	}
	hlen := binary.BigEndian.Uint16(data[0:2])
	if int(hlen) > len(data)-2 {
		return nil, zwiebel.NewMalformedError("handshake reply claims %d bytes, only %d present", hlen, len(data)-2)
	}
	return data[2 : 2+hlen], nil
}

// EncodeHandshakeReply builds a CREATED2 or EXTENDED2 payload: HLEN
// followed by the server's handshake reply.
func EncodeHandshakeReply(reply []byte) []byte {
	out := make([]byte, 2+len(reply))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(reply)))
	copy(out[2:], reply)
	return out
}

// NetinfoPayload is the decoded form of a NETINFO cell payload.
type NetinfoPayload struct {
	// Time is the sender's clock in seconds since the epoch.
	Time uint32

	// OtherAddr is the address the sender believes its peer has.
	OtherAddr net.IP

	// MyAddrs are the addresses the sender claims for itself.
	MyAddrs []net.IP
}

func appendNetinfoAddr(out []byte, ip net.IP) []byte {
	if ip4 := ip.To4(); ip4 != nil {
		out = append(out, 4, 4)
		return append(out, ip4...)
	}
	out = append(out, 6, 16)
	return append(out, ip.To16()...)
}

// Encode serializes a NETINFO payload.  A nil OtherAddr encodes as
// the unspecified IPv4 address.
func (n *NetinfoPayload) Encode() []byte {
	other := n.OtherAddr
	if other == nil {
		other = net.IPv4zero
	}
	out := make([]byte, 0, 4+7+1+18*len(n.MyAddrs))
	out = binary.BigEndian.AppendUint32(out, n.Time)
	out = appendNetinfoAddr(out, other)
	out = append(out, uint8(len(n.MyAddrs)))
	for _, ip := range n.MyAddrs {
		out = appendNetinfoAddr(out, ip)
	}
	return out
}

func decodeNetinfoAddr(data []byte) (net.IP, []byte, error) {
	if len(data) < 2 {
		return nil, nil, zwiebel.NewMalformedError("netinfo address header cut short")
	}
	atype := data[0]
	alen := int(data[1])
	if len(data) < 2+alen {
		return nil, nil, zwiebel.NewMalformedError("netinfo address of %d bytes cut short", alen)
	}
	value := data[2 : 2+alen]
	rest := data[2+alen:]

	switch {
	case atype == 4 && alen == 4:
		return net.IP(value), rest, nil
	case atype == 6 && alen == 16:
		return net.IP(value), rest, nil
	default:
		// Unknown address types are skipped, per the link protocol.
		return nil, rest, nil
	}
}

// DecodeNetinfo parses a NETINFO cell payload.  Unknown address types are
// skipped; structural damage is a MalformedError.
func DecodeNetinfo(payload []byte) (*NetinfoPayload, error) {
	if len(payload) < 4 {
		return nil, zwiebel.NewMalformedError("netinfo payload of %d bytes is too short", len(payload))
	}
	n := &NetinfoPayload{Time: binary.BigEndian.Uint32(payload[0:4])}

	var err error
	data := payload[4:]
	n.OtherAddr, data, err = decodeNetinfoAddr(data)
	if err != nil {
		return nil, err
	}
	if len(data) < 1 {
		return nil, zwiebel.NewMalformedError("netinfo payload lacks address count")
	}
	count := int(data[0])
	data = data[1:]
	for i := 0; i < count; i++ {
		var ip net.IP
		ip, data, err = decodeNetinfoAddr(data)
		if err != nil {
			return nil, err
		}
		if ip != nil {
			n.MyAddrs = append(n.MyAddrs, ip)
		}
	}
	return n, nil
}

// ValidateCerts checks the structural shape of a CERTS cell payload and
// returns the number of certificates.  Certificate contents are not
// interpreted here; link authentication is the transport layer's concern.
func ValidateCerts(payload []byte) (int, error) {
	if len(payload) < 1 {
		return 0, zwiebel.NewMalformedError("certs payload lacks certificate count")
	}
	count := int(payload[0])
	data := payload[1:]
	for i := 0; i < count; i++ {
		if len(data) < 3 {
			return 0, zwiebel.NewMalformedError("certs entry %d header cut short", i)
		}
		clen := int(binary.BigEndian.Uint16(data[1:3]))
		if len(data) < 3+clen {
			return 0, zwiebel.NewMalformedError("certs entry %d of %d bytes cut short", i, clen)
		}
		data = data[3+clen:]
	}
	return count, nil
}

// ValidateAuthChallenge checks the structural shape of an AUTH_CHALLENGE
// cell payload.
func ValidateAuthChallenge(payload []byte) error {
	if len(payload) < 34 {
		return zwiebel.NewMalformedError("auth challenge payload of %d bytes is too short", len(payload))
	}
	nMethods := int(binary.BigEndian.Uint16(payload[32:34]))
	if len(payload) < 34+2*nMethods {
		return zwiebel.NewMalformedError("auth challenge claims %d methods, payload cut short", nMethods)
	}
	return nil
}
