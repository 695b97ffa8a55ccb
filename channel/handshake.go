// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"net"
	"time"

	"github.com/katzenpost/zwiebel"
	"github.com/katzenpost/zwiebel/cell"
)

// supportedLinkVersions is what we offer, most preferred last.
var supportedLinkVersions = []uint16{4, 5}

// handshake drives the post-TLS link handshake to completion.  The
// connection deadline is expected to already bound the exchange.
//
// Both sides send VERSIONS first, then the responder sends CERTS,
// AUTH_CHALLENGE and NETINFO in that order, and we answer with our own
// NETINFO.  Certificate chain and challenge contents are only shape
// checked; the transport has already authenticated the relay.
func (c *Channel) handshake() error {
	if err := cell.WriteVersions(c.conn, supportedLinkVersions); err != nil {
		return zwiebel.NewHandshakeFailedError("send versions: %v", err)
	}
	theirs, err := cell.ReadVersions(c.conn)
	if err != nil {
		return zwiebel.NewHandshakeFailedError("read versions: %v", err)
	}
	c.linkVersion = highestCommon(supportedLinkVersions, theirs)
	if c.linkVersion == 0 {
		return zwiebel.NewHandshakeFailedError("no common link version in %v", theirs)
	}

	var sawCerts, sawAuthChallenge bool
	for {
		cc, err := cell.ReadCell(c.conn)
		if err != nil {
			return zwiebel.NewHandshakeFailedError("read handshake cell: %v", err)
		}
		if cc.ID != 0 {
			return zwiebel.NewHandshakeFailedError("%v cell on circuit %d during handshake", cc.Command, cc.ID)
		}

		switch cc.Command {
		case cell.Padding, cell.VPadding:
			// Ignorable at any point.
			continue
		case cell.Certs:
			if sawCerts {
				return zwiebel.NewHandshakeFailedError("duplicate CERTS cell")
			}
			n, err := cell.ValidateCerts(cc.Payload)
			if err != nil {
				return zwiebel.NewHandshakeFailedError("certs: %v", err)
			}
			c.log.Debugf("Peer presented %d link certificates.", n)
			sawCerts = true
		case cell.AuthChallenge:
			if !sawCerts {
				return zwiebel.NewHandshakeFailedError("AUTH_CHALLENGE before CERTS")
			}
			if sawAuthChallenge {
				return zwiebel.NewHandshakeFailedError("duplicate AUTH_CHALLENGE cell")
			}
			if err := cell.ValidateAuthChallenge(cc.Payload); err != nil {
				return zwiebel.NewHandshakeFailedError("auth challenge: %v", err)
			}
			sawAuthChallenge = true
		case cell.Netinfo:
			if !sawCerts || !sawAuthChallenge {
				return zwiebel.NewHandshakeFailedError("NETINFO before CERTS and AUTH_CHALLENGE")
			}
			ni, err := cell.DecodeNetinfo(cc.Payload)
			if err != nil {
				return zwiebel.NewHandshakeFailedError("netinfo: %v", err)
			}
			return c.sendNetinfo(ni)
		default:
			return zwiebel.NewHandshakeFailedError("unexpected %v cell during handshake", cc.Command)
		}
	}
}

// sendNetinfo answers the responder's NETINFO, completing the handshake.
// As the initiator we report the peer's address as we see it and none of
// our own.
func (c *Channel) sendNetinfo(theirs *cell.NetinfoPayload) error {
	if skew := time.Since(time.Unix(int64(theirs.Time), 0)); skew > time.Hour || skew < -time.Hour {
		c.log.Warningf("Peer clock skewed by %v.", skew)
	}

	ni := &cell.NetinfoPayload{
		Time:      uint32(time.Now().Unix()),
		OtherAddr: remoteIP(c.conn),
	}
	nc := cell.NewFixed(0, cell.Netinfo)
	copy(nc.Payload, ni.Encode())
	if _, err := c.conn.Write(nc.ToBytes()); err != nil {
		return zwiebel.NewHandshakeFailedError("send netinfo: %v", err)
	}
	return nil
}

// highestCommon returns the largest version present in both lists, 0 if
// the intersection is empty.
func highestCommon(ours, theirs []uint16) uint16 {
	var best uint16
	for _, o := range ours {
		for _, t := range theirs {
			if o == t && o > best {
				best = o
			}
		}
	}
	return best
}

// remoteIP extracts the peer IP from the transport address, nil when the
// address is not IP based.
func remoteIP(conn net.Conn) net.IP {
	addr := conn.RemoteAddr()
	if addr == nil {
		return nil
	}
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
