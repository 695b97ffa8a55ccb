// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import "fmt"

// Link cell commands.
const (
	Padding          Command = 0
	Create           Command = 1
	Created          Command = 2
	Relay            Command = 3
	Destroy          Command = 4
	CreateFast       Command = 5
	CreatedFast      Command = 6
	Versions         Command = 7
	Netinfo          Command = 8
	RelayEarly       Command = 9
	Create2          Command = 10
	Created2         Command = 11
	PaddingNegotiate Command = 12
	VPadding         Command = 128
	Certs            Command = 129
	AuthChallenge    Command = 130
	Authenticate     Command = 131
)

// Relay cell commands.
const (
	RelayBegin     RelayCommand = 1
	RelayData      RelayCommand = 2
	RelayEnd       RelayCommand = 3
	RelayConnected RelayCommand = 4
	RelaySendme    RelayCommand = 5
	RelayExtend    RelayCommand = 6
	RelayExtended  RelayCommand = 7
	RelayTruncate  RelayCommand = 8
	RelayTruncated RelayCommand = 9
	RelayDrop      RelayCommand = 10
	RelayResolve   RelayCommand = 11
	RelayResolved  RelayCommand = 12
	RelayBeginDir  RelayCommand = 13
	RelayExtend2   RelayCommand = 14
	RelayExtended2 RelayCommand = 15
)

// Cell geometry.  These are wire protocol constants shared with the peer and
// must never be altered.
const (
	// CircIDLen is the circuit ID width for link protocol versions 4 and up.
	CircIDLen = 4

	// PayloadLen is the fixed cell payload length.
	PayloadLen = 509

	// CellLen is the total length of a fixed cell.
	CellLen = CircIDLen + 1 + PayloadLen // 514

	// MaxVarPayloadLen bounds the declared payload length of a
	// variable-length cell.  Larger claims are rejected before any buffer
	// is allocated.
	MaxVarPayloadLen = 10000

	// RelayHeaderLen is the length of the relay header inside the payload.
	RelayHeaderLen = 11

	// MaxRelayDataLen is the most data a single relay cell can carry.
	MaxRelayDataLen = PayloadLen - RelayHeaderLen // 498
)

// Relay header field offsets within the 509 byte relay body.
const (
	relayCommandOffset    = 0  // 1 byte
	relayRecognizedOffset = 1  // 2 bytes
	relayStreamIDOffset   = 3  // 2 bytes
	relayDigestOffset     = 5  // 4 bytes
	relayLengthOffset     = 9  // 2 bytes
	relayDataOffset       = 11
)

// DigestLen is the length of the digest excerpt carried in a relay header.
const DigestLen = 4

// SendmeTagLen is the length of the running digest snapshot carried by an
// authenticated (version 1) SENDME payload.
const SendmeTagLen = 20

// SendmeVersion is the authenticated SENDME payload version in use.
const SendmeVersion = 1

// CircID is a circuit identifier, unique within one channel.
type CircID uint32

// StreamID is a stream identifier, unique within one circuit while open.
type StreamID uint16

// Command is a link cell command.
type Command uint8

// IsVariableLength returns true if cells with this command are framed with
// an explicit length instead of the fixed cell length.  That is VERSIONS
// plus every command of 128 and up.
func (c Command) IsVariableLength() bool {
	return c == Versions || c >= 128
}

// String returns the command name for logging.
func (c Command) String() string {
	switch c {
	case Padding:
		return "PADDING"
	case Create:
		return "CREATE"
	case Created:
		return "CREATED"
	case Relay:
		return "RELAY"
	case Destroy:
		return "DESTROY"
	case CreateFast:
		return "CREATE_FAST"
	case CreatedFast:
		return "CREATED_FAST"
	case Versions:
		return "VERSIONS"
	case Netinfo:
		return "NETINFO"
	case RelayEarly:
		return "RELAY_EARLY"
	case Create2:
		return "CREATE2"
	case Created2:
		return "CREATED2"
	case PaddingNegotiate:
		return "PADDING_NEGOTIATE"
	case VPadding:
		return "VPADDING"
	case Certs:
		return "CERTS"
	case AuthChallenge:
		return "AUTH_CHALLENGE"
	case Authenticate:
		return "AUTHENTICATE"
	default:
		return fmt.Sprintf("[unknown command %d]", uint8(c))
	}
}

// RelayCommand is a relay cell command.
type RelayCommand uint8

// String returns the relay command name for logging.
func (c RelayCommand) String() string {
	switch c {
	case RelayBegin:
		return "BEGIN"
	case RelayData:
		return "DATA"
	case RelayEnd:
		return "END"
	case RelayConnected:
		return "CONNECTED"
	case RelaySendme:
		return "SENDME"
	case RelayExtend:
		return "EXTEND"
	case RelayExtended:
		return "EXTENDED"
	case RelayTruncate:
		return "TRUNCATE"
	case RelayTruncated:
		return "TRUNCATED"
	case RelayDrop:
		return "DROP"
	case RelayResolve:
		return "RESOLVE"
	case RelayResolved:
		return "RESOLVED"
	case RelayBeginDir:
		return "BEGIN_DIR"
	case RelayExtend2:
		return "EXTEND2"
	case RelayExtended2:
		return "EXTENDED2"
	default:
		return fmt.Sprintf("[unknown relay command %d]", uint8(c))
	}
}

// IsLastHopOnly returns true for relay commands that only the far end of
// the circuit may originate.  Receiving one of these from an intermediate
// hop is a protocol violation.
func (c RelayCommand) IsLastHopOnly() bool {
	switch c {
	case RelayConnected, RelayResolved, RelayExtended, RelayExtended2:
		return true
	default:
		return false
	}
}

// DestroyReason is the reason byte carried by a DESTROY cell.
type DestroyReason uint8

// DESTROY reasons.
const (
	DestroyNone          DestroyReason = 0
	DestroyProtocol      DestroyReason = 1
	DestroyInternal      DestroyReason = 2
	DestroyRequested     DestroyReason = 3
	DestroyHibernating   DestroyReason = 4
	DestroyResourceLimit DestroyReason = 5
	DestroyConnectFailed DestroyReason = 6
	DestroyORIdentity    DestroyReason = 7
	DestroyChannelClosed DestroyReason = 8
	DestroyFinished      DestroyReason = 9
	DestroyTimeout       DestroyReason = 10
	DestroyDestroyed     DestroyReason = 11
	DestroyNoSuchService DestroyReason = 12
)

// String returns the reason name for logging.
func (r DestroyReason) String() string {
	switch r {
	case DestroyNone:
		return "NONE"
	case DestroyProtocol:
		return "PROTOCOL"
	case DestroyInternal:
		return "INTERNAL"
	case DestroyRequested:
		return "REQUESTED"
	case DestroyHibernating:
		return "HIBERNATING"
	case DestroyResourceLimit:
		return "RESOURCELIMIT"
	case DestroyConnectFailed:
		return "CONNECTFAILED"
	case DestroyORIdentity:
		return "OR_IDENTITY"
	case DestroyChannelClosed:
		return "CHANNEL_CLOSED"
	case DestroyFinished:
		return "FINISHED"
	case DestroyTimeout:
		return "TIMEOUT"
	case DestroyDestroyed:
		return "DESTROYED"
	case DestroyNoSuchService:
		return "NOSUCHSERVICE"
	default:
		return fmt.Sprintf("[unknown destroy reason %d]", uint8(r))
	}
}

// EndReason is the reason byte carried by a relay END cell.
type EndReason uint8

// END reasons.
const (
	EndMisc           EndReason = 1
	EndResolveFailed  EndReason = 2
	EndConnectRefused EndReason = 3
	EndExitPolicy     EndReason = 4
	EndDestroy        EndReason = 5
	EndDone           EndReason = 6
	EndTimeout        EndReason = 7
	EndNoRoute        EndReason = 8
	EndHibernating    EndReason = 9
	EndInternal       EndReason = 10
	EndResourceLimit  EndReason = 11
	EndConnReset      EndReason = 12
	EndTorProtocol    EndReason = 13
	EndNotDirectory   EndReason = 14
)

// String returns the reason name for logging.
func (r EndReason) String() string {
	switch r {
	case EndMisc:
		return "MISC"
	case EndResolveFailed:
		return "RESOLVEFAILED"
	case EndConnectRefused:
		return "CONNECTREFUSED"
	case EndExitPolicy:
		return "EXITPOLICY"
	case EndDestroy:
		return "DESTROY"
	case EndDone:
		return "DONE"
	case EndTimeout:
		return "TIMEOUT"
	case EndNoRoute:
		return "NOROUTE"
	case EndHibernating:
		return "HIBERNATING"
	case EndInternal:
		return "INTERNAL"
	case EndResourceLimit:
		return "RESOURCELIMIT"
	case EndConnReset:
		return "CONNRESET"
	case EndTorProtocol:
		return "TORPROTOCOL"
	case EndNotDirectory:
		return "NOTDIRECTORY"
	default:
		return fmt.Sprintf("[unknown end reason %d]", uint8(r))
	}
}

// LinkSpecType identifies one entry of an EXTEND2 link specifier list.
type LinkSpecType uint8

// Link specifier types.
const (
	LinkSpecTLSTCPIPv4 LinkSpecType = 0
	LinkSpecTLSTCPIPv6 LinkSpecType = 1
	LinkSpecLegacyID   LinkSpecType = 2
	LinkSpecEd25519ID  LinkSpecType = 3
)

// LinkSpec is one link specifier of an EXTEND2 request.
type LinkSpec struct {
	Type LinkSpecType
	Spec []byte
}

// Handshake types for CREATE2/EXTEND2.
const (
	// HandshakeTypeNtor is the curve25519 based ntor handshake.
	HandshakeTypeNtor uint16 = 2
)
