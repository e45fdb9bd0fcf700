// Package tunnelproto implements the V3 wire dialect used by the tunnel relay.
//
// Every datagram begins with an 8-byte header: a little-endian sender id
// followed by a little-endian receiver id. What follows the header depends on
// the sentinel values chosen for sender/receiver; see Classify.
package tunnelproto

import "encoding/binary"

const (
	// HeaderLen is the number of bytes in the sender/receiver header.
	HeaderLen = 8

	// MinDatagramLen is the smallest datagram the relay will classify; anything
	// shorter is dropped as malformed before the header is even parsed.
	MinDatagramLen = HeaderLen

	// MaxDatagramLen bounds the receive buffer size.
	MaxDatagramLen = 1024

	// PingLen is the exact length of a ping request: an 8-byte
	// zero header plus 42 bytes of opaque payload.
	PingLen = 50

	// PingReplyLen is the number of leading bytes echoed back for a ping.
	PingReplyLen = 12

	// MaintCommandLen is the command byte length in a maintenance datagram.
	MaintCommandLen = 1

	// MaintDigestLen is the SHA-1 digest length in a maintenance datagram.
	MaintDigestLen = 20

	// MinMaintenanceLen is the minimum length of a maintenance datagram: header
	// + command byte + SHA-1 digest.
	MinMaintenanceLen = HeaderLen + MaintCommandLen + MaintDigestLen

	// SenderBroadcast and ReceiverMaintenance are the sentinel ids that select
	// the maintenance-command path. A maintenance datagram has Sender == 0 and
	// Receiver == ReceiverMaintenance.
	SenderBroadcast     ClientID = 0
	ReceiverMaintenance ClientID = 0xFFFFFFFF
)

// ClientID is the 32-bit, client-chosen, unauthenticated peer identifier.
//
// 0 and 0xFFFFFFFF are reserved sentinels and are never stored as keys in the
// client table.
type ClientID uint32

// IsReserved reports whether id is one of the two sentinel values that must
// never be admitted as a real client.
func (id ClientID) IsReserved() bool {
	return id == 0 || id == ReceiverMaintenance
}

// Header is the decoded 8-byte sender/receiver prefix common to every
// datagram.
type Header struct {
	Sender   ClientID
	Receiver ClientID
}

// ParseHeader decodes the first 8 bytes of b. The caller must ensure
// len(b) >= HeaderLen.
func ParseHeader(b []byte) Header {
	return Header{
		Sender:   ClientID(binary.LittleEndian.Uint32(b[0:4])),
		Receiver: ClientID(binary.LittleEndian.Uint32(b[4:8])),
	}
}

// PutHeader encodes h into the first 8 bytes of b. The caller must ensure
// len(b) >= HeaderLen.
func PutHeader(b []byte, h Header) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.Sender))
	binary.LittleEndian.PutUint32(b[4:8], uint32(h.Receiver))
}

// Kind classifies a datagram once its header and length are known.
type Kind int

const (
	// KindHostile indicates the datagram must be dropped without further
	// inspection: an impossible self-addressed non-zero sender/receiver pair,
	// or (decided by the caller, not here) a hostile source address/port.
	KindHostile Kind = iota
	// KindMaintenance is Sender == 0, Receiver == ReceiverMaintenance, and the
	// datagram is long enough to carry a command byte and digest.
	KindMaintenance
	// KindPing is Sender == 0, Receiver == 0, and the datagram is exactly
	// PingLen bytes.
	KindPing
	// KindDropSentinel is Sender == 0 with a Receiver that is neither 0 nor the
	// maintenance sentinel, a maintenance-shaped header that is too short, or
	// an all-zero header whose length is not PingLen - always silently
	// dropped.
	KindDropSentinel
	// KindForward is every other case: a relay packet to be admitted/forwarded.
	KindForward
)

// Classify determines how a datagram whose header has already been parsed
// should be dispatched. n is the total datagram length (header + payload).
//
// Classify does not evaluate source-address hostility; callers must apply
// that filter (loopback/unspecified/broadcast/zero-port) before or after
// calling Classify, per its precedence ordering.
func Classify(h Header, n int) Kind {
	if h.Sender == h.Receiver && h.Sender != 0 {
		return KindHostile
	}
	if h.Sender == SenderBroadcast {
		switch h.Receiver {
		case ReceiverMaintenance:
			if n >= MinMaintenanceLen {
				return KindMaintenance
			}
			return KindDropSentinel
		case 0:
			if n == PingLen {
				return KindPing
			}
			return KindDropSentinel
		default:
			return KindDropSentinel
		}
	}
	return KindForward
}

// MaintenanceCommand holds the decoded payload of a maintenance datagram.
// The caller must have already classified the datagram as KindMaintenance.
type MaintenanceCommand struct {
	Command byte
	Digest  [MaintDigestLen]byte
}

// ParseMaintenanceCommand decodes the command byte and SHA-1 digest from a
// datagram known to be at least MinMaintenanceLen bytes, starting at offset
// HeaderLen.
func ParseMaintenanceCommand(b []byte) MaintenanceCommand {
	var cmd MaintenanceCommand
	cmd.Command = b[HeaderLen]
	copy(cmd.Digest[:], b[HeaderLen+MaintCommandLen:HeaderLen+MaintCommandLen+MaintDigestLen])
	return cmd
}
