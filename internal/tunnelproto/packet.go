// Package tunnelproto implements the wire format carried inside ICMP echo
// payloads by the tunnel engine.
package tunnelproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// HeaderSize is the fixed-size portion of every packet, before the
// variable-length destination host and the raw payload.
//
//	session_id [4 bytes] - tunnel session this packet belongs to
//	seq        [4 bytes] - per-session sequence number
//	host_len   [4 bytes] - length in bytes of the destination host that follows
//	action     [2 bytes] - Action
//	direction  [2 bytes] - Direction
//	port       [4 bytes] - destination port (only meaningful for Start)
const HeaderSize = 4 + 4 + 4 + 2 + 2 + 4

// MaxHostLen bounds the destination host field so a corrupt or hostile
// host_len can never be read as a request to allocate gigabytes.
const MaxHostLen = 255

var (
	// ErrTruncated is returned when a buffer is too short to contain a valid packet.
	ErrTruncated = errors.New("tunnelproto: truncated packet")

	// ErrHostOverflow is returned when host_len claims more bytes than the
	// buffer holds, or more than MaxHostLen.
	ErrHostOverflow = errors.New("tunnelproto: host length overflows buffer")

	// ErrUnknownAction is returned when the action field does not match a known Action.
	ErrUnknownAction = errors.New("tunnelproto: unknown action")

	// ErrUnknownDirection is returned when the direction field does not match a known Direction.
	ErrUnknownDirection = errors.New("tunnelproto: unknown direction")

	// ErrInvalidHost is returned when the destination host bytes are not valid UTF-8.
	ErrInvalidHost = errors.New("tunnelproto: destination host is not valid UTF-8")
)

// Action identifies what a Packet asks the receiving endpoint to do.
type Action uint16

const (
	ActionStart     Action = 0
	ActionTerminate Action = 1
	ActionData      Action = 2
	ActionAck       Action = 3
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "START"
	case ActionTerminate:
		return "TERMINATE"
	case ActionData:
		return "DATA"
	case ActionAck:
		return "ACK"
	default:
		return fmt.Sprintf("ACTION(%d)", uint16(a))
	}
}

func (a Action) valid() bool {
	return a <= ActionAck
}

// Direction identifies which role originated a Packet. It lets an endpoint
// recognize and discard packets that are an echo of its own traffic instead
// of one coming from its peer.
type Direction uint16

const (
	DirectionProxyServer Direction = 0
	DirectionProxyClient Direction = 1
)

func (d Direction) String() string {
	switch d {
	case DirectionProxyServer:
		return "PROXY_SERVER"
	case DirectionProxyClient:
		return "PROXY_CLIENT"
	default:
		return fmt.Sprintf("DIRECTION(%d)", uint16(d))
	}
}

func (d Direction) valid() bool {
	return d == DirectionProxyServer || d == DirectionProxyClient
}

// Packet is a single tunnel protocol message, carried verbatim as the
// payload of an ICMP echo request or reply.
type Packet struct {
	SessionID uint32
	Seq       uint32
	Action    Action
	Direction Direction
	Host      string // destination host, only populated on Start
	Port      uint32 // destination port, only populated on Start
	Payload   []byte // raw bytes, only populated on Data
}

// Encode serializes the packet into the wire format described by HeaderSize.
func (p *Packet) Encode() ([]byte, error) {
	hostBytes := []byte(p.Host)
	if len(hostBytes) > MaxHostLen {
		return nil, fmt.Errorf("tunnelproto: host too long (%d > %d)", len(hostBytes), MaxHostLen)
	}

	buf := make([]byte, HeaderSize+len(hostBytes)+len(p.Payload))

	binary.BigEndian.PutUint32(buf[0:4], p.SessionID)
	binary.BigEndian.PutUint32(buf[4:8], p.Seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(hostBytes)))
	binary.BigEndian.PutUint16(buf[12:14], uint16(p.Action))
	binary.BigEndian.PutUint16(buf[14:16], uint16(p.Direction))
	binary.BigEndian.PutUint32(buf[16:20], p.Port)

	offset := HeaderSize
	copy(buf[offset:], hostBytes)
	offset += len(hostBytes)
	copy(buf[offset:], p.Payload)

	return buf, nil
}

// Decode parses a packet out of raw bytes. It rejects truncated headers,
// a host_len that overflows the buffer or exceeds MaxHostLen, unrecognized action/direction
// values, and non-UTF-8 host bytes.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrTruncated, HeaderSize, len(buf))
	}

	sessionID := binary.BigEndian.Uint32(buf[0:4])
	seq := binary.BigEndian.Uint32(buf[4:8])
	hostLen := binary.BigEndian.Uint32(buf[8:12])
	action := Action(binary.BigEndian.Uint16(buf[12:14]))
	direction := Direction(binary.BigEndian.Uint16(buf[14:16]))
	port := binary.BigEndian.Uint32(buf[16:20])

	if !action.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAction, uint16(action))
	}
	if !direction.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDirection, uint16(direction))
	}
	if hostLen > MaxHostLen || uint64(HeaderSize)+uint64(hostLen) > uint64(len(buf)) {
		return nil, fmt.Errorf("%w: host_len=%d buffer=%d", ErrHostOverflow, hostLen, len(buf))
	}

	hostBytes := buf[HeaderSize : HeaderSize+int(hostLen)]
	if !utf8.Valid(hostBytes) {
		return nil, ErrInvalidHost
	}

	payload := buf[HeaderSize+int(hostLen):]
	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	return &Packet{
		SessionID: sessionID,
		Seq:       seq,
		Action:    action,
		Direction: direction,
		Host:      string(hostBytes),
		Port:      port,
		Payload:   payloadCopy,
	}, nil
}

// String returns a debug representation of the packet.
func (p *Packet) String() string {
	return fmt.Sprintf("Packet{session=%d seq=%d action=%s direction=%s host=%q port=%d payload=%dB}",
		p.SessionID, p.Seq, p.Action, p.Direction, p.Host, p.Port, len(p.Payload))
}
