// Package icmpsock implements the raw ICMP transport the tunnel rides on:
// a privileged AF_INET/SOCK_RAW socket, manual IPv4 header stripping, and a
// manually computed and verified ICMP checksum, in the spirit of how a
// ping implementation builds its own echo packets by hand.
package icmpsock

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/net/ipv4"
)

// HeaderSize is the size of the ICMP echo header: type, code, checksum,
// identifier, sequence. No options are supported.
const HeaderSize = 8

var (
	// ErrTruncated is returned when a buffer is too short to hold an ICMP header.
	ErrTruncated = errors.New("icmpsock: truncated ICMP message")

	// ErrUnexpectedCode is returned when the ICMP code is not 0.
	ErrUnexpectedCode = errors.New("icmpsock: unexpected ICMP code")

	// ErrBadChecksum is returned when the embedded checksum does not match the computed one.
	ErrBadChecksum = errors.New("icmp: checksum mismatch")
)

// Kind is the ICMP message type this transport understands: echo request or
// echo reply. Anything else is dropped by the receive loop.
type Kind uint8

const (
	KindEchoReply   Kind = Kind(ipv4.ICMPTypeEchoReply)
	KindEchoRequest Kind = Kind(ipv4.ICMPTypeEcho)
)

// message is a raw ICMP echo packet: the 8-byte header plus payload.
type message struct {
	kind       Kind
	identifier uint16
	sequence   uint16
	payload    []byte
}

// marshal serializes the message and computes its checksum.
func (m *message) marshal() []byte {
	buf := make([]byte, HeaderSize+len(m.payload))
	buf[0] = byte(m.kind)
	buf[1] = 0 // code, always 0 for echo request/reply
	// buf[2:4] checksum, filled below
	binary.BigEndian.PutUint16(buf[4:6], m.identifier)
	binary.BigEndian.PutUint16(buf[6:8], m.sequence)
	copy(buf[HeaderSize:], m.payload)

	sum := checksum(buf)
	binary.BigEndian.PutUint16(buf[2:4], sum)

	return buf
}

// unmarshalICMP parses a raw ICMP message (header + payload, IPv4 header
// already stripped) and verifies its code and checksum.
func unmarshalICMP(buf []byte) (*message, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrTruncated, len(buf))
	}

	kind := Kind(buf[0])
	code := buf[1]
	wantChecksum := binary.BigEndian.Uint16(buf[2:4])
	identifier := binary.BigEndian.Uint16(buf[4:6])
	sequence := binary.BigEndian.Uint16(buf[6:8])

	if code != 0 {
		return nil, fmt.Errorf("%w: code=%d", ErrUnexpectedCode, code)
	}

	verifyBuf := make([]byte, len(buf))
	copy(verifyBuf, buf)
	binary.BigEndian.PutUint16(verifyBuf[2:4], 0)
	gotChecksum := checksum(verifyBuf)
	if gotChecksum != wantChecksum {
		return nil, fmt.Errorf("%w: want=0x%04x got=0x%04x", ErrBadChecksum, wantChecksum, gotChecksum)
	}

	payload := make([]byte, len(buf)-HeaderSize)
	copy(payload, buf[HeaderSize:])

	return &message{
		kind:       kind,
		identifier: identifier,
		sequence:   sequence,
		payload:    payload,
	}, nil
}

// checksum computes the Internet checksum (RFC 1071) over data, treating
// a trailing odd byte as padded with a zero low byte. Callers must zero
// the checksum field in data before calling this to compute, and may call
// it again over the received bytes as-is to verify.
func checksum(data []byte) uint16 {
	var sum uint32

	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}

	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}

	return ^uint16(sum)
}
