package icmpsock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/dialtone-labs/icmptun/internal/logging"
)

// Identifier and sequence magic values stamped into every ICMP header this
// transport sends. They double as a cheap filter: any ICMP traffic on the
// wire that isn't ours (another ping, a traceroute, a neighbor's tunnel)
// is recognized and ignored instead of being handed to the protocol layer.
const (
	IdentifierMagic uint16 = 0xBEEF
	SequenceMagic   uint16 = 0xDEAD
)

// recvBufferSize is the socket receive buffer requested from the kernel.
// Generous relative to a single ICMP echo so a burst of tunnel traffic
// doesn't get dropped by the kernel before RecvLoop drains it.
const recvBufferSize = 1 << 20

// readBufferSize must comfortably fit an IPv4 header (20 bytes, no options)
// plus an ICMP header (8 bytes) plus the largest tunnel packet payload.
const readBufferSize = 2048

// InboundPacket is one validated ICMP echo received off the wire: its
// magic identifier/sequence, tunnel payload, and the IPv4 source address
// it arrived from.
type InboundPacket struct {
	Identifier uint16
	Sequence   uint16
	Payload    []byte
	SourceIP   net.IP
}

// Socket is a raw AF_INET/SOCK_RAW/IPPROTO_ICMP socket. Opening one
// requires root or CAP_NET_RAW.
type Socket struct {
	conn   *net.IPConn
	logger *slog.Logger
}

// NewSocket opens a raw ICMP socket.
func NewSocket(logger *slog.Logger) (*Socket, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	conn, err := net.ListenIP("ip4:icmp", &net.IPAddr{})
	if err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			return nil, fmt.Errorf("open raw ICMP socket: %w (root or CAP_NET_RAW required)", err)
		}
		return nil, fmt.Errorf("open raw ICMP socket: %w", err)
	}

	s := &Socket{conn: conn, logger: logger}
	s.tuneReceiveBuffer()

	return s, nil
}

// tuneReceiveBuffer grows the kernel socket buffer. Best-effort: a failure
// here doesn't prevent the tunnel from working, just makes it more likely
// to drop packets under load.
func (s *Socket) tuneReceiveBuffer() {
	raw, err := s.conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recvBufferSize)
	})
}

// Close closes the underlying socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// Send builds an ICMP echo message stamped with the magic identifier and
// sequence and writes it to destIP.
func (s *Socket) Send(kind Kind, payload []byte, destIP net.IP) error {
	msg := &message{
		kind:       kind,
		identifier: IdentifierMagic,
		sequence:   SequenceMagic,
		payload:    payload,
	}

	_, err := s.conn.WriteToIP(msg.marshal(), &net.IPAddr{IP: destIP})
	if err != nil {
		return fmt.Errorf("send ICMP: %w", err)
	}
	return nil
}

// RecvLoop reads ICMP datagrams until ctx is canceled or the socket is
// closed, stripping the leading IPv4 header by hand, verifying the ICMP
// code and checksum, dropping anything that is not an echo request/reply
// carrying IdentifierMagic, and delivering the remaining echo packets to
// out. A sequence field other than SequenceMagic is logged at debug level
// but does not cause a drop.
//
// The first valid packet received while remote has no learned IP yet
// causes that packet's source address to become the tunnel's peer
// ("first packet wins"); later packets from a different source are still
// delivered but never change the learned peer.
func (s *Socket) RecvLoop(ctx context.Context, remote *RemoteEndpoint, out chan<- InboundPacket) error {
	buf := make([]byte, readBufferSize)

	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("read ICMP: %w", err)
			}
		}

		raw := buf[:n]

		ipHeader, err := ipv4.ParseHeader(raw)
		if err != nil {
			s.logger.Debug("dropping packet with unparsable IPv4 header", logging.KeyError, err)
			continue
		}
		if ipHeader.Len != 20 {
			s.logger.Debug("dropping packet with IPv4 options, unsupported", "header_len", ipHeader.Len)
			continue
		}

		end := ipHeader.TotalLen
		if end > len(raw) || end <= ipHeader.Len {
			end = len(raw)
		}
		icmpBytes := raw[ipHeader.Len:end]

		msg, err := unmarshalICMP(icmpBytes)
		if err != nil {
			s.logger.Debug("dropping invalid ICMP message", logging.KeyError, err)
			continue
		}
		if msg.kind != KindEchoRequest && msg.kind != KindEchoReply {
			continue
		}
		if msg.identifier != IdentifierMagic {
			continue
		}
		if msg.sequence != SequenceMagic {
			s.logger.Debug("ICMP sequence magic mismatch, delivering anyway", "sequence", msg.sequence)
		}

		remote.LearnFrom(ipHeader.Src)

		select {
		case out <- InboundPacket{
			Identifier: msg.identifier,
			Sequence:   msg.sequence,
			Payload:    msg.payload,
			SourceIP:   ipHeader.Src,
		}:
		case <-ctx.Done():
			return nil
		}
	}
}

// RemoteEndpoint holds the peer's IPv4 address. On the proxy-server the
// address is unknown at startup and is learned from the first valid
// inbound ICMP packet; on the proxy-client it is supplied on the command
// line up front.
type RemoteEndpoint struct {
	mu sync.Mutex
	ip net.IP
}

// NewRemoteEndpoint creates a cell, optionally pre-seeded with a known peer IP.
func NewRemoteEndpoint(ip net.IP) *RemoteEndpoint {
	return &RemoteEndpoint{ip: ip}
}

// IP returns the currently known peer address, or nil if none has been
// learned yet.
func (r *RemoteEndpoint) IP() net.IP {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ip
}

// LearnFrom records ip as the peer address if none is known yet. It is a
// no-op once an address has been set, implementing "first packet wins".
func (r *RemoteEndpoint) LearnFrom(ip net.IP) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ip != nil {
		return false
	}
	r.ip = ip
	return true
}
