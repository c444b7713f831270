package engine

import (
	"context"
	"log/slog"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/dialtone-labs/icmptun/internal/logging"
	"github.com/dialtone-labs/icmptun/internal/tunnelproto"
)

// defaultMaxSegmentSize is small enough that a relayed TCP segment plus the
// tunnel header and ICMP/IPv4 headers stay comfortably under a typical
// Ethernet path MTU, since this transport has no fragmentation layer of
// its own.
const defaultMaxSegmentSize = 1200

// Role is the small capability object that distinguishes a proxy-client
// engine from a proxy-server engine. Rather than two Engine
// implementations joined by inheritance, both roles share one Engine and
// plug in the handful of behaviors that differ: which Direction a role
// stamps on packets it originates, whether it runs a local TCP accept
// pump, and how it reacts to a received START.
type Role struct {
	Direction tunnelproto.Direction

	// AcceptPump is true for the proxy-client role, which listens on a
	// local TCP port and turns each accepted connection into a tunnel
	// session. The proxy-server role never originates a session locally,
	// so this is false.
	AcceptPump bool

	// HandleStart reacts to a received START packet. nil on the
	// proxy-client role, which never receives one from a well-behaved
	// peer. Returns true if the session was established and should be
	// ACKed.
	HandleStart func(ctx context.Context, e *Engine, pkt *tunnelproto.Packet) bool
}

// RoleClient builds the proxy-client capability object: it runs the accept
// pump and never handles an inbound START.
func RoleClient() Role {
	return Role{
		Direction:  tunnelproto.DirectionProxyClient,
		AcceptPump: true,
	}
}

// RoleServer builds the proxy-server capability object: it never accepts
// local connections, and answers an inbound START by dialing the
// requested destination.
func RoleServer() Role {
	return Role{
		Direction:   tunnelproto.DirectionProxyServer,
		AcceptPump:  false,
		HandleStart: handleServerStart,
	}
}

func handleServerStart(ctx context.Context, e *Engine, pkt *tunnelproto.Packet) bool {
	addr := net.JoinHostPort(pkt.Host, strconv.Itoa(int(pkt.Port)))

	dialer := net.Dialer{Timeout: e.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		e.logger.Warn("destination dial failed",
			logging.KeySessionID, pkt.SessionID,
			logging.KeyRemoteAddr, addr,
			logging.KeyError, err,
		)
		return false
	}

	tuneMaxSegmentSize(conn, e.logger)

	if err := e.registry.Add(pkt.SessionID, conn); err != nil {
		e.logger.Warn("session already exists for START",
			logging.KeySessionID, pkt.SessionID,
			logging.KeyError, err,
		)
		_ = conn.Close()
		return false
	}

	e.logger.Info("session established",
		logging.KeySessionID, pkt.SessionID,
		logging.KeyRemoteAddr, addr,
	)
	return true
}

// tuneMaxSegmentSize clamps the destination TCP connection's MSS so a
// single relayed segment has a better chance of fitting inside one tunnel
// DATA packet without the kernel needing to split it further. Best-effort:
// a failure here doesn't stop the session from working.
func tuneMaxSegmentSize(conn net.Conn, logger *slog.Logger) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return
	}
	ctlErr := raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_MAXSEG, defaultMaxSegmentSize)
	})
	if ctlErr != nil {
		logger.Debug("failed to clamp destination MSS", logging.KeyError, ctlErr)
	}
}
