// Package acceptor runs the local TCP listener that the proxy-client side
// of the tunnel exposes to applications: everything dialed into it becomes
// one tunneled session.
package acceptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/dialtone-labs/icmptun/internal/logging"
	"github.com/dialtone-labs/icmptun/internal/recovery"
)

// NewConnection is a freshly accepted local TCP connection, tagged with the
// session ID the engine should use to refer to it over the tunnel.
type NewConnection struct {
	SessionID uint32
	Conn      net.Conn
}

// Acceptor listens on 127.0.0.1:<port> and hands every accepted connection,
// tagged with a monotonically increasing session ID, to Run's caller.
type Acceptor struct {
	listener net.Listener
	nextID   atomic.Uint32
	logger   *slog.Logger
}

// Listen binds 127.0.0.1:port. The caller is responsible for calling Close
// once done, or for canceling the context passed to Run.
func Listen(port uint16, logger *slog.Logger) (*Acceptor, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("acceptor: listen %s: %w", addr, err)
	}

	return &Acceptor{listener: ln, logger: logger}, nil
}

// Addr returns the bound address.
func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}

// Close stops accepting new connections.
func (a *Acceptor) Close() error {
	return a.listener.Close()
}

// Run accepts connections until ctx is canceled or the listener is closed,
// delivering each one on out with a freshly allocated session ID. Session
// IDs start at 1 and increase monotonically for the lifetime of the
// acceptor; they are never reused, even after a session ends.
func (a *Acceptor) Run(ctx context.Context, out chan<- NewConnection) error {
	defer recovery.RecoverWithLog(a.logger, "acceptor.Acceptor.Run")

	go func() {
		<-ctx.Done()
		_ = a.listener.Close()
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("acceptor: accept: %w", err)
		}

		sessionID := a.nextID.Add(1)
		a.logger.Debug("accepted local connection",
			logging.KeySessionID, sessionID,
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
		)

		select {
		case out <- NewConnection{SessionID: sessionID, Conn: conn}:
		case <-ctx.Done():
			_ = conn.Close()
			return nil
		}
	}
}
