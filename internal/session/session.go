// Package session manages the TCP side of each tunneled connection: the
// reassembly of out-of-order tunnel DATA packets back into a byte stream,
// and the registry of sessions that keeps a background reader goroutine
// running per session.
package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/dialtone-labs/icmptun/internal/ratelimit"
)

// DataSize is the chunk size read from a local TCP connection before it is
// wrapped in a tunnel DATA packet. It has to leave enough room, once added
// to the tunnel header and the ICMP/IPv4 headers, to stay under the path
// MTU: this transport never fragments a tunnel packet across more than one
// ICMP echo.
const DataSize = 1024

// StartSequence is the first sequence number a session assigns to data it
// reads from its local TCP connection.
const StartSequence = 1

// ErrConnectionClosed is returned by ReadOnce and Write once the
// underlying TCP connection is no longer usable.
var ErrConnectionClosed = errors.New("session: connection closed")

// ClientSession owns one proxied TCP connection: reading new bytes to
// ship over the tunnel, and reassembling bytes arriving from the tunnel
// back into the connection in strict order.
type ClientSession struct {
	SessionID uint32
	conn      net.Conn
	writer    io.Writer
	cancel    context.CancelFunc

	mu            sync.Mutex
	pending       map[uint32][]byte
	lastDelivered uint32
	bytesWritten  uint64
	closed        bool
}

// NewClientSession wraps conn for use as a tunnel session. lastDelivered
// starts one below StartSequence so the first in-order write (seq ==
// StartSequence) flushes immediately. A positive maxBytesPerSec caps the
// rate reassembled DATA is written back to conn; zero leaves it
// unlimited.
func NewClientSession(sessionID uint32, conn net.Conn, maxBytesPerSec int64) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &ClientSession{
		SessionID:     sessionID,
		conn:          conn,
		writer:        ratelimit.NewWriter(ctx, conn, maxBytesPerSec),
		cancel:        cancel,
		pending:       make(map[uint32][]byte),
		lastDelivered: StartSequence - 1,
	}
}

// ReadOnce reads up to DataSize bytes from the local TCP connection. EOF
// or a reset translate to ErrConnectionClosed so callers have a single
// error to funnel into the stale-session path.
func (s *ClientSession) ReadOnce() ([]byte, error) {
	buf := make([]byte, DataSize)
	n, err := s.conn.Read(buf)
	if err != nil {
		return nil, ErrConnectionClosed
	}
	if n == 0 {
		return nil, ErrConnectionClosed
	}
	return buf[:n], nil
}

// Write reassembles DATA packets into the connection in order. Packets
// that arrive out of order are buffered in pending; duplicates (seq at or
// below lastDelivered, or already buffered) are silently dropped, since a
// tunnel DATA packet can be retransmitted by the sender after a lost ACK.
func (s *ClientSession) Write(seq uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrConnectionClosed
	}

	if seq <= s.lastDelivered {
		return nil // duplicate of something already flushed
	}
	if _, exists := s.pending[seq]; exists {
		return nil // duplicate still sitting in the reorder buffer
	}
	s.pending[seq] = data

	for {
		next := s.lastDelivered + 1
		chunk, ok := s.pending[next]
		if !ok {
			break
		}
		if _, err := s.writer.Write(chunk); err != nil {
			s.closed = true
			return ErrConnectionClosed
		}
		s.bytesWritten += uint64(len(chunk))
		delete(s.pending, next)
		s.lastDelivered = next
	}

	return nil
}

// BytesWritten returns the total bytes reassembled and flushed to the
// local TCP connection so far.
func (s *ClientSession) BytesWritten() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesWritten
}

// Stop closes the underlying TCP connection, ending the session.
func (s *ClientSession) Stop() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return s.conn.Close()
}
