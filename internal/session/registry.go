package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dialtone-labs/icmptun/internal/logging"
	"github.com/dialtone-labs/icmptun/internal/recovery"
)

// OutboundChunk is a chunk of bytes read off a session's local TCP
// connection, tagged with the session and sequence number it needs to be
// wrapped in a tunnel DATA packet with.
type OutboundChunk struct {
	SessionID uint32
	Seq       uint32
	Data      []byte
}

type entry struct {
	session *ClientSession
	cancel  context.CancelFunc
	done    chan struct{}
	outSeq  atomic.Uint32
}

// Registry is the sole owner of the (session, reader goroutine) pairs for
// every tunneled connection. Removal is funneled through a single path
// (Remove) so a session's own reader goroutine never removes itself: on a
// read failure it reports the session ID on the stale channel instead,
// leaving the actual removal to whoever drains that channel. This avoids
// a goroutine racing to join (cancel + wait) on its own execution.
type Registry struct {
	mu             sync.Mutex
	sessions       map[uint32]*entry
	outbound       chan<- OutboundChunk
	stale          chan<- uint32
	logger         *slog.Logger
	maxBytesPerSec int64
}

// NewRegistry creates a registry that delivers data read from sessions to
// outbound, and reports sessions whose TCP connection died to stale.
// maxBytesPerSec, if positive, caps how fast each session may drain
// reassembled tunnel data into its local TCP connection.
func NewRegistry(outbound chan<- OutboundChunk, stale chan<- uint32, logger *slog.Logger, maxBytesPerSec int64) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Registry{
		sessions:       make(map[uint32]*entry),
		outbound:       outbound,
		stale:          stale,
		logger:         logger,
		maxBytesPerSec: maxBytesPerSec,
	}
}

// Add registers a new session and starts its background reader task.
func (r *Registry) Add(sessionID uint32, conn net.Conn) error {
	r.mu.Lock()
	if _, exists := r.sessions[sessionID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("session %d already exists", sessionID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		session: NewClientSession(sessionID, conn, r.maxBytesPerSec),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	r.sessions[sessionID] = e
	r.mu.Unlock()

	go r.readerTask(ctx, sessionID, e)

	r.logger.Debug("session added", logging.KeySessionID, sessionID)
	return nil
}

// Remove drops the session from the registry, cancels its reader task
// (expiring the connection's read deadline so a Read in progress returns),
// waits for the task to exit, and closes the TCP connection.
func (r *Registry) Remove(sessionID uint32) error {
	r.mu.Lock()
	e, exists := r.sessions[sessionID]
	if exists {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("removing non-existent session %d", sessionID)
	}

	e.cancel()
	// A reader blocked in conn.Read never observes ctx; the expired
	// deadline makes that Read fail so the task can exit.
	_ = e.session.conn.SetReadDeadline(time.Now())
	<-e.done
	delivered := e.session.BytesWritten()
	_ = e.session.Stop()

	r.logger.Debug("session removed", logging.KeySessionID, sessionID, "delivered", humanize.Bytes(delivered))
	return nil
}

// Exists reports whether sessionID is currently registered.
func (r *Registry) Exists(sessionID uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// WriteTo reassembles data arriving from the tunnel into the session's
// local TCP connection. If the connection has died, the session ID is
// reported on the stale channel rather than removed here directly.
func (r *Registry) WriteTo(sessionID, seq uint32, data []byte) error {
	r.mu.Lock()
	e, exists := r.sessions[sessionID]
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("write to non-existent session %d", sessionID)
	}

	if err := e.session.Write(seq, data); err != nil {
		r.stale <- sessionID
		return err
	}
	return nil
}

// readerTask continuously reads from a session's TCP connection and
// publishes the bytes read, tagged with a monotonically increasing
// sequence number, onto the outbound channel. On a read failure it
// reports the session as stale and exits without touching the registry
// map itself.
func (r *Registry) readerTask(ctx context.Context, sessionID uint32, e *entry) {
	defer close(e.done)
	defer recovery.RecoverWithLog(r.logger, "session.Registry.readerTask")

	for {
		data, err := e.session.ReadOnce()
		if err != nil {
			select {
			case r.stale <- sessionID:
			case <-ctx.Done():
			}
			return
		}

		seq := e.outSeq.Add(1)

		select {
		case r.outbound <- OutboundChunk{SessionID: sessionID, Seq: seq, Data: data}:
		case <-ctx.Done():
			return
		}
	}
}
