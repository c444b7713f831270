// Package engine runs the tunnel's pumps: accepting local TCP connections,
// turning their bytes into tunnel packets, dispatching inbound tunnel
// packets by action, and reaping sessions whose TCP side has died. One
// Engine type serves both tunnel endpoints; Role supplies the handful of
// behaviors that differ between proxy-client and proxy-server.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dialtone-labs/icmptun/internal/acceptor"
	"github.com/dialtone-labs/icmptun/internal/config"
	"github.com/dialtone-labs/icmptun/internal/icmpsock"
	"github.com/dialtone-labs/icmptun/internal/logging"
	"github.com/dialtone-labs/icmptun/internal/metrics"
	"github.com/dialtone-labs/icmptun/internal/recovery"
	"github.com/dialtone-labs/icmptun/internal/session"
	"github.com/dialtone-labs/icmptun/internal/tunnelproto"
)

// Sender is the subset of *icmpsock.Socket the engine needs to transmit a
// tunnel packet. Pulling it out as an interface lets tests exercise the
// dispatch and retry logic against a fake instead of a privileged raw
// socket.
type Sender interface {
	Send(kind icmpsock.Kind, payload []byte, destIP net.IP) error
}

// Receiver is the subset of *icmpsock.Socket the engine needs to receive
// tunnel packets.
type Receiver interface {
	RecvLoop(ctx context.Context, remote *icmpsock.RemoteEndpoint, out chan<- icmpsock.InboundPacket) error
}

// Transport is the full raw ICMP transport the engine drives.
type Transport interface {
	Sender
	Receiver
}

// Params configures an Engine. ListenPort, DestHost and DestPort are only
// meaningful for the proxy-client role.
type Params struct {
	Role        Role
	Config      config.Config
	ListenPort  uint16
	DestHost    string
	DestPort    uint32
	DialTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

type ackKey struct {
	sessionID uint32
	seq       uint32
}

// Engine owns every moving part of one tunnel endpoint: the ICMP
// transport, the session registry, the (client-only) local TCP acceptor,
// and the pending-ACK table that send-and-await-ack retries against.
type Engine struct {
	cfg      Params
	logger   *slog.Logger
	metrics  *metrics.Metrics
	role     Role
	socket   Transport
	remote   *icmpsock.RemoteEndpoint
	registry *session.Registry
	acc      *acceptor.Acceptor

	outbound  chan session.OutboundChunk
	stale     chan uint32
	inbound   chan icmpsock.InboundPacket
	newConn   chan acceptor.NewConnection

	pendingMu sync.Mutex
	pending   map[ackKey]chan struct{}

	sendWG sync.WaitGroup
}

// New builds an Engine. remote should already carry the peer IP for a
// proxy-client (parsed from the command line) and be empty for a
// proxy-server (learned from the first inbound packet). acc is nil unless
// params.Role.AcceptPump is true.
func New(params Params, transport Transport, remote *icmpsock.RemoteEndpoint, acc *acceptor.Acceptor) *Engine {
	logger := params.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := params.Metrics
	if m == nil {
		m = metrics.NewMetricsWithRegistry(nil)
	}

	e := &Engine{
		cfg:     params,
		logger:  logger,
		metrics: m,
		role:    params.Role,
		socket:  transport,
		remote:  remote,
		acc:     acc,

		outbound: make(chan session.OutboundChunk, 64),
		stale:    make(chan uint32, 16),
		inbound:  make(chan icmpsock.InboundPacket, 64),
		newConn:  make(chan acceptor.NewConnection, 16),

		pending: make(map[ackKey]chan struct{}),
	}
	e.registry = session.NewRegistry(e.outbound, e.stale, logger, params.Config.MaxBytesPerSec)
	return e
}

// Run starts every pump and blocks until ctx is canceled or a pump fails
// unrecoverably.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 8)

	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer recovery.RecoverWithLog(e.logger, name)
			if err := fn(ctx); err != nil {
				select {
				case errCh <- fmt.Errorf("%s: %w", name, err):
				default:
				}
				cancel()
			}
		}()
	}

	// T5: inbound ICMP recv loop.
	spawn("engine.Engine.recvLoop", func(ctx context.Context) error {
		return e.socket.RecvLoop(ctx, e.remote, e.inbound)
	})

	// T3: inbound tunnel packet dispatch.
	spawn("engine.Engine.dispatchLoop", func(ctx context.Context) error {
		e.dispatchLoop(ctx)
		return nil
	})

	// T2: outbound-from-TCP pump.
	spawn("engine.Engine.outboundPump", func(ctx context.Context) error {
		e.outboundPump(ctx)
		return nil
	})

	// T4: stale session reaper.
	spawn("engine.Engine.staleReaper", func(ctx context.Context) error {
		e.staleReaper(ctx)
		return nil
	})

	if e.role.AcceptPump {
		// T1: local TCP accept pump.
		spawn("engine.Engine.acceptPump", func(ctx context.Context) error {
			return e.acc.Run(ctx, e.newConn)
		})
		spawn("engine.Engine.acceptDispatch", func(ctx context.Context) error {
			e.acceptDispatchLoop(ctx)
			return nil
		})
	}

	<-ctx.Done()
	wg.Wait()
	e.sendWG.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// acceptDispatchLoop drains newly accepted local TCP connections (client
// role only), turns each into a START packet, and, once the peer ACKs it,
// registers the session. This is T1 in the engine's pump numbering. Unlike
// the outbound-from-TCP pump, START is sent synchronously: a slow or
// refused destination only stalls new accepts, it never misorders data
// for sessions already established.
func (e *Engine) acceptDispatchLoop(ctx context.Context) {
	for {
		select {
		case nc := <-e.newConn:
			e.handleNewConnectionSafe(ctx, nc)
		case <-ctx.Done():
			return
		}
	}
}

// handleNewConnectionSafe recovers a panic out of a single accepted
// connection's handling so one malformed or unlucky connection can't take
// down the whole accept-dispatch pump; the loop keeps serving the next one.
func (e *Engine) handleNewConnectionSafe(ctx context.Context, nc acceptor.NewConnection) {
	const pump = "engine.Engine.handleNewConnection"
	defer recovery.RecoverWithCallback(e.logger, pump, func(interface{}) {
		e.metrics.PanicsRecovered.WithLabelValues(pump).Inc()
	})
	e.handleNewConnection(ctx, nc)
}

func (e *Engine) handleNewConnection(ctx context.Context, nc acceptor.NewConnection) {
	pkt := &tunnelproto.Packet{
		SessionID: nc.SessionID,
		Seq:       0,
		Action:    tunnelproto.ActionStart,
		Direction: e.role.Direction,
		Host:      e.cfg.DestHost,
		Port:      e.cfg.DestPort,
	}

	if ok := e.sendAndAwaitAck(ctx, pkt); !ok {
		e.logger.Warn("START not acknowledged, dropping connection",
			logging.KeySessionID, nc.SessionID,
			logging.KeyRemoteAddr, net.JoinHostPort(e.cfg.DestHost, fmt.Sprint(e.cfg.DestPort)),
		)
		// The session was never added to the registry, so this is a no-op
		// for the reaper; it exists to keep failure reporting uniform
		// across every path that gives up on a session.
		select {
		case e.stale <- nc.SessionID:
		case <-ctx.Done():
		}
		_ = nc.Conn.Close()
		return
	}

	if err := e.registry.Add(nc.SessionID, nc.Conn); err != nil {
		e.logger.Warn("failed to register session after START ACK",
			logging.KeySessionID, nc.SessionID, logging.KeyError, err)
		_ = nc.Conn.Close()
		return
	}
	e.metrics.SessionsOpened.Inc()
	e.metrics.SessionsActive.Inc()
}

// outboundPump is T2: every chunk of bytes read off a session's local TCP
// connection becomes a DATA packet. The reliable send is launched as a
// detached goroutine per spec so one slow or retrying packet never blocks
// delivery of the next chunk, including chunks from other sessions.
func (e *Engine) outboundPump(ctx context.Context) {
	for {
		select {
		case chunk := <-e.outbound:
			e.handleOutboundChunkSafe(ctx, chunk)
		case <-ctx.Done():
			return
		}
	}
}

// handleOutboundChunkSafe recovers a panic turning one chunk into a DATA
// packet and launching its send, so T2 keeps draining the outbound channel
// for every session after a single bad chunk rather than stalling all of
// them.
func (e *Engine) handleOutboundChunkSafe(ctx context.Context, chunk session.OutboundChunk) {
	const pump = "engine.Engine.outboundPump.chunk"
	defer recovery.RecoverWithCallback(e.logger, pump, func(interface{}) {
		e.metrics.PanicsRecovered.WithLabelValues(pump).Inc()
	})

	e.metrics.BytesRelayed.WithLabelValues("tcp_to_tunnel").Add(float64(len(chunk.Data)))
	pkt := &tunnelproto.Packet{
		SessionID: chunk.SessionID,
		Seq:       chunk.Seq,
		Action:    tunnelproto.ActionData,
		Direction: e.role.Direction,
		Payload:   chunk.Data,
	}

	e.sendWG.Add(1)
	go func() {
		defer e.sendWG.Done()
		defer recovery.RecoverWithLog(e.logger, "engine.Engine.outboundPump.send")
		if ok := e.sendAndAwaitAck(ctx, pkt); !ok {
			select {
			case e.stale <- pkt.SessionID:
			case <-ctx.Done():
			}
		}
	}()
}

// staleReaper is T4: the only task that ever removes a session from the
// registry, so a reader goroutine can report its own session as stale
// without racing to cancel itself.
func (e *Engine) staleReaper(ctx context.Context) {
	for {
		select {
		case sessionID := <-e.stale:
			e.reapSessionSafe(ctx, sessionID)
		case <-ctx.Done():
			return
		}
	}
}

// reapSessionSafe recovers a panic reaping a single session so the reaper
// keeps draining the stale channel afterward instead of leaving every
// subsequent stale session stuck forever.
func (e *Engine) reapSessionSafe(ctx context.Context, sessionID uint32) {
	const pump = "engine.Engine.reapSession"
	defer recovery.RecoverWithCallback(e.logger, pump, func(interface{}) {
		e.metrics.PanicsRecovered.WithLabelValues(pump).Inc()
	})
	e.reapSession(ctx, sessionID)
}

func (e *Engine) reapSession(ctx context.Context, sessionID uint32) {
	if !e.registry.Exists(sessionID) {
		return
	}

	pkt := &tunnelproto.Packet{
		SessionID: sessionID,
		Seq:       0,
		Action:    tunnelproto.ActionTerminate,
		Direction: e.role.Direction,
	}
	// Best-effort: whether or not the peer ever ACKs this TERMINATE, the
	// session is removed locally regardless.
	e.sendAndAwaitAck(ctx, pkt)

	if err := e.registry.Remove(sessionID); err != nil {
		e.logger.Debug("stale session already gone", logging.KeySessionID, sessionID, logging.KeyError, err)
		return
	}
	e.metrics.SessionsStale.Inc()
	e.metrics.SessionsActive.Dec()
	e.logger.Info("session reaped", logging.KeySessionID, sessionID)
}

// dispatchLoop is T3: every inbound ICMP packet that survives the magic
// identifier check is decoded as a tunnel packet and routed by Action.
// Packets tagged with this engine's own role are self-echoes of traffic
// it originated and are dropped before decoding ever touches the registry.
func (e *Engine) dispatchLoop(ctx context.Context) {
	for {
		select {
		case in := <-e.inbound:
			e.dispatchOneSafe(ctx, in)
		case <-ctx.Done():
			return
		}
	}
}

// dispatchOneSafe recovers a panic handling a single inbound packet so one
// malformed or adversarial packet can't permanently stop T3 from dispatching
// every packet after it — the pump keeps running, the offending packet is
// simply lost, same as any other drop in this package's error-handling
// policy.
func (e *Engine) dispatchOneSafe(ctx context.Context, in icmpsock.InboundPacket) {
	const pump = "engine.Engine.dispatchOne"
	defer recovery.RecoverWithCallback(e.logger, pump, func(interface{}) {
		e.metrics.PanicsRecovered.WithLabelValues(pump).Inc()
	})
	e.dispatchOne(ctx, in)
}

func (e *Engine) dispatchOne(ctx context.Context, in icmpsock.InboundPacket) {
	if in.Identifier != icmpsock.IdentifierMagic {
		e.metrics.PacketsDropped.WithLabelValues("identifier").Inc()
		return
	}

	pkt, err := tunnelproto.Decode(in.Payload)
	if err != nil {
		e.metrics.PacketsDropped.WithLabelValues("decode").Inc()
		e.logger.Debug("dropping undecodable tunnel packet", logging.KeyError, err)
		return
	}

	if pkt.Direction == e.role.Direction {
		e.metrics.PacketsDropped.WithLabelValues("self_echo").Inc()
		return
	}

	e.metrics.PacketsReceived.WithLabelValues(pkt.Action.String()).Inc()

	switch pkt.Action {
	case tunnelproto.ActionStart:
		e.handleStart(ctx, pkt)
	case tunnelproto.ActionData:
		e.handleData(pkt)
	case tunnelproto.ActionTerminate:
		e.handleTerminate(ctx, pkt)
	case tunnelproto.ActionAck:
		e.handleAck(pkt)
	}
}

func (e *Engine) handleStart(ctx context.Context, pkt *tunnelproto.Packet) {
	if e.role.HandleStart == nil {
		// The client role never acts on an inbound START; a well-behaved
		// peer never sends one, but a malformed or hostile packet is just
		// silently ignored rather than treated as an error.
		return
	}
	if e.role.HandleStart(ctx, e, pkt) {
		e.sendAck(pkt.SessionID, pkt.Seq)
	}
}

func (e *Engine) handleData(pkt *tunnelproto.Packet) {
	e.metrics.BytesRelayed.WithLabelValues("tunnel_to_tcp").Add(float64(len(pkt.Payload)))
	if err := e.registry.WriteTo(pkt.SessionID, pkt.Seq, pkt.Payload); err != nil {
		e.logger.Debug("DATA for unknown or dead session",
			logging.KeySessionID, pkt.SessionID, logging.KeySeq, pkt.Seq, logging.KeyError, err)
	}
	// ACKed unconditionally, including duplicates: the ACK is what stops
	// the sender from retransmitting, and Write is idempotent.
	e.sendAck(pkt.SessionID, pkt.Seq)
}

func (e *Engine) handleTerminate(ctx context.Context, pkt *tunnelproto.Packet) {
	if err := e.registry.Remove(pkt.SessionID); err != nil {
		e.logger.Debug("TERMINATE for unknown session", logging.KeySessionID, pkt.SessionID, logging.KeyError, err)
	} else {
		e.metrics.SessionsActive.Dec()
	}
	e.sendAck(pkt.SessionID, pkt.Seq)
}

func (e *Engine) handleAck(pkt *tunnelproto.Packet) {
	key := ackKey{sessionID: pkt.SessionID, seq: pkt.Seq}

	e.pendingMu.Lock()
	ch, ok := e.pending[key]
	e.pendingMu.Unlock()

	if !ok {
		e.metrics.DuplicateAcks.Inc()
		return
	}

	select {
	case ch <- struct{}{}:
	default:
	}
}

// sendAck replies to a DATA/START/TERMINATE with an ACK carrying the same
// (session_id, seq). ACKs are sent as EchoReply and are never retried: a
// lost ACK is recovered by the sender's own retransmit, not by us.
func (e *Engine) sendAck(sessionID, seq uint32) {
	pkt := &tunnelproto.Packet{
		SessionID: sessionID,
		Seq:       seq,
		Action:    tunnelproto.ActionAck,
		Direction: e.role.Direction,
	}
	buf, err := pkt.Encode()
	if err != nil {
		e.logger.Error("failed to encode ACK", logging.KeySessionID, sessionID, logging.KeyError, err)
		return
	}

	destIP := e.remote.IP()
	if destIP == nil {
		e.logger.Debug("dropping ACK, peer address not yet known", logging.KeySessionID, sessionID)
		return
	}

	if err := e.socket.Send(icmpsock.KindEchoReply, buf, destIP); err != nil {
		e.logger.Warn("failed to send ACK", logging.KeySessionID, sessionID, logging.KeyError, err)
		return
	}
	e.metrics.PacketsSent.WithLabelValues("ACK").Inc()
}

// sendAndAwaitAck is the reliable-send operation shared by START, DATA and
// TERMINATE: it transmits pkt as an EchoRequest, waits up to
// Config.RetryWait for the matching ACK, and gives up after
// Config.RetryCount transmissions in all (the first send included). Stop-and-wait is keyed per (session_id, seq), not
// per session, so many packets of one session can be in flight at once;
// ordering is enforced by the receiver's reassembly buffer, not by this
// wait.
func (e *Engine) sendAndAwaitAck(ctx context.Context, pkt *tunnelproto.Packet) bool {
	key := ackKey{sessionID: pkt.SessionID, seq: pkt.Seq}
	ch := make(chan struct{}, 1)

	e.pendingMu.Lock()
	e.pending[key] = ch
	e.pendingMu.Unlock()

	defer func() {
		e.pendingMu.Lock()
		delete(e.pending, key)
		e.pendingMu.Unlock()
	}()

	buf, err := pkt.Encode()
	if err != nil {
		e.logger.Error("failed to encode outbound packet",
			logging.KeySessionID, pkt.SessionID, logging.KeyAction, pkt.Action.String(), logging.KeyError, err)
		return false
	}

	retryCount := e.cfg.Config.RetryCount
	retryWait := e.cfg.Config.RetryWait

	for attempt := 1; attempt <= retryCount; attempt++ {
		destIP := e.remote.IP()
		if destIP == nil {
			e.logger.Debug("peer address not yet known, waiting to send",
				logging.KeySessionID, pkt.SessionID, logging.KeyAttempt, attempt)
		} else if err := e.socket.Send(icmpsock.KindEchoRequest, buf, destIP); err != nil {
			e.logger.Warn("failed to send tunnel packet",
				logging.KeySessionID, pkt.SessionID, logging.KeyAction, pkt.Action.String(),
				logging.KeyAttempt, attempt, logging.KeyError, err)
		} else {
			e.metrics.PacketsSent.WithLabelValues(pkt.Action.String()).Inc()
			if attempt > 1 {
				e.metrics.Retransmits.Inc()
			}
		}

		select {
		case <-ch:
			return true
		case <-time.After(retryWait):
			// retry
		case <-ctx.Done():
			return false
		}
	}

	e.logger.Warn("exhausted retransmits, no ACK received",
		logging.KeySessionID, pkt.SessionID, logging.KeyAction, pkt.Action.String(), logging.KeyCount, retryCount)
	return false
}
