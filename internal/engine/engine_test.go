package engine

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dialtone-labs/icmptun/internal/config"
	"github.com/dialtone-labs/icmptun/internal/icmpsock"
	"github.com/dialtone-labs/icmptun/internal/tunnelproto"
)

// fakeTransport stands in for a privileged raw ICMP socket so the dispatch,
// retransmit and self-echo logic can be exercised without one. Sent
// packets are recorded; RecvLoop delivers whatever the test pushes onto in.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sentPacket
	in   chan icmpsock.InboundPacket

	// dropFirstN, if set, swallows the first N Send calls, whatever their
	// kind or action, without recording or delivering them, to simulate a
	// lost packet that should trigger a retransmit.
	dropFirstN int

	// panicOnSend, if set, makes Send panic instead of sending, to
	// exercise the engine's per-item panic recovery.
	panicOnSend bool
}

type sentPacket struct {
	kind    icmpsock.Kind
	payload []byte
	destIP  net.IP
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan icmpsock.InboundPacket, 16)}
}

func (f *fakeTransport) Send(kind icmpsock.Kind, payload []byte, destIP net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnSend {
		panic("simulated panic in Send")
	}
	if f.dropFirstN > 0 {
		f.dropFirstN--
		return nil
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.sent = append(f.sent, sentPacket{kind: kind, payload: cp, destIP: destIP})
	return nil
}

func (f *fakeTransport) RecvLoop(ctx context.Context, remote *icmpsock.RemoteEndpoint, out chan<- icmpsock.InboundPacket) error {
	for {
		select {
		case p := <-f.in:
			remote.LearnFrom(p.SourceIP)
			select {
			case out <- p:
			case <-ctx.Done():
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (f *fakeTransport) setPanicOnSend(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panicOnSend = v
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) lastSent() sentPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func testConfig() config.Config {
	c := config.Default()
	c.RetryWait = 20 * time.Millisecond
	return c
}

func deliverInbound(t *testing.T, ft *fakeTransport, pkt *tunnelproto.Packet, from net.IP) {
	t.Helper()
	buf, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	ft.in <- icmpsock.InboundPacket{
		Identifier: icmpsock.IdentifierMagic,
		Sequence:   icmpsock.SequenceMagic,
		Payload:    buf,
		SourceIP:   from,
	}
}

func TestServerEstablishesSessionOnStart(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := config.ParsePort(portStr)

	ft := newFakeTransport()
	remote := icmpsock.NewRemoteEndpoint(nil)

	e := New(Params{
		Role:   RoleServer(),
		Config: testConfig(),
	}, ft, remote, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	peerIP := net.ParseIP("203.0.113.9")
	startPkt := &tunnelproto.Packet{
		SessionID: 42,
		Seq:       0,
		Action:    tunnelproto.ActionStart,
		Direction: tunnelproto.DirectionProxyClient,
		Host:      host,
		Port:      uint32(port),
	}
	deliverInbound(t, ft, startPkt, peerIP)

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never dialed the destination")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !e.registry.Exists(42) {
		if time.Now().After(deadline) {
			t.Fatal("session 42 never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline = time.Now().Add(2 * time.Second)
	for ft.sentCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("server never sent an ACK for START")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ack := ft.lastSent()
	if ack.kind != icmpsock.KindEchoReply {
		t.Fatalf("ACK sent as kind %v, want EchoReply", ack.kind)
	}
	decoded, err := tunnelproto.Decode(ack.payload)
	if err != nil {
		t.Fatalf("Decode ACK: %v", err)
	}
	if decoded.Action != tunnelproto.ActionAck || decoded.SessionID != 42 || decoded.Seq != 0 {
		t.Fatalf("unexpected ACK: %+v", decoded)
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not shut down")
	}
}

func TestServerDropsSelfEchoedPacket(t *testing.T) {
	ft := newFakeTransport()
	remote := icmpsock.NewRemoteEndpoint(net.ParseIP("203.0.113.9"))

	e := New(Params{
		Role:   RoleServer(),
		Config: testConfig(),
	}, ft, remote, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	// A packet tagged PROXY_SERVER, the server's own role, is an echo of
	// something the server itself sent and must never be acted on.
	selfEcho := &tunnelproto.Packet{
		SessionID: 7,
		Seq:       0,
		Action:    tunnelproto.ActionStart,
		Direction: tunnelproto.DirectionProxyServer,
		Host:      "127.0.0.1",
		Port:      1,
	}
	deliverInbound(t, ft, selfEcho, net.ParseIP("203.0.113.9"))

	time.Sleep(100 * time.Millisecond)
	if e.registry.Exists(7) {
		t.Fatal("self-echoed START must not create a session")
	}
	if ft.sentCount() != 0 {
		t.Fatalf("self-echoed START must not be ACKed, sent %d packets", ft.sentCount())
	}

	cancel()
	<-runDone
}

func TestAckUnblocksSendAndAwaitAck(t *testing.T) {
	ft := newFakeTransport()
	remote := icmpsock.NewRemoteEndpoint(net.ParseIP("203.0.113.9"))

	e := New(Params{
		Role:   RoleClient(),
		Config: testConfig(),
	}, ft, remote, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	pkt := &tunnelproto.Packet{SessionID: 3, Seq: 5, Action: tunnelproto.ActionData, Direction: tunnelproto.DirectionProxyServer, Payload: []byte("hi")}

	result := make(chan bool, 1)
	go func() { result <- e.sendAndAwaitAck(ctx, pkt) }()

	deadline := time.Now().Add(2 * time.Second)
	for ft.sentCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("DATA packet was never sent")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ackPkt := &tunnelproto.Packet{SessionID: 3, Seq: 5, Action: tunnelproto.ActionAck, Direction: tunnelproto.DirectionProxyServer}
	deliverInbound(t, ft, ackPkt, net.ParseIP("203.0.113.9"))

	select {
	case ok := <-result:
		if !ok {
			t.Fatal("sendAndAwaitAck returned false after ACK arrived")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sendAndAwaitAck never returned")
	}

	cancel()
	<-runDone
}

func TestSendAndAwaitAckRetransmitsOnLostAck(t *testing.T) {
	ft := newFakeTransport()
	// The first EchoRequest is "lost", so no ACK arrives within RetryWait:
	// to the sender this is indistinguishable from a lost ACK.
	ft.dropFirstN = 1
	remote := icmpsock.NewRemoteEndpoint(net.ParseIP("203.0.113.9"))

	e := New(Params{
		Role:   RoleClient(),
		Config: testConfig(),
	}, ft, remote, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	pkt := &tunnelproto.Packet{SessionID: 1, Seq: 5, Action: tunnelproto.ActionData, Direction: tunnelproto.DirectionProxyServer, Payload: []byte("x")}

	result := make(chan bool, 1)
	go func() { result <- e.sendAndAwaitAck(ctx, pkt) }()

	deadline := time.Now().Add(2 * time.Second)
	for ft.sentCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("retransmit never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ackPkt := &tunnelproto.Packet{SessionID: 1, Seq: 5, Action: tunnelproto.ActionAck, Direction: tunnelproto.DirectionProxyServer}
	deliverInbound(t, ft, ackPkt, net.ParseIP("203.0.113.9"))

	select {
	case ok := <-result:
		if !ok {
			t.Fatal("sendAndAwaitAck returned false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sendAndAwaitAck never returned")
	}
	if ft.sentCount() != 1 {
		t.Fatalf("recorded sends = %d, want 1 (first was dropped, second recorded)", ft.sentCount())
	}

	cancel()
	<-runDone
}

func TestSendAndAwaitAckExhaustsRetries(t *testing.T) {
	ft := newFakeTransport()
	remote := icmpsock.NewRemoteEndpoint(net.ParseIP("203.0.113.9"))

	cfg := testConfig()
	cfg.RetryCount = 3
	cfg.RetryWait = 10 * time.Millisecond

	e := New(Params{
		Role:   RoleClient(),
		Config: cfg,
	}, ft, remote, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	pkt := &tunnelproto.Packet{SessionID: 9, Seq: 1, Action: tunnelproto.ActionData, Direction: tunnelproto.DirectionProxyServer, Payload: []byte("x")}

	ok := e.sendAndAwaitAck(ctx, pkt)
	if ok {
		t.Fatal("expected sendAndAwaitAck to fail when no ACK ever arrives")
	}
	if ft.sentCount() != 3 {
		t.Fatalf("sent %d EchoRequests, want exactly RetryCount=3", ft.sentCount())
	}

	cancel()
	<-runDone
}

// TestDispatchLoopSurvivesPanic verifies that a panic handling one inbound
// packet doesn't permanently stop T3 from dispatching the packets that
// arrive after it: dispatchOneSafe must recover the panic per item, not
// once for the whole goroutine.
func TestDispatchLoopSurvivesPanic(t *testing.T) {
	ft := newFakeTransport()
	remote := icmpsock.NewRemoteEndpoint(net.ParseIP("203.0.113.9"))

	e := New(Params{
		Role:   RoleServer(),
		Config: testConfig(),
	}, ft, remote, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	// TERMINATE for an unknown session still reaches sendAck, which calls
	// Send; with panicOnSend set, handling this packet panics partway
	// through dispatchOne.
	ft.setPanicOnSend(true)
	panicking := &tunnelproto.Packet{SessionID: 100, Seq: 0, Action: tunnelproto.ActionTerminate, Direction: tunnelproto.DirectionProxyClient}
	deliverInbound(t, ft, panicking, net.ParseIP("203.0.113.9"))

	// Give dispatchOneSafe time to run, panic, and recover.
	time.Sleep(100 * time.Millisecond)

	// The dispatch loop must still be alive: a second packet, sent once
	// Send stops panicking, must still get ACKed.
	ft.setPanicOnSend(false)
	followUp := &tunnelproto.Packet{SessionID: 101, Seq: 0, Action: tunnelproto.ActionTerminate, Direction: tunnelproto.DirectionProxyClient}
	deliverInbound(t, ft, followUp, net.ParseIP("203.0.113.9"))

	deadline := time.Now().Add(2 * time.Second)
	for ft.sentCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("dispatch loop did not recover from the panic and process the next packet")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ack := ft.lastSent()
	decoded, err := tunnelproto.Decode(ack.payload)
	if err != nil {
		t.Fatalf("Decode ACK: %v", err)
	}
	if decoded.SessionID != 101 {
		t.Fatalf("ACK for session %d, want 101 (the packet after the panic)", decoded.SessionID)
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not shut down")
	}
}

func TestHandleTerminateRemovesSession(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	ft := newFakeTransport()
	remote := icmpsock.NewRemoteEndpoint(net.ParseIP("203.0.113.9"))

	e := New(Params{
		Role:   RoleServer(),
		Config: testConfig(),
	}, ft, remote, nil)

	if err := e.registry.Add(11, serverConn); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	termPkt := &tunnelproto.Packet{SessionID: 11, Seq: 0, Action: tunnelproto.ActionTerminate, Direction: tunnelproto.DirectionProxyClient}
	deliverInbound(t, ft, termPkt, net.ParseIP("203.0.113.9"))

	deadline := time.Now().Add(2 * time.Second)
	for e.registry.Exists(11) {
		if time.Now().After(deadline) {
			t.Fatal("TERMINATE never removed the session")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-runDone
}
