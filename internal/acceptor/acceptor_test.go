package acceptor

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestAcceptorAssignsMonotonicSessionIDs(t *testing.T) {
	a, err := Listen(0, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer a.Close()

	out := make(chan NewConnection, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, out) }()

	addr := a.Addr().String()
	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer conn.Close()
	}

	var ids []uint32
	for i := 0; i < 3; i++ {
		select {
		case nc := <-out:
			ids = append(ids, nc.SessionID)
			nc.Conn.Close()
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for accepted connection")
		}
	}

	for i, id := range ids {
		if id != uint32(i+1) {
			t.Fatalf("session IDs = %v, want strictly increasing from 1", ids)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
