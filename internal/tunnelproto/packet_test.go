package tunnelproto

import (
	"bytes"
	"errors"
	"testing"
)

func TestPacketRoundTrip(t *testing.T) {
	p := &Packet{
		SessionID: 7,
		Seq:       1,
		Action:    ActionStart,
		Direction: DirectionProxyClient,
		Host:      "10.0.0.5",
		Port:      443,
	}

	buf, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.SessionID != p.SessionID || got.Seq != p.Seq || got.Action != p.Action ||
		got.Direction != p.Direction || got.Host != p.Host || got.Port != p.Port {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got.Payload))
	}
}

func TestPacketRoundTripWithPayload(t *testing.T) {
	p := &Packet{
		SessionID: 1,
		Seq:       42,
		Action:    ActionData,
		Direction: DirectionProxyServer,
		Payload:   []byte("hello tunnel"),
	}

	buf, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if !bytes.Equal(got.Payload, p.Payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got.Payload, p.Payload)
	}
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1))
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestDecodeRejectsHostOverflow(t *testing.T) {
	buf := make([]byte, HeaderSize)
	// host_len claims 10 bytes but none follow
	buf[11] = 10
	_, err := Decode(buf)
	if !errors.Is(err, ErrHostOverflow) {
		t.Fatalf("expected ErrHostOverflow, got %v", err)
	}
}

func TestDecodeRejectsUnknownAction(t *testing.T) {
	p := &Packet{Action: ActionAck, Direction: DirectionProxyServer}
	buf, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf[13] = 0xFF // action low byte, out of range
	_, err = Decode(buf)
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestDecodeRejectsUnknownDirection(t *testing.T) {
	p := &Packet{Action: ActionAck, Direction: DirectionProxyServer}
	buf, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf[15] = 0xFF
	_, err = Decode(buf)
	if !errors.Is(err, ErrUnknownDirection) {
		t.Fatalf("expected ErrUnknownDirection, got %v", err)
	}
}

func TestDecodeRejectsInvalidUTF8Host(t *testing.T) {
	buf := make([]byte, HeaderSize+2)
	buf[11] = 2 // host_len = 2
	buf[HeaderSize] = 0xFF
	buf[HeaderSize+1] = 0xFE
	_, err := Decode(buf)
	if !errors.Is(err, ErrInvalidHost) {
		t.Fatalf("expected ErrInvalidHost, got %v", err)
	}
}

func TestEncodeRejectsOversizedHost(t *testing.T) {
	p := &Packet{Host: string(make([]byte, MaxHostLen+1))}
	if _, err := p.Encode(); err == nil {
		t.Fatal("expected error for oversized host")
	}
}
