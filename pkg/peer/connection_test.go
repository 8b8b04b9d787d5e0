package peer

import (
	"bytes"
	"net"
	"testing"

	"github.com/duskline/duskline/pkg/identity"
	"github.com/duskline/duskline/pkg/protocol"
)

type endpoints struct {
	initiator *Connection
	responder *Connection
}

// establishPair drives a full Handshake/HandshakeAck exchange between two
// in-process connections, wiring their send functions directly into each
// other's decode path instead of a real socket.
func establishPair(t *testing.T) *endpoints {
	t.Helper()

	privA, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	addrA, err := identity.DeriveAddress(privA.Public())
	if err != nil {
		t.Fatal(err)
	}
	privB, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	addrB, err := identity.DeriveAddress(privB.Public())
	if err != nil {
		t.Fatal(err)
	}

	var connB *Connection
	epA := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	epB := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2}

	sendToB := func(data []byte, to *net.UDPAddr) error {
		outer, err := protocol.DecodeOuter(data)
		if err != nil {
			return err
		}
		enc, ok := outer.(*protocol.Encrypted)
		if !ok {
			t.Fatalf("unexpected outer packet to B: %T", outer)
		}
		return connB.HandleEncrypted(enc)
	}

	connA, handshakeBytes, err := NewInitiator(addrA, privA, addrB, privB.Public(), epB, sendToB, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	h, err := protocol.DecodeOuter(handshakeBytes)
	if err != nil {
		t.Fatal(err)
	}
	handshake, ok := h.(*protocol.Handshake)
	if !ok {
		t.Fatalf("expected *protocol.Handshake, got %T", h)
	}

	sendToA := func(data []byte, to *net.UDPAddr) error {
		outer, err := protocol.DecodeOuter(data)
		if err != nil {
			t.Fatal(err)
		}
		switch p := outer.(type) {
		case *protocol.HandshakeAck:
			return connA.HandleHandshakeAck(p)
		case *protocol.Encrypted:
			return connA.HandleEncrypted(p)
		default:
			t.Fatalf("unexpected outer packet to A: %T", outer)
			return nil
		}
	}

	var ackBytes []byte
	connB, ackBytes, err = HandleHandshake(handshake, addrB, privB, epA, sendToA, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	ackOuter, err := protocol.DecodeOuter(ackBytes)
	if err != nil {
		t.Fatal(err)
	}
	ack, ok := ackOuter.(*protocol.HandshakeAck)
	if !ok {
		t.Fatalf("expected *protocol.HandshakeAck, got %T", ackOuter)
	}
	if err := connA.HandleHandshakeAck(ack); err != nil {
		t.Fatal(err)
	}

	return &endpoints{initiator: connA, responder: connB}
}

func TestHandshakeEstablishesBothSides(t *testing.T) {
	pair := establishPair(t)
	if pair.initiator.State() != StateEstablished {
		t.Fatalf("initiator state = %v, want Established", pair.initiator.State())
	}
	if pair.responder.State() != StateEstablished {
		t.Fatalf("responder state = %v, want Established", pair.responder.State())
	}
	if pair.initiator.LocalID() == 0 || pair.responder.LocalID() == 0 {
		t.Fatal("expected nonzero connection ids")
	}
}

func TestSendRecvRoundTrip(t *testing.T) {
	pair := establishPair(t)

	// Wire responder -> initiator for this direction of traffic.
	pair.responder.send = func(data []byte, to *net.UDPAddr) error {
		outer, err := protocol.DecodeOuter(data)
		if err != nil {
			return err
		}
		enc, ok := outer.(*protocol.Encrypted)
		if !ok {
			t.Fatalf("expected Encrypted, got %T", outer)
		}
		return pair.initiator.HandleEncrypted(enc)
	}

	if err := pair.responder.Send([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, err := pair.initiator.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestHandshakeRejectsWrongPeerAddress(t *testing.T) {
	privA, _ := identity.GenerateKeyPair()
	addrA, _ := identity.DeriveAddress(privA.Public())
	privB, _ := identity.GenerateKeyPair()
	addrB, _ := identity.DeriveAddress(privB.Public())
	privC, _ := identity.GenerateKeyPair()
	addrC, _ := identity.DeriveAddress(privC.Public())

	_, handshakeBytes, err := NewInitiator(addrA, privA, addrB, privB.Public(), nil, func([]byte, *net.UDPAddr) error { return nil }, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	outer, err := protocol.DecodeOuter(handshakeBytes)
	if err != nil {
		t.Fatal(err)
	}
	handshake := outer.(*protocol.Handshake)

	// C is not the addressee; its HandleHandshake must reject it.
	_, _, err = HandleHandshake(handshake, addrC, privC, nil, func([]byte, *net.UDPAddr) error { return nil }, DefaultConfig())
	if err == nil {
		t.Fatal("expected handshake verification to fail for the wrong peer address")
	}
}

func TestRotationPreservesDataFlow(t *testing.T) {
	pair := establishPair(t)
	pair.responder.send = func(data []byte, to *net.UDPAddr) error {
		outer, err := protocol.DecodeOuter(data)
		if err != nil {
			return err
		}
		enc, ok := outer.(*protocol.Encrypted)
		if !ok {
			t.Fatalf("expected Encrypted, got %T", outer)
		}
		return pair.initiator.HandleEncrypted(enc)
	}

	if err := pair.initiator.BeginRotation(); err != nil {
		t.Fatal(err)
	}
	if pair.initiator.State() != StateEstablished {
		t.Fatalf("initiator state after rotation completes = %v, want Established", pair.initiator.State())
	}
	if pair.responder.State() != StateEstablished {
		t.Fatalf("responder state after rotation completes = %v, want Established", pair.responder.State())
	}

	if err := pair.responder.Send([]byte("post-rotation")); err != nil {
		t.Fatal(err)
	}
	got, err := pair.initiator.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("post-rotation")) {
		t.Fatalf("got %q, want %q", got, "post-rotation")
	}
}
