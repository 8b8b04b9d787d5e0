package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/duskline/duskline/pkg/identity"
	"github.com/duskline/duskline/pkg/serverproto"
)

func newLoopbackConn(t *testing.T) (*ServerConn, chan []byte) {
	t.Helper()
	priv, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	addr, err := identity.DeriveAddress(priv.Public())
	if err != nil {
		t.Fatal(err)
	}
	pubBytes, err := priv.Public().Bytes()
	if err != nil {
		t.Fatal(err)
	}
	sent := make(chan []byte, 16)
	cfg := DefaultConfig()
	cfg.RequestTimeout = 200 * time.Millisecond
	cfg.RetryBaseDelay = 10 * time.Millisecond
	cfg.RetryMaxDelay = 40 * time.Millisecond
	conn := New(func(b []byte) error {
		sent <- b
		return nil
	}, nil, addr, pubBytes, cfg)
	return conn, sent
}

func TestRegisterSucceedsOnFirstResponse(t *testing.T) {
	conn, sent := newLoopbackConn(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- conn.Register(ctx) }()

	raw := <-sent
	req, err := serverproto.DecodeRequest(raw)
	if err != nil {
		t.Fatal(err)
	}
	regReq, ok := req.(serverproto.RegisterRequest)
	if !ok {
		t.Fatalf("expected RegisterRequest, got %#v", req)
	}
	conn.HandleResponse(serverproto.RegisterResponse{RequestID: regReq.RequestID})

	if err := <-done; err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if conn.State() != StateRegistered {
		t.Fatalf("state = %v, want Registered", conn.State())
	}
}

func TestRegisterPropagatesServerError(t *testing.T) {
	conn, sent := newLoopbackConn(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- conn.Register(ctx) }()

	raw := <-sent
	req, _ := serverproto.DecodeRequest(raw)
	regReq := req.(serverproto.RegisterRequest)
	conn.HandleResponse(serverproto.RegisterError{RequestID: regReq.RequestID, Code: serverproto.ErrAddressMismatch})

	err := <-done
	regErr, ok := err.(*RegisterError)
	if !ok {
		t.Fatalf("expected *RegisterError, got %v", err)
	}
	if regErr.Code != serverproto.ErrAddressMismatch {
		t.Fatalf("code = %d, want %d", regErr.Code, serverproto.ErrAddressMismatch)
	}
}

func TestRegisterRetriesOnTimeout(t *testing.T) {
	conn, sent := newLoopbackConn(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- conn.Register(ctx) }()

	// Drop the first attempt entirely (simulating a lost datagram), then
	// answer the retry.
	<-sent
	raw := <-sent
	req, _ := serverproto.DecodeRequest(raw)
	regReq := req.(serverproto.RegisterRequest)
	conn.HandleResponse(serverproto.RegisterResponse{RequestID: regReq.RequestID})

	if err := <-done; err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
}

func TestConnectPeerReturnsEndpoint(t *testing.T) {
	conn, sent := newLoopbackConn(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	otherPriv, _ := identity.GenerateKeyPair()
	otherAddr, _ := identity.DeriveAddress(otherPriv.Public())
	otherPub, _ := otherPriv.Public().Bytes()

	type result struct {
		pub []byte
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		pub, _, err := conn.ConnectPeer(ctx, otherAddr, 1)
		resCh <- result{pub, err}
	}()

	raw := <-sent
	req, _ := serverproto.DecodeRequest(raw)
	connectReq := req.(serverproto.ConnectRequest)
	conn.HandleResponse(serverproto.ConnectResponse{
		RequestID:     connectReq.RequestID,
		PeerPublicKey: otherPub,
		PeerAddress:   otherAddr,
		PeerEndpoint:  nil,
	})

	res := <-resCh
	if res.err != nil {
		t.Fatalf("ConnectPeer returned error: %v", res.err)
	}
	if len(res.pub) != len(otherPub) {
		t.Fatalf("public key length mismatch")
	}
}

func TestIncomingConnectionDelivered(t *testing.T) {
	conn, _ := newLoopbackConn(t)
	otherPriv, _ := identity.GenerateKeyPair()
	otherAddr, _ := identity.DeriveAddress(otherPriv.Public())
	otherPub, _ := otherPriv.Public().Bytes()

	conn.HandleResponse(serverproto.IncomingConnection{
		RequesterPublicKey: otherPub,
		RequesterAddress:   otherAddr,
		SourceID:           77,
	})

	select {
	case ic := <-conn.RecvIncoming():
		if ic.SourceID != 77 {
			t.Fatalf("source id = %d, want 77", ic.SourceID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an incoming connection notification")
	}
}
