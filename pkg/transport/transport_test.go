package transport_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/duskline/duskline/pkg/coordserver"
	"github.com/duskline/duskline/pkg/identity"
	"github.com/duskline/duskline/pkg/transport"
)

func startTestServer(t *testing.T) *coordserver.Server {
	t.Helper()
	srv, err := coordserver.New("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		if err := srv.Run(); err != nil {
			t.Logf("coordination server stopped: %v", err)
		}
	}()
	t.Cleanup(func() { srv.Close() })
	return srv
}

func bindTestTransport(t *testing.T, serverEndpoint string) (*transport.Transport, identity.Address) {
	t.Helper()
	priv, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	addr, err := identity.DeriveAddress(priv.Public())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cfg := transport.DefaultConfig()
	cfg.Discovery.RequestTimeout = 500 * time.Millisecond
	cfg.Discovery.RetryBaseDelay = 20 * time.Millisecond
	cfg.Discovery.RetryMaxDelay = 100 * time.Millisecond
	cfg.Peer.HandshakeRetryDelay = 50 * time.Millisecond
	tr, err := transport.Bind(ctx, "127.0.0.1:0", addr, priv, serverEndpoint, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr, addr
}

func TestConnectEstablishesAndExchangesData(t *testing.T) {
	srv := startTestServer(t)
	serverEndpoint := srv.LocalAddr().String()

	trA, _ := bindTestTransport(t, serverEndpoint)
	trB, addrB := bindTestTransport(t, serverEndpoint)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type acceptResult struct {
		conn interface {
			Send([]byte) error
			Recv() ([]byte, error)
		}
		err error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		c, err := trB.Accept(ctx)
		acceptCh <- acceptResult{c, err}
	}()

	connA, err := trA.Connect(ctx, addrB)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	res := <-acceptCh
	if res.err != nil {
		t.Fatalf("Accept failed: %v", res.err)
	}
	connB := res.conn

	if err := connA.Send([]byte("hello from A")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got, err := connB.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if !bytes.Equal(got, []byte("hello from A")) {
		t.Fatalf("got %q, want %q", got, "hello from A")
	}
}

func TestConnectUnknownPeerFails(t *testing.T) {
	srv := startTestServer(t)
	serverEndpoint := srv.LocalAddr().String()
	trA, _ := bindTestTransport(t, serverEndpoint)

	priv, _ := identity.GenerateKeyPair()
	unknownAddr, _ := identity.DeriveAddress(priv.Public())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := trA.Connect(ctx, unknownAddr); err == nil {
		t.Fatal("expected Connect to an unregistered peer to fail")
	}
}
