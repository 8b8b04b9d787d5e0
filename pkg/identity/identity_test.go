package identity

import (
	"bytes"
	"testing"
)

func TestAddressStringRoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	addr, err := DeriveAddress(priv.Public())
	if err != nil {
		t.Fatal(err)
	}
	s := addr.String()
	parsed, err := ParseAddress(s)
	if err != nil {
		t.Fatal(err)
	}
	if parsed != addr {
		t.Fatalf("round trip mismatch: %v vs %v", parsed, addr)
	}
}

func TestDeriveAddressShapeInvariants(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	addr, err := DeriveAddress(priv.Public())
	if err != nil {
		t.Fatal(err)
	}
	if len(addr) != Size {
		t.Fatalf("address length = %d, want %d", len(addr), Size)
	}
	if addr[0] != Version {
		t.Fatalf("address[0] = %d, want %d", addr[0], Version)
	}
}

func TestParseAddressBytesWrongLength(t *testing.T) {
	if _, err := ParseAddressBytes([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short input")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("handshake payload")
	sig, err := priv.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := priv.Public().Verify(msg, sig); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	sig, err := priv.Sign([]byte("original"))
	if err != nil {
		t.Fatal(err)
	}
	if err := priv.Public().Verify([]byte("tampered"), sig); err == nil {
		t.Fatal("expected verification failure on tampered message")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	privA, _ := GenerateKeyPair()
	privB, _ := GenerateKeyPair()
	msg := []byte("payload")
	sig, err := privA.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := privB.Public().Verify(msg, sig); err == nil {
		t.Fatal("expected verification failure under the wrong public key")
	}
}

func TestPublicKeyBytesRoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	raw, err := priv.Public().Bytes()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParsePublicKey(raw)
	if err != nil {
		t.Fatal(err)
	}
	rawAgain, err := parsed.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, rawAgain) {
		t.Fatal("public key bytes mismatch after round trip")
	}
}

func TestPrivateKeyBytesRoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	raw, err := priv.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParsePrivateKey(raw)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("round trip check")
	sig, err := parsed.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := priv.Public().Verify(msg, sig); err != nil {
		t.Fatalf("signature from reconstructed key failed to verify: %v", err)
	}
}
