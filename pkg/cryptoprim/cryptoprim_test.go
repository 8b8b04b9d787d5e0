package cryptoprim

import (
	"bytes"
	"testing"
)

func TestKEXProducesIdenticalSecret(t *testing.T) {
	a, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	secretA, err := DeriveSharedSecret(a, b.PublicBytes())
	if err != nil {
		t.Fatal(err)
	}
	secretB, err := DeriveSharedSecret(b, a.PublicBytes())
	if err != nil {
		t.Fatal(err)
	}
	if secretA != secretB {
		t.Fatal("shared secrets diverge between initiator and responder")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	a, _ := GenerateEphemeralKeyPair()
	b, _ := GenerateEphemeralKeyPair()
	secret, err := DeriveSharedSecret(a, b.PublicBytes())
	if err != nil {
		t.Fatal(err)
	}

	gen, err := NewNonceGenerator()
	if err != nil {
		t.Fatal(err)
	}
	nonce := gen.Next()

	plaintext := []byte("hello, mesh")
	ct, err := secret.Encrypt(nonce, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := secret.Decrypt(nonce, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("got %q, want %q", pt, plaintext)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	a, _ := GenerateEphemeralKeyPair()
	b, _ := GenerateEphemeralKeyPair()
	c, _ := GenerateEphemeralKeyPair()

	secretAB, _ := DeriveSharedSecret(a, b.PublicBytes())
	secretAC, _ := DeriveSharedSecret(a, c.PublicBytes())

	gen, _ := NewNonceGenerator()
	nonce := gen.Next()

	ct, err := secretAB.Encrypt(nonce, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := secretAC.Decrypt(nonce, ct); err == nil {
		t.Fatal("expected decrypt under a different shared secret to fail")
	}
}

func TestNonceGeneratorMonotonic(t *testing.T) {
	gen, err := NewNonceGenerator()
	if err != nil {
		t.Fatal(err)
	}
	prev := gen.Next()
	for i := 0; i < 100; i++ {
		next := gen.Next()
		if bytes.Equal(prev[:], next[:]) {
			t.Fatal("nonce repeated")
		}
		prev = next
	}
}
