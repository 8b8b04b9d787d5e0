package keystore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/duskline/duskline/pkg/identity"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	priv, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "identity.keystore")
	if err := Save(priv, "correct horse battery staple", path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load("correct horse battery staple", path)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("proof of round trip")
	sig, err := loaded.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := priv.Public().Verify(msg, sig); err != nil {
		t.Fatalf("reloaded key produced an unverifiable signature: %v", err)
	}
}

func TestLoadWrongPassphraseFails(t *testing.T) {
	priv, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "identity.keystore")
	if err := Save(priv, "correct horse battery staple", path); err != nil {
		t.Fatal(err)
	}
	if _, err := Load("wrong passphrase entirely", path); !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("got %v, want ErrWrongPassphrase", err)
	}
}

func TestSaveRejectsShortPassphrase(t *testing.T) {
	priv, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "identity.keystore")
	if err := Save(priv, "short", path); err == nil {
		t.Fatal("expected error for short passphrase")
	}
}

func TestExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.keystore")
	if Exists(path) {
		t.Fatal("expected Exists to be false before Save")
	}
	priv, _ := identity.GenerateKeyPair()
	if err := Save(priv, "correct horse battery staple", path); err != nil {
		t.Fatal(err)
	}
	if !Exists(path) {
		t.Fatal("expected Exists to be true after Save")
	}
}
