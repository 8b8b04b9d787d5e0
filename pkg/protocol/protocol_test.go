package protocol

import (
	"bytes"
	"testing"

	"github.com/duskline/duskline/pkg/identity"
	"github.com/duskline/duskline/pkg/rotation"
)

func testAddress(t *testing.T, seed byte) identity.Address {
	t.Helper()
	b := make([]byte, identity.Size)
	b[0] = identity.Version
	for i := 1; i < identity.Size; i++ {
		b[i] = seed
	}
	a, err := identity.ParseAddressBytes(b)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestHandshakeRoundTrip(t *testing.T) {
	h := &Handshake{
		SourceID:           42,
		PeerAddress:        testAddress(t, 0xAA),
		Address:            testAddress(t, 0xBB),
		PublicKey:          []byte("pubkey-bytes"),
		EphemeralPublicKey: bytes.Repeat([]byte{0x01}, 32),
		Signature:          bytes.Repeat([]byte{0x02}, 64),
	}
	pkt, err := DecodeOuter(h.Encode())
	if err != nil {
		t.Fatal(err)
	}
	got, ok := pkt.(*Handshake)
	if !ok {
		t.Fatalf("got %T, want *Handshake", pkt)
	}
	if got.SourceID != h.SourceID || got.PeerAddress != h.PeerAddress || got.Address != h.Address {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, h)
	}
	if !bytes.Equal(got.PublicKey, h.PublicKey) || !bytes.Equal(got.EphemeralPublicKey, h.EphemeralPublicKey) || !bytes.Equal(got.Signature, h.Signature) {
		t.Fatal("byte field mismatch")
	}
}

func TestHandshakeAckRoundTrip(t *testing.T) {
	a := &HandshakeAck{
		TargetID:           7,
		SourceID:           9,
		PeerAddress:        testAddress(t, 0x01),
		Address:            testAddress(t, 0x02),
		PublicKey:          []byte("pub"),
		EphemeralPublicKey: []byte("eph"),
		Signature:          []byte("sig"),
	}
	pkt, err := DecodeOuter(a.Encode())
	if err != nil {
		t.Fatal(err)
	}
	got, ok := pkt.(*HandshakeAck)
	if !ok {
		t.Fatalf("got %T, want *HandshakeAck", pkt)
	}
	if got.TargetID != a.TargetID || got.SourceID != a.SourceID {
		t.Fatalf("id mismatch: %+v vs %+v", got, a)
	}
}

func TestEncryptedRoundTrip(t *testing.T) {
	for _, epoch := range []rotation.Epoch{0, 1, 64, rotation.MaxEpoch} {
		e := &Encrypted{
			TargetID: 123,
			Epoch:    epoch,
			Nonce:    [12]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
			Payload:  []byte("ciphertext"),
		}
		pkt, err := DecodeOuter(e.Encode())
		if err != nil {
			t.Fatalf("epoch %d: %v", epoch, err)
		}
		got, ok := pkt.(*Encrypted)
		if !ok {
			t.Fatalf("got %T, want *Encrypted", pkt)
		}
		if got.TargetID != e.TargetID || got.Epoch != e.Epoch || got.Nonce != e.Nonce {
			t.Fatalf("epoch %d: mismatch %+v vs %+v", epoch, got, e)
		}
		if !bytes.Equal(got.Payload, e.Payload) {
			t.Fatalf("epoch %d: payload mismatch", epoch)
		}
	}
}

func TestUnknownOuterTag(t *testing.T) {
	if _, err := DecodeOuter([]byte{0}); err == nil {
		t.Fatal("expected error for tag 0")
	}
}

func TestInnerPacketRoundTrips(t *testing.T) {
	cases := []InnerPacket{
		Heartbeat{},
		HeartbeatAck{},
		Data{Payload: []byte("hello")},
		Rotate{EphemeralPublicKey: []byte("eph"), Signature: []byte("sig")},
		RotateAck{EphemeralPublicKey: []byte("eph2"), Signature: []byte("sig2")},
	}
	for _, c := range cases {
		got, err := DecodeInner(c.EncodeInner())
		if err != nil {
			t.Fatalf("%T: %v", c, err)
		}
		if got != c {
			if !reflectEqualBytes(c, got) {
				t.Fatalf("round trip mismatch for %T: got %+v want %+v", c, got, c)
			}
		}
	}
}

// reflectEqualBytes handles the Data/Rotate/RotateAck cases whose slice
// fields make them incomparable with ==.
func reflectEqualBytes(want, got InnerPacket) bool {
	switch w := want.(type) {
	case Data:
		g, ok := got.(Data)
		return ok && bytes.Equal(w.Payload, g.Payload)
	case Rotate:
		g, ok := got.(Rotate)
		return ok && bytes.Equal(w.EphemeralPublicKey, g.EphemeralPublicKey) && bytes.Equal(w.Signature, g.Signature)
	case RotateAck:
		g, ok := got.(RotateAck)
		return ok && bytes.Equal(w.EphemeralPublicKey, g.EphemeralPublicKey) && bytes.Equal(w.Signature, g.Signature)
	default:
		return false
	}
}

func TestUnknownInnerTag(t *testing.T) {
	if _, err := DecodeInner([]byte{0}); err == nil {
		t.Fatal("expected error for tag 0")
	}
}
