// Package protocol implements the outer (wire-visible) and inner
// (AEAD-plaintext) packet formats exchanged between two transports.
package protocol

import (
	"fmt"

	"github.com/duskline/duskline/pkg/identity"
	"github.com/duskline/duskline/pkg/rotation"
	"github.com/duskline/duskline/pkg/wire"
)

// Outer packet type tags. Handshake and HandshakeAck occupy the control
// range [1,127]; Encrypted occupies [128,255] with the low 7 bits carrying
// the epoch.
const (
	TagHandshake     = 1
	TagHandshakeAck  = 2
	tagEncryptedBase = 128
)

// OuterPacket is implemented by every outer packet variant.
type OuterPacket interface {
	Encode() []byte
}

// Handshake is the first message an initiator sends to a peer it has not yet
// established a connection with.
type Handshake struct {
	SourceID           uint32
	PeerAddress        identity.Address
	Address            identity.Address
	PublicKey          []byte
	EphemeralPublicKey []byte
	Signature          []byte
}

// Encode serializes h as an outer Handshake packet.
func (h *Handshake) Encode() []byte {
	w := wire.NewWriter()
	w.PutU8(TagHandshake)
	w.PutU32(h.SourceID)
	w.PutFixed(h.PeerAddress.Bytes())
	w.PutFixed(h.Address.Bytes())
	w.PutBytes(h.PublicKey)
	w.PutBytes(h.EphemeralPublicKey)
	w.PutBytes(h.Signature)
	return w.Bytes()
}

func decodeHandshakeBody(r *wire.Reader) (*Handshake, error) {
	h := &Handshake{}
	var err error
	if h.SourceID, err = r.U32(); err != nil {
		return nil, err
	}
	b, err := r.Fixed(identity.Size)
	if err != nil {
		return nil, err
	}
	if h.PeerAddress, err = identity.ParseAddressBytes(b); err != nil {
		return nil, err
	}
	if b, err = r.Fixed(identity.Size); err != nil {
		return nil, err
	}
	if h.Address, err = identity.ParseAddressBytes(b); err != nil {
		return nil, err
	}
	if h.PublicKey, err = r.Bytes(); err != nil {
		return nil, err
	}
	if h.EphemeralPublicKey, err = r.Bytes(); err != nil {
		return nil, err
	}
	if h.Signature, err = r.Bytes(); err != nil {
		return nil, err
	}
	return h, nil
}

// SignedPayload returns the canonical bytes a Handshake's signature covers:
// source address || peer address || ephemeral public key.
func (h *Handshake) SignedPayload() []byte {
	out := make([]byte, 0, identity.Size*2+len(h.EphemeralPublicKey))
	out = append(out, h.Address.Bytes()...)
	out = append(out, h.PeerAddress.Bytes()...)
	out = append(out, h.EphemeralPublicKey...)
	return out
}

// HandshakeAck is the responder's reply to a Handshake, carrying the
// initiator's source_id as target_id so it can be routed back.
type HandshakeAck struct {
	TargetID           uint32
	SourceID           uint32
	PeerAddress        identity.Address
	Address            identity.Address
	PublicKey          []byte
	EphemeralPublicKey []byte
	Signature          []byte
}

// Encode serializes a as an outer HandshakeAck packet.
func (a *HandshakeAck) Encode() []byte {
	w := wire.NewWriter()
	w.PutU8(TagHandshakeAck)
	w.PutU32(a.TargetID)
	w.PutU32(a.SourceID)
	w.PutFixed(a.PeerAddress.Bytes())
	w.PutFixed(a.Address.Bytes())
	w.PutBytes(a.PublicKey)
	w.PutBytes(a.EphemeralPublicKey)
	w.PutBytes(a.Signature)
	return w.Bytes()
}

func decodeHandshakeAckBody(r *wire.Reader) (*HandshakeAck, error) {
	a := &HandshakeAck{}
	var err error
	if a.TargetID, err = r.U32(); err != nil {
		return nil, err
	}
	h, err := decodeHandshakeBody(r)
	if err != nil {
		return nil, err
	}
	a.SourceID = h.SourceID
	a.PeerAddress = h.PeerAddress
	a.Address = h.Address
	a.PublicKey = h.PublicKey
	a.EphemeralPublicKey = h.EphemeralPublicKey
	a.Signature = h.Signature
	return a, nil
}

// SignedPayload mirrors Handshake.SignedPayload for the ack side.
func (a *HandshakeAck) SignedPayload() []byte {
	out := make([]byte, 0, identity.Size*2+len(a.EphemeralPublicKey))
	out = append(out, a.Address.Bytes()...)
	out = append(out, a.PeerAddress.Bytes()...)
	out = append(out, a.EphemeralPublicKey...)
	return out
}

// Encrypted carries an AEAD-sealed inner packet under a specific epoch.
type Encrypted struct {
	TargetID uint32
	Epoch    rotation.Epoch
	Nonce    [12]byte
	Payload  []byte
}

// Encode serializes e as an outer Encrypted packet.
func (e *Encrypted) Encode() []byte {
	w := wire.NewWriter()
	w.PutU8(tagEncryptedBase + uint8(e.Epoch))
	w.PutU32(e.TargetID)
	w.PutBytes(e.Payload)
	w.PutFixed(e.Nonce[:])
	return w.Bytes()
}

func decodeEncryptedBody(r *wire.Reader, epoch rotation.Epoch) (*Encrypted, error) {
	e := &Encrypted{Epoch: epoch}
	var err error
	if e.TargetID, err = r.U32(); err != nil {
		return nil, err
	}
	if e.Payload, err = r.Bytes(); err != nil {
		return nil, err
	}
	nonce, err := r.Fixed(len(e.Nonce))
	if err != nil {
		return nil, err
	}
	copy(e.Nonce[:], nonce)
	return e, nil
}

// DecodeOuter parses a wire-format datagram into one of Handshake,
// HandshakeAck, or Encrypted, based on the leading type tag.
func DecodeOuter(data []byte) (OuterPacket, error) {
	r := wire.NewReader(data)
	tag, err := r.U8()
	if err != nil {
		return nil, err
	}
	switch {
	case tag == TagHandshake:
		return decodeHandshakeBody(r)
	case tag == TagHandshakeAck:
		return decodeHandshakeAckBody(r)
	case tag >= tagEncryptedBase:
		epoch := rotation.Epoch(tag - tagEncryptedBase)
		if epoch > rotation.MaxEpoch {
			return nil, fmt.Errorf("%w: epoch %d out of range", wire.ErrCodec, epoch)
		}
		return decodeEncryptedBody(r, epoch)
	default:
		return nil, fmt.Errorf("%w: unknown outer packet tag %d", wire.ErrCodec, tag)
	}
}
