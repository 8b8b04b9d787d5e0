package protocol

import (
	"fmt"

	"github.com/duskline/duskline/pkg/wire"
)

// Inner packet type tags, carried as the first byte of the AEAD plaintext.
const (
	TagHeartbeat    = 1
	TagHeartbeatAck = 2
	TagData         = 3
	TagRotate       = 4
	TagRotateAck    = 5
)

// InnerPacket is implemented by every inner (post-decrypt) packet variant.
type InnerPacket interface {
	EncodeInner() []byte
}

// Heartbeat carries no body; it exists only to refresh liveness.
type Heartbeat struct{}

// EncodeInner serializes a Heartbeat.
func (Heartbeat) EncodeInner() []byte { return []byte{TagHeartbeat} }

// HeartbeatAck carries no body; it is the reply to a Heartbeat.
type HeartbeatAck struct{}

// EncodeInner serializes a HeartbeatAck.
func (HeartbeatAck) EncodeInner() []byte { return []byte{TagHeartbeatAck} }

// Data carries an opaque application payload.
type Data struct {
	Payload []byte
}

// EncodeInner serializes a Data packet.
func (d Data) EncodeInner() []byte {
	w := wire.NewWriter()
	w.PutU8(TagData)
	w.PutBytes(d.Payload)
	return w.Bytes()
}

// Rotate requests installing a new ephemeral key for the connection.
type Rotate struct {
	EphemeralPublicKey []byte
	Signature          []byte
}

// EncodeInner serializes a Rotate packet.
func (r Rotate) EncodeInner() []byte {
	w := wire.NewWriter()
	w.PutU8(TagRotate)
	w.PutBytes(r.EphemeralPublicKey)
	w.PutBytes(r.Signature)
	return w.Bytes()
}

// RotateAck acknowledges a Rotate and carries the responding side's own
// fresh ephemeral key.
type RotateAck struct {
	EphemeralPublicKey []byte
	Signature          []byte
}

// EncodeInner serializes a RotateAck packet.
func (r RotateAck) EncodeInner() []byte {
	w := wire.NewWriter()
	w.PutU8(TagRotateAck)
	w.PutBytes(r.EphemeralPublicKey)
	w.PutBytes(r.Signature)
	return w.Bytes()
}

// DecodeInner parses a decrypted plaintext into one of the inner packet
// variants, based on the leading type tag.
func DecodeInner(data []byte) (InnerPacket, error) {
	r := wire.NewReader(data)
	tag, err := r.U8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagHeartbeat:
		return Heartbeat{}, nil
	case TagHeartbeatAck:
		return HeartbeatAck{}, nil
	case TagData:
		payload, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		return Data{Payload: payload}, nil
	case TagRotate:
		pub, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		sig, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		return Rotate{EphemeralPublicKey: pub, Signature: sig}, nil
	case TagRotateAck:
		pub, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		sig, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		return RotateAck{EphemeralPublicKey: pub, Signature: sig}, nil
	default:
		return nil, fmt.Errorf("%w: unknown inner packet tag %d", wire.ErrCodec, tag)
	}
}
