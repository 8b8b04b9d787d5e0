// Package serverproto implements the wire messages exchanged between a
// transport and the coordination server: registration, heartbeats, and
// peer-connect brokering.
package serverproto

import (
	"fmt"
	"net"

	"github.com/duskline/duskline/pkg/identity"
	"github.com/duskline/duskline/pkg/wire"
)

// Register failure codes.
const (
	ErrInvalidPublicKey     = 1
	ErrAddressDeriveFailure = 2
	ErrAddressMismatch      = 3
)

// Connect failure codes.
const (
	ErrNotRegistered = 10
	ErrPeerNotFound  = 11
	ErrSelfConnect   = 12
)

// Request type tags, client -> server. Heartbeat carries no tag at all: it
// is the literal empty datagram.
const (
	tagRegisterRequest = 2
	tagConnectRequest  = 3
)

// Response type tags, server -> client. Heartbeat carries no tag at all: it
// is the literal empty datagram.
const (
	tagRegisterResponse   = 2
	tagRegisterError      = 3
	tagConnectResponse    = 4
	tagConnectError       = 5
	tagIncomingConnection = 6
)

// Request is implemented by every client -> server message.
type Request interface {
	EncodeRequest() []byte
}

// HeartbeatRequest carries no body; it refreshes the client's liveness.
type HeartbeatRequest struct{}

// EncodeRequest serializes a HeartbeatRequest as the empty datagram.
func (HeartbeatRequest) EncodeRequest() []byte { return []byte{} }

// RegisterRequest asks the server to bind address/public_key to the sender's
// source UDP endpoint.
type RegisterRequest struct {
	RequestID uint32
	PublicKey []byte
	Address   identity.Address
}

// EncodeRequest serializes a RegisterRequest.
func (r RegisterRequest) EncodeRequest() []byte {
	w := wire.NewWriter()
	w.PutU8(tagRegisterRequest)
	w.PutU32(r.RequestID)
	w.PutBytes(r.PublicKey)
	w.PutFixed(r.Address.Bytes())
	return w.Bytes()
}

// ConnectRequest asks the server to broker an introduction to target.
type ConnectRequest struct {
	RequestID     uint32
	TargetAddress identity.Address
	SourceID      uint32
}

// EncodeRequest serializes a ConnectRequest.
func (c ConnectRequest) EncodeRequest() []byte {
	w := wire.NewWriter()
	w.PutU8(tagConnectRequest)
	w.PutU32(c.RequestID)
	w.PutFixed(c.TargetAddress.Bytes())
	w.PutU32(c.SourceID)
	return w.Bytes()
}

// DecodeRequest parses a datagram received by the coordination server. The
// empty datagram is always a Heartbeat.
func DecodeRequest(data []byte) (Request, error) {
	if len(data) == 0 {
		return HeartbeatRequest{}, nil
	}
	r := wire.NewReader(data)
	tag, err := r.U8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagRegisterRequest:
		reqID, err := r.U32()
		if err != nil {
			return nil, err
		}
		pub, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		addrBytes, err := r.Fixed(identity.Size)
		if err != nil {
			return nil, err
		}
		addr, err := identity.ParseAddressBytes(addrBytes)
		if err != nil {
			return nil, err
		}
		return RegisterRequest{RequestID: reqID, PublicKey: pub, Address: addr}, nil
	case tagConnectRequest:
		reqID, err := r.U32()
		if err != nil {
			return nil, err
		}
		addrBytes, err := r.Fixed(identity.Size)
		if err != nil {
			return nil, err
		}
		target, err := identity.ParseAddressBytes(addrBytes)
		if err != nil {
			return nil, err
		}
		sourceID, err := r.U32()
		if err != nil {
			return nil, err
		}
		return ConnectRequest{RequestID: reqID, TargetAddress: target, SourceID: sourceID}, nil
	default:
		return nil, fmt.Errorf("%w: unknown request tag %d", wire.ErrCodec, tag)
	}
}

// Response is implemented by every server -> client message.
type Response interface {
	EncodeResponse() []byte
}

// HeartbeatResponse echoes a HeartbeatRequest.
type HeartbeatResponse struct{}

// EncodeResponse serializes a HeartbeatResponse as the empty datagram.
func (HeartbeatResponse) EncodeResponse() []byte { return []byte{} }

// RegisterResponse confirms a RegisterRequest succeeded.
type RegisterResponse struct {
	RequestID uint32
}

// EncodeResponse serializes a RegisterResponse.
func (r RegisterResponse) EncodeResponse() []byte {
	w := wire.NewWriter()
	w.PutU8(tagRegisterResponse)
	w.PutU32(r.RequestID)
	return w.Bytes()
}

// RegisterError reports why a RegisterRequest failed.
type RegisterError struct {
	RequestID uint32
	Code      uint8
}

// EncodeResponse serializes a RegisterError.
func (e RegisterError) EncodeResponse() []byte {
	w := wire.NewWriter()
	w.PutU8(tagRegisterError)
	w.PutU32(e.RequestID)
	w.PutU8(e.Code)
	return w.Bytes()
}

// ConnectResponse gives the requester everything it needs to begin a
// handshake with the target peer.
type ConnectResponse struct {
	RequestID     uint32
	PeerPublicKey []byte
	PeerAddress   identity.Address
	PeerEndpoint  *net.UDPAddr
}

// EncodeResponse serializes a ConnectResponse.
func (c ConnectResponse) EncodeResponse() []byte {
	w := wire.NewWriter()
	w.PutU8(tagConnectResponse)
	w.PutU32(c.RequestID)
	w.PutBytes(c.PeerPublicKey)
	w.PutFixed(c.PeerAddress.Bytes())
	w.PutAddr(c.PeerEndpoint)
	return w.Bytes()
}

// ConnectError reports why a ConnectRequest failed.
type ConnectError struct {
	RequestID uint32
	Code      uint8
}

// EncodeResponse serializes a ConnectError.
func (e ConnectError) EncodeResponse() []byte {
	w := wire.NewWriter()
	w.PutU8(tagConnectError)
	w.PutU32(e.RequestID)
	w.PutU8(e.Code)
	return w.Bytes()
}

// IncomingConnection notifies the target of a Connect that a peer wants to
// rendezvous, so it can begin sending Handshakes toward the requester.
type IncomingConnection struct {
	RequesterPublicKey []byte
	RequesterAddress   identity.Address
	RequesterEndpoint  *net.UDPAddr
	SourceID           uint32
}

// EncodeResponse serializes an IncomingConnection notification.
func (i IncomingConnection) EncodeResponse() []byte {
	w := wire.NewWriter()
	w.PutU8(tagIncomingConnection)
	w.PutBytes(i.RequesterPublicKey)
	w.PutFixed(i.RequesterAddress.Bytes())
	w.PutAddr(i.RequesterEndpoint)
	w.PutU32(i.SourceID)
	return w.Bytes()
}

// DecodeResponse parses a datagram received by a transport from the
// coordination server. The empty datagram is always a Heartbeat.
func DecodeResponse(data []byte) (Response, error) {
	if len(data) == 0 {
		return HeartbeatResponse{}, nil
	}
	r := wire.NewReader(data)
	tag, err := r.U8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagRegisterResponse:
		reqID, err := r.U32()
		if err != nil {
			return nil, err
		}
		return RegisterResponse{RequestID: reqID}, nil
	case tagRegisterError:
		reqID, err := r.U32()
		if err != nil {
			return nil, err
		}
		code, err := r.U8()
		if err != nil {
			return nil, err
		}
		return RegisterError{RequestID: reqID, Code: code}, nil
	case tagConnectResponse:
		reqID, err := r.U32()
		if err != nil {
			return nil, err
		}
		pub, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		addrBytes, err := r.Fixed(identity.Size)
		if err != nil {
			return nil, err
		}
		addr, err := identity.ParseAddressBytes(addrBytes)
		if err != nil {
			return nil, err
		}
		endpoint, err := r.Addr()
		if err != nil {
			return nil, err
		}
		return ConnectResponse{RequestID: reqID, PeerPublicKey: pub, PeerAddress: addr, PeerEndpoint: endpoint}, nil
	case tagConnectError:
		reqID, err := r.U32()
		if err != nil {
			return nil, err
		}
		code, err := r.U8()
		if err != nil {
			return nil, err
		}
		return ConnectError{RequestID: reqID, Code: code}, nil
	case tagIncomingConnection:
		pub, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		addrBytes, err := r.Fixed(identity.Size)
		if err != nil {
			return nil, err
		}
		addr, err := identity.ParseAddressBytes(addrBytes)
		if err != nil {
			return nil, err
		}
		endpoint, err := r.Addr()
		if err != nil {
			return nil, err
		}
		sourceID, err := r.U32()
		if err != nil {
			return nil, err
		}
		return IncomingConnection{RequesterPublicKey: pub, RequesterAddress: addr, RequesterEndpoint: endpoint, SourceID: sourceID}, nil
	default:
		return nil, fmt.Errorf("%w: unknown response tag %d", wire.ErrCodec, tag)
	}
}
