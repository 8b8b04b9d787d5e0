// Package peer implements the end-to-end encrypted channel with a single
// peer: the handshake state machine, epoch key rotation, and the send/recv
// contract the application uses to exchange opaque payloads.
package peer

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/duskline/duskline/pkg/cryptoprim"
	"github.com/duskline/duskline/pkg/identity"
	"github.com/duskline/duskline/pkg/logging"
	"github.com/duskline/duskline/pkg/protocol"
	"github.com/duskline/duskline/pkg/rotation"
)

// State is the peer connection's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateHandshaking
	StateEstablished
	StateRotating
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateRotating:
		return "rotating"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned by Send when the connection is not Established.
	ErrNotConnected = errors.New("peer connection not established")
	// ErrClosed is returned by Recv once the connection has failed or closed.
	ErrClosed = errors.New("peer connection closed")
	// ErrEncryptFailed wraps an AEAD sealing failure.
	ErrEncryptFailed = errors.New("encrypt failed")
	// ErrHandshakeVerify wraps any handshake verification failure.
	ErrHandshakeVerify = errors.New("handshake verification failed")
)

// decryptFailureWindow and decryptFailureLimit bound how many AEAD failures
// a connection tolerates before it is considered compromised or desynced.
const (
	decryptFailureWindow = 30 * time.Second
	decryptFailureLimit  = 8
)

// Config carries the timing parameters a connection needs from the
// surrounding transport.
type Config struct {
	HandshakeRetryLimit int
	HandshakeRetryDelay time.Duration
	HeartbeatInterval   time.Duration
	IdleTimeout         time.Duration
	RotationRetryLimit  int
	RotationRetryDelay  time.Duration
}

// DefaultConfig returns the timers suggested by the specification.
func DefaultConfig() Config {
	return Config{
		HandshakeRetryLimit: 5,
		HandshakeRetryDelay: 500 * time.Millisecond,
		HeartbeatInterval:   5 * time.Second,
		IdleTimeout:         30 * time.Second,
		RotationRetryLimit:  5,
		RotationRetryDelay:  500 * time.Millisecond,
	}
}

// Connection is one end-to-end encrypted channel with a single peer.
type Connection struct {
	mu sync.Mutex

	state State
	cfg   Config
	log   zerolog.Logger

	ourAddress    identity.Address
	ourPrivateKey *identity.PrivateKey
	ourPublicKey  []byte

	peerAddress   identity.Address
	peerPublicKey *identity.PublicKey

	localID  uint32
	remoteID uint32
	endpoint *net.UDPAddr

	handshakeEphemeral *cryptoprim.EphemeralPrivateKey
	handshakeAttempts  int
	cachedAck          []byte

	rot      *rotation.Manager
	nonceGen *cryptoprim.NonceGenerator

	lastSend time.Time
	lastRecv time.Time

	decryptFailTimes []time.Time

	recvCh chan []byte
	doneCh chan struct{}
	closeOnce sync.Once

	send func(payload []byte, to *net.UDPAddr) error
}

// NewInitiator creates a connection in Handshaking state and returns the
// encoded Handshake packet the caller must transmit to endpoint.
func NewInitiator(
	ourAddress identity.Address,
	ourPrivateKey *identity.PrivateKey,
	peerAddress identity.Address,
	peerPublicKey *identity.PublicKey,
	endpoint *net.UDPAddr,
	send func(payload []byte, to *net.UDPAddr) error,
	cfg Config,
) (*Connection, []byte, error) {
	ourPub, err := ourPrivateKey.Public().Bytes()
	if err != nil {
		return nil, nil, fmt.Errorf("serialize public key: %w", err)
	}
	eph, err := cryptoprim.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	c := &Connection{
		state:              StateHandshaking,
		cfg:                cfg,
		log:                logging.For("peer"),
		ourAddress:         ourAddress,
		ourPrivateKey:      ourPrivateKey,
		ourPublicKey:       ourPub,
		peerAddress:        peerAddress,
		peerPublicKey:      peerPublicKey,
		localID:            randomConnectionID(),
		endpoint:           endpoint,
		handshakeEphemeral: eph,
		recvCh:             make(chan []byte, 64),
		doneCh:             make(chan struct{}),
		send:               send,
		lastSend:           time.Now(),
		lastRecv:           time.Now(),
	}

	h := &protocol.Handshake{
		SourceID:           c.localID,
		PeerAddress:        peerAddress,
		Address:            ourAddress,
		PublicKey:          ourPub,
		EphemeralPublicKey: eph.PublicBytes(),
	}
	sig, err := ourPrivateKey.Sign(h.SignedPayload())
	if err != nil {
		return nil, nil, fmt.Errorf("sign handshake: %w", err)
	}
	h.Signature = sig
	c.handshakeAttempts = 1
	return c, h.Encode(), nil
}

// RetransmitHandshake re-signs and re-encodes the original Handshake for
// another attempt, or returns (nil, false) once the retry budget is spent.
func (c *Connection) RetransmitHandshake() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateHandshaking {
		return nil, false
	}
	if c.handshakeAttempts >= c.cfg.HandshakeRetryLimit {
		c.state = StateFailed
		c.closeOnce.Do(func() { close(c.doneCh) })
		return nil, false
	}
	c.handshakeAttempts++
	h := &protocol.Handshake{
		SourceID:           c.localID,
		PeerAddress:        c.peerAddress,
		Address:            c.ourAddress,
		PublicKey:          c.ourPublicKey,
		EphemeralPublicKey: c.handshakeEphemeral.PublicBytes(),
	}
	sig, err := c.ourPrivateKey.Sign(h.SignedPayload())
	if err != nil {
		return nil, false
	}
	h.Signature = sig
	return h.Encode(), true
}

// HandleHandshake is the responder path: build a connection from an inbound
// Handshake, verify it, and produce the HandshakeAck to send back.
func HandleHandshake(
	h *protocol.Handshake,
	ourAddress identity.Address,
	ourPrivateKey *identity.PrivateKey,
	from *net.UDPAddr,
	send func(payload []byte, to *net.UDPAddr) error,
	cfg Config,
) (*Connection, []byte, error) {
	peerPub, err := identity.ParsePublicKey(h.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parse public key: %v", ErrHandshakeVerify, err)
	}
	derived, err := identity.DeriveAddress(peerPub)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: derive address: %v", ErrHandshakeVerify, err)
	}
	if derived != h.Address {
		return nil, nil, fmt.Errorf("%w: address does not match public key", ErrHandshakeVerify)
	}
	if h.PeerAddress != ourAddress {
		return nil, nil, fmt.Errorf("%w: handshake not addressed to us", ErrHandshakeVerify)
	}
	if err := peerPub.Verify(h.SignedPayload(), h.Signature); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeVerify, err)
	}

	ourPub, err := ourPrivateKey.Public().Bytes()
	if err != nil {
		return nil, nil, fmt.Errorf("serialize public key: %w", err)
	}
	eph, err := cryptoprim.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	secret, err := cryptoprim.DeriveSharedSecret(eph, h.EphemeralPublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: key agreement: %v", ErrHandshakeVerify, err)
	}
	nonceGen, err := cryptoprim.NewNonceGenerator()
	if err != nil {
		return nil, nil, fmt.Errorf("seed nonce generator: %w", err)
	}

	c := &Connection{
		state:         StateEstablished,
		cfg:           cfg,
		log:           logging.For("peer"),
		ourAddress:    ourAddress,
		ourPrivateKey: ourPrivateKey,
		ourPublicKey:  ourPub,
		peerAddress:   h.Address,
		peerPublicKey: peerPub,
		localID:       randomConnectionID(),
		remoteID:      h.SourceID,
		endpoint:      from,
		rot:           rotation.NewManager(secret),
		nonceGen:      nonceGen,
		recvCh:        make(chan []byte, 64),
		doneCh:        make(chan struct{}),
		send:          send,
		lastSend:      time.Now(),
		lastRecv:      time.Now(),
	}

	ack := &protocol.HandshakeAck{
		TargetID:           h.SourceID,
		SourceID:           c.localID,
		PeerAddress:        h.Address,
		Address:            ourAddress,
		PublicKey:          ourPub,
		EphemeralPublicKey: eph.PublicBytes(),
	}
	sig, err := ourPrivateKey.Sign(ack.SignedPayload())
	if err != nil {
		return nil, nil, fmt.Errorf("sign handshake ack: %w", err)
	}
	ack.Signature = sig
	encoded := ack.Encode()
	c.cachedAck = encoded
	return c, encoded, nil
}

// CachedHandshakeAck returns the last HandshakeAck sent, for replay when a
// duplicate Handshake arrives from an already-established peer.
func (c *Connection) CachedHandshakeAck() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cachedAck == nil {
		return nil, false
	}
	return c.cachedAck, true
}

// HandleHandshakeAck completes the initiator side of the handshake.
func (c *Connection) HandleHandshakeAck(ack *protocol.HandshakeAck) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateHandshaking {
		return nil // already established or failed; duplicate ack, ignore
	}

	peerPub, err := identity.ParsePublicKey(ack.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: parse public key: %v", ErrHandshakeVerify, err)
	}
	derived, err := identity.DeriveAddress(peerPub)
	if err != nil {
		return fmt.Errorf("%w: derive address: %v", ErrHandshakeVerify, err)
	}
	if derived != ack.Address || ack.Address != c.peerAddress {
		return fmt.Errorf("%w: address mismatch", ErrHandshakeVerify)
	}
	if ack.PeerAddress != c.ourAddress {
		return fmt.Errorf("%w: ack not addressed to us", ErrHandshakeVerify)
	}
	if err := peerPub.Verify(ack.SignedPayload(), ack.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeVerify, err)
	}

	secret, err := cryptoprim.DeriveSharedSecret(c.handshakeEphemeral, ack.EphemeralPublicKey)
	if err != nil {
		return fmt.Errorf("%w: key agreement: %v", ErrHandshakeVerify, err)
	}
	nonceGen, err := cryptoprim.NewNonceGenerator()
	if err != nil {
		return fmt.Errorf("seed nonce generator: %w", err)
	}

	c.peerPublicKey = peerPub
	c.remoteID = ack.SourceID
	c.rot = rotation.NewManager(secret)
	c.nonceGen = nonceGen
	c.handshakeEphemeral = nil
	c.state = StateEstablished
	c.lastRecv = time.Now()
	return nil
}

// Send encrypts payload under the current epoch and transmits it.
func (c *Connection) Send(payload []byte) error {
	c.mu.Lock()
	if c.state != StateEstablished && c.state != StateRotating {
		c.mu.Unlock()
		return ErrNotConnected
	}
	secret, epoch := c.rot.Current()
	nonce := c.nonceGen.Next()
	remoteID := c.remoteID
	endpoint := c.endpoint
	c.mu.Unlock()

	inner := protocol.Data{Payload: payload}.EncodeInner()
	ciphertext, err := secret.Encrypt(nonce, inner)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncryptFailed, err)
	}
	enc := &protocol.Encrypted{TargetID: remoteID, Epoch: epoch, Nonce: nonce, Payload: ciphertext}
	if err := c.send(enc.Encode(), endpoint); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastSend = time.Now()
	c.mu.Unlock()
	return nil
}

// Recv blocks until a Data payload is available or the connection closes.
func (c *Connection) Recv() ([]byte, error) {
	select {
	case b := <-c.recvCh:
		return b, nil
	case <-c.doneCh:
		return nil, ErrClosed
	}
}

// HandleEncrypted decrypts and dispatches an inbound Encrypted outer packet.
func (c *Connection) HandleEncrypted(enc *protocol.Encrypted) error {
	c.mu.Lock()
	if c.state != StateEstablished && c.state != StateRotating {
		c.mu.Unlock()
		return ErrNotConnected
	}
	secret, ok := c.rot.AcceptableSecret(enc.Epoch)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("encrypted packet under unacceptable epoch %d", enc.Epoch)
	}

	plaintext, err := secret.Decrypt(enc.Nonce, enc.Payload)
	if err != nil {
		c.recordDecryptFailure()
		return err
	}

	c.mu.Lock()
	c.lastRecv = time.Now()
	c.mu.Unlock()

	inner, err := protocol.DecodeInner(plaintext)
	if err != nil {
		return err
	}
	switch p := inner.(type) {
	case protocol.Heartbeat:
		return c.sendInner(protocol.HeartbeatAck{})
	case protocol.HeartbeatAck:
		return nil
	case protocol.Data:
		select {
		case c.recvCh <- p.Payload:
		default:
			c.log.Warn().Msg("recv queue full, dropping data packet")
		}
		return nil
	case protocol.Rotate:
		return c.handleRotate(p)
	case protocol.RotateAck:
		return c.handleRotateAck(p)
	default:
		return fmt.Errorf("unhandled inner packet type %T", inner)
	}
}

func (c *Connection) recordDecryptFailure() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := now.Add(-decryptFailureWindow)
	kept := c.decryptFailTimes[:0]
	for _, t := range c.decryptFailTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	c.decryptFailTimes = kept
	if len(c.decryptFailTimes) >= decryptFailureLimit {
		c.state = StateFailed
		c.closeOnce.Do(func() { close(c.doneCh) })
	}
}

func (c *Connection) sendInner(pkt protocol.InnerPacket) error {
	c.mu.Lock()
	secret, epoch := c.rot.Current()
	nonce := c.nonceGen.Next()
	remoteID := c.remoteID
	endpoint := c.endpoint
	c.mu.Unlock()

	ciphertext, err := secret.Encrypt(nonce, pkt.EncodeInner())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncryptFailed, err)
	}
	enc := &protocol.Encrypted{TargetID: remoteID, Epoch: epoch, Nonce: nonce, Payload: ciphertext}
	if err := c.send(enc.Encode(), endpoint); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastSend = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Connection) signedRotatePayload(ephPub []byte) []byte {
	out := make([]byte, 0, identity.Size*2+len(ephPub))
	out = append(out, c.ourAddress.Bytes()...)
	out = append(out, c.peerAddress.Bytes()...)
	out = append(out, ephPub...)
	return out
}

// BeginRotation initiates a key rotation: generates a fresh ephemeral key,
// signs it, and sends it as a Rotate inner packet under the current epoch.
func (c *Connection) BeginRotation() error {
	c.mu.Lock()
	if c.state != StateEstablished {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	eph, err := c.rot.BeginRotation()
	if err != nil {
		return err
	}
	sig, err := c.ourPrivateKey.Sign(c.signedRotatePayload(eph.PublicBytes()))
	if err != nil {
		return fmt.Errorf("sign rotate: %w", err)
	}
	c.mu.Lock()
	c.state = StateRotating
	c.mu.Unlock()
	return c.sendInner(protocol.Rotate{EphemeralPublicKey: eph.PublicBytes(), Signature: sig})
}

func (c *Connection) handleRotate(r protocol.Rotate) error {
	payload := make([]byte, 0, identity.Size*2+len(r.EphemeralPublicKey))
	payload = append(payload, c.peerAddress.Bytes()...)
	payload = append(payload, c.ourAddress.Bytes()...)
	payload = append(payload, r.EphemeralPublicKey...)
	if err := c.peerPublicKey.Verify(payload, r.Signature); err != nil {
		return fmt.Errorf("%w: rotate signature: %v", ErrHandshakeVerify, err)
	}

	eph, err := c.rot.BeginRotation()
	if err != nil {
		// A rotation we ourselves initiated is already pending; the peer's
		// Rotate races ours. Cancel ours and defer to theirs.
		c.rot.CancelRotation()
		eph, err = c.rot.BeginRotation()
		if err != nil {
			return err
		}
	}
	secret, err := cryptoprim.DeriveSharedSecret(eph, r.EphemeralPublicKey)
	if err != nil {
		return fmt.Errorf("key agreement: %w", err)
	}
	sig, err := c.ourPrivateKey.Sign(c.signedRotatePayload(eph.PublicBytes()))
	if err != nil {
		return fmt.Errorf("sign rotate ack: %w", err)
	}
	if err := c.sendInner(protocol.RotateAck{EphemeralPublicKey: eph.PublicBytes(), Signature: sig}); err != nil {
		return err
	}

	newNonceGen, err := cryptoprim.NewNonceGenerator()
	if err != nil {
		return fmt.Errorf("seed nonce generator: %w", err)
	}
	if _, err := c.rot.CompleteRotation(secret); err != nil {
		return err
	}
	c.mu.Lock()
	c.nonceGen = newNonceGen
	c.state = StateEstablished
	c.mu.Unlock()
	return nil
}

func (c *Connection) handleRotateAck(r protocol.RotateAck) error {
	payload := make([]byte, 0, identity.Size*2+len(r.EphemeralPublicKey))
	payload = append(payload, c.peerAddress.Bytes()...)
	payload = append(payload, c.ourAddress.Bytes()...)
	payload = append(payload, r.EphemeralPublicKey...)
	if err := c.peerPublicKey.Verify(payload, r.Signature); err != nil {
		return fmt.Errorf("%w: rotate ack signature: %v", ErrHandshakeVerify, err)
	}

	eph, ok := c.rot.PendingEphemeral()
	if !ok {
		return nil // no rotation in flight; stale or duplicate ack
	}
	secret, err := cryptoprim.DeriveSharedSecret(eph, r.EphemeralPublicKey)
	if err != nil {
		return fmt.Errorf("key agreement: %w", err)
	}
	newNonceGen, err := cryptoprim.NewNonceGenerator()
	if err != nil {
		return fmt.Errorf("seed nonce generator: %w", err)
	}
	if _, err := c.rot.CompleteRotation(secret); err != nil {
		return err
	}
	c.mu.Lock()
	c.nonceGen = newNonceGen
	c.state = StateEstablished
	c.mu.Unlock()
	return nil
}

// MaybeHeartbeat sends a Heartbeat if no outbound traffic has been sent for
// at least the configured interval.
func (c *Connection) MaybeHeartbeat() {
	c.mu.Lock()
	idle := time.Since(c.lastSend)
	state := c.state
	c.mu.Unlock()
	if state != StateEstablished {
		return
	}
	if idle >= c.cfg.HeartbeatInterval {
		if err := c.sendInner(protocol.Heartbeat{}); err != nil {
			c.log.Warn().Err(err).Msg("heartbeat send failed")
		}
	}
}

// CheckIdle fails the connection if no packet has been received for the
// configured idle timeout.
func (c *Connection) CheckIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateFailed || c.state == StateClosed {
		return
	}
	if time.Since(c.lastRecv) >= c.cfg.IdleTimeout {
		c.state = StateFailed
		c.closeOnce.Do(func() { close(c.doneCh) })
	}
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LocalID returns this side's locally-assigned connection id.
func (c *Connection) LocalID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localID
}

// PeerAddress returns the address of the peer this connection talks to.
func (c *Connection) PeerAddress() identity.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerAddress
}

// Close tears the connection down; pending Recv calls return ErrClosed. The
// peer is not notified — liveness failure detects this lazily on their side.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.closeOnce.Do(func() { close(c.doneCh) })
}

func randomConnectionID() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
