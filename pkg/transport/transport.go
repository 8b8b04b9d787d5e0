// Package transport owns the single UDP socket a node uses to talk to the
// coordination server and to every peer it has a connection with, and
// demultiplexes inbound datagrams to the right destination.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/duskline/duskline/pkg/discovery"
	"github.com/duskline/duskline/pkg/identity"
	"github.com/duskline/duskline/pkg/logging"
	"github.com/duskline/duskline/pkg/peer"
	"github.com/duskline/duskline/pkg/protocol"
	"github.com/duskline/duskline/pkg/serverproto"
)

const recvBufferSize = 65536

// ErrHandshakeTimeout indicates Connect exhausted its handshake budget
// without reaching Established.
var ErrHandshakeTimeout = errors.New("handshake timed out")

// Config bundles the peer and discovery timers a Transport threads through
// to every connection it creates.
type Config struct {
	Peer             peer.Config
	Discovery        discovery.Config
	MaintenanceTick  time.Duration
	RotationInterval time.Duration
}

// DefaultConfig returns the timers suggested by the specification.
func DefaultConfig() Config {
	return Config{
		Peer:             peer.DefaultConfig(),
		Discovery:        discovery.DefaultConfig(),
		MaintenanceTick:  time.Second,
		RotationInterval: 5 * time.Minute,
	}
}

// Transport binds one UDP socket, maintains the coordination-server session,
// and owns every PeerConnection multiplexed on that socket.
type Transport struct {
	conn       *net.UDPConn
	serverAddr *net.UDPAddr
	ourAddress identity.Address
	ourPriv    *identity.PrivateKey
	ourPub     []byte
	cfg        Config
	log        zerolog.Logger

	serverConn *discovery.ServerConn

	mu            sync.RWMutex
	byLocalID     map[uint32]*peer.Connection
	byPeerAddress map[identity.Address]*peer.Connection
	establishedAt map[uint32]time.Time

	acceptCh chan *peer.Connection
	closed   chan struct{}
	closeOne sync.Once
}

// Bind opens the UDP socket, starts the coordination-server session, and
// registers this node's address and public key.
func Bind(ctx context.Context, localUDP string, ourAddress identity.Address, ourPriv *identity.PrivateKey, serverEndpoint string, cfg Config) (*Transport, error) {
	localAddr, err := net.ResolveUDPAddr("udp", localUDP)
	if err != nil {
		return nil, fmt.Errorf("resolve local address %q: %w", localUDP, err)
	}
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("bind %q: %w", localUDP, err)
	}
	serverAddr, err := net.ResolveUDPAddr("udp", serverEndpoint)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("resolve server address %q: %w", serverEndpoint, err)
	}
	ourPub, err := ourPriv.Public().Bytes()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("serialize public key: %w", err)
	}

	t := &Transport{
		conn:          conn,
		serverAddr:    serverAddr,
		ourAddress:    ourAddress,
		ourPriv:       ourPriv,
		ourPub:        ourPub,
		cfg:           cfg,
		log:           logging.For("transport"),
		byLocalID:     make(map[uint32]*peer.Connection),
		byPeerAddress: make(map[identity.Address]*peer.Connection),
		establishedAt: make(map[uint32]time.Time),
		acceptCh:      make(chan *peer.Connection, 16),
		closed:        make(chan struct{}),
	}
	t.serverConn = discovery.New(func(b []byte) error {
		_, err := conn.WriteToUDP(b, serverAddr)
		return err
	}, serverAddr, ourAddress, ourPub, cfg.Discovery)

	go t.receiveLoop()
	go t.serverConn.Run(ctx)
	go t.maintenanceLoop()
	go t.incomingConnectionLoop(ctx)

	if err := t.serverConn.Register(ctx); err != nil {
		t.Close()
		return nil, fmt.Errorf("register with coordination server: %w", err)
	}
	return t, nil
}

// LocalAddr returns the UDP address this transport is bound to.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Address returns this node's own Address.
func (t *Transport) Address() identity.Address {
	return t.ourAddress
}

func (t *Transport) sendOuter(data []byte, to *net.UDPAddr) error {
	_, err := t.conn.WriteToUDP(data, to)
	return err
}

// Connect asks the coordination server for peerAddress's endpoint and public
// key, then drives the handshake to Established (or fails after the
// handshake retry budget is exhausted).
func (t *Transport) Connect(ctx context.Context, peerAddress identity.Address) (*peer.Connection, error) {
	t.mu.RLock()
	if existing, ok := t.byPeerAddress[peerAddress]; ok {
		t.mu.RUnlock()
		return existing, nil
	}
	t.mu.RUnlock()

	localID := randomSourceID()
	pubBytes, endpoint, err := t.serverConn.ConnectPeer(ctx, peerAddress, localID)
	if err != nil {
		return nil, fmt.Errorf("rendezvous with %s: %w", peerAddress.String(), err)
	}
	peerPub, err := identity.ParsePublicKey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}

	conn, handshakeBytes, err := peer.NewInitiator(t.ourAddress, t.ourPriv, peerAddress, peerPub, endpoint, t.sendOuter, t.cfg.Peer)
	if err != nil {
		return nil, fmt.Errorf("build handshake: %w", err)
	}
	t.register(conn)

	if err := t.sendOuter(handshakeBytes, endpoint); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	ticker := time.NewTicker(t.cfg.Peer.HandshakeRetryDelay)
	defer ticker.Stop()
	for {
		if conn.State() == peer.StateEstablished {
			t.mu.Lock()
			t.establishedAt[conn.LocalID()] = time.Now()
			t.mu.Unlock()
			return conn, nil
		}
		if conn.State() == peer.StateFailed {
			t.unregister(conn)
			return nil, ErrHandshakeTimeout
		}
		select {
		case <-ctx.Done():
			t.unregister(conn)
			return nil, ctx.Err()
		case <-ticker.C:
			retry, ok := conn.RetransmitHandshake()
			if !ok {
				if conn.State() == peer.StateFailed {
					t.unregister(conn)
					return nil, ErrHandshakeTimeout
				}
				continue
			}
			if err := t.sendOuter(retry, endpoint); err != nil {
				t.log.Warn().Err(err).Msg("handshake retransmit send failed")
			}
		}
	}
}

// Accept yields the next inbound connection that reached Established after
// an unsolicited Handshake or a server-signaled IncomingConnection.
func (t *Transport) Accept(ctx context.Context) (*peer.Connection, error) {
	select {
	case c := <-t.acceptCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, errors.New("transport closed")
	}
}

func (t *Transport) register(c *peer.Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byLocalID[c.LocalID()] = c
	t.byPeerAddress[c.PeerAddress()] = c
}

func (t *Transport) unregister(c *peer.Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byLocalID, c.LocalID())
	delete(t.byPeerAddress, c.PeerAddress())
	delete(t.establishedAt, c.LocalID())
}

// incomingConnectionLoop watches the coordination server's IncomingConnection
// hints and proactively sends a Handshake toward the signaled peer, so both
// sides hole-punch toward each other at roughly the same moment.
func (t *Transport) incomingConnectionLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		case hint := <-t.serverConn.RecvIncoming():
			t.handleIncomingHint(hint)
		}
	}
}

func (t *Transport) handleIncomingHint(hint serverproto.IncomingConnection) {
	t.mu.RLock()
	_, exists := t.byPeerAddress[hint.RequesterAddress]
	t.mu.RUnlock()
	if exists {
		return
	}
	peerPub, err := identity.ParsePublicKey(hint.RequesterPublicKey)
	if err != nil {
		t.log.Warn().Err(err).Msg("incoming hint: invalid requester public key")
		return
	}
	conn, handshakeBytes, err := peer.NewInitiator(t.ourAddress, t.ourPriv, hint.RequesterAddress, peerPub, hint.RequesterEndpoint, t.sendOuter, t.cfg.Peer)
	if err != nil {
		t.log.Warn().Err(err).Msg("incoming hint: failed to build handshake")
		return
	}
	t.register(conn)
	if err := t.sendOuter(handshakeBytes, hint.RequesterEndpoint); err != nil {
		t.log.Warn().Err(err).Msg("incoming hint: send handshake failed")
	}
}

func (t *Transport) receiveLoop() {
	buf := make([]byte, recvBufferSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			t.log.Warn().Err(err).Msg("receive failed")
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		t.handleDatagram(datagram, from)
	}
}

func (t *Transport) handleDatagram(data []byte, from *net.UDPAddr) {
	if from.IP.Equal(t.serverAddr.IP) && from.Port == t.serverAddr.Port {
		resp, err := serverproto.DecodeResponse(data)
		if err != nil {
			t.log.Warn().Err(err).Msg("malformed server datagram, dropping")
			return
		}
		t.serverConn.HandleResponse(resp)
		return
	}

	outer, err := protocol.DecodeOuter(data)
	if err != nil {
		t.log.Warn().Err(err).Stringer("from", from).Msg("malformed packet, dropping")
		return
	}
	switch p := outer.(type) {
	case *protocol.Handshake:
		t.handleHandshake(p, from)
	case *protocol.HandshakeAck:
		t.handleHandshakeAck(p)
	case *protocol.Encrypted:
		t.handleEncrypted(p)
	default:
		t.log.Warn().Msg("unrecognized outer packet, dropping")
	}
}

func (t *Transport) handleHandshake(h *protocol.Handshake, from *net.UDPAddr) {
	t.mu.RLock()
	existing, ok := t.byPeerAddress[h.Address]
	t.mu.RUnlock()
	if ok {
		if ack, cached := existing.CachedHandshakeAck(); cached {
			if err := t.sendOuter(ack, from); err != nil {
				t.log.Warn().Err(err).Msg("replay handshake ack failed")
			}
		}
		return
	}

	conn, ackBytes, err := peer.HandleHandshake(h, t.ourAddress, t.ourPriv, from, t.sendOuter, t.cfg.Peer)
	if err != nil {
		t.log.Warn().Err(err).Stringer("from", from).Msg("rejecting handshake")
		return
	}
	t.register(conn)
	t.mu.Lock()
	t.establishedAt[conn.LocalID()] = time.Now()
	t.mu.Unlock()

	if err := t.sendOuter(ackBytes, from); err != nil {
		t.log.Warn().Err(err).Msg("send handshake ack failed")
		return
	}
	select {
	case t.acceptCh <- conn:
	default:
		t.log.Warn().Msg("accept queue full, dropping inbound connection")
	}
}

func (t *Transport) handleHandshakeAck(ack *protocol.HandshakeAck) {
	t.mu.RLock()
	conn, ok := t.byLocalID[ack.TargetID]
	t.mu.RUnlock()
	if !ok {
		t.log.Debug().Uint32("target_id", ack.TargetID).Msg("handshake ack for unknown connection, dropping")
		return
	}
	if err := conn.HandleHandshakeAck(ack); err != nil {
		t.log.Warn().Err(err).Msg("handshake ack rejected")
	}
}

func (t *Transport) handleEncrypted(enc *protocol.Encrypted) {
	t.mu.RLock()
	conn, ok := t.byLocalID[enc.TargetID]
	t.mu.RUnlock()
	if !ok {
		t.log.Debug().Uint32("target_id", enc.TargetID).Msg("encrypted packet for unknown connection, dropping")
		return
	}
	if err := conn.HandleEncrypted(enc); err != nil {
		t.log.Debug().Err(err).Msg("decrypt/dispatch failed")
	}
}

func (t *Transport) maintenanceLoop() {
	ticker := time.NewTicker(t.cfg.MaintenanceTick)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			t.runMaintenance()
		}
	}
}

func (t *Transport) runMaintenance() {
	t.mu.RLock()
	conns := make([]*peer.Connection, 0, len(t.byLocalID))
	for _, c := range t.byLocalID {
		conns = append(conns, c)
	}
	t.mu.RUnlock()

	now := time.Now()
	for _, c := range conns {
		c.MaybeHeartbeat()
		c.CheckIdle()
		if c.State() == peer.StateFailed || c.State() == peer.StateClosed {
			t.unregister(c)
			continue
		}
		if c.State() != peer.StateEstablished {
			continue
		}
		t.mu.RLock()
		since, ok := t.establishedAt[c.LocalID()]
		t.mu.RUnlock()
		if ok && now.Sub(since) >= t.cfg.RotationInterval {
			if err := c.BeginRotation(); err != nil {
				t.log.Debug().Err(err).Msg("scheduled rotation skipped")
				continue
			}
			t.mu.Lock()
			t.establishedAt[c.LocalID()] = now
			t.mu.Unlock()
		}
	}
}

func randomSourceID() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// Close releases the UDP socket and stops every background loop. Peer
// connections are not notified; liveness failure is how they find out.
func (t *Transport) Close() error {
	t.closeOne.Do(func() {
		close(t.closed)
		t.serverConn.Close()
	})
	return t.conn.Close()
}
