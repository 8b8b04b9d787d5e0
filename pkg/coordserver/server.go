// Package coordserver implements the stateless UDP coordination server: a
// registry and connection broker for peers rendezvousing over the mesh.
package coordserver

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/duskline/duskline/pkg/identity"
	"github.com/duskline/duskline/pkg/logging"
	"github.com/duskline/duskline/pkg/serverproto"
)

// recvBufferSize is the size of the buffer the receive loop reads each
// datagram into; UDP datagrams never exceed 65,507 bytes.
const recvBufferSize = 65536

// Server is the coordination server: one UDP socket, one client registry,
// and a periodic eviction sweep.
type Server struct {
	conn             *net.UDPConn
	store            ClientStore
	log              zerolog.Logger
	registrationTTL  time.Duration
	evictionInterval time.Duration
	closed           chan struct{}
}

// Option configures optional Server behavior.
type Option func(*Server)

// WithRegistrationTimeout overrides the default 32s client timeout.
func WithRegistrationTimeout(d time.Duration) Option {
	return func(s *Server) { s.registrationTTL = d }
}

// WithEvictionInterval overrides the default 10s eviction sweep period.
func WithEvictionInterval(d time.Duration) Option {
	return func(s *Server) { s.evictionInterval = d }
}

// WithClientStore overrides the default in-memory ClientStore, e.g. with a
// RedisClientStore for multi-process deployments.
func WithClientStore(store ClientStore) Option {
	return func(s *Server) { s.store = store }
}

// New binds listenAddr and returns a Server ready to Run.
func New(listenAddr string, opts ...Option) (*Server, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address %q: %w", listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %q: %w", listenAddr, err)
	}
	s := &Server{
		conn:             conn,
		store:            NewMemoryStore(),
		log:              logging.For("coordserver"),
		registrationTTL:  32 * time.Second,
		evictionInterval: 10 * time.Second,
		closed:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LocalAddr returns the bound UDP address, useful when listenAddr used port 0.
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Run drives the receive loop and the eviction sweep until Close is called.
// It returns once the socket is closed.
func (s *Server) Run() error {
	go s.evictionLoop()

	buf := make([]byte, recvBufferSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			s.log.Warn().Err(err).Msg("receive failed")
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		s.handleDatagram(datagram, from)
	}
}

// Close stops the receive loop and eviction sweep and releases the socket.
func (s *Server) Close() error {
	close(s.closed)
	return s.conn.Close()
}

func (s *Server) handleDatagram(data []byte, from *net.UDPAddr) {
	req, err := serverproto.DecodeRequest(data)
	if err != nil {
		s.log.Warn().Err(err).Stringer("from", from).Msg("malformed datagram, dropping")
		return
	}
	switch r := req.(type) {
	case serverproto.HeartbeatRequest:
		s.handleHeartbeat(from)
	case serverproto.RegisterRequest:
		s.handleRegister(r, from)
	case serverproto.ConnectRequest:
		s.handleConnect(r, from)
	default:
		s.log.Warn().Stringer("from", from).Msg("unrecognized request type, dropping")
	}
}

func (s *Server) handleHeartbeat(from *net.UDPAddr) {
	info, ok := s.store.GetByEndpoint(from)
	if !ok {
		s.log.Debug().Stringer("from", from).Msg("heartbeat from unregistered endpoint, dropping")
		return
	}
	s.store.Touch(info.Address)
	s.send(serverproto.HeartbeatResponse{}, from)
}

func (s *Server) handleRegister(req serverproto.RegisterRequest, from *net.UDPAddr) {
	pub, err := identity.ParsePublicKey(req.PublicKey)
	if err != nil {
		s.log.Debug().Err(err).Stringer("from", from).Msg("register: invalid public key")
		s.send(serverproto.RegisterError{RequestID: req.RequestID, Code: serverproto.ErrInvalidPublicKey}, from)
		return
	}
	derived, err := identity.DeriveAddress(pub)
	if err != nil {
		s.log.Debug().Err(err).Stringer("from", from).Msg("register: address derivation failed")
		s.send(serverproto.RegisterError{RequestID: req.RequestID, Code: serverproto.ErrAddressDeriveFailure}, from)
		return
	}
	if derived != req.Address {
		s.log.Debug().Stringer("from", from).Msg("register: address mismatch")
		s.send(serverproto.RegisterError{RequestID: req.RequestID, Code: serverproto.ErrAddressMismatch}, from)
		return
	}
	s.store.Put(ClientInfo{
		Address:   req.Address,
		PublicKey: req.PublicKey,
		Endpoint:  from,
		LastSeen:  time.Now(),
	})
	s.log.Info().Str("address", req.Address.String()).Stringer("endpoint", from).Msg("client registered")
	s.send(serverproto.RegisterResponse{RequestID: req.RequestID}, from)
}

func (s *Server) handleConnect(req serverproto.ConnectRequest, from *net.UDPAddr) {
	requester, ok := s.store.GetByEndpoint(from)
	if !ok {
		s.send(serverproto.ConnectError{RequestID: req.RequestID, Code: serverproto.ErrNotRegistered}, from)
		return
	}
	if req.TargetAddress == requester.Address {
		s.send(serverproto.ConnectError{RequestID: req.RequestID, Code: serverproto.ErrSelfConnect}, from)
		return
	}
	target, ok := s.store.Get(req.TargetAddress)
	if !ok {
		s.send(serverproto.ConnectError{RequestID: req.RequestID, Code: serverproto.ErrPeerNotFound}, from)
		return
	}

	s.send(serverproto.ConnectResponse{
		RequestID:     req.RequestID,
		PeerPublicKey: target.PublicKey,
		PeerAddress:   target.Address,
		PeerEndpoint:  target.Endpoint,
	}, from)

	s.send(serverproto.IncomingConnection{
		RequesterPublicKey: requester.PublicKey,
		RequesterAddress:   requester.Address,
		RequesterEndpoint:  from,
		SourceID:           req.SourceID,
	}, target.Endpoint)
}

func (s *Server) send(resp serverproto.Response, to *net.UDPAddr) {
	if _, err := s.conn.WriteToUDP(resp.EncodeResponse(), to); err != nil {
		s.log.Warn().Err(err).Stringer("to", to).Msg("send failed")
	}
}

func (s *Server) evictionLoop() {
	ticker := time.NewTicker(s.evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.registrationTTL)
			evicted := s.store.EvictOlderThan(cutoff)
			for _, addr := range evicted {
				s.log.Info().Str("address", addr.String()).Msg("evicted stale client")
			}
		}
	}
}
