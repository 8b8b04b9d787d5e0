// Package discovery implements the transport's long-lived session with the
// coordination server: registration, heartbeats, and peer rendezvous
// requests.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/duskline/duskline/pkg/identity"
	"github.com/duskline/duskline/pkg/logging"
	"github.com/duskline/duskline/pkg/serverproto"
)

// State is the server connection's lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateRegistered
	StateHeartbeating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateHeartbeating:
		return "heartbeating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed indicates a request was made after Close.
	ErrClosed = errors.New("server connection closed")
	// ErrTimeout indicates a pending request's deadline elapsed unanswered.
	ErrTimeout = errors.New("server request timed out")
)

// RegisterError wraps a server-reported registration failure code.
type RegisterError struct{ Code uint8 }

func (e *RegisterError) Error() string { return fmt.Sprintf("register rejected: code %d", e.Code) }

// ConnectError wraps a server-reported connect-brokering failure code.
type ConnectError struct{ Code uint8 }

func (e *ConnectError) Error() string { return fmt.Sprintf("connect rejected: code %d", e.Code) }

// Config controls timers for the server connection's heartbeat and retry
// policy.
type Config struct {
	ServerInterval   time.Duration
	IdleMissedLimit  int
	RequestTimeout   time.Duration
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
}

// DefaultConfig returns timers matching the spec's suggested values.
func DefaultConfig() Config {
	return Config{
		ServerInterval:  10 * time.Second,
		IdleMissedLimit: 3,
		RequestTimeout:  2 * time.Second,
		RetryBaseDelay:  250 * time.Millisecond,
		RetryMaxDelay:   8 * time.Second,
	}
}

// pendingRequest is a single in-flight server request awaiting a response
// keyed by request_id.
type pendingRequest struct {
	respCh chan serverproto.Response
}

// ServerConn is the transport's session with one coordination server. It
// does not own the UDP socket: the owning Transport supplies a send
// function and feeds inbound responses via HandleResponse.
type ServerConn struct {
	send       func([]byte) error
	serverAddr *net.UDPAddr
	ourAddress identity.Address
	ourPubKey  []byte
	cfg        Config
	log        zerolog.Logger

	state int32

	mu      sync.Mutex
	pending map[uint32]*pendingRequest
	nextID  uint32

	missedHeartbeats int

	incoming chan serverproto.IncomingConnection
	closed   chan struct{}
	closeOne sync.Once
}

// New creates a ServerConn. send transmits a raw datagram to the
// coordination server via the transport's shared socket.
func New(send func([]byte) error, serverAddr *net.UDPAddr, ourAddress identity.Address, ourPubKey []byte, cfg Config) *ServerConn {
	return &ServerConn{
		send:       send,
		serverAddr: serverAddr,
		ourAddress: ourAddress,
		ourPubKey:  ourPubKey,
		cfg:        cfg,
		log:        logging.For("discovery"),
		state:      int32(StateConnecting),
		pending:    make(map[uint32]*pendingRequest),
		incoming:   make(chan serverproto.IncomingConnection, 32),
		closed:     make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *ServerConn) State() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *ServerConn) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
}

// Register sends a Register request and retries with exponential backoff
// until it succeeds, the server rejects it, or ctx is done.
func (c *ServerConn) Register(ctx context.Context) error {
	delay := c.cfg.RetryBaseDelay
	for {
		reqID := c.allocRequestID()
		req := serverproto.RegisterRequest{RequestID: reqID, PublicKey: c.ourPubKey, Address: c.ourAddress}
		resp, err := c.doRequest(ctx, reqID, req.EncodeRequest())
		if err == nil {
			switch r := resp.(type) {
			case serverproto.RegisterResponse:
				c.setState(StateRegistered)
				return nil
			case serverproto.RegisterError:
				return &RegisterError{Code: r.Code}
			}
		}
		if !errors.Is(err, ErrTimeout) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.RetryMaxDelay {
			delay = c.cfg.RetryMaxDelay
		}
	}
}

// Run drives the heartbeat loop until ctx is done or Close is called.
func (c *ServerConn) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ServerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			c.heartbeatOnce(ctx)
		}
	}
}

func (c *ServerConn) heartbeatOnce(ctx context.Context) {
	c.setState(StateHeartbeating)
	hbCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	// Heartbeat responses carry no request_id to correlate against, so each
	// heartbeat counts as missed up front and HandleResponse resets the
	// counter when a HeartbeatResponse arrives within the request timeout.
	c.mu.Lock()
	c.missedHeartbeats++
	c.mu.Unlock()
	if err := c.send(serverproto.HeartbeatRequest{}.EncodeRequest()); err != nil {
		c.log.Warn().Err(err).Msg("heartbeat send failed")
	}
	select {
	case <-hbCtx.Done():
	case <-c.closed:
		return
	}
	c.mu.Lock()
	missed := c.missedHeartbeats
	c.mu.Unlock()
	if missed >= c.cfg.IdleMissedLimit {
		c.log.Warn().Int("missed", missed).Msg("missed heartbeat limit reached, re-registering")
		if err := c.Register(ctx); err == nil {
			c.mu.Lock()
			c.missedHeartbeats = 0
			c.mu.Unlock()
		}
	}
}

// ConnectPeer asks the server to broker an introduction to target and
// returns the peer's public key and UDP endpoint.
func (c *ServerConn) ConnectPeer(ctx context.Context, target identity.Address, sourceID uint32) ([]byte, *net.UDPAddr, error) {
	reqID := c.allocRequestID()
	req := serverproto.ConnectRequest{RequestID: reqID, TargetAddress: target, SourceID: sourceID}
	resp, err := c.doRequest(ctx, reqID, req.EncodeRequest())
	if err != nil {
		return nil, nil, err
	}
	switch r := resp.(type) {
	case serverproto.ConnectResponse:
		return r.PeerPublicKey, r.PeerEndpoint, nil
	case serverproto.ConnectError:
		return nil, nil, &ConnectError{Code: r.Code}
	default:
		return nil, nil, fmt.Errorf("unexpected response to Connect: %T", resp)
	}
}

// RecvIncoming returns the channel of IncomingConnection notifications the
// server sends when another peer wants to rendezvous with us.
func (c *ServerConn) RecvIncoming() <-chan serverproto.IncomingConnection {
	return c.incoming
}

// HandleResponse delivers a decoded server response to the pending waiter
// (if any) or to the incoming-connection channel.
func (c *ServerConn) HandleResponse(resp serverproto.Response) {
	switch r := resp.(type) {
	case serverproto.HeartbeatResponse:
		c.mu.Lock()
		c.missedHeartbeats = 0
		c.mu.Unlock()
	case serverproto.RegisterResponse:
		c.deliver(r.RequestID, resp)
	case serverproto.RegisterError:
		c.deliver(r.RequestID, resp)
	case serverproto.ConnectResponse:
		c.deliver(r.RequestID, resp)
	case serverproto.ConnectError:
		c.deliver(r.RequestID, resp)
	case serverproto.IncomingConnection:
		select {
		case c.incoming <- r:
		default:
			c.log.Warn().Msg("incoming connection queue full, dropping notification")
		}
	}
}

func (c *ServerConn) deliver(reqID uint32, resp serverproto.Response) {
	c.mu.Lock()
	p, ok := c.pending[reqID]
	if ok {
		delete(c.pending, reqID)
	}
	c.mu.Unlock()
	if ok {
		p.respCh <- resp
	}
}

func (c *ServerConn) allocRequestID() uint32 {
	return atomic.AddUint32(&c.nextID, 1)
}

func (c *ServerConn) doRequest(ctx context.Context, reqID uint32, encoded []byte) (serverproto.Response, error) {
	if c.State() == StateClosed {
		return nil, ErrClosed
	}
	p := &pendingRequest{respCh: make(chan serverproto.Response, 1)}
	c.mu.Lock()
	c.pending[reqID] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	if err := c.send(encoded); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	select {
	case resp := <-p.respCh:
		return resp, nil
	case <-reqCtx.Done():
		return nil, ErrTimeout
	case <-c.closed:
		return nil, ErrClosed
	}
}

// Close tears down the server connection; pending requests are released
// with ErrClosed and the heartbeat loop stops.
func (c *ServerConn) Close() {
	c.closeOne.Do(func() {
		c.setState(StateClosed)
		close(c.closed)
	})
}
