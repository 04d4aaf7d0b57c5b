// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package peer models one bidirectional link to a remote Bitcoin P2P node
// or Electrum server: connection lifecycle, request/response, long-lived
// subscriptions, liveness probing, and a reliability score. It is
// protocol-agnostic; the wire-level work is delegated to a Transport
// implementation (see the sibling p2p and electrum packages).
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Protocol names the wire protocol a Peer speaks.
type Protocol string

const (
	ProtocolP2P      Protocol = "p2p"
	ProtocolElectrum Protocol = "electrum"
)

// State is the Peer's connection lifecycle state.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateErrored
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// initialScore is the score a freshly connected peer starts at.
	initialScore = 10
	// connectErrorPenalty is subtracted from score on a failed connect.
	connectErrorPenalty = 4
	// rpcErrorPenalty is subtracted from score on an RPC/subscription
	// failure (timeout or transport error).
	rpcErrorPenalty = 1
	// defaultRPCTimeout is the default per-call deadline for rpc().
	defaultRPCTimeout = 10 * time.Second
	// defaultPingTimeout bounds liveness probes issued by the pool.
	defaultPingTimeout = 2 * time.Second
)

var (
	ErrTransport = errors.New("peer: transport error")
	ErrTimeout   = errors.New("peer: rpc timed out")
	ErrClosed    = errors.New("peer: peer is closed")
)

// Transport performs the protocol-specific wire work for a Peer. A P2P
// implementation speaks the Bitcoin version handshake and inv/getdata
// framing; an Electrum implementation speaks line-delimited JSON-RPC 1.0.
type Transport interface {
	// Connect opens the connection (optionally through an anonymising
	// overlay) and performs the protocol handshake.
	Connect(ctx context.Context) error
	// Call issues a synchronous request and returns its response.
	Call(ctx context.Context, method string, args any) (any, error)
	// Subscribe installs a long-lived subscription. onUpdate is invoked
	// for every push received after the first response, which is
	// returned directly.
	Subscribe(ctx context.Context, channel string, onUpdate func(any)) (any, error)
	// Ping measures round-trip latency, or returns an error if the peer
	// does not answer within ctx's deadline.
	Ping(ctx context.Context) error
	// Close best-effort tears down the underlying connection.
	Close() error
}

// Peer is one connection managed exclusively by a ConnectionPool. Callers
// outside the pool should treat a *Peer as a short-lived, non-owning
// handle obtained from the pool's selection operations; it does not
// outlive the pool.
type Peer struct {
	Host     string
	Port     string
	Protocol Protocol

	transport Transport
	events    *Events

	mu          sync.RWMutex
	state       State
	score       int
	connected   bool
	lastSeen    time.Time
	subs        map[string]struct{}
	rpcTimeout  time.Duration
}

// New constructs a Peer in StateNew, not yet connected.
func New(host, port string, protocol Protocol, transport Transport) *Peer {
	return &Peer{
		Host:       host,
		Port:       port,
		Protocol:   protocol,
		transport:  transport,
		events:     newEvents(),
		state:      StateNew,
		score:      initialScore,
		subs:       make(map[string]struct{}),
		rpcTimeout: defaultRPCTimeout,
	}
}

// Addr returns the peer's dial address as host:port.
func (p *Peer) Addr() string {
	return fmt.Sprintf("%s:%s", p.Host, p.Port)
}

// Events returns the peer's typed event channels for subscribers.
func (p *Peer) Events() *Events {
	return p.events
}

// Score returns the peer's current reliability score.
func (p *Peer) Score() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.score
}

// State returns the peer's current lifecycle state.
func (p *Peer) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Usable reports whether the peer is connected and has a positive score.
func (p *Peer) Usable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected && p.score > 0
}

// Connect opens the transport and performs the handshake. On failure the
// score is decremented by connectErrorPenalty and an ErrorEvent fires.
func (p *Peer) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.state = StateConnecting
	p.mu.Unlock()

	if err := p.transport.Connect(ctx); err != nil {
		p.mu.Lock()
		p.state = StateClosed
		p.score -= connectErrorPenalty
		if p.score < 0 {
			p.score = 0
		}
		p.mu.Unlock()
		wrapped := fmt.Errorf("%w: connect to %s: %v", ErrTransport, p.Addr(), err)
		p.events.publish(ErrorEvent{Peer: p, Err: wrapped})
		return wrapped
	}

	p.mu.Lock()
	p.state = StateConnected
	p.connected = true
	p.lastSeen = time.Now()
	p.mu.Unlock()

	p.events.publish(ConnectEvent{Peer: p})
	return nil
}

// RPC issues a synchronous request with a per-call deadline. Timeouts and
// transport errors decrement score and raise an ErrorEvent, but never
// close the connection themselves; that is the pool's job.
func (p *Peer) RPC(ctx context.Context, method string, args any) (any, error) {
	p.mu.RLock()
	timeout := p.rpcTimeout
	closed := p.state == StateClosed
	p.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := p.transport.Call(callCtx, method, args)
	if err != nil {
		return nil, p.recordRPCFailure(method, err)
	}

	p.mu.Lock()
	p.lastSeen = time.Now()
	if p.state == StateErrored {
		p.state = StateConnected
	}
	p.mu.Unlock()
	return result, nil
}

func (p *Peer) recordRPCFailure(method string, err error) error {
	p.mu.Lock()
	p.state = StateErrored
	p.score -= rpcErrorPenalty
	if p.score < 0 {
		p.score = 0
	}
	p.mu.Unlock()

	var wrapped error
	if errors.Is(err, context.DeadlineExceeded) {
		wrapped = fmt.Errorf("%w: %s on %s", ErrTimeout, method, p.Addr())
	} else {
		wrapped = fmt.Errorf("%w: %s on %s: %v", ErrTransport, method, p.Addr(), err)
	}
	p.events.publish(ErrorEvent{Peer: p, Err: wrapped})
	return wrapped
}

// Subscribe installs a long-lived subscription, delivering the first
// response synchronously and subsequent pushes via onUpdate.
func (p *Peer) Subscribe(ctx context.Context, channel string, onUpdate func(any)) (any, error) {
	first, err := p.transport.Subscribe(ctx, channel, onUpdate)
	if err != nil {
		return nil, p.recordRPCFailure("subscribe:"+channel, err)
	}
	p.mu.Lock()
	p.subs[channel] = struct{}{}
	p.mu.Unlock()
	return first, nil
}

// Ping probes liveness with a short timeout, used by the pool to decide
// whether an errored peer should be disconnected.
func (p *Peer) Ping(ctx context.Context) (time.Duration, error) {
	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	start := time.Now()
	if err := p.transport.Ping(pingCtx); err != nil {
		return 0, fmt.Errorf("%w: ping %s: %v", ErrTimeout, p.Addr(), err)
	}
	return time.Since(start), nil
}

// Disconnect best-effort closes the connection and marks the peer
// ineligible for selection. Closed is terminal: a fresh Peer must be
// created to retry.
func (p *Peer) Disconnect() {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = StateClosed
	p.connected = false
	p.mu.Unlock()

	_ = p.transport.Close()
	p.events.publish(DisconnectEvent{Peer: p})
}

// SetScore forcibly sets the peer's score, clamped to >= 0. The reactors
// penalize protocol-level misbehavior (e.g. a header that fails
// validation) through Penalize, not through SetScore.
func (p *Peer) SetScore(score int) {
	if score < 0 {
		score = 0
	}
	p.mu.Lock()
	p.score = score
	p.mu.Unlock()
}

// Penalize decreases the peer's score by delta, clamped to >= 0.
func (p *Peer) Penalize(delta int) {
	p.mu.Lock()
	p.score -= delta
	if p.score < 0 {
		p.score = 0
	}
	p.mu.Unlock()
}

// LastSeen returns the time of the peer's last successful exchange.
func (p *Peer) LastSeen() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeen
}
