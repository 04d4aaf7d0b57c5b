// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package pool implements the connection-pool abstraction shared by the
// Electrum and peer-to-peer layers: maintaining a target number of
// healthy connections, scoring peers, a redial keepalive loop, and
// quorum-aware RPC dispatch. It is generic over peer.Transport, so the
// same pool type backs both protocols.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"

	"github.com/lvnilesh/spruned/peer"
)

const (
	defaultRequiredConnections = 3
	defaultKeepaliveInterval   = 10 * time.Second
	maxServerPickAttempts      = 100
	maxSelectionAttempts       = 100
	errorPingTimeout           = 2 * time.Second
)

var (
	ErrNoPeers          = errors.New("pool: no usable peers available")
	ErrMissingResponse  = errors.New("pool: fewer responses than required agreement")
	ErrInvalidArgs      = errors.New("pool: invalid call arguments")
)

// NoQuorumError is raised when collected responses disagree past
// tolerance; it carries the divergent set for observability.
type NoQuorumError struct {
	Method    string
	Responses []any
}

func (e *NoQuorumError) Error() string {
	return fmt.Sprintf("pool: no quorum for %s among %d responses", e.Method, len(e.Responses))
}

// ServerSpec identifies a dialable backend the pool may connect to.
type ServerSpec struct {
	Host     string
	Port     string
	Protocol peer.Protocol
}

func (s ServerSpec) addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

// PeerFactory builds a not-yet-connected Peer for the given server spec.
// Supplied by callers so the pool stays agnostic to the wire protocol.
type PeerFactory func(spec ServerSpec) *peer.Peer

// Config parameterizes a Pool.
type Config struct {
	// RequiredConnections is the target number of usable peers the
	// keepalive loop tries to maintain.
	RequiredConnections int
	// Servers is the universe of dialable backends.
	Servers []ServerSpec
	// KeepaliveInterval overrides the default 10s tick, used in tests.
	KeepaliveInterval time.Duration
	// KeepaliveTicker, if set, overrides the ticker implementation
	// entirely (tests use this to drive ticks deterministically,
	// following lnd/ticker.Ticker's own test-ticker convention).
	KeepaliveTicker ticker.Ticker
}

// Pool maintains a target number of healthy peer connections and serves
// selection and quorum-dispatch requests against them. The pool
// exclusively owns its peers: callers only ever hold handles returned by
// selection operations, which do not outlive the pool.
type Pool struct {
	cfg     Config
	factory PeerFactory

	mu    sync.RWMutex
	peers map[string]*peer.Peer

	rng *rand.Rand

	tick ticker.Ticker
	quit chan struct{}
	wg   sync.WaitGroup

	stopOnce sync.Once
}

// New builds a Pool. Call Start to begin the keepalive loop.
func New(cfg Config, factory PeerFactory) *Pool {
	if cfg.RequiredConnections <= 0 {
		cfg.RequiredConnections = defaultRequiredConnections
	}
	tick := cfg.KeepaliveTicker
	if tick == nil {
		interval := cfg.KeepaliveInterval
		if interval <= 0 {
			interval = defaultKeepaliveInterval
		}
		tick = ticker.New(interval)
	}
	return &Pool{
		cfg:     cfg,
		factory: factory,
		peers:   make(map[string]*peer.Peer),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		tick:    tick,
		quit:    make(chan struct{}),
	}
}

// Start launches the keepalive loop. It returns once the first
// connection attempt round has been made, the way
// PrunedBlockDispatcher.Start synchronously attempts a first round of
// connections before backgrounding the poller.
func (p *Pool) Start(ctx context.Context) error {
	p.connectMissing(ctx)

	p.tick.Resume()
	p.wg.Add(1)
	go p.keepaliveLoop(ctx)
	return nil
}

// Stop signals the keepalive loop to exit and waits for it to finish.
// Pending RPCs are not cancelled; they complete or time out naturally.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
	p.tick.Stop()

	p.mu.Lock()
	peers := make([]*peer.Peer, 0, len(p.peers))
	for _, pr := range p.peers {
		peers = append(peers, pr)
	}
	p.mu.Unlock()
	for _, pr := range peers {
		pr.Disconnect()
	}
}

func (p *Pool) keepaliveLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.tick.Ticks():
			p.connectMissing(ctx)
		case <-p.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// connectMissing computes how many more usable peers are needed and
// launches that many connects concurrently against distinct, not
// currently represented servers.
func (p *Pool) connectMissing(ctx context.Context) {
	missing := p.cfg.RequiredConnections - p.usableCount()
	if missing <= 0 {
		return
	}

	candidates := p.pickServers(missing)
	var wg sync.WaitGroup
	for _, spec := range candidates {
		spec := spec
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.dialOne(ctx, spec)
		}()
	}
	wg.Wait()
}

func (p *Pool) dialOne(ctx context.Context, spec ServerSpec) {
	pr := p.factory(spec)

	p.mu.Lock()
	p.peers[spec.addr()] = pr
	p.mu.Unlock()

	if err := pr.Connect(ctx); err != nil {
		log.Debugf("pool: failed to connect to %s: %v", spec.addr(), err)
		p.mu.Lock()
		delete(p.peers, spec.addr())
		p.mu.Unlock()
		return
	}

	go p.watchErrors(ctx, pr)
}

// watchErrors implements the peer-error policy: on any error event, if
// the peer's score has reached zero, disconnect it; otherwise probe
// liveness and disconnect on ping failure. Dead peers are replaced by the
// next keepalive tick, not immediately.
func (p *Pool) watchErrors(ctx context.Context, pr *peer.Peer) {
	events := pr.Events()
	for {
		select {
		case ev, ok := <-events.OnError:
			if !ok {
				return
			}
			log.Debugf("pool: peer %s reported error: %v", ev.Peer.Addr(), ev.Err)
			if ev.Peer.Score() == 0 {
				p.evict(ev.Peer)
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, errorPingTimeout)
			_, err := ev.Peer.Ping(pingCtx)
			cancel()
			if err != nil {
				p.evict(ev.Peer)
				return
			}
		case <-events.OnDisconnect:
			p.evict(pr)
			return
		case <-p.quit:
			return
		}
	}
}

func (p *Pool) evict(pr *peer.Peer) {
	pr.Disconnect()
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, cur := range p.peers {
		if cur == pr {
			delete(p.peers, addr)
			return
		}
	}
}

// pickServers chooses up to n distinct servers from the configured list
// that are not currently represented in the pool, uniformly at random,
// bounded by maxServerPickAttempts.
func (p *Pool) pickServers(n int) []ServerSpec {
	if len(p.cfg.Servers) == 0 {
		return nil
	}

	p.mu.RLock()
	existing := make(map[string]struct{}, len(p.peers))
	for addr := range p.peers {
		existing[addr] = struct{}{}
	}
	p.mu.RUnlock()

	chosen := make(map[string]ServerSpec)
	for attempt := 0; attempt < maxServerPickAttempts && len(chosen) < n; attempt++ {
		spec := p.cfg.Servers[p.rng.Intn(len(p.cfg.Servers))]
		if _, taken := existing[spec.addr()]; taken {
			continue
		}
		if _, already := chosen[spec.addr()]; already {
			continue
		}
		chosen[spec.addr()] = spec
	}

	out := make([]ServerSpec, 0, len(chosen))
	for _, spec := range chosen {
		out = append(out, spec)
	}
	return out
}

func (p *Pool) usableCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, pr := range p.peers {
		if pr.Usable() {
			n++
		}
	}
	return n
}

func (p *Pool) usablePeers() []*peer.Peer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*peer.Peer, 0, len(p.peers))
	for _, pr := range p.peers {
		if pr.Usable() {
			out = append(out, pr)
		}
	}
	return out
}

// PickOne returns a uniformly-random usable peer.
func (p *Pool) PickOne() (*peer.Peer, error) {
	peers := p.usablePeers()
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}
	return peers[p.rng.Intn(len(peers))], nil
}

// PickMany returns k distinct usable peers, or ErrNoPeers if fewer than k
// are available.
func (p *Pool) PickMany(k int) ([]*peer.Peer, error) {
	peers := p.usablePeers()
	if len(peers) < k {
		return nil, ErrNoPeers
	}
	p.rng.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})
	return peers[:k], nil
}

// CallResult is returned by Call: Value is the agreed-upon response, Peer
// is set only when agreement == 1 and the caller asked for it.
type CallResult struct {
	Value any
	Peer  *peer.Peer
}

// Call dispatches method/params to `agreement` distinct peers in
// parallel and applies the agreement rule. agreement == 1 simply returns
// the one response; agreement > 1 requires at least `agreement` of the
// collected responses to be structurally equal (post-normalisation)
// before accepting one of them. return_peer is only valid with
// agreement == 1.
func (p *Pool) Call(ctx context.Context, method string, params any, agreement int, returnPeer bool) (*CallResult, error) {
	if agreement < 1 {
		return nil, fmt.Errorf("%w: agreement must be >= 1", ErrInvalidArgs)
	}
	if returnPeer && agreement != 1 {
		return nil, fmt.Errorf("%w: return_peer requires agreement == 1", ErrInvalidArgs)
	}

	peers, err := p.PickMany(agreement)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		peer  *peer.Peer
		value any
		err   error
	}
	results := make(chan outcome, len(peers))
	for _, pr := range peers {
		pr := pr
		go func() {
			v, err := pr.RPC(ctx, method, params)
			results <- outcome{peer: pr, value: v, err: err}
		}()
	}

	var values []any
	var peersUsed []*peer.Peer
	for i := 0; i < len(peers); i++ {
		out := <-results
		if out.err != nil {
			continue
		}
		values = append(values, out.value)
		peersUsed = append(peersUsed, out.peer)
	}

	if len(values) < agreement {
		return nil, fmt.Errorf("%w: got %d of %d required", ErrMissingResponse, len(values), agreement)
	}

	if agreement == 1 {
		result := &CallResult{Value: values[0]}
		if returnPeer {
			result.Peer = peersUsed[0]
		}
		return result, nil
	}

	accepted, ok := acceptByAgreement(values, agreement)
	if !ok {
		return nil, &NoQuorumError{Method: method, Responses: values}
	}
	return &CallResult{Value: accepted}, nil
}

// acceptByAgreement returns a value that equals at least `agreement` of
// the collected values (strict equality), or false if none qualifies.
func acceptByAgreement(values []any, agreement int) (any, bool) {
	counts := make([]int, len(values))
	for i := range values {
		for j := range values {
			if valuesEqual(values[i], values[j]) {
				counts[i]++
			}
		}
	}
	for i, c := range counts {
		if c >= agreement {
			return values[i], true
		}
	}
	return nil, false
}

func valuesEqual(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
