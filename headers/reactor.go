// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package headers

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/lvnilesh/spruned/peer"
)

const (
	// SafetyWindow is how far back from the local tip the reactor always
	// re-requests headers for, to recover shallow reorgs.
	SafetyWindow = 6
	// DefaultMaxReorgDepth bounds how deep a reorg is accepted before the
	// reactor refuses it and penalizes the proposing peer.
	DefaultMaxReorgDepth = 100
	// defaultTickInterval is how often the reactor polls for new headers
	// absent a push from a subscribed peer.
	defaultTickInterval = 30 * time.Second
	// numQueryPeers is how many peers are asked for headers each round.
	numQueryPeers = 3
	// validationPenalty is applied to a peer proposing an invalid header.
	validationPenalty = 4
	// reorgTooDeepPenalty is applied to a peer proposing a too-deep reorg.
	reorgTooDeepPenalty = 10
)

var (
	ErrValidation    = errors.New("headers: header failed validation")
	ErrReorgTooDeep  = errors.New("headers: reorg exceeds configured limit")
	ErrNoCommonAncestor = errors.New("headers: no common ancestor found with peer's chain")
)

// Repository persists the validated chain. It is an external collaborator
// (the on-disk key-value store is out of this specification's core) with
// a narrow, explicit contract: header storage by height, removal of
// everything above a height for reorg rollback, and tip lookup. The default implementation lives in the sibling repository
// package, backed by bbolt.
type Repository interface {
	SaveHeader(h Header) error
	DeleteAbove(height int32) error
	Tip() (Header, bool, error)
}

// PeerSource is the subset of pool.Pool the reactor needs: selecting
// distinct usable peers to query for headers.
type PeerSource interface {
	PickMany(k int) ([]*peer.Peer, error)
}

// RollbackEvent fires for each height being removed during a reorg,
// descending from the old tip.
type RollbackEvent struct {
	Header Header
}

// ApplyEvent fires for each newly accepted header, in ascending height
// order — both during normal extension and during a reorg's reapply
// phase.
type ApplyEvent struct {
	Header Header
}

// Events is the reactor's typed event-channel fan-out, replacing a
// heterogeneous callback list with one channel per event kind.
type Events struct {
	OnRollback chan RollbackEvent
	OnApply    chan ApplyEvent
}

func newReactorEvents() *Events {
	const bufSize = 64
	return &Events{
		OnRollback: make(chan RollbackEvent, bufSize),
		OnApply:    make(chan ApplyEvent, bufSize),
	}
}

// Config parameterizes a Reactor.
type Config struct {
	ChainParams   *chaincfg.Params
	MaxReorgDepth int32
	TickInterval  time.Duration
	Ticker        ticker.Ticker
}

// Reactor drives a peer pool to produce a validated longest header chain,
// persisting it through Repository and fanning out new-header events in
// chain order.
type Reactor struct {
	cfg    Config
	chain  *Chain
	repo   Repository
	source PeerSource
	events *Events

	mu   sync.Mutex
	quit chan struct{}
	wg   sync.WaitGroup
}

// NewReactor builds a Reactor seeded from whatever the repository already
// has persisted (or an empty chain, to be seeded with a genesis header by
// the caller).
func NewReactor(cfg Config, repo Repository, source PeerSource) (*Reactor, error) {
	if cfg.MaxReorgDepth <= 0 {
		cfg.MaxReorgDepth = DefaultMaxReorgDepth
	}
	tick := cfg.Ticker
	if tick == nil {
		interval := cfg.TickInterval
		if interval <= 0 {
			interval = defaultTickInterval
		}
		tick = ticker.New(interval)
	}
	cfg.Ticker = tick

	chain := NewChain()
	if tip, ok, err := repo.Tip(); err != nil {
		return nil, fmt.Errorf("headers: loading persisted tip: %w", err)
	} else if ok {
		chain.SeedTip(tip)
	}

	return &Reactor{
		cfg:    cfg,
		chain:  chain,
		repo:   repo,
		source: source,
		events: newReactorEvents(),
		quit:   make(chan struct{}),
	}, nil
}

// Events returns the reactor's event channels.
func (r *Reactor) Events() *Events {
	return r.events
}

// Chain returns the reactor's header chain for read access (e.g. by
// getblockheader and getblockhash handlers).
func (r *Reactor) Chain() *Chain {
	return r.chain
}

// Start begins the synchronisation loop.
func (r *Reactor) Start(ctx context.Context) {
	r.cfg.Ticker.Resume()
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop halts the synchronisation loop and waits for it to exit.
func (r *Reactor) Stop() {
	close(r.quit)
	r.wg.Wait()
	r.cfg.Ticker.Stop()
}

func (r *Reactor) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-r.cfg.Ticker.Ticks():
			if err := r.syncOnce(ctx); err != nil {
				log.Warnf("headers: sync round failed: %v", err)
			}
		case <-r.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// syncOnce asks numQueryPeers peers for headers since tip-SafetyWindow,
// validates each chain, and resolves disagreement or reorgs.
func (r *Reactor) syncOnce(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	startHeight := r.chain.Tip() - SafetyWindow
	if startHeight < 0 {
		startHeight = 0
	}
	locatorHash := chainhash.Hash{}
	if h, ok := r.chain.At(startHeight); ok {
		locatorHash = h.Hash()
	}

	peers, err := r.source.PickMany(numQueryPeers)
	if err != nil {
		return err
	}

	locator := peer.HeaderLocator{Hash: locatorHash, StartHeight: startHeight}

	var candidates []headerCandidate
	for _, p := range peers {
		raw, err := p.RPC(ctx, "getheaders", locator)
		if err != nil {
			log.Debugf("headers: getheaders failed on %s: %v", p.Addr(), err)
			continue
		}
		rawHeaders, ok := raw.([]peer.RawHeader)
		if !ok {
			continue
		}
		parsed, err := parseHeaders(rawHeaders)
		if err != nil || !r.validateChain(parsed) {
			p.Penalize(validationPenalty)
			continue
		}
		candidates = append(candidates, headerCandidate{peer: p, headers: parsed})
	}

	if len(candidates) == 0 {
		return errors.New("headers: no valid responses this round")
	}

	best := selectBestCandidate(candidates)
	if best == nil {
		// Peers disagree without a strict majority; defer to next tick.
		return nil
	}

	err = r.applyCandidate(best.headers)
	if errors.Is(err, ErrReorgTooDeep) {
		// Penalize every peer that proposed the refused chain.
		bestTip := best.headers[len(best.headers)-1].Hash()
		for _, c := range candidates {
			if len(c.headers) > 0 && c.headers[len(c.headers)-1].Hash() == bestTip {
				c.peer.Penalize(reorgTooDeepPenalty)
			}
		}
	}
	return err
}

type headerCandidate struct {
	peer    *peer.Peer
	headers []Header
}

type bestCandidate struct {
	headers []Header
}

// selectBestCandidate picks the candidate chain with the most accumulated
// work whose tip hash is reported by a strict majority of responders. If
// no chain meets the majority bar, returns nil so the caller defers to
// the next tick.
func selectBestCandidate(candidates []headerCandidate) *bestCandidate {
	if len(candidates) == 0 {
		return nil
	}

	tipVotes := make(map[chainhash.Hash]int)
	bestByHash := make(map[chainhash.Hash][]Header)
	for _, c := range candidates {
		if len(c.headers) == 0 {
			continue
		}
		tip := c.headers[len(c.headers)-1].Hash()
		tipVotes[tip]++
		bestByHash[tip] = c.headers
	}

	majority := len(candidates)/2 + 1
	var winner chainhash.Hash
	var winnerWork *big.Int
	found := false
	for hash, votes := range tipVotes {
		if votes < majority {
			continue
		}
		work := accumulatedWork(bestByHash[hash])
		if !found || work.Cmp(winnerWork) > 0 {
			winner = hash
			winnerWork = work
			found = true
		}
	}
	if !found {
		return nil
	}
	return &bestCandidate{headers: bestByHash[winner]}
}

func accumulatedWork(headers []Header) *big.Int {
	total := big.NewInt(0)
	for _, h := range headers {
		total.Add(total, blockchain.CalcWork(h.Bits))
	}
	return total
}

// applyCandidate reconciles the local chain with the proposed headers,
// reorging if the proposed prefix no longer matches the local view.
func (r *Reactor) applyCandidate(proposed []Header) error {
	if len(proposed) == 0 {
		return nil
	}

	// Fast path: the proposed headers extend the local tip directly.
	first := proposed[0]
	if first.Height == r.chain.Tip()+1 && first.PrevHash == r.chain.TipHeader().Hash() {
		return r.extend(proposed)
	}

	// Otherwise, find the common ancestor by walking back.
	ancestor, ok := r.findCommonAncestor(proposed)
	if !ok {
		return ErrNoCommonAncestor
	}

	depth := r.chain.Tip() - ancestor
	if depth > r.cfg.MaxReorgDepth {
		return ErrReorgTooDeep
	}

	return r.reorg(ancestor, proposed)
}

func (r *Reactor) findCommonAncestor(proposed []Header) (int32, bool) {
	byHeight := make(map[int32]Header, len(proposed))
	for _, h := range proposed {
		byHeight[h.Height] = h
	}
	for height := r.chain.Tip(); height >= 0; height-- {
		local, ok := r.chain.At(height)
		if !ok {
			continue
		}
		ph, covered := byHeight[height]
		if !covered {
			// The proposed chain doesn't reach this far back; we
			// cannot compare at this height, so keep walking down.
			continue
		}
		if ph.Hash() == local.Hash() {
			return height, true
		}
	}
	return 0, false
}

func (r *Reactor) extend(proposed []Header) error {
	for _, h := range proposed {
		if h.Height <= r.chain.Tip() {
			continue
		}
		if err := r.chain.Append(h); err != nil {
			return err
		}
		if err := r.repo.SaveHeader(h); err != nil {
			return err
		}
		r.events.publish(ApplyEvent{Header: h})
	}
	return nil
}

func (r *Reactor) reorg(ancestor int32, proposed []Header) error {
	removed := r.chain.RollbackTo(ancestor)
	if err := r.repo.DeleteAbove(ancestor); err != nil {
		return err
	}
	// Rollback callbacks fire for heights tip..ancestor+1 in descending
	// order, before any apply callback fires.
	for _, h := range removed {
		r.events.publish(RollbackEvent{Header: h})
	}

	for _, h := range proposed {
		if h.Height <= ancestor {
			continue
		}
		if err := r.chain.Append(h); err != nil {
			return err
		}
		if err := r.repo.SaveHeader(h); err != nil {
			return err
		}
		r.events.publish(ApplyEvent{Header: h})
	}
	return nil
}

func (e *Events) publish(ev any) {
	switch v := ev.(type) {
	case RollbackEvent:
		select {
		case e.OnRollback <- v:
		default:
			log.Warnf("headers: dropping rollback event for height %d, subscriber full", v.Header.Height)
		}
	case ApplyEvent:
		select {
		case e.OnApply <- v:
		default:
			log.Warnf("headers: dropping apply event for height %d, subscriber full", v.Header.Height)
		}
	}
}

func parseHeaders(raw []peer.RawHeader) ([]Header, error) {
	out := make([]Header, 0, len(raw))
	for _, rh := range raw {
		prevHash, err := chainhash.NewHashFromStr(rh.PrevHash)
		if err != nil {
			return nil, err
		}
		merkleRoot, err := chainhash.NewHashFromStr(rh.MerkleRoot)
		if err != nil {
			return nil, err
		}
		out = append(out, Header{
			Height:     rh.Height,
			Version:    rh.Version,
			PrevHash:   *prevHash,
			MerkleRoot: *merkleRoot,
			Timestamp:  rh.Timestamp,
			Bits:       rh.Bits,
			Nonce:      rh.Nonce,
		})
	}
	return out, nil
}

// validateChain checks each header's PoW target and hash linkage,
// returning false (ErrValidation-worthy) on the first failure.
func (r *Reactor) validateChain(hs []Header) bool {
	for i, h := range hs {
		if !checkProofOfWork(h) {
			log.Debugf("headers: header at height %d fails proof-of-work check", h.Height)
			return false
		}
		if i > 0 && h.PrevHash != hs[i-1].Hash() {
			log.Debugf("headers: header at height %d does not link to predecessor", h.Height)
			return false
		}
	}
	return true
}

func checkProofOfWork(h Header) bool {
	target := blockchain.CompactToBig(h.Bits)
	if target.Sign() <= 0 {
		return false
	}
	hash := h.Hash()
	hashNum := blockchain.HashToBig(&hash)
	return hashNum.Cmp(target) <= 0
}
