// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package blocks implements on-demand and prefetch retrieval of block
// bodies, with bounded retention relative to the current chain tip and
// single-flight deduplication of concurrent fetches for the same hash.
package blocks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/lvnilesh/spruned/headers"
	"github.com/lvnilesh/spruned/peer"
)

const (
	backoffBase         = 1 * time.Second
	backoffCap          = 60 * time.Second
	backoffJitterFrac   = 0.2
	maxFetchAttempts    = 6
	peerPenaltyPerRetry = 2
)

// Block is a block body indexed by its header.
type Block struct {
	Hash   string
	Header headers.Header
	Txids  []string
	Size   int
	Txs    [][]byte
}

// PeerSource selects peers to query for block bodies.
type PeerSource interface {
	PickOne() (*peer.Peer, error)
}

// Config parameterizes a Reactor.
type Config struct {
	// KeepBlocks is the number of most recent blocks (by height) whose
	// bodies are retained.
	KeepBlocks int32
}

type flight struct {
	done  chan struct{}
	block *Block
	err   error
}

// Reactor retains the last KeepBlocks block bodies relative to the
// current tip, fetching bodies on demand or as the tip advances.
type Reactor struct {
	cfg    Config
	source PeerSource

	mu          sync.Mutex
	blocks      map[string]*Block
	heightOf    map[string]int32
	inFlight    map[string]*flight
	cancelByHash map[string]context.CancelFunc

	rng *rand.Rand

	onEvict func(hash string)
}

// NewReactor builds a blocks Reactor. onEvict, if non-nil, is called for
// every block evicted from retention (e.g. to notify a cache to unpin
// it).
func NewReactor(cfg Config, source PeerSource, onEvict func(hash string)) *Reactor {
	if cfg.KeepBlocks <= 0 {
		cfg.KeepBlocks = 50
	}
	return &Reactor{
		cfg:          cfg,
		source:       source,
		blocks:       make(map[string]*Block),
		heightOf:     make(map[string]int32),
		inFlight:     make(map[string]*flight),
		cancelByHash: make(map[string]context.CancelFunc),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		onEvict:      onEvict,
	}
}

// OnNewTip is called by the caller (typically wired to
// headers.Events.OnApply) whenever the chain tip advances. It schedules a
// fetch for the new tip's body and evicts anything now outside the
// retention window.
func (r *Reactor) OnNewTip(ctx context.Context, h headers.Header) {
	hash := h.Hash().String()
	go func() {
		if _, err := r.Fetch(ctx, hash, h); err != nil {
			log.Warnf("blocks: prefetch of tip %s failed: %v", hash, err)
		}
	}()
	r.evictBelow(h.Height - r.cfg.KeepBlocks)
}

// OnRollback is called when a header is rolled back during a reorg; any
// in-flight fetch for that header's hash is cancelled since it is no
// longer on the main chain.
func (r *Reactor) OnRollback(h headers.Header) {
	hash := h.Hash().String()
	r.mu.Lock()
	cancel, ok := r.cancelByHash[hash]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Fetch retrieves the block body for hash, single-flighted so that
// concurrent requests for the same hash share one upstream request.
func (r *Reactor) Fetch(ctx context.Context, hash string, header headers.Header) (*Block, error) {
	r.mu.Lock()
	if existing, ok := r.blocks[hash]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	if f, ok := r.inFlight[hash]; ok {
		r.mu.Unlock()
		<-f.done
		return f.block, f.err
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	f := &flight{done: make(chan struct{})}
	r.inFlight[hash] = f
	r.cancelByHash[hash] = cancel
	r.mu.Unlock()

	block, err := r.fetchWithBackoff(fetchCtx, hash, header)
	cancel()

	r.mu.Lock()
	f.block, f.err = block, err
	close(f.done)
	delete(r.inFlight, hash)
	delete(r.cancelByHash, hash)
	if err == nil {
		r.blocks[hash] = block
		r.heightOf[hash] = header.Height
	}
	r.mu.Unlock()

	return block, err
}

// fetchWithBackoff retries against alternate peers with exponential
// backoff (base 1s, cap 60s, jitter +-20%), decrementing the failing
// peer's score on each failure.
func (r *Reactor) fetchWithBackoff(ctx context.Context, hash string, header headers.Header) (*Block, error) {
	backoff := backoffBase
	var lastErr error
	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		p, err := r.source.PickOne()
		if err != nil {
			lastErr = err
		} else {
			raw, err := p.RPC(ctx, "getblock", hash)
			if err == nil {
				block, parseErr := toBlock(hash, header, raw)
				if parseErr == nil {
					return block, nil
				}
				lastErr = parseErr
			} else {
				lastErr = err
			}
			p.Penalize(peerPenaltyPerRetry)
		}

		if attempt == maxFetchAttempts-1 {
			break
		}
		select {
		case <-time.After(jitter(backoff, r.rng)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
	return nil, fmt.Errorf("blocks: exhausted retries for %s: %w", hash, lastErr)
}

func jitter(base time.Duration, rng *rand.Rand) time.Duration {
	delta := float64(base) * backoffJitterFrac
	offset := (rng.Float64()*2 - 1) * delta
	return base + time.Duration(offset)
}

func toBlock(hash string, header headers.Header, raw any) (*Block, error) {
	switch v := raw.(type) {
	case *Block:
		return v, nil
	case *wire.MsgBlock:
		return blockFromWire(hash, header, v)
	default:
		return nil, fmt.Errorf("blocks: unexpected response shape %T for %s", v, hash)
	}
}

// blockFromWire converts a raw P2P block message into the retained Block
// shape, serializing each transaction for later getrawtransaction lookups
// without a second round trip.
func blockFromWire(hash string, header headers.Header, msg *wire.MsgBlock) (*Block, error) {
	txids := make([]string, 0, len(msg.Transactions))
	txs := make([][]byte, 0, len(msg.Transactions))
	for _, tx := range msg.Transactions {
		txids = append(txids, tx.TxHash().String())
		var buf bytes.Buffer
		if err := tx.Serialize(&buf); err != nil {
			return nil, fmt.Errorf("blocks: serialize tx in block %s: %w", hash, err)
		}
		txs = append(txs, buf.Bytes())
	}
	return &Block{
		Hash:   hash,
		Header: header,
		Txids:  txids,
		Size:   msg.SerializeSize(),
		Txs:    txs,
	}, nil
}

// evictBelow removes every retained block whose height is below
// minHeight.
func (r *Reactor) evictBelow(minHeight int32) {
	r.mu.Lock()
	var evicted []string
	for hash, height := range r.heightOf {
		if height < minHeight {
			delete(r.blocks, hash)
			delete(r.heightOf, hash)
			evicted = append(evicted, hash)
		}
	}
	onEvict := r.onEvict
	r.mu.Unlock()

	if onEvict != nil {
		for _, hash := range evicted {
			onEvict(hash)
		}
	}
}

// ErrNotRetained is returned by Get when the requested hash has already
// been evicted, or was never fetched.
var ErrNotRetained = errors.New("blocks: block not in retention window")

// Get returns a retained block without triggering a fetch.
func (r *Reactor) Get(hash string) (*Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blocks[hash]
	if !ok {
		return nil, ErrNotRetained
	}
	return b, nil
}
