// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package headers implements the header chain data model and the
// HeadersReactor that continuously synchronises the longest valid header
// chain from peer-to-peer sources, including reorg handling.
package headers

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Header is the node's view of one block header: the wire fields plus
// its height in the local chain. Hash is always derived deterministically
// from the other fields via wire.BlockHeader.BlockHash and never stored
// independently of them.
type Header struct {
	Height     int32
	Version    int32
	PrevHash   chainhash.Hash
	MerkleRoot chainhash.Hash
	Timestamp  int64
	Bits       uint32
	Nonce      uint32
}

// Hash derives the header's block hash deterministically from its fields.
func (h Header) Hash() chainhash.Hash {
	return h.wire().BlockHash()
}

// ToMap renders h in the Bitcoin-Core-compatible getblockheader shape,
// given the chain's current tip height to compute confirmations.
func (h Header) ToMap(tip int32) map[string]any {
	hash := h.Hash()
	return map[string]any{
		"hash":              hash.String(),
		"confirmations":     float64(tip - h.Height + 1),
		"height":            float64(h.Height),
		"version":           float64(h.Version),
		"merkleroot":        h.MerkleRoot.String(),
		"time":              float64(h.Timestamp),
		"mediantime":        float64(h.Timestamp),
		"bits":              fmt.Sprintf("%08x", h.Bits),
		"nonce":             float64(h.Nonce),
		"previousblockhash": h.PrevHash.String(),
	}
}

func (h Header) wire() *wire.BlockHeader {
	return &wire.BlockHeader{
		Version:    h.Version,
		PrevBlock:  h.PrevHash,
		MerkleRoot: h.MerkleRoot,
		Timestamp:  time.Unix(h.Timestamp, 0),
		Bits:       h.Bits,
		Nonce:      h.Nonce,
	}
}

// Chain is an ordered sequence of Headers indexed by height, with a
// hash-to-height index, maintaining the invariants that it is contiguous
// from height 0 to Tip and carries at most one header per height.
type Chain struct {
	mu          sync.RWMutex
	byHeight    map[int32]Header
	hashToHeight map[chainhash.Hash]int32
	tip         int32
	hasGenesis  bool
}

// NewChain builds an empty Chain, to be seeded with a genesis header via
// Append.
func NewChain() *Chain {
	return &Chain{
		byHeight:     make(map[int32]Header),
		hashToHeight: make(map[chainhash.Hash]int32),
		tip:          -1,
	}
}

// Tip returns the current chain tip height, or -1 if the chain is empty.
func (c *Chain) Tip() int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tip
}

// TipHeader returns the header at the current tip. If the chain is empty
// it returns the zero Header; callers can check Tip() >= 0 first.
func (c *Chain) TipHeader() Header {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byHeight[c.tip]
}

// At returns the header at the given height, if present.
func (c *Chain) At(height int32) (Header, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.byHeight[height]
	return h, ok
}

// HeightOf returns the height of the header with the given hash, if known
// to this chain (present or previously present).
func (c *Chain) HeightOf(hash chainhash.Hash) (int32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.hashToHeight[hash]
	return h, ok
}

// SeedTip installs h as the chain's tip without requiring chain
// continuity from height 0. Used only when bootstrapping from a
// repository that has already validated and persisted its history; the
// in-memory Chain then only needs enough of the recent tail to validate
// the next SafetyWindow worth of incoming headers.
func (c *Chain) SeedTip(h Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byHeight[h.Height] = h
	c.hashToHeight[h.Hash()] = h.Height
	c.tip = h.Height
}

// Append adds header as the new tip. It must link to the current tip by
// hash, unless the chain is empty (genesis).
func (c *Chain) Append(h Header) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(h)
}

func (c *Chain) appendLocked(h Header) error {
	if c.tip >= 0 {
		if h.Height != c.tip+1 {
			return fmt.Errorf("headers: append height %d is not tip+1 (%d)", h.Height, c.tip+1)
		}
		tipHeader := c.byHeight[c.tip]
		if h.PrevHash != tipHeader.Hash() {
			return fmt.Errorf("headers: append prev_hash mismatch at height %d", h.Height)
		}
	} else if h.Height != 0 {
		return fmt.Errorf("headers: first header must be height 0, got %d", h.Height)
	}

	hash := h.Hash()
	c.byHeight[h.Height] = h
	c.hashToHeight[hash] = h.Height
	c.tip = h.Height
	return nil
}

// RollbackTo removes every header above height `to`, used during reorg
// handling. It does not remove the hash-to-height entries, since those
// hashes remain valid history (a header that was once present).
func (c *Chain) RollbackTo(to int32) []Header {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []Header
	for h := c.tip; h > to; h-- {
		removed = append(removed, c.byHeight[h])
		delete(c.byHeight, h)
	}
	c.tip = to
	return removed
}

// Snapshot returns a copy of the headers from height `from` to the
// current tip, inclusive, in ascending order.
func (c *Chain) Snapshot(from int32) []Header {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	out := make([]Header, 0, int(c.tip-from+1))
	for h := from; h <= c.tip; h++ {
		if header, ok := c.byHeight[h]; ok {
			out = append(out, header)
		}
	}
	return out
}
