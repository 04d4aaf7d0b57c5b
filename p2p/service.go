// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package p2p

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/lvnilesh/spruned/blocks"
	"github.com/lvnilesh/spruned/headers"
	"github.com/lvnilesh/spruned/pool"
)

// Service adapts the P2P connection pool and blocks reactor into an
// aggregation.UpstreamService, translating between wire-level types and
// the Bitcoin-Core-compatible map shape the aggregation join rule
// operates on.
type Service struct {
	pool     *pool.Pool
	blocks   *blocks.Reactor
	chain    *headers.Chain
}

// NewService builds a P2P upstream. blocks is consulted for getblock so
// retention and single-flight fetch are shared with the reactor driving
// prefetch of new tips; pool is used directly for getrawtransaction,
// which is not otherwise retained.
func NewService(p *pool.Pool, blocksReactor *blocks.Reactor, chain *headers.Chain) *Service {
	return &Service{pool: p, blocks: blocksReactor, chain: chain}
}

// GetBlock answers getblock(hash) by resolving hash to a known header and
// fetching its body through the blocks reactor.
func (s *Service) GetBlock(ctx context.Context, hash string) (map[string]any, error) {
	parsed, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return nil, fmt.Errorf("p2p: invalid hash %q: %w", hash, err)
	}
	height, ok := s.chain.HeightOf(*parsed)
	if !ok {
		return nil, fmt.Errorf("p2p: unknown block hash %q", hash)
	}
	header, ok := s.chain.At(height)
	if !ok {
		return nil, fmt.Errorf("p2p: header at height %d not retained", height)
	}

	block, err := s.blocks.Fetch(ctx, hash, header)
	if err != nil {
		return nil, err
	}
	return blockToMap(block, s.chain.Tip()), nil
}

func blockToMap(b *blocks.Block, tip int32) map[string]any {
	h := b.Header
	return map[string]any{
		"hash":              b.Hash,
		"confirmations":     float64(tip - h.Height + 1),
		"height":            float64(h.Height),
		"version":           float64(h.Version),
		"merkleroot":        h.MerkleRoot.String(),
		"time":              float64(h.Timestamp),
		"mediantime":        float64(h.Timestamp),
		"bits":              fmt.Sprintf("%08x", h.Bits),
		"nonce":             float64(h.Nonce),
		"previousblockhash": h.PrevHash.String(),
		"size":              float64(b.Size),
		"tx":                b.Txids,
	}
}

// GetRawTransaction answers getrawtransaction(txid) with a direct,
// unretained P2P fetch: a pure SPV node has no txindex, so this only
// succeeds if a connected peer still has the transaction in its mempool
// or recent relay cache.
func (s *Service) GetRawTransaction(ctx context.Context, txid string) (map[string]any, error) {
	result, err := s.pool.Call(ctx, "getrawtransaction", txid, 1, false)
	if err != nil {
		return nil, err
	}
	msg, ok := result.Value.(*wire.MsgTx)
	if !ok {
		return nil, fmt.Errorf("p2p: unexpected response shape %T for getrawtransaction(%s)", result.Value, txid)
	}
	return txToMap(msg), nil
}

func txToMap(tx *wire.MsgTx) map[string]any {
	vin := make([]any, 0, len(tx.TxIn))
	for _, in := range tx.TxIn {
		vin = append(vin, map[string]any{
			"txid":     in.PreviousOutPoint.Hash.String(),
			"vout":     float64(in.PreviousOutPoint.Index),
			"scriptSig": map[string]any{"hex": hex.EncodeToString(in.SignatureScript)},
			"sequence": float64(in.Sequence),
		})
	}
	vout := make([]any, 0, len(tx.TxOut))
	for i, out := range tx.TxOut {
		vout = append(vout, map[string]any{
			"value": float64(out.Value) / 1e8,
			"n":     float64(i),
			"scriptPubKey": map[string]any{"hex": hex.EncodeToString(out.PkScript)},
		})
	}
	return map[string]any{
		"txid":     tx.TxHash().String(),
		"hash":     tx.TxHash().String(),
		"version":  float64(tx.Version),
		"locktime": float64(tx.LockTime),
		"size":     float64(tx.SerializeSize()),
		"vin":      vin,
		"vout":     vout,
	}
}
