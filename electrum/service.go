// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/lvnilesh/spruned/headers"
	"github.com/lvnilesh/spruned/pool"
)

// Service adapts the Electrum connection pool into an
// aggregation.UpstreamService. Electrum servers have no "get block by
// hash" verb (blockchain.block.header takes a height), so this resolves
// hash to height through the shared headers.Chain before asking the
// pool for the raw header.
type Service struct {
	pool  *pool.Pool
	chain *headers.Chain
}

// NewService builds an Electrum upstream.
func NewService(p *pool.Pool, chain *headers.Chain) *Service {
	return &Service{pool: p, chain: chain}
}

// GetBlock answers getblock(hash) using blockchain.block.header, filling
// in only the fields Electrum's header-only view can supply. Electrum
// servers do not serve full block bodies, so the response carries no "tx"
// key at all rather than an always-empty one, letting the aggregation
// join agree with a P2P source's populated transaction list instead of
// treating the mismatch as divergence.
func (s *Service) GetBlock(ctx context.Context, hash string) (map[string]any, error) {
	parsed, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return nil, fmt.Errorf("electrum: invalid hash %q: %w", hash, err)
	}
	height, ok := s.chain.HeightOf(*parsed)
	if !ok {
		return nil, fmt.Errorf("electrum: unknown block hash %q", hash)
	}

	result, err := s.pool.Call(ctx, "blockchain.block.header", []any{height}, 1, false)
	if err != nil {
		return nil, err
	}
	raw, ok := result.Value.(json.RawMessage)
	if !ok {
		return nil, fmt.Errorf("electrum: unexpected response shape %T for blockchain.block.header", result.Value)
	}
	var headerHex string
	if err := json.Unmarshal(raw, &headerHex); err != nil {
		return nil, fmt.Errorf("electrum: decode header response: %w", err)
	}

	h, err := parseHeaderHex(height, headerHex)
	if err != nil {
		return nil, err
	}
	return headerToMap(h, s.chain.Tip()), nil
}

func parseHeaderHex(height int32, headerHex string) (headers.Header, error) {
	raw, err := hex.DecodeString(headerHex)
	if err != nil {
		return headers.Header{}, fmt.Errorf("electrum: decode header hex: %w", err)
	}
	var wh wire.BlockHeader
	if err := wh.Deserialize(bytes.NewReader(raw)); err != nil {
		return headers.Header{}, fmt.Errorf("electrum: parse header: %w", err)
	}
	return headers.Header{
		Height:     height,
		Version:    wh.Version,
		PrevHash:   wh.PrevBlock,
		MerkleRoot: wh.MerkleRoot,
		Timestamp:  wh.Timestamp.Unix(),
		Bits:       wh.Bits,
		Nonce:      wh.Nonce,
	}, nil
}

func headerToMap(h headers.Header, tip int32) map[string]any {
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

// EstimateFee answers estimatefee(blocks) via blockchain.estimatefee,
// the only upstream protocol in this node that natively supports fee
// estimation; P2P has no equivalent RPC verb.
func (s *Service) EstimateFee(ctx context.Context, blocks int) (float64, error) {
	result, err := s.pool.Call(ctx, "blockchain.estimatefee", []any{blocks}, 1, false)
	if err != nil {
		return 0, err
	}
	raw, ok := result.Value.(json.RawMessage)
	if !ok {
		return 0, fmt.Errorf("electrum: unexpected response shape %T for blockchain.estimatefee", result.Value)
	}
	var rate float64
	if err := json.Unmarshal(raw, &rate); err != nil {
		return 0, fmt.Errorf("electrum: decode estimatefee response: %w", err)
	}
	return rate, nil
}

// GetRawTransaction answers getrawtransaction(txid) via
// blockchain.transaction.get in verbose mode, which Electrum servers
// answer with a decoded shape close enough to Bitcoin Core's to pass
// through largely as-is.
func (s *Service) GetRawTransaction(ctx context.Context, txid string) (map[string]any, error) {
	result, err := s.pool.Call(ctx, "blockchain.transaction.get", []any{txid, true}, 1, false)
	if err != nil {
		return nil, err
	}
	raw, ok := result.Value.(json.RawMessage)
	if !ok {
		return nil, fmt.Errorf("electrum: unexpected response shape %T for blockchain.transaction.get", result.Value)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("electrum: decode transaction response: %w", err)
	}
	return decoded, nil
}
