// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package aggregation implements the value-object aggregation service:
// scatter/gather across N independent sources, structural agreement with
// tolerances, and cache read-through/write-through.
package aggregation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/lvnilesh/spruned/cache"
	"github.com/lvnilesh/spruned/headers"
)

var (
	// ErrNotEnoughServices is raised when fewer secondaries are
	// configured than min_sources requires.
	ErrNotEnoughServices = errors.New("aggregation: not enough configured services to satisfy min_sources")
	// ErrMissingField names an upstream response that lacks a key the
	// join rule expects. This package does not return it: joinData
	// treats a key absent from a response the same as a null value.
	ErrMissingField = errors.New("aggregation: upstream response missing expected field")
)

// UpstreamService is the contract every backend (Electrum pool, P2P
// pool, or external HTTP service) must implement.
type UpstreamService interface {
	GetBlock(ctx context.Context, hash string) (map[string]any, error)
	GetRawTransaction(ctx context.Context, txid string) (map[string]any, error)
}

// Config parameterizes a Service.
type Config struct {
	MinSources int
}

// Service scatters RPC queries across secondary and primary upstream
// services, joins the responses, and applies the cache policy from the
// specification.
type Service struct {
	cfg        Config
	secondaries []UpstreamService
	primaries   []UpstreamService
	cache       cache.CacheAgent
	chain       *headers.Chain

	rng *rand.Rand
}

// NewService builds an aggregation Service. chain is consulted directly
// for getblockheader, which is served from the headers reactor rather
// than from upstream services.
func NewService(cfg Config, secondaries, primaries []UpstreamService, c cache.CacheAgent, chain *headers.Chain) *Service {
	if cfg.MinSources <= 0 {
		cfg.MinSources = 2
	}
	return &Service{
		cfg:         cfg,
		secondaries: secondaries,
		primaries:   primaries,
		cache:       c,
		chain:       chain,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// pickServices samples uniformly without replacement from secondaries
// until len(selected)+len(primaries) >= min_sources, always including all
// primaries.
func (s *Service) pickServices() ([]UpstreamService, error) {
	need := s.cfg.MinSources - len(s.primaries)
	if need <= 0 {
		return append([]UpstreamService{}, s.primaries...), nil
	}
	if need > len(s.secondaries) {
		return nil, ErrNotEnoughServices
	}

	indices := s.rng.Perm(len(s.secondaries))[:need]
	sort.Ints(indices)
	selected := make([]UpstreamService, 0, need+len(s.primaries))
	for _, i := range indices {
		selected = append(selected, s.secondaries[i])
	}
	selected = append(selected, s.primaries...)
	return selected, nil
}

const (
	cacheNamespaceBlock = "getblock"
	cacheNamespaceTx    = "getrawtransaction"
	// confirmedEnoughThreshold is the minimum confirmations a block must
	// have before its response is considered stable enough to cache.
	confirmedEnoughThreshold = 3
)

// GetBlock answers getblock(hash), consulting the cache first, otherwise
// scattering across selected services and joining their responses.
func (s *Service) GetBlock(ctx context.Context, hash string) (map[string]any, error) {
	if cached, ok := s.readCache(cacheNamespaceBlock, hash); ok {
		return cached, nil
	}

	services, err := s.pickServices()
	if err != nil {
		return nil, err
	}

	responses, err := scatterBlock(ctx, services, hash)
	if err != nil {
		return nil, err
	}

	joined, err := joinData(responses)
	if err != nil {
		log.Debugf("aggregation: getblock(%s) diverged: %v", hash, err)
		return nil, err
	}

	if shouldCacheBlock(joined) {
		s.writeCache(cacheNamespaceBlock, hash, joined)
	}
	return joined, nil
}

func shouldCacheBlock(joined map[string]any) bool {
	confirmations, ok := asFloat(joined["confirmations"])
	return ok && confirmations > confirmedEnoughThreshold
}

func scatterBlock(ctx context.Context, services []UpstreamService, hash string) ([]map[string]any, error) {
	type outcome struct {
		idx  int
		resp map[string]any
		err  error
	}
	results := make(chan outcome, len(services))
	for i, svc := range services {
		i, svc := i, svc
		go func() {
			resp, err := svc.GetBlock(ctx, hash)
			results <- outcome{idx: i, resp: resp, err: err}
		}()
	}

	// Responses keep the order of services, not the order of arrival, so
	// the join's "first non-null occurrence" is deterministic.
	ordered := make([]map[string]any, len(services))
	var lastErr error
	for i := 0; i < len(services); i++ {
		out := <-results
		if out.err != nil {
			lastErr = out.err
			continue
		}
		ordered[out.idx] = out.resp
	}
	var responses []map[string]any
	for _, resp := range ordered {
		if resp != nil {
			responses = append(responses, resp)
		}
	}
	if len(responses) < len(services) {
		log.Warnf("aggregation: getblock(%s) got %d/%d responses: %v", hash, len(responses), len(services), lastErr)
	}
	if len(responses) == 0 {
		return nil, fmt.Errorf("aggregation: no usable responses for getblock(%s): %w", hash, lastErr)
	}
	return responses, nil
}

// GetRawTransaction answers getrawtransaction(txid), caching the
// response only if the block containing it is already cached.
func (s *Service) GetRawTransaction(ctx context.Context, txid string) (map[string]any, error) {
	if cached, ok := s.readCache(cacheNamespaceTx, txid); ok {
		return cached, nil
	}

	services, err := s.pickServices()
	if err != nil {
		return nil, err
	}

	type outcome struct {
		resp map[string]any
		err  error
	}
	results := make(chan outcome, len(services))
	for _, svc := range services {
		svc := svc
		go func() {
			resp, err := svc.GetRawTransaction(ctx, txid)
			results <- outcome{resp: resp, err: err}
		}()
	}

	var responses []map[string]any
	for i := 0; i < len(services); i++ {
		out := <-results
		if out.err == nil {
			responses = append(responses, out.resp)
		}
	}
	if len(responses) == 0 {
		return nil, fmt.Errorf("aggregation: no usable responses for getrawtransaction(%s)", txid)
	}

	joined, err := joinData(responses)
	if err != nil {
		log.Debugf("aggregation: getrawtransaction(%s) diverged: %v", txid, err)
		return nil, err
	}

	if blockhash, ok := joined["blockhash"].(string); ok && blockhash != "" {
		if _, cached := s.readCache(cacheNamespaceBlock, blockhash); cached {
			s.writeCache(cacheNamespaceTx, txid, joined)
		}
	}
	return joined, nil
}

// GetBlockHeader is served from the headers reactor's chain, never from
// upstream services, since the local chain is already validated and
// agreed-upon.
func (s *Service) GetBlockHeader(hash string) (headers.Header, bool) {
	parsed, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return headers.Header{}, false
	}
	height, ok := s.chain.HeightOf(*parsed)
	if !ok {
		return headers.Header{}, false
	}
	return s.chain.At(height)
}

// ChainTip returns the current headers chain tip height, used by callers
// rendering a header's confirmations count.
func (s *Service) ChainTip() int32 {
	return s.chain.Tip()
}

// GetBlockHash answers getblockhash(height) from the headers chain.
func (s *Service) GetBlockHash(height int32) (string, bool) {
	h, ok := s.chain.At(height)
	if !ok {
		return "", false
	}
	hash := h.Hash()
	return hash.String(), true
}

// GetBestBlockHash answers getbestblockhash() from the headers chain tip.
func (s *Service) GetBestBlockHash() (string, bool) {
	if s.chain.Tip() < 0 {
		return "", false
	}
	hash := s.chain.TipHeader().Hash()
	return hash.String(), true
}

// FeeEstimator issues fee-rate estimates, typically backed by a pool
// (Electrum's blockchain.estimatefee or a P2P peer's feefilter/mempool
// view).
type FeeEstimator interface {
	EstimateFee(ctx context.Context, blocks int) (float64, error)
}

const (
	cacheNamespaceFee = "estimatefee"
	feeFreshness      = time.Minute
)

type feeCacheEntry struct {
	Rate      float64 `json:"rate"`
	FetchedAt int64   `json:"fetched_at"`
}

// EstimateFee answers estimatefee(blocks). Since cache.CacheAgent never
// supports TTL, freshness is enforced here by storing the fetch time
// alongside the rate and re-fetching once it is older than feeFreshness,
// rather than by adding TTL semantics to the generic cache contract.
func (s *Service) EstimateFee(ctx context.Context, blocks int, estimator FeeEstimator) (float64, error) {
	key := fmt.Sprintf("%d", blocks)
	if s.cache != nil {
		if raw, err := s.cache.Get(cacheNamespaceFee, key); err == nil && raw != nil {
			var entry feeCacheEntry
			if err := json.Unmarshal(raw, &entry); err == nil {
				if time.Since(time.Unix(entry.FetchedAt, 0)) < feeFreshness {
					return entry.Rate, nil
				}
			}
		}
	}

	rate, err := estimator.EstimateFee(ctx, blocks)
	if err != nil {
		return 0, err
	}

	if s.cache != nil {
		entry := feeCacheEntry{Rate: rate, FetchedAt: time.Now().Unix()}
		if encoded, err := json.Marshal(entry); err == nil {
			_ = s.cache.Set(cacheNamespaceFee, key, encoded)
		}
	}
	return rate, nil
}

func (s *Service) readCache(namespace, key string) (map[string]any, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(namespace, key)
	if err != nil || raw == nil {
		return nil, false
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false
	}
	return result, true
}

func (s *Service) writeCache(namespace, key string, value map[string]any) {
	if s.cache == nil {
		return
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		log.Warnf("aggregation: failed to encode cache entry %s/%s: %v", namespace, key, err)
		return
	}
	if err := s.cache.Set(namespace, key, encoded); err != nil {
		log.Warnf("aggregation: failed to write cache entry %s/%s: %v", namespace, key, err)
	}
}
