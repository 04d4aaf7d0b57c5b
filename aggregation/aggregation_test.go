// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package aggregation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lvnilesh/spruned/headers"
)

// fakeService is a hand-written upstream double returning a fixed block
// response.
type fakeService struct {
	block map[string]any
	err   error
}

func (f *fakeService) GetBlock(ctx context.Context, hash string) (map[string]any, error) {
	return f.block, f.err
}

func (f *fakeService) GetRawTransaction(ctx context.Context, txid string) (map[string]any, error) {
	return f.block, f.err
}

// memCache is a trivial in-memory cache.CacheAgent double for tests.
type memCache struct {
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (m *memCache) Get(namespace, key string) ([]byte, error) {
	return m.data[namespace+"/"+key], nil
}
func (m *memCache) Set(namespace, key string, value []byte) error {
	m.data[namespace+"/"+key] = value
	return nil
}
func (m *memCache) Remove(namespace, key string) error {
	delete(m.data, namespace+"/"+key)
	return nil
}
func (m *memCache) Pin(namespace, key string) error   { return nil }
func (m *memCache) Unpin(namespace, key string) error { return nil }

func block(confirmations float64, merkleroot string, timeVal float64) map[string]any {
	return map[string]any{
		"hash":          "00..ab",
		"confirmations": confirmations,
		"merkleroot":    merkleroot,
		"time":          timeVal,
	}
}

// S1: quorum match — 3 identical responses, confirmations=10, cached
// afterwards.
func TestS1QuorumMatchCachesResult(t *testing.T) {
	c := newMemCache()
	svc := []UpstreamService{
		&fakeService{block: block(10, "A", 1700000000)},
		&fakeService{block: block(10, "A", 1700000000)},
		&fakeService{block: block(10, "A", 1700000000)},
	}
	s := NewService(Config{MinSources: 3}, svc, nil, c, headers.NewChain())

	result, err := s.GetBlock(context.Background(), "00..ab")
	require.NoError(t, err)
	require.Equal(t, "A", result["merkleroot"])

	cached, ok := s.readCache(cacheNamespaceBlock, "00..ab")
	require.True(t, ok)
	require.Equal(t, "A", cached["merkleroot"])
}

// S2: time tolerance — time values within 10s of each other agree; the
// first value is the join result.
func TestS2TimeToleranceAccepted(t *testing.T) {
	c := newMemCache()
	svc := []UpstreamService{
		&fakeService{block: block(10, "A", 1700000000)},
		&fakeService{block: block(10, "A", 1700000003)},
		&fakeService{block: block(10, "A", 1700000007)},
	}
	s := NewService(Config{MinSources: 3}, svc, nil, c, headers.NewChain())

	result, err := s.GetBlock(context.Background(), "00..ab")
	require.NoError(t, err)
	require.InDelta(t, 1700000000, result["time"], 0.001)
}

// S3: divergence — merkleroot disagreement raises a DivergenceError and
// does not populate the cache.
func TestS3DivergenceRaisesAndDoesNotCache(t *testing.T) {
	c := newMemCache()
	svc := []UpstreamService{
		&fakeService{block: block(10, "A", 1700000000)},
		&fakeService{block: block(10, "A", 1700000000)},
		&fakeService{block: block(10, "B", 1700000000)},
	}
	s := NewService(Config{MinSources: 3}, svc, nil, c, headers.NewChain())

	_, err := s.GetBlock(context.Background(), "00..ab")
	require.Error(t, err)
	var divErr *DivergenceError
	require.ErrorAs(t, err, &divErr)
	require.Equal(t, "merkleroot", divErr.Key)

	_, ok := s.readCache(cacheNamespaceBlock, "00..ab")
	require.False(t, ok)
}

// S4: below cache threshold — confirmations=2 is returned but not
// cached.
func TestS4BelowCacheThresholdNotCached(t *testing.T) {
	c := newMemCache()
	svc := []UpstreamService{
		&fakeService{block: block(2, "A", 1700000000)},
		&fakeService{block: block(2, "A", 1700000000)},
	}
	s := NewService(Config{MinSources: 2}, svc, nil, c, headers.NewChain())

	result, err := s.GetBlock(context.Background(), "00..ab")
	require.NoError(t, err)
	require.InDelta(t, 2, result["confirmations"], 0.001)

	_, ok := s.readCache(cacheNamespaceBlock, "00..ab")
	require.False(t, ok)
}

func TestPickServicesIncludesAllPrimaries(t *testing.T) {
	c := newMemCache()
	secondaries := []UpstreamService{&fakeService{}, &fakeService{}, &fakeService{}}
	primary := &fakeService{}
	s := NewService(Config{MinSources: 2}, secondaries, []UpstreamService{primary}, c, headers.NewChain())

	selected, err := s.pickServices()
	require.NoError(t, err)
	require.Contains(t, selected, UpstreamService(primary))
	require.GreaterOrEqual(t, len(selected), 2)
}
