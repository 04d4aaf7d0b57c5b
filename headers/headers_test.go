// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package headers

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/lvnilesh/spruned/peer"
)

func TestChainAppendRequiresContiguousLinkage(t *testing.T) {
	c := NewChain()
	genesis := Header{Height: 0, Bits: 0x207fffff}
	require.NoError(t, c.Append(genesis))

	next := Header{Height: 1, PrevHash: genesis.Hash(), Bits: 0x207fffff}
	require.NoError(t, c.Append(next))
	require.Equal(t, int32(1), c.Tip())

	badLink := Header{Height: 2, PrevHash: chainhash.Hash{0xFF}, Bits: 0x207fffff}
	require.Error(t, c.Append(badLink))
}

func TestChainRollbackRemovesAboveAncestor(t *testing.T) {
	c := NewChain()
	genesis := Header{Height: 0, Bits: 0x207fffff}
	require.NoError(t, c.Append(genesis))
	h1 := Header{Height: 1, PrevHash: genesis.Hash(), Bits: 0x207fffff}
	require.NoError(t, c.Append(h1))
	h2 := Header{Height: 2, PrevHash: h1.Hash(), Bits: 0x207fffff}
	require.NoError(t, c.Append(h2))

	removed := c.RollbackTo(0)
	require.Equal(t, int32(0), c.Tip())
	require.Len(t, removed, 2)
	// Descending order: height 2 first, then height 1.
	require.Equal(t, int32(2), removed[0].Height)
	require.Equal(t, int32(1), removed[1].Height)
}

// fakeRepository is a minimal in-memory Repository double.
type fakeRepository struct {
	headers map[int32]Header
	tip     int32
	hasTip  bool
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{headers: make(map[int32]Header), tip: -1}
}

func (f *fakeRepository) SaveHeader(h Header) error {
	f.headers[h.Height] = h
	if h.Height > f.tip || !f.hasTip {
		f.tip = h.Height
		f.hasTip = true
	}
	return nil
}

func (f *fakeRepository) DeleteAbove(height int32) error {
	for h := range f.headers {
		if h > height {
			delete(f.headers, h)
		}
	}
	f.tip = height
	return nil
}

func (f *fakeRepository) Tip() (Header, bool, error) {
	if !f.hasTip {
		return Header{}, false, nil
	}
	return f.headers[f.tip], true, nil
}

// fakePeerSource returns its fixed set of peers, truncated to k, and
// never fails.
type fakePeerSource struct {
	peers []*peer.Peer
}

func (f *fakePeerSource) PickMany(k int) ([]*peer.Peer, error) {
	if len(f.peers) < k {
		return f.peers, nil
	}
	return f.peers[:k], nil
}

// headerStubTransport returns a fixed slice of peer.RawHeader for
// getheaders calls.
type headerStubTransport struct {
	raw []peer.RawHeader
}

func (h *headerStubTransport) Connect(ctx context.Context) error { return nil }
func (h *headerStubTransport) Call(ctx context.Context, method string, args any) (any, error) {
	return h.raw, nil
}
func (h *headerStubTransport) Subscribe(ctx context.Context, channel string, onUpdate func(any)) (any, error) {
	return nil, nil
}
func (h *headerStubTransport) Ping(ctx context.Context) error { return nil }
func (h *headerStubTransport) Close() error                   { return nil }

func genesisRaw() peer.RawHeader {
	return peer.RawHeader{
		Height: 0, Bits: 0x207fffff,
		Hash:       "genesis",
		PrevHash:   chainhash.Hash{}.String(),
		MerkleRoot: chainhash.Hash{}.String(),
	}
}

func TestReorgEmitsRollbackBeforeApplyInDescendingThenAscendingOrder(t *testing.T) {
	repo := newFakeRepository()

	genesis := Header{Height: 0, Bits: 0x207fffff}
	oldH1 := Header{Height: 1, PrevHash: genesis.Hash(), Bits: 0x207fffff, Nonce: 1}
	oldH2 := Header{Height: 2, PrevHash: oldH1.Hash(), Bits: 0x207fffff, Nonce: 1}

	newH1 := Header{Height: 1, PrevHash: genesis.Hash(), Bits: 0x207fffff, Nonce: 2}
	newH2 := Header{Height: 2, PrevHash: newH1.Hash(), Bits: 0x207fffff, Nonce: 2}

	source := &fakePeerSource{}
	r, err := NewReactor(Config{MaxReorgDepth: DefaultMaxReorgDepth}, repo, source)
	require.NoError(t, err)

	require.NoError(t, r.chain.Append(genesis))
	require.NoError(t, r.chain.Append(oldH1))
	require.NoError(t, r.chain.Append(oldH2))
	require.NoError(t, repo.SaveHeader(genesis))
	require.NoError(t, repo.SaveHeader(oldH1))
	require.NoError(t, repo.SaveHeader(oldH2))

	require.NoError(t, r.applyCandidate([]Header{genesis, newH1, newH2}))

	require.Equal(t, int32(2), r.chain.Tip())
	tip := r.chain.TipHeader()
	require.Equal(t, newH2.Hash(), tip.Hash())

	rollback1 := <-r.events.OnRollback
	rollback2 := <-r.events.OnRollback
	require.Equal(t, int32(2), rollback1.Header.Height)
	require.Equal(t, int32(1), rollback2.Header.Height)

	apply1 := <-r.events.OnApply
	apply2 := <-r.events.OnApply
	require.Equal(t, int32(1), apply1.Header.Height)
	require.Equal(t, int32(2), apply2.Header.Height)
}

func TestReorgTooDeepIsRejected(t *testing.T) {
	repo := newFakeRepository()
	genesis := Header{Height: 0, Bits: 0x207fffff}
	require.NoError(t, repo.SaveHeader(genesis))

	r, err := NewReactor(Config{MaxReorgDepth: 1}, repo, &fakePeerSource{})
	require.NoError(t, err)

	prev := genesis
	for height := int32(1); height <= 5; height++ {
		h := Header{Height: height, PrevHash: prev.Hash(), Bits: 0x207fffff}
		require.NoError(t, r.chain.Append(h))
		prev = h
	}

	// Proposed chain diverges at height 1, so the common ancestor is
	// genesis and the rollback depth is 5 (tip 5 minus ancestor 0),
	// deeper than the configured MaxReorgDepth of 1.
	newH1 := Header{Height: 1, PrevHash: genesis.Hash(), Bits: 0x207fffff, Nonce: 99}
	err = r.applyCandidate([]Header{genesis, newH1})
	require.ErrorIs(t, err, ErrReorgTooDeep)
}
