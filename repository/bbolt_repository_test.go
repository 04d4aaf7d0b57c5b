// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package repository

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lvnilesh/spruned/headers"
)

func openTestRepo(t *testing.T) *HeaderRepository {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "headers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestTipEmptyRepository(t *testing.T) {
	r := openTestRepo(t)
	_, ok, err := r.Tip()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSaveHeaderAdvancesTip(t *testing.T) {
	r := openTestRepo(t)

	h0 := headers.Header{Height: 0, Version: 1, Bits: 0x1d00ffff}
	require.NoError(t, r.SaveHeader(h0))

	h1 := headers.Header{Height: 1, Version: 1, PrevHash: h0.Hash(), Bits: 0x1d00ffff}
	require.NoError(t, r.SaveHeader(h1))

	tip, ok, err := r.Tip()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(1), tip.Height)
	require.Equal(t, h1.Hash(), tip.Hash())
}

func TestDeleteAboveRewindsTip(t *testing.T) {
	r := openTestRepo(t)

	h0 := headers.Header{Height: 0, Version: 1}
	h1 := headers.Header{Height: 1, Version: 1, PrevHash: h0.Hash()}
	h2 := headers.Header{Height: 2, Version: 1, PrevHash: h1.Hash()}
	require.NoError(t, r.SaveHeader(h0))
	require.NoError(t, r.SaveHeader(h1))
	require.NoError(t, r.SaveHeader(h2))

	require.NoError(t, r.DeleteAbove(0))

	tip, ok, err := r.Tip()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(0), tip.Height)
	require.Equal(t, h0.Hash(), tip.Hash())
}
