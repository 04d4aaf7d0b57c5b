// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package filecache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	c, err := New(Config{Directory: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, c.Set("getblock", "00ab", []byte("payload")))

	got, err := c.Get("getblock", "00ab")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}

func TestGetMissingReturnsNilNil(t *testing.T) {
	c, err := New(Config{Directory: t.TempDir()})
	require.NoError(t, err)

	got, err := c.Get("getblock", "deadbeef")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPrefixStripsLeadingZerosAndTruncates(t *testing.T) {
	require.Equal(t, "ab", prefix("00ab12"))
	require.Equal(t, "12", prefix("12"))
	require.Equal(t, "0", prefix("000"))
}

func TestRemoveDeletesEntry(t *testing.T) {
	c, err := New(Config{Directory: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, c.Set("getblock", "00ab", []byte("x")))
	require.NoError(t, c.Remove("getblock", "00ab"))

	got, err := c.Get("getblock", "00ab")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestEvictionRespectsPinning(t *testing.T) {
	c, err := New(Config{Directory: t.TempDir(), MaxBytes: 10})
	require.NoError(t, err)

	require.NoError(t, c.Set("getblock", "aa", []byte("0123456789")))
	require.NoError(t, c.Pin("getblock", "aa"))
	require.NoError(t, c.Set("getblock", "bb", []byte("0123456789")))

	// "aa" is pinned, so when "bb" pushes the cache over budget the
	// eviction falls on "bb" and "aa" survives.
	got, err := c.Get("getblock", "aa")
	require.NoError(t, err)
	require.Equal(t, []byte("0123456789"), got)
}

func TestPurgeRemovesEverything(t *testing.T) {
	c, err := New(Config{Directory: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, c.Set("getblock", "aa", []byte("x")))
	require.NoError(t, c.Set("getrawtransaction", "bb", []byte("y")))

	require.NoError(t, c.Purge())

	got, err := c.Get("getblock", "aa")
	require.NoError(t, err)
	require.Nil(t, got)
}
