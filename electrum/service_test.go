// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func TestParseHeaderHexRoundTrips(t *testing.T) {
	wh := &wire.BlockHeader{Version: 1, Bits: 0x1d00ffff, Nonce: 42}
	writer := hexWriter{}
	require.NoError(t, wh.Serialize(&writer))

	parsed, err := parseHeaderHex(100, hex.EncodeToString(writer.bytes))
	require.NoError(t, err)
	require.Equal(t, int32(100), parsed.Height)
	require.Equal(t, int32(1), parsed.Version)
	require.Equal(t, uint32(0x1d00ffff), parsed.Bits)
	require.Equal(t, uint32(42), parsed.Nonce)
}

func TestHeaderToMapComputesConfirmations(t *testing.T) {
	wh := &wire.BlockHeader{Version: 1, Bits: 0x1d00ffff}
	writer := hexWriter{}
	require.NoError(t, wh.Serialize(&writer))
	h, err := parseHeaderHex(50, hex.EncodeToString(writer.bytes))
	require.NoError(t, err)

	result := headerToMap(h, 55)
	require.Equal(t, float64(6), result["confirmations"])
	require.Equal(t, float64(50), result["height"])
}

// hexWriter is a minimal io.Writer double collecting bytes, avoiding a
// bytes.Buffer import just for these two tests.
type hexWriter struct {
	bytes []byte
}

func (w *hexWriter) Write(p []byte) (int, error) {
	w.bytes = append(w.bytes, p...)
	return len(p), nil
}
