// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package p2p

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/lvnilesh/spruned/blocks"
	"github.com/lvnilesh/spruned/headers"
)

func TestBlockToMapComputesConfirmationsFromTip(t *testing.T) {
	b := &blocks.Block{
		Hash:  "aa",
		Header: headers.Header{Height: 100, Version: 1, Bits: 0x1d00ffff, Nonce: 7},
		Txids: []string{"t1", "t2"},
		Size:  250,
	}

	result := blockToMap(b, 105)
	require.Equal(t, float64(6), result["confirmations"])
	require.Equal(t, float64(100), result["height"])
	require.Equal(t, []string{"t1", "t2"}, result["tx"])
	require.Equal(t, float64(250), result["size"])
}

func TestTxToMapShapesVinVout(t *testing.T) {
	tx := wire.NewMsgTx(wire.TxVersion)
	prevHash, err := chainhash.NewHashFromStr("0000000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prevHash, 0), []byte{0x01}))
	tx.AddTxOut(wire.NewTxOut(50000, []byte{0x76, 0xa9}))

	result := txToMap(tx)
	require.Equal(t, tx.TxHash().String(), result["txid"])

	vin, ok := result["vin"].([]any)
	require.True(t, ok)
	require.Len(t, vin, 1)

	vout, ok := result["vout"].([]any)
	require.True(t, ok)
	require.Len(t, vout, 1)
	voutEntry := vout[0].(map[string]any)
	require.InDelta(t, 0.0005, voutEntry["value"], 1e-12)
}
