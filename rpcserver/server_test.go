// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lvnilesh/spruned/aggregation"
	"github.com/lvnilesh/spruned/headers"
	"github.com/lvnilesh/spruned/pool"
)

type fakeService struct {
	block map[string]any
	err   error
	tip   int32
	hdr   headers.Header
	hdrOK bool
}

func (f *fakeService) GetBlock(ctx context.Context, hash string) (map[string]any, error) {
	return f.block, f.err
}
func (f *fakeService) GetRawTransaction(ctx context.Context, txid string) (map[string]any, error) {
	return f.block, f.err
}
func (f *fakeService) GetBlockHash(height int32) (string, bool) { return "aa", true }
func (f *fakeService) GetBestBlockHash() (string, bool)         { return "bb", true }
func (f *fakeService) GetBlockHeader(hash string) (headers.Header, bool) {
	return f.hdr, f.hdrOK
}
func (f *fakeService) ChainTip() int32 { return f.tip }

func doRequest(t *testing.T, srv *Server, method string, params ...any) response {
	t.Helper()
	rawParams := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		encoded, err := json.Marshal(p)
		require.NoError(t, err)
		rawParams = append(rawParams, encoded)
	}
	body, err := json.Marshal(request{ID: json.RawMessage(`1`), Method: method, Params: rawParams})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handle(rec, req)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestGetBlockReturnsServiceResult(t *testing.T) {
	svc := &fakeService{block: map[string]any{"hash": "aa"}}
	srv := New(Config{Service: svc})

	resp := doRequest(t, srv, "getblock", "aa")
	require.Nil(t, resp.Error)
	require.Equal(t, "aa", resp.Result.(map[string]any)["hash"])
}

func TestMissingMethodReturnsMethodNotFound(t *testing.T) {
	srv := New(Config{Service: &fakeService{}})
	resp := doRequest(t, srv, "notarealmethod")
	require.NotNil(t, resp.Error)
	require.Equal(t, errCodeMethodNotFound, resp.Error.Code)
}

func TestDivergenceMapsToVerifyErrorCode(t *testing.T) {
	svc := &fakeService{err: &aggregation.DivergenceError{Key: "merkleroot", Values: []any{"A", "B"}}}
	srv := New(Config{Service: svc})

	resp := doRequest(t, srv, "getblock", "aa")
	require.NotNil(t, resp.Error)
	require.Equal(t, errCodeVerify, resp.Error.Code)
}

func TestNoQuorumMapsToVerifyErrorCode(t *testing.T) {
	svc := &fakeService{err: &pool.NoQuorumError{Method: "getblock", Responses: []any{"A", "B"}}}
	srv := New(Config{Service: svc})

	resp := doRequest(t, srv, "getblock", "aa")
	require.NotNil(t, resp.Error)
	require.Equal(t, errCodeVerify, resp.Error.Code)
}

func TestAuthRejectsWrongCredentials(t *testing.T) {
	srv := New(Config{Service: &fakeService{}, User: "alice", Password: "secret"})

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(nil))
	req.SetBasicAuth("alice", "wrong")
	rec := httptest.NewRecorder()
	srv.handle(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetBlockHeaderUsesChainTip(t *testing.T) {
	svc := &fakeService{
		hdr:   headers.Header{Height: 100, Version: 1, Bits: 0x1d00ffff},
		hdrOK: true,
		tip:   105,
	}
	srv := New(Config{Service: svc})

	resp := doRequest(t, srv, "getblockheader", "aa")
	require.Nil(t, resp.Error)
	require.Equal(t, float64(6), resp.Result.(map[string]any)["confirmations"])
}
