// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package rpcserver implements the Bitcoin-Core-compatible JSON-RPC
// surface over plain HTTP with HTTP Basic Auth, the same transport every
// btcsuite daemon (btcd, colxd) uses for its RPC endpoint. No ecosystem
// JSON-RPC server library appears anywhere in the reference corpus, so
// this stays on net/http rather than adopting one.
package rpcserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/btcsuite/btclog"

	"github.com/lvnilesh/spruned/aggregation"
	"github.com/lvnilesh/spruned/headers"
	"github.com/lvnilesh/spruned/peer"
	"github.com/lvnilesh/spruned/pool"
)

var log = btclog.Disabled

// UseLogger sets the package-wide logger used by rpcserver.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// Bitcoin-Core-compatible JSON-RPC error codes, from bitcoind's rpc/protocol.h.
const (
	errCodeInvalidRequest  = -32600
	errCodeMethodNotFound  = -32601
	errCodeInvalidParams   = -32602
	errCodeInternal        = -32603
	errCodeParse           = -32700
	errCodeVerify          = -25
	errCodeInvalidAddrOrKey = -5
	errCodeClientNotConnected = -9
)

type request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Service is the subset of aggregation.Service the RPC surface calls
// into, narrowed to an interface so handlers are testable without a real
// Service.
type Service interface {
	GetBlock(ctx context.Context, hash string) (map[string]any, error)
	GetRawTransaction(ctx context.Context, txid string) (map[string]any, error)
	GetBlockHash(height int32) (string, bool)
	GetBestBlockHash() (string, bool)
	GetBlockHeader(hash string) (headers.Header, bool)
	ChainTip() int32
}

// Broadcaster sends a raw signed transaction out over a pool, for
// sendrawtransaction.
type Broadcaster interface {
	Call(ctx context.Context, method string, params any, agreement int, returnPeer bool) (*pool.CallResult, error)
}

// FeeService answers estimatefee.
type FeeService interface {
	EstimateFee(ctx context.Context, blocks int, estimator aggregation.FeeEstimator) (float64, error)
}

// Config parameterizes a Server.
type Config struct {
	BindAddr string
	User     string
	Password string

	Service       Service
	Broadcast     Broadcaster
	FeeEstimator  aggregation.FeeEstimator
	Fees          FeeService

	// RequestTimeout bounds how long a single RPC call may take end to
	// end, independent of any per-peer timeout further down.
	RequestTimeout time.Duration
}

// Server is the JSON-RPC HTTP endpoint.
type Server struct {
	cfg    Config
	http   *http.Server
}

// New builds a Server. Call Start to begin listening.
func New(cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{cfg: cfg}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	s.http = &http.Server{
		Addr:    cfg.BindAddr,
		Handler: mux,
	}
	return s
}

// Start begins listening in a background goroutine. Errors after startup
// (other than a clean Stop) are logged, following the standard
// fire-and-forget net/http.Server convention.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("rpcserver: listen on %s: %w", s.cfg.BindAddr, err)
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("rpcserver: serve: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if !s.checkAuth(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="sprvd"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, response{Error: &rpcError{Code: errCodeParse, Message: err.Error()}})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	result, err := s.dispatch(ctx, req.Method, req.Params)
	if err != nil {
		writeJSON(w, response{ID: req.ID, Error: toRPCError(err)})
		return
	}
	writeJSON(w, response{ID: req.ID, Result: result})
}

func (s *Server) checkAuth(r *http.Request) bool {
	if s.cfg.User == "" && s.cfg.Password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.User)) == 1
	passMatch := subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Password)) == 1
	return userMatch && passMatch
}

func writeJSON(w http.ResponseWriter, resp response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warnf("rpcserver: encode response: %v", err)
	}
}

// dispatch routes method to the matching handler, decoding params
// positionally the way Bitcoin Core's own JSON-RPC 1.0 clients send them.
func (s *Server) dispatch(ctx context.Context, method string, params []json.RawMessage) (any, error) {
	switch method {
	case "getblock":
		var hash string
		if err := decodeParam(params, 0, &hash); err != nil {
			return nil, err
		}
		return s.cfg.Service.GetBlock(ctx, hash)

	case "getblockheader":
		var hash string
		if err := decodeParam(params, 0, &hash); err != nil {
			return nil, err
		}
		h, ok := s.cfg.Service.GetBlockHeader(hash)
		if !ok {
			return nil, fmt.Errorf("%w: unknown block hash", errInvalidParams)
		}
		return h.ToMap(s.cfg.Service.ChainTip()), nil

	case "getrawtransaction":
		var txid string
		if err := decodeParam(params, 0, &txid); err != nil {
			return nil, err
		}
		return s.cfg.Service.GetRawTransaction(ctx, txid)

	case "getblockhash":
		var height int32
		if err := decodeParam(params, 0, &height); err != nil {
			return nil, err
		}
		hash, ok := s.cfg.Service.GetBlockHash(height)
		if !ok {
			return nil, fmt.Errorf("%w: block height out of range", errInvalidParams)
		}
		return hash, nil

	case "getbestblockhash":
		hash, ok := s.cfg.Service.GetBestBlockHash()
		if !ok {
			return nil, fmt.Errorf("%w: chain has no headers yet", errClientNotConnected)
		}
		return hash, nil

	case "estimatefee":
		var blocks int
		if err := decodeParam(params, 0, &blocks); err != nil {
			return nil, err
		}
		if s.cfg.Fees == nil {
			return nil, fmt.Errorf("%w: estimatefee not configured", errMethodNotFound)
		}
		return s.cfg.Fees.EstimateFee(ctx, blocks, s.cfg.FeeEstimator)

	case "sendrawtransaction":
		var hexTx string
		if err := decodeParam(params, 0, &hexTx); err != nil {
			return nil, err
		}
		if s.cfg.Broadcast == nil {
			return nil, fmt.Errorf("%w: sendrawtransaction not configured", errMethodNotFound)
		}
		result, err := s.cfg.Broadcast.Call(ctx, "sendrawtransaction", hexTx, 1, false)
		if err != nil {
			return nil, err
		}
		return result.Value, nil

	default:
		return nil, fmt.Errorf("%w: %s", errMethodNotFound, method)
	}
}

func decodeParam(params []json.RawMessage, index int, dest any) error {
	if index >= len(params) {
		return fmt.Errorf("%w: missing parameter %d", errInvalidParams, index)
	}
	if err := json.Unmarshal(params[index], dest); err != nil {
		return fmt.Errorf("%w: parameter %d: %v", errInvalidParams, index, err)
	}
	return nil
}

var (
	errInvalidParams      = errors.New("rpcserver: invalid params")
	errMethodNotFound     = errors.New("rpcserver: method not found")
	errClientNotConnected = errors.New("rpcserver: not connected")
)

// toRPCError maps an internal error to the matching Bitcoin-Core-style
// JSON-RPC error code.
func toRPCError(err error) *rpcError {
	switch {
	case errors.Is(err, errInvalidParams):
		return &rpcError{Code: errCodeInvalidParams, Message: err.Error()}
	case errors.Is(err, errMethodNotFound):
		return &rpcError{Code: errCodeMethodNotFound, Message: err.Error()}
	case errors.Is(err, errClientNotConnected):
		return &rpcError{Code: errCodeClientNotConnected, Message: err.Error()}
	case errors.Is(err, pool.ErrNoPeers), errors.Is(err, pool.ErrMissingResponse):
		return &rpcError{Code: errCodeClientNotConnected, Message: err.Error()}
	case errors.Is(err, peer.ErrTimeout), errors.Is(err, peer.ErrTransport):
		return &rpcError{Code: errCodeClientNotConnected, Message: err.Error()}
	case errors.Is(err, aggregation.ErrNotEnoughServices), errors.Is(err, aggregation.ErrMissingField):
		return &rpcError{Code: errCodeInvalidAddrOrKey, Message: err.Error()}
	default:
		var divErr *aggregation.DivergenceError
		var noQuorum *pool.NoQuorumError
		switch {
		case errors.As(err, &divErr), errors.As(err, &noQuorum):
			return &rpcError{Code: errCodeVerify, Message: err.Error()}
		}
		return &rpcError{Code: errCodeInternal, Message: err.Error()}
	}
}
