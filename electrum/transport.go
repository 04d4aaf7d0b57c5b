// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package electrum implements peer.Transport over the Electrum wire
// protocol: line-delimited JSON-RPC 1.0 over TCP or TLS. It is a thin,
// hand-rolled client: no ecosystem client library for Electrum's framing
// appears anywhere in the reference corpus, so this stays on the standard
// library (net, crypto/tls, encoding/json, bufio) rather than reaching for
// a dependency that does not exist.
package electrum

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

type request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  any             `json:"error"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Transport is a peer.Transport backed by a line-delimited JSON-RPC 1.0
// connection to an Electrum server.
type Transport struct {
	addr   string
	useTLS bool

	conn   net.Conn
	reader *bufio.Reader
	nextID int64

	mu          sync.Mutex
	pending     map[int64]chan response
	subscribers map[string]func(any)

	writeMu sync.Mutex
	quit    chan struct{}
}

// NewTransport builds an Electrum transport for addr. When useTLS is set,
// the connection is wrapped in crypto/tls.
func NewTransport(addr string, useTLS bool) *Transport {
	return &Transport{
		addr:        addr,
		useTLS:      useTLS,
		pending:     make(map[int64]chan response),
		subscribers: make(map[string]func(any)),
		quit:        make(chan struct{}),
	}
}

// Connect opens the TCP (or TLS) connection and starts the background
// read loop, then confirms the server is reachable with server.version.
func (t *Transport) Connect(ctx context.Context) error {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("electrum: dial %s: %w", t.addr, err)
	}
	if t.useTLS {
		conn = tls.Client(conn, &tls.Config{ServerName: hostOnly(t.addr)})
	}
	t.conn = conn
	t.reader = bufio.NewReader(conn)

	go t.readLoop()

	_, err = t.Call(ctx, "server.version", []any{"sprvd", "1.4"})
	return err
}

func (t *Transport) readLoop() {
	for {
		line, err := t.reader.ReadBytes('\n')
		if err != nil {
			t.failAllPending(err)
			return
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		if resp.Method != "" {
			t.mu.Lock()
			cb, ok := t.subscribers[resp.Method]
			t.mu.Unlock()
			if ok {
				cb(json.RawMessage(resp.Params))
			}
			continue
		}
		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (t *Transport) failAllPending(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.pending {
		ch <- response{ID: id, Error: err.Error()}
		delete(t.pending, id)
	}
}

// Call sends a JSON-RPC 1.0 request and waits for the matching response
// by id, honoring ctx's deadline.
func (t *Transport) Call(ctx context.Context, method string, args any) (any, error) {
	params, ok := args.([]any)
	if !ok && args != nil {
		params = []any{args}
	}

	id := atomic.AddInt64(&t.nextID, 1)
	ch := make(chan response, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()

	req := request{ID: id, Method: method, Params: params}
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	encoded = append(encoded, '\n')

	t.writeMu.Lock()
	_, err = t.conn.Write(encoded)
	t.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("electrum: write: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("electrum: server error: %v", resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe installs a subscription (e.g. "blockchain.headers.subscribe")
// and registers onUpdate for the server's push notifications, which carry
// the matching method name ("blockchain.headers.subscribe" pushes are
// framed as notifications, not responses).
func (t *Transport) Subscribe(ctx context.Context, channel string, onUpdate func(any)) (any, error) {
	t.mu.Lock()
	t.subscribers[channel] = onUpdate
	t.mu.Unlock()

	return t.Call(ctx, channel, nil)
}

// Ping uses server.ping where supported, falling back to server.version.
func (t *Transport) Ping(ctx context.Context) error {
	_, err := t.Call(ctx, "server.ping", nil)
	if err != nil {
		_, err = t.Call(ctx, "server.version", []any{"sprvd", "1.4"})
	}
	return err
}

// Close tears down the connection and unblocks the read loop.
func (t *Transport) Close() error {
	select {
	case <-t.quit:
	default:
		close(t.quit)
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
