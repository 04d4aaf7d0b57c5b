// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package p2p implements peer.Transport over the standard Bitcoin P2P wire
// protocol: version handshake, headers/getheaders, getdata/block,
// inv/tx. It is built directly on btcd's wire and peer packages, the way
// chain.PrunedBlockDispatcher wires up btcd's peer.Peer for querying
// full nodes directly.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcdpeer "github.com/btcsuite/btcd/peer"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/net/proxy"

	"github.com/lvnilesh/spruned/peer"
)

// Dialer opens a net.Conn to a Bitcoin peer, optionally through an
// anonymising overlay (Tor). Swapped out in tests.
type Dialer func(addr string) (net.Conn, error)

// DirectDialer dials addr directly with the standard net package.
func DirectDialer(addr string) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, 10*time.Second)
}

// TorDialer returns a Dialer that routes connections through a local Tor
// SOCKS5 proxy, matching the "use_tor" configuration option.
func TorDialer(torProxyAddr string) (Dialer, error) {
	d, err := proxy.SOCKS5("tcp", torProxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("p2p: building tor dialer: %w", err)
	}
	return func(addr string) (net.Conn, error) {
		return d.Dial("tcp", addr)
	}, nil
}

// Transport is a peer.Transport backed by a real Bitcoin P2P connection.
type Transport struct {
	addr        string
	chainParams *chaincfg.Params
	dial        Dialer

	mu        sync.Mutex
	btcdPeer  *btcdpeer.Peer
	ready     chan struct{}
	msgsRecvd chan wire.Message
	quit      chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan wire.Message
}

// NewTransport builds a P2P transport for the given address. dial is
// usually DirectDialer or the result of TorDialer.
func NewTransport(addr string, chainParams *chaincfg.Params, dial Dialer) *Transport {
	return &Transport{
		addr:        addr,
		chainParams: chainParams,
		dial:        dial,
		ready:       make(chan struct{}),
		msgsRecvd:   make(chan wire.Message, 64),
		quit:        make(chan struct{}),
		pending:     make(map[string]chan wire.Message),
	}
}

// Connect dials the peer and waits for the version handshake (verack) to
// complete, the way PrunedBlockDispatcher.connectToPeer does.
func (t *Transport) Connect(ctx context.Context) error {
	cfg := &btcdpeer.Config{
		ChainParams:      t.chainParams,
		DisableRelayTx:   false,
		TrickleInterval:  time.Second,
		ProtocolVersion:  wire.ProtocolVersion,
		UserAgentName:    "sprvd",
		UserAgentVersion: "0.1.0",
		Listeners: btcdpeer.MessageListeners{
			OnVerAck: func(*btcdpeer.Peer, *wire.MsgVerAck) {
				close(t.ready)
			},
			OnHeaders: func(p *btcdpeer.Peer, msg *wire.MsgHeaders) {
				t.dispatch("headers", msg)
			},
			OnBlock: func(p *btcdpeer.Peer, msg *wire.MsgBlock, buf []byte) {
				t.dispatch(msg.BlockHash().String(), msg)
			},
			OnTx: func(p *btcdpeer.Peer, msg *wire.MsgTx) {
				t.dispatch(msg.TxHash().String(), msg)
			},
			OnAddr: func(p *btcdpeer.Peer, msg *wire.MsgAddr) {
				t.dispatch("addr", msg)
			},
			OnInv: func(p *btcdpeer.Peer, msg *wire.MsgInv) {
				t.dispatch("inv", msg)
			},
		},
		AllowSelfConns: false,
	}

	p, err := btcdpeer.NewOutboundPeer(cfg, t.addr)
	if err != nil {
		return err
	}

	conn, err := t.dial(p.Addr())
	if err != nil {
		return err
	}
	p.AssociateConnection(conn)

	select {
	case <-t.ready:
	case <-ctx.Done():
		p.Disconnect()
		return ctx.Err()
	}

	t.mu.Lock()
	t.btcdPeer = p
	t.mu.Unlock()
	return nil
}

// dispatch fans a received message out to whichever in-flight Call is
// waiting on its key, or to the generic msgsRecvd channel for push-style
// messages (headers announcements, inv).
func (t *Transport) dispatch(key string, msg wire.Message) {
	t.pendingMu.Lock()
	ch, ok := t.pending[key]
	t.pendingMu.Unlock()
	if ok {
		select {
		case ch <- msg:
		default:
		}
		return
	}
	select {
	case t.msgsRecvd <- msg:
	case <-t.quit:
	}
}

// Call issues a getheaders or getdata request and waits for the matching
// response. method selects which request to build; args carries the
// request-specific parameters.
func (t *Transport) Call(ctx context.Context, method string, args any) (any, error) {
	t.mu.Lock()
	p := t.btcdPeer
	t.mu.Unlock()
	if p == nil {
		return nil, errors.New("p2p: not connected")
	}

	switch method {
	case "getheaders":
		locator, ok := args.(peer.HeaderLocator)
		if !ok {
			return nil, errors.New("p2p: getheaders requires a peer.HeaderLocator")
		}
		req := wire.NewMsgGetHeaders()
		req.ProtocolVersion = wire.ProtocolVersion
		if err := req.AddBlockLocatorHash(&locator.Hash); err != nil {
			return nil, err
		}

		respCh := t.waitFor("headers")
		defer t.stopWaiting("headers")
		p.QueueMessage(req, nil)
		raw, err := t.awaitResponse(ctx, respCh)
		if err != nil {
			return nil, err
		}
		msg, ok := raw.(*wire.MsgHeaders)
		if !ok {
			return nil, fmt.Errorf("p2p: unexpected getheaders response type %T", raw)
		}
		return toRawHeaders(msg, locator.StartHeight+1), nil

	case "getblock":
		hash, ok := args.(string)
		if !ok {
			return nil, errors.New("p2p: getblock requires a block hash string")
		}
		getData := wire.NewMsgGetData()
		blockHash, err := chainhash.NewHashFromStr(hash)
		if err != nil {
			return nil, err
		}
		if err := getData.AddInvVect(wire.NewInvVect(wire.InvTypeWitnessBlock, blockHash)); err != nil {
			return nil, err
		}
		respCh := t.waitFor(hash)
		defer t.stopWaiting(hash)
		p.QueueMessage(getData, nil)
		return t.awaitResponse(ctx, respCh)

	case "getrawtransaction":
		txid, ok := args.(string)
		if !ok {
			return nil, errors.New("p2p: getrawtransaction requires a txid string")
		}
		getData := wire.NewMsgGetData()
		txHash, err := chainhash.NewHashFromStr(txid)
		if err != nil {
			return nil, err
		}
		if err := getData.AddInvVect(wire.NewInvVect(wire.InvTypeWitnessTx, txHash)); err != nil {
			return nil, err
		}
		respCh := t.waitFor(txid)
		defer t.stopWaiting(txid)
		p.QueueMessage(getData, nil)
		return t.awaitResponse(ctx, respCh)

	default:
		return nil, fmt.Errorf("p2p: unsupported method %q", method)
	}
}

// toRawHeaders converts a wire.MsgHeaders response into the
// transport-agnostic shape the headers reactor consumes, numbering each
// header sequentially from startHeight since the P2P wire format carries
// no height of its own.
func toRawHeaders(msg *wire.MsgHeaders, startHeight int32) []peer.RawHeader {
	out := make([]peer.RawHeader, 0, len(msg.Headers))
	for i, h := range msg.Headers {
		out = append(out, peer.RawHeader{
			Height:     startHeight + int32(i),
			Hash:       h.BlockHash().String(),
			PrevHash:   h.PrevBlock.String(),
			Version:    h.Version,
			MerkleRoot: h.MerkleRoot.String(),
			Timestamp:  h.Timestamp.Unix(),
			Bits:       h.Bits,
			Nonce:      h.Nonce,
		})
	}
	return out
}

func (t *Transport) waitFor(key string) chan wire.Message {
	ch := make(chan wire.Message, 1)
	t.pendingMu.Lock()
	t.pending[key] = ch
	t.pendingMu.Unlock()
	return ch
}

func (t *Transport) stopWaiting(key string) {
	t.pendingMu.Lock()
	delete(t.pending, key)
	t.pendingMu.Unlock()
}

func (t *Transport) awaitResponse(ctx context.Context, ch chan wire.Message) (any, error) {
	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.quit:
		return nil, errors.New("p2p: transport closed")
	}
}

// Subscribe registers for push-style frames (new block headers, invs).
// The P2P protocol has no explicit subscribe verb; peers simply announce.
// Subscribe returns no first response (nil), and every push-style message
// is forwarded to onUpdate whatever the requested channel is.
func (t *Transport) Subscribe(ctx context.Context, channel string, onUpdate func(any)) (any, error) {
	go func() {
		for {
			select {
			case msg := <-t.msgsRecvd:
				onUpdate(msg)
			case <-t.quit:
				return
			}
		}
	}()
	return nil, nil
}

// Ping reports liveness from btcd's own connection state: it returns nil
// while the underlying btcd peer is connected. It sends no ping message
// of its own and does not wait for a pong.
func (t *Transport) Ping(ctx context.Context) error {
	t.mu.Lock()
	p := t.btcdPeer
	t.mu.Unlock()
	if p == nil {
		return errors.New("p2p: not connected")
	}
	// The btcd peer's connected flag is the only liveness signal used
	// here.
	if p.Connected() {
		return nil
	}
	return errors.New("p2p: peer not connected")
}

// Close disconnects the underlying btcd peer.
func (t *Transport) Close() error {
	close(t.quit)
	t.mu.Lock()
	p := t.btcdPeer
	t.mu.Unlock()
	if p != nil {
		p.Disconnect()
	}
	return nil
}
