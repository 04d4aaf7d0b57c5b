// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// Event is the common type fanned out over a Peer's typed event channels.
// Using one channel per event kind (rather than a heterogeneous callback
// list) keeps each subscriber's handling loop a plain select, and lets the
// pool unsubscribe by simply closing its receive goroutine.
type Event interface {
	isPeerEvent()
}

// ConnectEvent fires once the handshake completes successfully.
type ConnectEvent struct {
	Peer *Peer
}

// DisconnectEvent fires when the connection is closed, for any reason.
type DisconnectEvent struct {
	Peer *Peer
}

// HeaderEvent fires when the peer pushes or returns new block headers.
type HeaderEvent struct {
	Peer    *Peer
	Headers []RawHeader
}

// PeersEvent fires when the peer reports additional addresses it knows of.
type PeersEvent struct {
	Peer      *Peer
	Addresses []string
}

// ErrorEvent fires on any RPC, subscription, or transport failure.
type ErrorEvent struct {
	Peer *Peer
	Err  error
}

func (ConnectEvent) isPeerEvent()    {}
func (DisconnectEvent) isPeerEvent() {}
func (HeaderEvent) isPeerEvent()     {}
func (PeersEvent) isPeerEvent()      {}
func (ErrorEvent) isPeerEvent()      {}

// HeaderLocator is the transport-agnostic "getheaders" request: a block
// locator hash plus the height it corresponds to. A P2P wire getheaders
// carries no height of its own, so the transport needs StartHeight to
// number the RawHeaders it returns; an Electrum transport can ignore it
// and resolve heights directly.
type HeaderLocator struct {
	Hash        chainhash.Hash
	StartHeight int32
}

// RawHeader is the transport-agnostic wire shape of a header, before the
// headers reactor turns it into a validated headers.Header.
type RawHeader struct {
	Height     int32
	Hash       string
	PrevHash   string
	Version    int32
	MerkleRoot string
	Timestamp  int64
	Bits       uint32
	Nonce      uint32
}

// Events is the set of subscribable channels a Peer publishes to. Each
// channel is buffered so a slow subscriber cannot stall the peer's read
// loop; a full channel drops the event and logs it, rather than blocking.
type Events struct {
	OnConnect    chan ConnectEvent
	OnDisconnect chan DisconnectEvent
	OnHeader     chan HeaderEvent
	OnPeers      chan PeersEvent
	OnError      chan ErrorEvent
}

func newEvents() *Events {
	const bufSize = 32
	return &Events{
		OnConnect:    make(chan ConnectEvent, bufSize),
		OnDisconnect: make(chan DisconnectEvent, bufSize),
		OnHeader:     make(chan HeaderEvent, bufSize),
		OnPeers:      make(chan PeersEvent, bufSize),
		OnError:      make(chan ErrorEvent, bufSize),
	}
}

func (e *Events) publish(ev Event) {
	switch v := ev.(type) {
	case ConnectEvent:
		trySend(e.OnConnect, v)
	case DisconnectEvent:
		trySend(e.OnDisconnect, v)
	case HeaderEvent:
		trySend(e.OnHeader, v)
	case PeersEvent:
		trySend(e.OnPeers, v)
	case ErrorEvent:
		trySend(e.OnError, v)
	}
}

func trySend[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
		log.Warnf("dropping event, subscriber channel full: %T", v)
	}
}
