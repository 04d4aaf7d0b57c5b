// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package zmqpub provides an optional ZMQ observer for sprvd. gozmq (github.com/lightninglabs/gozmq) implements
// only the subscriber half of the ZMQ wire protocol, so rather than
// publish sprvd's own notifications over ZMQ, this package lets sprvd
// subscribe to a trusted full node's existing hashblock/hashtx publisher
// as an additional, low-latency signal alongside its P2P and Electrum
// peers. This mirrors the original builder.py's zmq_observer integration
// point while matching the actual capability of the available library.
package zmqpub

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightninglabs/gozmq"
)

var log = btclog.Disabled

// UseLogger sets the package-wide logger used by zmqpub.
func UseLogger(logger btclog.Logger) {
	log = logger
}

const (
	topicHashBlock = "hashblock"
	topicHashTx    = "hashtx"

	// commandTimeout bounds how long a ZMTP handshake or subscribe
	// command may take before gozmq gives up.
	commandTimeout = 5 * time.Second
)

// Config parameterizes an Observer.
type Config struct {
	// Address is the trusted node's ZMQ PUB endpoint, e.g.
	// "tcp://127.0.0.1:28332".
	Address string
	// OnHashBlock is invoked synchronously on the read goroutine for
	// every published block hash.
	OnHashBlock func(hashHex string)
	// OnHashTx is invoked for every published transaction hash. The
	// hashtx topic is subscribed to only when OnHashTx is set.
	OnHashTx func(hashHex string)
}

// Observer subscribes to a remote ZMQ publisher and forwards hashblock
// and hashtx notifications to configured callbacks. It is an optional
// accelerant: sprvd's correctness never depends on it, only its
// responsiveness does.
type Observer struct {
	cfg  Config
	conn *gozmq.Conn

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewObserver connects to cfg.Address and subscribes to hashblock, and to
// hashtx if cfg.OnHashTx is set.
func NewObserver(cfg Config) (*Observer, error) {
	conn, err := gozmq.NewConn(cfg.Address, commandTimeout)
	if err != nil {
		return nil, fmt.Errorf("zmqpub: connect to %s: %w", cfg.Address, err)
	}

	if err := conn.Subscribe(topicHashBlock); err != nil {
		conn.Close()
		return nil, fmt.Errorf("zmqpub: subscribe hashblock: %w", err)
	}
	if cfg.OnHashTx != nil {
		if err := conn.Subscribe(topicHashTx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("zmqpub: subscribe hashtx: %w", err)
		}
	}

	return &Observer{
		cfg:  cfg,
		conn: conn,
		quit: make(chan struct{}),
	}, nil
}

// Start begins the read loop in a background goroutine.
func (o *Observer) Start() {
	o.wg.Add(1)
	go o.run()
}

// Stop closes the underlying connection and waits for the read loop to
// exit.
func (o *Observer) Stop() {
	close(o.quit)
	o.conn.Close()
	o.wg.Wait()
}

func (o *Observer) run() {
	defer o.wg.Done()
	for {
		select {
		case <-o.quit:
			return
		default:
		}

		msg, err := o.conn.ReceiveMessage()
		if err != nil {
			select {
			case <-o.quit:
				return
			default:
			}
			log.Warnf("zmqpub: receive failed, retrying: %v", err)
			time.Sleep(time.Second)
			continue
		}
		o.dispatch(msg)
	}
}

// dispatch expects the standard bitcoind ZMQ multipart framing: [topic,
// 32-byte hash in internal byte order, sequence number].
func (o *Observer) dispatch(msg [][]byte) {
	if len(msg) < 2 {
		return
	}
	topic := string(msg[0])
	hash := reverseHex(msg[1])

	switch topic {
	case topicHashBlock:
		if o.cfg.OnHashBlock != nil {
			o.cfg.OnHashBlock(hash)
		}
	case topicHashTx:
		if o.cfg.OnHashTx != nil {
			o.cfg.OnHashTx(hash)
		}
	}
}

// reverseHex renders a 32-byte internal-order hash as the conventional
// display order (big-endian hex), matching how block and transaction
// hashes are shown everywhere else in the RPC surface.
func reverseHex(raw []byte) string {
	buf := make([]byte, len(raw))
	for i, b := range raw {
		buf[len(raw)-1-i] = b
	}
	return fmt.Sprintf("%x", buf)
}
