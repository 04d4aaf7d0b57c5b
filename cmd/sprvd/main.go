// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command sprvd runs the SPV-class Bitcoin node: it wires the Electrum
// and P2P connection pools, the headers and blocks reactors, the
// aggregation service, the on-disk cache, and the JSON-RPC server
// together, the way builder.py assembles the original process's
// collaborators.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/btcsuite/btclog"

	"github.com/lvnilesh/spruned/aggregation"
	"github.com/lvnilesh/spruned/blocks"
	"github.com/lvnilesh/spruned/cache/filecache"
	"github.com/lvnilesh/spruned/config"
	"github.com/lvnilesh/spruned/electrum"
	"github.com/lvnilesh/spruned/headers"
	"github.com/lvnilesh/spruned/logutil"
	"github.com/lvnilesh/spruned/p2p"
	"github.com/lvnilesh/spruned/peer"
	"github.com/lvnilesh/spruned/pool"
	"github.com/lvnilesh/spruned/repository"
	"github.com/lvnilesh/spruned/rpcserver"
	"github.com/lvnilesh/spruned/zmqpub"
)

var log = btclog.Disabled

// wireLoggers creates one subsystem logger per package that exposes
// UseLogger, the same tagging scheme the rest of the btcsuite family uses
// (one letter-coded tag per subsystem in the shared log file).
func wireLoggers() map[string]btclog.Logger {
	loggers := map[string]btclog.Logger{
		"SPRV": logutil.NewSubsystemLogger("SPRV"),
		"POOL": logutil.NewSubsystemLogger("POOL"),
		"PEER": logutil.NewSubsystemLogger("PEER"),
		"HDRS": logutil.NewSubsystemLogger("HDRS"),
		"BLKS": logutil.NewSubsystemLogger("BLKS"),
		"AGGR": logutil.NewSubsystemLogger("AGGR"),
		"RPCS": logutil.NewSubsystemLogger("RPCS"),
		"FCCH": logutil.NewSubsystemLogger("FCCH"),
		"ZMQP": logutil.NewSubsystemLogger("ZMQP"),
		"P2P":  logutil.NewSubsystemLogger("P2P"),
		"ELEC": logutil.NewSubsystemLogger("ELEC"),
	}
	log = loggers["SPRV"]
	pool.UseLogger(loggers["POOL"])
	peer.UseLogger(loggers["PEER"])
	headers.UseLogger(loggers["HDRS"])
	blocks.UseLogger(loggers["BLKS"])
	aggregation.UseLogger(loggers["AGGR"])
	rpcserver.UseLogger(loggers["RPCS"])
	filecache.UseLogger(loggers["FCCH"])
	zmqpub.UseLogger(loggers["ZMQP"])
	p2p.UseLogger(loggers["P2P"])
	electrum.UseLogger(loggers["ELEC"])
	return loggers
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sprvd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if err := os.MkdirAll(cfg.LogDir, 0o700); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	if err := logutil.InitLogRotator(cfg.LogFilePath()); err != nil {
		return fmt.Errorf("initializing log rotator: %w", err)
	}
	subsystemLoggers := wireLoggers()
	logutil.SetLogLevels(subsystemLoggers, cfg.LogLevel)

	chainParams := chainParamsFor(cfg.Network)

	rt, err := buildRuntime(cfg, chainParams)
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt.start(ctx)
	log.Infof("sprvd started, rpc listening on %s", cfg.RPCBind+":"+cfg.RPCPort)

	waitForShutdownSignal()

	log.Infof("sprvd shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	rt.stop(shutdownCtx)
	return nil
}

// waitForShutdownSignal blocks until SIGINT or SIGTERM arrives, the same
// interrupt-listener convention the btcsuite daemons use.
func waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}

func chainParamsFor(network config.Network) *chaincfg.Params {
	if network == config.Testnet {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// runtime holds every long-lived collaborator built by buildRuntime: the
// Electrum and P2P connection pools, the header repository and file
// cache, the aggregation service, the JSON-RPC server, the headers and
// blocks reactors, and the optional ZMQ observer.
type runtime struct {
	electrumPool *pool.Pool
	p2pPool      *pool.Pool

	repo  *repository.HeaderRepository
	cache *filecache.Cache

	aggSvc *aggregation.Service

	rpc *rpcserver.Server

	headersReactor *headers.Reactor
	blocksReactor  *blocks.Reactor

	zmqObserver *zmqpub.Observer
}

func buildRuntime(cfg *config.Config, chainParams *chaincfg.Params) (*runtime, error) {
	rt := &runtime{}

	electrumServers, err := parseElectrumServers(cfg.ElectrumServers)
	if err != nil {
		return nil, err
	}
	rt.electrumPool = pool.New(pool.Config{Servers: electrumServers}, func(spec pool.ServerSpec) *peer.Peer {
		// Port 50002 is the Electrum protocol's conventional SSL port;
		// 50001 (and everything else) is plaintext TCP.
		t := electrum.NewTransport(fmt.Sprintf("%s:%s", spec.Host, spec.Port), spec.Port == "50002")
		return peer.New(spec.Host, spec.Port, peer.ProtocolElectrum, t)
	})

	p2pServers, err := parseP2PPeers(cfg.P2PPeers)
	if err != nil {
		return nil, err
	}
	dial := p2p.DirectDialer
	if cfg.UseTor {
		dial, err = p2p.TorDialer(cfg.TorProxy)
		if err != nil {
			return nil, fmt.Errorf("building tor dialer: %w", err)
		}
	}
	rt.p2pPool = pool.New(pool.Config{Servers: p2pServers}, func(spec pool.ServerSpec) *peer.Peer {
		t := p2p.NewTransport(fmt.Sprintf("%s:%s", spec.Host, spec.Port), chainParams, dial)
		return peer.New(spec.Host, spec.Port, peer.ProtocolP2P, t)
	})

	repoPath := filepath.Join(cfg.DataDir, "headers.db")
	rt.repo, err = repository.Open(repoPath)
	if err != nil {
		return nil, fmt.Errorf("opening header repository: %w", err)
	}
	if err := seedGenesisIfEmpty(rt.repo, chainParams); err != nil {
		return nil, fmt.Errorf("seeding genesis header: %w", err)
	}

	rt.cache, err = filecache.New(filecache.Config{
		Directory: filepath.Join(cfg.DataDir, "cache"),
		MaxBytes:  cfg.CacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("opening file cache: %w", err)
	}

	rt.headersReactor, err = headers.NewReactor(headers.Config{ChainParams: chainParams}, rt.repo, rt.p2pPool)
	if err != nil {
		return nil, fmt.Errorf("building headers reactor: %w", err)
	}
	chain := rt.headersReactor.Chain()

	electrumService := electrum.NewService(rt.electrumPool, chain)

	rt.blocksReactor = blocks.NewReactor(blocks.Config{KeepBlocks: int32(cfg.KeepBlocks)}, rt.p2pPool, func(hash string) {
		_ = rt.cache.Unpin(cacheNamespaceBlock, hash)
	})
	p2pService := p2p.NewService(rt.p2pPool, rt.blocksReactor, chain)

	rt.aggSvc = aggregation.NewService(
		aggregation.Config{MinSources: cfg.MinSources},
		[]aggregation.UpstreamService{electrumService},
		[]aggregation.UpstreamService{p2pService},
		rt.cache,
		chain,
	)

	rt.rpc = rpcserver.New(rpcserver.Config{
		BindAddr:     cfg.RPCBind + ":" + cfg.RPCPort,
		User:         cfg.RPCUser,
		Password:     cfg.RPCPassword,
		Service:      rt.aggSvc,
		Broadcast:    rt.p2pPool,
		FeeEstimator: electrumService,
		Fees:         rt.aggSvc,
	})

	if cfg.ZMQEnabled {
		rt.zmqObserver, err = zmqpub.NewObserver(zmqpub.Config{
			Address: cfg.ZMQEndpoint,
			OnHashBlock: func(hashHex string) {
				log.Debugf("zmq observer: saw hashblock %s", hashHex)
			},
		})
		if err != nil {
			return nil, fmt.Errorf("starting zmq observer: %w", err)
		}
	}

	return rt, nil
}

const cacheNamespaceBlock = "getblock"

// seedGenesisIfEmpty persists chainParams' genesis header as height 0 if
// the repository has no tip yet, mirroring the original process bootstrapping
// its local blockchain repository with the network's genesis block on first
// run.
func seedGenesisIfEmpty(repo *repository.HeaderRepository, chainParams *chaincfg.Params) error {
	if _, ok, err := repo.Tip(); err != nil || ok {
		return err
	}
	genesis := chainParams.GenesisBlock.Header
	h := headers.Header{
		Height:     0,
		Version:    genesis.Version,
		PrevHash:   genesis.PrevBlock,
		MerkleRoot: genesis.MerkleRoot,
		Timestamp:  genesis.Timestamp.Unix(),
		Bits:       genesis.Bits,
		Nonce:      genesis.Nonce,
	}
	return repo.SaveHeader(h)
}

func (rt *runtime) start(ctx context.Context) {
	if err := rt.electrumPool.Start(ctx); err != nil {
		log.Warnf("electrum pool failed to start cleanly: %v", err)
	}
	if err := rt.p2pPool.Start(ctx); err != nil {
		log.Warnf("p2p pool failed to start cleanly: %v", err)
	}
	rt.headersReactor.Start(ctx)

	go func() {
		for ev := range rt.headersReactor.Events().OnApply {
			rt.blocksReactor.OnNewTip(ctx, ev.Header)
		}
	}()
	go func() {
		for ev := range rt.headersReactor.Events().OnRollback {
			rt.blocksReactor.OnRollback(ev.Header)
		}
	}()

	if rt.zmqObserver != nil {
		rt.zmqObserver.Start()
	}

	if err := rt.rpc.Start(); err != nil {
		log.Errorf("rpc server failed to start: %v", err)
	}
}

// stop tears collaborators down in the reverse order from start: the RPC
// surface first (stop accepting new work), then the ZMQ observer, then
// the headers reactor, then the pools, then the repository. The blocks
// reactor has no stop of its own.
func (rt *runtime) stop(ctx context.Context) {
	if err := rt.rpc.Stop(ctx); err != nil {
		log.Warnf("rpc server shutdown: %v", err)
	}
	if rt.zmqObserver != nil {
		rt.zmqObserver.Stop()
	}
	rt.headersReactor.Stop()
	rt.p2pPool.Stop()
	rt.electrumPool.Stop()
	if err := rt.repo.Close(); err != nil {
		log.Warnf("closing header repository: %v", err)
	}
}

func parseElectrumServers(servers []string) ([]pool.ServerSpec, error) {
	out := make([]pool.ServerSpec, 0, len(servers))
	for _, s := range servers {
		host, port, err := splitHostPort(s)
		if err != nil {
			return nil, fmt.Errorf("electrumserver %q: %w", s, err)
		}
		out = append(out, pool.ServerSpec{Host: host, Port: port, Protocol: peer.ProtocolElectrum})
	}
	return out, nil
}

func parseP2PPeers(peers []string) ([]pool.ServerSpec, error) {
	out := make([]pool.ServerSpec, 0, len(peers))
	for _, s := range peers {
		host, port, err := splitHostPort(s)
		if err != nil {
			return nil, fmt.Errorf("p2ppeer %q: %w", s, err)
		}
		out = append(out, pool.ServerSpec{Host: host, Port: port, Protocol: peer.ProtocolP2P})
	}
	return out, nil
}

func splitHostPort(addr string) (host, port string, err error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("missing port")
	}
	host, port = addr[:idx], addr[idx+1:]
	if _, err := strconv.Atoi(port); err != nil {
		return "", "", fmt.Errorf("invalid port %q", port)
	}
	return host, port, nil
}
