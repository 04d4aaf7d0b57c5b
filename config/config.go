// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package config loads sprvd's configuration from an INI file plus
// command-line flags, following the same go-flags convention the rest of
// the btcsuite family uses for its daemons.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "sprvd.conf"
	defaultLogFilename    = "sprvd.log"
	defaultRPCPort        = "8433"
	defaultMinSources     = 2
	defaultKeepBlocks     = 50
	defaultCacheSize      = 100 * 1024 * 1024
)

// Network selects the chain parameters sprvd tracks.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// Config holds every enumerated configuration option named in the
// specification's external-interfaces section.
type Config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir     string `long:"logdir" description:"Directory to log output"`

	Network Network `long:"network" description:"Which chain to track" choice:"mainnet" choice:"testnet"`

	RPCBind     string `long:"rpcbind" description:"Address to bind the JSON-RPC server to"`
	RPCPort     string `long:"rpcport" description:"Port to listen for JSON-RPC connections on"`
	RPCUser     string `long:"rpcuser" description:"Username for JSON-RPC basic auth"`
	RPCPassword string `long:"rpcpassword" description:"Password for JSON-RPC basic auth"`

	CacheSize    int64 `long:"cachesize" description:"Maximum size in bytes of the on-disk response cache"`
	KeepBlocks   int   `long:"keepblocks" description:"Number of most recent blocks to retain bodies for"`
	MempoolSize  int   `long:"mempoolsize" description:"Mempool observer size; parsed but unused, no mempool observer is started"`
	ZMQEnabled   bool  `long:"zmqenabled" description:"Observe a trusted node's hashblock/hashtx notifications over ZeroMQ"`
	ZMQEndpoint  string `long:"zmqendpoint" description:"tcp://host:port of the remote node's ZeroMQ publisher to subscribe to"`
	UseTor       bool  `long:"usetor" description:"Dial peers through a local Tor SOCKS5 proxy"`
	TorProxy     string `long:"torproxy" description:"Address of the local Tor SOCKS5 proxy"`

	ElectrumServers []string `long:"electrumserver" description:"host:port of an Electrum server (may be given multiple times)"`
	P2PPeers        []string `long:"p2ppeer" description:"host:port of a Bitcoin P2P peer (may be given multiple times)"`

	MinSources int `long:"minsources" description:"Minimum number of independent sources required to answer a query"`

	LogLevel string `long:"loglevel" description:"Logging level for all subsystems"`
}

// Load parses command-line flags, then an optional INI config file, with
// flags taking precedence, and fills in defaults for anything left unset.
// Mirrors the two-pass load pattern used throughout the btcsuite daemons:
// a pre-parse to find -C/--configfile, then a full parse layering the file
// under the command line.
func Load() (*Config, error) {
	preCfg := Config{}
	preParser := flags.NewParser(&preCfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := preParser.Parse(); err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if preCfg.ConfigFile != "" {
		cfg.ConfigFile = preCfg.ConfigFile
	}

	parser := flags.NewParser(cfg, flags.Default)
	if _, err := os.Stat(cfg.ConfigFile); err == nil {
		iniParser := flags.NewIniParser(parser)
		if err := iniParser.ParseFile(cfg.ConfigFile); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		ConfigFile:  filepath.Join(dataDir, defaultConfigFilename),
		DataDir:     dataDir,
		LogDir:      filepath.Join(dataDir, "logs"),
		Network:     Mainnet,
		RPCBind:     "127.0.0.1",
		RPCPort:     defaultRPCPort,
		CacheSize:   defaultCacheSize,
		KeepBlocks:  defaultKeepBlocks,
		MinSources:  defaultMinSources,
		TorProxy:    "127.0.0.1:9050",
		LogLevel:    "info",
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".sprvd")
}

func (c *Config) validate() error {
	if c.MinSources < 1 {
		return fmt.Errorf("minsources must be >= 1, got %d", c.MinSources)
	}
	if c.KeepBlocks < 1 {
		return fmt.Errorf("keepblocks must be >= 1, got %d", c.KeepBlocks)
	}
	if c.ZMQEnabled && c.ZMQEndpoint == "" {
		return fmt.Errorf("zmqendpoint is required when zmqenabled is set")
	}
	if len(c.ElectrumServers) == 0 && len(c.P2PPeers) == 0 {
		return fmt.Errorf("at least one of electrumserver or p2ppeer must be configured")
	}
	return nil
}

// LogFilePath returns the full path to the rotated log file.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.LogDir, defaultLogFilename)
}
