// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package config parses cmd/shellelectrsd's command-line flags and
// optional config file with github.com/jessevdk/go-flags, following the
// long/description struct-tag convention the teacher's go.mod already
// depends on for btcd-family node configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"

	"github.com/toole-brendan/shell/internal/rpcclient"
	"github.com/toole-brendan/shell/internal/server"
)

const (
	defaultConfigFilename = "shellelectrsd.conf"
	defaultDataDirname    = "data"
	defaultLogFilename    = "shellelectrsd.log"
	defaultLogLevel       = "info"
	defaultListenAddr     = ":50001"
	defaultSyncInterval   = 10 * time.Second
	defaultConnTimeout    = 10 * time.Minute
	defaultMaxStableSyncs = 3
	defaultMaxLogRolls    = 10
)

// Config is the full set of operator-supplied settings.
type Config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"Directory to store the address index"`
	LogDir     string `long:"logdir" description:"Directory to log output to, empty disables file logging"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`

	Network string `long:"network" description:"Network to connect to {mainnet, testnet3, regtest}"`

	P2PAddr string `long:"p2paddr" description:"host:port of the full node's P2P listener" required:"true"`

	RPCHostPort string `long:"rpchost" description:"host:port of the full node's JSON-RPC listener"`
	RPCCookie   string `long:"rpccookie" description:"Path to the full node's .cookie auth file"`
	RPCUser     string `long:"rpcuser" description:"Username for full node RPC (if not using cookie auth)"`
	RPCPass     string `long:"rpcpass" description:"Password for full node RPC (if not using cookie auth)"`

	ListenAddr            string        `long:"listen" description:"host:port to listen for Electrum client connections on"`
	ConnectionTimeout     time.Duration `long:"conntimeout" description:"Idle timeout before a client connection is dropped"`
	SyncInterval          time.Duration `long:"syncinterval" description:"How often to poll the full node for new blocks and mempool changes"`
	MaxStableSyncAttempts int           `long:"maxstablesyncs" description:"Max index re-sync attempts per tick before notifying clients with whatever tip is current"`

	Banner          string `long:"banner" description:"Text returned by server.banner"`
	DonationAddress string `long:"donationaddress" description:"Address returned by server.donation_address, empty to omit"`

	// Params is resolved from Network after parsing; it carries no flag
	// tag so go-flags leaves it alone.
	Params *chaincfg.Params
}

// defaultConfig returns a Config with every default populated, before
// flags/config-file parsing overrides them.
func defaultConfig() Config {
	return Config{
		ConfigFile:            defaultConfigFilename,
		DataDir:               defaultDataDirname,
		DebugLevel:            defaultLogLevel,
		Network:               "mainnet",
		ListenAddr:            defaultListenAddr,
		ConnectionTimeout:     defaultConnTimeout,
		SyncInterval:          defaultSyncInterval,
		MaxStableSyncAttempts: defaultMaxStableSyncs,
	}
}

// Load parses the config file (if present) and then command-line flags,
// command-line flags taking precedence, the way btcd's loadConfig does
// a pre-parse for -C/--configfile followed by a full flags.IniParse.
func Load(args []string) (*Config, error) {
	cfg := defaultConfig()

	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default&^flags.PrintErrors&^flags.HelpFlag|flags.IgnoreUnknown)
	if _, err := preParser.ParseArgs(args); err != nil {
		// Ignore parse errors in the pre-parse pass; the real parse
		// below will surface them, including --help.
	}
	if preCfg.ConfigFile != "" {
		cfg.ConfigFile = preCfg.ConfigFile
	}

	if _, err := os.Stat(cfg.ConfigFile); err == nil {
		fileParser := flags.NewParser(&cfg, flags.Default)
		if err := flags.NewIniParser(fileParser).ParseFile(cfg.ConfigFile); err != nil {
			return nil, fmt.Errorf("config: parse config file %s: %w", cfg.ConfigFile, err)
		}
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	params, err := networkParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	cfg.Params = params

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	if cfg.LogDir != "" {
		cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	}

	if cfg.RPCCookie == "" && (cfg.RPCUser == "" || cfg.RPCPass == "") {
		return nil, fmt.Errorf("config: either --rpccookie or both --rpcuser and --rpcpass must be set")
	}

	return &cfg, nil
}

func networkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("config: unknown --network %q", network)
	}
}

// RPCClientConfig builds the rpcclient.Config this Config describes.
func (cfg *Config) RPCClientConfig() rpcclient.Config {
	return rpcclient.Config{
		HTTPPostURL: "http://" + cfg.RPCHostPort,
		CookieFile:  cfg.RPCCookie,
		User:        cfg.RPCUser,
		Pass:        cfg.RPCPass,
	}
}

// ServerConfig builds the server.Config this Config describes.
func (cfg *Config) ServerConfig() server.Config {
	return server.Config{
		ListenAddr:            cfg.ListenAddr,
		ConnectionTimeout:     cfg.ConnectionTimeout,
		SyncInterval:          cfg.SyncInterval,
		MaxStableSyncAttempts: cfg.MaxStableSyncAttempts,
	}
}

// LogFilePath returns where the rotated log file should live, or "" if
// file logging is disabled.
func (cfg *Config) LogFilePath() string {
	if cfg.LogDir == "" {
		return ""
	}
	return filepath.Join(cfg.LogDir, defaultLogFilename)
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it, matching btcd's
// config-path handling.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return path
	}

	if path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}

	return filepath.Clean(os.ExpandEnv(path))
}
