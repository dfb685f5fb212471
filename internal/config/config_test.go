// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	missingConfigFile := filepath.Join(dir, "does-not-exist.conf")

	cfg, err := Load([]string{
		"--configfile=" + missingConfigFile,
		"--p2paddr=127.0.0.1:8333",
		"--rpcuser=alice",
		"--rpcpass=hunter2",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want default %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.MaxStableSyncAttempts != defaultMaxStableSyncs {
		t.Errorf("MaxStableSyncAttempts = %d, want default %d", cfg.MaxStableSyncAttempts, defaultMaxStableSyncs)
	}
	if cfg.Params == nil || cfg.Params.Name != "mainnet" {
		t.Errorf("Params not resolved to mainnet: %+v", cfg.Params)
	}
}

func TestLoadRejectsMissingRPCAuth(t *testing.T) {
	dir := t.TempDir()
	missingConfigFile := filepath.Join(dir, "does-not-exist.conf")

	_, err := Load([]string{
		"--configfile=" + missingConfigFile,
		"--p2paddr=127.0.0.1:8333",
	})
	if err == nil {
		t.Fatal("expected an error with no RPC auth configured")
	}
}

func TestLoadUnknownNetwork(t *testing.T) {
	dir := t.TempDir()
	missingConfigFile := filepath.Join(dir, "does-not-exist.conf")

	_, err := Load([]string{
		"--configfile=" + missingConfigFile,
		"--p2paddr=127.0.0.1:8333",
		"--rpcuser=alice",
		"--rpcpass=hunter2",
		"--network=moonnet",
	})
	if err == nil {
		t.Fatal("expected an error for an unknown network")
	}
}

func TestCleanAndExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}

	got := cleanAndExpandPath("~/data")
	want := filepath.Clean(filepath.Join(home, "data"))
	if got != want {
		t.Errorf("cleanAndExpandPath(~/data) = %q, want %q", got, want)
	}
}
