// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package logctx centralises the per-package btclog.Logger wiring that
// internal/index, internal/mempool, internal/electrum, internal/server,
// internal/p2p, and internal/rpcclient each expose through their own
// UseLogger function. Rather than have cmd/shellelectrsd poke at six
// packages individually, it builds one btclog.Backend (stdout plus an
// optionally rotated log file, following the jrick/logrotate pattern
// other btcd-family daemons use) and hands each package its own tagged
// subsystem logger cut from that backend.
package logctx

import (
	"fmt"
	"io"
	"os"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/toole-brendan/shell/internal/electrum"
	"github.com/toole-brendan/shell/internal/index"
	"github.com/toole-brendan/shell/internal/mempool"
	"github.com/toole-brendan/shell/internal/p2p"
	"github.com/toole-brendan/shell/internal/rpcclient"
	"github.com/toole-brendan/shell/internal/server"
)

// subsystem tags, four characters wide to line up in log output the way
// btcd-family daemons print them.
const (
	tagIndex    = "INDX"
	tagMempool  = "MEMP"
	tagServer   = "SRVR"
	tagP2P      = "P2P "
	tagRPC      = "RPCC"
	tagElectrum = "ELEC"
	tagMain     = "MAIN"
)

// subsystems lists every tag this package knows how to set a level for,
// used by SetLogLevels to apply one level to all of them.
var subsystems = []string{tagIndex, tagMempool, tagServer, tagP2P, tagRPC, tagElectrum, tagMain}

// loggers holds the live per-subsystem Logger so SetLogLevels can be
// called again later (e.g. in response to a config reload) without
// re-running Init.
var loggers = make(map[string]btclog.Logger, len(subsystems))

var backendLog *btclog.Backend

// Init builds the shared backend writing to w (stdout/stderr, typically
// io.MultiWriter'd with a rotator from NewRotator) and wires every
// package's UseLogger to a subsystem-tagged logger cut from it, all at
// level.
func Init(w io.Writer, level string) error {
	backendLog = btclog.NewBackend(w)

	loggers[tagIndex] = backendLog.Logger(tagIndex)
	loggers[tagMempool] = backendLog.Logger(tagMempool)
	loggers[tagServer] = backendLog.Logger(tagServer)
	loggers[tagP2P] = backendLog.Logger(tagP2P)
	loggers[tagRPC] = backendLog.Logger(tagRPC)
	loggers[tagElectrum] = backendLog.Logger(tagElectrum)
	loggers[tagMain] = backendLog.Logger(tagMain)

	index.UseLogger(loggers[tagIndex])
	mempool.UseLogger(loggers[tagMempool])
	server.UseLogger(loggers[tagServer])
	p2p.UseLogger(loggers[tagP2P])
	rpcclient.UseLogger(loggers[tagRPC])
	electrum.UseLogger(loggers[tagElectrum])

	return SetLogLevels(level)
}

// Logger returns the shared "MAIN" subsystem logger Init wired up, for
// cmd/shellelectrsd's own top-level log lines.
func Logger() btclog.Logger {
	return loggers[tagMain]
}

// SetLogLevels sets every subsystem logger to level (e.g. "info",
// "debug", "trace").
func SetLogLevels(level string) error {
	lvl, ok := btclog.LevelFromString(level)
	if !ok {
		return fmt.Errorf("logctx: unknown log level %q", level)
	}
	for _, tag := range subsystems {
		loggers[tag].SetLevel(lvl)
	}
	return nil
}

// NewRotator opens (creating if necessary) a size-rotated log file at
// path, returning a writer that should be combined with os.Stdout via
// io.MultiWriter before being passed to Init. maxRolls bounds how many
// historical files are kept around.
func NewRotator(path string, maxRolls int) (io.WriteCloser, error) {
	dir := dirOf(path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("logctx: create log directory %s: %w", dir, err)
		}
	}

	r, err := rotator.New(path, 10*1024, false, maxRolls)
	if err != nil {
		return nil, fmt.Errorf("logctx: open log rotator for %s: %w", path, err)
	}
	return r, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return ""
}
