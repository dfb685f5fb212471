// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package server accepts Electrum client connections and drives the
// periodic sync loop that keeps the address index, the mempool mirror,
// and every connected peer's subscriptions current. Its connection
// handling is adapted from the stratum mining-pool server's accept
// loop (mining/mobilex/pool.StratumServer): one goroutine per
// connection, newline-delimited JSON framing, a registry of connected
// clients guarded by a mutex.
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"

	"github.com/toole-brendan/shell/internal/cache"
	"github.com/toole-brendan/shell/internal/chain"
	"github.com/toole-brendan/shell/internal/electrum"
	"github.com/toole-brendan/shell/internal/index"
	"github.com/toole-brendan/shell/internal/mempool"
)

var log = btclog.Disabled

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// P2PClient is the subset of internal/p2p.Client the sync loop needs,
// declared locally to avoid an import cycle.
type P2PClient interface {
	GetNewHeaders(ctx context.Context, locator []chainhash.Hash) ([]wire.BlockHeader, error)
	ForBlocks(ctx context.Context, hashes []chainhash.Hash, cb func(chainhash.Hash, *wire.MsgBlock) error) error
}

// Config controls connection handling and sync cadence.
type Config struct {
	ListenAddr        string
	ConnectionTimeout time.Duration
	SyncInterval      time.Duration

	// MaxStableSyncAttempts bounds the "sync until the chain tip stops
	// moving" loop each tick runs before giving up and notifying peers
	// with whatever it has: a tip that keeps advancing under a fast
	// chain must not starve client notifications forever.
	MaxStableSyncAttempts int
}

// DefaultConfig returns sane defaults for a mainnet-scale deployment.
func DefaultConfig() Config {
	return Config{
		ListenAddr:            ":50001",
		ConnectionTimeout:     10 * time.Minute,
		SyncInterval:          10 * time.Second,
		MaxStableSyncAttempts: 3,
	}
}

// Server is the Electrum server loop: a TCP listener, a registry of
// connected peers, and a ticking sync loop that keeps the shared index,
// mempool mirror, and every peer's subscriptions current.
type Server struct {
	cfg        Config
	dispatcher *electrum.Dispatcher

	chain     *chain.Chain
	idx       *index.Index
	mirror    *mempool.Mirror
	txCache   *cache.Cache
	p2pClient P2PClient
	rpcClient mempool.RPCClient

	listener net.Listener

	peersMu    sync.RWMutex
	peers      map[uint64]*peer
	nextPeerID uint64

	// triggerCh wakes the sync loop immediately, bypassing the ticker.
	// Buffered so a caller never blocks on a loop that is already about
	// to run.
	triggerCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// peer is one connected Electrum client.
type peer struct {
	id   uint64
	conn net.Conn

	writeMu sync.Mutex
	writer  *bufio.Writer

	sess *electrum.Session
}

// New builds a Server. The caller retains ownership of the chain, index,
// mirror, and clients passed in; the dispatcher wraps them for the
// protocol layer and the sync loop drives them directly.
func New(cfg Config, dispatcher *electrum.Dispatcher, ch *chain.Chain, idx *index.Index, mirror *mempool.Mirror, txCache *cache.Cache, p2pClient P2PClient, rpcClient mempool.RPCClient) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		chain:      ch,
		idx:        idx,
		mirror:     mirror,
		txCache:    txCache,
		p2pClient:  p2pClient,
		rpcClient:  rpcClient,
		peers:      make(map[uint64]*peer),
		triggerCh:  make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Trigger wakes the sync loop immediately instead of waiting for the
// next tick, for an operator-driven signal such as SIGUSR1 (e.g. a
// bitcoind blocknotify hook). Never blocks: if a trigger is already
// pending, this is a no-op.
func (s *Server) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// Start begins listening for peer connections and runs the sync loop
// until Stop is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = listener
	log.Infof("listening for electrum peers on %s", s.cfg.ListenAddr)

	s.wg.Add(2)
	go s.acceptConnections()
	go s.syncLoop()
	return nil
}

// Stop cancels the sync loop, closes the listener and every open
// connection, and waits for all goroutines to exit.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.peersMu.Lock()
	for _, p := range s.peers {
		p.conn.Close()
	}
	s.peersMu.Unlock()

	s.wg.Wait()
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Warnf("accept error: %v", err)
				continue
			}
		}

		id := atomic.AddUint64(&s.nextPeerID, 1)
		p := &peer{
			id:     id,
			conn:   conn,
			writer: bufio.NewWriter(conn),
			sess:   electrum.NewSession(),
		}

		s.peersMu.Lock()
		s.peers[id] = p
		s.peersMu.Unlock()

		s.wg.Add(1)
		go s.handlePeer(p)
	}
}

func (s *Server) handlePeer(p *peer) {
	defer s.wg.Done()
	defer s.removePeer(p)

	reader := bufio.NewReader(p.conn)
	for {
		if s.cfg.ConnectionTimeout > 0 {
			p.conn.SetDeadline(time.Now().Add(s.cfg.ConnectionTimeout))
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		resp := s.dispatcher.Handle(s.ctx, p.sess, line)
		if werr := p.write(resp); werr != nil {
			return
		}
	}
}

func (p *peer) write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := p.writer.Write(data); err != nil {
		return err
	}
	return p.writer.Flush()
}

func (s *Server) removePeer(p *peer) {
	p.conn.Close()
	s.peersMu.Lock()
	delete(s.peers, p.id)
	s.peersMu.Unlock()
}
