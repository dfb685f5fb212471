// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/toole-brendan/shell/internal/electrum"
)

// notifyWorkers bounds how many peers recompute their subscriptions
// concurrently, using the same channel-and-WaitGroup fan-out idiom
// internal/mempool uses to fetch mempool entries in parallel (there with
// one goroutine per entry rather than a fixed pool).
const notifyWorkers = 8

// syncLoop ticks every cfg.SyncInterval, resyncing the index and mempool
// mirror and then pushing subscription notifications to every peer whose
// state changed.
func (s *Server) syncLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.syncOnce(s.ctx); err != nil {
				log.Errorf("sync failed: %v", err)
				continue
			}
			s.notifyPeers()
		case <-s.triggerCh:
			ticker.Reset(s.cfg.SyncInterval)
			if err := s.syncOnce(s.ctx); err != nil {
				log.Errorf("triggered sync failed: %v", err)
				continue
			}
			s.notifyPeers()
		}
	}
}

// syncOnce drives the index to the P2P peer's current tip and mirrors
// the node's mempool. Index.Sync is re-run until it indexes zero new
// blocks or MaxStableSyncAttempts is reached: a chain advancing faster
// than one sync tick would otherwise leave the index permanently behind
// the notifications this tick is about to send, so the loop chases the
// tip a bounded number of times before settling for "close enough".
func (s *Server) syncOnce(ctx context.Context) error {
	attempts := s.cfg.MaxStableSyncAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		n, err := s.idx.Sync(ctx, s.chain, s.p2pClient, s.txCache)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}

	return s.mirror.Sync(ctx, s.rpcClient, s.txCache)
}

// notifyPeers recomputes every connected peer's subscriptions and
// pushes a notification line for anything that changed since the last
// tick. Per-peer recomputation runs on a bounded worker pool (spec.md
// §5): with many subscribed peers, status recomputation is the
// dominant cost of a sync tick and peers are independent of one
// another.
func (s *Server) notifyPeers() {
	s.peersMu.RLock()
	snapshot := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		snapshot = append(snapshot, p)
	}
	s.peersMu.RUnlock()

	tipHeight := s.chain.Height()
	tipHeader, haveTip := s.chain.GetBlockHeader(tipHeight)

	workers := notifyWorkers
	if n := runtime.NumCPU(); n < workers {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}

	peerCh := make(chan *peer, len(snapshot))
	for _, p := range snapshot {
		peerCh <- p
	}
	close(peerCh)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range peerCh {
				s.notifyPeer(p, tipHeight, tipHeader, haveTip)
			}
		}()
	}
	wg.Wait()
}

// notifyPeer recomputes and pushes notifications for a single peer. It
// is safe to run concurrently with other calls for different peers: the
// per-peer session and per-subscription status each carry their own
// locking.
func (s *Server) notifyPeer(p *peer, tipHeight int32, tipHeader wire.BlockHeader, haveTip bool) {
	if haveTip && p.sess.IsHeadersSubscribed() && p.sess.LastNotifiedHeight() != tipHeight {
		line, err := electrum.EncodeHeadersNotification(tipHeight, tipHeader)
		if err != nil {
			log.Errorf("encode headers notification for peer %d: %v", p.id, err)
		} else if err := p.write(line); err != nil {
			return
		}
		p.sess.SetLastNotifiedHeight(tipHeight)
	}

	for _, st := range p.sess.Subscriptions() {
		changed, err := st.Update(s.idx, s.mirror, s.chain.ContainsAtHeight)
		if err != nil {
			log.Errorf("update status for peer %d: %v", p.id, err)
			continue
		}
		if !changed {
			continue
		}

		line, err := electrum.EncodeScripthashNotification(st.ScriptHash, st.CurrentHash())
		if err != nil {
			log.Errorf("encode scripthash notification for peer %d: %v", p.id, err)
			continue
		}
		if err := p.write(line); err != nil {
			continue
		}
	}
}
