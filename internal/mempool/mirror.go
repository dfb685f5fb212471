// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package mempool mirrors the full node's mempool, indexed by funding
// script and by spent outpoint (spec.md §4.3). Unlike a validating
// mempool (the teacher's mempool.TxPool), this is a read-only reflection
// of whatever the upstream RPC node currently reports: it never accepts,
// rejects, or replaces a transaction on its own authority.
package mempool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"

	"github.com/toole-brendan/shell/internal/cache"
	"github.com/toole-brendan/shell/internal/scripthash"
)

var log = btclog.Disabled

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// EntryInfo is the subset of Bitcoin Core's getmempoolentry reply the
// mirror needs: absolute fee in satoshis and virtual size in weight
// units (spec.md §3).
type EntryInfo struct {
	FeeSatoshis int64
	VSize       int64
}

// RPCClient is the subset of internal/rpcclient.Client the mempool sync
// protocol depends on.
type RPCClient interface {
	GetRawMempool(ctx context.Context) ([]chainhash.Hash, error)
	GetRawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)
	GetMempoolEntry(ctx context.Context, txid chainhash.Hash) (EntryInfo, error)
}

// Entry is an immutable snapshot of one mempool transaction, per the
// Mempool entry record of spec.md §3.
type Entry struct {
	Txid                 chainhash.Hash
	Tx                   *wire.MsgTx
	FeeSatoshis          int64
	VSize                int64
	HasUnconfirmedInputs bool

	// spentScriptHashes are the script hashes of the outputs this
	// entry's inputs consume, resolved once at insertion time so
	// FilterBySpendingScripthash and removal never need a second RPC
	// round trip.
	spentScriptHashes []scripthash.Hash
}

// Mirror is the in-memory mempool mirror: the main entry map plus the
// by_funding and by_spending secondary indices of spec.md §3.
type Mirror struct {
	// mu guards everything below. Sync holds it exclusively; readers
	// (FilterByFunding, FilterBySpending, Get) take it for read,
	// matching the "sync holds an exclusive writer role" rule of
	// spec.md §4.3.
	mu sync.RWMutex

	entries       map[chainhash.Hash]*Entry
	byFunding     map[scripthash.Hash]map[chainhash.Hash]struct{}
	bySpending    map[wire.OutPoint]chainhash.Hash
	bySpendingSh  map[scripthash.Hash]map[chainhash.Hash]struct{}

	histogram []FeeBucket
}

// New returns an empty mempool mirror.
func New() *Mirror {
	return &Mirror{
		entries:      make(map[chainhash.Hash]*Entry),
		byFunding:    make(map[scripthash.Hash]map[chainhash.Hash]struct{}),
		bySpending:   make(map[wire.OutPoint]chainhash.Hash),
		bySpendingSh: make(map[scripthash.Hash]map[chainhash.Hash]struct{}),
	}
}

// Sync reconciles the mirror against the upstream node's current
// mempool, per spec.md §4.3. txCache is the process-wide transaction
// cache (internal/cache), reused here to resolve the scripthash of a
// confirmed output an input spends without a repeat RPC round trip -
// the same prevout-resolution idiom internal/index uses against the P2P
// client.
func (m *Mirror) Sync(ctx context.Context, rpcClient RPCClient, txCache *cache.Cache) error {
	upstreamIDs, err := rpcClient.GetRawMempool(ctx)
	if err != nil {
		return fmt.Errorf("mempool: fetch raw mempool: %w", err)
	}

	upstream := make(map[chainhash.Hash]struct{}, len(upstreamIDs))
	for _, id := range upstreamIDs {
		upstream[id] = struct{}{}
	}

	m.mu.Lock()
	var toRemove []chainhash.Hash
	for id := range m.entries {
		if _, ok := upstream[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}
	var toAdd []chainhash.Hash
	for id := range upstream {
		if _, ok := m.entries[id]; !ok {
			toAdd = append(toAdd, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toRemove {
		m.remove(id)
	}

	fetched := fetchEntriesParallel(ctx, rpcClient, toAdd)
	for _, e := range fetched {
		e.spentScriptHashes = m.resolveSpentScriptHashes(ctx, e.Tx, fetched, rpcClient, txCache)
	}

	m.mu.Lock()
	for _, e := range fetched {
		e.HasUnconfirmedInputs = m.spendsUnconfirmedLocked(e.Tx, fetched)
		m.insertLocked(e)
	}
	m.histogram = computeHistogram(m.entries)
	m.mu.Unlock()

	log.Debugf("mempool: sync complete: +%d -%d entries", len(fetched), len(toRemove))
	return nil
}

// spendsUnconfirmedLocked reports whether any input of tx spends an
// output created by a transaction that is itself unconfirmed: either
// already in the mirror, or arriving in this same sync round. Callers
// must hold m.mu.
func (m *Mirror) spendsUnconfirmedLocked(tx *wire.MsgTx, arriving []*Entry) bool {
	for _, in := range tx.TxIn {
		if _, ok := m.entries[in.PreviousOutPoint.Hash]; ok {
			return true
		}
		for _, a := range arriving {
			if a.Txid == in.PreviousOutPoint.Hash {
				return true
			}
		}
	}
	return false
}

func (m *Mirror) insertLocked(e *Entry) {
	m.entries[e.Txid] = e

	seen := make(map[scripthash.Hash]struct{})
	for _, out := range e.Tx.TxOut {
		sh := scripthash.New(out.PkScript)
		if _, dup := seen[sh]; dup {
			continue
		}
		seen[sh] = struct{}{}
		if m.byFunding[sh] == nil {
			m.byFunding[sh] = make(map[chainhash.Hash]struct{})
		}
		m.byFunding[sh][e.Txid] = struct{}{}
	}

	for _, in := range e.Tx.TxIn {
		m.bySpending[in.PreviousOutPoint] = e.Txid
	}

	for _, sh := range e.spentScriptHashes {
		if m.bySpendingSh[sh] == nil {
			m.bySpendingSh[sh] = make(map[chainhash.Hash]struct{})
		}
		m.bySpendingSh[sh][e.Txid] = struct{}{}
	}
}

// remove deletes entry id and its secondary-index entries.
func (m *Mirror) remove(id chainhash.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return
	}
	delete(m.entries, id)

	for _, out := range e.Tx.TxOut {
		sh := scripthash.New(out.PkScript)
		if set, ok := m.byFunding[sh]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(m.byFunding, sh)
			}
		}
	}
	for _, in := range e.Tx.TxIn {
		if m.bySpending[in.PreviousOutPoint] == id {
			delete(m.bySpending, in.PreviousOutPoint)
		}
	}
	for _, sh := range e.spentScriptHashes {
		if set, ok := m.bySpendingSh[sh]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(m.bySpendingSh, sh)
			}
		}
	}
}

// resolveSpentScriptHashes resolves the script hash of each output tx's
// inputs consume: first against other transactions arriving in this same
// sync round, then the mirror's current entries, then the process-wide
// cache, falling back to an RPC fetch
// of the spent transaction on a cache miss. A resolution failure is
// tolerated (the input is simply omitted from the spending index) since
// spec.md §4.3 treats upstream races as expected.
func (m *Mirror) resolveSpentScriptHashes(ctx context.Context, tx *wire.MsgTx, arriving []*Entry, rpcClient RPCClient, txCache *cache.Cache) []scripthash.Hash {
	var out []scripthash.Hash
	for _, in := range tx.TxIn {
		script, ok := m.lookupOutputScript(ctx, in.PreviousOutPoint, arriving, rpcClient, txCache)
		if !ok {
			continue
		}
		out = append(out, scripthash.New(script))
	}
	return out
}

func (m *Mirror) lookupOutputScript(ctx context.Context, op wire.OutPoint, arriving []*Entry, rpcClient RPCClient, txCache *cache.Cache) ([]byte, bool) {
	for _, a := range arriving {
		if a.Txid == op.Hash {
			return outputScript(a.Tx, op.Index)
		}
	}
	if e, ok := m.Get(op.Hash); ok {
		return outputScript(e.Tx, op.Index)
	}

	tx, err := txCache.AddTx(op.Hash, func() (*wire.MsgTx, error) {
		return rpcClient.GetRawTransaction(ctx, op.Hash)
	})
	if err != nil || tx == nil {
		return nil, false
	}
	return outputScript(tx, op.Index)
}

func outputScript(tx *wire.MsgTx, vout uint32) ([]byte, bool) {
	if tx == nil || int(vout) >= len(tx.TxOut) {
		return nil, false
	}
	return tx.TxOut[vout].PkScript, true
}

func fetchEntriesParallel(ctx context.Context, rpcClient RPCClient, txids []chainhash.Hash) []*Entry {
	type result struct {
		entry *Entry
	}

	resultsCh := make(chan result, len(txids))
	var wg sync.WaitGroup
	for _, id := range txids {
		wg.Add(1)
		go func(id chainhash.Hash) {
			defer wg.Done()

			tx, err := rpcClient.GetRawTransaction(ctx, id)
			if err != nil {
				log.Debugf("mempool: ignoring %s: fetch tx: %v", id, err)
				resultsCh <- result{}
				return
			}
			info, err := rpcClient.GetMempoolEntry(ctx, id)
			if err != nil {
				log.Debugf("mempool: ignoring %s: fetch entry: %v", id, err)
				resultsCh <- result{}
				return
			}
			resultsCh <- result{entry: &Entry{
				Txid:        id,
				Tx:          tx,
				FeeSatoshis: info.FeeSatoshis,
				VSize:       info.VSize,
			}}
		}(id)
	}

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	entries := make([]*Entry, 0, len(txids))
	for r := range resultsCh {
		if r.entry != nil {
			entries = append(entries, r.entry)
		}
	}
	return entries
}

// Get returns the entry for txid, if present.
func (m *Mirror) Get(txid chainhash.Hash) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[txid]
	return e, ok
}

// FilterByFunding returns the txids of mempool transactions creating an
// output whose script hashes to sh, sorted for deterministic output.
func (m *Mirror) FilterByFunding(sh scripthash.Hash) []chainhash.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.byFunding[sh]
	out := make([]chainhash.Hash, 0, len(set))
	for txid := range set {
		out = append(out, txid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// FilterBySpending returns the txid spending outpoint op, if any.
func (m *Mirror) FilterBySpending(op wire.OutPoint) (chainhash.Hash, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txid, ok := m.bySpending[op]
	return txid, ok
}

// FilterBySpendingScripthash returns the txids of mempool transactions
// that spend an output whose script hashes to sh, sorted for
// deterministic output. Combined with FilterByFunding this gives the
// status engine the full set of mempool transactions touching sh
// (spec.md §4.4).
func (m *Mirror) FilterBySpendingScripthash(sh scripthash.Hash) []chainhash.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.bySpendingSh[sh]
	out := make([]chainhash.Hash, 0, len(set))
	for txid := range set {
		out = append(out, txid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Histogram returns the fee-rate histogram computed after the last
// successful sync.
func (m *Mirror) Histogram() []FeeBucket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]FeeBucket, len(m.histogram))
	copy(out, m.histogram)
	return out
}
