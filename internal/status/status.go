// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package status implements the per-subscription status hash of spec.md
// §4.4: a 32-byte digest over a script's confirmed history plus its
// current mempool activity, recomputed on each sync tick so clients
// learn via a changed digest that a refetch is warranted.
package status

import (
	"crypto/sha256"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/toole-brendan/shell/internal/index"
	"github.com/toole-brendan/shell/internal/mempool"
	"github.com/toole-brendan/shell/internal/scripthash"
)

// MempoolTx is one mempool-sourced row of a status's view, tagged with
// its effective height per spec.md §4.4: 0 if all inputs are confirmed,
// -1 if any input is unconfirmed.
type MempoolTx struct {
	Txid          chainhash.Hash
	EffectiveHeight int32
	FeeSatoshis   int64
}

// Status is the per (client, script hash) subscription state: the known
// confirmed history and mempool activity, and the hash derived from
// them.
//
// A single Status is shared between the peer goroutine that subscribes
// it (internal/electrum's scripthashSubscribe) and the sync loop
// goroutine that recomputes it on every tick (internal/server's
// notifyPeers); mu guards every field below ScriptHash, which is set
// once in New and never changes.
type Status struct {
	ScriptHash scripthash.Hash

	mu        sync.Mutex
	confirmed []index.HistoryEntry
	mempool   []MempoolTx

	// hash is nil when both lists are empty, distinguishing "no
	// history at all" from the all-zero digest, per spec.md §4.4.
	hash *chainhash.Hash
}

// New returns an unpopulated subscription for sh; callers should call
// Update immediately to populate it before reporting its hash.
func New(sh scripthash.Hash) *Status {
	return &Status{ScriptHash: sh}
}

// IndexReader is the subset of internal/index.Index the status engine
// needs.
type IndexReader interface {
	FilterByScripthash(sh scripthash.Hash, chainContains func(height int32, blockHash chainhash.Hash) bool) ([]index.HistoryEntry, error)
}

// MempoolReader is the subset of internal/mempool.Mirror the status
// engine needs.
type MempoolReader interface {
	FilterByFunding(sh scripthash.Hash) []chainhash.Hash
	FilterBySpendingScripthash(sh scripthash.Hash) []chainhash.Hash
	Get(txid chainhash.Hash) (*mempool.Entry, bool)
}

// Update re-reads confirmed history from idx and mempool membership from
// mp, recomputes the status hash, and reports whether it changed. Safe
// to call concurrently with CurrentHash and with another Update on the
// same Status: internal/electrum's scripthashSubscribe (peer goroutine)
// and internal/server's notifyPeer (sync loop) both call it.
func (s *Status) Update(idx IndexReader, mp MempoolReader, chainContains func(height int32, blockHash chainhash.Hash) bool) (changed bool, err error) {
	confirmed, err := idx.FilterByScripthash(s.ScriptHash, chainContains)
	if err != nil {
		return false, err
	}

	mempoolTxs := mempoolTxsForScript(s.ScriptHash, mp)
	newHash := computeHash(confirmed, mempoolTxs)

	s.mu.Lock()
	defer s.mu.Unlock()
	changed = !hashesEqual(s.hash, newHash)
	s.confirmed = confirmed
	s.mempool = mempoolTxs
	s.hash = newHash
	return changed, nil
}

// CurrentHash returns the status hash computed by the most recent
// Update, or nil if Update has never run or both lists were empty.
func (s *Status) CurrentHash() *chainhash.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hash
}

func mempoolTxsForScript(sh scripthash.Hash, mp MempoolReader) []MempoolTx {
	seen := make(map[chainhash.Hash]struct{})
	var txids []chainhash.Hash
	for _, txid := range mp.FilterByFunding(sh) {
		if _, dup := seen[txid]; dup {
			continue
		}
		seen[txid] = struct{}{}
		txids = append(txids, txid)
	}
	for _, txid := range mp.FilterBySpendingScripthash(sh) {
		if _, dup := seen[txid]; dup {
			continue
		}
		seen[txid] = struct{}{}
		txids = append(txids, txid)
	}

	out := make([]MempoolTx, 0, len(txids))
	for _, txid := range txids {
		e, ok := mp.Get(txid)
		if !ok {
			continue
		}
		height := int32(0)
		if e.HasUnconfirmedInputs {
			height = -1
		}
		out = append(out, MempoolTx{Txid: txid, EffectiveHeight: height, FeeSatoshis: e.FeeSatoshis})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].EffectiveHeight != out[j].EffectiveHeight {
			return out[i].EffectiveHeight < out[j].EffectiveHeight
		}
		return out[i].Txid.String() < out[j].Txid.String()
	})
	return out
}

// computeHash is the pure function of spec.md §4.4: for each entry in
// confirmed followed by each entry in mempoolTxs, form the ASCII string
// "<txid>:<height>:" and hash the concatenation with SHA-256. If both
// lists are empty, the result is nil (the null status), distinguished
// from the all-zero hash.
func computeHash(confirmed []index.HistoryEntry, mempoolTxs []MempoolTx) *chainhash.Hash {
	if len(confirmed) == 0 && len(mempoolTxs) == 0 {
		return nil
	}

	h := sha256.New()
	for _, e := range confirmed {
		h.Write([]byte(e.Txid.String() + ":" + itoa(e.Height) + ":"))
	}
	for _, m := range mempoolTxs {
		h.Write([]byte(m.Txid.String() + ":" + itoa(m.EffectiveHeight) + ":"))
	}

	var out chainhash.Hash
	copy(out[:], h.Sum(nil))
	return &out
}

func itoa(n int32) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func hashesEqual(a, b *chainhash.Hash) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
