// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package index builds and queries the persistent script-hash history
// index described in spec.md §4.2: a mapping from script hash to the
// ordered list of confirmed transactions that touch it, built block by
// block from the P2P client and stored in internal/store.
package index

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog"

	"github.com/toole-brendan/shell/internal/scripthash"
	"github.com/toole-brendan/shell/internal/store"
)

// log is a logger that is initialized with no output filters. This means
// the package will not perform any logging by default until the caller
// requests it.
var log = btclog.Disabled

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// SchemaVersion is the current on-disk layout version. A store opened with
// a different major version refuses to start (spec.md §6, Persistent
// state).
const SchemaVersion uint32 = 1

// ErrSchemaMismatch is returned by Open when the on-disk schema version
// does not match SchemaVersion.
var ErrSchemaMismatch = errors.New("index: on-disk schema version does not match this binary")

// ErrConsistency reports a condition spec.md §7 classifies as a bug: the
// index or its caller observed state that should be structurally
// impossible (e.g. a parent hash that does not anchor in the chain).
type ErrConsistency struct {
	Detail string
}

func (e *ErrConsistency) Error() string {
	return fmt.Sprintf("index: consistency error: %s", e.Detail)
}

// HistoryEntry is the tuple (script hash, height, txid, position) of
// spec.md §3.
type HistoryEntry struct {
	ScriptHash scripthash.Hash
	Height     int32
	Txid       chainhash.Hash
	Pos        uint32
}

// HeightMeta is the per-height metadata used to find the sync frontier:
// the hash of the block at that height, and whether it has been fully
// indexed.
type HeightMeta struct {
	BlockHash chainhash.Hash
	Indexed   bool
}

// Index is the persistent script-hash history index.
type Index struct {
	db *store.DB
}

// Open opens the index backed by db, validating (and, if empty, writing)
// the schema version record.
func Open(db *store.DB) (*Index, error) {
	idx := &Index{db: db}

	raw, ok, err := db.Get(store.ColumnSchema, []byte("version"))
	if err != nil {
		return nil, err
	}
	if !ok {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], SchemaVersion)
		if err := db.Put(store.ColumnSchema, []byte("version"), buf[:]); err != nil {
			return nil, err
		}
		return idx, nil
	}

	onDisk := binary.BigEndian.Uint32(raw)
	if onDisk != SchemaVersion {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrSchemaMismatch, onDisk, SchemaVersion)
	}
	return idx, nil
}

// historyKey encodes (scripthash || height || pos) big-endian so that a
// single bounded range scan over a scripthash prefix yields history
// sorted by (height, pos).
func historyKey(sh scripthash.Hash, height int32, pos uint32) []byte {
	key := make([]byte, 0, len(sh)+4+4)
	key = append(key, sh[:]...)
	var hb, pb [4]byte
	binary.BigEndian.PutUint32(hb[:], uint32(height))
	binary.BigEndian.PutUint32(pb[:], pos)
	key = append(key, hb[:]...)
	key = append(key, pb[:]...)
	return key
}

func decodeHistoryKey(key []byte) (sh scripthash.Hash, height int32, pos uint32) {
	copy(sh[:], key[:32])
	height = int32(binary.BigEndian.Uint32(key[32:36]))
	pos = binary.BigEndian.Uint32(key[36:40])
	return
}

func heightKey(height int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(height))
	return b[:]
}

func encodeHeightMeta(m HeightMeta) []byte {
	out := make([]byte, chainhash.HashSize+1)
	copy(out, m.BlockHash[:])
	if m.Indexed {
		out[chainhash.HashSize] = 1
	}
	return out
}

func decodeHeightMeta(raw []byte) HeightMeta {
	var m HeightMeta
	copy(m.BlockHash[:], raw[:chainhash.HashSize])
	m.Indexed = raw[chainhash.HashSize] == 1
	return m
}

func txidIndexKey(txid chainhash.Hash) []byte {
	return txid[:]
}

// FilterByScripthash returns the confirmed history for sh, sorted by
// (height, position), restricted to entries whose height is a member of
// the current best chain. chainContains should report chain membership
// for a given height's recorded block hash (internal/chain.Chain's
// ContainsAtHeight satisfies this).
func (idx *Index) FilterByScripthash(sh scripthash.Hash, chainContains func(height int32, blockHash chainhash.Hash) bool) ([]HistoryEntry, error) {
	it := idx.db.Iterator(store.ColumnHistory, sh[:])
	defer it.Release()

	var out []HistoryEntry
	for it.Next() {
		key := store.StripColumnPrefix(it.Key())
		gotSh, height, pos := decodeHistoryKey(key)
		if gotSh != sh {
			break
		}

		meta, ok, err := idx.HeightMetadata(height)
		if err != nil {
			return nil, err
		}
		if !ok || (chainContains != nil && !chainContains(height, meta.BlockHash)) {
			continue
		}

		var txid chainhash.Hash
		copy(txid[:], it.Value())
		out = append(out, HistoryEntry{ScriptHash: sh, Height: height, Txid: txid, Pos: pos})
	}
	return out, it.Error()
}

// FilterByTxid returns the block hashes of blocks containing a
// transaction with this id. Normally this is a single hash; BIP-30
// duplicate coinbases permit two.
func (idx *Index) FilterByTxid(txid chainhash.Hash) ([]chainhash.Hash, error) {
	raw, ok, err := idx.db.Get(store.ColumnTxIndex, txidIndexKey(txid))
	if err != nil || !ok {
		return nil, err
	}
	n := len(raw) / chainhash.HashSize
	out := make([]chainhash.Hash, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], raw[i*chainhash.HashSize:(i+1)*chainhash.HashSize])
	}
	return out, nil
}

// HeightMetadata returns the recorded block hash and indexed flag for
// height, if any metadata has been written for it yet.
func (idx *Index) HeightMetadata(height int32) (HeightMeta, bool, error) {
	raw, ok, err := idx.db.Get(store.ColumnHeightMeta, heightKey(height))
	if err != nil || !ok {
		return HeightMeta{}, false, err
	}
	return decodeHeightMeta(raw), true, nil
}

// SyncFrontier returns the lowest height that is not yet marked indexed,
// scanning from 1: the genesis block (height 0) is never fetched or
// indexed. Callers resume block fetch from this height.
func (idx *Index) SyncFrontier(chainHeight int32) (int32, error) {
	for h := int32(1); h <= chainHeight; h++ {
		meta, ok, err := idx.HeightMetadata(h)
		if err != nil {
			return 0, err
		}
		if !ok || !meta.Indexed {
			return h, nil
		}
	}
	return chainHeight + 1, nil
}
