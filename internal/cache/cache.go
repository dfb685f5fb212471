// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package cache is a process-wide, concurrency-safe memoisation of
// recently touched transactions and block transaction lists (spec.md
// §4.8), shared by the index's prevout resolver and the Electrum
// dispatcher's transaction.get.
package cache

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Cache holds two independently-locked maps: txid -> transaction, and
// block hash -> the txids it contains.
type Cache struct {
	txMu sync.RWMutex
	tx   map[chainhash.Hash]*wire.MsgTx

	txidsMu sync.RWMutex
	txids   map[chainhash.Hash][]chainhash.Hash
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		tx:    make(map[chainhash.Hash]*wire.MsgTx),
		txids: make(map[chainhash.Hash][]chainhash.Hash),
	}
}

// AddTx inserts txid's transaction if absent, calling produce to obtain
// it. produce is only invoked on a cache miss, so an RPC or P2P round
// trip required to materialise the value is skipped on the common hit
// path.
func (c *Cache) AddTx(txid chainhash.Hash, produce func() (*wire.MsgTx, error)) (*wire.MsgTx, error) {
	c.txMu.RLock()
	if tx, ok := c.tx[txid]; ok {
		c.txMu.RUnlock()
		return tx, nil
	}
	c.txMu.RUnlock()

	tx, err := produce()
	if err != nil {
		return nil, err
	}

	c.txMu.Lock()
	defer c.txMu.Unlock()
	if existing, ok := c.tx[txid]; ok {
		return existing, nil
	}
	c.tx[txid] = tx
	return tx, nil
}

// GetTx evaluates project under a read lock against the cached
// transaction for txid, returning the zero value and false if txid is
// not cached.
func GetTx[T any](c *Cache, txid chainhash.Hash, project func(*wire.MsgTx) T) (T, bool) {
	c.txMu.RLock()
	defer c.txMu.RUnlock()

	tx, ok := c.tx[txid]
	if !ok {
		var zero T
		return zero, false
	}
	return project(tx), true
}

// AddTxids inserts the txid list for blockHash if absent.
func (c *Cache) AddTxids(blockHash chainhash.Hash, produce func() ([]chainhash.Hash, error)) ([]chainhash.Hash, error) {
	c.txidsMu.RLock()
	if ids, ok := c.txids[blockHash]; ok {
		c.txidsMu.RUnlock()
		return ids, nil
	}
	c.txidsMu.RUnlock()

	ids, err := produce()
	if err != nil {
		return nil, err
	}

	c.txidsMu.Lock()
	defer c.txidsMu.Unlock()
	if existing, ok := c.txids[blockHash]; ok {
		return existing, nil
	}
	c.txids[blockHash] = ids
	return ids, nil
}

// GetTxids evaluates project under a read lock against the cached txid
// list for blockHash.
func GetTxids[T any](c *Cache, blockHash chainhash.Hash, project func([]chainhash.Hash) T) (T, bool) {
	c.txidsMu.RLock()
	defer c.txidsMu.RUnlock()

	ids, ok := c.txids[blockHash]
	if !ok {
		var zero T
		return zero, false
	}
	return project(ids), true
}
