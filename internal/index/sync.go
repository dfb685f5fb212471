// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package index

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/toole-brendan/shell/internal/cache"
	"github.com/toole-brendan/shell/internal/chain"
	"github.com/toole-brendan/shell/internal/scripthash"
	"github.com/toole-brendan/shell/internal/store"
)

// P2PClient is the subset of internal/p2p.Client the sync protocol
// depends on. Declared here, rather than imported, so internal/p2p never
// needs to depend on internal/index.
type P2PClient interface {
	GetNewHeaders(ctx context.Context, locator []chainhash.Hash) ([]wire.BlockHeader, error)
	ForBlocks(ctx context.Context, hashes []chainhash.Hash, cb func(chainhash.Hash, *wire.MsgBlock) error) error
}

// batchBudgetBlocks bounds how many blocks are requested from the peer in
// a single getdata/write-batch round, per spec.md §4.2 step 3 ("up to a
// few hundred blocks per batch bounded by a byte budget").
const batchBudgetBlocks = 200

// Sync brings the index up to date with ch's current best chain,
// fetching any headers and blocks it is missing from p2pClient. It
// returns the number of blocks indexed.
func (idx *Index) Sync(ctx context.Context, ch *chain.Chain, p2pClient P2PClient, txCache *cache.Cache) (int, error) {
	locator, err := ch.Locator()
	if err != nil {
		return 0, fmt.Errorf("index: sync: %w", err)
	}

	headers, err := p2pClient.GetNewHeaders(ctx, locator)
	if err != nil {
		return 0, fmt.Errorf("index: sync: fetch headers: %w", err)
	}

	reorgedFrom, oldHeight, err := ch.Update(headers)
	if err != nil {
		return 0, fmt.Errorf("index: sync: apply headers: %w", err)
	}

	if reorgedFrom >= 0 {
		if err := idx.markForReindex(reorgedFrom, oldHeight); err != nil {
			return 0, fmt.Errorf("index: sync: mark reorged heights: %w", err)
		}
	}

	frontier, err := idx.SyncFrontier(ch.Height())
	if err != nil {
		return 0, fmt.Errorf("index: sync: find frontier: %w", err)
	}

	indexed := 0
	for frontier <= ch.Height() {
		batchEnd := frontier + batchBudgetBlocks - 1
		if batchEnd > ch.Height() {
			batchEnd = ch.Height()
		}

		n, err := idx.indexBatch(ctx, ch, p2pClient, txCache, frontier, batchEnd)
		if err != nil {
			return indexed, fmt.Errorf("index: sync: index batch [%d,%d]: %w", frontier, batchEnd, err)
		}
		indexed += n
		frontier = batchEnd + 1
	}

	// Caught up: fsync so a crash immediately after Sync returns cannot
	// lose the batches just written (spec.md §4.2 step 5).
	if err := idx.db.Write(idx.db.NewBatch(), true); err != nil {
		return indexed, fmt.Errorf("index: sync: fsync: %w", err)
	}

	return indexed, nil
}

// markForReindex clears the indexed flag for heights [from, to], leaving
// their stale history entries in place; readers filter by current chain
// membership so the stale entries are invisible until superseded, per
// the reorg policy in spec.md §9.
func (idx *Index) markForReindex(from, to int32) error {
	for h := from; h <= to; h++ {
		meta, ok, err := idx.HeightMetadata(h)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		meta.Indexed = false
		if err := idx.db.Put(store.ColumnHeightMeta, heightKey(h), encodeHeightMeta(meta)); err != nil {
			return err
		}
	}
	return nil
}

// indexBatch fetches and indexes blocks [from, to] in a single atomic
// write.
func (idx *Index) indexBatch(ctx context.Context, ch *chain.Chain, p2pClient P2PClient, txCache *cache.Cache, from, to int32) (int, error) {
	hashes := make([]chainhash.Hash, 0, to-from+1)
	for h := from; h <= to; h++ {
		hash, ok := ch.GetBlockHash(h)
		if !ok {
			return 0, &ErrConsistency{Detail: fmt.Sprintf("height %d missing from chain during sync", h)}
		}
		hashes = append(hashes, hash)
	}

	batch := idx.db.NewBatch()
	// outpoints created within this batch, available for same-batch
	// spends without a round trip through the cache or P2P client.
	inBatch := make(map[wire.OutPoint][]byte)

	count := 0
	height := from
	err := p2pClient.ForBlocks(ctx, hashes, func(blockHash chainhash.Hash, block *wire.MsgBlock) error {
		if err := idx.indexBlock(ctx, batch, p2pClient, txCache, inBatch, height, blockHash, block); err != nil {
			return err
		}
		height++
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := idx.db.Write(batch, false); err != nil {
		return 0, fmt.Errorf("index: write batch: %w", err)
	}
	return count, nil
}

func (idx *Index) indexBlock(ctx context.Context, batch *store.Batch, p2pClient P2PClient, txCache *cache.Cache, inBatch map[wire.OutPoint][]byte, height int32, blockHash chainhash.Hash, block *wire.MsgBlock) error {
	txids := make([]chainhash.Hash, len(block.Transactions))

	for pos, tx := range block.Transactions {
		txid := tx.TxHash()
		txids[pos] = txid

		for vout, out := range tx.TxOut {
			sh := scripthash.New(out.PkScript)
			batch.Put(store.ColumnHistory, historyKey(sh, height, uint32(pos)), txid[:])
			inBatch[wire.OutPoint{Hash: txid, Index: uint32(vout)}] = out.PkScript
		}

		existing, _, err := idx.db.Get(store.ColumnTxIndex, txidIndexKey(txid))
		if err != nil {
			return err
		}
		batch.Put(store.ColumnTxIndex, txidIndexKey(txid), append(existing, blockHash[:]...))

		isCoinbase := pos == 0
		if isCoinbase {
			continue
		}
		for _, in := range tx.TxIn {
			// A null prevout names no real output: no spending entry.
			if in.PreviousOutPoint.Index == wire.MaxPrevOutIndex && in.PreviousOutPoint.Hash == (chainhash.Hash{}) {
				continue
			}
			script, err := idx.resolvePrevOutScript(ctx, in.PreviousOutPoint, inBatch, p2pClient, txCache)
			if err != nil {
				return fmt.Errorf("resolve prevout %s: %w", in.PreviousOutPoint, err)
			}
			sh := scripthash.New(script)
			batch.Put(store.ColumnHistory, historyKey(sh, height, uint32(pos)), txid[:])
		}
	}

	batch.Put(store.ColumnHeightMeta, heightKey(height), encodeHeightMeta(HeightMeta{BlockHash: blockHash, Indexed: true}))
	return nil
}

// resolvePrevOutScript finds the scriptPubKey an input spends: first in
// this batch's in-flight outputs, then via the already-indexed
// transaction cache/P2P fetch, per spec.md §4.2 step 3.
func (idx *Index) resolvePrevOutScript(ctx context.Context, op wire.OutPoint, inBatch map[wire.OutPoint][]byte, p2pClient P2PClient, txCache *cache.Cache) ([]byte, error) {
	if script, ok := inBatch[op]; ok {
		return script, nil
	}

	tx, err := idx.fetchIndexedTx(ctx, op.Hash, p2pClient, txCache)
	if err != nil {
		return nil, err
	}
	if int(op.Index) >= len(tx.TxOut) {
		return nil, &ErrConsistency{Detail: fmt.Sprintf("outpoint %s references out-of-range output", op)}
	}
	return tx.TxOut[op.Index].PkScript, nil
}

// fetchIndexedTx returns the transaction for txid, which must already be
// indexed at a lower height in the current chain, fetching its
// containing block via the P2P client on a cache miss.
func (idx *Index) fetchIndexedTx(ctx context.Context, txid chainhash.Hash, p2pClient P2PClient, txCache *cache.Cache) (*wire.MsgTx, error) {
	return txCache.AddTx(txid, func() (*wire.MsgTx, error) {
		blockHashes, err := idx.FilterByTxid(txid)
		if err != nil {
			return nil, err
		}
		if len(blockHashes) == 0 {
			return nil, &ErrConsistency{Detail: fmt.Sprintf("prevout txid %s not found in index", txid)}
		}

		var found *wire.MsgTx
		err = p2pClient.ForBlocks(ctx, blockHashes[:1], func(blockHash chainhash.Hash, block *wire.MsgBlock) error {
			ids := make([]chainhash.Hash, len(block.Transactions))
			for i, tx := range block.Transactions {
				txHash := tx.TxHash()
				ids[i] = txHash
				if txHash == txid {
					found = tx
				}
			}
			_, _ = txCache.AddTxids(blockHash, func() ([]chainhash.Hash, error) { return ids, nil })
			return nil
		})
		if err != nil {
			return nil, err
		}
		if found == nil {
			return nil, &ErrConsistency{Detail: fmt.Sprintf("txid %s not found in its indexed block", txid)}
		}
		return found, nil
	})
}
