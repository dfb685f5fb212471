// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain maintains the currently accepted best chain as a
// contiguous, parent-linked sequence of block headers, exposing the
// operations the index and the Electrum dispatcher need: tip lookup,
// height/hash lookups in either direction, a P2P locator, and an
// append-or-reorg update.
package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrNotAnchored is returned by Update when the incoming header sequence
// does not connect to any block already present in the chain.
var ErrNotAnchored = errors.New("chain: incoming headers do not anchor in the current chain")

// ErrNoGenesis is returned by operations that require a seeded chain.
var ErrNoGenesis = errors.New("chain: no genesis header seeded")

// Header is the fixed-size record stored per height: the consensus header
// plus its derived height, kept alongside each other so lookups never need
// to recompute one from the other.
type Header struct {
	Height int32
	Header wire.BlockHeader
}

// Hash returns the block hash of this header.
func (h Header) Hash() chainhash.Hash {
	return h.Header.BlockHash()
}

// Chain is a concurrency-safe, in-memory view of the best chain. It is
// intended to be kept in lock-step with the persistent index: the index
// is the source of truth for what has been indexed, Chain is the source
// of truth for what the tip currently is.
type Chain struct {
	mu      sync.RWMutex
	headers []Header
	byHash  map[chainhash.Hash]int32
}

// New returns an unseeded chain. SeedGenesis must be called before any
// other operation except Height, which returns -1 on an empty chain.
func New() *Chain {
	return &Chain{
		byHash: make(map[chainhash.Hash]int32),
	}
}

// SeedGenesis installs the immutable genesis header at height 0. It is an
// error to call this more than once or on a non-empty chain.
func (c *Chain) SeedGenesis(genesis wire.BlockHeader) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.headers) != 0 {
		return fmt.Errorf("chain: genesis already seeded at height 0")
	}

	c.headers = append(c.headers, Header{Height: 0, Header: genesis})
	c.byHash[genesis.BlockHash()] = 0
	return nil
}

// Tip returns the hash of the highest known header. It panics if genesis
// has not been seeded, matching spec.md §4.1 ("panics only if genesis was
// not seeded") — every other lookup instead returns a bool/ok result.
func (c *Chain) Tip() chainhash.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.headers) == 0 {
		panic("chain: Tip called before SeedGenesis")
	}
	return c.headers[len(c.headers)-1].Hash()
}

// Height returns the highest known height, or -1 if genesis has not been
// seeded.
func (c *Chain) Height() int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int32(len(c.headers)) - 1
}

// GetBlockHeader returns the header at height, if known.
func (c *Chain) GetBlockHeader(height int32) (wire.BlockHeader, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if height < 0 || int(height) >= len(c.headers) {
		return wire.BlockHeader{}, false
	}
	return c.headers[height].Header, true
}

// GetBlockHash returns the block hash at height, if known.
func (c *Chain) GetBlockHash(height int32) (chainhash.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if height < 0 || int(height) >= len(c.headers) {
		return chainhash.Hash{}, false
	}
	return c.headers[height].Hash(), true
}

// GetBlockHeight returns the height of hash, if known to the current chain.
func (c *Chain) GetBlockHeight(hash chainhash.Hash) (int32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h, ok := c.byHash[hash]
	return h, ok
}

// Contains reports whether hash is a member of the current best chain.
func (c *Chain) Contains(hash chainhash.Hash) bool {
	_, ok := c.GetBlockHeight(hash)
	return ok
}

// ContainsAtHeight reports whether hash is the current best chain's
// block at height, the shape internal/index.FilterByScripthash and
// internal/status.Status.Update need to tell a reorged-away entry from
// one still on the best chain.
func (c *Chain) ContainsAtHeight(height int32, hash chainhash.Hash) bool {
	got, ok := c.GetBlockHash(height)
	return ok && got == hash
}

// Locator returns a sparse list of block hashes from the tip backwards:
// the ten most recent blocks one apart, then at gaps that double each
// step (2, 4, 8, ...), always terminating with genesis. It is handed to a P2P peer's getheaders request to identify the
// fork point.
func (c *Chain) Locator() ([]chainhash.Hash, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.headers) == 0 {
		return nil, ErrNoGenesis
	}

	var locator []chainhash.Hash
	step := int32(1)
	index := int32(len(c.headers)) - 1
	for index > 0 {
		locator = append(locator, c.headers[index].Hash())
		if len(locator) >= 10 {
			step *= 2
		}
		index -= step
	}
	locator = append(locator, c.headers[0].Hash())
	return locator, nil
}

// Update applies a sequence of new headers returned by a peer in response
// to a locator request.
//
// If the first incoming header's PrevBlock equals the current tip, the
// headers are appended. If PrevBlock instead names an earlier block still
// present in the chain, the chain is truncated back to that block (a
// reorg) and the incoming headers are appended from there. Any other
// relationship means the sequence is not anchored in the current chain
// and ErrNotAnchored is returned, leaving the chain unmodified.
//
// oldHeight is only meaningful when reorgedFrom >= 0: it is the height
// that was the tip immediately before truncation, so a caller (the
// index) knows the full range of heights [reorgedFrom, oldHeight] whose
// blocks were superseded and must be re-indexed.
func (c *Chain) Update(headers []wire.BlockHeader) (reorgedFrom, oldHeight int32, err error) {
	if len(headers) == 0 {
		return -1, -1, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.headers) == 0 {
		return -1, -1, ErrNoGenesis
	}

	forkHeight, ok := c.byHash[headers[0].PrevBlock]
	if !ok {
		return -1, -1, ErrNotAnchored
	}

	reorg := forkHeight != int32(len(c.headers))-1
	oldHeight = int32(len(c.headers)) - 1
	if reorg {
		for h := forkHeight + 1; int(h) < len(c.headers); h++ {
			delete(c.byHash, c.headers[h].Hash())
		}
		c.headers = c.headers[:forkHeight+1]
	}

	height := forkHeight + 1
	for i, hdr := range headers {
		if i > 0 && hdr.PrevBlock != c.headers[len(c.headers)-1].Hash() {
			return -1, -1, fmt.Errorf("%w: header %d does not chain from header %d", ErrNotAnchored, i, i-1)
		}
		c.headers = append(c.headers, Header{Height: height, Header: hdr})
		c.byHash[hdr.BlockHash()] = height
		height++
	}

	if reorg {
		return forkHeight + 1, oldHeight, nil
	}
	return -1, -1, nil
}
