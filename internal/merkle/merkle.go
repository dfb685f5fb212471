// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package merkle computes Merkle authentication branches for
// blockchain.transaction.get_merkle, adapting the level-halving
// combination algorithm from btcd-family merkle tree construction
// (blockchain.BuildMerkleTreeStore) to produce a branch rather than the
// full linear tree.
package merkle

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// combine returns the double-SHA256 of the concatenation of left and
// right, the same combiner btcd-family merkle trees use
// (blockchain.HashMerkleBranches).
func combine(left, right chainhash.Hash) chainhash.Hash {
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(buf[:])
}

// Branch computes the authentication path for the transaction at pos
// within txids (ordered as they appear in the block), per spec.md §4.9:
// at each level, if the node count is odd the last node is duplicated;
// the sibling at the current position is appended to the proof; the
// level is halved by pairwise double-SHA256; the position is halved.
func Branch(txids []chainhash.Hash, pos int) ([]chainhash.Hash, error) {
	if pos < 0 || pos >= len(txids) {
		return nil, fmt.Errorf("merkle: position %d out of range for %d transactions", pos, len(txids))
	}

	level := make([]chainhash.Hash, len(txids))
	copy(level, txids)

	var branch []chainhash.Hash
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		siblingIdx := pos ^ 1
		branch = append(branch, level[siblingIdx])

		next := make([]chainhash.Hash, len(level)/2)
		for i := 0; i < len(next); i++ {
			next[i] = combine(level[2*i], level[2*i+1])
		}
		level = next
		pos /= 2
	}

	return branch, nil
}

// Root folds branch against leaf using pos's bit pattern, the reverse of
// Branch: it is used by tests to assert the round-trip law of spec.md
// §8 ("fold it with the standard combiner; result equals the block's
// merkle root").
func Root(leaf chainhash.Hash, branch []chainhash.Hash, pos int) chainhash.Hash {
	h := leaf
	for _, sibling := range branch {
		if pos&1 == 0 {
			h = combine(h, sibling)
		} else {
			h = combine(sibling, h)
		}
		pos /= 2
	}
	return h
}
