package merkle

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"pgregory.net/rapid"
)

func leafHash(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}

func TestBranchFoldsToRoot(t *testing.T) {
	sizes := []int{1, 2, 3, 4, 5, 7, 8, 13}
	for _, n := range sizes {
		txids := make([]chainhash.Hash, n)
		for i := range txids {
			txids[i] = leafHash(byte(i + 1))
		}

		// Compute the expected root the same way BuildMerkleTreeStore
		// would, by repeatedly halving the full level.
		level := make([]chainhash.Hash, len(txids))
		copy(level, txids)
		for len(level) > 1 {
			if len(level)%2 == 1 {
				level = append(level, level[len(level)-1])
			}
			next := make([]chainhash.Hash, len(level)/2)
			for i := range next {
				next[i] = combine(level[2*i], level[2*i+1])
			}
			level = next
		}
		wantRoot := level[0]

		for pos := 0; pos < n; pos++ {
			branch, err := Branch(txids, pos)
			if err != nil {
				t.Fatalf("n=%d pos=%d: %v", n, pos, err)
			}
			gotRoot := Root(txids[pos], branch, pos)
			if gotRoot != wantRoot {
				t.Fatalf("n=%d pos=%d: root mismatch: got %s want %s", n, pos, gotRoot, wantRoot)
			}
		}
	}
}

func TestBranchRejectsOutOfRange(t *testing.T) {
	txids := []chainhash.Hash{leafHash(1), leafHash(2)}
	if _, err := Branch(txids, 2); err == nil {
		t.Fatal("expected error for out-of-range position")
	}
}

// TestBranchRootRoundTrip is the property-based form of the §8 round-trip
// law: for any block of transactions and any position within it, Branch
// followed by Root reproduces the tree's root, however the level sizes
// happen to halve and duplicate along the way.
func TestBranchRootRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 64).Draw(t, "n")
		txids := make([]chainhash.Hash, n)
		for i := range txids {
			txids[i] = leafHash(byte(i + 1))
		}
		pos := rapid.IntRange(0, n-1).Draw(t, "pos")

		level := make([]chainhash.Hash, len(txids))
		copy(level, txids)
		for len(level) > 1 {
			if len(level)%2 == 1 {
				level = append(level, level[len(level)-1])
			}
			next := make([]chainhash.Hash, len(level)/2)
			for i := range next {
				next[i] = combine(level[2*i], level[2*i+1])
			}
			level = next
		}
		wantRoot := level[0]

		branch, err := Branch(txids, pos)
		if err != nil {
			t.Fatalf("Branch(n=%d, pos=%d): %v", n, pos, err)
		}
		if got := Root(txids[pos], branch, pos); got != wantRoot {
			t.Fatalf("n=%d pos=%d: root mismatch: got %s want %s", n, pos, got, wantRoot)
		}
	})
}
