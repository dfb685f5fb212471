package status

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"

	"github.com/toole-brendan/shell/internal/index"
	"github.com/toole-brendan/shell/internal/mempool"
	"github.com/toole-brendan/shell/internal/scripthash"
)

type fakeIndex struct {
	entries []index.HistoryEntry
}

func (f *fakeIndex) FilterByScripthash(sh scripthash.Hash, chainContains func(int32, chainhash.Hash) bool) ([]index.HistoryEntry, error) {
	return f.entries, nil
}

type fakeMempool struct{}

func (fakeMempool) FilterByFunding(sh scripthash.Hash) []chainhash.Hash             { return nil }
func (fakeMempool) FilterBySpendingScripthash(sh scripthash.Hash) []chainhash.Hash  { return nil }
func (fakeMempool) Get(txid chainhash.Hash) (*mempool.Entry, bool)                  { return nil, false }

func TestEmptyStatusIsNull(t *testing.T) {
	s := New(scripthash.Hash{})
	changed, err := s.Update(&fakeIndex{}, fakeMempool{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("empty confirmed+mempool should stay at the null status, not report a change")
	}
	if s.CurrentHash() != nil {
		t.Fatal("expected nil status hash when both lists are empty")
	}
}

func TestKnownVectorFromScenario2(t *testing.T) {
	// spec.md §8 scenario 2: a single confirmed entry at height 1
	// yields SHA-256("<txid>:1:").
	var txid chainhash.Hash
	txid[0] = 0xAB

	idx := &fakeIndex{entries: []index.HistoryEntry{
		{Height: 1, Txid: txid},
	}}

	s := New(scripthash.Hash{})
	_, err := s.Update(idx, fakeMempool{}, nil)
	require.NoError(t, err)

	want := sha256.Sum256([]byte(txid.String() + ":1:"))
	got := s.CurrentHash()
	require.NotNil(t, got, "status after Update:\n%s", spew.Sdump(s))
	require.Equal(t, chainhash.Hash(want), *got)
}

func TestUpdateReportsChangeOnlyWhenHashDiffers(t *testing.T) {
	var txid chainhash.Hash
	txid[0] = 1

	idx := &fakeIndex{}
	s := New(scripthash.Hash{})

	changed, err := s.Update(idx, fakeMempool{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("nil -> nil should not be reported as a change")
	}

	idx.entries = []index.HistoryEntry{{Height: 5, Txid: txid}}
	changed, err = s.Update(idx, fakeMempool{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected a change once history becomes non-empty")
	}

	changed, err = s.Update(idx, fakeMempool{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("expected no change on a repeat update with identical history")
	}
}
