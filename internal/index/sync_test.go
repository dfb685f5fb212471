package index

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/toole-brendan/shell/internal/cache"
	"github.com/toole-brendan/shell/internal/chain"
	"github.com/toole-brendan/shell/internal/scripthash"
	"github.com/toole-brendan/shell/internal/store"
)

// fakeP2P serves headers and blocks from in-memory fixtures, mimicking
// internal/p2p.Client's contract without a network connection.
type fakeP2P struct {
	headers []wire.BlockHeader
	blocks  map[chainhash.Hash]*wire.MsgBlock
}

func (f *fakeP2P) GetNewHeaders(ctx context.Context, locator []chainhash.Hash) ([]wire.BlockHeader, error) {
	return f.headers, nil
}

func (f *fakeP2P) ForBlocks(ctx context.Context, hashes []chainhash.Hash, cb func(chainhash.Hash, *wire.MsgBlock) error) error {
	for _, h := range hashes {
		block, ok := f.blocks[h]
		if !ok {
			panic("fakeP2P: unknown block requested")
		}
		if err := cb(h, block); err != nil {
			return err
		}
	}
	return nil
}

func makeHeader(prev chainhash.Hash, nonce uint32, merkle chainhash.Hash) wire.BlockHeader {
	return wire.BlockHeader{
		Version:    1,
		PrevBlock:  prev,
		MerkleRoot: merkle,
		Timestamp:  time.Unix(int64(nonce), 0),
		Bits:       0x1d00ffff,
		Nonce:      nonce,
	}
}

func coinbaseTx(extra byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0xffffffff},
		SignatureScript:  []byte{extra},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{Value: 5000000000, PkScript: []byte{0x6a}})
	return tx
}

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	dir, err := os.MkdirTemp("", "index-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := store.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	idx, err := Open(db)
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

func TestSyncIndexesFundingAndSpending(t *testing.T) {
	idx := openTestIndex(t)
	ch := chain.New()

	genesisBlock := &wire.MsgBlock{
		Header:       makeHeader(chainhash.Hash{}, 0, chainhash.Hash{}),
		Transactions: []*wire.MsgTx{coinbaseTx(0)},
	}
	if err := ch.SeedGenesis(genesisBlock.Header); err != nil {
		t.Fatal(err)
	}
	genesisHash := genesisBlock.Header.BlockHash()

	scriptA := []byte{0x51, 0x01} // OP_TRUE push, arbitrary non-standard script
	scriptB := []byte{0x52, 0x02}

	fundingTx := wire.NewMsgTx(wire.TxVersion)
	fundingTx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0xffffffff}, SignatureScript: []byte{1}})
	fundingTx.AddTxOut(&wire.TxOut{Value: 100, PkScript: scriptA})
	fundingTxid := fundingTx.TxHash()

	block1 := &wire.MsgBlock{
		Header:       makeHeader(genesisHash, 1, chainhash.Hash{}),
		Transactions: []*wire.MsgTx{coinbaseTx(1), fundingTx},
	}
	block1Hash := block1.Header.BlockHash()

	spendingTx := wire.NewMsgTx(wire.TxVersion)
	spendingTx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: fundingTxid, Index: 0}})
	spendingTx.AddTxOut(&wire.TxOut{Value: 90, PkScript: scriptB})

	block2 := &wire.MsgBlock{
		Header:       makeHeader(block1Hash, 2, chainhash.Hash{}),
		Transactions: []*wire.MsgTx{coinbaseTx(2), spendingTx},
	}
	block2Hash := block2.Header.BlockHash()

	p2pClient := &fakeP2P{
		headers: []wire.BlockHeader{block1.Header, block2.Header},
		blocks: map[chainhash.Hash]*wire.MsgBlock{
			block1Hash: block1,
			block2Hash: block2,
		},
	}

	txCache := cache.New()
	n, err := idx.Sync(context.Background(), ch, p2pClient, txCache)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 blocks indexed, got %d", n)
	}

	shA := scripthash.New(scriptA)
	entriesA, err := idx.FilterByScripthash(shA, func(height int32, blockHash chainhash.Hash) bool {
		h, ok := ch.GetBlockHash(height)
		return ok && h == blockHash
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(entriesA) != 2 {
		t.Fatalf("expected funding+spending entries for scriptA, got %d: %+v", len(entriesA), entriesA)
	}
	if entriesA[0].Height != 1 || entriesA[1].Height != 2 {
		t.Fatalf("expected scriptA entries at heights 1 and 2, got %+v", entriesA)
	}

	shB := scripthash.New(scriptB)
	entriesB, err := idx.FilterByScripthash(shB, func(height int32, blockHash chainhash.Hash) bool {
		h, ok := ch.GetBlockHash(height)
		return ok && h == blockHash
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(entriesB) != 1 || entriesB[0].Height != 2 {
		t.Fatalf("expected one funding entry for scriptB at height 2, got %+v", entriesB)
	}
}
