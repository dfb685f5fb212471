package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/toole-brendan/shell/internal/cache"
	"github.com/toole-brendan/shell/internal/chain"
	"github.com/toole-brendan/shell/internal/electrum"
	"github.com/toole-brendan/shell/internal/index"
	"github.com/toole-brendan/shell/internal/mempool"
	"github.com/toole-brendan/shell/internal/store"
)

type fakeP2P struct {
	headers []wire.BlockHeader
	blocks  map[chainhash.Hash]*wire.MsgBlock
	served  bool
}

func (f *fakeP2P) GetNewHeaders(ctx context.Context, locator []chainhash.Hash) ([]wire.BlockHeader, error) {
	if f.served {
		return nil, nil
	}
	f.served = true
	return f.headers, nil
}

func (f *fakeP2P) ForBlocks(ctx context.Context, hashes []chainhash.Hash, cb func(chainhash.Hash, *wire.MsgBlock) error) error {
	for _, h := range hashes {
		if err := cb(h, f.blocks[h]); err != nil {
			return err
		}
	}
	return nil
}

type fakeRPC struct{}

func (fakeRPC) GetRawMempool(ctx context.Context) ([]chainhash.Hash, error) { return nil, nil }
func (fakeRPC) GetRawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	return nil, nil
}
func (fakeRPC) GetMempoolEntry(ctx context.Context, txid chainhash.Hash) (mempool.EntryInfo, error) {
	return mempool.EntryInfo{}, nil
}

func makeHeader(prev chainhash.Hash, nonce uint32) wire.BlockHeader {
	return wire.BlockHeader{
		Version:    1,
		PrevBlock:  prev,
		MerkleRoot: chainhash.Hash{},
		Timestamp:  time.Unix(int64(nonce), 0),
		Bits:       0x1d00ffff,
		Nonce:      nonce,
	}
}

func coinbaseTx(extra byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0xffffffff}, SignatureScript: []byte{extra}})
	tx.AddTxOut(&wire.TxOut{Value: 5000000000, PkScript: []byte{0x6a}})
	return tx
}

func TestSyncOnceAdvancesChainAndStopsWhenStable(t *testing.T) {
	dir, err := os.MkdirTemp("", "server-sync-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := store.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	idx, err := index.Open(db)
	if err != nil {
		t.Fatal(err)
	}

	ch := chain.New()
	genesisBlock := &wire.MsgBlock{Header: makeHeader(chainhash.Hash{}, 0), Transactions: []*wire.MsgTx{coinbaseTx(0)}}
	if err := ch.SeedGenesis(genesisBlock.Header); err != nil {
		t.Fatal(err)
	}
	genesisHash := genesisBlock.Header.BlockHash()

	block1 := &wire.MsgBlock{Header: makeHeader(genesisHash, 1), Transactions: []*wire.MsgTx{coinbaseTx(1)}}
	block1Hash := block1.Header.BlockHash()

	p2p := &fakeP2P{
		headers: []wire.BlockHeader{block1.Header},
		blocks:  map[chainhash.Hash]*wire.MsgBlock{block1Hash: block1},
	}

	s := &Server{
		cfg:       Config{MaxStableSyncAttempts: 3},
		chain:     ch,
		idx:       idx,
		mirror:    mempool.New(),
		txCache:   cache.New(),
		p2pClient: p2p,
		rpcClient: fakeRPC{},
	}

	if err := s.syncOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ch.Height() != 1 {
		t.Fatalf("expected chain height 1 after sync, got %d", ch.Height())
	}

	// A second sync call should be a no-op: the fake peer has nothing
	// new to serve.
	if err := s.syncOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ch.Height() != 1 {
		t.Fatalf("expected chain height to stay at 1, got %d", ch.Height())
	}
}

func TestAcceptAndVersionHandshake(t *testing.T) {
	dir, err := os.MkdirTemp("", "server-accept-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := store.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	idx, err := index.Open(db)
	if err != nil {
		t.Fatal(err)
	}

	ch := chain.New()
	genesisBlock := &wire.MsgBlock{Header: makeHeader(chainhash.Hash{}, 0), Transactions: []*wire.MsgTx{coinbaseTx(0)}}
	if err := ch.SeedGenesis(genesisBlock.Header); err != nil {
		t.Fatal(err)
	}

	dispatcher := &electrum.Dispatcher{
		Params:        &chaincfg.MainNetParams,
		Chain:         ch,
		Index:         idx,
		Mirror:        mempool.New(),
		Cache:         cache.New(),
		ServerVersion: "shellelectrsd/test",
	}

	cfg := Config{ListenAddr: "127.0.0.1:0", ConnectionTimeout: 5 * time.Second, SyncInterval: time.Hour, MaxStableSyncAttempts: 1}
	s := New(cfg, dispatcher, ch, idx, mempool.New(), cache.New(), &fakeP2P{}, fakeRPC{})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	addr := s.listener.Addr().String()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	req := map[string]interface{}{"id": 1, "method": "server.version", "params": []string{"test", "1.4"}}
	raw, _ := json.Marshal(req)
	raw = append(raw, '\n')
	if _, err := conn.Write(raw); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}

	var resp struct {
		Result []string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("bad response line %q: %v", line, err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	if len(resp.Result) != 2 || resp.Result[1] != electrum.ProtocolVersion {
		t.Fatalf("unexpected version result: %v", resp.Result)
	}
}
