package electrum

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/toole-brendan/shell/internal/cache"
	"github.com/toole-brendan/shell/internal/chain"
	"github.com/toole-brendan/shell/internal/index"
	"github.com/toole-brendan/shell/internal/mempool"
	"github.com/toole-brendan/shell/internal/scripthash"
	"github.com/toole-brendan/shell/internal/store"
)

type fakeP2P struct {
	headers []wire.BlockHeader
	blocks  map[chainhash.Hash]*wire.MsgBlock
}

func (f *fakeP2P) GetNewHeaders(ctx context.Context, locator []chainhash.Hash) ([]wire.BlockHeader, error) {
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

func newTestDispatcher(t *testing.T) (*Dispatcher, *chain.Chain, *index.Index) {
	t.Helper()
	dir, err := os.MkdirTemp("", "electrum-test-*")
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
	scriptA := []byte{0x51, 0x01}

	genesisBlock := &wire.MsgBlock{Header: makeHeader(chainhash.Hash{}, 0), Transactions: []*wire.MsgTx{coinbaseTx(0)}}
	if err := ch.SeedGenesis(genesisBlock.Header); err != nil {
		t.Fatal(err)
	}
	genesisHash := genesisBlock.Header.BlockHash()

	fundingTx := wire.NewMsgTx(wire.TxVersion)
	fundingTx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0xffffffff}, SignatureScript: []byte{1}})
	fundingTx.AddTxOut(&wire.TxOut{Value: 100, PkScript: scriptA})

	block1 := &wire.MsgBlock{Header: makeHeader(genesisHash, 1), Transactions: []*wire.MsgTx{coinbaseTx(1), fundingTx}}
	block1Hash := block1.Header.BlockHash()

	p2p := &fakeP2P{
		headers: []wire.BlockHeader{block1.Header},
		blocks:  map[chainhash.Hash]*wire.MsgBlock{block1Hash: block1},
	}

	if _, err := idx.Sync(context.Background(), ch, p2p, cache.New()); err != nil {
		t.Fatal(err)
	}

	d := &Dispatcher{
		Params:        &chaincfg.MainNetParams,
		Chain:         ch,
		Index:         idx,
		Mirror:        mempool.New(),
		Cache:         cache.New(),
		ServerVersion: "shellelectrsd/test",
	}
	return d, ch, idx
}

func call(d *Dispatcher, sess *Session, method string, params interface{}) Response {
	raw, _ := json.Marshal(params)
	req := Request{ID: json.RawMessage(`1`), Method: method, Params: raw}
	line, _ := json.Marshal(req)
	out := d.Handle(context.Background(), sess, line)
	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		panic(err)
	}
	return resp
}

func TestServerVersionNegotiation(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	sess := NewSession()

	resp := call(d, sess, "server.version", []string{"testclient", "1.4"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if !sess.isVersioned() {
		t.Fatal("expected session to be marked versioned")
	}

	sess2 := NewSession()
	resp2 := call(d, sess2, "server.version", []string{"testclient", "1.2"})
	if resp2.Error == nil {
		t.Fatal("expected a protocol mismatch error for an unsupported version")
	}
}

func TestUnknownMethod(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp := call(d, NewSession(), "bogus.method", []string{})
	if resp.Error == nil {
		t.Fatal("expected method-not-found error")
	}
	if resp.Error.Code != errCodeRPCFailed {
		t.Fatalf("expected error code %d, got %d", errCodeRPCFailed, resp.Error.Code)
	}
}

func TestResponseEnvelopeCarriesJsonrpc(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp := call(d, NewSession(), "server.ping", []interface{}{})
	if resp.Jsonrpc != defaultJSONRPCVersion {
		t.Fatalf("expected jsonrpc field %q, got %q", defaultJSONRPCVersion, resp.Jsonrpc)
	}
}

func TestScripthashSubscribeAndGetHistory(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	sess := NewSession()

	sh := scripthash.New([]byte{0x51, 0x01})
	resp := call(d, sess, "blockchain.scripthash.subscribe", []string{sh.String()})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if resp.Result == nil {
		t.Fatal("expected a non-null status hash for a funded script")
	}

	historyResp := call(d, sess, "blockchain.scripthash.get_history", []string{sh.String()})
	if historyResp.Error != nil {
		t.Fatalf("unexpected error: %v", historyResp.Error)
	}
	rows, ok := historyResp.Result.([]interface{})
	if !ok || len(rows) != 1 {
		t.Fatalf("expected one history row, got %#v", historyResp.Result)
	}
}

func TestBlockHeaderRoundTrip(t *testing.T) {
	d, ch, _ := newTestDispatcher(t)
	resp := call(d, NewSession(), "blockchain.block.header", []int32{0})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	hexHeader, ok := resp.Result.(string)
	if !ok {
		t.Fatalf("expected hex string result, got %#v", resp.Result)
	}
	raw, err := hex.DecodeString(hexHeader)
	if err != nil {
		t.Fatal(err)
	}
	var got wire.BlockHeader
	if err := got.Deserialize(bytes.NewReader(raw)); err != nil {
		t.Fatal(err)
	}
	want, _ := ch.GetBlockHeader(0)
	if got.BlockHash() != want.BlockHash() {
		t.Fatalf("decoded header hash %s, want %s", got.BlockHash(), want.BlockHash())
	}
}

func TestMempoolFeeHistogramEmpty(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	resp := call(d, NewSession(), "mempool.get_fee_histogram", []interface{}{})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	rows, ok := resp.Result.([]interface{})
	if !ok || len(rows) != 0 {
		t.Fatalf("expected an empty histogram, got %#v", resp.Result)
	}
}

func TestParseErrorGetsJSONRPCResponse(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	out := d.Handle(context.Background(), NewSession(), []byte("{not json"))
	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil {
		t.Fatal("expected a parse-error response")
	}
}
