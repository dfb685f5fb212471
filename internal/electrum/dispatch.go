// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"

	"github.com/toole-brendan/shell/internal/cache"
	"github.com/toole-brendan/shell/internal/chain"
	"github.com/toole-brendan/shell/internal/index"
	"github.com/toole-brendan/shell/internal/mempool"
	"github.com/toole-brendan/shell/internal/merkle"
	"github.com/toole-brendan/shell/internal/metrics"
	"github.com/toole-brendan/shell/internal/rpcclient"
	"github.com/toole-brendan/shell/internal/scripthash"
)

var log = btclog.Disabled

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// RPCBroadcaster is the subset of internal/rpcclient.Client the
// dispatcher needs for broadcast, fee-estimation, and transaction-get
// methods.
type RPCBroadcaster interface {
	SendRawTransaction(ctx context.Context, rawHex string) (chainhash.Hash, error)
	EstimateSmartFee(ctx context.Context, nblocks int) (float64, bool, error)
	RelayFee(ctx context.Context) (float64, error)
	GetRawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)
	GetRawTransactionInfo(ctx context.Context, txid chainhash.Hash) (rpcclient.RawTransactionInfo, error)
}

// Dispatcher answers one Electrum JSON-RPC call at a time against the
// shared index, mempool mirror, and chain state. It holds no
// per-connection state itself; that lives in Session.
type Dispatcher struct {
	Params  *chaincfg.Params
	Chain   *chain.Chain
	Index   *index.Index
	Mirror  *mempool.Mirror
	Cache   *cache.Cache
	RPC     RPCBroadcaster
	Metrics *metrics.Recorder

	// GenesisHash and ServerVersion are reported by server.version /
	// server.features.
	GenesisHash   chainhash.Hash
	ServerVersion string

	// Banner is returned by server.banner.
	Banner string

	// DonationAddress is returned by server.donation_address, empty if
	// the operator configured none.
	DonationAddress string
}

// Handle parses and dispatches one request line, returning the line to
// write back (always non-nil: parse failures get a JSON-RPC error
// response rather than being dropped, so the client's request/response
// id pairing is never silently broken).
func (d *Dispatcher) Handle(ctx context.Context, sess *Session, line []byte) []byte {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return encodeResponse(Response{Jsonrpc: defaultJSONRPCVersion, Error: errParse(err.Error())})
	}
	if req.Jsonrpc == "" {
		req.Jsonrpc = defaultJSONRPCVersion
	}

	start := time.Now()
	result, rpcErr := d.dispatch(ctx, sess, req)
	if d.Metrics != nil {
		d.Metrics.Observe(req.Method, time.Since(start))
	}

	resp := Response{Jsonrpc: req.Jsonrpc, ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	return encodeResponse(resp)
}

func encodeResponse(r Response) []byte {
	raw, err := json.Marshal(r)
	if err != nil {
		// Marshaling our own response types cannot fail in practice;
		// fall back to a bare internal-error line rather than panic.
		raw, _ = json.Marshal(Response{ID: r.ID, Error: errInternal("failed to encode response")})
	}
	return append(raw, '\n')
}

func (d *Dispatcher) dispatch(ctx context.Context, sess *Session, req Request) (interface{}, *Error) {
	switch req.Method {
	case "server.version":
		return d.serverVersion(sess, req.Params)
	case "server.banner":
		return d.Banner, nil
	case "server.donation_address":
		return d.DonationAddress, nil
	case "server.peers.subscribe":
		return []interface{}{}, nil
	case "server.ping":
		return nil, nil
	case "server.features":
		return d.serverFeatures(), nil
	case "blockchain.headers.subscribe":
		return d.headersSubscribe(sess)
	case "blockchain.block.header":
		return d.blockHeader(req.Params)
	case "blockchain.block.headers":
		return d.blockHeaders(req.Params)
	case "blockchain.estimatefee":
		return d.estimateFee(ctx, req.Params)
	case "blockchain.relayfee":
		return d.relayFee(ctx)
	case "blockchain.scripthash.subscribe":
		return d.scripthashSubscribe(sess, req.Params)
	case "blockchain.scripthash.get_history":
		return d.scripthashGetHistory(req.Params)
	case "blockchain.transaction.broadcast":
		return d.transactionBroadcast(ctx, req.Params)
	case "blockchain.transaction.get":
		return d.transactionGet(ctx, req.Params)
	case "blockchain.transaction.get_merkle":
		return d.transactionGetMerkle(ctx, req.Params)
	case "mempool.get_fee_histogram":
		return d.mempoolFeeHistogram(), nil
	default:
		return nil, errMethodNotFound(req.Method)
	}
}

func (d *Dispatcher) serverVersion(sess *Session, params json.RawMessage) (interface{}, *Error) {
	var args []string
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, errInvalidParams("server.version expects [client_name, protocol_version]")
		}
	}
	if len(args) >= 2 && args[1] != ProtocolVersion {
		return nil, errInvalidParams(fmt.Sprintf("unsupported protocol version %q, server requires %q", args[1], ProtocolVersion))
	}
	sess.markVersioned()
	return []string{d.ServerVersion, ProtocolVersion}, nil
}

type featuresResult struct {
	GenesisHash     string            `json:"genesis_hash"`
	HashFunction    string            `json:"hash_function"`
	ServerVersion   string            `json:"server_version"`
	ProtocolMax     string            `json:"protocol_max"`
	ProtocolMin     string            `json:"protocol_min"`
	Hosts           map[string]string `json:"hosts"`
}

func (d *Dispatcher) serverFeatures() featuresResult {
	return featuresResult{
		GenesisHash:   d.GenesisHash.String(),
		HashFunction:  "sha256",
		ServerVersion: d.ServerVersion,
		ProtocolMax:   ProtocolVersion,
		ProtocolMin:   ProtocolVersion,
		Hosts:         map[string]string{},
	}
}

func (d *Dispatcher) headersSubscribe(sess *Session) (interface{}, *Error) {
	sess.subscribeHeaders()
	height := d.Chain.Height()
	hdr, ok := d.Chain.GetBlockHeader(height)
	if !ok {
		return nil, errInternal("no chain tip available yet")
	}
	sess.SetLastNotifiedHeight(height)

	raw, err := serializeHeader(hdr)
	if err != nil {
		return nil, errInternal(err.Error())
	}
	return headerNotification{Height: height, Hex: hex.EncodeToString(raw)}, nil
}

type headerNotification struct {
	Height int32  `json:"height"`
	Hex    string `json:"hex"`
}

func serializeHeader(hdr wire.BlockHeader) ([]byte, error) {
	var buf bytes.Buffer
	if err := hdr.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("electrum: serialize header: %w", err)
	}
	return buf.Bytes(), nil
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("electrum: serialize transaction: %w", err)
	}
	return buf.Bytes(), nil
}

func (d *Dispatcher) blockHeader(params json.RawMessage) (interface{}, *Error) {
	var args []int32
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 1 {
		return nil, errInvalidParams("blockchain.block.header expects [height]")
	}
	hdr, ok := d.Chain.GetBlockHeader(args[0])
	if !ok {
		return nil, errInvalidParams(fmt.Sprintf("no header at height %d", args[0]))
	}
	raw, err := serializeHeader(hdr)
	if err != nil {
		return nil, errInternal(err.Error())
	}
	return hex.EncodeToString(raw), nil
}

func (d *Dispatcher) blockHeaders(params json.RawMessage) (interface{}, *Error) {
	var args []int32
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 2 {
		return nil, errInvalidParams("blockchain.block.headers expects [start_height, count]")
	}
	start, count := args[0], args[1]
	if count < 0 {
		return nil, errInvalidParams("count must be non-negative")
	}
	if count > 2016 {
		count = 2016
	}

	var buf bytes.Buffer
	n := 0
	for h := start; n < int(count); h++ {
		hdr, ok := d.Chain.GetBlockHeader(h)
		if !ok {
			break
		}
		raw, err := serializeHeader(hdr)
		if err != nil {
			return nil, errInternal(err.Error())
		}
		buf.Write(raw)
		n++
	}

	return struct {
		Count int    `json:"count"`
		Hex   string `json:"hex"`
		Max   int32  `json:"max"`
	}{Count: n, Hex: hex.EncodeToString(buf.Bytes()), Max: 2016}, nil
}

func (d *Dispatcher) estimateFee(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
	var args []int
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 1 {
		return nil, errInvalidParams("blockchain.estimatefee expects [number_of_blocks]")
	}
	rate, ok, err := d.RPC.EstimateSmartFee(ctx, args[0])
	if err != nil {
		return nil, errInternal(err.Error())
	}
	if !ok {
		return -1.0, nil
	}
	return rate, nil
}

func (d *Dispatcher) relayFee(ctx context.Context) (interface{}, *Error) {
	fee, err := d.RPC.RelayFee(ctx)
	if err != nil {
		return nil, errInternal(err.Error())
	}
	return fee, nil
}

func (d *Dispatcher) scripthashSubscribe(sess *Session, params json.RawMessage) (interface{}, *Error) {
	sh, err := parseScripthashParam(params)
	if err != nil {
		return nil, err
	}
	st := sess.subscribeScripthash(sh)
	if _, uerr := st.Update(d.Index, d.Mirror, d.Chain.ContainsAtHeight); uerr != nil {
		return nil, errInternal(uerr.Error())
	}
	hash := st.CurrentHash()
	if hash == nil {
		return nil, nil
	}
	return hash.String(), nil
}

func (d *Dispatcher) scripthashGetHistory(params json.RawMessage) (interface{}, *Error) {
	sh, err := parseScripthashParam(params)
	if err != nil {
		return nil, err
	}
	entries, ferr := d.Index.FilterByScripthash(sh, d.Chain.ContainsAtHeight)
	if ferr != nil {
		return nil, errInternal(ferr.Error())
	}

	out := make([]historyRow, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyRow{Height: e.Height, TxHash: e.Txid.String()})
	}

	seen := make(map[chainhash.Hash]struct{})
	addMempool := func(txid chainhash.Hash) {
		if _, dup := seen[txid]; dup {
			return
		}
		seen[txid] = struct{}{}
		out = append(out, mempoolRow(d.Mirror, txid))
	}
	for _, txid := range d.Mirror.FilterByFunding(sh) {
		addMempool(txid)
	}
	for _, txid := range d.Mirror.FilterBySpendingScripthash(sh) {
		addMempool(txid)
	}
	return out, nil
}

type historyRow struct {
	Height int32  `json:"height"`
	TxHash string `json:"tx_hash"`
	Fee    int64  `json:"fee,omitempty"`
}

func mempoolRow(mirror *mempool.Mirror, txid chainhash.Hash) historyRow {
	e, ok := mirror.Get(txid)
	if !ok {
		return historyRow{Height: 0, TxHash: txid.String()}
	}
	height := int32(0)
	if e.HasUnconfirmedInputs {
		height = -1
	}
	return historyRow{Height: height, TxHash: txid.String(), Fee: e.FeeSatoshis}
}

func (d *Dispatcher) transactionBroadcast(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
	var args []string
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 1 {
		return nil, errInvalidParams("blockchain.transaction.broadcast expects [raw_tx_hex]")
	}
	txid, err := d.RPC.SendRawTransaction(ctx, args[0])
	if err != nil {
		return nil, errInternal(err.Error())
	}
	return txid.String(), nil
}

type verboseTxResult struct {
	Hex           string `json:"hex"`
	TxID          string `json:"txid"`
	Confirmations int64  `json:"confirmations"`
	BlockHash     string `json:"blockhash,omitempty"`
	Time          int64  `json:"time,omitempty"`
}

func (d *Dispatcher) transactionGet(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 1 {
		return nil, errInvalidParams("blockchain.transaction.get expects [tx_hash, verbose?]")
	}
	var txidStr string
	if err := json.Unmarshal(args[0], &txidStr); err != nil {
		return nil, errInvalidParams("tx_hash must be a hex string")
	}
	var verbose bool
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &verbose); err != nil {
			return nil, errInvalidParams("verbose must be a boolean")
		}
	}
	txid, err := chainhash.NewHashFromStr(txidStr)
	if err != nil {
		return nil, errInvalidParams(err.Error())
	}

	// A mempool hit avoids the round trip to the node entirely, since
	// the mirror already holds the decoded transaction.
	if entry, ok := d.Mirror.Get(*txid); ok {
		raw, serr := serializeTx(entry.Tx)
		if serr != nil {
			return nil, errInternal(serr.Error())
		}
		if !verbose {
			return hex.EncodeToString(raw), nil
		}
		return verboseTxResult{Hex: hex.EncodeToString(raw), TxID: txid.String()}, nil
	}

	if !verbose {
		tx, cached := cache.GetTx(d.Cache, *txid, func(t *wire.MsgTx) *wire.MsgTx { return t })
		if cached {
			raw, serr := serializeTx(tx)
			if serr != nil {
				return nil, errInternal(serr.Error())
			}
			return hex.EncodeToString(raw), nil
		}
		tx, rerr := d.RPC.GetRawTransaction(ctx, *txid)
		if rerr != nil {
			return nil, errInternal(rerr.Error())
		}
		raw, serr := serializeTx(tx)
		if serr != nil {
			return nil, errInternal(serr.Error())
		}
		return hex.EncodeToString(raw), nil
	}

	info, rerr := d.RPC.GetRawTransactionInfo(ctx, *txid)
	if rerr != nil {
		return nil, errInternal(rerr.Error())
	}
	return verboseTxResult{
		Hex:           info.Hex,
		TxID:          info.Txid,
		Confirmations: info.Confirmations,
		BlockHash:     info.BlockHash,
		Time:          info.Time,
	}, nil
}

func (d *Dispatcher) transactionGetMerkle(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 2 {
		return nil, errInvalidParams("blockchain.transaction.get_merkle expects [tx_hash, height]")
	}
	var txidStr string
	if err := json.Unmarshal(args[0], &txidStr); err != nil {
		return nil, errInvalidParams("tx_hash must be a hex string")
	}
	var height int32
	if err := json.Unmarshal(args[1], &height); err != nil {
		return nil, errInvalidParams("height must be an integer")
	}
	txid, err := chainhash.NewHashFromStr(txidStr)
	if err != nil {
		return nil, errInvalidParams(err.Error())
	}

	blockHash, ok := d.Chain.GetBlockHash(height)
	if !ok {
		return nil, errInvalidParams(fmt.Sprintf("no block at height %d", height))
	}

	txids, ok := cache.GetTxids(d.Cache, blockHash, func(ids []chainhash.Hash) []chainhash.Hash { return ids })
	if !ok {
		return nil, errInternal("block transactions not cached; retry after the indexer revisits this height")
	}

	pos := -1
	for i, id := range txids {
		if id == *txid {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, errInvalidParams("transaction not found in block at given height")
	}

	branch, berr := merkle.Branch(txids, pos)
	if berr != nil {
		return nil, errInternal(berr.Error())
	}

	hexBranch := make([]string, len(branch))
	for i, h := range branch {
		hexBranch[i] = h.String()
	}

	return struct {
		BlockHeight int32    `json:"block_height"`
		Pos         int      `json:"pos"`
		Merkle      []string `json:"merkle"`
	}{BlockHeight: height, Pos: pos, Merkle: hexBranch}, nil
}

func (d *Dispatcher) mempoolFeeHistogram() [][2]float64 {
	buckets := d.Mirror.Histogram()
	out := make([][2]float64, len(buckets))
	for i, b := range buckets {
		out[i] = [2]float64{b.FeeRate, float64(b.VSize)}
	}
	return out
}

func parseScripthashParam(params json.RawMessage) (scripthash.Hash, *Error) {
	var args []string
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 1 {
		return scripthash.Hash{}, errInvalidParams("expected [scripthash_hex]")
	}
	sh, err := scripthash.FromHex(args[0])
	if err != nil {
		return scripthash.Hash{}, errInvalidParams(err.Error())
	}
	return sh, nil
}
