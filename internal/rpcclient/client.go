// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package rpcclient is an authenticated HTTP-JSON client to a Bitcoin
// Core full node (spec.md §4 "RPC client"), used for mempool
// introspection, fee estimates, raw transaction fetch, and broadcast.
// Command and result shapes follow the btcjson convention of one
// exported struct per RPC method.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"

	"github.com/toole-brendan/shell/internal/mempool"
)

var log = btclog.Disabled

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// Config describes how to reach and authenticate against the full node.
type Config struct {
	// HTTPPostURL is the node's JSON-RPC endpoint, e.g.
	// "http://127.0.0.1:8332".
	HTTPPostURL string

	// CookieFile is the path to the node's .cookie auth file
	// ("__cookie__:<password>"), the standard Bitcoin Core
	// cookie-file authentication scheme named in spec.md §6.
	// Mutually exclusive with User/Pass.
	CookieFile string
	User, Pass string
}

// Client is a minimal Bitcoin Core JSON-RPC client: one HTTP POST per
// call, cookie or basic auth, no batching.
type Client struct {
	cfg    Config
	http   *http.Client
	nextID uint64
}

// New returns a client for cfg. The cookie file, if configured, is read
// once at construction; operators who rotate the cookie (node restart)
// must construct a new Client.
func New(cfg Config) (*Client, error) {
	if cfg.CookieFile != "" {
		raw, err := os.ReadFile(cfg.CookieFile)
		if err != nil {
			return nil, fmt.Errorf("rpcclient: read cookie file: %w", err)
		}
		parts := strings.SplitN(strings.TrimSpace(string(raw)), ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("rpcclient: malformed cookie file %s", cfg.CookieFile)
		}
		cfg.User, cfg.Pass = parts[0], parts[1]
	}

	return &Client{cfg: cfg, http: &http.Client{}}, nil
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  []interface{}   `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpcclient: node returned error %d: %s", e.Code, e.Message)
}

// call performs one JSON-RPC request and unmarshals its result into out
// (which may be nil for methods with no useful result).
func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	id := atomic.AddUint64(&c.nextID, 1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "1.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("rpcclient: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.HTTPPostURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpcclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.User, c.cfg.Pass)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rpcclient: %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("rpcclient: %s: read response: %w", method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("rpcclient: %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpcclient: %s: %w", method, rpcResp.Error)
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("rpcclient: %s: decode result: %w", method, err)
	}
	return nil
}

// GetRawMempool returns the txids currently in the node's mempool.
func (c *Client) GetRawMempool(ctx context.Context) ([]chainhash.Hash, error) {
	var hexIDs []string
	if err := c.call(ctx, "getrawmempool", []interface{}{false}, &hexIDs); err != nil {
		return nil, err
	}
	out := make([]chainhash.Hash, len(hexIDs))
	for i, s := range hexIDs {
		h, err := chainhash.NewHashFromStr(s)
		if err != nil {
			return nil, fmt.Errorf("rpcclient: parse mempool txid %q: %w", s, err)
		}
		out[i] = *h
	}
	return out, nil
}

// mempoolEntryResult is getmempoolentry's wire shape; fees arrive in BTC
// and are converted to satoshis before being handed to the mempool
// package, which works exclusively in integer satoshis.
type mempoolEntryResult struct {
	VSize int64 `json:"vsize"`
	Fees  struct {
		Base float64 `json:"base"`
	} `json:"fees"`
}

// GetMempoolEntry returns fee and vsize metadata for txid, satisfying
// internal/mempool.RPCClient directly so *Client can drive the mempool
// mirror's Sync without an adapter.
func (c *Client) GetMempoolEntry(ctx context.Context, txid chainhash.Hash) (mempool.EntryInfo, error) {
	var res mempoolEntryResult
	if err := c.call(ctx, "getmempoolentry", []interface{}{txid.String()}, &res); err != nil {
		return mempool.EntryInfo{}, err
	}
	return mempool.EntryInfo{
		FeeSatoshis: int64(res.Fees.Base*1e8 + 0.5),
		VSize:       res.VSize,
	}, nil
}

// GetRawTransaction fetches and decodes the transaction with the given
// id, confirmed or unconfirmed.
func (c *Client) GetRawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	var rawHex string
	if err := c.call(ctx, "getrawtransaction", []interface{}{txid.String(), false}, &rawHex); err != nil {
		return nil, err
	}
	return decodeTxHex(rawHex)
}

// RawTransactionInfo is the verbose form of getrawtransaction /
// getrawtransactioninfo, used by blockchain.transaction.get's verbose
// mode.
type RawTransactionInfo struct {
	Hex           string `json:"hex"`
	Txid          string `json:"txid"`
	Confirmations int64  `json:"confirmations"`
	BlockHash     string `json:"blockhash"`
	Time          int64  `json:"time"`
}

// GetRawTransactionInfo fetches verbose metadata for a transaction.
func (c *Client) GetRawTransactionInfo(ctx context.Context, txid chainhash.Hash) (RawTransactionInfo, error) {
	var res RawTransactionInfo
	if err := c.call(ctx, "getrawtransactioninfo", []interface{}{txid.String()}, &res); err != nil {
		return RawTransactionInfo{}, err
	}
	return res, nil
}

// SendRawTransaction broadcasts a raw transaction and returns its txid.
func (c *Client) SendRawTransaction(ctx context.Context, rawHex string) (chainhash.Hash, error) {
	var txidHex string
	if err := c.call(ctx, "sendrawtransaction", []interface{}{rawHex}, &txidHex); err != nil {
		return chainhash.Hash{}, err
	}
	h, err := chainhash.NewHashFromStr(txidHex)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("rpcclient: parse broadcast txid: %w", err)
	}
	return *h, nil
}

// EstimateSmartFeeResult is estimatesmartfee's result.
type EstimateSmartFeeResult struct {
	FeeRate float64 `json:"feerate"`
}

// EstimateSmartFee estimates the fee rate (BTC/kB) needed for
// confirmation within nblocks, returning ok=false if the node could not
// produce an estimate.
func (c *Client) EstimateSmartFee(ctx context.Context, nblocks int) (feeRate float64, ok bool, err error) {
	var res EstimateSmartFeeResult
	if err := c.call(ctx, "estimatesmartfee", []interface{}{nblocks}, &res); err != nil {
		return 0, false, err
	}
	if res.FeeRate <= 0 {
		return 0, false, nil
	}
	return res.FeeRate, true, nil
}

// NetworkInfoResult is getnetworkinfo's relevant subset.
type NetworkInfoResult struct {
	RelayFee float64 `json:"relayfee"`
}

// GetNetworkInfo returns the node's relay fee policy, among other
// fields.
func (c *Client) GetNetworkInfo(ctx context.Context) (NetworkInfoResult, error) {
	var res NetworkInfoResult
	if err := c.call(ctx, "getnetworkinfo", []interface{}{}, &res); err != nil {
		return NetworkInfoResult{}, err
	}
	return res, nil
}

// RelayFee returns the node's minimum relay fee policy, in BTC/kB.
func (c *Client) RelayFee(ctx context.Context) (float64, error) {
	info, err := c.GetNetworkInfo(ctx)
	if err != nil {
		return 0, err
	}
	return info.RelayFee, nil
}

// BlockInfoResult is getblockinfo's (getblock verbosity=1) relevant
// subset.
type BlockInfoResult struct {
	Hash   string `json:"hash"`
	Height int32  `json:"height"`
}

// GetBlockInfo returns summary metadata for the block with the given
// hash.
func (c *Client) GetBlockInfo(ctx context.Context, hash chainhash.Hash) (BlockInfoResult, error) {
	var res BlockInfoResult
	if err := c.call(ctx, "getblock", []interface{}{hash.String(), 1}, &res); err != nil {
		return BlockInfoResult{}, err
	}
	return res, nil
}

func decodeTxHex(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: decode tx hex: %w", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("rpcclient: deserialize tx: %w", err)
	}
	return tx, nil
}
