// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/toole-brendan/shell/internal/scripthash"
)

// EncodeHeadersNotification renders a blockchain.headers.subscribe
// notification line for the given tip.
func EncodeHeadersNotification(height int32, hdr wire.BlockHeader) ([]byte, error) {
	raw, err := serializeHeader(hdr)
	if err != nil {
		return nil, err
	}
	n := Notification{
		Jsonrpc: defaultJSONRPCVersion,
		Method:  "blockchain.headers.subscribe",
		Params:  []headerNotification{{Height: height, Hex: hex.EncodeToString(raw)}},
	}
	return encodeNotification(n)
}

// EncodeScripthashNotification renders a blockchain.scripthash.subscribe
// notification line reporting sh's new status hash (nil for the null
// status).
func EncodeScripthashNotification(sh scripthash.Hash, status *chainhash.Hash) ([]byte, error) {
	var statusField interface{}
	if status != nil {
		statusField = status.String()
	}
	n := Notification{
		Jsonrpc: defaultJSONRPCVersion,
		Method:  "blockchain.scripthash.subscribe",
		Params:  []interface{}{sh.String(), statusField},
	}
	return encodeNotification(n)
}

func encodeNotification(n Notification) ([]byte, error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("electrum: encode notification: %w", err)
	}
	return append(raw, '\n'), nil
}
