// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package scripthash computes the Electrum script hash used as the primary
// key for the address index: the double-SHA256 of an output script with the
// digest byte-reversed to little-endian, matching the Electrum protocol's
// definition bit-for-bit.
package scripthash

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Hash is a 32-byte Electrum script hash.
type Hash [chainhash.HashSize]byte

// String returns the plain hex encoding of the script hash, in the same
// byte order New produces it. Unlike chainhash.Hash, an Electrum script
// hash is not displayed reversed: FromHex must invert this exactly.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// New computes the script hash for a raw output script (scriptPubKey).
//
// The algorithm is: double-SHA256(script), then reverse the 32-byte digest.
// This mirrors chainhash's own little-endian display convention, which is
// why the reversal is applied here rather than left to callers.
func New(script []byte) Hash {
	digest := chainhash.DoubleHashB(script)

	var h Hash
	for i := 0; i < len(digest); i++ {
		h[i] = digest[len(digest)-1-i]
	}
	return h
}

// FromHex parses a 64-character hex-encoded script hash as sent by an
// Electrum client in a subscribe request, inverting String exactly.
func FromHex(s string) (Hash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, err
	}
	if len(raw) != chainhash.HashSize {
		return Hash{}, fmt.Errorf("scripthash: invalid length %d, expected %d", len(raw), chainhash.HashSize)
	}
	var h Hash
	copy(h[:], raw)
	return h, nil
}
