// Copyright (c) 2025 Shell Reserve developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// FeeBucket is one row of mempool.get_fee_histogram's result: a fee rate
// in satoshis per vbyte and the total vsize of entries whose fee rate
// falls in [FeeRate, FeeRate+histogramBucketWidth).
type FeeBucket struct {
	FeeRate float64
	VSize   int64
}

// histogramBucketWidth is the fee-rate granularity (sat/vB) entries are
// grouped into before being reported, matching the coarse-grained
// histogram Electrum clients expect rather than one row per fee rate.
const histogramBucketWidth = 1.0

// computeHistogram buckets entries by fee-rate (fee/vsize) and reports
// total vsize per bucket, per spec.md §4.3. Buckets are returned ordered
// from the highest fee rate to the lowest, the order Electrum clients
// expect so that they can stop scanning once a target fee rate is
// reached.
func computeHistogram(entries map[chainhash.Hash]*Entry) []FeeBucket {
	byBucket := make(map[float64]int64)
	for _, e := range entries {
		if e.VSize <= 0 {
			continue
		}
		rate := float64(e.FeeSatoshis) / float64(e.VSize)
		bucket := float64(int64(rate/histogramBucketWidth)) * histogramBucketWidth
		byBucket[bucket] += e.VSize
	}

	out := make([]FeeBucket, 0, len(byBucket))
	for rate, vsize := range byBucket {
		out = append(out, FeeBucket{FeeRate: rate, VSize: vsize})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeeRate > out[j].FeeRate })
	return out
}
