package mempoolindex

import "sort"

// Bucket is one point of the fee-rate histogram: every transaction at or
// above FeerateFloor (sat/vbyte) contributes to CumulativeVSize among the
// TxCount transactions bucketed so far, walking from the highest fee rate
// down. Buckets are ordered highest-feerate-first and split by cumulative
// vsize rather than fixed feerate bands, so the bucket boundaries track
// actual mempool congestion instead of an arbitrary fixed scale.
type Bucket struct {
	FeerateFloor    float64 `json:"feerate_floor"`
	CumulativeVSize int64   `json:"cumulative_vsize"`
	TxCount         int     `json:"tx_count"`
}

// Histogram recomputes the fee-rate histogram: sort entries by descending
// fee rate, walk in that order, and start a new bucket every time
// cumulative vsize crosses bucketVSize since the last bucket boundary.
func (p *Pool) Histogram() []Bucket {
	entries := p.Snapshot()
	return computeHistogram(entries, p.bucketVSize)
}

func computeHistogram(entries []*Entry, bucketVSize int64) []Bucket {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].FeeRate > entries[j].FeeRate
	})

	var buckets []Bucket
	var cumVSize int64
	var cumCount int
	var sinceLastBoundary int64

	for _, e := range entries {
		cumVSize += e.VSize
		cumCount++
		sinceLastBoundary += e.VSize
		if sinceLastBoundary >= bucketVSize {
			buckets = append(buckets, Bucket{
				FeerateFloor:    e.FeeRate,
				CumulativeVSize: cumVSize,
				TxCount:         cumCount,
			})
			sinceLastBoundary = 0
		}
	}

	// Flush a trailing partial bucket so the lowest fee-rate transactions
	// aren't silently dropped from the histogram.
	if sinceLastBoundary > 0 && len(entries) > 0 {
		buckets = append(buckets, Bucket{
			FeerateFloor:    entries[len(entries)-1].FeeRate,
			CumulativeVSize: cumVSize,
			TxCount:         cumCount,
		})
	}

	return buckets
}
