// Package feeestimator answers "what fee rate do I need for confirmation
// target N blocks" either by proxying the upstream node's own estimator
// or by deriving an estimate from the mempool indexer's fee-rate
// histogram. The two modes are never combined; which one runs is a
// configuration input selected once at construction.
package feeestimator

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/klingontech/klingdex/config"
	"github.com/klingontech/klingdex/internal/log"
	"github.com/klingontech/klingdex/internal/mempoolindex"
	"github.com/klingontech/klingdex/internal/nodeclient"
	"github.com/klingontech/klingdex/internal/xerrors"
)

// Mode selects how an Estimator computes its results; it is config.FeeEstMode
// under a local name so callers outside config don't need that import just
// to compare modes.
type Mode = config.FeeEstMode

const (
	ModeProxy   = config.FeeEstProxy
	ModeMempool = config.FeeEstMempool
)

// HistogramSource is the subset of mempoolindex.Pool the mempool mode needs.
type HistogramSource interface {
	Histogram() []mempoolindex.Bucket
}

// Estimator maps a confirmation target (in blocks) to a fee rate
// (sat/vbyte). Construct with New, which fixes the mode for the
// estimator's lifetime; the two modes are never combined.
type Estimator struct {
	mode    Mode
	targets []int
	node    nodeclient.NodeClient
	pool    HistogramSource
}

// New creates an Estimator in the mode named by cfg.Mode.
func New(cfg config.FeeEstConfig, node nodeclient.NodeClient, pool HistogramSource) (*Estimator, error) {
	mode := cfg.Mode
	switch mode {
	case ModeProxy, ModeMempool:
	default:
		return nil, xerrors.Wrap(xerrors.BadRequest, "unknown fee estimator mode %q", cfg.Mode)
	}
	targets := cfg.Targets
	if len(targets) == 0 {
		targets = []int{1, 3, 6, 12, 24, 144, 504}
	}
	return &Estimator{mode: mode, targets: targets, node: node, pool: pool}, nil
}

// Estimate returns feerate(sat/vbyte) keyed by confirmation target. In
// mempool mode every configured target has an entry; in proxy mode a
// target for which the node reports estimation errors is left out.
func (e *Estimator) Estimate(ctx context.Context) (map[int]float64, error) {
	switch e.mode {
	case ModeProxy:
		return e.estimateProxy(ctx)
	case ModeMempool:
		return e.estimateMempool(), nil
	default:
		return nil, fmt.Errorf("feeestimator: unreachable mode %q", e.mode)
	}
}

func (e *Estimator) estimateProxy(ctx context.Context) (map[int]float64, error) {
	out := make(map[int]float64, len(e.targets))
	for _, target := range e.targets {
		res, err := e.node.EstimateSmartFee(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("feeestimator: estimate_fee target %d: %w", target, err)
		}
		if len(res.Errors) > 0 {
			log.FeeEst.Warn().Int("target", target).Strs("errors", res.Errors).Msg("node could not estimate fee for target")
			continue
		}
		// feerate is BTC/kvB; convert to whole sat/kvB, then to sat/vbyte.
		out[target] = math.Round(res.FeeRateBTCPerKB*1e8) / 1000
	}
	return out, nil
}

// estimateMempool derives an estimate per confirmation target from the
// fee-rate histogram: target t (in blocks) maps to an index into the
// bucket list scaled by how much of the mempool would need to clear to
// reach that many blocks of headroom, on the simplifying assumption of
// one average-sized block's worth of vsize confirmed per target block.
func (e *Estimator) estimateMempool() map[int]float64 {
	buckets := e.pool.Histogram()
	out := make(map[int]float64, len(e.targets))
	if len(buckets) == 0 {
		for _, target := range e.targets {
			out[target] = 1.0 // mempool empty: minimum relay-ish fee rate
		}
		return out
	}

	const avgBlockVSize = 1_000_000 // ~1 MvB blocks, matching BIP141's weight/vsize ratio
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].CumulativeVSize < buckets[j].CumulativeVSize })

	for _, target := range e.targets {
		capacityAhead := int64(target) * avgBlockVSize
		out[target] = feerateForVSize(buckets, capacityAhead)
	}
	return out
}

// feerateForVSize finds the feerate floor of the first bucket whose
// cumulative vsize reaches capacityAhead: that's the minimum rate a
// transaction needs to be confirmed within that many blocks' worth of
// mempool-clearing capacity. If capacity exceeds the whole mempool, the
// lowest observed feerate suffices.
func feerateForVSize(buckets []mempoolindex.Bucket, capacityAhead int64) float64 {
	for _, b := range buckets {
		if b.CumulativeVSize >= capacityAhead {
			return b.FeerateFloor
		}
	}
	return buckets[len(buckets)-1].FeerateFloor
}
