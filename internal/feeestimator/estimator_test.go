package feeestimator

import (
	"context"
	"testing"

	"github.com/klingontech/klingdex/config"
	"github.com/klingontech/klingdex/internal/mempoolindex"
	"github.com/klingontech/klingdex/internal/nodeclient"
)

type fakeNode struct {
	nodeclient.NodeClient
	estimates map[int]nodeclient.EstimateSmartFeeResult
}

func (f *fakeNode) EstimateSmartFee(ctx context.Context, target int) (nodeclient.EstimateSmartFeeResult, error) {
	return f.estimates[target], nil
}

type fakeHistogram struct {
	buckets []mempoolindex.Bucket
}

func (f *fakeHistogram) Histogram() []mempoolindex.Bucket {
	return f.buckets
}

func TestEstimateProxyConvertsBTCPerKBToSatPerVByte(t *testing.T) {
	node := &fakeNode{estimates: map[int]nodeclient.EstimateSmartFeeResult{
		6: {FeeRateBTCPerKB: 0.00001000}, // 1000 sat/kvB = 1 sat/vbyte
	}}
	cfg := config.FeeEstConfig{Mode: config.FeeEstProxy, Targets: []int{6}}
	est, err := New(cfg, node, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := est.Estimate(context.Background())
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if out[6] != 1.0 {
		t.Fatalf("got %v, want 1.0 sat/vbyte", out[6])
	}
}

func TestEstimateMempoolEmptyHistogramReturnsFloor(t *testing.T) {
	cfg := config.FeeEstConfig{Mode: config.FeeEstMempool, Targets: []int{1, 6}}
	est, err := New(cfg, nil, &fakeHistogram{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := est.Estimate(context.Background())
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if out[1] != 1.0 || out[6] != 1.0 {
		t.Fatalf("unexpected empty-mempool estimate: %+v", out)
	}
}

func TestEstimateMempoolUsesHistogramFloor(t *testing.T) {
	cfg := config.FeeEstConfig{Mode: config.FeeEstMempool, Targets: []int{1}}
	hist := &fakeHistogram{buckets: []mempoolindex.Bucket{
		{FeerateFloor: 50, CumulativeVSize: 500_000, TxCount: 10},
		{FeerateFloor: 10, CumulativeVSize: 1_500_000, TxCount: 30},
	}}
	est, err := New(cfg, nil, hist)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := est.Estimate(context.Background())
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	// target=1 block ahead => 1_000_000 vsize capacity, which falls in the
	// second bucket (cumulative 1_500_000 >= 1_000_000).
	if out[1] != 10 {
		t.Fatalf("got %v, want 10", out[1])
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New(config.FeeEstConfig{Mode: "bogus"}, nil, nil)
	if err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
