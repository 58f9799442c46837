// Package broadcast accepts raw transactions from callers and relays them
// to the upstream node, performing only cheap local well-formedness checks
// (hex decodes, weight within bounds) before delegating acceptance
// entirely to the node.
package broadcast

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingontech/klingdex/internal/log"
	"github.com/klingontech/klingdex/internal/nodeclient"
	"github.com/klingontech/klingdex/internal/xerrors"
)

// minWeightUnits and maxWeightUnits bound the raw transaction's weight
// before it's even sent to the node.
const (
	minWeightUnits = 60
	maxWeightUnits = 400_000

	// maxTestAcceptBatch is the most transactions test_accept will check
	// in a single call.
	maxTestAcceptBatch = 25
)

// Broadcaster relays transactions to the upstream node.
type Broadcaster struct {
	node nodeclient.NodeClient
}

// New creates a Broadcaster over node.
func New(node nodeclient.NodeClient) *Broadcaster {
	return &Broadcaster{node: node}
}

// Verdict is one transaction's test_accept result.
type Verdict struct {
	Txid         string
	Allowed      bool
	RejectReason string
}

// Submit parses and weight-checks a hex-encoded transaction, then
// delegates acceptance to the node. The node's error text, if any, is
// carried back verbatim.
func (b *Broadcaster) Submit(ctx context.Context, rawHex string) (chainhash.Hash, error) {
	tx, err := decodeAndBoundsCheck(rawHex)
	if err != nil {
		return chainhash.Hash{}, err
	}
	txid, err := b.node.SendRawTransaction(ctx, tx)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("broadcast: node rejected transaction: %w", err)
	}
	log.Broadcast.Info().Str("txid", txid.String()).Msg("broadcast accepted")
	return txid, nil
}

// TestAccept checks up to 25 hex-encoded transactions per call, returning
// the node's per-tx verdict.
func (b *Broadcaster) TestAccept(ctx context.Context, rawHexes []string) ([]Verdict, error) {
	if len(rawHexes) == 0 {
		return nil, xerrors.Wrap(xerrors.BadRequest, "test_accept requires at least one transaction")
	}
	if len(rawHexes) > maxTestAcceptBatch {
		return nil, xerrors.Wrap(xerrors.BadRequest, "test_accept accepts at most %d transactions, got %d", maxTestAcceptBatch, len(rawHexes))
	}

	txs := make([]*wire.MsgTx, 0, len(rawHexes))
	for _, raw := range rawHexes {
		tx, err := decodeAndBoundsCheck(raw)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}

	results, err := b.node.TestMempoolAccept(ctx, txs)
	if err != nil {
		return nil, fmt.Errorf("broadcast: test_accept: %w", err)
	}
	verdicts := make([]Verdict, len(results))
	for i, r := range results {
		verdicts[i] = Verdict{Txid: r.Txid, Allowed: r.Allowed, RejectReason: r.RejectReason}
	}
	return verdicts, nil
}

func decodeAndBoundsCheck(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.BadRequest, "invalid hex: %v", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytesReaderOf(raw)); err != nil {
		return nil, xerrors.Wrap(xerrors.BadRequest, "invalid transaction wire format: %v", err)
	}
	weight := tx.SerializeSizeStripped()*3 + tx.SerializeSize()
	if weight < minWeightUnits || weight > maxWeightUnits {
		return nil, xerrors.Wrap(xerrors.BadRequest, "transaction weight %d outside allowed range [%d, %d]", weight, minWeightUnits, maxWeightUnits)
	}
	return &tx, nil
}
