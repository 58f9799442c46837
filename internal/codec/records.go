package codec

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ConfidentialExtra carries the confidential-assets variant's opaque,
// tagged commitment data for one output. No commitment math is performed
// or verified anywhere in this index: the upstream node already validated
// the proofs, so these fields are stored and returned as-is, never
// inspected. AssetID is present whenever the output isn't the base asset;
// the commitment/proof blobs are present whenever the value/asset is
// blinded rather than sent in the clear.
type ConfidentialExtra struct {
	AssetID          []byte `json:"asset_id,omitempty"`
	ValueCommitment  []byte `json:"value_commitment,omitempty"`
	AssetCommitment  []byte `json:"asset_commitment,omitempty"`
	RangeProof       []byte `json:"range_proof,omitempty"`
	SurjectionProof  []byte `json:"surjection_proof,omitempty"`
	PegIn            bool   `json:"peg_in,omitempty"`
	PegOut           bool   `json:"peg_out,omitempty"`
}

// TxOutRecord is the value stored under a TxOutKey: everything the query
// layer needs about one output without re-fetching the owning block.
type TxOutRecord struct {
	Height       uint32             `json:"height"`
	ValueSats    int64              `json:"value_sats"`
	ScriptHash   chainhash.Hash     `json:"scripthash"`
	ScriptType   string             `json:"script_type"`
	Coinbase     bool               `json:"coinbase,omitempty"`
	Confidential *ConfidentialExtra `json:"confidential,omitempty"`
}

// EncodeTxOutRecord marshals a TxOutRecord for storage as JSON, keeping
// structured (non-scalar) record values self-describing while scalar key
// fields (heights, counts) stay hand-packed big-endian for ordering.
func EncodeTxOutRecord(r TxOutRecord) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal tx out record: %w", err)
	}
	return data, nil
}

// DecodeTxOutRecord unmarshals a TxOutRecord. A decode failure here means
// the on-disk data is corrupt or was written by an incompatible version;
// callers should treat it as Fatal, not retry it.
func DecodeTxOutRecord(data []byte) (TxOutRecord, error) {
	var r TxOutRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return TxOutRecord{}, fmt.Errorf("codec: unmarshal tx out record: %w", err)
	}
	return r, nil
}

// SpendRecord is the value stored under a SpendKey.
type SpendRecord struct {
	SpenderTxid chainhash.Hash `json:"spender_txid"`
	SpenderVin  uint32         `json:"spender_vin"`
	Height      uint32         `json:"height"`
}

func EncodeSpendRecord(r SpendRecord) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal spend record: %w", err)
	}
	return data, nil
}

func DecodeSpendRecord(data []byte) (SpendRecord, error) {
	var r SpendRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return SpendRecord{}, fmt.Errorf("codec: unmarshal spend record: %w", err)
	}
	return r, nil
}

// ScriptStatsRecord holds the running, signed-delta-maintained aggregate
// for one scripthash: funded/spent totals and tx counts. Updated in place
// on apply and reverted in place (by subtracting the same deltas) on
// rollback, so a reorg never needs to rescan history to recompute it.
type ScriptStatsRecord struct {
	FundedTxoCount int64 `json:"funded_txo_count"`
	FundedSum      int64 `json:"funded_sum_sats"`
	SpentTxoCount  int64 `json:"spent_txo_count"`
	SpentSum       int64 `json:"spent_sum_sats"`
}

// Balance returns the confirmed balance implied by this record.
func (s ScriptStatsRecord) Balance() int64 {
	return s.FundedSum - s.SpentSum
}

func EncodeScriptStatsRecord(r ScriptStatsRecord) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal script stats record: %w", err)
	}
	return data, nil
}

func DecodeScriptStatsRecord(data []byte) (ScriptStatsRecord, error) {
	var r ScriptStatsRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return ScriptStatsRecord{}, fmt.Errorf("codec: unmarshal script stats record: %w", err)
	}
	return r, nil
}

// BlockHeaderRecord is the value stored under a BlockHeaderKey: the raw
// 80-byte Bitcoin header plus the fields the indexer needs that aren't
// cheaply re-derivable (tx count, cumulative work so far).
type BlockHeaderRecord struct {
	HeaderBytes     []byte `json:"header"`
	TxCount         uint32 `json:"tx_count"`
	CumulativeWork  string `json:"cumulative_work"` // big.Int decimal string
}

func EncodeBlockHeaderRecord(r BlockHeaderRecord) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal block header record: %w", err)
	}
	return data, nil
}

func DecodeBlockHeaderRecord(data []byte) (BlockHeaderRecord, error) {
	var r BlockHeaderRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return BlockHeaderRecord{}, fmt.Errorf("codec: unmarshal block header record: %w", err)
	}
	return r, nil
}

// SpentEntry records one outpoint a block's undo must restore as unspent.
type SpentEntry struct {
	Txid chainhash.Hash `json:"txid"`
	Vout uint32         `json:"vout"`
	Out  TxOutRecord    `json:"out"`
}

// ScriptStatsDelta is the signed delta one block applied to a scripthash's
// aggregate stats, so a rollback can subtract it back out exactly instead
// of rescanning history.
type ScriptStatsDelta struct {
	ScriptHash     chainhash.Hash `json:"scripthash"`
	FundedTxoCount int64          `json:"funded_txo_count"`
	FundedSum      int64          `json:"funded_sum_sats"`
	SpentTxoCount  int64          `json:"spent_txo_count"`
	SpentSum       int64          `json:"spent_sum_sats"`
}

// ScriptHistoryRef identifies one script-history entry this block wrote,
// so a revert can delete the exact key without recomputing a scripthash
// from on-disk data that may itself be about to be deleted.
type ScriptHistoryRef struct {
	ScriptHash chainhash.Hash `json:"scripthash"`
	Txid       chainhash.Hash `json:"txid"`
}

// BlockUndo holds everything needed to exactly reverse one block's effect
// on the index: the outputs it created (so they can be deleted), the
// outputs it spent (so they can be restored unspent), the script-history
// entries it wrote on both the funding and spending side, and the signed
// per-script stats deltas it applied (so they can be subtracted back out).
type BlockUndo struct {
	Height          uint32             `json:"height"`
	CreatedOutputs  []TxOutKeyRef      `json:"created_outputs"`
	RestoredSpends  []SpentEntry       `json:"restored_spends"`
	FundingHistory  []ScriptHistoryRef `json:"funding_history"`
	SpendingHistory []ScriptHistoryRef `json:"spending_history"`
	StatsDeltas     []ScriptStatsDelta `json:"stats_deltas"`
	// AddressEntries holds the human-readable addresses newly registered
	// in the address-prefix index by this block's outputs, so a revert can
	// remove exactly those entries without guessing which ones it added
	// (an address already indexed by an earlier block must survive).
	AddressEntries []string `json:"address_entries,omitempty"`
}

// TxOutKeyRef identifies one output by its (txid, vout).
type TxOutKeyRef struct {
	Txid chainhash.Hash `json:"txid"`
	Vout uint32         `json:"vout"`
}

func EncodeBlockUndo(u BlockUndo) ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal block undo: %w", err)
	}
	return data, nil
}

func DecodeBlockUndo(data []byte) (BlockUndo, error) {
	var u BlockUndo
	if err := json.Unmarshal(data, &u); err != nil {
		return BlockUndo{}, fmt.Errorf("codec: unmarshal block undo: %w", err)
	}
	return u, nil
}

// ReorgCheckpoint is written before a reorg begins mutating the store, so
// a crash mid-reorg can be detected and resumed on restart.
type ReorgCheckpoint struct {
	OldTipHash  chainhash.Hash `json:"old_tip_hash"`
	OldTipHeight uint32        `json:"old_tip_height"`
	NewTipHash  chainhash.Hash `json:"new_tip_hash"`
	ForkHeight  uint32         `json:"fork_height"`
}

func EncodeReorgCheckpoint(c ReorgCheckpoint) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal reorg checkpoint: %w", err)
	}
	return data, nil
}

func DecodeReorgCheckpoint(data []byte) (ReorgCheckpoint, error) {
	var c ReorgCheckpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return ReorgCheckpoint{}, fmt.Errorf("codec: unmarshal reorg checkpoint: %w", err)
	}
	return c, nil
}
