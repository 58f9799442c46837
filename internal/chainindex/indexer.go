// Package chainindex maintains the confirmed-chain half of the index: it
// applies new blocks (building TxOut, Spend, ScriptHistory, and
// ScriptStats records) and reverts them on reorg, using a chain of
// BlockUndo records so a rollback never needs to rescan history.
package chainindex

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingontech/klingdex/internal/codec"
	"github.com/klingontech/klingdex/internal/log"
	"github.com/klingontech/klingdex/internal/store"
	"github.com/klingontech/klingdex/pkg/script"
)

// Indexer applies and reverts blocks against a Store, keeping HeaderChain
// in sync with what is durably persisted.
type Indexer struct {
	s      store.Store
	chain  *HeaderChain
	params *chaincfg.Params

	maxReorgDepth uint32
}

// New creates an Indexer over s, loading any existing header chain. If a
// reorg checkpoint is found left over from a crash mid-reorg, it is logged
// but not specially replayed: every revert/apply batch commits atomically,
// so the store is internally consistent at whatever partial point the
// crash interrupted, and the next Reorg call (or straight-through apply, if
// the interrupted reorg had already finished reverting and the remaining
// work is just catching back up) resumes correctly from there.
func New(s store.Store, maxReorgDepth uint32, params *chaincfg.Params) (*Indexer, error) {
	hc := NewHeaderChain()
	if err := hc.Load(s); err != nil {
		return nil, fmt.Errorf("chainindex: load header chain: %w", err)
	}
	if raw, err := s.Get(codec.MetaKey(codec.MetaReorgCheckpoint)); err == nil {
		if cp, decErr := codec.DecodeReorgCheckpoint(raw); decErr == nil {
			log.Indexer.Warn().
				Str("old_tip", cp.OldTipHash.String()).
				Str("new_tip", cp.NewTipHash.String()).
				Uint32("fork_height", cp.ForkHeight).
				Msg("resuming after a reorg interrupted by a previous crash")
		}
	} else if err != store.ErrNotFound {
		return nil, fmt.Errorf("chainindex: load reorg checkpoint: %w", err)
	}
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	return &Indexer{s: s, chain: hc, maxReorgDepth: maxReorgDepth, params: params}, nil
}

// Chain returns the underlying header chain (read access for the query layer).
func (ix *Indexer) Chain() *HeaderChain {
	return ix.chain
}

// ResolveOutput satisfies mempoolindex.UTXOResolver: it looks up a
// confirmed TxOut record directly from the store, so the mempool indexer
// can resolve transactions spending already-confirmed outputs without
// depending on the chainindex package for anything but this one lookup.
func (ix *Indexer) ResolveOutput(ctx context.Context, op wire.OutPoint) (codec.TxOutRecord, bool, error) {
	data, err := ix.s.Get(codec.TxOutKey(op.Hash, op.Index))
	if err == store.ErrNotFound {
		return codec.TxOutRecord{}, false, nil
	}
	if err != nil {
		return codec.TxOutRecord{}, false, err
	}
	rec, err := codec.DecodeTxOutRecord(data)
	if err != nil {
		return codec.TxOutRecord{}, false, err
	}
	return rec, true, nil
}

// HeaderAt returns the parsed header and tx count stored for height, for
// the HTTP surface's block-metadata endpoint.
func (ix *Indexer) HeaderAt(height uint32) (wire.BlockHeader, uint32, bool, error) {
	data, err := ix.s.Get(codec.BlockHeaderKey(height))
	if err == store.ErrNotFound {
		return wire.BlockHeader{}, 0, false, nil
	}
	if err != nil {
		return wire.BlockHeader{}, 0, false, err
	}
	rec, err := codec.DecodeBlockHeaderRecord(data)
	if err != nil {
		return wire.BlockHeader{}, 0, false, err
	}
	var hdr wire.BlockHeader
	if err := hdr.Deserialize(bytes.NewReader(rec.HeaderBytes)); err != nil {
		return wire.BlockHeader{}, 0, false, fmt.Errorf("chainindex: decode header bytes at height %d: %w", height, err)
	}
	return hdr, rec.TxCount, true, nil
}

// ErrForkDetected is returned by ApplyBlock when the block's parent is not
// the current tip; the caller should resolve the fork via Reorg before
// retrying.
var ErrForkDetected = fmt.Errorf("chainindex: fork detected")

// ApplyBlock applies blk, which must extend the current tip, at height.
// For height 0 (genesis) there is no tip to check against.
func (ix *Indexer) ApplyBlock(blk *wire.MsgBlock, height uint32) error {
	tipHeight, tipHash, hasTip := ix.chain.Tip()
	if hasTip {
		if blk.Header.PrevBlock != tipHash {
			return ErrForkDetected
		}
		if height != tipHeight+1 {
			return fmt.Errorf("chainindex: height %d does not extend tip height %d", height, tipHeight)
		}
	} else if height != 0 {
		return fmt.Errorf("chainindex: first applied block must be height 0, got %d", height)
	}

	hash := blk.Header.BlockHash()
	batch := store.NewBatch()
	undo := codec.BlockUndo{Height: height}
	statsDeltas := make(map[chainhash.Hash]*codec.ScriptStatsDelta)

	for txIdx, tx := range blk.Transactions {
		txid := tx.TxHash()
		isCoinbase := txIdx == 0

		for vin, in := range tx.TxIn {
			if isCoinbase {
				continue
			}
			prevTxid := in.PreviousOutPoint.Hash
			prevVout := in.PreviousOutPoint.Index

			outKey := codec.TxOutKey(prevTxid, prevVout)
			outBytes, err := ix.s.Get(outKey)
			if err != nil {
				return fmt.Errorf("chainindex: spend input %s:%d: load prior output: %w", prevTxid, prevVout, err)
			}
			outRec, err := codec.DecodeTxOutRecord(outBytes)
			if err != nil {
				return fmt.Errorf("chainindex: spend input %s:%d: decode prior output: %w", prevTxid, prevVout, err)
			}

			spendRec := codec.SpendRecord{SpenderTxid: txid, SpenderVin: uint32(vin), Height: height}
			spendBytes, err := codec.EncodeSpendRecord(spendRec)
			if err != nil {
				return err
			}
			batch.Put(codec.SpendKey(prevTxid, prevVout), spendBytes)
			batch.Put(codec.ScriptHistoryKey(outRec.ScriptHash, height, txid, codec.IOSpending), []byte{})

			undo.RestoredSpends = append(undo.RestoredSpends, codec.SpentEntry{
				Txid: prevTxid, Vout: prevVout, Out: outRec,
			})
			undo.SpendingHistory = append(undo.SpendingHistory, codec.ScriptHistoryRef{
				ScriptHash: outRec.ScriptHash, Txid: txid,
			})

			delta := statsDelta(statsDeltas, outRec.ScriptHash)
			delta.SpentTxoCount++
			delta.SpentSum += outRec.ValueSats
		}

		for vout, out := range tx.TxOut {
			sh := chainhash.Hash(script.Scripthash(out.PkScript))
			typ := script.Classify(out.PkScript)

			rec := codec.TxOutRecord{
				Height:     height,
				ValueSats:  out.Value,
				ScriptHash: sh,
				ScriptType: string(typ),
				Coinbase:   isCoinbase,
			}
			data, err := codec.EncodeTxOutRecord(rec)
			if err != nil {
				return err
			}
			batch.Put(codec.TxOutKey(txid, uint32(vout)), data)
			batch.Put(codec.ScriptHistoryKey(sh, height, txid, codec.IOFunding), []byte{})

			if addr, ok := script.DeriveAddress(out.PkScript, ix.params); ok {
				addrKey := codec.AddressPrefixKey(addr)
				exists, err := ix.s.Has(addrKey)
				if err != nil {
					return fmt.Errorf("chainindex: check address prefix entry for %s: %w", addr, err)
				}
				if !exists {
					batch.Put(addrKey, sh[:])
					undo.AddressEntries = append(undo.AddressEntries, addr)
				}
			}

			undo.CreatedOutputs = append(undo.CreatedOutputs, codec.TxOutKeyRef{Txid: txid, Vout: uint32(vout)})
			undo.FundingHistory = append(undo.FundingHistory, codec.ScriptHistoryRef{ScriptHash: sh, Txid: txid})

			delta := statsDelta(statsDeltas, sh)
			delta.FundedTxoCount++
			delta.FundedSum += out.Value
		}

		loc := codec.EncodeTxLocation(height, uint32(txIdx))
		batch.Put(codec.TxLocationKey(txid), loc)
	}

	if err := ix.applyStatsDeltas(batch, statsDeltas, &undo); err != nil {
		return err
	}

	headerBytes, err := serializeHeader(blk)
	if err != nil {
		return err
	}
	hdrRec := codec.BlockHeaderRecord{
		HeaderBytes:    headerBytes,
		TxCount:        uint32(len(blk.Transactions)),
		CumulativeWork: ix.nextCumulativeWork(blk).String(),
	}
	hdrData, err := codec.EncodeBlockHeaderRecord(hdrRec)
	if err != nil {
		return err
	}
	batch.Put(codec.BlockHeaderKey(height), hdrData)
	batch.Put(codec.BlockByHashKey(hash), codec.EncodeHeight(height))

	undoData, err := codec.EncodeBlockUndo(undo)
	if err != nil {
		return err
	}
	batch.Put(codec.UndoKey(height), undoData)
	if height > ix.maxReorgDepth {
		batch.Delete(codec.UndoKey(height - ix.maxReorgDepth - 1))
	}

	batch.Put(codec.MetaKey(codec.MetaTipHash), hash[:])
	batch.Put(codec.MetaKey(codec.MetaTipHeight), codec.EncodeHeight(height))
	batch.Put(codec.MetaKey(codec.MetaCumulativeWork), []byte(hdrRec.CumulativeWork))

	if err := ix.s.Write(batch); err != nil {
		return fmt.Errorf("chainindex: write block %d: %w", height, err)
	}
	ix.chain.Append(height, hash)
	log.Indexer.Info().Uint32("height", height).Str("hash", hash.String()).Int("txs", len(blk.Transactions)).Msg("applied block")
	return nil
}

// RevertTip reverts the current tip block using its persisted undo
// record, moving the tip back one block.
func (ix *Indexer) RevertTip(ctx context.Context) error {
	height, hash, ok := ix.chain.Tip()
	if !ok {
		return fmt.Errorf("chainindex: cannot revert, chain is empty")
	}
	if height == 0 {
		return fmt.Errorf("chainindex: cannot revert genesis block")
	}

	undoBytes, err := ix.s.Get(codec.UndoKey(height))
	if err != nil {
		return fmt.Errorf("chainindex: missing undo for height %d, rebuild required: %w", height, err)
	}
	undo, err := codec.DecodeBlockUndo(undoBytes)
	if err != nil {
		return fmt.Errorf("chainindex: decode undo for height %d: %w", height, err)
	}

	batch := store.NewBatch()
	for _, ref := range undo.CreatedOutputs {
		batch.Delete(codec.TxOutKey(ref.Txid, ref.Vout))
	}
	for _, sp := range undo.RestoredSpends {
		data, err := codec.EncodeTxOutRecord(sp.Out)
		if err != nil {
			return err
		}
		batch.Put(codec.TxOutKey(sp.Txid, sp.Vout), data)
		batch.Delete(codec.SpendKey(sp.Txid, sp.Vout))
	}
	for _, d := range undo.StatsDeltas {
		if err := ix.reverseStatsDelta(batch, d); err != nil {
			return err
		}
	}
	for _, ref := range undo.FundingHistory {
		batch.Delete(codec.ScriptHistoryKey(ref.ScriptHash, height, ref.Txid, codec.IOFunding))
	}
	for _, ref := range undo.SpendingHistory {
		batch.Delete(codec.ScriptHistoryKey(ref.ScriptHash, height, ref.Txid, codec.IOSpending))
	}
	for _, addr := range undo.AddressEntries {
		batch.Delete(codec.AddressPrefixKey(addr))
	}

	seenTxids := make(map[chainhash.Hash]struct{})
	for _, ref := range undo.CreatedOutputs {
		if _, ok := seenTxids[ref.Txid]; ok {
			continue
		}
		seenTxids[ref.Txid] = struct{}{}
		batch.Delete(codec.TxLocationKey(ref.Txid))
	}

	batch.Delete(codec.BlockHeaderKey(height))
	batch.Delete(codec.BlockByHashKey(hash))
	batch.Delete(codec.UndoKey(height))

	newTipHeight := height - 1
	newTipHash, ok := ix.chain.HashAt(newTipHeight)
	if !ok {
		return fmt.Errorf("chainindex: missing header for new tip height %d", newTipHeight)
	}
	batch.Put(codec.MetaKey(codec.MetaTipHash), newTipHash[:])
	batch.Put(codec.MetaKey(codec.MetaTipHeight), codec.EncodeHeight(newTipHeight))

	if err := ix.s.Write(batch); err != nil {
		return fmt.Errorf("chainindex: write revert of height %d: %w", height, err)
	}
	ix.chain.Truncate(newTipHeight, newTipHash)
	log.Indexer.Warn().Uint32("reverted_height", height).Msg("reverted tip block")
	return nil
}

func statsDelta(m map[chainhash.Hash]*codec.ScriptStatsDelta, sh chainhash.Hash) *codec.ScriptStatsDelta {
	d, ok := m[sh]
	if !ok {
		d = &codec.ScriptStatsDelta{ScriptHash: sh}
		m[sh] = d
	}
	return d
}

func (ix *Indexer) applyStatsDeltas(batch *store.Batch, deltas map[chainhash.Hash]*codec.ScriptStatsDelta, undo *codec.BlockUndo) error {
	for sh, d := range deltas {
		key := codec.ScriptStatsKey(sh)
		var rec codec.ScriptStatsRecord
		existing, err := ix.s.Get(key)
		if err != nil && err != store.ErrNotFound {
			return fmt.Errorf("chainindex: load script stats for %s: %w", sh, err)
		}
		if err == nil {
			rec, err = codec.DecodeScriptStatsRecord(existing)
			if err != nil {
				return err
			}
		}
		rec.FundedTxoCount += d.FundedTxoCount
		rec.FundedSum += d.FundedSum
		rec.SpentTxoCount += d.SpentTxoCount
		rec.SpentSum += d.SpentSum

		data, err := codec.EncodeScriptStatsRecord(rec)
		if err != nil {
			return err
		}
		batch.Put(key, data)
		undo.StatsDeltas = append(undo.StatsDeltas, *d)
	}
	return nil
}

func (ix *Indexer) reverseStatsDelta(batch *store.Batch, d codec.ScriptStatsDelta) error {
	key := codec.ScriptStatsKey(d.ScriptHash)
	existing, err := ix.s.Get(key)
	if err != nil {
		return fmt.Errorf("chainindex: load script stats for revert %s: %w", d.ScriptHash, err)
	}
	rec, err := codec.DecodeScriptStatsRecord(existing)
	if err != nil {
		return err
	}
	rec.FundedTxoCount -= d.FundedTxoCount
	rec.FundedSum -= d.FundedSum
	rec.SpentTxoCount -= d.SpentTxoCount
	rec.SpentSum -= d.SpentSum

	data, err := codec.EncodeScriptStatsRecord(rec)
	if err != nil {
		return err
	}
	batch.Put(key, data)
	return nil
}

func serializeHeader(blk *wire.MsgBlock) ([]byte, error) {
	var buf bytes.Buffer
	if err := blk.Header.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("chainindex: serialize header: %w", err)
	}
	return buf.Bytes(), nil
}

// nextCumulativeWork adds blk's work (derived from its compact nBits) to
// the chain's running cumulative work total.
func (ix *Indexer) nextCumulativeWork(blk *wire.MsgBlock) *big.Int {
	prevWork := big.NewInt(0)
	if raw, err := ix.s.Get(codec.MetaKey(codec.MetaCumulativeWork)); err == nil {
		prevWork.SetString(string(raw), 10)
	}
	work := blockWork(blk.Header.Bits)
	return new(big.Int).Add(prevWork, work)
}

// blockWork converts compact nBits to the "work" contributed by one
// block: 2^256 / (target + 1), the same quantity Bitcoin Core sums to
// compare chains by cumulative proof of work rather than length.
func blockWork(nBits uint32) *big.Int {
	shift := uint((nBits >> 24) & 0xff)
	coef := new(big.Int).SetUint64(uint64(nBits & 0x00ffffff))
	if coef.Sign() == 0 || shift < 3 {
		return big.NewInt(0)
	}
	target := new(big.Int).Lsh(coef, 8*(shift-3))
	maxTarget := new(big.Int).Lsh(big.NewInt(1), 256)
	denom := new(big.Int).Add(target, big.NewInt(1))
	return new(big.Int).Div(maxTarget, denom)
}
