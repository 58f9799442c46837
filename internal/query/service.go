// Package query composes the chain indexer and the mempool indexer into
// the read operations the HTTP surface needs, implementing the two
// composition rules that make multi-source answers correct: merged
// pagination across mempool and chain history (Rule M), and on-read UTXO
// synthesis (Rule U). Service is a thin struct composing every backing
// component, one method per operation, without owning any state of its own.
package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingontech/klingdex/config"
	"github.com/klingontech/klingdex/internal/chainindex"
	"github.com/klingontech/klingdex/internal/codec"
	"github.com/klingontech/klingdex/internal/mempoolindex"
	"github.com/klingontech/klingdex/internal/nodeclient"
	"github.com/klingontech/klingdex/internal/store"
	"github.com/klingontech/klingdex/internal/xerrors"
	"github.com/klingontech/klingdex/pkg/script"
)

// Service answers read queries over the composed chain and mempool state.
type Service struct {
	s     store.Store
	chain *chainindex.Indexer
	pool  *mempoolindex.Pool
	node  nodeclient.NodeClient
	cfg   config.QueryConfig
}

// New creates a query Service. node supplies the raw data the index does
// not retain: LookupTx fetches every confirmed transaction from it, and
// BlockTxs fetches the block.
func New(s store.Store, chain *chainindex.Indexer, pool *mempoolindex.Pool, node nodeclient.NodeClient, cfg config.QueryConfig) *Service {
	return &Service{s: s, chain: chain, pool: pool, node: node, cfg: cfg}
}

// Tip returns the chain indexer's current tip.
func (q *Service) Tip() (height uint32, hash chainhash.Hash, ok bool) {
	return q.chain.Chain().Tip()
}

// BlockHeader returns the header, tx count, and height for a known block
// hash, for the HTTP surface's block-metadata endpoint.
func (q *Service) BlockHeader(hash chainhash.Hash) (height uint32, hdr wire.BlockHeader, txCount uint32, found bool, err error) {
	height, ok := q.chain.Chain().HeightOf(hash)
	if !ok {
		return 0, wire.BlockHeader{}, 0, false, nil
	}
	hdr, txCount, found, err = q.chain.HeaderAt(height)
	return height, hdr, txCount, found, err
}

// BlockTxs fetches the full block by hash fresh from the node (the index
// never retains full tx bytes) and returns its transactions starting at
// the given index, for paginated block-tx listing.
func (q *Service) BlockTxs(ctx context.Context, hash chainhash.Hash, start int) ([]*wire.MsgTx, uint32, error) {
	height, ok := q.chain.Chain().HeightOf(hash)
	if !ok {
		return nil, 0, xerrors.Wrap(xerrors.NotFound, "block %s not known", hash)
	}
	blk, err := q.node.GetBlock(ctx, hash)
	if err != nil {
		return nil, height, err
	}
	if start < 0 || start > len(blk.Transactions) {
		start = len(blk.Transactions)
	}
	return blk.Transactions[start:], height, nil
}

// MempoolTx is one entry of a mempool snapshot.
type MempoolTx struct {
	Txid    chainhash.Hash
	VSize   int64
	FeeRate float64
}

// MempoolSnapshot returns every mempool entry ordered by first-seen time,
// for the mempool listing endpoint.
func (q *Service) MempoolSnapshot() []MempoolTx {
	entries := q.pool.Snapshot()
	sort.Slice(entries, func(i, j int) bool { return entries[i].FirstSeen.Before(entries[j].FirstSeen) })
	out := make([]MempoolTx, len(entries))
	for i, e := range entries {
		out[i] = MempoolTx{Txid: e.Txid, VSize: e.VSize, FeeRate: e.FeeRate}
	}
	return out
}

// MempoolTxids returns just the txids, in the same first-seen order as
// MempoolSnapshot, for the lighter-weight txids listing endpoint.
func (q *Service) MempoolTxids() []chainhash.Hash {
	snap := q.MempoolSnapshot()
	out := make([]chainhash.Hash, len(snap))
	for i, e := range snap {
		out[i] = e.Txid
	}
	return out
}

// HistoryEntry is one item of a scripthash's merged history.
type HistoryEntry struct {
	Txid      chainhash.Hash
	Height    uint32 // mempoolindex.UnconfirmedHeight for mempool entries
	InMempool bool
}

// History implements Rule M: the merged mempool+chain history for a
// scripthash, paginated by an optional "resume after this txid" cursor.
func (q *Service) History(ctx context.Context, scripthash chainhash.Hash, afterTxid *chainhash.Hash, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	if afterTxid == nil {
		return q.mergedFrom(scripthash, nil, false, false, 0, chainhash.Hash{}, limit)
	}

	mempoolList := q.pool.History(scripthash)
	for i, txid := range mempoolList {
		if txid == *afterTxid {
			return q.mergedFrom(scripthash, mempoolList[i+1:], false, false, 0, chainhash.Hash{}, limit)
		}
	}

	locBytes, err := q.s.Get(codec.TxLocationKey(*afterTxid))
	if err == nil {
		height, _, decErr := codec.DecodeTxLocation(locBytes)
		if decErr != nil {
			return nil, fmt.Errorf("query: decode cursor tx location: %w", decErr)
		}
		return q.mergedFrom(scripthash, nil, true, true, height, *afterTxid, limit)
	}
	if err != store.ErrNotFound {
		return nil, fmt.Errorf("query: resolve cursor txid: %w", err)
	}

	return nil, xerrors.Wrap(xerrors.UnprocessableCursor, "txid %s is not known to the mempool or the chain", afterTxid)
}

// MempoolHistory returns just the mempool-resident portion of a
// scripthash's history, for the HTTP surface's /txs/mempool endpoint.
func (q *Service) MempoolHistory(scripthash chainhash.Hash) []HistoryEntry {
	txids := q.pool.History(scripthash)
	out := make([]HistoryEntry, len(txids))
	for i, txid := range txids {
		out[i] = HistoryEntry{Txid: txid, Height: mempoolindex.UnconfirmedHeight, InMempool: true}
	}
	return out
}

// ChainHistory returns just the confirmed portion of a scripthash's
// history, resuming after afterTxid if given, for the HTTP surface's
// /txs/chain endpoint.
func (q *Service) ChainHistory(scripthash chainhash.Hash, afterTxid *chainhash.Hash, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var afterHeight uint32
	var afterTxidVal chainhash.Hash
	hasCursor := afterTxid != nil
	if afterTxid != nil {
		locBytes, err := q.s.Get(codec.TxLocationKey(*afterTxid))
		if err == store.ErrNotFound {
			return nil, xerrors.Wrap(xerrors.UnprocessableCursor, "txid %s is not known to the chain", afterTxid)
		}
		if err != nil {
			return nil, fmt.Errorf("query: resolve chain cursor txid: %w", err)
		}
		afterHeight, _, err = codec.DecodeTxLocation(locBytes)
		if err != nil {
			return nil, err
		}
		afterTxidVal = *afterTxid
	}
	return q.chainHistoryAfter(scripthash, hasCursor, afterHeight, afterTxidVal, limit)
}

// mergedFrom builds mempool_page ⧺ chain_page per Rule M. When
// skipMempool is true the cursor resolved to a confirmed tx, so the
// mempool page is skipped entirely and the chain page resumes strictly
// after the (afterHeight, afterTxid) position. When hasChainCursor is
// false the chain page is unconstrained, starting from the beginning of
// scripthash's history.
func (q *Service) mergedFrom(scripthash chainhash.Hash, mempoolTail []chainhash.Hash, skipMempool, hasChainCursor bool, afterHeight uint32, afterTxid chainhash.Hash, limit int) ([]HistoryEntry, error) {
	var out []HistoryEntry

	if !skipMempool {
		if mempoolTail == nil {
			mempoolTail = q.pool.History(scripthash)
		}
		for _, txid := range mempoolTail {
			if len(out) >= limit {
				return out, nil
			}
			out = append(out, HistoryEntry{Txid: txid, Height: mempoolindex.UnconfirmedHeight, InMempool: true})
		}
	}

	remaining := limit - len(out)
	if remaining <= 0 {
		return out, nil
	}

	chainEntries, err := q.chainHistoryAfter(scripthash, hasChainCursor, afterHeight, afterTxid, remaining)
	if err != nil {
		return nil, err
	}
	out = append(out, chainEntries...)
	return out, nil
}

// chainHistoryAfter scans the persisted script-history index for
// scripthash, resuming strictly after the specific (afterHeight, afterTxid)
// position when hasCursor is true (from the start otherwise), deduplicating
// the funding/spending pair a single tx can contribute at one height into a
// single HistoryEntry.
func (q *Service) chainHistoryAfter(scripthash chainhash.Hash, hasCursor bool, afterHeight uint32, afterTxid chainhash.Hash, limit int) ([]HistoryEntry, error) {
	prefix := codec.ScriptHistoryPrefix(scripthash)
	var startAfter []byte
	if hasCursor {
		startAfter = codec.ScriptHistoryKey(scripthash, afterHeight, afterTxid, codec.IOSpending)
	}

	it, err := q.s.Scan(prefix, startAfter)
	if err != nil {
		return nil, fmt.Errorf("query: scan script history: %w", err)
	}
	defer it.Close()

	var out []HistoryEntry
	var lastTxid chainhash.Hash
	haveLast := false
	for it.Next() {
		if len(out) >= limit {
			break
		}
		key := it.Key()
		height, txid, err := decodeScriptHistoryKey(key)
		if err != nil {
			return nil, err
		}
		if haveLast && txid == lastTxid {
			continue
		}
		out = append(out, HistoryEntry{Txid: txid, Height: height})
		lastTxid = txid
		haveLast = true
	}
	return out, nil
}

func decodeScriptHistoryKey(key []byte) (height uint32, txid chainhash.Hash, err error) {
	// tag(1) + scripthash(32) + height(4) + txid(32) + ioflag(1)
	const wantLen = 1 + 32 + 4 + 32 + 1
	if len(key) != wantLen {
		return 0, chainhash.Hash{}, fmt.Errorf("query: malformed script history key length %d", len(key))
	}
	height = uint32(key[33])<<24 | uint32(key[34])<<16 | uint32(key[35])<<8 | uint32(key[36])
	copy(txid[:], key[37:69])
	return height, txid, nil
}

// UTXO is one synthesized unspent output.
type UTXO struct {
	Txid      chainhash.Hash
	Vout      uint32
	Record    codec.TxOutRecord
	InMempool bool
}

// UTXOs implements Rule U: scan funding entries for scripthash, subtract
// chain spends, subtract mempool spends, then add mempool funding. Result
// is ordered by descending confirmation height with mempool utxos last.
func (q *Service) UTXOs(ctx context.Context, scripthash chainhash.Hash) ([]UTXO, error) {
	prefix := codec.ScriptHistoryPrefix(scripthash)
	it, err := q.s.Scan(prefix, nil)
	if err != nil {
		return nil, fmt.Errorf("query: scan script history for utxos: %w", err)
	}
	defer it.Close()

	var confirmed []UTXO
	for it.Next() {
		height, txid, err := decodeScriptHistoryKey(it.Key())
		if err != nil {
			return nil, err
		}
		if it.Key()[len(it.Key())-1] != byte(codec.IOFunding) {
			continue
		}
		outPrefix := codec.TxOutPrefix(txid)
		outIt, err := q.s.Scan(outPrefix, nil)
		if err != nil {
			return nil, fmt.Errorf("query: scan tx outputs for %s: %w", txid, err)
		}
		for outIt.Next() {
			value, valErr := outIt.Value()
			if valErr != nil {
				outIt.Close()
				return nil, valErr
			}
			rec, decErr := codec.DecodeTxOutRecord(value)
			if decErr != nil {
				outIt.Close()
				return nil, decErr
			}
			if rec.ScriptHash != scripthash {
				continue
			}
			vout, vErr := voutFromTxOutKey(outIt.Key())
			if vErr != nil {
				outIt.Close()
				return nil, vErr
			}
			if _, spent, err := q.chainSpend(txid, vout); err != nil {
				outIt.Close()
				return nil, err
			} else if spent {
				continue
			}
			if _, spent := q.pool.SpentBy(wire.OutPoint{Hash: txid, Index: vout}); spent {
				continue
			}
			confirmed = append(confirmed, UTXO{Txid: txid, Vout: vout, Record: rec})
		}
		outIt.Close()
		_ = height
	}

	for i, j := 0, len(confirmed)-1; i < j; i, j = i+1, j-1 {
		confirmed[i], confirmed[j] = confirmed[j], confirmed[i]
	}

	mempoolFunding := q.pool.FundingOutputs(scripthash)
	for _, f := range mempoolFunding {
		if _, spent := q.pool.SpentBy(f.Outpoint); spent {
			continue
		}
		confirmed = append(confirmed, UTXO{Txid: f.Outpoint.Hash, Vout: f.Outpoint.Index, Record: f.Record, InMempool: true})
	}

	return confirmed, nil
}

func voutFromTxOutKey(key []byte) (uint32, error) {
	// tag(1) + txid(32) + vout(4)
	if len(key) != 1+32+4 {
		return 0, fmt.Errorf("query: malformed txout key length %d", len(key))
	}
	return uint32(key[33])<<24 | uint32(key[34])<<16 | uint32(key[35])<<8 | uint32(key[36]), nil
}

func (q *Service) chainSpend(txid chainhash.Hash, vout uint32) (codec.SpendRecord, bool, error) {
	data, err := q.s.Get(codec.SpendKey(txid, vout))
	if err == store.ErrNotFound {
		return codec.SpendRecord{}, false, nil
	}
	if err != nil {
		return codec.SpendRecord{}, false, err
	}
	rec, err := codec.DecodeSpendRecord(data)
	if err != nil {
		return codec.SpendRecord{}, false, err
	}
	return rec, true, nil
}

// LookupTx returns a parsed transaction from the mempool if present, else
// resolves its confirming height and fetches it fresh from the node (the
// index never retains full transaction bytes, only derived records).
func (q *Service) LookupTx(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, uint32, bool, error) {
	if e, ok := q.pool.Get(txid); ok {
		return e.Tx, mempoolindex.UnconfirmedHeight, true, nil
	}
	locBytes, err := q.s.Get(codec.TxLocationKey(txid))
	if err == store.ErrNotFound {
		return nil, 0, false, xerrors.Wrap(xerrors.NotFound, "tx %s not known to mempool or chain", txid)
	}
	if err != nil {
		return nil, 0, false, err
	}
	height, _, err := codec.DecodeTxLocation(locBytes)
	if err != nil {
		return nil, 0, false, err
	}
	tx, err := q.node.GetRawTransaction(ctx, txid)
	if err != nil {
		return nil, 0, false, err
	}
	return tx, height, false, nil
}

// LookupSpend returns the spend record for an outpoint: the chain record
// if confirmed, else the mempool's spending txid if known.
func (q *Service) LookupSpend(op wire.OutPoint) (spenderTxid chainhash.Hash, height uint32, confirmed bool, found bool, err error) {
	rec, ok, err := q.chainSpend(op.Hash, op.Index)
	if err != nil {
		return chainhash.Hash{}, 0, false, false, err
	}
	if ok {
		return rec.SpenderTxid, rec.Height, true, true, nil
	}
	if spender, ok := q.pool.SpentBy(op); ok {
		return spender, mempoolindex.UnconfirmedHeight, false, true, nil
	}
	return chainhash.Hash{}, 0, false, false, nil
}

// ScriptStats returns the confirmed (chain) stats record plus the
// mempool-only aggregate computed on the fly.
func (q *Service) ScriptStats(scripthash chainhash.Hash) (confirmed codec.ScriptStatsRecord, mempool codec.ScriptStatsRecord, err error) {
	data, getErr := q.s.Get(codec.ScriptStatsKey(scripthash))
	if getErr == store.ErrNotFound {
		confirmed = codec.ScriptStatsRecord{}
	} else if getErr != nil {
		return confirmed, mempool, getErr
	} else {
		confirmed, err = codec.DecodeScriptStatsRecord(data)
		if err != nil {
			return confirmed, mempool, err
		}
	}
	mempool = q.pool.AggregateStats(scripthash)
	return confirmed, mempool, nil
}

// BatchStats returns ScriptStats for up to MaxBatchStats scripthashes,
// given as hex strings so a malformed element can be detected and
// dropped rather than rejecting the whole batch — the "silently drop"
// resolution for a bad element in a multi-scripthash POST.
func (q *Service) BatchStats(raw []string) (map[chainhash.Hash]codec.ScriptStatsRecord, map[chainhash.Hash]codec.ScriptStatsRecord, error) {
	if len(raw) > q.cfg.MaxBatchStats {
		return nil, nil, xerrors.Wrap(xerrors.BadRequest, "batch of %d exceeds max_batch_stats %d", len(raw), q.cfg.MaxBatchStats)
	}
	confirmed := make(map[chainhash.Hash]codec.ScriptStatsRecord, len(raw))
	mempool := make(map[chainhash.Hash]codec.ScriptStatsRecord, len(raw))
	for _, r := range raw {
		sh, err := chainhash.NewHashFromStr(r)
		if err != nil {
			continue
		}
		c, m, err := q.ScriptStats(*sh)
		if err != nil {
			return nil, nil, err
		}
		confirmed[*sh] = c
		mempool[*sh] = m
	}
	return confirmed, mempool, nil
}

// BatchStatsStrict is BatchStats's all-or-nothing counterpart: any
// malformed scripthash fails the whole batch with BadRequest, for callers
// that would rather know immediately than silently get a partial result.
func (q *Service) BatchStatsStrict(raw []string) (map[chainhash.Hash]codec.ScriptStatsRecord, map[chainhash.Hash]codec.ScriptStatsRecord, error) {
	if len(raw) > q.cfg.MaxBatchStats {
		return nil, nil, xerrors.Wrap(xerrors.BadRequest, "batch of %d exceeds max_batch_stats %d", len(raw), q.cfg.MaxBatchStats)
	}
	confirmed := make(map[chainhash.Hash]codec.ScriptStatsRecord, len(raw))
	mempool := make(map[chainhash.Hash]codec.ScriptStatsRecord, len(raw))
	for _, r := range raw {
		sh, err := chainhash.NewHashFromStr(r)
		if err != nil {
			return nil, nil, xerrors.Wrap(xerrors.BadRequest, "invalid scripthash %q: %v", r, err)
		}
		c, m, err := q.ScriptStats(*sh)
		if err != nil {
			return nil, nil, err
		}
		confirmed[*sh] = c
		mempool[*sh] = m
	}
	return confirmed, mempool, nil
}

// SummaryEntry is one lightweight per-tx summary row: the queried
// script's net value change in that transaction, without the caller
// needing to fetch and interpret the full transaction itself.
type SummaryEntry struct {
	Txid       chainhash.Hash
	Height     uint32
	InMempool  bool
	ValueDelta int64
}

// Summary returns a paginated, lightweight history for scripthash: each
// entry's net value delta to that script, rather than the raw
// transaction.
func (q *Service) Summary(ctx context.Context, scripthash chainhash.Hash, afterTxid *chainhash.Hash, limit int) ([]SummaryEntry, error) {
	if limit <= 0 || limit > q.cfg.MaxSummaryTxs {
		limit = q.cfg.MaxSummaryTxs
	}
	entries, err := q.History(ctx, scripthash, afterTxid, limit)
	if err != nil {
		return nil, err
	}
	out := make([]SummaryEntry, 0, len(entries))
	for _, e := range entries {
		tx, _, inMempool, err := q.LookupTx(ctx, e.Txid)
		if err != nil {
			return nil, err
		}
		delta, err := q.valueDeltaForScript(ctx, tx, scripthash)
		if err != nil {
			return nil, err
		}
		out = append(out, SummaryEntry{Txid: e.Txid, Height: e.Height, InMempool: inMempool, ValueDelta: delta})
	}
	return out, nil
}

// valueDeltaForScript sums outputs paying scripthash minus inputs
// spending from scripthash, resolving each input's previous output
// against the chain first, then the mempool's own unconfirmed outputs.
func (q *Service) valueDeltaForScript(ctx context.Context, tx *wire.MsgTx, scripthash chainhash.Hash) (int64, error) {
	var delta int64
	for _, out := range tx.TxOut {
		if chainhash.Hash(script.Scripthash(out.PkScript)) == scripthash {
			delta += out.Value
		}
	}
	for _, in := range tx.TxIn {
		rec, ok, err := q.resolvePrevOut(ctx, in.PreviousOutPoint)
		if err != nil {
			return 0, err
		}
		if ok && rec.ScriptHash == scripthash {
			delta -= rec.ValueSats
		}
	}
	return delta, nil
}

// resolvePrevOut looks up the output an input spends: the confirmed
// record if the chain has it, else the mempool's own unconfirmed tx.
func (q *Service) resolvePrevOut(ctx context.Context, op wire.OutPoint) (codec.TxOutRecord, bool, error) {
	rec, ok, err := q.chain.ResolveOutput(ctx, op)
	if err != nil || ok {
		return rec, ok, err
	}
	if e, ok := q.pool.Get(op.Hash); ok && int(op.Index) < len(e.Tx.TxOut) {
		out := e.Tx.TxOut[op.Index]
		return codec.TxOutRecord{
			ScriptHash: chainhash.Hash(script.Scripthash(out.PkScript)),
			ValueSats:  out.Value,
		}, true, nil
	}
	return codec.TxOutRecord{}, false, nil
}

// AddressSearch is a type-ahead address search: a forward scan of the
// address-prefix index bounded by limit, returning
// human-readable addresses starting with prefix in lexical order. Only
// addresses seen in a confirmed output are indexed; the mempool never
// contributes to this index, so a brand new unconfirmed address will not
// appear here until its funding transaction confirms.
func (q *Service) AddressSearch(prefix string, limit int) ([]string, error) {
	if limit <= 0 || limit > q.cfg.MaxAddressResult {
		limit = q.cfg.MaxAddressResult
	}
	it, err := q.s.Scan(codec.AddressPrefixScanPrefix(prefix), nil)
	if err != nil {
		return nil, fmt.Errorf("query: scan address prefix index: %w", err)
	}
	defer it.Close()

	var out []string
	for it.Next() {
		if len(out) >= limit {
			break
		}
		addr, err := codec.DecodeAddressPrefixKey(it.Key())
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}
