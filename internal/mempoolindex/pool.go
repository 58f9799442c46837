// Package mempoolindex maintains an in-memory mirror of the upstream node's
// unconfirmed transaction pool: a txid map, a spend (conflict) index, a
// per-scripthash insertion-ordered history, and a fee-rate histogram, all
// guarded by one RWMutex with descending-fee-rate selection for the
// histogram, resolved against the chain indexer's TxOut records.
package mempoolindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingontech/klingdex/internal/codec"
	"github.com/klingontech/klingdex/internal/log"
	"github.com/klingontech/klingdex/pkg/script"
)

// UnconfirmedHeight marks a TxOutRecord as belonging to a mempool
// transaction rather than a confirmed block.
const UnconfirmedHeight = ^uint32(0)

var (
	// ErrAlreadyExists is returned by addLocked for a txid already tracked.
	ErrAlreadyExists = errors.New("mempoolindex: transaction already tracked")
	// ErrUnresolvedInputs means one or more inputs could not be resolved
	// against the chain index or the mempool itself; the caller should
	// queue the transaction as an orphan and retry on the next sync tick.
	ErrUnresolvedInputs = errors.New("mempoolindex: unresolved input")
)

// UTXOResolver resolves a (txid, vout) to the chain-indexed output it
// refers to. Satisfied by the chain indexer's store-backed lookups; the
// mempool itself is consulted first for chained unconfirmed spends.
type UTXOResolver interface {
	ResolveOutput(ctx context.Context, op wire.OutPoint) (codec.TxOutRecord, bool, error)
}

// MempoolSource is the subset of node RPC needed to sync the pool.
type MempoolSource interface {
	GetRawMempool(ctx context.Context) ([]chainhash.Hash, error)
	GetRawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)
}

// Entry wraps one unconfirmed transaction with its computed fee metadata.
type Entry struct {
	Tx        *wire.MsgTx
	Txid      chainhash.Hash
	Fee       int64
	VSize     int64
	FeeRate   float64 // sats per vbyte
	FirstSeen time.Time
}

// Pool holds unconfirmed transactions and the indexes derived from them.
type Pool struct {
	mu sync.RWMutex

	txs     map[chainhash.Hash]*Entry
	spends  map[wire.OutPoint]chainhash.Hash       // outpoint -> spending txid
	funding map[wire.OutPoint]codec.TxOutRecord     // this pool's own outputs, for chained unconfirmed spends
	history map[chainhash.Hash][]chainhash.Hash     // scripthash -> txids, insertion order
	byScript map[chainhash.Hash][]wire.OutPoint     // scripthash -> funding outpoints, insertion order

	orphans map[chainhash.Hash]*wire.MsgTx

	resolver    UTXOResolver
	bucketVSize int64
}

// New creates an empty pool. bucketVSize configures the histogram's vsize
// granularity (see histogram.go); if <= 0 it defaults to 100_000 vbytes.
func New(resolver UTXOResolver, bucketVSize int64) *Pool {
	if bucketVSize <= 0 {
		bucketVSize = 100_000
	}
	return &Pool{
		txs:      make(map[chainhash.Hash]*Entry),
		spends:   make(map[wire.OutPoint]chainhash.Hash),
		funding:  make(map[wire.OutPoint]codec.TxOutRecord),
		history:  make(map[chainhash.Hash][]chainhash.Hash),
		byScript: make(map[chainhash.Hash][]wire.OutPoint),
		orphans:  make(map[chainhash.Hash]*wire.MsgTx),
		resolver: resolver,
		bucketVSize: bucketVSize,
	}
}

// Sync performs one added/removed diff tick against the node's current
// mempool: fetch remote txids, remove what dropped out locally, fetch and
// add what's new, then retry any orphans queued from a previous tick.
func (p *Pool) Sync(ctx context.Context, src MempoolSource) error {
	remote, err := src.GetRawMempool(ctx)
	if err != nil {
		return fmt.Errorf("mempoolindex: get raw mempool: %w", err)
	}
	remoteSet := make(map[chainhash.Hash]struct{}, len(remote))
	for _, h := range remote {
		remoteSet[h] = struct{}{}
	}

	p.mu.Lock()
	var removed []chainhash.Hash
	for h := range p.txs {
		if _, ok := remoteSet[h]; !ok {
			removed = append(removed, h)
		}
	}
	for _, h := range removed {
		p.removeLocked(h)
	}
	var added []chainhash.Hash
	for h := range remoteSet {
		if _, ok := p.txs[h]; !ok {
			if _, ok := p.orphans[h]; !ok {
				added = append(added, h)
			}
		}
	}
	p.mu.Unlock()

	for _, txid := range added {
		tx, err := src.GetRawTransaction(ctx, txid)
		if err != nil {
			log.Mempool.Warn().Str("txid", txid.String()).Err(err).Msg("fetch mempool tx failed, will retry")
			continue
		}
		if err := p.Add(ctx, tx); err != nil && !errors.Is(err, ErrUnresolvedInputs) {
			log.Mempool.Warn().Str("txid", txid.String()).Err(err).Msg("reject mempool tx")
		}
	}

	p.retryOrphans(ctx)

	log.Mempool.Debug().
		Int("removed", len(removed)).
		Int("added", len(added)).
		Int("count", p.Count()).
		Int("orphans", p.OrphanCount()).
		Msg("mempool sync tick")
	return nil
}

// Add resolves a transaction's inputs and inserts it into every parallel
// index. If any input can't be resolved yet, the transaction is queued as
// an orphan and ErrUnresolvedInputs is returned; the caller should not
// treat this as a hard failure.
func (p *Pool) Add(ctx context.Context, tx *wire.MsgTx) error {
	txid := tx.TxHash()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLocked(ctx, txid, tx)
}

func (p *Pool) addLocked(ctx context.Context, txid chainhash.Hash, tx *wire.MsgTx) error {
	if _, exists := p.txs[txid]; exists {
		return ErrAlreadyExists
	}

	var inputSum int64
	resolved := make([]codec.TxOutRecord, len(tx.TxIn))
	for i, in := range tx.TxIn {
		rec, ok := p.resolveLocked(ctx, in.PreviousOutPoint)
		if !ok {
			p.orphans[txid] = tx
			return ErrUnresolvedInputs
		}
		resolved[i] = rec
		inputSum += rec.ValueSats
	}

	var outputSum int64
	for _, out := range tx.TxOut {
		outputSum += out.Value
	}

	vsize := txVSize(tx)
	fee := inputSum - outputSum
	var feeRate float64
	if vsize > 0 {
		feeRate = float64(fee) / float64(vsize)
	}

	e := &Entry{
		Tx:        tx,
		Txid:      txid,
		Fee:       fee,
		VSize:     vsize,
		FeeRate:   feeRate,
		FirstSeen: time.Now(),
	}
	p.txs[txid] = e
	delete(p.orphans, txid)

	for i, in := range tx.TxIn {
		if isCoinbaseInput(in) {
			continue
		}
		p.spends[in.PreviousOutPoint] = txid
		p.appendHistoryLocked(resolved[i].ScriptHash, txid)
	}

	for vout, out := range tx.TxOut {
		sh := script.Scripthash(out.PkScript)
		rec := codec.TxOutRecord{
			Height:     UnconfirmedHeight,
			ValueSats:  out.Value,
			ScriptHash: chainhash.Hash(sh),
			ScriptType: string(script.Classify(out.PkScript)),
		}
		op := wire.OutPoint{Hash: txid, Index: uint32(vout)}
		p.funding[op] = rec
		p.byScript[rec.ScriptHash] = append(p.byScript[rec.ScriptHash], op)
		p.appendHistoryLocked(rec.ScriptHash, txid)
	}

	return nil
}

// resolveLocked resolves an outpoint against the pool's own unconfirmed
// outputs first (chained mempool spends), then the chain resolver.
func (p *Pool) resolveLocked(ctx context.Context, op wire.OutPoint) (codec.TxOutRecord, bool) {
	if rec, ok := p.funding[op]; ok {
		return rec, true
	}
	if p.resolver == nil {
		return codec.TxOutRecord{}, false
	}
	rec, ok, err := p.resolver.ResolveOutput(ctx, op)
	if err != nil || !ok {
		return codec.TxOutRecord{}, false
	}
	return rec, true
}

func (p *Pool) appendHistoryLocked(scripthash chainhash.Hash, txid chainhash.Hash) {
	list := p.history[scripthash]
	if len(list) > 0 && list[len(list)-1] == txid {
		return
	}
	p.history[scripthash] = append(list, txid)
}

// retryOrphans attempts to resolve every queued orphan again. Called once
// per sync tick, after newly-added transactions may have unblocked them.
func (p *Pool) retryOrphans(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pending := make(map[chainhash.Hash]*wire.MsgTx, len(p.orphans))
	for h, tx := range p.orphans {
		pending[h] = tx
	}
	for h, tx := range pending {
		if err := p.addLocked(ctx, h, tx); err != nil && !errors.Is(err, ErrUnresolvedInputs) {
			delete(p.orphans, h)
		}
	}
}

// Remove drops a transaction and reverses everything it contributed.
func (p *Pool) Remove(txid chainhash.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txid)
}

// RemoveConfirmed drops every transaction in a newly-confirmed block; the
// chain indexer is now authoritative for them.
func (p *Pool) RemoveConfirmed(txids []chainhash.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range txids {
		p.removeLocked(h)
	}
}

func (p *Pool) removeLocked(txid chainhash.Hash) {
	e, exists := p.txs[txid]
	if !exists {
		delete(p.orphans, txid)
		return
	}
	for _, in := range e.Tx.TxIn {
		if isCoinbaseInput(in) {
			continue
		}
		if cur, ok := p.spends[in.PreviousOutPoint]; ok && cur == txid {
			delete(p.spends, in.PreviousOutPoint)
		}
	}
	for vout := range e.Tx.TxOut {
		op := wire.OutPoint{Hash: txid, Index: uint32(vout)}
		if rec, ok := p.funding[op]; ok {
			p.removeFromScriptIndexLocked(rec.ScriptHash, op)
			delete(p.funding, op)
		}
	}
	for sh, list := range p.history {
		for i, h := range list {
			if h == txid {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(p.history, sh)
		} else {
			p.history[sh] = list
		}
	}
	delete(p.txs, txid)
	delete(p.orphans, txid)
}

func (p *Pool) removeFromScriptIndexLocked(scripthash chainhash.Hash, op wire.OutPoint) {
	list := p.byScript[scripthash]
	for i, o := range list {
		if o == op {
			p.byScript[scripthash] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

func isCoinbaseInput(in *wire.TxIn) bool {
	return in.PreviousOutPoint.Index == ^uint32(0) && in.PreviousOutPoint.Hash == (chainhash.Hash{})
}

func txVSize(tx *wire.MsgTx) int64 {
	weight := tx.SerializeSizeStripped()*3 + tx.SerializeSize()
	return int64((weight + 3) / 4)
}

// Get returns the pool entry for a txid.
func (p *Pool) Get(txid chainhash.Hash) (*Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.txs[txid]
	return e, ok
}

// Has reports whether a txid is currently tracked.
func (p *Pool) Has(txid chainhash.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.txs[txid]
	return ok
}

// Count returns the number of tracked transactions.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// OrphanCount returns the number of transactions awaiting resolution.
func (p *Pool) OrphanCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.orphans)
}

// SpentBy returns the txid spending an outpoint in the mempool, if any.
func (p *Pool) SpentBy(op wire.OutPoint) (chainhash.Hash, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.spends[op]
	return h, ok
}

// FundingOutputs returns the outpoints and records this pool currently
// funds for a scripthash, in insertion order (oldest first).
func (p *Pool) FundingOutputs(scripthash chainhash.Hash) []FundingEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ops := p.byScript[scripthash]
	out := make([]FundingEntry, 0, len(ops))
	for _, op := range ops {
		out = append(out, FundingEntry{Outpoint: op, Record: p.funding[op]})
	}
	return out
}

// FundingEntry pairs an outpoint with the record describing it.
type FundingEntry struct {
	Outpoint wire.OutPoint
	Record   codec.TxOutRecord
}

// History returns the insertion-ordered txid list for a scripthash.
func (p *Pool) History(scripthash chainhash.Hash) []chainhash.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	list := p.history[scripthash]
	out := make([]chainhash.Hash, len(list))
	copy(out, list)
	return out
}

// AggregateStats computes the mempool-only funded/spent aggregate for a
// scripthash on the fly, for script_stats's mempool component.
func (p *Pool) AggregateStats(scripthash chainhash.Hash) codec.ScriptStatsRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var agg codec.ScriptStatsRecord
	for _, op := range p.byScript[scripthash] {
		rec := p.funding[op]
		agg.FundedTxoCount++
		agg.FundedSum += rec.ValueSats
		if _, spent := p.spends[op]; spent {
			agg.SpentTxoCount++
			agg.SpentSum += rec.ValueSats
		}
	}
	return agg
}

// Snapshot returns every currently tracked entry, for histogram computation
// or bulk export. The returned slice is a copy safe to use lock-free.
func (p *Pool) Snapshot() []*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Entry, 0, len(p.txs))
	for _, e := range p.txs {
		out = append(out, e)
	}
	return out
}
