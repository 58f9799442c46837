package query

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingontech/klingdex/config"
	"github.com/klingontech/klingdex/internal/chainindex"
	"github.com/klingontech/klingdex/internal/mempoolindex"
	"github.com/klingontech/klingdex/internal/nodeclient"
	"github.com/klingontech/klingdex/internal/store"
	"github.com/klingontech/klingdex/pkg/script"
)

// fakeNode serves the raw transactions that LookupTx fetches from the node.
type fakeNode struct {
	nodeclient.NodeClient
	txs map[chainhash.Hash]*wire.MsgTx
}

func (f *fakeNode) GetRawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	tx, ok := f.txs[txid]
	if !ok {
		return nil, store.ErrNotFound
	}
	return tx, nil
}

func coinbaseBlock(prev chainhash.Hash, value int64, pkScript []byte) *wire.MsgBlock {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0xffffffff}})
	tx.AddTxOut(&wire.TxOut{Value: value, PkScript: pkScript})

	blk := wire.NewMsgBlock(&wire.BlockHeader{
		Version:   1,
		PrevBlock: prev,
		Timestamp: time.Unix(1600000000, 0),
		Bits:      0x1d00ffff,
	})
	blk.AddTransaction(tx)
	return blk
}

func setup(t *testing.T) (*Service, store.Store, *chainindex.Indexer, *mempoolindex.Pool, []byte) {
	t.Helper()
	s := store.NewMemory()
	ix, err := chainindex.New(s, 100, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("new indexer: %v", err)
	}
	pool := mempoolindex.New(ix, 100_000)

	pkScript := append([]byte{0x00, 0x14}, make([]byte, 20)...)
	genesis := coinbaseBlock(chainhash.Hash{}, 5000000000, pkScript)
	if err := ix.ApplyBlock(genesis, 0); err != nil {
		t.Fatalf("apply genesis: %v", err)
	}

	cfg := config.QueryConfig{MaxSummaryTxs: 50, MaxAddressResult: 50, MaxBatchStats: 50}
	genesisTx := genesis.Transactions[0]
	node := &fakeNode{txs: map[chainhash.Hash]*wire.MsgTx{genesisTx.TxHash(): genesisTx}}
	svc := New(s, ix, pool, node, cfg)
	return svc, s, ix, pool, pkScript
}

func TestHistoryReturnsConfirmedEntryFromGenesis(t *testing.T) {
	svc, _, _, _, pkScript := setup(t)
	sh := chainhash.Hash(script.Scripthash(pkScript))

	entries, err := svc.History(context.Background(), sh, nil, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 || entries[0].InMempool {
		t.Fatalf("unexpected history: %+v", entries)
	}
}

func TestHistoryRejectsUnknownCursor(t *testing.T) {
	svc, _, _, _, pkScript := setup(t)
	sh := chainhash.Hash(script.Scripthash(pkScript))
	unknown := chainhash.Hash{0x99}

	_, err := svc.History(context.Background(), sh, &unknown, 10)
	if err == nil {
		t.Fatalf("expected error for unknown cursor")
	}
}

// TestChainHistoryCursorDoesNotSkipSiblingAtSameHeight covers pagination
// across two transactions that both touch the same scripthash in the same
// block: resuming after the first must still yield the second, not skip the
// whole height.
func TestChainHistoryCursorDoesNotSkipSiblingAtSameHeight(t *testing.T) {
	svc, _, ix, _, pkScript := setup(t)
	sh := chainhash.Hash(script.Scripthash(pkScript))

	txA := wire.NewMsgTx(wire.TxVersion)
	txA.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0xffffffff}})
	txA.AddTxOut(&wire.TxOut{Value: 1000, PkScript: pkScript})

	// txB is not the block's first transaction, so it spends a real output:
	// the genesis coinbase built by setup.
	genesisTxid := coinbaseBlock(chainhash.Hash{}, 5000000000, pkScript).Transactions[0].TxHash()
	txB := wire.NewMsgTx(wire.TxVersion)
	txB.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: genesisTxid, Index: 0}})
	txB.AddTxOut(&wire.TxOut{Value: 2000, PkScript: pkScript})

	_, tipHash, _ := ix.Chain().Tip()
	blk1 := wire.NewMsgBlock(&wire.BlockHeader{Version: 1, PrevBlock: tipHash, Timestamp: time.Unix(1600000600, 0), Bits: 0x1d00ffff})
	blk1.AddTransaction(txA)
	blk1.AddTransaction(txB)
	if err := ix.ApplyBlock(blk1, 1); err != nil {
		t.Fatalf("apply block 1: %v", err)
	}

	all, err := svc.ChainHistory(sh, nil, 10)
	if err != nil {
		t.Fatalf("chain history: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 chain entries (genesis + 2 block-1 txs), got %d: %+v", len(all), all)
	}

	cursor := all[1].Txid
	remainder, err := svc.ChainHistory(sh, &cursor, 10)
	if err != nil {
		t.Fatalf("chain history from cursor: %v", err)
	}
	if len(remainder) != 1 || remainder[0].Txid != all[2].Txid {
		t.Fatalf("expected exactly [%s] after cursor, got %+v", all[2].Txid, remainder)
	}
}

func TestUTXOsExcludesChainSpentOutputs(t *testing.T) {
	svc, _, ix, _, pkScript := setup(t)
	sh := chainhash.Hash(script.Scripthash(pkScript))

	// Re-derive the genesis txid: same content as the tx built in setup.
	genesisTx := wire.NewMsgTx(wire.TxVersion)
	genesisTx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0xffffffff}})
	genesisTx.AddTxOut(&wire.TxOut{Value: 5000000000, PkScript: pkScript})
	genesisTxid := genesisTx.TxHash()

	utxos, err := svc.UTXOs(context.Background(), sh)
	if err != nil {
		t.Fatalf("utxos: %v", err)
	}
	if len(utxos) != 1 || utxos[0].Txid != genesisTxid {
		t.Fatalf("unexpected utxos before spend: %+v", utxos)
	}

	spendTx := wire.NewMsgTx(wire.TxVersion)
	spendTx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: genesisTxid, Index: 0}})
	spendTx.AddTxOut(&wire.TxOut{Value: 4999000000, PkScript: pkScript})
	coinbase2 := wire.NewMsgTx(wire.TxVersion)
	coinbase2.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0xffffffff}})
	coinbase2.AddTxOut(&wire.TxOut{Value: 5000000000, PkScript: pkScript})
	_, tipHash, _ := ix.Chain().Tip()
	blk2 := wire.NewMsgBlock(&wire.BlockHeader{Version: 1, PrevBlock: tipHash, Timestamp: time.Unix(1600000600, 0), Bits: 0x1d00ffff})
	blk2.AddTransaction(coinbase2)
	blk2.AddTransaction(spendTx)
	if err := ix.ApplyBlock(blk2, 1); err != nil {
		t.Fatalf("apply block 1: %v", err)
	}

	utxos, err = svc.UTXOs(context.Background(), sh)
	if err != nil {
		t.Fatalf("utxos after spend: %v", err)
	}
	for _, u := range utxos {
		if u.Txid == genesisTxid {
			t.Fatalf("expected genesis output excluded after spend")
		}
	}
}

func TestSummaryReportsPositiveDeltaForFundingTx(t *testing.T) {
	svc, _, _, _, pkScript := setup(t)
	sh := chainhash.Hash(script.Scripthash(pkScript))

	entries, err := svc.Summary(context.Background(), sh, nil, 10)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(entries) != 1 || entries[0].ValueDelta != 5000000000 {
		t.Fatalf("unexpected summary: %+v", entries)
	}
}

func TestBatchStatsDropsMalformedElement(t *testing.T) {
	svc, _, _, _, pkScript := setup(t)
	sh := chainhash.Hash(script.Scripthash(pkScript))

	confirmed, _, err := svc.BatchStats([]string{sh.String(), "not-a-hash"})
	if err != nil {
		t.Fatalf("batch stats: %v", err)
	}
	if len(confirmed) != 1 {
		t.Fatalf("expected malformed element dropped, got %d entries", len(confirmed))
	}
}

func TestBatchStatsStrictRejectsMalformedElement(t *testing.T) {
	svc, _, _, _, pkScript := setup(t)
	sh := chainhash.Hash(script.Scripthash(pkScript))

	_, _, err := svc.BatchStatsStrict([]string{sh.String(), "not-a-hash"})
	if err == nil {
		t.Fatalf("expected error for malformed element")
	}
}

func TestAddressSearchFindsIndexedPrefix(t *testing.T) {
	svc, _, _, _, pkScript := setup(t)
	addr, ok := script.DeriveAddress(pkScript, &chaincfg.MainNetParams)
	if !ok {
		t.Fatalf("expected genesis pkScript to resolve to an address")
	}

	results, err := svc.AddressSearch(addr[:4], 10)
	if err != nil {
		t.Fatalf("address search: %v", err)
	}
	if len(results) != 1 || results[0] != addr {
		t.Fatalf("got %v, want [%s]", results, addr)
	}
}

func TestAddressSearchEmptyForUnmatchedPrefix(t *testing.T) {
	svc, _, _, _, _ := setup(t)

	results, err := svc.AddressSearch("zzzzzzzzzz", 10)
	if err != nil {
		t.Fatalf("address search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no matches, got %v", results)
	}
}
