package chainindex

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingontech/klingdex/internal/codec"
	"github.com/klingontech/klingdex/internal/store"
	"github.com/klingontech/klingdex/pkg/script"
)

func coinbaseBlock(prev chainhash.Hash, value int64, pkScript []byte) *wire.MsgBlock {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0xffffffff},
		SignatureScript:  []byte{0x01, 0x02},
	})
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

func TestApplyGenesisAndSpend(t *testing.T) {
	s := store.NewMemory()
	ix, err := New(s, 100, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("new indexer: %v", err)
	}

	pkScript := append([]byte{0x00, 0x14}, make([]byte, 20)...)
	genesis := coinbaseBlock(chainhash.Hash{}, 5000000000, pkScript)
	if err := ix.ApplyBlock(genesis, 0); err != nil {
		t.Fatalf("apply genesis: %v", err)
	}

	height, hash, ok := ix.Chain().Tip()
	if !ok || height != 0 {
		t.Fatalf("got tip (%d, ok=%v), want height 0", height, ok)
	}
	if hash != genesis.Header.BlockHash() {
		t.Fatalf("tip hash mismatch")
	}

	genesisTxid := genesis.Transactions[0].TxHash()
	outBytes, err := s.Get(codec.TxOutKey(genesisTxid, 0))
	if err != nil {
		t.Fatalf("get txout: %v", err)
	}
	rec, err := codec.DecodeTxOutRecord(outBytes)
	if err != nil {
		t.Fatalf("decode txout: %v", err)
	}
	if rec.ValueSats != 5000000000 || !rec.Coinbase {
		t.Fatalf("unexpected tx out record: %+v", rec)
	}

	// Second block spends the coinbase output.
	spendTx := wire.NewMsgTx(wire.TxVersion)
	spendTx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: genesisTxid, Index: 0}})
	spendTx.AddTxOut(&wire.TxOut{Value: 4999000000, PkScript: pkScript})

	coinbase2 := wire.NewMsgTx(wire.TxVersion)
	coinbase2.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0xffffffff}})
	coinbase2.AddTxOut(&wire.TxOut{Value: 5000000000, PkScript: pkScript})

	blk2 := wire.NewMsgBlock(&wire.BlockHeader{
		Version:   1,
		PrevBlock: genesis.Header.BlockHash(),
		Timestamp: time.Unix(1600000600, 0),
		Bits:      0x1d00ffff,
	})
	blk2.AddTransaction(coinbase2)
	blk2.AddTransaction(spendTx)

	if err := ix.ApplyBlock(blk2, 1); err != nil {
		t.Fatalf("apply block 1: %v", err)
	}

	if _, err := s.Get(codec.SpendKey(genesisTxid, 0)); err != nil {
		t.Fatalf("expected spend record: %v", err)
	}

	statsBytes, err := s.Get(codec.ScriptStatsKey(chainhash.Hash(script.Scripthash(pkScript))))
	if err != nil {
		t.Fatalf("get script stats: %v", err)
	}
	stats, err := codec.DecodeScriptStatsRecord(statsBytes)
	if err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.FundedTxoCount != 3 || stats.SpentTxoCount != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	// Revert block 1 and confirm the spend record and stats roll back.
	if err := ix.RevertTip(nil); err != nil {
		t.Fatalf("revert tip: %v", err)
	}
	if _, err := s.Get(codec.SpendKey(genesisTxid, 0)); err != store.ErrNotFound {
		t.Fatalf("expected spend record removed after revert, got err=%v", err)
	}
	statsBytes, err = s.Get(codec.ScriptStatsKey(chainhash.Hash(script.Scripthash(pkScript))))
	if err != nil {
		t.Fatalf("get script stats after revert: %v", err)
	}
	stats, err = codec.DecodeScriptStatsRecord(statsBytes)
	if err != nil {
		t.Fatalf("decode stats after revert: %v", err)
	}
	if stats.FundedTxoCount != 1 || stats.SpentTxoCount != 0 {
		t.Fatalf("unexpected stats after revert: %+v", stats)
	}

	height, _, _ = ix.Chain().Tip()
	if height != 0 {
		t.Fatalf("expected tip height 0 after revert, got %d", height)
	}
}

func TestApplyBlockIndexesAndRevertsAddressPrefix(t *testing.T) {
	s := store.NewMemory()
	ix, err := New(s, 100, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("new indexer: %v", err)
	}

	genesisScript := append([]byte{0x00, 0x14}, make([]byte, 20)...)
	genesisAddr, ok := script.DeriveAddress(genesisScript, &chaincfg.MainNetParams)
	if !ok {
		t.Fatalf("expected genesis pkScript to resolve to an address")
	}
	genesis := coinbaseBlock(chainhash.Hash{}, 5000000000, genesisScript)
	if err := ix.ApplyBlock(genesis, 0); err != nil {
		t.Fatalf("apply genesis: %v", err)
	}

	blk1Script := append([]byte{0x00, 0x14}, bytes.Repeat([]byte{0x01}, 20)...)
	blk1Addr, ok := script.DeriveAddress(blk1Script, &chaincfg.MainNetParams)
	if !ok {
		t.Fatalf("expected block-1 pkScript to resolve to an address")
	}
	blk1 := coinbaseBlock(genesis.Header.BlockHash(), 5000000000, blk1Script)
	blk1.Header.Timestamp = time.Unix(1600000600, 0)
	if err := ix.ApplyBlock(blk1, 1); err != nil {
		t.Fatalf("apply block 1: %v", err)
	}

	val, err := s.Get(codec.AddressPrefixKey(blk1Addr))
	if err != nil {
		t.Fatalf("expected address prefix entry, got err: %v", err)
	}
	if chainhash.Hash(val[:32]) != chainhash.Hash(script.Scripthash(blk1Script)) {
		t.Fatalf("address prefix entry points at the wrong scripthash")
	}

	if err := ix.RevertTip(nil); err != nil {
		t.Fatalf("revert tip: %v", err)
	}
	if _, err := s.Get(codec.AddressPrefixKey(blk1Addr)); err != store.ErrNotFound {
		t.Fatalf("expected block-1 address prefix entry removed after revert, got err=%v", err)
	}
	if _, err := s.Get(codec.AddressPrefixKey(genesisAddr)); err != nil {
		t.Fatalf("expected genesis address prefix entry to survive the revert, got err: %v", err)
	}
}

func TestApplyBlockRejectsWrongParent(t *testing.T) {
	s := store.NewMemory()
	ix, _ := New(s, 100, &chaincfg.MainNetParams)

	pkScript := append([]byte{0x00, 0x14}, make([]byte, 20)...)
	genesis := coinbaseBlock(chainhash.Hash{}, 5000000000, pkScript)
	if err := ix.ApplyBlock(genesis, 0); err != nil {
		t.Fatalf("apply genesis: %v", err)
	}

	wrongParent := coinbaseBlock(chainhash.Hash{0x01}, 5000000000, pkScript)
	if err := ix.ApplyBlock(wrongParent, 1); err != ErrForkDetected {
		t.Fatalf("got %v, want ErrForkDetected", err)
	}
}
