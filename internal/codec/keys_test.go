package codec

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func hashFromByte(b byte) chainhash.Hash {
	var h chainhash.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func TestTxOutKeyOrdering(t *testing.T) {
	txid := hashFromByte(0x11)
	k1 := TxOutKey(txid, 0)
	k2 := TxOutKey(txid, 1)
	if !bytes.HasPrefix(k1, TxOutPrefix(txid)) || !bytes.HasPrefix(k2, TxOutPrefix(txid)) {
		t.Fatalf("keys do not share expected prefix")
	}
	if bytes.Compare(k1, k2) >= 0 {
		t.Fatalf("expected vout=0 key to sort before vout=1 key")
	}
}

func TestScriptHistoryKeyHeightOrdering(t *testing.T) {
	sh := hashFromByte(0x22)
	txA := hashFromByte(0xaa)
	txB := hashFromByte(0xbb)

	kLow := ScriptHistoryKey(sh, 100, txA, IOFunding)
	kHigh := ScriptHistoryKey(sh, 200, txB, IOFunding)

	if bytes.Compare(kLow, kHigh) >= 0 {
		t.Fatalf("expected lower height to sort before higher height")
	}
	prefix := ScriptHistoryPrefix(sh)
	if !bytes.HasPrefix(kLow, prefix) || !bytes.HasPrefix(kHigh, prefix) {
		t.Fatalf("keys do not share script history prefix")
	}

	funding := ScriptHistoryKey(sh, 100, txA, IOFunding)
	spending := ScriptHistoryKey(sh, 100, txA, IOSpending)
	if bytes.Equal(funding, spending) {
		t.Fatalf("funding and spending entries must not collide on the same key")
	}
}

func TestTxLocationRoundTrip(t *testing.T) {
	v := EncodeTxLocation(123456, 7)
	height, index, err := DecodeTxLocation(v)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if height != 123456 || index != 7 {
		t.Fatalf("got (%d, %d), want (123456, 7)", height, index)
	}
}

func TestDecodeTxLocationRejectsBadLength(t *testing.T) {
	if _, _, err := DecodeTxLocation([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for malformed tx location value")
	}
}

func TestTxOutRecordRoundTrip(t *testing.T) {
	rec := TxOutRecord{
		Height:     500000,
		ValueSats:  123456789,
		ScriptHash: hashFromByte(0x33),
		ScriptType: "v0_p2wpkh",
	}
	data, err := EncodeTxOutRecord(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeTxOutRecord(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != rec {
		t.Fatalf("got %+v, want %+v", got, rec)
	}
}

func TestScriptStatsBalance(t *testing.T) {
	s := ScriptStatsRecord{FundedSum: 1000, SpentSum: 400}
	if got := s.Balance(); got != 600 {
		t.Fatalf("got balance %d, want 600", got)
	}
}
