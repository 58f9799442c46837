package broadcast

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingontech/klingdex/internal/nodeclient"
)

type fakeNode struct {
	nodeclient.NodeClient
	sentTxid    chainhash.Hash
	acceptCalls [][]*wire.MsgTx
}

func (f *fakeNode) SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	return f.sentTxid, nil
}

func (f *fakeNode) TestMempoolAccept(ctx context.Context, txs []*wire.MsgTx) ([]nodeclient.MempoolAcceptResult, error) {
	f.acceptCalls = append(f.acceptCalls, txs)
	out := make([]nodeclient.MempoolAcceptResult, len(txs))
	for i, tx := range txs {
		out[i] = nodeclient.MempoolAcceptResult{Txid: tx.TxHash().String(), Allowed: true}
	}
	return out, nil
}

func sampleTxHex(t *testing.T) string {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0xffffffff}})
	tx.AddTxOut(&wire.TxOut{Value: 5000, PkScript: append([]byte{0x00, 0x14}, make([]byte, 20)...)})
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serialize sample tx: %v", err)
	}
	return hex.EncodeToString(buf.Bytes())
}

func TestSubmitRejectsInvalidHex(t *testing.T) {
	b := New(&fakeNode{})
	if _, err := b.Submit(context.Background(), "not hex"); err == nil {
		t.Fatalf("expected error for invalid hex")
	}
}

func TestSubmitDelegatesValidTransaction(t *testing.T) {
	node := &fakeNode{sentTxid: chainhash.Hash{0x01}}
	b := New(node)
	txid, err := b.Submit(context.Background(), sampleTxHex(t))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if txid != node.sentTxid {
		t.Fatalf("got %v, want %v", txid, node.sentTxid)
	}
}

func TestTestAcceptRejectsOverBatchLimit(t *testing.T) {
	node := &fakeNode{}
	b := New(node)
	hexes := make([]string, maxTestAcceptBatch+1)
	for i := range hexes {
		hexes[i] = sampleTxHex(t)
	}
	if _, err := b.TestAccept(context.Background(), hexes); err == nil {
		t.Fatalf("expected error for batch over limit")
	}
}

func TestTestAcceptReturnsPerTxVerdicts(t *testing.T) {
	node := &fakeNode{}
	b := New(node)
	verdicts, err := b.TestAccept(context.Background(), []string{sampleTxHex(t)})
	if err != nil {
		t.Fatalf("test accept: %v", err)
	}
	if len(verdicts) != 1 || !verdicts[0].Allowed {
		t.Fatalf("unexpected verdicts: %+v", verdicts)
	}
}
