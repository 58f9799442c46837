package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingontech/klingdex/internal/chainindex"
	"github.com/klingontech/klingdex/internal/fetcher"
	"github.com/klingontech/klingdex/internal/mempoolindex"
	"github.com/klingontech/klingdex/internal/nodeclient"
	"github.com/klingontech/klingdex/internal/store"
)

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

type fakeNode struct {
	nodeclient.NodeClient
	blocks       map[chainhash.Hash]*wire.MsgBlock
	hashByHeight map[int64]chainhash.Hash
	heightByHash map[chainhash.Hash]int64
	bestHash     chainhash.Hash
}

func (f *fakeNode) GetBestBlockHash(ctx context.Context) (chainhash.Hash, error) {
	return f.bestHash, nil
}

func (f *fakeNode) GetBlockHash(ctx context.Context, height int64) (chainhash.Hash, error) {
	return f.hashByHeight[height], nil
}

func (f *fakeNode) GetBlock(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock, error) {
	return f.blocks[hash], nil
}

func (f *fakeNode) GetBlockHeight(ctx context.Context, hash chainhash.Hash) (int64, error) {
	return f.heightByHash[hash], nil
}

func (f *fakeNode) GetRawMempool(ctx context.Context) ([]chainhash.Hash, error) {
	return nil, nil
}

func TestSyncTipAppliesNewBlocksUpToBestHash(t *testing.T) {
	pkScript := append([]byte{0x00, 0x14}, make([]byte, 20)...)
	genesis := coinbaseBlock(chainhash.Hash{}, 5000000000, pkScript)
	genesisHash := genesis.BlockHash()

	block1 := coinbaseBlock(genesisHash, 5000000000, pkScript)
	block1Hash := block1.BlockHash()

	node := &fakeNode{
		blocks:       map[chainhash.Hash]*wire.MsgBlock{genesisHash: genesis, block1Hash: block1},
		hashByHeight: map[int64]chainhash.Hash{0: genesisHash, 1: block1Hash},
		heightByHash: map[chainhash.Hash]int64{genesisHash: 0, block1Hash: 1},
		bestHash:     block1Hash,
	}

	s := store.NewMemory()
	ix, err := chainindex.New(s, 100, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("new indexer: %v", err)
	}
	if err := ix.ApplyBlock(genesis, 0); err != nil {
		t.Fatalf("apply genesis: %v", err)
	}
	pool := mempoolindex.New(ix, 100_000)
	f := fetcher.New(node)

	sv := New(node, f, ix, pool, Config{PollInterval: time.Second, MempoolSyncInterval: time.Second})
	sv.syncTip(context.Background())

	height, hash, ok := ix.Chain().Tip()
	if !ok || height != 1 || hash != block1Hash {
		t.Fatalf("expected tip at height 1 hash %s, got height=%d hash=%s ok=%v", block1Hash, height, hash, ok)
	}
}

func TestSyncTipNoOpWhenAlreadyAtBestHash(t *testing.T) {
	pkScript := append([]byte{0x00, 0x14}, make([]byte, 20)...)
	genesis := coinbaseBlock(chainhash.Hash{}, 5000000000, pkScript)
	genesisHash := genesis.BlockHash()

	node := &fakeNode{
		blocks:       map[chainhash.Hash]*wire.MsgBlock{genesisHash: genesis},
		hashByHeight: map[int64]chainhash.Hash{0: genesisHash},
		heightByHash: map[chainhash.Hash]int64{genesisHash: 0},
		bestHash:     genesisHash,
	}

	s := store.NewMemory()
	ix, err := chainindex.New(s, 100, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("new indexer: %v", err)
	}
	if err := ix.ApplyBlock(genesis, 0); err != nil {
		t.Fatalf("apply genesis: %v", err)
	}
	pool := mempoolindex.New(ix, 100_000)
	f := fetcher.New(node)

	sv := New(node, f, ix, pool, Config{PollInterval: time.Second, MempoolSyncInterval: time.Second})
	sv.syncTip(context.Background())

	height, hash, ok := ix.Chain().Tip()
	if !ok || height != 0 || hash != genesisHash {
		t.Fatalf("expected tip unchanged at genesis, got height=%d hash=%s ok=%v", height, hash, ok)
	}
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	pkScript := append([]byte{0x00, 0x14}, make([]byte, 20)...)
	genesis := coinbaseBlock(chainhash.Hash{}, 5000000000, pkScript)
	genesisHash := genesis.BlockHash()

	node := &fakeNode{
		blocks:       map[chainhash.Hash]*wire.MsgBlock{genesisHash: genesis},
		hashByHeight: map[int64]chainhash.Hash{0: genesisHash},
		heightByHash: map[chainhash.Hash]int64{genesisHash: 0},
		bestHash:     genesisHash,
	}

	s := store.NewMemory()
	ix, err := chainindex.New(s, 100, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("new indexer: %v", err)
	}
	if err := ix.ApplyBlock(genesis, 0); err != nil {
		t.Fatalf("apply genesis: %v", err)
	}
	pool := mempoolindex.New(ix, 100_000)
	f := fetcher.New(node)

	sv := New(node, f, ix, pool, Config{PollInterval: 10 * time.Millisecond, MempoolSyncInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sv.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
