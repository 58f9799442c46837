package nodeclient

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// NodeClient is the subset of upstream-node RPC operations klingdex depends
// on. It is an interface so the fetcher, broadcaster, and fee estimator can
// be tested against a fake without a real node.
type NodeClient interface {
	GetBestBlockHash(ctx context.Context) (chainhash.Hash, error)
	GetBlockHash(ctx context.Context, height int64) (chainhash.Hash, error)
	GetBlock(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock, error)
	GetBlockHeight(ctx context.Context, hash chainhash.Hash) (int64, error)
	GetRawMempool(ctx context.Context) ([]chainhash.Hash, error)
	GetRawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)
	SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error)
	TestMempoolAccept(ctx context.Context, txs []*wire.MsgTx) ([]MempoolAcceptResult, error)
	EstimateSmartFee(ctx context.Context, confTarget int) (EstimateSmartFeeResult, error)
}

// MempoolAcceptResult mirrors bitcoind's testmempoolaccept per-tx result.
type MempoolAcceptResult struct {
	Txid         string  `json:"txid"`
	Allowed      bool    `json:"allowed"`
	RejectReason string  `json:"reject-reason,omitempty"`
	VSize        int64   `json:"vsize,omitempty"`
	Fee          float64 `json:"fees,omitempty"`
}

// EstimateSmartFeeResult mirrors bitcoind's estimatesmartfee result.
type EstimateSmartFeeResult struct {
	FeeRateBTCPerKB float64  `json:"feerate,omitempty"`
	Errors          []string `json:"errors,omitempty"`
	Blocks          int      `json:"blocks,omitempty"`
}

func (c *Client) GetBestBlockHash(ctx context.Context) (chainhash.Hash, error) {
	var hexHash string
	if err := c.Call(ctx, "getbestblockhash", nil, &hexHash); err != nil {
		return chainhash.Hash{}, err
	}
	return chainhash.NewHashFromStr(hexHash)
}

func (c *Client) GetBlockHash(ctx context.Context, height int64) (chainhash.Hash, error) {
	var hexHash string
	if err := c.Call(ctx, "getblockhash", []interface{}{height}, &hexHash); err != nil {
		return chainhash.Hash{}, err
	}
	return chainhash.NewHashFromStr(hexHash)
}

// GetBlock fetches the raw block and parses it with the real Bitcoin wire
// format (verbosity 0 in bitcoind's RPC terms: hex-encoded raw bytes).
func (c *Client) GetBlock(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock, error) {
	var hexBlock string
	if err := c.Call(ctx, "getblock", []interface{}{hash.String(), 0}, &hexBlock); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(hexBlock)
	if err != nil {
		return nil, fmt.Errorf("decode block hex: %w", err)
	}
	var blk wire.MsgBlock
	if err := blk.Deserialize(bytesReader(raw)); err != nil {
		return nil, fmt.Errorf("parse block wire format: %w", err)
	}
	return &blk, nil
}

// GetBlockHeight returns the height of a block by hash (used by the
// supervisor to learn the height of the node's best block).
func (c *Client) GetBlockHeight(ctx context.Context, hash chainhash.Hash) (int64, error) {
	var verbose struct {
		Height int64 `json:"height"`
	}
	if err := c.Call(ctx, "getblockheader", []interface{}{hash.String(), true}, &verbose); err != nil {
		return 0, err
	}
	return verbose.Height, nil
}

func (c *Client) GetRawMempool(ctx context.Context) ([]chainhash.Hash, error) {
	var hexHashes []string
	if err := c.Call(ctx, "getrawmempool", []interface{}{false}, &hexHashes); err != nil {
		return nil, err
	}
	hashes := make([]chainhash.Hash, 0, len(hexHashes))
	for _, h := range hexHashes {
		hash, err := chainhash.NewHashFromStr(h)
		if err != nil {
			return nil, fmt.Errorf("parse mempool txid %q: %w", h, err)
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

func (c *Client) GetRawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	var hexTx string
	if err := c.Call(ctx, "getrawtransaction", []interface{}{txid.String(), false}, &hexTx); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(hexTx)
	if err != nil {
		return nil, fmt.Errorf("decode tx hex: %w", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytesReader(raw)); err != nil {
		return nil, fmt.Errorf("parse tx wire format: %w", err)
	}
	return &tx, nil
}

func (c *Client) SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (chainhash.Hash, error) {
	hexTx, err := serializeTxHex(tx)
	if err != nil {
		return chainhash.Hash{}, err
	}
	var hexHash string
	if err := c.Call(ctx, "sendrawtransaction", []interface{}{hexTx}, &hexHash); err != nil {
		return chainhash.Hash{}, err
	}
	return chainhash.NewHashFromStr(hexHash)
}

func (c *Client) TestMempoolAccept(ctx context.Context, txs []*wire.MsgTx) ([]MempoolAcceptResult, error) {
	hexTxs := make([]string, len(txs))
	for i, tx := range txs {
		h, err := serializeTxHex(tx)
		if err != nil {
			return nil, err
		}
		hexTxs[i] = h
	}
	var results []MempoolAcceptResult
	if err := c.Call(ctx, "testmempoolaccept", []interface{}{hexTxs}, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) EstimateSmartFee(ctx context.Context, confTarget int) (EstimateSmartFeeResult, error) {
	var result EstimateSmartFeeResult
	if err := c.Call(ctx, "estimatesmartfee", []interface{}{confTarget}, &result); err != nil {
		return EstimateSmartFeeResult{}, err
	}
	return result, nil
}
