package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingontech/klingdex/config"
	"github.com/klingontech/klingdex/internal/broadcast"
	"github.com/klingontech/klingdex/internal/chainindex"
	"github.com/klingontech/klingdex/internal/feeestimator"
	"github.com/klingontech/klingdex/internal/mempoolindex"
	"github.com/klingontech/klingdex/internal/nodeclient"
	"github.com/klingontech/klingdex/internal/query"
	"github.com/klingontech/klingdex/internal/store"
	"github.com/klingontech/klingdex/pkg/script"
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

// fakeNode implements just enough of nodeclient.NodeClient for the handler
// tests below; nothing here exercises the network.
type fakeNode struct {
	nodeclient.NodeClient
	blocks map[chainhash.Hash]*wire.MsgBlock
}

func (f *fakeNode) GetBlock(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock, error) {
	blk, ok := f.blocks[hash]
	if !ok {
		return nil, fmt.Errorf("no such block %s", hash)
	}
	return blk, nil
}

func (f *fakeNode) GetRawMempool(ctx context.Context) ([]chainhash.Hash, error) {
	return nil, nil
}

type testEnv struct {
	server   *Server
	pkScript []byte
	tipHash  chainhash.Hash
	baseURL  string
}

func setupTestEnv(t *testing.T, httpCfg config.HTTPConfig) *testEnv {
	t.Helper()

	s := store.NewMemory()
	ix, err := chainindex.New(s, 100, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("new indexer: %v", err)
	}
	pool := mempoolindex.New(ix, 100_000)

	pkScript := append([]byte{0x00, 0x14}, make([]byte, 20)...)
	genesis := coinbaseBlock(chainhash.Hash{}, 5_000_000_000, pkScript)
	if err := ix.ApplyBlock(genesis, 0); err != nil {
		t.Fatalf("apply genesis: %v", err)
	}

	node := &fakeNode{blocks: map[chainhash.Hash]*wire.MsgBlock{genesis.BlockHash(): genesis}}

	queryCfg := config.QueryConfig{MaxSummaryTxs: 50, MaxAddressResult: 50, MaxBatchStats: 50}
	svc := query.New(s, ix, pool, node, queryCfg)

	fee, err := feeestimator.New(config.FeeEstConfig{Mode: feeestimator.ModeMempool}, node, pool)
	if err != nil {
		t.Fatalf("new fee estimator: %v", err)
	}
	bcast := broadcast.New(node)

	if httpCfg.Addr == "" {
		httpCfg.Addr = "127.0.0.1"
	}
	srv := New("127.0.0.1:0", svc, fee, bcast, ix, pool, config.Regtest, httpCfg)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return &testEnv{
		server:   srv,
		pkScript: pkScript,
		tipHash:  genesis.BlockHash(),
		baseURL:  fmt.Sprintf("http://%s", srv.Addr()),
	}
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response from %s: %v", url, err)
		}
	}
	return resp
}

func TestHandleTipHashAndHeight(t *testing.T) {
	env := setupTestEnv(t, config.HTTPConfig{})

	resp, err := http.Get(env.baseURL + "/blocks/tip/hash")
	if err != nil {
		t.Fatalf("get tip hash: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != env.tipHash.String() {
		t.Errorf("tip hash = %q, want %q", body, env.tipHash.String())
	}

	resp2, err := http.Get(env.baseURL + "/blocks/tip/height")
	if err != nil {
		t.Fatalf("get tip height: %v", err)
	}
	defer resp2.Body.Close()
	body2, _ := io.ReadAll(resp2.Body)
	if string(body2) != "0" {
		t.Errorf("tip height = %q, want %q", body2, "0")
	}
}

func TestHandleBlockReturnsHeader(t *testing.T) {
	env := setupTestEnv(t, config.HTTPConfig{})

	var result map[string]interface{}
	resp := getJSON(t, env.baseURL+"/block/"+env.tipHash.String(), &result)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if result["hash"] != env.tipHash.String() {
		t.Errorf("hash = %v, want %v", result["hash"], env.tipHash.String())
	}
}

func TestHandleBlockNotFound(t *testing.T) {
	env := setupTestEnv(t, config.HTTPConfig{})

	fakeHash := chainhash.Hash{}
	resp := getJSON(t, env.baseURL+"/block/"+fakeHash.String(), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleScriptStatsByScripthash(t *testing.T) {
	env := setupTestEnv(t, config.HTTPConfig{})

	sh := chainhash.Hash(script.Scripthash(env.pkScript))
	var result map[string]interface{}
	resp := getJSON(t, env.baseURL+"/"+sh.String(), &result)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	chainStats, ok := result["chain_stats"].(map[string]interface{})
	if !ok {
		t.Fatalf("chain_stats missing or wrong shape: %v", result)
	}
	if chainStats["funded_txo_count"].(float64) != 1 {
		t.Errorf("funded_txo_count = %v, want 1", chainStats["funded_txo_count"])
	}
}

func TestHandleHistoryReturnsConfirmedEntry(t *testing.T) {
	env := setupTestEnv(t, config.HTTPConfig{})

	sh := chainhash.Hash(script.Scripthash(env.pkScript))
	var entries []map[string]interface{}
	resp := getJSON(t, env.baseURL+"/"+sh.String()+"/txs", &entries)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(entries))
	}
}

func TestHandleUTXOsReturnsGenesisOutput(t *testing.T) {
	env := setupTestEnv(t, config.HTTPConfig{})

	sh := chainhash.Hash(script.Scripthash(env.pkScript))
	var utxos []map[string]interface{}
	resp := getJSON(t, env.baseURL+"/"+sh.String()+"/utxo", &utxos)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(utxos) != 1 {
		t.Fatalf("expected 1 utxo, got %d", len(utxos))
	}
	if utxos[0]["value_sats"].(float64) != 5_000_000_000 {
		t.Errorf("value_sats = %v, want 5000000000", utxos[0]["value_sats"])
	}
}

func TestHandleMempoolEmpty(t *testing.T) {
	env := setupTestEnv(t, config.HTTPConfig{})

	var entries []map[string]interface{}
	resp := getJSON(t, env.baseURL+"/mempool", &entries)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty mempool snapshot, got %d entries", len(entries))
	}
}

func TestHandleFeeEstimates(t *testing.T) {
	env := setupTestEnv(t, config.HTTPConfig{})

	var estimates map[string]float64
	resp := getJSON(t, env.baseURL+"/fee-estimates", &estimates)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(estimates) == 0 {
		t.Error("expected at least one fee estimate target")
	}
}

func TestHandleAddressSearchFindsGenesisAddress(t *testing.T) {
	env := setupTestEnv(t, config.HTTPConfig{})

	addr, ok := script.DeriveAddress(env.pkScript, &chaincfg.MainNetParams)
	if !ok {
		t.Fatalf("expected genesis pkScript to resolve to an address")
	}

	var results []string
	resp := getJSON(t, env.baseURL+"/address-prefix/search?q="+addr[:4], &results)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(results) != 1 || results[0] != addr {
		t.Fatalf("got %v, want [%s]", results, addr)
	}
}

func TestHandleAddressSearchMissingQueryParam(t *testing.T) {
	env := setupTestEnv(t, config.HTTPConfig{})

	resp, err := http.Get(env.baseURL + "/address-prefix/search")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleScriptStatsInvalidIdentifier(t *testing.T) {
	env := setupTestEnv(t, config.HTTPConfig{})

	resp, err := http.Get(env.baseURL + "/not-a-scripthash-or-address")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestIPFilterBlocksDisallowedRanges(t *testing.T) {
	env := setupTestEnv(t, config.HTTPConfig{AllowedIPs: []string{"10.0.0.0/8"}})

	resp, err := http.Get(env.baseURL + "/blocks/tip/hash")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestCORSWildcardOrigin(t *testing.T) {
	env := setupTestEnv(t, config.HTTPConfig{CORSOrigins: []string{"*"}})

	req, _ := http.NewRequest(http.MethodGet, env.baseURL+"/blocks/tip/hash", nil)
	req.Header.Set("Origin", "http://example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS origin = %q, want %q", got, "*")
	}
}
