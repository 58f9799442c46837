package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/go-chi/chi/v5"

	"github.com/klingontech/klingdex/internal/codec"
	"github.com/klingontech/klingdex/internal/query"
	"github.com/klingontech/klingdex/internal/xerrors"
	"github.com/klingontech/klingdex/pkg/script"
)

// longCacheSeconds and shortCacheSeconds implement the depth-based caching
// hint: once the referenced block's depth (tip height - block height + 1)
// is 10 or more, the answer can never change, so it's cached long.
const (
	longCacheSeconds  = 5 * 365 * 24 * 3600
	shortCacheSeconds = 10
	reorgDepthCutoff  = 10
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.Classify(err) {
	case xerrors.KindNotFound:
		status = http.StatusNotFound
	case xerrors.KindBadRequest, xerrors.KindWrongNetwork:
		status = http.StatusBadRequest
	case xerrors.KindUnprocessableCursor:
		status = http.StatusUnprocessableEntity
	case xerrors.KindUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// setCacheHeader applies the depth-based hint: long once blockHeight's
// depth (tipHeight - blockHeight + 1) is reorgDepthCutoff or more, short
// otherwise.
func (s *Server) setCacheHeader(w http.ResponseWriter, blockHeight uint32) {
	tipHeight, _, ok := s.query.Tip()
	seconds := shortCacheSeconds
	if ok && tipHeight >= blockHeight && tipHeight-blockHeight+1 >= reorgDepthCutoff {
		seconds = longCacheSeconds
	}
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(seconds))
}

// resolveScripthash accepts either a raw scripthash (as the reversed-hex
// display form) or a human-readable address.
func (s *Server) resolveScripthash(raw string) (chainhash.Hash, error) {
	if h, err := chainhash.NewHashFromStr(raw); err == nil {
		return *h, nil
	}
	sh, err := script.ResolveAddress(raw, s.params)
	if err == script.ErrWrongNetwork {
		return chainhash.Hash{}, xerrors.Wrap(xerrors.WrongNetwork, "address %s does not belong to the configured network", raw)
	}
	if err != nil {
		return chainhash.Hash{}, xerrors.Wrap(xerrors.BadRequest, "%q is neither a valid scripthash nor a valid address: %v", raw, err)
	}
	return sh, nil
}

func parseTxid(raw string) (chainhash.Hash, error) {
	h, err := chainhash.NewHashFromStr(raw)
	if err != nil {
		return chainhash.Hash{}, xerrors.Wrap(xerrors.BadRequest, "invalid txid %q: %v", raw, err)
	}
	return *h, nil
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleTipHash(w http.ResponseWriter, r *http.Request) {
	_, hash, ok := s.query.Tip()
	if !ok {
		writeError(w, xerrors.Wrap(xerrors.NotFound, "chain has no tip yet"))
		return
	}
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(shortCacheSeconds))
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(hash.String()))
}

func (s *Server) handleTipHeight(w http.ResponseWriter, r *http.Request) {
	height, _, ok := s.query.Tip()
	if !ok {
		writeError(w, xerrors.Wrap(xerrors.NotFound, "chain has no tip yet"))
		return
	}
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(shortCacheSeconds))
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(strconv.FormatUint(uint64(height), 10)))
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	hash, err := parseTxid(chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, err)
		return
	}
	height, hdr, txCount, found, err := s.query.BlockHeader(hash)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, xerrors.Wrap(xerrors.NotFound, "block %s not known", hash))
		return
	}
	s.setCacheHeader(w, height)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"height":     height,
		"hash":       hash.String(),
		"prev_hash":  hdr.PrevBlock.String(),
		"merkle_root": hdr.MerkleRoot.String(),
		"timestamp":  hdr.Timestamp.Unix(),
		"bits":       hdr.Bits,
		"nonce":      hdr.Nonce,
		"tx_count":   txCount,
	})
}

func (s *Server) handleBlockTxs(w http.ResponseWriter, r *http.Request) {
	hash, err := parseTxid(chi.URLParam(r, "hash"))
	if err != nil {
		writeError(w, err)
		return
	}
	start, err := strconv.Atoi(chi.URLParam(r, "start"))
	if err != nil || start < 0 {
		writeError(w, xerrors.Wrap(xerrors.BadRequest, "invalid start index %q", chi.URLParam(r, "start")))
		return
	}
	txs, height, err := s.query.BlockTxs(r.Context(), hash, start)
	if err != nil {
		writeError(w, err)
		return
	}
	s.setCacheHeader(w, height)
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = tx.TxHash().String()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleScriptStats(w http.ResponseWriter, r *http.Request) {
	sh, err := s.resolveScripthash(chi.URLParam(r, "scripthash"))
	if err != nil {
		writeError(w, err)
		return
	}
	confirmed, mempool, err := s.query.ScriptStats(sh)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(shortCacheSeconds))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scripthash": script.DisplayHex(sh),
		"chain_stats": confirmed,
		"mempool_stats": mempool,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sh, err := s.resolveScripthash(chi.URLParam(r, "scripthash"))
	if err != nil {
		writeError(w, err)
		return
	}
	var after *chainhash.Hash
	if v := r.URL.Query().Get("after_txid"); v != "" {
		txid, err := parseTxid(v)
		if err != nil {
			writeError(w, err)
			return
		}
		after = &txid
	}
	entries, err := s.query.History(r.Context(), sh, after, queryLimit(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(shortCacheSeconds))
	writeJSON(w, http.StatusOK, historyWireOf(entries))
}

// historyEntryWire mirrors query.HistoryEntry with a hex txid, since
// chainhash.Hash has no native JSON encoding.
type historyEntryWire struct {
	Txid      string `json:"txid"`
	Height    uint32 `json:"height,omitempty"`
	InMempool bool   `json:"in_mempool"`
}

func historyWireOf(entries []query.HistoryEntry) []historyEntryWire {
	out := make([]historyEntryWire, len(entries))
	for i, e := range entries {
		out[i] = historyEntryWire{Txid: e.Txid.String(), Height: e.Height, InMempool: e.InMempool}
	}
	return out
}

func (s *Server) handleHistoryChain(w http.ResponseWriter, r *http.Request) {
	sh, err := s.resolveScripthash(chi.URLParam(r, "scripthash"))
	if err != nil {
		writeError(w, err)
		return
	}
	var after *chainhash.Hash
	if raw := chi.URLParam(r, "after"); raw != "" {
		txid, err := parseTxid(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		after = &txid
	}
	entries, err := s.query.ChainHistory(sh, after, queryLimit(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(shortCacheSeconds))
	writeJSON(w, http.StatusOK, historyWireOf(entries))
}

func (s *Server) handleHistoryMempool(w http.ResponseWriter, r *http.Request) {
	sh, err := s.resolveScripthash(chi.URLParam(r, "scripthash"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(shortCacheSeconds))
	writeJSON(w, http.StatusOK, historyWireOf(s.query.MempoolHistory(sh)))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sh, err := s.resolveScripthash(chi.URLParam(r, "scripthash"))
	if err != nil {
		writeError(w, err)
		return
	}
	var after *chainhash.Hash
	if v := r.URL.Query().Get("after_txid"); v != "" {
		txid, err := parseTxid(v)
		if err != nil {
			writeError(w, err)
			return
		}
		after = &txid
	}
	entries, err := s.query.Summary(r.Context(), sh, after, queryLimit(r, 0))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(shortCacheSeconds))
	writeJSON(w, http.StatusOK, summaryWireOf(entries))
}

type summaryEntryWire struct {
	Txid       string `json:"txid"`
	Height     uint32 `json:"height,omitempty"`
	InMempool  bool   `json:"in_mempool"`
	ValueDelta int64  `json:"value_delta_sats"`
}

func summaryWireOf(entries []query.SummaryEntry) []summaryEntryWire {
	out := make([]summaryEntryWire, len(entries))
	for i, e := range entries {
		out[i] = summaryEntryWire{Txid: e.Txid.String(), Height: e.Height, InMempool: e.InMempool, ValueDelta: e.ValueDelta}
	}
	return out
}

func (s *Server) handleUTXOs(w http.ResponseWriter, r *http.Request) {
	sh, err := s.resolveScripthash(chi.URLParam(r, "scripthash"))
	if err != nil {
		writeError(w, err)
		return
	}
	utxos, err := s.query.UTXOs(r.Context(), sh)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(shortCacheSeconds))
	writeJSON(w, http.StatusOK, utxoWireOf(utxos))
}

type utxoWire struct {
	Txid      string `json:"txid"`
	Vout      uint32 `json:"vout"`
	Value     int64  `json:"value_sats"`
	Height    uint32 `json:"height,omitempty"`
	InMempool bool   `json:"in_mempool"`
}

func utxoWireOf(utxos []query.UTXO) []utxoWire {
	out := make([]utxoWire, len(utxos))
	for i, u := range utxos {
		out[i] = utxoWire{Txid: u.Txid.String(), Vout: u.Vout, Value: u.Record.ValueSats, Height: u.Record.Height, InMempool: u.InMempool}
	}
	return out
}

func (s *Server) handleLookupTx(w http.ResponseWriter, r *http.Request) {
	txid, err := parseTxid(chi.URLParam(r, "txid"))
	if err != nil {
		writeError(w, err)
		return
	}
	tx, height, inMempool, err := s.query.LookupTx(r.Context(), txid)
	if err != nil {
		writeError(w, err)
		return
	}
	if !inMempool {
		s.setCacheHeader(w, height)
	} else {
		w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(shortCacheSeconds))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"txid":       tx.TxHash().String(),
		"height":     height,
		"in_mempool": inMempool,
		"vsize":      (tx.SerializeSizeStripped()*3 + tx.SerializeSize() + 3) / 4,
	})
}

func (s *Server) handleLookupSpend(w http.ResponseWriter, r *http.Request) {
	txid, err := parseTxid(chi.URLParam(r, "txid"))
	if err != nil {
		writeError(w, err)
		return
	}
	vout, err := strconv.Atoi(chi.URLParam(r, "vout"))
	if err != nil || vout < 0 {
		writeError(w, xerrors.Wrap(xerrors.BadRequest, "invalid vout %q", chi.URLParam(r, "vout")))
		return
	}
	spender, height, confirmed, found, err := s.query.LookupSpend(wire.OutPoint{Hash: txid, Index: uint32(vout)})
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, map[string]interface{}{"spent": false})
		return
	}
	if confirmed {
		s.setCacheHeader(w, height)
	} else {
		w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(shortCacheSeconds))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"spent":     true,
		"txid":      spender.String(),
		"height":    height,
		"confirmed": confirmed,
	})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.BadRequest, "read request body: %v", err))
		return
	}
	txid, err := s.bcast.Submit(r.Context(), string(body))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(txid.String()))
}

func (s *Server) handleTestAccept(w http.ResponseWriter, r *http.Request) {
	var rawHexes []string
	if err := json.NewDecoder(r.Body).Decode(&rawHexes); err != nil {
		writeError(w, xerrors.Wrap(xerrors.BadRequest, "invalid JSON body: %v", err))
		return
	}
	verdicts, err := s.bcast.TestAccept(r.Context(), rawHexes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verdicts)
}

type mempoolTxWire struct {
	Txid    string  `json:"txid"`
	VSize   int64   `json:"vsize"`
	FeeRate float64 `json:"fee_rate_sat_vb"`
}

func (s *Server) handleMempool(w http.ResponseWriter, r *http.Request) {
	snapshot := s.query.MempoolSnapshot()
	out := make([]mempoolTxWire, len(snapshot))
	for i, e := range snapshot {
		out[i] = mempoolTxWire{Txid: e.Txid.String(), VSize: e.VSize, FeeRate: e.FeeRate}
	}
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(shortCacheSeconds))
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMempoolTxids(w http.ResponseWriter, r *http.Request) {
	txids := s.query.MempoolTxids()
	out := make([]string, len(txids))
	for i, t := range txids {
		out[i] = t.String()
	}
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(shortCacheSeconds))
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBatchStats(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scripthashes []string `json:"scripthashes"`
		Strict       bool     `json:"strict"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.BadRequest, "invalid JSON body: %v", err))
		return
	}
	var (
		confirmed map[chainhash.Hash]codec.ScriptStatsRecord
		mempool   map[chainhash.Hash]codec.ScriptStatsRecord
		err       error
	)
	if req.Strict {
		confirmed, mempool, err = s.query.BatchStatsStrict(req.Scripthashes)
	} else {
		confirmed, mempool, err = s.query.BatchStats(req.Scripthashes)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chain_stats":   stringKeyed(confirmed),
		"mempool_stats": stringKeyed(mempool),
	})
}

// stringKeyed re-keys a scripthash-keyed map by its display hex, since
// encoding/json cannot marshal a map keyed by a fixed-size byte array.
func stringKeyed(m map[chainhash.Hash]codec.ScriptStatsRecord) map[string]codec.ScriptStatsRecord {
	out := make(map[string]codec.ScriptStatsRecord, len(m))
	for k, v := range m {
		out[script.DisplayHex(k)] = v
	}
	return out
}

func (s *Server) handleFeeEstimates(w http.ResponseWriter, r *http.Request) {
	estimates, err := s.fee.Estimate(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(shortCacheSeconds))
	writeJSON(w, http.StatusOK, estimates)
}

func (s *Server) handleAddressSearch(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("q")
	if prefix == "" {
		writeError(w, xerrors.Wrap(xerrors.BadRequest, "missing q query parameter"))
		return
	}
	addrs, err := s.query.AddressSearch(prefix, queryLimit(r, 10))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(shortCacheSeconds))
	writeJSON(w, http.StatusOK, addrs)
}
