// Package httpapi is a thin REST adapter over the query, fee estimator,
// and broadcast layers. It is intentionally minimal: real transport
// concerns (auth, rate limiting, full content negotiation) are out of this
// repository's scope, so this package exists only to make klingdexd
// runnable end to end: a net.Listener bind, an IP allowlist and CORS
// headers, and a graceful Shutdown.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/go-chi/chi/v5"

	"github.com/klingontech/klingdex/config"
	"github.com/klingontech/klingdex/internal/broadcast"
	"github.com/klingontech/klingdex/internal/chainindex"
	"github.com/klingontech/klingdex/internal/feeestimator"
	"github.com/klingontech/klingdex/internal/log"
	"github.com/klingontech/klingdex/internal/mempoolindex"
	"github.com/klingontech/klingdex/internal/query"
)

// Server is the REST adapter's HTTP server.
type Server struct {
	query     *query.Service
	fee       *feeestimator.Estimator
	bcast     *broadcast.Broadcaster
	chain     *chainindex.Indexer
	pool      *mempoolindex.Pool
	params    *chaincfg.Params
	server    *http.Server
	ln        net.Listener

	allowedNets []*net.IPNet
	corsOrigins []string
}

// New creates a Server bound to addr, wiring the query, fee estimator,
// broadcaster, and chain/mempool indexers behind REST handlers.
func New(addr string, q *query.Service, fee *feeestimator.Estimator, bcast *broadcast.Broadcaster,
	chain *chainindex.Indexer, pool *mempoolindex.Pool, network config.Network, httpCfg config.HTTPConfig) *Server {

	s := &Server{
		query:       q,
		fee:         fee,
		bcast:       bcast,
		chain:       chain,
		pool:        pool,
		params:      network.Params(),
		allowedNets: parseAllowedIPs(httpCfg.AllowedIPs),
		corsOrigins: httpCfg.CORSOrigins,
	}

	r := chi.NewRouter()
	r.Use(s.ipFilter)
	r.Use(s.cors)

	r.Get("/blocks/tip/hash", s.handleTipHash)
	r.Get("/blocks/tip/height", s.handleTipHeight)
	r.Get("/block/{hash}", s.handleBlock)
	r.Get("/block/{hash}/txs/{start}", s.handleBlockTxs)
	r.Get("/{scripthash}", s.handleScriptStats)
	r.Get("/{scripthash}/txs", s.handleHistory)
	r.Get("/{scripthash}/txs/chain", s.handleHistoryChain)
	r.Get("/{scripthash}/txs/chain/{after}", s.handleHistoryChain)
	r.Get("/{scripthash}/txs/mempool", s.handleHistoryMempool)
	r.Get("/{scripthash}/txs/summary", s.handleSummary)
	r.Get("/{scripthash}/utxo", s.handleUTXOs)
	r.Get("/tx/{txid}", s.handleLookupTx)
	r.Get("/tx/{txid}/outspend/{vout}", s.handleLookupSpend)
	r.Post("/tx", s.handleBroadcast)
	r.Post("/tx/test", s.handleTestAccept)
	r.Get("/mempool", s.handleMempool)
	r.Get("/mempool/txids", s.handleMempoolTxids)
	r.Post("/scripthashes/stats", s.handleBatchStats)
	r.Get("/fee-estimates", s.handleFeeEstimates)
	r.Get("/address-prefix/search", s.handleAddressSearch)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start binds the listener and serves in a background goroutine,
// returning once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.HTTPAPI.Error().Err(err).Msg("http server error")
		}
	}()
	return nil
}

// Addr returns the bound listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.server.Addr
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func parseAllowedIPs(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		_, ipNet, err := net.ParseCIDR(entry)
		if err == nil {
			nets = append(nets, ipNet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

func (s *Server) isIPAllowed(ip net.IP) bool {
	for _, n := range s.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) ipFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedNets) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ip := net.ParseIP(host)
		if ip == nil || !s.isIPAllowed(ip) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.corsOrigins) > 0 {
			origin := r.Header.Get("Origin")
			for _, o := range s.corsOrigins {
				if o == "*" || o == origin {
					w.Header().Set("Access-Control-Allow-Origin", o)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
					break
				}
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
