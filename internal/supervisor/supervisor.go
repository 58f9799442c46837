// Package supervisor owns the tip-watch loop tying the fetcher, chain
// indexer, and mempool indexer together: poll the upstream node for its
// best block hash, stream and apply any new blocks (or reorg onto a
// competing branch), then resync the mempool mirror. Uses a
// ctx/cancel/sync.WaitGroup lifecycle and a startup-sync-then-ticker
// pattern: one synchronous catch-up pass before the steady-state poll
// loop takes over.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingontech/klingdex/internal/chainindex"
	"github.com/klingontech/klingdex/internal/fetcher"
	"github.com/klingontech/klingdex/internal/log"
	"github.com/klingontech/klingdex/internal/mempoolindex"
	"github.com/klingontech/klingdex/internal/nodeclient"
)

// Supervisor drives indexing forward against a live upstream node.
type Supervisor struct {
	node  nodeclient.NodeClient
	fetch *fetcher.Fetcher
	chain *chainindex.Indexer
	pool  *mempoolindex.Pool
	cfg   Config

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Config paces the two independent polling loops.
type Config struct {
	PollInterval        time.Duration
	MempoolSyncInterval time.Duration
}

// New creates a Supervisor. It performs no I/O and starts no goroutines;
// call Run to begin polling.
func New(node nodeclient.NodeClient, fetch *fetcher.Fetcher, chain *chainindex.Indexer, pool *mempoolindex.Pool, cfg Config) *Supervisor {
	return &Supervisor{node: node, fetch: fetch, chain: chain, pool: pool, cfg: cfg}
}

// Run starts the tip-watch and mempool-sync loops and blocks until ctx is
// canceled, at which point it waits for both loops to exit before
// returning.
func (s *Supervisor) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// Catch the index up to the node's current tip before entering the
	// steady-state poll loop, the same way runStartupSync runs once
	// synchronously before runSyncLoop's ticker takes over.
	s.syncTip(runCtx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.runTipLoop(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.runMempoolLoop(runCtx)
	}()

	<-runCtx.Done()
	s.wg.Wait()
}

// Stop cancels the running loops. Run will return once both have drained.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Supervisor) runTipLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncTip(ctx)
		}
	}
}

func (s *Supervisor) runMempoolLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MempoolSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.pool.Sync(ctx, s.node); err != nil {
				log.Supervisor.Warn().Err(err).Msg("mempool sync failed")
			}
		}
	}
}

// syncTip advances the chain indexer from its current tip to the node's
// reported best block hash, resolving a fork via Reorg if ApplyBlock
// reports the node's next block doesn't extend our tip.
func (s *Supervisor) syncTip(ctx context.Context) {
	bestHash, err := s.node.GetBestBlockHash(ctx)
	if err != nil {
		log.Supervisor.Warn().Err(err).Msg("get best block hash failed")
		return
	}

	tipHeight, tipHash, hasTip := s.chain.Chain().Tip()
	if hasTip && bestHash == tipHash {
		return // already caught up
	}

	bestHeight, err := s.node.GetBlockHeight(ctx, bestHash)
	if err != nil {
		log.Supervisor.Warn().Err(err).Msg("get best block height failed")
		return
	}

	start := uint32(0)
	if hasTip {
		start = tipHeight + 1
	}

	blocks, errc := s.fetch.Stream(ctx, start, uint32(bestHeight))
	for blk := range blocks {
		if err := s.chain.ApplyBlock(blk.Block, blk.Height); err != nil {
			if errors.Is(err, chainindex.ErrForkDetected) {
				log.Supervisor.Warn().Str("new_tip", bestHash.String()).Msg("fork detected, reorging")
				if rerr := s.chain.Reorg(ctx, s.fetch, bestHash); rerr != nil {
					log.Supervisor.Error().Err(rerr).Msg("reorg failed")
				}
				return
			}
			log.Supervisor.Error().Err(err).Uint32("height", blk.Height).Msg("apply block failed")
			return
		}
		log.Supervisor.Info().
			Uint32("height", blk.Height).
			Str("hash", blk.Hash.String()).
			Msg("block indexed")
		s.pool.RemoveConfirmed(txidsOf(blk))
	}
	if err := <-errc; err != nil {
		log.Supervisor.Warn().Err(err).Msg("stream ended with error")
	}
}

func txidsOf(blk fetcher.FetchedBlock) []chainhash.Hash {
	txids := make([]chainhash.Hash, len(blk.Block.Transactions))
	for i, tx := range blk.Block.Transactions {
		txids[i] = tx.TxHash()
	}
	return txids
}
