// Package fetcher streams blocks from the upstream node to the chain
// indexer, retrying transient failures with a capped exponential backoff
// and treating a self-hash mismatch (the node handed back a block whose
// bytes don't hash to the hash we asked for) as Fatal, never retried.
package fetcher

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cenkalti/backoff/v4"

	"github.com/klingontech/klingdex/internal/log"
	"github.com/klingontech/klingdex/internal/nodeclient"
	"github.com/klingontech/klingdex/internal/xerrors"
)

// FetchedBlock pairs a parsed block with its height in the chain being
// streamed, since wire.MsgBlock itself carries no height field.
type FetchedBlock struct {
	Height uint32
	Hash   chainhash.Hash
	Block  *wire.MsgBlock
}

// defaultPrefetchDepth bounds how many blocks Stream will fetch ahead of
// the consumer at once.
const defaultPrefetchDepth = 8

// Fetcher pulls blocks from a NodeClient.
type Fetcher struct {
	node     nodeclient.NodeClient
	prefetch int
}

// New creates a Fetcher over the given upstream node client, using the
// default prefetch depth.
func New(node nodeclient.NodeClient) *Fetcher {
	return &Fetcher{node: node, prefetch: defaultPrefetchDepth}
}

// NewWithPrefetch creates a Fetcher with an explicit bound on the number of
// blocks Stream fetches ahead of the consumer. depth <= 0 falls back to
// defaultPrefetchDepth.
func NewWithPrefetch(node nodeclient.NodeClient, depth int) *Fetcher {
	if depth <= 0 {
		depth = defaultPrefetchDepth
	}
	return &Fetcher{node: node, prefetch: depth}
}

// newBackoff returns the retry policy for upstream RPC failures: capped
// exponential backoff, retried indefinitely (the upstream node is assumed
// to eventually come back — klingdex has no fallback source of truth).
func newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry forever
	return backoff.WithContext(b, ctx)
}

// FetchBlock fetches and parses a single block by hash, verifying that
// the bytes returned actually hash to the hash requested. A mismatch
// means the node is misbehaving or corrupt, which is Fatal: retrying
// would not help and indexing on unverified bytes would corrupt the index.
func (f *Fetcher) FetchBlock(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock, error) {
	var blk *wire.MsgBlock
	op := func() error {
		b, err := f.node.GetBlock(ctx, hash)
		if err != nil {
			if xerrors.Classify(err) == xerrors.KindFatal {
				return backoff.Permanent(err)
			}
			return xerrors.Wrap(xerrors.Unavailable, "fetch block %s: %v", hash, err)
		}
		if b.BlockHash() != hash {
			return backoff.Permanent(xerrors.Wrap(xerrors.Fatal,
				"block %s returned bytes hashing to %s", hash, b.BlockHash()))
		}
		blk = b
		return nil
	}

	bo := newBackoff(ctx)
	if err := backoff.RetryNotify(op, bo, func(err error, d time.Duration) {
		log.Fetcher.Warn().Err(err).Dur("retry_in", d).Str("hash", hash.String()).Msg("retrying block fetch")
	}); err != nil {
		return nil, err
	}
	return blk, nil
}

// Stream fetches blocks by height, from start up to (and including)
// tipHeight, sending each on the returned channel strictly in order. Up to
// f.prefetch blocks are fetched concurrently ahead of the consumer, so a
// slow consumer never stalls the fetch of blocks it hasn't asked for yet
// beyond that bound. The channel is closed
// when the range is exhausted, ctx is canceled, or a fetch fails; canceling
// ctx drops any in-flight fetches without delivering their results. errc
// receives exactly one value, available once the block channel is closed:
// nil after the whole range was delivered, otherwise the fetch error or
// ctx's error.
func (f *Fetcher) Stream(ctx context.Context, start, tipHeight uint32) (<-chan FetchedBlock, <-chan error) {
	out := make(chan FetchedBlock)
	errc := make(chan error, 1)

	if tipHeight < start {
		close(out)
		errc <- nil
		return out, errc
	}

	streamCtx, cancel := context.WithCancel(ctx)
	n := int(tipHeight-start) + 1

	type result struct {
		blk FetchedBlock
		err error
	}
	slots := make([]chan result, n)
	for i := range slots {
		slots[i] = make(chan result, 1)
	}

	sem := make(chan struct{}, f.prefetch)
	go func() {
		for i := 0; i < n; i++ {
			select {
			case sem <- struct{}{}:
			case <-streamCtx.Done():
				return
			}
			go func(i int, height uint32) {
				defer func() { <-sem }()
				hash, err := f.fetchHashAtHeight(streamCtx, height)
				if err != nil {
					slots[i] <- result{err: err}
					return
				}
				blk, err := f.FetchBlock(streamCtx, hash)
				if err != nil {
					slots[i] <- result{err: err}
					return
				}
				slots[i] <- result{blk: FetchedBlock{Height: height, Hash: hash, Block: blk}}
			}(i, start+uint32(i))
		}
	}()

	go func() {
		defer cancel()
		defer close(out)
		for i := 0; i < n; i++ {
			select {
			case r := <-slots[i]:
				if r.err != nil {
					errc <- r.err
					return
				}
				select {
				case out <- r.blk:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		errc <- nil
	}()

	return out, errc
}

func (f *Fetcher) fetchHashAtHeight(ctx context.Context, height uint32) (chainhash.Hash, error) {
	var hash chainhash.Hash
	op := func() error {
		h, err := f.node.GetBlockHash(ctx, int64(height))
		if err != nil {
			return xerrors.Wrap(xerrors.Unavailable, "fetch hash at height %d: %v", height, err)
		}
		hash = h
		return nil
	}
	bo := newBackoff(ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return chainhash.Hash{}, err
	}
	return hash, nil
}

