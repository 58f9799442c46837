package chainindex

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingontech/klingdex/internal/codec"
	"github.com/klingontech/klingdex/internal/log"
	"github.com/klingontech/klingdex/internal/store"
	"github.com/klingontech/klingdex/internal/xerrors"
)

// BlockSource is the subset of fetching behavior Reorg needs: fetch one
// block by hash. Satisfied by *fetcher.Fetcher.
type BlockSource interface {
	FetchBlock(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock, error)
}

// Reorg switches the indexer from its current tip onto newTipHash, which
// the caller has observed as the node's new best block hash and which is
// not a direct child of the current tip (an ApplyBlock ErrForkDetected).
//
// It walks the new branch back from newTipHash until it finds a block
// already known to the index (the common ancestor), reverts blocks down
// to that ancestor, then replays the new branch forward. If the common
// ancestor is more than maxReorgDepth blocks back, it gives up rather
// than reverting an unbounded amount of history.
func (ix *Indexer) Reorg(ctx context.Context, src BlockSource, newTipHash chainhash.Hash) error {
	tipHeight, tipHash, hasTip := ix.chain.Tip()
	if !hasTip {
		return fmt.Errorf("chainindex: cannot reorg an empty chain")
	}

	var newBranch []*wire.MsgBlock
	cursor := newTipHash
	depth := uint32(0)
	var ancestorHeight uint32
	found := false

	for depth <= ix.maxReorgDepth {
		blk, err := src.FetchBlock(ctx, cursor)
		if err != nil {
			return fmt.Errorf("chainindex: fetch branch block %s: %w", cursor, err)
		}
		if h, ok := ix.chain.HeightOf(cursor); ok {
			ancestorHeight = h
			found = true
			break
		}
		newBranch = append([]*wire.MsgBlock{blk}, newBranch...)
		cursor = blk.Header.PrevBlock
		depth++
	}
	if !found {
		return xerrors.Wrap(xerrors.Fatal, "reorg common ancestor not found within %d blocks of %s", ix.maxReorgDepth, newTipHash)
	}
	if tipHeight-ancestorHeight > ix.maxReorgDepth {
		return xerrors.Wrap(xerrors.Fatal, "reorg depth %d exceeds max %d", tipHeight-ancestorHeight, ix.maxReorgDepth)
	}

	log.Indexer.Warn().
		Uint32("fork_height", ancestorHeight).
		Uint32("old_tip_height", tipHeight).
		Int("new_branch_len", len(newBranch)).
		Msg("reorg: reverting to common ancestor")

	cp := codec.ReorgCheckpoint{
		OldTipHash:   tipHash,
		OldTipHeight: tipHeight,
		NewTipHash:   newTipHash,
		ForkHeight:   ancestorHeight,
	}
	cpData, err := codec.EncodeReorgCheckpoint(cp)
	if err != nil {
		return err
	}
	cpBatch := store.NewBatch()
	cpBatch.Put(codec.MetaKey(codec.MetaReorgCheckpoint), cpData)
	if err := ix.s.Write(cpBatch); err != nil {
		return fmt.Errorf("chainindex: write reorg checkpoint: %w", err)
	}

	for h := tipHeight; h > ancestorHeight; h-- {
		if err := ix.RevertTip(ctx); err != nil {
			return fmt.Errorf("chainindex: reorg revert at height %d: %w", h, err)
		}
	}

	for i, blk := range newBranch {
		height := ancestorHeight + 1 + uint32(i)
		if err := ix.ApplyBlock(blk, height); err != nil {
			return fmt.Errorf("chainindex: reorg replay at height %d: %w", height, err)
		}
	}

	clearBatch := store.NewBatch()
	clearBatch.Delete(codec.MetaKey(codec.MetaReorgCheckpoint))
	if err := ix.s.Write(clearBatch); err != nil {
		return fmt.Errorf("chainindex: clear reorg checkpoint: %w", err)
	}

	log.Indexer.Info().Uint32("new_tip_height", ancestorHeight+uint32(len(newBranch))).Msg("reorg complete")
	return nil
}
