package chainindex

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingontech/klingdex/internal/codec"
	"github.com/klingontech/klingdex/internal/store"
)

// HeaderChain is the in-memory view of the active chain's header sequence:
// height <-> hash and the current tip. It is guarded by a single
// sync.RWMutex in a single-writer/many-reader arrangement: one indexing
// goroutine writes, any number of query goroutines read.
type HeaderChain struct {
	mu         sync.RWMutex
	heightHash map[uint32]chainhash.Hash
	hashHeight map[chainhash.Hash]uint32
	tipHeight  uint32
	tipHash    chainhash.Hash
	hasTip     bool
}

// NewHeaderChain returns an empty header chain. Load should be called
// before use if a store already has indexed headers.
func NewHeaderChain() *HeaderChain {
	return &HeaderChain{
		heightHash: make(map[uint32]chainhash.Hash),
		hashHeight: make(map[chainhash.Hash]uint32),
	}
}

// Load rebuilds the in-memory header chain from persisted meta, by
// walking from genesis up to the stored tip height. This is only feasible
// because heights are stored densely; a gap means the store is corrupt.
func (hc *HeaderChain) Load(s store.Store) error {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	tipHashBytes, err := s.Get(codec.MetaKey(codec.MetaTipHash))
	if err != nil {
		if err == store.ErrNotFound {
			return nil // fresh store, nothing to load
		}
		return fmt.Errorf("chainindex: load tip hash: %w", err)
	}
	tipHeightBytes, err := s.Get(codec.MetaKey(codec.MetaTipHeight))
	if err != nil {
		return fmt.Errorf("chainindex: load tip height: %w", err)
	}
	tipHeight, err := codec.DecodeHeight(tipHeightBytes)
	if err != nil {
		return fmt.Errorf("chainindex: decode tip height: %w", err)
	}
	var tipHash chainhash.Hash
	copy(tipHash[:], tipHashBytes)

	for h := uint32(0); h <= tipHeight; h++ {
		hdrBytes, err := s.Get(codec.BlockHeaderKey(h))
		if err != nil {
			return fmt.Errorf("chainindex: load header at height %d: %w", h, err)
		}
		rec, err := codec.DecodeBlockHeaderRecord(hdrBytes)
		if err != nil {
			return fmt.Errorf("chainindex: decode header at height %d: %w", h, err)
		}
		hash, err := chainhash.NewHash(hashHeaderBytes(rec.HeaderBytes))
		if err != nil {
			return fmt.Errorf("chainindex: hash header at height %d: %w", h, err)
		}
		hc.heightHash[h] = *hash
		hc.hashHeight[*hash] = h
	}
	hc.tipHeight = tipHeight
	hc.tipHash = tipHash
	hc.hasTip = true
	return nil
}

// Tip returns the current tip height and hash. ok is false if the chain
// is empty.
func (hc *HeaderChain) Tip() (height uint32, hash chainhash.Hash, ok bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.tipHeight, hc.tipHash, hc.hasTip
}

// HashAt returns the hash at a height, if known.
func (hc *HeaderChain) HashAt(height uint32) (chainhash.Hash, bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	h, ok := hc.heightHash[height]
	return h, ok
}

// HeightOf returns the height of a hash, if known.
func (hc *HeaderChain) HeightOf(hash chainhash.Hash) (uint32, bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	h, ok := hc.hashHeight[hash]
	return h, ok
}

// Append records a new tip, one height above the previous tip.
func (hc *HeaderChain) Append(height uint32, hash chainhash.Hash) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.heightHash[height] = hash
	hc.hashHeight[hash] = height
	hc.tipHeight = height
	hc.tipHash = hash
	hc.hasTip = true
}

// Truncate removes every height above newTipHeight (used when rolling
// back during a reorg) and sets the new tip.
func (hc *HeaderChain) Truncate(newTipHeight uint32, newTipHash chainhash.Hash) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	for h := newTipHeight + 1; h <= hc.tipHeight; h++ {
		if old, ok := hc.heightHash[h]; ok {
			delete(hc.hashHeight, old)
		}
		delete(hc.heightHash, h)
	}
	hc.tipHeight = newTipHeight
	hc.tipHash = newTipHash
	hc.hasTip = true
}

func hashHeaderBytes(headerBytes []byte) []byte {
	sum := chainhash.DoubleHashB(headerBytes)
	return sum
}
