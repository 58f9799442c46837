// Package codec defines the byte-exact key layouts used by the store.
// Every key begins with a single tag byte identifying its family,
// followed by fixed-width big-endian integer fields and raw hash bytes,
// so that a prefix scan over a family naturally yields keys in numeric
// or lexical order.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Tag identifies a key family. One byte, never reused across families.
type Tag byte

const (
	TagBlockHeader   Tag = 'B' // height(4) -> header bytes
	TagBlockByHash   Tag = 'b' // hash(32) -> height(4)
	TagTxLocation    Tag = 'T' // txid(32) -> height(4) + index(4)
	TagTxOut         Tag = 'O' // txid(32) + vout(4) -> TxOutRecord
	TagSpend         Tag = 'S' // txid(32) + vout(4) -> spending txid(32) + vin(4) + height(4)
	TagScriptHist    Tag = 'H' // scripthash(32) + height(4) + txid(32) + ioflag(1) -> {}
	TagScriptStats   Tag = 'C' // scripthash(32) -> ScriptStatsRecord
	TagAddressPrefix Tag = 'a' // address string bytes -> scripthash(32)
	TagUndo          Tag = 'U' // height(4) -> BlockUndo, kept for MaxReorgDepth blocks back from tip
	TagMeta          Tag = 'm' // one-byte subkey -> singleton values (tip, version, checkpoint)
)

// Meta subkeys, appended after TagMeta.
const (
	MetaVersion         byte = 0x01
	MetaTipHash         byte = 0x02
	MetaTipHeight       byte = 0x03
	MetaReorgCheckpoint byte = 0x04
	MetaCumulativeWork  byte = 0x05
)

// CurrentVersion is the version number of this on-disk layout, associated
// with the MetaVersion subkey. No code writes MetaVersion or compares it at
// startup, so a store written with a different layout is not detected.
const CurrentVersion uint32 = 1

func putUint32(b []byte, v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return append(b, buf...)
}

func putUint64(b []byte, v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return append(b, buf...)
}

// BlockHeaderKey builds the key for a block header by height.
func BlockHeaderKey(height uint32) []byte {
	return putUint32([]byte{byte(TagBlockHeader)}, height)
}

// BlockByHashKey builds the key mapping a block hash to its height.
func BlockByHashKey(hash chainhash.Hash) []byte {
	b := make([]byte, 0, 1+chainhash.HashSize)
	b = append(b, byte(TagBlockByHash))
	b = append(b, hash[:]...)
	return b
}

// TxLocationKey builds the key mapping a txid to its block location.
func TxLocationKey(txid chainhash.Hash) []byte {
	b := make([]byte, 0, 1+chainhash.HashSize)
	b = append(b, byte(TagTxLocation))
	b = append(b, txid[:]...)
	return b
}

// TxOutKey builds the key for a transaction output record.
func TxOutKey(txid chainhash.Hash, vout uint32) []byte {
	b := make([]byte, 0, 1+chainhash.HashSize+4)
	b = append(b, byte(TagTxOut))
	b = append(b, txid[:]...)
	b = putUint32(b, vout)
	return b
}

// TxOutPrefix builds the scan prefix for all outputs of a transaction.
func TxOutPrefix(txid chainhash.Hash) []byte {
	b := make([]byte, 0, 1+chainhash.HashSize)
	b = append(b, byte(TagTxOut))
	b = append(b, txid[:]...)
	return b
}

// SpendKey builds the key recording which outpoint was spent.
func SpendKey(txid chainhash.Hash, vout uint32) []byte {
	b := make([]byte, 0, 1+chainhash.HashSize+4)
	b = append(b, byte(TagSpend))
	b = append(b, txid[:]...)
	b = putUint32(b, vout)
	return b
}

// IOFlag distinguishes a script-history entry funding (output) an address
// from one spending (input) from it, so the two can't collide on the same
// key when both happen in the same tx at the same height.
type IOFlag byte

const (
	IOFunding  IOFlag = 0x00
	IOSpending IOFlag = 0x01
)

// ScriptHistoryKey builds the key for one script-history entry. Height is
// encoded so that a prefix scan over the scripthash naturally yields
// entries in ascending confirmation order.
func ScriptHistoryKey(scripthash chainhash.Hash, height uint32, txid chainhash.Hash, io IOFlag) []byte {
	b := make([]byte, 0, 1+chainhash.HashSize+4+chainhash.HashSize+1)
	b = append(b, byte(TagScriptHist))
	b = append(b, scripthash[:]...)
	b = putUint32(b, height)
	b = append(b, txid[:]...)
	b = append(b, byte(io))
	return b
}

// ScriptHistoryPrefix builds the scan prefix for a script's full history.
func ScriptHistoryPrefix(scripthash chainhash.Hash) []byte {
	b := make([]byte, 0, 1+chainhash.HashSize)
	b = append(b, byte(TagScriptHist))
	b = append(b, scripthash[:]...)
	return b
}

// ScriptStatsKey builds the key for a script's aggregate stats record.
func ScriptStatsKey(scripthash chainhash.Hash) []byte {
	b := make([]byte, 0, 1+chainhash.HashSize)
	b = append(b, byte(TagScriptStats))
	b = append(b, scripthash[:]...)
	return b
}

// AddressPrefixKey builds the key for one address-prefix index entry: the
// full human-readable address as the key suffix, so a prefix scan over any
// leading substring of it yields every address starting with that
// substring in lexical order, and a point lookup of the full address
// resolves straight to its scripthash.
func AddressPrefixKey(address string) []byte {
	b := make([]byte, 0, 1+len(address))
	b = append(b, byte(TagAddressPrefix))
	b = append(b, address...)
	return b
}

// AddressPrefixScanPrefix builds the scan prefix for address type-ahead
// search: every stored address beginning with prefix.
func AddressPrefixScanPrefix(prefix string) []byte {
	b := make([]byte, 0, 1+len(prefix))
	b = append(b, byte(TagAddressPrefix))
	b = append(b, prefix...)
	return b
}

// DecodeAddressPrefixKey extracts the address string from a key built by
// AddressPrefixKey.
func DecodeAddressPrefixKey(key []byte) (string, error) {
	if len(key) < 1 {
		return "", fmt.Errorf("codec: empty address prefix key")
	}
	return string(key[1:]), nil
}

// UndoKey builds the key for a block's undo record by height.
func UndoKey(height uint32) []byte {
	return putUint32([]byte{byte(TagUndo)}, height)
}

// MetaKey builds a singleton meta key.
func MetaKey(subkey byte) []byte {
	return []byte{byte(TagMeta), subkey}
}

// DecodeTxLocation decodes the value stored under a TxLocationKey.
func DecodeTxLocation(v []byte) (height uint32, index uint32, err error) {
	if len(v) != 8 {
		return 0, 0, fmt.Errorf("codec: bad tx location value length %d", len(v))
	}
	return binary.BigEndian.Uint32(v[0:4]), binary.BigEndian.Uint32(v[4:8]), nil
}

// EncodeTxLocation encodes a tx location value.
func EncodeTxLocation(height, index uint32) []byte {
	b := make([]byte, 0, 8)
	b = putUint32(b, height)
	b = putUint32(b, index)
	return b
}

// DecodeHeight decodes a big-endian uint32 height value (used for
// BlockByHashKey's value and MetaTipHeight).
func DecodeHeight(v []byte) (uint32, error) {
	if len(v) != 4 {
		return 0, fmt.Errorf("codec: bad height value length %d", len(v))
	}
	return binary.BigEndian.Uint32(v), nil
}

// EncodeHeight encodes a uint32 height value.
func EncodeHeight(height uint32) []byte {
	return putUint32(nil, height)
}

// EncodeUint64 encodes a uint64 as 8 big-endian bytes.
func EncodeUint64(v uint64) []byte {
	return putUint64(nil, v)
}

// DecodeUint64 decodes a uint64.
func DecodeUint64(v []byte) (uint64, error) {
	if len(v) != 8 {
		return 0, fmt.Errorf("codec: bad uint64 value length %d", len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}
