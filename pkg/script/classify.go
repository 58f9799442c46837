// Package script classifies Bitcoin scriptPubKeys by output type and
// derives the scripthash used to index them, independent of any wallet
// or address-book concept — this is a pure function over script bytes.
package script

import (
	"github.com/btcsuite/btcd/txscript"
)

// Type names the recognized scriptPubKey shapes.
type Type string

const (
	TypeP2PK                Type = "p2pk"
	TypeP2PKH               Type = "p2pkh"
	TypeP2SH                Type = "p2sh"
	TypeV0P2WPKH            Type = "v0_p2wpkh"
	TypeV0P2WSH             Type = "v0_p2wsh"
	TypeV1P2TR              Type = "v1_p2tr"
	TypeBareMultisig        Type = "bare_multisig"
	TypeAnchor              Type = "anchor"
	TypeOpReturn            Type = "op_return"
	TypeEmpty               Type = "empty"
	TypeProvablyUnspendable Type = "provably_unspendable"
	TypeUnknown             Type = "unknown"
)

// Classify determines the output type of a scriptPubKey by matching
// opcode patterns in a fixed order: more specific shapes (witness
// programs, anchor) are checked before the catch-all bare-multisig and
// op_return cases, since those would otherwise shadow them.
func Classify(pkScript []byte) Type {
	switch {
	case len(pkScript) == 0:
		return TypeEmpty
	case isP2PK(pkScript):
		return TypeP2PK
	case isP2PKH(pkScript):
		return TypeP2PKH
	case isP2SH(pkScript):
		return TypeP2SH
	case isV0P2WPKH(pkScript):
		return TypeV0P2WPKH
	case isV0P2WSH(pkScript):
		return TypeV0P2WSH
	case isV1P2TR(pkScript):
		return TypeV1P2TR
	case isAnchor(pkScript):
		return TypeAnchor
	case isBareMultisig(pkScript):
		return TypeBareMultisig
	case isOpReturn(pkScript):
		return TypeOpReturn
	case isProvablyUnspendable(pkScript):
		return TypeProvablyUnspendable
	default:
		return TypeUnknown
	}
}

// isP2PK matches <pubkey> OP_CHECKSIG, with a compressed (33-byte) or
// uncompressed (65-byte) pubkey push.
func isP2PK(s []byte) bool {
	if len(s) == 35 && s[0] == 0x21 && s[34] == byte(txscript.OP_CHECKSIG) {
		return true
	}
	if len(s) == 67 && s[0] == 0x41 && s[66] == byte(txscript.OP_CHECKSIG) {
		return true
	}
	return false
}

// isP2PKH matches OP_DUP OP_HASH160 <20-byte hash> OP_EQUALVERIFY OP_CHECKSIG.
func isP2PKH(s []byte) bool {
	return len(s) == 25 &&
		s[0] == byte(txscript.OP_DUP) &&
		s[1] == byte(txscript.OP_HASH160) &&
		s[2] == 0x14 &&
		s[23] == byte(txscript.OP_EQUALVERIFY) &&
		s[24] == byte(txscript.OP_CHECKSIG)
}

// isP2SH matches OP_HASH160 <20-byte hash> OP_EQUAL.
func isP2SH(s []byte) bool {
	return len(s) == 23 &&
		s[0] == byte(txscript.OP_HASH160) &&
		s[1] == 0x14 &&
		s[22] == byte(txscript.OP_EQUAL)
}

// isV0P2WPKH matches OP_0 <20-byte hash>.
func isV0P2WPKH(s []byte) bool {
	return len(s) == 22 && s[0] == byte(txscript.OP_0) && s[1] == 0x14
}

// isV0P2WSH matches OP_0 <32-byte hash>.
func isV0P2WSH(s []byte) bool {
	return len(s) == 34 && s[0] == byte(txscript.OP_0) && s[1] == 0x20
}

// isV1P2TR matches OP_1 <32-byte x-only pubkey>.
func isV1P2TR(s []byte) bool {
	return len(s) == 34 && s[0] == byte(txscript.OP_1) && s[1] == 0x20
}

// isAnchor matches the BIP-118 style ephemeral anchor OP_1 0x02 0x4E 0x73
// ("anchor output"), a 4-byte script with no witness program semantics.
func isAnchor(s []byte) bool {
	return len(s) == 4 && s[0] == byte(txscript.OP_1) && s[1] == 0x02 && s[2] == 0x4e && s[3] == 0x73
}

// isBareMultisig matches OP_M <pubkey>... OP_N OP_CHECKMULTISIG with
// 1 <= M <= N <= 15, each pubkey a 33 or 65 byte push.
func isBareMultisig(s []byte) bool {
	if len(s) < 3 {
		return false
	}
	last := s[len(s)-1]
	if last != byte(txscript.OP_CHECKMULTISIG) {
		return false
	}
	m, okM := smallIntOp(s[0])
	if !okM || m < 1 || m > 15 {
		return false
	}
	n, okN := smallIntOp(s[len(s)-2])
	if !okN || n < m || n > 15 {
		return false
	}

	pos := 1
	count := 0
	for pos < len(s)-2 {
		pushLen := int(s[pos])
		if pushLen != 33 && pushLen != 65 {
			return false
		}
		pos++
		if pos+pushLen > len(s)-2 {
			return false
		}
		pos += pushLen
		count++
	}
	return count == n && pos == len(s)-2
}

// smallIntOp decodes an OP_1..OP_16 opcode to its integer value.
func smallIntOp(op byte) (int, bool) {
	if op >= byte(txscript.OP_1) && op <= byte(txscript.OP_16) {
		return int(op-byte(txscript.OP_1)) + 1, true
	}
	return 0, false
}

// isOpReturn matches any script beginning with OP_RETURN.
func isOpReturn(s []byte) bool {
	return len(s) > 0 && s[0] == byte(txscript.OP_RETURN)
}

// isProvablyUnspendable matches a script whose first opcode is OP_RESERVED,
// a disabled opcode that always fails script execution unconditionally if
// reached. The plain op_return case is matched earlier in Classify's switch,
// so this only needs to cover the disabled-opcode case left over.
func isProvablyUnspendable(s []byte) bool {
	return len(s) > 0 && s[0] == byte(txscript.OP_RESERVED)
}
