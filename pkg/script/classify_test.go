package script

import (
	"encoding/hex"
	"math"
	"testing"

	"github.com/btcsuite/btcd/txscript"
)

func TestClassifyP2PKH(t *testing.T) {
	s := []byte{byte(txscript.OP_DUP), byte(txscript.OP_HASH160), 0x14}
	s = append(s, make([]byte, 20)...)
	s = append(s, byte(txscript.OP_EQUALVERIFY), byte(txscript.OP_CHECKSIG))
	if got := Classify(s); got != TypeP2PKH {
		t.Fatalf("got %v, want p2pkh", got)
	}
}

func TestClassifyP2SH(t *testing.T) {
	s := []byte{byte(txscript.OP_HASH160), 0x14}
	s = append(s, make([]byte, 20)...)
	s = append(s, byte(txscript.OP_EQUAL))
	if got := Classify(s); got != TypeP2SH {
		t.Fatalf("got %v, want p2sh", got)
	}
}

func TestClassifyV0P2WPKH(t *testing.T) {
	s := append([]byte{byte(txscript.OP_0), 0x14}, make([]byte, 20)...)
	if got := Classify(s); got != TypeV0P2WPKH {
		t.Fatalf("got %v, want v0_p2wpkh", got)
	}
}

func TestClassifyV0P2WSH(t *testing.T) {
	s := append([]byte{byte(txscript.OP_0), 0x20}, make([]byte, 32)...)
	if got := Classify(s); got != TypeV0P2WSH {
		t.Fatalf("got %v, want v0_p2wsh", got)
	}
}

func TestClassifyV1P2TR(t *testing.T) {
	s := append([]byte{byte(txscript.OP_1), 0x20}, make([]byte, 32)...)
	if got := Classify(s); got != TypeV1P2TR {
		t.Fatalf("got %v, want v1_p2tr", got)
	}
}

func TestClassifyAnchor(t *testing.T) {
	s := []byte{byte(txscript.OP_1), 0x02, 0x4e, 0x73}
	if got := Classify(s); got != TypeAnchor {
		t.Fatalf("got %v, want anchor", got)
	}
}

func TestClassifyBareMultisig1of2(t *testing.T) {
	pk1 := make([]byte, 33)
	pk2 := make([]byte, 33)
	s := []byte{byte(txscript.OP_1)}
	s = append(s, 33)
	s = append(s, pk1...)
	s = append(s, 33)
	s = append(s, pk2...)
	s = append(s, byte(txscript.OP_2), byte(txscript.OP_CHECKMULTISIG))
	if got := Classify(s); got != TypeBareMultisig {
		t.Fatalf("got %v, want bare_multisig", got)
	}
}

func TestClassifyOpReturn(t *testing.T) {
	s := []byte{byte(txscript.OP_RETURN), 0x04, 'd', 'a', 't', 'a'}
	if got := Classify(s); got != TypeOpReturn {
		t.Fatalf("got %v, want op_return", got)
	}
}

func TestClassifyProvablyUnspendable(t *testing.T) {
	s := []byte{byte(txscript.OP_RESERVED), 0x01, 0x02}
	if got := Classify(s); got != TypeProvablyUnspendable {
		t.Fatalf("got %v, want provably_unspendable", got)
	}
}

func TestClassifyEmpty(t *testing.T) {
	if got := Classify(nil); got != TypeEmpty {
		t.Fatalf("got %v, want empty", got)
	}
}

func TestClassifyUnknown(t *testing.T) {
	s, _ := hex.DecodeString("51029999") // not a recognized shape
	if got := Classify(s); got != TypeUnknown {
		t.Fatalf("got %v, want unknown", got)
	}
}

func TestDifficultyZeroBitsIsInfinite(t *testing.T) {
	d := Difficulty(0)
	f, _ := d.Float64()
	if !math.IsInf(f, 1) {
		t.Fatalf("got %v, want +Inf", f)
	}
}

func TestDifficultyOneAtGenesisBits(t *testing.T) {
	d := Difficulty(0x1d00ffff)
	f, _ := d.Float64()
	if math.Abs(f-1.0) > 1e-9 {
		t.Fatalf("got %v, want ~1.0", f)
	}
}
