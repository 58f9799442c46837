package script

import (
	"math"
	"math/big"
)

// Difficulty converts a compact nBits field into the usual "difficulty 1"
// ratio: 0x1d00ffff's target divided by the target implied by nBits.
// nBits == 0 encodes a zero target, for which the ratio is unbounded; by
// convention we return +Inf for nBits == 0, matching how reference
// implementations report an unset/invalid target.
func Difficulty(nBits uint32) *big.Float {
	if nBits == 0 {
		return big.NewFloat(math.Inf(1))
	}

	shift := (nBits >> 24) & 0xff
	coef := nBits & 0x00ffffff

	maxTarget := big.NewFloat(0x0000ffff)
	target := new(big.Float).SetInt64(int64(coef))

	const baseShift = 29
	diff := new(big.Float).Quo(maxTarget, target)

	for shift < baseShift {
		diff.Mul(diff, big.NewFloat(256))
		shift++
	}
	for shift > baseShift {
		diff.Quo(diff, big.NewFloat(256))
		shift--
	}
	return diff
}
