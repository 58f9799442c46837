package script

import "crypto/sha256"

// Scripthash returns the single-SHA256 digest of a scriptPubKey, the key
// used to index all activity for a script without needing to derive or
// agree on a human-readable address for it.
func Scripthash(pkScript []byte) [32]byte {
	return sha256.Sum256(pkScript)
}
