package script

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

// ResolveAddress parses a human-readable address against params and
// returns the scripthash of its corresponding scriptPubKey. An address
// belonging to a different network than params is not silently accepted;
// ErrWrongNetwork signals the caller should map this to the WrongNetwork
// error kind.
func ResolveAddress(address string, params *chaincfg.Params) (chainhash.Hash, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		others := []*chaincfg.Params{&chaincfg.MainNetParams, &chaincfg.TestNet3Params, &chaincfg.RegressionNetParams, &chaincfg.SigNetParams}
		for _, other := range others {
			if other.Net == params.Net {
				continue
			}
			if _, otherErr := btcutil.DecodeAddress(address, other); otherErr == nil {
				return chainhash.Hash{}, ErrWrongNetwork
			}
		}
		return chainhash.Hash{}, err
	}
	if !addr.IsForNet(params) {
		return chainhash.Hash{}, ErrWrongNetwork
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return chainhash.Hash(Scripthash(pkScript)), nil
}

// DeriveAddress renders a scriptPubKey as its single canonical
// human-readable address for the given network, when it has one. Scripts
// with no single-address encoding (bare multisig, op_return, unknown) or
// more than one extracted address report ok=false; only those outputs are
// eligible for the address-prefix index.
func DeriveAddress(pkScript []byte, params *chaincfg.Params) (address string, ok bool) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, params)
	if err != nil || len(addrs) != 1 {
		return "", false
	}
	return addrs[0].EncodeAddress(), true
}

// ErrWrongNetwork is returned by ResolveAddress when the address decodes
// successfully but belongs to a different network than requested.
var ErrWrongNetwork = &wrongNetworkError{}

type wrongNetworkError struct{}

func (*wrongNetworkError) Error() string { return "address belongs to a different network" }

// DisplayHex renders a scripthash the way the ecosystem expects: reversed
// byte order, matching established little-endian hash display conventions.
func DisplayHex(sh chainhash.Hash) string {
	reversed := make([]byte, len(sh))
	for i := range sh {
		reversed[i] = sh[len(sh)-1-i]
	}
	return hex.EncodeToString(reversed)
}
