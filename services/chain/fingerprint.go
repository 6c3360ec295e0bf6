package chain

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"golang.org/x/crypto/blake2b"
)

// policyIDLen is the byte length of a policy id (hex form is 56 chars).
const policyIDLen = 28

// Fingerprint derives the wallet-facing asset fingerprint: bech32 "asset1..."
// over the 20-byte blake2b digest of policyID || assetName.
func Fingerprint(policyID, assetName []byte) (string, error) {
	h, err := blake2b.New(20, nil)
	if err != nil {
		return "", err
	}
	h.Write(policyID)
	h.Write(assetName)

	conv, err := bech32.ConvertBits(h.Sum(nil), 8, 5, true)
	if err != nil {
		return "", err
	}

	return bech32.Encode("asset", conv)
}

// Unit is the chain asset reference: policy id hex concatenated with the
// asset name hex.
func Unit(policyIDHex, assetName string) string {
	return policyIDHex + hex.EncodeToString([]byte(assetName))
}

// SplitUnit decomposes a chain asset reference back into policy id hex and
// the decoded asset name.
func SplitUnit(unit string) (policyIDHex, assetName string, err error) {
	if len(unit) < policyIDLen*2 {
		return "", "", fmt.Errorf("chain: unit %q too short", unit)
	}

	name, err := hex.DecodeString(unit[policyIDLen*2:])
	if err != nil {
		return "", "", fmt.Errorf("chain: unit %q: %w", unit, err)
	}

	return unit[:policyIDLen*2], string(name), nil
}
