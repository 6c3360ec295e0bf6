package chain

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// Signer holds the platform custody key. Minting authority is centralized:
// every witness on mint and burn transactions comes from this key, never from
// a holder key.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSignerFromHex loads the custody key from hex, either a 32-byte seed or a
// 64-byte expanded key.
func NewSignerFromHex(hexKey string) (*Signer, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("chain: custody key: %w", err)
	}

	switch len(raw) {
	case ed25519.SeedSize:
		return &Signer{priv: ed25519.NewKeyFromSeed(raw)}, nil
	case ed25519.PrivateKeySize:
		return &Signer{priv: ed25519.PrivateKey(raw)}, nil
	default:
		return nil, errors.New("chain: custody key must be 32 or 64 bytes")
	}
}

func (s *Signer) Public() []byte {
	return s.priv.Public().(ed25519.PublicKey)
}

// SignTx witnesses the body hash and assembles the submittable envelope
// [body, witness set, valid, aux data]. Returns the envelope bytes and the
// transaction id.
func (s *Signer) SignTx(body, aux []byte) ([]byte, string, error) {
	sum := blake2b.Sum256(body)
	sig := ed25519.Sign(s.priv, sum[:])

	witnessSet := map[uint64]any{
		0: [][]any{{s.Public(), sig}},
	}

	var auxVal any
	if len(aux) > 0 {
		auxVal = cbor.RawMessage(aux)
	}

	env, err := encMode.Marshal([]any{cbor.RawMessage(body), witnessSet, true, auxVal})
	if err != nil {
		return nil, "", err
	}

	return env, hex.EncodeToString(sum[:]), nil
}
