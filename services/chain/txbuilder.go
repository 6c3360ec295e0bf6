package chain

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

var encMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Protocol parameters. Static conservative copies; a fee above the network
// minimum is always accepted.
const (
	minFeeA         = 44
	minFeeB         = 155381
	minUTxOLovelace = 1_400_000
	feeReserve      = 2_000_000
	ttlSlack        = 7200

	// witnessOverhead pads the measured body size for the witness set and
	// envelope bytes added after fee calculation.
	witnessOverhead = 176
)

var (
	ErrInsufficientFunds = errors.New("chain: insufficient funds at funding address")
	ErrAssetNotHeld      = errors.New("chain: address does not hold required asset")
)

// Transaction body map keys per the ledger binary spec.
const (
	keyInputs  = 0
	keyOutputs = 1
	keyFee     = 2
	keyTTL     = 3
	keyAuxHash = 7
	keyMint    = 9
)

type txInput struct {
	_     struct{} `cbor:",toarray"`
	TxID  []byte
	Index uint32
}

type txOutput struct {
	_       struct{} `cbor:",toarray"`
	Address []byte
	Amount  any
}

type multiAsset map[cbor.ByteString]map[cbor.ByteString]int64

type builder struct {
	policyID    []byte
	policyIDHex string
}

func newBuilder(policyIDHex string) (*builder, error) {
	pid, err := hex.DecodeString(policyIDHex)
	if err != nil {
		return nil, fmt.Errorf("chain: policy id %q: %w", policyIDHex, err)
	}
	if len(pid) != policyIDLen {
		return nil, fmt.Errorf("chain: policy id %q: want %d bytes", policyIDHex, policyIDLen)
	}

	return &builder{policyID: pid, policyIDHex: policyIDHex}, nil
}

// TxID is the blake2b-256 digest of the CBOR body, hex encoded. This is the
// transaction reference the rest of the system stores and polls on.
func TxID(body []byte) string {
	sum := blake2b.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func addressBytes(addr string) ([]byte, error) {
	_, data, err := bech32.DecodeNoLimit(addr)
	if err != nil {
		return nil, fmt.Errorf("chain: address %q: %w", addr, err)
	}

	return bech32.ConvertBits(data, 5, 8, false)
}

// ValidateAddress reports whether addr decodes as a bech32 ledger address.
// Callers reject recipients up front instead of burning a claim on a mint
// that can never build.
func ValidateAddress(addr string) error {
	_, err := addressBytes(addr)
	return err
}

// selectLovelace picks inputs until need is covered, preferring pure-lovelace
// outputs so token bundles stay unspent.
func selectLovelace(utxos []UTxO, need int64, picked []UTxO, total int64) ([]UTxO, int64, error) {
	inPicked := make(map[string]bool, len(picked))
	for _, u := range picked {
		inPicked[fmt.Sprintf("%s#%d", u.TxHash, u.Index)] = true
	}

	for pass := 0; pass < 2; pass++ {
		for _, u := range utxos {
			if total >= need {
				return picked, total, nil
			}
			if pass == 0 && len(u.Assets) > 0 {
				continue
			}
			key := fmt.Sprintf("%s#%d", u.TxHash, u.Index)
			if inPicked[key] {
				continue
			}
			inPicked[key] = true
			picked = append(picked, u)
			total += u.Lovelace
		}
	}

	if total < need {
		return nil, 0, ErrInsufficientFunds
	}

	return picked, total, nil
}

func txInputs(picked []UTxO) ([]txInput, error) {
	inputs := make([]txInput, 0, len(picked))
	for _, u := range picked {
		h, err := hex.DecodeString(u.TxHash)
		if err != nil {
			return nil, fmt.Errorf("chain: utxo %s: %w", u.TxHash, err)
		}
		inputs = append(inputs, txInput{TxID: h, Index: u.Index})
	}

	return inputs, nil
}

// leftoverAssets sums the asset bundles riding on picked inputs and subtracts
// what is being burned; whatever remains must return on the change output.
func leftoverAssets(picked []UTxO, burned map[string]int64) (multiAsset, error) {
	totals := map[string]int64{}
	for _, u := range picked {
		for unit, qty := range u.Assets {
			totals[unit] += qty
		}
	}

	for unit, qty := range burned {
		totals[unit] -= qty
		if totals[unit] < 0 {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotHeld, unit)
		}
		if totals[unit] == 0 {
			delete(totals, unit)
		}
	}

	ma := multiAsset{}
	for unit, qty := range totals {
		pidHex, name, err := SplitUnit(unit)
		if err != nil {
			return nil, err
		}
		pid, err := hex.DecodeString(pidHex)
		if err != nil {
			return nil, err
		}

		pk := cbor.ByteString(pid)
		if ma[pk] == nil {
			ma[pk] = map[cbor.ByteString]int64{}
		}
		ma[pk][cbor.ByteString(name)] += qty
	}

	return ma, nil
}

func amount(lovelace int64, assets multiAsset) any {
	if len(assets) == 0 {
		return lovelace
	}

	return []any{lovelace, assets}
}

func encodeBody(inputs []txInput, outputs []txOutput, fee, ttl int64, auxHash []byte, mint multiAsset) ([]byte, error) {
	body := map[uint64]any{
		keyInputs:  inputs,
		keyOutputs: outputs,
		keyFee:     fee,
		keyTTL:     ttl,
	}
	if len(auxHash) > 0 {
		body[keyAuxHash] = auxHash
	}
	if len(mint) > 0 {
		body[keyMint] = mint
	}

	return encMode.Marshal(body)
}

func feeFor(draftLen int) int64 {
	return int64(minFeeA*(draftLen+witnessOverhead) + minFeeB)
}

// mintBody builds the transaction body minting in.Quantity of the asset to
// the recipient, funded from fundingAddr's utxos.
func (b *builder) mintBody(utxos []UTxO, tip Tip, in BuildMintTxInput, auxHash []byte, fundingAddr string) ([]byte, error) {
	recipient, err := addressBytes(in.Recipient)
	if err != nil {
		return nil, err
	}
	change, err := addressBytes(fundingAddr)
	if err != nil {
		return nil, err
	}

	picked, totalIn, err := selectLovelace(utxos, minUTxOLovelace+feeReserve, nil, 0)
	if err != nil {
		return nil, err
	}
	inputs, err := txInputs(picked)
	if err != nil {
		return nil, err
	}

	pk := cbor.ByteString(b.policyID)
	nameKey := cbor.ByteString(in.AssetName)
	mint := multiAsset{pk: {nameKey: in.Quantity}}

	tokenOut := txOutput{
		Address: recipient,
		Amount:  amount(minUTxOLovelace, multiAsset{pk: {nameKey: in.Quantity}}),
	}

	ttl := tip.Slot + ttlSlack

	draft, err := encodeBody(inputs, []txOutput{tokenOut}, 0, ttl, auxHash, mint)
	if err != nil {
		return nil, err
	}
	fee := feeFor(len(draft))

	changeLovelace := totalIn - minUTxOLovelace - fee
	if changeLovelace < 0 {
		return nil, ErrInsufficientFunds
	}

	changeAssets, err := leftoverAssets(picked, nil)
	if err != nil {
		return nil, err
	}

	outputs := []txOutput{tokenOut}
	if changeLovelace >= minUTxOLovelace || len(changeAssets) > 0 {
		outputs = append(outputs, txOutput{Address: change, Amount: amount(changeLovelace, changeAssets)})
	} else {
		// dust change below the min-utxo floor is folded into the fee
		fee += changeLovelace
	}

	return encodeBody(inputs, outputs, fee, ttl, auxHash, mint)
}

// burnBody builds the transaction body burning the given units out of the
// holding address; everything else on the spent inputs returns as change.
func (b *builder) burnBody(utxos []UTxO, tip Tip, in BuildBurnTxInput) ([]byte, error) {
	addr, err := addressBytes(in.Address)
	if err != nil {
		return nil, err
	}

	burned := map[string]int64{}
	for _, unit := range in.Units {
		burned[unit]++
	}

	var picked []UTxO
	var totalIn int64
	covered := map[string]int64{}
	for _, u := range utxos {
		useful := false
		for unit := range burned {
			if covered[unit] < burned[unit] && u.Assets[unit] > 0 {
				useful = true
				break
			}
		}
		if !useful {
			continue
		}
		picked = append(picked, u)
		totalIn += u.Lovelace
		for held, qty := range u.Assets {
			covered[held] += qty
		}
	}
	for unit, qty := range burned {
		if covered[unit] < qty {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotHeld, unit)
		}
	}

	picked, totalIn, err = selectLovelace(utxos, feeReserve, picked, totalIn)
	if err != nil {
		return nil, err
	}
	inputs, err := txInputs(picked)
	if err != nil {
		return nil, err
	}

	mint := multiAsset{}
	for unit, qty := range burned {
		pidHex, name, err := SplitUnit(unit)
		if err != nil {
			return nil, err
		}
		pid, err := hex.DecodeString(pidHex)
		if err != nil {
			return nil, err
		}
		pk := cbor.ByteString(pid)
		if mint[pk] == nil {
			mint[pk] = map[cbor.ByteString]int64{}
		}
		mint[pk][cbor.ByteString(name)] = -qty
	}

	changeAssets, err := leftoverAssets(picked, burned)
	if err != nil {
		return nil, err
	}

	ttl := tip.Slot + ttlSlack

	draft, err := encodeBody(inputs, []txOutput{{Address: addr, Amount: amount(totalIn, changeAssets)}}, 0, ttl, nil, mint)
	if err != nil {
		return nil, err
	}
	fee := feeFor(len(draft))

	changeLovelace := totalIn - fee
	if changeLovelace < minUTxOLovelace {
		return nil, ErrInsufficientFunds
	}

	outputs := []txOutput{{Address: addr, Amount: amount(changeLovelace, changeAssets)}}

	return encodeBody(inputs, outputs, fee, ttl, nil, mint)
}
