package chain

// Holding is one asset position at an address, already filtered to the
// collection policy.
type Holding struct {
	Unit        string `json:"unit"`
	AssetName   string `json:"asset_name"`
	Quantity    int64  `json:"quantity"`
	Fingerprint string `json:"fingerprint"`
}

// UTxO is an unspent output as reported by the ledger gateway. Assets maps
// unit to quantity.
type UTxO struct {
	TxHash   string           `json:"tx_hash"`
	Index    uint32           `json:"index"`
	Lovelace int64            `json:"lovelace"`
	Assets   map[string]int64 `json:"assets"`
}

// Tip is the current chain tip.
type Tip struct {
	Slot   int64 `json:"slot"`
	Height int64 `json:"height"`
}

// UnsignedTx carries a built transaction between saga steps. Hash is the
// transaction id, BodyHex the CBOR body and AuxHex the CBOR auxiliary data;
// everything a later step needs is in here so it survives a round trip
// through the operation row.
type UnsignedTx struct {
	Hash    string `json:"hash"`
	BodyHex string `json:"body_hex"`
	AuxHex  string `json:"aux_hex,omitempty"`
}

// SignedTx is the fully witnessed transaction, ready for submission.
type SignedTx struct {
	Hash  string `json:"hash"`
	TxHex string `json:"tx_hex"`
}

// BuildMintTxInput describes a single-asset mint to a recipient address.
type BuildMintTxInput struct {
	AssetName string
	Quantity  int64
	Recipient string
	Metadata  *TokenMetadata
}

// BuildBurnTxInput describes burning the given units out of an address.
type BuildBurnTxInput struct {
	Address string
	Units   []string
}
