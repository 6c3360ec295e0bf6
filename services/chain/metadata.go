package chain

import (
	"golang.org/x/crypto/blake2b"
)

const (
	// metadataLabel is the transaction metadata label reserved for NFT
	// metadata documents.
	metadataLabel = 721

	// metadataMaxStr is the per-string byte limit inside transaction
	// metadata; longer values must be chunked into arrays.
	metadataMaxStr = 64
)

// TokenMetadata is the display document attached to a mint.
type TokenMetadata struct {
	Name        string `json:"name"`
	Image       string `json:"image"`
	MediaType   string `json:"media_type,omitempty"`
	Description string `json:"description,omitempty"`
	Tier        string `json:"tier"`
	Category    string `json:"category,omitempty"`
	Season      string `json:"season,omitempty"`
	Edition     int64  `json:"edition,omitempty"`
}

func metadataString(s string) any {
	if len(s) <= metadataMaxStr {
		return s
	}

	var chunks []string
	for len(s) > metadataMaxStr {
		chunks = append(chunks, s[:metadataMaxStr])
		s = s[metadataMaxStr:]
	}
	chunks = append(chunks, s)

	return chunks
}

// MetadataDoc assembles {label: {policy: {asset: fields}}} for the given
// asset.
func MetadataDoc(policyIDHex, assetName string, m TokenMetadata) map[uint64]any {
	fields := map[string]any{
		"name":  metadataString(m.Name),
		"image": metadataString(m.Image),
	}
	if m.MediaType != "" {
		fields["mediaType"] = m.MediaType
	}
	if m.Description != "" {
		fields["description"] = metadataString(m.Description)
	}

	attrs := map[string]any{
		"tier": m.Tier,
	}
	if m.Category != "" {
		attrs["category"] = m.Category
	}
	if m.Season != "" {
		attrs["season"] = m.Season
	}
	if m.Edition > 0 {
		attrs["edition"] = m.Edition
	}
	fields["attributes"] = attrs

	return map[uint64]any{
		metadataLabel: map[string]any{
			policyIDHex: map[string]any{
				assetName: fields,
			},
		},
	}
}

// EncodeAuxData encodes the metadata document and returns the raw bytes
// together with the blake2b-256 digest referenced from the transaction body.
func EncodeAuxData(doc map[uint64]any) (raw []byte, hash []byte, err error) {
	raw, err = encMode.Marshal(doc)
	if err != nil {
		return nil, nil, err
	}

	sum := blake2b.Sum256(raw)

	return raw, sum[:], nil
}
