package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"trophymint/pkg/config"
)

// LedgerClient is the only surface through which the pipelines and the
// reconciler touch the ledger.
type LedgerClient interface {
	BuildMintTx(ctx context.Context, in BuildMintTxInput) (*UnsignedTx, error)
	BuildBurnTx(ctx context.Context, in BuildBurnTxInput) (*UnsignedTx, error)
	Sign(ctx context.Context, tx *UnsignedTx) (*SignedTx, error)
	Submit(ctx context.Context, tx *SignedTx) (string, error)
	GetConfirmationDepth(ctx context.Context, txRef string) (int64, error)
	GetHoldings(ctx context.Context, address string) ([]Holding, error)
}

type ledgerClient struct {
	cfg     *config.Config
	gateway *Gateway
	signer  *Signer
	builder *builder
}

func NewLedgerClient(cfg *config.Config, gateway *Gateway, signer *Signer) (LedgerClient, error) {
	b, err := newBuilder(cfg.Chain.PolicyID)
	if err != nil {
		return nil, err
	}

	return &ledgerClient{
		cfg:     cfg,
		gateway: gateway,
		signer:  signer,
		builder: b,
	}, nil
}

func (c *ledgerClient) BuildMintTx(ctx context.Context, in BuildMintTxInput) (*UnsignedTx, error) {
	if in.Quantity <= 0 {
		in.Quantity = 1
	}

	var aux, auxHash []byte
	if in.Metadata != nil {
		doc := MetadataDoc(c.builder.policyIDHex, in.AssetName, *in.Metadata)

		var err error
		aux, auxHash, err = EncodeAuxData(doc)
		if err != nil {
			return nil, err
		}
	}

	utxos, err := c.gateway.UTxOs(ctx, c.cfg.Chain.CustodyAddress)
	if err != nil {
		return nil, err
	}

	tip, err := c.gateway.Tip(ctx)
	if err != nil {
		return nil, err
	}

	body, err := c.builder.mintBody(utxos, *tip, in, auxHash, c.cfg.Chain.CustodyAddress)
	if err != nil {
		return nil, err
	}

	return &UnsignedTx{
		Hash:    TxID(body),
		BodyHex: hex.EncodeToString(body),
		AuxHex:  hex.EncodeToString(aux),
	}, nil
}

func (c *ledgerClient) BuildBurnTx(ctx context.Context, in BuildBurnTxInput) (*UnsignedTx, error) {
	if len(in.Units) == 0 {
		return nil, errors.New("chain: nothing to burn")
	}

	utxos, err := c.gateway.UTxOs(ctx, in.Address)
	if err != nil {
		return nil, err
	}

	tip, err := c.gateway.Tip(ctx)
	if err != nil {
		return nil, err
	}

	body, err := c.builder.burnBody(utxos, *tip, in)
	if err != nil {
		return nil, err
	}

	return &UnsignedTx{
		Hash:    TxID(body),
		BodyHex: hex.EncodeToString(body),
	}, nil
}

func (c *ledgerClient) Sign(_ context.Context, tx *UnsignedTx) (*SignedTx, error) {
	body, err := hex.DecodeString(tx.BodyHex)
	if err != nil {
		return nil, fmt.Errorf("chain: tx body: %w", err)
	}

	var aux []byte
	if tx.AuxHex != "" {
		aux, err = hex.DecodeString(tx.AuxHex)
		if err != nil {
			return nil, fmt.Errorf("chain: tx aux data: %w", err)
		}
	}

	env, hash, err := c.signer.SignTx(body, aux)
	if err != nil {
		return nil, err
	}

	return &SignedTx{Hash: hash, TxHex: hex.EncodeToString(env)}, nil
}

func (c *ledgerClient) Submit(ctx context.Context, tx *SignedTx) (string, error) {
	txID, err := c.gateway.SubmitTx(ctx, tx.TxHex)
	if err != nil {
		zap.L().Error("❌ [Chain] submit failed", zap.String("tx_id", tx.Hash), zap.Error(err))
		return "", err
	}

	if txID == "" {
		txID = tx.Hash
	}
	if txID != tx.Hash {
		zap.L().Warn("[Chain] gateway reported different tx id",
			zap.String("local", tx.Hash),
			zap.String("gateway", txID),
		)
	}

	zap.L().Info("✅ [Chain] transaction submitted", zap.String("tx_id", txID))

	return txID, nil
}

// GetConfirmationDepth reports how deep the transaction sits. A transaction
// the chain does not know yet reads as depth 0, not as an error, so callers
// keep polling.
func (c *ledgerClient) GetConfirmationDepth(ctx context.Context, txRef string) (int64, error) {
	info, err := c.gateway.Transaction(ctx, txRef)
	if errors.Is(err, ErrTxNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return info.Confirmations, nil
}

// GetHoldings lists the address positions under the collection policy.
// Foreign-policy assets are filtered out here so callers never see them.
func (c *ledgerClient) GetHoldings(ctx context.Context, address string) ([]Holding, error) {
	assets, err := c.gateway.Assets(ctx, address)
	if err != nil {
		return nil, err
	}

	holdings := make([]Holding, 0, len(assets))
	for _, a := range assets {
		if !strings.HasPrefix(a.Unit, c.builder.policyIDHex) {
			continue
		}

		_, name, err := SplitUnit(a.Unit)
		if err != nil {
			zap.L().Warn("[Chain] skipping malformed unit", zap.String("unit", a.Unit), zap.Error(err))
			continue
		}

		fp, err := Fingerprint(c.builder.policyID, []byte(name))
		if err != nil {
			return nil, err
		}

		holdings = append(holdings, Holding{
			Unit:        a.Unit,
			AssetName:   name,
			Quantity:    a.Quantity,
			Fingerprint: fp,
		})
	}

	return holdings, nil
}
