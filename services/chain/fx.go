package chain

import (
	"go.uber.org/fx"

	"trophymint/pkg/config"
)

var Module = fx.Module("chain",
	fx.Provide(
		NewGateway,
		NewSigner,
		NewLedgerClient,
	),
)

func NewSigner(cfg *config.Config) (*Signer, error) {
	return NewSignerFromHex(cfg.Chain.SigningKey)
}
