package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trophymint/pkg/client"
	"trophymint/pkg/config"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testGateway(t *testing.T, h http.Handler) *Gateway {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &Gateway{baseURL: srv.URL, http: client.NewRetryable(5 * time.Second)}
}

func testLedgerClient(t *testing.T, g *Gateway, custody string) LedgerClient {
	t.Helper()

	signer, err := NewSignerFromHex(strings.Repeat("0f", 32))
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Chain.PolicyID = testPolicyHex
	cfg.Chain.CustodyAddress = custody

	lc, err := NewLedgerClient(cfg, g, signer)
	require.NoError(t, err)

	return lc
}

func TestGatewayTransactionNotFound(t *testing.T) {
	g := testGateway(t, http.HandlerFunc(http.NotFound))

	_, err := g.Transaction(context.Background(), "deadbeef")
	require.ErrorIs(t, err, ErrTxNotFound)
}

func TestGatewayUTxOsUnusedAddress(t *testing.T) {
	g := testGateway(t, http.HandlerFunc(http.NotFound))

	utxos, err := g.UTxOs(context.Background(), "addr_test1unused")
	require.NoError(t, err)
	require.Empty(t, utxos)
}

func TestGatewaySubmitRejectsInvalidTx(t *testing.T) {
	g := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid transaction", http.StatusBadRequest)
	}))

	_, err := g.SubmitTx(context.Background(), "00")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrGatewayUnavailable)
}

func TestLedgerClientMintFlow(t *testing.T) {
	custody := testAddr(t, 1)
	recipient := testAddr(t, 2)

	var submitted string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/tip", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Tip{Slot: 100, Height: 9})
	})
	mux.HandleFunc("/v1/addresses/"+custody+"/utxos", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]UTxO{
			{TxHash: strings.Repeat("11", 32), Index: 0, Lovelace: 10_000_000},
		})
	})
	mux.HandleFunc("/v1/transactions", func(w http.ResponseWriter, r *http.Request) {
		var in submitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		submitted = in.Tx
		json.NewEncoder(w).Encode(submitResponse{})
	})
	mux.HandleFunc("/v1/transactions/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(txInfo{Confirmations: 3})
	})

	lc := testLedgerClient(t, testGateway(t, mux), custody)

	ctx := context.Background()
	unsigned, err := lc.BuildMintTx(ctx, BuildMintTxInput{
		AssetName: "TNFT_V1_SCI_REG_12b3de7d",
		Quantity:  1,
		Recipient: recipient,
		Metadata: &TokenMetadata{
			Name:     "Science Trophy #0001",
			Image:    "ipfs://bafybeigdyrtestcid",
			Tier:     "REG",
			Category: "SCI",
			Edition:  1,
		},
	})
	require.NoError(t, err)
	require.Len(t, unsigned.Hash, 64)
	require.NotEmpty(t, unsigned.BodyHex)
	require.NotEmpty(t, unsigned.AuxHex)

	signed, err := lc.Sign(ctx, unsigned)
	require.NoError(t, err)
	require.Equal(t, unsigned.Hash, signed.Hash)

	txID, err := lc.Submit(ctx, signed)
	require.NoError(t, err)
	require.Equal(t, unsigned.Hash, txID)
	require.Equal(t, signed.TxHex, submitted)

	depth, err := lc.GetConfirmationDepth(ctx, txID)
	require.NoError(t, err)
	require.Equal(t, int64(3), depth)
}

func TestGetConfirmationDepthUnknownTx(t *testing.T) {
	lc := testLedgerClient(t, testGateway(t, http.HandlerFunc(http.NotFound)), testAddr(t, 1))

	depth, err := lc.GetConfirmationDepth(context.Background(), strings.Repeat("00", 32))
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestLedgerClientGetHoldings(t *testing.T) {
	addr := testAddr(t, 4)
	unit := Unit(testPolicyHex, "TNFT_V1_MAST_41871703")
	foreign := strings.Repeat("cd", 28) + "00"

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/addresses/"+addr+"/assets", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]addressAsset{
			{Unit: unit, Quantity: 1},
			{Unit: foreign, Quantity: 5},
		})
	})

	lc := testLedgerClient(t, testGateway(t, mux), testAddr(t, 1))

	holdings, err := lc.GetHoldings(context.Background(), addr)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	require.Equal(t, unit, holdings[0].Unit)
	require.Equal(t, "TNFT_V1_MAST_41871703", holdings[0].AssetName)
	require.Equal(t, int64(1), holdings[0].Quantity)
	require.True(t, strings.HasPrefix(holdings[0].Fingerprint, "asset1"))
}
