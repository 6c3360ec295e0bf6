package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trophymint/pkg/client"
	"trophymint/pkg/config"
)

var (
	ErrTxNotFound         = errors.New("chain: transaction not found")
	ErrGatewayUnavailable = errors.New("chain: ledger gateway unavailable")

	errNotFound = errors.New("chain: not found")
)

// Gateway talks to the node gateway REST API. Network errors and 5xx are
// retried by the underlying client; whatever still fails surfaces as
// ErrGatewayUnavailable so callers treat it as retryable. 4xx is terminal.
type Gateway struct {
	baseURL string
	http    *http.Client
}

func NewGateway(cfg *config.Config) *Gateway {
	return &Gateway{
		baseURL: strings.TrimRight(cfg.Chain.GatewayURL, "/"),
		http:    client.NewRetryable(30 * time.Second),
	}
}

func (g *Gateway) do(req *http.Request, out any) error {
	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s", ErrGatewayUnavailable, resp.Status)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("chain: gateway %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (g *Gateway) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return err
	}

	return g.do(req, out)
}

func (g *Gateway) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return g.do(req, out)
}

func (g *Gateway) Tip(ctx context.Context) (*Tip, error) {
	var out Tip
	if err := g.get(ctx, "/v1/tip", &out); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, fmt.Errorf("%w: no tip", ErrGatewayUnavailable)
		}
		return nil, err
	}

	return &out, nil
}

// UTxOs lists unspent outputs at the address. An address the chain has never
// seen reads as empty, not as an error.
func (g *Gateway) UTxOs(ctx context.Context, address string) ([]UTxO, error) {
	var out []UTxO
	err := g.get(ctx, "/v1/addresses/"+url.PathEscape(address)+"/utxos", &out)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return out, nil
}

type addressAsset struct {
	Unit     string `json:"unit"`
	Quantity int64  `json:"quantity"`
}

func (g *Gateway) Assets(ctx context.Context, address string) ([]addressAsset, error) {
	var out []addressAsset
	err := g.get(ctx, "/v1/addresses/"+url.PathEscape(address)+"/assets", &out)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return out, nil
}

type submitRequest struct {
	Tx string `json:"tx"`
}

type submitResponse struct {
	TxID string `json:"tx_id"`
}

func (g *Gateway) SubmitTx(ctx context.Context, txHex string) (string, error) {
	var out submitResponse
	if err := g.post(ctx, "/v1/transactions", submitRequest{Tx: txHex}, &out); err != nil {
		if errors.Is(err, errNotFound) {
			return "", fmt.Errorf("%w: submit endpoint", ErrGatewayUnavailable)
		}
		return "", err
	}

	return out.TxID, nil
}

type txInfo struct {
	TxID          string `json:"tx_id"`
	Confirmations int64  `json:"confirmations"`
}

func (g *Gateway) Transaction(ctx context.Context, txID string) (*txInfo, error) {
	var out txInfo
	err := g.get(ctx, "/v1/transactions/"+url.PathEscape(txID), &out)
	if errors.Is(err, errNotFound) {
		return nil, ErrTxNotFound
	}
	if err != nil {
		return nil, err
	}

	return &out, nil
}
