package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	flagsmith "github.com/Flagsmith/flagsmith-go-client/v2"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"trophymint/pkg/authz"
	"trophymint/pkg/config"
	"trophymint/pkg/health"
	"trophymint/pkg/taskname"
	"trophymint/services/apikey"
	"trophymint/services/assetname"
	"trophymint/services/catalog"
	"trophymint/services/chain"
	"trophymint/services/eligibility"
	"trophymint/services/forge"
	"trophymint/services/mint"
	"trophymint/services/points"
	"trophymint/services/reconcile"
	"trophymint/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

func testAddr(t *testing.T, fill byte) string {
	t.Helper()

	conv, err := bech32.ConvertBits(bytes.Repeat([]byte{fill}, 29), 8, 5, true)
	require.NoError(t, err)

	addr, err := bech32.Encode("addr_test", conv)
	require.NoError(t, err)

	return addr
}

type fakeLedger struct{}

func (f *fakeLedger) BuildMintTx(_ context.Context, _ chain.BuildMintTxInput) (*chain.UnsignedTx, error) {
	return &chain.UnsignedTx{Hash: "aabbcc", BodyHex: "8400", AuxHex: "a100"}, nil
}

func (f *fakeLedger) BuildBurnTx(_ context.Context, _ chain.BuildBurnTxInput) (*chain.UnsignedTx, error) {
	return &chain.UnsignedTx{Hash: "burn-aabbcc", BodyHex: "8400"}, nil
}

func (f *fakeLedger) Sign(_ context.Context, tx *chain.UnsignedTx) (*chain.SignedTx, error) {
	return &chain.SignedTx{Hash: tx.Hash, TxHex: tx.BodyHex + "ff"}, nil
}

func (f *fakeLedger) Submit(_ context.Context, tx *chain.SignedTx) (string, error) {
	return tx.Hash, nil
}

func (f *fakeLedger) GetConfirmationDepth(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

func (f *fakeLedger) GetHoldings(_ context.Context, _ string) ([]chain.Holding, error) {
	return nil, nil
}

type fakePinner struct{}

func (f *fakePinner) PinObject(_ context.Context, _ string) (string, error) {
	return "bafyartifact", nil
}

func (f *fakePinner) PinBytes(_ context.Context, _ string, _ []byte) (string, error) {
	return "bafybytes", nil
}

type fakeSeq struct {
	editions map[string]int64
	mints    int
	forges   int
}

func (f *fakeSeq) NextMintCode(_ context.Context, _ string) (string, error) {
	f.mints++
	return fmt.Sprintf("MNT-API-%03d", f.mints), nil
}

func (f *fakeSeq) NextForgeCode(_ context.Context, _ string) (string, error) {
	f.forges++
	return fmt.Sprintf("FRG-API-%03d", f.forges), nil
}

func (f *fakeSeq) NextSeedBatchCode(_ context.Context) (string, error) {
	return "SEED-API-001", nil
}

func (f *fakeSeq) NextEditionNumber(_ context.Context, scope string) (int64, error) {
	f.editions[scope]++
	return f.editions[scope], nil
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: fmt.Sprintf("task-%d", len(f.tasks))}, nil
}

type fakeFlags struct{}

func (f *fakeFlags) Features(_ context.Context, _ string) ([]flagsmith.Flag, error) {
	return nil, nil
}

func (f *fakeFlags) Flags(_ context.Context, _ string, _ ...*flagsmith.Trait) (flagsmith.Flags, error) {
	return flagsmith.Flags{}, nil
}

func (f *fakeFlags) IsEnabled(_ context.Context, _, _ string) bool {
	return true
}

type apiHarness struct {
	router http.Handler
	db     *gorm.DB
	cat    catalog.Service
	enq    *fakeEnqueuer
	keys   *apikey.Service

	adminKey   string
	serviceKey string
	readerKey  string
}

func newHarness(t *testing.T) *apiHarness {
	t.Helper()

	db := testutil.NewTestDB(t,
		&mint.IssuanceOperation{}, &mint.OwnedToken{}, &mint.HolderAddress{},
		&catalog.CatalogEntry{}, &catalog.CatalogReservation{},
		&eligibility.Eligibility{},
		&points.PointEntry{}, &points.PointBalance{},
		&forge.ForgeOperation{}, &forge.ForgeInput{}, &forge.Season{},
		&reconcile.SyncJob{},
		&apikey.APIKey{},
	)

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Chain.PolicyID = strings.Repeat("ab", 28)
	cfg.Chain.ConfirmationDepth = 2
	cfg.Eligibility.TTL = time.Hour

	h := &apiHarness{db: db, enq: &fakeEnqueuer{}}
	ledger := &fakeLedger{}
	seq := &fakeSeq{editions: map[string]int64{}}

	eligSvc := eligibility.NewService(eligibility.ServiceParams{Config: cfg, DB: db, Node: node})
	h.cat = catalog.NewService(catalog.ServiceParams{DB: db, Node: node})
	ptsSvc := points.NewService(points.ServiceParams{DB: db, Node: node})
	recSvc := reconcile.NewService(reconcile.ServiceParams{
		Config: cfg, DB: db, Node: node, Ledger: ledger, Enqueuer: h.enq,
	})

	hooks := mint.NewHookRegistry()
	mintSvc := mint.NewService(mint.ServiceParams{
		Config:      cfg,
		DB:          db,
		Node:        node,
		Eligibility: eligSvc,
		Catalog:     h.cat,
		Points:      ptsSvc,
		Pinner:      &fakePinner{},
		Ledger:      ledger,
		Sequence:    seq,
		Enqueuer:    h.enq,
		Hooks:       hooks,
		Reconcile:   recSvc,
	})
	forgeSvc := forge.NewService(forge.ServiceParams{
		Config:   cfg,
		DB:       db,
		Node:     node,
		Mint:     mintSvc,
		Ledger:   ledger,
		Sequence: seq,
		Enqueuer: h.enq,
		Flags:    &fakeFlags{},
	})
	hooks.RegisterForge(forgeSvc)

	h.keys = apikey.NewService(apikey.ServiceParams{DB: db, Node: node})

	enforcer, err := authz.New(authz.Params{Config: cfg})
	require.NoError(t, err)

	handler := NewHandler(HandlerParams{
		Eligibility: eligSvc,
		Mint:        mintSvc,
		Forge:       forgeSvc,
		Points:      ptsSvc,
		Reconcile:   recSvc,
		Keys:        h.keys,
	})
	h.router = ProvideRouter(RouterParams{
		Config:   cfg,
		Handler:  handler,
		Keys:     h.keys,
		Enforcer: enforcer,
		Health:   health.ProvideHealth(health.HealthParams{DB: db}),
	})

	h.adminKey = h.issue(t, apikey.KindOperator, "admin")
	h.serviceKey = h.issue(t, apikey.KindService, "service")
	h.readerKey = h.issue(t, apikey.KindPartner, "reader")

	return h
}

func (h *apiHarness) issue(t *testing.T, kind apikey.KeyKind, scopes ...string) string {
	t.Helper()

	_, plaintext, err := h.keys.Issue(context.Background(), apikey.IssueInput{
		Kind:   kind,
		Label:  strings.Join(scopes, "+"),
		Scopes: scopes,
	})
	require.NoError(t, err)
	return plaintext
}

func (h *apiHarness) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("x-api-key", key)
	}

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
}

func (h *apiHarness) grant(t *testing.T, holderRef, scope string) *eligibility.Eligibility {
	t.Helper()

	w := h.do(t, http.MethodPost, "/v1/eligibilities", h.adminKey, gin.H{
		"holder_ref": holderRef,
		"type":       "category",
		"scope_ref":  scope,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var e eligibility.Eligibility
	decode(t, w, &e)
	return &e
}

func (h *apiHarness) seed(t *testing.T, scope string, tier assetname.Tier, names ...string) {
	t.Helper()

	entries := make([]*catalog.CatalogEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, &catalog.CatalogEntry{ScopeRef: scope, Tier: tier, DisplayName: name})
	}
	require.NoError(t, h.cat.SeedEntries(context.Background(), "SEED-API-001", entries))
}

func TestHealthEndpointsNeedNoKey(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "healthly")

	w = h.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodGet, "/v1/operations/123", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	decode(t, w, &body)
	require.Equal(t, "UNAUTHORIZED", body.Code)

	w = h.do(t, http.MethodGet, "/v1/operations/123", "tmk_svc_bogus.notasecret", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestScopeEnforcement(t *testing.T) {
	h := newHarness(t)

	// Reader may read; a missing operation is 404, not 403.
	w := h.do(t, http.MethodGet, "/v1/operations/123", h.readerKey, nil)
	require.Equal(t, http.StatusNotFound, w.Code, w.Body.String())

	// Regrant is admin-only.
	w = h.do(t, http.MethodPost, "/v1/operations/123/regrant", h.serviceKey, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	// Readers cannot start forges.
	w = h.do(t, http.MethodPost, "/v1/forges", h.readerKey, gin.H{
		"holder_ref": "holder-1", "target_tier": "ULT", "scope_ref": "SCI",
	})
	require.Equal(t, http.StatusForbidden, w.Code)

	// Admin inherits service, service inherits reader.
	w = h.do(t, http.MethodGet, "/v1/operations/123", h.serviceKey, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	w = h.do(t, http.MethodPost, "/v1/operations/123/regrant", h.adminKey, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestGrantAndGetEligibility(t *testing.T) {
	h := newHarness(t)

	e := h.grant(t, "holder-1", "SCI")
	require.NotEmpty(t, e.ID)
	require.Equal(t, eligibility.TypeCategory, e.Type)
	require.Equal(t, eligibility.StatusActive, e.Status)
	require.Equal(t, eligibility.SourceAdmin, e.Source)

	w := h.do(t, http.MethodGet, "/v1/eligibilities/"+e.ID, h.readerKey, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got eligibility.Eligibility
	decode(t, w, &got)
	require.Equal(t, e.ID, got.ID)

	// Body that fails binding never reaches the service.
	w = h.do(t, http.MethodPost, "/v1/eligibilities", h.adminKey, gin.H{"type": "category"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// Unknown type is rejected by the service with the same status.
	w = h.do(t, http.MethodPost, "/v1/eligibilities", h.adminKey, gin.H{
		"holder_ref": "holder-1", "type": "vip", "scope_ref": "SCI",
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestMintFlowThroughAPI(t *testing.T) {
	h := newHarness(t)

	e := h.grant(t, "holder-1", "SCI")
	h.seed(t, "SCI", assetname.TierRegular, "Aurora")

	w := h.do(t, http.MethodGet, "/v1/eligibilities/"+e.ID+"/preview", h.readerKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var preview struct {
		Status      string `json:"status"`
		Tier        string `json:"tier"`
		PointsAward int64  `json:"points_award"`
	}
	decode(t, w, &preview)
	require.Equal(t, "active", preview.Status)
	require.Equal(t, "REG", preview.Tier)
	require.Equal(t, int64(100), preview.PointsAward)

	w = h.do(t, http.MethodPost, "/v1/eligibilities/"+e.ID+"/mint", h.serviceKey, gin.H{
		"holder_ref": "holder-1",
		"address":    testAddr(t, 2),
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var op mint.IssuanceOperation
	decode(t, w, &op)
	require.NotEmpty(t, op.ID)
	require.Equal(t, mint.StatusPending, op.Status)

	require.Len(t, h.enq.tasks, 1)
	require.Equal(t, taskname.MintAdvance, h.enq.tasks[0].Type())

	w = h.do(t, http.MethodGet, "/v1/operations/"+op.ID, h.readerKey, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got mint.IssuanceOperation
	decode(t, w, &got)
	require.Equal(t, op.ID, got.ID)
	// The signed payload stays server-side.
	require.NotContains(t, w.Body.String(), "tx_payload")

	w = h.do(t, http.MethodGet, "/v1/holders/holder-1/tokens", h.readerKey, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var tokens struct {
		Data []*mint.OwnedToken `json:"data"`
	}
	decode(t, w, &tokens)
	require.Empty(t, tokens.Data)
}

func TestStartMintAddressFallback(t *testing.T) {
	h := newHarness(t)

	e := h.grant(t, "holder-2", "ART")
	h.seed(t, "ART", assetname.TierRegular, "Muse")

	// No address in the request and none on record.
	w := h.do(t, http.MethodPost, "/v1/eligibilities/"+e.ID+"/mint", h.serviceKey, gin.H{
		"holder_ref": "holder-2",
	})
	require.Equal(t, http.StatusNotFound, w.Code, w.Body.String())

	// A mint with an explicit address records the wallet.
	w = h.do(t, http.MethodPost, "/v1/eligibilities/"+e.ID+"/mint", h.serviceKey, gin.H{
		"holder_ref": "holder-2",
		"address":    testAddr(t, 4),
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	// Later operations may omit it: the forge resolves the stored wallet and
	// gets as far as input validation.
	w = h.do(t, http.MethodPost, "/v1/forges", h.serviceKey, gin.H{
		"holder_ref":  "holder-2",
		"target_tier": "ULT",
		"scope_ref":   "ART",
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	require.Contains(t, w.Body.String(), "insufficient")
}

func TestForgeQuoteAndStart(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodGet, "/v1/forges/quote?holder_ref=holder-1&target_tier=ULT&scope_ref=SCI", h.readerKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var quote forge.ForgeQuote
	decode(t, w, &quote)
	require.False(t, quote.Eligible)
	require.NotEmpty(t, quote.Shortfall)

	// Starting without the inputs on hand is a 422 from the service.
	w = h.do(t, http.MethodPost, "/v1/forges", h.serviceKey, gin.H{
		"holder_ref":  "holder-1",
		"target_tier": "ULT",
		"scope_ref":   "SCI",
		"address":     testAddr(t, 3),
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
}

func TestReconcileEndpoint(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/v1/holders/holder-9/reconcile", h.adminKey, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var body struct {
		HolderRef string `json:"holder_ref"`
		Status    string `json:"status"`
	}
	decode(t, w, &body)
	require.Equal(t, "holder-9", body.HolderRef)
	require.Equal(t, "queued", body.Status)

	var job reconcile.SyncJob
	require.NoError(t, h.db.Where("holder_ref = ?", "holder-9").First(&job).Error)
	require.Equal(t, reconcile.PriorityHot, job.Priority)

	w = h.do(t, http.MethodPost, "/v1/holders/holder-9/reconcile", h.serviceKey, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestAPIKeyManagement(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/v1/apikeys", h.adminKey, gin.H{
		"kind":   "service",
		"label":  "ci",
		"scopes": []string{"reader"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var issued struct {
		Key       apikey.APIKey `json:"key"`
		Plaintext string        `json:"plaintext"`
	}
	decode(t, w, &issued)
	require.NotEmpty(t, issued.Plaintext)
	require.NotNil(t, issued.Key.CreatedBy)
	require.True(t, strings.HasPrefix(*issued.Key.CreatedBy, "tmk_ops_"))

	// The fresh key works immediately within its scope.
	w = h.do(t, http.MethodGet, "/v1/holders/holder-1/points", issued.Plaintext, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = h.do(t, http.MethodGet, "/v1/apikeys", issued.Plaintext, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(t, http.MethodGet, "/v1/apikeys", h.adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodDelete, "/v1/apikeys/"+issued.Key.KeyID, h.adminKey, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = h.do(t, http.MethodGet, "/v1/holders/holder-1/points", issued.Plaintext, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(t, http.MethodPost, "/v1/apikeys", h.readerKey, gin.H{
		"kind": "service", "scopes": []string{"reader"},
	})
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestHolderPointsEmpty(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodGet, "/v1/holders/nobody/points", h.readerKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Summary points.HolderPoints  `json:"summary"`
		Entries []*points.PointEntry `json:"entries"`
	}
	decode(t, w, &body)
	require.Equal(t, "nobody", body.Summary.HolderRef)
	require.Zero(t, body.Summary.Total)
	require.Empty(t, body.Entries)
}

func TestListTokensPagination(t *testing.T) {
	h := newHarness(t)
	base := time.Now().Add(-time.Hour).UTC()

	for i := 0; i < 3; i++ {
		tok := &mint.OwnedToken{
			ID:            fmt.Sprintf("tok-%d", i),
			HolderRef:     "holder-1",
			ChainAssetRef: fmt.Sprintf("%s544e4654%02d", strings.Repeat("ab", 28), i),
			Tier:          "REG",
			ScopeRef:      "SCI",
			Status:        mint.TokenConfirmed,
			SourceOp:      "op-seed",
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, h.db.Create(tok).Error)
	}

	w := h.do(t, http.MethodGet, "/v1/holders/holder-1/tokens?limit=2", h.readerKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var page struct {
		Data     []*mint.OwnedToken `json:"data"`
		PageInfo struct {
			NextCursor string `json:"next_cursor"`
			HasMore    bool   `json:"has_more"`
		} `json:"page_info"`
	}
	decode(t, w, &page)
	require.Len(t, page.Data, 2)
	require.True(t, page.PageInfo.HasMore)
	require.Equal(t, "tok-2", page.Data[0].ID)

	next := "/v1/holders/holder-1/tokens?limit=2&cursor=" + url.QueryEscape(page.PageInfo.NextCursor)
	w = h.do(t, http.MethodGet, next, h.readerKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	decode(t, w, &page)
	require.Len(t, page.Data, 1)
	require.False(t, page.PageInfo.HasMore)
	require.Equal(t, "tok-0", page.Data[0].ID)
}
