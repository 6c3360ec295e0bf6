package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"trophymint/pkg/db/pagination"
	"trophymint/pkg/errutil"
	"trophymint/services/apikey"
	"trophymint/services/assetname"
	"trophymint/services/eligibility"
	"trophymint/services/forge"
	"trophymint/services/mint"
	"trophymint/services/points"
	"trophymint/services/reconcile"
)

type Handler struct {
	elig      eligibility.Service
	mint      mint.Service
	forge     forge.Service
	points    points.Service
	reconcile reconcile.Service
	keys      *apikey.Service
}

type HandlerParams struct {
	fx.In
	Eligibility eligibility.Service
	Mint        mint.Service
	Forge       forge.Service
	Points      points.Service
	Reconcile   reconcile.Service
	Keys        *apikey.Service
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		elig:      p.Eligibility,
		mint:      p.Mint,
		forge:     p.Forge,
		points:    p.Points,
		reconcile: p.Reconcile,
		keys:      p.Keys,
	}
}

type grantEligibilityRequest struct {
	HolderRef string     `json:"holder_ref" binding:"required"`
	Type      string     `json:"type" binding:"required"`
	ScopeRef  string     `json:"scope_ref"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) grantEligibility(c *gin.Context) {
	var req grantEligibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("invalid request body", err))
		return
	}

	out, err := h.elig.Grant(c.Request.Context(), eligibility.GrantInput{
		HolderRef: req.HolderRef,
		Type:      eligibility.Type(req.Type),
		ScopeRef:  req.ScopeRef,
		Source:    eligibility.SourceAdmin,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, out)
}

func (h *Handler) getEligibility(c *gin.Context) {
	out, err := h.elig.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, out)
}

func (h *Handler) previewMint(c *gin.Context) {
	out, err := h.mint.Preview(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, out)
}

type startMintRequest struct {
	HolderRef string `json:"holder_ref" binding:"required"`
	Address   string `json:"address"`
}

func (h *Handler) startMint(c *gin.Context) {
	var req startMintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("invalid request body", err))
		return
	}

	// omitted address falls back to the holder's last known wallet
	if req.Address == "" {
		addr, err := h.mint.ResolveAddress(c.Request.Context(), req.HolderRef)
		if err != nil {
			c.Error(err)
			return
		}
		req.Address = addr
	}

	op, err := h.mint.Start(c.Request.Context(), mint.StartInput{
		EligibilityID: c.Param("id"),
		HolderRef:     req.HolderRef,
		Address:       req.Address,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, op)
}

func (h *Handler) getOperation(c *gin.Context) {
	op, err := h.mint.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, op)
}

func (h *Handler) regrantOperation(c *gin.Context) {
	out, err := h.mint.Regrant(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, out)
}

type startForgeRequest struct {
	HolderRef  string `json:"holder_ref" binding:"required"`
	TargetTier string `json:"target_tier" binding:"required"`
	ScopeRef   string `json:"scope_ref" binding:"required"`
	Address    string `json:"address"`
}

func (h *Handler) startForge(c *gin.Context) {
	var req startForgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("invalid request body", err))
		return
	}

	if req.Address == "" {
		addr, err := h.mint.ResolveAddress(c.Request.Context(), req.HolderRef)
		if err != nil {
			c.Error(err)
			return
		}
		req.Address = addr
	}

	op, err := h.forge.Start(c.Request.Context(), forge.StartInput{
		HolderRef:  req.HolderRef,
		TargetTier: assetname.Tier(req.TargetTier),
		ScopeRef:   req.ScopeRef,
		Address:    req.Address,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, op)
}

func (h *Handler) getForge(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	op, err := h.forge.Get(ctx, id)
	if err != nil {
		c.Error(err)
		return
	}

	inputs, err := h.forge.Inputs(ctx, id)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"operation": op,
		"inputs":    inputs,
	})
}

func (h *Handler) quoteForge(c *gin.Context) {
	q, err := h.forge.Quote(c.Request.Context(),
		c.Query("holder_ref"),
		assetname.Tier(c.Query("target_tier")),
		c.Query("scope_ref"),
	)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, q)
}

func (h *Handler) listHolderTokens(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		c.Error(errutil.ValidationFailed("invalid pagination", err))
		return
	}

	tokens, pageInfo, err := h.mint.ListTokens(c.Request.Context(), c.Param("ref"), p)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      tokens,
		"page_info": pageInfo,
	})
}

func (h *Handler) holderPoints(c *gin.Context) {
	ctx := c.Request.Context()
	ref := c.Param("ref")

	summary, err := h.points.Summary(ctx, ref)
	if err != nil {
		c.Error(err)
		return
	}

	entries, err := h.points.ListEntries(ctx, ref)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"summary": summary,
		"entries": entries,
	})
}

func (h *Handler) reconcileHolder(c *gin.Context) {
	ref := c.Param("ref")

	if err := h.reconcile.EnqueueHolder(c.Request.Context(), ref, reconcile.PriorityHot); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"holder_ref": ref,
		"status":     "queued",
	})
}

type issueKeyRequest struct {
	Kind      string     `json:"kind" binding:"required"`
	Label     string     `json:"label"`
	Scopes    []string   `json:"scopes" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) issueKey(c *gin.Context) {
	var req issueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("invalid request body", err))
		return
	}

	in := apikey.IssueInput{
		Kind:      apikey.KeyKind(req.Kind),
		Label:     req.Label,
		Scopes:    req.Scopes,
		ExpiresAt: req.ExpiresAt,
	}
	if caller := callerKey(c); caller != nil {
		in.CreatedBy = &caller.KeyID
	}

	key, plaintext, err := h.keys.Issue(c.Request.Context(), in)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"key":       key,
		"plaintext": plaintext,
	})
}

func (h *Handler) listKeys(c *gin.Context) {
	keys, err := h.keys.List(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": keys})
}

func (h *Handler) revokeKey(c *gin.Context) {
	if err := h.keys.Revoke(c.Request.Context(), c.Param("key_id")); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}
