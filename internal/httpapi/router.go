package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"trophymint/pkg/authz"
	"trophymint/pkg/config"
	"trophymint/pkg/errutil"
	"trophymint/pkg/health"
	"trophymint/pkg/middleware"
	"trophymint/services/apikey"
)

const callerKeyContext = "httpapi.caller_key"

// authenticate resolves the x-api-key header and enforces the scope policy
// against the matched route template.
func authenticate(keys *apikey.Service, enforcer *authz.Enforcer) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader("x-api-key")
		if presented == "" {
			c.Error(errutil.Unauthorized("missing x-api-key header", nil))
			c.Abort()
			return
		}

		key, err := keys.Verify(c.Request.Context(), presented)
		if err != nil {
			c.Error(err)
			c.Abort()
			return
		}

		allowed, err := enforcer.Allowed([]string(key.Scopes), c.FullPath(), c.Request.Method)
		if err != nil {
			c.Error(errutil.Internal("authorization check failed", err))
			c.Abort()
			return
		}
		if !allowed {
			c.Error(errutil.Forbidden("scope does not allow this operation", nil))
			c.Abort()
			return
		}

		c.Set(callerKeyContext, key)
		c.Next()
	}
}

func callerKey(c *gin.Context) *apikey.APIKey {
	v, ok := c.Get(callerKeyContext)
	if !ok {
		return nil
	}
	key, _ := v.(*apikey.APIKey)
	return key
}

type RouterParams struct {
	fx.In
	Config   *config.Config
	Handler  *Handler
	Keys     *apikey.Service
	Enforcer *authz.Enforcer
	Health   health.HealthService
}

// ProvideRouter builds the gin engine served by pkg/server.
func ProvideRouter(p RouterParams) http.Handler {
	if p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", p.Health.Liveness)
	r.GET("/readyz", p.Health.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1",
		middleware.Channel(),
		middleware.Error(),
		authenticate(p.Keys, p.Enforcer),
	)
	{
		v1.POST("/eligibilities", p.Handler.grantEligibility)
		v1.GET("/eligibilities/:id", p.Handler.getEligibility)
		v1.GET("/eligibilities/:id/preview", p.Handler.previewMint)
		v1.POST("/eligibilities/:id/mint", p.Handler.startMint)

		v1.GET("/operations/:id", p.Handler.getOperation)
		v1.POST("/operations/:id/regrant", p.Handler.regrantOperation)

		v1.POST("/forges", p.Handler.startForge)
		v1.GET("/forges/quote", p.Handler.quoteForge)
		v1.GET("/forges/:id", p.Handler.getForge)

		v1.GET("/holders/:ref/tokens", p.Handler.listHolderTokens)
		v1.GET("/holders/:ref/points", p.Handler.holderPoints)
		v1.POST("/holders/:ref/reconcile", p.Handler.reconcileHolder)

		v1.GET("/apikeys", p.Handler.listKeys)
		v1.POST("/apikeys", p.Handler.issueKey)
		v1.DELETE("/apikeys/:key_id", p.Handler.revokeKey)
	}

	return r
}

var Module = fx.Module("httpapi",
	fx.Provide(NewHandler),
	fx.Provide(ProvideRouter),
)
