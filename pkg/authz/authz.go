package authz

import (
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"trophymint/pkg/config"
)

// Roles understood by the built-in policy, least to most privileged.
// API key scopes map onto these as casbin subjects.
const (
	RoleReader  = "reader"
	RoleService = "service"
	RoleAdmin   = "admin"
)

const defaultModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch2(r.obj, p.obj) && regexMatch(r.act, p.act)
`

// defaultPolicy mirrors the route table in internal/httpapi. Objects are gin
// route templates, matched with keyMatch2.
var defaultPolicy = [][]string{
	{RoleReader, "/v1/eligibilities/:id", "GET"},
	{RoleReader, "/v1/eligibilities/:id/preview", "GET"},
	{RoleReader, "/v1/operations/:id", "GET"},
	{RoleReader, "/v1/forges/:id", "GET"},
	{RoleReader, "/v1/forges/quote", "GET"},
	{RoleReader, "/v1/holders/:ref/tokens", "GET"},
	{RoleReader, "/v1/holders/:ref/points", "GET"},
	{RoleService, "/v1/eligibilities", "POST"},
	{RoleService, "/v1/eligibilities/:id/mint", "POST"},
	{RoleService, "/v1/forges", "POST"},
	{RoleAdmin, "/v1/operations/:id/regrant", "POST"},
	{RoleAdmin, "/v1/holders/:ref/reconcile", "POST"},
	{RoleAdmin, "/v1/apikeys", "GET"},
	{RoleAdmin, "/v1/apikeys", "POST"},
	{RoleAdmin, "/v1/apikeys/:key_id", "DELETE"},
}

var defaultGrouping = [][]string{
	{RoleService, RoleReader},
	{RoleAdmin, RoleService},
}

type Enforcer struct {
	e *casbin.Enforcer
}

type Params struct {
	fx.In
	Config *config.Config
}

// New builds the enforcer from the configured model and policy files, or
// falls back to the built-in RBAC policy when none are configured.
func New(p Params) (*Enforcer, error) {
	ac := p.Config.AccessControl
	if ac.Model != "" && ac.Policy != "" {
		e, err := casbin.NewEnforcer(ac.Model, ac.Policy)
		if err != nil {
			return nil, err
		}

		zap.L().Info("✅ [Authz] policy loaded",
			zap.String("model", ac.Model),
			zap.String("policy", ac.Policy),
		)
		return &Enforcer{e: e}, nil
	}

	m, err := model.NewModelFromString(defaultModel)
	if err != nil {
		return nil, err
	}

	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}

	for _, rule := range defaultPolicy {
		if _, err := e.AddPolicy(rule[0], rule[1], rule[2]); err != nil {
			return nil, err
		}
	}
	for _, g := range defaultGrouping {
		if _, err := e.AddGroupingPolicy(g[0], g[1]); err != nil {
			return nil, err
		}
	}

	return &Enforcer{e: e}, nil
}

// Allowed reports whether any of the presented scopes may perform act on obj.
func (a *Enforcer) Allowed(scopes []string, obj, act string) (bool, error) {
	for _, scope := range scopes {
		ok, err := a.e.Enforce(scope, obj, act)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

var Module = fx.Module("authz",
	fx.Provide(New),
)
