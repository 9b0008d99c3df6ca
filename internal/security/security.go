// PluginHost - extensible plugin supervision fabric
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security implements SecurityGate (C10): the token-keyed allow
// predicate consulted before every path, HTTP request, and JSON-RPC
// message reaches ServiceMap.
package security

import (
	"strings"
	"sync"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/pluginhost/internal/config"
	"github.com/tomtom215/pluginhost/internal/errorkind"
	"github.com/tomtom215/pluginhost/internal/logging"
)

// rbacModel is the casbin RBAC-with-pattern-matching model the fabric
// enforces policy under once a Security-subsystem plugin installs
// policy rules. Kept as an embedded literal rather than a loaded file
// since the fabric ships no default policy of its own — the active
// Security plugin supplies one via LoadPolicy.
const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch2(r.obj, p.obj) && r.act == p.act
`

// Context is the resolved identity behind a token, handed back to
// callers so they can cache it against a channel.
type Context struct {
	Subject string
	Roles   []string
}

type claims struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles"`
	jwt.RegisteredClaims
}

// publicPaths never require a security context, regardless of whether a
// Security-subsystem handler is installed.
var publicPaths = []string{"/healthz", "/metrics"}

// Gate is SecurityGate (C10).
type Gate struct {
	cfg config.SecurityConfig

	mu     sync.RWMutex
	active *casbin.SyncedEnforcer

	generation int

	audit *logging.SecurityLogger
}

// New constructs the default Gate: no active handler, so only the
// controller's exists method is reachable, per §4.8.
func New(cfg config.SecurityConfig) *Gate {
	return &Gate{cfg: cfg, audit: logging.NewSecurityLogger()}
}

// InstallHandler replaces the default gate with an active casbin
// enforcer, called once a plugin claiming the Security subsystem role
// activates.
func (g *Gate) InstallHandler(policyPath string) error {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return errorkind.Wrap(errorkind.General, "failed to parse security model", err)
	}

	var enforcer *casbin.SyncedEnforcer
	if policyPath != "" {
		enforcer, err = casbin.NewSyncedEnforcer(m, policyPath)
	} else {
		enforcer, err = casbin.NewSyncedEnforcer(m)
	}
	if err != nil {
		return errorkind.Wrap(errorkind.General, "failed to construct security enforcer", err)
	}

	g.mu.Lock()
	g.active = enforcer
	g.generation++
	g.mu.Unlock()

	g.audit.LogSessionCreated("", policyPath, "casbin", "")
	return nil
}

// RevokeHandler reverts to the default gate, per §4.8: on the Security
// subsystem's deactivation every channel's cached context is no longer
// honored. Generation is bumped so callers caching a context alongside
// it can detect the revocation.
func (g *Gate) RevokeHandler() {
	g.mu.Lock()
	g.active = nil
	g.generation++
	g.mu.Unlock()

	g.audit.LogSessionRevoked("", "", "security-subsystem-deactivation", "")
}

// Generation returns a counter that increments every time the active
// handler is installed or revoked, so callers can invalidate a
// per-channel cached Context cheaply.
func (g *Gate) Generation() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.generation
}

// AllowedPath is the cheap string-prefix check applied before the more
// expensive request-level evaluation: true only for the small set of
// paths that never require a security context (health, metrics).
// Everything else falls through to AllowedRequest/AllowedRPC.
func (g *Gate) AllowedPath(path string) bool {
	for _, p := range publicPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// ExtractToken resolves a request's token from a bearer Authorization
// header value or a token query parameter, per §4.8.
func ExtractToken(authorizationHeader, queryToken string) string {
	if authorizationHeader != "" {
		if rest, ok := strings.CutPrefix(authorizationHeader, "Bearer "); ok {
			return rest
		}
		return authorizationHeader
	}
	return queryToken
}

// resolveContext parses token into a Context via the configured JWT
// secret. An empty token resolves to nil, not an error — anonymous
// access is valid and is itself subject to the enforce check below.
func (g *Gate) resolveContext(token string) (*Context, error) {
	if token == "" {
		return nil, nil
	}
	if g.cfg.JWTSigningSecret == "" {
		g.audit.LogLoginFailure("", "jwt", "", "", "no signing secret configured")
		return nil, errorkind.New(errorkind.PrivilegedRequest, "no signing secret configured")
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(g.cfg.JWTSigningSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		msg := "token failed validation"
		if err != nil {
			msg = err.Error()
		}
		g.audit.LogLoginFailure("", "jwt", "", "", msg)
		return nil, errorkind.Wrap(errorkind.PrivilegedRequest, "invalid token", err)
	}

	c, ok := parsed.Claims.(*claims)
	if !ok {
		g.audit.LogLoginFailure("", "jwt", "", "", "malformed token claims")
		return nil, errorkind.New(errorkind.PrivilegedRequest, "malformed token claims")
	}
	g.audit.LogLoginSuccess(c.Subject, c.Subject, "jwt", "", "")
	return &Context{Subject: c.Subject, Roles: c.Roles}, nil
}

// AllowedRPC is the method-level allow list for a JSON-RPC invocation,
// per §4.8.
func (g *Gate) AllowedRPC(callsign, method, token string) (*Context, error) {
	ctx, err := g.resolveContext(token)
	if err != nil {
		return nil, err
	}

	g.mu.RLock()
	active := g.active
	g.mu.RUnlock()

	if active == nil {
		if g.cfg.DefaultAllow {
			return ctx, nil
		}
		if callsign == "Controller" && method == "exists" {
			return ctx, nil
		}
		return nil, errorkind.New(errorkind.PrivilegedRequest, "security subsystem not active")
	}

	subject := "anonymous"
	if ctx != nil {
		subject = ctx.Subject
	}
	allowed, err := active.Enforce(subject, callsign+"."+method, "invoke")
	if err != nil {
		return nil, errorkind.Wrap(errorkind.General, "enforcement failed", err)
	}
	if !allowed {
		return nil, errorkind.New(errorkind.PrivilegedRequest, subject+" is not permitted to invoke "+callsign+"."+method)
	}
	return ctx, nil
}

// AllowedRequest validates an HTTP request's method/path/token, per
// §4.8. For a JSON-RPC-over-HTTP body, callers should also consult
// AllowedRPC with the body's callsign/method.
func (g *Gate) AllowedRequest(httpMethod, path, token string) (*Context, error) {
	if g.AllowedPath(path) {
		return nil, nil
	}

	ctx, err := g.resolveContext(token)
	if err != nil {
		return nil, err
	}

	g.mu.RLock()
	active := g.active
	g.mu.RUnlock()

	if active == nil {
		if g.cfg.DefaultAllow {
			return ctx, nil
		}
		return nil, errorkind.New(errorkind.PrivilegedRequest, "security subsystem not active")
	}

	subject := "anonymous"
	if ctx != nil {
		subject = ctx.Subject
	}
	allowed, err := active.Enforce(subject, path, strings.ToLower(httpMethod))
	if err != nil {
		return nil, errorkind.Wrap(errorkind.General, "enforcement failed", err)
	}
	if !allowed {
		return nil, errorkind.New(errorkind.PrivilegedRequest, subject+" is not permitted to "+httpMethod+" "+path)
	}
	return ctx, nil
}
