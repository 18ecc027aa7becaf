// pkg/middleware/gate.go
package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"deskgate/pkg/access"
	"deskgate/pkg/config"
	"deskgate/pkg/metrics"
	"deskgate/pkg/token"
)

// Wire names shared with the frontend and downstream services.
const (
	SessionCookie = "session_token"
	TenantCookie  = "current_tenant"
	TenantHeader  = "X-Tenant-ID"

	HeaderUserID      = "x-user-id"
	HeaderTenantID    = "x-tenant-id"
	HeaderUserRole    = "x-user-role"
	HeaderPermissions = "x-user-permissions"
)

// Gate terminal states, used as metric labels and debug log fields.
const (
	outcomePublicAllowed   = "public_allowed"
	outcomeLandingRedirect = "landing_redirect"
	outcomeAuthRedirect    = "auth_route_redirect"
	outcomeUnauthenticated = "unauthenticated_redirect"
	outcomeVerifyFailed    = "verify_failed_redirect"
	outcomeTenantDenied    = "tenant_denied_redirect"
	outcomeAuthorized      = "authorized"
)

type GateConfig struct {
	Routes        config.Routes
	LoginPath     string
	DashboardPath string
	// BypassTenantVerification skips only the tenant access decision
	// (token verification always runs). Single branch, default strict;
	// replaces the debug middleware variant of the old frontend.
	BypassTenantVerification bool
}

// Gate classifies each request and either forwards it with trusted
// identity context attached or terminates it in a redirect. Auth
// failures never propagate past this middleware: downstream handlers
// only ever see AUTHORIZED requests.
func Gate(cfg GateConfig, codec *token.Codec, engine *access.Engine, revoked *RevocationList, log *zap.SugaredLogger) func(http.Handler) http.Handler {
	public := toSet(cfg.Routes.Public)
	authOnly := toSet(cfg.Routes.Auth)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Identity headers are only ever set by this gate; drop
			// whatever the client sent.
			for _, h := range []string{HeaderUserID, HeaderTenantID, HeaderUserRole, HeaderPermissions} {
				r.Header.Del(h)
			}

			path := r.URL.Path
			raw := tokenFromRequest(r)

			if _, ok := public[path]; ok {
				if path == cfg.Routes.Landing {
					target := cfg.LoginPath
					if raw != "" {
						target = cfg.DashboardPath
					}
					finish(outcomeLandingRedirect)
					http.Redirect(w, r, target, http.StatusFound)
					return
				}
				finish(outcomePublicAllowed)
				next.ServeHTTP(w, r)
				return
			}

			if _, ok := authOnly[path]; ok {
				if raw != "" {
					// Already signed in; skip the auth forms.
					finish(outcomeAuthRedirect)
					http.Redirect(w, r, cfg.DashboardPath, http.StatusFound)
					return
				}
				finish(outcomePublicAllowed)
				next.ServeHTTP(w, r)
				return
			}

			if !matchesPrefix(path, cfg.Routes.Protected) {
				// Unclassified paths fail open; every protected prefix
				// must be enumerated, never inferred.
				finish(outcomePublicAllowed)
				next.ServeHTTP(w, r)
				return
			}

			if raw == "" {
				finish(outcomeUnauthenticated)
				http.Redirect(w, r, cfg.LoginPath, http.StatusFound)
				return
			}

			cl, err := codec.Verify(raw)
			if err != nil {
				// A bad token invalidates the whole client session,
				// not just this request.
				log.Debugw("session token rejected", "path", path, "err", err)
				clearSessionCookies(w)
				finish(outcomeVerifyFailed)
				http.Redirect(w, r, cfg.LoginPath, http.StatusFound)
				return
			}
			if revoked.IsRevoked(r.Context(), cl.JTI) {
				clearSessionCookies(w)
				finish(outcomeVerifyFailed)
				http.Redirect(w, r, cfg.LoginPath, http.StatusFound)
				return
			}

			requested := requestedTenant(r, cl)
			if !cfg.BypassTenantVerification {
				dec := engine.Decide(r.Context(), cl, requested)
				if !dec.Allow {
					// Identity is valid, the tenant is not reachable:
					// route back to the caller's own area, no error page.
					log.Infow("tenant access denied", "sub", cl.Subject, "tenant", requested, "reason", dec.Reason)
					finish(outcomeTenantDenied)
					http.Redirect(w, r, cfg.DashboardPath, http.StatusFound)
					return
				}
			}

			perms := cl.Permissions
			if perms == nil {
				perms = []string{}
			}
			permsJSON, _ := json.Marshal(perms)
			r.Header.Set(HeaderUserID, cl.Subject)
			r.Header.Set(HeaderTenantID, requested)
			r.Header.Set(HeaderUserRole, cl.RoleID)
			r.Header.Set(HeaderPermissions, string(permsJSON))

			ctx := WithIdentity(r.Context(), Identity{
				Subject:     cl.Subject,
				TenantID:    requested,
				RoleID:      cl.RoleID,
				Permissions: perms,
			})
			finish(outcomeAuthorized)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func finish(outcome string) {
	metrics.GateOutcomes.WithLabelValues(outcome).Inc()
}

// tokenFromRequest prefers the session cookie, falling back to a
// bearer header for API clients.
func tokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("Bearer "):])
	}
	return ""
}

// requestedTenant resolves the tenant signal: header, then cookie, then
// the identity's own home tenant.
func requestedTenant(r *http.Request, cl token.Claims) string {
	if v := strings.TrimSpace(r.Header.Get(TenantHeader)); v != "" {
		return v
	}
	if c, err := r.Cookie(TenantCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return cl.HomeTenantID
}

func clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{SessionCookie, TenantCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
		})
	}
}

func toSet(list []string) map[string]struct{} {
	s := make(map[string]struct{}, len(list))
	for _, v := range list {
		s[v] = struct{}{}
	}
	return s
}

func matchesPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}
