package auth

import (
	"net"
	"strings"

	"github.com/valyala/fasthttp"

	"pulsehub/pkg/api/router"
	"pulsehub/pkg/api/utils"
	"pulsehub/pkg/errs"
	"pulsehub/pkg/logger"
	"pulsehub/pkg/telemetry"
)

// AuthenticateRequestMiddleware applies CORS, the IP whitelist, API key
// roles, frontend route restrictions and per-key rate limits. The returned
// stop func releases the limiter pool.
func AuthenticateRequestMiddleware(cfg SecConfig) (func(fasthttp.RequestHandler) fasthttp.RequestHandler, func()) {
	limiters := NewLimiterPool(cfg.RPS, cfg.Burst)
	mw := func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			path := utils.GetPath(ctx)
			method := string(ctx.Method())

			// CORS preflight
			origin := utils.GetHeader(ctx, "Origin")
			if origin != "" && originAllowed(origin, cfg.AllowedOrigins) {
				ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
				ctx.Response.Header.Set("Vary", "Origin")
				ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
				ctx.Response.Header.Set("Access-Control-Max-Age", "600")
				ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key,X-User-ID,X-User-Signature")
				ctx.Response.Header.Set("Access-Control-Expose-Headers", "X-Role-Name")
			}
			if method == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}

			// IP whitelist
			if len(cfg.IPWhitelist) > 0 {
				ip := clientIP(ctx)
				if !ipWhitelisted(ip, cfg.IPWhitelist) {
					router.WriteError(ctx, errs.Forbidden("auth.ip", "forbidden"))
					logger.Warn("request_blocked", "reason", "ip_not_whitelisted", "ip", ip, "path", path)
					return
				}
			}

			// probes need no key
			if publicAllowedPath(method, path) {
				ctx.Request.Header.Set("X-Role-Name", RoleUnauth.String())
				next(ctx)
				return
			}

			tr := telemetry.Track("auth.authenticate")
			role, key, hasAPIKey := authenticate(ctx, cfg)
			tr.Finish()

			if role == RoleUnauth || !hasAPIKey {
				router.WriteError(ctx, errs.Unauthorized("auth.api_key", "unauthorized"))
				logger.Warn("request_unauthorized", "path", path, "remote", ctx.RemoteAddr().String())
				return
			}
			ctx.Request.Header.Set("X-Role-Name", role.String())

			if role == RoleFrontend && !frontendAllowed(method, path) {
				router.WriteError(ctx, errs.Forbidden("auth.route", "forbidden"))
				logger.Warn("request_forbidden", "reason", "frontend_not_allowed", "path", path)
				return
			}
			if strings.HasPrefix(path, "/admin") && role != RoleAdmin {
				router.WriteError(ctx, errs.Forbidden("auth.route", "forbidden"))
				logger.Warn("request_forbidden", "reason", "admin_only", "path", path, "role", role.String())
				return
			}

			if !limiters.Allow(key) {
				router.WriteJSONError(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded")
				logger.Warn("rate_limited", "path", path, "role", role.String())
				return
			}

			logger.Debug("request_allowed", "method", method, "path", path, "role", role.String())
			next(ctx)
		}
	}
	return mw, limiters.Shutdown
}

func publicAllowedPath(method, path string) bool {
	return method == fasthttp.MethodGet && (path == "/healthz" || path == "/readyz")
}

func clientIP(ctx *fasthttp.RequestCtx) string {
	host := ctx.RemoteAddr().String()
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	return h
}

func authenticate(ctx *fasthttp.RequestCtx, cfg SecConfig) (Role, string, bool) {
	key := utils.ExtractAPIKey(ctx)
	if key == "" {
		return RoleUnauth, clientIP(ctx), false
	}
	if _, ok := cfg.AdminKeys[key]; ok {
		return RoleAdmin, key, true
	}
	if _, ok := cfg.BackendKeys[key]; ok {
		return RoleBackend, key, true
	}
	if _, ok := cfg.FrontendKeys[key]; ok {
		return RoleFrontend, key, true
	}
	return RoleUnauth, key, true
}

// frontend keys reach the live socket and the identity-scoped REST surface;
// thread creation, dispatch, announcements, signing and membership writes
// stay backend only.
func frontendAllowed(method, path string) bool {
	switch {
	case path == "/v1/live":
		return method == fasthttp.MethodGet
	case path == "/v1/threads":
		return method == fasthttp.MethodGet
	case strings.HasPrefix(path, "/v1/threads/"):
		return method == fasthttp.MethodGet || method == fasthttp.MethodPost
	case path == "/v1/unread":
		return method == fasthttp.MethodGet
	case path == "/v1/notifications":
		return method == fasthttp.MethodGet
	case strings.HasPrefix(path, "/v1/notifications/"):
		return method == fasthttp.MethodPost
	case strings.HasPrefix(path, "/v1/presence/"):
		return method == fasthttp.MethodGet
	}
	return false
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func ipWhitelisted(ip string, list []string) bool {
	for _, w := range list {
		if ip == w {
			return true
		}
	}
	return false
}
