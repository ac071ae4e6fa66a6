package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/valyala/fasthttp"

	"pulsehub/pkg/api/router"
	"pulsehub/pkg/api/utils"
	"pulsehub/pkg/config"
	"pulsehub/pkg/errs"
	"pulsehub/pkg/logger"
	"pulsehub/pkg/telemetry"
)

// caller role
type Role int

const (
	RoleUnauth Role = iota
	RoleFrontend
	RoleBackend
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleFrontend:
		return "frontend"
	case RoleBackend:
		return "backend"
	case RoleAdmin:
		return "admin"
	}
	return "unauth"
}

// MaxIdentityLength bounds signed identities.
const MaxIdentityLength = 128

const identityKey = "identity"

// creates an HMAC signature for a user ID
func CreateHMACSignature(userID, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}

// verifies a user ID against its HMAC signature using any of keys
func VerifyHMACSignature(userID, signature string, keys map[string]struct{}) bool {
	for k := range keys {
		expected := CreateHMACSignature(userID, k)
		if hmac.Equal([]byte(expected), []byte(signature)) {
			return true
		}
	}
	return false
}

// security config
type SecConfig struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
	IPWhitelist    []string
	BackendKeys    map[string]struct{}
	FrontendKeys   map[string]struct{}
	AdminKeys      map[string]struct{}
	// SigningKeys verify user signatures; backend keys sign.
	SigningKeys map[string]struct{}
}

// SecConfigFrom builds the request security config from cfg.
func SecConfigFrom(cfg *config.Config) SecConfig {
	sc := SecConfig{
		AllowedOrigins: append([]string{}, cfg.Server.CORS.AllowedOrigins...),
		RPS:            cfg.Server.RateLimit.RPS,
		Burst:          cfg.Server.RateLimit.Burst,
		IPWhitelist:    append([]string{}, cfg.Server.IPWhitelist...),
		BackendKeys:    map[string]struct{}{},
		FrontendKeys:   map[string]struct{}{},
		AdminKeys:      map[string]struct{}{},
		SigningKeys:    map[string]struct{}{},
	}
	for _, k := range cfg.Server.APIKeys.Backend {
		sc.BackendKeys[k] = struct{}{}
		sc.SigningKeys[k] = struct{}{}
	}
	for _, k := range cfg.Server.APIKeys.Frontend {
		sc.FrontendKeys[k] = struct{}{}
	}
	for _, k := range cfg.Server.APIKeys.Admin {
		sc.AdminKeys[k] = struct{}{}
	}
	return sc
}

// RequireSignedIdentity verifies X-User-ID / X-User-Signature (or the user
// and sig query params used by websocket clients) and stores the identity on
// the request. Backend callers may act for an identity without a signature.
func RequireSignedIdentity(cfg SecConfig) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			tr := telemetry.Track("auth.require_signed_identity")
			defer tr.Finish()

			role := utils.GetApiRole(ctx)
			userID := utils.GetUserID(ctx)
			sig := utils.GetUserSignature(ctx)

			// public routes carry no role
			if role != "frontend" && role != "backend" && role != "admin" {
				next(ctx)
				return
			}
			if role == "backend" && sig == "" {
				next(ctx)
				return
			}
			if role == "admin" && utils.HasPathPrefix(ctx, "/admin") && sig == "" {
				next(ctx)
				return
			}

			if sig == "" || userID == "" {
				logger.Warn("missing_signature_headers", "path", utils.GetPath(ctx), "remote", ctx.RemoteAddr().String())
				router.WriteError(ctx, errs.Unauthorized("auth.signature", "missing signature"))
				return
			}
			if len(userID) > MaxIdentityLength {
				router.WriteError(ctx, errs.Invalid("auth.signature", "identity too long"))
				return
			}

			tr.Mark("verify_signature")
			if !VerifyHMACSignature(userID, sig, cfg.SigningKeys) {
				logger.Warn("invalid_signature", "user", userID, "remote", ctx.RemoteAddr().String(), "path", utils.GetPath(ctx))
				router.WriteError(ctx, errs.Unauthorized("auth.signature", "invalid signature"))
				return
			}

			logger.Debug("signature_verified", "user", userID, "path", utils.GetPath(ctx))
			ctx.SetUserValue(identityKey, userID)
			next(ctx)
		}
	}
}

// ResolveIdentity returns the identity a request acts as: the verified
// signature when present, otherwise the X-User-ID header or user query param
// for backend callers.
func ResolveIdentity(ctx *fasthttp.RequestCtx) (string, error) {
	const op = "auth.resolve_identity"
	if v, ok := ctx.UserValue(identityKey).(string); ok && v != "" {
		return v, nil
	}
	if utils.IsBackendRole(ctx) {
		id := strings.TrimSpace(utils.GetUserID(ctx))
		switch {
		case id == "":
			return "", errs.Invalid(op, "identity required for backend requests")
		case len(id) > MaxIdentityLength:
			return "", errs.Invalid(op, "identity too long")
		}
		return id, nil
	}
	return "", errs.Unauthorized(op, "missing or invalid identity signature")
}
