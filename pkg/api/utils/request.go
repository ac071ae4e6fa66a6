package utils

import (
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"
)

// ExtractAPIKey reads the key from the Authorization bearer, the X-API-Key
// header, or the api_key query param on the live socket route.
func ExtractAPIKey(ctx *fasthttp.RequestCtx) string {
	auth := GetHeader(ctx, "Authorization")
	if auth != "" {
		parts := strings.Fields(auth)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	if key := GetHeader(ctx, "X-API-Key"); key != "" {
		return key
	}
	// browsers cannot set headers on websocket upgrades
	if HasPath(ctx, "/v1/live") {
		return GetQuery(ctx, "api_key")
	}
	return ""
}

// Returns the value of the X-Role-Name header, lowercased
func GetApiRole(ctx *fasthttp.RequestCtx) string {
	return strings.ToLower(GetHeader(ctx, "X-Role-Name"))
}

// GetUserID reads X-User-ID, falling back to the user query param.
func GetUserID(ctx *fasthttp.RequestCtx) string {
	if v := GetHeader(ctx, "X-User-ID"); v != "" {
		return v
	}
	return GetQuery(ctx, "user")
}

// GetUserSignature reads X-User-Signature, falling back to the sig query param.
func GetUserSignature(ctx *fasthttp.RequestCtx) string {
	if v := GetHeader(ctx, "X-User-Signature"); v != "" {
		return v
	}
	return GetQuery(ctx, "sig")
}

func IsBackendRole(ctx *fasthttp.RequestCtx) bool {
	return GetApiRole(ctx) == "backend"
}

func IsAdminRole(ctx *fasthttp.RequestCtx) bool {
	return GetApiRole(ctx) == "admin"
}

// GetHeader returns header value with trimming
func GetHeader(ctx *fasthttp.RequestCtx, key string) string {
	return strings.TrimSpace(string(ctx.Request.Header.Peek(key)))
}

// GetQuery returns query parameter value with trimming
func GetQuery(ctx *fasthttp.RequestCtx, key string) string {
	return strings.TrimSpace(string(ctx.QueryArgs().Peek(key)))
}

// GetQueryInt returns query parameter value as integer, with default fallback
func GetQueryInt(ctx *fasthttp.RequestCtx, key string, defaultValue int) int {
	value := GetQuery(ctx, key)
	if value == "" {
		return defaultValue
	}
	if v, err := strconv.Atoi(value); err == nil {
		return v
	}
	return defaultValue
}

// GetQueryUint parses an unsigned query param; ok is false when it is absent.
func GetQueryUint(ctx *fasthttp.RequestCtx, key string) (v uint64, ok bool, err error) {
	value := GetQuery(ctx, key)
	if value == "" {
		return 0, false, nil
	}
	v, err = strconv.ParseUint(value, 10, 64)
	return v, err == nil, err
}

// GetQueryBool treats 1/true/yes as true.
func GetQueryBool(ctx *fasthttp.RequestCtx, key string) bool {
	switch strings.ToLower(GetQuery(ctx, key)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// GetPath returns the request path as string
func GetPath(ctx *fasthttp.RequestCtx) string {
	return string(ctx.Path())
}

// HasPathPrefix checks if the request path starts with the given prefix
func HasPathPrefix(ctx *fasthttp.RequestCtx, prefix string) bool {
	return strings.HasPrefix(GetPath(ctx), prefix)
}

func HasPath(ctx *fasthttp.RequestCtx, path string) bool {
	return GetPath(ctx) == path
}
