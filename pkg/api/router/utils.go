package router

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/valyala/fasthttp"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/telemetry"
)

// MaxBodyBytes caps REST request bodies.
const MaxBodyBytes = 256 * 1024

func PathParam(ctx *fasthttp.RequestCtx, param string) string {
	if v := ctx.UserValue(param); v != nil {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
		return fmt.Sprint(v)
	}
	return ""
}

// ValidatePathParam writes a 400 when param is missing.
func ValidatePathParam(ctx *fasthttp.RequestCtx, param string) (string, bool) {
	value := PathParam(ctx, param)
	if value == "" {
		WriteError(ctx, errs.Invalid("api.path", param+" missing"))
		return "", false
	}
	return value, true
}

// DecodeBodyOrFail decodes the JSON body into v, writing a 400 on failure.
func DecodeBodyOrFail(ctx *fasthttp.RequestCtx, v interface{}) bool {
	body := ctx.PostBody()
	if len(body) == 0 {
		WriteError(ctx, errs.Invalid("api.body", "request body required"))
		return false
	}
	if len(body) > MaxBodyBytes {
		WriteError(ctx, errs.Invalid("api.body", "request body too large"))
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		WriteError(ctx, errs.Invalid("api.body", "invalid JSON body"))
		return false
	}
	return true
}

// SetupHandler starts a trace for operationName and sets the JSON content type.
func SetupHandler(ctx *fasthttp.RequestCtx, operationName string) *telemetry.Trace {
	ctx.Response.Header.Set("Content-Type", "application/json")
	return telemetry.Track("api." + operationName)
}
