package router

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"pulsehub/pkg/errs"
)

// WriteJSON writes a JSON response.
func WriteJSON(ctx *fasthttp.RequestCtx, data interface{}) error {
	ctx.Response.Header.Set("Content-Type", "application/json")
	return json.NewEncoder(ctx).Encode(data)
}

// WriteJSONStatus writes data with the given status.
func WriteJSONStatus(ctx *fasthttp.RequestCtx, status int, data interface{}) {
	ctx.SetStatusCode(status)
	_ = WriteJSON(ctx, data)
}

// WriteJSONError writes a JSON error response for a bare status.
func WriteJSONError(ctx *fasthttp.RequestCtx, status int, message string) {
	body := errs.Body{Error: message, Code: kindForStatus(status), Retryable: status == fasthttp.StatusTooManyRequests}
	WriteJSONStatus(ctx, status, body)
}

// WriteError maps err onto its HTTP status and the shared error body.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	WriteJSONStatus(ctx, errs.HTTPStatus(err), errs.ToBody(err))
}

func kindForStatus(status int) errs.Kind {
	switch status {
	case fasthttp.StatusBadRequest:
		return errs.KindInvalid
	case fasthttp.StatusUnauthorized:
		return errs.KindUnauthorized
	case fasthttp.StatusForbidden:
		return errs.KindForbidden
	case fasthttp.StatusNotFound:
		return errs.KindNotFound
	case fasthttp.StatusConflict:
		return errs.KindConflict
	case fasthttp.StatusTooManyRequests:
		return errs.KindTransientDelivery
	case fasthttp.StatusServiceUnavailable:
		return errs.KindUpstreamUnavailable
	}
	return errs.KindUnknown
}
