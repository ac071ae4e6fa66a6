package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
)

func request(method, path string) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	return &ctx
}

func TestRouter_MatchesParamsAndRoute(t *testing.T) {
	r := New()
	var got string
	r.GET("/v1/threads/{threadId}/messages", func(ctx *fasthttp.RequestCtx) {
		got = ctx.UserValue("threadId").(string)
	})

	ctx := request("GET", "/v1/threads/t-1/messages")
	r.Handler(ctx)

	assert.Equal(t, "t-1", got)
	assert.Equal(t, "/v1/threads/{threadId}/messages", Route(ctx))
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}

func TestRouter_FirstRegisteredWins(t *testing.T) {
	r := New()
	hit := ""
	r.POST("/v1/notifications/read-all", func(*fasthttp.RequestCtx) { hit = "all" })
	r.POST("/v1/notifications/{id}", func(*fasthttp.RequestCtx) { hit = "one" })

	r.Handler(request("POST", "/v1/notifications/read-all"))
	assert.Equal(t, "all", hit)

	r.Handler(request("POST", "/v1/notifications/abc"))
	assert.Equal(t, "one", hit)
}

func TestRouter_NotFoundAndMethodNotAllowed(t *testing.T) {
	r := New()
	r.GET("/healthz", func(*fasthttp.RequestCtx) {})

	ctx := request("POST", "/healthz")
	r.Handler(ctx)
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, ctx.Response.StatusCode())

	ctx = request("GET", "/nope")
	r.Handler(ctx)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
	assert.Equal(t, "unmatched", Route(ctx))

	r.NotFound(func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(fasthttp.StatusTeapot) })
	ctx = request("GET", "/nope")
	r.Handler(ctx)
	assert.Equal(t, fasthttp.StatusTeapot, ctx.Response.StatusCode())
}

func TestRouter_EmptyParamDoesNotMatch(t *testing.T) {
	r := New()
	called := false
	r.GET("/v1/presence/{scope}", func(*fasthttp.RequestCtx) { called = true })

	ctx := request("GET", "/v1/presence//")
	r.Handler(ctx)
	assert.False(t, called)
}
