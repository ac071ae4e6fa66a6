package api

import (
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"pulsehub/pkg/api/routes/admin"
	"pulsehub/pkg/api/routes/backend"
	"pulsehub/pkg/api/routes/common"
	"pulsehub/pkg/api/routes/frontend"
	"pulsehub/pkg/router"
)

// wrapHTTPHandler wraps an http.Handler to work with fasthttp.
func wrapHTTPHandler(h http.Handler) fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(h)
}

// RegisterRoutes wires the REST surface onto r.
func RegisterRoutes(r *router.Router, d *common.Deps) {
	fe := frontend.New(d)
	be := backend.New(d)
	ad := admin.New(d)

	// identity signing
	r.POST("/v1/sign", be.Sign)

	// threads
	r.POST("/v1/threads", be.CreateThread)
	r.GET("/v1/threads", fe.ReadThreadsList)
	r.GET("/v1/threads/{threadId}", fe.ReadThreadItem)
	r.GET("/v1/threads/{threadId}/messages", fe.ReadThreadMessages)
	r.POST("/v1/threads/{threadId}/messages", fe.CreateMessage)
	r.POST("/v1/threads/{threadId}/read", fe.MarkThreadRead)
	r.GET("/v1/threads/{threadId}/unread", fe.ReadThreadUnread)
	r.GET("/v1/unread", fe.ReadUnreadSummary)

	// notifications; read-all before the {id} route
	r.GET("/v1/notifications", fe.ReadNotifications)
	r.POST("/v1/notifications", be.DispatchNotification)
	r.POST("/v1/notifications/read-all", fe.MarkAllNotificationsRead)
	r.POST("/v1/notifications/{id}/read", fe.MarkNotificationRead)

	// scopes
	r.GET("/v1/presence/{scope}", fe.ReadPresence)
	r.POST("/v1/scopes/{scope}/announcements", be.Announce)
	r.PUT("/v1/scopes/{scope}/members/{identity}", be.SetMemberRole)

	// admin
	r.GET("/admin/health", ad.Health)
	r.GET("/admin/stats", ad.Stats)
	r.GET("/admin/metrics", wrapHTTPHandler(promhttp.Handler()))
	r.GET("/admin/debug/pprof/", wrapHTTPHandler(http.HandlerFunc(pprof.Index)))
	r.GET("/admin/debug/pprof/cmdline", wrapHTTPHandler(http.HandlerFunc(pprof.Cmdline)))
	r.GET("/admin/debug/pprof/profile", wrapHTTPHandler(http.HandlerFunc(pprof.Profile)))
	r.GET("/admin/debug/pprof/symbol", wrapHTTPHandler(http.HandlerFunc(pprof.Symbol)))
	r.GET("/admin/debug/pprof/trace", wrapHTTPHandler(http.HandlerFunc(pprof.Trace)))
}
