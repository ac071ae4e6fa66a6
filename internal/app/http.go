package app

import (
	"context"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"pulsehub/pkg/api"
	apirouter "pulsehub/pkg/api/router"
	"pulsehub/pkg/api/routes/common"
	"pulsehub/pkg/auth"
	"pulsehub/pkg/config/banner"
	"pulsehub/pkg/logger"
	"pulsehub/pkg/metrics"
	"pulsehub/pkg/router"
)

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "" && a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.PrintWithEff(a.eff, verStr)
}

// readyzHandlerFast reports not ready while a store is down or the disk is
// over its high-water mark.
func (a *App) readyzHandlerFast(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	if !a.store.Ready() {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		_, _ = ctx.WriteString(`{"status":"not ready","reason":"store"}`)
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.notes.Ping(pingCtx); err != nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		_, _ = ctx.WriteString(`{"status":"not ready","reason":"notifications"}`)
		return
	}
	if !a.hwSensor.Healthy() {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		_, _ = ctx.WriteString(`{"status":"not ready","reason":"disk"}`)
		return
	}
	ver := a.version
	if ver == "" {
		ver = "dev"
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	_, _ = ctx.WriteString(`{"status":"ok","version":"` + ver + `"}`)
}

func (a *App) healthzHandlerFast(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	_, _ = ctx.WriteString(`{"status":"ok"}`)
}

// observe records request latency by matched route.
func observe(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		logger.LogRequestFast(ctx)
		start := time.Now()
		next(ctx)
		metrics.HTTPRequests.WithLabelValues(
			string(ctx.Method()),
			router.Route(ctx),
			strconv.Itoa(ctx.Response.StatusCode()),
		).Observe(time.Since(start).Seconds())
	}
}

// handler builds the routed, authenticated request handler.
func (a *App) handler() fasthttp.RequestHandler {
	sec := auth.SecConfigFrom(a.eff.Config)

	r := router.New()
	r.GET("/healthz", a.healthzHandlerFast)
	r.GET("/readyz", a.readyzHandlerFast)
	r.GET("/v1/live", a.gateway.Serve)
	api.RegisterRoutes(r, &common.Deps{
		Messaging:   a.messaging,
		Threads:     a.threads,
		Reads:       a.reads,
		Notify:      a.dispatcher,
		Presence:    a.presence,
		Sessions:    a.sessions,
		Directory:   a.dir,
		Outbox:      a.store,
		SigningKeys: sec.SigningKeys,
	})
	r.NotFound(func(ctx *fasthttp.RequestCtx) {
		apirouter.WriteJSONError(ctx, fasthttp.StatusNotFound, "not found")
	})

	mw, stop := auth.AuthenticateRequestMiddleware(sec)
	a.stopLimiter = stop

	h := auth.RequireSignedIdentity(sec)(r.Handler)
	h = mw(h)
	return observe(h)
}

// startHTTP binds the listener and serves in the background, returning a
// channel that delivers the serve error.
func (a *App) startHTTP() (<-chan error, error) {
	const (
		readBufferSize       = 64 * 1024        // 64 KiB read buffer per connection
		maxRequestBodySize   = 1 * 1024 * 1024  // 1 MiB max request body
		readTimeout          = 10 * time.Second // timeout for reading request
		writeTimeout         = 10 * time.Second // timeout for writing response
		idleTimeout          = 30 * time.Second // max keep-alive idle duration per connection
		maxKeepaliveDuration = 2 * time.Minute  // max duration for keep-alive connection
	)
	a.srvFast = &fasthttp.Server{
		Name:                 "pulsehub",
		Handler:              a.handler(),
		ReadBufferSize:       readBufferSize,
		MaxRequestBodySize:   maxRequestBodySize,
		ReduceMemoryUsage:    true,
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		IdleTimeout:          idleTimeout,
		MaxKeepaliveDuration: maxKeepaliveDuration,
		CloseOnShutdown:      true,
	}

	ln, err := a.listen(a.eff.Addr)
	if err != nil {
		return nil, err
	}
	logger.Info("http_listening", "addr", ln.Addr().String())

	// TLS is terminated by a proxy in production.
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.srvFast.Serve(ln)
	}()
	return errCh, nil
}

func (a *App) registerGauges() {
	metrics.GaugeFunc("connections", "Live websocket connections.", func() float64 {
		return float64(a.sessions.Count())
	})
	metrics.GaugeFunc("connected_identities", "Identities with at least one live connection.", func() float64 {
		return float64(a.sessions.Identities())
	})
	metrics.GaugeFunc("presence_live_pairs", "Live (identity, scope) presence pairs.", func() float64 {
		return float64(a.presence.LiveCount())
	})
	metrics.GaugeFunc("outbox_pending", "SMS jobs parked in the outbox.", func() float64 {
		n, err := a.store.CountOutbox(context.Background())
		if err != nil {
			return 0
		}
		return float64(n)
	})
	metrics.GaugeFunc("pebble_disk_usage_bytes", "On-disk size of the pebble store.", func() float64 {
		m := a.store.Metrics()
		if m == nil {
			return 0
		}
		return float64(m.DiskSpaceUsage())
	})
	metrics.GaugeFunc("store_pending_writes", "Batches committed since the store opened.", func() float64 {
		return float64(a.store.PendingWrites())
	})
	if a.sms != nil {
		metrics.GaugeFunc("sms_queue_depth", "SMS jobs waiting for a worker.", func() float64 {
			return float64(a.sms.Len())
		})
	}
}
