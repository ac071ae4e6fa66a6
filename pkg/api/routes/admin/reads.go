package admin

import (
	"github.com/valyala/fasthttp"

	"pulsehub/pkg/api/router"
	"pulsehub/pkg/api/routes/common"
)

type Handlers struct {
	D *common.Deps
}

func New(d *common.Deps) *Handlers { return &Handlers{D: d} }

type StatsResponse struct {
	Connections   int `json:"connections"`
	Identities    int `json:"identities"`
	LivePresence  int `json:"live_presence"`
	OutboxPending int `json:"outbox_pending"`
}

func (h *Handlers) Health(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Content-Type", "application/json")
	_, _ = ctx.WriteString(`{"status":"ok","service":"pulsehub"}`)
}

func (h *Handlers) Stats(ctx *fasthttp.RequestCtx) {
	tr := router.SetupHandler(ctx, "admin_stats")
	defer tr.Finish()

	out := StatsResponse{
		Connections:  h.D.Sessions.Count(),
		Identities:   h.D.Sessions.Identities(),
		LivePresence: h.D.Presence.LiveCount(),
	}
	if h.D.Outbox != nil {
		n, err := h.D.Outbox.CountOutbox(ctx)
		if err != nil {
			router.WriteError(ctx, err)
			return
		}
		out.OutboxPending = n
	}
	_ = router.WriteJSON(ctx, out)
}
