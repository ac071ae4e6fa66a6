package frontend

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"pulsehub/pkg/api/router"
	"pulsehub/pkg/api/routes/common"
	"pulsehub/pkg/errs"
)

func (h *Handlers) CreateMessage(ctx *fasthttp.RequestCtx) {
	identity, tr, ok := common.SetupIdentityHandler(ctx, "create_message")
	if !ok {
		return
	}
	defer tr.Finish()

	threadID, valid := router.ValidatePathParam(ctx, "threadId")
	if !valid {
		return
	}
	var req CreateMessageRequest
	if !router.DecodeBodyOrFail(ctx, &req) {
		return
	}

	tr.Mark("send")
	msg, err := h.D.Messaging.Send(ctx, identity, threadID, req.Body, req.Ref)
	if err != nil {
		body := errs.ToBody(err)
		body.Ref = req.Ref
		router.WriteJSONStatus(ctx, errs.HTTPStatus(err), body)
		return
	}
	router.WriteJSONStatus(ctx, fasthttp.StatusCreated, msg)
}

// MarkThreadRead marks the thread read up to seq, or fully without one.
func (h *Handlers) MarkThreadRead(ctx *fasthttp.RequestCtx) {
	identity, tr, ok := common.SetupIdentityHandler(ctx, "mark_thread_read")
	if !ok {
		return
	}
	defer tr.Finish()

	threadID, valid := router.ValidatePathParam(ctx, "threadId")
	if !valid {
		return
	}
	var req MarkReadRequest
	if body := ctx.PostBody(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			router.WriteError(ctx, errs.Invalid("api.mark_read", "invalid JSON body"))
			return
		}
	}
	rs, err := h.D.Messaging.MarkRead(ctx, identity, threadID, req.Seq)
	if err != nil {
		router.WriteError(ctx, err)
		return
	}
	_ = router.WriteJSON(ctx, rs)
}

func (h *Handlers) MarkNotificationRead(ctx *fasthttp.RequestCtx) {
	identity, tr, ok := common.SetupIdentityHandler(ctx, "mark_notification_read")
	if !ok {
		return
	}
	defer tr.Finish()

	id, valid := router.ValidatePathParam(ctx, "id")
	if !valid {
		return
	}
	if err := h.D.Notify.MarkAsRead(ctx, identity, id); err != nil {
		router.WriteError(ctx, err)
		return
	}
	_ = router.WriteJSON(ctx, map[string]interface{}{"id": id, "read": true})
}

func (h *Handlers) MarkAllNotificationsRead(ctx *fasthttp.RequestCtx) {
	identity, tr, ok := common.SetupIdentityHandler(ctx, "mark_all_notifications_read")
	if !ok {
		return
	}
	defer tr.Finish()

	n, err := h.D.Notify.MarkAllAsRead(ctx, identity)
	if err != nil {
		router.WriteError(ctx, err)
		return
	}
	_ = router.WriteJSON(ctx, map[string]int64{"updated": n})
}
