package frontend

import (
	"github.com/valyala/fasthttp"

	"pulsehub/pkg/api/router"
	"pulsehub/pkg/api/routes/common"
	"pulsehub/pkg/api/utils"
	"pulsehub/pkg/errs"
	"pulsehub/pkg/membership"
	"pulsehub/pkg/models"
)

// Handlers serve the identity-scoped routes reachable with frontend keys.
type Handlers struct {
	D *common.Deps
}

func New(d *common.Deps) *Handlers { return &Handlers{D: d} }

func (h *Handlers) ReadThreadsList(ctx *fasthttp.RequestCtx) {
	identity, tr, ok := common.SetupIdentityHandler(ctx, "read_threads_list")
	if !ok {
		return
	}
	defer tr.Finish()

	list, err := h.D.Threads.ThreadsFor(ctx, identity)
	if err != nil {
		router.WriteError(ctx, err)
		return
	}
	if list == nil {
		list = []models.Thread{}
	}
	_ = router.WriteJSON(ctx, ThreadsListResponse{Threads: list})
}

func (h *Handlers) ReadThreadItem(ctx *fasthttp.RequestCtx) {
	identity, tr, ok := common.SetupIdentityHandler(ctx, "read_thread_item")
	if !ok {
		return
	}
	defer tr.Finish()

	threadID, valid := router.ValidatePathParam(ctx, "threadId")
	if !valid {
		return
	}
	thread, err := h.D.Threads.Thread(ctx, threadID)
	if err != nil {
		router.WriteError(ctx, err)
		return
	}
	tr.Mark("audience")
	in, err := h.D.Threads.InAudience(ctx, identity, thread)
	if err != nil {
		router.WriteError(ctx, err)
		return
	}
	if !in {
		router.WriteError(ctx, errs.Forbidden("api.read_thread", "not in the audience of this thread"))
		return
	}
	_ = router.WriteJSON(ctx, thread)
}

func (h *Handlers) ReadThreadMessages(ctx *fasthttp.RequestCtx) {
	identity, tr, ok := common.SetupIdentityHandler(ctx, "read_thread_messages")
	if !ok {
		return
	}
	defer tr.Finish()

	threadID, valid := router.ValidatePathParam(ctx, "threadId")
	if !valid {
		return
	}
	after, _, err := utils.GetQueryUint(ctx, "after")
	if err != nil {
		router.WriteError(ctx, errs.Invalid("api.read_messages", "after must be a sequence number"))
		return
	}
	limit := utils.GetQueryInt(ctx, "limit", 0)

	tr.Mark("history")
	msgs, err := h.D.Messaging.History(ctx, identity, threadID, after, limit)
	if err != nil {
		router.WriteError(ctx, err)
		return
	}
	_ = router.WriteJSON(ctx, MessagesResponse{Thread: threadID, Messages: msgs})
}

func (h *Handlers) ReadThreadUnread(ctx *fasthttp.RequestCtx) {
	identity, tr, ok := common.SetupIdentityHandler(ctx, "read_thread_unread")
	if !ok {
		return
	}
	defer tr.Finish()

	threadID, valid := router.ValidatePathParam(ctx, "threadId")
	if !valid {
		return
	}
	rs, err := h.D.Reads.State(ctx, identity, threadID)
	if err != nil {
		router.WriteError(ctx, err)
		return
	}
	_ = router.WriteJSON(ctx, rs)
}

func (h *Handlers) ReadUnreadSummary(ctx *fasthttp.RequestCtx) {
	identity, tr, ok := common.SetupIdentityHandler(ctx, "read_unread_summary")
	if !ok {
		return
	}
	defer tr.Finish()

	sum, err := h.D.Reads.Summary(ctx, identity)
	if err != nil {
		router.WriteError(ctx, err)
		return
	}
	_ = router.WriteJSON(ctx, sum)
}

func (h *Handlers) ReadNotifications(ctx *fasthttp.RequestCtx) {
	identity, tr, ok := common.SetupIdentityHandler(ctx, "read_notifications")
	if !ok {
		return
	}
	defer tr.Finish()

	list, err := h.D.Notify.List(ctx, identity, utils.GetQueryBool(ctx, "unread"), utils.GetQueryInt(ctx, "limit", 0))
	if err != nil {
		router.WriteError(ctx, err)
		return
	}
	tr.Mark("unread_count")
	unread, err := h.D.Notify.UnreadCount(ctx, identity)
	if err != nil {
		router.WriteError(ctx, err)
		return
	}
	_ = router.WriteJSON(ctx, NotificationsResponse{Notifications: list, Unread: unread})
}

// ReadPresence lists the live members of a scope the caller belongs to.
func (h *Handlers) ReadPresence(ctx *fasthttp.RequestCtx) {
	identity, tr, ok := common.SetupIdentityHandler(ctx, "read_presence")
	if !ok {
		return
	}
	defer tr.Finish()

	scope, valid := router.ValidatePathParam(ctx, "scope")
	if !valid {
		return
	}
	role, err := h.D.Directory.Role(ctx, identity, scope)
	if err != nil {
		router.WriteError(ctx, err)
		return
	}
	if role == membership.RoleNone {
		router.WriteError(ctx, errs.Forbidden("api.read_presence", "not a member of this scope"))
		return
	}
	live := h.D.Presence.LiveMembers(scope)
	if live == nil {
		live = []string{}
	}
	_ = router.WriteJSON(ctx, PresenceResponse{Scope: scope, Live: live})
}
