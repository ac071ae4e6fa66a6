package backend

import (
	"encoding/json"
	"strings"

	"github.com/valyala/fasthttp"

	"pulsehub/pkg/api/router"
	"pulsehub/pkg/api/routes/common"
	"pulsehub/pkg/api/utils"
	"pulsehub/pkg/auth"
	"pulsehub/pkg/errs"
	"pulsehub/pkg/logger"
	"pulsehub/pkg/membership"
	"pulsehub/pkg/models"
	"pulsehub/pkg/notify"
	"pulsehub/pkg/threads"
)

// Handlers serve the operator routes reachable with backend keys only.
type Handlers struct {
	D *common.Deps
}

func New(d *common.Deps) *Handlers { return &Handlers{D: d} }

type SignRequest struct {
	UserID string `json:"userId"`
}

type DispatchRequest struct {
	Recipient string                  `json:"recipient"`
	Type      models.NotificationType `json:"type"`
	Thread    string                  `json:"thread,omitempty"`
	Payload   json.RawMessage         `json:"payload,omitempty"`
}

type AnnounceRequest struct {
	From string `json:"from"`
	Text string `json:"text"`
}

type MemberRequest struct {
	Role membership.Role `json:"role"`
}

func (h *Handlers) Sign(ctx *fasthttp.RequestCtx) {
	tr := router.SetupHandler(ctx, "sign")
	defer tr.Finish()

	if !utils.IsBackendRole(ctx) {
		logger.Warn("sign_forbidden", "remote", ctx.RemoteAddr().String())
		router.WriteError(ctx, errs.Forbidden("api.sign", "forbidden"))
		return
	}
	var req SignRequest
	if !router.DecodeBodyOrFail(ctx, &req) {
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || len(req.UserID) > auth.MaxIdentityLength {
		router.WriteError(ctx, errs.Invalid("api.sign", "userId must be 1-128 characters"))
		return
	}
	key, ok := h.D.SigningKey()
	if !ok {
		logger.Error("sign_no_keys", "remote", ctx.RemoteAddr().String())
		router.WriteJSONError(ctx, fasthttp.StatusInternalServerError, "signing keys not configured")
		return
	}
	_ = router.WriteJSON(ctx, map[string]string{"userId": req.UserID, "signature": auth.CreateHMACSignature(req.UserID, key)})
}

func (h *Handlers) CreateThread(ctx *fasthttp.RequestCtx) {
	tr := router.SetupHandler(ctx, "create_thread")
	defer tr.Finish()

	var req threads.CreateRequest
	if !router.DecodeBodyOrFail(ctx, &req) {
		return
	}
	thread, err := h.D.Threads.CreateThread(ctx, req)
	if err != nil {
		router.WriteError(ctx, err)
		return
	}
	logger.Info("thread_created", "thread", thread.ID, "kind", thread.Kind, "scope", thread.Scope)
	router.WriteJSONStatus(ctx, fasthttp.StatusCreated, thread)
}

// DispatchNotification records a domain event notification such as a
// waitlist decision or a badge award.
func (h *Handlers) DispatchNotification(ctx *fasthttp.RequestCtx) {
	tr := router.SetupHandler(ctx, "dispatch_notification")
	defer tr.Finish()

	var req DispatchRequest
	if !router.DecodeBodyOrFail(ctx, &req) {
		return
	}
	id, err := h.D.Notify.Dispatch(ctx, notify.Request{
		Recipient: req.Recipient,
		Type:      req.Type,
		ThreadID:  req.Thread,
		Payload:   req.Payload,
	})
	if err != nil {
		router.WriteError(ctx, err)
		return
	}
	if id == "" {
		_ = router.WriteJSON(ctx, map[string]interface{}{"suppressed": true})
		return
	}
	router.WriteJSONStatus(ctx, fasthttp.StatusCreated, map[string]string{"id": id})
}

// Announce fans an announcement out to the approved members of a scope. The
// sender is the body's from, else the identity the request acts as.
func (h *Handlers) Announce(ctx *fasthttp.RequestCtx) {
	tr := router.SetupHandler(ctx, "announce")
	defer tr.Finish()

	scope, valid := router.ValidatePathParam(ctx, "scope")
	if !valid {
		return
	}
	var req AnnounceRequest
	if !router.DecodeBodyOrFail(ctx, &req) {
		return
	}
	from := strings.TrimSpace(req.From)
	if from == "" {
		id, err := auth.ResolveIdentity(ctx)
		if err != nil {
			router.WriteError(ctx, err)
			return
		}
		from = id
	}
	n, err := h.D.Notify.Announce(ctx, scope, from, req.Text)
	if err != nil {
		router.WriteError(ctx, err)
		return
	}
	_ = router.WriteJSON(ctx, map[string]interface{}{"scope": scope, "recipients": n})
}

// SetMemberRole updates a role in a directory the service owns.
func (h *Handlers) SetMemberRole(ctx *fasthttp.RequestCtx) {
	tr := router.SetupHandler(ctx, "set_member_role")
	defer tr.Finish()

	scope, valid := router.ValidatePathParam(ctx, "scope")
	if !valid {
		return
	}
	identity, valid := router.ValidatePathParam(ctx, "identity")
	if !valid {
		return
	}
	var req MemberRequest
	if !router.DecodeBodyOrFail(ctx, &req) {
		return
	}
	mut, ok := h.D.Directory.(membership.Mutable)
	if !ok {
		router.WriteError(ctx, errs.Conflict("api.set_member_role", "membership directory is managed upstream"))
		return
	}
	if err := mut.SetRole(scope, identity, req.Role); err != nil {
		router.WriteError(ctx, err)
		return
	}
	logger.Info("member_role_set", "scope", scope, "identity", identity, "role", req.Role)
	_ = router.WriteJSON(ctx, membership.Member{Identity: identity, Role: req.Role})
}
