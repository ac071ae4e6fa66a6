package api

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"pulsehub/pkg/api/routes/common"
	"pulsehub/pkg/auth"
	"pulsehub/pkg/fanout"
	"pulsehub/pkg/membership"
	"pulsehub/pkg/messaging"
	"pulsehub/pkg/models"
	"pulsehub/pkg/notify"
	"pulsehub/pkg/presence"
	"pulsehub/pkg/readstate"
	"pulsehub/pkg/router"
	"pulsehub/pkg/session"
	"pulsehub/pkg/store"
	"pulsehub/pkg/threads"
	"pulsehub/pkg/timeutil"
)

const (
	backendKey  = "backend-key"
	frontendKey = "frontend-key"
	adminKey    = "admin-key"
)

type harness struct {
	client *fasthttp.Client
	deps   *common.Deps
	dir    *membership.StaticDirectory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	notes, err := notify.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = notes.Close() })

	dir := membership.NewStatic()
	require.NoError(t, dir.Apply(membership.Seed{Scopes: map[string]membership.ScopeSeed{
		"acme": {Founder: "founder", Members: map[string]membership.Role{
			"alice": membership.RoleApproved,
			"bob":   membership.RoleApproved,
		}},
	}}))

	clock := timeutil.NewFake(time.Unix(1_700_000_000, 0))
	reg := session.NewRegistry(session.Options{Shards: 2, OutboundBuffer: 64, Clock: clock})
	rt := threads.NewRouter(st, dir, reg, 2)
	engine := fanout.New(reg, rt)
	reads := readstate.New(st, rt, engine, clock)
	dispatcher := notify.NewDispatcher(notes, rt, engine, dir, notify.Options{Clock: clock})
	pres := presence.New(presence.Options{HeartbeatInterval: time.Second, Clock: clock, Sessions: reg})
	svc := messaging.New(messaging.Deps{
		Store: st, Router: rt, Engine: engine, Reads: reads, Notify: dispatcher,
		Presence: pres, Sessions: reg, Directory: dir, Clock: clock,
	})

	deps := &common.Deps{
		Messaging: svc, Threads: rt, Reads: reads, Notify: dispatcher, Presence: pres,
		Sessions: reg, Directory: dir, Outbox: st,
		SigningKeys: map[string]struct{}{backendKey: {}},
	}

	sec := auth.SecConfig{
		RPS: 1000, Burst: 1000,
		BackendKeys:  map[string]struct{}{backendKey: {}},
		FrontendKeys: map[string]struct{}{frontendKey: {}},
		AdminKeys:    map[string]struct{}{adminKey: {}},
		SigningKeys:  map[string]struct{}{backendKey: {}},
	}
	r := router.New()
	RegisterRoutes(r, deps)
	mw, stop := auth.AuthenticateRequestMiddleware(sec)
	t.Cleanup(stop)

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: mw(auth.RequireSignedIdentity(sec)(r.Handler))}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	client := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	return &harness{client: client, deps: deps, dir: dir}
}

type call struct {
	method, path, key, user string
	body                    interface{}
}

func (h *harness) do(t *testing.T, c call, out interface{}) int {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://pulsehub" + c.path)
	req.Header.SetMethod(c.method)
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}
	if c.user != "" {
		req.Header.Set("X-User-ID", c.user)
		if c.key == frontendKey {
			req.Header.Set("X-User-Signature", auth.CreateHMACSignature(c.user, backendKey))
		}
	}
	if c.body != nil {
		b, err := json.Marshal(c.body)
		require.NoError(t, err)
		req.Header.SetContentType("application/json")
		req.SetBody(b)
	}
	require.NoError(t, h.client.DoTimeout(req, resp, 5*time.Second))
	if out != nil && len(resp.Body()) > 0 {
		require.NoError(t, json.Unmarshal(resp.Body(), out), string(resp.Body()))
	}
	return resp.StatusCode()
}

func (h *harness) createChannel(t *testing.T) models.Thread {
	t.Helper()
	var th models.Thread
	code := h.do(t, call{method: "POST", path: "/v1/threads", key: backendKey, body: threads.CreateRequest{
		ID: "general", Kind: models.KindChannel, Scope: "acme", Title: "General",
	}}, &th)
	require.Equal(t, fasthttp.StatusCreated, code)
	return th
}

func TestREST_MessageFlowAndUnread(t *testing.T) {
	h := newHarness(t)
	th := h.createChannel(t)

	var msg models.Message
	code := h.do(t, call{method: "POST", path: "/v1/threads/" + th.ID + "/messages", key: frontendKey, user: "alice",
		body: map[string]string{"body": "hello", "ref": "c1"}}, &msg)
	require.Equal(t, fasthttp.StatusCreated, code)
	assert.Equal(t, uint64(1), msg.Seq)
	assert.Equal(t, "c1", msg.Ref)

	var history struct {
		Messages []models.Message `json:"messages"`
	}
	code = h.do(t, call{method: "GET", path: "/v1/threads/" + th.ID + "/messages?after=0&limit=10", key: frontendKey, user: "bob"}, &history)
	require.Equal(t, fasthttp.StatusOK, code)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "hello", history.Messages[0].Body)

	var rs models.ReadState
	code = h.do(t, call{method: "GET", path: "/v1/threads/" + th.ID + "/unread", key: frontendKey, user: "bob"}, &rs)
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, uint64(1), rs.Unread)

	code = h.do(t, call{method: "POST", path: "/v1/threads/" + th.ID + "/read", key: frontendKey, user: "bob"}, &rs)
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, uint64(0), rs.Unread)
	assert.Equal(t, uint64(1), rs.LastReadSeq)

	var sum struct {
		TotalUnread uint64 `json:"total_unread"`
	}
	code = h.do(t, call{method: "GET", path: "/v1/unread", key: frontendKey, user: "bob"}, &sum)
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, uint64(0), sum.TotalUnread)
}

func TestREST_ErrorsCarryKindAndRef(t *testing.T) {
	h := newHarness(t)
	th := h.createChannel(t)

	var body struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		Retryable bool   `json:"retryable"`
		Ref       string `json:"ref"`
	}
	code := h.do(t, call{method: "POST", path: "/v1/threads/" + th.ID + "/messages", key: frontendKey, user: "stranger",
		body: map[string]string{"body": "hi", "ref": "r9"}}, &body)
	assert.Equal(t, fasthttp.StatusForbidden, code)
	assert.Equal(t, "forbidden", body.Code)
	assert.Equal(t, "r9", body.Ref)
	assert.False(t, body.Retryable)

	code = h.do(t, call{method: "GET", path: "/v1/threads/missing/messages", key: frontendKey, user: "alice"}, &body)
	assert.Equal(t, fasthttp.StatusNotFound, code)

	code = h.do(t, call{method: "POST", path: "/v1/threads/" + th.ID + "/messages", key: frontendKey, user: "alice",
		body: map[string]string{"body": ""}}, &body)
	assert.Equal(t, fasthttp.StatusBadRequest, code)
	assert.Equal(t, "invalid", body.Code)
}

func TestREST_NotificationsLifecycle(t *testing.T) {
	h := newHarness(t)

	var created map[string]string
	code := h.do(t, call{method: "POST", path: "/v1/notifications", key: backendKey,
		body: map[string]interface{}{"recipient": "alice", "type": "waitlist_approved", "payload": map[string]string{"scope": "acme"}}}, &created)
	require.Equal(t, fasthttp.StatusCreated, code)
	require.NotEmpty(t, created["id"])

	var list struct {
		Notifications []models.Notification `json:"notifications"`
		Unread        int                   `json:"unread"`
	}
	code = h.do(t, call{method: "GET", path: "/v1/notifications?unread=true", key: frontendKey, user: "alice"}, &list)
	require.Equal(t, fasthttp.StatusOK, code)
	require.Len(t, list.Notifications, 1)
	assert.Equal(t, 1, list.Unread)

	code = h.do(t, call{method: "POST", path: "/v1/notifications/" + created["id"] + "/read", key: frontendKey, user: "bob"}, nil)
	assert.Equal(t, fasthttp.StatusNotFound, code)

	code = h.do(t, call{method: "POST", path: "/v1/notifications/" + created["id"] + "/read", key: frontendKey, user: "alice"}, nil)
	assert.Equal(t, fasthttp.StatusOK, code)

	var all map[string]int64
	code = h.do(t, call{method: "POST", path: "/v1/notifications/read-all", key: frontendKey, user: "alice"}, &all)
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, int64(0), all["updated"])

	code = h.do(t, call{method: "POST", path: "/v1/notifications", key: frontendKey, user: "alice",
		body: map[string]string{"recipient": "bob", "type": "badge"}}, nil)
	assert.Equal(t, fasthttp.StatusForbidden, code)
}

func TestREST_AnnouncementAndMembers(t *testing.T) {
	h := newHarness(t)

	var out struct {
		Recipients int `json:"recipients"`
	}
	code := h.do(t, call{method: "POST", path: "/v1/scopes/acme/announcements", key: backendKey, user: "founder",
		body: map[string]string{"text": "Launch day"}}, &out)
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, 2, out.Recipients)

	code = h.do(t, call{method: "POST", path: "/v1/scopes/acme/announcements", key: backendKey,
		body: map[string]string{"from": "alice", "text": "hi"}}, nil)
	assert.Equal(t, fasthttp.StatusForbidden, code)

	code = h.do(t, call{method: "PUT", path: "/v1/scopes/acme/members/dave", key: backendKey,
		body: map[string]string{"role": "approved"}}, nil)
	require.Equal(t, fasthttp.StatusOK, code)
	role, err := h.dir.Role(context.Background(), "dave", "acme")
	require.NoError(t, err)
	assert.Equal(t, membership.RoleApproved, role)

	code = h.do(t, call{method: "PUT", path: "/v1/scopes/acme/members/dave", key: backendKey,
		body: map[string]string{"role": "owner"}}, nil)
	assert.Equal(t, fasthttp.StatusBadRequest, code)
}

func TestREST_SignAndPresence(t *testing.T) {
	h := newHarness(t)

	var signed map[string]string
	code := h.do(t, call{method: "POST", path: "/v1/sign", key: backendKey, body: map[string]string{"userId": "alice"}}, &signed)
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, auth.CreateHMACSignature("alice", backendKey), signed["signature"])

	require.NoError(t, h.deps.Presence.Heartbeat("bob", "acme"))
	var pres struct {
		Live []string `json:"live"`
	}
	code = h.do(t, call{method: "GET", path: "/v1/presence/acme", key: frontendKey, user: "alice"}, &pres)
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, []string{"bob"}, pres.Live)

	code = h.do(t, call{method: "GET", path: "/v1/presence/acme", key: frontendKey, user: "stranger"}, nil)
	assert.Equal(t, fasthttp.StatusForbidden, code)
}

func TestREST_AdminStatsAndMetrics(t *testing.T) {
	h := newHarness(t)

	var stats map[string]int
	code := h.do(t, call{method: "GET", path: "/admin/stats", key: adminKey}, &stats)
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, 0, stats["connections"])

	code = h.do(t, call{method: "GET", path: "/admin/metrics", key: adminKey}, nil)
	assert.Equal(t, fasthttp.StatusOK, code)

	code = h.do(t, call{method: "GET", path: "/admin/metrics", key: backendKey}, nil)
	assert.Equal(t, fasthttp.StatusForbidden, code)
}
