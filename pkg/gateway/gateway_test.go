package gateway

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"pulsehub/pkg/auth"
	"pulsehub/pkg/events"
	"pulsehub/pkg/fanout"
	"pulsehub/pkg/membership"
	"pulsehub/pkg/messaging"
	"pulsehub/pkg/models"
	"pulsehub/pkg/notify"
	"pulsehub/pkg/presence"
	"pulsehub/pkg/readstate"
	"pulsehub/pkg/session"
	"pulsehub/pkg/store"
	"pulsehub/pkg/threads"
	"pulsehub/pkg/timeutil"
)

const (
	backendKey  = "bk"
	frontendKey = "fk"
)

type harness struct {
	ln      *fasthttputil.InmemoryListener
	reg     *session.Registry
	threads *threads.Router
	gw      *Server
}

func newHarness(t *testing.T, opts Options) *harness {
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

	clock := timeutil.Real()
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

	gw := New(reg, svc, opts)
	sec := auth.SecConfig{
		RPS: 1000, Burst: 1000,
		BackendKeys:  map[string]struct{}{backendKey: {}},
		FrontendKeys: map[string]struct{}{frontendKey: {}},
		SigningKeys:  map[string]struct{}{backendKey: {}},
	}
	mw, stop := auth.AuthenticateRequestMiddleware(sec)
	t.Cleanup(stop)

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: mw(auth.RequireSignedIdentity(sec)(gw.Serve))}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		_ = srv.Shutdown()
	})
	return &harness{ln: ln, reg: reg, threads: rt, gw: gw}
}

func (h *harness) dial(t *testing.T, identity string) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{
		NetDial:          func(string, string) (net.Conn, error) { return h.ln.Dial() },
		HandshakeTimeout: 2 * time.Second,
	}
	url := "ws://pulsehub/v1/live?api_key=" + frontendKey + "&user=" + identity +
		"&sig=" + auth.CreateHMACSignature(identity, backendKey)
	ws, _, err := d.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

type frame struct {
	Type events.OutboundType `json:"type"`
	Data json.RawMessage     `json:"data"`
}

func send(t *testing.T, ws *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

// next reads frames until one of type want arrives.
func next(t *testing.T, ws *websocket.Conn, want events.OutboundType) frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var fr frame
		require.NoError(t, ws.ReadJSON(&fr))
		if fr.Type == want {
			return fr
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond)
}

func TestGateway_JoinSendAndReceive(t *testing.T) {
	h := newHarness(t, Options{})
	th, err := h.threads.CreateThread(context.Background(), threads.CreateRequest{ID: "general", Kind: models.KindChannel, Scope: "acme"})
	require.NoError(t, err)

	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")
	waitFor(t, func() bool { return h.reg.Count() == 2 })

	send(t, bob, map[string]string{"id": "j1", "type": "join-thread", "thread": th.ID})
	var ack events.AckData
	require.NoError(t, json.Unmarshal(next(t, bob, events.OutAck).Data, &ack))
	assert.Equal(t, "j1", ack.ID)

	send(t, alice, map[string]string{"id": "s1", "type": "send-message", "thread": th.ID, "body": "hi bob", "ref": "r1"})
	require.NoError(t, json.Unmarshal(next(t, alice, events.OutAck).Data, &ack))
	assert.Equal(t, "s1", ack.ID)
	assert.Equal(t, uint64(1), ack.Seq)
	assert.Equal(t, "r1", ack.Ref)

	var msg models.Message
	require.NoError(t, json.Unmarshal(next(t, bob, events.OutMessage).Data, &msg))
	assert.Equal(t, "hi bob", msg.Body)
	assert.Equal(t, "alice", msg.Sender)
}

func TestGateway_ErrorFrames(t *testing.T) {
	h := newHarness(t, Options{})
	ws := h.dial(t, "alice")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var body events.ErrorData
	require.NoError(t, json.Unmarshal(next(t, ws, events.OutError).Data, &body))
	assert.Equal(t, "invalid", string(body.Code))

	send(t, ws, map[string]string{"id": "x", "type": "send-message", "thread": "missing", "body": "hi", "ref": "r7"})
	require.NoError(t, json.Unmarshal(next(t, ws, events.OutError).Data, &body))
	assert.Equal(t, "x", body.ID)
	assert.Equal(t, "not_found", string(body.Code))
	assert.Equal(t, "r7", body.Ref)
}

func TestGateway_RejectsUnsignedUpgrade(t *testing.T) {
	h := newHarness(t, Options{})
	d := websocket.Dialer{NetDial: func(string, string) (net.Conn, error) { return h.ln.Dial() }}
	_, resp, err := d.Dial("ws://pulsehub/v1/live?api_key="+frontendKey+"&user=alice&sig=bad", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, fasthttp.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, h.reg.Count())
}

func TestGateway_InboundRateLimit(t *testing.T) {
	h := newHarness(t, Options{InboundRPS: 0.001, InboundBurst: 1})
	ws := h.dial(t, "alice")

	send(t, ws, map[string]string{"id": "h1", "type": "heartbeat", "scope": "acme"})
	next(t, ws, events.OutAck)

	send(t, ws, map[string]string{"id": "h2", "type": "heartbeat", "scope": "acme"})
	var body events.ErrorData
	require.NoError(t, json.Unmarshal(next(t, ws, events.OutError).Data, &body))
	assert.Equal(t, "h2", body.ID)
	assert.Equal(t, "rate limit exceeded", body.Error)
}

func TestGateway_OversizedFrameDisconnects(t *testing.T) {
	h := newHarness(t, Options{MaxFrameBytes: 128})
	ws := h.dial(t, "alice")
	waitFor(t, func() bool { return h.reg.Count() == 1 })

	big := make([]byte, 1024)
	for i := range big {
		big[i] = 'a'
	}
	_ = ws.WriteMessage(websocket.TextMessage, big)
	waitFor(t, func() bool { return h.reg.Count() == 0 })
}

func TestGateway_ClientCloseUnregisters(t *testing.T) {
	h := newHarness(t, Options{})
	ws := h.dial(t, "alice")
	waitFor(t, func() bool { return h.reg.IsOnline("alice") })

	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = ws.Close()
	waitFor(t, func() bool { return !h.reg.IsOnline("alice") })
}

func TestGateway_ShutdownClosesSockets(t *testing.T) {
	h := newHarness(t, Options{})
	ws := h.dial(t, "alice")
	waitFor(t, func() bool { return h.reg.Count() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.gw.Shutdown(ctx))
	assert.Equal(t, 0, h.reg.Count())

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestCloseCode(t *testing.T) {
	assert.Equal(t, websocket.CloseGoingAway, closeCode("shutdown"))
	assert.Equal(t, websocket.ClosePolicyViolation, closeCode("slow_consumer"))
	assert.Equal(t, websocket.ClosePolicyViolation, closeCode("heartbeat_timeout"))
	assert.Equal(t, websocket.CloseNormalClosure, closeCode("client_closed"))
}
