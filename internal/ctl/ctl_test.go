package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"pulsehub/pkg/auth"
	"pulsehub/pkg/models"
	"pulsehub/pkg/state"
	"pulsehub/pkg/store"
)

type seen struct {
	method, path, auth, user string
	body                     map[string]interface{}
}

// fakeServer answers every request with status and body and records it.
func fakeServer(t *testing.T, status int, body string) (*fasthttp.Client, *[]seen) {
	t.Helper()
	var got []seen
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		s := seen{
			method: string(ctx.Method()),
			path:   string(ctx.Path()),
			auth:   string(ctx.Request.Header.Peek("Authorization")),
			user:   string(ctx.Request.Header.Peek("X-User-ID")),
		}
		if len(ctx.PostBody()) > 0 {
			_ = json.Unmarshal(ctx.PostBody(), &s.body)
		}
		got = append(got, s)
		ctx.SetStatusCode(status)
		ctx.SetContentType("application/json")
		_, _ = ctx.WriteString(body)
	}}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	return &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}, &got
}

func run(t *testing.T, hc *fasthttp.Client, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(&options{httpClient: hc})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--profile", "", "--url", "http://pulsehub"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSign_Local(t *testing.T) {
	out, err := run(t, nil, "--backend-key", "bk", "sign", "alice", "--local")
	require.NoError(t, err)
	var res map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "alice", res["userId"])
	assert.Equal(t, auth.CreateHMACSignature("alice", "bk"), res["signature"])
}

func TestSign_Remote(t *testing.T) {
	hc, got := fakeServer(t, 200, `{"userId":"alice","signature":"abc"}`)
	out, err := run(t, hc, "--backend-key", "bk", "sign", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, `"signature": "abc"`)
	require.Len(t, *got, 1)
	assert.Equal(t, "POST", (*got)[0].method)
	assert.Equal(t, "/v1/sign", (*got)[0].path)
	assert.Equal(t, "Bearer bk", (*got)[0].auth)
	assert.Equal(t, "alice", (*got)[0].body["userId"])
}

func TestPresence_ActsForMember(t *testing.T) {
	hc, got := fakeServer(t, 200, `{"scope":"acme","live":["alice","bob"]}`)
	out, err := run(t, hc, "--backend-key", "bk", "presence", "acme", "--as", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "acme: 2 live")
	assert.Equal(t, "/v1/presence/acme", (*got)[0].path)
	assert.Equal(t, "alice", (*got)[0].user)
}

func TestAnnounce_JoinsText(t *testing.T) {
	hc, got := fakeServer(t, 200, `{"scope":"acme","recipients":3}`)
	out, err := run(t, hc, "--backend-key", "bk", "announce", "acme", "doors", "open", "--from", "founder")
	require.NoError(t, err)
	assert.Contains(t, out, "announced to 3 members of acme")
	assert.Equal(t, "doors open", (*got)[0].body["text"])
	assert.Equal(t, "founder", (*got)[0].body["from"])
}

func TestStats_NeedsAdminKey(t *testing.T) {
	_, err := run(t, nil, "--backend-key", "bk", "stats")
	assert.ErrorContains(t, err, "no admin key")
}

func TestAPIErrorRendersKind(t *testing.T) {
	hc, _ := fakeServer(t, 403, `{"error":"not a member","code":"forbidden","retryable":false}`)
	_, err := run(t, hc, "--backend-key", "bk", "notify", "alice", "badge", "--payload", `{"badge":"early"}`)
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.Status)
	assert.Equal(t, "not a member (forbidden, status 403)", err.Error())
}

func TestNotify_RejectsBadPayload(t *testing.T) {
	_, err := run(t, nil, "--backend-key", "bk", "notify", "alice", "badge", "--payload", "{nope")
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestProfile_RoundTripAndFlagsOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, SaveProfile(&Profile{URL: "http://a", BackendKey: "file-key"}, path))

	o := &options{profilePath: path, backendKey: "flag-key"}
	p, err := o.profile()
	require.NoError(t, err)
	assert.Equal(t, "http://a", p.URL)
	assert.Equal(t, "flag-key", p.BackendKey)

	o = &options{profilePath: filepath.Join(t.TempDir(), "missing.yaml")}
	p, err = o.profile()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080", p.URL)
	assert.Equal(t, []string{"backend_key or admin_key"}, p.MissingFields())
}

func TestOutboxDrain_LocalStore(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "db")
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
server:
  db_path: `+dbPath+`
notifications:
  sms:
    enabled: true
    endpoint: http://127.0.0.1:1/sms
    max_attempts: 1
`), 0o600))

	cfg, err := loadServerConfig(cfgPath)
	require.NoError(t, err)

	st, err := store.Open(cfg.StorePath(), store.Options{})
	require.NoError(t, err)
	require.NoError(t, st.PutOutbox(context.Background(), models.OutboxEntry{
		ID: "j1", Recipient: "alice", Phone: "+15550100", Type: "announcement", Text: "hi", NextAttemptTS: time.Now().Add(-time.Minute).UnixNano(),
	}))
	require.NoError(t, st.Close())

	res, err := drainOutbox(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, 1, res.Failed)

	st, err = store.Open(cfg.StorePath(), store.Options{})
	require.NoError(t, err)
	defer st.Close()
	n, err := st.CountOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	dropped, err := filepath.Glob(filepath.Join(state.PathsFor(dbPath).DeadLetter, "dropped_sms_*.jsonl"))
	require.NoError(t, err)
	assert.Len(t, dropped, 1)
}
