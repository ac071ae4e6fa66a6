package app

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"pulsehub/pkg/auth"
	"pulsehub/pkg/config"
	"pulsehub/pkg/models"
)

const (
	backendKey  = "backend-key-0123456789"
	frontendKey = "frontend-key-0123456789"
	adminKey    = "admin-key-0123456789"
)

const seed = `
scopes:
  acme:
    founder: founder
    members:
      alice: approved
      bob: approved
`

func testConfig(t *testing.T) config.EffectiveConfigResult {
	t.Helper()
	dir := t.TempDir()
	seedPath := filepath.Join(dir, "members.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(seed), 0o600))

	cfg := &config.Config{}
	cfg.Server.DBPath = filepath.Join(dir, "db")
	cfg.Server.APIKeys.Backend = []string{backendKey}
	cfg.Server.APIKeys.Frontend = []string{frontendKey}
	cfg.Server.APIKeys.Admin = []string{adminKey}
	cfg.Membership.File = seedPath
	cfg.Notifications.SMS.Enabled = true
	cfg.Notifications.SMS.Endpoint = "http://127.0.0.1:1/sms"
	cfg.Sensor.DiskHighPct = 100
	cfg.Sensor.DiskLowPct = 99

	eff := config.EffectiveConfigResult{Config: cfg, Addr: "127.0.0.1:0", DBPath: cfg.Server.DBPath, Source: "test"}
	require.NoError(t, config.ValidateConfig(eff))
	return eff
}

type running struct {
	app    *App
	client *fasthttp.Client
}

func startApp(t *testing.T) running {
	t.Helper()
	a, err := New(testConfig(t), "test", "none", "unknown")
	require.NoError(t, err)

	ln := fasthttputil.NewInmemoryListener()
	a.listen = func(string) (net.Listener, error) { return ln, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		assert.NoError(t, a.Shutdown(sctx))
		assert.Equal(t, "stopped", a.state)
	})

	client := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	require.Eventually(t, func() bool {
		code, _, err := client.Get(nil, "http://pulsehub/healthz")
		return err == nil && code == fasthttp.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	return running{app: a, client: client}
}

func (r running) do(t *testing.T, method, path, key, user string, body, out interface{}) int {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://pulsehub" + path)
	req.Header.SetMethod(method)
	req.Header.Set("Authorization", "Bearer "+key)
	if user != "" {
		req.Header.Set("X-User-ID", user)
		req.Header.Set("X-User-Signature", auth.CreateHMACSignature(user, backendKey))
	}
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		req.Header.SetContentType("application/json")
		req.SetBody(b)
	}
	require.NoError(t, r.client.DoTimeout(req, resp, 5*time.Second))
	if out != nil {
		require.NoError(t, json.Unmarshal(resp.Body(), out), string(resp.Body()))
	}
	return resp.StatusCode()
}

func TestApp_ProbesAndOfflineDM(t *testing.T) {
	r := startApp(t)

	var ready map[string]string
	require.Equal(t, fasthttp.StatusOK, r.do(t, "GET", "/readyz", "", "", nil, &ready))
	assert.Equal(t, "ok", ready["status"])
	assert.Equal(t, "test", ready["version"])

	var th models.Thread
	code := r.do(t, "POST", "/v1/threads", backendKey, "", map[string]interface{}{
		"kind": "dm", "scope": "acme", "participants": []string{"alice", "bob"},
	}, &th)
	require.Equal(t, fasthttp.StatusCreated, code)

	var msg models.Message
	code = r.do(t, "POST", "/v1/threads/"+th.ID+"/messages", frontendKey, "alice", map[string]string{"body": "hi bob"}, &msg)
	require.Equal(t, fasthttp.StatusCreated, code)
	assert.Equal(t, uint64(1), msg.Seq)

	var list struct {
		Notifications []models.Notification `json:"notifications"`
		Unread        int                   `json:"unread"`
	}
	require.Equal(t, fasthttp.StatusOK, r.do(t, "GET", "/v1/notifications", frontendKey, "bob", nil, &list))
	require.Len(t, list.Notifications, 1)
	assert.Equal(t, models.NotifyDM, list.Notifications[0].Type)
}

func TestApp_AdminSurface(t *testing.T) {
	r := startApp(t)

	var stats map[string]int
	require.Equal(t, fasthttp.StatusOK, r.do(t, "GET", "/admin/stats", adminKey, "", nil, &stats))
	assert.Equal(t, 0, stats["connections"])

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI("http://pulsehub/admin/metrics")
	req.Header.Set("Authorization", "Bearer "+adminKey)
	require.NoError(t, r.client.DoTimeout(req, resp, 5*time.Second))
	require.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	body := string(resp.Body())
	assert.True(t, strings.Contains(body, "pulsehub_connections"), "gauge missing")
	assert.Contains(t, body, "pulsehub_http_request_duration_seconds")

	assert.Equal(t, fasthttp.StatusForbidden, r.do(t, "GET", "/admin/stats", backendKey, "", nil, nil))
}

func TestValidateConfig_Keys(t *testing.T) {
	eff := testConfig(t)
	eff.Config.Server.APIKeys.Frontend = []string{"short"}
	assert.ErrorContains(t, validateConfig(eff), "shorter")

	eff = testConfig(t)
	eff.Config.Server.APIKeys.Admin = []string{backendKey}
	assert.ErrorContains(t, validateConfig(eff), "listed as backend and admin")

	eff = testConfig(t)
	eff.Config.Membership.File = filepath.Join(t.TempDir(), "missing.yaml")
	assert.ErrorContains(t, validateConfig(eff), "membership file")
}
