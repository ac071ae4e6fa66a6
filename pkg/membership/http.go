package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"pulsehub/pkg/errs"
	"pulsehub/pkg/logger"
)

// HTTPDirectory asks an upstream membership service over HTTP:
//
//	GET {endpoint}/scopes/{scope}/members/{identity} -> {"role": "..."}
//	GET {endpoint}/scopes/{scope}/members            -> {"members": [...]}
//	GET {endpoint}/blocks/{blocker}/{blocked}        -> {"blocked": true}
//	GET {endpoint}/users/{identity}/contact          -> {"phone": "...", "verified": true}
//
// A 404 is an answer (no role, not blocked, no contact); every other
// failure is UpstreamUnavailable.
type HTTPDirectory struct {
	endpoint string
	token    string
	timeout  time.Duration
	client   *fasthttp.Client
}

func NewHTTP(endpoint, token string, timeout time.Duration, client *fasthttp.Client) *HTTPDirectory {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if client == nil {
		client = &fasthttp.Client{
			Name:                "pulsehub-membership",
			MaxConnsPerHost:     64,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		}
	}
	return &HTTPDirectory{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		timeout:  timeout,
		client:   client,
	}
}

// get fetches path into out; found is false on 404.
func (d *HTTPDirectory) get(ctx context.Context, op, path string, out any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errs.Upstream(op, err)
	}
	timeout := d.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(d.endpoint + path)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	if err := d.client.DoTimeout(req, resp, timeout); err != nil {
		logger.Warn("membership_upstream_failed", "path", path, "error", err)
		return false, errs.Upstream(op, err)
	}
	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusNotFound:
		return false, nil
	case code < 200 || code >= 300:
		logger.Warn("membership_upstream_status", "path", path, "status", code)
		return false, errs.Upstream(op, fmt.Errorf("upstream status %d", code))
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return false, errs.Upstream(op, fmt.Errorf("decode upstream response: %w", err))
	}
	return true, nil
}

func (d *HTTPDirectory) Role(ctx context.Context, identity, scope string) (Role, error) {
	var body struct {
		Role Role `json:"role"`
	}
	found, err := d.get(ctx, "membership.role", "/scopes/"+url.PathEscape(scope)+"/members/"+url.PathEscape(identity), &body)
	if err != nil {
		return RoleNone, err
	}
	if !found || !body.Role.Valid() {
		return RoleNone, nil
	}
	return body.Role, nil
}

func (d *HTTPDirectory) Members(ctx context.Context, scope string) ([]Member, error) {
	var body struct {
		Members []Member `json:"members"`
	}
	if _, err := d.get(ctx, "membership.members", "/scopes/"+url.PathEscape(scope)+"/members", &body); err != nil {
		return nil, err
	}
	return body.Members, nil
}

func (d *HTTPDirectory) Blocks(ctx context.Context, blocker, blocked string) (bool, error) {
	var body struct {
		Blocked bool `json:"blocked"`
	}
	found, err := d.get(ctx, "membership.blocks", "/blocks/"+url.PathEscape(blocker)+"/"+url.PathEscape(blocked), &body)
	if err != nil {
		return false, err
	}
	return found && body.Blocked, nil
}

func (d *HTTPDirectory) Contact(ctx context.Context, identity string) (Contact, error) {
	var c Contact
	if _, err := d.get(ctx, "membership.contact", "/users/"+url.PathEscape(identity)+"/contact", &c); err != nil {
		return Contact{}, err
	}
	return c, nil
}
