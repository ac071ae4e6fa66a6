package ctl

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"pulsehub/pkg/errs"
)

// Client calls the pulsehub REST surface with one API key.
type Client struct {
	base    string
	key     string
	user    string
	timeout time.Duration
	http    *fasthttp.Client
}

func NewClient(base, key string, timeout time.Duration, hc *fasthttp.Client) *Client {
	if hc == nil {
		hc = &fasthttp.Client{Name: "pulsectl"}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{base: strings.TrimRight(base, "/"), key: key, timeout: timeout, http: hc}
}

// As returns a copy acting for identity. Only backend keys may do this.
func (c *Client) As(identity string) *Client {
	cp := *c
	cp.user = identity
	return &cp
}

// APIError is a non-2xx response decoded from the shared error body.
type APIError struct {
	Status int
	Body   errs.Body
}

func (e *APIError) Error() string {
	msg := e.Body.Error
	if msg == "" {
		msg = fasthttp.StatusMessage(e.Status)
	}
	if e.Body.Code != "" {
		return fmt.Sprintf("%s (%s, status %d)", msg, e.Body.Code, e.Status)
	}
	return fmt.Sprintf("%s (status %d)", msg, e.Status)
}

// Do sends body as JSON and decodes a 2xx response into out.
func (c *Client) Do(method, path string, body, out interface{}) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + path)
	req.Header.SetMethod(method)
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}
	if c.user != "" {
		req.Header.Set("X-User-ID", c.user)
	}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		req.Header.SetContentType("application/json")
		req.SetBody(b)
	}
	if err := c.http.DoTimeout(req, resp, c.timeout); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	status := resp.StatusCode()
	if status < 200 || status > 299 {
		apiErr := &APIError{Status: status}
		_ = json.Unmarshal(resp.Body(), &apiErr.Body)
		return apiErr
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
