package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// Sender hands one SMS to a provider.
type Sender interface {
	Send(ctx context.Context, phone, text string) error
}

// WebhookSender posts {"to": phone, "text": text} to an SMS gateway.
type WebhookSender struct {
	endpoint string
	token    string
	timeout  time.Duration
	client   *fasthttp.Client
}

func NewWebhookSender(endpoint, token string, timeout time.Duration, client *fasthttp.Client) *WebhookSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if client == nil {
		client = &fasthttp.Client{
			Name:         "pulsehub-sms",
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		}
	}
	return &WebhookSender{endpoint: endpoint, token: token, timeout: timeout, client: client}
}

func (w *WebhookSender) Send(ctx context.Context, phone, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}{phone, text})
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(w.endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	req.SetBody(body)

	if err := w.client.DoTimeout(req, resp, w.timeout); err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return fmt.Errorf("sms gateway status %d", code)
	}
	return nil
}
