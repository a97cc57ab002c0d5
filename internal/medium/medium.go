// Package medium implements the outbound delivery adapters: microblog
// posts, social page posts, and plain webhooks. All three speak JSON over
// HTTP; what differs is the payload shape and how provider errors are
// reported in the response body.
package medium

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"wxrelay/internal/delivery"
	logx "wxrelay/pkg/logx"
)

// Receipt identifies accepted content on the provider side.
type Receipt struct {
	ID  string
	URL string
}

// Sender posts fitted text to one destination target.
type Sender interface {
	// Send returns a *delivery.Error on failure so the policy layer can
	// classify without knowing the medium.
	Send(ctx context.Context, target, text string) (Receipt, error)
	// Budget is the character budget destinations of this medium get.
	Budget() int
}

// Endpoint configures one provider API.
type Endpoint struct {
	BaseURL string
	Timeout time.Duration
	Budget  int
}

type client struct {
	http *http.Client
	log  logx.Logger
}

func newClient(timeout time.Duration, log logx.Logger) client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return client{http: &http.Client{Timeout: timeout}, log: log}
}

// providerResponse is the common response envelope: a receipt on success,
// an error list on failure.
type providerResponse struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Code   int    `json:"code"`
	Errors []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// post sends a JSON payload and converts the response into a receipt or a
// classified error.
func (c client) post(ctx context.Context, url string, payload any) (Receipt, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, &delivery.Error{Class: delivery.ClassFatal, Msg: "encode payload: " + err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, &delivery.Error{Class: delivery.ClassFatal, Msg: "build request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Receipt{}, &delivery.Error{Class: delivery.ClassTransient, Msg: err.Error()}
	}
	defer resp.Body.Close()

	var pr providerResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &pr)

	providerCode := pr.Code
	msg := ""
	if len(pr.Errors) > 0 {
		providerCode = pr.Errors[0].Code
		msg = pr.Errors[0].Message
	}

	class := delivery.ClassifyStatus(resp.StatusCode, providerCode)
	if class == delivery.ClassOK {
		return Receipt{ID: pr.ID, URL: pr.URL}, nil
	}

	code := providerCode
	if code == 0 {
		code = resp.StatusCode
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return Receipt{}, &delivery.Error{Class: class, Code: code, Msg: msg}
}
