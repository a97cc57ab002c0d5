package medium

import (
	"context"
	"strings"

	"wxrelay/internal/delivery"
	logx "wxrelay/pkg/logx"
)

// Microblog posts short statuses on behalf of per-channel accounts.
type Microblog struct {
	ep Endpoint
	c  client
}

func NewMicroblog(ep Endpoint, log logx.Logger) *Microblog {
	return &Microblog{ep: ep, c: newClient(ep.Timeout, log)}
}

func (m *Microblog) Budget() int {
	if m.ep.Budget > 0 {
		return m.ep.Budget
	}
	return 140
}

func (m *Microblog) Send(ctx context.Context, target, text string) (Receipt, error) {
	payload := struct {
		Account string `json:"account"`
		Status  string `json:"status"`
	}{Account: target, Status: text}
	return m.c.post(ctx, strings.TrimRight(m.ep.BaseURL, "/")+"/statuses", payload)
}

// Page posts to a social page feed; budgets are looser than microblog.
type Page struct {
	ep Endpoint
	c  client
}

func NewPage(ep Endpoint, log logx.Logger) *Page {
	return &Page{ep: ep, c: newClient(ep.Timeout, log)}
}

func (p *Page) Budget() int {
	if p.ep.Budget > 0 {
		return p.ep.Budget
	}
	return 500
}

func (p *Page) Send(ctx context.Context, target, text string) (Receipt, error) {
	payload := struct {
		Page    string `json:"page"`
		Message string `json:"message"`
	}{Page: target, Message: text}
	return p.c.post(ctx, strings.TrimRight(p.ep.BaseURL, "/")+"/feed", payload)
}

// Webhook delivers the full text to a subscriber-owned URL. The target IS
// the URL, so the endpoint BaseURL is unused here.
type Webhook struct {
	ep Endpoint
	c  client
}

func NewWebhook(ep Endpoint, log logx.Logger) *Webhook {
	return &Webhook{ep: ep, c: newClient(ep.Timeout, log)}
}

func (w *Webhook) Budget() int {
	if w.ep.Budget > 0 {
		return w.ep.Budget
	}
	return 2000
}

func (w *Webhook) Send(ctx context.Context, target, text string) (Receipt, error) {
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return Receipt{}, &delivery.Error{Class: delivery.ClassFatal, Msg: "webhook target is not a URL: " + target}
	}
	payload := struct {
		Text string `json:"text"`
	}{Text: text}
	return w.c.post(ctx, target, payload)
}
