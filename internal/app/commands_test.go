package app

import (
	"context"
	"strings"
	"sync"
	"testing"

	"wxrelay/internal/dispatch"
	"wxrelay/internal/history"
	"wxrelay/internal/routing"
	kit "wxrelay/internal/transport"
	logx "wxrelay/pkg/logx"
)

type fakeAdapter struct {
	mu     sync.Mutex
	sends  map[string][]string
	joined map[string]bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{sends: make(map[string][]string), joined: make(map[string]bool)}
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendToRoom(ctx context.Context, room, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	f.sends[room] = append(f.sends[room], text)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) JoinRoom(room string) error {
	f.mu.Lock()
	f.joined[room] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) LeaveRoom(room string) error {
	f.mu.Lock()
	delete(f.joined, room)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Rooms() []string { return nil }

func newTestApp(t *testing.T) (*App, *fakeAdapter) {
	t.Helper()
	ad := newFakeAdapter()
	tbl := routing.New(nil, "", logx.Nop())
	hist := history.New()
	a := &App{
		log:           logx.Nop(),
		adapter:       ad,
		table:         tbl,
		hist:          hist,
		disp:          dispatch.New(dispatch.Config{}, tbl, hist, nil, ad, dispatch.Senders{}, nil, logx.Nop()),
		botName:       "wxrelay",
		ingestSenders: map[string]bool{"nwsbot": true},
		updates:       make(chan kit.Update, 8),
	}
	return a, ad
}

func TestCommandPing(t *testing.T) {
	a, _ := newTestApp(t)
	if got := a.handleCommand(context.Background(), "abcchat", "ping"); got != "pong" {
		t.Fatalf("reply = %q", got)
	}
}

func TestCommandChannelsAddListDel(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	if got := a.handleCommand(ctx, "abcchat", "channels add abc,def"); got != "subscribed to ABC; subscribed to DEF" {
		t.Fatalf("add reply = %q", got)
	}
	if got := a.handleCommand(ctx, "abcchat", "channels list"); got != "channels: ABC,DEF" {
		t.Fatalf("list reply = %q", got)
	}
	if got := a.handleCommand(ctx, "abcchat", "channels add ABC"); got != "ABC already subscribed" {
		t.Fatalf("duplicate reply = %q", got)
	}
	if got := a.handleCommand(ctx, "abcchat", "channels del ABC"); got != "unsubscribed from ABC" {
		t.Fatalf("del reply = %q", got)
	}
	if got := a.handleCommand(ctx, "abcchat", "channels del NOPE"); got != "NOPE is not subscribed" {
		t.Fatalf("unknown del reply = %q", got)
	}

	// The mutation is visible to the next dispatch.
	dests := a.table.Resolve("DEF")
	if len(dests) != 1 || dests[0].Target != "abcchat" {
		t.Fatalf("resolve = %v", dests)
	}
}

func TestCommandUnknownShowsUsage(t *testing.T) {
	a, _ := newTestApp(t)
	got := a.handleCommand(context.Background(), "abcchat", "frobnicate")
	if !strings.HasPrefix(got, "usage:") {
		t.Fatalf("reply = %q", got)
	}
}

func TestHandleUpdateCommandReply(t *testing.T) {
	a, ad := newTestApp(t)
	a.handleUpdate(context.Background(), kit.Update{
		Room:         "abcchat",
		FromUsername: "operator",
		Text:         "wxrelay: ping",
	})
	if got := ad.sends["abcchat"]; len(got) != 1 || got[0] != "pong" {
		t.Fatalf("sends = %v", got)
	}
}

func TestHandleUpdateIngestRoutesProduct(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	if err := a.table.Subscribe(ctx, "ABC", routing.Destination{Kind: routing.KindRoom, Target: "abcchat"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	a.handleUpdate(ctx, kit.Update{
		Room:         "abcchat",
		FromUsername: "nwsbot",
		Text:         "ABC product body text",
	})

	// The product landed in room history even though no worker ran.
	entries := a.hist.Since("abcchat", 0)
	if len(entries) != 1 || entries[0].Body != "ABC product body text" {
		t.Fatalf("history = %+v", entries)
	}
}

func TestHandleUpdateIgnoresChatter(t *testing.T) {
	a, ad := newTestApp(t)
	a.handleUpdate(context.Background(), kit.Update{
		Room:         "abcchat",
		FromUsername: "operator",
		Text:         "nice weather today",
	})
	if len(ad.sends) != 0 {
		t.Fatalf("chatter triggered sends: %v", ad.sends)
	}
	if a.hist.Seq() != 0 {
		t.Fatalf("chatter recorded in history")
	}
}

func TestParseSeedRoutes(t *testing.T) {
	seeds, err := parseSeedRoutes(map[string][]string{
		"tbw": {"room:tbwchat", "room:tampabay"},
		"mlb": {"microblog:mlbacct", "webhook:https://example.com/hook"},
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(seeds) != 4 {
		t.Fatalf("seeds = %v", seeds)
	}
	for _, s := range seeds {
		if s.Channel != "TBW" && s.Channel != "MLB" {
			t.Fatalf("channel not normalized: %v", s)
		}
	}

	if _, err := parseSeedRoutes(map[string][]string{"x": {"room"}}); err == nil {
		t.Fatalf("expected error for malformed destination")
	}
	if _, err := parseSeedRoutes(map[string][]string{"x": {"carrier-pigeon:coop"}}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
