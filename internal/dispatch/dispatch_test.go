package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"wxrelay/internal/delivery"
	"wxrelay/internal/eventbus"
	"wxrelay/internal/history"
	"wxrelay/internal/medium"
	"wxrelay/internal/routing"
	"wxrelay/internal/textfit"
	"wxrelay/internal/transport"
	logx "wxrelay/pkg/logx"
)

type roomSend struct {
	room, text string
}

type fakeRooms struct {
	mu    sync.Mutex
	sends []roomSend
}

func (f *fakeRooms) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (f *fakeRooms) Stop(ctx context.Context) error                              { return nil }
func (f *fakeRooms) JoinRoom(room string) error                                  { return nil }
func (f *fakeRooms) LeaveRoom(room string) error                                 { return nil }
func (f *fakeRooms) Rooms() []string                                             { return nil }

func (f *fakeRooms) SendToRoom(ctx context.Context, room, text string, opt *transport.SendOptions) error {
	f.mu.Lock()
	f.sends = append(f.sends, roomSend{room: room, text: text})
	f.mu.Unlock()
	return nil
}

func (f *fakeRooms) snapshot() []roomSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]roomSend(nil), f.sends...)
}

type fakeSender struct {
	budget int
	err    error
	mu     sync.Mutex
	texts  []string
}

func (f *fakeSender) Budget() int { return f.budget }

func (f *fakeSender) Send(ctx context.Context, target, text string) (medium.Receipt, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.err != nil {
		return medium.Receipt{}, f.err
	}
	return medium.Receipt{ID: "ok"}, nil
}

func (f *fakeSender) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never met")
}

const stormBody = "ABC issues severe thunderstorm warning for Example County Anytown Springfield " +
	"Centerville Riverside Lakeview Hilltop Sunnyvale till 415 PM http://example.com/x"

func TestRouteFansOutRoomAndSocial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tbl := routing.New(nil, "", logx.Nop())
	if err := tbl.Subscribe(ctx, "ABC", routing.Destination{Kind: routing.KindRoom, Target: "abcchat"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := tbl.Subscribe(ctx, "ABC", routing.Destination{Kind: routing.KindMicroblog, Target: "acct1"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	hist := history.New()
	rooms := &fakeRooms{}
	social := &fakeSender{budget: 140}
	pol := delivery.NewManager(delivery.Config{}, tbl, nil, eventbus.New(), nil, logx.Nop())
	defer pol.Close()

	d := New(Config{Workers: 2}, tbl, hist, pol, rooms, Senders{Microblog: social}, eventbus.New(), logx.Nop())
	d.Start(ctx)
	defer d.Stop(context.Background())

	rep := d.Route(Message{
		Author:   "nwsbot",
		Body:     stormBody,
		Product:  "https://example.com/p/1",
		HomeRoom: "abcchat",
	})

	if rep.Channel != "ABC" {
		t.Fatalf("channel = %q", rep.Channel)
	}
	if rep.Seq == 0 {
		t.Fatalf("history append skipped")
	}
	if len(rep.Destinations) != 2 {
		t.Fatalf("destinations = %v", rep.Destinations)
	}
	for _, dr := range rep.Destinations {
		if dr.Disposition != DispositionQueued {
			t.Fatalf("disposition for %s = %s", dr.Dest.Key(), dr.Disposition)
		}
	}

	waitFor(t, func() bool { return len(rooms.snapshot()) == 1 && len(social.snapshot()) == 1 })

	// Room delivery carries the full, unmodified text.
	if got := rooms.snapshot()[0]; got.room != "abcchat" || got.text != stormBody {
		t.Fatalf("room send = %+v", got)
	}

	// Social delivery is fitted to the budget but keeps the URL.
	fitted := social.snapshot()[0]
	if len(fitted) > 140 {
		t.Fatalf("fitted text over budget: %d", len(fitted))
	}
	if !strings.Contains(fitted, "http://example.com/x") {
		t.Fatalf("fitted text lost the URL: %q", fitted)
	}
	if fitted == stormBody {
		t.Fatalf("over-budget text delivered unmodified")
	}
	if want := textfit.Fit(stormBody, 140); fitted != want {
		t.Fatalf("fitted = %q, want %q", fitted, want)
	}

	// History recorded the product for catch-up readers.
	entries := hist.Since("abcchat", 0)
	if len(entries) != 1 || entries[0].Body != stormBody || entries[0].Author != "nwsbot" {
		t.Fatalf("history = %+v", entries)
	}
}

func TestRouteUnroutedChannelStillRecordsHistory(t *testing.T) {
	tbl := routing.New(nil, "", logx.Nop())
	hist := history.New()
	d := New(Config{}, tbl, hist, nil, nil, Senders{}, nil, logx.Nop())

	rep := d.Route(Message{Author: "nwsbot", Body: "XYZ hello world", HomeRoom: "xyzchat"})
	if len(rep.Destinations) != 0 {
		t.Fatalf("destinations = %v", rep.Destinations)
	}
	if rep.Seq == 0 {
		t.Fatalf("history append skipped for unrouted channel")
	}
	if entries := hist.Since("xyzchat", 0); len(entries) != 1 {
		t.Fatalf("history = %+v", entries)
	}
}

func TestRouteEmptyBody(t *testing.T) {
	tbl := routing.New(nil, "", logx.Nop())
	d := New(Config{}, tbl, nil, nil, nil, Senders{}, nil, logx.Nop())

	rep := d.Route(Message{Body: "   "})
	if rep.Channel != "" || len(rep.Destinations) != 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestRouteSkipsDisabledDestination(t *testing.T) {
	ctx := context.Background()
	tbl := routing.New(nil, "", logx.Nop())
	dest := routing.Destination{Kind: routing.KindMicroblog, Target: "acct1"}
	if err := tbl.Subscribe(ctx, "ABC", dest); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pol := delivery.NewManager(delivery.Config{}, tbl, nil, nil, nil, logx.Nop())
	defer pol.Close()
	d := New(Config{}, tbl, nil, pol, nil, Senders{Microblog: &fakeSender{budget: 140}}, nil, logx.Nop())

	// A fatal outcome disables the destination; resolve drops it, so the
	// next route reports nothing for this channel.
	pol.OnResult(ctx, delivery.Attempt{Dest: dest}, &delivery.Error{Class: delivery.ClassFatal, Code: 89})

	rep := d.Route(Message{Body: "ABC something happened"})
	if len(rep.Destinations) != 0 {
		t.Fatalf("destinations = %v", rep.Destinations)
	}
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	tbl := routing.New(nil, "", logx.Nop())
	d := New(Config{QueueSize: 1}, tbl, nil, nil, nil, Senders{}, nil, logx.Nop())
	// Workers never started, so the first submit occupies the only slot.
	if !d.Submit(delivery.Attempt{Dest: routing.Destination{Kind: routing.KindWebhook, Target: "https://a"}}) {
		t.Fatalf("first submit dropped")
	}
	if d.Submit(delivery.Attempt{Dest: routing.Destination{Kind: routing.KindWebhook, Target: "https://b"}}) {
		t.Fatalf("second submit accepted on a full queue")
	}
}
