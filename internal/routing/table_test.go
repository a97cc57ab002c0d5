package routing

import (
	"context"
	"errors"
	"testing"

	"wxrelay/internal/storage"
	logx "wxrelay/pkg/logx"
)

func newTable(t *testing.T) *Table {
	t.Helper()
	return New(nil, "", logx.Nop())
}

func TestNormalizeChannel(t *testing.T) {
	cases := map[string]string{
		"abc":     "ABC",
		" ABC ":   "ABC",
		"a b c":   "ABC",
		"  ":      "",
		"Wx.Svr":  "WX.SVR",
	}
	for in, want := range cases {
		if got := NormalizeChannel(in); got != want {
			t.Errorf("NormalizeChannel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSubscribeResolve(t *testing.T) {
	tbl := newTable(t)
	ctx := context.Background()

	room := Destination{Kind: KindRoom, Target: "abcchat"}
	if err := tbl.Subscribe(ctx, "abc", room); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Lookup is case/space-insensitive.
	dests := tbl.Resolve(" ABC ")
	if len(dests) != 1 || dests[0] != room {
		t.Fatalf("resolve = %v", dests)
	}

	// Unknown channel is an empty set, not an error.
	if dests := tbl.Resolve("NOPE"); len(dests) != 0 {
		t.Fatalf("unknown channel resolved to %v", dests)
	}
}

func TestSubscribeDuplicate(t *testing.T) {
	tbl := newTable(t)
	ctx := context.Background()

	d := Destination{Kind: KindMicroblog, Target: "acct1"}
	if err := tbl.Subscribe(ctx, "ABC", d); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := tbl.Subscribe(ctx, "ABC", d); !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("duplicate subscribe err = %v", err)
	}
	if dests := tbl.Resolve("ABC"); len(dests) != 1 {
		t.Fatalf("duplicate created extra entry: %v", dests)
	}
}

func TestSubscribeBlankChannel(t *testing.T) {
	tbl := newTable(t)
	err := tbl.Subscribe(context.Background(), "   ", Destination{Kind: KindRoom, Target: "x"})
	if !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("err = %v", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	tbl := newTable(t)
	ctx := context.Background()

	d := Destination{Kind: KindRoom, Target: "abcchat"}
	if err := tbl.Unsubscribe(ctx, "ABC", d); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("unknown channel err = %v", err)
	}

	if err := tbl.Subscribe(ctx, "ABC", d); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	other := Destination{Kind: KindRoom, Target: "elsewhere"}
	if err := tbl.Unsubscribe(ctx, "ABC", other); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("not-subscribed err = %v", err)
	}
	if err := tbl.Unsubscribe(ctx, "ABC", d); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if dests := tbl.Resolve("ABC"); len(dests) != 0 {
		t.Fatalf("resolve after unsubscribe = %v", dests)
	}
}

// Subscribe then unsubscribe restores the prior resolved set exactly.
func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	tbl := newTable(t)
	ctx := context.Background()

	base := Destination{Kind: KindRoom, Target: "abcchat"}
	extra := Destination{Kind: KindWebhook, Target: "https://example.com/hook"}
	if err := tbl.Subscribe(ctx, "ABC", base); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	before := tbl.Resolve("ABC")

	if err := tbl.Subscribe(ctx, "ABC", extra); err != nil {
		t.Fatalf("subscribe extra: %v", err)
	}
	if err := tbl.Unsubscribe(ctx, "ABC", extra); err != nil {
		t.Fatalf("unsubscribe extra: %v", err)
	}

	after := tbl.Resolve("ABC")
	if len(after) != len(before) || after[0] != before[0] {
		t.Fatalf("resolved set changed: before=%v after=%v", before, after)
	}
}

func TestStoreFailureRollsBack(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: t.TempDir() + "/r.db"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	tbl := New(st, "", logx.Nop())
	ctx := context.Background()

	d := Destination{Kind: KindRoom, Target: "abcchat"}
	if err := tbl.Subscribe(ctx, "ABC", d); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// A closed store makes every write fail; the in-memory table must not
	// keep a change the store rejected.
	_ = st.Close()
	d2 := Destination{Kind: KindRoom, Target: "other"}
	if err := tbl.Subscribe(ctx, "ABC", d2); err == nil {
		t.Fatalf("expected store error")
	}
	if dests := tbl.Resolve("ABC"); len(dests) != 1 || dests[0] != d {
		t.Fatalf("rollback failed, resolve = %v", dests)
	}

	if err := tbl.Unsubscribe(ctx, "ABC", d); err == nil {
		t.Fatalf("expected store error")
	}
	if dests := tbl.Resolve("ABC"); len(dests) != 1 || dests[0] != d {
		t.Fatalf("unsubscribe rollback failed, resolve = %v", dests)
	}
}

func TestFirehoseSeesEverything(t *testing.T) {
	tbl := New(nil, "firehose", logx.Nop())
	ctx := context.Background()

	if err := tbl.Subscribe(ctx, "ABC", Destination{Kind: KindRoom, Target: "abcchat"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	dests := tbl.Resolve("ABC")
	found := false
	for _, d := range dests {
		if d.Kind == KindRoom && d.Target == "firehose" {
			found = true
		}
	}
	if !found {
		t.Fatalf("firehose missing from %v", dests)
	}

	// Even channels nobody subscribed to reach the firehose.
	dests = tbl.Resolve("UNROUTED")
	if len(dests) != 1 || dests[0].Target != "firehose" {
		t.Fatalf("unrouted resolve = %v", dests)
	}
}

func TestDisabledExcludedFromResolve(t *testing.T) {
	tbl := newTable(t)
	ctx := context.Background()

	d := Destination{Kind: KindMicroblog, Target: "acct1"}
	if err := tbl.Subscribe(ctx, "ABC", d); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	tbl.SetDisabled(d)
	if dests := tbl.Resolve("ABC"); len(dests) != 0 {
		t.Fatalf("disabled destination still resolved: %v", dests)
	}
	tbl.SetEnabled(d)
	if dests := tbl.Resolve("ABC"); len(dests) != 1 {
		t.Fatalf("re-enabled destination missing: %v", dests)
	}
}

func TestReloadDiff(t *testing.T) {
	tbl := New(nil, "firehose", logx.Nop())

	changes := tbl.Reload(&storage.Snapshot{
		Subscriptions: []storage.Subscription{
			{Channel: "ABC", Kind: "room", Target: "abcchat"},
			{Channel: "XYZ", Kind: "room", Target: "xyzchat"},
			{Channel: "XYZ", Kind: "microblog", Target: "acct1"},
		},
	})

	joins := make(map[string]RoomChange)
	for _, c := range changes {
		if !c.Join {
			t.Fatalf("unexpected leave on first load: %v", c)
		}
		joins[c.Room] = c
	}
	for _, room := range []string{"abcchat", "xyzchat", "firehose"} {
		if _, ok := joins[room]; !ok {
			t.Fatalf("missing join for %s in %v", room, changes)
		}
	}
	if joins["firehose"].Delay != 0 {
		t.Fatalf("firehose join should not be staggered")
	}
	if joins["abcchat"].Delay == joins["xyzchat"].Delay {
		t.Fatalf("joins not staggered: %v", changes)
	}

	// Second reload drops one room and adds another.
	changes = tbl.Reload(&storage.Snapshot{
		Subscriptions: []storage.Subscription{
			{Channel: "ABC", Kind: "room", Target: "abcchat"},
			{Channel: "DEF", Kind: "room", Target: "defchat"},
		},
		Disabled: []storage.Endpoint{{Kind: "microblog", Target: "acct1"}},
	})

	var joined, left []string
	for _, c := range changes {
		if c.Join {
			joined = append(joined, c.Room)
		} else {
			left = append(left, c.Room)
		}
	}
	if len(joined) != 1 || joined[0] != "defchat" {
		t.Fatalf("joined = %v", joined)
	}
	if len(left) != 1 || left[0] != "xyzchat" {
		t.Fatalf("left = %v", left)
	}

	// Disabled endpoint from the snapshot is excluded.
	for _, d := range tbl.Resolve("XYZ") {
		if d.Kind == KindMicroblog {
			t.Fatalf("disabled endpoint resolved: %v", d)
		}
	}
}

func TestChannelsFor(t *testing.T) {
	tbl := newTable(t)
	ctx := context.Background()

	d := Destination{Kind: KindRoom, Target: "abcchat"}
	for _, ch := range []string{"ABC", "DEF"} {
		if err := tbl.Subscribe(ctx, ch, d); err != nil {
			t.Fatalf("subscribe %s: %v", ch, err)
		}
	}
	chs := tbl.ChannelsFor(d)
	if len(chs) != 2 || chs[0] != "ABC" || chs[1] != "DEF" {
		t.Fatalf("channels = %v", chs)
	}
}
