package routing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"wxrelay/internal/storage"
	logx "wxrelay/pkg/logx"
)

var (
	ErrInvalidChannel    = errors.New("invalid channel")
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrUnknownChannel    = errors.New("unknown channel")
	ErrNotSubscribed     = errors.New("not subscribed")
)

// RoomChange is one join/leave action produced by a reload diff. Delay
// staggers joins so a large snapshot does not open every room at once.
type RoomChange struct {
	Room  string
	Join  bool
	Delay time.Duration
}

// Table maps channels to destination sets. Mutations are mirrored to the
// store before they are considered committed; if the store write fails the
// in-memory change is rolled back so memory never diverges from persisted
// state. Readers go through an RWMutex so a reload can never expose a
// half-replaced table.
type Table struct {
	mu       sync.RWMutex
	routes   map[string]map[string]Destination
	disabled map[string]bool

	// firehose, when set, receives every routed product regardless of
	// channel. It is exempt from join staggering.
	firehose string

	store storage.Store
	log   logx.Logger
}

func New(store storage.Store, firehose string, log logx.Logger) *Table {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Table{
		routes:   make(map[string]map[string]Destination),
		disabled: make(map[string]bool),
		firehose: firehose,
		store:    store,
		log:      log,
	}
}

// Subscribe adds a destination to a channel and persists the row. Duplicate
// subscriptions are reported as ErrAlreadySubscribed, never stored twice.
func (t *Table) Subscribe(ctx context.Context, channel string, dest Destination) error {
	channel = NormalizeChannel(channel)
	if channel == "" {
		return ErrInvalidChannel
	}

	t.mu.Lock()
	set, ok := t.routes[channel]
	if !ok {
		set = make(map[string]Destination)
		t.routes[channel] = set
	}
	key := dest.Key()
	if _, dup := set[key]; dup {
		t.mu.Unlock()
		return ErrAlreadySubscribed
	}
	set[key] = dest
	t.mu.Unlock()

	if t.store != nil {
		err := t.store.AddChannel(ctx, channel)
		if err == nil {
			err = t.store.AddSubscription(ctx, storage.Subscription{
				Channel: channel, Kind: string(dest.Kind), Target: dest.Target,
			})
		}
		if err != nil {
			t.mu.Lock()
			delete(t.routes[channel], key)
			if len(t.routes[channel]) == 0 && !ok {
				delete(t.routes, channel)
			}
			t.mu.Unlock()
			return err
		}
	}

	t.log.Info("subscribed",
		logx.String("channel", channel),
		logx.String("dest", key))
	return nil
}

// Unsubscribe removes a destination from a channel and persists the removal.
func (t *Table) Unsubscribe(ctx context.Context, channel string, dest Destination) error {
	channel = NormalizeChannel(channel)
	if channel == "" {
		return ErrInvalidChannel
	}

	t.mu.Lock()
	set, ok := t.routes[channel]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownChannel
	}
	key := dest.Key()
	if _, present := set[key]; !present {
		t.mu.Unlock()
		return ErrNotSubscribed
	}
	delete(set, key)
	t.mu.Unlock()

	if t.store != nil {
		err := t.store.RemoveSubscription(ctx, storage.Subscription{
			Channel: channel, Kind: string(dest.Kind), Target: dest.Target,
		})
		if err != nil {
			t.mu.Lock()
			t.routes[channel][key] = dest
			t.mu.Unlock()
			return err
		}
	}

	t.log.Info("unsubscribed",
		logx.String("channel", channel),
		logx.String("dest", key))
	return nil
}

// Resolve returns the active destinations for a channel. Unknown channels
// resolve to an empty set, never an error; disabled endpoints are excluded.
// The firehose room, when configured, is appended to every non-empty lookup
// key's result (including unknown channels, so it truly sees everything).
func (t *Table) Resolve(channel string) []Destination {
	channel = NormalizeChannel(channel)
	if channel == "" {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Destination
	seen := make(map[string]bool)
	for key, dest := range t.routes[channel] {
		if t.disabled[key] {
			continue
		}
		out = append(out, dest)
		seen[key] = true
	}
	if t.firehose != "" {
		fh := Destination{Kind: KindRoom, Target: t.firehose}
		if !seen[fh.Key()] {
			out = append(out, fh)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Channels returns all known channel ids in sorted order.
func (t *Table) Channels() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.routes))
	for ch := range t.routes {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// ChannelsFor returns the channels that include the given destination.
func (t *Table) ChannelsFor(dest Destination) []string {
	key := dest.Key()
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for ch, set := range t.routes {
		if _, ok := set[key]; ok {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out
}

// Rooms returns every room destination currently routed, plus the firehose.
func (t *Table) Rooms() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.roomsLocked()
}

func (t *Table) roomsLocked() []string {
	set := make(map[string]bool)
	for _, dests := range t.routes {
		for _, d := range dests {
			if d.Kind == KindRoom {
				set[d.Target] = true
			}
		}
	}
	if t.firehose != "" {
		set[t.firehose] = true
	}
	out := make([]string, 0, len(set))
	for room := range set {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// SetDisabled marks an endpoint unusable; Resolve stops returning it.
// Persistence of the disablement is the delivery layer's job.
func (t *Table) SetDisabled(dest Destination) {
	t.mu.Lock()
	t.disabled[dest.Key()] = true
	t.mu.Unlock()
}

// SetEnabled clears a disablement.
func (t *Table) SetEnabled(dest Destination) {
	t.mu.Lock()
	delete(t.disabled, dest.Key())
	t.mu.Unlock()
}

// Reload atomically replaces the table from a store snapshot and returns
// the room membership diff. Joins are staggered 0,30,60,... seconds in
// sorted room order; the firehose room joins immediately.
func (t *Table) Reload(snap *storage.Snapshot) []RoomChange {
	routes := make(map[string]map[string]Destination)
	disabled := make(map[string]bool)
	if snap != nil {
		for _, ch := range snap.Channels {
			id := NormalizeChannel(ch)
			if id == "" {
				continue
			}
			if _, ok := routes[id]; !ok {
				routes[id] = make(map[string]Destination)
			}
		}
		for _, sub := range snap.Subscriptions {
			id := NormalizeChannel(sub.Channel)
			if id == "" {
				continue
			}
			set, ok := routes[id]
			if !ok {
				set = make(map[string]Destination)
				routes[id] = set
			}
			d := Destination{Kind: Kind(sub.Kind), Target: sub.Target}
			set[d.Key()] = d
		}
		for _, ep := range snap.Disabled {
			disabled[Destination{Kind: Kind(ep.Kind), Target: ep.Target}.Key()] = true
		}
	}

	t.mu.Lock()
	before := t.roomsLocked()
	t.routes = routes
	t.disabled = disabled
	after := t.roomsLocked()
	t.mu.Unlock()

	was := make(map[string]bool, len(before))
	for _, r := range before {
		was[r] = true
	}
	now := make(map[string]bool, len(after))
	for _, r := range after {
		now[r] = true
	}

	var changes []RoomChange
	i := 0
	for _, room := range after {
		if was[room] {
			continue
		}
		var delay time.Duration
		if room != t.firehose {
			delay = time.Duration(i%30) * time.Second
			i++
		}
		changes = append(changes, RoomChange{Room: room, Join: true, Delay: delay})
	}
	for _, room := range before {
		if !now[room] {
			changes = append(changes, RoomChange{Room: room, Join: false})
		}
	}

	t.log.Info("routing table reloaded",
		logx.Int("channels", len(routes)),
		logx.Int("rooms", len(after)),
		logx.Int("changes", len(changes)))
	return changes
}
