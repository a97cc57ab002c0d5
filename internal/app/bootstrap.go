package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"wxrelay/internal/routing"
	"wxrelay/internal/storage"
	logx "wxrelay/pkg/logx"
)

// bootstrap installs seed subscriptions, loads the routing snapshot from the
// store, and joins the resulting room set.
func (a *App) bootstrap(ctx context.Context) error {
	cfg := a.cfgm.Get()

	if a.store != nil && cfg != nil && len(cfg.Bot.SeedRoutes) > 0 {
		seeds, err := parseSeedRoutes(cfg.Bot.SeedRoutes)
		if err != nil {
			return err
		}
		if err := a.store.SeedSubscriptions(ctx, seeds); err != nil {
			return fmt.Errorf("seed subscriptions: %w", err)
		}
		a.log.Info("seed subscriptions installed", logx.Int("rows", len(seeds)))
	}

	var snap *storage.Snapshot
	if a.store != nil {
		s, err := a.store.LoadSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		snap = s
	}
	a.applyRoomChanges(a.table.Reload(snap))

	// The ops room is not necessarily routed; join it so alerts can land.
	if cfg != nil && cfg.Alerts.Room != "" {
		if err := a.adapter.JoinRoom(cfg.Alerts.Room); err != nil {
			a.log.Warn("cannot join alert room", logx.String("room", cfg.Alerts.Room), logx.Err(err))
		}
	}
	return nil
}

// applyRoomChanges executes a reload diff: staggered joins, immediate leaves.
func (a *App) applyRoomChanges(changes []routing.RoomChange) {
	for _, ch := range changes {
		if !ch.Join {
			if err := a.adapter.LeaveRoom(ch.Room); err != nil {
				a.log.Warn("leave room failed", logx.String("room", ch.Room), logx.Err(err))
			}
			continue
		}
		room, delay := ch.Room, ch.Delay
		if delay <= 0 {
			a.joinRoom(room)
			continue
		}
		a.sup.Go0("room.join", func(c context.Context) {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-c.Done():
			case <-t.C:
				a.joinRoom(room)
			}
		})
	}
}

func (a *App) joinRoom(room string) {
	if err := a.adapter.JoinRoom(room); err != nil {
		a.log.Warn("join room failed", logx.String("room", room), logx.Err(err))
		return
	}
	a.log.Info("joined room", logx.String("room", room))
}

// parseSeedRoutes converts the config's channel -> ["kind:target", ...]
// mapping into subscription rows.
func parseSeedRoutes(seeds map[string][]string) ([]storage.Subscription, error) {
	var out []storage.Subscription
	for channel, dests := range seeds {
		id := routing.NormalizeChannel(channel)
		if id == "" {
			return nil, fmt.Errorf("bot.seed_routes: blank channel")
		}
		for _, raw := range dests {
			kind, target, ok := strings.Cut(raw, ":")
			if !ok || target == "" {
				return nil, fmt.Errorf("bot.seed_routes[%s]: destination %q is not kind:target", channel, raw)
			}
			switch routing.Kind(kind) {
			case routing.KindRoom, routing.KindMicroblog, routing.KindPage, routing.KindWebhook:
			default:
				return nil, fmt.Errorf("bot.seed_routes[%s]: unknown kind %q", channel, kind)
			}
			out = append(out, storage.Subscription{Channel: id, Kind: kind, Target: target})
		}
	}
	return out, nil
}
