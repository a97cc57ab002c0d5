package app

import (
	"context"
	"errors"
	"strings"

	"wxrelay/internal/dispatch"
	"wxrelay/internal/routing"
	kit "wxrelay/internal/transport"
	logx "wxrelay/pkg/logx"
)

// updateLoop is the single inbound path: product feed messages go to the
// dispatcher, operator commands mutate the routing table, everything else is
// ignored.
func (a *App) updateLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up := <-a.updates:
			a.handleUpdate(ctx, up)
		}
	}
}

func (a *App) handleUpdate(ctx context.Context, up kit.Update) {
	text := strings.TrimSpace(up.Text)
	if text == "" {
		return
	}

	if a.ingestSenders[strings.ToLower(up.FromUsername)] {
		rep := a.disp.Route(dispatch.Message{
			Author:   up.FromUsername,
			Body:     text,
			HomeRoom: up.Room,
		})
		a.log.Debug("product routed",
			logx.String("channel", rep.Channel),
			logx.Int("destinations", len(rep.Destinations)))
		return
	}

	prefix := a.botName + ":"
	if a.botName == "" || !strings.HasPrefix(text, prefix) {
		return
	}
	reply := a.handleCommand(ctx, up.Room, strings.TrimSpace(strings.TrimPrefix(text, prefix)))
	if reply == "" {
		return
	}
	if err := a.adapter.SendToRoom(ctx, up.Room, reply, nil); err != nil {
		a.log.Warn("command reply failed", logx.String("room", up.Room), logx.Err(err))
	}
}

// handleCommand executes one operator command issued from a room. The room
// itself is the destination being subscribed or unsubscribed.
func (a *App) handleCommand(ctx context.Context, room, cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return a.usage()
	}

	switch fields[0] {
	case "ping":
		return "pong"

	case "channels":
		if len(fields) < 2 {
			return a.usage()
		}
		dest := routing.Destination{Kind: routing.KindRoom, Target: room}
		switch fields[1] {
		case "list":
			chs := a.table.ChannelsFor(dest)
			if len(chs) == 0 {
				return "no channels subscribed"
			}
			return "channels: " + strings.Join(chs, ",")
		case "add":
			if len(fields) < 3 {
				return a.usage()
			}
			return a.mutateChannels(ctx, fields[2], dest, true)
		case "del":
			if len(fields) < 3 {
				return a.usage()
			}
			return a.mutateChannels(ctx, fields[2], dest, false)
		}
		return a.usage()
	}
	return a.usage()
}

// mutateChannels applies add/del across a comma-delimited channel list and
// reports per-channel results in one reply.
func (a *App) mutateChannels(ctx context.Context, list string, dest routing.Destination, add bool) string {
	var parts []string
	for _, raw := range strings.Split(list, ",") {
		channel := routing.NormalizeChannel(raw)
		if channel == "" {
			parts = append(parts, "ERROR: blank channel")
			continue
		}
		var err error
		if add {
			err = a.table.Subscribe(ctx, channel, dest)
		} else {
			err = a.table.Unsubscribe(ctx, channel, dest)
		}
		switch {
		case err == nil && add:
			parts = append(parts, "subscribed to "+channel)
		case err == nil:
			parts = append(parts, "unsubscribed from "+channel)
		case errors.Is(err, routing.ErrAlreadySubscribed):
			parts = append(parts, channel+" already subscribed")
		case errors.Is(err, routing.ErrUnknownChannel), errors.Is(err, routing.ErrNotSubscribed):
			parts = append(parts, channel+" is not subscribed")
		case errors.Is(err, routing.ErrInvalidChannel):
			parts = append(parts, "ERROR: invalid channel "+channel)
		default:
			a.log.Warn("channel mutation failed", logx.String("channel", channel), logx.Err(err))
			parts = append(parts, "ERROR: could not save "+channel)
		}
	}
	return strings.Join(parts, "; ")
}

func (a *App) usage() string {
	return "usage: " + a.botName + ": channels add <ID[,ID...]> | channels del <ID[,ID...]> | channels list | ping"
}
