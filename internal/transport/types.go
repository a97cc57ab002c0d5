package transport

import "context"

// Update is one inbound chat event, normalized to room semantics.
type Update struct {
	Room         string
	FromID       int64
	FromUsername string
	Text         string
}

// SendOptions carries adapter-specific formatting hints.
type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is a chat backend that exposes named rooms.
//
// Join/Leave express routing intent: an adapter that cannot programmatically
// enter rooms (Telegram bots are added by admins) records membership and
// filters sends instead.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendToRoom(ctx context.Context, room, text string, opt *SendOptions) error
	JoinRoom(room string) error
	LeaveRoom(room string) error

	// Rooms returns the rooms the adapter can currently deliver to.
	Rooms() []string
}
