package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the persistent configuration store.
//
// Driver values:
//   - "sqlite": embedded database file (Path)
//   - "postgres": server database (DSN)
//
// If Driver is empty or "none", storage is disabled and the relay runs from
// config alone (subscriptions do not survive a restart).
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Subscription is one (channel, destination) routing row.
// Kind/Target identify the destination: a room name, a microblog account id,
// a page id, or a webhook URL.
type Subscription struct {
	Channel string
	Kind    string
	Target  string
}

// Endpoint identifies a destination independent of channel, the granularity
// at which fatal provider errors disable delivery.
type Endpoint struct {
	Kind   string
	Target string
}

// Snapshot is the full routing configuration as loaded at startup or reload.
// Disabled endpoints are reported alongside, not pre-filtered; the routing
// layer decides what to exclude.
type Snapshot struct {
	Channels      []string
	Subscriptions []Subscription
	Disabled      []Endpoint
}

// DeliveryLogEntry records one terminal delivery outcome for audit.
// Keep it compact and schema-stable.
type DeliveryLogEntry struct {
	At           time.Time
	Medium       string
	Source       string
	ResourceURI  string
	Message      string
	Response     string
	ResponseCode int
}
