package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "wxrelay/pkg/logx"
)

// Store is the persistence API used by the routing and delivery layers.
// All writes are idempotent so a retried mutation cannot corrupt state.
type Store interface {
	LoadSnapshot(ctx context.Context) (*Snapshot, error)

	AddChannel(ctx context.Context, channel string) error
	AddSubscription(ctx context.Context, sub Subscription) error
	RemoveSubscription(ctx context.Context, sub Subscription) error

	DisableEndpoint(ctx context.Context, ep Endpoint, reason string) error
	EnableEndpoint(ctx context.Context, ep Endpoint) error

	AppendDeliveryLog(ctx context.Context, e DeliveryLogEntry) error
	PurgeDeliveryLog(ctx context.Context, olderThan time.Time) (int64, error)

	// SeedSubscriptions inserts rows that are not already present. Used at
	// bootstrap to install the static fan-out entries (historical office ->
	// extra-room chains) as data.
	SeedSubscriptions(ctx context.Context, subs []Subscription) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
