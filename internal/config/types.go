package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Bot      BotConfig      `json:"bot"`
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	Storage *StorageConfig `json:"storage,omitempty"`
	HTTP    *HTTPConfig    `json:"http,omitempty"`

	Dispatch DispatchConfig `json:"dispatch"`
	Delivery DeliveryConfig `json:"delivery"`
	Mediums  MediumsConfig  `json:"mediums"`
	Alerts   AlertConfig    `json:"alerts"`

	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

// BotConfig identifies the relay itself.
//
// Name doubles as the command prefix in rooms ("wxrelay: channels add DMX")
// and as the store table prefix, matching how deployments historically ran
// several relays against one database.
type BotConfig struct {
	Name string `json:"name"`

	// FirehoseRoom receives a copy of every ingested product. Stored as a
	// wildcard channel subscription at bootstrap; empty disables the mirror.
	FirehoseRoom string `json:"firehose_room,omitempty"`

	// IngestSenders are transport usernames whose room messages are treated
	// as product feed input rather than operator chatter.
	IngestSenders []string `json:"ingest_senders"`

	// SeedRoutes are static subscriptions installed in the store at startup
	// when absent, keyed by channel with "kind:target" destinations (e.g.
	// "room:tbwchat"). This is how historical office fan-out chains are
	// expressed as data.
	SeedRoutes map[string][]string `json:"seed_routes,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// Rooms maps logical room names to Telegram chat IDs.
	Rooms      map[string]int64 `json:"rooms"`
	RatePerSec int              `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistent configuration store.
//
// Driver values:
//   - "sqlite": embedded database file (Path)
//   - "postgres": server database (DSN)
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HTTPConfig controls the catch-up polling API.
type HTTPConfig struct {
	Enabled        bool     `json:"enabled"`
	Addr           string   `json:"addr,omitempty"` // default: "127.0.0.1:8015"
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// DispatchConfig sizes the delivery worker pool. Deliveries to independent
// destinations run concurrently; the dispatch loop itself never blocks on
// delivery I/O.
type DispatchConfig struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
}

// DeliveryConfig tunes the per-destination failure policy.
//
// All durations are Go duration strings.
type DeliveryConfig struct {
	// RetryDelay is the pause before the single automatic retry of a
	// transient provider failure.
	RetryDelay string `json:"retry_delay"`
	// QuotaDelay is the longer pause used when a provider reports rate or
	// lock pressure.
	QuotaDelay string `json:"quota_delay"`
	// MaxTrips caps automatic re-submissions of one message to one
	// destination (first attempt not counted).
	MaxTrips int `json:"max_trips"`
}

type MediumsConfig struct {
	Microblog MediumEndpoint `json:"microblog"`
	Page      MediumEndpoint `json:"page"`
	Webhook   MediumEndpoint `json:"webhook"`
}

// MediumEndpoint configures one outbound medium.
// Budget 0 selects the medium's built-in default (140 microblog, 500 page,
// 2000 webhook).
type MediumEndpoint struct {
	BaseURL string `json:"base_url,omitempty"`
	Timeout string `json:"timeout,omitempty"` // Go duration string
	Budget  int    `json:"budget,omitempty"`
}

// AlertConfig controls operational (non-user-facing) failure notifications.
type AlertConfig struct {
	// Room is the operator room receiving alerts; empty logs only.
	Room string `json:"room,omitempty"`
	// MaxPerHour caps alerts through the sliding-window throttle.
	MaxPerHour int `json:"max_per_hour,omitempty"`
}

// MaintenanceConfig controls the periodic delivery-log purge.
type MaintenanceConfig struct {
	Enabled bool `json:"enabled"`
	// PurgeSpec is a cron spec; default "0 0 * * *" (daily at 00:00).
	PurgeSpec string `json:"purge_spec,omitempty"`
	// Retention is a Go duration string; rows older than this are purged.
	Retention string `json:"retention,omitempty"`
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
