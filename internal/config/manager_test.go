package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"bot": {"name": "wxrelay", "firehose_room": "firehose", "ingest_senders": ["nwsbot"]},
		"telegram": {"token": "t", "poll_timeout": "10s", "rooms": {"abcchat": -100123}},
		"logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
		"dispatch": {"workers": 4, "queue_size": 128},
		"delivery": {"retry_delay": "15s", "quota_delay": "5m", "max_trips": 2},
		"mediums": {
			"microblog": {"base_url": "https://mb.example", "budget": 140},
			"page": {"base_url": "https://pg.example"},
			"webhook": {}
		},
		"alerts": {"room": "ops", "max_per_hour": 10}
	}`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bot.Name != "wxrelay" || cfg.Bot.FirehoseRoom != "firehose" {
		t.Fatalf("bot = %+v", cfg.Bot)
	}
	if cfg.Telegram.Rooms["abcchat"] != -100123 {
		t.Fatalf("rooms = %v", cfg.Telegram.Rooms)
	}
	if cfg.Mediums.Microblog.Budget != 140 {
		t.Fatalf("microblog = %+v", cfg.Mediums.Microblog)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get returned a different config")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
bot:
  name: wxrelay
  ingest_senders: [nwsbot]
  seed_routes:
    tbw: ["room:tbwchat", "room:tampabay"]
telegram:
  token: t
  poll_timeout: 10s
  rooms:
    abcchat: -100123
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
dispatch:
  workers: 2
  queue_size: 64
delivery:
  retry_delay: 15s
  quota_delay: 5m
  max_trips: 2
mediums:
  microblog: {base_url: "https://mb.example", budget: 140}
  page: {}
  webhook: {}
alerts:
  room: ops
`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if got := cfg.Bot.SeedRoutes["tbw"]; len(got) != 2 || got[0] != "room:tbwchat" {
		t.Fatalf("seed_routes = %v", cfg.Bot.SeedRoutes)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.json", `{"bot": {"name": "x", "ingest_senders": []}, "telegram": {"token": "t", "poll_timeout": "", "rooms": {}}, "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}, "dispatch": {"workers": 0, "queue_size": 0}, "delivery": {"retry_delay": "", "quota_delay": "", "max_trips": 0}, "mediums": {"microblog": {}, "page": {}, "webhook": {}}, "alerts": {}, "mystery_section": {}}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatalf("expected unknown-field error")
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", "15s"); err != nil || d.Seconds() != 15 {
		t.Fatalf("d=%v err=%v", d, err)
	}
	if _, err := ParseDurationField("x", "fifteen"); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatalf("expected negative-duration error")
	}
	if d, err := ParseDurationOrDefault("x", "", 7); err != nil || d != 7 {
		t.Fatalf("default d=%v err=%v", d, err)
	}
}
