package app

import (
	"fmt"
	"strings"
	"time"

	"wxrelay/internal/alert"
	"wxrelay/internal/config"
	"wxrelay/internal/delivery"
	"wxrelay/internal/dispatch"
	"wxrelay/internal/maintenance"
	"wxrelay/internal/medium"
	"wxrelay/internal/server/httpapi"
	"wxrelay/internal/storage"
	telegram "wxrelay/internal/transport/telegram"
)

type Config = config.Config

type ConfigManager = config.Manager

var NewConfigManager = config.NewManager

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func mapTelegramConfig(cfg *Config) (telegram.Config, error) {
	pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		Rooms:       cfg.Telegram.Rooms,
		RatePerSec:  float64(cfg.Telegram.RatePerSec),
	}, nil
}

func mapStorageConfig(cfg *Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}

	switch driver {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, true, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: driver, DSN: sc.DSN}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDeliveryConfig(cfg *Config) (delivery.Config, error) {
	retry, err := parseDurationOrDefault("delivery.retry_delay", cfg.Delivery.RetryDelay, 15*time.Second)
	if err != nil {
		return delivery.Config{}, err
	}
	quota, err := parseDurationOrDefault("delivery.quota_delay", cfg.Delivery.QuotaDelay, 5*time.Minute)
	if err != nil {
		return delivery.Config{}, err
	}
	if cfg.Delivery.MaxTrips < 0 {
		return delivery.Config{}, fmt.Errorf("delivery.max_trips must be >= 0")
	}
	maxTrips := cfg.Delivery.MaxTrips
	if maxTrips == 0 {
		maxTrips = 2
	}
	return delivery.Config{RetryDelay: retry, QuotaDelay: quota, MaxTrips: maxTrips}, nil
}

func mapDispatchConfig(cfg *Config) (dispatch.Config, error) {
	if cfg.Dispatch.Workers < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.workers must be >= 0")
	}
	if cfg.Dispatch.QueueSize < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.queue_size must be >= 0")
	}
	return dispatch.Config{Workers: cfg.Dispatch.Workers, QueueSize: cfg.Dispatch.QueueSize}, nil
}

func mapMediumEndpoint(path string, me config.MediumEndpoint) (medium.Endpoint, error) {
	timeout, err := parseDurationOrDefault(path+".timeout", me.Timeout, 10*time.Second)
	if err != nil {
		return medium.Endpoint{}, err
	}
	if me.Budget < 0 {
		return medium.Endpoint{}, fmt.Errorf("%s.budget must be >= 0", path)
	}
	return medium.Endpoint{BaseURL: me.BaseURL, Timeout: timeout, Budget: me.Budget}, nil
}

func mapHTTPConfig(cfg *Config) (httpapi.Config, bool) {
	if cfg.HTTP == nil || !cfg.HTTP.Enabled {
		return httpapi.Config{}, false
	}
	addr := cfg.HTTP.Addr
	if addr == "" {
		addr = "127.0.0.1:8015"
	}
	return httpapi.Config{
		Enabled:        true,
		Addr:           addr,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, true
}

func mapMaintenanceConfig(cfg *Config) (maintenance.Config, error) {
	if cfg.Maintenance == nil {
		return maintenance.Config{}, nil
	}
	retention, err := parseDurationOrDefault("maintenance.retention", cfg.Maintenance.Retention, 7*24*time.Hour)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		Enabled:   cfg.Maintenance.Enabled,
		PurgeSpec: cfg.Maintenance.PurgeSpec,
		Retention: retention,
	}, nil
}

func mapAlertThrottle(cfg *Config) *alert.Throttle {
	return alert.NewThrottle(cfg.Alerts.MaxPerHour, time.Hour)
}
