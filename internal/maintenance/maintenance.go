// Package maintenance runs periodic housekeeping, currently a nightly purge
// of old delivery-log rows so the audit table stays bounded.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"wxrelay/internal/storage"
	logx "wxrelay/pkg/logx"
)

type Config struct {
	Enabled   bool
	PurgeSpec string        // cron spec, default "15 3 * * *"
	Retention time.Duration // delivery log rows older than this are purged
}

func (c Config) withDefaults() Config {
	if c.PurgeSpec == "" {
		c.PurgeSpec = "15 3 * * *"
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	return c
}

type Runner struct {
	cfg   Config
	store storage.Store
	log   logx.Logger
	cron  *cron.Cron
}

func New(cfg Config, store storage.Store, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{cfg: cfg.withDefaults(), store: store, log: log}
}

// Start schedules the purge job. A nil store means nothing to maintain.
func (r *Runner) Start() error {
	if !r.cfg.Enabled || r.store == nil {
		return nil
	}
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.cfg.PurgeSpec, r.purge); err != nil {
		return err
	}
	r.cron.Start()
	r.log.Info("maintenance scheduled",
		logx.String("spec", r.cfg.PurgeSpec),
		logx.Duration("retention", r.cfg.Retention))
	return nil
}

func (r *Runner) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

func (r *Runner) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := r.store.PurgeDeliveryLog(ctx, time.Now().Add(-r.cfg.Retention))
	if err != nil {
		r.log.Error("delivery log purge failed", logx.Err(err))
		return
	}
	r.log.Info("delivery log purged", logx.Int64("rows", n))
}
