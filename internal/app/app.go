// Package app wires the relay together: transport, routing, dispatch,
// delivery policy, history, the catch-up API, and the config lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"wxrelay/internal/alert"
	"wxrelay/internal/delivery"
	"wxrelay/internal/dispatch"
	"wxrelay/internal/eventbus"
	"wxrelay/internal/history"
	"wxrelay/internal/maintenance"
	"wxrelay/internal/medium"
	"wxrelay/internal/routing"
	rtsup "wxrelay/internal/runtime/supervisor"
	"wxrelay/internal/server/httpapi"
	"wxrelay/internal/storage"
	kit "wxrelay/internal/transport"
	telegram "wxrelay/internal/transport/telegram"
	logx "wxrelay/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	table   *routing.Table
	hist    *history.Log
	policy  *delivery.Manager
	disp    *dispatch.Dispatcher
	alerts  *alert.Service
	httpSrv *httpapi.Server
	maint   *maintenance.Runner

	ingestSenders map[string]bool
	botName       string

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	tgCfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tgCfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	table := routing.New(store, cfg.Bot.FirehoseRoom, log.With(logx.String("comp", "routing")))
	hist := history.New()

	alertSvc := alert.NewService(mapAlertThrottle(cfg), cfg.Alerts.Room,
		func(ctx context.Context, room, text string) error {
			return ad.SendToRoom(ctx, room, text, nil)
		},
		log.With(logx.String("comp", "alert")))

	delCfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	policy := delivery.NewManager(delCfg, table, store, bus, alertSvc,
		log.With(logx.String("comp", "delivery")))

	mbEp, err := mapMediumEndpoint("mediums.microblog", cfg.Mediums.Microblog)
	if err != nil {
		return nil, err
	}
	pgEp, err := mapMediumEndpoint("mediums.page", cfg.Mediums.Page)
	if err != nil {
		return nil, err
	}
	whEp, err := mapMediumEndpoint("mediums.webhook", cfg.Mediums.Webhook)
	if err != nil {
		return nil, err
	}
	senders := dispatch.Senders{
		Microblog: medium.NewMicroblog(mbEp, log.With(logx.String("comp", "microblog"))),
		Page:      medium.NewPage(pgEp, log.With(logx.String("comp", "page"))),
		Webhook:   medium.NewWebhook(whEp, log.With(logx.String("comp", "webhook"))),
	}

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dispCfg, table, hist, policy, ad, senders, bus,
		log.With(logx.String("comp", "dispatch")))

	var httpSrv *httpapi.Server
	if hc, enabled := mapHTTPConfig(cfg); enabled {
		httpSrv = httpapi.New(hc, hist, log.With(logx.String("comp", "http")))
	}

	maintCfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return nil, err
	}
	maint := maintenance.New(maintCfg, store, log.With(logx.String("comp", "maintenance")))

	ingest := make(map[string]bool, len(cfg.Bot.IngestSenders))
	for _, s := range cfg.Bot.IngestSenders {
		ingest[strings.ToLower(strings.TrimSpace(s))] = true
	}

	return &App{
		cfgPath:       cfgPath,
		cfgm:          cfgm,
		log:           log,
		logs:          logSvc,
		bus:           bus,
		store:         store,
		adapter:       ad,
		table:         table,
		hist:          hist,
		policy:        policy,
		disp:          disp,
		alerts:        alertSvc,
		httpSrv:       httpSrv,
		maint:         maint,
		ingestSenders: ingest,
		botName:       cfg.Bot.Name,
		updates:       make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
		if strings.TrimSpace(cfg.Bot.Name) == "" {
			return fmt.Errorf("bot.name is required")
		}
		if _, err := mapTelegramConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDeliveryConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapMediumEndpoint("mediums.microblog", cfg.Mediums.Microblog); err != nil {
			return err
		}
		if _, err := mapMediumEndpoint("mediums.page", cfg.Mediums.Page); err != nil {
			return err
		}
		if _, err := mapMediumEndpoint("mediums.webhook", cfg.Mediums.Webhook); err != nil {
			return err
		}
		if _, err := mapMaintenanceConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.disp.Start(a.sup.Context())

	if err := a.bootstrap(a.sup.Context()); err != nil {
		return err
	}

	if a.httpSrv != nil {
		a.sup.Go("http.api", func(c context.Context) error {
			return a.httpSrv.Start(c)
		})
	}
	if err := a.maint.Start(); err != nil {
		return err
	}

	a.sup.Go("updates.loop", func(c context.Context) error {
		return a.updateLoop(c)
	})

	// Terminal delivery outcomes are already logged by the policy; keep a
	// debug trace of all bus traffic for troubleshooting.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("topic", e.Topic), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload: validated configs are republished by the watcher. Only
	// logging applies live; structural changes (storage, transport, rooms)
	// take effect on restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("relay started", logx.String("bot", a.botName))
	return nil
}

func (a *App) applyReload(cfg *Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("maintenance", time.Second, func(context.Context) error { a.maint.Stop(); return nil })
	step("dispatch", 2*time.Second, func(c context.Context) error { return a.disp.Stop(c) })
	step("delivery", time.Second, func(context.Context) error { a.policy.Close(); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
