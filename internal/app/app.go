// Package app wires the bot together: config, logging, transport,
// registry, poller, sinks and the command router.
package app

import (
	"context"
	"fmt"
	"time"

	"slotbot/internal/bot"
	"slotbot/internal/config"
	"slotbot/internal/course"
	"slotbot/internal/eventbus"
	"slotbot/internal/poller"
	"slotbot/internal/registry"
	"slotbot/internal/runtime/supervisor"
	"slotbot/internal/sink"
	"slotbot/internal/source"
	"slotbot/internal/storage"
	kit "slotbot/internal/transport"
	telegram "slotbot/internal/transport/telegram/adapter"
	"slotbot/internal/wshub"
	logx "slotbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter  kit.Adapter
	fetcher  *source.Client
	reg      *registry.Registry
	hub      *wshub.Hub
	notifier *sink.TelegramNotifier
	poll     *poller.Service
	router   *bot.Router

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with Telegram logging disabled, set the target, then
	// Apply the final config so the first Apply can't warn about a
	// missing target chat.
	logSvc, log := logx.New(mapLoggingConfig(cfg, false), ad)
	log = log.With(logx.String("comp", "app"))
	if cfg.Logging.Telegram.ChatID != 0 {
		logSvc.SetTelegramTarget(cfg.Logging.Telegram.ChatID)
	}
	logSvc.Apply(mapLoggingConfig(cfg, cfg.Logging.Telegram.Enabled))

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

	reg := registry.New(log.With(logx.String("comp", "registry")), bus, store)
	reg.SetBroadcastCourses(cfg.Broadcast.Track)

	srcCfg, err := mapScraperConfig(cfg)
	if err != nil {
		return nil, err
	}
	fetcher := source.New(srcCfg)

	hub := wshub.New(mapBroadcastConfig(cfg), log.With(logx.String("comp", "broadcast")))
	notifier := sink.NewTelegramNotifier(ad, notifierRate(cfg), log.With(logx.String("comp", "notifier")))
	broadcaster := sink.NewHubBroadcaster(hub, bus)

	poll, err := poller.New(mapPollerConfig(cfg), poller.Deps{
		Log:         log.With(logx.String("comp", "poller")),
		Bus:         bus,
		Fetcher:     fetcher,
		Registry:    reg,
		Notifier:    notifier,
		Broadcaster: broadcaster,
	})
	if err != nil {
		return nil, err
	}

	router := bot.NewRouter(log.With(logx.String("comp", "commands")), ad, reg, fetcher, poll)

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		fetcher:  fetcher,
		reg:      reg,
		hub:      hub,
		notifier: notifier,
		poll:     poll,
		router:   router,
		updates:  make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal
// error or Stop).
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
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		// Reject reloads that would break a running component.
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if _, err := mapScraperConfig(cfg); err != nil {
			return err
		}
		if cfg.Poller.Enabled {
			loc := time.Local
			if tz := cfg.Poller.Timezone; tz != "" {
				l, err := time.LoadLocation(tz)
				if err != nil {
					return fmt.Errorf("poller.timezone: invalid %q: %w", tz, err)
				}
				loc = l
			}
			if _, err := poller.ParseSchedule(cfg.Poller.Schedule, loc); err != nil {
				return err
			}
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	// Restore subscriptions before polling starts so stored baselines
	// suppress already-reported changes.
	if err := a.reg.Load(a.sup.Context()); err != nil {
		return err
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if a.hub.Enabled() {
		if err := a.hub.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.poll.Enabled() {
		if err := a.poll.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

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
				// Coalesce bursts: apply only the newest.
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
				a.applyReload(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload pushes a validated config change into running components.
// Storage and broadcast listener address changes need a restart; the
// rest applies live.
func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	if cfg.Logging.Telegram.ChatID != 0 {
		a.logs.SetTelegramTarget(cfg.Logging.Telegram.ChatID)
	} else {
		a.logs.SetTelegramTarget(0)
	}
	a.logs.Apply(mapLoggingConfig(cfg, cfg.Logging.Telegram.Enabled))
	a.notifier.SetRate(notifierRate(cfg))

	prevEnabled := a.poll.Enabled()
	if err := a.poll.Apply(mapPollerConfig(cfg)); err != nil {
		a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
	} else {
		if prevEnabled && !cfg.Poller.Enabled {
			a.log.Info("poller disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_ = a.poll.Stop(stopCtx)
			cancel()
		} else if !prevEnabled && cfg.Poller.Enabled {
			a.log.Info("poller enabled via config")
			_ = a.poll.Start(ctx)
		}
	}

	// Drop retained truth for courses that leave the broadcast set so
	// new listeners don't see stale data.
	kept := map[string]bool{}
	for _, raw := range cfg.Broadcast.Track {
		if sc, err := course.ParseScope(raw); err == nil {
			kept[sc.Course] = true
		}
	}
	for _, c := range a.reg.Courses() {
		if a.reg.IsBroadcast(c) && !kept[c] {
			a.hub.Forget(c)
		}
	}
	a.reg.SetBroadcastCourses(cfg.Broadcast.Track)

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bounded shutdown steps so one component can't stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
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

	step("poller", 3*time.Second, func(c context.Context) error { return a.poll.Stop(c) })
	step("broadcast", 2*time.Second, func(c context.Context) error { return a.hub.Stop(c) })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
