// Package app wires configuration, storage, the session manager, the
// scheduler and reporting into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"nutsfarm/internal/config"
	"nutsfarm/internal/eventbus"
	"nutsfarm/internal/observability/status"
	"nutsfarm/internal/pace"
	"nutsfarm/internal/proxy"
	"nutsfarm/internal/report"
	rtsup "nutsfarm/internal/runtime/supervisor"
	"nutsfarm/internal/scheduler"
	"nutsfarm/internal/session"
	"nutsfarm/internal/storage"
	"nutsfarm/internal/transport/telegram"
	logx "nutsfarm/pkg/logx"
)

type App struct {
	cfgm     *config.ConfigManager
	settings config.Resolved

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	binder *proxy.Binder
	tg     *telegram.Sender

	sessions *session.Manager
	sched    *scheduler.Scheduler
	report   *report.Service
	status   *status.Service

	schedCancel context.CancelFunc
	schedDone   chan struct{}

	sup  *rtsup.Supervisor
	opts options
}

// Option tweaks construction; tests use it to avoid real Telegram calls.
type Option func(*options)

type options struct {
	telegramURL string
	offline     bool
	sleep       pace.SleepFunc
	logLevel    string
}

// WithLogLevel overrides logging.level, including after reloads.
func WithLogLevel(level string) Option {
	return func(o *options) { o.logLevel = strings.TrimSpace(level) }
}

// WithTelegramEndpoint points the bot at url and skips the getMe handshake.
func WithTelegramEndpoint(url string) Option {
	return func(o *options) { o.telegramURL = url; o.offline = true }
}

// WithSleep replaces the pacing sleep used inside session runs.
func WithSleep(fn pace.SleepFunc) Option {
	return func(o *options) { o.sleep = fn }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	settings, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	var tg *telegram.Sender
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		tg, err = telegram.New(telegram.Config{
			Token:   cfg.Telegram.Token,
			URL:     o.telegramURL,
			Offline: o.offline,
		}, bootLog)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
	}

	// logx.Sender must stay nil (not a typed nil) when Telegram is off.
	var logSender logx.Sender
	if tg != nil {
		logSender = tg
	}
	logSvc, log := logx.New(o.logConfig(cfg), logSender)
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg, settings)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	binder, err := NewBinder(cfg, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	cred, err := buildCredential(cfg, settings)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	sleep := o.sleep
	if sleep == nil {
		sleep = pace.Sleep
	}
	rnd := pace.Seeded()

	sessions := session.NewManager(session.Deps{
		Settings:   settings,
		LogProxies: cfg.Proxies.Log,
		Subscribe:  cfg.Tasks.EnableChannelSubscriptions,
		Credential: cred,
		Binder:     binder,
		Ledger:     store,
		Subscriber: buildSubscriber(cfg, settings, sleep, log),
		Rand:       rnd,
		Sleep:      sleep,
		Log:        log.With(logx.String("comp", "session")),
	})

	bus := eventbus.New()
	sched := scheduler.New(sessions, scheduler.Options{
		Pause:           settings.Pause,
		MinSleep:        settings.MinSleep,
		Idle:            settings.Idle,
		StartSpread:     settings.StartSpread,
		InvalidCooldown: settings.InvalidSessionCooldown,
		CrashDelay:      settings.CrashDelay,
		Bus:             bus,
		Rand:            rnd,
		Log:             log.With(logx.String("comp", "scheduler")),
	})

	var reportSender report.Sender
	if tg != nil {
		reportSender = tg
	}
	rep, err := report.New(mapReportConfig(cfg), bus, store, reportSender, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgm:     cfgm,
		settings: settings,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		binder:   binder,
		tg:       tg,
		sessions: sessions,
		sched:    sched,
		report:   rep,
		opts:     o,
	}
	a.status = status.New(mapStatusConfig(cfg), a.statusPayload, log)
	return a, nil
}

// statusView is served at /status.
type statusView struct {
	scheduler.Snapshot
	EventsDropped uint64 `json:"events_dropped"`
}

func (a *App) statusPayload() any {
	return statusView{Snapshot: a.sched.Snapshot(), EventsDropped: eventbus.Dropped(a.bus)}
}

func (o options) logConfig(cfg *config.Config) logx.Config {
	lc := config.LogxConfig(cfg)
	if o.logLevel != "" {
		lc.Level = o.logLevel
	}
	return lc
}

// Snapshot returns the scheduler's view as of its last tick.
func (a *App) Snapshot() scheduler.Snapshot { return a.sched.Snapshot() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		r, err := config.Resolve(cfg)
		if err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg, r); err != nil {
			return err
		}
		if tz := strings.TrimSpace(mapReportConfig(cfg).Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("report.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	names, err := Roster(a.cfgm.Get())
	if err != nil {
		return err
	}
	a.sched.SetSessions(names)
	a.log.Info("sessions discovered", logx.Int("count", len(names)), logx.String("names", strings.Join(names, ",")))

	// report outlives the supervisor so Stop can drain the last runs into it
	if err := a.report.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	schedCtx, schedCancel := context.WithCancel(a.sup.Context())
	schedDone := make(chan struct{})
	a.schedCancel, a.schedDone = schedCancel, schedDone
	a.sup.Go("scheduler", func(context.Context) error {
		defer close(schedDone)
		return a.sched.Run(schedCtx)
	})
	a.status.Start(a.sup.Context())

	if a.bus != nil {
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
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// keep only the latest config of a burst
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.apply(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// apply hot-reloads the live sections: logging, proxies, the roster and status.
func (a *App) apply(oldCfg, newCfg *config.Config) {
	ch := config.SummarizeChange(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Debug("config change summary", fields...)
	if len(ch.Restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(ch.Restart, ",")))
	}

	a.logs.Apply(a.opts.logConfig(newCfg))

	a.status.Reconfigure(a.sup.Context(), mapStatusConfig(newCfg))

	if oldCfg.Proxies != newCfg.Proxies {
		pool, err := proxyPool(newCfg)
		if err != nil {
			a.log.Warn("proxies file unreadable; keeping previous pool", logx.Err(err))
		} else {
			a.binder.SetPool(pool)
			a.log.Info("proxy pool reloaded", logx.Int("size", len(pool)))
		}
	}

	names, err := Roster(newCfg)
	if err != nil {
		a.log.Warn("session discovery failed; keeping previous roster", logx.Err(err))
	} else {
		a.sched.SetSessions(names)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// step bounds one shutdown stage by max without extending ctx.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// the scheduler returns once its in-flight runs have published reports
	if a.schedCancel != nil {
		a.schedCancel()
		step("scheduler", 30*time.Second, func(c context.Context) error {
			select {
			case <-a.schedDone:
				return nil
			case <-c.Done():
				return c.Err()
			}
		})
	}
	a.sup.Cancel()
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("status", 2*time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("report", 3*time.Second, a.report.Stop)
	step("telegram", time.Second, func(context.Context) error {
		if a.tg != nil {
			a.tg.Stop()
		}
		return nil
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
