// Package app wires the relay: one ledger, two bot connections, the shared
// session store and the services that sit between them.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaybot/internal/bot"
	"relaybot/internal/broadcast"
	"relaybot/internal/claim"
	"relaybot/internal/config"
	"relaybot/internal/delivery"
	"relaybot/internal/directory"
	"relaybot/internal/eventbus"
	"relaybot/internal/housekeeping"
	"relaybot/internal/intake"
	"relaybot/internal/media"
	"relaybot/internal/metrics"
	"relaybot/internal/opshttp"
	"relaybot/internal/reply"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/session"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	"relaybot/internal/transport/telegram"
	"relaybot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     *eventbus.MemBus
	metrics *metrics.Metrics
	store   storage.Store

	adminBot  kit.Adapter
	clientBot kit.Adapter

	sessions *session.Store
	deliver  *delivery.Deliverer
	media    *media.Cache
	engine   *broadcast.Engine

	admin  *bot.AdminHandler
	client *bot.ClientHandler
	lanes  *bot.Lanes
	runner *bot.Runner

	ops   *opshttp.Server
	house *housekeeping.Service

	adminUpdates  chan kit.Update
	clientUpdates chan kit.Update
}

type Option func(*options)

type options struct {
	admin, client kit.Adapter
}

// WithAdapters replaces the Telegram connections, for tests and dry runs.
func WithAdapters(admin, client kit.Adapter) Option {
	return func(o *options) { o.admin, o.client = admin, client }
}

// New loads the config through cfgm and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgm *config.Manager, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level)
	adminBot, clientBot := o.admin, o.client
	if adminBot == nil {
		adminBot, err = telegram.New(telegram.Config{
			Name:        "admin",
			Token:       cfg.Telegram.AdminToken,
			PollTimeout: cfg.Telegram.PollTimeout.D(),
		}, bootLog.With(logx.String("bot", "admin")))
		if err != nil {
			return nil, fmt.Errorf("admin bot: %w", err)
		}
	}
	if clientBot == nil {
		clientBot, err = telegram.New(telegram.Config{
			Name:        "client",
			Token:       cfg.Telegram.ClientToken,
			PollTimeout: cfg.Telegram.PollTimeout.D(),
		}, bootLog.With(logx.String("bot", "client")))
		if err != nil {
			return nil, fmt.Errorf("client bot: %w", err)
		}
	}

	logSvc, root := logx.New(cfg.LogConfig(), logSender{adminBot})
	log := root.With(logx.String("comp", "app"))

	store, err := storage.Open(ctx, storageConfig(cfg), root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if id := cfg.Support.InitialAdminID; id != 0 {
		name := cfg.Support.InitialAdminName
		if name == "" {
			name = "Owner"
		}
		added, err := storage.SeedAdmin(ctx, store, id, name)
		if err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, fmt.Errorf("seed admin: %w", err)
		}
		if added {
			log.Info("initial admin seeded", logx.Int64("tg_id", id))
		}
	}

	cache, err := media.New(cfg.Media.Dir, root.With(logx.String("comp", "media")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	m := metrics.New()
	sessions := session.NewStore(root.With(logx.String("comp", "session")))
	deliver := delivery.New(deliveryPolicy(cfg), root.With(logx.String("comp", "delivery")), delivery.WithMetrics(m))

	claims := claim.New(claim.Deps{
		Store: store, Admin: adminBot, Sessions: sessions, Deliver: deliver,
		Bus: bus, Metrics: m, Log: root,
	})
	engine := broadcast.New(broadcast.Deps{
		Store: store, Admin: adminBot, Client: clientBot, Sessions: sessions,
		Media: cache, Deliver: deliver, Bus: bus, Metrics: m, Log: root,
		Delay: cfg.Broadcast.Delay.D(),
	})
	sessions.OnDiscard(engine.Discard)
	sessions.OnPreempt(func(session.Session, session.Mode) { m.Preempted() })
	router := reply.New(reply.Deps{
		Store: store, Admin: adminBot, Client: clientBot, Sessions: sessions,
		Media: cache, Deliver: deliver, Bus: bus, Log: root,
	})
	in := intake.New(intake.Deps{
		Store: store, Client: clientBot, Claims: claims, Media: cache,
		Bus: bus, Metrics: m, Log: root, SupportEmail: cfg.Support.Email,
	})

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		metrics:  m,
		store:    store,
		adminBot: adminBot, clientBot: clientBot,
		sessions: sessions,
		deliver:  deliver,
		media:    cache,
		engine:   engine,
		admin: bot.NewAdmin(bot.AdminDeps{
			Store: store, Bot: adminBot, Sessions: sessions, Claims: claims,
			Replies: router, Broadcast: engine,
			Directory: directory.New(store, root.With(logx.String("comp", "directory"))),
			Log:       root,
		}),
		client:        bot.NewClient(in, clientBot, root),
		adminUpdates:  make(chan kit.Update, cfg.Dispatch.Updates),
		clientUpdates: make(chan kit.Update, cfg.Dispatch.Updates),
	}
	a.ops = opshttp.New(m.Handler(), a.healthy, root)
	a.house = housekeeping.New(root)
	a.house.Register(housekeeping.JobMediaSweep, housekeeping.MediaSweep(cache,
		func() time.Duration { return cfgm.Get().Media.MaxAge.D() },
		engine.LivePaths,
		root.With(logx.String("comp", "housekeeping")),
	))
	a.house.Register(housekeeping.JobUnclaimedDigest, housekeeping.UnclaimedDigest(store, adminBot, root))
	return a, nil
}

func (a *App) healthy(ctx context.Context) error {
	_, err := a.store.CountUnclaimed(ctx)
	return err
}

// Done is closed when the app context ends, by Stop or a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Metrics exposes the collectors, mostly for tests.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Start connects both bots and begins dispatching updates.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
		return restartOnly(a.cfgm.Get(), next)
	})

	a.lanes = bot.NewLanes(a.sup, cfg.Dispatch.Workers, cfg.Dispatch.QueueDepth, a.log.With(logx.String("comp", "lanes")))
	a.runner = bot.NewRunner(a.lanes, cfg.Dispatch.HandlerTimeout.D(), a.log)

	if err := a.adminBot.Start(a.sup.Context(), a.adminUpdates); err != nil {
		return fmt.Errorf("admin bot: %w", err)
	}
	if err := a.clientBot.Start(a.sup.Context(), a.clientUpdates); err != nil {
		return fmt.Errorf("client bot: %w", err)
	}
	a.sup.Go("admin.dispatch", func(c context.Context) error {
		return a.runner.Serve(c, "admin", a.adminUpdates, a.admin.Handle)
	})
	a.sup.Go("client.dispatch", func(c context.Context) error {
		return a.runner.Serve(c, "client", a.clientUpdates, a.client.Handle)
	})
	a.sup.Go0("commands.publish", func(c context.Context) {
		bot.PublishCommands(c, a.adminBot, bot.AdminCommands(), a.log)
		bot.PublishCommands(c, a.clientBot, bot.ClientCommands(), a.log)
	})

	if err := a.ops.Reconfigure(a.sup.Context(), opsConfig(cfg)); err != nil {
		a.log.Warn("ops server not started", logx.Err(err))
	}
	if err := a.house.Start(a.sup.Context(), houseConfig(cfg)); err != nil {
		return err
	}

	a.logEvents()
	a.watchConfig()

	a.log.Info("relay started",
		logx.String("driver", cfg.Storage.Driver),
		logx.Int("workers", cfg.Dispatch.Workers),
		logx.Duration("broadcast_delay", cfg.Broadcast.Delay.D()),
	)
	return nil
}

func (a *App) logEvents() {
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

// Stop shuts components down in reverse dependency order. Each step is bounded
// by its own budget and by ctx.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		c, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(c)
		}()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		case <-c.Done():
			a.log.Warn("stop step deadline reached", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("broadcast", time.Second, func(context.Context) error { a.engine.Shutdown(); return nil })
	step("housekeeping", 2*time.Second, func(c context.Context) error { a.house.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("client.bot", 2*time.Second, a.clientBot.Stop)
	step("admin.bot", 2*time.Second, a.adminBot.Stop)
	step("lanes", 3*time.Second, func(context.Context) error { a.lanes.Stop(); return nil })
	step("supervisor", 3*time.Second, a.sup.Wait)
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) close() error {
	err := a.store.Close()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}

// logSender lets the log service post lines through the admin bot.
type logSender struct{ bot kit.Adapter }

func (s logSender) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := s.bot.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}
