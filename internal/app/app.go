// Package app wires every service and owns their start and stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"nowplaying/internal/chat"
	"nowplaying/internal/config"
	"nowplaying/internal/eventbus"
	"nowplaying/internal/fanout"
	"nowplaying/internal/httpapi"
	"nowplaying/internal/metrics"
	"nowplaying/internal/observability/debug"
	"nowplaying/internal/presence"
	"nowplaying/internal/provider"
	"nowplaying/internal/registry"
	"nowplaying/internal/runtime/supervisor"
	"nowplaying/internal/storage"
	"nowplaying/internal/task/engine"
	"nowplaying/internal/task/scheduler"
	"nowplaying/internal/transport/ws"
	logx "nowplaying/pkg/logx"
	"nowplaying/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine  *engine.Service
	sched   *scheduler.Service
	fan     *fanout.Deliverer
	hub     *ws.Hub
	metrics *metrics.Metrics
	debug   *debug.Server
	srv     *http.Server

	shutdownTimeout time.Duration
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*App, error) {
		_ = store.Close()
		return nil, err
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	engCfg, err := mapEngineConfig(cfg, schedCfg.TickTimeout)
	if err != nil {
		return fail(err)
	}
	provCfg, skew, err := mapProviderConfig(cfg)
	if err != nil {
		return fail(err)
	}
	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return fail(err)
	}

	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	schedSvc := scheduler.New(schedCfg, store, engineSvc, log)
	reg := registry.New(store, log)

	hub := ws.NewHub(srvCfg.Socket, nil, bus, log)
	fan := fanout.New(mapFanoutConfig(cfg), hub, log)

	// One client, owned here, shared by every tick.
	hc := &http.Client{Timeout: provCfg.Timeout}
	src, err := provider.NewHTTP(provCfg, hc, log)
	if err != nil {
		return fail(err)
	}

	orch := presence.NewOrchestrator(presence.Deps{
		Registry:    reg,
		Scheduler:   schedSvc,
		Deliverer:   fan,
		Source:      src,
		Credentials: store,
		Statuses:    store,
		Bus:         bus,
		Log:         log,
		RefreshSkew: skew,
	})
	schedSvc.SetRunner(orch.Tick)

	presenceSvc := presence.NewService(reg, schedSvc, log)
	chatSvc := chat.New(reg, fan, bus, log)
	hub.SetHandler(socketHandler{presence: presenceSvc, chat: chatSvc})

	met := metrics.New()
	router := httpapi.NewRouter(httpapi.Deps{
		Jobs:        schedSvc,
		Viewers:     reg,
		Statuses:    store,
		Credentials: store,
		Chat:        chatSvc,
		Socket:      hub,
		Metrics:     met.Handler(func() { met.SetJobs(schedSvc.Len()) }),
		Observe:     met.ObserveRequest,
		Log:         log,
	})

	return &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		engine:  engineSvc,
		sched:   schedSvc,
		fan:     fan,
		hub:     hub,
		metrics: met,
		debug:   debug.New(srvCfg.Debug, log),
		srv: &http.Server{
			Addr:              srvCfg.Addr,
			Handler:           router,
			ReadHeaderTimeout: srvCfg.ReadTimeout,
			IdleTimeout:       srvCfg.IdleTimeout,
		},
		shutdownTimeout: srvCfg.ShutdownTimeout,
	}, nil
}

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

func (a *App) ShutdownTimeout() time.Duration { return a.shutdownTimeout }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.engine.Start(a.sup.Context())
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("metrics.events", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})
	a.sup.Go("http.server", func(c context.Context) error {
		a.log.Info("http listening", logx.String("addr", a.srv.Addr))
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, time.Minute))
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("systemd.watchdog", systemd.Watchdog)
	if a.debug.Enabled() {
		a.debug.Expose("engine", func() any { return a.engine.Snapshot() })
		a.debug.Expose("jobs", func() any { return a.sched.Len() })
		a.debug.Expose("sockets", func() any { return a.hub.Len() })
		a.debug.Expose("supervisor", func() any { return a.sup.Counters() })
		a.sup.GoRestart("debug.server", a.debug.Run,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second),
			supervisor.WithMaxRestarts(5),
		)
	}

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("started",
		logx.Duration("active_interval", a.sched.Config().ActiveInterval),
		logx.Duration("reduced_interval", a.sched.Config().ReducedInterval),
		logx.Int("jobs", a.sched.Len()),
	)
	return nil
}

// reloadLoop applies the hot-reloadable sections: logging and fan-out.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					break drain
				}
			}
			for _, section := range config.ChangedSections(last, cfg) {
				switch section {
				case "logging":
					a.logs.Apply(mapLogConfig(cfg))
				case "fanout":
					a.fan.Apply(mapFanoutConfig(cfg))
				default:
					a.log.Info("config section changed; restart to apply", logx.String("section", section))
				}
			}
			last = cfg
		}
	}
}

// Stop shuts down in reverse dependency order: stop accepting sockets, stop
// triggering, drain ticks, then close the store.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	start := time.Now()

	var errs []error
	if err := a.srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.hub.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("ws shutdown: %w", err))
	}
	a.sched.Stop(ctx)
	a.engine.Stop(ctx)
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	a.log.Info("stopped", logx.Duration("took", time.Since(start)))
	_ = a.logs.Close()
	return errors.Join(errs...)
}
