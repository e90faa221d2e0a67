package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"modbot/internal/config"
	"modbot/internal/detect"
	"modbot/internal/dispatch"
	"modbot/internal/eventbus"
	"modbot/internal/ingest"
	"modbot/internal/jobs"
	"modbot/internal/observability/debugsrv"
	"modbot/internal/review"
	rtsup "modbot/internal/runtime/supervisor"
	"modbot/internal/storage"
	"modbot/internal/transport/telegram"
	logx "modbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	disp     *dispatch.Dispatcher
	adapter  *telegram.Adapter
	pipeline *ingest.Pipeline
	reviewer *review.Handler

	linkFlood  *detect.LinkFloodDetector
	duplicates *detect.DuplicateRepostDetector
	rejoin     *detect.RapidRejoinDetector

	drainFor time.Duration

	prune  *jobs.Prune
	health *jobs.Health
	debug  *debugsrv.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}

	// Alerts need the adapter as sender; it is attached once the adapter
	// exists, and lines logged before that only reach console/file.
	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	a := &App{cfgm: cfgm, root: root, log: log, logs: logSvc, bus: bus}
	if err := a.build(cfg, root); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	sc, enabled, _ := mapStorageConfig(cfg)
	if !enabled {
		// Detectors query activity history, so something has to hold it.
		a.log.Warn("storage disabled; keeping activity in memory only")
		sc = storage.Config{Driver: "memory"}
	}
	store, err := storage.Open(sc, root)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	dcfg, healthEvery, _ := mapDispatchConfig(cfg)
	disp, err := dispatch.New(dcfg,
		dispatch.NewLogFaultSink(root, a.bus),
		root,
		a.bus,
	)
	if err != nil {
		return err
	}
	a.disp = disp
	a.drainFor = max(dcfg.ShutdownGrace, 5*time.Second) + 2*time.Second

	tcfg, _ := mapTelegramConfig(cfg)
	ad, err := telegram.New(tcfg, root, false)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	a.adapter = ad
	a.logs.SetAlertSender(ad)

	detCfg, duplicates, _ := mapDetectConfig(cfg)
	a.linkFlood = detect.NewLinkFlood(detCfg, store, ad, root, a.bus)
	detectors := []ingest.Detector{a.linkFlood}
	if duplicates {
		a.duplicates = detect.NewDuplicateRepost(detCfg, store, ad, ad, root, a.bus)
		detectors = append(detectors, a.duplicates)
	}
	a.rejoin = detect.NewRapidRejoin(detCfg, store, ad, root, a.bus)

	a.pipeline = ingest.New(store, disp, ad, root, detectors...)
	a.pipeline.SetOwners(cfg.Telegram.OwnerUserIDs)
	a.pipeline.SetPrivileges(ad)
	a.pipeline.WatchMembers(a.rejoin)
	a.reviewer = review.NewHandler(ad, root, a.bus)
	ad.Bind(a.pipeline, a.reviewer, disp)

	pcfg, _ := mapPruneConfig(cfg)
	a.prune = jobs.NewPrune(store, pcfg, root)
	a.health = jobs.NewHealth(disp, healthEvery, root)
	a.debug = debugsrv.New(root, a.healthReport)
	return nil
}

// healthReport backs /healthz.
func (a *App) healthReport(context.Context) (any, error) {
	r := jobs.BuildReport(a.disp.Snapshot())
	out := map[string]any{"dispatch": r}
	sups := map[string]rtsup.Snapshot{"dispatch": a.disp.Supervisor().Snapshot()}
	if a.sup != nil {
		sups["app"] = a.sup.Snapshot()
	}
	if s := a.adapter.Supervisor(); s != nil {
		sups["telegram"] = s.Snapshot()
	}
	out["supervisors"] = sups

	err := r.Err()
	if err == nil && a.sup != nil {
		err = a.sup.Err()
	}
	return out, err
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

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateRuntime(cfg)
	})

	if err := a.adapter.Start(a.sup.Context()); err != nil {
		return err
	}
	a.pipeline.SetBotID(a.adapter.BotID())

	if err := a.prune.Register(a.disp); err != nil {
		return fmt.Errorf("register %s: %w", jobs.PruneJob, err)
	}
	if err := a.health.Register(a.disp); err != nil {
		return fmt.Errorf("register %s: %w", jobs.HealthJob, err)
	}

	if dbg, err := mapDebugConfig(a.cfgm.Get()); err == nil {
		a.debug.Apply(a.sup.Context(), dbg)
	}

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int64("bot_id", a.adapter.BotID()), logx.Strings("jobs", a.disp.JobNames()))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
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
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogConfig(next))
	a.pipeline.SetOwners(next.Telegram.OwnerUserIDs)

	if detCfg, duplicates, err := mapDetectConfig(next); err != nil {
		a.log.Warn("invalid detect config; keeping previous", logx.Err(err))
	} else {
		a.linkFlood.Apply(detCfg)
		a.rejoin.Apply(detCfg)
		if a.duplicates != nil {
			a.duplicates.Apply(detCfg)
		}
		if duplicates != (a.duplicates != nil) {
			a.log.Warn("detect.duplicates changed; restart required for changes to take effect")
		}
	}
	if tcfg, err := mapTelegramConfig(next); err == nil {
		a.adapter.SetTimeoutDuration(tcfg.TimeoutDuration)
	}

	if _, every, err := mapDispatchConfig(next); err == nil && a.health.SetInterval(every) {
		if err := a.health.Register(a.disp); err != nil {
			a.log.Warn("health job not rescheduled", logx.Err(err))
		}
	}
	if dbg, err := mapDebugConfig(next); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Apply(ctx, dbg)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	// step runs fn bounded by max so one component cannot stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
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

	// Intake first so nothing new reaches the dispatcher while it drains.
	step("telegram", 3*time.Second, a.adapter.Stop)
	step("dispatch", a.drainFor, a.disp.Shutdown)
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
