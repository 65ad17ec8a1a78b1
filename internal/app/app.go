package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"gratibot/internal/dispatch"
	"gratibot/internal/eventbus"
	"gratibot/internal/httpapi"
	"gratibot/internal/metrics"
	"gratibot/internal/prompt"
	"gratibot/internal/storage"
	"gratibot/internal/task/engine"
	"gratibot/internal/task/scheduler"
	"gratibot/internal/transport/mail"
	"gratibot/internal/transport/sms"
	logx "gratibot/pkg/logx"
)

// tickSchedule is the scheduler entry that drives the dispatcher.
const tickSchedule = "dispatch.tick"

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *prometheus.Registry

	sms  *sms.Client
	disp *dispatch.Dispatcher

	engine *engine.Service
	sched  *scheduler.Service
	http   *httpapi.Server

	tick string
}

// LoadConfig reads and validates the config file.
func LoadConfig(cfgPath string) (*ConfigManager, *Config, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, nil, err
	}
	return cfgm, cfg, nil
}

// OpenStore opens only the storage section. The CLI uses it for user and
// journal management, which must work without SMS or mail credentials.
func OpenStore(cfgPath string, log logx.Logger) (storage.Store, error) {
	cfg, err := NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}

func NewApp(cfgPath string) (*App, error) {
	cfgm, cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	// The SMS client is also the alert sink of the logger, so it is built
	// with a console logger first.
	bootLog := logx.NewConsole("INFO")
	smsCfg, err := mapSMSConfig(cfg)
	if err != nil {
		return nil, err
	}
	smsClient, err := sms.New(smsCfg, nil, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), smsClient)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	closeOnErr := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	ps, err := mapPromptConfig(cfg)
	if err != nil {
		return closeOnErr(err)
	}
	var gen prompt.Generator = prompt.Static(ps.text)
	if ps.enabled {
		client, err := prompt.New(ps.client, nil, log)
		if err != nil {
			return closeOnErr(err)
		}
		gen = client
		if ps.fallback {
			gen = prompt.Fallback{Next: client, Text: ps.text, Log: log.With(logx.String("comp", "prompt"))}
		}
	} else {
		log.Warn("prompt.api_key not set; daily prompts use the fallback text")
	}

	mc, err := mapEmailConfig(cfg)
	if err != nil {
		return closeOnErr(err)
	}
	mailer, err := mail.New(mc, log)
	if err != nil {
		return closeOnErr(err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewCollector(reg)

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return closeOnErr(err)
	}
	disp, err := dispatch.New(dc, dispatch.Deps{
		Store:     store,
		Prompter:  gen,
		Messenger: smsClient,
		Digests:   mailer,
		Metrics:   rec,
		Bus:       bus,
		Log:       log,
	})
	if err != nil {
		return closeOnErr(err)
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return closeOnErr(err)
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return closeOnErr(err)
	}
	schedSvc := scheduler.New(schedCfg, engineSvc, log.With(logx.String("comp", "scheduler")))

	tick, err := tickSpec(cfg)
	if err != nil {
		return closeOnErr(err)
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		reg:     reg,
		sms:     smsClient,
		disp:    disp,
		engine:  engineSvc,
		sched:   schedSvc,
		tick:    tick,
	}
	a.http = httpapi.NewServer(httpapi.Deps{
		Store:    store,
		Runner:   disp,
		Gatherer: reg,
		Status:   a.status,
		Log:      log,
	})
	return a, nil
}

// Store exposes the opened store to the CLI.
func (a *App) Store() storage.Store { return a.store }

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

// status is the body of GET /status.
func (a *App) status() any {
	out := map[string]any{
		"scheduler":      a.sched.Snapshot(),
		"events_dropped": a.bus.Dropped(),
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Snapshot()
	}
	if rep, ok := a.disp.Last(); ok {
		out["last_tick"] = rep
	}
	return out
}

// tickJob is the scheduled job. A tick that is still running when the next
// one is due makes the new one a no-op.
func (a *App) tickJob(ctx context.Context) error {
	_, err := a.disp.TryRunTick(ctx, dispatch.ModeNormal)
	if errors.Is(err, dispatch.ErrBusy) {
		a.log.Info("previous tick still running; skipping")
		return nil
	}
	return err
}

// RunOnce runs a single tick without starting the daemon services and
// records it in the audit trail. Per-user failures are reported through
// Report.Err.
func (a *App) RunOnce(ctx context.Context, mode dispatch.Mode) (dispatch.Report, error) {
	rep, err := a.disp.RunTick(ctx, mode)
	if err != nil {
		return rep, err
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if aerr := writeAudit(actx, a.store, rep); aerr != nil {
		a.log.Warn("audit write failed", logx.String("tick_id", rep.TickID), logx.Err(aerr))
	}
	return rep, nil
}

// Close releases what NewApp opened. Use it when Start was never called.
func (a *App) Close() error {
	err := a.store.Close()
	if a.logs != nil {
		a.logs.Close()
	}
	return err
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return ValidateConfig(cfg)
	})

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if err := a.sched.AddSchedule(tickSchedule, a.tick, 0, a.tickJob); err != nil {
		return fmt.Errorf("schedule %s: %w", tickSchedule, err)
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	} else {
		a.log.Warn("scheduler disabled; triggers only run via the admin endpoint or CLI")
	}

	hc, err := mapHTTPConfig(a.cfgm.Get())
	if err != nil {
		return err
	}
	if err := a.http.Apply(a.sup.Context(), hc); err != nil {
		return err
	}

	a.sup.Go0("audit", func(c context.Context) {
		runAuditLoop(c, a.bus, a.store, a.log.With(logx.String("comp", "audit")))
	})

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
				// Keep this debug-level to avoid noise every minute.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
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
				// Coalesce bursts: keep only the latest config in the channel.
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		runWatchdog(c, a.log)
	})
	sdNotify(a.log, daemon.SdNotifyReady)

	a.log.Info("app started", logx.String("tick", a.tick))
	return nil
}

// restartSections are read once in NewApp.
var restartSections = map[string]bool{"storage": true, "sms": true, "email": true, "prompt": true}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	var restart []string
	for _, s := range sections {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if dc, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dc)
	}
	if spec, err := tickSpec(newCfg); err != nil {
		a.log.Warn("invalid dispatch.tick; keeping previous", logx.Err(err))
	} else if spec != a.tick {
		if err := a.sched.AddSchedule(tickSchedule, spec, 0, a.tickJob); err != nil {
			a.log.Warn("reschedule tick failed; keeping previous", logx.Err(err))
		} else {
			a.tick = spec
		}
	}

	// apply scheduler/taskengine updates (live)
	prevSchedEnabled := a.sched.Enabled()
	prevEngEnabled := a.engine.Enabled()

	newEngCfg, err := mapTaskEngineConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, newEngCfg)
	}
	schedCfg, err := mapSchedulerConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		schedCfg = scheduler.Config{Enabled: prevSchedEnabled, Timezone: a.sched.Snapshot().Timezone}
	} else {
		a.sched.Apply(schedCfg)
	}
	newEngEnabled := a.engine.Enabled()

	// scheduler first on shutdown; engine first on startup
	if prevSchedEnabled && !schedCfg.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if prevEngEnabled && !newEngEnabled {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEngEnabled && newEngEnabled {
		a.log.Info("task engine enabled via config")
		a.engine.Start(c)
	}
	if !prevSchedEnabled && schedCfg.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
	}

	if hc, err := mapHTTPConfig(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else if err := a.http.Apply(c, hc); err != nil {
		a.log.Error("http reconfigure failed", logx.Err(err))
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; report a step that outlives it.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// The HTTP server goes first so no admin run starts during shutdown.
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// A tick in flight is drained by the engine before storage closes.
	step("taskengine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
