package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"genbot/internal/action"
	"genbot/internal/config"
	"genbot/internal/eventbus"
	"genbot/internal/generate"
	"genbot/internal/runtime/supervisor"
	"genbot/internal/storage"
	"genbot/internal/task/swap"
	"genbot/internal/telemetry"
	"genbot/internal/transport"
	logx "genbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	tel   *telemetry.Provider
	store storage.Store

	adapter transport.Adapter
	gen     generate.Generator
	swaps   *swap.Manager
	actions *action.Service
	hk      *housekeeper

	statsEvery time.Duration
	updates    chan transport.Message
}

type Option func(*options)

type options struct {
	adapter transport.Adapter
	gen     generate.Generator
}

// WithAdapter replaces the Telegram adapter built from config.
func WithAdapter(a transport.Adapter) Option { return func(o *options) { o.adapter = a } }

// WithGenerator replaces the generator built from config.
func WithGenerator(g generate.Generator) Option { return func(o *options) { o.gen = g } }

func NewApp(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	settings, err := action.SettingsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	a := &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        eventbus.New(),
		tel:        tel,
		statsEvery: time.Minute,
		updates:    make(chan transport.Message, 256),
	}
	// Undo partial construction on error.
	ok := false
	defer func() {
		if !ok {
			a.closeResources(context.Background())
		}
	}()

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		if a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	if a.hk, err = newHousekeeper(cfg.Housekeeping, a.store, log.With(logx.String("comp", "housekeeping"))); err != nil {
		return nil, err
	}

	a.gen = o.gen
	if a.gen == nil {
		r, err := generate.FromConfig(ctx, cfg.Generator, log.With(logx.String("comp", "generate")))
		if err != nil {
			return nil, err
		}
		a.gen = r
	}

	a.adapter = o.adapter
	if a.adapter == nil {
		if a.adapter, err = newTelegram(cfg, log.With(logx.String("comp", "telegram"))); err != nil {
			return nil, err
		}
	}

	a.swaps = swap.New(
		swap.WithLogger(log.With(logx.String("comp", "swap"))),
		swap.WithBus(a.bus),
		swap.WithMeter(tel.Meter),
		swap.WithTracer(tel.Tracer),
	)

	a.actions = action.New(a.swaps, a.gen, a.adapter, settings,
		action.WithLogger(log.With(logx.String("comp", "actions"))),
		action.WithStore(a.store),
		action.WithReplyRate(cfg.Telegram.ReplyRatePerSec, cfg.Telegram.ReplyBurst),
	)
	ok = true
	return a, nil
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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if name := a.adapter.Username(); name != "" {
		a.actions.SetBotName(name)
	}
	cmdCtx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
	if err := a.adapter.SetCommands(cmdCtx, action.Commands()); err != nil {
		a.log.Warn("set bot commands failed", logx.Err(err))
	}
	cancel()

	if a.hk != nil {
		a.hk.Start(a.sup.Context())
	}

	a.sup.Go("actions.dispatch", func(c context.Context) error {
		return a.actions.Run(c, a.updates)
	})

	events, unsub := a.bus.SubscribePrefix("swap.", 128)
	a.sup.Go0("swap.events", func(c context.Context) {
		defer unsub()
		a.logEvents(c, events)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, supervisor.WithRestartBackoff(time.Second, time.Minute))

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.String("bot", a.adapter.Username()),
		logx.String("telemetry", a.tel.Exporter),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

// logEvents logs swap lifecycle events and a periodic load summary.
func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	tick := time.NewTicker(a.statsEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if st := a.swaps.Stats(); st.Running > 0 || st.Pending > 0 {
				a.log.Debug("swap load",
					logx.Int("buckets", st.Buckets),
					logx.Int("running", st.Running),
					logx.Int("pending", st.Pending),
					logx.Any("bus_dropped", eventbus.Dropped(a.bus)),
				)
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			ev, _ := e.Data.(swap.JobEvent)
			fields := []logx.Field{
				logx.String("type", e.Type),
				logx.String("bucket", ev.Bucket),
				logx.String("job", ev.ID),
			}
			if ev.Duration > 0 {
				fields = append(fields, logx.Duration("took", ev.Duration))
			}
			if ev.Error != "" {
				fields = append(fields, logx.String("err", ev.Error))
			}
			a.log.Debug("swap event", fields...)
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
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
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(logConfig(newCfg))

	if st, err := action.SettingsFromConfig(newCfg); err != nil {
		a.log.Warn("invalid actions config; keeping previous", logx.Err(err))
	} else {
		if st.BotName == "" {
			st.BotName = a.adapter.Username()
		}
		a.actions.Apply(st)
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources(ctx)
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.step(ctx, "swap", 5*time.Second, func(c context.Context) error { return a.swaps.Close(c) })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.closeResources(ctx)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	if err := a.sup.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// closeResources releases what NewApp opened. Safe to call once.
func (a *App) closeResources(ctx context.Context) {
	if a.hk != nil {
		a.step(ctx, "housekeeping", 2*time.Second, a.hk.Stop)
	}
	if a.store != nil {
		a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	}
	if a.tel != nil {
		a.step(ctx, "telemetry", 3*time.Second, a.tel.Shutdown)
	}
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < limit {
		limit = time.Until(dl)
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped; no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
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
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
