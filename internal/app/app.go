package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"msgroute/internal/config"
	"msgroute/internal/eventbus"
	"msgroute/internal/httpapi"
	"msgroute/internal/observability/pprof"
	"msgroute/internal/routing"
	"msgroute/internal/runtime/supervisor"
	"msgroute/internal/stats"
	logx "msgroute/pkg/logx"
)

// sdNotify is swapped in tests. It is a no-op when NOTIFY_SOCKET is unset.
var sdNotify = daemon.SdNotify

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	topo  *routing.Topology
	http  *httpapi.Service
	stats *stats.Service
	pprof *pprof.Service

	httpCfg httpapi.Config
	notify  bool

	// boot is the config the running process was built from; restart-only
	// sections are compared against it, not against the last reload.
	boot           *config.Config
	pendingRestart []string
}

// New loads the config (or the built-in defaults when the file is missing),
// validates it and wires every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, missing, err := cfgm.LoadOrDefault()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	if missing {
		log.Warn("config file not found; using built-in defaults", logx.String("path", cfgPath))
	}

	topo, err := mapTopology(cfg)
	if err != nil {
		return nil, err
	}
	validator, err := mapValidator(cfg)
	if err != nil {
		return nil, err
	}
	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	statsCfg, err := mapStatsConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	httpSvc := httpapi.New(httpCfg, httpapi.Deps{
		Partitioner: routing.NewPartitioner(topo),
		Validator:   validator,
		Bus:         bus,
	}, log.With(logx.String("comp", "http")))
	statsSvc := stats.New(statsCfg, log.With(logx.String("comp", "stats")))
	pprofSvc := pprof.New(pprofCfg, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		topo:    topo,
		http:    httpSvc,
		stats:   statsSvc,
		pprof:   pprofSvc,
		httpCfg: httpCfg,
		notify:  cfg.Systemd.Notify,
		boot:    cfg,
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

// HTTP exposes the API service (bound address, handler) for tests and tooling.
func (a *App) HTTP() *httpapi.Service { return a.http }

func (a *App) Stats() *stats.Service { return a.stats }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.stats.Start(); err != nil {
		return err
	}
	events, unsub := a.bus.Subscribe(1024)
	a.sup.Go0("stats.consume", func(c context.Context) {
		defer unsub()
		a.stats.Consume(c, events)
	})

	a.http.Start(a.sup.Context())

	// pprof is optional observability; a bind failure is logged, not fatal.
	if a.pprof.Enabled() {
		if err := a.pprof.Start(a.sup.Context()); err != nil {
			a.log.Warn("pprof start failed", logx.Err(err))
		}
	}

	if a.notify {
		a.sup.Go0("systemd.ready", func(c context.Context) {
			select {
			case <-c.Done():
				return
			case <-a.http.Ready():
			}
			a.sdNotify(daemon.SdNotifyReady)
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("config", a.cfgPath),
		logx.String("addr", a.httpCfg.Addr),
		logx.Int("fixed_targets", len(a.topo.Targets())),
		logx.String("elastic_prefix", a.topo.Elastic().Prefix),
	)
	return nil
}

// applyConfig applies the hot-reloadable sections that changed since prev.
// Restart-only sections are diffed against the boot config, so reverting an
// edit clears the pending restart instead of reporting a new change.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, _ := config.SummarizeConfigChange(prev, next)
	_, _, restart := config.SummarizeConfigChange(a.boot, next)

	live := make([]string, 0, len(sections))
	for _, s := range sections {
		if !config.RestartRequired(s) {
			live = append(live, s)
		}
	}

	for _, s := range live {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(next))
		case "http.rate_limit":
			rl, err := mapRateLimit(next)
			if err != nil {
				a.log.Warn("invalid rate limit config; keeping previous", logx.Err(err))
				continue
			}
			a.http.ApplyRateLimit(rl)
		case "stats":
			sc, err := mapStatsConfig(next)
			if err != nil {
				a.log.Warn("invalid stats config; keeping previous", logx.Err(err))
				continue
			}
			if err := a.stats.Apply(ctx, sc); err != nil {
				a.log.Warn("stats reconfigure failed", logx.Err(err))
			}
		case "pprof":
			pc, err := mapPprofConfig(next)
			if err != nil {
				a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
				continue
			}
			if err := a.pprof.Reconfigure(ctx, pc); err != nil {
				a.log.Warn("pprof reconfigure failed", logx.Err(err))
			}
		}
	}

	restartChanged := strings.Join(restart, ",") != strings.Join(a.pendingRestart, ",")
	switch {
	case restartChanged && len(restart) > 0:
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	case restartChanged:
		a.log.Info("config matches the running process again; restart no longer required")
	}
	a.pendingRestart = restart

	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) sdNotify(state string) {
	sent, err := sdNotify(false, state)
	switch {
	case err != nil:
		a.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		a.log.Debug("systemd notified", logx.String("state", state))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.notify {
		a.sdNotify(daemon.SdNotifyStopping)
	}

	// Graceful HTTP shutdown first, while the supervisor context is still live.
	a.step(ctx, "http", a.httpCfg.ShutdownTimeout, func(c context.Context) error { a.http.Stop(c); return nil })

	a.sup.Cancel()
	a.step(ctx, "pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	a.step(ctx, "stats", time.Second, func(c context.Context) error { a.stats.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	if s := a.stats.Snapshot(); s.Planned+s.Rejected > 0 {
		a.log.Info("final routing totals",
			logx.Uint64("planned", s.Planned),
			logx.Uint64("rejected", s.Rejected),
			logx.Uint64("recipients", s.Recipients),
		)
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx := ctx
	if max > 0 {
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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
			logx.Err(stepCtx.Err()),
		)
	}
}
