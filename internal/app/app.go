// Package app assembles the watcher from its services: config, logging,
// storage, sources, the dispatcher, the poller and the HTTP API.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"dealwatch/internal/api"
	"dealwatch/internal/config"
	"dealwatch/internal/diff"
	"dealwatch/internal/dispatch"
	"dealwatch/internal/eventbus"
	"dealwatch/internal/poller"
	"dealwatch/internal/runtime/supervisor"
	"dealwatch/internal/source"
	"dealwatch/internal/storage"
	"dealwatch/internal/transport/telegram"
	logx "dealwatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	// levelOverride is the --log-level flag; it wins over config reloads.
	levelOverride string

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store storage.Store
	bot   *telegram.Bot
	disp  *dispatch.Dispatcher
	poll  *poller.Service
	api   *api.Service
}

// New builds the app from a config file. logLevel, when non-empty, overrides
// the configured level (the --log-level flag).
func New(cfgPath, logLevel string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	logSvc, log := logx.New(logx.Config{
		Level:   level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm:          cfgm,
		levelOverride: logLevel,
		logs:          logSvc,
		log:           log,
		bus:           eventbus.New(),
	}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// build wires every service from a validated config.
func (a *App) build(cfg *config.Config) error {
	log := a.log

	// Storage (optional).
	if cfg.Storage != nil {
		busy, _ := cfg.Storage.BusyTimeout.Parse("storage.busy_timeout")
		st, err := storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, log.With(logx.String("comp", "storage")))
		if err != nil {
			return err
		}
		a.store = st
		if st != nil {
			log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
		}
	}

	// Dispatcher and channels.
	var refs dispatch.RefStore
	if a.store != nil {
		refs = a.store
	}
	a.disp = dispatch.New(refs, a.bus, log, dispatch.Options{DrainTimeout: 15 * time.Second})

	for _, chCfg := range cfg.Channels {
		ch, dcfg, err := a.buildChannel(chCfg, log)
		if err != nil {
			return err
		}
		if err := a.disp.Register(ch, dcfg); err != nil {
			return err
		}
	}

	// Poller and sources.
	a.poll = poller.New(a.store, a.disp, a.bus, log)
	client := &http.Client{Timeout: 20 * time.Second}
	var infos []api.SourceInfo

	for _, sc := range cfg.Sources {
		src, err := buildSource(sc, cfg.Poll, client, log)
		if err != nil {
			return err
		}
		pcfg, err := buildSchedule(sc, cfg.Poll)
		if err != nil {
			return err
		}
		if err := a.poll.Add(src, pcfg); err != nil {
			return err
		}
		a.disp.Bind(sc.Name, sc.Channels...)
		infos = append(infos, api.SourceInfo{
			Name:   sc.Name,
			Kind:   sc.Kind,
			URL:    sc.URL,
			Period: pcfg.Period.String(),
		})
	}

	// HTTP API (optional).
	if cfg.API != nil && cfg.API.Enabled {
		h := api.NewHandler(a.store, a.disp.Stats, infos, log.With(logx.String("comp", "api")))
		a.api = api.NewService(api.Config{Addr: cfg.API.Addr, Token: cfg.API.Token}, h, log)
	}
	return nil
}

func (a *App) buildChannel(cc config.ChannelConfig, log logx.Logger) (*telegram.Channel, dispatch.ChannelConfig, error) {
	var zero dispatch.ChannelConfig

	// Channel kinds are validated already; telegram is the only one today.
	if a.bot == nil {
		cfg := a.cfgm.Get()
		bot, err := telegram.NewBot(cfg.Telegram.Token, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, zero, fmt.Errorf("telegram bot: %w", err)
		}
		a.bot = bot
	}
	ch := a.bot.Channel(telegram.ChannelConfig{
		Name:     cc.Name,
		ChatID:   cc.ChatID,
		ThreadID: cc.ThreadID,
	}, log)

	base, err := cc.RetryBase.Parse("channels." + cc.Name + ".retry_base")
	if err != nil {
		return nil, zero, err
	}
	maxDelay, err := cc.RetryMaxDelay.Parse("channels." + cc.Name + ".retry_max_delay")
	if err != nil {
		return nil, zero, err
	}
	timeout, err := cc.ActionTimeout.Parse("channels." + cc.Name + ".action_timeout")
	if err != nil {
		return nil, zero, err
	}
	return ch, dispatch.ChannelConfig{
		RatePerSec:      cc.RatePerSec,
		RetryMax:        cc.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		ActionTimeout:   timeout,
		DrainOnShutdown: cc.DrainOnShutdown,
	}, nil
}

func buildSource(sc config.SourceConfig, defaults config.PollDefaults, client *http.Client, log logx.Logger) (source.Poller, error) {
	ua := sc.UserAgent
	if ua == "" {
		ua = defaults.UserAgent
	}
	srcLog := log.With(logx.String("comp", "source"))

	switch sc.Kind {
	case "html":
		sel := source.Selectors{
			Row:      sc.Selectors.Row,
			Link:     sc.Selectors.Link,
			Title:    sc.Selectors.Title,
			ID:       sc.Selectors.ID,
			IDAttr:   sc.Selectors.IDAttr,
			Category: sc.Selectors.Category,
			Writer:   sc.Selectors.Writer,
			Metric:   sc.Selectors.Metric,
			Posted:   sc.Selectors.Posted,
		}
		if sel.Link == "" {
			sel.Link = "a"
		}
		return source.NewHTML(source.HTMLConfig{
			Name:      sc.Name,
			URL:       sc.URL,
			UserAgent: ua,
			Encoding:  sc.Encoding,
			Selectors: sel,
		}, client, srcLog)
	case "rss":
		return source.NewRSS(source.RSSConfig{
			Name:      sc.Name,
			URL:       sc.URL,
			UserAgent: ua,
		}, client, srcLog)
	default:
		return nil, fmt.Errorf("source %q: unknown kind %q", sc.Name, sc.Kind)
	}
}

func buildSchedule(sc config.SourceConfig, defaults config.PollDefaults) (poller.SourceConfig, error) {
	defPeriod, err := defaults.Period.Or("poll.period", time.Minute)
	if err != nil {
		return poller.SourceConfig{}, err
	}
	period, err := sc.Period.Or("sources."+sc.Name+".period", defPeriod)
	if err != nil {
		return poller.SourceConfig{}, err
	}
	defTimeout, _ := defaults.CycleTimeout.Parse("poll.cycle_timeout")
	timeout, err := sc.CycleTimeout.Or("sources."+sc.Name+".cycle_timeout", defTimeout)
	if err != nil {
		return poller.SourceConfig{}, err
	}
	horizon, err := sc.TrackingHorizon.Parse("sources." + sc.Name + ".tracking_horizon")
	if err != nil {
		return poller.SourceConfig{}, err
	}
	return poller.SourceConfig{
		Period:       period,
		CycleTimeout: timeout,
		Diff: diff.Options{
			GraceWindow:       sc.GraceWindow,
			TrackingHorizon:   horizon,
			MinPlausibleCount: sc.MinPlausibleCount,
		},
	}, nil
}

// Start brings the services up back-to-front: dispatcher before poller so the
// first cycle has somewhere to route, API last.
func (a *App) Start(ctx context.Context) error {
	if err := a.disp.Start(ctx); err != nil {
		return err
	}
	if err := a.poll.Start(ctx); err != nil {
		return err
	}
	if a.api != nil {
		if err := a.api.Start(ctx); err != nil {
			return err
		}
	}

	a.sup = supervisor.New(context.Background(), supervisor.WithLogger(a.log))
	a.sup.GoRestart("config.watch", func(ctx context.Context) error {
		return a.cfgm.Watch(ctx)
	})
	a.sup.Go0("config.apply", a.watchConfig)

	a.log.Info("dealwatch started")
	return nil
}

// watchConfig applies what can change live (logging) and flags the rest.
func (a *App) watchConfig(ctx context.Context) {
	sub := a.cfgm.Subscribe(2)
	defer a.cfgm.Unsubscribe(sub)

	prev := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeChange(prev, cfg)
			prev = cfg
			if len(changed) == 0 {
				continue
			}
			a.log.Info("config changed", append(attrs, logx.Any("sections", changed))...)

			for _, section := range changed {
				switch section {
				case "logging":
					level := cfg.Logging.Level
					if a.levelOverride != "" {
						level = a.levelOverride
					}
					a.logs.Apply(logx.Config{
						Level:   level,
						Console: cfg.Logging.Console,
						File: logx.FileConfig{
							Enabled: cfg.Logging.File.Enabled,
							Path:    cfg.Logging.File.Path,
						},
					})
				default:
					// Source, channel, storage and API topology is fixed at
					// startup; flag it rather than half-apply it.
					a.log.Warn("config section needs a restart to apply", logx.String("section", section))
				}
			}
		}
	}
}

// Stop shuts down front-to-back so queued work can drain: no new cycles,
// then the dispatcher, then everything else.
func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.api != nil {
		keep(a.api.Stop(ctx))
	}
	keep(a.poll.Stop(ctx))
	keep(a.disp.Stop(ctx))
	if a.sup != nil {
		keep(a.sup.Stop(ctx))
	}
	if a.store != nil {
		keep(a.store.Close())
	}
	a.log.Info("dealwatch stopped")
	keep(a.logs.Close())
	return firstErr
}
