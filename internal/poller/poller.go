// Package poller schedules the per-source poll cycles. Every source gets an
// independent cadence; a slow or failing board never delays the others.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"dealwatch/internal/diff"
	"dealwatch/internal/eventbus"
	"dealwatch/internal/source"
	"dealwatch/internal/storage"
	logx "dealwatch/pkg/logx"
)

// SourceConfig schedules one source.
type SourceConfig struct {
	// Period is the nominal poll interval. A cycle that overruns it delays
	// the next tick instead of running concurrently, so the effective
	// period stretches under load.
	Period time.Duration

	// CycleTimeout caps one fetch+parse+dispatch pass. Defaults to Period.
	CycleTimeout time.Duration

	Diff diff.Options
}

func (c SourceConfig) withDefaults() SourceConfig {
	if c.Period <= 0 {
		c.Period = time.Minute
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = c.Period
	}
	return c
}

// Service owns the cron scheduler and the per-source runners.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	store  storage.Store
	router Router

	cron    *cron.Cron
	runners []*runner

	baseCtx context.Context
	cancel  context.CancelFunc
	started bool
}

func New(store storage.Store, router Router, bus eventbus.Bus, log logx.Logger) *Service {
	log = log.With(logx.String("svc", "poller"))
	clog := cronLogger{log: log}
	return &Service{
		log:    log,
		bus:    bus,
		store:  store,
		router: router,
		// DelayIfStillRunning is the no-overlap guarantee: a tick that
		// arrives while the previous cycle is in flight waits for it.
		cron: cron.New(cron.WithLogger(clog), cron.WithChain(
			cron.Recover(clog),
			cron.DelayIfStillRunning(clog),
		)),
	}
}

// Add registers a source before Start.
func (s *Service) Add(src source.Poller, cfg SourceConfig) error {
	if s.started {
		return fmt.Errorf("poller: add %q after start", src.Name())
	}
	cfg = cfg.withDefaults()
	r := &runner{
		src:          src,
		opts:         cfg.Diff,
		store:        s.store,
		router:       s.router,
		bus:          s.bus,
		log:          s.log.With(logx.String("source", src.Name())),
		cycleTimeout: cfg.CycleTimeout,
	}
	s.runners = append(s.runners, r)
	s.cron.Schedule(cron.Every(cfg.Period), r)
	return nil
}

// Start restores snapshots, runs one immediate cycle per source, and hands
// the cadence to cron. ctx bounds the restore and the first cycles.
func (s *Service) Start(ctx context.Context) error {
	if s.started {
		return fmt.Errorf("poller: already started")
	}
	s.started = true
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	for _, r := range s.runners {
		r.baseCtx = s.baseCtx
		r.restore(ctx)
	}

	// First cycle immediately; cron's Every fires only after one period.
	go func() {
		for _, r := range s.runners {
			if s.baseCtx.Err() != nil {
				return
			}
			r.Run()
		}
	}()

	s.cron.Start()
	s.log.Info("poller started", logx.Int("sources", len(s.runners)))
	return nil
}

// Stop halts scheduling and waits for in-flight cycles, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	if !s.started {
		return nil
	}
	done := s.cron.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-done.Done():
		s.log.Info("poller stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("poller: stop deadline: %w", ctx.Err())
	}
}
