package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"dealwatch/internal/board"
	"dealwatch/internal/diff"
	"dealwatch/internal/eventbus"
	"dealwatch/internal/source"
	"dealwatch/internal/storage"
	logx "dealwatch/pkg/logx"
)

// Router receives one cycle's classified result. Implemented by the
// dispatcher; a test can substitute a recorder.
type Router interface {
	Route(res *board.CrawlResult)
}

// runner drives the cycle for one source. mu serializes Run: cron's chain
// delays overlapping ticks, but the immediate first cycle at startup enters
// outside the chain, and prev is owned by whichever cycle is in flight.
type runner struct {
	src    source.Poller
	opts   diff.Options
	store  storage.Store // nil when persistence is disabled
	router Router
	bus    eventbus.Bus
	log    logx.Logger

	cycleTimeout time.Duration

	baseCtx context.Context

	mu   sync.Mutex
	prev *board.Collection
}

// restore seeds the baseline from the last persisted snapshot so a restart
// doesn't re-announce the whole board.
func (r *runner) restore(ctx context.Context) {
	if r.store == nil {
		return
	}
	articles, err := r.store.LoadSnapshot(ctx, r.src.Name())
	if err != nil {
		r.log.Warn("snapshot restore failed, starting cold", logx.Err(err))
		return
	}
	if len(articles) == 0 {
		return
	}
	col := board.NewCollection()
	for _, a := range articles {
		col.Put(a)
	}
	r.prev = col
	r.log.Info("snapshot restored", logx.Int("tracked", col.Len()))
}

// Run is the cron entrypoint. Cycles for one source never overlap.
func (r *runner) Run() {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.baseCtx, r.cycleTimeout)
	defer cancel()
	if ctx.Err() != nil {
		return
	}
	r.cycle(ctx)
}

func (r *runner) cycle(ctx context.Context) {
	started := time.Now()

	articles, err := r.src.Poll(ctx)
	if err != nil {
		// A failed cycle leaves the baseline untouched; absence is only
		// counted when we actually saw the page.
		stage := "fetch"
		var pe *source.ParseError
		if errors.As(err, &pe) {
			stage = "parse"
		}
		r.log.Warn("poll cycle failed", logx.String("stage", stage), logx.Err(err))
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{
				Type: eventbus.EventCycleError,
				Data: eventbus.CycleError{Source: r.src.Name(), Stage: stage, Err: err.Error()},
			})
		}
		return
	}

	res := diff.Run(r.src.Name(), r.prev, articles, time.Now(), r.opts)
	r.prev = res.Snapshot

	if r.router != nil && !res.Empty() {
		r.router.Route(res)
	}
	r.persist(res)

	took := time.Since(started)
	switch {
	case res.Degraded:
		// An implausibly small page tripped the truncation guard; absence
		// was not counted this cycle. Always worth an operator's attention.
		r.log.Warn("cycle degraded, implausibly small page",
			logx.Int("seen", len(articles)),
			logx.Int("new", len(res.NewItems)),
			logx.Int("updated", len(res.UpdatedItems)),
			logx.Int("tracked", res.Snapshot.Len()),
			logx.Duration("took", took))
	case res.Empty():
		r.log.Debug("cycle quiet", logx.Int("tracked", res.Snapshot.Len()), logx.Duration("took", took))
	default:
		r.log.Info("cycle complete",
			logx.Int("new", len(res.NewItems)),
			logx.Int("updated", len(res.UpdatedItems)),
			logx.Int("gone", len(res.GoneItems)),
			logx.Int("tracked", res.Snapshot.Len()),
			logx.Duration("took", took))
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{
			Type: eventbus.EventCycleComplete,
			Data: eventbus.CycleSummary{
				Source:   res.Source,
				New:      len(res.NewItems),
				Updated:  len(res.UpdatedItems),
				Gone:     len(res.GoneItems),
				Tracked:  res.Snapshot.Len(),
				Degraded: res.Degraded,
				Took:     took,
			},
		})
	}
}

// persist writes the snapshot and archive updates. Failures degrade
// durability, never the pipeline: they are logged and the cycle moves on.
func (r *runner) persist(res *board.CrawlResult) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.store.SaveSnapshot(ctx, res.Source, res.Snapshot.Articles()); err != nil {
		r.log.Warn("snapshot persist failed", logx.Err(err))
	}

	changed := make([]*board.Article, 0, len(res.NewItems)+len(res.UpdatedItems))
	changed = append(changed, res.NewItems...)
	for _, p := range res.UpdatedItems {
		changed = append(changed, p.New)
	}
	if len(changed) > 0 {
		if err := r.store.UpsertArticles(ctx, res.Source, changed); err != nil {
			r.log.Warn("archive upsert failed", logx.Err(err))
		}
	}
	if len(res.GoneItems) > 0 {
		ids := make([]string, 0, len(res.GoneItems))
		for _, a := range res.GoneItems {
			ids = append(ids, a.ID)
		}
		if err := r.store.MarkDeleted(ctx, res.Source, ids, time.Now()); err != nil {
			r.log.Warn("archive delete-mark failed", logx.Err(err))
		}
	}
}
