package dispatch

import (
	"time"

	"dealwatch/internal/board"
	logx "dealwatch/pkg/logx"
)

// Bind routes a source's crawl results to the named channels. Unknown channel
// names are dropped at routing time with a warning, so a config typo degrades
// one route instead of the whole service.
func (d *Dispatcher) Bind(source string, channels ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[source] = append([]string(nil), channels...)
}

// Route fans one cycle's classifications out to every channel bound to the
// result's source. Within a channel the enqueue order is fixed: sends for new
// articles first, then edits, then deletes, each group in page order. The
// queue is FIFO, so that order is also the delivery order.
func (d *Dispatcher) Route(res *board.CrawlResult) {
	if res == nil {
		return
	}
	d.mu.Lock()
	names := d.routes[res.Source]
	targets := make([]*consumer, 0, len(names))
	for _, name := range names {
		c, ok := d.consumers[name]
		if !ok {
			d.log.Warn("route to unregistered channel", logx.String("source", res.Source), logx.String("channel", name))
			continue
		}
		targets = append(targets, c)
	}
	d.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	now := time.Now()
	for _, c := range targets {
		for _, a := range res.NewItems {
			c.enqueue(Action{
				Channel:    c.ch.Name(),
				Verb:       VerbSend,
				Source:     res.Source,
				Key:        CorrelationKey(res.Source, a.ID),
				Article:    a,
				EnqueuedAt: now,
			})
		}
		for _, p := range res.UpdatedItems {
			c.enqueue(Action{
				Channel:    c.ch.Name(),
				Verb:       VerbEdit,
				Source:     res.Source,
				Key:        CorrelationKey(res.Source, p.New.ID),
				Article:    p.New,
				EnqueuedAt: now,
			})
		}
		for _, a := range res.GoneItems {
			c.enqueue(Action{
				Channel:    c.ch.Name(),
				Verb:       VerbDelete,
				Source:     res.Source,
				Key:        CorrelationKey(res.Source, a.ID),
				EnqueuedAt: now,
			})
		}
	}
}

func (c *consumer) enqueue(a Action) {
	if !c.q.Push(a) {
		c.log.Warn("enqueue after close dropped", logx.String("verb", string(a.Verb)), logx.String("key", a.Key))
	}
}
