package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dealwatch/internal/eventbus"
	"dealwatch/internal/transport"
	logx "dealwatch/pkg/logx"
)

// Options tune the dispatcher as a whole; per-channel knobs live in
// ChannelConfig.
type Options struct {
	// DrainTimeout bounds how long a draining consumer may keep working
	// after Stop. Applies only to channels with DrainOnShutdown set.
	DrainTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 15 * time.Second
	}
	return o
}

// Dispatcher owns one queue and one consumer goroutine per registered
// channel. Producers (the poll cycles) only ever touch Route; everything
// past the queue head belongs to the consumer.
type Dispatcher struct {
	log   logx.Logger
	bus   eventbus.Bus
	store RefStore
	opts  Options

	mu        sync.Mutex
	consumers map[string]*consumer
	routes    map[string][]string
	started   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store RefStore, bus eventbus.Bus, log logx.Logger, opts Options) *Dispatcher {
	return &Dispatcher{
		log:       log.With(logx.String("svc", "dispatch")),
		bus:       bus,
		store:     store,
		opts:      opts.withDefaults(),
		consumers: map[string]*consumer{},
		routes:    map[string][]string{},
	}
}

// Register adds a channel before Start. Duplicate names and late
// registration are config errors, not runtime conditions.
func (d *Dispatcher) Register(ch transport.Channel, cfg ChannelConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("dispatch: register %q after start", ch.Name())
	}
	if _, dup := d.consumers[ch.Name()]; dup {
		return fmt.Errorf("dispatch: duplicate channel %q", ch.Name())
	}
	d.consumers[ch.Name()] = newConsumer(ch, cfg, d.store, d.bus, d.log, d.opts.DrainTimeout)
	return nil
}

// Start warms each consumer's ref registry and launches the consumer
// goroutines. ctx bounds only the registry load; the consumers run until
// Stop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("dispatch: already started")
	}
	d.started = true
	consumers := make([]*consumer, 0, len(d.consumers))
	for _, c := range d.consumers {
		consumers = append(consumers, c)
	}
	d.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	for _, c := range consumers {
		c.loadRefs(ctx)
		d.wg.Add(1)
		go func(c *consumer) {
			defer d.wg.Done()
			c.run(runCtx)
		}(c)
	}
	d.log.Info("dispatcher started", logx.Int("channels", len(consumers)))
	return nil
}

// Stop closes the queues, signals the consumers and waits for them, bounded
// by ctx. Queued work is drained or abandoned per each channel's
// DrainOnShutdown.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	consumers := make([]*consumer, 0, len(d.consumers))
	for _, c := range d.consumers {
		consumers = append(consumers, c)
	}
	cancel := d.cancel
	d.mu.Unlock()

	for _, c := range consumers {
		c.q.Close()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.log.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: stop deadline: %w", ctx.Err())
	}
}

// ChannelStats is a point-in-time snapshot of one channel's counters.
type ChannelStats struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Skipped   uint64 `json:"skipped"`
	Queued    int    `json:"queued"`
}

// Stats snapshots every channel's counters for the operational API.
func (d *Dispatcher) Stats() map[string]ChannelStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]ChannelStats, len(d.consumers))
	for name, c := range d.consumers {
		out[name] = ChannelStats{
			Delivered: c.stats.Delivered.Load(),
			Failed:    c.stats.Failed.Load(),
			Skipped:   c.stats.Skipped.Load(),
			Queued:    c.q.Len(),
		}
	}
	return out
}
