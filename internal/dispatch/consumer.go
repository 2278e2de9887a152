package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"dealwatch/internal/eventbus"
	"dealwatch/internal/transport"
	logx "dealwatch/pkg/logx"
)

// channelStats are best-effort operational counters, read by /stats.
type channelStats struct {
	Delivered atomic.Uint64
	Failed    atomic.Uint64
	Skipped   atomic.Uint64 // correlation misses and duplicate sends
}

// consumer serializes delivery to one channel backend. It is the only
// goroutine touching its queue's head and its ref registry, so neither
// needs locking.
type consumer struct {
	ch    transport.Channel
	cfg   ChannelConfig
	q     *fifo
	refs  map[string]transport.Ref
	store RefStore
	bus   eventbus.Bus
	log   logx.Logger

	limiter *rate.Limiter
	stats   *channelStats

	drainTimeout time.Duration
}

func newConsumer(ch transport.Channel, cfg ChannelConfig, store RefStore, bus eventbus.Bus, log logx.Logger, drainTimeout time.Duration) *consumer {
	cfg = cfg.withDefaults()
	c := &consumer{
		ch:           ch,
		cfg:          cfg,
		q:            newFIFO(),
		refs:         map[string]transport.Ref{},
		store:        store,
		bus:          bus,
		log:          log.With(logx.String("channel", ch.Name())),
		stats:        &channelStats{},
		drainTimeout: drainTimeout,
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return c
}

// loadRefs warms the correlation registry from persistence. Called once
// before the consumer goroutine starts.
func (c *consumer) loadRefs(ctx context.Context) {
	if c.store == nil {
		return
	}
	refs, err := c.store.LoadRefs(ctx, c.ch.Name())
	if err != nil {
		c.log.Warn("ref registry load failed; edits/deletes for old sends degrade to no-ops", logx.Err(err))
		return
	}
	if len(refs) > 0 {
		c.refs = refs
		c.log.Debug("ref registry loaded", logx.Int("refs", len(refs)))
	}
}

func (c *consumer) run(ctx context.Context) {
	for {
		act, ok := c.q.Pop(ctx)
		if !ok {
			break
		}
		c.process(ctx, act)
	}

	if !c.cfg.DrainOnShutdown {
		if n := c.q.Len(); n > 0 {
			c.log.Info("abandoning queued actions on shutdown", logx.Int("remaining", n))
		}
		return
	}

	// Drain phase: the stop signal already fired, so work against a fresh
	// bounded context instead of the cancelled one.
	dctx, cancel := context.WithTimeout(context.Background(), c.drainTimeout)
	defer cancel()
	for {
		act, ok := c.q.TryPop()
		if !ok {
			return
		}
		if dctx.Err() != nil {
			c.log.Warn("drain deadline hit; abandoning remaining actions", logx.Int("remaining", c.q.Len()+1))
			return
		}
		c.process(dctx, act)
	}
}

// process runs one action through the rate limit and retry policy.
// State machine: pending (queued) -> in-flight (here) -> delivered | failed;
// an action never returns to the queue.
func (c *consumer) process(ctx context.Context, act Action) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.log.Debug("rate wait aborted by shutdown", logx.String("verb", string(act.Verb)), logx.String("key", act.Key))
			return
		}
	}

	var last error
	for attempt := 0; ; attempt++ {
		actx, cancel := context.WithTimeout(context.Background(), c.cfg.ActionTimeout)
		err := c.attempt(actx, act)
		cancel()
		if err == nil {
			c.stats.Delivered.Add(1)
			return
		}
		last = err

		if transport.IsPermanent(err) || attempt >= c.cfg.RetryMax {
			break
		}
		delay := backoff(c.cfg.RetryBase, c.cfg.RetryMaxDelay, attempt)
		// Backends that report a flood-control cooldown know better than our
		// schedule; retrying any sooner just burns an attempt.
		if ra := transport.RetryAfterHint(err); ra > delay {
			delay = ra
		}
		c.log.Debug("delivery retry scheduled",
			logx.String("verb", string(act.Verb)),
			logx.String("key", act.Key),
			logx.Int("attempt", attempt+2),
			logx.Duration("delay", delay),
			logx.Err(err))
		select {
		case <-ctx.Done():
			c.log.Info("retry abandoned by shutdown", logx.String("key", act.Key), logx.Err(last))
			return
		case <-time.After(delay):
		}
	}

	c.stats.Failed.Add(1)
	final := fmt.Errorf("%w: %v", ErrRetryExhausted, last)
	c.log.Warn("action dropped",
		logx.String("verb", string(act.Verb)),
		logx.String("source", act.Source),
		logx.String("key", act.Key),
		logx.Err(final))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{
			Type: eventbus.EventDeliveryFailed,
			Data: eventbus.DeliveryFailure{
				Channel: c.ch.Name(),
				Source:  act.Source,
				Verb:    string(act.Verb),
				Key:     act.Key,
				Err:     final.Error(),
			},
		})
	}
}

// attempt performs a single delivery try and keeps the ref registry in sync.
func (c *consumer) attempt(ctx context.Context, act Action) error {
	switch act.Verb {
	case VerbSend:
		if ref, ok := c.refs[act.Key]; ok && !ref.IsZero() {
			// Already sent (e.g. snapshot lost but refs survived a restart);
			// a duplicate send would double-post.
			c.stats.Skipped.Add(1)
			return nil
		}
		ref, err := c.ch.Send(ctx, act.Article)
		if err != nil {
			return err
		}
		c.refs[act.Key] = ref
		c.persistRef(act.Key, ref)
		return nil

	case VerbEdit:
		ref, ok := c.refs[act.Key]
		if !ok {
			// Correlation miss: this channel never sent the article. Not an
			// error by contract.
			c.stats.Skipped.Add(1)
			return nil
		}
		newRef, err := c.ch.Edit(ctx, ref, act.Article)
		if err != nil {
			return err
		}
		if newRef != ref {
			c.refs[act.Key] = newRef
			c.persistRef(act.Key, newRef)
		}
		return nil

	case VerbDelete:
		ref, ok := c.refs[act.Key]
		if !ok {
			c.stats.Skipped.Add(1)
			return nil
		}
		if err := c.ch.Delete(ctx, ref); err != nil {
			// The message being gone already is success for our purposes.
			if !transport.IsPermanent(err) {
				return err
			}
		}
		delete(c.refs, act.Key)
		c.forgetRef(act.Key)
		return nil

	default:
		return fmt.Errorf("unknown verb %q", act.Verb)
	}
}

func (c *consumer) persistRef(key string, ref transport.Ref) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.store.SaveRef(ctx, c.ch.Name(), key, ref); err != nil {
		c.log.Warn("ref persist failed", logx.String("key", key), logx.Err(err))
	}
}

func (c *consumer) forgetRef(key string) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.store.DeleteRef(ctx, c.ch.Name(), key); err != nil {
		c.log.Warn("ref delete failed", logx.String("key", key), logx.Err(err))
	}
}

// backoff is exponential from base, capped, with up to 20% jitter.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d > max || d <= 0 {
		d = max
	}
	j := int64(d / 5)
	if j > 0 {
		d += time.Duration(time.Now().UnixNano() % (j + 1))
	}
	return d
}
