// Package dispatch fans classified crawl results out to destination
// channels as ordered send/edit/delete actions, one queue and one consumer
// goroutine per channel.
package dispatch

import (
	"context"
	"errors"
	"time"

	"dealwatch/internal/board"
	"dealwatch/internal/transport"
)

// Verb is the delivery operation derived from a diff classification:
// new -> send, updated -> edit, gone -> delete.
type Verb string

const (
	VerbSend   Verb = "send"
	VerbEdit   Verb = "edit"
	VerbDelete Verb = "delete"
)

// Action is one unit of work on a channel queue.
//
// Key correlates the edit/delete of an article back to the message created
// by its original send; it is stable across cycles (source + article id).
type Action struct {
	Channel string
	Verb    Verb
	Source  string
	Key     string
	Article *board.Article // nil for delete

	EnqueuedAt time.Time
}

// CorrelationKey builds the stable per-article key used against the ref
// registry.
func CorrelationKey(source, articleID string) string {
	return source + "/" + articleID
}

// ErrRetryExhausted marks an action dropped after its channel's retry budget
// was spent. It is reported, never re-queued: a dispatch that will not
// succeed must not starve everything behind it.
var ErrRetryExhausted = errors.New("dispatch: retries exhausted")

// ChannelConfig tunes one channel's consumer.
type ChannelConfig struct {
	// RatePerSec throttles deliveries to the backend. Zero disables.
	RatePerSec float64

	// RetryMax is the number of re-attempts after the first failure.
	RetryMax int

	// RetryBase/RetryMaxDelay bound the exponential backoff between attempts.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// ActionTimeout caps a single delivery attempt.
	ActionTimeout time.Duration

	// DrainOnShutdown makes the consumer work off its remaining queue when
	// stopping (bounded by the dispatcher's drain deadline) instead of
	// abandoning it.
	DrainOnShutdown bool
}

func (c ChannelConfig) withDefaults() ChannelConfig {
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 30 * time.Second
	}
	return c
}

// RefStore persists the correlation-key -> message-ref registry so edits and
// deletes survive a restart. Failures are logged, never fatal.
type RefStore interface {
	LoadRefs(ctx context.Context, channel string) (map[string]transport.Ref, error)
	SaveRef(ctx context.Context, channel, key string, ref transport.Ref) error
	DeleteRef(ctx context.Context, channel, key string) error
}
