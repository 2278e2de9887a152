// Package transport defines the outbound channel contract the dispatch
// pipeline delivers through. Adapters (Telegram today) live in subpackages.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dealwatch/internal/board"
)

// Ref identifies a message previously created on a channel backend, so a
// later edit/delete can target it.
type Ref struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

func (r Ref) IsZero() bool { return r.MessageID == 0 && r.ChatID == 0 }

// Channel is the capability contract a destination must implement.
//
// A backend without native edit support may implement Edit as delete+send
// internally; the dispatcher doesn't care, it only tracks the returned Ref.
// All methods must honor ctx cancellation.
type Channel interface {
	Name() string
	Send(ctx context.Context, a *board.Article) (Ref, error)
	Edit(ctx context.Context, ref Ref, a *board.Article) (Ref, error)
	Delete(ctx context.Context, ref Ref) error
}

// DeliveryError wraps a channel-side failure. Permanent errors are not
// retried by the consumer. RetryAfter, when non-zero, is the backend's own
// flood-control cooldown; the retry schedule must not undercut it.
type DeliveryError struct {
	Channel    string
	Permanent  bool
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("delivery to %s failed (%s): %v", e.Channel, kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsPermanent reports whether err carries a permanent delivery failure.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

// RetryAfterHint extracts the backend cooldown from err, or zero.
func RetryAfterHint(err error) time.Duration {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}
