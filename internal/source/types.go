// Package source implements the board poll contract: fetch one page,
// extract an ordered article list. Parsing is per-site configuration, the
// pipeline above only sees Poll().
package source

import (
	"context"
	"fmt"

	"dealwatch/internal/board"
)

// Poller is the per-source contract the scheduler drives once per cycle.
// The returned slice is in page order.
type Poller interface {
	Name() string
	Poll(ctx context.Context) ([]*board.Article, error)
}

// FetchError is a transient network/HTTP failure. The cycle aborts, the
// snapshot stays untouched, the next tick retries cleanly.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError means the page arrived but the expected structure was absent —
// either the board changed markup or the selector config is wrong.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
