// Package storage persists everything the watcher wants back after a
// restart: per-source snapshots for the diff engine, message refs for the
// dispatcher, and an article archive served by the HTTP API.
//
// Persistence is an accelerator, not a dependency. Every caller tolerates a
// nil Store and a failing one; a cold start simply re-learns the boards.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"dealwatch/internal/board"
	"dealwatch/internal/transport"
	logx "dealwatch/pkg/logx"
)

var (
	ErrDisabled = errors.New("storage disabled")

	// ErrUnsupported marks operations a driver cannot serve (the file
	// driver keeps no article archive).
	ErrUnsupported = errors.New("storage: operation unsupported by driver")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default when a path is set)
//   - "file":   JSON files, snapshots and refs only, no archive
//   - "" / "none": disabled
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API. All methods honor ctx; all failures are
// safe to log-and-continue.
type Store interface {
	// SaveSnapshot/LoadSnapshot round-trip a source's tracked set so the
	// diff engine does not re-announce a whole board after a restart.
	SaveSnapshot(ctx context.Context, source string, articles []*board.Article) error
	LoadSnapshot(ctx context.Context, source string) ([]*board.Article, error)

	// Archive keeps every article ever seen, with soft deletes.
	UpsertArticles(ctx context.Context, source string, articles []*board.Article) error
	MarkDeleted(ctx context.Context, source string, ids []string, at time.Time) error
	ListArticles(ctx context.Context, f ArticleFilter) ([]ArchivedArticle, error)

	// Message-ref registry, per channel. Implements dispatch.RefStore.
	LoadRefs(ctx context.Context, channel string) (map[string]transport.Ref, error)
	SaveRef(ctx context.Context, channel, key string, ref transport.Ref) error
	DeleteRef(ctx context.Context, channel, key string) error

	Close() error
}

// Open initializes the configured store. It returns (nil, nil) when storage
// is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
