package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"dealwatch/internal/board"
	"dealwatch/internal/transport"
	logx "dealwatch/pkg/logx"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// One writer connection; SQLite serializes writes anyway and a single
	// conn avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", cfg.Path))
	return &sqliteStore{db: db, log: log}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveSnapshot(ctx context.Context, source string, articles []*board.Article) error {
	body, err := json.Marshal(articles)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots(source, taken_at, body) VALUES(?,?,?)
		 ON CONFLICT(source) DO UPDATE SET taken_at=excluded.taken_at, body=excluded.body`,
		source, time.Now().UTC().Format(time.RFC3339Nano), body,
	)
	return err
}

func (s *sqliteStore) LoadSnapshot(ctx context.Context, source string) ([]*board.Article, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM snapshots WHERE source = ?`, source).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var articles []*board.Article
	if err := json.Unmarshal(body, &articles); err != nil {
		return nil, fmt.Errorf("storage: snapshot for %s corrupt: %w", source, err)
	}
	return articles, nil
}

func (s *sqliteStore) UpsertArticles(ctx context.Context, source string, articles []*board.Article) error {
	if len(articles) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO articles(source, id, title, url, category, writer, metric, posted_at, first_seen_at, last_seen_at, deleted_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,NULL)
		 ON CONFLICT(source, id) DO UPDATE SET
		   title=excluded.title, url=excluded.url, category=excluded.category,
		   writer=excluded.writer, metric=excluded.metric, posted_at=excluded.posted_at,
		   last_seen_at=excluded.last_seen_at, deleted_at=NULL`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range articles {
		var metric any
		if a.MetricCount != nil {
			metric = *a.MetricCount
		}
		_, err := stmt.ExecContext(ctx, source, a.ID, a.Title, a.URL, a.Category, a.Writer,
			metric, nullTime(a.PostedAt), a.FirstSeenAt.UTC().Format(time.RFC3339Nano),
			a.LastSeenAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) MarkDeleted(ctx context.Context, source string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	q := sq.Update("articles").
		Set("deleted_at", at.UTC().Format(time.RFC3339Nano)).
		Where(sq.Eq{"source": source, "id": ids})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	return err
}

func (s *sqliteStore) ListArticles(ctx context.Context, f ArticleFilter) ([]ArchivedArticle, error) {
	f = f.withDefaults()
	q := sq.Select("source", "id", "title", "url", "category", "writer", "metric",
		"posted_at", "first_seen_at", "last_seen_at", "deleted_at").
		From("articles").
		OrderBy("last_seen_at DESC").
		Limit(uint64(f.Limit)).
		Offset(uint64(f.Offset))

	if f.Source != "" {
		q = q.Where(sq.Eq{"source": f.Source})
	}
	if f.ID != "" {
		q = q.Where(sq.Eq{"id": f.ID})
	}
	if f.Category != "" {
		q = q.Where(sq.Eq{"category": f.Category})
	}
	if f.Writer != "" {
		q = q.Where(sq.Eq{"writer": f.Writer})
	}
	if f.TitleContains != "" {
		q = q.Where(sq.Like{"title": "%" + f.TitleContains + "%"})
	}
	if !f.IncludeDeleted {
		q = q.Where(sq.Eq{"deleted_at": nil})
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArchivedArticle
	for rows.Next() {
		var (
			a        ArchivedArticle
			metric   sql.NullInt64
			posted   sql.NullString
			first    string
			last     string
			deleted  sql.NullString
			category sql.NullString
			writer   sql.NullString
		)
		if err := rows.Scan(&a.Source, &a.ID, &a.Title, &a.URL, &category, &writer,
			&metric, &posted, &first, &last, &deleted); err != nil {
			return nil, err
		}
		a.Category = category.String
		a.Writer = writer.String
		if metric.Valid {
			v := int(metric.Int64)
			a.MetricCount = &v
		}
		a.PostedAt = parseNullTime(posted)
		a.FirstSeenAt = parseStoredTime(first)
		a.LastSeenAt = parseStoredTime(last)
		a.DeletedAt = parseNullTime(deleted)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LoadRefs(ctx context.Context, channel string) (map[string]transport.Ref, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, chat_id, thread_id, message_id FROM message_refs WHERE channel = ?`, channel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refs := map[string]transport.Ref{}
	for rows.Next() {
		var (
			key string
			ref transport.Ref
		)
		if err := rows.Scan(&key, &ref.ChatID, &ref.ThreadID, &ref.MessageID); err != nil {
			return nil, err
		}
		refs[key] = ref
	}
	return refs, rows.Err()
}

func (s *sqliteStore) SaveRef(ctx context.Context, channel, key string, ref transport.Ref) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_refs(channel, key, chat_id, thread_id, message_id, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(channel, key) DO UPDATE SET
		   chat_id=excluded.chat_id, thread_id=excluded.thread_id,
		   message_id=excluded.message_id, updated_at=excluded.updated_at`,
		channel, key, ref.ChatID, ref.ThreadID, ref.MessageID,
		time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) DeleteRef(ctx context.Context, channel, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM message_refs WHERE channel = ? AND key = ?`, channel, key)
	return err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStoredTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}
