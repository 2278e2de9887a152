package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"dealwatch/internal/board"
	"dealwatch/internal/transport"
	logx "dealwatch/pkg/logx"
)

// fileStore is the dependency-free backend: one JSON file per source
// snapshot plus a shared refs file under cfg.Path (a directory). It keeps no
// article archive, so ListArticles reports ErrUnsupported and the API serves
// an empty history.
type fileStore struct {
	log logx.Logger
	dir string

	mu   sync.Mutex
	refs map[string]map[string]transport.Ref
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, dir: dir, refs: map[string]map[string]transport.Ref{}}
	if b, err := os.ReadFile(s.refsPath()); err == nil {
		if err := json.Unmarshal(b, &s.refs); err != nil {
			log.Warn("refs file corrupt, starting empty", logx.Err(err))
			s.refs = map[string]map[string]transport.Ref{}
		}
	}
	return s, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) snapshotPath(source string) string {
	// Source names come from config keys; keep the filename tame anyway.
	safe := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, source)
	return filepath.Join(s.dir, safe+".snapshot.json")
}

func (s *fileStore) refsPath() string { return filepath.Join(s.dir, "refs.json") }

func (s *fileStore) SaveSnapshot(_ context.Context, source string, articles []*board.Article) error {
	b, err := json.Marshal(articles)
	if err != nil {
		return err
	}
	return writeAtomic(s.snapshotPath(source), b)
}

func (s *fileStore) LoadSnapshot(_ context.Context, source string) ([]*board.Article, error) {
	b, err := os.ReadFile(s.snapshotPath(source))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var articles []*board.Article
	if err := json.Unmarshal(b, &articles); err != nil {
		return nil, err
	}
	return articles, nil
}

func (s *fileStore) UpsertArticles(context.Context, string, []*board.Article) error { return nil }

func (s *fileStore) MarkDeleted(context.Context, string, []string, time.Time) error { return nil }

func (s *fileStore) ListArticles(context.Context, ArticleFilter) ([]ArchivedArticle, error) {
	return nil, ErrUnsupported
}

func (s *fileStore) LoadRefs(_ context.Context, channel string) (map[string]transport.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]transport.Ref{}
	for k, v := range s.refs[channel] {
		out[k] = v
	}
	return out, nil
}

func (s *fileStore) SaveRef(_ context.Context, channel, key string, ref transport.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs[channel] == nil {
		s.refs[channel] = map[string]transport.Ref{}
	}
	s.refs[channel][key] = ref
	return s.flushRefsLocked()
}

func (s *fileStore) DeleteRef(_ context.Context, channel, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refs[channel], key)
	return s.flushRefsLocked()
}

func (s *fileStore) flushRefsLocked() error {
	b, err := json.Marshal(s.refs)
	if err != nil {
		return err
	}
	return writeAtomic(s.refsPath(), b)
}

func writeAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
