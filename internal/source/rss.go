package source

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"dealwatch/internal/board"
	logx "dealwatch/pkg/logx"
)

// RSSSource polls a board's RSS/Atom endpoint instead of scraping HTML.
// Useful for the handful of communities that expose a usable feed.
type RSSSource struct {
	name   string
	url    string
	parser *gofeed.Parser
	log    logx.Logger
}

type RSSConfig struct {
	Name      string
	URL       string
	UserAgent string
}

func NewRSS(cfg RSSConfig, client *http.Client, log logx.Logger) (*RSSSource, error) {
	if cfg.Name == "" || cfg.URL == "" {
		return nil, errors.New("rss source needs name and url")
	}
	p := gofeed.NewParser()
	if client != nil {
		p.Client = client
	} else {
		p.Client = &http.Client{Timeout: 20 * time.Second}
	}
	if cfg.UserAgent != "" {
		p.UserAgent = cfg.UserAgent
	} else {
		p.UserAgent = defaultUserAgent
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RSSSource{
		name:   cfg.Name,
		url:    cfg.URL,
		parser: p,
		log:    log.With(logx.String("source", cfg.Name)),
	}, nil
}

func (s *RSSSource) Name() string { return s.name }

func (s *RSSSource) Poll(ctx context.Context) ([]*board.Article, error) {
	feed, err := s.parser.ParseURLWithContext(s.url, ctx)
	if err != nil {
		// gofeed mixes transport and format failures; an HTTP error type
		// means the fetch itself failed.
		var he gofeed.HTTPError
		if errors.As(err, &he) {
			return nil, &FetchError{Source: s.name, Err: err}
		}
		if ctx.Err() != nil {
			return nil, &FetchError{Source: s.name, Err: ctx.Err()}
		}
		return nil, &ParseError{Source: s.name, Err: err}
	}

	out := make([]*board.Article, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		id := it.GUID
		if id == "" {
			id = idFromURL(it.Link)
		}
		if id == "" {
			id = it.Link
		}
		if id == "" {
			continue
		}
		a := &board.Article{
			ID:    id,
			Title: clean(it.Title),
			URL:   it.Link,
		}
		if len(it.Categories) > 0 {
			a.Category = clean(it.Categories[0])
		}
		if it.Author != nil {
			a.Writer = clean(it.Author.Name)
		}
		if it.PublishedParsed != nil {
			a.PostedAt = *it.PublishedParsed
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, &ParseError{Source: s.name, Err: errors.New("feed parsed but contained no usable items")}
	}
	return out, nil
}
