package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"dealwatch/internal/board"
	logx "dealwatch/pkg/logx"
)

// Selectors describe where article fields live inside one board row. Only
// Row and Link are mandatory; everything else degrades to empty/nil.
type Selectors struct {
	Row      string // one selection per article, in page order
	Link     string // anchor inside the row; href -> URL, text -> title fallback
	Title    string // optional explicit title node
	ID       string // optional node whose text is the post id
	IDAttr   string // optional attribute on the row carrying the post id (e.g. data-no)
	Category string
	Writer   string
	Metric   string // recommendation/heat counter, first integer in the text
	Posted   string // best-effort post timestamp
}

type HTMLConfig struct {
	Name      string
	URL       string
	UserAgent string
	Encoding  string // e.g. "euc-kr"
	Selectors Selectors
}

// HTMLSource scrapes one board list page per poll with goquery.
type HTMLSource struct {
	cfg   HTMLConfig
	base  *url.URL
	fetch *fetcher
	log   logx.Logger
}

func NewHTML(cfg HTMLConfig, client *http.Client, log logx.Logger) (*HTMLSource, error) {
	if cfg.Name == "" {
		return nil, errors.New("source name is required")
	}
	base, err := url.Parse(cfg.URL)
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("source %s: invalid url %q", cfg.Name, cfg.URL)
	}
	if cfg.Selectors.Row == "" || cfg.Selectors.Link == "" {
		return nil, fmt.Errorf("source %s: selectors.row and selectors.link are required", cfg.Name)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTMLSource{
		cfg:   cfg,
		base:  base,
		fetch: newFetcher(client, cfg.UserAgent, cfg.Encoding),
		log:   log.With(logx.String("source", cfg.Name)),
	}, nil
}

func (s *HTMLSource) Name() string { return s.cfg.Name }

func (s *HTMLSource) Poll(ctx context.Context) ([]*board.Article, error) {
	body, done, err := s.fetch.get(ctx, s.cfg.URL)
	if err != nil {
		return nil, &FetchError{Source: s.cfg.Name, Err: err}
	}
	defer done()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, &ParseError{Source: s.cfg.Name, Err: err}
	}
	return s.extract(doc)
}

func (s *HTMLSource) extract(doc *goquery.Document) ([]*board.Article, error) {
	rows := doc.Find(s.cfg.Selectors.Row)
	if rows.Length() == 0 {
		return nil, &ParseError{Source: s.cfg.Name, Err: fmt.Errorf("no rows matched %q", s.cfg.Selectors.Row)}
	}

	var out []*board.Article
	rows.Each(func(i int, row *goquery.Selection) {
		a, err := s.extractRow(row)
		if err != nil {
			// A single malformed row (ads, notices) is routine; log at trace
			// and keep going. The min-plausible-count guard downstream catches
			// systemic breakage.
			s.log.Trace("row skipped", logx.Int("row", i), logx.Err(err))
			return
		}
		out = append(out, a)
	})
	if len(out) == 0 {
		return nil, &ParseError{Source: s.cfg.Name, Err: errors.New("rows matched but none were extractable")}
	}
	return out, nil
}

func (s *HTMLSource) extractRow(row *goquery.Selection) (*board.Article, error) {
	sel := s.cfg.Selectors

	link := row.Find(sel.Link).First()
	href, ok := link.Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return nil, errors.New("no link href")
	}
	absURL := s.resolve(href)

	title := ""
	if sel.Title != "" {
		title = clean(row.Find(sel.Title).First().Text())
	}
	if title == "" {
		title = clean(link.Text())
	}
	if title == "" {
		return nil, errors.New("empty title")
	}

	id := s.extractID(row, absURL)
	if id == "" {
		return nil, errors.New("no post id")
	}

	a := &board.Article{
		ID:    id,
		Title: title,
		URL:   absURL,
	}
	if sel.Category != "" {
		a.Category = clean(row.Find(sel.Category).First().Text())
	}
	if sel.Writer != "" {
		a.Writer = clean(row.Find(sel.Writer).First().Text())
	}
	if sel.Metric != "" {
		if n, ok := firstInt(row.Find(sel.Metric).First().Text()); ok {
			a.MetricCount = &n
		}
	}
	if sel.Posted != "" {
		a.PostedAt = parsePostedAt(clean(row.Find(sel.Posted).First().Text()), time.Now())
	}
	return a, nil
}

func (s *HTMLSource) extractID(row *goquery.Selection, absURL string) string {
	sel := s.cfg.Selectors
	if sel.IDAttr != "" {
		if v, ok := row.Attr(sel.IDAttr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if sel.ID != "" {
		if v := clean(row.Find(sel.ID).First().Text()); v != "" {
			return v
		}
	}
	return idFromURL(absURL)
}

func (s *HTMLSource) resolve(href string) string {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	return s.base.ResolveReference(u).String()
}

var (
	spaceRun = regexp.MustCompile(`\s+`)
	intRun   = regexp.MustCompile(`\d+`)
)

func clean(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

func firstInt(s string) (int, bool) {
	m := intRun.FindString(s)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return n, true
}

// idFromURL falls back to the common board convention of a numeric post id
// in the query string (no=, wr_id=, num=, idx=) or as the last path digits.
func idFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	q := u.Query()
	for _, k := range []string{"no", "wr_id", "num", "idx", "id"} {
		if v := q.Get(k); v != "" && intRun.MatchString(v) {
			return v
		}
	}
	if m := intRun.FindAllString(u.Path, -1); len(m) > 0 {
		return m[len(m)-1]
	}
	return ""
}

// parsePostedAt copes with the usual board formats: bare clock for today's
// posts, short or full dates for older ones. Unparseable input yields zero.
func parsePostedAt(s string, now time.Time) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.ParseInLocation("15:04", s, now.Location()); err == nil {
		return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02", "2006.01.02", "01-02", "01/02"} {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			if t.Year() == 0 {
				t = t.AddDate(now.Year(), 0, 0)
			}
			return t
		}
	}
	return time.Time{}
}
