package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "dealwatch/pkg/logx"
)

const boardFixture = `<!DOCTYPE html>
<html><body>
<table class="board">
  <tr class="notice"><td>notice, no link</td></tr>
  <tr class="item" data-no="101">
    <td class="cat">food</td>
    <td><a href="/bbs/view.php?no=101">Fried chicken 50% off</a></td>
    <td class="writer">kim</td>
    <td class="rec">12</td>
    <td class="time">13:05</td>
  </tr>
  <tr class="item" data-no="102">
    <td class="cat">tech</td>
    <td><a href="/bbs/view.php?no=102">SSD 2TB &lt;deal&gt;</a></td>
    <td class="writer">lee</td>
    <td class="rec">3</td>
    <td class="time">2025-05-30</td>
  </tr>
</table>
</body></html>`

func testSelectors() Selectors {
	return Selectors{
		Row:      "tr.item",
		Link:     "a",
		IDAttr:   "data-no",
		Category: "td.cat",
		Writer:   "td.writer",
		Metric:   "td.rec",
		Posted:   "td.time",
	}
}

func newTestSource(t *testing.T, srvURL string, sel Selectors) *HTMLSource {
	t.Helper()
	s, err := NewHTML(HTMLConfig{
		Name:      "testboard",
		URL:       srvURL,
		Selectors: sel,
	}, &http.Client{Timeout: 5 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("NewHTML: %v", err)
	}
	return s
}

func TestHTMLSourcePoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(boardFixture))
	}))
	defer srv.Close()

	s := newTestSource(t, srv.URL, testSelectors())
	articles, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(articles) != 2 {
		t.Fatalf("expected 2 articles, got %d", len(articles))
	}

	a := articles[0]
	if a.ID != "101" {
		t.Fatalf("id: got %q", a.ID)
	}
	if a.Title != "Fried chicken 50% off" {
		t.Fatalf("title: got %q", a.Title)
	}
	if a.Category != "food" || a.Writer != "kim" {
		t.Fatalf("category/writer: got %q/%q", a.Category, a.Writer)
	}
	if a.MetricCount == nil || *a.MetricCount != 12 {
		t.Fatalf("metric: got %v", a.MetricCount)
	}
	if a.URL != srv.URL+"/bbs/view.php?no=101" {
		t.Fatalf("url not resolved: %q", a.URL)
	}

	if articles[1].Title != "SSD 2TB <deal>" {
		t.Fatalf("entities not decoded: %q", articles[1].Title)
	}
}

func TestHTMLSourceIDFromURLFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(boardFixture))
	}))
	defer srv.Close()

	sel := testSelectors()
	sel.IDAttr = ""
	s := newTestSource(t, srv.URL, sel)

	articles, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if articles[0].ID != "101" || articles[1].ID != "102" {
		t.Fatalf("url-derived ids wrong: %q %q", articles[0].ID, articles[1].ID)
	}
}

func TestHTMLSourceParseErrorWhenStructureMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><body><p>maintenance</p></body></html>"))
	}))
	defer srv.Close()

	s := newTestSource(t, srv.URL, testSelectors())
	_, err := s.Poll(context.Background())
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestHTMLSourceFetchErrorOnStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := newTestSource(t, srv.URL, testSelectors())
	_, err := s.Poll(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
}

func TestIDFromURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://x.com/bbs/view.php?no=4242", "4242"},
		{"https://x.com/board?wr_id=7", "7"},
		{"https://x.com/posts/991", "991"},
		{"https://x.com/about", ""},
	}
	for _, c := range cases {
		if got := idFromURL(c.in); got != c.want {
			t.Errorf("idFromURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParsePostedAt(t *testing.T) {
	now := time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)

	got := parsePostedAt("13:05", now)
	if got.Hour() != 13 || got.Day() != 1 {
		t.Fatalf("clock-only: got %v", got)
	}
	got = parsePostedAt("2025-05-30", now)
	if got.Day() != 30 || got.Month() != time.May {
		t.Fatalf("full date: got %v", got)
	}
	if !parsePostedAt("garbage", now).IsZero() {
		t.Fatal("garbage should yield zero time")
	}
}
