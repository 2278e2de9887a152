package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dealwatch/internal/board"
	"dealwatch/internal/dispatch"
	"dealwatch/internal/storage"
	logx "dealwatch/pkg/logx"
)

func seededStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "api.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	now := time.Now().UTC()
	metric := 12
	articles := []*board.Article{
		{ID: "1", Title: "Chicken <half> price", URL: "https://b.example/1", Category: "food",
			Writer: "kim", MetricCount: &metric, FirstSeenAt: now.Add(-time.Hour), LastSeenAt: now},
		{ID: "2", Title: "SSD deal", URL: "https://b.example/2", Category: "tech",
			FirstSeenAt: now.Add(-2 * time.Hour), LastSeenAt: now.Add(-time.Minute)},
	}
	if err := st.UpsertArticles(context.Background(), "hotdeal", articles); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return st
}

func testEngine(t *testing.T, st storage.Store, token string) http.Handler {
	t.Helper()
	statsFn := func() map[string]dispatch.ChannelStats {
		return map[string]dispatch.ChannelStats{"main": {Delivered: 3}}
	}
	h := NewHandler(st, statsFn, []SourceInfo{{Name: "hotdeal", Kind: "html", URL: "https://b.example", Period: "1m"}}, logx.Nop())
	return newEngine(h, token, logx.Nop())
}

func doGET(t *testing.T, e http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	w := doGET(t, testEngine(t, nil, ""), "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
}

func TestListArticlesWithFilters(t *testing.T) {
	e := testEngine(t, seededStore(t), "")

	w := doGET(t, e, "/articles?category=food", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Articles []storage.ArchivedArticle `json:"articles"`
		Count    int                       `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Articles[0].ID != "1" {
		t.Fatalf("filter result: %+v", resp)
	}

	w = doGET(t, e, "/articles?q=ssd", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 1 || resp.Articles[0].ID != "2" {
		t.Fatalf("title search: %+v", resp)
	}
}

func TestGetArticle(t *testing.T) {
	e := testEngine(t, seededStore(t), "")

	w := doGET(t, e, "/articles/hotdeal/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var got storage.ArchivedArticle
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "1" || got.Source != "hotdeal" {
		t.Fatalf("wrong article: %+v", got)
	}

	if w := doGET(t, e, "/articles/hotdeal/999", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing article: %d", w.Code)
	}
}

func TestListArticlesWithoutStore(t *testing.T) {
	w := doGET(t, testEngine(t, nil, ""), "/articles", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"articles":[]`) {
		t.Fatalf("nil store: %d %s", w.Code, w.Body.String())
	}
}

func TestTokenGate(t *testing.T) {
	e := testEngine(t, nil, "sekrit")

	if w := doGET(t, e, "/articles", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", w.Code)
	}
	if w := doGET(t, e, "/articles", map[string]string{"Authorization": "Bearer wrong"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", w.Code)
	}
	if w := doGET(t, e, "/articles", map[string]string{"Authorization": "Bearer sekrit"}); w.Code != http.StatusOK {
		t.Fatalf("bearer: %d", w.Code)
	}
	if w := doGET(t, e, "/articles", map[string]string{"X-API-Key": "sekrit"}); w.Code != http.StatusOK {
		t.Fatalf("x-api-key: %d", w.Code)
	}
	// Feeds and health stay public.
	if w := doGET(t, e, "/health", nil); w.Code != http.StatusOK {
		t.Fatalf("health gated: %d", w.Code)
	}
	if w := doGET(t, e, "/feed/rss.xml", nil); w.Code != http.StatusOK {
		t.Fatalf("rss gated: %d", w.Code)
	}
}

func TestFeedRSS(t *testing.T) {
	w := doGET(t, testEngine(t, seededStore(t), ""), "/feed/rss.xml", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	body := w.Body.String()
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/rss+xml") {
		t.Fatalf("content type %q", ct)
	}
	if !strings.Contains(body, "<rss version=\"2.0\"") {
		t.Fatal("not an rss document")
	}
	if !strings.Contains(body, "Chicken &lt;half&gt; price") {
		t.Fatalf("title not escaped:\n%s", body)
	}
	if !strings.Contains(body, "<guid isPermaLink=\"false\">hotdeal/1</guid>") {
		t.Fatalf("guid missing:\n%s", body)
	}
}

func TestFeedAtom(t *testing.T) {
	w := doGET(t, testEngine(t, seededStore(t), ""), "/feed/atom.xml", nil)
	body := w.Body.String()
	if !strings.Contains(body, `<feed xmlns="http://www.w3.org/2005/Atom">`) {
		t.Fatal("not an atom document")
	}
	if !strings.Contains(body, "urn:dealwatch:hotdeal:1") {
		t.Fatalf("entry id missing:\n%s", body)
	}
}

func TestStats(t *testing.T) {
	w := doGET(t, testEngine(t, nil, ""), "/stats", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"delivered":3`) {
		t.Fatalf("stats: %d %s", w.Code, w.Body.String())
	}
}
