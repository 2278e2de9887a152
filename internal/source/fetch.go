package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

const (
	defaultUserAgent = "dealwatch/1.0 (+https://github.com/dealwatch)"
	maxBodyBytes     = 4 << 20
)

// fetcher is the shared HTTP front of the HTML sources. Korean community
// boards still commonly serve EUC-KR, so the body is decoded to UTF-8 here
// when an encoding is configured.
type fetcher struct {
	client    *http.Client
	userAgent string
	encoding  string // IANA name, e.g. "euc-kr"; empty means UTF-8 as-is
}

func newFetcher(client *http.Client, userAgent, encoding string) *fetcher {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = defaultUserAgent
	}
	return &fetcher{client: client, userAgent: userAgent, encoding: encoding}
}

// get fetches url and returns a UTF-8 reader over the (size-capped) body.
func (f *fetcher) get(ctx context.Context, url string) (io.Reader, func(), error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var r io.Reader = io.LimitReader(resp.Body, maxBodyBytes)
	if f.encoding != "" && !strings.EqualFold(f.encoding, "utf-8") {
		enc, err := htmlindex.Get(f.encoding)
		if err != nil {
			_ = resp.Body.Close()
			return nil, nil, fmt.Errorf("unknown encoding %q: %w", f.encoding, err)
		}
		r = transform.NewReader(r, enc.NewDecoder())
	}
	return r, func() { _ = resp.Body.Close() }, nil
}
