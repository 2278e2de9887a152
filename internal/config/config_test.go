package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
telegram:
  token: "123:abc"
storage:
  driver: sqlite
  path: ./dealwatch.db
api:
  enabled: true
  addr: "127.0.0.1:8370"
poll:
  period: 1m
sources:
  - name: hotdeal
    kind: html
    url: "https://board.example/hot"
    encoding: euc-kr
    selectors:
      row: "tr.item"
      link: "a"
      id_attr: "data-no"
      category: "td.cat"
    grace_window: 3
    min_plausible_count: 5
    channels: [main]
  - name: feedboard
    kind: rss
    url: "https://feeds.example/deals.xml"
    period: 5m
    channels: [main]
channels:
  - name: main
    kind: telegram
    chat_id: -100123456
    rate_per_sec: 1
    retry_max: 3
    retry_base: 500ms
    drain_on_shutdown: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dealwatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidYAML(t *testing.T) {
	m := NewManager(writeConfig(t, validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Sources) != 2 || len(cfg.Channels) != 1 {
		t.Fatalf("shape: %d sources, %d channels", len(cfg.Sources), len(cfg.Channels))
	}
	if cfg.Sources[0].Selectors.Row != "tr.item" || cfg.Sources[0].Encoding != "euc-kr" {
		t.Fatalf("source parsing: %+v", cfg.Sources[0])
	}
	if cfg.Channels[0].ChatID != -100123456 || !cfg.Channels[0].DrainOnShutdown {
		t.Fatalf("channel parsing: %+v", cfg.Channels[0])
	}
	if cfg.Channels[0].RetryBase != "500ms" {
		t.Fatalf("duration field: %q", cfg.Channels[0].RetryBase)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit")
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	bad := strings.Replace(validYAML, "poll:\n  period: 1m", "poll:\n  period: 1m\n  typo_field: 3", 1)
	m := NewManager(writeConfig(t, bad))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown field should fail the strict decoder")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mangle func(string) string
	}{
		{"unknown channel ref", func(s string) string {
			return strings.Replace(s, "channels: [main]", "channels: [nope]", 1)
		}},
		{"unknown source kind", func(s string) string {
			return strings.Replace(s, "kind: rss", "kind: gopher", 1)
		}},
		{"bad duration", func(s string) string {
			return strings.Replace(s, "period: 5m", "period: 5 minutes", 1)
		}},
		{"missing chat id", func(s string) string {
			return strings.Replace(s, "chat_id: -100123456", "chat_id: 0", 1)
		}},
		{"html without row selector", func(s string) string {
			return strings.Replace(s, `row: "tr.item"`, `row: ""`, 1)
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := NewManager(writeConfig(t, c.mangle(validYAML)))
			if _, err := m.Load(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDurationFields(t *testing.T) {
	if d, err := Duration("1m30s").Parse("x"); err != nil || d != 90*time.Second {
		t.Fatalf("parse: %v %v", d, err)
	}
	if d, err := Duration("").Parse("x"); err != nil || d != 0 {
		t.Fatalf("unset should parse to zero: %v %v", d, err)
	}
	if d, err := Duration("").Or("x", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("unset should take the default: %v %v", d, err)
	}
	if d, err := Duration("2s").Or("x", time.Minute); err != nil || d != 2*time.Second {
		t.Fatalf("set value should win over the default: %v %v", d, err)
	}
	if _, err := Duration("-5s").Parse("x"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if _, err := Duration("5 minutes").Parse("sources.x.period"); err == nil || !strings.Contains(err.Error(), "sources.x.period") {
		t.Fatalf("error should name the field: %v", err)
	}
}

func TestReloadPublishesAndKeepsBadConfigOut(t *testing.T) {
	path := writeConfig(t, validYAML)
	m := NewManager(path)
	first, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// A broken edit must not replace the running config.
	if err := os.WriteFile(path, []byte("sources: ["), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.reload(context.Background())
	if m.Get() != first {
		t.Fatal("broken config was committed")
	}
	select {
	case <-sub:
		t.Fatal("broken config was published")
	default:
	}

	// A good edit is committed and published.
	edited := strings.Replace(validYAML, "level: debug", "level: warn", 1)
	if err := os.WriteFile(path, []byte(edited), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("published config stale: %+v", cfg.Logging)
		}
	case <-time.After(time.Second):
		t.Fatal("no publish after valid reload")
	}

	// Same content again: no duplicate publish.
	m.reload(context.Background())
	select {
	case <-sub:
		t.Fatal("unchanged config re-published")
	default:
	}
}

func TestSummarizeChange(t *testing.T) {
	m := NewManager(writeConfig(t, validYAML))
	oldCfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	newCfg, _ := m.Parse()
	newCfg.Logging.Level = "warn"
	newCfg.Sources = newCfg.Sources[:1]

	changed, _ := SummarizeChange(oldCfg, newCfg)
	want := map[string]bool{"logging": true, "sources": true}
	if len(changed) != len(want) {
		t.Fatalf("changed sections: %v", changed)
	}
	for _, s := range changed {
		if !want[s] {
			t.Fatalf("unexpected section %q in %v", s, changed)
		}
	}
}
