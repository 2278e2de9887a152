// Package config loads, validates and hot-reloads the service configuration.
// YAML and JSON are both accepted; YAML is coerced to JSON so a single strict
// decoder (DisallowUnknownFields) catches typos in either format.
package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	API      *APIConfig     `json:"api,omitempty"`

	// Poll holds defaults inherited by every source that doesn't override.
	Poll PollDefaults `json:"poll,omitempty"`

	Sources  []SourceConfig  `json:"sources"`
	Channels []ChannelConfig `json:"channels"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type TelegramConfig struct {
	Token string `json:"token"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	storage: { driver: sqlite, path: ./dealwatch.db }
type StorageConfig struct {
	Driver      string   `json:"driver"`
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout,omitempty"` // sqlite only
}

// APIConfig controls the read-only HTTP surface (archive, feeds, stats).
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8370"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
}

// PollDefaults are per-source defaults.
type PollDefaults struct {
	Period       Duration `json:"period,omitempty"`        // default: "1m"
	CycleTimeout Duration `json:"cycle_timeout,omitempty"` // default: the period
	UserAgent    string   `json:"user_agent,omitempty"`
}

// SourceConfig describes one watched board.
type SourceConfig struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // "html" or "rss"
	URL  string `json:"url"`

	// Encoding names the page charset when the board doesn't serve UTF-8
	// (Korean boards are commonly "euc-kr").
	Encoding  string `json:"encoding,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	Period       Duration `json:"period,omitempty"`
	CycleTimeout Duration `json:"cycle_timeout,omitempty"`

	// Selectors drive HTML extraction; ignored for rss sources.
	Selectors SelectorsConfig `json:"selectors,omitempty"`

	// Diff tuning. Zero values take the engine defaults.
	GraceWindow       int      `json:"grace_window,omitempty"`
	TrackingHorizon   Duration `json:"tracking_horizon,omitempty"`
	MinPlausibleCount int      `json:"min_plausible_count,omitempty"`

	// Channels lists the destinations this source notifies.
	Channels []string `json:"channels"`
}

// SelectorsConfig mirrors the CSS selectors used against a board page.
type SelectorsConfig struct {
	Row      string `json:"row"`
	Link     string `json:"link,omitempty"`
	Title    string `json:"title,omitempty"`
	ID       string `json:"id,omitempty"`
	IDAttr   string `json:"id_attr,omitempty"`
	Category string `json:"category,omitempty"`
	Writer   string `json:"writer,omitempty"`
	Metric   string `json:"metric,omitempty"`
	Posted   string `json:"posted,omitempty"`
}

// ChannelConfig describes one notification destination.
type ChannelConfig struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // "telegram"

	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`

	RatePerSec      float64  `json:"rate_per_sec,omitempty"`
	RetryMax        int      `json:"retry_max,omitempty"`
	RetryBase       Duration `json:"retry_base,omitempty"`
	RetryMaxDelay   Duration `json:"retry_max_delay,omitempty"`
	ActionTimeout   Duration `json:"action_timeout,omitempty"`
	DrainOnShutdown bool     `json:"drain_on_shutdown,omitempty"`
}

// Validate rejects configs that cannot possibly run. It checks shape and
// cross-references; duration strings are checked here too so a reload can't
// commit a config that later fails to apply.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("config: at least one source is required")
	}

	channels := map[string]bool{}
	for i, ch := range c.Channels {
		name := strings.TrimSpace(ch.Name)
		if name == "" {
			return fmt.Errorf("config: channels[%d]: name is required", i)
		}
		if channels[name] {
			return fmt.Errorf("config: duplicate channel %q", name)
		}
		channels[name] = true

		switch ch.Kind {
		case "telegram":
			if strings.TrimSpace(c.Telegram.Token) == "" {
				return fmt.Errorf("config: channel %q needs telegram.token", name)
			}
			if ch.ChatID == 0 {
				return fmt.Errorf("config: channel %q: chat_id is required", name)
			}
		default:
			return fmt.Errorf("config: channel %q: unknown kind %q", name, ch.Kind)
		}

		for path, d := range map[string]Duration{
			"retry_base":      ch.RetryBase,
			"retry_max_delay": ch.RetryMaxDelay,
			"action_timeout":  ch.ActionTimeout,
		} {
			if _, err := d.Parse("channels." + name + "." + path); err != nil {
				return err
			}
		}
	}

	sources := map[string]bool{}
	for i, s := range c.Sources {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("config: sources[%d]: name is required", i)
		}
		if sources[name] {
			return fmt.Errorf("config: duplicate source %q", name)
		}
		sources[name] = true

		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("config: source %q: url is required", name)
		}
		switch s.Kind {
		case "html":
			if strings.TrimSpace(s.Selectors.Row) == "" {
				return fmt.Errorf("config: source %q: selectors.row is required for html sources", name)
			}
		case "rss":
		default:
			return fmt.Errorf("config: source %q: unknown kind %q", name, s.Kind)
		}

		if len(s.Channels) == 0 {
			return fmt.Errorf("config: source %q: at least one channel is required", name)
		}
		for _, ref := range s.Channels {
			if !channels[ref] {
				return fmt.Errorf("config: source %q references unknown channel %q", name, ref)
			}
		}

		for path, d := range map[string]Duration{
			"period":           s.Period,
			"cycle_timeout":    s.CycleTimeout,
			"tracking_horizon": s.TrackingHorizon,
		} {
			if _, err := d.Parse("sources." + name + "." + path); err != nil {
				return err
			}
		}
	}

	for path, d := range map[string]Duration{
		"poll.period":        c.Poll.Period,
		"poll.cycle_timeout": c.Poll.CycleTimeout,
	} {
		if _, err := d.Parse(path); err != nil {
			return err
		}
	}
	if c.Storage != nil {
		if _, err := c.Storage.BusyTimeout.Parse("storage.busy_timeout"); err != nil {
			return err
		}
	}
	return nil
}
