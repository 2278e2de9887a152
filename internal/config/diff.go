package config

import (
	"reflect"
	"strings"

	logx "dealwatch/pkg/logx"
)

// SummarizeChange returns the changed top-level sections plus structured
// attrs safe for logging (tokens are reduced to set/unset). The app uses the
// section list to decide what can apply live (logging) and what needs a
// restart (sources, channels, storage, api).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}

	// Telegram: only whether a token is present, never its value.
	if (strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""))
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}

	if !apiEqual(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		if newCfg.API != nil {
			attrs = append(attrs,
				logx.Bool("api.enabled", newCfg.API.Enabled),
				logx.String("api.addr", newCfg.API.Addr),
				logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Poll, newCfg.Poll) {
		changed = append(changed, "poll")
	}
	if !reflect.DeepEqual(oldCfg.Sources, newCfg.Sources) {
		changed = append(changed, "sources")
		attrs = append(attrs, logx.Int("sources.count", len(newCfg.Sources)))
	}
	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		attrs = append(attrs, logx.Int("channels.count", len(newCfg.Channels)))
	}

	return changed, attrs
}

// apiEqual compares API sections with the token reduced to presence, so a
// rotated token doesn't read as an API topology change.
func apiEqual(a, b *APIConfig) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return a.Enabled == b.Enabled &&
		strings.TrimSpace(a.Addr) == strings.TrimSpace(b.Addr) &&
		(strings.TrimSpace(a.Token) != "") == (strings.TrimSpace(b.Token) != "")
}
