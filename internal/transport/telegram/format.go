package telegram

import (
	"fmt"
	"html"
	"strings"

	"dealwatch/internal/board"
)

const titleLimit = 200

// FormatArticle renders one article as a Telegram HTML message.
//
// Layout mirrors the usual hot-deal channel style:
//
//	🔥 [category] linked title
//	   writer · 👍 12
func FormatArticle(a *board.Article) string {
	var b strings.Builder

	b.WriteString("🔥 ")
	if a.Category != "" {
		b.WriteString("[")
		b.WriteString(html.EscapeString(a.Category))
		b.WriteString("] ")
	}

	title := a.Title
	if len([]rune(title)) > titleLimit {
		title = string([]rune(title)[:titleLimit-1]) + "…"
	}
	if a.URL != "" {
		fmt.Fprintf(&b, `<a href="%s">%s</a>`, html.EscapeString(a.URL), html.EscapeString(title))
	} else {
		b.WriteString(html.EscapeString(title))
	}

	var meta []string
	if a.Writer != "" {
		meta = append(meta, html.EscapeString(a.Writer))
	}
	if a.MetricCount != nil {
		meta = append(meta, fmt.Sprintf("👍 %d", *a.MetricCount))
	}
	if len(meta) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(meta, " · "))
	}

	return b.String()
}
