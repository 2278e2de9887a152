package api

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"html"
	"time"

	"dealwatch/internal/storage"
)

// The feed writers build XML by hand into a buffer. The documents are flat
// and fixed-shape; a marshalling layer would only obscure the namespaces.

func generateRSS(articles []storage.ArchivedArticle, base string) string {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteString("\n")
	buf.WriteString(`<rss version="2.0" xmlns:atom="http://www.w3.org/2005/Atom">`)
	buf.WriteString("\n  <channel>\n")

	writeElement(&buf, "title", "dealwatch", 4)
	writeElement(&buf, "link", base, 4)
	writeElement(&buf, "description", "Hot deal articles collected from watched boards", 4)
	fmt.Fprintf(&buf, "    <atom:link href=\"%s/feed/rss.xml\" rel=\"self\" type=\"application/rss+xml\" />\n",
		html.EscapeString(base))

	lastBuild := time.Now()
	if len(articles) > 0 {
		lastBuild = articles[0].LastSeenAt
	}
	writeElement(&buf, "lastBuildDate", lastBuild.Format(time.RFC1123Z), 4)

	for _, a := range articles {
		buf.WriteString("    <item>\n")
		fmt.Fprintf(&buf, "      <guid isPermaLink=\"false\">%s</guid>\n",
			html.EscapeString(a.Source+"/"+a.ID))
		writeElement(&buf, "title", a.Title, 6)
		writeElement(&buf, "link", a.URL, 6)
		writeElement(&buf, "category", a.Category, 6)
		if a.Writer != "" {
			writeElement(&buf, "author", a.Writer, 6)
		}
		pub := a.FirstSeenAt
		if a.PostedAt != nil {
			pub = *a.PostedAt
		}
		writeElement(&buf, "pubDate", pub.Format(time.RFC1123Z), 6)
		buf.WriteString("    </item>\n")
	}

	buf.WriteString("  </channel>\n</rss>")
	return buf.String()
}

func generateAtom(articles []storage.ArchivedArticle, base string) string {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteString("\n")
	buf.WriteString(`<feed xmlns="http://www.w3.org/2005/Atom">`)
	buf.WriteString("\n")

	writeElement(&buf, "title", "dealwatch", 2)
	writeElement(&buf, "id", base+"/feed/atom.xml", 2)
	fmt.Fprintf(&buf, "  <link href=\"%s/feed/atom.xml\" rel=\"self\" />\n", html.EscapeString(base))
	fmt.Fprintf(&buf, "  <link href=\"%s\" />\n", html.EscapeString(base))

	updated := time.Now()
	if len(articles) > 0 {
		updated = articles[0].LastSeenAt
	}
	writeElement(&buf, "updated", updated.Format(time.RFC3339), 2)

	for _, a := range articles {
		buf.WriteString("  <entry>\n")
		writeElement(&buf, "id", "urn:dealwatch:"+a.Source+":"+a.ID, 4)
		writeElement(&buf, "title", a.Title, 4)
		fmt.Fprintf(&buf, "    <link href=\"%s\" />\n", html.EscapeString(a.URL))
		writeElement(&buf, "updated", a.LastSeenAt.Format(time.RFC3339), 4)
		if a.Writer != "" {
			buf.WriteString("    <author>\n")
			writeElement(&buf, "name", a.Writer, 6)
			buf.WriteString("    </author>\n")
		}
		if a.Category != "" {
			fmt.Fprintf(&buf, "    <category term=\"%s\" />\n", html.EscapeString(a.Category))
		}
		buf.WriteString("  </entry>\n")
	}

	buf.WriteString("</feed>")
	return buf.String()
}

func writeElement(buf *bytes.Buffer, tag, content string, indent int) {
	if content == "" {
		return
	}
	for i := 0; i < indent; i++ {
		buf.WriteByte(' ')
	}
	buf.WriteString("<")
	buf.WriteString(tag)
	buf.WriteString(">")
	_ = xml.EscapeText(buf, []byte(content))
	buf.WriteString("</")
	buf.WriteString(tag)
	buf.WriteString(">\n")
}
