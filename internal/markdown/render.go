// Package markdown converts assistant Markdown to HTML for clients that
// cannot render Markdown themselves. The raw Markdown is always returned in
// parallel; this conversion is presentation-only.
package markdown

import (
	"bytes"
	"log/slog"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var md = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(
		// Diagram embeds arrive as pre-rendered trusted snippets; everything
		// else the model produces should be Markdown-only, so raw HTML
		// passes through unmodified rather than escaped.
		html.WithUnsafe(),
	),
)

// ToHTML renders GitHub-flavored Markdown to HTML. On a conversion failure
// the raw markdown is returned so the client still sees the content.
func ToHTML(markdown string) string {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		slog.Warn("markdown conversion failed", "error", err)
		return markdown
	}
	return buf.String()
}
