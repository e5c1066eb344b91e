package diagram

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"
)

// Retry budgets per kind. Mermaid errors tend to be local and fixable;
// D2 failures usually need a structural rewrite, so it gets fewer rounds.
const (
	maxAttemptsMermaid = 5
	maxAttemptsD2      = 2
)

var fencedBlockRe = map[string]*regexp.Regexp{
	KindD2:      regexp.MustCompile("(?s)```d2\\s*\n?(.*?)```"),
	KindMermaid: regexp.MustCompile("(?s)```mermaid\\s*\n?(.*?)```"),
}

// CorrectionAsker issues a correction prompt to the LLM on behalf of the
// session that owns the conversation. The session passes its history minus
// the current user turn and no codebase context.
type CorrectionAsker func(ctx context.Context, prompt string) (string, error)

// Block is one fenced diagram block found in an answer.
type Block struct {
	Kind             string
	Source           string
	Index            int // position of the block within the answer, per kind
	ValidationErrors []string
	RenderedSVG      string
	SavedFile        string

	valid bool // verdict for the current Source
}

// kind-specific rules included in every correction prompt.
var fixRules = map[string][]string{
	KindD2: {
		"Databases must use shape: cylinder",
		"Always close quotes and braces",
		"Declare both endpoints before connecting them",
		"Labels containing special characters must be quoted",
	},
	KindMermaid: {
		"Start with a diagram type header (e.g. graph TD, sequenceDiagram)",
		"Node ids must not contain spaces; put readable text in [brackets]",
		"Do not terminate lines with semicolons",
		"Avoid parentheses inside node labels; use quoted labels instead",
	},
}

// Repair finds fenced d2/mermaid blocks in answer, validates each against the
// CLI renderer, asks the LLM to fix invalid ones (bounded retries), and
// replaces valid blocks with pre-rendered inline SVG. Blocks that stay
// invalid are annotated with a visible error report. Text without diagram
// blocks passes through untouched.
func (s *Service) Repair(ctx context.Context, answer string, ask CorrectionAsker) string {
	out := answer
	for _, kind := range []string{KindMermaid, KindD2} {
		if fencedBlockRe[kind].MatchString(out) {
			out = s.repairKind(ctx, out, kind, ask)
		}
	}
	return out
}

func maxAttempts(kind string) int {
	if kind == KindD2 {
		return maxAttemptsD2
	}
	return maxAttemptsMermaid
}

func (s *Service) repairKind(ctx context.Context, text, kind string, ask CorrectionAsker) string {
	re := fencedBlockRe[kind]
	matches := re.FindAllStringSubmatch(text, -1)
	blocks := make([]*Block, len(matches))
	for i, m := range matches {
		blocks[i] = &Block{Kind: kind, Source: strings.TrimSpace(m[1]), Index: i}
	}

	for attempt := 1; attempt <= maxAttempts(kind); attempt++ {
		var invalid []*Block
		for _, b := range blocks {
			ok, errText, err := s.validate(ctx, kind, b.Source)
			if err != nil {
				// Validator unavailable (missing CLI, oversize, timeout):
				// treated as a failed attempt, never surfaced mid-loop.
				errText = err.Error()
			}
			b.valid = ok && err == nil
			if !b.valid {
				b.ValidationErrors = append(b.ValidationErrors, errText)
				invalid = append(invalid, b)
			}
		}

		if len(invalid) == 0 || attempt == maxAttempts(kind) {
			break
		}

		prompt := buildCorrectionPrompt(kind, invalid)
		resp, err := ask(ctx, prompt)
		if err != nil {
			slog.Warn("diagram correction call failed", "kind", kind, "attempt", attempt, "error", err)
			continue
		}
		openers := countOpeners(resp, kind)
		closers := strings.Count(resp, "```") - openers
		if openers > closers {
			slog.Warn("diagram correction response looks truncated", "kind", kind, "attempt", attempt)
		}

		corrected := re.FindAllStringSubmatch(resp, -1)
		for i, b := range invalid {
			if i < len(corrected) {
				b.Source = strings.TrimSpace(corrected[i][1])
			}
		}
	}

	// Replace each original fenced block in order. A render failure after
	// successful validation leaves the fenced source untouched.
	i := -1
	return re.ReplaceAllStringFunc(text, func(original string) string {
		i++
		b := blocks[i]
		if b.valid {
			if snippet, ok := s.renderBlock(ctx, b); ok {
				return snippet
			}
			return original
		}
		return s.errorReport(ctx, b, original)
	})
}

func (s *Service) validate(ctx context.Context, kind, src string) (bool, string, error) {
	if kind == KindD2 {
		return s.ValidateD2(ctx, src)
	}
	return s.ValidateMermaid(ctx, src)
}

// renderBlock pre-renders a validated block and returns its embed snippet.
func (s *Service) renderBlock(ctx context.Context, b *Block) (string, bool) {
	var svg string
	var err error
	if b.Kind == KindD2 {
		svg, err = s.RenderD2SVG(ctx, b.Source)
	} else {
		svg, err = s.RenderMermaid(ctx, b.Source, "svg")
	}
	if err != nil {
		slog.Warn("diagram render failed after validation", "kind", b.Kind, "error", err)
		return "", false
	}
	b.RenderedSVG = svg

	file, err := s.SaveSVG(b.Kind, b.Source, svg)
	if err != nil {
		slog.Warn("could not persist rendered svg", "kind", b.Kind, "error", err)
	}
	b.SavedFile = file

	var sb strings.Builder
	sb.WriteString("\n<div class=\"diagram-container\">\n")
	fmt.Fprintf(&sb, "<span class=\"diagram-badge\">✅ %s diagram rendered</span>\n", b.Kind)
	sb.WriteString(svg)
	if file != "" {
		fmt.Fprintf(&sb, "\n<a href=\"/api/v1/%s/download/%s\" download>Download SVG</a>\n", b.Kind, file)
	}
	sb.WriteString("<details><summary>Diagram source</summary>\n\n")
	fmt.Fprintf(&sb, "```%s\n%s\n```\n", b.Kind, b.Source)
	sb.WriteString("\n</details>\n</div>\n")
	return sb.String(), true
}

// errorReport emits the retry-exhaustion section for a block that never
// validated, keeping the uncorrected source visible, and makes one
// best-effort render attempt in case the CLI can still produce partial output.
func (s *Service) errorReport(ctx context.Context, b *Block, original string) string {
	var sb strings.Builder
	sb.WriteString("\n\n---\n\n")
	fmt.Fprintf(&sb, "**⚠️ %s diagram could not be validated**\n\n", b.Kind)
	if n := len(b.ValidationErrors); n > 0 {
		fmt.Fprintf(&sb, "Last validator error:\n\n```\n%s\n```\n\n", b.ValidationErrors[n-1])
	}
	sb.WriteString("Common fixes:\n")
	for _, rule := range fixRules[b.Kind] {
		fmt.Fprintf(&sb, "- %s\n", rule)
	}
	sb.WriteString("\nOriginal source:\n\n")
	sb.WriteString(original)
	sb.WriteString("\n")

	// Best effort: some renderers emit partial output for broken input.
	var svg string
	var err error
	if b.Kind == KindD2 {
		svg, err = s.RenderD2SVG(ctx, b.Source)
	} else {
		svg, err = s.RenderMermaid(ctx, b.Source, "svg")
	}
	if err == nil && svg != "" {
		sb.WriteString("\nPartial render:\n\n")
		sb.WriteString(svg)
		sb.WriteString("\n")
	}
	return sb.String()
}

func buildCorrectionPrompt(kind string, invalid []*Block) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The following %s diagram(s) failed validation.\n\n", kind)
	for _, b := range invalid {
		fmt.Fprintf(&sb, "Diagram %d:\n```%s\n%s\n```\n\nValidator error:\n%s\n\n",
			b.Index+1, kind, b.Source, html.UnescapeString(lastError(b)))
	}
	sb.WriteString("Rules:\n")
	for _, rule := range fixRules[kind] {
		fmt.Fprintf(&sb, "- %s\n", rule)
	}
	sb.WriteString("\nReturn ONLY the corrected fenced code block. Keep it SIMPLE and COMPLETE.")
	return sb.String()
}

func lastError(b *Block) string {
	if len(b.ValidationErrors) == 0 {
		return ""
	}
	return b.ValidationErrors[len(b.ValidationErrors)-1]
}

func countOpeners(text, kind string) int {
	return strings.Count(text, "```"+kind)
}
