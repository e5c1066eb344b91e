package diagram

import (
	"context"
	"regexp"
	"strings"

	"github.com/codecanvas/codecanvas/internal/apperr"
	"github.com/codecanvas/codecanvas/internal/toolcli"
)

// Maximum accepted D2 source size.
const maxD2InputBytes = 500 * 1024

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// ValidateD2 compiles src with the D2 CLI. ok=false carries the compiler's
// message with ANSI escapes and trailing whitespace stripped. Oversize input
// is rejected before any subprocess is spawned.
func (s *Service) ValidateD2(ctx context.Context, src string) (bool, string, error) {
	if len(src) > maxD2InputBytes {
		return false, "", apperr.Newf(apperr.InputTooLarge, "d2 source exceeds %d bytes", maxD2InputBytes)
	}
	exe, err := s.d2Path()
	if err != nil {
		return false, "", err
	}

	res, err := s.run(ctx, exe, []string{toolcli.InputPlaceholder, "-"}, src, cliTimeout)
	if err != nil {
		return false, "", err
	}
	if res.ExitCode == 0 {
		return true, "", nil
	}
	msg := strings.TrimRight(ansiEscape.ReplaceAllString(res.Stderr, ""), " \t\r\n")
	return false, msg, nil
}

// ValidateMermaid runs the Mermaid CLI against src, rendering to a throwaway
// SVG. On failure the raw message is cut down to the 10 most relevant lines,
// dropping node stack-trace noise.
func (s *Service) ValidateMermaid(ctx context.Context, src string) (bool, string, error) {
	exe, err := s.mermaidPath()
	if err != nil {
		return false, "", err
	}

	out, cleanup, err := tempOutputPath("*.svg")
	if err != nil {
		return false, "", err
	}
	defer cleanup()

	res, err := s.run(ctx, exe, []string{"-i", toolcli.InputPlaceholder, "-o", out}, src, cliTimeout)
	if err != nil {
		return false, "", err
	}
	if res.ExitCode == 0 {
		return true, "", nil
	}
	return false, trimMermaidError(res.Stderr), nil
}

// trimMermaidError keeps the 10 most relevant lines of a mmdc failure,
// skipping stack-trace frames.
func trimMermaidError(stderr string) string {
	var kept []string
	for _, line := range strings.Split(stderr, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "at ") || strings.Contains(trimmed, "node_modules") {
			continue
		}
		kept = append(kept, trimmed)
		if len(kept) == 10 {
			break
		}
	}
	if len(kept) == 0 {
		return "mermaid rendering failed"
	}
	return strings.Join(kept, "\n")
}
