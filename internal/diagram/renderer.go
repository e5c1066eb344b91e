package diagram

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/codecanvas/codecanvas/internal/apperr"
	"github.com/codecanvas/codecanvas/internal/toolcli"
)

// RenderD2SVG compiles src to SVG text. Validation and rendering share the
// same invocation shape, so a source that validates also renders.
func (s *Service) RenderD2SVG(ctx context.Context, src string) (string, error) {
	if len(src) > maxD2InputBytes {
		return "", apperr.Newf(apperr.InputTooLarge, "d2 source exceeds %d bytes", maxD2InputBytes)
	}
	exe, err := s.d2Path()
	if err != nil {
		return "", err
	}

	res, err := s.run(ctx, exe, []string{toolcli.InputPlaceholder, "-"}, src, cliTimeout)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		msg := ansiEscape.ReplaceAllString(res.Stderr, "")
		return "", apperr.Newf(apperr.Upstream, "d2 render failed: %s", msg)
	}
	return res.Stdout, nil
}

// RenderMermaid renders src to the requested format ("svg" or "png").
// SVG returns the markup text; PNG returns base64-encoded bytes.
func (s *Service) RenderMermaid(ctx context.Context, src, format string) (string, error) {
	if format != "svg" && format != "png" {
		return "", apperr.Newf(apperr.Validation, "unsupported output format: %s", format)
	}
	exe, err := s.mermaidPath()
	if err != nil {
		return "", err
	}

	out, cleanup, err := tempOutputPath("*." + format)
	if err != nil {
		return "", err
	}
	defer cleanup()

	res, err := s.run(ctx, exe, []string{"-i", toolcli.InputPlaceholder, "-o", out}, src, cliTimeout)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", apperr.Newf(apperr.Upstream, "mermaid render failed: %s", trimMermaidError(res.Stderr))
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return "", fmt.Errorf("read rendered output: %w", err)
	}
	if format == "png" {
		return base64.StdEncoding.EncodeToString(data), nil
	}
	return string(data), nil
}

// tempOutputPath reserves a temp file path for a CLI output artifact and
// returns a cleanup that removes it on every exit path.
func tempOutputPath(pattern string) (string, func(), error) {
	f, err := os.CreateTemp("", "diagram-"+pattern)
	if err != nil {
		return "", nil, fmt.Errorf("create temp output: %w", err)
	}
	path := f.Name()
	f.Close()
	return path, func() { os.Remove(path) }, nil
}
