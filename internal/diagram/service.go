// Package diagram validates, repairs, and renders D2 / Mermaid / C4 diagrams
// through the external CLI renderers.
package diagram

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/codecanvas/codecanvas/internal/toolcli"
)

// Diagram kinds handled by the service.
const (
	KindD2      = "d2"
	KindMermaid = "mermaid"
	KindC4      = "c4"
)

// Per-invocation subprocess timeout. Renders of large diagrams are slower
// than validations but both stay well under this bound.
const cliTimeout = 30 * time.Second

// Service wraps the external diagram CLIs. Executables are resolved lazily on
// first use so a missing renderer only fails the operations that need it.
type Service struct {
	d2Override      string
	mermaidOverride string
	staticDir       string
	run             toolcli.Runner

	d2Exe      string
	mermaidExe string
}

// NewService creates a diagram service. staticDir is the root under which
// rendered SVGs are persisted.
func NewService(d2Override, mermaidOverride, staticDir string) *Service {
	return &Service{
		d2Override:      d2Override,
		mermaidOverride: mermaidOverride,
		staticDir:       staticDir,
		run:             toolcli.Run,
	}
}

// SetRunner substitutes the subprocess runner (tests).
func (s *Service) SetRunner(r toolcli.Runner) { s.run = r }

// SetExecutables pins resolved executable paths (tests, doctor).
func (s *Service) SetExecutables(d2, mermaid string) {
	s.d2Exe, s.mermaidExe = d2, mermaid
}

func (s *Service) d2Path() (string, error) {
	if s.d2Exe == "" {
		exe, err := toolcli.Locate("d2", s.d2Override)
		if err != nil {
			return "", err
		}
		s.d2Exe = exe
	}
	return s.d2Exe, nil
}

func (s *Service) mermaidPath() (string, error) {
	if s.mermaidExe == "" {
		exe, err := toolcli.Locate("mmdc", s.mermaidOverride)
		if err != nil {
			return "", err
		}
		s.mermaidExe = exe
	}
	return s.mermaidExe, nil
}

// SaveSVG persists rendered SVG under static/<kind>_diagrams/ and returns the
// saved file name. The name carries a timestamp plus a source hash so
// concurrent renders never collide.
func (s *Service) SaveSVG(kind, source, svg string) (string, error) {
	dir := filepath.Join(s.staticDir, kind+"_diagrams")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create diagram dir: %w", err)
	}

	sum := sha256.Sum256([]byte(source))
	name := fmt.Sprintf("%s_diagram_%s_%s.svg",
		kind, time.Now().Format("20060102_150405"), hex.EncodeToString(sum[:4]))

	if err := os.WriteFile(filepath.Join(dir, name), []byte(svg), 0o644); err != nil {
		return "", fmt.Errorf("write svg: %w", err)
	}
	return name, nil
}

// StaticDir returns the directory SVGs are persisted under.
func (s *Service) StaticDir() string { return s.staticDir }
