// Package toolcli locates and runs the external diagram executables.
package toolcli

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/codecanvas/codecanvas/internal/apperr"
)

const versionProbeTimeout = 5 * time.Second

// Conventional install locations checked before falling back to $PATH.
var wellKnownDirs = []string{
	"/usr/local/bin",
	"/usr/bin",
	"/opt/homebrew/bin",
}

// Locate resolves tool (e.g. "d2", "mmdc") to an executable path. The explicit
// override from configuration wins, then well-known directories, then $PATH.
// Each candidate is verified by running `--version` with a short timeout.
func Locate(tool, override string) (string, error) {
	var candidates []string
	if override != "" {
		candidates = append(candidates, override)
	}
	name := tool
	if runtime.GOOS == "windows" {
		name = tool + ".exe"
	}
	for _, dir := range wellKnownDirs {
		candidates = append(candidates, filepath.Join(dir, name))
	}
	if p, err := exec.LookPath(tool); err == nil {
		candidates = append(candidates, p)
	}

	for _, c := range candidates {
		if probeVersion(c) {
			slog.Debug("located tool", "tool", tool, "path", c)
			return c, nil
		}
	}
	return "", apperr.Newf(apperr.Config, "executable not found: %s (set an explicit path in configuration)", tool)
}

func probeVersion(path string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), versionProbeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, path, "--version")
	return cmd.Run() == nil
}
