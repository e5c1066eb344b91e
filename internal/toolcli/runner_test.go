package toolcli

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/codecanvas/codecanvas/internal/apperr"
)

func skipWithoutSh(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test requires a POSIX shell")
	}
}

func TestRunSubstitutesInputPlaceholder(t *testing.T) {
	skipWithoutSh(t)

	res, err := Run(context.Background(), "cat", []string{InputPlaceholder}, "hello input", 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
	if res.Stdout != "hello input" {
		t.Errorf("stdout = %q, want the temp file content", res.Stdout)
	}
}

func TestRunNonZeroExitIsAVerdict(t *testing.T) {
	skipWithoutSh(t)

	res, err := Run(context.Background(), "sh", []string{"-c", "echo oops >&2; exit 3"}, "", 5*time.Second)
	if err != nil {
		t.Fatalf("Run returned error for non-zero exit: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "oops") {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestRunTimeout(t *testing.T) {
	skipWithoutSh(t)

	_, err := Run(context.Background(), "sleep", []string{"30"}, "", 100*time.Millisecond)
	if apperr.KindOf(err) != apperr.Timeout {
		t.Errorf("error kind = %v, want timeout (err: %v)", apperr.KindOf(err), err)
	}
}

func TestRunMissingExecutable(t *testing.T) {
	_, err := Run(context.Background(), "no-such-executable-kjhg", nil, "", time.Second)
	if apperr.KindOf(err) != apperr.Upstream {
		t.Errorf("error kind = %v, want upstream (err: %v)", apperr.KindOf(err), err)
	}
}

func TestLocateMissingTool(t *testing.T) {
	_, err := Locate("no-such-tool-kjhg", "")
	if apperr.KindOf(err) != apperr.Config {
		t.Errorf("error kind = %v, want config (err: %v)", apperr.KindOf(err), err)
	}
}
