package toolcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/codecanvas/codecanvas/internal/apperr"
)

var tracer = otel.Tracer("codecanvas/toolcli")

// InputPlaceholder marks where the temp input file path is substituted in argv.
const InputPlaceholder = "{input}"

// RunResult carries the outcome of one subprocess invocation.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes an external tool with stdin delivered via a temp file.
// A function type so tests can substitute a fake.
type Runner func(ctx context.Context, exe string, args []string, input string, timeout time.Duration) (*RunResult, error)

// Run writes input to a temporary file, substitutes its path for
// InputPlaceholder in args, and executes exe under the given timeout. The
// temp file is removed on every exit path; on timeout the child is killed.
func Run(ctx context.Context, exe string, args []string, input string, timeout time.Duration) (*RunResult, error) {
	tmp, err := os.CreateTemp("", "toolcli-*.in")
	if err != nil {
		return nil, fmt.Errorf("create temp input: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(input); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write temp input: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp input: %w", err)
	}

	argv := make([]string, len(args))
	for i, a := range args {
		argv[i] = strings.ReplaceAll(a, InputPlaceholder, tmpPath)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "toolcli.run")
	span.SetAttributes(attribute.String("tool.exe", exe))
	defer span.End()

	cmd := exec.CommandContext(ctx, exe, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	res := &RunResult{Stdout: stdout.String(), Stderr: stderr.String()}

	switch {
	case err == nil:
		res.ExitCode = 0
		return res, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		span.RecordError(ctx.Err())
		return res, apperr.Newf(apperr.Timeout, "%s timed out after %s", exe, timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil // non-zero exit is a tool verdict, not a run failure
		}
		span.RecordError(err)
		return res, apperr.Wrap(apperr.Upstream, "run "+exe, err)
	}
}
