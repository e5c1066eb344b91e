package shell

import (
	"context"
	"io"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codecanvas/codecanvas/internal/apperr"
)

// Shell kinds selectable at session creation.
const (
	KindAuto       = "auto"
	KindCmd        = "cmd"
	KindPowershell = "powershell"
	KindBash       = "bash"
)

// Terminal statuses of one Execute call.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Output streams passed to the sink.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// OutputSink receives output chunks as they are drained from the child.
// Chunks from stdout and stderr may arrive interleaved but the sink is never
// called concurrently.
type OutputSink func(chunk []byte, stream string)

const outputChunkSize = 1024

// Session is one shell session: a working directory, a shell kind, and at
// most one running child process at a time.
type Session struct {
	ID        string    `json:"session_id"`
	Cwd       string    `json:"working_directory"`
	ShellKind string    `json:"shell_type"`
	CreatedAt time.Time `json:"created_at"`

	mu           sync.Mutex
	lastActivity time.Time
	commandCount int
	running      bool
	cancelChild  context.CancelFunc
}

// Info is the JSON snapshot of a session.
type Info struct {
	SessionID    string    `json:"session_id"`
	Cwd          string    `json:"working_directory"`
	ShellKind    string    `json:"shell_type"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	CommandCount int       `json:"command_count"`
	Running      bool      `json:"running"`
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:    s.ID,
		Cwd:          s.Cwd,
		ShellKind:    s.ShellKind,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		CommandCount: s.commandCount,
		Running:      s.running,
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// resolveShellKind maps auto to the platform shell.
func resolveShellKind(kind string) string {
	switch kind {
	case KindCmd, KindPowershell, KindBash:
		return kind
	default:
		if runtime.GOOS == "windows" {
			return KindCmd
		}
		return KindBash
	}
}

// shellArgv wraps command with the session's shell.
func shellArgv(kind, command string) []string {
	switch kind {
	case KindCmd:
		return []string{"cmd", "/c", command}
	case KindPowershell:
		return []string{"powershell", "-Command", command}
	default:
		return []string{"bash", "-c", command}
	}
}

// execute runs command inside this session, streaming output to sink. The
// safety policy has already been applied by the manager. Returns the terminal
// status; err carries detail for failed/timeout outcomes.
func (s *Session) execute(ctx context.Context, command string, timeout time.Duration, sink OutputSink) (Status, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return StatusFailed, apperr.New(apperr.Policy, "session busy: a command is already running")
	}
	s.running = true
	s.commandCount++
	s.lastActivity = time.Now()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	s.cancelChild = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.running = false
		s.cancelChild = nil
		s.lastActivity = time.Now()
		s.mu.Unlock()
	}()

	argv := shellArgv(s.ShellKind, command)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = s.Cwd

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return StatusFailed, apperr.Wrap(apperr.Upstream, "open stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return StatusFailed, apperr.Wrap(apperr.Upstream, "open stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return StatusFailed, apperr.Wrap(apperr.Upstream, "start shell command", err)
	}

	// The sink contract is non-concurrent; both drain goroutines funnel
	// through this lock.
	var sinkMu sync.Mutex
	emit := func(chunk []byte, stream string) {
		sinkMu.Lock()
		sink(chunk, stream)
		sinkMu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error { return drain(stdout, StreamStdout, emit) })
	g.Go(func() error { return drain(stderr, StreamStderr, emit) })

	drainErr := g.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() == context.DeadlineExceeded {
		emit([]byte("Command timed out and was terminated"), StreamStderr)
		return StatusTimeout, apperr.Newf(apperr.Timeout, "command exceeded %s", timeout)
	}
	if waitErr != nil {
		return StatusFailed, waitErr
	}
	if drainErr != nil {
		return StatusFailed, drainErr
	}
	return StatusCompleted, nil
}

// drain reads r in fixed-size chunks, forwarding each to emit.
func drain(r io.Reader, stream string, emit func([]byte, string)) error {
	buf := make([]byte, outputChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			emit(chunk, stream)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// Pipe close on kill is expected; the status decision happens in
			// execute after Wait.
			return nil
		}
	}
}

// kill cancels the running child, if any.
func (s *Session) kill() {
	s.mu.Lock()
	cancel := s.cancelChild
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
