package shell

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codecanvas/codecanvas/internal/apperr"
)

// Manager owns all shell sessions. Working directories are clamped to the
// workspace root, and a background evictor closes idle sessions.
type Manager struct {
	workspaceRoot  string
	commandTimeout time.Duration
	idleTTL        time.Duration
	evictTick      time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	stopEvictor chan struct{}
	stopOnce    sync.Once
}

// Options tune the manager's timing; zero values get the defaults (300 s
// command timeout, 1800 s idle TTL, 60 s eviction tick).
type Options struct {
	CommandTimeout time.Duration
	IdleTTL        time.Duration
	EvictTick      time.Duration
}

// NewManager creates a manager bounded to workspaceRoot and starts the idle
// evictor. Call Shutdown to stop it.
func NewManager(workspaceRoot string, opts Options) *Manager {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 300 * time.Second
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 1800 * time.Second
	}
	if opts.EvictTick <= 0 {
		opts.EvictTick = 60 * time.Second
	}
	m := &Manager{
		workspaceRoot:  workspaceRoot,
		commandTimeout: opts.CommandTimeout,
		idleTTL:        opts.IdleTTL,
		evictTick:      opts.EvictTick,
		sessions:       make(map[string]*Session),
		stopEvictor:    make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

// CreateSession opens a new session. A cwd outside the workspace root is
// replaced with the root; shell kind auto picks the platform shell.
func (m *Manager) CreateSession(cwd, shellKind string) Info {
	resolved := m.clampCwd(cwd)
	now := time.Now()
	s := &Session{
		ID:           uuid.NewString(),
		Cwd:          resolved,
		ShellKind:    resolveShellKind(shellKind),
		CreatedAt:    now,
		lastActivity: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	slog.Info("shell session created", "session", s.ID, "cwd", resolved, "shell", s.ShellKind)
	return s.info()
}

// clampCwd resolves cwd against the workspace root and substitutes the root
// when the result escapes it.
func (m *Manager) clampCwd(cwd string) string {
	if cwd == "" {
		return m.workspaceRoot
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		slog.Warn("shell cwd not resolvable, using workspace root", "cwd", cwd, "error", err)
		return m.workspaceRoot
	}
	rel, err := filepath.Rel(m.workspaceRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		slog.Warn("shell cwd outside workspace root, using root", "cwd", cwd)
		return m.workspaceRoot
	}
	return abs
}

// Execute runs command in the named session, streaming output through sink.
// Blocked commands spawn no subprocess but still count as activity.
func (m *Manager) Execute(ctx context.Context, sessionID, command string, sink OutputSink) (Status, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return StatusFailed, err
	}

	if v := CheckCommand(command); !v.Safe {
		s.mu.Lock()
		s.commandCount++
		s.lastActivity = time.Now()
		s.mu.Unlock()
		slog.Warn("shell command blocked", "session", sessionID, "reason", v.Reason)
		return StatusFailed, apperr.New(apperr.Policy, v.Reason)
	}

	status, err := s.execute(ctx, command, m.commandTimeout, sink)
	if err != nil {
		slog.Warn("shell command ended abnormally",
			"session", sessionID, "status", status, "error", err)
	}
	return status, err
}

// Validate checks a command against the safety policy without running it.
func (m *Manager) Validate(command string) Verdict {
	return CheckCommand(command)
}

// Close kills any running child and removes the session.
func (m *Manager) Close(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return apperr.Newf(apperr.NotFound, "no shell session %s", sessionID)
	}
	s.kill()
	slog.Info("shell session closed", "session", sessionID)
	return nil
}

// Info returns the snapshot for one session.
func (m *Manager) Info(sessionID string) (Info, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return Info{}, err
	}
	return s.info(), nil
}

// List returns snapshots of all live sessions.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	m.mu.RUnlock()
	return out
}

// Touch records client activity (e.g. a WS ping) so the session is not
// evicted while a client is attached but idle.
func (m *Manager) Touch(sessionID string) {
	if s, err := m.get(sessionID); err == nil {
		s.touch()
	}
}

func (m *Manager) get(sessionID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "no shell session %s", sessionID)
	}
	return s, nil
}

func (m *Manager) evictLoop() {
	ticker := time.NewTicker(m.evictTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictIdle()
		case <-m.stopEvictor:
			return
		}
	}
}

func (m *Manager) evictIdle() {
	cutoff := time.Now().Add(-m.idleTTL)
	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.kill()
		slog.Info("shell session evicted", "session", s.ID, "idle_ttl", m.idleTTL)
	}
}

// Shutdown stops the evictor and closes every session.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopEvictor) })
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.kill()
	}
}
