// Package history persists per-conversation message snapshots as append-only
// JSON files.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codecanvas/codecanvas/internal/apperr"
)

// Message is one persisted conversation message with per-turn metadata.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// File is the full on-disk snapshot of one conversation.
type File struct {
	GUID         string            `json:"guid"`
	SessionID    string            `json:"session_id"`
	CreatedAt    time.Time         `json:"created_at"`
	LastUpdated  time.Time         `json:"last_updated"`
	MessageCount int               `json:"message_count"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Messages     []Message         `json:"messages"`
}

// Summary is the listing view of a history file.
type Summary struct {
	GUID         string    `json:"guid"`
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastUpdated  time.Time `json:"last_updated"`
	MessageCount int       `json:"message_count"`
}

// Logger writes conversation snapshots under a history directory. Each
// session gets a stable GUID and start timestamp on first save; the file is
// rewritten whole (atomically) after every turn.
type Logger struct {
	dir string

	mu    sync.Mutex
	files map[string]string // session id -> file name
}

func NewLogger(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	l := &Logger{dir: dir, files: make(map[string]string)}
	l.index()
	return l, nil
}

// index maps existing history files back to their session ids.
func (l *Logger) index() {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		f, err := l.read(e.Name())
		if err != nil {
			continue
		}
		l.files[f.SessionID] = e.Name()
	}
}

// Save writes the full snapshot for sessionID. The created_at of an existing
// file is preserved; last_updated and message_count are refreshed.
func (l *Logger) Save(sessionID string, messages []Message, metadata map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	snapshot := File{
		SessionID:    sessionID,
		CreatedAt:    now,
		LastUpdated:  now,
		MessageCount: len(messages),
		Metadata:     metadata,
		Messages:     messages,
	}

	name, ok := l.files[sessionID]
	if ok {
		if prev, err := l.read(name); err == nil {
			snapshot.GUID = prev.GUID
			snapshot.CreatedAt = prev.CreatedAt
		}
	}
	if snapshot.GUID == "" {
		snapshot.GUID = uuid.NewString()
		name = fmt.Sprintf("%s_%s.json", now.Format("20060102-150405"), snapshot.GUID)
		l.files[sessionID] = name
	}

	return l.writeAtomic(name, &snapshot)
}

// Load returns the snapshot for sessionID.
func (l *Logger) Load(sessionID string) (*File, error) {
	l.mu.Lock()
	name, ok := l.files[sessionID]
	l.mu.Unlock()
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "no history for session %s", sessionID)
	}
	return l.read(name)
}

// List returns summaries of all history files, most recently updated first.
func (l *Logger) List() []Summary {
	l.mu.Lock()
	names := make([]string, 0, len(l.files))
	for _, n := range l.files {
		names = append(names, n)
	}
	l.mu.Unlock()

	out := make([]Summary, 0, len(names))
	for _, n := range names {
		f, err := l.read(n)
		if err != nil {
			continue
		}
		out = append(out, Summary{
			GUID:         f.GUID,
			SessionID:    f.SessionID,
			CreatedAt:    f.CreatedAt,
			LastUpdated:  f.LastUpdated,
			MessageCount: f.MessageCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdated.After(out[j].LastUpdated) })
	return out
}

// Delete removes the history file for sessionID.
func (l *Logger) Delete(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	name, ok := l.files[sessionID]
	if !ok {
		return apperr.Newf(apperr.NotFound, "no history for session %s", sessionID)
	}
	delete(l.files, sessionID)
	if err := os.Remove(filepath.Join(l.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}

func (l *Logger) read(name string) (*File, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, name))
	if err != nil {
		return nil, fmt.Errorf("read history %s: %w", name, err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse history %s: %w", name, err)
	}
	return &f, nil
}

func (l *Logger) writeAtomic(name string, f *File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	tmp, err := os.CreateTemp(l.dir, ".history-*.tmp")
	if err != nil {
		return fmt.Errorf("create history temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write history temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close history temp: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(l.dir, name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace history file: %w", err)
	}
	return nil
}
