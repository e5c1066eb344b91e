// Package prompts loads the agent prompt library and detects tool-command
// style questions.
package prompts

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Agent prompt names.
const (
	AgentDefault     = "default"
	AgentMermaid     = "mermaid-architecture"
	AgentD2          = "d2-architecture"
	AgentC4          = "c4-architecture"
)

// Built-in fallbacks used when the prompt directory is absent or a named
// prompt file is missing.
var builtins = map[string]string{
	AgentDefault: "You are a senior software engineer analysing a codebase. " +
		"Answer precisely, reference the provided files by name, and prefer " +
		"concrete code locations over generalities.",
	AgentMermaid: "You are a software architecture assistant. When asked for a " +
		"diagram, produce exactly one fenced ```mermaid code block. Start with a " +
		"diagram type header (graph TD, sequenceDiagram, classDiagram). Keep " +
		"node ids short and free of spaces; put readable text in [brackets]. " +
		"Do not terminate lines with semicolons.",
	AgentD2: "You are a software architecture assistant. When asked for a " +
		"diagram, produce exactly one fenced ```d2 code block. Databases use " +
		"shape: cylinder, people use shape: person. Always close quotes and " +
		"braces, and declare both endpoints before connecting them.",
	AgentC4: "You are a software architecture assistant producing C4 model " +
		"diagrams. Use Person/System/Container/Component declarations with " +
		"_Ext, Db, and Queue variants, Rel(from, to, \"label\") relationships, " +
		"and Boundary(id, \"label\") { ... } grouping.",
}

type manifest struct {
	Agents   map[string]string `yaml:"agents"`   // agent name -> prompt file
	Commands []string          `yaml:"commands"` // tool-command phrases for the matcher
}

// Library serves agent prompt texts from a directory, reloading on change.
type Library struct {
	dir string

	mu       sync.RWMutex
	texts    map[string]string
	commands []string

	watcher *fsnotify.Watcher
}

// NewLibrary loads the prompt library rooted at dir. An empty or missing dir
// leaves only the built-in prompts active.
func NewLibrary(dir string) *Library {
	l := &Library{dir: dir, texts: map[string]string{}}
	l.reload()
	return l
}

// Get returns the prompt text for the named agent, falling back to the
// built-in text and finally to the default agent.
func (l *Library) Get(name string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if t, ok := l.texts[name]; ok {
		return t
	}
	if t, ok := builtins[name]; ok {
		return t
	}
	if t, ok := l.texts[AgentDefault]; ok {
		return t
	}
	return builtins[AgentDefault]
}

// Commands returns the configured tool-command phrases.
func (l *Library) Commands() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.commands))
	copy(out, l.commands)
	return out
}

func (l *Library) reload() {
	if l.dir == "" {
		return
	}

	data, err := os.ReadFile(filepath.Join(l.dir, "manifest.yaml"))
	if err != nil {
		slog.Debug("prompt manifest not readable, using built-ins", "dir", l.dir, "error", err)
		return
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		slog.Warn("prompt manifest malformed, keeping previous prompts", "error", err)
		return
	}

	texts := make(map[string]string, len(m.Agents))
	for name, file := range m.Agents {
		body, err := os.ReadFile(filepath.Join(l.dir, file))
		if err != nil {
			slog.Warn("prompt file not readable", "agent", name, "file", file, "error", err)
			continue
		}
		texts[name] = strings.TrimSpace(string(body))
	}

	l.mu.Lock()
	l.texts = texts
	l.commands = m.Commands
	l.mu.Unlock()
	slog.Info("prompt library loaded", "dir", l.dir, "agents", len(texts), "commands", len(m.Commands))
}

// Watch reloads the library whenever a file under the prompt dir changes.
// Returns immediately; stop by calling Close.
func (l *Library) Watch() error {
	if l.dir == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return err
	}
	l.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					l.reload()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("prompt watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the prompt directory watcher.
func (l *Library) Close() {
	if l.watcher != nil {
		l.watcher.Close()
	}
}
