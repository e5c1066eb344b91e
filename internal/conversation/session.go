// Package conversation implements per-session chat orchestration: context
// file management, system-message injection, the ask turn, and the session
// registry.
package conversation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codecanvas/codecanvas/internal/apperr"
	"github.com/codecanvas/codecanvas/internal/diagram"
	"github.com/codecanvas/codecanvas/internal/history"
	"github.com/codecanvas/codecanvas/internal/llm"
	"github.com/codecanvas/codecanvas/internal/markdown"
	"github.com/codecanvas/codecanvas/internal/prompts"
	"github.com/codecanvas/codecanvas/internal/providers"
	"github.com/codecanvas/codecanvas/internal/scanner"
)

// Question statuses in the per-session question log.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Hard formatting directive prefixed to every system message.
const formattingDirective = "Respond in plain Markdown only. Never emit HTML tags. " +
	"Use fenced code blocks for all code and diagram sources."

// QuestionRecord tracks one asked question through its lifecycle.
type QuestionRecord struct {
	Question  string    `json:"question"`
	Status    string    `json:"status"`
	Response  string    `json:"response,omitempty"`
	Tokens    int       `json:"tokens"`
	ElapsedMS int64     `json:"elapsed_ms"`
	ModelUsed string    `json:"model_used"`
	Timestamp time.Time `json:"timestamp"`
}

// AskResult is the outcome of one completed turn.
type AskResult struct {
	ResponseMarkdown string         `json:"response"`
	ResponseHTML     string         `json:"response_html"`
	Tokens           llm.TokenUsage `json:"tokens"`
	ElapsedMS        int64          `json:"elapsed_ms"`
	Index            int            `json:"index"`
}

// Summary is a read-only snapshot of session state.
type Summary struct {
	ID              string           `json:"id"`
	Provider        string           `json:"provider"`
	Model           string           `json:"model"`
	AvailableModels []string         `json:"available_models"`
	WorkspaceRoot   string           `json:"workspace_root,omitempty"`
	SelectedFiles   []string         `json:"selected_files"`
	PersistentFiles []string         `json:"persistent_files"`
	MessageCount    int              `json:"message_count"`
	QuestionLog     []QuestionRecord `json:"question_log"`
	LastTokenUsage  llm.TokenUsage   `json:"last_token_usage"`
}

// Deps are the collaborators a session needs for a turn.
type Deps struct {
	Scanner  *scanner.Scanner
	Diagrams *diagram.Service
	Prompts  *prompts.Library
	History  *history.Logger

	MaxContextBytes int
}

// Session holds the conversation state for one client. All operations are
// serialised by the session mutex; two concurrent Asks on the same session
// never interleave.
type Session struct {
	mu sync.Mutex

	id              string
	model           string
	availableModels []string
	workspaceRoot   string
	selectedFiles   []string
	persistentFiles []string
	messages        []providers.Message
	questionLog     []QuestionRecord
	lastUsage       llm.TokenUsage

	// lastContext is the most recent codebase context injected into the
	// system message; reused on turns that skip context rebuilding.
	lastContext string

	gateway *llm.Gateway
	deps    Deps
}

func newSession(id string, gw *llm.Gateway, model string, availableModels []string, deps Deps) *Session {
	return &Session{
		id:              id,
		gateway:         gw,
		model:           model,
		availableModels: append([]string(nil), availableModels...),
		deps:            deps,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Configure mutates provider/key/model settings. A model absent from the
// available list is appended to it.
func (s *Session) Configure(apiKey, provider, model string, availableModels []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if apiKey != "" {
		s.gateway.SetAPIKey(apiKey)
	}
	if provider != "" {
		s.gateway.SetProvider(provider)
	}
	if len(availableModels) > 0 {
		s.availableModels = append([]string(nil), availableModels...)
	}
	if model != "" {
		s.model = model
	}
	if s.model != "" && !contains(s.availableModels, s.model) {
		s.availableModels = append(s.availableModels, s.model)
	}
}

// SetWorkspace points the session at a workspace root, resets file
// selections, and returns the initial scan.
func (s *Session) SetWorkspace(root string) ([]scanner.FileInfo, error) {
	files, err := s.deps.Scanner.Scan(root)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "workspace not scannable", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaceRoot = root
	s.selectedFiles = nil
	s.persistentFiles = nil
	return files, nil
}

// UpdateFiles replaces the selected file set (deduplicated, insertion order
// preserved). With makePersistent the selection also becomes the persistent
// set; otherwise persistent files not in the new selection are dropped so the
// subset invariant holds.
func (s *Session) UpdateFiles(selected []string, makePersistent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.selectedFiles = dedup(selected)
	if makePersistent {
		s.persistentFiles = append([]string(nil), s.selectedFiles...)
		return
	}
	kept := s.persistentFiles[:0]
	for _, p := range s.persistentFiles {
		if contains(s.selectedFiles, p) {
			kept = append(kept, p)
		}
	}
	s.persistentFiles = kept
}

// Clear truncates the message history and question log.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.questionLog = nil
	s.lastContext = ""
}

// Summary returns a snapshot of the session.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID:              s.id,
		Provider:        s.gateway.Provider(),
		Model:           s.model,
		AvailableModels: append([]string(nil), s.availableModels...),
		WorkspaceRoot:   s.workspaceRoot,
		SelectedFiles:   append([]string(nil), s.selectedFiles...),
		PersistentFiles: append([]string(nil), s.persistentFiles...),
		MessageCount:    len(s.messages),
		QuestionLog:     append([]QuestionRecord(nil), s.questionLog...),
		LastTokenUsage:  s.lastUsage,
	}
}

// Messages returns a copy of the message history.
func (s *Session) Messages() []providers.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]providers.Message(nil), s.messages...)
}

// Model returns the session's current model.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Ask runs one conversation turn: context assembly, the LLM call, the
// diagram repair loop, history bookkeeping, and persistence. The session
// lock is held for the whole turn, including repair-loop correction calls.
func (s *Session) Ask(ctx context.Context, question string) (*AskResult, error) {
	if strings.TrimSpace(question) == "" {
		return nil, apperr.New(apperr.Validation, "question must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	isFirst := len(s.messages) == 0
	recIdx := len(s.questionLog)
	s.questionLog = append(s.questionLog, QuestionRecord{
		Question:  question,
		Status:    StatusPending,
		ModelUsed: s.model,
		Timestamp: time.Now(),
	})

	needsContext := isFirst || s.deps.Prompts.LooksLikeToolCommand(question)

	s.messages = append(s.messages, providers.Message{Role: "user", Content: question})

	if needsContext {
		if isFirst && len(s.persistentFiles) == 0 {
			s.persistentFiles = append([]string(nil), s.selectedFiles...)
		}
		s.lastContext = s.deps.Scanner.Concat(s.contextFiles(), s.deps.MaxContextBytes)
	}

	agentPrompt := s.deps.Prompts.Get(detectAgent(question))
	systemContent := composeSystemMessage(agentPrompt, s.lastContext)

	start := time.Now()
	answer, err := s.gateway.Ask(ctx, question, s.outboundHistory(), systemContent, s.model)
	if err != nil {
		s.questionLog[recIdx].Status = StatusFailed
		s.questionLog[recIdx].Response = err.Error()
		// The dangling user message stays in history; a later retry appends
		// a fresh user turn rather than resuming this one.
		return nil, err
	}
	usage := s.gateway.LastUsage()

	answer = s.deps.Diagrams.Repair(ctx, answer, func(ctx context.Context, prompt string) (string, error) {
		return s.gateway.Ask(ctx, prompt, s.outboundHistory(), "", s.model)
	})

	s.messages = append(s.messages, providers.Message{Role: "assistant", Content: answer})

	// Refresh the system message so the next turn sees the current file set.
	s.lastContext = s.deps.Scanner.Concat(s.contextFiles(), s.deps.MaxContextBytes)
	s.setSystemMessage(composeSystemMessage(agentPrompt, s.lastContext))

	elapsed := time.Since(start)
	s.lastUsage = usage
	s.questionLog[recIdx].Status = StatusCompleted
	s.questionLog[recIdx].Response = answer
	s.questionLog[recIdx].Tokens = usage.Total
	s.questionLog[recIdx].ElapsedMS = elapsed.Milliseconds()

	s.persist(usage, elapsed)

	return &AskResult{
		ResponseMarkdown: answer,
		ResponseHTML:     markdown.ToHTML(answer),
		Tokens:           usage,
		ElapsedMS:        elapsed.Milliseconds(),
		Index:            recIdx,
	}, nil
}

// contextFiles returns persistent ∪ selected, persistent first, deduplicated.
func (s *Session) contextFiles() []string {
	return dedup(append(append([]string(nil), s.persistentFiles...), s.selectedFiles...))
}

// outboundHistory is the message sequence sent to the provider: everything
// before the current user turn, system entry filtered out (the current
// system content travels separately).
func (s *Session) outboundHistory() []providers.Message {
	var out []providers.Message
	for _, m := range s.messages[:len(s.messages)-1] {
		if m.Role != "system" {
			out = append(out, m)
		}
	}
	return out
}

// setSystemMessage enforces the invariant: at most one system message, always
// at index 0. Overwrites in place when present, inserts otherwise.
func (s *Session) setSystemMessage(content string) {
	if len(s.messages) > 0 && s.messages[0].Role == "system" {
		s.messages[0].Content = content
		return
	}
	s.messages = append([]providers.Message{{Role: "system", Content: content}}, s.messages...)
}

func (s *Session) persist(usage llm.TokenUsage, elapsed time.Duration) {
	if s.deps.History == nil {
		return
	}
	msgs := make([]history.Message, len(s.messages))
	for i, m := range s.messages {
		msgs[i] = history.Message{Role: m.Role, Content: m.Content}
	}
	// Turn metadata rides on the final (assistant) message.
	if n := len(msgs); n > 0 && msgs[n-1].Role == "assistant" {
		msgs[n-1].Tokens = usage.Total
		msgs[n-1].ElapsedMS = elapsed.Milliseconds()
		msgs[n-1].Timestamp = time.Now()
	}
	meta := map[string]string{
		"provider": s.gateway.Provider(),
		"model":    s.model,
	}
	if err := s.deps.History.Save(s.id, msgs, meta); err != nil {
		slog.Warn("history save failed", "session", s.id, "error", err)
	}
}

// composeSystemMessage builds the system message content: formatting
// directive, agent prompt, then the codebase context inline.
func composeSystemMessage(agentPrompt, codebaseContext string) string {
	var sb strings.Builder
	sb.WriteString(formattingDirective)
	if agentPrompt != "" {
		sb.WriteString("\n\n")
		sb.WriteString(agentPrompt)
	}
	if codebaseContext != "" {
		sb.WriteString("\n\nCodebase context:")
		sb.WriteString(codebaseContext)
	}
	return sb.String()
}

// detectAgent picks the agent prompt from the question's diagram intent.
func detectAgent(question string) string {
	q := strings.ToLower(question)
	wantsDiagram := strings.Contains(q, "diagram") ||
		strings.Contains(q, "generate") || strings.Contains(q, "create")
	if !wantsDiagram {
		return prompts.AgentDefault
	}
	switch {
	case strings.Contains(q, "mermaid"):
		return prompts.AgentMermaid
	case strings.Contains(q, "c4"):
		return prompts.AgentC4
	case strings.Contains(q, "d2"):
		return prompts.AgentD2
	default:
		return prompts.AgentDefault
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func dedup(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
