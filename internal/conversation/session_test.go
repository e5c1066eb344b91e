package conversation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/codecanvas/codecanvas/internal/apperr"
	"github.com/codecanvas/codecanvas/internal/diagram"
	"github.com/codecanvas/codecanvas/internal/history"
	"github.com/codecanvas/codecanvas/internal/prompts"
	"github.com/codecanvas/codecanvas/internal/providers"
	"github.com/codecanvas/codecanvas/internal/scanner"
)

// fakeProvider records chat requests and plays back scripted replies.
type fakeProvider struct {
	mu       sync.Mutex
	requests []providers.ChatRequest
	replies  []string
	usage    *providers.Usage
	err      error
}

func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	reply := "ok"
	if len(f.replies) > 0 {
		reply = f.replies[0]
		if len(f.replies) > 1 {
			f.replies = f.replies[1:]
		}
	}
	return &providers.ChatResponse{Content: reply, FinishReason: "stop", Usage: f.usage}, nil
}

func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) Name() string         { return "fake" }

func (f *fakeProvider) request(t *testing.T, i int) providers.ChatRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.requests) {
		t.Fatalf("provider saw %d requests, wanted index %d", len(f.requests), i)
	}
	return f.requests[i]
}

type testEnv struct {
	registry *Registry
	session  *Session
	provider *fakeProvider
	history  *history.Logger
	fileA    string
	fileB    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ws := t.TempDir()
	fileA := filepath.Join(ws, "a.py")
	fileB := filepath.Join(ws, "b.py")
	if err := os.WriteFile(fileA, []byte("alpha_content = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fileB, []byte("beta_content = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	hist, err := history.NewLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	fp := &fakeProvider{usage: &providers.Usage{PromptTokens: 10, CompletionTokens: 5}}
	prov := providers.NewRegistry()
	prov.Register(fp)

	deps := Deps{
		Scanner:         scanner.New(nil, []string{".py"}, 32, 1<<20),
		Diagrams:        diagram.NewService("", "", t.TempDir()),
		Prompts:         prompts.NewLibrary(""),
		History:         hist,
		MaxContextBytes: 1 << 20,
	}
	reg := NewRegistry(prov, deps)
	s := reg.Create("sess-1", "test-key", "fake", "fake-model", []string{"fake-model"})

	return &testEnv{registry: reg, session: s, provider: fp, history: hist, fileA: fileA, fileB: fileB}
}

// An ordinary question that does not look like a tool command, so only the
// first turn triggers context assembly.
const plainQuestion = "why does the parser return nil here?"

func TestAskFirstTurn(t *testing.T) {
	env := newTestEnv(t)
	env.provider.replies = []string{"The parser short-circuits on EOF."}
	env.session.UpdateFiles([]string{env.fileA}, false)

	res, err := env.session.Ask(context.Background(), plainQuestion)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if res.ResponseMarkdown != "The parser short-circuits on EOF." {
		t.Errorf("response = %q", res.ResponseMarkdown)
	}
	if !strings.Contains(res.ResponseHTML, "short-circuits") {
		t.Errorf("HTML rendering lost the answer: %q", res.ResponseHTML)
	}
	if res.Tokens.Total != 15 || res.Tokens.Input != 10 || res.Tokens.Output != 5 {
		t.Errorf("token usage = %+v", res.Tokens)
	}

	msgs := env.session.Messages()
	if len(msgs) != 3 {
		t.Fatalf("history has %d messages, want system+user+assistant", len(msgs))
	}
	if msgs[0].Role != "system" {
		t.Fatalf("messages[0].Role = %q, want system", msgs[0].Role)
	}
	if !strings.Contains(msgs[0].Content, "alpha_content") {
		t.Errorf("system message missing file content:\n%s", msgs[0].Content)
	}
	if !strings.Contains(msgs[0].Content, "Respond in plain Markdown only") {
		t.Errorf("system message missing formatting directive")
	}
	if msgs[1].Role != "user" || msgs[1].Content != plainQuestion {
		t.Errorf("messages[1] = %+v", msgs[1])
	}
	if msgs[2].Role != "assistant" {
		t.Errorf("messages[2].Role = %q", msgs[2].Role)
	}

	// The provider call carries the context as the system payload and no
	// prior history.
	req := env.provider.request(t, 0)
	if !strings.Contains(req.System, "alpha_content") {
		t.Errorf("outbound system content missing file content")
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != plainQuestion {
		t.Errorf("outbound messages = %+v", req.Messages)
	}
	if req.Model != "fake-model" {
		t.Errorf("outbound model = %q", req.Model)
	}

	sum := env.session.Summary()
	if len(sum.PersistentFiles) != 1 || sum.PersistentFiles[0] != env.fileA {
		t.Errorf("persistent files = %v, want first-turn selection", sum.PersistentFiles)
	}
	if len(sum.QuestionLog) != 1 || sum.QuestionLog[0].Status != StatusCompleted {
		t.Errorf("question log = %+v", sum.QuestionLog)
	}
	if sum.QuestionLog[0].Tokens != 15 {
		t.Errorf("question log tokens = %d", sum.QuestionLog[0].Tokens)
	}
}

func TestAskRefreshesSystemMessageAfterFileChange(t *testing.T) {
	env := newTestEnv(t)
	env.session.UpdateFiles([]string{env.fileA}, false)
	if _, err := env.session.Ask(context.Background(), plainQuestion); err != nil {
		t.Fatalf("first Ask: %v", err)
	}

	env.session.UpdateFiles([]string{env.fileB}, false)
	if _, err := env.session.Ask(context.Background(), plainQuestion); err != nil {
		t.Fatalf("second Ask: %v", err)
	}

	// The second turn did not look like a tool command, so its outbound
	// system content still reflects the previous turn's context.
	req := env.provider.request(t, 1)
	if strings.Contains(req.System, "beta_content") {
		t.Errorf("second call rebuilt context mid-turn:\n%s", req.System)
	}

	// The stored system message is refreshed after every turn.
	msgs := env.session.Messages()
	if msgs[0].Role != "system" {
		t.Fatalf("messages[0].Role = %q", msgs[0].Role)
	}
	if !strings.Contains(msgs[0].Content, "beta_content") {
		t.Errorf("system message not refreshed with new selection:\n%s", msgs[0].Content)
	}
	if strings.Contains(msgs[0].Content, "alpha_content") {
		t.Errorf("system message kept dropped file")
	}

	// Still exactly one system message, at index 0.
	for i, m := range msgs[1:] {
		if m.Role == "system" {
			t.Errorf("extra system message at index %d", i+1)
		}
	}
}

func TestAskEmptyQuestion(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.session.Ask(context.Background(), "   ")
	if apperr.KindOf(err) != apperr.Validation {
		t.Errorf("error kind = %v, want validation", apperr.KindOf(err))
	}
	if len(env.session.Messages()) != 0 {
		t.Errorf("empty question mutated history")
	}
}

func TestAskProviderFailureLeavesDanglingUserTurn(t *testing.T) {
	env := newTestEnv(t)
	env.provider.err = apperr.New(apperr.Upstream, "provider down")

	if _, err := env.session.Ask(context.Background(), plainQuestion); err == nil {
		t.Fatal("Ask succeeded against a failing provider")
	}

	msgs := env.session.Messages()
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Fatalf("history after failure = %+v, want the dangling user turn", msgs)
	}
	sum := env.session.Summary()
	if sum.QuestionLog[0].Status != StatusFailed {
		t.Errorf("question status = %q, want failed", sum.QuestionLog[0].Status)
	}

	// A retry appends a fresh user turn and carries the dangling one as history.
	env.provider.mu.Lock()
	env.provider.err = nil
	env.provider.mu.Unlock()
	if _, err := env.session.Ask(context.Background(), "second try"); err != nil {
		t.Fatalf("retry Ask: %v", err)
	}
	req := env.provider.request(t, 1)
	if len(req.Messages) != 2 {
		t.Fatalf("retry outbound messages = %+v", req.Messages)
	}
	if req.Messages[0].Content != plainQuestion || req.Messages[1].Content != "second try" {
		t.Errorf("retry history wrong: %+v", req.Messages)
	}
}

func TestAskPersistsHistory(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.session.Ask(context.Background(), plainQuestion); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	f, err := env.history.Load("sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.MessageCount != 3 {
		t.Errorf("persisted %d messages, want 3", f.MessageCount)
	}
	if f.Metadata["provider"] != "fake" || f.Metadata["model"] != "fake-model" {
		t.Errorf("metadata = %v", f.Metadata)
	}
	last := f.Messages[len(f.Messages)-1]
	if last.Role != "assistant" || last.Tokens != 15 {
		t.Errorf("final message = %+v, want assistant with token count", last)
	}
}

func TestClear(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.session.Ask(context.Background(), plainQuestion); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	env.session.Clear()

	if n := len(env.session.Messages()); n != 0 {
		t.Errorf("Clear left %d messages", n)
	}
	sum := env.session.Summary()
	if sum.MessageCount != 0 || len(sum.QuestionLog) != 0 {
		t.Errorf("Clear left summary state: %+v", sum)
	}
}

func TestConfigure(t *testing.T) {
	env := newTestEnv(t)

	env.session.Configure("", "", "other-model", nil)
	sum := env.session.Summary()
	if sum.Model != "other-model" {
		t.Errorf("model = %q", sum.Model)
	}
	if !contains(sum.AvailableModels, "other-model") || !contains(sum.AvailableModels, "fake-model") {
		t.Errorf("available models = %v, want unknown model appended", sum.AvailableModels)
	}

	env.session.Configure("new-key", "anthropic", "", nil)
	if got := env.session.Summary().Provider; got != "anthropic" {
		t.Errorf("provider = %q after switch", got)
	}
}

func TestUpdateFilesPersistentSubset(t *testing.T) {
	env := newTestEnv(t)

	env.session.UpdateFiles([]string{env.fileA, env.fileB, env.fileA}, true)
	sum := env.session.Summary()
	if len(sum.SelectedFiles) != 2 {
		t.Errorf("selection not deduplicated: %v", sum.SelectedFiles)
	}
	if len(sum.PersistentFiles) != 2 {
		t.Errorf("persistent files = %v", sum.PersistentFiles)
	}

	env.session.UpdateFiles([]string{env.fileB}, false)
	sum = env.session.Summary()
	if len(sum.PersistentFiles) != 1 || sum.PersistentFiles[0] != env.fileB {
		t.Errorf("persistent files = %v, want subset of new selection", sum.PersistentFiles)
	}
}

func TestDetectAgent(t *testing.T) {
	tests := []struct {
		question string
		want     string
	}{
		{"generate a mermaid diagram of the flow", prompts.AgentMermaid},
		{"create a C4 context diagram", prompts.AgentC4},
		{"generate a d2 diagram", prompts.AgentD2},
		{"create a diagram of the services", prompts.AgentDefault},
		{"tell me about mermaid syntax", prompts.AgentDefault},
		{"how does the cache work?", prompts.AgentDefault},
	}
	for _, tt := range tests {
		if got := detectAgent(tt.question); got != tt.want {
			t.Errorf("detectAgent(%q) = %q, want %q", tt.question, got, tt.want)
		}
	}
}

func TestRegistryLifecycle(t *testing.T) {
	env := newTestEnv(t)

	s := env.registry.Create("", "k", "fake", "fake-model", nil)
	if s.ID() == "" {
		t.Error("Create with empty id did not assign one")
	}

	if _, err := env.registry.Get("sess-1"); err != nil {
		t.Errorf("Get(sess-1): %v", err)
	}
	if _, err := env.registry.Get("nope"); apperr.KindOf(err) != apperr.NotFound {
		t.Errorf("Get(unknown) kind = %v, want not_found", apperr.KindOf(err))
	}

	env.registry.Drop("sess-1")
	if _, err := env.registry.Get("sess-1"); apperr.KindOf(err) != apperr.NotFound {
		t.Errorf("session survived Drop")
	}
	env.registry.Drop("sess-1") // no-op
}
