package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codecanvas/codecanvas/internal/config"
	"github.com/codecanvas/codecanvas/internal/conversation"
	"github.com/codecanvas/codecanvas/internal/diagram"
	"github.com/codecanvas/codecanvas/internal/events"
	"github.com/codecanvas/codecanvas/internal/llm"
	"github.com/codecanvas/codecanvas/internal/prompts"
	"github.com/codecanvas/codecanvas/internal/providers"
	"github.com/codecanvas/codecanvas/internal/scanner"
	"github.com/codecanvas/codecanvas/internal/shell"
	"github.com/codecanvas/codecanvas/internal/toolcli"
	"github.com/codecanvas/codecanvas/pkg/protocol"
)

// chatProvider returns a fixed reply for every request.
type chatProvider struct {
	reply string
}

func (p *chatProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{
		Content:      p.reply,
		FinishReason: "stop",
		Usage:        &providers.Usage{PromptTokens: 4, CompletionTokens: 2},
	}, nil
}

func (p *chatProvider) DefaultModel() string { return "fake-model" }
func (p *chatProvider) Name() string         { return "fake" }

// testRunner scripts the diagram CLIs: inputs containing "broken" or a
// semicolon fail, everything else renders a fixed SVG.
func testRunner(ctx context.Context, exe string, args []string, input string, timeout time.Duration) (*toolcli.RunResult, error) {
	if strings.Contains(input, "broken") || strings.Contains(input, ";") {
		return &toolcli.RunResult{ExitCode: 1, Stderr: "err: invalid syntax"}, nil
	}
	return &toolcli.RunResult{ExitCode: 0, Stdout: "<svg>rendered</svg>"}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "main.py"), []byte("entry = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Server.RateLimitRPM = 0
	cfg.Server.StaticDir = t.TempDir()
	cfg.Scanner.WorkspaceRoot = ws
	cfg.LLM = config.LLMConfig{Provider: "fake", APIKey: "test-key", DefaultModel: "fake-model"}

	prov := providers.NewRegistry()
	prov.Register(&chatProvider{reply: "All good."})

	diagrams := diagram.NewService("", "", cfg.Server.StaticDir)
	diagrams.SetExecutables("d2", "mmdc")
	diagrams.SetRunner(testRunner)

	eventLog, err := events.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("events.Open: %v", err)
	}
	t.Cleanup(func() { eventLog.Close() })

	shells := shell.NewManager(ws, shell.Options{CommandTimeout: 5 * time.Second})
	t.Cleanup(shells.Shutdown)

	sc := scanner.New(nil, []string{".py"}, 32, 1<<20)
	lib := prompts.NewLibrary("")

	deps := Deps{
		Conversations: conversation.NewRegistry(prov, conversation.Deps{
			Scanner:         sc,
			Diagrams:        diagrams,
			Prompts:         lib,
			MaxContextBytes: cfg.Scanner.MaxContextBytes,
		}),
		Scanner:      sc,
		Diagrams:     diagrams,
		Shells:       shells,
		Prompts:      lib,
		Events:       eventLog,
		ToolsGateway: llm.NewGateway(prov, "fake", "test-key"),
	}

	srv := httptest.NewServer(New(cfg, deps).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" || body["version"] == "" {
		t.Errorf("health body = %v", body)
	}
}

func TestD2Validate(t *testing.T) {
	srv := newTestServer(t)

	_, body := postJSON(t, srv.URL+"/api/v1/d2/validate", map[string]string{"code": "a -> b"})
	if body["is_valid"] != true {
		t.Errorf("valid code rejected: %v", body)
	}

	_, body = postJSON(t, srv.URL+"/api/v1/d2/validate", map[string]string{"code": "broken ->"})
	if body["is_valid"] != false {
		t.Errorf("broken code accepted: %v", body)
	}
	if !strings.Contains(body["error"].(string), "invalid syntax") {
		t.Errorf("validator error missing: %v", body)
	}
}

func TestD2Render(t *testing.T) {
	srv := newTestServer(t)

	_, body := postJSON(t, srv.URL+"/api/v1/d2/render",
		map[string]interface{}{"code": "a -> b", "save_to_file": true})
	if body["success"] != true {
		t.Fatalf("render failed: %v", body)
	}
	if body["svg_content"] != "<svg>rendered</svg>" {
		t.Errorf("svg_content = %v", body["svg_content"])
	}
	name, _ := body["file_path"].(string)
	if !strings.HasSuffix(name, ".svg") {
		t.Fatalf("file_path = %v", body["file_path"])
	}

	// The saved file is downloadable.
	resp, err := http.Get(srv.URL + "/api/v1/d2/download/" + name)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("download status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/svg+xml" {
		t.Errorf("content type = %q", ct)
	}

	// Invalid code is a 200 with success=false, not an HTTP error.
	resp2, body := postJSON(t, srv.URL+"/api/v1/d2/render", map[string]string{"code": "broken"})
	if resp2.StatusCode != http.StatusOK || body["success"] != false {
		t.Errorf("invalid render = %d %v", resp2.StatusCode, body)
	}
}

func TestDownloadRejectsBadNames(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		status int
	}{
		{name: "notes.txt", status: http.StatusBadRequest},
		{name: "with..dots.svg", status: http.StatusBadRequest},
		{name: "missing.svg", status: http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + "/api/v1/d2/download/" + tt.name)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.status {
			t.Errorf("download %q status = %d, want %d", tt.name, resp.StatusCode, tt.status)
		}
	}
}

func TestMermaidValidateAutoFix(t *testing.T) {
	srv := newTestServer(t)

	_, body := postJSON(t, srv.URL+"/api/v1/mermaid/validate",
		map[string]interface{}{"code": "graph TD;", "auto_fix": true})
	if body["is_valid"] != true || body["auto_fixed"] != true {
		t.Fatalf("auto fix did not engage: %v", body)
	}
	if body["fixed_code"] != "graph TD" {
		t.Errorf("fixed_code = %v", body["fixed_code"])
	}

	// Without auto_fix the same input stays invalid.
	_, body = postJSON(t, srv.URL+"/api/v1/mermaid/validate", map[string]string{"code": "graph TD;"})
	if body["is_valid"] != false {
		t.Errorf("is_valid = %v without auto_fix", body["is_valid"])
	}
}

func TestChat(t *testing.T) {
	srv := newTestServer(t)

	_, body := postJSON(t, srv.URL+"/api/v1/chat", map[string]interface{}{
		"message": "what does main do?",
	})
	if body["success"] != true {
		t.Fatalf("chat failed: %v", body)
	}
	data := body["data"].(map[string]interface{})
	msg := data["message"].(map[string]interface{})
	if msg["role"] != "assistant" || msg["content"] != "All good." {
		t.Errorf("message = %v", msg)
	}
	convID, _ := data["conversationId"].(string)
	if convID == "" {
		t.Fatal("no conversationId assigned")
	}

	// The second turn reuses the session.
	_, body = postJSON(t, srv.URL+"/api/v1/chat", map[string]interface{}{
		"message":        "and then?",
		"conversationId": convID,
	})
	data = body["data"].(map[string]interface{})
	if data["conversationId"] != convID {
		t.Errorf("conversation id changed: %v", data["conversationId"])
	}

	resp, err := http.Get(srv.URL + "/api/v1/conversations/" + convID + "/summary")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var sum map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
		t.Fatal(err)
	}
	if sum["message_count"].(float64) != 5 { // system + 2×(user, assistant)
		t.Errorf("message_count = %v", sum["message_count"])
	}
}

func TestFilesScan(t *testing.T) {
	srv := newTestServer(t)

	_, body := postJSON(t, srv.URL+"/api/v1/files/scan", map[string]string{})
	files, ok := body["files"].([]interface{})
	if !ok || len(files) != 1 {
		t.Fatalf("files = %v", body["files"])
	}
	tree, ok := body["tree"].([]interface{})
	if !ok || len(tree) != 1 {
		t.Fatalf("tree = %v", body["tree"])
	}

	// Paths escaping the workspace root are rejected.
	resp, body := postJSON(t, srv.URL+"/api/v1/files/scan", map[string]string{"path": "/etc"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("escape status = %d body %v", resp.StatusCode, body)
	}
}

func TestShellValidate(t *testing.T) {
	srv := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/api/v1/shell/validate", map[string]string{"command": "rm -rf /"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, blocked commands are still a 200", resp.StatusCode)
	}
	if body["is_safe"] != false {
		t.Errorf("rm -rf marked safe: %v", body)
	}

	_, body = postJSON(t, srv.URL+"/api/v1/shell/validate", map[string]string{"command": "ls -la"})
	if body["is_safe"] != true {
		t.Errorf("ls marked unsafe: %v", body)
	}
}

func TestToolsREST(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/mcp/tools")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var listing struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatal(err)
	}
	if len(listing.Tools) != 3 {
		t.Fatalf("tool count = %d", len(listing.Tools))
	}

	// A successful call wraps the result as text content.
	_, body := postJSON(t, srv.URL+"/api/v1/mcp/tools/render_diagram",
		map[string]string{"code": "a -> b", "diagram_type": "d2"})
	content := body["content"].([]interface{})
	text := content[0].(map[string]interface{})["text"].(string)
	if !strings.Contains(text, "image_data") || !strings.Contains(text, "rendered") {
		t.Errorf("tool result = %q", text)
	}

	// Unknown tools are a 404.
	resp2, _ := postJSON(t, srv.URL+"/api/v1/mcp/tools/no_such_tool", map[string]string{})
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("unknown tool status = %d", resp2.StatusCode)
	}

	// Tool-level failures come back as isError results, not HTTP errors.
	resp3, body := postJSON(t, srv.URL+"/api/v1/mcp/tools/render_diagram",
		map[string]string{"code": "broken", "diagram_type": "d2"})
	if resp3.StatusCode != http.StatusOK || body["isError"] != true {
		t.Errorf("failed tool call = %d %v", resp3.StatusCode, body)
	}
}

func TestToolsWS(t *testing.T) {
	srv := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/mcp/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send := func(frame interface{}) protocol.RPCResponse {
		t.Helper()
		if err := conn.WriteJSON(frame); err != nil {
			t.Fatal(err)
		}
		var resp protocol.RPCResponse
		if err := conn.ReadJSON(&resp); err != nil {
			t.Fatal(err)
		}
		return resp
	}

	resp := send(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": "tools/list"})
	if resp.Error != nil {
		t.Fatalf("tools/list error: %+v", resp.Error)
	}
	if string(resp.ID) != "1" {
		t.Errorf("response id = %s", resp.ID)
	}

	resp = send(map[string]interface{}{"jsonrpc": "2.0", "id": 2, "method": "tools/call",
		"params": map[string]interface{}{
			"name":      "render_diagram",
			"arguments": map[string]string{"code": "a -> b", "diagram_type": "d2"},
		}})
	if resp.Error != nil {
		t.Fatalf("tools/call error: %+v", resp.Error)
	}

	resp = send(map[string]interface{}{"jsonrpc": "2.0", "id": 3, "method": "bogus/method"})
	if resp.Error == nil || resp.Error.Code != protocol.CodeMethodNotFound {
		t.Errorf("unknown method error = %+v", resp.Error)
	}

	resp = send(map[string]interface{}{"jsonrpc": "1.0", "id": 4, "method": "tools/list"})
	if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidRequest {
		t.Errorf("wrong version error = %+v", resp.Error)
	}

	resp = send(map[string]interface{}{"jsonrpc": "2.0", "id": 5, "method": "tools/call",
		"params": map[string]interface{}{}})
	if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidParams {
		t.Errorf("missing params error = %+v", resp.Error)
	}
}

func TestShellWS(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test drives a bash session")
	}
	srv := newTestServer(t)

	_, created := postJSON(t, srv.URL+"/api/v1/shell/sessions", map[string]string{"shell_type": "bash"})
	id, _ := created["session_id"].(string)
	if id == "" {
		t.Fatalf("create session = %v", created)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/shell/ws/" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var frame protocol.ShellServerFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatal(err)
	}
	if frame.Type != protocol.ShellFrameStatus || frame.Data != protocol.StatusConnected {
		t.Fatalf("first frame = %+v, want connected status", frame)
	}

	payload, _ := json.Marshal("echo hi")
	if err := conn.WriteJSON(protocol.ShellClientFrame{Type: protocol.ShellFrameCommand, Data: payload}); err != nil {
		t.Fatal(err)
	}

	var sawEcho bool
	var stdout strings.Builder
	for {
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		switch frame.Type {
		case protocol.ShellFrameEcho:
			sawEcho = true
		case protocol.ShellFrameOutput:
			if frame.Stream == protocol.StreamStdout {
				stdout.WriteString(frame.Data.(string))
			}
		case protocol.ShellFrameStatus:
			if frame.Data != protocol.StatusCompleted {
				t.Errorf("terminal status = %v", frame.Data)
			}
			if !sawEcho {
				t.Error("no echo frame before output")
			}
			if !strings.Contains(stdout.String(), "hi") {
				t.Errorf("stdout = %q", stdout.String())
			}
			return
		}
	}
}

func TestShellWSBlockedCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test drives a bash session")
	}
	srv := newTestServer(t)

	_, created := postJSON(t, srv.URL+"/api/v1/shell/sessions", map[string]string{"shell_type": "bash"})
	id, _ := created["session_id"].(string)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/shell/ws/" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var frame protocol.ShellServerFrame
	if err := conn.ReadJSON(&frame); err != nil { // connected
		t.Fatal(err)
	}

	payload, _ := json.Marshal("rm -rf /")
	conn.WriteJSON(protocol.ShellClientFrame{Type: protocol.ShellFrameCommand, Data: payload})

	var sawError bool
	for {
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		switch frame.Type {
		case protocol.ShellFrameError:
			sawError = true
		case protocol.ShellFrameStatus:
			if frame.Data != protocol.StatusFailed {
				t.Errorf("terminal status = %v", frame.Data)
			}
			if !sawError {
				t.Error("no error frame for blocked command")
			}
			return
		}
	}
}

func TestDiagramEvents(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := postJSON(t, srv.URL+"/api/v1/diagrams/log-diagram-event", map[string]interface{}{
		"event_type":   "detection",
		"diagram_type": "mermaid",
		"code_preview": "graph TD",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("log event status = %d", resp.StatusCode)
	}

	resp2, err := http.Get(srv.URL + "/api/v1/diagrams/events?limit=10")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var body struct {
		Events []events.Event `json:"events"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Events) != 1 || body.Events[0].EventType != events.TypeDetection {
		t.Errorf("events = %+v", body.Events)
	}

	// Unknown types are rejected as validation errors.
	resp3, _ := postJSON(t, srv.URL+"/api/v1/diagrams/log-diagram-event", map[string]interface{}{
		"event_type":   "nonsense",
		"diagram_type": "mermaid",
	})
	if resp3.StatusCode != http.StatusBadRequest {
		t.Errorf("bad event status = %d", resp3.StatusCode)
	}
}
