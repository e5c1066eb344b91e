package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/codecanvas/codecanvas/internal/apperr"
	"github.com/codecanvas/codecanvas/internal/diagram"
	"github.com/codecanvas/codecanvas/internal/llm"
	"github.com/codecanvas/codecanvas/internal/prompts"
	"github.com/codecanvas/codecanvas/pkg/protocol"
)

// toolFunc executes one named tool against decoded JSON arguments.
type toolFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// ToolsHandler serves the named diagram tools over REST and JSON-RPC.
type ToolsHandler struct {
	gateway  *llm.Gateway
	diagrams *diagram.Service
	prompts  *prompts.Library
	model    string

	allowedOrigins []string
	upgrader       websocket.Upgrader

	defs     []mcp.Tool
	handlers map[string]toolFunc
}

// NewToolsHandler wires the three diagram tools against the default-config
// LLM gateway.
func NewToolsHandler(gw *llm.Gateway, diagrams *diagram.Service, lib *prompts.Library, model string, allowedOrigins []string) *ToolsHandler {
	h := &ToolsHandler{
		gateway:        gw,
		diagrams:       diagrams,
		prompts:        lib,
		model:          model,
		allowedOrigins: allowedOrigins,
		handlers:       make(map[string]toolFunc),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	h.register()
	return h
}

const (
	generateDiagramSchema = `{
		"type": "object",
		"properties": {
			"prompt": {"type": "string", "description": "What the diagram should show"},
			"diagram_type": {"type": "string", "enum": ["mermaid", "d2", "c4"]}
		},
		"required": ["prompt", "diagram_type"]
	}`
	renderDiagramSchema = `{
		"type": "object",
		"properties": {
			"code": {"type": "string", "description": "Diagram source code"},
			"diagram_type": {"type": "string", "enum": ["mermaid", "d2", "c4"]},
			"output_format": {"type": "string", "enum": ["svg", "png"], "default": "svg"}
		},
		"required": ["code", "diagram_type"]
	}`
	generateAndRenderSchema = `{
		"type": "object",
		"properties": {
			"prompt": {"type": "string", "description": "What the diagram should show"},
			"diagram_type": {"type": "string", "enum": ["mermaid", "d2", "c4"]},
			"output_format": {"type": "string", "enum": ["svg", "png"], "default": "svg"}
		},
		"required": ["prompt", "diagram_type"]
	}`
)

func (h *ToolsHandler) register() {
	add := func(name, desc, schema string, fn toolFunc) {
		h.defs = append(h.defs, mcp.NewToolWithRawSchema(name, desc, json.RawMessage(schema)))
		h.handlers[name] = fn
	}
	add("generate_diagram",
		"Generate diagram source code from a natural-language description",
		generateDiagramSchema, h.generateDiagram)
	add("render_diagram",
		"Render diagram source code to an image",
		renderDiagramSchema, h.renderDiagram)
	add("generate_and_render",
		"Generate diagram code from a description and render it in one step",
		generateAndRenderSchema, h.generateAndRender)
}

// RegisterRoutes registers the tool routes on the given mux.
func (h *ToolsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/mcp/tools", h.handleListTools)
	mux.HandleFunc("POST /api/v1/mcp/tools/{name}", h.handleCallTool)
	mux.HandleFunc("GET /api/v1/mcp/ws", h.handleWS)
}

func (h *ToolsHandler) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range h.allowedOrigins {
		if origin == a || a == "*" {
			return true
		}
	}
	return false
}

// --- tool implementations ---

var agentForKind = map[string]string{
	diagram.KindMermaid: prompts.AgentMermaid,
	diagram.KindD2:      prompts.AgentD2,
	diagram.KindC4:      prompts.AgentC4,
}

// Static placeholders returned when generation fails.
var placeholderDiagrams = map[string]string{
	diagram.KindMermaid: "graph TD\n    A[Request] --> B[Service]\n    B --> C[Response]",
	diagram.KindD2:      "request -> service -> response",
	diagram.KindC4:      "Person(user, \"User\")\nSystem(app, \"Application\")\nRel(user, app, \"Uses\")",
}

var fencedAnyRe = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)[ \t]*\n?(.*?)```")

// firstFencedBlock extracts the first fenced block from text, preferring one
// tagged with the wanted kind.
func firstFencedBlock(text, kind string) (string, bool) {
	matches := fencedAnyRe.FindAllStringSubmatch(text, -1)
	for _, m := range matches {
		if strings.EqualFold(m[1], kind) {
			return strings.TrimSpace(m[2]), true
		}
	}
	if len(matches) > 0 {
		return strings.TrimSpace(matches[0][2]), true
	}
	return "", false
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func validDiagramType(kind string) bool {
	return kind == diagram.KindMermaid || kind == diagram.KindD2 || kind == diagram.KindC4
}

// generateDiagram asks the LLM for diagram source. Any internal failure
// degrades to the static placeholder rather than an error; the repair loop is
// deliberately not involved here.
func (h *ToolsHandler) generateDiagram(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	prompt := stringArg(args, "prompt")
	kind := stringArg(args, "diagram_type")
	if prompt == "" || !validDiagramType(kind) {
		return nil, apperr.New(apperr.Validation, "prompt and a valid diagram_type are required")
	}

	result := map[string]interface{}{
		"diagram_type": kind,
		"prompt":       prompt,
		"ai_generated": true,
	}

	fallback := func(reason string) (interface{}, error) {
		slog.Warn("diagram generation fell back to placeholder", "kind", kind, "reason", reason)
		result["diagram_code"] = placeholderDiagrams[kind]
		result["ai_generated"] = false
		result["fallback_reason"] = reason
		return result, nil
	}

	agentPrompt := h.prompts.Get(agentForKind[kind])
	answer, err := h.gateway.Ask(ctx, prompt, nil, agentPrompt, h.model)
	if err != nil {
		return fallback(err.Error())
	}
	code, ok := firstFencedBlock(answer, kind)
	if !ok {
		return fallback("response contained no fenced code block")
	}

	result["diagram_code"] = code
	return result, nil
}

func (h *ToolsHandler) renderDiagram(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	code := stringArg(args, "code")
	kind := stringArg(args, "diagram_type")
	format := stringArg(args, "output_format")
	if format == "" {
		format = "svg"
	}
	if code == "" || !validDiagramType(kind) {
		return nil, apperr.New(apperr.Validation, "code and a valid diagram_type are required")
	}

	originalKind := kind
	if kind == diagram.KindC4 {
		d2, err := diagram.ConvertC4ToD2(code)
		if err != nil {
			return nil, err
		}
		code, kind = d2, diagram.KindD2
	}

	var image string
	var err error
	switch kind {
	case diagram.KindD2:
		if format != "svg" {
			return nil, apperr.Newf(apperr.Validation, "d2 rendering supports only svg, got %q", format)
		}
		image, err = h.diagrams.RenderD2SVG(ctx, code)
	default:
		image, err = h.diagrams.RenderMermaid(ctx, code, format)
	}
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"image_data":    image,
		"output_format": format,
		"diagram_type":  originalKind,
	}, nil
}

func (h *ToolsHandler) generateAndRender(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	generated, err := h.generateDiagram(ctx, args)
	if err != nil {
		return nil, err
	}
	gen := generated.(map[string]interface{})

	renderArgs := map[string]interface{}{
		"code":          gen["diagram_code"],
		"diagram_type":  stringArg(args, "diagram_type"),
		"output_format": stringArg(args, "output_format"),
	}
	rendered, err := h.renderDiagram(ctx, renderArgs)
	if err != nil {
		return nil, err
	}

	for k, v := range rendered.(map[string]interface{}) {
		gen[k] = v
	}
	return gen, nil
}

// --- transport ---

func (h *ToolsHandler) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": h.defs})
}

// call executes a named tool and wraps the outcome in the tool-result shape:
// {content:[{type:"text",text:<json>}], isError}.
func (h *ToolsHandler) call(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	fn, ok := h.handlers[name]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "unknown tool %q", name)
	}

	out, err := fn(ctx, args)
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(err.Error())},
			IsError: true,
		}, nil
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(payload))},
	}, nil
}

func (h *ToolsHandler) handleCallTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	args := map[string]interface{}{}
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &args) {
			return
		}
	}

	res, err := h.call(r.Context(), name, args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleWS serves the JSON-RPC 2.0 shape: tools/list and tools/call.
func (h *ToolsHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("tools ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	reply := func(resp protocol.RPCResponse) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(resp); err != nil {
			slog.Debug("tools ws write failed", "error", err)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req protocol.RPCRequest
		if err := json.Unmarshal(data, &req); err != nil {
			reply(protocol.NewRPCError(nil, protocol.CodeParseError, "parse error"))
			continue
		}
		if req.JSONRPC != protocol.JSONRPCVersion {
			reply(protocol.NewRPCError(req.ID, protocol.CodeInvalidRequest, "jsonrpc must be 2.0"))
			continue
		}

		switch req.Method {
		case protocol.MethodToolsList:
			reply(protocol.NewRPCResult(req.ID, map[string]interface{}{"tools": h.defs}))

		case protocol.MethodToolsCall:
			var params struct {
				Name      string                 `json:"name"`
				Arguments map[string]interface{} `json:"arguments"`
			}
			if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
				reply(protocol.NewRPCError(req.ID, protocol.CodeInvalidParams, "params require name and arguments"))
				continue
			}
			res, err := h.call(r.Context(), params.Name, params.Arguments)
			if err != nil {
				reply(protocol.NewRPCError(req.ID, protocol.CodeInternalError, err.Error()))
				continue
			}
			reply(protocol.NewRPCResult(req.ID, res))

		default:
			reply(protocol.NewRPCError(req.ID, protocol.CodeMethodNotFound,
				fmt.Sprintf("method not found: %s", req.Method)))
		}
	}
}
