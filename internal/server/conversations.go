package server

import (
	"net/http"

	"github.com/codecanvas/codecanvas/internal/config"
	"github.com/codecanvas/codecanvas/internal/conversation"
)

// ConversationsHandler serves conversation lifecycle and the chat endpoint.
type ConversationsHandler struct {
	sessions *conversation.Registry
	defaults config.LLMConfig
}

// RegisterRoutes registers conversation routes on the given mux.
func (h *ConversationsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/conversations", h.handleCreate)
	mux.HandleFunc("GET /api/v1/conversations/{id}/summary", h.handleSummary)
	mux.HandleFunc("PUT /api/v1/conversations/{id}/model", h.handleSetModel)
	mux.HandleFunc("PUT /api/v1/conversations/{id}/api-key", h.handleSetAPIKey)
	mux.HandleFunc("PUT /api/v1/conversations/{id}/files", h.handleSetFiles)
	mux.HandleFunc("PUT /api/v1/conversations/{id}/workspace", h.handleSetWorkspace)
	mux.HandleFunc("POST /api/v1/conversations/{id}/clear", h.handleClear)
	mux.HandleFunc("DELETE /api/v1/conversations/{id}", h.handleDelete)
	mux.HandleFunc("POST /api/v1/chat", h.handleChat)
}

type createConversationRequest struct {
	ID       string   `json:"id,omitempty"`
	APIKey   string   `json:"api_key,omitempty"`
	Provider string   `json:"provider,omitempty"`
	Model    string   `json:"model,omitempty"`
	Models   []string `json:"models,omitempty"`
}

// create builds a session, filling unset fields from server defaults.
func (h *ConversationsHandler) create(req createConversationRequest) *conversation.Session {
	if req.APIKey == "" {
		req.APIKey = h.defaults.APIKey
	}
	if req.Provider == "" {
		req.Provider = h.defaults.Provider
	}
	if req.Model == "" {
		req.Model = h.defaults.DefaultModel
	}
	if len(req.Models) == 0 {
		req.Models = h.defaults.Models
	}
	return h.sessions.Create(req.ID, req.APIKey, req.Provider, req.Model, req.Models)
}

func (h *ConversationsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s := h.create(req)
	writeJSON(w, http.StatusCreated, s.Summary())
}

func (h *ConversationsHandler) handleSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Summary())
}

func (h *ConversationsHandler) handleSetModel(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Model string `json:"model"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Model == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "model is required"})
		return
	}
	s.Configure("", "", req.Model, nil)
	writeJSON(w, http.StatusOK, s.Summary())
}

func (h *ConversationsHandler) handleSetAPIKey(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		APIKey string `json:"api_key"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.APIKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "api_key is required"})
		return
	}
	s.Configure(req.APIKey, "", "", nil)
	writeJSON(w, http.StatusOK, s.Summary())
}

func (h *ConversationsHandler) handleSetFiles(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Files      []string `json:"files"`
		Persistent bool     `json:"persistent,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.UpdateFiles(req.Files, req.Persistent)
	writeJSON(w, http.StatusOK, s.Summary())
}

func (h *ConversationsHandler) handleSetWorkspace(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	files, err := s.SetWorkspace(req.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": s.Summary(),
		"files":   files,
	})
}

func (h *ConversationsHandler) handleClear(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.Clear()
	writeJSON(w, http.StatusOK, s.Summary())
}

func (h *ConversationsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	h.sessions.Drop(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type chatRequest struct {
	Message        string   `json:"message"`
	ConversationID string   `json:"conversationId,omitempty"`
	ContextFiles   []string `json:"contextFiles,omitempty"`
	Settings       *struct {
		APIKey   string `json:"apiKey,omitempty"`
		Provider string `json:"provider,omitempty"`
		Model    string `json:"model,omitempty"`
	} `json:"settings,omitempty"`
}

// handleChat is the one-shot chat surface: it creates the conversation on
// demand, applies per-request settings, and runs one Ask turn.
func (h *ConversationsHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	s, err := h.sessions.Get(req.ConversationID)
	if err != nil {
		s = h.create(createConversationRequest{ID: req.ConversationID})
	}

	if st := req.Settings; st != nil {
		s.Configure(st.APIKey, st.Provider, st.Model, nil)
	}
	if len(req.ContextFiles) > 0 {
		s.UpdateFiles(req.ContextFiles, false)
	}

	res, err := s.Ask(r.Context(), req.Message)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"message": map[string]string{
				"role":    "assistant",
				"content": res.ResponseMarkdown,
			},
			"html":           res.ResponseHTML,
			"conversationId": s.ID(),
			"usage":          res.Tokens,
			"elapsed_ms":     res.ElapsedMS,
		},
	})
}
