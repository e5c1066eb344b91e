package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/codecanvas/codecanvas/internal/apperr"
	"github.com/codecanvas/codecanvas/internal/shell"
	"github.com/codecanvas/codecanvas/pkg/protocol"
)

// ShellHandler serves the shell session REST surface and the per-session
// streaming WebSocket.
type ShellHandler struct {
	mgr            *shell.Manager
	allowedOrigins []string

	upgrader websocket.Upgrader
	once     sync.Once
}

// RegisterRoutes registers shell routes on the given mux.
func (h *ShellHandler) RegisterRoutes(mux *http.ServeMux) {
	h.once.Do(func() {
		h.upgrader = websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     h.checkOrigin,
		}
	})
	mux.HandleFunc("POST /api/v1/shell/sessions", h.handleCreate)
	mux.HandleFunc("GET /api/v1/shell/sessions", h.handleList)
	mux.HandleFunc("GET /api/v1/shell/sessions/{id}", h.handleInfo)
	mux.HandleFunc("DELETE /api/v1/shell/sessions/{id}", h.handleClose)
	mux.HandleFunc("POST /api/v1/shell/validate", h.handleValidate)
	mux.HandleFunc("GET /api/v1/shell/ws/{id}", h.handleWS)
}

// checkOrigin validates the WebSocket origin against the configured list.
// No configured origins or an empty Origin header (non-browser clients)
// allows the connection.
func (h *ShellHandler) checkOrigin(r *http.Request) bool {
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
	slog.Warn("shell ws origin rejected", "origin", origin)
	return false
}

func (h *ShellHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkingDirectory string `json:"working_directory,omitempty"`
		ShellType        string `json:"shell_type,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	info := h.mgr.CreateSession(req.WorkingDirectory, req.ShellType)
	writeJSON(w, http.StatusCreated, info)
}

func (h *ShellHandler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": h.mgr.List()})
}

func (h *ShellHandler) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.mgr.Info(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *ShellHandler) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.Close(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (h *ShellHandler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	// Blocked commands are a normal outcome here, not an HTTP error.
	writeJSON(w, http.StatusOK, h.mgr.Validate(req.Command))
}

// wsConn serialises writes to one WebSocket; the output sink and the read
// loop both push frames.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(frame protocol.ShellServerFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(frame); err != nil {
		slog.Debug("shell ws write failed", "error", err)
	}
}

// handleWS attaches a client to a shell session. A disconnect leaves the
// session alive; the client may reconnect under the same id.
func (h *ShellHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	info, err := h.mgr.Info(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("shell ws upgrade failed", "session", sessionID, "error", err)
		return
	}
	defer conn.Close()

	ws := &wsConn{conn: conn}
	ws.send(protocol.NewStatusFrame(protocol.StatusConnected, info))

	for {
		var frame protocol.ShellClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			slog.Debug("shell ws closed", "session", sessionID, "error", err)
			return
		}

		switch frame.Type {
		case protocol.ShellFramePing:
			h.mgr.Touch(sessionID)
			ws.send(protocol.ShellServerFrame{Type: protocol.ShellFramePong, Data: frame.Data})

		case protocol.ShellFrameCommand:
			var command string
			if err := json.Unmarshal(frame.Data, &command); err != nil || command == "" {
				ws.send(protocol.NewErrorFrame("command frame requires a string payload"))
				ws.send(protocol.NewStatusFrame(protocol.StatusFailed, nil))
				continue
			}
			h.runCommand(r.Context(), ws, sessionID, command)

		default:
			ws.send(protocol.NewErrorFrame("unknown frame type: " + frame.Type))
		}
	}
}

// runCommand echoes the command, streams its output, and finishes with a
// terminal status frame. Policy denials and busy rejections produce an error
// frame followed by a failed status; no subprocess is spawned for them.
func (h *ShellHandler) runCommand(ctx context.Context, ws *wsConn, sessionID, command string) {
	ws.send(protocol.ShellServerFrame{Type: protocol.ShellFrameEcho, Data: command})

	sink := func(chunk []byte, stream string) {
		ws.send(protocol.NewOutputFrame(stream, string(chunk)))
	}

	status, err := h.mgr.Execute(ctx, sessionID, command, sink)
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.Kind == apperr.Policy {
			ws.send(protocol.NewErrorFrame(err.Error()))
		}
	}

	info, infoErr := h.mgr.Info(sessionID)
	if infoErr != nil {
		ws.send(protocol.NewStatusFrame(string(status), nil))
		return
	}
	ws.send(protocol.NewStatusFrame(string(status), info))
}
