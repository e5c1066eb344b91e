package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/codecanvas/codecanvas/internal/diagram"
	"github.com/codecanvas/codecanvas/internal/events"
)

// DiagramsHandler serves D2/Mermaid validation, rendering, SVG downloads,
// and the diagram event log.
type DiagramsHandler struct {
	svc    *diagram.Service
	events *events.Log
}

// RegisterRoutes registers diagram routes on the given mux.
func (h *DiagramsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/d2/render", h.handleRenderD2)
	mux.HandleFunc("POST /api/v1/d2/validate", h.handleValidateD2)
	mux.HandleFunc("GET /api/v1/d2/download/{filename}", h.download(diagram.KindD2))
	mux.HandleFunc("POST /api/v1/mermaid/render", h.handleRenderMermaid)
	mux.HandleFunc("POST /api/v1/mermaid/validate", h.handleValidateMermaid)
	mux.HandleFunc("GET /api/v1/mermaid/download/{filename}", h.download(diagram.KindMermaid))
	mux.HandleFunc("POST /api/v1/diagrams/log-diagram-event", h.handleLogEvent)
	mux.HandleFunc("GET /api/v1/diagrams/events", h.handleRecentEvents)
}

type renderRequest struct {
	Code         string            `json:"code"`
	ReturnSVG    *bool             `json:"return_svg,omitempty"`
	SaveToFile   bool              `json:"save_to_file,omitempty"`
	OutputFormat string            `json:"output_format,omitempty"` // mermaid: svg|png
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type validationResult struct {
	IsValid bool   `json:"is_valid"`
	Error   string `json:"error,omitempty"`
}

func (h *DiagramsHandler) handleRenderD2(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "code is required"})
		return
	}

	valid, vErr, err := h.svc.ValidateD2(r.Context(), req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	if !valid {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":    false,
			"validation": validationResult{IsValid: false, Error: vErr},
			"error":      vErr,
			"metadata":   req.Metadata,
		})
		return
	}

	svg, err := h.svc.RenderD2SVG(r.Context(), req.Code)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]interface{}{
		"success":    true,
		"validation": validationResult{IsValid: true},
		"metadata":   req.Metadata,
	}
	if req.ReturnSVG == nil || *req.ReturnSVG {
		resp["svg_content"] = svg
	}
	if req.SaveToFile {
		name, err := h.svc.SaveSVG(diagram.KindD2, req.Code, svg)
		if err != nil {
			writeError(w, err)
			return
		}
		resp["file_path"] = name
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *DiagramsHandler) handleValidateD2(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	valid, vErr, err := h.svc.ValidateD2(r.Context(), req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"is_valid":    valid,
		"code_length": len(req.Code),
	}
	if vErr != "" {
		resp["error"] = vErr
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *DiagramsHandler) handleRenderMermaid(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "code is required"})
		return
	}
	format := req.OutputFormat
	if format == "" {
		format = "svg"
	}

	valid, vErr, err := h.svc.ValidateMermaid(r.Context(), req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	if !valid {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":    false,
			"validation": validationResult{IsValid: false, Error: vErr},
			"error":      vErr,
		})
		return
	}

	rendered, err := h.svc.RenderMermaid(r.Context(), req.Code, format)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]interface{}{
		"success":       true,
		"validation":    validationResult{IsValid: true},
		"output_format": format,
	}
	if req.ReturnSVG == nil || *req.ReturnSVG {
		resp["svg_content"] = rendered
	}
	if req.SaveToFile && format == "svg" {
		name, err := h.svc.SaveSVG(diagram.KindMermaid, req.Code, rendered)
		if err != nil {
			writeError(w, err)
			return
		}
		resp["file_path"] = name
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *DiagramsHandler) handleValidateMermaid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code    string `json:"code"`
		AutoFix bool   `json:"auto_fix,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	valid, vErr, err := h.svc.ValidateMermaid(r.Context(), req.Code)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]interface{}{"is_valid": valid}
	if vErr != "" {
		resp["error"] = vErr
	}

	if !valid && req.AutoFix {
		fixed := mermaidAutoFix(req.Code)
		if fixed != req.Code {
			if ok, _, err := h.svc.ValidateMermaid(r.Context(), fixed); err == nil && ok {
				resp["is_valid"] = true
				resp["auto_fixed"] = true
				resp["fixed_code"] = fixed
				delete(resp, "error")
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// mermaidAutoFix applies the mechanical cleanups that account for most model
// output failures: trailing semicolons and typographic quotes.
func mermaidAutoFix(src string) string {
	lines := strings.Split(src, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, ";")
	}
	fixed := strings.Join(lines, "\n")
	replacer := strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'")
	return replacer.Replace(fixed)
}

// download serves a previously saved SVG. Only bare .svg file names are
// accepted; anything with path structure is rejected.
func (h *DiagramsHandler) download(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("filename")
		if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid file name"})
			return
		}
		if !strings.HasSuffix(name, ".svg") {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "only .svg downloads are supported"})
			return
		}

		path := filepath.Join(h.svc.StaticDir(), kind+"_diagrams", name)
		if _, err := os.Stat(path); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "file not found"})
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(name))
		http.ServeFile(w, r, path)
	}
}

func (h *DiagramsHandler) handleLogEvent(w http.ResponseWriter, r *http.Request) {
	var ev events.Event
	if !decodeBody(w, r, &ev) {
		return
	}
	if err := h.events.Record(r.Context(), ev); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged"})
}

func (h *DiagramsHandler) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.events.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": list})
}
