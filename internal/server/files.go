package server

import (
	"net/http"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/codecanvas/codecanvas/internal/apperr"
	"github.com/codecanvas/codecanvas/internal/scanner"
)

// FilesHandler serves workspace scanning and content assembly.
type FilesHandler struct {
	scanner       *scanner.Scanner
	workspaceRoot string
	maxContext    int
}

// RegisterRoutes registers file routes on the given mux.
func (h *FilesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/files/scan", h.handleScan)
	mux.HandleFunc("POST /api/v1/files/content", h.handleContent)
	mux.HandleFunc("POST /api/v1/code/extract", h.handleExtract)
}

// treeNode is one entry of the nested directory tree view.
type treeNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Type     string      `json:"type"` // "file" or "directory"
	Size     int64       `json:"size,omitempty"`
	Children []*treeNode `json:"children,omitempty"`
}

func (h *FilesHandler) handleScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	root, err := h.resolveRoot(req.Path)
	if err != nil {
		writeError(w, err)
		return
	}

	files, err := h.scanner.Scan(root)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "scan failed", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"directory": root,
		"files":     files,
		"tree":      buildTree(files),
	})
}

// resolveRoot validates the requested path against the configured workspace
// root. An empty path means the root itself; anything escaping it is
// rejected.
func (h *FilesHandler) resolveRoot(path string) (string, error) {
	if path == "" {
		if h.workspaceRoot == "" {
			return "", apperr.New(apperr.Validation, "path is required (no workspace root configured)")
		}
		return h.workspaceRoot, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", apperr.Wrap(apperr.Validation, "path not resolvable", err)
	}
	if h.workspaceRoot != "" {
		rel, err := filepath.Rel(h.workspaceRoot, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", apperr.Newf(apperr.Validation, "path outside workspace root: %s", path)
		}
	}
	return abs, nil
}

// buildTree folds the flat scan result into a nested directory tree, sorted
// directories-first then by name at each level.
func buildTree(files []scanner.FileInfo) []*treeNode {
	root := &treeNode{Type: "directory"}
	dirs := map[string]*treeNode{"": root}

	for _, f := range files {
		parts := strings.Split(filepath.ToSlash(f.RelativePath), "/")
		parentKey := ""
		for i := 0; i < len(parts)-1; i++ {
			key := strings.Join(parts[:i+1], "/")
			if _, ok := dirs[key]; !ok {
				node := &treeNode{Name: parts[i], Path: key, Type: "directory"}
				dirs[parentKey].Children = append(dirs[parentKey].Children, node)
				dirs[key] = node
			}
			parentKey = key
		}
		dirs[parentKey].Children = append(dirs[parentKey].Children, &treeNode{
			Name: parts[len(parts)-1],
			Path: filepath.ToSlash(f.RelativePath),
			Type: "file",
			Size: f.Size,
		})
	}

	var sortChildren func(n *treeNode)
	sortChildren = func(n *treeNode) {
		sort.Slice(n.Children, func(i, j int) bool {
			a, b := n.Children[i], n.Children[j]
			if a.Type != b.Type {
				return a.Type == "directory"
			}
			return a.Name < b.Name
		})
		for _, c := range n.Children {
			sortChildren(c)
		}
	}
	sortChildren(root)
	return root.Children
}

func (h *FilesHandler) handleContent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Files []string `json:"files"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Files) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "files is required"})
		return
	}

	for i, f := range req.Files {
		resolved, err := h.resolveRoot(f)
		if err != nil {
			writeError(w, err)
			return
		}
		req.Files[i] = resolved
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"combinedContent": h.scanner.Concat(req.Files, h.maxContext),
	})
}

var fencedCodeRe = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)[ \t]*\n?(.*?)```")

// extractedBlock is one fenced code block pulled out of message content.
type extractedBlock struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Index    int    `json:"index"`
}

func (h *FilesHandler) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID string `json:"messageId"`
		Content   string `json:"content,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	blocks := []extractedBlock{}
	for i, m := range fencedCodeRe.FindAllStringSubmatch(req.Content, -1) {
		blocks = append(blocks, extractedBlock{
			Language: m[1],
			Code:     strings.TrimRight(m[2], "\n"),
			Index:    i,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messageId": req.MessageID,
		"blocks":    blocks,
	})
}
