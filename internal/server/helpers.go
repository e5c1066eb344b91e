package server

import (
	"encoding/json"
	"net/http"

	"github.com/codecanvas/codecanvas/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps an application error to its HTTP status with an
// {error: ...} body.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(apperr.KindOf(err)), map[string]string{"error": err.Error()})
}

// decodeBody decodes a JSON request body into dst, reporting a 400 itself on
// failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return false
	}
	return true
}
