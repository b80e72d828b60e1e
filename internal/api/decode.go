package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// decodeJSON decodes the request body into dst. On failure it writes the
// error response and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, invalidMsg string) bool {
	if invalidMsg == "" {
		invalidMsg = "invalid json"
	}
	if r.Body == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "request body required"})
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		switch {
		case errors.As(err, &mbe):
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "request body too large"})
		case errors.Is(err, io.EOF):
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "request body required"})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": invalidMsg})
		}
		return false
	}
	return true
}
