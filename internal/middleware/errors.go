package middleware

import (
	"encoding/json"
	"net/http"
)

// WriteError writes the JSON error envelope shared by middleware and handlers.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	body := map[string]any{
		"code":    code,
		"message": message,
	}
	if id := GetRequestID(r.Context()); id != "" {
		body["requestId"] = id
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": body})
}
