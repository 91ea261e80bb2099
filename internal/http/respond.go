package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/paddock-dev/paddock/internal/redact"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message. Everything outward-facing passes through
// the secret redaction filter first.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": redact.String(msg)})
}
