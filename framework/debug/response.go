package debug

import (
	"encoding/json"
	"net/http"
)

// ── Response ─────────────────────────────────────────────────────────────────

// response wraps http.ResponseWriter with the JSON envelope helpers used by
// every endpoint.
type response struct {
	w http.ResponseWriter
}

func newResponse(w http.ResponseWriter) *response { return &response{w: w} }

// JSON sends v with status.
func (res *response) JSON(status int, v any) {
	res.w.Header().Set("Content-Type", "application/json")
	res.w.WriteHeader(status)
	_ = json.NewEncoder(res.w).Encode(v)
}

// Success sends 200 JSON: {"data": v}
func (res *response) Success(v any) {
	res.JSON(http.StatusOK, envelope{"data": v})
}

// Text sends a plain body with the given content type.
func (res *response) Text(contentType string, body []byte) {
	res.w.Header().Set("Content-Type", contentType)
	res.w.WriteHeader(http.StatusOK)
	_, _ = res.w.Write(body)
}

// Error sends {"message": message}.
func (res *response) Error(status int, message string) {
	res.JSON(status, envelope{"message": message})
}

// NotFound sends 404.
func (res *response) NotFound(message ...string) {
	res.Error(http.StatusNotFound, first(message, "Not found."))
}

// ServerError sends 500.
func (res *response) ServerError(message ...string) {
	res.Error(http.StatusInternalServerError, first(message, "Server Error."))
}

// ── Helpers ──────────────────────────────────────────────────────────────────

type envelope map[string]any

func first(ss []string, fallback string) string {
	if len(ss) > 0 && ss[0] != "" {
		return ss[0]
	}
	return fallback
}
