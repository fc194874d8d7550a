package security

import (
	"encoding/json"
	"net/http"
)

type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	// Succeeded and Failed name the steps of a partially applied action.
	Succeeded []string          `json:"succeeded,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// WriteJSONError writes an error body carrying only the code.
func WriteJSONError(w http.ResponseWriter, r *http.Request, status int, code string) {
	WriteError(w, r, status, code, "")
}

// WriteError writes {"error", "message", "correlation_id"} with status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	WriteErrorBody(w, r, status, ErrorResponse{Error: code, Message: message})
}

// WriteErrorBody writes body with status, filling in the correlation id.
func WriteErrorBody(w http.ResponseWriter, r *http.Request, status int, body ErrorResponse) {
	cid := CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(CorrelationIDHeader, cid)
	}
	body.CorrelationID = cid

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
