package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/example/family-bank/internal/bankerr"
	"github.com/example/family-bank/internal/security"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind bankerr.Kind) int {
	switch kind {
	case bankerr.KindValidation, bankerr.KindInsufficientFunds:
		return http.StatusBadRequest
	case bankerr.KindUnauthorized:
		return http.StatusUnauthorized
	case bankerr.KindForbidden, bankerr.KindForbiddenAccount:
		return http.StatusForbidden
	case bankerr.KindNotFound:
		return http.StatusNotFound
	case bankerr.KindInvalidState, bankerr.KindConflict:
		return http.StatusConflict
	case bankerr.KindPartialFailure:
		return http.StatusMultiStatus
	}
	return http.StatusInternalServerError
}

func errorMessage(err error) string {
	var e *bankerr.Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		if e.Err != nil {
			return e.Err.Error()
		}
	}
	return err.Error()
}

func writeError(l *slog.Logger, w http.ResponseWriter, r *http.Request, err error) {
	kind := bankerr.KindOf(err)
	status := StatusFor(kind)
	msg := errorMessage(err)
	if status == http.StatusInternalServerError {
		l.Error("request_failed",
			"cid", security.CorrelationIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		kind, msg = bankerr.KindInternal, "internal error"
	}
	body := security.ErrorResponse{Error: string(kind), Message: msg}
	var pf *bankerr.PartialFailureError
	if errors.As(err, &pf) {
		l.Warn("request_partially_applied",
			"cid", security.CorrelationIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		body.Message = "partially applied"
		body.Succeeded = pf.Succeeded
		body.Failed = make(map[string]string, len(pf.Failed))
		for name, ferr := range pf.Failed {
			body.Failed[name] = failedStepMessage(ferr)
		}
	}
	security.WriteErrorBody(w, r, status, body)
}

// failedStepMessage hides internal causes the same way whole-request
// failures do.
func failedStepMessage(err error) string {
	if StatusFor(bankerr.KindOf(err)) == http.StatusInternalServerError {
		return "internal error"
	}
	return errorMessage(err)
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return bankerr.Validation("api.decode", "request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return bankerr.Validation("api.decode", "invalid json: %v", err)
	}
	return nil
}
