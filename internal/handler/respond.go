package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/wwpca/ieltsprep/internal/i18n"
	"github.com/wwpca/ieltsprep/internal/session"
)

// Machine-readable error codes carried in error response bodies.
const (
	codeInvalidRequest       = "invalid_request"
	codeSessionNotFound      = "session_not_found"
	codeInvalidConfiguration = "invalid_configuration"
	codeInvalidState         = "invalid_state"
	codeNotSpeaking          = "not_speaking"
	codeSessionExpired       = "session_expired"
	codeScoringPending       = "scoring_pending"
	codeReportNotReady       = "report_not_ready"
	codeScoringUnavailable   = "scoring_unavailable"
	codeInternal             = "internal_error"
)

// messageIDs maps error codes to their localized message IDs.
var messageIDs = map[string]string{
	codeInvalidRequest:       "InvalidRequest",
	codeSessionNotFound:      "SessionNotFound",
	codeInvalidConfiguration: "InvalidConfiguration",
	codeInvalidState:         "InvalidState",
	codeNotSpeaking:          "NotSpeaking",
	codeSessionExpired:       "SessionExpired",
	codeScoringPending:       "ScoringPending",
	codeReportNotReady:       "ReportNotReady",
	codeScoringUnavailable:   "ScoringUnavailable",
	codeInternal:             "InternalError",
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	resp := errorResponse{Error: code, Message: i18n.T(r.Context(), messageIDs[code])}
	if err != nil {
		resp.Detail = err.Error()
	}
	writeJSON(w, status, resp)
}

// respondError maps engine errors onto HTTP statuses.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, r, http.StatusNotFound, codeSessionNotFound, err)
	case errors.Is(err, session.ErrInvalidConfiguration):
		writeError(w, r, http.StatusBadRequest, codeInvalidConfiguration, err)
	case errors.Is(err, session.ErrNotSpeaking):
		writeError(w, r, http.StatusConflict, codeNotSpeaking, err)
	case errors.Is(err, session.ErrInvalidState):
		writeError(w, r, http.StatusConflict, codeInvalidState, err)
	case errors.Is(err, session.ErrSessionExpired):
		writeError(w, r, http.StatusConflict, codeSessionExpired, err)
	case errors.Is(err, session.ErrScoringPending):
		writeError(w, r, http.StatusConflict, codeScoringPending, err)
	case errors.Is(err, session.ErrReportNotReady):
		writeError(w, r, http.StatusTooEarly, codeReportNotReady, err)
	case errors.Is(err, session.ErrScoringUnavailable):
		writeError(w, r, http.StatusInternalServerError, codeScoringUnavailable, err)
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, codeInternal, nil)
	}
}
