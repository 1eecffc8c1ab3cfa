package ingestion

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"attendedge/internal/apperr"
)

// envelope is the response shape every route in this package returns:
// {status, data?, error_code?, message?, timestamp, request_id}.
type envelope struct {
	Status    string `json:"status"`
	Data      any    `json:"data,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"request_id"`
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Status:    "success",
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// respondErr maps an apperr.Kind-classified error (or a storage sentinel)
// onto the status/code pairing
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		respondError(w, r, http.StatusNotFound, "not_found", err.Error())
	case apperr.Is(err, apperr.KindValidation):
		respondError(w, r, http.StatusBadRequest, string(apperr.KindValidation), err.Error())
	case apperr.Is(err, apperr.KindStorage):
		respondError(w, r, http.StatusInternalServerError, string(apperr.KindStorage), err.Error())
	case apperr.Is(err, apperr.KindUpstream):
		respondError(w, r, http.StatusBadGateway, string(apperr.KindUpstream), err.Error())
	case apperr.Is(err, apperr.KindRejected):
		respondError(w, r, http.StatusBadGateway, string(apperr.KindRejected), err.Error())
	case apperr.Is(err, apperr.KindAuth):
		respondError(w, r, http.StatusUnauthorized, string(apperr.KindAuth), err.Error())
	case apperr.Is(err, apperr.KindRateLimited):
		respondError(w, r, http.StatusTooManyRequests, string(apperr.KindRateLimited), err.Error())
	default:
		respondError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
