package ingestion

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"attendedge/internal/apperr"
	"attendedge/internal/forwarder"
	"attendedge/internal/metrics"
	"attendedge/internal/session"
)

// Router builds the full HTTP surface: attendance
// ingestion, forwarder controls, and session authority routes.
type Router struct {
	ingestion *Service
	forwarder *forwarder.Forwarder
	sessions  *session.Authority
}

// NewRouter wires the three components behind the HTTP surface.
func NewRouter(ingestion *Service, fwd *forwarder.Forwarder, sessions *session.Authority) *Router {
	return &Router{ingestion: ingestion, forwarder: fwd, sessions: sessions}
}

// Routes mounts every endpoint onto a fresh chi.Mux. CORS is
// left permissive by default; callers embedding this router in a larger
// service can override it with their own middleware stack.
func (rt *Router) Routes(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	// Inbound pacing is an operational concern the core treats as an
	// external collaborator; a conservative default keeps the
	// binary safe to run standalone without duplicating the upstream
	// reservoir's accounting.
	r.Use(httprate.LimitByIP(100, time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/attendance", func(r chi.Router) {
		r.Post("/clock", rt.handleClock)
		r.Post("/batch", rt.handleBatch)
		r.Get("/status/{record_id}", rt.handleStatus)
		r.Get("/pending", rt.handlePending)
	})

	r.Route("/sync", func(r chi.Router) {
		r.Post("/trigger", rt.handleSyncTrigger)
		r.Post("/retry", rt.handleSyncRetry)
		r.Post("/cleanup", rt.handleSyncCleanup)
		r.Put("/config", rt.handleSyncConfig)
		r.Get("/status", rt.handleSyncStatus)
		r.Get("/batch/{id}", rt.handleSyncBatch)
	})

	r.Handle("/metrics", metrics.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", rt.handleLogin)
		r.Post("/refresh", rt.handleRefresh)
		r.Post("/logout", rt.handleLogout)
		r.Get("/verify", rt.handleVerify)
	})

	return r
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.New(apperr.KindValidation, "malformed request body: "+err.Error())
	}
	return nil
}

func (rt *Router) handleClock(w http.ResponseWriter, r *http.Request) {
	var in EventInput
	if err := decodeJSON(r, &in); err != nil {
		respondErr(w, r, err)
		return
	}
	result, err := rt.ingestion.Clock(r.Context(), in)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, result)
}

type batchRequest struct {
	Records     []EventInput `json:"records"`
	BatchID     string       `json:"batch_id,omitempty"`
	OfflineSync bool         `json:"offline_sync,omitempty"`
}

func (rt *Router) handleBatch(w http.ResponseWriter, r *http.Request) {
	var in batchRequest
	if err := decodeJSON(r, &in); err != nil {
		respondErr(w, r, err)
		return
	}
	result, err := rt.ingestion.Batch(r.Context(), in.Records, in.BatchID, in.OfflineSync)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, result)
}

func (rt *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "record_id")
	entry, err := rt.ingestion.Status(r.Context(), recordID)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, entry)
}

func (rt *Router) handlePending(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	stats, entries, err := rt.ingestion.Pending(r.Context(), limit)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]any{"stats": stats, "entries": entries})
}

func (rt *Router) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	summary, err := rt.forwarder.Trigger(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, summary)
}

func (rt *Router) handleSyncRetry(w http.ResponseWriter, r *http.Request) {
	n, err := rt.forwarder.RetryFailed(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	summary, err := rt.forwarder.Trigger(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]any{"reset": n, "cycle": summary})
}

func (rt *Router) handleSyncCleanup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RetentionHours int `json:"retention_hours"`
	}
	_ = decodeJSON(r, &in)
	retention := 720 * time.Hour // 30 days default
	if in.RetentionHours > 0 {
		retention = time.Duration(in.RetentionHours) * time.Hour
	}
	n, err := rt.forwarder.Prune(r.Context(), retention)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]any{"pruned": n})
}

func (rt *Router) handleSyncConfig(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SyncIntervalSeconds int `json:"sync_interval_seconds"`
		BatchSize           int `json:"batch_size"`
		MaxAttempts         int `json:"max_attempts"`
	}
	if err := decodeJSON(r, &in); err != nil {
		respondErr(w, r, err)
		return
	}
	rt.forwarder.UpdateConfig(forwarder.Config{
		Interval:    time.Duration(in.SyncIntervalSeconds) * time.Second,
		BatchSize:   in.BatchSize,
		MaxAttempts: in.MaxAttempts,
	})
	respondJSON(w, r, http.StatusOK, map[string]any{"updated": true})
}

func (rt *Router) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	state, stats, err := rt.forwarder.Status(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]any{"state": state, "stats": stats})
}

func (rt *Router) handleSyncBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")
	entries, err := rt.ingestion.store.ListByBatch(r.Context(), batchID)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, entries)
}

func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SubjectID string `json:"subject_id"`
		DeviceID  string `json:"device_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		respondErr(w, r, err)
		return
	}
	pair, err := rt.sessions.Issue(r.Context(), session.IssueRequest{
		SubjectID:  in.SubjectID,
		DeviceID:   in.DeviceID,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, pair)
}

func (rt *Router) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &in); err != nil {
		respondErr(w, r, err)
		return
	}
	pair, err := rt.sessions.Refresh(r.Context(), in.RefreshToken)
	if err != nil {
		respondAuthErr(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, pair)
}

func (rt *Router) handleLogout(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		respondErr(w, r, err)
		return
	}
	id, err := uuid.Parse(in.SessionID)
	if err != nil {
		respondErr(w, r, apperr.New(apperr.KindValidation, "session_id must be a uuid"))
		return
	}
	if err := rt.sessions.Terminate(r.Context(), id, "logout"); err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]any{"terminated": true})
}

func (rt *Router) handleVerify(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		respondError(w, r, http.StatusUnauthorized, string(apperr.KindAuth), "missing bearer token")
		return
	}
	info, err := rt.sessions.Verify(r.Context(), token)
	if err != nil {
		respondAuthErr(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, info)
}

func respondAuthErr(w http.ResponseWriter, r *http.Request, err error) {
	respondError(w, r, http.StatusUnauthorized, string(apperr.KindAuth), err.Error())
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}
