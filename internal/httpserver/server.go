// package httpserver exposes event ingest, alert lifecycle, aggregate, and
// timeline endpoints.
package httpserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sentinel-ops/platform/internal/aggregation"
	"github.com/sentinel-ops/platform/internal/alerting"
	"github.com/sentinel-ops/platform/internal/auth"
	"github.com/sentinel-ops/platform/internal/engine"
	"github.com/sentinel-ops/platform/internal/model"
	"github.com/sentinel-ops/platform/internal/timeline"
)

type Server struct {
	engine     *engine.Engine
	alerts     *alerting.Service
	aggregates *aggregation.Service
	timelines  *timeline.Service
	verifier   *auth.Verifier
	db         *sql.DB

	// ingestSlots bounds concurrent ingest handling; a full pool rejects the
	// request instead of queueing it.
	ingestSlots chan struct{}
}

type Config struct {
	MaxConcurrentIngest int
}

func New(eng *engine.Engine, alerts *alerting.Service, aggregates *aggregation.Service, timelines *timeline.Service, verifier *auth.Verifier, db *sql.DB, cfg Config) *Server {
	if cfg.MaxConcurrentIngest <= 0 {
		cfg.MaxConcurrentIngest = 32
	}
	return &Server{
		engine:      eng,
		alerts:      alerts,
		aggregates:  aggregates,
		timelines:   timelines,
		verifier:    verifier,
		db:          db,
		ingestSlots: make(chan struct{}, cfg.MaxConcurrentIngest),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware)

		r.Post("/events", s.handleIngestEvent)

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleListAlerts)
			r.Get("/{id}", s.handleGetAlert)
			r.Post("/{id}/ack", s.handleAlertAction("ack"))
			r.Post("/{id}/suppress", s.handleAlertAction("suppress"))
			r.Post("/{id}/resolve", s.handleAlertAction("resolve"))
		})

		r.Get("/aggregates", s.handleListAggregates)
		r.Get("/timeline/{correlationKey}", s.handleTimeline)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			status["ok"] = false
			status["db"] = "down"
			status["error"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		status["db"] = "up"
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	// Shed load rather than queue: a full slot pool rejects immediately.
	select {
	case s.ingestSlots <- struct{}{}:
		defer func() { <-s.ingestSlots }()
	default:
		respondError(w, http.StatusTooManyRequests, "PLATFORM_BUSY", "ingest capacity exhausted")
		return
	}

	var ev model.NormalizedEvent
	if err := decodeJSON(w, r, &ev, 1<<20); err != nil {
		respondError(w, http.StatusBadRequest, "PLATFORM_BAD_REQUEST", err.Error())
		return
	}
	if ev.EventType == "" || ev.CorrelationKey == "" || ev.EventTime.IsZero() {
		respondError(w, http.StatusBadRequest, "PLATFORM_BAD_REQUEST", "eventType, correlationKey, and eventTime are required")
		return
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	if err := s.engine.HandleNormalizedEvent(r.Context(), ev); err != nil {
		respondError(w, http.StatusInternalServerError, "PLATFORM_INTERNAL", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted":       true,
		"correlationKey": ev.CorrelationKey,
	})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	limit := queryInt(r, "limit", 100)
	alerts, err := s.alerts.List(r.Context(), state, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "PLATFORM_INTERNAL", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "PLATFORM_BAD_REQUEST", "invalid alert id")
		return
	}
	alert, err := s.alerts.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, alerting.ErrNotFound) {
			respondError(w, http.StatusNotFound, "PLATFORM_NOT_FOUND", "alert not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "PLATFORM_INTERNAL", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, alert)
}

type alertActionRequest struct {
	Reason string     `json:"reason"`
	Until  *time.Time `json:"until,omitempty"`
}

func (s *Server) handleAlertAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "PLATFORM_BAD_REQUEST", "invalid alert id")
			return
		}
		var req alertActionRequest
		if r.ContentLength > 0 {
			if err := decodeJSON(w, r, &req, 1<<16); err != nil {
				respondError(w, http.StatusBadRequest, "PLATFORM_BAD_REQUEST", err.Error())
				return
			}
		}
		actor := auth.ActorFrom(r.Context())
		switch action {
		case "ack":
			err = s.alerts.Ack(r.Context(), id, actor, req.Reason)
		case "suppress":
			err = s.alerts.Suppress(r.Context(), id, actor, req.Reason, req.Until)
		case "resolve":
			err = s.alerts.Resolve(r.Context(), id, actor, req.Reason)
		}
		if err != nil {
			if errors.Is(err, alerting.ErrNotFound) {
				respondError(w, http.StatusNotFound, "PLATFORM_NOT_FOUND", "alert not found")
				return
			}
			respondError(w, http.StatusInternalServerError, "PLATFORM_INTERNAL", err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "state": stateForAction(action)})
	}
}

func stateForAction(action string) string {
	switch action {
	case "ack":
		return model.AlertAck
	case "suppress":
		return model.AlertSuppressed
	case "resolve":
		return model.AlertResolved
	}
	return ""
}

func (s *Server) handleListAggregates(w http.ResponseWriter, r *http.Request) {
	versionID, err := strconv.ParseInt(r.URL.Query().Get("workflowVersionId"), 10, 64)
	if err != nil || versionID <= 0 {
		respondError(w, http.StatusBadRequest, "PLATFORM_BAD_REQUEST", "workflowVersionId is required")
		return
	}
	var from, to time.Time
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			respondError(w, http.StatusBadRequest, "PLATFORM_BAD_REQUEST", "invalid from timestamp")
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			respondError(w, http.StatusBadRequest, "PLATFORM_BAD_REQUEST", "invalid to timestamp")
			return
		}
	}
	rows, err := s.aggregates.ListByVersion(r.Context(), versionID, r.URL.Query().Get("groupHash"), from, to, queryInt(r, "limit", 500))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "PLATFORM_INTERNAL", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"aggregates": rows})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	correlationKey := chi.URLParam(r, "correlationKey")
	var versionID int64
	if raw := r.URL.Query().Get("workflowVersionId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "PLATFORM_BAD_REQUEST", "invalid workflowVersionId")
			return
		}
		versionID = id
	}
	view, err := s.timelines.Timeline(r.Context(), correlationKey, versionID)
	if err != nil {
		if errors.Is(err, timeline.ErrNotFound) {
			respondError(w, http.StatusNotFound, "PLATFORM_NOT_FOUND", "no run for correlation key")
			return
		}
		respondError(w, http.StatusInternalServerError, "PLATFORM_INTERNAL", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) error {
	if limit <= 0 {
		limit = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	return decoder.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}
