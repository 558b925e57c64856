// Package introspect provides ByteHot's optional read-only HTTP/WS
// introspection surface (spec §6): event-store queries and a live
// FlowDiscovered feed. It exposes no write path — the wire protocol an
// actual IDE/plugin would speak against the engine is out of scope (spec
// §1 Non-goals); this is purely an operator-facing window into the store.
package introspect

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/bytehot/engine/internal/event"
	"github.com/bytehot/engine/internal/logger"
	"github.com/bytehot/engine/internal/store"
)

// Server is the read-only introspection HTTP/WS surface.
type Server struct {
	store  store.EventStore
	logger *slog.Logger
	hub    *FlowHub
	router *mux.Router
	http   *http.Server
}

// Config controls the introspection server (spec §6 introspect.* keys).
type Config struct {
	Addr string
}

// New builds a Server wired against es. hub may be nil if the caller has no
// live flow feed to publish (the /ws/flows endpoint then refuses upgrades).
func New(cfg Config, es store.EventStore, hub *FlowHub, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{store: es, logger: log, hub: hub}
	s.router = s.newRouter()
	s.http = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.router,
	}
	return s
}

// Start runs the HTTP server until ctx is canceled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("introspection server starting", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(logger.LoggingMiddleware(s.logger))

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/aggregates/{type}", s.handleAggregateIDs).Methods(http.MethodGet)
	r.HandleFunc("/aggregates/{type}/{id}/events", s.handleEventsFor).Methods(http.MethodGet)
	r.HandleFunc("/events/by-type/{type}", s.handleEventsByType).Methods(http.MethodGet)
	r.HandleFunc("/ws/flows", s.handleFlowFeed)

	r.PathPrefix("/docs").Handler(httpSwagger.WrapHandler)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth reports the event store's health.
//
// @Summary  Report store health
// @Produce  json
// @Success  200 {object} map[string]string
// @Failure  503 {object} map[string]string
// @Router   /healthz [get]
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.IsHealthy(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleAggregateIDs lists every aggregate ID under a given aggregate type.
//
// @Summary  List aggregate IDs under a type
// @Produce  json
// @Param    type path string true "aggregate type"
// @Success  200 {array} string
// @Router   /aggregates/{type} [get]
func (s *Server) handleAggregateIDs(w http.ResponseWriter, r *http.Request) {
	aggType := mux.Vars(r)["type"]
	ids, err := s.store.AggregateIDs(r.Context(), aggType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

// handleEventsFor returns the full event stream for one aggregate.
//
// @Summary  Read one aggregate's event stream
// @Produce  json
// @Param    type path string true "aggregate type"
// @Param    id   path string true "aggregate id"
// @Success  200 {array} object
// @Router   /aggregates/{type}/{id}/events [get]
func (s *Server) handleEventsFor(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	events, err := s.store.EventsFor(r.Context(), vars["type"], vars["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleEventsByType returns the most recent events of a given type across
// every aggregate, bounded by an optional ?limit= query parameter.
//
// @Summary  Read recent events of one type across all aggregates
// @Produce  json
// @Param    type  path  string true  "event type"
// @Param    limit query int    false "max events (0 = unbounded)"
// @Success  200 {array} object
// @Router   /events/by-type/{type} [get]
func (s *Server) handleEventsByType(w http.ResponseWriter, r *http.Request) {
	eventType := event.Type(mux.Vars(r)["type"])
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = parsed
	}

	events, err := s.store.EventsByType(r.Context(), eventType, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleFlowFeed upgrades to a WebSocket connection and streams
// FlowDiscovered events as they're published to the hub.
//
// @Summary  Stream FlowDiscovered events live
// @Router   /ws/flows [get]
func (s *Server) handleFlowFeed(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotImplemented, "flow feed is not wired for this server")
		return
	}
	s.hub.ServeWS(w, r)
}
