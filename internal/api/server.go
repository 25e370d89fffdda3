package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pancakes/internal/market"
	"pancakes/internal/store"
)

const (
	defaultTickLimit = 50
	maxTickLimit     = 500
)

// Server is the read-only results API over the entity store.
type Server struct {
	store store.Store
	log   *slog.Logger
	mux   *chi.Mux
}

func New(st store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store: st,
		log:   logger,
		mux:   chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/ticks", s.handleTicks)
		r.Get("/ticks/latest", s.handleLatestTick)
		r.Get("/ticks/{id}", s.handleTick)
		r.Get("/producers", s.handleProducers)
		r.Get("/producers/{id}/history", s.handleProducerHistory)
		r.Get("/consumers", s.handleConsumers)
		r.Get("/toppings", s.handleToppings)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleTicks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultTickLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.store.Ticks(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if out == nil {
		out = []market.Tick{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticks": out})
}

func (s *Server) handleLatestTick(w http.ResponseWriter, r *http.Request) {
	latest, ok, err := s.store.LatestCompletedTick(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no completed ticks yet")
		return
	}
	s.writeDetail(w, r, latest.ID)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeDetail(w, r, id)
}

func (s *Server) writeDetail(w http.ResponseWriter, r *http.Request, tickID int64) {
	out, err := store.Detail(r.Context(), s.store, tickID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProducers(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.Producers(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"producers": out})
}

func (s *Server) handleConsumers(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.Consumers(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"consumers": out})
}

func (s *Server) handleToppings(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.Toppings(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"toppings": out})
}

func (s *Server) handleProducerHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryLimit(r, market.DefaultHistoryWindow)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	producers, err := s.store.Producers(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var producer *market.Producer
	for i := range producers {
		if producers[i].ID == id {
			producer = &producers[i]
			break
		}
	}
	if producer == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("producer %d not found", id))
		return
	}
	history, err := s.store.ProducerHistory(r.Context(), id, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if history == nil {
		history = []market.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"producer": producer, "history": history})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, market.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, market.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return id, nil
}

func queryLimit(r *http.Request, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return min(n, maxTickLimit), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}
