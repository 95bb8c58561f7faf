package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shelltender/shelltender/internal/doctor"
	"github.com/shelltender/shelltender/internal/logger"
	"github.com/shelltender/shelltender/internal/models"
)

// WriteJSON writes a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("encode response failed", "error", err)
	}
}

// WriteError writes a JSON error envelope.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if s.cfg.CORSOrigin != "" {
		r.Use(s.corsMiddleware)
	}

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/sessions", s.handleListSessions)
	r.Delete("/api/sessions/{id}", s.handleKillSession)

	r.Route("/api/admin", func(r chi.Router) {
		r.Get("/sessions", s.handleAdminList)
		r.Get("/sessions/{id}", s.handleAdminDetail)
		r.Delete("/sessions/{id}", s.handleKillSession)
		r.Post("/sessions/bulk", s.handleAdminBulk)
		r.Post("/sessions/kill-all", s.handleAdminKillAll)
		r.Get("/sessions/{id}/events", s.handleAdminEvents)
	})

	r.Get("/api/shelltender/doctor", s.handleDoctor)
	r.Handle("/metrics", promhttp.Handler())

	// Websocket endpoints. chi matches the exact path only; anything else
	// on the path 404s before an upgrade is attempted.
	r.Get(s.cfg.WSPath, s.mux.ServeHTTP)
	r.Get("/ws/control", s.ctl.ServeHTTP)

	s.router = r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).Round(time.Millisecond).String(),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"wsPath": s.cfg.WSPath,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.manager.GetAll()
	if sessions == nil {
		sessions = []models.Session{}
	}
	WriteJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.Kill(id); err != nil {
		WriteError(w, http.StatusNotFound, "session not found: "+id)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDoctor(w http.ResponseWriter, _ *http.Request) {
	buffered := 0
	for _, sess := range s.manager.GetAll() {
		buffered += s.buffers.Size(sess.ID)
	}
	report := doctor.Run(s.cfg, doctor.Stats{
		Sessions:        s.manager.Count(),
		BufferedBytes:   buffered,
		PipelineEnabled: s.cfg.EnablePipeline,
	})
	WriteJSON(w, http.StatusOK, report)
}
