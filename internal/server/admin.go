package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shelltender/shelltender/internal/models"
)

const recentOutputBytes = 2048

func (s *Server) sessionMeta(sess models.Session) models.SessionMeta {
	return models.SessionMeta{
		Session:    sess,
		BufferSize: s.buffers.Size(sess.ID),
		LastSeq:    s.buffers.LastSeq(sess.ID),
		Clients:    s.mux.SubscriberCount(sess.ID),
	}
}

func (s *Server) handleAdminList(w http.ResponseWriter, _ *http.Request) {
	sessions := s.manager.GetAll()
	metas := make([]models.SessionMeta, 0, len(sessions))
	for _, sess := range sessions {
		metas = append(metas, s.sessionMeta(sess))
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	WriteJSON(w, http.StatusOK, map[string]any{
		"sessions": metas,
		"system": map[string]any{
			"totalMemory": mem.Sys,
			"platform":    runtime.GOOS,
		},
	})
}

func (s *Server) handleAdminDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.manager.Get(id)
	if !ok {
		WriteError(w, http.StatusNotFound, "session not found: "+id)
		return
	}

	full, lastSeq := s.buffers.GetFull(id)
	recent := full
	if len(recent) > recentOutputBytes {
		recent = recent[len(recent)-recentOutputBytes:]
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"session":      sess,
		"env":          sess.Env,
		"bufferSize":   len(full),
		"lastSeq":      lastSeq,
		"recentOutput": string(recent),
		"clients":      s.mux.SubscriberCount(id),
	})
}

func (s *Server) handleAdminBulk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action     string   `json:"action"`
		SessionIDs []string `json:"sessionIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.Action != "kill" {
		WriteError(w, http.StatusBadRequest, "unsupported action: "+body.Action)
		return
	}

	killed := 0
	for _, id := range body.SessionIDs {
		if err := s.manager.Kill(id); err == nil {
			killed++
		}
	}
	WriteJSON(w, http.StatusOK, map[string]int{"killed": killed, "total": len(body.SessionIDs)})
}

func (s *Server) handleAdminKillAll(w http.ResponseWriter, _ *http.Request) {
	sessions := s.manager.GetAll()
	killed := 0
	for _, sess := range sessions {
		if err := s.manager.Kill(sess.ID); err == nil {
			killed++
		}
	}
	WriteJSON(w, http.StatusOK, map[string]int{"killed": killed, "total": len(sessions)})
}

func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		WriteError(w, http.StatusServiceUnavailable, "event journal unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.journal.Recent(id, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []models.TerminalEvent{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"sessionId": id, "events": events})
}
