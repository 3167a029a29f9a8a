package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"deye-go-cloud/internal/reading"
	"deye-go-cloud/internal/store"
)

func (s *Server) handleAPIListReadings(w http.ResponseWriter, r *http.Request) {
	snap := s.poller.Snapshot()
	list := make([]reading.Reading, 0, len(snap))
	for _, rd := range snap {
		list = append(list, rd)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAPIGetReading(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rd, ok := s.poller.Reading(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "reading not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleAPIGetReadingMeta(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "store not configured"})
		return
	}
	id := r.PathValue("id")
	meta, err := s.store.GetReadingMeta(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "reading not found"})
			return
		}
		s.logger.Error("get reading meta", "err", err, "id", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, meta)
}

type statusResponse struct {
	Mode         string `json:"mode"`
	DeviceOnline bool   `json:"device_online"`
	ReadingCount int    `json:"reading_count"`
	LastSuccess  string `json:"last_success,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Mode:         s.mode,
		DeviceOnline: s.poller.DeviceOnline(),
		ReadingCount: len(s.poller.Snapshot()),
	}
	if t := s.poller.LastSuccess(); !t.IsZero() {
		resp.LastSuccess = t.Format(time.RFC3339)
	}
	if err := s.poller.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.poller.Refresh(r.Context()); err != nil {
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
