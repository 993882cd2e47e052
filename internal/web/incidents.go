package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

const (
	defaultIncidentLimit = 20
	maxIncidentLimit     = 200
)

func parseLimit(r *http.Request) int {
	limit := defaultIncidentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxIncidentLimit {
		limit = maxIncidentLimit
	}
	return limit
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store-unavailable")
		return
	}
	data, err := s.Store.ListIncidents(r.Context(), parseLimit(r))
	if err != nil {
		slog.Error("list incidents failed", "error", err)
		writeError(w, http.StatusInternalServerError, "store-error")
		return
	}
	if len(data) == 0 {
		data = []byte("[]")
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"incidents": data})
}

func (s *Server) handleIncidentByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/incidents/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not-found")
		return
	}
	if s.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store-unavailable")
		return
	}
	data, err := s.Store.GetIncident(r.Context(), id)
	if err != nil {
		slog.Error("get incident failed", "incident_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "store-error")
		return
	}
	if data == nil {
		writeError(w, http.StatusNotFound, "not-found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
