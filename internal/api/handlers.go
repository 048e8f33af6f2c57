package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/qualys/nhi/internal/connectors"
	"github.com/qualys/nhi/internal/models"
	"github.com/qualys/nhi/internal/nhi"
	"github.com/qualys/nhi/internal/queue"
)

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func intQuery(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

type createConnectionRequest struct {
	Name     string                        `json:"name"`
	Provider models.Provider               `json:"provider"`
	AWS      *connectors.AWSCredentials    `json:"aws,omitempty"`
	GitHub   *connectors.GitHubCredentials `json:"github,omitempty"`
}

func (s *Server) createConnection(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req createConnectionRequest
	if !decode(w, r, &req) {
		return
	}

	conn, err := s.nhi.CreateConnection(r.Context(), actor, req.Name, &connectors.Credentials{
		Provider: req.Provider,
		AWS:      req.AWS,
		GitHub:   req.GitHub,
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, conn)
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	conns, err := s.nhi.ListConnections(r.Context(), actor)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, conns)
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	sources, err := s.nhi.ListSources(r.Context(), actor, chi.URLParam(r, "projectID"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sources)
}

func (s *Server) createSource(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req nhi.CreateSourceInput
	if !decode(w, r, &req) {
		return
	}
	src, err := s.nhi.CreateSource(r.Context(), actor, chi.URLParam(r, "projectID"), req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, src)
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "sourceID")
	if !ok {
		return
	}
	src, err := s.nhi.GetSource(r.Context(), actor, id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, src)
}

func (s *Server) updateSource(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "sourceID")
	if !ok {
		return
	}
	var req nhi.UpdateSourceInput
	if !decode(w, r, &req) {
		return
	}
	src, err := s.nhi.UpdateSource(r.Context(), actor, id, req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, src)
}

func (s *Server) deleteSource(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "sourceID")
	if !ok {
		return
	}
	if err := s.nhi.DeleteSource(r.Context(), actor, id); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) triggerScan(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "sourceID")
	if !ok {
		return
	}
	scan, err := s.nhi.TriggerScan(r.Context(), actor, id, queue.TriggerAPI)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, scan)
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "sourceID")
	if !ok {
		return
	}
	scans, err := s.nhi.ListScans(r.Context(), actor, id, intQuery(r, "limit"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, scans)
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "scanID")
	if !ok {
		return
	}
	scan, err := s.nhi.GetScan(r.Context(), actor, id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, scan)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	stats, err := s.nhi.Stats(r.Context(), actor, chi.URLParam(r, "projectID"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) getNotificationSettings(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	settings, err := s.nhi.GetNotificationSettings(r.Context(), actor, chi.URLParam(r, "projectID"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

func (s *Server) updateNotificationSettings(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req nhi.NotificationSettingsInput
	if !decode(w, r, &req) {
		return
	}
	settings, err := s.nhi.UpdateNotificationSettings(r.Context(), actor, chi.URLParam(r, "projectID"), req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, settings)
}
