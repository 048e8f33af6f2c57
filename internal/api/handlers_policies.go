package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/qualys/nhi/internal/nhi"
)

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	policies, err := s.nhi.ListPolicies(r.Context(), actor, chi.URLParam(r, "projectID"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, policies)
}

func (s *Server) createPolicy(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req nhi.PolicyInput
	if !decode(w, r, &req) {
		return
	}
	p, err := s.nhi.CreatePolicy(r.Context(), actor, chi.URLParam(r, "projectID"), req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "policyID")
	if !ok {
		return
	}
	p, err := s.nhi.GetPolicy(r.Context(), actor, chi.URLParam(r, "projectID"), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) updatePolicy(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "policyID")
	if !ok {
		return
	}
	var req nhi.PolicyInput
	if !decode(w, r, &req) {
		return
	}
	p, err := s.nhi.UpdatePolicy(r.Context(), actor, chi.URLParam(r, "projectID"), id, req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) deletePolicy(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "policyID")
	if !ok {
		return
	}
	if err := s.nhi.DeletePolicy(r.Context(), actor, chi.URLParam(r, "projectID"), id); err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) listPolicyExecutions(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "policyID")
	if !ok {
		return
	}
	execs, err := s.nhi.PolicyExecutions(r.Context(), actor, chi.URLParam(r, "projectID"), id, intQuery(r, "limit"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, execs)
}

func (s *Server) listRecentExecutions(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	execs, err := s.nhi.RecentExecutions(r.Context(), actor, chi.URLParam(r, "projectID"), intQuery(r, "limit"))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, execs)
}
