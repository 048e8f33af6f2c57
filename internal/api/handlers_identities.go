package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/qualys/nhi/internal/models"
	"github.com/qualys/nhi/internal/nhi"
	"github.com/qualys/nhi/internal/reports"
)

func identityFilter(r *http.Request) (models.IdentityFilter, error) {
	q := r.URL.Query()
	filter := models.IdentityFilter{
		Provider:  models.Provider(q.Get("provider")),
		Type:      models.IdentityType(q.Get("type")),
		Status:    models.IdentityStatus(q.Get("status")),
		RiskLevel: models.Severity(q.Get("risk_level")),
		Search:    q.Get("search"),
		Limit:     intQuery(r, "limit"),
		Offset:    intQuery(r, "offset"),
	}
	if v := q.Get("source_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return filter, fmt.Errorf("invalid source_id")
		}
		filter.SourceID = &id
	}
	if v := q.Get("has_owner"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, fmt.Errorf("invalid has_owner")
		}
		filter.HasOwner = &b
	}
	return filter, nil
}

func (s *Server) listIdentities(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	filter, err := identityFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	identities, total, err := s.nhi.ListIdentities(r.Context(), actor, chi.URLParam(r, "projectID"), filter)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSONWithMeta(w, http.StatusOK, identities, &apiMeta{
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

func (s *Server) getIdentity(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "identityID")
	if !ok {
		return
	}
	identity, err := s.nhi.GetIdentity(r.Context(), actor, chi.URLParam(r, "projectID"), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, identity)
}

func (s *Server) updateIdentity(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "identityID")
	if !ok {
		return
	}
	var req nhi.UpdateIdentityInput
	if !decode(w, r, &req) {
		return
	}
	identity, err := s.nhi.UpdateIdentity(r.Context(), actor, chi.URLParam(r, "projectID"), id, req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, identity)
}

type acceptRiskRequest struct {
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) acceptRisk(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "identityID")
	if !ok {
		return
	}
	var req acceptRiskRequest
	if !decode(w, r, &req) {
		return
	}
	identity, err := s.nhi.AcceptRisk(r.Context(), actor, chi.URLParam(r, "projectID"), id, req.Reason, req.ExpiresAt)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, identity)
}

func (s *Server) revokeRiskAcceptance(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "identityID")
	if !ok {
		return
	}
	identity, err := s.nhi.RevokeRiskAcceptance(r.Context(), actor, chi.URLParam(r, "projectID"), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, identity)
}

func (s *Server) recommendedActions(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "identityID")
	if !ok {
		return
	}
	recs, err := s.nhi.RecommendedActions(r.Context(), actor, chi.URLParam(r, "projectID"), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, recs)
}

type executeRemediationRequest struct {
	ActionType models.RemediationActionType `json:"action_type"`
}

// executeRemediation runs the action synchronously. An action that failed at
// the provider is returned with status failed.
func (s *Server) executeRemediation(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "identityID")
	if !ok {
		return
	}
	var req executeRemediationRequest
	if !decode(w, r, &req) {
		return
	}
	action, err := s.nhi.ExecuteRemediation(r.Context(), actor, chi.URLParam(r, "projectID"), id, req.ActionType)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, action)
}

func (s *Server) listRemediations(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "identityID")
	if !ok {
		return
	}
	actions, err := s.nhi.RemediationHistory(r.Context(), actor, chi.URLParam(r, "projectID"), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, actions)
}

func (s *Server) getRemediation(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "actionID")
	if !ok {
		return
	}
	action, err := s.nhi.RemediationAction(r.Context(), actor, chi.URLParam(r, "projectID"), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, action)
}

func (s *Server) identityReport(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r)
	if !ok {
		return
	}
	report, err := s.nhi.IdentityReport(r.Context(), actor, &reports.ReportRequest{
		ProjectID: chi.URLParam(r, "projectID"),
		Format:    reports.ReportFormat(r.URL.Query().Get("format")),
		Title:     r.URL.Query().Get("title"),
		Limit:     intQuery(r, "limit"),
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", report.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(report.Data)
}
