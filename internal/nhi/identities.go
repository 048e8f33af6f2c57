package nhi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/nhi/internal/auth"
	"github.com/qualys/nhi/internal/models"
	"github.com/qualys/nhi/internal/remediation"
	"github.com/qualys/nhi/internal/risk"
)

func (s *Service) ListIdentities(ctx context.Context, actor models.Actor, projectID string, filter models.IdentityFilter) ([]models.Identity, int, error) {
	if err := s.authorize(ctx, actor, projectID, auth.ActionRead); err != nil {
		return nil, 0, err
	}
	if filter.RiskLevel != "" {
		if _, _, ok := risk.ScoreRange(filter.RiskLevel); !ok {
			return nil, 0, invalid("unknown risk level %q", filter.RiskLevel)
		}
	}
	return s.store.ListIdentities(ctx, projectID, filter)
}

// loadIdentity fetches an identity of projectID and checks action on it.
// Identities of other projects are reported as not found.
func (s *Service) loadIdentity(ctx context.Context, actor models.Actor, projectID string, id uuid.UUID, action auth.Action) (*models.Identity, error) {
	if err := s.authorize(ctx, actor, projectID, action); err != nil {
		return nil, err
	}
	identity, err := s.store.GetIdentity(ctx, id)
	if err != nil {
		return nil, err
	}
	if identity.ProjectID != projectID {
		return nil, ErrNotFound
	}
	return identity, nil
}

func (s *Service) GetIdentity(ctx context.Context, actor models.Actor, projectID string, id uuid.UUID) (*models.Identity, error) {
	return s.loadIdentity(ctx, actor, projectID, id, auth.ActionRead)
}

type UpdateIdentityInput struct {
	OwnerEmail *string                `json:"owner_email,omitempty"`
	Status     *models.IdentityStatus `json:"status,omitempty"`
}

// UpdateIdentity patches owner and status. A changed owner rescores the identity.
func (s *Service) UpdateIdentity(ctx context.Context, actor models.Actor, projectID string, id uuid.UUID, in UpdateIdentityInput) (*models.Identity, error) {
	identity, err := s.loadIdentity(ctx, actor, projectID, id, auth.ActionRemediate)
	if err != nil {
		return nil, err
	}
	if in.Status != nil && !in.Status.Valid() {
		return nil, invalid("unknown status %q", *in.Status)
	}

	if in.OwnerEmail != nil {
		owner := strings.TrimSpace(*in.OwnerEmail)
		if owner != "" && !strings.Contains(owner, "@") {
			return nil, invalid("owner_email must be an email address")
		}
		identity.OwnerEmail = models.StringPtr(owner)
		risk.Apply(identity)
		if err := s.store.UpdateIdentityOwner(ctx, identity); err != nil {
			return nil, err
		}
	}
	if in.Status != nil && *in.Status != identity.Status {
		if err := s.store.UpdateIdentityStatus(ctx, identity.ID, *in.Status); err != nil {
			return nil, err
		}
		identity.Status = *in.Status
	}
	return identity, nil
}

// AcceptRisk records that actor accepts the identity's current risk.
func (s *Service) AcceptRisk(ctx context.Context, actor models.Actor, projectID string, id uuid.UUID, reason string, expiresAt *time.Time) (*models.Identity, error) {
	identity, err := s.loadIdentity(ctx, actor, projectID, id, auth.ActionRemediate)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid("reason is required")
	}
	if expiresAt != nil && !expiresAt.After(s.now()) {
		return nil, invalid("expires_at must be in the future")
	}
	if err := s.store.AcceptRisk(ctx, identity.ID, actor.ID, reason, expiresAt); err != nil {
		return nil, err
	}
	return s.store.GetIdentity(ctx, identity.ID)
}

func (s *Service) RevokeRiskAcceptance(ctx context.Context, actor models.Actor, projectID string, id uuid.UUID) (*models.Identity, error) {
	identity, err := s.loadIdentity(ctx, actor, projectID, id, auth.ActionRemediate)
	if err != nil {
		return nil, err
	}
	if err := s.store.RevokeRiskAcceptance(ctx, identity.ID); err != nil {
		return nil, err
	}
	return s.store.GetIdentity(ctx, identity.ID)
}

func (s *Service) Stats(ctx context.Context, actor models.Actor, projectID string) (*models.Stats, error) {
	if err := s.authorize(ctx, actor, projectID, auth.ActionRead); err != nil {
		return nil, err
	}
	return s.store.GetStats(ctx, projectID)
}

func (s *Service) RecommendedActions(ctx context.Context, actor models.Actor, projectID string, id uuid.UUID) ([]remediation.Recommendation, error) {
	identity, err := s.loadIdentity(ctx, actor, projectID, id, auth.ActionRead)
	if err != nil {
		return nil, err
	}
	return remediation.RecommendedActions(identity), nil
}

// ExecuteRemediation runs actionType against an identity of projectID on
// behalf of actor. Executor failures are reported on the returned action.
func (s *Service) ExecuteRemediation(ctx context.Context, actor models.Actor, projectID string, identityID uuid.UUID, actionType models.RemediationActionType) (*models.RemediationAction, error) {
	identity, err := s.loadIdentity(ctx, actor, projectID, identityID, auth.ActionRemediate)
	if err != nil {
		return nil, err
	}
	if !actionType.Valid() {
		return nil, invalid("unknown action type %q", actionType)
	}
	var factor *string
	for _, rec := range remediation.RecommendedActions(identity) {
		if rec.ActionType == actionType {
			factor = models.StringPtr(rec.RiskFactor)
			break
		}
	}
	action, err := s.remediator.Execute(ctx, remediation.ExecuteRequest{
		IdentityID:  identity.ID,
		ProjectID:   projectID,
		ActionType:  actionType,
		TriggeredBy: actor.ID,
		RiskFactor:  factor,
		Actor:       actor,
	})
	if errors.Is(err, remediation.ErrIdentityNotFound) {
		return nil, ErrNotFound
	}
	return action, err
}

func (s *Service) RemediationHistory(ctx context.Context, actor models.Actor, projectID string, identityID uuid.UUID) ([]models.RemediationAction, error) {
	if err := s.authorize(ctx, actor, projectID, auth.ActionRead); err != nil {
		return nil, err
	}
	return s.remediator.ListActions(ctx, projectID, identityID)
}

// RemediationAction returns one remediation action of the project.
func (s *Service) RemediationAction(ctx context.Context, actor models.Actor, projectID string, actionID uuid.UUID) (*models.RemediationAction, error) {
	if err := s.authorize(ctx, actor, projectID, auth.ActionRead); err != nil {
		return nil, err
	}
	action, err := s.store.GetRemediationAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.ProjectID != projectID {
		return nil, fmt.Errorf("remediation action: %w", ErrNotFound)
	}
	return action, nil
}
