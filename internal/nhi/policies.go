package nhi

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/qualys/nhi/internal/auth"
	"github.com/qualys/nhi/internal/models"
	"github.com/qualys/nhi/internal/policy"
)

type PolicyInput struct {
	Name                   string                        `json:"name"`
	Description            *string                       `json:"description,omitempty"`
	IsEnabled              *bool                         `json:"is_enabled,omitempty"`
	ConditionRiskFactors   []string                      `json:"condition_risk_factors,omitempty"`
	ConditionMinRiskScore  *int                          `json:"condition_min_risk_score,omitempty"`
	ConditionIdentityTypes []string                      `json:"condition_identity_types,omitempty"`
	ConditionProviders     []string                      `json:"condition_providers,omitempty"`
	ActionRemediate        *models.RemediationActionType `json:"action_remediate,omitempty"`
	ActionFlag             bool                          `json:"action_flag"`
}

func (in PolicyInput) apply(p *models.Policy) {
	p.Name = in.Name
	p.Description = in.Description
	p.IsEnabled = in.IsEnabled == nil || *in.IsEnabled
	p.ConditionRiskFactors = models.StringArray(in.ConditionRiskFactors)
	p.ConditionMinRiskScore = in.ConditionMinRiskScore
	p.ConditionIdentityTypes = models.StringArray(in.ConditionIdentityTypes)
	p.ConditionProviders = models.StringArray(in.ConditionProviders)
	p.ActionRemediate = in.ActionRemediate
	p.ActionFlag = in.ActionFlag
}

func validatePolicy(p *models.Policy) error {
	if err := policy.Validate(p); err != nil {
		if errors.Is(err, policy.ErrInvalidPolicy) {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return err
	}
	return nil
}

func (s *Service) CreatePolicy(ctx context.Context, actor models.Actor, projectID string, in PolicyInput) (*models.Policy, error) {
	if err := s.authorize(ctx, actor, projectID, auth.ActionManage); err != nil {
		return nil, err
	}
	p := &models.Policy{ProjectID: projectID}
	in.apply(p)
	if err := validatePolicy(p); err != nil {
		return nil, err
	}
	if err := s.store.CreatePolicy(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("policy created", "policy_id", p.ID, "project_id", projectID, "action", p.ActionTaken())
	return p, nil
}

func (s *Service) loadPolicy(ctx context.Context, actor models.Actor, projectID string, id uuid.UUID, action auth.Action) (*models.Policy, error) {
	if err := s.authorize(ctx, actor, projectID, action); err != nil {
		return nil, err
	}
	p, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.ProjectID != projectID {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *Service) GetPolicy(ctx context.Context, actor models.Actor, projectID string, id uuid.UUID) (*models.Policy, error) {
	return s.loadPolicy(ctx, actor, projectID, id, auth.ActionRead)
}

func (s *Service) ListPolicies(ctx context.Context, actor models.Actor, projectID string) ([]models.Policy, error) {
	if err := s.authorize(ctx, actor, projectID, auth.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListPolicies(ctx, projectID)
}

func (s *Service) UpdatePolicy(ctx context.Context, actor models.Actor, projectID string, id uuid.UUID, in PolicyInput) (*models.Policy, error) {
	p, err := s.loadPolicy(ctx, actor, projectID, id, auth.ActionManage)
	if err != nil {
		return nil, err
	}
	in.apply(p)
	if err := validatePolicy(p); err != nil {
		return nil, err
	}
	if err := s.store.UpdatePolicy(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) DeletePolicy(ctx context.Context, actor models.Actor, projectID string, id uuid.UUID) error {
	if _, err := s.loadPolicy(ctx, actor, projectID, id, auth.ActionManage); err != nil {
		return err
	}
	return s.store.DeletePolicy(ctx, id)
}

func (s *Service) PolicyExecutions(ctx context.Context, actor models.Actor, projectID string, id uuid.UUID, limit int) ([]models.PolicyExecutionView, error) {
	if _, err := s.loadPolicy(ctx, actor, projectID, id, auth.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListPolicyExecutions(ctx, id, limit)
}

func (s *Service) RecentExecutions(ctx context.Context, actor models.Actor, projectID string, limit int) ([]models.PolicyExecutionView, error) {
	if err := s.authorize(ctx, actor, projectID, auth.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListRecentExecutions(ctx, projectID, limit)
}
