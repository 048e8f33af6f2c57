package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/nhi/internal/connectors"
	"github.com/qualys/nhi/internal/metrics"
	"github.com/qualys/nhi/internal/models"
	"github.com/qualys/nhi/internal/risk"
)

// ErrIdentityNotFound is returned when the identity does not exist in the project.
var ErrIdentityNotFound = errors.New("identity not found")

// Store defines the interface for remediation persistence
type Store interface {
	GetIdentity(ctx context.Context, id uuid.UUID) (*models.Identity, error)
	GetSource(ctx context.Context, id uuid.UUID) (*models.Source, error)
	CreateRemediationAction(ctx context.Context, action *models.RemediationAction) error
	UpdateRemediationAction(ctx context.Context, action *models.RemediationAction) error
	UpdateIdentityRemediation(ctx context.Context, identity *models.Identity) error
	ListRemediationActions(ctx context.Context, projectID string, identityID uuid.UUID) ([]models.RemediationAction, error)
}

// ExecuteRequest asks for one action against one identity.
type ExecuteRequest struct {
	IdentityID  uuid.UUID
	ProjectID   string
	ActionType  models.RemediationActionType
	TriggeredBy string
	RiskFactor  *string
	Actor       models.Actor
}

// Service provides remediation management capabilities
type Service struct {
	store       Store
	resolver    connectors.CredentialResolver
	remediators map[models.Provider]Remediator
	timeout     time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a new remediation service
func NewService(store Store, resolver connectors.CredentialResolver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		resolver:    resolver,
		remediators: make(map[models.Provider]Remediator),
		logger:      logger,
		now:         time.Now,
	}
}

// RegisterRemediator registers a remediator for a specific provider
func (s *Service) RegisterRemediator(provider models.Provider, remediator Remediator) {
	s.remediators[provider] = remediator
}

// SetActionTimeout bounds each executor call. Zero disables the bound.
func (s *Service) SetActionTimeout(d time.Duration) {
	s.timeout = d
}

// Execute records and runs a remediation action. Once the action row exists
// every outcome is reported through its status; an error is returned only
// when the identity cannot be loaded or the action cannot be recorded.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (*models.RemediationAction, error) {
	identity, err := s.store.GetIdentity(ctx, req.IdentityID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting identity: %w", err)
	}
	if identity == nil || identity.ProjectID != req.ProjectID {
		return nil, ErrIdentityNotFound
	}

	now := s.now()
	action := &models.RemediationAction{
		ID:          uuid.New(),
		ProjectID:   req.ProjectID,
		IdentityID:  identity.ID,
		SourceID:    identity.SourceID,
		ActionType:  req.ActionType,
		Status:      models.RemediationStatusInProgress,
		TriggeredBy: req.TriggeredBy,
		RiskFactor:  req.RiskFactor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateRemediationAction(ctx, action); err != nil {
		return nil, fmt.Errorf("creating remediation action: %w", err)
	}

	s.logger.Info("remediation action started",
		"action_id", action.ID,
		"action_type", action.ActionType,
		"identity_id", identity.ID,
		"triggered_by", action.TriggeredBy)

	s.run(ctx, action, identity, req.Actor)
	return action, nil
}

func (s *Service) run(ctx context.Context, action *models.RemediationAction, identity *models.Identity, actor models.Actor) {
	source, err := s.store.GetSource(ctx, identity.SourceID)
	if err != nil {
		s.finish(ctx, action, models.RemediationStatusFailed, fmt.Sprintf("loading source: %v", err), nil)
		return
	}

	creds, err := s.resolver.Resolve(ctx, source.ConnectionID, actor)
	if err != nil {
		s.finish(ctx, action, models.RemediationStatusFailed, fmt.Sprintf("resolving connection: %v", err), nil)
		return
	}

	remediator, ok := s.remediators[identity.Provider]
	if !ok {
		s.finish(ctx, action, models.RemediationStatusFailed,
			fmt.Sprintf("no remediator registered for provider: %s", identity.Provider), nil)
		return
	}

	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	result, err := remediator.Execute(execCtx, creds, action.ActionType, identity.Metadata, identity.ExternalID)
	cancel()
	if err != nil {
		s.finish(ctx, action, models.RemediationStatusFailed, err.Error(), nil)
		return
	}
	if !result.Success {
		s.finish(ctx, action, models.RemediationStatusFailed, result.Message, result.Details)
		return
	}

	updated := workingCopy(identity, action.ActionType, result)
	before := identity.RiskScore
	after := risk.Apply(updated)
	updated.UpdatedAt = s.now()
	if err := s.store.UpdateIdentityRemediation(ctx, updated); err != nil {
		s.logger.Error("persisting remediated identity",
			"action_id", action.ID, "identity_id", identity.ID, "error", err)
	}

	details := models.JSONB{}
	for k, v := range result.Details {
		details[k] = v
	}
	details["risk_score_before"] = before
	details["risk_score_after"] = after.Score
	s.finish(ctx, action, models.RemediationStatusCompleted, result.Message, details)
}

func (s *Service) finish(ctx context.Context, action *models.RemediationAction, status models.RemediationStatus, msg string, details map[string]interface{}) {
	if !action.Status.CanTransitionTo(status) {
		s.logger.Warn("ignoring remediation status regression",
			"action_id", action.ID, "from", action.Status, "to", status)
		return
	}
	now := s.now()
	action.Status = status
	action.StatusMessage = models.StringPtr(msg)
	if details != nil {
		action.ResultMetadata = models.JSONB(details)
	}
	action.UpdatedAt = now
	action.CompletedAt = &now

	if err := s.store.UpdateRemediationAction(ctx, action); err != nil {
		s.logger.Error("updating remediation action", "action_id", action.ID, "error", err)
	}
	metrics.RemediationsTotal.WithLabelValues(string(action.ActionType), string(status)).Inc()

	if status == models.RemediationStatusFailed {
		s.logger.Warn("remediation action failed",
			"action_id", action.ID, "action_type", action.ActionType, "message", msg)
		return
	}
	s.logger.Info("remediation action completed",
		"action_id", action.ID, "action_type", action.ActionType, "message", msg)
}

// ListActions lists the remediation history of an identity, newest first.
func (s *Service) ListActions(ctx context.Context, projectID string, identityID uuid.UUID) ([]models.RemediationAction, error) {
	return s.store.ListRemediationActions(ctx, projectID, identityID)
}
