package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/qualys/nhi/internal/models"
)

func (s *Store) CreateRemediationAction(ctx context.Context, action *models.RemediationAction) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO remediation_actions (id, project_id, identity_id, source_id, action_type, status,
			triggered_by, risk_factor, status_message, result_metadata, created_at, updated_at, completed_at)
		VALUES (:id, :project_id, :identity_id, :source_id, :action_type, :status,
			:triggered_by, :risk_factor, :status_message, :result_metadata, :created_at, :updated_at, :completed_at)
	`, action)
	if err != nil {
		return fmt.Errorf("inserting remediation action: %w", err)
	}
	return nil
}

// UpdateRemediationAction writes the outcome of an action. Rows already in a
// terminal state are left untouched.
func (s *Store) UpdateRemediationAction(ctx context.Context, action *models.RemediationAction) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE remediation_actions SET status = :status, status_message = :status_message,
			result_metadata = :result_metadata, updated_at = :updated_at, completed_at = :completed_at
		WHERE id = :id AND status NOT IN ('completed', 'failed')
	`, action)
	if err != nil {
		return fmt.Errorf("updating remediation action: %w", err)
	}
	return expectRow(res, "remediation action")
}

func (s *Store) GetRemediationAction(ctx context.Context, id uuid.UUID) (*models.RemediationAction, error) {
	var action models.RemediationAction
	if err := s.db.GetContext(ctx, &action, `SELECT * FROM remediation_actions WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "remediation action")
	}
	return &action, nil
}

// ListRemediationActions returns the actions taken on an identity, newest first.
func (s *Store) ListRemediationActions(ctx context.Context, projectID string, identityID uuid.UUID) ([]models.RemediationAction, error) {
	var actions []models.RemediationAction
	err := s.db.SelectContext(ctx, &actions, `
		SELECT * FROM remediation_actions
		WHERE project_id = $1 AND identity_id = $2
		ORDER BY created_at DESC
	`, projectID, identityID)
	if err != nil {
		return nil, fmt.Errorf("listing remediation actions: %w", err)
	}
	return actions, nil
}
