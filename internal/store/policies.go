package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/qualys/nhi/internal/models"
)

func (s *Store) CreatePolicy(ctx context.Context, p *models.Policy) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	normalizePolicy(p)

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO policies (id, project_id, name, description, is_enabled, condition_risk_factors,
			condition_min_risk_score, condition_identity_types, condition_providers, action_remediate,
			action_flag, created_at, updated_at)
		VALUES (:id, :project_id, :name, :description, :is_enabled, :condition_risk_factors,
			:condition_min_risk_score, :condition_identity_types, :condition_providers, :action_remediate,
			:action_flag, :created_at, :updated_at)
	`, p)
	if err != nil {
		return fmt.Errorf("inserting policy: %w", err)
	}
	return nil
}

func (s *Store) GetPolicy(ctx context.Context, id uuid.UUID) (*models.Policy, error) {
	var p models.Policy
	if err := s.db.GetContext(ctx, &p, `SELECT * FROM policies WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "policy")
	}
	return &p, nil
}

func (s *Store) ListPolicies(ctx context.Context, projectID string) ([]models.Policy, error) {
	var policies []models.Policy
	err := s.db.SelectContext(ctx, &policies, `
		SELECT * FROM policies WHERE project_id = $1 ORDER BY created_at, id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing policies: %w", err)
	}
	return policies, nil
}

// ListEnabledPolicies returns the enabled policies of a project in creation
// order, which is the order they are evaluated in.
func (s *Store) ListEnabledPolicies(ctx context.Context, projectID string) ([]models.Policy, error) {
	var policies []models.Policy
	err := s.db.SelectContext(ctx, &policies, `
		SELECT * FROM policies WHERE project_id = $1 AND is_enabled ORDER BY created_at, id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing enabled policies: %w", err)
	}
	return policies, nil
}

func (s *Store) UpdatePolicy(ctx context.Context, p *models.Policy) error {
	p.UpdatedAt = time.Now()
	normalizePolicy(p)
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE policies SET name = :name, description = :description, is_enabled = :is_enabled,
			condition_risk_factors = :condition_risk_factors, condition_min_risk_score = :condition_min_risk_score,
			condition_identity_types = :condition_identity_types, condition_providers = :condition_providers,
			action_remediate = :action_remediate, action_flag = :action_flag, updated_at = :updated_at
		WHERE id = :id
	`, p)
	if err != nil {
		return fmt.Errorf("updating policy: %w", err)
	}
	return expectRow(res, "policy")
}

func (s *Store) DeletePolicy(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting policy: %w", err)
	}
	return expectRow(res, "policy")
}

// normalizePolicy replaces nil condition lists, which the columns reject.
func normalizePolicy(p *models.Policy) {
	if p.ConditionRiskFactors == nil {
		p.ConditionRiskFactors = models.StringArray{}
	}
	if p.ConditionIdentityTypes == nil {
		p.ConditionIdentityTypes = models.StringArray{}
	}
	if p.ConditionProviders == nil {
		p.ConditionProviders = models.StringArray{}
	}
}

// CreatePolicyExecution appends an audit row. A second row for the same
// policy, identity and scan is silently dropped.
func (s *Store) CreatePolicyExecution(ctx context.Context, exec *models.PolicyExecution) error {
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO policy_executions (id, project_id, policy_id, identity_id, scan_id, action_taken,
			remediation_action_id, status, status_message, created_at)
		VALUES (:id, :project_id, :policy_id, :identity_id, :scan_id, :action_taken,
			:remediation_action_id, :status, :status_message, :created_at)
		ON CONFLICT (policy_id, identity_id, scan_id) DO NOTHING
	`, exec)
	if err != nil {
		return fmt.Errorf("inserting policy execution: %w", err)
	}
	return nil
}

func (s *Store) MarkPoliciesTriggered(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE policies SET last_triggered_at = $2 WHERE id = ANY($1::uuid[])
	`, pq.Array(strs), at)
	if err != nil {
		return fmt.Errorf("marking policies triggered: %w", err)
	}
	return nil
}

const executionViewSQL = `
	SELECT pe.*, p.name AS policy_name, i.name AS identity_name
	FROM policy_executions pe
	LEFT JOIN policies p ON p.id = pe.policy_id
	LEFT JOIN identities i ON i.id = pe.identity_id
`

// ListPolicyExecutions returns the execution history of one policy, newest first.
func (s *Store) ListPolicyExecutions(ctx context.Context, policyID uuid.UUID, limit int) ([]models.PolicyExecutionView, error) {
	if limit <= 0 {
		limit = 50
	}
	var execs []models.PolicyExecutionView
	err := s.db.SelectContext(ctx, &execs, executionViewSQL+`
		WHERE pe.policy_id = $1 ORDER BY pe.created_at DESC LIMIT $2
	`, policyID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing policy executions: %w", err)
	}
	return execs, nil
}

// ListRecentExecutions returns the latest policy executions of a project.
func (s *Store) ListRecentExecutions(ctx context.Context, projectID string, limit int) ([]models.PolicyExecutionView, error) {
	if limit <= 0 {
		limit = 50
	}
	var execs []models.PolicyExecutionView
	err := s.db.SelectContext(ctx, &execs, executionViewSQL+`
		WHERE pe.project_id = $1 ORDER BY pe.created_at DESC LIMIT $2
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent executions: %w", err)
	}
	return execs, nil
}
