// Package policy matches enabled policies against scanned identities and
// carries out their flag and remediate actions.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/nhi/internal/metrics"
	"github.com/qualys/nhi/internal/models"
	"github.com/qualys/nhi/internal/remediation"
)

// Store is the persistence the engine needs.
type Store interface {
	// ListEnabledPolicies returns enabled policies ordered by creation time ascending.
	ListEnabledPolicies(ctx context.Context, projectID string) ([]models.Policy, error)
	ListIdentitiesBySource(ctx context.Context, sourceID uuid.UUID) ([]models.Identity, error)
	GetIdentity(ctx context.Context, id uuid.UUID) (*models.Identity, error)
	UpdateIdentityStatus(ctx context.Context, id uuid.UUID, status models.IdentityStatus) error
	// CreatePolicyExecution inserts the row unless one already exists for
	// the same policy, identity and scan.
	CreatePolicyExecution(ctx context.Context, exec *models.PolicyExecution) error
	MarkPoliciesTriggered(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// Remediator runs the internal remediation flow.
type Remediator interface {
	Execute(ctx context.Context, req remediation.ExecuteRequest) (*models.RemediationAction, error)
}

// Notifier is told about every policy execution. Failures are logged only.
type Notifier interface {
	NotifyPolicyExecuted(ctx context.Context, projectID, policyName, identityName string,
		action models.PolicyAction, status models.ExecutionStatus, message string) error
}

// Summary reports what one evaluation pass did.
type Summary struct {
	Policies   int `json:"policies"`
	Identities int `json:"identities"`
	Matches    int `json:"matches"`
	Failed     int `json:"failed"`
}

type Engine struct {
	store      Store
	remediator Remediator
	notifier   Notifier
	logger     *slog.Logger
	now        func() time.Time
}

func NewEngine(store Store, remediator Remediator, notifier Notifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      store,
		remediator: remediator,
		notifier:   notifier,
		logger:     logger,
		now:        time.Now,
	}
}

// Evaluate applies every enabled policy of the project to the identities of
// the scanned source. Identities are processed one at a time, in order; the
// risk values used for matching are read once when an identity's turn starts.
// Only failures to load policies or identities are returned.
func (e *Engine) Evaluate(ctx context.Context, projectID string, scanID, sourceID uuid.UUID, actor models.Actor) (*Summary, error) {
	policies, err := e.store.ListEnabledPolicies(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing enabled policies: %w", err)
	}
	summary := &Summary{Policies: len(policies)}
	if len(policies) == 0 {
		return summary, nil
	}

	identities, err := e.store.ListIdentitiesBySource(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("listing identities: %w", err)
	}
	summary.Identities = len(identities)

	triggered := make(map[uuid.UUID]bool)
	for i := range identities {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("policy evaluation cancelled", "scan_id", scanID, "error", err)
			break
		}
		identity := e.snapshot(ctx, &identities[i])

		for j := range policies {
			policy := &policies[j]
			if !Matches(policy, identity) {
				continue
			}
			summary.Matches++
			triggered[policy.ID] = true

			exec := e.execute(ctx, policy, identity, scanID, actor)
			if exec.Status == models.ExecutionStatusFailed {
				summary.Failed++
			}
		}
	}

	if len(triggered) > 0 {
		ids := make([]uuid.UUID, 0, len(triggered))
		for j := range policies {
			if triggered[policies[j].ID] {
				ids = append(ids, policies[j].ID)
			}
		}
		if err := e.store.MarkPoliciesTriggered(ctx, ids, e.now()); err != nil {
			e.logger.Error("updating policy last triggered", "scan_id", scanID, "error", err)
		}
	}

	e.logger.Info("policy evaluation finished",
		"project_id", projectID,
		"scan_id", scanID,
		"policies", summary.Policies,
		"identities", summary.Identities,
		"matches", summary.Matches,
		"failed", summary.Failed)
	return summary, nil
}

// snapshot re-reads the identity so that its turn starts from current state.
func (e *Engine) snapshot(ctx context.Context, listed *models.Identity) *models.Identity {
	fresh, err := e.store.GetIdentity(ctx, listed.ID)
	if err != nil || fresh == nil {
		return listed
	}
	return fresh
}

// execute performs one match: flag, then remediate, then record and notify.
func (e *Engine) execute(ctx context.Context, policy *models.Policy, identity *models.Identity, scanID uuid.UUID, actor models.Actor) *models.PolicyExecution {
	exec := &models.PolicyExecution{
		ID:          uuid.New(),
		ProjectID:   policy.ProjectID,
		PolicyID:    policy.ID,
		IdentityID:  identity.ID,
		ScanID:      scanID,
		ActionTaken: policy.ActionTaken(),
		Status:      models.ExecutionStatusCompleted,
		CreatedAt:   e.now(),
	}
	var messages []string

	if policy.ActionFlag && identity.Status != models.IdentityStatusFlagged {
		if err := e.store.UpdateIdentityStatus(ctx, identity.ID, models.IdentityStatusFlagged); err != nil {
			exec.Status = models.ExecutionStatusFailed
			messages = append(messages, fmt.Sprintf("flagging identity: %v", err))
			e.logger.Warn("flagging identity", "policy_id", policy.ID, "identity_id", identity.ID, "error", err)
		} else {
			identity.Status = models.IdentityStatusFlagged
		}
	}

	if policy.ActionRemediate != nil && *policy.ActionRemediate != "" {
		factor := firstMatchingFactor(policy, identity)
		action, err := e.remediator.Execute(ctx, remediation.ExecuteRequest{
			IdentityID:  identity.ID,
			ProjectID:   policy.ProjectID,
			ActionType:  *policy.ActionRemediate,
			TriggeredBy: models.PolicyTrigger(policy.ID.String()),
			RiskFactor:  factor,
			Actor:       actor,
		})
		switch {
		case err != nil:
			exec.Status = models.ExecutionStatusFailed
			messages = append(messages, fmt.Sprintf("remediation: %v", err))
		case action != nil:
			exec.RemediationActionID = &action.ID
			if action.Status != models.RemediationStatusCompleted {
				exec.Status = models.ExecutionStatusFailed
			}
			if action.StatusMessage != nil {
				messages = append(messages, *action.StatusMessage)
			}
		}
	}

	if len(messages) > 0 {
		msg := messages[0]
		for _, m := range messages[1:] {
			msg += "; " + m
		}
		exec.StatusMessage = &msg
	}

	if err := e.store.CreatePolicyExecution(ctx, exec); err != nil {
		e.logger.Error("recording policy execution",
			"policy_id", policy.ID, "identity_id", identity.ID, "error", err)
	}
	metrics.PolicyExecutionsTotal.WithLabelValues(string(exec.ActionTaken), string(exec.Status)).Inc()

	if e.notifier != nil {
		msg := ""
		if exec.StatusMessage != nil {
			msg = *exec.StatusMessage
		}
		if err := e.notifier.NotifyPolicyExecuted(ctx, policy.ProjectID, policy.Name, identity.Name,
			exec.ActionTaken, exec.Status, msg); err != nil {
			e.logger.Warn("policy execution notification failed", "policy_id", policy.ID, "error", err)
		}
	}
	return exec
}

// firstMatchingFactor returns the first policy risk factor present on the identity.
func firstMatchingFactor(policy *models.Policy, identity *models.Identity) *string {
	for _, f := range policy.ConditionRiskFactors {
		if identity.RiskFactors.Has(f) {
			f := f
			return &f
		}
	}
	return nil
}
