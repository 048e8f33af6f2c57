package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/qualys/nhi/internal/models"
	"github.com/qualys/nhi/internal/remediation"
	"github.com/qualys/nhi/internal/risk"
)

type fakeStore struct {
	policies   []models.Policy
	identities map[uuid.UUID]*models.Identity
	order      []uuid.UUID
	statusErr  error
	statusSets int
	executions []models.PolicyExecution
	triggered  []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{identities: make(map[uuid.UUID]*models.Identity)}
}

func (s *fakeStore) add(identity models.Identity) *models.Identity {
	identity.ID = uuid.New()
	identity.ProjectID = "proj"
	if identity.Status == "" {
		identity.Status = models.IdentityStatusActive
	}
	s.identities[identity.ID] = &identity
	s.order = append(s.order, identity.ID)
	return &identity
}

func (s *fakeStore) ListEnabledPolicies(ctx context.Context, projectID string) ([]models.Policy, error) {
	return s.policies, nil
}

func (s *fakeStore) ListIdentitiesBySource(ctx context.Context, sourceID uuid.UUID) ([]models.Identity, error) {
	out := make([]models.Identity, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.identities[id])
	}
	return out, nil
}

func (s *fakeStore) GetIdentity(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	identity, ok := s.identities[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *identity
	return &cp, nil
}

func (s *fakeStore) UpdateIdentityStatus(ctx context.Context, id uuid.UUID, status models.IdentityStatus) error {
	s.statusSets++
	if s.statusErr != nil {
		return s.statusErr
	}
	s.identities[id].Status = status
	return nil
}

func (s *fakeStore) CreatePolicyExecution(ctx context.Context, exec *models.PolicyExecution) error {
	s.executions = append(s.executions, *exec)
	return nil
}

func (s *fakeStore) MarkPoliciesTriggered(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	s.triggered = append(s.triggered, ids...)
	return nil
}

// fakeRemediator strips HAS_ADMIN_ACCESS from the stored identity, the way a
// successful admin-policy removal would.
type fakeRemediator struct {
	store    *fakeStore
	requests []remediation.ExecuteRequest
	fail     bool
}

func (r *fakeRemediator) Execute(ctx context.Context, req remediation.ExecuteRequest) (*models.RemediationAction, error) {
	r.requests = append(r.requests, req)
	action := &models.RemediationAction{ID: uuid.New(), IdentityID: req.IdentityID, ActionType: req.ActionType}
	if r.fail {
		action.Status = models.RemediationStatusFailed
		action.StatusMessage = models.StringPtr("access denied")
		return action, nil
	}
	identity := r.store.identities[req.IdentityID]
	var kept models.RiskFactors
	for _, f := range identity.RiskFactors {
		if f.Factor != risk.FactorHasAdminAccess {
			kept = append(kept, f)
		}
	}
	identity.RiskFactors = kept
	identity.RiskScore -= risk.Points(risk.FactorHasAdminAccess)
	action.Status = models.RemediationStatusCompleted
	return action, nil
}

type fakeNotifier struct {
	calls int
}

func (n *fakeNotifier) NotifyPolicyExecuted(ctx context.Context, projectID, policyName, identityName string,
	action models.PolicyAction, status models.ExecutionStatus, message string) error {
	n.calls++
	return errors.New("webhook down")
}

func adminIdentity(name string) models.Identity {
	return models.Identity{
		Name:      name,
		Type:      models.IdentityTypeIAMUser,
		Provider:  models.ProviderAWS,
		RiskScore: 75,
		RiskFactors: models.RiskFactors{
			{Factor: risk.FactorHasAdminAccess},
			{Factor: risk.FactorCredentialVeryOld},
			{Factor: risk.FactorInactiveButEnabled},
			{Factor: risk.FactorNoOwner},
			{Factor: risk.FactorUnusedLongTerm},
		},
	}
}

func plainIdentity(name string) models.Identity {
	return models.Identity{
		Name:        name,
		Type:        models.IdentityTypeGitHubDeployKey,
		Provider:    models.ProviderGitHub,
		RiskScore:   10,
		RiskFactors: models.RiskFactors{{Factor: risk.FactorNoOwner}},
	}
}

func policy(name string, created time.Time) models.Policy {
	return models.Policy{ID: uuid.New(), ProjectID: "proj", Name: name, IsEnabled: true, CreatedAt: created}
}

func remediateAction(a models.RemediationActionType) *models.RemediationActionType {
	return &a
}

func TestEngine_Evaluate_EmptyPolicyMatchesAll(t *testing.T) {
	store := newFakeStore()
	store.add(adminIdentity("admin"))
	store.add(plainIdentity("key"))
	p := policy("flag everything", time.Now())
	p.ActionFlag = true
	store.policies = []models.Policy{p}

	notifier := &fakeNotifier{}
	engine := NewEngine(store, &fakeRemediator{store: store}, notifier, nil)
	summary, err := engine.Evaluate(context.Background(), "proj", uuid.New(), uuid.New(), models.Actor{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if summary.Matches != 2 || len(store.executions) != 2 {
		t.Fatalf("expected 2 matches, got summary %+v and %d executions", summary, len(store.executions))
	}
	for _, identity := range store.identities {
		if identity.Status != models.IdentityStatusFlagged {
			t.Errorf("identity %s status = %s, want flagged", identity.Name, identity.Status)
		}
	}
	if notifier.calls != 2 {
		t.Errorf("notifier calls = %d, want 2", notifier.calls)
	}
	if len(store.triggered) != 1 || store.triggered[0] != p.ID {
		t.Errorf("triggered = %v", store.triggered)
	}
}

func TestEngine_Evaluate_RiskFactorFilter(t *testing.T) {
	store := newFakeStore()
	admin := store.add(adminIdentity("admin"))
	store.add(plainIdentity("key"))
	p := policy("admins", time.Now())
	p.ConditionRiskFactors = models.StringArray{risk.FactorHasAdminAccess}
	p.ActionRemediate = remediateAction(models.ActionRemoveAdminPoliciesUser)
	store.policies = []models.Policy{p}

	remediator := &fakeRemediator{store: store}
	engine := NewEngine(store, remediator, nil, nil)
	if _, err := engine.Evaluate(context.Background(), "proj", uuid.New(), uuid.New(), models.Actor{}); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if len(remediator.requests) != 1 {
		t.Fatalf("expected one remediation, got %d", len(remediator.requests))
	}
	req := remediator.requests[0]
	if req.IdentityID != admin.ID {
		t.Error("remediated the wrong identity")
	}
	if req.TriggeredBy != "policy:"+p.ID.String() {
		t.Errorf("triggered by = %s", req.TriggeredBy)
	}
	if req.RiskFactor == nil || *req.RiskFactor != risk.FactorHasAdminAccess {
		t.Errorf("risk factor = %v", req.RiskFactor)
	}

	exec := store.executions[0]
	if exec.ActionTaken != models.PolicyActionRemediate || exec.Status != models.ExecutionStatusCompleted {
		t.Errorf("unexpected execution %+v", exec)
	}
	if exec.RemediationActionID == nil {
		t.Error("expected remediation action id on execution")
	}
	if store.identities[admin.ID].Status != models.IdentityStatusActive {
		t.Error("remediate-only policy must not flag")
	}
}

func TestEngine_Evaluate_OrderAndSnapshot(t *testing.T) {
	store := newFakeStore()
	admin := store.add(adminIdentity("admin"))

	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	first := policy("strip admin", created)
	first.ConditionRiskFactors = models.StringArray{risk.FactorHasAdminAccess}
	first.ActionRemediate = remediateAction(models.ActionRemoveAdminPoliciesUser)

	second := policy("flag admins", created.Add(time.Hour))
	second.ConditionRiskFactors = models.StringArray{risk.FactorHasAdminAccess}
	second.ConditionMinRiskScore = intPtr(70)
	second.ActionFlag = true
	store.policies = []models.Policy{first, second}

	engine := NewEngine(store, &fakeRemediator{store: store}, nil, nil)
	if _, err := engine.Evaluate(context.Background(), "proj", uuid.New(), uuid.New(), models.Actor{}); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if len(store.executions) != 2 {
		t.Fatalf("expected both policies to match the snapshot, got %d executions", len(store.executions))
	}
	if store.executions[0].PolicyID != first.ID || store.executions[1].PolicyID != second.ID {
		t.Error("policies were not applied in creation order")
	}
	stored := store.identities[admin.ID]
	if stored.RiskFactors.Has(risk.FactorHasAdminAccess) || stored.RiskScore != 45 {
		t.Errorf("remediation effect lost: score %d factors %v", stored.RiskScore, stored.RiskFactors.Names())
	}
	if stored.Status != models.IdentityStatusFlagged {
		t.Errorf("status = %s, want flagged", stored.Status)
	}
	if len(store.triggered) != 2 {
		t.Errorf("triggered = %d policies, want 2", len(store.triggered))
	}
}

func TestEngine_Evaluate_FlagFailureStillRemediates(t *testing.T) {
	store := newFakeStore()
	store.add(adminIdentity("admin"))
	store.statusErr = errors.New("db down")
	p := policy("both", time.Now())
	p.ActionFlag = true
	p.ActionRemediate = remediateAction(models.ActionRemoveAdminPoliciesUser)
	store.policies = []models.Policy{p}

	remediator := &fakeRemediator{store: store}
	engine := NewEngine(store, remediator, nil, nil)
	summary, err := engine.Evaluate(context.Background(), "proj", uuid.New(), uuid.New(), models.Actor{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if len(remediator.requests) != 1 {
		t.Error("remediation should run after a flag failure")
	}
	exec := store.executions[0]
	if exec.Status != models.ExecutionStatusFailed || exec.StatusMessage == nil {
		t.Errorf("expected failed execution with message, got %+v", exec)
	}
	if exec.ActionTaken != models.PolicyActionRemediateAndFlag {
		t.Errorf("action taken = %s", exec.ActionTaken)
	}
	if summary.Failed != 1 {
		t.Errorf("summary failed = %d", summary.Failed)
	}
}

func TestEngine_Evaluate_RemediationFailure(t *testing.T) {
	store := newFakeStore()
	store.add(adminIdentity("admin"))
	p := policy("strip", time.Now())
	p.ActionRemediate = remediateAction(models.ActionRemoveAdminPoliciesUser)
	store.policies = []models.Policy{p}

	engine := NewEngine(store, &fakeRemediator{store: store, fail: true}, nil, nil)
	if _, err := engine.Evaluate(context.Background(), "proj", uuid.New(), uuid.New(), models.Actor{}); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	exec := store.executions[0]
	if exec.Status != models.ExecutionStatusFailed {
		t.Errorf("status = %s, want failed", exec.Status)
	}
	if exec.StatusMessage == nil || *exec.StatusMessage != "access denied" {
		t.Errorf("status message = %v", exec.StatusMessage)
	}
	if exec.RemediationActionID == nil {
		t.Error("failed remediation should still be linked")
	}
}

func TestEngine_Evaluate_AlreadyFlaggedSkipsStatusWrite(t *testing.T) {
	store := newFakeStore()
	identity := plainIdentity("key")
	identity.Status = models.IdentityStatusFlagged
	store.add(identity)
	p := policy("flag", time.Now())
	p.ActionFlag = true
	store.policies = []models.Policy{p}

	engine := NewEngine(store, &fakeRemediator{store: store}, nil, nil)
	if _, err := engine.Evaluate(context.Background(), "proj", uuid.New(), uuid.New(), models.Actor{}); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if store.statusSets != 0 {
		t.Errorf("status writes = %d, want 0", store.statusSets)
	}
	if store.executions[0].Status != models.ExecutionStatusCompleted {
		t.Errorf("execution status = %s", store.executions[0].Status)
	}
}

func TestEngine_Evaluate_NoPolicies(t *testing.T) {
	store := newFakeStore()
	store.add(adminIdentity("admin"))

	engine := NewEngine(store, &fakeRemediator{store: store}, nil, nil)
	summary, err := engine.Evaluate(context.Background(), "proj", uuid.New(), uuid.New(), models.Actor{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if summary.Matches != 0 || len(store.executions) != 0 || len(store.triggered) != 0 {
		t.Errorf("expected no work, got %+v", summary)
	}
}

func intPtr(v int) *int { return &v }
