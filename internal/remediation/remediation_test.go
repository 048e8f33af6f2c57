package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/google/uuid"

	"github.com/qualys/nhi/internal/connectors"
	"github.com/qualys/nhi/internal/connectors/aws/awstest"
	"github.com/qualys/nhi/internal/models"
	"github.com/qualys/nhi/internal/risk"
)

var awsCreds = &connectors.Credentials{
	Provider: models.ProviderAWS,
	AWS:      &connectors.AWSCredentials{Region: "us-east-1"},
}

type fakeStore struct {
	mu         sync.Mutex
	identities map[uuid.UUID]*models.Identity
	sources    map[uuid.UUID]*models.Source
	actions    map[uuid.UUID]models.RemediationAction
	updates    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		identities: map[uuid.UUID]*models.Identity{},
		sources:    map[uuid.UUID]*models.Source{},
		actions:    map[uuid.UUID]models.RemediationAction{},
	}
}

func (f *fakeStore) GetIdentity(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.identities[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *i
	return &cp, nil
}

func (f *fakeStore) GetSource(ctx context.Context, id uuid.UUID) (*models.Source, error) {
	s, ok := f.sources[id]
	if !ok {
		return nil, errors.New("source not found")
	}
	return s, nil
}

func (f *fakeStore) CreateRemediationAction(ctx context.Context, a *models.RemediationAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions[a.ID] = *a
	return nil
}

func (f *fakeStore) UpdateRemediationAction(ctx context.Context, a *models.RemediationAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions[a.ID] = *a
	return nil
}

func (f *fakeStore) UpdateIdentityRemediation(ctx context.Context, i *models.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *i
	f.identities[i.ID] = &cp
	f.updates++
	return nil
}

func (f *fakeStore) ListRemediationActions(ctx context.Context, projectID string, identityID uuid.UUID) ([]models.RemediationAction, error) {
	var out []models.RemediationAction
	for _, a := range f.actions {
		if a.IdentityID == identityID {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeResolver struct {
	creds *connectors.Credentials
	err   error
}

func (r *fakeResolver) Resolve(ctx context.Context, connectionID uuid.UUID, actor models.Actor) (*connectors.Credentials, error) {
	return r.creds, r.err
}

func TestAWSRemediator_DeactivateAllAccessKeys_NoActiveKeys(t *testing.T) {
	fake := awstest.NewIAM()
	fake.Keys["ci"] = []iamtypes.AccessKeyMetadata{
		{AccessKeyId: aws.String("AKIAOLD"), Status: iamtypes.StatusTypeInactive},
	}
	r := NewAWSRemediator(fake.Factory(), nil)

	meta := models.IdentityMetadata{AWS: &models.AWSMetadata{Arn: "arn:aws:iam::123456789012:user/ci"}}
	result, err := r.Execute(context.Background(), awsCreds, models.ActionDeactivateAllAccessKeys, meta, "")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Success || result.Message != "No active access keys found" {
		t.Errorf("unexpected result %+v", result)
	}
	updated, deleted, detached := fake.Calls()
	if len(updated)+len(deleted)+len(detached) != 0 {
		t.Errorf("expected no mutating calls, got %v %v %v", updated, deleted, detached)
	}
}

func TestAWSRemediator_DeactivateAllAccessKeys(t *testing.T) {
	fake := awstest.NewIAM()
	fake.Keys["ci"] = []iamtypes.AccessKeyMetadata{
		{AccessKeyId: aws.String("AKIA1"), Status: iamtypes.StatusTypeActive},
		{AccessKeyId: aws.String("AKIA2"), Status: iamtypes.StatusTypeActive},
		{AccessKeyId: aws.String("AKIA3"), Status: iamtypes.StatusTypeInactive},
	}
	r := NewAWSRemediator(fake.Factory(), nil)

	meta := models.IdentityMetadata{AWS: &models.AWSMetadata{UserName: "ci"}}
	result, err := r.Execute(context.Background(), awsCreds, models.ActionDeactivateAllAccessKeys, meta, "")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Success || result.Details["deactivated_count"] != 2 {
		t.Errorf("unexpected result %+v", result)
	}
	updated, _, _ := fake.Calls()
	if len(updated) != 2 {
		t.Errorf("expected 2 keys deactivated, got %v", updated)
	}
}

func TestAWSRemediator_RemoveAdminPoliciesRole_PartialFailure(t *testing.T) {
	fake := awstest.NewIAM()
	fake.RolePolicies["app"] = []iamtypes.AttachedPolicy{
		{PolicyArn: aws.String(risk.AWSAdministratorAccessPolicy)},
		{PolicyArn: aws.String("arn:aws:iam::123456789012:policy/all:*")},
		{PolicyArn: aws.String("arn:aws:iam::aws:policy/ReadOnlyAccess")},
	}
	fake.DetachErr["arn:aws:iam::123456789012:policy/all:*"] = true
	r := NewAWSRemediator(fake.Factory(), nil)

	meta := models.IdentityMetadata{AWS: &models.AWSMetadata{RoleName: "app"}}
	result, err := r.Execute(context.Background(), awsCreds, models.ActionRemoveAdminPoliciesRole, meta, "")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Details["detached_count"] != 1 {
		t.Errorf("detached_count = %v, want 1", result.Details["detached_count"])
	}
	_, _, detached := fake.Calls()
	if len(detached) != 1 || detached[0] != risk.AWSAdministratorAccessPolicy {
		t.Errorf("detached = %v", detached)
	}
}

func TestAWSRemediator_ValidationFailures(t *testing.T) {
	r := NewAWSRemediator(awstest.NewIAM().Factory(), nil)

	tests := []struct {
		name   string
		action models.RemediationActionType
		meta   models.IdentityMetadata
	}{
		{"deactivate without key id", models.ActionDeactivateAccessKey, models.IdentityMetadata{AWS: &models.AWSMetadata{UserName: "ci"}}},
		{"delete without user", models.ActionDeleteAccessKey, models.IdentityMetadata{AWS: &models.AWSMetadata{AccessKeyID: "AKIA"}}},
		{"role without name", models.ActionRemoveAdminPoliciesRole, models.IdentityMetadata{}},
		{"github action on aws", models.ActionDeleteDeployKey, models.IdentityMetadata{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := r.Execute(context.Background(), awsCreds, tt.action, tt.meta, "")
			if err != nil {
				t.Fatalf("expected failure result, got error %v", err)
			}
			if result.Success {
				t.Error("expected Success=false")
			}
		})
	}
}

func TestGitHubRemediator(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
		body  map[string]string
	)
	mux := http.NewServeMux()
	record := func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodPost {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
	mux.HandleFunc("DELETE /repos/acme/api/keys/7", record)
	mux.HandleFunc("POST /orgs/acme/personal-access-tokens/99", record)
	mux.HandleFunc("PUT /app/installations/42/suspended", record)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	creds := &connectors.Credentials{
		Provider: models.ProviderGitHub,
		GitHub:   &connectors.GitHubCredentials{Token: "t", Org: "acme", BaseURL: srv.URL},
	}
	r := NewGitHubRemediator("", 0, nil)
	ctx := context.Background()

	res, err := r.Execute(ctx, creds, models.ActionDeleteDeployKey,
		models.IdentityMetadata{GitHub: &models.GitHubMetadata{RepoFullName: "acme/api", KeyID: 7}}, "github-deploy-key:acme/api:7")
	if err != nil || !res.Success {
		t.Fatalf("delete deploy key: %+v, %v", res, err)
	}
	res, err = r.Execute(ctx, creds, models.ActionRevokeFinegrainedPat, models.IdentityMetadata{}, "github-pat:acme:99")
	if err != nil || !res.Success {
		t.Fatalf("revoke pat: %+v, %v", res, err)
	}
	res, err = r.Execute(ctx, creds, models.ActionSuspendAppInstallation, models.IdentityMetadata{}, "github-app-installation:42")
	if err != nil || !res.Success {
		t.Fatalf("suspend installation: %+v, %v", res, err)
	}

	if len(calls) != 3 {
		t.Errorf("calls = %v", calls)
	}
	if body["action"] != "revoke" {
		t.Errorf("revoke body = %v", body)
	}

	res, err = r.Execute(ctx, creds, models.ActionRevokeFinegrainedPat, models.IdentityMetadata{}, "not-a-pat")
	if err != nil || res.Success {
		t.Errorf("expected failure result for malformed external id, got %+v, %v", res, err)
	}
	res, err = r.Execute(ctx, creds, models.ActionDeleteAccessKey, models.IdentityMetadata{}, "")
	if err != nil || res.Success {
		t.Errorf("expected failure result for unsupported action, got %+v, %v", res, err)
	}
}

func TestGitHubRemediator_AlreadyRemoved(t *testing.T) {
	mux := http.NewServeMux()
	gone := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
	}
	mux.HandleFunc("DELETE /repos/acme/api/keys/7", gone)
	mux.HandleFunc("POST /orgs/acme/personal-access-tokens/99", gone)
	mux.HandleFunc("PUT /app/installations/42/suspended", gone)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	creds := &connectors.Credentials{
		Provider: models.ProviderGitHub,
		GitHub:   &connectors.GitHubCredentials{Token: "t", Org: "acme", BaseURL: srv.URL},
	}
	r := NewGitHubRemediator("", 0, nil)

	tests := []struct {
		name       string
		action     models.RemediationActionType
		meta       models.IdentityMetadata
		externalID string
		wantErr    bool
	}{
		{
			name:       "deploy key",
			action:     models.ActionDeleteDeployKey,
			meta:       models.IdentityMetadata{GitHub: &models.GitHubMetadata{RepoFullName: "acme/api", KeyID: 7}},
			externalID: "github-deploy-key:acme/api:7",
		},
		{name: "fine-grained token", action: models.ActionRevokeFinegrainedPat, externalID: "github-pat:acme:99"},
		{name: "suspension is not a delete", action: models.ActionSuspendAppInstallation, externalID: "github-app-installation:42", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Execute(context.Background(), creds, tt.action, tt.meta, tt.externalID)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", res)
				}
				return
			}
			if err != nil || !res.Success {
				t.Fatalf("expected success, got %+v, %v", res, err)
			}
			if res.Details["already_removed"] != true {
				t.Errorf("details = %v", res.Details)
			}
		})
	}
}

func TestAWSRemediator_DeleteAccessKey(t *testing.T) {
	tests := []struct {
		name        string
		deleteErr   error
		wantErr     bool
		wantRemoved bool
	}{
		{name: "deleted"},
		{name: "already deleted", deleteErr: &iamtypes.NoSuchEntityException{Message: aws.String("key not found")}, wantRemoved: true},
		{name: "denied", deleteErr: errors.New("AccessDenied"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := awstest.NewIAM()
			if tt.deleteErr != nil {
				fake.DeleteErr["AKIA1"] = tt.deleteErr
			}
			r := NewAWSRemediator(fake.Factory(), nil)

			meta := models.IdentityMetadata{AWS: &models.AWSMetadata{UserName: "ci", AccessKeyID: "AKIA1"}}
			res, err := r.Execute(context.Background(), awsCreds, models.ActionDeleteAccessKey, meta, "")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", res)
				}
				return
			}
			if err != nil || !res.Success {
				t.Fatalf("expected success, got %+v, %v", res, err)
			}
			if got := res.Details["already_removed"] == true; got != tt.wantRemoved {
				t.Errorf("already_removed = %v, want %v", got, tt.wantRemoved)
			}
		})
	}
}

func seedAdminUser(store *fakeStore) *models.Identity {
	source := &models.Source{ID: uuid.New(), ProjectID: "proj", ConnectionID: uuid.New(), Provider: models.ProviderAWS}
	store.sources[source.ID] = source

	identity := &models.Identity{
		ID:         uuid.New(),
		ProjectID:  "proj",
		SourceID:   source.ID,
		ExternalID: "arn:aws:iam::123456789012:user/ci",
		Name:       "ci",
		Type:       models.IdentityTypeIAMUser,
		Provider:   models.ProviderAWS,
		Policies:   models.StringArray{risk.AWSAdministratorAccessPolicy},
		Metadata: models.IdentityMetadata{AWS: &models.AWSMetadata{
			UserName: "ci",
			AttachedPolicies: []models.AttachedPolicy{
				{PolicyName: "AdministratorAccess", PolicyArn: risk.AWSAdministratorAccessPolicy},
			},
		}},
	}
	risk.Apply(identity)
	store.identities[identity.ID] = identity
	return identity
}

func TestService_Execute_RecomputesRisk(t *testing.T) {
	store := newFakeStore()
	identity := seedAdminUser(store)
	fake := awstest.NewIAM()
	fake.UserPolicies["ci"] = []iamtypes.AttachedPolicy{{PolicyArn: aws.String(risk.AWSAdministratorAccessPolicy)}}

	svc := NewService(store, &fakeResolver{creds: awsCreds}, nil)
	svc.RegisterRemediator(models.ProviderAWS, NewAWSRemediator(fake.Factory(), nil))

	action, err := svc.Execute(context.Background(), ExecuteRequest{
		IdentityID:  identity.ID,
		ProjectID:   "proj",
		ActionType:  models.ActionRemoveAdminPoliciesUser,
		TriggeredBy: "user-1",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if action.Status != models.RemediationStatusCompleted {
		t.Fatalf("status = %s, message = %v", action.Status, action.StatusMessage)
	}
	if action.CompletedAt == nil {
		t.Error("expected completed_at")
	}

	stored := store.identities[identity.ID]
	if stored.RiskFactors.Has(risk.FactorHasAdminAccess) {
		t.Error("HAS_ADMIN_ACCESS should be gone after detaching admin policies")
	}
	if stored.RiskScore != identity.RiskScore-risk.Points(risk.FactorHasAdminAccess) {
		t.Errorf("risk score = %d, want %d", stored.RiskScore, identity.RiskScore-30)
	}
	if len(stored.Policies) != 0 || len(stored.Metadata.AWS.AttachedPolicies) != 0 {
		t.Errorf("policies not stripped: %v / %v", stored.Policies, stored.Metadata.AWS.AttachedPolicies)
	}
}

func TestService_Execute_DeletedDeployKeyCarriesNoRisk(t *testing.T) {
	store := newFakeStore()
	source := &models.Source{ID: uuid.New(), ProjectID: "proj", ConnectionID: uuid.New(), Provider: models.ProviderGitHub}
	store.sources[source.ID] = source
	writable := false
	identity := &models.Identity{
		ID:         uuid.New(),
		ProjectID:  "proj",
		SourceID:   source.ID,
		ExternalID: "github-deploy-key:acme/api:7",
		Name:       "ci deploy",
		Type:       models.IdentityTypeGitHubDeployKey,
		Provider:   models.ProviderGitHub,
		Status:     models.IdentityStatusActive,
		Metadata: models.IdentityMetadata{GitHub: &models.GitHubMetadata{
			RepoFullName: "acme/api",
			KeyID:        7,
			ReadOnly:     &writable,
		}},
	}
	risk.Apply(identity)
	if !identity.RiskFactors.Has(risk.FactorDeployKeyWriteAccess) || identity.RiskScore == 0 {
		t.Fatalf("seed identity should be risky, got %d %v", identity.RiskScore, identity.RiskFactors)
	}
	store.identities[identity.ID] = identity

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	creds := &connectors.Credentials{
		Provider: models.ProviderGitHub,
		GitHub:   &connectors.GitHubCredentials{Token: "t", Org: "acme", BaseURL: srv.URL},
	}
	svc := NewService(store, &fakeResolver{creds: creds}, nil)
	svc.RegisterRemediator(models.ProviderGitHub, NewGitHubRemediator("", 0, nil))

	action, err := svc.Execute(context.Background(), ExecuteRequest{
		IdentityID: identity.ID,
		ProjectID:  "proj",
		ActionType: models.ActionDeleteDeployKey,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if action.Status != models.RemediationStatusCompleted {
		t.Fatalf("status = %s, message = %v", action.Status, action.StatusMessage)
	}

	stored := store.identities[identity.ID]
	if stored.RiskFactors.Has(risk.FactorDeployKeyWriteAccess) {
		t.Error("DEPLOY_KEY_WRITE_ACCESS should be gone once the key is deleted")
	}
	if stored.RiskScore != 0 {
		t.Errorf("risk score = %d, want 0", stored.RiskScore)
	}
	if stored.Status != models.IdentityStatusInactive {
		t.Errorf("status = %s, want inactive", stored.Status)
	}
	if action.ResultMetadata["risk_score_after"] != 0 {
		t.Errorf("risk_score_after = %v", action.ResultMetadata["risk_score_after"])
	}
}

func TestService_Execute_ConnectionFailureLeavesIdentity(t *testing.T) {
	store := newFakeStore()
	identity := seedAdminUser(store)

	svc := NewService(store, &fakeResolver{err: &connectors.ConnectionError{Reason: "connection not found"}}, nil)
	svc.RegisterRemediator(models.ProviderAWS, NewAWSRemediator(awstest.NewIAM().Factory(), nil))

	action, err := svc.Execute(context.Background(), ExecuteRequest{
		IdentityID: identity.ID,
		ProjectID:  "proj",
		ActionType: models.ActionRemoveAdminPoliciesUser,
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if action.Status != models.RemediationStatusFailed || action.StatusMessage == nil {
		t.Fatalf("expected failed action with message, got %+v", action)
	}
	if store.updates != 0 {
		t.Error("identity must not be modified on failure")
	}
	if got := store.actions[action.ID].Status; got != models.RemediationStatusFailed {
		t.Errorf("persisted status = %s", got)
	}
}

func TestService_Execute_WrongProject(t *testing.T) {
	store := newFakeStore()
	identity := seedAdminUser(store)
	svc := NewService(store, &fakeResolver{creds: awsCreds}, nil)

	_, err := svc.Execute(context.Background(), ExecuteRequest{IdentityID: identity.ID, ProjectID: "other"})
	if !errors.Is(err, ErrIdentityNotFound) {
		t.Errorf("expected ErrIdentityNotFound, got %v", err)
	}
	if len(store.actions) != 0 {
		t.Error("no action should be recorded")
	}
}

func TestRecommendedActions(t *testing.T) {
	tests := []struct {
		name    string
		idType  models.IdentityType
		factors []string
		want    []models.RemediationActionType
	}{
		{"admin user", models.IdentityTypeIAMUser, []string{risk.FactorHasAdminAccess, risk.FactorCredentialOld},
			[]models.RemediationActionType{models.ActionRemoveAdminPoliciesUser, models.ActionDeactivateAllAccessKeys}},
		{"admin role", models.IdentityTypeIAMRole, []string{risk.FactorHasAdminAccess},
			[]models.RemediationActionType{models.ActionRemoveAdminPoliciesRole}},
		{"very old key", models.IdentityTypeIAMAccessKey, []string{risk.FactorCredentialVeryOld, risk.FactorInactiveButEnabled},
			[]models.RemediationActionType{models.ActionDeactivateAccessKey, models.ActionDeleteAccessKey}},
		{"writable deploy key", models.IdentityTypeGitHubDeployKey, []string{risk.FactorDeployKeyWriteAccess},
			[]models.RemediationActionType{models.ActionDeleteDeployKey}},
		{"pat", models.IdentityTypeGitHubFinegrainedPAT, []string{risk.FactorNoExpiration, risk.FactorNoOwner},
			[]models.RemediationActionType{models.ActionRevokeFinegrainedPat}},
		{"app", models.IdentityTypeGitHubAppInstallation, []string{risk.FactorOverlyPermissiveApp},
			[]models.RemediationActionType{models.ActionSuspendAppInstallation}},
		{"owner only", models.IdentityTypeIAMRole, []string{risk.FactorNoOwner}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			identity := &models.Identity{Type: tt.idType}
			for _, f := range tt.factors {
				identity.RiskFactors = append(identity.RiskFactors, models.RiskFactor{Factor: f, Severity: models.SeverityHigh})
			}
			got := RecommendedActions(identity)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d recommendations, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i].ActionType != tt.want[i] {
					t.Errorf("recommendation %d = %s, want %s", i, got[i].ActionType, tt.want[i])
				}
			}
		})
	}
}
