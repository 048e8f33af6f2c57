package policy

import (
	"errors"
	"testing"

	"github.com/qualys/nhi/internal/models"
	"github.com/qualys/nhi/internal/risk"
)

func TestMatches(t *testing.T) {
	admin := adminIdentity("admin")
	key := plainIdentity("key")

	tests := []struct {
		name     string
		policy   models.Policy
		identity models.Identity
		want     bool
	}{
		{"empty policy", models.Policy{}, key, true},
		{"factor present", models.Policy{ConditionRiskFactors: models.StringArray{risk.FactorHasAdminAccess}}, admin, true},
		{"factor absent", models.Policy{ConditionRiskFactors: models.StringArray{risk.FactorHasAdminAccess}}, key, false},
		{"any factor", models.Policy{ConditionRiskFactors: models.StringArray{risk.FactorNoExpiration, risk.FactorNoOwner}}, key, true},
		{"min score equal", models.Policy{ConditionMinRiskScore: intPtr(75)}, admin, true},
		{"min score above", models.Policy{ConditionMinRiskScore: intPtr(76)}, admin, false},
		{"type match", models.Policy{ConditionIdentityTypes: models.StringArray{"github_deploy_key"}}, key, true},
		{"type mismatch", models.Policy{ConditionIdentityTypes: models.StringArray{"iam_role"}}, key, false},
		{"provider match", models.Policy{ConditionProviders: models.StringArray{"aws"}}, admin, true},
		{"provider mismatch", models.Policy{ConditionProviders: models.StringArray{"aws"}}, key, false},
		{"all groups", models.Policy{
			ConditionRiskFactors:   models.StringArray{risk.FactorHasAdminAccess},
			ConditionMinRiskScore:  intPtr(50),
			ConditionIdentityTypes: models.StringArray{"iam_user"},
			ConditionProviders:     models.StringArray{"aws"},
		}, admin, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(&tt.policy, &tt.identity); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  models.Policy
		wantErr bool
	}{
		{"flag only", models.Policy{Name: "p", ActionFlag: true}, false},
		{"remediate only", models.Policy{Name: "p", ActionRemediate: remediateAction(models.ActionDeleteDeployKey)}, false},
		{"no name", models.Policy{ActionFlag: true}, true},
		{"no action", models.Policy{Name: "p"}, true},
		{"bad score", models.Policy{Name: "p", ActionFlag: true, ConditionMinRiskScore: intPtr(101)}, true},
		{"bad factor", models.Policy{Name: "p", ActionFlag: true, ConditionRiskFactors: models.StringArray{"NOPE"}}, true},
		{"bad type", models.Policy{Name: "p", ActionFlag: true, ConditionIdentityTypes: models.StringArray{"robot"}}, true},
		{"bad provider", models.Policy{Name: "p", ActionFlag: true, ConditionProviders: models.StringArray{"gcp"}}, true},
		{"bad action", models.Policy{Name: "p", ActionRemediate: remediateAction("reboot")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.policy)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPolicy) {
				t.Errorf("error %v does not wrap ErrInvalidPolicy", err)
			}
		})
	}
}
