package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/qualys/nhi/internal/models"
	"github.com/qualys/nhi/internal/risk"
)

// ErrInvalidPolicy wraps every validation failure.
var ErrInvalidPolicy = errors.New("invalid policy")

var knownTypes = map[string]bool{
	string(models.IdentityTypeIAMUser):               true,
	string(models.IdentityTypeIAMRole):               true,
	string(models.IdentityTypeIAMAccessKey):          true,
	string(models.IdentityTypeGitHubAppInstallation): true,
	string(models.IdentityTypeGitHubDeployKey):       true,
	string(models.IdentityTypeGitHubFinegrainedPAT):  true,
}

// Validate checks a policy before it is stored.
func Validate(p *models.Policy) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	}
	if p.ConditionMinRiskScore != nil && (*p.ConditionMinRiskScore < 0 || *p.ConditionMinRiskScore > risk.MaxScore) {
		return fmt.Errorf("%w: min risk score must be between 0 and %d", ErrInvalidPolicy, risk.MaxScore)
	}
	for _, f := range p.ConditionRiskFactors {
		if risk.Points(f) == 0 {
			return fmt.Errorf("%w: unknown risk factor %q", ErrInvalidPolicy, f)
		}
	}
	for _, t := range p.ConditionIdentityTypes {
		if !knownTypes[t] {
			return fmt.Errorf("%w: unknown identity type %q", ErrInvalidPolicy, t)
		}
	}
	for _, pr := range p.ConditionProviders {
		if pr != string(models.ProviderAWS) && pr != string(models.ProviderGitHub) {
			return fmt.Errorf("%w: unknown provider %q", ErrInvalidPolicy, pr)
		}
	}
	remediate := p.ActionRemediate != nil && *p.ActionRemediate != ""
	if remediate && !p.ActionRemediate.Valid() {
		return fmt.Errorf("%w: unknown remediation action %q", ErrInvalidPolicy, *p.ActionRemediate)
	}
	if !remediate && !p.ActionFlag {
		return fmt.Errorf("%w: at least one of flag or remediate is required", ErrInvalidPolicy)
	}
	return nil
}
