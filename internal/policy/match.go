package policy

import (
	"github.com/qualys/nhi/internal/models"
)

// Matches reports whether identity satisfies every condition group of
// policy. An empty or unset group is satisfied by any identity.
func Matches(policy *models.Policy, identity *models.Identity) bool {
	if len(policy.ConditionRiskFactors) > 0 {
		found := false
		for _, f := range policy.ConditionRiskFactors {
			if identity.RiskFactors.Has(f) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if policy.ConditionMinRiskScore != nil && identity.RiskScore < *policy.ConditionMinRiskScore {
		return false
	}
	if len(policy.ConditionIdentityTypes) > 0 && !contains(policy.ConditionIdentityTypes, string(identity.Type)) {
		return false
	}
	if len(policy.ConditionProviders) > 0 && !contains(policy.ConditionProviders, string(identity.Provider)) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
