package remediation

import (
	"github.com/qualys/nhi/internal/models"
)

// workingCopy returns a copy of identity reflecting the effect of a
// successful action. The original is not modified.
func workingCopy(identity *models.Identity, actionType models.RemediationActionType, result *ExecuteResult) *models.Identity {
	updated := *identity
	updated.Metadata = identity.Metadata.Clone()
	updated.Policies = append(models.StringArray(nil), identity.Policies...)

	switch actionType {
	case models.ActionDeactivateAccessKey:
		if aws := updated.Metadata.AWS; aws != nil {
			aws.KeyStatus = "Inactive"
		}
	case models.ActionDeleteAccessKey:
		if aws := updated.Metadata.AWS; aws != nil {
			aws.KeyStatus = "Deleted"
		}
	case models.ActionDeactivateAllAccessKeys:
		if aws := updated.Metadata.AWS; aws != nil {
			deactivated := toSet(detailStrings(result, "deactivated_keys"))
			for i := range aws.AccessKeys {
				if deactivated[aws.AccessKeys[i].AccessKeyID] {
					aws.AccessKeys[i].Status = "Inactive"
				}
			}
		}
	case models.ActionRemoveAdminPoliciesUser, models.ActionRemoveAdminPoliciesRole:
		detached := toSet(detailStrings(result, "detached_policies"))
		kept := updated.Policies[:0]
		for _, p := range updated.Policies {
			if !detached[p] {
				kept = append(kept, p)
			}
		}
		updated.Policies = kept
		if aws := updated.Metadata.AWS; aws != nil {
			var attached []models.AttachedPolicy
			for _, p := range aws.AttachedPolicies {
				if !detached[p.PolicyArn] {
					attached = append(attached, p)
				}
			}
			aws.AttachedPolicies = attached
		}
	case models.ActionDeleteDeployKey:
		if gh := updated.Metadata.GitHub; gh != nil {
			gh.Deleted = true
		}
	case models.ActionRevokeFinegrainedPat:
		if gh := updated.Metadata.GitHub; gh != nil {
			gh.Revoked = true
		}
	case models.ActionSuspendAppInstallation:
		if gh := updated.Metadata.GitHub; gh != nil {
			gh.Suspended = true
		}
	}
	if updated.Metadata.CredentialRemoved() {
		updated.Status = models.IdentityStatusInactive
	}
	return &updated
}

func detailStrings(result *ExecuteResult, key string) []string {
	if result == nil || result.Details == nil {
		return nil
	}
	switch v := result.Details[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}
