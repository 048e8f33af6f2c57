package remediation

import (
	"context"

	"github.com/qualys/nhi/internal/connectors"
	"github.com/qualys/nhi/internal/models"
	"github.com/qualys/nhi/internal/risk"
)

// ExecuteResult is the outcome of one executor call. Validation problems and
// unsupported actions are reported here with Success=false, not as errors.
type ExecuteResult struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func failed(msg string) *ExecuteResult {
	return &ExecuteResult{Success: false, Message: msg}
}

// Remediator performs provider-side remediation actions.
type Remediator interface {
	// Execute runs actionType against the identity described by metadata and
	// externalID. Network and API failures are returned as errors.
	Execute(ctx context.Context, creds *connectors.Credentials, actionType models.RemediationActionType,
		metadata models.IdentityMetadata, externalID string) (*ExecuteResult, error)
}

// ActionDefinition describes a remediation action type
type ActionDefinition struct {
	ActionType    models.RemediationActionType `json:"action_type"`
	Provider      models.Provider              `json:"provider"`
	Label         string                       `json:"label"`
	Description   string                       `json:"description"`
	IdentityTypes []models.IdentityType        `json:"identity_types"`
	RequiredMeta  []string                     `json:"required_metadata,omitempty"`
	Destructive   bool                         `json:"destructive"`
}

var definitions = []ActionDefinition{
	{
		ActionType:    models.ActionDeactivateAccessKey,
		Provider:      models.ProviderAWS,
		Label:         "Deactivate access key",
		Description:   "Set the IAM access key status to Inactive",
		IdentityTypes: []models.IdentityType{models.IdentityTypeIAMAccessKey},
		RequiredMeta:  []string{"access_key_id", "user_name"},
	},
	{
		ActionType:    models.ActionDeleteAccessKey,
		Provider:      models.ProviderAWS,
		Label:         "Delete access key",
		Description:   "Permanently delete the IAM access key",
		IdentityTypes: []models.IdentityType{models.IdentityTypeIAMAccessKey},
		RequiredMeta:  []string{"access_key_id", "user_name"},
		Destructive:   true,
	},
	{
		ActionType:    models.ActionDeactivateAllAccessKeys,
		Provider:      models.ProviderAWS,
		Label:         "Deactivate all access keys",
		Description:   "Deactivate every active access key of the IAM user",
		IdentityTypes: []models.IdentityType{models.IdentityTypeIAMUser},
	},
	{
		ActionType:    models.ActionRemoveAdminPoliciesUser,
		Provider:      models.ProviderAWS,
		Label:         "Remove admin policies",
		Description:   "Detach administrator and wildcard policies from the IAM user",
		IdentityTypes: []models.IdentityType{models.IdentityTypeIAMUser},
		RequiredMeta:  []string{"user_name"},
	},
	{
		ActionType:    models.ActionRemoveAdminPoliciesRole,
		Provider:      models.ProviderAWS,
		Label:         "Remove admin policies",
		Description:   "Detach administrator and wildcard policies from the IAM role",
		IdentityTypes: []models.IdentityType{models.IdentityTypeIAMRole},
		RequiredMeta:  []string{"role_name"},
	},
	{
		ActionType:    models.ActionDeleteDeployKey,
		Provider:      models.ProviderGitHub,
		Label:         "Delete deploy key",
		Description:   "Remove the deploy key from its repository",
		IdentityTypes: []models.IdentityType{models.IdentityTypeGitHubDeployKey},
		RequiredMeta:  []string{"repo_full_name", "key_id"},
		Destructive:   true,
	},
	{
		ActionType:    models.ActionRevokeFinegrainedPat,
		Provider:      models.ProviderGitHub,
		Label:         "Revoke token",
		Description:   "Revoke the organization's access for the fine-grained personal access token",
		IdentityTypes: []models.IdentityType{models.IdentityTypeGitHubFinegrainedPAT},
		Destructive:   true,
	},
	{
		ActionType:    models.ActionSuspendAppInstallation,
		Provider:      models.ProviderGitHub,
		Label:         "Suspend app installation",
		Description:   "Suspend the GitHub App installation for the organization",
		IdentityTypes: []models.IdentityType{models.IdentityTypeGitHubAppInstallation},
	},
}

// GetActionDefinitions returns all available remediation action definitions
func GetActionDefinitions() []ActionDefinition {
	out := make([]ActionDefinition, len(definitions))
	copy(out, definitions)
	return out
}

// Definition looks up the definition of an action type.
func Definition(actionType models.RemediationActionType) (ActionDefinition, bool) {
	for _, d := range definitions {
		if d.ActionType == actionType {
			return d, true
		}
	}
	return ActionDefinition{}, false
}

// Recommendation is a suggested remediation for one risk factor of an identity.
type Recommendation struct {
	ActionType  models.RemediationActionType `json:"action_type"`
	Label       string                       `json:"label"`
	Description string                       `json:"description"`
	Severity    models.Severity              `json:"severity"`
	RiskFactor  string                       `json:"risk_factor"`
}

// RecommendedActions derives suggested actions from the identity's current
// risk factors and type. Each action type appears at most once.
func RecommendedActions(identity *models.Identity) []Recommendation {
	var out []Recommendation
	seen := map[models.RemediationActionType]bool{}
	add := func(action models.RemediationActionType, factor models.RiskFactor) {
		if seen[action] {
			return
		}
		def, ok := Definition(action)
		if !ok {
			return
		}
		seen[action] = true
		out = append(out, Recommendation{
			ActionType:  action,
			Label:       def.Label,
			Description: def.Description,
			Severity:    factor.Severity,
			RiskFactor:  factor.Factor,
		})
	}

	for _, f := range identity.RiskFactors {
		switch f.Factor {
		case risk.FactorHasAdminAccess:
			switch identity.Type {
			case models.IdentityTypeIAMUser:
				add(models.ActionRemoveAdminPoliciesUser, f)
			case models.IdentityTypeIAMRole:
				add(models.ActionRemoveAdminPoliciesRole, f)
			}
		case risk.FactorCredentialVeryOld, risk.FactorCredentialOld,
			risk.FactorNoRotation90Days, risk.FactorInactiveButEnabled:
			switch identity.Type {
			case models.IdentityTypeIAMAccessKey:
				add(models.ActionDeactivateAccessKey, f)
				if f.Factor == risk.FactorCredentialVeryOld {
					add(models.ActionDeleteAccessKey, f)
				}
			case models.IdentityTypeIAMUser:
				add(models.ActionDeactivateAllAccessKeys, f)
			}
		case risk.FactorDeployKeyWriteAccess:
			add(models.ActionDeleteDeployKey, f)
		case risk.FactorNoExpiration:
			add(models.ActionRevokeFinegrainedPat, f)
		case risk.FactorOverlyPermissiveApp:
			add(models.ActionSuspendAppInstallation, f)
		}
	}
	return out
}

// alreadyRemoved reports a delete whose target no longer exists. The end
// state is the one asked for, so it counts as success.
func alreadyRemoved(msg string, details map[string]interface{}) *ExecuteResult {
	details["already_removed"] = true
	return &ExecuteResult{Success: true, Message: msg, Details: details}
}
