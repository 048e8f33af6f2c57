package models

type RemediationActionType string

const (
	ActionDeactivateAccessKey     RemediationActionType = "deactivate_access_key"
	ActionDeleteAccessKey         RemediationActionType = "delete_access_key"
	ActionDeactivateAllAccessKeys RemediationActionType = "deactivate_all_access_keys"
	ActionRemoveAdminPoliciesUser RemediationActionType = "remove_admin_policies_user"
	ActionRemoveAdminPoliciesRole RemediationActionType = "remove_admin_policies_role"
	ActionDeleteDeployKey         RemediationActionType = "delete_deploy_key"
	ActionRevokeFinegrainedPat    RemediationActionType = "revoke_finegrained_pat"
	ActionSuspendAppInstallation  RemediationActionType = "suspend_app_installation"
)

// AllRemediationActions lists every action type in catalog order.
var AllRemediationActions = []RemediationActionType{
	ActionDeactivateAccessKey,
	ActionDeleteAccessKey,
	ActionDeactivateAllAccessKeys,
	ActionRemoveAdminPoliciesUser,
	ActionRemoveAdminPoliciesRole,
	ActionDeleteDeployKey,
	ActionRevokeFinegrainedPat,
	ActionSuspendAppInstallation,
}

func (a RemediationActionType) Valid() bool {
	for _, known := range AllRemediationActions {
		if a == known {
			return true
		}
	}
	return false
}

type RemediationStatus string

const (
	RemediationStatusPending    RemediationStatus = "pending"
	RemediationStatusInProgress RemediationStatus = "in_progress"
	RemediationStatusCompleted  RemediationStatus = "completed"
	RemediationStatusFailed     RemediationStatus = "failed"
)

func (s RemediationStatus) rank() int {
	switch s {
	case RemediationStatusPending:
		return 0
	case RemediationStatusInProgress:
		return 1
	case RemediationStatusCompleted, RemediationStatusFailed:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next keeps the status moving forward.
func (s RemediationStatus) CanTransitionTo(next RemediationStatus) bool {
	from, to := s.rank(), next.rank()
	if from < 0 || to < 0 {
		return false
	}
	return to > from
}

// Actor identifies who triggered an operation: a user session, an API token,
// or the scheduler acting on behalf of a source's creator.
type Actor struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	OrgID      string `json:"org_id"`
	AuthMethod string `json:"auth_method,omitempty"`
}

const (
	ActorTypeUser     = "user"
	ActorTypeService  = "service"
	ActorTypeSchedule = "scheduler"
)

// PolicyTrigger is the triggeredBy value recorded for policy-driven remediations.
func PolicyTrigger(policyID string) string {
	return "policy:" + policyID
}
