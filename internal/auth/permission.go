package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/qualys/nhi/internal/models"
)

// ErrForbidden is returned when an actor may not perform an action in a project.
var ErrForbidden = errors.New("forbidden")

// Action is an operation class checked against project roles.
type Action string

const (
	ActionRead      Action = "read"
	ActionScan      Action = "scan"
	ActionRemediate Action = "remediate"
	ActionManage    Action = "manage"
)

// ProjectRole is a user's role inside one project.
type ProjectRole string

const (
	ProjectRoleViewer ProjectRole = "viewer"
	ProjectRoleMember ProjectRole = "member"
	ProjectRoleAdmin  ProjectRole = "admin"
)

var roleActions = map[ProjectRole][]Action{
	ProjectRoleViewer: {ActionRead},
	ProjectRoleMember: {ActionRead, ActionScan, ActionRemediate},
	ProjectRoleAdmin:  {ActionRead, ActionScan, ActionRemediate, ActionManage},
}

// Allows reports whether role grants action.
func (r ProjectRole) Allows(action Action) bool {
	for _, a := range roleActions[r] {
		if a == action {
			return true
		}
	}
	return false
}

// MembershipStore looks up project roles.
type MembershipStore interface {
	GetProjectRole(ctx context.Context, projectID, userID string) (ProjectRole, error)
}

// PermissionChecker authorizes actors against project membership. Service
// actors (operator tooling) are trusted.
type PermissionChecker struct {
	store MembershipStore
}

func NewPermissionChecker(store MembershipStore) *PermissionChecker {
	return &PermissionChecker{store: store}
}

// Authorize returns nil when actor may perform action in projectID and an
// error wrapping ErrForbidden otherwise.
func (p *PermissionChecker) Authorize(ctx context.Context, actor models.Actor, projectID string, action Action) error {
	switch actor.Type {
	case models.ActorTypeService:
		return nil
	case models.ActorTypeUser:
	default:
		return fmt.Errorf("%w: actor type %q", ErrForbidden, actor.Type)
	}
	if actor.ID == "" {
		return fmt.Errorf("%w: anonymous actor", ErrForbidden)
	}

	role, err := p.store.GetProjectRole(ctx, projectID, actor.ID)
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("%w: not a member of project %s", ErrForbidden, projectID)
	}
	if err != nil {
		return fmt.Errorf("checking project membership: %w", err)
	}
	if !role.Allows(action) {
		return fmt.Errorf("%w: role %s cannot %s", ErrForbidden, role, action)
	}
	return nil
}
