package rbac

import (
	"context"
	"errors"
)

// IsAllowed is the permission decision: it grants only when role holds an
// explicit true flag for resource and action.
func IsAllowed(role *Role, resource Resource, action Action) bool {
	if role == nil || role.Permissions == nil {
		return false
	}
	perms, ok := role.Permissions[resource]
	if !ok {
		return false
	}
	return perms.Allows(action)
}

// RoleSource resolves immutable role snapshots by id.
type RoleSource interface {
	Role(ctx context.Context, id int64) (*Role, error)
}

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool
	Role    *Role
}

// Evaluator resolves a principal's role and applies IsAllowed.
type Evaluator struct {
	roles RoleSource
}

// NewEvaluator builds an Evaluator reading roles from source.
func NewEvaluator(source RoleSource) *Evaluator {
	return &Evaluator{roles: source}
}

// Decide evaluates (resource, action) for the role with roleID. Role id zero
// resolves to the deny-all role; an id that no longer exists denies. Errors
// are returned only for store failures.
func (e *Evaluator) Decide(ctx context.Context, roleID int64, resource Resource, action Action) (Decision, error) {
	role, err := e.Resolve(ctx, roleID)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: IsAllowed(role, resource, action), Role: role}, nil
}

// Resolve returns the role snapshot for roleID.
func (e *Evaluator) Resolve(ctx context.Context, roleID int64) (*Role, error) {
	if roleID <= 0 || e == nil || e.roles == nil {
		return DenyAllRole(), nil
	}
	role, err := e.roles.Role(ctx, roleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return DenyAllRole(), nil
		}
		return nil, err
	}
	return role, nil
}
