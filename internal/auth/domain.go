package auth

import (
	"time"

	"github.com/odyssey-erp/erp-access/internal/rbac"
	"github.com/odyssey-erp/erp-access/internal/users"
)

// Session is the result of a successful login or signup.
type Session struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
	Identity  users.Identity `json:"identity"`
	Role      RoleView       `json:"role"`
}

// RoleView is the role summary returned to clients.
type RoleView struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Permissions rbac.Matrix `json:"permissions"`
}

func roleView(role *rbac.Role) RoleView {
	if role == nil {
		role = rbac.DenyAllRole()
	}
	return RoleView{ID: role.ID, Name: role.Name, Permissions: role.Permissions.Clone()}
}

// Profile describes the signed-in principal.
type Profile struct {
	Identity users.Identity `json:"identity"`
	Role     RoleView       `json:"role"`
}

// SignupInput carries a self-registration request.
type SignupInput struct {
	Email    string
	Name     string
	Password string
}

// CheckResult answers a single permission question.
type CheckResult struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Allowed  bool   `json:"allowed"`
}
