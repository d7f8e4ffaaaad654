package roles

import (
	"context"

	"github.com/odyssey-erp/erp-access/internal/rbac"
)

// Registry is the role store the handler administers.
type Registry interface {
	ListRoles(ctx context.Context) ([]rbac.Role, error)
	GetRole(ctx context.Context, id int64) (rbac.Role, error)
	CreateRole(ctx context.Context, in rbac.CreateRoleInput) (rbac.Role, error)
	UpdateRole(ctx context.Context, id int64, patch rbac.RolePatch) (rbac.Role, error)
	DeleteRole(ctx context.Context, id int64, replacementID *int64) error
	AssignRole(ctx context.Context, identityID, roleID int64) error
}

type createRoleRequest struct {
	Name        string      `json:"name" validate:"required,max=100"`
	Description string      `json:"description" validate:"max=500"`
	Permissions rbac.Matrix `json:"permissions"`
}

type updateRoleRequest struct {
	Name        *string     `json:"name" validate:"omitempty,min=1,max=100"`
	Description *string     `json:"description" validate:"omitempty,max=500"`
	Permissions rbac.Matrix `json:"permissions"`
	Version     int64       `json:"version" validate:"gte=0"`
}

func (r updateRoleRequest) patch() rbac.RolePatch {
	return rbac.RolePatch{
		Name:            r.Name,
		Description:     r.Description,
		Permissions:     r.Permissions,
		ExpectedVersion: r.Version,
	}
}

// Catalog lists the resources and actions a matrix may contain.
type Catalog struct {
	Resources []rbac.Resource `json:"resources"`
	Actions   []rbac.Action   `json:"actions"`
}

// NewCatalog returns the closed resource and action sets.
func NewCatalog() Catalog {
	return Catalog{Resources: rbac.Resources(), Actions: rbac.Actions()}
}

type listResponse struct {
	Items []rbac.Role `json:"items"`
}
