package rbac

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/odyssey-erp/erp-access/internal/platform/httpx"
)

var (
	// ErrNotFound indicates that the requested role or identity does not exist.
	ErrNotFound = fmt.Errorf("rbac: %w", httpx.ErrNotFound)
	// ErrDuplicateName indicates another role already uses the name.
	ErrDuplicateName = fmt.Errorf("rbac: role name already exists: %w", httpx.ErrDuplicate)
	// ErrInvalidMatrix indicates an unknown resource, unknown action or non-boolean flag.
	ErrInvalidMatrix = fmt.Errorf("rbac: invalid permission matrix: %w", httpx.ErrValidation)
	// ErrInvalidRole covers other role payload problems.
	ErrInvalidRole = fmt.Errorf("rbac: invalid role: %w", httpx.ErrValidation)
	// ErrRoleInUse indicates identities still reference the role.
	ErrRoleInUse = fmt.Errorf("rbac: role is assigned to identities: %w", httpx.ErrConflict)
	// ErrConflict indicates the stored role version advanced since it was read.
	ErrConflict = fmt.Errorf("rbac: role was modified concurrently: %w", httpx.ErrConflict)
)

// Resource names a protected ERP module.
type Resource string

// Known resources.
const (
	ResourceDashboard        Resource = "dashboard"
	ResourceEmployees        Resource = "employees"
	ResourceRoles            Resource = "roles"
	ResourceVacations        Resource = "vacations"
	ResourceProducts         Resource = "products"
	ResourceStock            Resource = "stock"
	ResourceMovements        Resource = "movements"
	ResourceClients          Resource = "clients"
	ResourceSuppliers        Resource = "suppliers"
	ResourceClientOrders     Resource = "clientOrders"
	ResourcePurchaseOrders   Resource = "purchaseOrders"
	ResourceSalesInvoices    Resource = "salesInvoices"
	ResourcePurchaseInvoices Resource = "purchaseInvoices"
	ResourceQuotes           Resource = "quotes"
	ResourceTaxes            Resource = "taxes"
)

var resources = []Resource{
	ResourceDashboard,
	ResourceEmployees,
	ResourceRoles,
	ResourceVacations,
	ResourceProducts,
	ResourceStock,
	ResourceMovements,
	ResourceClients,
	ResourceSuppliers,
	ResourceClientOrders,
	ResourcePurchaseOrders,
	ResourceSalesInvoices,
	ResourcePurchaseInvoices,
	ResourceQuotes,
	ResourceTaxes,
}

// Resources lists every resource known to the system.
func Resources() []Resource {
	out := make([]Resource, len(resources))
	copy(out, resources)
	return out
}

// Valid reports whether r belongs to the closed resource set.
func (r Resource) Valid() bool {
	for _, known := range resources {
		if r == known {
			return true
		}
	}
	return false
}

// ParseResource maps a wire name to a Resource.
func ParseResource(name string) (Resource, error) {
	r := Resource(strings.TrimSpace(name))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown resource %q", ErrInvalidMatrix, name)
	}
	return r, nil
}

// Action names an operation category on a resource.
type Action string

// Known actions.
const (
	ActionView    Action = "can_view"
	ActionCreate  Action = "can_create"
	ActionEdit    Action = "can_edit"
	ActionDelete  Action = "can_delete"
	ActionApprove Action = "can_approve"
)

// legacyViewAction is the key the original role editor sent for viewing.
const legacyViewAction = "can_see"

var actions = []Action{ActionView, ActionCreate, ActionEdit, ActionDelete, ActionApprove}

// Actions lists every action known to the system.
func Actions() []Action {
	out := make([]Action, len(actions))
	copy(out, actions)
	return out
}

// Valid reports whether a belongs to the closed action set.
func (a Action) Valid() bool {
	for _, known := range actions {
		if a == known {
			return true
		}
	}
	return false
}

// ParseAction maps a wire name to an Action.
func ParseAction(name string) (Action, error) {
	name = strings.TrimSpace(name)
	if name == legacyViewAction {
		return ActionView, nil
	}
	a := Action(name)
	if !a.Valid() {
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidMatrix, name)
	}
	return a, nil
}

// Permissions holds the action flags for one resource.
type Permissions struct {
	View    bool `json:"can_view" bson:"can_view"`
	Create  bool `json:"can_create" bson:"can_create"`
	Edit    bool `json:"can_edit" bson:"can_edit"`
	Delete  bool `json:"can_delete" bson:"can_delete"`
	Approve bool `json:"can_approve" bson:"can_approve"`
}

// Allows reports the flag for action; unknown actions deny.
func (p Permissions) Allows(action Action) bool {
	switch action {
	case ActionView:
		return p.View
	case ActionCreate:
		return p.Create
	case ActionEdit:
		return p.Edit
	case ActionDelete:
		return p.Delete
	case ActionApprove:
		return p.Approve
	default:
		return false
	}
}

func (p *Permissions) set(action Action, value bool) {
	switch action {
	case ActionView:
		p.View = value
	case ActionCreate:
		p.Create = value
	case ActionEdit:
		p.Edit = value
	case ActionDelete:
		p.Delete = value
	case ActionApprove:
		p.Approve = value
	}
}

// AllPermissions grants every action.
func AllPermissions() Permissions {
	return Permissions{View: true, Create: true, Edit: true, Delete: true, Approve: true}
}

// Role represents a named permission bundle.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Permissions Matrix    `json:"permissions"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a deep copy so the original can be shared as a snapshot.
func (r Role) Clone() Role {
	r.Permissions = r.Permissions.Clone()
	return r
}

// UnassignedRoleName is the name carried by principals with no role.
const UnassignedRoleName = "unassigned"

// DenyAllRole returns the role evaluated for principals with no role reference.
func DenyAllRole() *Role {
	return &Role{Name: UnassignedRoleName, Permissions: NewMatrix()}
}

// CreateRoleInput carries the fields of a new role.
type CreateRoleInput struct {
	Name        string
	Description string
	Permissions Matrix
}

// RolePatch is a partial role update. Nil fields are left unchanged; entries
// present in Permissions replace the stored entry for that resource.
// ExpectedVersion, when non-zero, must match the stored version.
type RolePatch struct {
	Name            *string
	Description     *string
	Permissions     Matrix
	ExpectedVersion int64
}

func sortRoles(roles []Role) {
	sort.SliceStable(roles, func(i, j int) bool {
		return strings.ToLower(roles[i].Name) < strings.ToLower(roles[j].Name)
	})
}
