package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/odyssey-erp/erp-access/internal/shared"
)

// Repository persists roles and the role reference held by identities.
type Repository interface {
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	CreateRole(ctx context.Context, role Role) (Role, error)
	// UpdateRole writes role if the stored version still equals expectedVersion,
	// otherwise it returns ErrConflict.
	UpdateRole(ctx context.Context, role Role, expectedVersion int64) (Role, error)
	// DeleteRole removes the role. With a replacement id the referencing
	// identities are moved to it in the same transaction and their ids returned.
	DeleteRole(ctx context.Context, id int64, replacementID *int64) ([]int64, error)
	// AssignRole points the identity at roleID. It reports false when the
	// identity already held the role.
	AssignRole(ctx context.Context, identityID, roleID int64) (bool, error)
}

// Invalidator evicts cached role snapshots after writes.
type Invalidator interface {
	Invalidate(ctx context.Context, roleID int64)
}

// RoleChange describes identities whose role reference moved.
type RoleChange struct {
	IdentityIDs []int64
	FromRoleID  int64
	ToRoleID    int64
	Reason      string
}

// Notifier is told about role reassignments after they are committed.
type Notifier interface {
	RoleChanged(ctx context.Context, change RoleChange) error
}

// Change reasons.
const (
	ReasonAssigned    = "assigned"
	ReasonRoleDeleted = "role_deleted"
)

// Service is the role registry.
type Service struct {
	repo        Repository
	invalidator Invalidator
	notifier    Notifier
	logger      *slog.Logger
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithInvalidator evicts cached roles after every write.
func WithInvalidator(inv Invalidator) ServiceOption {
	return func(s *Service) { s.invalidator = inv }
}

// WithNotifier publishes role reassignments.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// NewService constructs a Service backed by repo.
func NewService(repo Repository, opts ...ServiceOption) *Service {
	s := &Service{repo: repo, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	roles, err := s.repo.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	sortRoles(roles)
	return roles, nil
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	if id <= 0 {
		return Role{}, ErrNotFound
	}
	return s.repo.GetRole(ctx, id)
}

// CreateRole inserts a new role.
func (s *Service) CreateRole(ctx context.Context, in CreateRoleInput) (Role, error) {
	name, err := normalizeName(in.Name)
	if err != nil {
		return Role{}, err
	}
	if err := in.Permissions.Validate(); err != nil {
		return Role{}, err
	}
	role, err := s.repo.CreateRole(ctx, Role{
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Permissions: in.Permissions.Normalized(),
	})
	if err != nil {
		return Role{}, err
	}
	s.logger.Info("rbac role created", slog.Int64("role_id", role.ID), slog.String("name", role.Name))
	return role, nil
}

// UpdateRole applies patch to the role with id using optimistic concurrency.
func (s *Service) UpdateRole(ctx context.Context, id int64, patch RolePatch) (Role, error) {
	if err := patch.Permissions.Validate(); err != nil {
		return Role{}, err
	}
	current, err := s.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if patch.ExpectedVersion != 0 && patch.ExpectedVersion != current.Version {
		return Role{}, fmt.Errorf("%w: expected version %d, stored %d", ErrConflict, patch.ExpectedVersion, current.Version)
	}

	next := current.Clone()
	if patch.Name != nil {
		name, err := normalizeName(*patch.Name)
		if err != nil {
			return Role{}, err
		}
		next.Name = name
	}
	if patch.Description != nil {
		next.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.Permissions != nil {
		next.Permissions = next.Permissions.Merge(patch.Permissions)
	}
	next.Permissions = next.Permissions.Normalized()

	updated, err := s.repo.UpdateRole(ctx, next, current.Version)
	if err != nil {
		return Role{}, err
	}
	s.invalidate(ctx, id)
	s.logger.Info("rbac role updated", slog.Int64("role_id", id), slog.Int64("version", updated.Version))
	return updated, nil
}

// DeleteRole removes a role. Roles still assigned to identities are rejected
// with ErrRoleInUse unless replacementID names the role to move them to.
func (s *Service) DeleteRole(ctx context.Context, id int64, replacementID *int64) error {
	if id <= 0 {
		return ErrNotFound
	}
	if replacementID != nil {
		if *replacementID == id {
			return fmt.Errorf("%w: replacement must differ from the deleted role", ErrInvalidRole)
		}
		if *replacementID <= 0 {
			return ErrNotFound
		}
	}
	moved, err := s.repo.DeleteRole(ctx, id, replacementID)
	if err != nil {
		return err
	}
	s.invalidate(ctx, id)
	s.logger.Info("rbac role deleted", slog.Int64("role_id", id), slog.Int("reassigned", len(moved)))
	if len(moved) > 0 && replacementID != nil {
		s.notify(ctx, RoleChange{IdentityIDs: moved, FromRoleID: id, ToRoleID: *replacementID, Reason: ReasonRoleDeleted})
	}
	return nil
}

// AssignRole assigns a role to the given identity. Reassigning the current
// role is a successful no-op.
func (s *Service) AssignRole(ctx context.Context, identityID, roleID int64) error {
	if identityID <= 0 || roleID <= 0 {
		return ErrNotFound
	}
	changed, err := s.repo.AssignRole(ctx, identityID, roleID)
	if err != nil {
		return err
	}
	if changed {
		s.logger.Info("rbac role assigned", slog.Int64("identity_id", identityID), slog.Int64("role_id", roleID))
		s.notify(ctx, RoleChange{IdentityIDs: []int64{identityID}, ToRoleID: roleID, Reason: ReasonAssigned})
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, id int64) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(ctx, id)
	}
}

func (s *Service) notify(ctx context.Context, change RoleChange) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.RoleChanged(ctx, change); err != nil {
		s.logger.Warn("rbac notify role change", slog.String("reason", change.Reason), slog.Any("error", err))
	}
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: role name required", ErrInvalidRole)
	}
	if strings.EqualFold(name, UnassignedRoleName) {
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidRole, UnassignedRoleName)
	}
	return name, nil
}

// IsRegistryError reports whether err is one of the registry's own failures
// as opposed to a store outage.
func IsRegistryError(err error) bool {
	for _, target := range []error{ErrNotFound, ErrDuplicateName, ErrInvalidMatrix, ErrInvalidRole, ErrRoleInUse, ErrConflict} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isUnavailable(err error) bool {
	return errors.Is(err, shared.ErrDependencyUnavailable)
}
