package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/erp-access/internal/rbac"
	"github.com/odyssey-erp/erp-access/internal/shared"
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 8

// RepositoryPort defines data access methods for identities.
type RepositoryPort interface {
	FindByID(ctx context.Context, id int64) (Identity, error)
	FindByEmail(ctx context.Context, email string) (Identity, error)
	Create(ctx context.Context, in NewIdentity) (Identity, error)
	// Update applies the non-nil patch fields to a live identity.
	Update(ctx context.Context, id int64, patch IdentityPatch) (Identity, error)
	List(ctx context.Context, filter ListFilter) ([]Identity, int, error)
	SoftDelete(ctx context.Context, id int64) error
}

// RoleAssigner attaches roles through the role registry, which serializes
// the assignment against role deletion and announces the change.
type RoleAssigner interface {
	GetRole(ctx context.Context, id int64) (rbac.Role, error)
	AssignRole(ctx context.Context, identityID, roleID int64) error
}

// Service handles identity business logic.
type Service struct {
	repo       RepositoryPort
	roles      RoleAssigner
	logger     *slog.Logger
	bcryptCost int
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, bcryptCost: bcrypt.DefaultCost}
}

// WithBcryptCost overrides the hashing cost, mainly for tests.
func (s *Service) WithBcryptCost(cost int) *Service {
	clone := *s
	clone.bcryptCost = cost
	return &clone
}

// WithRoleAssigner enables role assignment on Create.
func (s *Service) WithRoleAssigner(roles RoleAssigner) *Service {
	clone := *s
	clone.roles = roles
	return &clone
}

// Register hashes the password and stores a new identity.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Identity, error) {
	email, err := validEmail(in.Email)
	if err != nil {
		return Identity{}, err
	}
	hash, err := s.hash(in.Password)
	if err != nil {
		return Identity{}, err
	}
	identity, err := s.repo.Create(ctx, NewIdentity{
		Email:        email,
		Name:         strings.TrimSpace(in.Name),
		PasswordHash: hash,
		RoleID:       in.RoleID,
	})
	if err != nil {
		return Identity{}, err
	}
	s.logger.Info("identity registered", slog.Int64("identity_id", identity.ID))
	return identity, nil
}

// Create is the administrative registration path. The identity is stored
// without a role and then assigned RoleID through the registry, so a role
// deleted in between cannot be left referenced. When the assignment fails
// the stored, roleless identity is returned alongside the error.
func (s *Service) Create(ctx context.Context, in RegisterInput) (Identity, error) {
	roleID := in.RoleID
	if roleID != nil {
		if s.roles == nil {
			return Identity{}, fmt.Errorf("%w: role assignment is not available", ErrInvalidInput)
		}
		if err := s.checkRole(ctx, *roleID); err != nil {
			return Identity{}, err
		}
	}
	in.RoleID = nil
	identity, err := s.Register(ctx, in)
	if err != nil || roleID == nil {
		return identity, err
	}
	if err := s.roles.AssignRole(ctx, identity.ID, *roleID); err != nil {
		s.logger.Warn("identity created without role",
			slog.Int64("identity_id", identity.ID), slog.Int64("role_id", *roleID), slog.Any("error", err))
		if errors.Is(err, rbac.ErrNotFound) {
			return identity, fmt.Errorf("%w: role %d does not exist", ErrInvalidInput, *roleID)
		}
		return identity, err
	}
	identity.RoleID = roleID
	return identity, nil
}

// Update edits the name, email or password of a live identity.
func (s *Service) Update(ctx context.Context, id int64, in UpdateInput) (Identity, error) {
	if id <= 0 {
		return Identity{}, ErrNotFound
	}
	var patch IdentityPatch
	if in.Email != nil {
		email, err := validEmail(*in.Email)
		if err != nil {
			return Identity{}, err
		}
		patch.Email = &email
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		patch.Name = &name
	}
	if in.Password != nil {
		hash, err := s.hash(*in.Password)
		if err != nil {
			return Identity{}, err
		}
		patch.PasswordHash = &hash
	}
	if patch.Empty() {
		return Identity{}, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	identity, err := s.repo.Update(ctx, id, patch)
	if err != nil {
		return Identity{}, err
	}
	s.logger.Info("identity updated",
		slog.Int64("identity_id", id),
		slog.Bool("email", patch.Email != nil),
		slog.Bool("password", patch.PasswordHash != nil))
	return identity, nil
}

func (s *Service) checkRole(ctx context.Context, roleID int64) error {
	if roleID <= 0 {
		return fmt.Errorf("%w: role %d does not exist", ErrInvalidInput, roleID)
	}
	if _, err := s.roles.GetRole(ctx, roleID); err != nil {
		if errors.Is(err, rbac.ErrNotFound) {
			return fmt.Errorf("%w: role %d does not exist", ErrInvalidInput, roleID)
		}
		return err
	}
	return nil
}

func (s *Service) hash(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return string(hash), nil
}

func validEmail(raw string) (string, error) {
	email := shared.NormalizeEmail(raw)
	if email == "" || !strings.Contains(email, "@") {
		return "", fmt.Errorf("%w: email required", ErrInvalidInput)
	}
	return email, nil
}

// Get returns a live identity.
func (s *Service) Get(ctx context.Context, id int64) (Identity, error) {
	if id <= 0 {
		return Identity{}, ErrNotFound
	}
	return s.repo.FindByID(ctx, id)
}

// FindByEmail looks up a live identity by case-insensitive email.
func (s *Service) FindByEmail(ctx context.Context, email string) (Identity, error) {
	email = shared.NormalizeEmail(email)
	if email == "" {
		return Identity{}, ErrNotFound
	}
	return s.repo.FindByEmail(ctx, email)
}

// List returns a page of live identities.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Identity, shared.Pagination, error) {
	filter = filter.normalize()
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// Delete soft-deletes an identity. Login is refused afterwards; tokens already
// issued stay valid until they expire.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return ErrNotFound
	}
	if err := s.repo.SoftDelete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("identity deleted", slog.Int64("identity_id", id))
	return nil
}

var _ RoleAssigner = (*rbac.Service)(nil)
