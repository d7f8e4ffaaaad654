package users

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/erp-access/internal/platform/httpx"
)

var (
	// ErrNotFound indicates the identity does not exist or was soft-deleted.
	ErrNotFound = fmt.Errorf("users: %w", httpx.ErrNotFound)
	// ErrDuplicateEmail indicates the email is already registered.
	ErrDuplicateEmail = fmt.Errorf("users: email already registered: %w", httpx.ErrDuplicate)
	// ErrInvalidInput covers malformed registration data.
	ErrInvalidInput = fmt.Errorf("users: invalid input: %w", httpx.ErrValidation)
)

// Identity is an account that can authenticate.
type Identity struct {
	ID           int64      `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	PasswordHash string     `json:"-"`
	RoleID       *int64     `json:"role_id"`
	IsActive     bool       `json:"is_active"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RoleRef returns the referenced role id, or zero when unassigned.
func (i Identity) RoleRef() int64 {
	if i.RoleID == nil {
		return 0
	}
	return *i.RoleID
}

// NewIdentity carries the persisted fields of a new account.
type NewIdentity struct {
	Email        string
	Name         string
	PasswordHash string
	RoleID       *int64
}

// RegisterInput is the plaintext registration request.
type RegisterInput struct {
	Email    string
	Name     string
	Password string
	RoleID   *int64
}

// UpdateInput is a partial edit of an identity. Nil fields are left alone.
type UpdateInput struct {
	Email    *string
	Name     *string
	Password *string
}

// IdentityPatch carries the validated fields written by Update.
type IdentityPatch struct {
	Email        *string
	Name         *string
	PasswordHash *string
}

// Empty reports whether the patch changes nothing.
func (p IdentityPatch) Empty() bool {
	return p.Email == nil && p.Name == nil && p.PasswordHash == nil
}

// ListFilter pages through identities.
type ListFilter struct {
	Page    int
	PerPage int
}

func (f ListFilter) normalize() ListFilter {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PerPage <= 0 || f.PerPage > 100 {
		f.PerPage = 20
	}
	return f
}

func (f ListFilter) offset() int {
	return (f.Page - 1) * f.PerPage
}
