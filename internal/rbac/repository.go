package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/erp-access/internal/platform/db"
	"github.com/odyssey-erp/erp-access/internal/shared"
)

// DefaultQueryTimeout bounds a single store round trip.
const DefaultQueryTimeout = 5 * time.Second

const roleColumns = `id, name, description, permissions, version, created_at, updated_at`

// PostgresRepository provides PostgreSQL backed persistence.
type PostgresRepository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresRepository constructs a repository. A non-positive timeout uses
// DefaultQueryTimeout.
func NewPostgresRepository(pool *pgxpool.Pool, timeout time.Duration) *PostgresRepository {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &PostgresRepository{pool: pool, timeout: timeout}
}

// ListRoles returns all roles.
func (r *PostgresRepository) ListRoles(ctx context.Context) ([]Role, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY lower(name)`)
	if err != nil {
		return nil, shared.Unavailable("rbac: list roles", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, shared.Unavailable("rbac: scan role", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.Unavailable("rbac: list roles", err)
	}
	return roles, nil
}

// GetRole loads a single role.
func (r *PostgresRepository) GetRole(ctx context.Context, id int64) (Role, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	role, err := scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	if err != nil {
		if db.IsNoRows(err) {
			return Role{}, ErrNotFound
		}
		return Role{}, shared.Unavailable("rbac: get role", err)
	}
	return role, nil
}

// CreateRole inserts a new role.
func (r *PostgresRepository) CreateRole(ctx context.Context, role Role) (Role, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	perms, err := json.Marshal(role.Permissions)
	if err != nil {
		return Role{}, fmt.Errorf("rbac: encode matrix: %w", err)
	}
	created, err := scanRole(r.pool.QueryRow(ctx, `
INSERT INTO roles (name, description, permissions)
VALUES ($1, $2, $3)
RETURNING `+roleColumns, role.Name, role.Description, perms))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Role{}, ErrDuplicateName
		}
		return Role{}, shared.Unavailable("rbac: create role", err)
	}
	return created, nil
}

// UpdateRole writes role when its stored version equals expectedVersion.
func (r *PostgresRepository) UpdateRole(ctx context.Context, role Role, expectedVersion int64) (Role, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	perms, err := json.Marshal(role.Permissions)
	if err != nil {
		return Role{}, fmt.Errorf("rbac: encode matrix: %w", err)
	}
	updated, err := scanRole(r.pool.QueryRow(ctx, `
UPDATE roles
SET name = $2, description = $3, permissions = $4, version = version + 1, updated_at = now()
WHERE id = $1 AND version = $5
RETURNING `+roleColumns, role.ID, role.Name, role.Description, perms, expectedVersion))
	switch {
	case err == nil:
		return updated, nil
	case db.IsUniqueViolation(err):
		return Role{}, ErrDuplicateName
	case !db.IsNoRows(err):
		return Role{}, shared.Unavailable("rbac: update role", err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM roles WHERE id = $1)`, role.ID).Scan(&exists); err != nil {
		return Role{}, shared.Unavailable("rbac: update role", err)
	}
	if !exists {
		return Role{}, ErrNotFound
	}
	return Role{}, ErrConflict
}

// DeleteRole removes a role, moving its identities to replacementID when set.
func (r *PostgresRepository) DeleteRole(ctx context.Context, id int64, replacementID *int64) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var moved []int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		moved = nil
		if err := lockRole(ctx, tx, id, "FOR UPDATE"); err != nil {
			return err
		}
		if replacementID != nil {
			if err := lockRole(ctx, tx, *replacementID, "FOR SHARE"); err != nil {
				return err
			}
		} else {
			var live int64
			if err := tx.QueryRow(ctx, `SELECT count(*) FROM users WHERE role_id = $1 AND deleted_at IS NULL`, id).Scan(&live); err != nil {
				return shared.Unavailable("rbac: count role holders", err)
			}
			if live > 0 {
				return ErrRoleInUse
			}
		}

		// Soft-deleted identities keep the foreign key too; they follow the
		// replacement or lose their reference.
		rows, err := tx.Query(ctx, `
UPDATE users SET role_id = $2, updated_at = now()
WHERE role_id = $1
RETURNING id, deleted_at IS NULL`, id, replacementID)
		if err != nil {
			return shared.Unavailable("rbac: reassign identities", err)
		}
		for rows.Next() {
			var (
				identityID int64
				live       bool
			)
			if err := rows.Scan(&identityID, &live); err != nil {
				rows.Close()
				return shared.Unavailable("rbac: reassign identities", err)
			}
			if live {
				moved = append(moved, identityID)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return shared.Unavailable("rbac: reassign identities", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id); err != nil {
			return shared.Unavailable("rbac: delete role", err)
		}
		return nil
	})
	if err != nil {
		return nil, wrapTxError("rbac: delete role", err)
	}
	return moved, nil
}

// AssignRole points a live identity at roleID.
func (r *PostgresRepository) AssignRole(ctx context.Context, identityID, roleID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var changed bool
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockRole(ctx, tx, roleID, "FOR SHARE"); err != nil {
			return err
		}
		var current *int64
		err := tx.QueryRow(ctx, `SELECT role_id FROM users WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, identityID).Scan(&current)
		if err != nil {
			if db.IsNoRows(err) {
				return ErrNotFound
			}
			return shared.Unavailable("rbac: load identity", err)
		}
		if current != nil && *current == roleID {
			changed = false
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE users SET role_id = $2, updated_at = now() WHERE id = $1`, identityID, roleID); err != nil {
			return shared.Unavailable("rbac: assign role", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, wrapTxError("rbac: assign role", err)
	}
	return changed, nil
}

func lockRole(ctx context.Context, tx pgx.Tx, id int64, mode string) error {
	var found int64
	err := tx.QueryRow(ctx, `SELECT id FROM roles WHERE id = $1 `+mode, id).Scan(&found)
	if err != nil {
		if db.IsNoRows(err) {
			return ErrNotFound
		}
		return shared.Unavailable("rbac: lock role", err)
	}
	return nil
}

// wrapTxError keeps registry errors intact and classifies begin/commit
// failures as store outages.
func wrapTxError(op string, err error) error {
	if IsRegistryError(err) || isUnavailable(err) {
		return err
	}
	return shared.Unavailable(op, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (Role, error) {
	var (
		role  Role
		perms []byte
	)
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &perms, &role.Version, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return Role{}, err
	}
	matrix, err := decodeStoredMatrix(perms)
	if err != nil {
		return Role{}, err
	}
	role.Permissions = matrix
	return role, nil
}
