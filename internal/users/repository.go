package users

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/erp-access/internal/platform/db"
	"github.com/odyssey-erp/erp-access/internal/shared"
)

const identityColumns = `id, email, name, password_hash, role_id, is_active, deleted_at, created_at, updated_at`

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool, timeout time.Duration) *Repository {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Repository{pool: pool, timeout: timeout}
}

// FindByID fetches a live identity.
func (r *Repository) FindByID(ctx context.Context, id int64) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.one(ctx, "users: find by id",
		`SELECT `+identityColumns+` FROM users WHERE id = $1 AND deleted_at IS NULL`, id)
}

// FindByEmail fetches a live identity by its folded email.
func (r *Repository) FindByEmail(ctx context.Context, email string) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.one(ctx, "users: find by email",
		`SELECT `+identityColumns+` FROM users WHERE lower(email) = lower($1) AND deleted_at IS NULL`, email)
}

// Create inserts a new identity.
func (r *Repository) Create(ctx context.Context, in NewIdentity) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	identity, err := scanIdentity(r.pool.QueryRow(ctx, `
INSERT INTO users (email, name, password_hash, role_id)
VALUES ($1, $2, $3, $4)
RETURNING `+identityColumns, in.Email, in.Name, in.PasswordHash, in.RoleID))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Identity{}, ErrDuplicateEmail
		}
		return Identity{}, shared.Unavailable("users: create", err)
	}
	return identity, nil
}

// Update writes the non-nil patch fields of a live identity.
func (r *Repository) Update(ctx context.Context, id int64, patch IdentityPatch) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	identity, err := scanIdentity(r.pool.QueryRow(ctx, `
UPDATE users SET
    email = COALESCE($2, email),
    name = COALESCE($3, name),
    password_hash = COALESCE($4, password_hash),
    updated_at = now()
WHERE id = $1 AND deleted_at IS NULL
RETURNING `+identityColumns, id, patch.Email, patch.Name, patch.PasswordHash))
	switch {
	case err == nil:
		return identity, nil
	case db.IsNoRows(err):
		return Identity{}, ErrNotFound
	case db.IsUniqueViolation(err):
		return Identity{}, ErrDuplicateEmail
	default:
		return Identity{}, shared.Unavailable("users: update", err)
	}
}

// List returns a page of live identities ordered by id with the total count.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Identity, int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM users WHERE deleted_at IS NULL`).Scan(&total); err != nil {
		return nil, 0, shared.Unavailable("users: count", err)
	}
	rows, err := r.pool.Query(ctx, `
SELECT `+identityColumns+` FROM users
WHERE deleted_at IS NULL
ORDER BY id
LIMIT $1 OFFSET $2`, filter.PerPage, filter.offset())
	if err != nil {
		return nil, 0, shared.Unavailable("users: list", err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, 0, shared.Unavailable("users: scan", err)
		}
		out = append(out, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, shared.Unavailable("users: list", err)
	}
	return out, total, nil
}

// SoftDelete marks the identity deleted and inactive.
func (r *Repository) SoftDelete(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
UPDATE users SET deleted_at = now(), is_active = FALSE, updated_at = now()
WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return shared.Unavailable("users: soft delete", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) one(ctx context.Context, op, query string, args ...any) (Identity, error) {
	identity, err := scanIdentity(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if db.IsNoRows(err) {
			return Identity{}, ErrNotFound
		}
		return Identity{}, shared.Unavailable(op, err)
	}
	return identity, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (Identity, error) {
	var i Identity
	err := row.Scan(&i.ID, &i.Email, &i.Name, &i.PasswordHash, &i.RoleID, &i.IsActive, &i.DeletedAt, &i.CreatedAt, &i.UpdatedAt)
	return i, err
}

var _ RepositoryPort = (*Repository)(nil)
