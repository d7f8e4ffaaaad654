package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/odyssey-erp/erp-access/internal/app"
	"github.com/odyssey-erp/erp-access/internal/rbac"
	"github.com/odyssey-erp/erp-access/internal/users"
)

// AdministratorRole is the role granted to the bootstrap account.
const AdministratorRole = "Administrator"

// Registry is the subset of the role registry used while seeding.
type Registry interface {
	ListRoles(ctx context.Context) ([]rbac.Role, error)
	CreateRole(ctx context.Context, in rbac.CreateRoleInput) (rbac.Role, error)
	AssignRole(ctx context.Context, identityID, roleID int64) error
}

// Identities is the subset of the credential store used while seeding.
type Identities interface {
	FindByEmail(ctx context.Context, email string) (users.Identity, error)
	Register(ctx context.Context, in users.RegisterInput) (users.Identity, error)
}

func main() {
	ctx := context.Background()
	cfg, err := app.LoadBackgroundConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer stores.Close()

	registry := rbac.NewService(stores.Roles, rbac.WithLogger(logger))
	identities := users.NewService(stores.Identities, logger)

	fmt.Println("→ Seeding roles...")
	byName, err := seedRoles(ctx, registry, defaultRoles())
	if err != nil {
		logger.Error("seed roles", slog.Any("error", err))
		os.Exit(1)
	}

	email := strings.TrimSpace(os.Getenv("ADMIN_EMAIL"))
	password := os.Getenv("ADMIN_PASSWORD")
	if email == "" || password == "" {
		fmt.Println("→ ADMIN_EMAIL/ADMIN_PASSWORD not set, skipping administrator")
	} else {
		fmt.Println("→ Seeding administrator...")
		if err := seedAdmin(ctx, registry, identities, byName[AdministratorRole], email, password); err != nil {
			logger.Error("seed administrator", slog.Any("error", err))
			os.Exit(1)
		}
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

func defaultRoles() []rbac.CreateRoleInput {
	viewAll := rbac.NewMatrix()
	for _, r := range rbac.Resources() {
		viewAll[r] = rbac.Permissions{View: true}
	}

	employee := rbac.NewMatrix()
	employee[rbac.ResourceDashboard] = rbac.Permissions{View: true}
	employee[rbac.ResourceVacations] = rbac.Permissions{View: true, Create: true}
	employee[rbac.ResourceProducts] = rbac.Permissions{View: true}
	employee[rbac.ResourceStock] = rbac.Permissions{View: true}

	return []rbac.CreateRoleInput{
		{Name: AdministratorRole, Description: "Full access to every module", Permissions: rbac.FullMatrix()},
		{Name: "Auditor", Description: "Read-only access to every module", Permissions: viewAll},
		{Name: "Employee", Description: "Dashboard, catalogue and own vacation requests", Permissions: employee},
	}
}

// seedRoles creates the missing roles and returns the ids of all of them by name.
func seedRoles(ctx context.Context, registry Registry, wanted []rbac.CreateRoleInput) (map[string]int64, error) {
	existing, err := registry.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]int64, len(existing))
	for _, role := range existing {
		byName[role.Name] = role.ID
	}
	for _, in := range wanted {
		if _, ok := byName[in.Name]; ok {
			continue
		}
		role, err := registry.CreateRole(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", in.Name, err)
		}
		byName[role.Name] = role.ID
	}
	return byName, nil
}

// seedAdmin registers the bootstrap account if needed and grants it adminRoleID.
func seedAdmin(ctx context.Context, registry Registry, identities Identities, adminRoleID int64, email, password string) error {
	if adminRoleID == 0 {
		return fmt.Errorf("role %s missing", AdministratorRole)
	}
	identity, err := identities.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, users.ErrNotFound):
		_, err = identities.Register(ctx, users.RegisterInput{
			Email:    email,
			Name:     "Administrator",
			Password: password,
			RoleID:   &adminRoleID,
		})
		return err
	case err != nil:
		return err
	}
	return registry.AssignRole(ctx, identity.ID, adminRoleID)
}
