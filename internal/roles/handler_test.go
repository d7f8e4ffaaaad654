package roles

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/erp-access/internal/rbac"
	"github.com/odyssey-erp/erp-access/internal/token"
	_ "github.com/odyssey-erp/erp-access/testing"
)

type stubRegistry struct {
	roles       map[int64]rbac.Role
	lastCreate  rbac.CreateRoleInput
	lastPatch   rbac.RolePatch
	deleted     int64
	replacement *int64
	assigned    [2]int64
	err         error
}

func (s *stubRegistry) ListRoles(context.Context) ([]rbac.Role, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]rbac.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	return out, nil
}

func (s *stubRegistry) GetRole(_ context.Context, id int64) (rbac.Role, error) {
	r, ok := s.roles[id]
	if !ok {
		return rbac.Role{}, rbac.ErrNotFound
	}
	return r, nil
}

func (s *stubRegistry) CreateRole(_ context.Context, in rbac.CreateRoleInput) (rbac.Role, error) {
	if s.err != nil {
		return rbac.Role{}, s.err
	}
	s.lastCreate = in
	return rbac.Role{ID: 10, Name: in.Name, Permissions: in.Permissions.Normalized(), Version: 1}, nil
}

func (s *stubRegistry) UpdateRole(_ context.Context, id int64, patch rbac.RolePatch) (rbac.Role, error) {
	if s.err != nil {
		return rbac.Role{}, s.err
	}
	s.lastPatch = patch
	role := s.roles[id]
	role.Version++
	return role, nil
}

func (s *stubRegistry) DeleteRole(_ context.Context, id int64, replacementID *int64) error {
	if s.err != nil {
		return s.err
	}
	s.deleted = id
	s.replacement = replacementID
	return nil
}

func (s *stubRegistry) AssignRole(_ context.Context, identityID, roleID int64) error {
	if s.err != nil {
		return s.err
	}
	s.assigned = [2]int64{identityID, roleID}
	return nil
}

type roleSource map[int64]*rbac.Role

func (s roleSource) Role(_ context.Context, id int64) (*rbac.Role, error) {
	if r, ok := s[id]; ok {
		return r, nil
	}
	return nil, rbac.ErrNotFound
}

const (
	adminRoleID  = 1
	viewerRoleID = 2
)

type fixture struct {
	router   http.Handler
	registry *stubRegistry
	tokens   *token.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	tokens, err := token.NewService(token.Config{Secret: "roles-test-secret", TTL: time.Hour})
	require.NoError(t, err)

	viewer := rbac.NewMatrix()
	viewer[rbac.ResourceRoles] = rbac.Permissions{View: true}
	source := roleSource{
		adminRoleID:  {ID: adminRoleID, Name: "Administrator", Permissions: rbac.FullMatrix()},
		viewerRoleID: {ID: viewerRoleID, Name: "Auditor", Permissions: viewer},
	}
	registry := &stubRegistry{roles: map[int64]rbac.Role{
		adminRoleID: *source[adminRoleID],
	}}
	h := NewHandler(nil, registry, rbac.Middleware{Tokens: tokens, Evaluator: rbac.NewEvaluator(source)})
	r := chi.NewRouter()
	r.Route("/api/roles", h.MountRoutes)
	return fixture{router: r, registry: registry, tokens: tokens}
}

func (f fixture) send(t *testing.T, roleID int64, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	issued, err := f.tokens.Issue(token.Subject{IdentityID: 50, RoleID: roleID})
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+issued.Token)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestReadRoutesNeedView(t *testing.T) {
	f := newFixture(t)

	rec := f.send(t, viewerRoleID, http.MethodGet, "/api/roles", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Administrator"`)

	rec = f.send(t, viewerRoleID, http.MethodGet, "/api/roles/1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.send(t, viewerRoleID, http.MethodGet, "/api/roles/9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.send(t, viewerRoleID, http.MethodGet, "/api/roles/catalog", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var catalog Catalog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &catalog))
	assert.Len(t, catalog.Resources, 15)
	assert.Len(t, catalog.Actions, 5)

	rec = f.send(t, 0, http.MethodGet, "/api/roles", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWriteRoutesNeedMatchingAction(t *testing.T) {
	f := newFixture(t)

	rec := f.send(t, viewerRoleID, http.MethodPost, "/api/roles", `{"name":"Sales"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.send(t, viewerRoleID, http.MethodPatch, "/api/roles/1", `{"name":"x"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.send(t, viewerRoleID, http.MethodDelete, "/api/roles/1", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.send(t, viewerRoleID, http.MethodPut, "/api/roles/1/identities/7", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateRole(t *testing.T) {
	f := newFixture(t)

	rec := f.send(t, adminRoleID, http.MethodPost, "/api/roles",
		`{"name":"Sales","description":"front office","permissions":{"clients":{"can_see":true,"can_create":true}}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, rbac.Permissions{View: true, Create: true}, f.registry.lastCreate.Permissions[rbac.ResourceClients])

	rec = f.send(t, adminRoleID, http.MethodPost, "/api/roles", `{"name":"Sales","permissions":{"payroll":{"can_view":true}}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.send(t, adminRoleID, http.MethodPost, "/api/roles", `{"name":"Sales","permissions":{"clients":{"can_view":"yes"}}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.send(t, adminRoleID, http.MethodPost, "/api/roles", `{"description":"nameless"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.registry.err = rbac.ErrDuplicateName
	rec = f.send(t, adminRoleID, http.MethodPost, "/api/roles", `{"name":"Sales"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateRole(t *testing.T) {
	f := newFixture(t)

	rec := f.send(t, adminRoleID, http.MethodPatch, "/api/roles/1",
		`{"permissions":{"stock":{"can_view":true}},"version":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(3), f.registry.lastPatch.ExpectedVersion)
	assert.Nil(t, f.registry.lastPatch.Name)
	assert.Len(t, f.registry.lastPatch.Permissions, 1)

	f.registry.err = rbac.ErrConflict
	rec = f.send(t, adminRoleID, http.MethodPatch, "/api/roles/1", `{"version":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteRole(t *testing.T) {
	f := newFixture(t)

	rec := f.send(t, adminRoleID, http.MethodDelete, "/api/roles/4?replacement_id=2", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(4), f.registry.deleted)
	require.NotNil(t, f.registry.replacement)
	assert.Equal(t, int64(2), *f.registry.replacement)

	rec = f.send(t, adminRoleID, http.MethodDelete, "/api/roles/4?replacement_id=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.registry.err = rbac.ErrRoleInUse
	rec = f.send(t, adminRoleID, http.MethodDelete, "/api/roles/4", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAssignRole(t *testing.T) {
	f := newFixture(t)

	rec := f.send(t, adminRoleID, http.MethodPut, "/api/roles/2/identities/7", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, [2]int64{7, 2}, f.registry.assigned)

	f.registry.err = rbac.ErrNotFound
	rec = f.send(t, adminRoleID, http.MethodPut, "/api/roles/2/identities/8", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
